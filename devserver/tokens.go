package devserver

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "waitroom-devserver"

// admissionClaims are carried by every token handed to clients.
type admissionClaims struct {
	PerformanceID string `json:"pid"`
	jwt.RegisteredClaims
}

type signer struct {
	secret []byte
	parser *jwt.Parser
}

func newSigner(secret string) (*signer, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("devserver: generate token secret: %w", err)
		}
	}
	return &signer{
		secret: key,
		// Expired tokens must still resolve so the room can report EXPIRED.
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}, nil
}

// issue mints a new token id and its signed form.
func (s *signer) issue(now time.Time, ttl time.Duration, clientID, performanceID string) (id, signed string, err error) {
	tid, err := uuid.NewV7()
	if err != nil {
		return "", "", fmt.Errorf("devserver: token id: %w", err)
	}
	id = tid.String()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, admissionClaims{
		PerformanceID: performanceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Issuer:    tokenIssuer,
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err = tok.SignedString(s.secret)
	if err != nil {
		return "", "", fmt.Errorf("devserver: sign token: %w", err)
	}
	return id, signed, nil
}

// resolve verifies signed and returns the token id it carries.
func (s *signer) resolve(signed string) (string, error) {
	var claims admissionClaims
	_, err := s.parser.ParseWithClaims(signed, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownToken, err)
	}
	if claims.Issuer != tokenIssuer || claims.ID == "" {
		return "", errors.Join(ErrUnknownToken, errors.New("token not issued by this server"))
	}
	return claims.ID, nil
}
