package client

import (
	"context"
	"net/http"
	"strings"

	"pkt.systems/waitroom/api"
)

const (
	headerAuthorization = "Authorization"
	headerSessionID     = api.HeaderSessionID
	headerClientID      = api.HeaderClientID
)

// Credential is the caller identity attached to queue requests.
type Credential struct {
	// AccessToken is sent as a bearer token.
	AccessToken string
	// SessionID identifies the visitor session, when the server tracks one.
	SessionID string
}

// Credentials is a read-only accessor consulted on every request. The gateway
// never stores or refreshes credentials itself.
type Credentials interface {
	Credential(ctx context.Context) (Credential, bool)
}

// CredentialsFunc adapts a function to the Credentials interface.
type CredentialsFunc func(ctx context.Context) (Credential, bool)

// Credential implements Credentials.
func (f CredentialsFunc) Credential(ctx context.Context) (Credential, bool) {
	return f(ctx)
}

// StaticCredentials always returns the same credential.
type StaticCredentials Credential

// Credential implements Credentials.
func (s StaticCredentials) Credential(context.Context) (Credential, bool) {
	cred := Credential(s)
	return cred, strings.TrimSpace(cred.AccessToken) != "" || strings.TrimSpace(cred.SessionID) != ""
}

func applyCredential(h http.Header, cred Credential) {
	if token := strings.TrimSpace(cred.AccessToken); token != "" {
		h.Set(headerAuthorization, "Bearer "+token)
	}
	if sid := strings.TrimSpace(cred.SessionID); sid != "" {
		h.Set(headerSessionID, sid)
	}
}
