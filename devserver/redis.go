package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKey     = "waitroom:room"
	redisUpdateAttempts = 16
)

// RedisStore keeps the room in a single Redis key and applies updates with
// optimistic WATCH/MULTI transactions, so several devservers can share one
// room.
type RedisStore struct {
	client *redis.Client
	key    string
}

func openRedisStore(ctx context.Context, u *url.URL) (*RedisStore, error) {
	key := u.Query().Get("key")
	if key == "" {
		key = defaultRedisKey
	}
	clean := *u
	q := clean.Query()
	q.Del("key")
	clean.RawQuery = q.Encode()
	opts, err := redis.ParseURL(clean.String())
	if err != nil {
		return nil, fmt.Errorf("devserver: redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("devserver: redis ping: %w", err)
	}
	return NewRedisStore(client, key), nil
}

// NewRedisStore wraps an existing client. An empty key uses waitroom:room.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

// View implements Store.
func (s *RedisStore) View(ctx context.Context, fn func(*Room) error) error {
	room, err := s.load(ctx, s.client)
	if err != nil {
		return err
	}
	return fn(room)
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, fn func(*Room) error) error {
	txf := func(tx *redis.Tx) error {
		room, err := s.load(ctx, tx)
		if err != nil {
			return err
		}
		if err := fn(room); err != nil {
			return err
		}
		doc, err := json.Marshal(room)
		if err != nil {
			return fmt.Errorf("devserver: encode room: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, doc, 0)
			return nil
		})
		return err
	}
	for range redisUpdateAttempts {
		err := s.client.Watch(ctx, txf, s.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, cmd redisGetter) (*Room, error) {
	doc, err := cmd.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return decodeRoom(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("devserver: redis get: %w", err)
	}
	return decodeRoom(doc)
}
