package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// ErrConflict is returned when a store could not apply an update because
// the room kept changing underneath it.
var ErrConflict = errors.New("devserver: room update conflict")

// Store persists the Room document. Update runs fn against the latest room
// and saves the result atomically; fn may run more than once and must only
// mutate the room it is given. A non-nil error from fn discards the update.
type Store interface {
	View(ctx context.Context, fn func(*Room) error) error
	Update(ctx context.Context, fn func(*Room) error) error
	Close() error
}

// OpenStore selects a Store by URL scheme: mem:// (or memory://) and
// redis:// (or rediss://). The redis key defaults to waitroom:room and can be
// overridden with ?key=.
func OpenStore(ctx context.Context, raw string) (Store, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = DefaultStore
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("devserver: parse store URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "mem", "memory":
		return NewMemStore(), nil
	case "redis", "rediss":
		return openRedisStore(ctx, u)
	default:
		return nil, fmt.Errorf("devserver: unsupported store scheme %q", u.Scheme)
	}
}

// MemStore keeps the encoded room in process. Updates are serialized and
// applied to a decoded copy, so a failed update leaves no trace.
type MemStore struct {
	mu  sync.Mutex
	doc []byte
}

// NewMemStore returns an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// View implements Store.
func (s *MemStore) View(_ context.Context, fn func(*Room) error) error {
	s.mu.Lock()
	room, err := decodeRoom(s.doc)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return fn(room)
}

// Update implements Store.
func (s *MemStore) Update(_ context.Context, fn func(*Room) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, err := decodeRoom(s.doc)
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
	s.doc = doc
	return nil
}

// Close implements Store.
func (s *MemStore) Close() error { return nil }

func decodeRoom(doc []byte) (*Room, error) {
	room := &Room{}
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, room); err != nil {
			return nil, fmt.Errorf("devserver: decode room: %w", err)
		}
	}
	room.ensure()
	return room, nil
}
