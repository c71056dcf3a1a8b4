package devserver

import (
	"errors"
	"slices"
	"time"

	"pkt.systems/waitroom/api"
)

var (
	// ErrUnknownToken is returned for token ids the room never issued or already pruned.
	ErrUnknownToken = errors.New("devserver: unknown token")
	// ErrNoSession is returned by heartbeats for visitors without an active session.
	ErrNoSession = errors.New("devserver: no active session")
)

// TokenRecord is the server-side state of an admission token.
type TokenRecord struct {
	ID               string          `json:"id"`
	Signed           string          `json:"signed"`
	PerformanceID    string          `json:"performanceId"`
	ClientID         string          `json:"clientId"`
	Status           api.TokenStatus `json:"status"`
	IssuedAt         time.Time       `json:"issuedAt"`
	ExpiresAt        time.Time       `json:"expiresAt"`
	ActivatedAt      *time.Time      `json:"activatedAt,omitempty"`
	BookingExpiresAt *time.Time      `json:"bookingExpiresAt,omitempty"`
}

// SessionRecord is an admitted booking session occupying one slot.
type SessionRecord struct {
	ClientID      string    `json:"clientId"`
	PerformanceID string    `json:"performanceId"`
	ScheduleID    string    `json:"scheduleId,omitempty"`
	TokenID       string    `json:"tokenId,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	LastSeen      time.Time `json:"lastSeen"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Room is the complete admission state. Stores persist it as one document.
type Room struct {
	Tokens   map[string]*TokenRecord   `json:"tokens"`
	Line     []string                  `json:"line"`
	Sessions map[string]*SessionRecord `json:"sessions"`
}

// Policy carries the admission parameters the room applies.
type Policy struct {
	MaxActive        int
	TokenTTL         time.Duration
	BookingWindow    time.Duration
	HeartbeatTimeout time.Duration
	SlotEstimate     time.Duration
}

func policyFrom(cfg Config) Policy {
	return Policy{
		MaxActive:        cfg.MaxActive,
		TokenTTL:         cfg.TokenTTL,
		BookingWindow:    cfg.BookingWindow,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		SlotEstimate:     cfg.SlotEstimate,
	}
}

func (r *Room) ensure() {
	if r.Tokens == nil {
		r.Tokens = make(map[string]*TokenRecord)
	}
	if r.Sessions == nil {
		r.Sessions = make(map[string]*SessionRecord)
	}
}

func sessionKey(clientID, performanceID string) string {
	return clientID + "|" + performanceID
}

// Check decides whether clientID may enter directly. A granted check opens
// a session immediately.
func (r *Room) Check(p Policy, now time.Time, clientID, performanceID, scheduleID string) api.Requirement {
	r.Refresh(p, now)
	req := api.Requirement{
		CurrentActiveSessions: int64(len(r.Sessions)),
		MaxConcurrentSessions: int64(p.MaxActive),
		CurrentWaitingCount:   int64(len(r.Line)),
	}
	if s, ok := r.Sessions[sessionKey(clientID, performanceID)]; ok {
		s.LastSeen = now
		s.ScheduleID = scheduleID
		req.CanProceedDirectly = true
		req.Reason = "session already active"
		return req
	}
	if len(r.Line) == 0 && len(r.Sessions) < p.MaxActive {
		r.Sessions[sessionKey(clientID, performanceID)] = &SessionRecord{
			ClientID:      clientID,
			PerformanceID: performanceID,
			ScheduleID:    scheduleID,
			StartedAt:     now,
			LastSeen:      now,
			ExpiresAt:     now.Add(p.BookingWindow),
		}
		req.CanProceedDirectly = true
		req.CurrentActiveSessions++
		req.Reason = "capacity available"
		return req
	}
	req.RequiresQueue = true
	req.Reason = "booking capacity reached"
	req.EstimatedWaitTime = int64((time.Duration(len(r.Line)+1) * p.SlotEstimate).Seconds())
	return req
}

// Issue adds tok to the end of the line and promotes what capacity allows.
func (r *Room) Issue(p Policy, now time.Time, tok TokenRecord) *TokenRecord {
	r.ensure()
	tok.Status = api.StatusWaiting
	tok.IssuedAt = now
	tok.ExpiresAt = now.Add(p.TokenTTL)
	rec := &tok
	r.Tokens[rec.ID] = rec
	r.Line = append(r.Line, rec.ID)
	r.Refresh(p, now)
	return rec
}

// Lookup returns the current record for id after applying time-based
// transitions.
func (r *Room) Lookup(p Policy, now time.Time, id string) (*TokenRecord, error) {
	r.Refresh(p, now)
	rec, ok := r.Tokens[id]
	if !ok {
		return nil, ErrUnknownToken
	}
	return rec, nil
}

// Cancel withdraws id. A cancelled active token frees its slot.
func (r *Room) Cancel(p Policy, now time.Time, id string) error {
	r.ensure()
	rec, ok := r.Tokens[id]
	if !ok {
		return ErrUnknownToken
	}
	switch rec.Status {
	case api.StatusWaiting:
		r.dequeue(id)
		rec.Status = api.StatusCancelled
	case api.StatusActive:
		r.dropSessionFor(id)
		rec.Status = api.StatusCancelled
	}
	r.Refresh(p, now)
	return nil
}

// Heartbeat refreshes the session of clientID for performanceID.
func (r *Room) Heartbeat(p Policy, now time.Time, clientID, performanceID, scheduleID string) error {
	r.Refresh(p, now)
	s, ok := r.Sessions[sessionKey(clientID, performanceID)]
	if !ok {
		return ErrNoSession
	}
	s.LastSeen = now
	if scheduleID != "" {
		s.ScheduleID = scheduleID
	}
	return nil
}

// Release frees the session of clientID for performanceID. Releasing an
// unknown session is not an error. The admitting token becomes USED.
func (r *Room) Release(p Policy, now time.Time, clientID, performanceID string) bool {
	r.ensure()
	key := sessionKey(clientID, performanceID)
	s, ok := r.Sessions[key]
	if ok {
		delete(r.Sessions, key)
		if rec, found := r.Tokens[s.TokenID]; found && rec.Status == api.StatusActive {
			rec.Status = api.StatusUsed
		}
	}
	r.Refresh(p, now)
	return ok
}

// Admit activates id regardless of capacity.
func (r *Room) Admit(p Policy, now time.Time, id string) error {
	r.ensure()
	rec, ok := r.Tokens[id]
	if !ok {
		return ErrUnknownToken
	}
	if rec.Status == api.StatusWaiting {
		r.dequeue(id)
		r.activate(p, now, rec)
	}
	return nil
}

// Expire forces id into EXPIRED and frees its slot.
func (r *Room) Expire(p Policy, now time.Time, id string) error {
	r.ensure()
	rec, ok := r.Tokens[id]
	if !ok {
		return ErrUnknownToken
	}
	r.dequeue(id)
	r.dropSessionFor(id)
	rec.Status = api.StatusExpired
	r.Refresh(p, now)
	return nil
}

// Clear drops every token and session.
func (r *Room) Clear() {
	r.Tokens = make(map[string]*TokenRecord)
	r.Sessions = make(map[string]*SessionRecord)
	r.Line = nil
}

// Refresh expires stale tokens, evicts silent or overdue sessions, promotes
// waiting tokens into free slots in FIFO order and prunes long-dead records.
func (r *Room) Refresh(p Policy, now time.Time) {
	r.ensure()
	r.Line = slices.DeleteFunc(r.Line, func(id string) bool {
		rec, ok := r.Tokens[id]
		if !ok || rec.Status != api.StatusWaiting {
			return true
		}
		if !now.Before(rec.ExpiresAt) {
			rec.Status = api.StatusExpired
			return true
		}
		return false
	})
	for key, s := range r.Sessions {
		silent := p.HeartbeatTimeout > 0 && now.Sub(s.LastSeen) > p.HeartbeatTimeout
		if !silent && now.Before(s.ExpiresAt) {
			continue
		}
		delete(r.Sessions, key)
		if rec, ok := r.Tokens[s.TokenID]; ok && rec.Status == api.StatusActive {
			rec.Status = api.StatusExpired
		}
	}
	for len(r.Line) > 0 && len(r.Sessions) < p.MaxActive {
		id := r.Line[0]
		r.Line = r.Line[1:]
		r.activate(p, now, r.Tokens[id])
	}
	for id, rec := range r.Tokens {
		if rec.Status != api.StatusWaiting && rec.Status != api.StatusActive && now.Sub(rec.ExpiresAt) > p.TokenTTL {
			delete(r.Tokens, id)
		}
	}
}

// View renders rec the way the status endpoint reports it.
func (r *Room) View(p Policy, rec *TokenRecord) api.Token {
	out := api.Token{
		Token:     rec.Signed,
		Status:    rec.Status,
		ExpiresAt: rec.ExpiresAt,
	}
	issued := rec.IssuedAt
	out.IssuedAt = &issued
	switch rec.Status {
	case api.StatusWaiting:
		pos := int64(slices.Index(r.Line, rec.ID) + 1)
		out.PositionInQueue = pos
		out.EstimatedWaitTime = int64((time.Duration(pos) * p.SlotEstimate).Seconds())
	case api.StatusActive:
		yes := true
		out.IsActiveForBooking = &yes
		out.BookingExpiresAt = rec.BookingExpiresAt
	}
	return out
}

// Waiting returns the number of tokens in line.
func (r *Room) Waiting() int { return len(r.Line) }

// Active returns the number of occupied slots.
func (r *Room) Active() int { return len(r.Sessions) }

func (r *Room) activate(p Policy, now time.Time, rec *TokenRecord) {
	if rec == nil {
		return
	}
	booking := now.Add(p.BookingWindow)
	activated := now
	rec.Status = api.StatusActive
	rec.ActivatedAt = &activated
	rec.BookingExpiresAt = &booking
	r.Sessions[sessionKey(rec.ClientID, rec.PerformanceID)] = &SessionRecord{
		ClientID:      rec.ClientID,
		PerformanceID: rec.PerformanceID,
		TokenID:       rec.ID,
		StartedAt:     now,
		LastSeen:      now,
		ExpiresAt:     booking,
	}
}

func (r *Room) dequeue(id string) {
	r.Line = slices.DeleteFunc(r.Line, func(candidate string) bool { return candidate == id })
}

func (r *Room) dropSessionFor(id string) {
	for key, s := range r.Sessions {
		if s.TokenID == id {
			delete(r.Sessions, key)
		}
	}
}
