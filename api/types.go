package api

import (
	"encoding/json"
	"time"
)

// Request headers understood by queue servers.
const (
	// HeaderClientID identifies the client instance (one per tab or process).
	HeaderClientID = "X-Waitroom-Client"
	// HeaderSessionID carries the visitor session when the caller has one.
	HeaderSessionID = "X-Session-Id"
	// HeaderCorrelationID ties a request to the caller's log entries.
	HeaderCorrelationID = "X-Correlation-Id"
)

// Envelope is the canonical response wrapper used by every queue endpoint.
type Envelope struct {
	// Success reports whether the server accepted the request.
	Success bool `json:"success"`
	// Data carries the operation payload when Success is true.
	Data json.RawMessage `json:"data,omitempty"`
	// Message is an optional human-readable status line.
	Message string `json:"message,omitempty"`
	// Error is the server-provided failure description when Success is false.
	Error string `json:"error,omitempty"`
}

// CheckRequest models the payload for POST /queue/check.
type CheckRequest struct {
	// PerformanceID identifies the performance (the queue subject).
	PerformanceID string `json:"performanceId"`
	// ScheduleID identifies the schedule within the performance.
	ScheduleID string `json:"scheduleId"`
}

// Requirement is returned by POST /queue/check.
type Requirement struct {
	// RequiresQueue is true when the visitor must join the waiting room.
	RequiresQueue bool `json:"requiresQueue"`
	// CanProceedDirectly is true when capacity is available right now.
	CanProceedDirectly bool `json:"canProceedDirectly"`
	// Reason explains the decision.
	Reason string `json:"reason,omitempty"`
	// CurrentActiveSessions is the number of booking sessions held.
	CurrentActiveSessions int64 `json:"currentActiveSessions,omitempty"`
	// MaxConcurrentSessions is the configured booking capacity.
	MaxConcurrentSessions int64 `json:"maxConcurrentSessions,omitempty"`
	// EstimatedWaitTime is the server estimate in seconds.
	EstimatedWaitTime int64 `json:"estimatedWaitTime,omitempty"`
	// CurrentWaitingCount is the length of the waiting line.
	CurrentWaitingCount int64 `json:"currentWaitingCount,omitempty"`
}

// TokenRequest models the payload for POST /queue/token.
type TokenRequest struct {
	// PerformanceID identifies the performance to queue for.
	PerformanceID string `json:"performanceId"`
}

// Token is the admission token representation returned by POST /queue/token
// and GET /queue/status/{token}.
type Token struct {
	// Token is the opaque token identifier.
	Token string `json:"token"`
	// Status is the server-side lifecycle status.
	Status TokenStatus `json:"status"`
	// PositionInQueue is the 1-based place in line. Undefined once ACTIVE.
	PositionInQueue int64 `json:"positionInQueue"`
	// EstimatedWaitTime is the server estimate in seconds.
	EstimatedWaitTime int64 `json:"estimatedWaitTime"`
	// IssuedAt is when the token was issued. Servers may omit it.
	IssuedAt *time.Time `json:"issuedAt,omitempty"`
	// ExpiresAt bounds the lifetime of the token itself.
	ExpiresAt time.Time `json:"expiresAt"`
	// BookingExpiresAt bounds the booking window once the token is ACTIVE.
	BookingExpiresAt *time.Time `json:"bookingExpiresAt,omitempty"`
	// IsActiveForBooking is reported alongside ACTIVE. Nil means the server did
	// not send it.
	IsActiveForBooking *bool `json:"isActiveForBooking,omitempty"`
}

// ActiveForBooking reports whether the token admits the holder to the
// booking flow. An ACTIVE token without an explicit flag counts as admitted.
func (t Token) ActiveForBooking() bool {
	if t.Status != StatusActive {
		return false
	}
	if t.IsActiveForBooking == nil {
		return true
	}
	return *t.IsActiveForBooking
}

// TokenStatus enumerates the lifecycle states of an admission token.
type TokenStatus string

const (
	// StatusWaiting marks a token that is still in line.
	StatusWaiting TokenStatus = "WAITING"
	// StatusActive marks a token admitted to the booking flow.
	StatusActive TokenStatus = "ACTIVE"
	// StatusUsed marks a token consumed by a completed booking.
	StatusUsed TokenStatus = "USED"
	// StatusExpired marks a token whose waiting or booking window elapsed.
	StatusExpired TokenStatus = "EXPIRED"
	// StatusCancelled marks a token withdrawn by the visitor or the server.
	StatusCancelled TokenStatus = "CANCELLED"
)

// Valid reports whether s is one of the known statuses.
func (s TokenStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusUsed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether polling should stop once s is observed. ACTIVE is
// terminal for polling although the booking flow continues.
func (s TokenStatus) Terminal() bool {
	switch s {
	case StatusActive, StatusUsed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// SessionRequest models the payload for POST /queue/heartbeat.
type SessionRequest struct {
	// PerformanceID identifies the performance of the booking session.
	PerformanceID string `json:"performanceId"`
	// ScheduleID identifies the schedule of the booking session.
	ScheduleID string `json:"scheduleId"`
}

// ReleaseRequest models the payload for POST /queue/release-session.
type ReleaseRequest struct {
	// PerformanceID identifies the performance of the booking session.
	PerformanceID string `json:"performanceId"`
	// ScheduleID identifies the schedule of the booking session.
	ScheduleID string `json:"scheduleId"`
	// Reason records why the session is released.
	Reason ReleaseReason `json:"reason"`
}

// ReleaseReason describes why a session is relinquished.
type ReleaseReason string

const (
	// ReleasePageUnload is sent when the page is about to be torn down.
	ReleasePageUnload ReleaseReason = "page_unload"
	// ReleaseTeardown is sent when the owning component shuts down while active.
	ReleaseTeardown ReleaseReason = "component_unmount"
	// ReleaseUserLeft is sent when the visitor explicitly leaves.
	ReleaseUserLeft ReleaseReason = "user_left"
)

// Ack is the payload of acknowledgement-only endpoints.
type Ack struct {
	// Message optionally echoes the server status line.
	Message string `json:"message,omitempty"`
}
