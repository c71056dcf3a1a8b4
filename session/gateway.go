package session

import (
	"context"

	"pkt.systems/waitroom/api"
)

// StatusSource fetches the current state of a token. It is the only gateway
// capability the Poller needs.
type StatusSource interface {
	TokenStatus(ctx context.Context, tokenID string) (api.Token, error)
}

// Notifier sends liveness and release notifications for an active session.
// SendRelease must only enqueue: delivery continues after the caller returns.
type Notifier interface {
	SendHeartbeat(ctx context.Context, performanceID, scheduleID string) error
	SendRelease(performanceID, scheduleID string, reason api.ReleaseReason) error
}

// Gateway is the queue server contract consumed by the Controller.
// *client.Client satisfies it.
type Gateway interface {
	StatusSource
	Notifier
	CheckRequirement(ctx context.Context, performanceID, scheduleID string) api.Requirement
	IssueToken(ctx context.Context, performanceID string) (api.Token, error)
	CancelToken(ctx context.Context, tokenID string) error
}

// Target names the booking session a heartbeat or release refers to.
type Target struct {
	PerformanceID string
	ScheduleID    string
}
