package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/waitroom/api"
	"pkt.systems/waitroom/internal/clock"
)

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu sync.Mutex

	requirement  api.Requirement
	issue        api.Token
	issueErr     error
	status       map[string]api.Token
	statusErr    error
	heartbeatErr error
	cancelErr    error

	checks      int
	issues      int
	statusCalls map[string]int
	heartbeats  int
	cancels     []string
	releases    []api.ReleaseReason
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		requirement: api.Requirement{RequiresQueue: true},
		status:      make(map[string]api.Token),
		statusCalls: make(map[string]int),
	}
}

func (f *fakeGateway) CheckRequirement(ctx context.Context, performanceID, scheduleID string) api.Requirement {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.requirement
}

func (f *fakeGateway) IssueToken(ctx context.Context, performanceID string) (api.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues++
	if f.issueErr != nil {
		return api.Token{}, f.issueErr
	}
	f.status[f.issue.Token] = f.issue
	return f.issue, nil
}

func (f *fakeGateway) TokenStatus(ctx context.Context, tokenID string) (api.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls[tokenID]++
	if f.statusErr != nil {
		return api.Token{}, f.statusErr
	}
	tok, ok := f.status[tokenID]
	if !ok {
		return api.Token{}, errors.New("unknown token")
	}
	return tok, nil
}

func (f *fakeGateway) CancelToken(ctx context.Context, tokenID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, tokenID)
	return f.cancelErr
}

func (f *fakeGateway) SendHeartbeat(ctx context.Context, performanceID, scheduleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return f.heartbeatErr
}

func (f *fakeGateway) SendRelease(performanceID, scheduleID string, reason api.ReleaseReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, reason)
	return nil
}

func (f *fakeGateway) setStatus(tok api.Token) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[tok.Token] = tok
}

func (f *fakeGateway) setHeartbeatErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeatErr = err
}

func (f *fakeGateway) setStatusErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusErr = err
}

func (f *fakeGateway) statusCount(tokenID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls[tokenID]
}

func (f *fakeGateway) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats
}

func (f *fakeGateway) releaseReasons() []api.ReleaseReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.ReleaseReason(nil), f.releases...)
}

func (f *fakeGateway) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

func (f *fakeGateway) counts() (checks, issues int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks, f.issues
}

func waitingToken(id string, position int64) api.Token {
	return api.Token{
		Token:             id,
		Status:            api.StatusWaiting,
		PositionInQueue:   position,
		EstimatedWaitTime: position * 30,
		ExpiresAt:         epoch.Add(time.Hour),
	}
}

func activeToken(id string) api.Token {
	yes := true
	booking := epoch.Add(10 * time.Minute)
	return api.Token{
		Token:              id,
		Status:             api.StatusActive,
		ExpiresAt:          epoch.Add(time.Hour),
		BookingExpiresAt:   &booking,
		IsActiveForBooking: &yes,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitPending(t *testing.T, clk *clock.Manual, n int) {
	t.Helper()
	waitFor(t, "pending timers", func() bool { return clk.Pending() == n })
}

// settle gives background goroutines a moment to act on anything they
// should not be doing.
func settle() {
	time.Sleep(20 * time.Millisecond)
}
