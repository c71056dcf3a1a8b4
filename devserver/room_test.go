package devserver

import (
	"testing"
	"time"

	"pkt.systems/waitroom/api"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func testPolicy(max int) Policy {
	return Policy{
		MaxActive:        max,
		TokenTTL:         time.Hour,
		BookingWindow:    10 * time.Minute,
		HeartbeatTimeout: 30 * time.Second,
		SlotEstimate:     30 * time.Second,
	}
}

func TestRoomDirectAdmissionUntilFull(t *testing.T) {
	p := testPolicy(1)
	var r Room
	first := r.Check(p, t0, "a", "perf", "s1")
	if !first.CanProceedDirectly || first.RequiresQueue {
		t.Fatalf("first visitor should enter directly: %+v", first)
	}
	again := r.Check(p, t0, "a", "perf", "s1")
	if !again.CanProceedDirectly {
		t.Fatalf("repeat check by the session holder must pass: %+v", again)
	}
	second := r.Check(p, t0, "b", "perf", "s1")
	if second.CanProceedDirectly || !second.RequiresQueue {
		t.Fatalf("second visitor should queue: %+v", second)
	}
	if second.CurrentActiveSessions != 1 || second.MaxConcurrentSessions != 1 || second.EstimatedWaitTime != 30 {
		t.Fatalf("unexpected counters %+v", second)
	}
}

func TestRoomPromotesInOrder(t *testing.T) {
	p := testPolicy(1)
	var r Room
	r.Check(p, t0, "holder", "perf", "s1")
	a := r.Issue(p, t0, TokenRecord{ID: "a", ClientID: "ca", PerformanceID: "perf"})
	b := r.Issue(p, t0, TokenRecord{ID: "b", ClientID: "cb", PerformanceID: "perf"})
	if a.Status != api.StatusWaiting || b.Status != api.StatusWaiting {
		t.Fatalf("tokens should wait: %s %s", a.Status, b.Status)
	}
	if v := r.View(p, b); v.PositionInQueue != 2 || v.EstimatedWaitTime != 60 {
		t.Fatalf("unexpected view %+v", v)
	}

	if !r.Release(p, t0.Add(time.Second), "holder", "perf") {
		t.Fatal("holder session not found")
	}
	if a.Status != api.StatusActive || b.Status != api.StatusWaiting {
		t.Fatalf("expected a active and b waiting, got %s %s", a.Status, b.Status)
	}
	view := r.View(p, a)
	if view.IsActiveForBooking == nil || !*view.IsActiveForBooking || view.BookingExpiresAt == nil {
		t.Fatalf("active view incomplete %+v", view)
	}
	if got := r.View(p, b).PositionInQueue; got != 1 {
		t.Fatalf("b should move up, got %d", got)
	}
}

func TestRoomEvictsSilentSessions(t *testing.T) {
	p := testPolicy(1)
	var r Room
	a := r.Issue(p, t0, TokenRecord{ID: "a", ClientID: "ca", PerformanceID: "perf"})
	b := r.Issue(p, t0, TokenRecord{ID: "b", ClientID: "cb", PerformanceID: "perf"})
	if a.Status != api.StatusActive {
		t.Fatalf("a should be admitted at once, got %s", a.Status)
	}
	if err := r.Heartbeat(p, t0.Add(20*time.Second), "ca", "perf", "s1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	r.Refresh(p, t0.Add(45*time.Second))
	if a.Status != api.StatusActive {
		t.Fatal("session evicted despite recent heartbeat")
	}
	r.Refresh(p, t0.Add(51*time.Second))
	if a.Status != api.StatusExpired || b.Status != api.StatusActive {
		t.Fatalf("expected eviction and promotion, got %s %s", a.Status, b.Status)
	}
	if err := r.Heartbeat(p, t0.Add(52*time.Second), "ca", "perf", "s1"); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestRoomCancelAndExpire(t *testing.T) {
	p := testPolicy(1)
	var r Room
	a := r.Issue(p, t0, TokenRecord{ID: "a", ClientID: "ca", PerformanceID: "perf"})
	b := r.Issue(p, t0, TokenRecord{ID: "b", ClientID: "cb", PerformanceID: "perf"})
	c := r.Issue(p, t0, TokenRecord{ID: "c", ClientID: "cc", PerformanceID: "perf"})

	if err := r.Cancel(p, t0, "b"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if b.Status != api.StatusCancelled || r.Waiting() != 1 {
		t.Fatalf("cancel did not dequeue: %s waiting=%d", b.Status, r.Waiting())
	}
	if err := r.Expire(p, t0, "a"); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if a.Status != api.StatusExpired || c.Status != api.StatusActive {
		t.Fatalf("expected a expired and c promoted, got %s %s", a.Status, c.Status)
	}
	if err := r.Cancel(p, t0, "missing"); err != ErrUnknownToken {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
}

func TestRoomTokenTTLAndAdmit(t *testing.T) {
	p := testPolicy(0)
	var r Room
	a := r.Issue(p, t0, TokenRecord{ID: "a", ClientID: "ca", PerformanceID: "perf"})
	b := r.Issue(p, t0, TokenRecord{ID: "b", ClientID: "cb", PerformanceID: "perf"})
	if err := r.Admit(p, t0, "b"); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if b.Status != api.StatusActive || r.Active() != 1 {
		t.Fatalf("admit ignored: %s active=%d", b.Status, r.Active())
	}
	if _, err := r.Lookup(p, t0.Add(time.Hour), "a"); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if a.Status != api.StatusExpired {
		t.Fatalf("token outlived its ttl: %s", a.Status)
	}
	r.Refresh(p, t0.Add(3*time.Hour))
	if _, err := r.Lookup(p, t0.Add(3*time.Hour), "a"); err != ErrUnknownToken {
		t.Fatalf("dead token not pruned: %v", err)
	}
	r.Clear()
	if r.Active() != 0 || r.Waiting() != 0 || len(r.Tokens) != 0 {
		t.Fatal("clear left state behind")
	}
}
