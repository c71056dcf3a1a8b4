package queuetest_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/waitroom/api"
	"pkt.systems/waitroom/queuetest"
	"pkt.systems/waitroom/session"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func fastOptions(activation time.Duration) []session.Option {
	return []session.Option{
		session.WithPollIntervals(20*time.Millisecond, 40*time.Millisecond),
		session.WithHeartbeatIntervals(20*time.Millisecond, 40*time.Millisecond),
		session.WithActivationDelay(activation),
		session.WithExpiryDelay(10 * time.Millisecond),
	}
}

func TestDirectAdmissionAgainstDevserver(t *testing.T) {
	ts := queuetest.StartTestServer(t, queuetest.WithMaxActive(2))
	var proceeded atomic.Int32
	ctl, err := session.NewController(ts.NewClient("visitor"), append(fastOptions(time.Hour),
		session.OnProceed(func(string, string) { proceeded.Add(1) }),
	)...)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	defer ctl.Close()

	if err := ctl.Start(context.Background(), "perf", "sched"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if proceeded.Load() != 1 || ctl.State().Phase != session.PhaseDirectlyAdmitted {
		t.Fatalf("expected direct admission, state %+v", ctl.State())
	}
}

func TestQueuedVisitorIsPromotedAndHandedOff(t *testing.T) {
	ts := queuetest.StartTestServer(t, queuetest.WithMaxActive(1))
	ctx := context.Background()
	holder := ts.NewClient("holder")
	if req := holder.CheckRequirement(ctx, "perf", "sched"); !req.CanProceedDirectly {
		t.Fatalf("holder should take the slot: %+v", req)
	}

	var proceeded atomic.Int32
	ctl, err := session.NewController(ts.NewClient("visitor"), append(fastOptions(100*time.Millisecond),
		session.OnProceed(func(string, string) { proceeded.Add(1) }),
	)...)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	defer ctl.Close()

	if err := ctl.Start(ctx, "perf", "sched"); err != nil {
		t.Fatalf("start: %v", err)
	}
	state := ctl.State()
	if state.Phase != session.PhaseWaiting || state.Token == nil || state.Token.PositionInQueue != 1 {
		t.Fatalf("expected first in line, got %+v", state)
	}
	waitFor(t, "status polls", func() bool { return ts.Server.StatusCalls(state.Token.Token) >= 2 })

	if err := holder.SendRelease("perf", "sched", api.ReleaseUserLeft); err != nil {
		t.Fatalf("release: %v", err)
	}
	waitFor(t, "activation", func() bool { return ctl.Active().Value() })
	waitFor(t, "heartbeats", func() bool { return ts.Server.HeartbeatCount() >= 1 })
	waitFor(t, "hand-off", func() bool { return proceeded.Load() == 1 })
	if got := ctl.State().Phase; got != session.PhaseHandedOff {
		t.Fatalf("expected handed off, got %s", got)
	}
}

// queueBehindHolder fills the single slot with another client and starts ctl,
// which must land in the waiting line. It returns the visitor's token.
func queueBehindHolder(t *testing.T, ts *queuetest.TestServer, ctl *session.Controller) string {
	t.Helper()
	ctx := context.Background()
	if req := ts.NewClient("holder").CheckRequirement(ctx, "perf", "sched"); !req.CanProceedDirectly {
		t.Fatalf("holder should take the slot: %+v", req)
	}
	if err := ctl.Start(ctx, "perf", "sched"); err != nil {
		t.Fatalf("start: %v", err)
	}
	state := ctl.State()
	if state.Phase != session.PhaseWaiting || state.Token == nil {
		t.Fatalf("expected waiting, got %+v", state)
	}
	return state.Token.Token
}

func TestHeartbeatRejectionSurfacesError(t *testing.T) {
	ts := queuetest.StartTestServer(t, queuetest.WithMaxActive(1))
	ctx := context.Background()
	ctl, err := session.NewController(ts.NewClient("visitor"), fastOptions(time.Hour)...)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	defer ctl.Close()
	token := queueBehindHolder(t, ts, ctl)

	ts.Server.FailHeartbeats(true)
	if err := ts.Server.Admit(ctx, token); err != nil {
		t.Fatalf("admit: %v", err)
	}
	waitFor(t, "error phase", func() bool { return ctl.State().Phase == session.PhaseError })
	if ctl.Active().Value() {
		t.Fatal("session still active after heartbeat loss")
	}
	calls := ts.Server.HeartbeatCount()
	time.Sleep(100 * time.Millisecond)
	if got := ts.Server.HeartbeatCount(); got != calls {
		t.Fatalf("heartbeats continued after failure: %d -> %d", calls, got)
	}
}

func TestLeaveWhileActiveReleasesOnce(t *testing.T) {
	ts := queuetest.StartTestServer(t, queuetest.WithMaxActive(1))
	ctx := context.Background()
	gw := ts.NewClient("visitor")
	ctl, err := session.NewController(gw, fastOptions(time.Hour)...)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	token := queueBehindHolder(t, ts, ctl)
	if err := ts.Server.Admit(ctx, token); err != nil {
		t.Fatalf("admit: %v", err)
	}
	waitFor(t, "activation", func() bool { return ctl.Active().Value() })

	if err := ctl.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	_ = ctl.Close()
	if err := gw.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	releases := ts.Server.Releases()
	if len(releases) != 1 || releases[0].Reason != api.ReleaseUserLeft {
		t.Fatalf("expected one user_left release, got %+v", releases)
	}
	stats, err := ts.Server.Stats(ctx)
	if err != nil || stats.Active != 1 {
		t.Fatalf("expected only the holder to remain active: %+v %v", stats, err)
	}
}
