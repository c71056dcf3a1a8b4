package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/waitroom/api"
	"pkt.systems/waitroom/internal/clock"
	"pkt.systems/waitroom/session"
)

type recorder struct {
	mu        sync.Mutex
	proceeds  [][2]string
	expired   []session.State
	cancelled []session.State
	phases    []session.Phase
}

func (r *recorder) options() []session.Option {
	return []session.Option{
		session.OnProceed(func(performanceID, scheduleID string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.proceeds = append(r.proceeds, [2]string{performanceID, scheduleID})
		}),
		session.OnExpired(func(s session.State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.expired = append(r.expired, s)
		}),
		session.OnCancelled(func(s session.State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.cancelled = append(r.cancelled, s)
		}),
		session.OnChange(func(s session.State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.phases = append(r.phases, s.Phase)
		}),
	}
}

func (r *recorder) proceedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proceeds)
}

func (r *recorder) expiredCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.expired)
}

func (r *recorder) cancelledCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancelled)
}

func (r *recorder) sawPhase(p session.Phase) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, seen := range r.phases {
		if seen == p {
			return true
		}
	}
	return false
}

func (f *fakeGateway) setIssue(tok api.Token, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issue = tok
	f.issueErr = err
}

type controllerHarness struct {
	clk  *clock.Manual
	gw   *fakeGateway
	rec  *recorder
	page *session.Page
	ctl  *session.Controller
}

func newControllerHarness(t *testing.T, opts ...session.Option) *controllerHarness {
	t.Helper()
	h := &controllerHarness{
		clk:  clock.NewManual(epoch),
		gw:   newFakeGateway(),
		rec:  &recorder{},
		page: session.NewPage(),
	}
	all := []session.Option{session.WithClock(h.clk), session.WithPage(h.page)}
	all = append(all, h.rec.options()...)
	all = append(all, opts...)
	ctl, err := session.NewController(h.gw, all...)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	h.ctl = ctl
	t.Cleanup(func() { _ = ctl.Close() })
	return h
}

func (h *controllerHarness) phase() session.Phase {
	return h.ctl.State().Phase
}

func (h *controllerHarness) waitPhase(t *testing.T, p session.Phase) {
	t.Helper()
	waitFor(t, "phase "+p.String(), func() bool { return h.phase() == p })
}

// startWaiting starts an attempt that lands in the queue and waits for the
// first poll timer to be armed.
func (h *controllerHarness) startWaiting(t *testing.T, id string, position int64) {
	t.Helper()
	h.gw.setIssue(waitingToken(id, position), nil)
	if err := h.ctl.Start(context.Background(), "perf-1", "sched-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := h.phase(); got != session.PhaseWaiting {
		t.Fatalf("expected waiting, got %s", got)
	}
	waitPending(t, h.clk, 1)
}

// startActive starts an attempt whose token is already admitted and waits
// until the heartbeat has been engaged.
func (h *controllerHarness) startActive(t *testing.T, id string, timers int) {
	t.Helper()
	h.gw.setIssue(activeToken(id), nil)
	if err := h.ctl.Start(context.Background(), "perf-1", "sched-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "first heartbeat", func() bool { return h.gw.heartbeatCount() == 1 })
	waitPending(t, h.clk, timers)
}

func TestControllerDirectAdmission(t *testing.T) {
	t.Parallel()

	h := newControllerHarness(t)
	h.gw.requirement = api.Requirement{CanProceedDirectly: true, Reason: "capacity available"}

	if err := h.ctl.Start(context.Background(), "perf-1", "sched-9"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.rec.proceedCount() != 1 {
		t.Fatalf("proceed must run before Start returns, got %d calls", h.rec.proceedCount())
	}
	if got := h.rec.proceeds[0]; got != [2]string{"perf-1", "sched-9"} {
		t.Fatalf("proceed args %v", got)
	}
	if _, issues := h.gw.counts(); issues != 0 {
		t.Fatalf("token issued on direct admission: %d", issues)
	}
	if h.rec.sawPhase(session.PhaseWaiting) {
		t.Fatal("waiting phase observed on direct admission")
	}
	if got := h.phase(); got != session.PhaseDirectlyAdmitted {
		t.Fatalf("expected directly admitted, got %s", got)
	}
	if h.ctl.Active().Value() {
		t.Fatal("direct admission must not engage the session")
	}
}

func TestControllerWaitingThenActiveHandsOff(t *testing.T) {
	t.Parallel()

	h := newControllerHarness(t)
	h.startWaiting(t, "tok-1", 5)
	if s := h.ctl.State(); s.Token == nil || s.Token.PositionInQueue != 5 {
		t.Fatalf("unexpected token view %+v", s.Token)
	}

	h.gw.setStatus(activeToken("tok-1"))
	h.clk.Advance(session.DefaultPollInterval)
	h.waitPhase(t, session.PhaseActive)
	if !h.ctl.Active().Value() {
		t.Fatal("active session flag not set")
	}
	// hand-off, booking countdown and heartbeat
	waitPending(t, h.clk, 3)

	h.clk.Advance(session.DefaultActivationDelay - time.Millisecond)
	if h.rec.proceedCount() != 0 {
		t.Fatal("hand-off fired early")
	}
	h.clk.Advance(time.Millisecond)
	if h.rec.proceedCount() != 1 {
		t.Fatalf("expected hand-off after activation delay, got %d", h.rec.proceedCount())
	}
	if got := h.phase(); got != session.PhaseHandedOff {
		t.Fatalf("expected handed off, got %s", got)
	}
	if h.ctl.Active().Value() {
		t.Fatal("session still active after hand-off")
	}
	if h.clk.Pending() != 0 {
		t.Fatalf("timers left after hand-off: %d", h.clk.Pending())
	}
	if got := h.gw.releaseReasons(); len(got) != 0 {
		t.Fatalf("hand-off must not release: %v", got)
	}
}

func TestControllerExpiredWhileWaiting(t *testing.T) {
	t.Parallel()

	h := newControllerHarness(t)
	h.startWaiting(t, "tok-2", 3)

	expired := waitingToken("tok-2", 3)
	expired.Status = api.StatusExpired
	h.gw.setStatus(expired)
	h.clk.Advance(session.DefaultPollInterval)
	h.waitPhase(t, session.PhaseExpired)
	if h.ctl.Active().Value() {
		t.Fatal("expired session must be inactive")
	}
	waitPending(t, h.clk, 1)

	h.clk.Advance(session.DefaultExpiryDelay - time.Millisecond)
	if h.rec.expiredCount() != 0 {
		t.Fatal("expiry callback fired early")
	}
	h.clk.Advance(time.Millisecond)
	if h.rec.expiredCount() != 1 {
		t.Fatalf("expected one expiry callback, got %d", h.rec.expiredCount())
	}
	if got := h.gw.heartbeatCount(); got != 0 {
		t.Fatalf("heartbeats sent for a waiting token: %d", got)
	}
	if h.rec.proceedCount() != 0 {
		t.Fatal("expired attempt proceeded")
	}
}

func TestControllerUsedTokenIsCancelled(t *testing.T) {
	t.Parallel()

	h := newControllerHarness(t)
	h.startWaiting(t, "tok-3", 1)

	used := waitingToken("tok-3", 0)
	used.Status = api.StatusUsed
	h.gw.setStatus(used)
	h.clk.Advance(session.DefaultPollInterval)
	h.waitPhase(t, session.PhaseCancelled)
	waitPending(t, h.clk, 1)
	h.clk.Advance(session.DefaultExpiryDelay)
	if h.rec.cancelledCount() != 1 {
		t.Fatalf("expected cancellation callback, got %d", h.rec.cancelledCount())
	}
	if h.rec.expiredCount() != 0 {
		t.Fatal("used token reported as expired")
	}
}

func TestControllerActiveWithoutBookingKeepsPolling(t *testing.T) {
	t.Parallel()

	h := newControllerHarness(t)
	h.startWaiting(t, "tok-4", 1)

	pending := activeToken("tok-4")
	no := false
	pending.IsActiveForBooking = &no
	h.gw.setStatus(pending)
	h.clk.Advance(session.DefaultPollInterval)
	waitFor(t, "first poll", func() bool { return h.gw.statusCount("tok-4") == 1 })
	settle()
	if got := h.phase(); got != session.PhaseWaiting {
		t.Fatalf("expected waiting, got %s", got)
	}
	waitPending(t, h.clk, 1)

	h.gw.setStatus(activeToken("tok-4"))
	h.clk.Advance(session.DefaultPollInterval)
	h.waitPhase(t, session.PhaseActive)
}

func TestControllerPollErrorsKeepWaiting(t *testing.T) {
	t.Parallel()

	h := newControllerHarness(t)
	h.startWaiting(t, "tok-5", 2)

	h.gw.setStatusErr(errors.New("gateway down"))
	h.clk.Advance(session.DefaultPollInterval)
	waitFor(t, "failed poll", func() bool { return h.gw.statusCount("tok-5") == 1 })
	waitPending(t, h.clk, 1)
	if got := h.phase(); got != session.PhaseWaiting {
		t.Fatalf("poll error changed phase to %s", got)
	}

	h.gw.setStatusErr(nil)
	h.gw.setStatus(activeToken("tok-5"))
	h.clk.Advance(session.DefaultPollInterval)
	h.waitPhase(t, session.PhaseActive)
}

func TestControllerHeartbeatFailure(t *testing.T) {
	t.Parallel()

	h := newControllerHarness(t, session.WithActivationDelay(time.Hour))
	h.startActive(t, "tok-6", 3)

	h.gw.setHeartbeatErr(errors.New("session gone"))
	h.clk.Advance(session.DefaultHeartbeatInterval)
	h.waitPhase(t, session.PhaseError)
	if h.ctl.Active().Value() {
		t.Fatal("flag still set after heartbeat failure")
	}
	if err := h.ctl.State().Err; err == nil {
		t.Fatal("expected surfaced error")
	}
	if h.clk.Pending() != 0 {
		t.Fatalf("timers left after heartbeat failure: %d", h.clk.Pending())
	}
	h.clk.Advance(time.Minute)
	if got := h.gw.heartbeatCount(); got != 2 {
		t.Fatalf("heartbeat retried after failure: %d", got)
	}

	h.gw.setHeartbeatErr(nil)
	h.gw.setIssue(waitingToken("tok-7", 4), nil)
	if err := h.ctl.Retry(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := h.phase(); got != session.PhaseWaiting {
		t.Fatalf("expected waiting after retry, got %s", got)
	}
	if s := h.ctl.State(); s.Err != nil || s.PerformanceID != "perf-1" || s.ScheduleID != "sched-1" {
		t.Fatalf("retry did not reset state: %+v", s)
	}
}

func TestControllerLocalCountdownExpiry(t *testing.T) {
	t.Parallel()

	h := newControllerHarness(t, session.WithActivationDelay(time.Hour))
	h.startActive(t, "tok-8", 3)

	h.clk.Advance(10*time.Minute - time.Second)
	if got := h.phase(); got != session.PhaseActive {
		t.Fatalf("expected active before the booking deadline, got %s", got)
	}
	h.clk.Advance(time.Second)
	if got := h.phase(); got != session.PhaseExpired {
		t.Fatalf("expected local expiry, got %s", got)
	}
	if h.ctl.Active().Value() {
		t.Fatal("expired session still active")
	}
	h.clk.Advance(session.DefaultExpiryDelay)
	if h.rec.expiredCount() != 1 {
		t.Fatalf("expected expiry callback, got %d", h.rec.expiredCount())
	}
	if got := h.gw.statusCount("tok-8"); got != 0 {
		t.Fatalf("local expiry must not poll: %d", got)
	}
}

func TestControllerPastBookingDeadlineExpiresImmediately(t *testing.T) {
	t.Parallel()

	h := newControllerHarness(t)
	tok := activeToken("tok-9")
	past := epoch.Add(-time.Second)
	tok.BookingExpiresAt = &past
	h.gw.setIssue(tok, nil)
	if err := h.ctl.Start(context.Background(), "perf-1", "sched-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := h.phase(); got != session.PhaseExpired {
		t.Fatalf("expected expired, got %s", got)
	}
	if got := h.gw.heartbeatCount(); got != 0 {
		t.Fatalf("expired session sent heartbeats: %d", got)
	}
}

func TestControllerLeaveWhileWaiting(t *testing.T) {
	t.Parallel()

	h := newControllerHarness(t)
	h.startWaiting(t, "tok-10", 7)

	if err := h.ctl.Leave(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if got := h.phase(); got != session.PhaseCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
	if got := h.gw.cancelled(); len(got) != 1 || got[0] != "tok-10" {
		t.Fatalf("expected token cancellation, got %v", got)
	}
	if got := h.gw.releaseReasons(); len(got) != 0 {
		t.Fatalf("waiting token must not release: %v", got)
	}
	waitPending(t, h.clk, 0)
	h.clk.Advance(time.Minute)
	if got := h.gw.statusCount("tok-10"); got != 0 {
		t.Fatalf("polled after leave: %d", got)
	}
	if h.rec.cancelledCount() != 0 {
		t.Fatal("leave must not invoke the cancellation callback")
	}
}

func TestControllerLeaveWhileActiveReleasesOnce(t *testing.T) {
	t.Parallel()

	h := newControllerHarness(t, session.WithActivationDelay(time.Hour))
	h.startActive(t, "tok-11", 3)

	if err := h.ctl.Leave(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := h.ctl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	reasons := h.gw.releaseReasons()
	if len(reasons) != 1 || reasons[0] != api.ReleaseUserLeft {
		t.Fatalf("expected a single user_left release, got %v", reasons)
	}
	if got := h.gw.cancelled(); len(got) != 1 || got[0] != "tok-11" {
		t.Fatalf("expected token cancellation, got %v", got)
	}
	if h.clk.Pending() != 0 {
		t.Fatalf("timers left after leave: %d", h.clk.Pending())
	}
}

func TestControllerCloseReleasesActiveSession(t *testing.T) {
	t.Parallel()

	h := newControllerHarness(t, session.WithActivationDelay(time.Hour))
	h.startActive(t, "tok-12", 3)

	if err := h.ctl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = h.ctl.Close()
	reasons := h.gw.releaseReasons()
	if len(reasons) != 1 || reasons[0] != api.ReleaseTeardown {
		t.Fatalf("expected teardown release, got %v", reasons)
	}
	if err := h.ctl.Start(context.Background(), "perf-1", "sched-1"); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestControllerStartWhileBusy(t *testing.T) {
	t.Parallel()

	h := newControllerHarness(t)
	h.startWaiting(t, "tok-13", 2)
	if err := h.ctl.Start(context.Background(), "perf-1", "sched-1"); !errors.Is(err, session.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, issues := h.gw.counts(); issues != 1 {
		t.Fatalf("busy start issued a token: %d", issues)
	}
}

func TestControllerIssueFailure(t *testing.T) {
	t.Parallel()

	h := newControllerHarness(t)
	boom := errors.New("queue unavailable")
	h.gw.setIssue(api.Token{}, boom)

	err := h.ctl.Start(context.Background(), "perf-1", "sched-1")
	if !errors.Is(err, boom) {
		t.Fatalf("expected issue error, got %v", err)
	}
	s := h.ctl.State()
	if s.Phase != session.PhaseError || !errors.Is(s.Err, boom) {
		t.Fatalf("unexpected state %+v", s)
	}
	if s.Initializing {
		t.Fatal("initializing flag left set")
	}
	if err := h.ctl.Leave(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	s = h.ctl.State()
	if s.Phase != session.PhaseCancelled || s.Err != nil {
		t.Fatalf("leave after failure kept stale state: phase=%s err=%v", s.Phase, s.Err)
	}
	if err := h.ctl.Retry(context.Background()); !errors.Is(err, session.ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}
}

func TestControllerHiddenPageSlowsPolling(t *testing.T) {
	t.Parallel()

	h := newControllerHarness(t)
	h.page.Dispatch(session.EventHidden)
	h.startWaiting(t, "tok-14", 9)

	h.clk.Advance(session.DefaultPollInterval)
	settle()
	if got := h.gw.statusCount("tok-14"); got != 0 {
		t.Fatalf("polled at the visible cadence while hidden: %d", got)
	}
	h.clk.Advance(session.DefaultHiddenPollInterval - session.DefaultPollInterval)
	waitFor(t, "hidden poll", func() bool { return h.gw.statusCount("tok-14") == 1 })
	waitPending(t, h.clk, 1)

	h.page.Dispatch(session.EventVisible)
	settle()
	waitPending(t, h.clk, 1)
	h.clk.Advance(session.DefaultPollInterval)
	waitFor(t, "visible poll", func() bool { return h.gw.statusCount("tok-14") == 2 })
}

func TestControllerVisibilityFlappingKeepsPolling(t *testing.T) {
	t.Parallel()

	h := newControllerHarness(t)
	h.startWaiting(t, "tok-15", 4)

	hidden := false
	for range 15 {
		h.clk.Advance(2 * time.Second)
		settle()
		hidden = !hidden
		if hidden {
			h.page.Dispatch(session.EventHidden)
		} else {
			h.page.Dispatch(session.EventVisible)
		}
	}
	waitFor(t, "polls while visibility flaps", func() bool { return h.gw.statusCount("tok-15") >= 5 })
	if got := h.phase(); got != session.PhaseWaiting {
		t.Fatalf("expected waiting, got %s", got)
	}
}

func TestControllerLeaveIdleIsNoop(t *testing.T) {
	t.Parallel()

	h := newControllerHarness(t)
	if err := h.ctl.Leave(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if got := h.phase(); got != session.PhaseIdle {
		t.Fatalf("expected idle, got %s", got)
	}
	if got := h.gw.cancelled(); len(got) != 0 {
		t.Fatalf("idle leave cancelled %v", got)
	}
}

func TestControllerSetSessionActiveDrivesHeartbeat(t *testing.T) {
	t.Parallel()

	h := newControllerHarness(t)
	h.ctl.SetSessionActive(true)
	waitFor(t, "heartbeat", func() bool { return h.gw.heartbeatCount() == 1 })
	waitPending(t, h.clk, 1)
	h.ctl.SetSessionActive(false)
	if h.clk.Pending() != 0 {
		t.Fatalf("heartbeat timer left: %d", h.clk.Pending())
	}
}
