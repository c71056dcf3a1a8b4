package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/waitroom/api"
	"pkt.systems/waitroom/internal/clock"
	"pkt.systems/waitroom/internal/loggingutil"
)

const (
	// DefaultHiddenPollInterval is the status polling period while hidden.
	DefaultHiddenPollInterval = 10 * time.Second
	// DefaultActivationDelay separates activation from the hand-off callback.
	DefaultActivationDelay = 2 * time.Second
	// DefaultExpiryDelay separates expiry or cancellation from its callback.
	DefaultExpiryDelay = 3 * time.Second
)

var (
	// ErrBusy is returned by Start while an attempt is initializing, waiting or active.
	ErrBusy = errors.New("session: attempt in progress")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: controller closed")
	// ErrAborted is returned by Start when Leave or Close interrupted it.
	ErrAborted = errors.New("session: attempt aborted")
	// ErrNotRetryable is returned by Retry outside the error phase.
	ErrNotRetryable = errors.New("session: nothing to retry")
)

// Option customises a Controller.
type Option func(*Controller)

// WithClock overrides the time source for every timer the controller owns.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) {
		if clk != nil {
			c.clk = clk
		}
	}
}

// WithLogger supplies a logger. Nil falls back to a disabled logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Controller) {
		c.baseLogger = logger
	}
}

// WithPage binds the controller and its guard to a page event source. The
// default is a private, always-visible Page.
func WithPage(page EventSource) Option {
	return func(c *Controller) {
		if page != nil {
			c.page = page
		}
	}
}

// WithPollIntervals overrides the visible and hidden status polling periods.
func WithPollIntervals(visible, hidden time.Duration) Option {
	return func(c *Controller) {
		if visible > 0 {
			c.pollInterval = visible
		}
		if hidden > 0 {
			c.hiddenPollInterval = hidden
		}
	}
}

// WithHeartbeatIntervals overrides the visible and hidden heartbeat periods.
func WithHeartbeatIntervals(visible, hidden time.Duration) Option {
	return func(c *Controller) {
		if visible > 0 {
			c.heartbeatVisible = visible
		}
		if hidden > 0 {
			c.heartbeatHidden = hidden
		}
	}
}

// WithActivationDelay overrides the delay between activation and hand-off.
func WithActivationDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.activationDelay = d
		}
	}
}

// WithExpiryDelay overrides the delay between expiry or cancellation and its callback.
func WithExpiryDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.expiryDelay = d
		}
	}
}

// WithPromptOnUnload asks the host for a leave confirmation when the page is
// about to unload while the session is active.
func WithPromptOnUnload(enabled bool) Option {
	return func(c *Controller) {
		c.promptOnUnload = enabled
	}
}

// OnProceed registers the hand-off callback. It is invoked exactly once per
// successful attempt with the performance and schedule passed to Start.
func OnProceed(fn func(performanceID, scheduleID string)) Option {
	return func(c *Controller) {
		c.onProceed = fn
	}
}

// OnExpired registers the callback invoked after the expiry delay.
func OnExpired(fn func(State)) Option {
	return func(c *Controller) {
		c.onExpired = fn
	}
}

// OnCancelled registers the callback invoked after the expiry delay when the
// server reports the token cancelled or used.
func OnCancelled(fn func(State)) Option {
	return func(c *Controller) {
		c.onCancelled = fn
	}
}

// OnChange registers a state observer. Snapshots are delivered in order;
// a snapshot superseded before delivery is skipped.
func OnChange(fn func(State)) Option {
	return func(c *Controller) {
		c.onChange = fn
	}
}

// Controller is the queue session state machine. It owns the admission token
// and composes the Poller, Heartbeat and LifecycleGuard.
type Controller struct {
	gw         Gateway
	clk        clock.Clock
	baseLogger pslog.Logger
	logger     pslog.Logger
	page       EventSource
	flag       *ActiveFlag
	poller     *Poller
	heartbeat  *Heartbeat
	guard      *LifecycleGuard
	metrics    *sessionMetrics

	pollInterval       time.Duration
	hiddenPollInterval time.Duration
	heartbeatVisible   time.Duration
	heartbeatHidden    time.Duration
	activationDelay    time.Duration
	expiryDelay        time.Duration
	promptOnUnload     bool

	onProceed   func(performanceID, scheduleID string)
	onExpired   func(State)
	onCancelled func(State)
	onChange    func(State)

	ctx        context.Context
	cancel     context.CancelFunc
	detachPage func()

	publishMu sync.Mutex
	emitMu    sync.Mutex
	emitted   uint64

	mu        sync.Mutex
	state     State
	rev       uint64
	gen       uint64
	pollSeq   uint64
	stopPoll  StopFunc
	handoff   clock.Timer
	countdown clock.Timer
	settle    clock.Timer
	closed    bool
}

// NewController wires a controller around gw.
func NewController(gw Gateway, opts ...Option) (*Controller, error) {
	if gw == nil {
		return nil, errors.New("session: gateway required")
	}
	c := &Controller{
		gw:                 gw,
		clk:                clock.Real{},
		pollInterval:       DefaultPollInterval,
		hiddenPollInterval: DefaultHiddenPollInterval,
		heartbeatVisible:   DefaultHeartbeatInterval,
		heartbeatHidden:    DefaultHiddenHeartbeatInterval,
		activationDelay:    DefaultActivationDelay,
		expiryDelay:        DefaultExpiryDelay,
		flag:               NewActiveFlag(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.page == nil {
		c.page = NewPage()
	}
	c.logger = loggingutil.WithSubsystem(c.baseLogger, "session.controller")
	c.metrics = newSessionMetrics(c.baseLogger)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.poller = NewPoller(gw, c.clk, c.baseLogger)
	c.heartbeat = NewHeartbeat(c.clk, c.baseLogger, c.heartbeatFailed)
	guard, err := NewLifecycleGuard(GuardConfig{
		Flag:            c.flag,
		Page:            c.page,
		Heartbeat:       c.heartbeat,
		Notifier:        gw,
		Target:          c.target,
		VisibleInterval: c.heartbeatVisible,
		HiddenInterval:  c.heartbeatHidden,
		PromptOnUnload:  c.promptOnUnload,
		Logger:          c.baseLogger,
	})
	if err != nil {
		c.cancel()
		return nil, err
	}
	c.guard = guard
	c.detachPage = c.page.Subscribe(c.onPage)
	return c, nil
}

// State returns a snapshot of the current session view.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Active returns the flag the controller publishes its active-session view on.
func (c *Controller) Active() *ActiveFlag {
	return c.flag
}

// Page returns the event source the controller is bound to.
func (c *Controller) Page() EventSource {
	return c.page
}

// Start begins an attempt for performanceID/scheduleID. When the server
// grants direct admission the proceed callback runs before Start returns and
// no token is issued. Otherwise a token is issued and tracked until it
// activates, expires or is cancelled.
func (c *Controller) Start(ctx context.Context, performanceID, scheduleID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state.Phase {
	case PhaseInitializing, PhaseWaiting, PhaseActive:
		c.mu.Unlock()
		return ErrBusy
	}
	c.cleanupLocked()
	c.gen++
	gen := c.gen
	c.state = State{PerformanceID: performanceID, ScheduleID: scheduleID, Initializing: true}
	c.setPhaseLocked(PhaseInitializing)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publishActive()
	c.emit(snap)

	c.logger.Info("session.controller.start", "performance_id", performanceID, "schedule_id", scheduleID)
	req := c.gw.CheckRequirement(ctx, performanceID, scheduleID)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return ErrAborted
	}
	if req.CanProceedDirectly {
		c.state.Initializing = false
		c.setPhaseLocked(PhaseDirectlyAdmitted)
		snap = c.snapshotLocked()
		c.mu.Unlock()
		c.logger.Info("session.controller.direct_admission", "performance_id", performanceID, "schedule_id", scheduleID, "reason", req.Reason)
		c.emit(snap)
		c.proceed(performanceID, scheduleID)
		return nil
	}
	c.mu.Unlock()

	tok, err := c.gw.IssueToken(ctx, performanceID)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if err == nil {
			c.cancelToken(tok.Token)
		}
		return ErrAborted
	}
	c.state.Initializing = false
	if err != nil {
		c.state.Err = fmt.Errorf("session: issue token: %w", err)
		c.setPhaseLocked(PhaseError)
		snap = c.snapshotLocked()
		c.mu.Unlock()
		c.logger.Warn("session.controller.issue_failed", "performance_id", performanceID, "error", err)
		c.emit(snap)
		return snap.Err
	}
	c.logger.Info("session.controller.token_issued", "token", tok.Token, "status", tok.Status, "position", tok.PositionInQueue)
	after := c.applyLocked(tok)
	snap = c.snapshotLocked()
	c.mu.Unlock()
	c.publishActive()
	c.emit(snap)
	after()
	return nil
}

// Retry restarts an attempt that ended in PhaseError with the same
// performance and schedule.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Phase != PhaseError {
		c.mu.Unlock()
		return ErrNotRetryable
	}
	performanceID, scheduleID := c.state.PerformanceID, c.state.ScheduleID
	c.mu.Unlock()
	return c.Start(ctx, performanceID, scheduleID)
}

// Leave abandons the current attempt: the token is cancelled best-effort, an
// active session is released, and local state is cleaned up regardless of
// the outcome of either call.
func (c *Controller) Leave(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state.Phase == PhaseIdle {
		c.mu.Unlock()
		return nil
	}
	var tokenID string
	if c.state.Token != nil && (c.state.Token.Status == api.StatusWaiting || c.state.Token.Status == api.StatusActive) {
		tokenID = c.state.Token.Token
	}
	wasActive := c.state.ActiveSession
	c.gen++
	c.cleanupLocked()
	c.setPhaseLocked(PhaseCancelled)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("session.controller.leave", "token", tokenID, "active", wasActive)
	if wasActive {
		c.guard.Release(api.ReleaseUserLeft)
	}
	c.publishActive()
	if tokenID != "" {
		if err := c.gw.CancelToken(ctx, tokenID); err != nil {
			c.logger.Warn("session.controller.cancel_failed", "token", tokenID, "error", err)
		}
	}
	c.emit(snap)
	return nil
}

// SetSessionActive explicitly engages or disengages the heartbeat and
// lifecycle guard, for hosts that keep the session alive past hand-off.
func (c *Controller) SetSessionActive(active bool) {
	c.mu.Lock()
	if c.closed || c.state.ActiveSession == active {
		c.mu.Unlock()
		return
	}
	c.state.ActiveSession = active
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publishActive()
	c.emit(snap)
}

// Close tears the controller down. An active session that has not been
// released yet gets one best-effort release. Close is idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.gen++
	c.cleanupLocked()
	c.setPhaseLocked(PhaseIdle)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.guard.Close()
	c.publishActive()
	c.detachPage()
	c.poller.Stop()
	c.cancel()
	c.emit(snap)
	c.logger.Debug("session.controller.closed")
	return nil
}

func (c *Controller) target() Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Target{PerformanceID: c.state.PerformanceID, ScheduleID: c.state.ScheduleID}
}

// applyLocked folds a token observation into the state. The returned
// function must run after c.mu is released.
func (c *Controller) applyLocked(tok api.Token) func() {
	prev := c.state.Token
	c.state.Token = &tok
	switch tok.Status {
	case api.StatusWaiting:
		c.state.ActiveForBooking = false
		c.setPhaseLocked(PhaseWaiting)
		if c.stopPoll == nil {
			c.startPollLocked(false)
		}
	case api.StatusActive:
		if !tok.ActiveForBooking() {
			c.setPhaseLocked(PhaseWaiting)
			c.startPollLocked(false)
			return noop
		}
		if c.state.Phase == PhaseActive {
			return noop
		}
		return c.activateLocked(tok)
	case api.StatusExpired:
		return c.settleLocked(PhaseExpired)
	case api.StatusCancelled, api.StatusUsed:
		return c.settleLocked(PhaseCancelled)
	default:
		c.state.Token = prev
		c.logger.Warn("session.controller.unknown_status", "status", tok.Status)
	}
	return noop
}

func (c *Controller) activateLocked(tok api.Token) func() {
	c.stopPollLocked()
	c.setPhaseLocked(PhaseActive)
	c.state.ActiveForBooking = true
	c.state.ActiveSession = true
	gen := c.gen
	c.logger.Info("session.controller.activated", "token", tok.Token, "booking_expires_at", tok.BookingExpiresAt)
	if tok.BookingExpiresAt != nil {
		remaining := tok.BookingExpiresAt.Sub(c.clk.Now())
		if remaining <= 0 {
			return c.settleLocked(PhaseExpired)
		}
		c.countdown = c.clk.AfterFunc(remaining, func() { c.localExpiry(gen) })
	}
	c.handoff = c.clk.AfterFunc(c.activationDelay, func() { c.handOff(gen) })
	return noop
}

// settleLocked deactivates the session at once and schedules the expiry or
// cancellation callback after the expiry delay.
func (c *Controller) settleLocked(phase Phase) func() {
	c.stopPollLocked()
	stopTimer(&c.handoff)
	stopTimer(&c.countdown)
	stopTimer(&c.settle)
	c.setPhaseLocked(phase)
	c.state.ActiveForBooking = false
	c.state.ActiveSession = false
	gen := c.gen
	c.settle = c.clk.AfterFunc(c.expiryDelay, func() { c.settled(gen, phase) })
	return noop
}

func (c *Controller) settled(gen uint64, phase Phase) {
	c.mu.Lock()
	if gen != c.gen || c.state.Phase != phase {
		c.mu.Unlock()
		return
	}
	c.settle = nil
	final := c.state.clone()
	c.cleanupLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("session.controller.settled", "phase", phase.String())
	c.publishActive()
	c.emit(snap)
	switch phase {
	case PhaseExpired:
		if c.onExpired != nil {
			c.onExpired(final)
		}
	case PhaseCancelled:
		if c.onCancelled != nil {
			c.onCancelled(final)
		}
	}
}

func (c *Controller) handOff(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state.Phase != PhaseActive {
		c.mu.Unlock()
		return
	}
	c.handoff = nil
	performanceID, scheduleID := c.state.PerformanceID, c.state.ScheduleID
	c.cleanupLocked()
	c.setPhaseLocked(PhaseHandedOff)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("session.controller.handoff", "performance_id", performanceID, "schedule_id", scheduleID)
	c.publishActive()
	c.emit(snap)
	c.proceed(performanceID, scheduleID)
}

func (c *Controller) localExpiry(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || (c.state.Phase != PhaseWaiting && c.state.Phase != PhaseActive) {
		c.mu.Unlock()
		return
	}
	c.countdown = nil
	c.logger.Info("session.controller.local_expiry")
	after := c.settleLocked(PhaseExpired)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publishActive()
	c.emit(snap)
	after()
}

func (c *Controller) heartbeatFailed(err error) {
	c.mu.Lock()
	if c.closed || !c.state.ActiveSession {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.cleanupLocked()
	c.state.Err = fmt.Errorf("session: heartbeat: %w", err)
	c.setPhaseLocked(PhaseError)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Warn("session.controller.heartbeat_lost", "error", err)
	c.publishActive()
	c.emit(snap)
}

// startPollLocked begins polling at the cadence for the current visibility.
// With retune set, the fetch already scheduled by the running loop is kept
// when it is due sooner than a full interval.
func (c *Controller) startPollLocked(retune bool) {
	if c.state.Token == nil {
		return
	}
	c.pollSeq++
	gen, seq := c.gen, c.pollSeq
	interval := c.pollInterval
	if !c.page.Visible() {
		interval = c.hiddenPollInterval
	}
	start := c.poller.Start
	if retune {
		start = c.poller.Retune
	} else {
		c.stopPollLocked()
	}
	c.stopPoll = start(c.ctx, c.state.Token.Token,
		func(tok api.Token) { c.onPollUpdate(gen, seq, tok) },
		func(err error) { c.onPollError(gen, seq, err) },
		interval,
	)
}

func (c *Controller) stopPollLocked() {
	if c.stopPoll != nil {
		c.stopPoll()
		c.stopPoll = nil
	}
}

func (c *Controller) onPollUpdate(gen, seq uint64, tok api.Token) {
	c.mu.Lock()
	if gen != c.gen || seq != c.pollSeq || c.state.Phase != PhaseWaiting {
		c.mu.Unlock()
		return
	}
	if tok.Status.Terminal() {
		c.stopPoll = nil
	}
	after := c.applyLocked(tok)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publishActive()
	c.emit(snap)
	after()
}

func (c *Controller) onPollError(gen, seq uint64, err error) {
	c.mu.Lock()
	current := gen == c.gen && seq == c.pollSeq
	c.mu.Unlock()
	if current {
		c.logger.Debug("session.controller.poll_failed", "error", err)
	}
}

func (c *Controller) onPage(ev Event) bool {
	if ev != EventHidden && ev != EventVisible {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state.Phase != PhaseWaiting || c.stopPoll == nil {
		return false
	}
	c.startPollLocked(true)
	return false
}

// cleanupLocked stops every timer and loop owned by the attempt and resets
// the token view and error. Phase and attempt identity are left to the
// caller.
func (c *Controller) cleanupLocked() {
	c.stopPollLocked()
	stopTimer(&c.handoff)
	stopTimer(&c.countdown)
	stopTimer(&c.settle)
	c.state.Err = nil
	c.state.Token = nil
	c.state.ActiveForBooking = false
	c.state.ActiveSession = false
	c.state.Initializing = false
}

func (c *Controller) setPhaseLocked(p Phase) {
	if c.state.Phase == p {
		return
	}
	c.logger.Debug("session.controller.transition", "from", c.state.Phase.String(), "to", p.String())
	c.state.Phase = p
	c.metrics.transition(p)
}

func (c *Controller) snapshotLocked() State {
	c.rev++
	c.state.rev = c.rev
	return c.state.clone()
}

// publishActive pushes the latest ActiveSession value to the flag. Calls are
// serialized and always read the newest value, so the flag converges on the
// controller state even when publishers race.
func (c *Controller) publishActive() {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	c.mu.Lock()
	active := c.state.ActiveSession
	c.mu.Unlock()
	c.flag.Set(active)
}

func (c *Controller) emit(snap State) {
	if c.onChange == nil {
		return
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if snap.rev <= c.emitted {
		return
	}
	c.emitted = snap.rev
	c.onChange(snap)
}

func (c *Controller) proceed(performanceID, scheduleID string) {
	if c.onProceed != nil {
		c.onProceed(performanceID, scheduleID)
	}
}

func (c *Controller) cancelToken(tokenID string) {
	if tokenID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.gw.CancelToken(ctx, tokenID); err != nil {
		c.logger.Warn("session.controller.cancel_failed", "token", tokenID, "error", err)
	}
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func noop() {}
