package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/waitroom/api"
	"pkt.systems/waitroom/internal/loggingutil"
)

// GuardConfig wires a LifecycleGuard.
type GuardConfig struct {
	// Flag is the controller's active-session flag. Required.
	Flag *ActiveFlag
	// Page supplies visibility, focus and unload events. Required.
	Page EventSource
	// Heartbeat is driven while the flag is set. Required.
	Heartbeat *Heartbeat
	// Notifier sends heartbeats and releases. Required.
	Notifier Notifier
	// Target returns the session the notifications refer to. Required.
	Target func() Target
	// VisibleInterval is the heartbeat period while visible.
	VisibleInterval time.Duration
	// HiddenInterval is the heartbeat period while hidden.
	HiddenInterval time.Duration
	// PromptOnUnload asks the host for a leave confirmation on before-unload.
	PromptOnUnload bool
	Logger         pslog.Logger
}

// LifecycleGuard binds page events to the heartbeat while the session is
// active and owns the at-most-once release notification of each session.
type LifecycleGuard struct {
	flag     *ActiveFlag
	page     EventSource
	hb       *Heartbeat
	notifier Notifier
	target   func() Target
	visible  time.Duration
	hidden   time.Duration
	prompt   bool
	logger   pslog.Logger
	metrics  *sessionMetrics

	mu         sync.Mutex
	engaged    bool
	released   bool
	closed     bool
	detachPage func()
	detachFlag func()
}

// NewLifecycleGuard validates cfg and subscribes the guard to cfg.Flag.
func NewLifecycleGuard(cfg GuardConfig) (*LifecycleGuard, error) {
	switch {
	case cfg.Flag == nil:
		return nil, errors.New("session: guard requires an active flag")
	case cfg.Page == nil:
		return nil, errors.New("session: guard requires a page event source")
	case cfg.Heartbeat == nil:
		return nil, errors.New("session: guard requires a heartbeat scheduler")
	case cfg.Notifier == nil:
		return nil, errors.New("session: guard requires a notifier")
	case cfg.Target == nil:
		return nil, errors.New("session: guard requires a target accessor")
	}
	if cfg.VisibleInterval <= 0 {
		cfg.VisibleInterval = DefaultHeartbeatInterval
	}
	if cfg.HiddenInterval <= 0 {
		cfg.HiddenInterval = DefaultHiddenHeartbeatInterval
	}
	g := &LifecycleGuard{
		flag:     cfg.Flag,
		page:     cfg.Page,
		hb:       cfg.Heartbeat,
		notifier: cfg.Notifier,
		target:   cfg.Target,
		visible:  cfg.VisibleInterval,
		hidden:   cfg.HiddenInterval,
		prompt:   cfg.PromptOnUnload,
		logger:   loggingutil.WithSubsystem(cfg.Logger, "session.lifecycle"),
		metrics:  newSessionMetrics(cfg.Logger),
	}
	g.detachFlag = cfg.Flag.Subscribe(g.onActive)
	if cfg.Flag.Value() {
		g.engage()
	}
	return g, nil
}

// Engaged reports whether page listeners and the heartbeat are bound.
func (g *LifecycleGuard) Engaged() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.engaged
}

// Released reports whether the current session has already been released.
func (g *LifecycleGuard) Released() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}

// Release sends the release notification for the current session unless one
// was already sent. It reports whether this call sent it.
func (g *LifecycleGuard) Release(reason api.ReleaseReason) bool {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return false
	}
	g.released = true
	g.mu.Unlock()

	t := g.target()
	g.metrics.release(string(reason))
	if err := g.notifier.SendRelease(t.PerformanceID, t.ScheduleID, reason); err != nil {
		g.logger.Warn("session.lifecycle.release_failed", "performance_id", t.PerformanceID, "schedule_id", t.ScheduleID, "reason", reason, "error", err)
		return true
	}
	g.logger.Info("session.lifecycle.released", "performance_id", t.PerformanceID, "schedule_id", t.ScheduleID, "reason", reason)
	return true
}

// Close detaches the guard. When the session is still engaged and has not
// been released, one best-effort release is sent first. Close is idempotent.
func (g *LifecycleGuard) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	pending := g.engaged && !g.released
	g.mu.Unlock()

	if pending {
		g.Release(api.ReleaseTeardown)
	}
	g.disengage()
	g.detachFlag()
}

func (g *LifecycleGuard) onActive(active bool) {
	if active {
		g.engage()
		return
	}
	g.disengage()
}

func (g *LifecycleGuard) engage() {
	g.mu.Lock()
	if g.closed || g.engaged {
		g.mu.Unlock()
		return
	}
	g.engaged = true
	g.released = false
	g.detachPage = g.page.Subscribe(g.onPage)
	g.mu.Unlock()

	interval := g.visible
	if !g.page.Visible() {
		interval = g.hidden
	}
	g.logger.Debug("session.lifecycle.engaged", "heartbeat_interval", interval)
	g.hb.Enable(g.sendHeartbeat, interval)
}

func (g *LifecycleGuard) disengage() {
	g.mu.Lock()
	if !g.engaged {
		g.mu.Unlock()
		return
	}
	g.engaged = false
	detach := g.detachPage
	g.detachPage = nil
	g.mu.Unlock()

	if detach != nil {
		detach()
	}
	g.hb.Disable()
	g.logger.Debug("session.lifecycle.disengaged")
}

func (g *LifecycleGuard) sendHeartbeat(ctx context.Context) error {
	t := g.target()
	return g.notifier.SendHeartbeat(ctx, t.PerformanceID, t.ScheduleID)
}

func (g *LifecycleGuard) onPage(ev Event) bool {
	g.mu.Lock()
	engaged := g.engaged
	g.mu.Unlock()
	if !engaged {
		return false
	}
	g.logger.Trace("session.lifecycle.event", "event", ev.String())
	switch ev {
	case EventHidden:
		g.hb.SetInterval(g.hidden)
	case EventVisible:
		g.hb.SetInterval(g.visible)
		g.hb.Beat()
	case EventFocus:
		g.hb.Beat()
	case EventBlur:
	case EventBeforeUnload:
		g.Release(api.ReleasePageUnload)
		return g.prompt
	case EventUnload:
		g.Release(api.ReleasePageUnload)
		g.hb.Disable()
	}
	return false
}
