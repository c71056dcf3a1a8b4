package session

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/waitroom/internal/clock"
	"pkt.systems/waitroom/internal/loggingutil"
)

const (
	// DefaultHeartbeatInterval is the heartbeat period while the page is visible.
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultHiddenHeartbeatInterval is the heartbeat period while the page is hidden.
	DefaultHiddenHeartbeatInterval = 10 * time.Second
)

// SendFunc delivers one heartbeat. The context is cancelled when the
// scheduler is disabled.
type SendFunc func(ctx context.Context) error

// Heartbeat periodically invokes a SendFunc while enabled.
//
// At most one timer is armed at any time and at most one send is in flight:
// the timer is only re-armed after the previous send returned, and immediate
// beats requested during a send are dropped. A failed send disables the
// scheduler and is reported once through the failure callback; the scheduler
// never retries on its own.
type Heartbeat struct {
	clk       clock.Clock
	logger    pslog.Logger
	onFailure func(error)
	metrics   *sessionMetrics

	mu       sync.Mutex
	enabled  bool
	epoch    uint64
	armSeq   uint64
	inFlight bool
	interval time.Duration
	send     SendFunc
	ctx      context.Context
	cancel   context.CancelFunc
	timer    clock.Timer
}

// NewHeartbeat constructs a disabled scheduler. onFailure may be nil.
func NewHeartbeat(clk clock.Clock, logger pslog.Logger, onFailure func(error)) *Heartbeat {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Heartbeat{
		clk:       clk,
		logger:    loggingutil.WithSubsystem(logger, "session.heartbeat"),
		onFailure: onFailure,
		metrics:   newSessionMetrics(logger),
		interval:  DefaultHeartbeatInterval,
	}
}

// Enable starts sending: once immediately, then every interval. Enabling an
// already enabled scheduler replaces the previous run.
func (h *Heartbeat) Enable(send SendFunc, interval time.Duration) {
	if send == nil {
		return
	}
	h.mu.Lock()
	h.disableLocked()
	if interval > 0 {
		h.interval = interval
	}
	h.enabled = true
	h.epoch++
	h.send = send
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.inFlight = true
	epoch, ctx, period := h.epoch, h.ctx, h.interval
	h.mu.Unlock()

	h.logger.Debug("session.heartbeat.enabled", "interval", period)
	go h.beat(ctx, epoch, send)
}

// Disable stops the timer and cancels any in-flight send. It is idempotent.
func (h *Heartbeat) Disable() {
	h.mu.Lock()
	was := h.enabled
	h.disableLocked()
	h.mu.Unlock()
	if was {
		h.logger.Debug("session.heartbeat.disabled")
	}
}

// SetInterval replaces the period. When a timer is armed it is stopped and
// re-armed with the new period; when a send is in flight the new period
// applies to the next arming.
func (h *Heartbeat) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.interval == interval {
		return
	}
	h.interval = interval
	if h.enabled && !h.inFlight {
		h.armLocked()
	}
}

// Beat sends one heartbeat now, unless the scheduler is disabled or a send is
// already in flight. The periodic timer restarts after the send.
func (h *Heartbeat) Beat() bool {
	h.mu.Lock()
	if !h.enabled || h.inFlight {
		h.mu.Unlock()
		return false
	}
	h.stopTimerLocked()
	h.inFlight = true
	epoch, ctx, send := h.epoch, h.ctx, h.send
	h.mu.Unlock()
	go h.beat(ctx, epoch, send)
	return true
}

// Enabled reports whether the scheduler is running.
func (h *Heartbeat) Enabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled
}

// Interval returns the current period.
func (h *Heartbeat) Interval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interval
}

func (h *Heartbeat) disableLocked() {
	if !h.enabled {
		return
	}
	h.enabled = false
	h.epoch++
	h.inFlight = false
	h.stopTimerLocked()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

func (h *Heartbeat) stopTimerLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.armSeq++
}

func (h *Heartbeat) armLocked() {
	h.stopTimerLocked()
	epoch, seq := h.epoch, h.armSeq
	h.timer = h.clk.AfterFunc(h.interval, func() { h.tick(epoch, seq) })
}

func (h *Heartbeat) tick(epoch, seq uint64) {
	h.mu.Lock()
	if !h.enabled || epoch != h.epoch || seq != h.armSeq || h.inFlight {
		h.mu.Unlock()
		return
	}
	h.timer = nil
	h.inFlight = true
	ctx, send := h.ctx, h.send
	h.mu.Unlock()
	h.beat(ctx, epoch, send)
}

func (h *Heartbeat) beat(ctx context.Context, epoch uint64, send SendFunc) {
	err := send(ctx)

	h.mu.Lock()
	if !h.enabled || epoch != h.epoch {
		h.mu.Unlock()
		return
	}
	h.inFlight = false
	h.metrics.heartbeat(err)
	if err != nil {
		h.disableLocked()
		h.mu.Unlock()
		h.logger.Warn("session.heartbeat.failed", "error", err)
		if h.onFailure != nil {
			h.onFailure(err)
		}
		return
	}
	h.armLocked()
	h.mu.Unlock()
	h.logger.Trace("session.heartbeat.sent")
}
