package session

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/waitroom/api"
	"pkt.systems/waitroom/internal/clock"
	"pkt.systems/waitroom/internal/loggingutil"
)

// DefaultPollInterval is the status polling period while the page is visible.
const DefaultPollInterval = 3 * time.Second

// StopFunc halts a polling loop. It is safe to call repeatedly and after the
// loop ended on its own.
type StopFunc func()

// Poller runs at most one status polling loop at a time.
type Poller struct {
	src    StatusSource
	clk    clock.Clock
	logger pslog.Logger

	mu   sync.Mutex
	stop StopFunc
	run  uint64
	due  time.Time
}

// NewPoller constructs a Poller. A nil clock uses the wall clock.
func NewPoller(src StatusSource, clk clock.Clock, logger pslog.Logger) *Poller {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Poller{
		src:    src,
		clk:    clk,
		logger: loggingutil.WithSubsystem(logger, "session.poller"),
	}
}

// Start stops any running loop and begins polling tokenID every interval.
// Each successful fetch is delivered to onUpdate; the loop ends by itself
// after delivering a terminal status. Fetch failures go to onError and the
// loop keeps polling. Neither callback is invoked after the returned
// StopFunc has been called and the in-flight fetch (if any) has returned.
func (p *Poller) Start(ctx context.Context, tokenID string, onUpdate func(api.Token), onError func(error), interval time.Duration) StopFunc {
	return p.start(ctx, tokenID, onUpdate, onError, interval, false)
}

// Retune replaces the running loop with one that polls every interval. The
// first fetch of the new loop happens no later than the fetch the old loop
// had scheduled, so repeated retuning never postpones polling. Without a
// running loop Retune behaves like Start.
func (p *Poller) Retune(ctx context.Context, tokenID string, onUpdate func(api.Token), onError func(error), interval time.Duration) StopFunc {
	return p.start(ctx, tokenID, onUpdate, onError, interval, true)
}

func (p *Poller) start(ctx context.Context, tokenID string, onUpdate func(api.Token), onError func(error), interval time.Duration, keepDue bool) StopFunc {
	if ctx == nil {
		ctx = context.Background()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	runCtx, cancel := context.WithCancel(ctx)
	var once sync.Once
	stop := StopFunc(func() { once.Do(cancel) })

	p.mu.Lock()
	now := p.clk.Now()
	first := interval
	if keepDue && p.stop != nil {
		if remaining := p.due.Sub(now); remaining < first {
			first = max(remaining, 0)
		}
	}
	if p.stop != nil {
		p.stop()
	}
	p.run++
	id := p.run
	p.stop = stop
	p.due = now.Add(first)
	timer := p.clk.NewTimer(first)
	p.mu.Unlock()

	p.logger.Debug("session.poller.start", "token", tokenID, "interval", interval, "first", first)
	go p.loop(runCtx, id, stop, timer, tokenID, onUpdate, onError, interval)
	return stop
}

// Stop halts the current loop, if any.
func (p *Poller) Stop() {
	p.mu.Lock()
	stop := p.stop
	p.stop = nil
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (p *Poller) loop(ctx context.Context, id uint64, stop StopFunc, timer clock.Timer, tokenID string, onUpdate func(api.Token), onError func(error), interval time.Duration) {
	defer p.finish(id, stop, timer)
	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("session.poller.stopped", "token", tokenID)
			return
		case <-timer.C():
		}
		if ctx.Err() != nil {
			p.logger.Debug("session.poller.stopped", "token", tokenID)
			return
		}

		tok, err := p.src.TokenStatus(ctx, tokenID)
		if ctx.Err() != nil {
			p.logger.Debug("session.poller.stopped", "token", tokenID)
			return
		}
		if err != nil {
			p.logger.Warn("session.poller.fetch_failed", "token", tokenID, "error", err)
			if onError != nil {
				onError(err)
			}
		} else {
			if onUpdate != nil {
				onUpdate(tok)
			}
			if tok.Status.Terminal() {
				p.logger.Debug("session.poller.terminal", "token", tokenID, "status", tok.Status)
				return
			}
		}
		p.rearm(id, timer, interval)
	}
}

func (p *Poller) rearm(id uint64, timer clock.Timer, d time.Duration) {
	p.mu.Lock()
	if p.run == id {
		p.due = p.clk.Now().Add(d)
	}
	p.mu.Unlock()
	timer.Reset(d)
}

func (p *Poller) finish(id uint64, stop StopFunc, timer clock.Timer) {
	timer.Stop()
	stop()
	p.mu.Lock()
	if p.run == id {
		p.stop = nil
	}
	p.mu.Unlock()
}
