package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/waitroom/internal/loggingutil"
)

const (
	// DefaultBeaconTimeout bounds a single beacon delivery.
	DefaultBeaconTimeout = 5 * time.Second
	// DefaultBeaconQueue is the number of beacons that may wait for delivery.
	DefaultBeaconQueue = 16
)

// Beacon is a fire-and-forget sender whose deliveries are detached from the
// caller. Send only enqueues; a single background goroutine posts payloads in
// FIFO order, each bounded by its own timeout.
type Beacon struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     pslog.Logger
	metrics    *gatewayMetrics

	mu     sync.Mutex
	closed bool
	queue  chan beaconItem
	stop   chan struct{}
	done   chan struct{}
}

type beaconItem struct {
	url    string
	header http.Header
	body   []byte
	ack    chan struct{}
}

// BeaconOption customises a Beacon.
type BeaconOption func(*Beacon)

// WithBeaconTimeout overrides the per-delivery timeout.
func WithBeaconTimeout(d time.Duration) BeaconOption {
	return func(b *Beacon) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithBeaconQueue overrides the queue capacity.
func WithBeaconQueue(n int) BeaconOption {
	return func(b *Beacon) {
		if n > 0 {
			b.queue = make(chan beaconItem, n)
		}
	}
}

// WithBeaconLogger supplies a logger for delivery diagnostics.
func WithBeaconLogger(logger pslog.Logger) BeaconOption {
	return func(b *Beacon) {
		b.logger = loggingutil.WithSubsystem(logger, "client.beacon")
	}
}

func withBeaconMetrics(m *gatewayMetrics) BeaconOption {
	return func(b *Beacon) {
		b.metrics = m
	}
}

// NewBeacon starts a beacon sender using httpClient. A nil client falls back
// to http.DefaultClient.
func NewBeacon(httpClient *http.Client, opts ...BeaconOption) *Beacon {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	b := &Beacon{
		httpClient: httpClient,
		timeout:    DefaultBeaconTimeout,
		logger:     loggingutil.NoopLogger(),
		queue:      make(chan beaconItem, DefaultBeaconQueue),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.run()
	return b
}

// Send queues a POST of body to url. It never blocks on the network and
// returns ErrBeaconFull or ErrBeaconClosed when the payload cannot be queued.
func (b *Beacon) Send(url string, header http.Header, body []byte) error {
	item := beaconItem{url: url, header: header.Clone(), body: append([]byte(nil), body...)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBeaconClosed
	}
	select {
	case b.queue <- item:
		return nil
	default:
		b.metrics.recordBeacon(context.Background(), "dropped")
		b.logger.Warn("client.beacon.dropped", "url", url, "queue", cap(b.queue))
		return ErrBeaconFull
	}
}

// Flush waits until every beacon queued before the call has been attempted.
// The queue lock is not held while Flush waits for room, so Send stays
// non-blocking.
func (b *Beacon) Flush(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return b.wait(ctx, b.done)
	}
	ack := make(chan struct{})
	select {
	case b.queue <- beaconItem{ack: ack}:
	case <-b.stop:
		return b.wait(ctx, b.done)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting beacons and waits for queued ones to be attempted.
// It is safe to call more than once.
func (b *Beacon) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.stop)
	}
	b.mu.Unlock()
	return b.wait(ctx, b.done)
}

func (b *Beacon) wait(ctx context.Context, ch <-chan struct{}) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run delivers until Close, then drains what is already queued.
func (b *Beacon) run() {
	defer close(b.done)
	for {
		select {
		case item := <-b.queue:
			b.handle(item)
		case <-b.stop:
			for {
				select {
				case item := <-b.queue:
					b.handle(item)
				default:
					return
				}
			}
		}
	}
}

func (b *Beacon) handle(item beaconItem) {
	if item.ack != nil {
		close(item.ack)
		return
	}
	b.deliver(item)
}

func (b *Beacon) deliver(item beaconItem) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.url, bytes.NewReader(item.body))
	if err != nil {
		b.metrics.recordBeacon(ctx, "error")
		b.logger.Warn("client.beacon.request_error", "url", item.url, "error", err)
		return
	}
	for k, vals := range item.header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.metrics.recordBeacon(ctx, "transport")
		b.logger.Warn("client.beacon.transport_error", "url", item.url, "error", err)
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		b.metrics.recordBeacon(ctx, "rejected")
		b.logger.Warn("client.beacon.rejected", "url", item.url, "status", resp.StatusCode)
		return
	}
	b.metrics.recordBeacon(ctx, "ok")
	b.logger.Debug("client.beacon.delivered", "url", item.url, "status", resp.StatusCode)
}
