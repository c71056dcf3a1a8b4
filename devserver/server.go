package devserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/waitroom/api"
	"pkt.systems/waitroom/internal/clock"
	"pkt.systems/waitroom/internal/loggingutil"
)

// Option customises a Server.
type Option func(*options)

type options struct {
	logger pslog.Logger
	clock  clock.Clock
	store  Store
}

// WithLogger supplies the server logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithClock overrides the time source used for admission decisions and the
// sweeper.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithStore supplies an already opened store. The server does not close it.
func WithStore(s Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// Stats summarises the room.
type Stats struct {
	Waiting int `json:"waiting"`
	Active  int `json:"active"`
	Tokens  int `json:"tokens"`
}

// Server is the reference queue server.
type Server struct {
	cfg       Config
	policy    Policy
	store     Store
	ownsStore bool
	signer    *signer
	clock     clock.Clock
	logger    pslog.Logger
	httpSrv   *http.Server

	mu          sync.Mutex
	listener    net.Listener
	shutdown    bool
	readyCh     chan struct{}
	readyOnce   sync.Once
	sweeperStop chan struct{}
	sweeperDone sync.WaitGroup

	ctrlMu         sync.Mutex
	failHeartbeats bool
	heartbeats     int
	releases       []api.ReleaseRequest
	statusCalls    map[string]int
}

// New validates cfg, opens the configured store and builds the router.
func New(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}
	sign, err := newSigner(cfg.Secret)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:         cfg,
		policy:      policyFrom(cfg),
		store:       o.store,
		signer:      sign,
		clock:       o.clock,
		logger:      loggingutil.WithSubsystem(o.logger, "devserver"),
		readyCh:     make(chan struct{}),
		statusCalls: make(map[string]int),
	}
	if s.store == nil {
		store, err := OpenStore(context.Background(), cfg.Store)
		if err != nil {
			return nil, err
		}
		s.store = store
		s.ownsStore = true
	}
	s.httpSrv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Config returns the validated configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// Handler returns the HTTP handler serving the queue routes.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start listens on Config.Listen and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("devserver: listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. The sweeper runs for the duration.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return http.ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("devserver.listening", "address", ln.Addr().String(), "prefix", s.cfg.Prefix, "store", s.cfg.Store, "max_active", s.cfg.MaxActive)
	s.startSweeper()
	defer s.stopSweeper()
	err := s.httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("devserver: serve: %w", err)
	}
	return nil
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound address once serving.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops serving and closes an owned store. It is idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("devserver: http shutdown: %w", err))
	}
	s.stopSweeper()
	if s.ownsStore {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("devserver: close store: %w", err))
		}
	}
	s.logger.Info("devserver.stopped")
	return errors.Join(errs...)
}

// Close shuts the server down with a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

// Sweep applies time-based transitions: token expiry, heartbeat eviction and
// promotion into free slots.
func (s *Server) Sweep(ctx context.Context) error {
	now := s.clock.Now()
	return s.store.Update(ctx, func(r *Room) error {
		r.Refresh(s.policy, now)
		return nil
	})
}

// Stats reports the current room occupancy.
func (s *Server) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := s.store.View(ctx, func(r *Room) error {
		out = Stats{Waiting: r.Waiting(), Active: r.Active(), Tokens: len(r.Tokens)}
		return nil
	})
	return out, err
}

// Admit activates token immediately, ignoring capacity. token may be the
// signed form handed to clients or the bare id.
func (s *Server) Admit(ctx context.Context, token string) error {
	id := s.tokenID(token)
	now := s.clock.Now()
	return s.store.Update(ctx, func(r *Room) error {
		return r.Admit(s.policy, now, id)
	})
}

// Expire forces token into EXPIRED.
func (s *Server) Expire(ctx context.Context, token string) error {
	id := s.tokenID(token)
	now := s.clock.Now()
	return s.store.Update(ctx, func(r *Room) error {
		return r.Expire(s.policy, now, id)
	})
}

// FailHeartbeats makes every heartbeat fail while enabled.
func (s *Server) FailHeartbeats(fail bool) {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	s.failHeartbeats = fail
}

// HeartbeatCount returns the number of heartbeat requests received.
func (s *Server) HeartbeatCount() int {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	return s.heartbeats
}

// Releases returns every release notification received, in arrival order.
func (s *Server) Releases() []api.ReleaseRequest {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	return append([]api.ReleaseRequest(nil), s.releases...)
}

// StatusCalls returns the number of status polls for token.
func (s *Server) StatusCalls(token string) int {
	id := s.tokenID(token)
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	return s.statusCalls[id]
}

func (s *Server) tokenID(token string) string {
	if id, err := s.signer.resolve(token); err == nil {
		return id
	}
	return token
}

func (s *Server) startSweeper() {
	s.mu.Lock()
	if s.sweeperStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.sweeperStop = stop
	s.sweeperDone.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.sweeperDone.Done()
		for {
			select {
			case <-stop:
				return
			case <-s.clock.After(s.cfg.SweepInterval):
				if err := s.Sweep(context.Background()); err != nil {
					s.logger.Warn("devserver.sweep.failed", "error", err)
				}
			}
		}
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	stop := s.sweeperStop
	s.sweeperStop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		s.sweeperDone.Wait()
	}
}
