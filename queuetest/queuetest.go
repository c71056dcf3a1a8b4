// Package queuetest starts a devserver behind httptest for tests that need a
// real queue server.
package queuetest

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/waitroom/client"
	"pkt.systems/waitroom/devserver"
)

// TestServer wraps a running devserver with handles for tests.
type TestServer struct {
	Server *devserver.Server
	// URL is the base URL clients should use.
	URL string
	// Client is a gateway bound to URL with client id "queuetest".
	Client *client.Client
	Logger pslog.Logger

	t      testing.TB
	http   *httptest.Server
	writer *testingWriter
}

// Option customises StartTestServer.
type Option func(*settings)

type settings struct {
	cfg      devserver.Config
	srvOpts  []devserver.Option
	logLevel string
}

// WithConfig replaces the devserver configuration.
func WithConfig(cfg devserver.Config) Option {
	return func(s *settings) {
		s.cfg = cfg
	}
}

// WithMaxActive sets the number of booking slots.
func WithMaxActive(n int) Option {
	return func(s *settings) {
		s.cfg.MaxActive = n
	}
}

// WithServerOptions forwards options to devserver.New.
func WithServerOptions(opts ...devserver.Option) Option {
	return func(s *settings) {
		s.srvOpts = append(s.srvOpts, opts...)
	}
}

// WithLogLevel sets the level of the test log sink (default "warn").
func WithLogLevel(level string) Option {
	return func(s *settings) {
		s.logLevel = level
	}
}

// StartTestServer starts a devserver on a loopback httptest listener and
// registers its shutdown with t.Cleanup.
func StartTestServer(t testing.TB, opts ...Option) *TestServer {
	t.Helper()
	st := settings{logLevel: "warn"}
	for _, opt := range opts {
		opt(&st)
	}
	writer := &testingWriter{t: t}
	logger := newTestingLogger(writer, st.logLevel)

	srv, err := devserver.New(st.cfg, append([]devserver.Option{devserver.WithLogger(logger)}, st.srvOpts...)...)
	if err != nil {
		t.Fatalf("queuetest: start devserver: %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	ts := &TestServer{Server: srv, URL: hs.URL, Logger: logger, t: t, http: hs, writer: writer}
	ts.Client = ts.NewClient("queuetest")
	t.Cleanup(func() {
		ts.stop()
	})
	return ts
}

// NewClient returns a gateway with the given client id. It is closed with
// the server.
func (ts *TestServer) NewClient(clientID string, opts ...client.Option) *client.Client {
	ts.t.Helper()
	base := []client.Option{
		client.WithClientID(clientID),
		client.WithLogger(ts.Logger),
		client.WithAPIPrefix(ts.Server.Config().Prefix),
	}
	cli, err := client.New(ts.URL, append(base, opts...)...)
	if err != nil {
		ts.t.Fatalf("queuetest: new client: %v", err)
	}
	ts.t.Cleanup(func() { _ = cli.Close(context.Background()) })
	return cli
}

func (ts *TestServer) stop() {
	ts.http.Close()
	if err := ts.Server.Close(); err != nil {
		ts.t.Logf("queuetest: devserver close: %v", err)
	}
	ts.writer.close()
}

// newTestingLogger builds a structured pslog logger that writes through w at
// the given level.
func newTestingLogger(w *testingWriter, level string) pslog.Logger {
	lvl, ok := pslog.ParseLevel(level)
	if !ok {
		lvl = pslog.InfoLevel
	}
	return pslog.NewStructured(w).LogLevel(lvl).With("app", "queuetest")
}

type testingWriter struct {
	t      testing.TB
	mu     sync.Mutex
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.log(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) log(entry string) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			if strings.Contains(msg, "Log in goroutine after") || strings.Contains(msg, "during concurrent Cleanups") {
				return
			}
			panic(r)
		}
	}()
	w.t.Log(entry)
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}
