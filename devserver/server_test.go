package devserver_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"pkt.systems/waitroom/api"
	"pkt.systems/waitroom/client"
	"pkt.systems/waitroom/devserver"
	"pkt.systems/waitroom/internal/clock"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newServer(t *testing.T, cfg devserver.Config, clk clock.Clock) (*devserver.Server, *httptest.Server) {
	t.Helper()
	srv, err := devserver.New(cfg, devserver.WithClock(clk))
	if err != nil {
		t.Fatalf("new devserver: %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		_ = srv.Close()
	})
	return srv, hs
}

func newClient(t *testing.T, baseURL, id string) *client.Client {
	t.Helper()
	cli, err := client.New(baseURL, client.WithClientID(id))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close(context.Background()) })
	return cli
}

func TestQueueFlowOverHTTP(t *testing.T) {
	clk := clock.NewManual(t0)
	srv, hs := newServer(t, devserver.Config{MaxActive: 1}, clk)
	ctx := context.Background()
	first := newClient(t, hs.URL, "visitor-1")
	second := newClient(t, hs.URL, "visitor-2")

	if req := first.CheckRequirement(ctx, "perf", "s1"); !req.CanProceedDirectly {
		t.Fatalf("expected direct admission, got %+v", req)
	}
	req := second.CheckRequirement(ctx, "perf", "s1")
	if req.CanProceedDirectly || !req.RequiresQueue {
		t.Fatalf("expected queue requirement, got %+v", req)
	}

	tok, err := second.IssueToken(ctx, "perf")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if tok.Status != api.StatusWaiting || tok.PositionInQueue != 1 {
		t.Fatalf("unexpected token %+v", tok)
	}

	if err := first.SendHeartbeat(ctx, "perf", "s1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := first.SendRelease("perf", "s1", api.ReleaseUserLeft); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := first.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := srv.Releases(); len(got) != 1 || got[0].Reason != api.ReleaseUserLeft {
		t.Fatalf("unexpected releases %+v", got)
	}

	status, err := second.TokenStatus(ctx, tok.Token)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != api.StatusActive || !status.ActiveForBooking() || status.BookingExpiresAt == nil {
		t.Fatalf("expected promotion after release, got %+v", status)
	}
	if got := srv.StatusCalls(tok.Token); got != 1 {
		t.Fatalf("status calls %d", got)
	}
	if err := second.SendHeartbeat(ctx, "perf", "s1"); err != nil {
		t.Fatalf("promoted heartbeat: %v", err)
	}
	if got := srv.HeartbeatCount(); got != 2 {
		t.Fatalf("heartbeat count %d", got)
	}
}

func TestHeartbeatWithoutSessionIsRejected(t *testing.T) {
	_, hs := newServer(t, devserver.Config{}, clock.NewManual(t0))
	cli := newClient(t, hs.URL, "stranger")
	err := cli.SendHeartbeat(context.Background(), "perf", "s1")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestScriptedControls(t *testing.T) {
	clk := clock.NewManual(t0)
	srv, hs := newServer(t, devserver.Config{MaxActive: 1}, clk)
	ctx := context.Background()
	holder := newClient(t, hs.URL, "holder")
	waiter := newClient(t, hs.URL, "waiter")
	holder.CheckRequirement(ctx, "perf", "s1")

	tok, err := waiter.IssueToken(ctx, "perf")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := srv.Admit(ctx, tok.Token); err != nil {
		t.Fatalf("admit: %v", err)
	}
	status, err := waiter.TokenStatus(ctx, tok.Token)
	if err != nil || status.Status != api.StatusActive {
		t.Fatalf("admit not visible: %+v %v", status, err)
	}
	stats, err := srv.Stats(ctx)
	if err != nil || stats.Active != 2 {
		t.Fatalf("admit should exceed capacity: %+v %v", stats, err)
	}

	srv.FailHeartbeats(true)
	if err := waiter.SendHeartbeat(ctx, "perf", "s1"); !client.IsRejected(err) {
		t.Fatalf("expected rejected heartbeat, got %v", err)
	}
	srv.FailHeartbeats(false)

	if err := srv.Expire(ctx, tok.Token); err != nil {
		t.Fatalf("expire: %v", err)
	}
	status, err = waiter.TokenStatus(ctx, tok.Token)
	if err != nil || status.Status != api.StatusExpired {
		t.Fatalf("expire not visible: %+v %v", status, err)
	}
}

func TestCancelAndClear(t *testing.T) {
	srv, hs := newServer(t, devserver.Config{MaxActive: 1}, clock.NewManual(t0))
	ctx := context.Background()
	holder := newClient(t, hs.URL, "holder")
	holder.CheckRequirement(ctx, "perf", "s1")
	tok, err := holder.IssueToken(ctx, "perf-2")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := holder.CancelToken(ctx, tok.Token); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	status, err := holder.TokenStatus(ctx, tok.Token)
	if err != nil || status.Status != api.StatusCancelled {
		t.Fatalf("cancel not visible: %+v %v", status, err)
	}
	if err := holder.ClearSessions(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	stats, _ := srv.Stats(ctx)
	if stats.Active != 0 || stats.Tokens != 0 {
		t.Fatalf("clear left %+v", stats)
	}
	if _, err := holder.TokenStatus(ctx, tok.Token); !client.IsRejected(err) {
		t.Fatalf("expected unknown token after clear, got %v", err)
	}
}

func TestForgedTokenIsRejected(t *testing.T) {
	_, hs := newServer(t, devserver.Config{Secret: "one"}, clock.NewManual(t0))
	_, hs2 := newServer(t, devserver.Config{Secret: "two"}, clock.NewManual(t0))
	cli := newClient(t, hs2.URL, "v")
	tok, err := cli.IssueToken(context.Background(), "perf")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	foreign := newClient(t, hs.URL, "v")
	_, err = foreign.TokenStatus(context.Background(), tok.Token)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSweeperEvictsSilentSessions(t *testing.T) {
	clk := clock.NewManual(t0)
	srv, err := devserver.New(devserver.Config{Listen: "127.0.0.1:0", MaxActive: 1, HeartbeatTimeout: 10 * time.Second, SweepInterval: time.Second}, devserver.WithClock(clk))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Start() }()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.WaitUntilReady(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}
	cli := newClient(t, "http://"+srv.ListenerAddr().String(), "v")
	if req := cli.CheckRequirement(ctx, "perf", "s1"); !req.CanProceedDirectly {
		t.Fatalf("expected direct admission %+v", req)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		clk.Advance(time.Second)
		stats, err := srv.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Active == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweeper never evicted the silent session")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("start returned %v", err)
	}
}

func TestOpenStoreSchemes(t *testing.T) {
	ctx := context.Background()
	store, err := devserver.OpenStore(ctx, "mem://")
	if err != nil {
		t.Fatalf("mem: %v", err)
	}
	_ = store.Close()
	if _, err := devserver.OpenStore(ctx, "s3://bucket"); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}

func TestRedisStore(t *testing.T) {
	raw := os.Getenv("WAITROOM_TEST_REDIS_URL")
	if raw == "" {
		t.Skip("WAITROOM_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	store, err := devserver.OpenStore(ctx, raw+"?key=waitroom:test:"+t.Name())
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	defer store.Close()
	shared, err := devserver.New(devserver.Config{MaxActive: 1}, devserver.WithStore(store), devserver.WithClock(clock.NewManual(t0)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer shared.Close()
	if err := store.Update(ctx, func(r *devserver.Room) error { r.Clear(); return nil }); err != nil {
		t.Fatalf("reset: %v", err)
	}
	hs2 := httptest.NewServer(shared.Handler())
	defer hs2.Close()
	cli := newClient(t, hs2.URL, "redis-visitor")
	if req := cli.CheckRequirement(ctx, "perf", "s1"); !req.CanProceedDirectly {
		t.Fatalf("expected direct admission %+v", req)
	}
	stats, err := shared.Stats(ctx)
	if err != nil || stats.Active != 1 {
		t.Fatalf("redis room not updated: %+v %v", stats, err)
	}
}
