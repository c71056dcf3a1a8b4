package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/waitroom/api"
	"pkt.systems/waitroom/internal/loggingutil"
)

const (
	// DefaultAPIPrefix is prepended to every queue route.
	DefaultAPIPrefix = "/api/v1"
	// DefaultHTTPTimeout bounds a single gateway request.
	DefaultHTTPTimeout = 10 * time.Second

	maxResponseBytes = 1 << 20
)

// Client is the HTTP queue gateway. It is safe for concurrent use.
type Client struct {
	baseURL     string
	prefix      string
	httpClient  *http.Client
	httpTimeout time.Duration
	logger      pslog.Logger
	creds       Credentials
	clientID    string
	now         func() time.Time
	tracer      trace.Tracer
	metrics     *gatewayMetrics

	beacon        *Beacon
	ownsBeacon    bool
	beaconTimeout time.Duration
	beaconQueue   int
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack. The default
// client wraps http.DefaultTransport with OpenTelemetry instrumentation.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to a disabled logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		c.logger = loggingutil.WithSubsystem(logger, "client.gateway")
	}
}

// WithHTTPTimeout overrides the per-request timeout applied on top of the
// caller's context.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithAPIPrefix overrides the route prefix (default /api/v1). An empty prefix
// mounts the queue routes at the server root.
func WithAPIPrefix(prefix string) Option {
	return func(c *Client) {
		c.prefix = "/" + strings.Trim(strings.TrimSpace(prefix), "/")
		if c.prefix == "/" {
			c.prefix = ""
		}
	}
}

// WithCredentials installs the read-only credential accessor consulted for
// every request, beacons included.
func WithCredentials(creds Credentials) Option {
	return func(c *Client) {
		c.creds = creds
	}
}

// WithClientID overrides the identifier sent in the X-Waitroom-Client header.
func WithClientID(id string) Option {
	return func(c *Client) {
		if id = strings.TrimSpace(id); id != "" {
			c.clientID = id
		}
	}
}

// WithBeacon supplies an externally owned beacon for SendRelease. The client
// does not close it.
func WithBeacon(b *Beacon) Option {
	return func(c *Client) {
		c.beacon = b
	}
}

// WithReleaseTimeout overrides the delivery timeout of the client-owned beacon.
func WithReleaseTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.beaconTimeout = d
		}
	}
}

// WithReleaseQueue overrides the queue capacity of the client-owned beacon.
func WithReleaseQueue(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.beaconQueue = n
		}
	}
}

// WithClock overrides the time source used to stamp tokens lacking issuedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs a gateway for the server at baseURL (http or https).
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse baseURL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("baseURL %q: scheme must be http or https", baseURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("baseURL %q: missing host", baseURL)
	}
	c := &Client{
		baseURL:       trimmed,
		prefix:        DefaultAPIPrefix,
		httpTimeout:   DefaultHTTPTimeout,
		logger:        loggingutil.NoopLogger(),
		clientID:      GenerateCorrelationID(),
		now:           func() time.Time { return time.Now().UTC() },
		beaconTimeout: DefaultBeaconTimeout,
		beaconQueue:   DefaultBeaconQueue,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	c.tracer = otel.Tracer("pkt.systems/waitroom/client")
	c.metrics = newGatewayMetrics(c.logger)
	if c.beacon == nil {
		c.beacon = NewBeacon(c.httpClient,
			WithBeaconTimeout(c.beaconTimeout),
			WithBeaconQueue(c.beaconQueue),
			WithBeaconLogger(c.logger),
			withBeaconMetrics(c.metrics),
		)
		c.ownsBeacon = true
	}
	return c, nil
}

// ClientID returns the identifier sent with every request.
func (c *Client) ClientID() string {
	return c.clientID
}

// CheckRequirement asks whether the visitor must queue. It never fails: on any
// transport or application error it reports that queueing is required.
func (c *Client) CheckRequirement(ctx context.Context, performanceID, scheduleID string) api.Requirement {
	var out api.Requirement
	err := c.do(ctx, "check", http.MethodPost, "/queue/check", api.CheckRequest{
		PerformanceID: performanceID,
		ScheduleID:    scheduleID,
	}, &out)
	if err != nil {
		c.logWarnCtx(ctx, "client.check.fail_closed", "performance_id", performanceID, "schedule_id", scheduleID, "error", err)
		return api.Requirement{
			RequiresQueue:      true,
			CanProceedDirectly: false,
			Reason:             "queue check unavailable: " + err.Error(),
		}
	}
	if out.CanProceedDirectly {
		out.RequiresQueue = false
	}
	return out
}

// IssueToken requests a new admission token for performanceID.
func (c *Client) IssueToken(ctx context.Context, performanceID string) (api.Token, error) {
	var tok api.Token
	if err := c.do(ctx, "token", http.MethodPost, "/queue/token", api.TokenRequest{PerformanceID: performanceID}, &tok); err != nil {
		return api.Token{}, err
	}
	if err := validateToken("token", &tok); err != nil {
		return api.Token{}, err
	}
	if tok.IssuedAt == nil {
		issued := c.now()
		tok.IssuedAt = &issued
	}
	c.logDebugCtx(ctx, "client.token.issued", "token", tok.Token, "status", tok.Status, "position", tok.PositionInQueue)
	return tok, nil
}

// TokenStatus fetches the current state of tokenID.
func (c *Client) TokenStatus(ctx context.Context, tokenID string) (api.Token, error) {
	if strings.TrimSpace(tokenID) == "" {
		return api.Token{}, fmt.Errorf("waitroom: token id required")
	}
	var tok api.Token
	if err := c.do(ctx, "status", http.MethodGet, "/queue/status/"+url.PathEscape(tokenID), nil, &tok); err != nil {
		return api.Token{}, err
	}
	if tok.Token == "" {
		tok.Token = tokenID
	}
	if err := validateToken("status", &tok); err != nil {
		return api.Token{}, err
	}
	return tok, nil
}

// CancelToken withdraws tokenID from the queue.
func (c *Client) CancelToken(ctx context.Context, tokenID string) error {
	if strings.TrimSpace(tokenID) == "" {
		return fmt.Errorf("waitroom: token id required")
	}
	return c.do(ctx, "cancel", http.MethodDelete, "/queue/token/"+url.PathEscape(tokenID), nil, nil)
}

// SendHeartbeat tells the server the active session is still present.
func (c *Client) SendHeartbeat(ctx context.Context, performanceID, scheduleID string) error {
	return c.do(ctx, "heartbeat", http.MethodPost, "/queue/heartbeat", api.SessionRequest{
		PerformanceID: performanceID,
		ScheduleID:    scheduleID,
	}, nil)
}

// SendRelease queues a release-session notification on the beacon. The
// returned error only reports whether the payload could be queued.
func (c *Client) SendRelease(performanceID, scheduleID string, reason api.ReleaseReason) error {
	body, err := json.Marshal(api.ReleaseRequest{
		PerformanceID: performanceID,
		ScheduleID:    scheduleID,
		Reason:        reason,
	})
	if err != nil {
		return err
	}
	header := make(http.Header)
	c.applyHeaders(context.Background(), header)
	header.Set("Content-Type", "application/json")
	if err := c.beacon.Send(c.url("/queue/release-session"), header, body); err != nil {
		c.logWarn("client.release.enqueue_failed", "performance_id", performanceID, "schedule_id", scheduleID, "reason", reason, "error", err)
		return err
	}
	c.logDebug("client.release.queued", "performance_id", performanceID, "schedule_id", scheduleID, "reason", reason)
	return nil
}

// ClearSessions resets all server-side sessions. Diagnostic use only.
func (c *Client) ClearSessions(ctx context.Context) error {
	return c.do(ctx, "clear_sessions", http.MethodPost, "/queue/clear-sessions", nil, nil)
}

// Flush waits for queued release beacons to be attempted.
func (c *Client) Flush(ctx context.Context) error {
	return c.beacon.Flush(ctx)
}

// Close flushes and stops the client-owned beacon. An externally supplied
// beacon is only flushed.
func (c *Client) Close(ctx context.Context) error {
	if !c.ownsBeacon {
		return c.beacon.Flush(ctx)
	}
	return c.beacon.Close(ctx)
}

func validateToken(op string, tok *api.Token) error {
	if strings.TrimSpace(tok.Token) == "" {
		return fmt.Errorf("waitroom: %s: response missing token", op)
	}
	if !tok.Status.Valid() {
		return fmt.Errorf("waitroom: %s: unknown token status %q", op, tok.Status)
	}
	return nil
}

func (c *Client) url(route string) string {
	return c.baseURL + c.prefix + route
}

func (c *Client) applyHeaders(ctx context.Context, h http.Header) {
	h.Set("Accept", "application/json")
	h.Set(headerClientID, c.clientID)
	if cid := CorrelationIDFromContext(ctx); cid != "" {
		h.Set(headerCorrelationID, cid)
	}
	if c.creds != nil {
		if cred, ok := c.creds.Credential(ctx); ok {
			applyCredential(h, cred)
		}
	}
}

func (c *Client) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if c.httpTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, c.httpTimeout)
}

func (c *Client) do(ctx context.Context, op, method, route string, payload, out any) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := c.tracer.Start(ctx, "waitroom.gateway."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.route", route)),
	)
	start := time.Now()
	defer func() {
		c.metrics.recordRequest(ctx, op, outcomeOf(err), time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	c.logTraceCtx(ctx, "client.http.start", "op", op, "method", method, "route", route)
	var body io.Reader
	if payload != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return err
		}
		body = buf
	}
	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, c.url(route), body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyHeaders(ctx, req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logWarnCtx(ctx, "client.http.transport_error", "op", op, "route", route, "error", err)
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	var env api.Envelope
	decodeErr := json.Unmarshal(data, &env)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logWarnCtx(ctx, "client.http.error", "op", op, "route", route, "status", resp.StatusCode)
		return &APIError{Op: op, Status: resp.StatusCode, Envelope: env, Body: data}
	}
	if decodeErr != nil {
		return &APIError{Op: op, Status: resp.StatusCode, Body: data, Envelope: api.Envelope{Error: "malformed envelope: " + decodeErr.Error()}}
	}
	if !env.Success {
		c.logWarnCtx(ctx, "client.http.rejected", "op", op, "route", route, "status", resp.StatusCode, "error", env.Error)
		return &APIError{Op: op, Status: resp.StatusCode, Envelope: env, Body: data}
	}
	if out != nil {
		if len(env.Data) == 0 || string(env.Data) == "null" {
			return &APIError{Op: op, Status: resp.StatusCode, Envelope: env, Body: data}
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("waitroom: %s: decode data: %w", op, err)
		}
	}
	c.logTraceCtx(ctx, "client.http.success", "op", op, "route", route, "status", resp.StatusCode)
	return nil
}

func (c *Client) enrichKeyvals(ctx context.Context, keyvals []any) []any {
	cid := CorrelationIDFromContext(ctx)
	if cid == "" {
		return keyvals
	}
	enriched := append([]any(nil), keyvals...)
	return append(enriched, "cid", cid)
}

func (c *Client) logTraceCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Trace(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logDebugCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Debug(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logWarnCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Warn(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logDebug(msg string, keyvals ...any) {
	c.logDebugCtx(context.Background(), msg, keyvals...)
}

func (c *Client) logWarn(msg string, keyvals ...any) {
	c.logWarnCtx(context.Background(), msg, keyvals...)
}
