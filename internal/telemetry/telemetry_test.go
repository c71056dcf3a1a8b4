package telemetry

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestParseOTLPTarget(t *testing.T) {
	cases := []struct {
		raw  string
		want otlpTarget
	}{
		{"collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"collector:9999", otlpTarget{protocol: "grpc", endpoint: "collector:9999", insecure: true}},
		{"grpcs://otel.example.com", otlpTarget{protocol: "grpc", endpoint: "otel.example.com:4317"}},
		{"http://otel.local/v1/traces/", otlpTarget{protocol: "http", endpoint: "otel.local:4318", path: "/v1/traces", insecure: true}},
		{"https://otel.example.com:443", otlpTarget{protocol: "http", endpoint: "otel.example.com:443"}},
	}
	for _, tc := range cases {
		got, err := parseOTLPTarget(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %+v want %+v", tc.raw, got, tc.want)
		}
	}
	for _, raw := range []string{"", "ftp://x", "http://"} {
		if _, err := parseOTLPTarget(raw); err == nil {
			t.Fatalf("%q: expected error", raw)
		}
	}
}

func TestSetupDisabled(t *testing.T) {
	b, err := Setup(context.Background(), Config{}, nil)
	if err != nil || b != nil {
		t.Fatalf("expected nil bundle, got %v %v", b, err)
	}
	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
	if _, err := Setup(context.Background(), Config{RuntimeMetrics: true}, nil); err == nil {
		t.Fatal("runtime metrics without listener must fail")
	}
}

func TestSetupServesMetrics(t *testing.T) {
	prev := otel.GetMeterProvider()
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	b, err := Setup(context.Background(), Config{MetricsListen: "127.0.0.1:0"}, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})

	counter, err := otel.Meter("waitroom.test").Int64Counter("waitroom.test.hits")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 3)

	resp, err := http.Get("http://" + b.MetricsAddr() + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "test_hits") && !strings.Contains(string(body), "test.hits") {
		t.Fatalf("metric missing from scrape:\n%s", body)
	}
}
