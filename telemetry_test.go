package familia

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw  string
		want otlpTarget
	}{
		{"collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"collector:9000", otlpTarget{protocol: "grpc", endpoint: "collector:9000", insecure: true}},
		{"grpc://collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"grpcs://collector:443", otlpTarget{protocol: "grpc", endpoint: "collector:443"}},
		{"http://collector/v1/traces/", otlpTarget{protocol: "http", endpoint: "collector:4318", path: "/v1/traces", insecure: true}},
		{"https://collector", otlpTarget{protocol: "http", endpoint: "collector:4318"}},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %+v, got %+v", tc.raw, tc.want, got)
		}
	}
	for _, raw := range []string{"", "ftp://collector", "grpc://"} {
		if _, err := resolveOTLPTarget(raw); err == nil {
			t.Fatalf("%q: expected error", raw)
		}
	}
}

func TestStartTelemetryDisabled(t *testing.T) {
	tel, err := StartTelemetry(context.Background(), TelemetryConfig{}, nil)
	if err != nil || tel != nil {
		t.Fatalf("expected nil telemetry, got %v %v", tel, err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
}

func TestStartTelemetryMetricsEndpoint(t *testing.T) {
	ctx := context.Background()
	tel, err := StartTelemetry(ctx, TelemetryConfig{MetricsListen: "127.0.0.1:0"}, nil)
	if err != nil {
		t.Fatalf("start telemetry: %v", err)
	}
	defer tel.Shutdown(ctx)
	resp, err := http.Get("http://" + tel.MetricsAddr() + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "target_info") {
		t.Fatalf("expected target_info in scrape, got %q", body)
	}
}

func TestStartTelemetryProfilingNeedsMetrics(t *testing.T) {
	if _, err := StartTelemetry(context.Background(), TelemetryConfig{EnableProfilingMetrics: true}, nil); err == nil {
		t.Fatal("expected error")
	}
}
