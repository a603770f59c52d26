package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicebridge/voicebridge/internal/media"
	"github.com/voicebridge/voicebridge/internal/metrics"
)

type staticCalls struct {
	active int
	stats  media.StatsSnapshot
}

func (s staticCalls) ActiveCalls() int              { return s.active }
func (s staticCalls) RTPStats() media.StatsSnapshot { return s.stats }

func TestHealthzOK(t *testing.T) {
	srv := NewServer(prometheus.NewRegistry(), map[string]HealthChecker{
		"asterisk": HealthCheckFunc(func(context.Context) error { return nil }),
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if resp.Status != "ok" || resp.Checks["asterisk"] != "ok" {
		t.Errorf("response = %+v", resp)
	}
}

func TestHealthzDegraded(t *testing.T) {
	srv := NewServer(prometheus.NewRegistry(), map[string]HealthChecker{
		"asterisk": HealthCheckFunc(func(context.Context) error { return nil }),
		"backend":  HealthCheckFunc(func(context.Context) error { return errors.New("unreachable") }),
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if resp.Status != "degraded" || resp.Checks["backend"] != "unreachable" {
		t.Errorf("response = %+v", resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(staticCalls{
		active: 2,
		stats:  media.StatsSnapshot{PacketsIn: 100, PacketsOut: 90, UnderflowFills: 3},
	}, nil, time.Now())
	registry.MustRegister(collector)

	srv := NewServer(registry, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"voicebridge_active_calls 2",
		"voicebridge_rtp_packets_in_total 100",
		"voicebridge_rtp_underflow_fills_total 3",
		"voicebridge_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics body missing %q", want)
		}
	}
}
