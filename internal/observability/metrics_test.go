package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestObserveRoundRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSimulationCollector(reg)
	if err != nil {
		t.Fatalf("NewSimulationCollector: %v", err)
	}

	collector.ObserveRound(7, 1500*time.Millisecond)
	collector.ObserveRound(8, 2*time.Second)

	if got := testutil.ToFloat64(collector.Rounds); got != 2 {
		t.Fatalf("sim_rounds_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.CurrentRound); got != 8 {
		t.Fatalf("sim_current_round = %v, want 8", got)
	}
	if count := histogramSampleCount(t, reg, "sim_round_work_duration_seconds", nil); count != 2 {
		t.Fatalf("sim_round_work_duration_seconds sample_count = %d, want 2", count)
	}
}

func TestRecordExploitAndSubmission(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSimulationCollector(reg)
	if err != nil {
		t.Fatalf("NewSimulationCollector: %v", err)
	}

	collector.RecordExploit("CVExchange", "OK", true)
	collector.RecordExploit("CVExchange", "OK", false)
	collector.RecordExploit("CVExchange", "OFFLINE", false)
	collector.RecordSubmission(true, 3)
	collector.RecordSubmission(false, 2)

	if got := testutil.ToFloat64(collector.ExploitRequests.WithLabelValues("CVExchange", "OK")); got != 2 {
		t.Fatalf("exploit OK = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.FlagsCaptured.WithLabelValues("CVExchange")); got != 1 {
		t.Fatalf("flags captured = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.Submissions.WithLabelValues(OutcomeFailed)); got != 1 {
		t.Fatalf("failed submissions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.SubmittedFlags); got != 3 {
		t.Fatalf("submitted flags = %v, want 3", got)
	}
}

func TestRegisterTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewSimulationCollector(reg)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := NewSimulationCollector(reg)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	first.SetTeamScore("Team A", 10, 10)
	if got := testutil.ToFloat64(second.TeamPoints.WithLabelValues("Team A")); got != 10 {
		t.Fatalf("shared gauge = %v, want 10", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *SimulationCollector
	c.ObserveRound(1, time.Second)
	c.RecordExploit("svc", "OK", true)
	c.RecordSubmission(true, 1)
	c.SetTeamScore("t", 1, 1)
	c.SetHostStats("vulnbox1", 1, 2, 3, nil)
}

func TestMetricsHandlerExposesSimulationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSimulationCollector(reg)
	if err != nil {
		t.Fatalf("NewSimulationCollector: %v", err)
	}
	collector.ObserveRound(3, time.Second)
	collector.SetTeamScore("Team A", 42.5, 2.5)
	collector.SetHostStats("vulnbox1", 0.75, 4096, 1024, map[string]float64{"engine": 512})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"sim_rounds_total",
		"sim_round_work_duration_seconds",
		`sim_team_points{team="Team A"} 42.5`,
		`sim_team_gain{team="Team A"} 2.5`,
		`sim_host_load1{host="vulnbox1"} 0.75`,
		`sim_container_memory_usage_bytes{container="engine",host="vulnbox1"} 512`,
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output:\n%s", metric, body)
		}
	}
}

func TestInitTracingDisabledIsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := Tracer().Start(context.Background(), "round")
	if span.SpanContext().IsValid() {
		t.Fatalf("noop tracer produced a valid span context")
	}
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, nil)
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin", SampleRatio: 1}, nil)
	if err == nil {
		t.Fatalf("expected error for unknown exporter")
	}
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("SIM_TRACING_ENABLED", "TRUE")
	t.Setenv("SIM_TRACING_EXPORTER", "OTLP")
	t.Setenv("SIM_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("SIM_TRACING_SAMPLE_RATIO", "2")

	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.Endpoint != "collector:4317" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.SampleRatio != 1 {
		t.Fatalf("out-of-range ratio should fall back to 1, got %v", cfg.SampleRatio)
	}
	if cfg.ServiceName != "enosimulator" {
		t.Fatalf("ServiceName = %q", cfg.ServiceName)
	}
}

func TestSampleRatio(t *testing.T) {
	tests := map[string]float64{"": 1, "0.25": 0.25, "0": 0, "-1": 1, "abc": 1}
	for raw, want := range tests {
		if got := sampleRatio(raw); got != want {
			t.Fatalf("sampleRatio(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestFailSpanMarksError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, span := tp.Tracer("test").Start(context.Background(), "orchestrator.discover_services")
	FailSpan(span, errors.New("connection refused"), "service discovery failed")
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d", len(ended))
	}
	if st := ended[0].Status(); st.Code != codes.Error || st.Description != "service discovery failed" {
		t.Fatalf("status = %+v", st)
	}
	if len(ended[0].Events()) != 1 {
		t.Fatalf("expected the error to be recorded as an event")
	}
	FailSpan(nil, nil, "ignored")
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
