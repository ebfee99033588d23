package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/docs", "/docs"},
		{"/docs/", "/docs"},
		{"/docs/something", "/docs"},
		{"/metrics", "/metrics"},
		{"/openapi.json", "/openapi.json"},
		{"/", "/"},
		{"", "/"},
		{"/my-bucket", "/{bucket}"},
		{"/my-bucket/", "/{bucket}"}, // trailing slash, no key
		{"/my-bucket/my-key", "/{bucket}/{key}"},
		{"/my-bucket/path/to/object", "/{bucket}/{key}"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMetricsRegistered(t *testing.T) {
	Register()
	Register()

	HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.001)
	HTTPResponseSize.WithLabelValues("GET", "/{bucket}/{key}").Observe(2048)
	CompletionDuration.Observe(1.5)
	ComposedBytes.Observe(14 << 20)
	PartsUploadedTotal.Inc()
	PartBytesTotal.Add(6 << 20)
	CleanupFailuresTotal.WithLabelValues("part_bytes").Inc()
	ComposingUploads.Inc()
	ComposingUploads.Dec()
	ReaperRunsTotal.WithLabelValues("success").Inc()
	ReaperReclaimedTotal.Add(3)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{
		"iharbor_multipart_completions_total",
		"iharbor_multipart_aborts_total",
		"iharbor_reaper_reclaimed_total",
	} {
		if !found[name] {
			t.Errorf("metric %q not gathered", name)
		}
	}
}

func TestCompletionsCounter(t *testing.T) {
	c := CompletionsTotal.WithLabelValues("success")
	before := counterValue(t, c)
	c.Inc()
	if got := counterValue(t, c); got != before+1 {
		t.Errorf("counter: got %v, want %v", got, before+1)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}
