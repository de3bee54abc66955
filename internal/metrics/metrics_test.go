package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/metrics", "/metrics"},
		{"/docs", "/docs"},
		{"/docs/assets/app.js", "/docs"},
		{"/openapi.json", "/openapi.json"},
		{"/", "/"},
		{"", "/"},
		{"/instances", "/instances"},
		{"/instances/fake-app", "/instances/{app}"},
		{"/instances/fake-app/", "/instances/{app}"},
		{"/instances/fake-app/us-east-1/7", "/instances/{app}/{dc}/{id}"},
		{"/random/thing", "/other"},
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

	UploadsTotal.WithLabelValues("single", ResultSuccess).Inc()
	PartUploadsTotal.WithLabelValues(ResultFailure).Inc()
	AsyncQueueDepth.Set(3)
	RegistryOperationsTotal.WithLabelValues("create", ResultSuccess).Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.001)

	if got := testutil.ToFloat64(AsyncQueueDepth); got != 3 {
		t.Errorf("AsyncQueueDepth = %v, want 3", got)
	}
}

func TestResult(t *testing.T) {
	if Result(nil) != ResultSuccess {
		t.Error("Result(nil) should be success")
	}
	if Result(errors.New("x")) != ResultFailure {
		t.Error("Result(err) should be failure")
	}
}
