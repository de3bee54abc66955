package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ringvault/ringvault/internal/config"
	"github.com/ringvault/ringvault/internal/metrics"
	"github.com/ringvault/ringvault/internal/registry"
)

func init() {
	// Register metrics once for the entire test binary so that tests
	// checking /metrics output see the expected collectors.
	metrics.Register()
}

type fakeHealth struct{ err error }

func (f fakeHealth) HealthCheck(context.Context) error { return f.err }

type fakeInstances struct {
	records []*registry.InstanceRecord
	lookups map[int]registry.Lookup
	listErr error
}

func (f *fakeInstances) GetAllIDs(ctx context.Context, app string) ([]*registry.InstanceRecord, error) {
	return f.records, f.listErr
}

func (f *fakeInstances) GetInstance(ctx context.Context, app, dc string, id int) registry.Lookup {
	if l, ok := f.lookups[id]; ok {
		return l
	}
	return registry.Lookup{Status: registry.NotFound}
}

type fakeCleaner struct {
	calls int
	err   error
}

func (f *fakeCleaner) Cleanup(context.Context) error {
	f.calls++
	return f.err
}

func newTestServer(t *testing.T, opts ...Option) http.Handler {
	t.Helper()
	return New(config.Default(), opts...).Handler()
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, WithHealthChecker(fakeHealth{}))
	w := do(t, h, http.MethodGet, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	var body HealthBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.Status != "ok" {
		t.Errorf("body = %s, err = %v", w.Body, err)
	}
	if w.Header().Get("X-Request-Id") == "" || w.Header().Get("Server") != "ringvault" {
		t.Errorf("missing common headers: %v", w.Header())
	}
}

func TestHealthUnavailable(t *testing.T) {
	h := newTestServer(t, WithHealthChecker(fakeHealth{err: errors.New("down")}))
	if w := do(t, h, http.MethodGet, "/health"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("GET status = %d", w.Code)
	}
	if w := do(t, h, http.MethodHead, "/health"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("HEAD status = %d", w.Code)
	}
}

func TestListInstancesSorted(t *testing.T) {
	fake := &fakeInstances{records: []*registry.InstanceRecord{
		{App: "fake-app", ID: 3}, {App: "fake-app", ID: 1}, {App: "fake-app", ID: 2},
	}}
	h := newTestServer(t, WithInstances(fake))

	w := do(t, h, http.MethodGet, "/instances/fake-app")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	var body struct {
		Instances []InstanceBody `json:"instances"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Instances) != 3 {
		t.Fatalf("instances = %+v", body.Instances)
	}
	for i, inst := range body.Instances {
		if inst.ID != i+1 {
			t.Errorf("instances[%d].ID = %d", i, inst.ID)
		}
	}
}

func TestListInstancesFailure(t *testing.T) {
	h := newTestServer(t, WithInstances(&fakeInstances{listErr: errors.New("boom")}))
	if w := do(t, h, http.MethodGet, "/instances/fake-app"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", w.Code)
	}
}

func TestGetInstanceStatuses(t *testing.T) {
	fake := &fakeInstances{lookups: map[int]registry.Lookup{
		1: {Status: registry.Found, Record: &registry.InstanceRecord{App: "fake-app", Datacenter: "us-east-1", ID: 1, Token: "T1"}},
		2: {Status: registry.Unavailable, Err: errors.New("timeout")},
	}}
	h := newTestServer(t, WithInstances(fake))

	tests := []struct {
		path string
		want int
	}{
		{"/instances/fake-app/us-east-1/1", http.StatusOK},
		{"/instances/fake-app/us-east-1/2", http.StatusServiceUnavailable},
		{"/instances/fake-app/us-east-1/3", http.StatusNotFound},
		{"/instances/fake-app/us-east-1/abc", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := do(t, h, http.MethodGet, tt.path)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body)
			}
		})
	}

	w := do(t, h, http.MethodGet, "/instances/fake-app/us-east-1/1")
	var body InstanceBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.Token != "T1" {
		t.Errorf("body = %s, err = %v", w.Body, err)
	}
}

func TestInstancesWithoutRegistry(t *testing.T) {
	h := newTestServer(t)
	if w := do(t, h, http.MethodGet, "/instances/fake-app"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", w.Code)
	}
}

func TestCleanup(t *testing.T) {
	c := &fakeCleaner{}
	h := newTestServer(t, WithCleaner(c))
	if w := do(t, h, http.MethodPost, "/cleanup"); w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	if c.calls != 1 {
		t.Errorf("calls = %d", c.calls)
	}

	c.err = errors.New("denied")
	if w := do(t, h, http.MethodPost, "/cleanup"); w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, WithHealthChecker(fakeHealth{}))
	do(t, h, http.MethodGet, "/health")

	w := do(t, h, http.MethodGet, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	for _, name := range []string{"ringvault_http_requests_total", "ringvault_async_queue_depth", "ringvault_upload_bytes_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("/metrics missing %s", name)
		}
	}
}

func TestOpenAPIDocument(t *testing.T) {
	h := newTestServer(t)
	w := do(t, h, http.MethodGet, "/openapi.json")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var doc map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	paths, _ := doc["paths"].(map[string]any)
	for _, p := range []string{"/health", "/instances/{app}", "/instances/{app}/{dc}/{id}", "/cleanup"} {
		if _, ok := paths[p]; !ok {
			t.Errorf("OpenAPI document missing %s", p)
		}
	}
}
