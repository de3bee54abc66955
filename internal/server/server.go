// Package server implements the ringvault operator HTTP API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ringvault/ringvault/internal/config"
	"github.com/ringvault/ringvault/internal/registry"
)

// HealthChecker reports whether the object store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// InstanceReader is the read side of the instance registry.
type InstanceReader interface {
	GetAllIDs(ctx context.Context, app string) ([]*registry.InstanceRecord, error)
	GetInstance(ctx context.Context, app, datacenter string, id int) registry.Lookup
}

// Cleaner enforces the backup retention rule.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Server is the ringvault HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	health     HealthChecker
	instances  InstanceReader
	cleaner    Cleaner
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// InstanceBody is the JSON form of one instance record.
type InstanceBody struct {
	App        string            `json:"app"`
	Datacenter string            `json:"datacenter"`
	ID         int               `json:"id"`
	InstanceID string            `json:"instanceId"`
	Hostname   string            `json:"hostname"`
	HostIP     string            `json:"ip"`
	Rack       string            `json:"rack"`
	Token      string            `json:"token"`
	Volumes    map[string]string `json:"volumes"`
}

// InstanceOutput wraps a single instance.
type InstanceOutput struct {
	Body InstanceBody
}

// InstanceListOutput wraps every instance of an app, sorted by id.
type InstanceListOutput struct {
	Body struct {
		Instances []InstanceBody `json:"instances"`
	}
}

// CleanupOutput reports a retention reconcile.
type CleanupOutput struct {
	Body struct {
		Status string `json:"status" example:"ok"`
	}
}

type appInput struct {
	App string `path:"app" doc:"Application name"`
}

type instanceInput struct {
	App        string `path:"app" doc:"Application name"`
	Datacenter string `path:"dc" doc:"Datacenter (region)"`
	ID         int    `path:"id" doc:"Instance ordinal"`
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithHealthChecker sets the dependency probed by /health.
func WithHealthChecker(h HealthChecker) Option {
	return func(s *Server) { s.health = h }
}

// WithInstances sets the registry served under /instances.
func WithInstances(r InstanceReader) Option {
	return func(s *Server) { s.instances = r }
}

// WithCleaner enables POST /cleanup.
func WithCleaner(c Cleaner) Option {
	return func(s *Server) { s.cleaner = c }
}

// New creates a Server and registers its routes on a Chi router with a
// Huma API.
func New(cfg *config.Config, opts ...Option) *Server {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("ringvault API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)
	return handler
}

// ListenAndServe starts the HTTP server on the configured address.
func (s *Server) ListenAndServe() error {
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	slog.Info("HTTP server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Probes the configured object store.",
		Tags:        []string{"System"},
	}, s.getHealth)

	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if s.health != nil && s.health.HealthCheck(r.Context()) != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/instances/{app}",
		Summary:     "List instances",
		Description: "Returns every readable instance record of an app, sorted by id.",
		Tags:        []string{"Instances"},
	}, s.listInstances)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/instances/{app}/{dc}/{id}",
		Summary:     "Get instance",
		Description: "Returns one instance record. 404 means the record does not exist; 503 means it could not be read.",
		Tags:        []string{"Instances"},
	}, s.getInstance)

	huma.Register(s.api, huma.Operation{
		OperationID: "post-cleanup",
		Method:      http.MethodPost,
		Path:        "/cleanup",
		Summary:     "Reconcile retention",
		Description: "Creates or updates the expiration rule of the cluster prefix.",
		Tags:        []string{"Backup"},
	}, s.cleanup)

	s.router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) getHealth(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	if s.health != nil {
		if err := s.health.HealthCheck(ctx); err != nil {
			slog.Warn("Health check failed", "error", err)
			return nil, huma.Error503ServiceUnavailable("object store unreachable", err)
		}
	}
	return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
}

func (s *Server) listInstances(ctx context.Context, in *appInput) (*InstanceListOutput, error) {
	if s.instances == nil {
		return nil, huma.Error503ServiceUnavailable("instance registry not configured")
	}
	records, err := s.instances.GetAllIDs(ctx, in.App)
	if err != nil {
		return nil, huma.Error503ServiceUnavailable("listing instances failed", err)
	}
	registry.Sort(records)

	out := &InstanceListOutput{}
	out.Body.Instances = make([]InstanceBody, 0, len(records))
	for _, rec := range records {
		out.Body.Instances = append(out.Body.Instances, toBody(rec))
	}
	return out, nil
}

func (s *Server) getInstance(ctx context.Context, in *instanceInput) (*InstanceOutput, error) {
	if s.instances == nil {
		return nil, huma.Error503ServiceUnavailable("instance registry not configured")
	}
	lookup := s.instances.GetInstance(ctx, in.App, in.Datacenter, in.ID)
	switch lookup.Status {
	case registry.Found:
		return &InstanceOutput{Body: toBody(lookup.Record)}, nil
	case registry.NotFound:
		return nil, huma.Error404NotFound("instance not found")
	default:
		err := lookup.Err
		if err == nil {
			err = errors.New("record unavailable")
		}
		return nil, huma.Error503ServiceUnavailable("instance record unavailable", err)
	}
}

func (s *Server) cleanup(ctx context.Context, _ *struct{}) (*CleanupOutput, error) {
	if s.cleaner == nil {
		return nil, huma.Error503ServiceUnavailable("retention not configured")
	}
	if err := s.cleaner.Cleanup(ctx); err != nil {
		return nil, huma.Error500InternalServerError("retention reconcile failed", err)
	}
	out := &CleanupOutput{}
	out.Body.Status = "ok"
	return out, nil
}

func toBody(rec *registry.InstanceRecord) InstanceBody {
	return InstanceBody{
		App:        rec.App,
		Datacenter: rec.Datacenter,
		ID:         rec.ID,
		InstanceID: rec.InstanceID,
		Hostname:   rec.Hostname,
		HostIP:     rec.HostIP,
		Rack:       rec.Rack,
		Token:      rec.Token,
		Volumes:    rec.Volumes,
	}
}
