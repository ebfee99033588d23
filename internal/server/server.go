// Package server implements the gateway HTTP server and its S3 route
// multiplexer.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/i-harbor/iharbor-s3/internal/config"
	s3err "github.com/i-harbor/iharbor-s3/internal/errors"
	"github.com/i-harbor/iharbor-s3/internal/handlers"
	"github.com/i-harbor/iharbor-s3/internal/metadata"
	"github.com/i-harbor/iharbor-s3/internal/multipart"
	"github.com/i-harbor/iharbor-s3/internal/storage"
	"github.com/i-harbor/iharbor-s3/internal/xmlutil"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ownerID is reported as the initiator and owner of every upload and bucket.
const ownerID = "iharbor"

// healthTimeout bounds the backend probes of the health check.
const healthTimeout = 5 * time.Second

// Server is the gateway HTTP server. It routes incoming requests to the
// S3 handler selected by the request method, path and query.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	meta       metadata.Store
	store      storage.ByteStore
	mgr        *multipart.Manager
	bucket     *handlers.BucketHandler
	object     *handlers.ObjectHandler
	multi      *handlers.MultipartHandler
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status   string `json:"status" example:"ok" doc:"Overall health status"`
	Metadata string `json:"metadata" example:"ok" doc:"Metadata store status"`
	Storage  string `json:"storage" example:"ok" doc:"Byte store status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithManager makes the server use mgr instead of building its own upload
// manager from the configuration. The reaper shares the manager this way.
func WithManager(mgr *multipart.Manager) Option {
	return func(s *Server) {
		s.mgr = mgr
	}
}

// New creates a Server over the given metadata and byte stores and wires
// the S3 routes on a Chi router with a Huma API.
func New(cfg *config.Config, meta metadata.Store, store storage.ByteStore, opts ...Option) (*Server, error) {
	if meta == nil || store == nil {
		return nil, errors.New("server: metadata and byte stores are required")
	}
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("iHarbor S3 Multipart API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
		meta:   meta,
		store:  store,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.mgr == nil {
		s.mgr = multipart.NewManager(meta, store, multipart.OptionsFromConfig(cfg.Multipart))
	}

	s.bucket = handlers.NewBucketHandler(meta, ownerID, ownerID, cfg.Server.Region)
	s.object = handlers.NewObjectHandler(meta, store)
	s.multi = handlers.NewMultipartHandler(meta, s.mgr, ownerID, ownerID, cfg.Multipart.KeepAliveInterval)

	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> requestLogger -> transferEncodingCheck -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = transferEncodingCheck(handler)
	handler = requestLogger(handler)
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
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

// registerRoutes configures all routes on the Chi router.
// Huma routes (/health, /docs, /openapi.json) and /metrics are registered first.
// The S3 catch-all /* is registered last. Chi matches more specific routes first.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Reports whether the metadata store and the byte store are reachable.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		body, ok := s.checkHealth(ctx)
		if !ok {
			return nil, huma.Error503ServiceUnavailable("backend unavailable: metadata " + body.Metadata + ", storage " + body.Storage)
		}
		return &HealthOutput{Body: body}, nil
	})

	// Register HEAD /health separately (Huma only does one method per registration).
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, ok := s.checkHealth(r.Context()); !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	s.router.Handle("/metrics", promhttp.Handler())

	s.router.HandleFunc("/*", s.dispatch)
}

func (s *Server) checkHealth(ctx context.Context) (HealthBody, bool) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	body := HealthBody{Status: "ok", Metadata: "ok", Storage: "ok"}
	ok := true
	if err := s.meta.Ping(ctx); err != nil {
		body.Metadata = "unavailable"
		ok = false
	}
	if err := s.store.HealthCheck(ctx); err != nil {
		body.Storage = "unavailable"
		ok = false
	}
	if !ok {
		body.Status = "degraded"
	}
	return body, ok
}

// parsePath extracts bucket and object key from the request path.
// Returns ("", "") for root "/", ("bucket", "") for "/{bucket}",
// and ("bucket", "key/path") for "/{bucket}/{key...}".
func parsePath(path string) (bucket, key string) {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}

// dispatch routes S3 requests by HTTP method and query parameters. Only the
// bucket bootstrap, the multipart lifecycle and object reads are served;
// everything else is NotImplemented.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	bucket, key := parsePath(r.URL.Path)
	q := r.URL.Query()

	if bucket == "" {
		if r.Method == http.MethodGet {
			s.bucket.ListBuckets(w, r)
			return
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		return
	}

	if key != "" {
		switch {
		case r.Method == http.MethodPut && q.Has("partNumber") && q.Has("uploadId"):
			s.multi.UploadPart(w, r)
		case r.Method == http.MethodPost && q.Has("uploads"):
			s.multi.CreateMultipartUpload(w, r)
		case r.Method == http.MethodPost && q.Has("uploadId"):
			s.multi.CompleteMultipartUpload(w, r)
		case r.Method == http.MethodDelete && q.Has("uploadId"):
			s.multi.AbortMultipartUpload(w, r)
		case r.Method == http.MethodGet && q.Has("uploadId"):
			s.multi.ListParts(w, r)
		case r.Method == http.MethodGet && !q.Has("acl") && !q.Has("tagging"):
			s.object.GetObject(w, r)
		case r.Method == http.MethodHead:
			s.object.HeadObject(w, r)
		default:
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		}
		return
	}

	switch r.Method {
	case http.MethodPut:
		if len(q) == 0 {
			s.bucket.CreateBucket(w, r)
			return
		}
	case http.MethodGet:
		if q.Has("uploads") {
			s.multi.ListMultipartUploads(w, r)
			return
		}
	case http.MethodHead:
		s.bucket.HeadBucket(w, r)
		return
	case http.MethodDelete:
		if len(q) == 0 {
			s.bucket.DeleteBucket(w, r)
			return
		}
	}
	xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
}
