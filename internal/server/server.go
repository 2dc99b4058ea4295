// Package server wires BleepStore's HTTP routes onto a chi router and
// Huma-based health/OpenAPI surface.
package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/bleepstoreio/bleepstore/internal/auth"
	"github.com/bleepstoreio/bleepstore/internal/config"
	s3err "github.com/bleepstoreio/bleepstore/internal/errors"
	"github.com/bleepstoreio/bleepstore/internal/handlers"
	"github.com/bleepstoreio/bleepstore/internal/metadata"
	"github.com/bleepstoreio/bleepstore/internal/storage"
	"github.com/bleepstoreio/bleepstore/internal/xmlutil"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server routes S3-compatible HTTP requests to the bucket/object/multipart
// handlers, and hosts the ambient /health, /docs, /openapi and /metrics
// endpoints alongside them.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	meta       metadata.MetadataStore
	store      storage.StorageBackend
	verifier   *auth.SigV4Verifier
	bucket     *handlers.BucketHandler
	object     *handlers.ObjectHandler
	multi      *handlers.MultipartHandler
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

// ServerOption configures a Server at construction time.
type ServerOption func(*Server)

func WithMetadataStore(meta metadata.MetadataStore) ServerOption {
	return func(s *Server) { s.meta = meta }
}

func WithStorageBackend(store storage.StorageBackend) ServerOption {
	return func(s *Server) { s.store = store }
}

// New builds a Server for cfg. Dependencies are supplied via ServerOption
// values; a bare metadata.MetadataStore argument is also accepted for
// callers that predate the option pattern.
func New(cfg *config.Config, args ...interface{}) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("BleepStore S3 API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{cfg: cfg, router: router, api: api}

	for _, arg := range args {
		switch v := arg.(type) {
		case metadata.MetadataStore:
			s.meta = v
		case ServerOption:
			v(s)
		}
	}

	ownerID := cfg.Auth.AccessKey
	ownerDisplay := cfg.Auth.AccessKey
	region := cfg.Server.Region

	if s.meta != nil {
		s.verifier = auth.NewSigV4Verifier(s.meta, region)
	}

	maxObjectSize := cfg.Server.MaxObjectSize
	s.bucket = handlers.NewBucketHandler(s.meta, s.store, ownerID, ownerDisplay, region)
	s.object = handlers.NewObjectHandler(s.meta, s.store, ownerID, ownerDisplay, maxObjectSize)
	s.multi = handlers.NewMultipartHandler(s.meta, s.store, ownerID, ownerDisplay, maxObjectSize)

	s.registerRoutes()
	return s, nil
}

// ListenAndServe serves on addr. Middleware wraps the router from the
// outside in: metrics, then common headers, then the transfer-encoding
// guard, then auth, with the x-amz-meta-* header rewrite applied last so it
// sees the request exactly as a handler will.
func (s *Server) ListenAndServe(addr string) error {
	var handler http.Handler = s.router
	handler = metadataHeaderMiddleware(handler)
	if s.verifier != nil {
		handler = auth.Middleware(s.verifier)(handler)
	}
	handler = transferEncodingCheck(handler)
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)

	s.httpServer = &http.Server{Addr: addr, Handler: handler}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests until ctx is done.
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
		Description: "Returns the health status of the BleepStore server.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// HEAD /health is registered directly: Huma only binds one method per operation.
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	// Liveness and readiness probes; readiness pings the configured backends.
	if s.cfg.Observability.HealthCheck {
		s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		s.router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
			if (s.meta != nil && s.meta.Ping(r.Context()) != nil) || (s.store != nil && s.store.HealthCheck(r.Context()) != nil) {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
	}

	// S3 catch-all. Chi tries the routes above first; everything else lands here.
	s.router.HandleFunc("/*", s.dispatch)
}

// splitBucketKey extracts the bucket and object key from a request path.
// "/" yields ("", ""), "/bucket" yields ("bucket", ""), and
// "/bucket/key/with/slashes" yields ("bucket", "key/with/slashes").
func splitBucketKey(path string) (bucket, key string) {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return "", ""
	}
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		return path[:idx], path[idx+1:]
	}
	return path, ""
}

// route is one entry in a per-scope dispatch table: it fires handle when
// the request method matches and (if given) when has reports the query
// parameters it expects to see.
type route struct {
	method string
	has    []string // query parameters that must all be present
	handle http.HandlerFunc
}

func (s *Server) matchRoute(routes []route, q url.Values, method string) http.HandlerFunc {
	for _, rt := range routes {
		if rt.method != method {
			continue
		}
		matched := true
		for _, param := range rt.has {
			if !q.Has(param) {
				matched = false
				break
			}
		}
		if matched {
			return rt.handle
		}
	}
	return nil
}

// dispatch resolves a request to exactly one handler based on its scope
// (service/bucket/object), method, and distinguishing query parameters —
// S3 packs many distinct operations onto the same path and verb.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	bucket, key := splitBucketKey(r.URL.Path)
	q := r.URL.Query()

	var routes []route
	switch {
	case bucket == "":
		routes = []route{
			{method: http.MethodGet, handle: s.bucket.ListBuckets},
		}
	case key != "":
		routes = s.objectRoutes(r)
	default:
		routes = s.bucketRoutes()
	}

	if handle := s.matchRoute(routes, q, r.Method); handle != nil {
		handle(w, r)
		return
	}
	xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
}

// resolvePut picks the PUT handler for an object path, in priority order:
// a part upload (itself possibly a part-copy) beats a whole-object copy,
// which beats an ACL update, which falls back to a plain object write.
func (s *Server) resolvePut(r *http.Request, q url.Values) http.HandlerFunc {
	switch {
	case q.Has("partNumber") && q.Has("uploadId"):
		return s.multi.UploadPart
	case r.Header.Get("X-Amz-Copy-Source") != "":
		return s.object.CopyObject
	case q.Has("acl"):
		return s.object.PutObjectAcl
	default:
		return s.object.PutObject
	}
}

func (s *Server) objectRoutes(r *http.Request) []route {
	return []route{
		{method: http.MethodPut, handle: s.resolvePut(r, r.URL.Query())},
		{method: http.MethodGet, has: []string{"acl"}, handle: s.object.GetObjectAcl},
		{method: http.MethodGet, has: []string{"uploadId"}, handle: s.multi.ListParts},
		{method: http.MethodGet, handle: s.object.GetObject},
		{method: http.MethodHead, handle: s.object.HeadObject},
		{method: http.MethodDelete, has: []string{"uploadId"}, handle: s.multi.AbortMultipartUpload},
		{method: http.MethodDelete, handle: s.object.DeleteObject},
		{method: http.MethodPost, has: []string{"uploadId"}, handle: s.multi.CompleteMultipartUpload},
		{method: http.MethodPost, has: []string{"uploads"}, handle: s.multi.CreateMultipartUpload},
	}
}

func (s *Server) bucketRoutes() []route {
	return []route{
		{method: http.MethodPut, has: []string{"acl"}, handle: s.bucket.PutBucketAcl},
		{method: http.MethodPut, handle: s.bucket.CreateBucket},
		{method: http.MethodGet, has: []string{"location"}, handle: s.bucket.GetBucketLocation},
		{method: http.MethodGet, has: []string{"acl"}, handle: s.bucket.GetBucketAcl},
		{method: http.MethodGet, has: []string{"uploads"}, handle: s.multi.ListMultipartUploads},
		{method: http.MethodGet, has: []string{"list-type"}, handle: s.object.ListObjectsV2},
		{method: http.MethodGet, handle: s.object.ListObjects},
		{method: http.MethodHead, handle: s.bucket.HeadBucket},
		{method: http.MethodDelete, handle: s.bucket.DeleteBucket},
		{method: http.MethodPost, has: []string{"delete"}, handle: s.object.DeleteObjects},
	}
}
