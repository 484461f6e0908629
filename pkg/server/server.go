// Package server exposes the catalog, conversion and validation over HTTP
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/paulmach/orb/geojson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kass/go-geo-explorer/pkg/catalog"
	"github.com/kass/go-geo-explorer/pkg/filter"
	"github.com/kass/go-geo-explorer/pkg/formats"
	"github.com/kass/go-geo-explorer/pkg/ingest"
	"github.com/kass/go-geo-explorer/pkg/schema"
)

const DefaultMaxUploadBytes = 32 << 20

var (
	ErrPublishDisabled = errors.New("publishing is not configured")
	ErrBadRequest      = errors.New("bad request")
)

// Publisher stores a layer in an external database
type Publisher interface {
	BulkInsertFeatures(ctx context.Context, layerID, title string, features []*geojson.Feature) (int, error)
}

// Server holds the HTTP handlers
type Server struct {
	catalog   *catalog.Catalog
	ingest    *ingest.Service
	publisher Publisher

	maxUpload int64
	origins   []string
	logger    *zap.Logger
	tracer    trace.Tracer
}

// Option configures a Server
type Option func(*Server)

// WithPublisher enables POST /api/layers/{id}/publish
func WithPublisher(p Publisher) Option {
	return func(s *Server) {
		s.publisher = p
	}
}

// WithMaxUploadBytes limits request bodies
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithAllowedOrigins sets the CORS origins
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.origins = origins
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Server for the catalog c using svc for conversions
func New(c *catalog.Catalog, svc *ingest.Service, opts ...Option) *Server {
	s := &Server{
		catalog:   c,
		ingest:    svc,
		maxUpload: DefaultMaxUploadBytes,
		origins:   []string{"*"},
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("github.com/kass/go-geo-explorer/pkg/server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler wrapped in CORS and request logging
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestID, s.logRequests, s.traceRequests)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/upload/", s.handleUpload).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/schemas", s.handleSchemas).Methods(http.MethodGet)
	api.HandleFunc("/schema", s.handleSchema).Methods(http.MethodGet)
	api.HandleFunc("/validate", s.handleValidate).Methods(http.MethodPost)

	api.HandleFunc("/layers", s.handleListLayers).Methods(http.MethodGet)
	api.HandleFunc("/layers", s.handleAddLayer).Methods(http.MethodPost)
	api.HandleFunc("/layers/{id}", s.handleGetLayer).Methods(http.MethodGet)
	api.HandleFunc("/layers/{id}", s.handleRemoveLayer).Methods(http.MethodDelete)
	api.HandleFunc("/layers/{id}", s.handleUpdateLayer).Methods(http.MethodPatch)
	api.HandleFunc("/layers/{id}/features", s.handleFeatures).Methods(http.MethodGet)
	api.HandleFunc("/layers/{id}/columns", s.handleColumns).Methods(http.MethodGet)
	api.HandleFunc("/layers/{id}/values/{column}", s.handleValues).Methods(http.MethodGet)
	api.HandleFunc("/layers/{id}/validate", s.handleValidateLayer).Methods(http.MethodGet)
	api.HandleFunc("/layers/{id}/export", s.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/layers/{id}/publish", s.handlePublish).Methods(http.MethodPost)

	api.HandleFunc("/filter", s.handleFilter).Methods(http.MethodPost)
	api.HandleFunc("/filter", s.handleClearFilter).Methods(http.MethodDelete)
	api.HandleFunc("/filter/export", s.handleExportFilter).Methods(http.MethodPost)

	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	headersOk := handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type", "Referer", requestIDHeader})
	originsOk := handlers.AllowedOrigins(s.origins)
	methodsOk := handlers.AllowedMethods([]string{"GET", "HEAD", "POST", "PATCH", "DELETE", "OPTIONS"})

	return handlers.CORS(originsOk, headersOk, methodsOk)(r)
}

// HTTPServer builds the http.Server serving Handler on addr
func (s *Server) HTTPServer(addr string, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  time.Minute,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"layers": s.catalog.Len(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status code and writes it as {"error": ...}
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	trace.SpanFromContext(r.Context()).RecordError(err)
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	var perr *formats.ParseError
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, filter.ErrInvalidExpression),
		errors.Is(err, ingest.ErrMissingInput),
		errors.Is(err, ingest.ErrInvalidURL),
		errors.Is(err, catalog.ErrInvalidBBox),
		errors.Is(err, schema.ErrInvalidDocument),
		errors.Is(err, catalog.ErrEmptyLayer),
		errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrLayerNotFound),
		errors.Is(err, catalog.ErrNoSchema):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrNoActiveFilter):
		return http.StatusConflict
	case errors.Is(err, ingest.ErrTooLarge), errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, formats.ErrUnsupportedFormat),
		errors.Is(err, formats.ErrUnsupportedProjection),
		errors.Is(err, formats.ErrNoFeatures),
		errors.Is(err, catalog.ErrNoMatches),
		errors.As(err, &perr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ingest.ErrFetch):
		return http.StatusBadGateway
	case errors.Is(err, ErrPublishDisabled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
