// Package api provides the HTTP REST API server for macropanel.
//
// It exposes endpoints to list sources, inspect dataflow structures, build
// query keys, run pulls and scrape metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/seenimoa/macropanel/internal/config"
	"github.com/seenimoa/macropanel/internal/infra"
	"github.com/seenimoa/macropanel/internal/provider"
	"github.com/seenimoa/macropanel/internal/pull"
	"github.com/seenimoa/macropanel/internal/sdmx"
	"github.com/seenimoa/macropanel/internal/tidy"
)

// Options holds the collaborators of a Server.
type Options struct {
	Registry *provider.Registry
	// Engine resolves structures for the structure and key endpoints.
	Engine  *pull.Engine
	Metrics *infra.Metrics
	Logger  zerolog.Logger
	Version string
}

// Server is the HTTP API server.
type Server struct {
	router  chi.Router
	cfg     *config.Config
	reg     *provider.Registry
	engine  *pull.Engine
	metrics *infra.Metrics
	log     zerolog.Logger
	version string
}

// NewServer creates a configured API server with all routes and middleware.
func NewServer(cfg *config.Config, opts Options) *Server {
	if opts.Registry == nil {
		opts.Registry = provider.Global()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	srv := &Server{
		cfg:     cfg,
		reg:     opts.Registry,
		engine:  opts.Engine,
		metrics: opts.Metrics,
		log:     opts.Logger,
		version: opts.Version,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ListenAndServe starts the HTTP server and shuts it down gracefully on
// SIGINT or SIGTERM.
func (s *Server) ListenAndServe(addr string) error {
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("api listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-done:
	}
	s.log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(ctx)
}

// buildRouter configures all routes and middleware.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// CORS
	origins := []string{"*"}
	if len(s.cfg.API.CORSOrigins) > 0 {
		origins = s.cfg.API.CORSOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	// Health check
	r.Get("/health", s.handleHealth)

	// Prometheus
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Sources and datasets
		r.Get("/sources", s.handleSources)

		// Structure inspection and key construction
		r.With(middleware.Timeout(5*time.Minute)).Get("/structure", s.handleStructure)
		r.With(middleware.Timeout(5*time.Minute)).Post("/key", s.handleKey)

		// Pulls
		r.Post("/pull/{id}", s.handlePull)

		// Configuration
		r.Get("/config", s.handleGetConfig)
		r.Get("/config/credentials", s.handleGetCredentials)
	})

	return r
}

// requestLogger logs one line per request and counts it by route pattern.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.IncServed(route, status)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// ============================================================
// Request / response types
// ============================================================

// APIResponse is the standard JSON envelope.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DatasetInfo describes one pull of a source.
type DatasetInfo struct {
	ID          provider.Dataset `json:"id"`
	Description string           `json:"description"`
	Required    []string         `json:"required_params,omitempty"`
	Optional    []string         `json:"optional_params,omitempty"`
}

// SourceInfo is a registered provider with its datasets.
type SourceInfo struct {
	provider.ProviderInfo
	Pulls []DatasetInfo `json:"pulls"`
}

// CodeInfo is a code of a dimension.
type CodeInfo struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// DimensionInfo is a dimension of a dataflow structure.
type DimensionInfo struct {
	ID       string     `json:"id"`
	Position int        `json:"position"`
	Codelist string     `json:"codelist,omitempty"`
	Time     bool       `json:"time,omitempty"`
	Codes    []CodeInfo `json:"codes,omitempty"`
}

// StructureResponse is returned by GET /api/v1/structure.
type StructureResponse struct {
	Flow        string          `json:"flow"`
	Root        string          `json:"root"`
	TemplateKey string          `json:"template_key"`
	Order       []string        `json:"order"`
	Dimensions  []DimensionInfo `json:"dimensions"`
}

// KeyRequest is the body of POST /api/v1/key. Overrides map dimension ids
// to the codes placed at their position; absent dimensions keep the
// reference key's token.
type KeyRequest struct {
	ReferenceURL    string              `json:"reference_url"`
	StructureFormat string              `json:"structure_format,omitempty"`
	Overrides       map[string][]string `json:"overrides"`
}

// KeyResponse is the built key and its data URL.
type KeyResponse struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// PullRequest is the optional body of POST /api/v1/pull/{id}.
type PullRequest struct {
	Params map[string]string `json:"params"`
}

// PullResponse is a pull result with its rows.
type PullResponse struct {
	*provider.FetchResult
	Columns []string         `json:"columns"`
	Records []map[string]any `json:"records"`
}

// ============================================================
// Handlers
// ============================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data: map[string]any{
			"status":    "ok",
			"version":   s.version,
			"providers": len(s.reg.List()),
			"time":      time.Now().UTC().Format(time.RFC3339),
		},
	})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	infos := s.reg.List()
	out := make([]SourceInfo, 0, len(infos))
	for _, info := range infos {
		p, err := s.reg.Get(info.Name)
		if err != nil {
			continue
		}
		src := SourceInfo{ProviderInfo: info, Pulls: []DatasetInfo{}}
		for _, ds := range p.SupportedDatasets() {
			f := p.Fetcher(ds)
			src.Pulls = append(src.Pulls, DatasetInfo{
				ID:          ds,
				Description: f.Description(),
				Required:    f.RequiredParams(),
				Optional:    f.OptionalParams(),
			})
		}
		out = append(out, src)
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: out})
}

func (s *Server) handleStructure(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("url")
	if ref == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	cat, parsed, err := s.catalog(r.Context(), ref, r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: NewStructureResponse(cat, parsed)})
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	var req KeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ReferenceURL == "" {
		writeError(w, http.StatusBadRequest, "reference_url is required")
		return
	}
	cat, ref, err := s.catalog(r.Context(), req.ReferenceURL, req.StructureFormat)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	ov := sdmx.Overrides{}
	for dim, codes := range req.Overrides {
		id, ok := cat.Lookup(dim)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown dimension "+dim)
			return
		}
		ov.Set(id, codes...)
	}
	key, err := sdmx.BuildKey(cat.Order(), ref.Key, ov)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    KeyResponse{Key: key, URL: ref.DataURL(key)},
	})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	ds := provider.Dataset(chi.URLParam(r, "id"))
	var req PullRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	params := provider.QueryParams(req.Params)
	if params == nil {
		params = provider.QueryParams{}
	}
	for k, v := range r.URL.Query() {
		if k != "format" && len(v) > 0 {
			params[k] = v[0]
		}
	}

	format, err := tidy.ParseFormat(r.URL.Query().Get("format"))
	if err != nil || r.URL.Query().Get("format") == "" {
		format = tidy.FormatJSON
	}

	res, err := s.reg.Fetch(r.Context(), ds, params)
	if err != nil {
		s.log.Warn().Err(err).Str("pull", string(ds)).Msg("pull failed")
		writeError(w, statusFor(err), err.Error())
		return
	}

	if format == tidy.FormatCSV {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("X-Rows", strconv.Itoa(res.Rows))
		w.WriteHeader(http.StatusOK)
		if err := res.Table.WriteCSV(w); err != nil {
			s.log.Error().Err(err).Msg("failed to write CSV response")
		}
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data: PullResponse{
			FetchResult: res,
			Columns:     res.Table.Columns(),
			Records:     res.Table.Records(),
		},
	})
}

// catalog resolves the structure of the dataflow named by ref.
func (s *Server) catalog(ctx context.Context, ref, format string) (*sdmx.Catalog, sdmx.Reference, error) {
	if s.engine == nil {
		return nil, sdmx.Reference{}, errors.New("structure resolution is not configured")
	}
	return s.engine.Catalog(ctx, pull.Spec{
		Reference:       ref,
		StructureFormat: pull.StructureFormat(strings.ToLower(format)),
	})
}

// NewStructureResponse describes cat for clients.
func NewStructureResponse(cat *sdmx.Catalog, ref sdmx.Reference) StructureResponse {
	out := StructureResponse{
		Flow:        cat.Flow(),
		Root:        ref.Root,
		TemplateKey: ref.Key.String(),
		Order:       cat.Order(),
	}
	for _, d := range cat.Dimensions() {
		info := DimensionInfo{ID: d.ID, Position: d.Position, Codelist: d.Codelist, Time: d.Time}
		for _, c := range d.Codes {
			info.Codes = append(info.Codes, CodeInfo{ID: c.ID, Label: c.Label})
		}
		out.Dimensions = append(out.Dimensions, info)
	}
	return out
}

// statusFor maps pull errors to HTTP status codes.
func statusFor(err error) int {
	var (
		notFound    *provider.ErrProviderNotFound
		unsupported *provider.ErrDatasetNotSupported
		missing     *provider.ErrMissingParam
		structErr   *sdmx.StructureError
		codeErr     *sdmx.CodeResolutionError
		formatErr   *sdmx.FormatError
		transport   *sdmx.TransportError
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &unsupported):
		return http.StatusNotFound
	case errors.As(err, &missing):
		return http.StatusBadRequest
	case errors.As(err, &structErr), errors.As(err, &codeErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &formatErr), errors.As(err, &transport):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, APIResponse{
		Success: false,
		Error:   msg,
	})
}
