// Package api exposes the price cache over HTTP. The server is a thin layer:
// all filtering and conversion lives in the query engine, all writing in the
// sync pipeline.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"azure-cost/db"
	"azure-cost/internal/query"
	"azure-cost/internal/syncer"
	"azure-cost/pkg/platform"
)

// Server is the HTTP API server
type Server struct {
	httpServer *http.Server
	engine     *query.Engine
	pipeline   *syncer.Pipeline
	store      db.Store
	logger     zerolog.Logger
	config     *Config
	syncing    atomic.Bool
}

// Config holds server configuration
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:         platform.GetEnvInt("PORT", 3001),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		CORSOrigins:  strings.Split(platform.GetEnv("CORS_ORIGINS", "*"), ","),
	}
}

// NewServer creates a new API server
func NewServer(engine *query.Engine, pipeline *syncer.Pipeline, store db.Store, logger zerolog.Logger, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	return &Server{
		engine:   engine,
		pipeline: pipeline,
		store:    store,
		logger:   logger,
		config:   config,
	}
}

// Router builds the route tree. Exposed for handler tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.cors)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/prices", s.handlePrices)
	r.Get("/api/prices/search", s.handleSearch)
	r.Get("/api/best-vm-prices", s.handleBestVMPrices)
	r.Get("/api/vm-list", s.handleVMList)
	r.Post("/api/sync", s.handleSync)
	r.Post("/api/sync/quick", s.handleQuickSync)

	return r
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.Router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info().Int("port", s.config.Port).Msg("API server starting")
	return s.httpServer.ListenAndServe()
}

// StartWithGracefulShutdown starts the server and drains it on SIGINT/SIGTERM.
func (s *Server) StartWithGracefulShutdown() error {
	errChan := make(chan error, 1)
	go func() {
		if err := s.Start(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case <-quit:
		s.logger.Info().Msg("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		allowed := false
		for _, o := range s.config.CORSOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// HEALTH ENDPOINT
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.jsonError(w, http.StatusServiceUnavailable, "database not ready")
		return
	}

	count, err := s.engine.PriceCount(ctx)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, "failed to count prices")
		return
	}

	resp := map[string]interface{}{
		"status":     "healthy",
		"priceCount": count,
	}
	if last, err := s.engine.LastSync(ctx); err == nil && last != nil {
		sync := map[string]interface{}{
			"id":          last.ID.String(),
			"status":      last.Status,
			"startedAt":   last.StartedAt.Format(time.RFC3339),
			"itemsSynced": last.ItemsSynced,
		}
		if last.CompletedAt != nil {
			sync["completedAt"] = last.CompletedAt.Format(time.RFC3339)
		}
		resp["lastSync"] = sync
	}

	s.jsonResponse(w, http.StatusOK, resp)
}

// =============================================================================
// PRICE ENDPOINTS
// =============================================================================

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	filter, currency := filterFromQuery(r)

	views, err := s.engine.Prices(r.Context(), filter, currency)
	if err != nil {
		s.logger.Error().Err(err).Msg("price query failed")
		s.jsonError(w, http.StatusInternalServerError, "failed to query prices")
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"count": len(views),
		"items": views,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		s.jsonError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}

	filter, currency := filterFromQuery(r)
	filter.Search = q

	views, err := s.engine.Prices(r.Context(), filter, currency)
	if err != nil {
		s.logger.Error().Err(err).Msg("price search failed")
		s.jsonError(w, http.StatusInternalServerError, "failed to search prices")
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"query": q,
		"count": len(views),
		"items": views,
	})
}

func (s *Server) handleBestVMPrices(w http.ResponseWriter, r *http.Request) {
	views, err := s.engine.BestVMPrices(r.Context(), r.URL.Query().Get("currencyCode"))
	if err != nil {
		s.logger.Error().Err(err).Msg("best VM price query failed")
		s.jsonError(w, http.StatusInternalServerError, "failed to query best VM prices")
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"count": len(views),
		"items": views,
	})
}

func (s *Server) handleVMList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := query.VMListOptions{
		Region:       q.Get("region"),
		Currency:     q.Get("currencyCode"),
		MinVCPUs:     intParam(q.Get("minVcpus")),
		MaxVCPUs:     intParam(q.Get("maxVcpus")),
		MinMemoryGiB: floatParam(q.Get("minMemory")),
		MaxMemoryGiB: floatParam(q.Get("maxMemory")),
	}
	if opts.Region == "" {
		s.jsonError(w, http.StatusBadRequest, "query parameter 'region' is required")
		return
	}

	offers, err := s.engine.VMList(r.Context(), opts)
	if err != nil {
		s.logger.Error().Err(err).Msg("VM list query failed")
		s.jsonError(w, http.StatusInternalServerError, "failed to list VMs")
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"region": opts.Region,
		"count":  len(offers),
		"items":  offers,
	})
}

// =============================================================================
// SYNC ENDPOINTS
// =============================================================================

// Sync endpoints return immediately; the pipeline runs in the background and
// records its outcome in the sync log. Overlapping manual requests are
// rejected rather than queued.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.startSync(w, "full", s.pipeline.RunFullSync)
}

func (s *Server) handleQuickSync(w http.ResponseWriter, r *http.Request) {
	s.startSync(w, "quick", s.pipeline.RunQuickSync)
}

func (s *Server) startSync(w http.ResponseWriter, kind string, run func(context.Context) (*syncer.Result, error)) {
	if !s.syncing.CompareAndSwap(false, true) {
		s.jsonError(w, http.StatusConflict, "a sync is already running")
		return
	}

	go func() {
		defer s.syncing.Store(false)
		if _, err := run(context.Background()); err != nil {
			s.logger.Error().Err(err).Str("kind", kind).Msg("background sync failed")
		}
	}()

	s.jsonResponse(w, http.StatusAccepted, map[string]string{
		"status": "started",
		"kind":   kind,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func filterFromQuery(r *http.Request) (db.QueryFilter, string) {
	q := r.URL.Query()
	filter := db.QueryFilter{
		ServiceName:   q.Get("serviceName"),
		ArmRegionName: q.Get("armRegionName"),
		Type:          q.Get("type"),
		ProductName:   q.Get("productName"),
		SkuName:       q.Get("skuName"),
		Search:        q.Get("search"),
	}
	if limit := q.Get("limit"); strings.EqualFold(limit, "all") {
		filter.Unlimited = true
	} else {
		filter.Limit = intParam(limit)
	}
	return filter, q.Get("currencyCode")
}

func intParam(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func floatParam(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{
		"error": message,
	})
}
