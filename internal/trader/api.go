package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pytrade/trade-core/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// APIServer provides an HTTP interface for the strategy runtime.
type APIServer struct {
	server  *http.Server
	runtime *Runtime
	db      *gorm.DB
	logger  *zap.Logger
	now     func() time.Time
}

// NewAPIServer creates a new APIServer. metricsHandler may be nil.
func NewAPIServer(port int, runtime *Runtime, db *gorm.DB, metricsHandler http.Handler, logger *zap.Logger) *APIServer {
	s := &APIServer{
		runtime: runtime,
		db:      db,
		logger:  logger.Named("api-server"),
		now:     time.Now,
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *APIServer) routes(metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/trades", s.tradesHandler)
	mux.HandleFunc("/stats", s.statsHandler)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	return mux
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.runtime.Status())
}

// healthHandler answers 503 once the runtime stops receiving fresh data.
func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !s.runtime.IsAlive(s.now()) {
		http.Error(w, "STALE", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *APIServer) tradesHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	trades, err := database.RecentTrades(s.db, limit)
	if err != nil {
		s.logger.Error("Failed to get trades", zap.Error(err))
		http.Error(w, "Failed to get trades", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, trades)
}

// statsHandler summarizes the closed trades of the runtime's ticker over the
// last 24 hours and overall.
func (s *APIServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := database.TradeStatistics(s.db, s.runtime.opts.Ticker, s.now().Add(-24*time.Hour))
	if err != nil {
		s.logger.Error("Failed to calculate statistics", zap.Error(err))
		http.Error(w, "Failed to calculate statistics", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, stats)
}
