package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/iwanhae/partq/internal/partition"
	"github.com/iwanhae/partq/internal/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StatsProvider reports engine statistics. *engine.DuckDB satisfies it.
type StatsProvider interface {
	Stats(ctx context.Context) map[string]any
}

// Server holds the dependencies for the API server.
type Server struct {
	service *service.Service
	stats   StatsProvider
	server  *http.Server
	logger  zerolog.Logger
}

// New creates a new API server.
func New(svc *service.Service, stats StatsProvider, port string, logger zerolog.Logger) *Server {
	s := &Server{
		service: svc,
		stats:   stats,
		logger:  logger.With().Str("component", "server").Logger(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/query", s.handleQuery)
	mux.HandleFunc("/partitions", s.handlePartitions)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.Handle("/metrics", promhttp.Handler())

	// CORS handler to allow all origins
	corsMux := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		mux.ServeHTTP(w, r)
	})

	s.server = &http.Server{
		Addr:    ":" + port,
		Handler: corsMux,
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the API server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("listening")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.stats.Stats(r.Context()))
}

type partitionsResponse struct {
	Partitions []string `json:"partitions"`
}

func (s *Server) handlePartitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "server: only GET method is allowed", http.StatusMethodNotAllowed)
		return
	}

	qs := r.URL.Query()
	fromStr, toStr := qs.Get("from"), qs.Get("to")
	if fromStr == "" || toStr == "" {
		http.Error(w, "server: missing required parameters: from, to", http.StatusBadRequest)
		return
	}
	from, err := partition.ParseBound(fromStr)
	if err != nil {
		http.Error(w, fmt.Sprintf("server: invalid from parameter: %v", err), http.StatusBadRequest)
		return
	}
	to, err := partition.ParseBound(toStr)
	if err != nil {
		http.Error(w, fmt.Sprintf("server: invalid to parameter: %v", err), http.StatusBadRequest)
		return
	}

	paths, err := s.service.Partitions(from, to)
	if err != nil {
		http.Error(w, fmt.Sprintf("server: %v", err), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, partitionsResponse{Partitions: paths})
}

type queryResult struct {
	Index      int              `json:"index"`
	Query      string           `json:"query"`
	Rows       []map[string]any `json:"rows"`
	DurationMs int64            `json:"duration_ms"`
	Error      string           `json:"error,omitempty"`
}

type queryResponse struct {
	BatchID    string        `json:"batch_id"`
	Partitions []string      `json:"partitions,omitempty"`
	DurationMs int64         `json:"duration_ms"`
	Failed     int           `json:"failed"`
	Results    []queryResult `json:"results"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "server: only POST method is allowed", http.StatusMethodNotAllowed)
		return
	}

	var req service.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("server: invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	resp, err := s.service.Handle(r.Context(), req)
	if err != nil && service.IsInvalid(err) {
		http.Error(w, fmt.Sprintf("server: %v", err), http.StatusBadRequest)
		return
	}
	if resp == nil {
		s.logger.Error().Err(err).Msg("failed to execute query")
		http.Error(w, fmt.Sprintf("server: failed to execute query: %v", err), http.StatusInternalServerError)
		return
	}

	body := queryResponse{
		BatchID:    resp.BatchID,
		Partitions: resp.Partitions,
		DurationMs: resp.Duration.Milliseconds(),
		Results:    make([]queryResult, len(resp.Results)),
	}
	for i, res := range resp.Results {
		body.Results[i] = queryResult{
			Index:      res.Index,
			Query:      res.Query,
			Rows:       res.Rows,
			DurationMs: res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			body.Results[i].Error = res.Err.Error()
			body.Failed++
		}
	}

	status := http.StatusOK
	if err != nil {
		s.logger.Warn().Err(err).Str("batch_id", resp.BatchID).Msg("query batch failed")
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, status, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write response")
	}
}
