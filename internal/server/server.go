package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zgpcy/azure-webapp-exporter/internal/collector"
	"github.com/zgpcy/azure-webapp-exporter/internal/config"
	"github.com/zgpcy/azure-webapp-exporter/internal/logger"
	"github.com/zgpcy/azure-webapp-exporter/internal/version"
)

//go:embed templates/index.html
var indexTemplate string

var indexPage = template.Must(template.New("index").Parse(indexTemplate))

// HTTP server timeout constants
const (
	DefaultReadTimeout  = 15 * time.Second // Maximum duration for reading the entire request
	DefaultWriteTimeout = 15 * time.Second // Maximum duration before timing out writes of the response
	DefaultIdleTimeout  = 60 * time.Second // Maximum amount of time to wait for the next request
)

// Status is the collection state shown by /ready and the index page
type Status interface {
	IsReady() bool
	LastError() error
	LastScrapeTime() time.Time
	SeriesCount() int
	Workers() []collector.WorkerSummary
}

// workerRow is one worker line of the index page
type workerRow struct {
	Name      string
	Attempted int
	Succeeded int
	Failed    int
	Duration  string
	At        string
}

// indexPageData holds template data for the index page
type indexPageData struct {
	StatusClass     string
	StatusText      string
	LastScrape      string
	LastError       string
	SeriesCount     int
	RefreshInterval int
	IdentityCount   int
	WebAppCount     int
	PlanCount       int
	Version         string
	Workers         []workerRow
}

// readyResponse is the body of /ready
type readyResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Server represents the HTTP server
type Server struct {
	server *http.Server
	status Status
	cfg    *config.Config
	logger *logger.Logger
}

// NewServer creates a new HTTP server. /metrics serves gatherer.
func NewServer(cfg *config.Config, status Status, gatherer prometheus.Gatherer, log *logger.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
			Handler:      mux,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
		},
		status: status,
		cfg:    cfg,
		logger: log,
	}

	// Register handlers
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog:      promErrorLog{log},
		ErrorHandling: promhttp.ContinueOnError,
	}))

	return s
}

// promErrorLog adapts the logger to promhttp.Logger
type promErrorLog struct {
	log *logger.Logger
}

func (l promErrorLog) Println(v ...interface{}) {
	l.log.Error("Metrics gathering failed", "error", fmt.Sprint(v...))
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// handleIndex serves a simple landing page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	ready := s.status.IsReady()
	statusClass := "not-ready"
	statusText := "Not Ready"
	if ready {
		statusClass = "ready"
		statusText = "Ready"
	}

	lastScrape := s.status.LastScrapeTime()
	lastScrapeText := "Never"
	if !lastScrape.IsZero() {
		lastScrapeText = lastScrape.Format("2006-01-02 15:04:05 MST")
	}

	var lastError string
	if err := s.status.LastError(); err != nil {
		lastError = err.Error()
	}

	data := indexPageData{
		StatusClass:     statusClass,
		StatusText:      statusText,
		LastScrape:      lastScrapeText,
		LastError:       lastError,
		SeriesCount:     s.status.SeriesCount(),
		RefreshInterval: s.cfg.RefreshInterval,
		IdentityCount:   len(s.cfg.Identities),
		Version:         version.Version,
	}
	for _, id := range s.cfg.Identities {
		data.WebAppCount += len(id.WebAppNames)
		data.PlanCount += len(id.PlanNames)
	}
	for _, wk := range s.status.Workers() {
		data.Workers = append(data.Workers, workerRow{
			Name:      wk.Name,
			Attempted: wk.Attempted,
			Succeeded: wk.Succeeded,
			Failed:    wk.Failed,
			Duration:  wk.Duration.Round(time.Millisecond).String(),
			At:        wk.At.Format("2006-01-02 15:04:05 MST"),
		})
	}

	// Execute template
	w.Header().Set("Content-Type", "text/html")
	if err := indexPage.Execute(w, data); err != nil {
		s.logger.Error("Failed to execute index template", "error", err)
	}
}

// handleHealth handles health check requests (always returns 200 for liveness)
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"healthy"}`)); err != nil {
		s.logger.Error("Failed to write health response", "error", err)
	}
}

// handleReady handles readiness check requests. It returns 200 once a cycle
// has committed and no worker's last cycle failed completely. Partial
// failures keep the exporter ready and are reported in the body.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.status.IsReady() {
		resp := readyResponse{Status: "not ready", Message: "waiting for initial collection cycle"}
		if err := s.status.LastError(); err != nil {
			resp.Message = "last collection cycle failed"
			resp.Error = err.Error()
		}
		s.writeReady(w, http.StatusServiceUnavailable, resp)
		return
	}

	resp := readyResponse{Status: "ready"}
	if err := s.status.LastError(); err != nil {
		resp.Error = err.Error()
	}
	s.writeReady(w, http.StatusOK, resp)
}

func (s *Server) writeReady(w http.ResponseWriter, code int, resp readyResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to write ready response", "error", err)
	}
}
