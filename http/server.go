package http

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"transitscope/db"
	"transitscope/lightcurve"
	"transitscope/ml"
	"transitscope/monitoring"
	"transitscope/transit"
	"transitscope/vetting"
)

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
	MaxRequestBytes int64         `yaml:"max_request_bytes" json:"max_request_bytes"`
	AllowedOrigins  []string      `yaml:"allowed_origins" json:"allowed_origins"`
}

// DefaultServerConfig returns the defaults used when no config is given.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:            8080,
		Timeout:         30 * time.Second,
		MaxRequestBytes: 1 << 20,
		AllowedOrigins:  []string{"*"},
	}
}

// CurveFetcher pulls light curves from the archive layer.
type CurveFetcher interface {
	FetchWithSource(ctx context.Context, catalogID string) (lightcurve.Curve, string, error)
}

// CurveStore is the persistence surface the handlers depend on.
type CurveStore interface {
	SaveCurve(ctx context.Context, catalogID, source string, c lightcurve.Curve) error
	LoadCurve(ctx context.Context, catalogID string) (lightcurve.Curve, string, error)
	SavePrediction(ctx context.Context, rec db.PredictionRecord) error
	SaveVetting(ctx context.Context, rec vetting.Record) error
	VettingHistory(ctx context.Context, catalogID string, limit int) ([]vetting.Record, error)
	TrainingRuns(ctx context.Context, limit int) ([]db.TrainingRun, error)
	Stats(ctx context.Context) (db.Stats, error)
}

// Detector is the model surface the prediction endpoints depend on.
type Detector interface {
	Predict(c lightcurve.Curve) (ml.PredictionResult, error)
	SaveModel(ctx context.Context, path string) error
	LoadModel(ctx context.Context, path string) error
	ModelVersion() string
	IsBuilt() bool
}

// CentroidSource reports the pixel centroid shift measured for a target.
// The synthetic archive provides it; a nil source reads as zero shift.
type CentroidSource interface {
	CentroidShift(catalogID string) float64
}

// Tunables are the detection knobs that may be retuned at runtime, for
// example by a config reload. Reads take a snapshot under a read lock.
type Tunables struct {
	mu      sync.RWMutex
	search  transit.SearchConfig
	vetting vetting.Config
}

// NewTunables seeds the holder; zero configs fall back to the defaults.
func NewTunables(search transit.SearchConfig, vet vetting.Config) *Tunables {
	if search.NumPeriods == 0 {
		search = transit.DefaultSearchConfig()
	}
	if vet == (vetting.Config{}) {
		vet = vetting.DefaultConfig
	}
	return &Tunables{search: search, vetting: vet}
}

// Search returns the current period search configuration.
func (t *Tunables) Search() transit.SearchConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.search
}

// Vetting returns the current vetting thresholds.
func (t *Tunables) Vetting() vetting.Config {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.vetting
}

// Update swaps both knob sets atomically.
func (t *Tunables) Update(search transit.SearchConfig, vet vetting.Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if search.NumPeriods != 0 {
		t.search = search
	}
	if vet != (vetting.Config{}) {
		t.vetting = vet
	}
}

// Deps are the collaborators behind the endpoints. Fetcher, Store and
// Detector must be set; the rest degrade gracefully when nil.
type Deps struct {
	Fetcher   CurveFetcher
	Store     CurveStore
	Detector  Detector
	Centroids CentroidSource
	Job       *TrainingJob
	Hub       *monitoring.Hub
	Collector *monitoring.Collector
	Activity  *monitoring.ActivityMetrics
	Alerts    *monitoring.AlertManager
	Latency   *monitoring.LatencyTracker
	Tunables  *Tunables
	Logger    *zap.Logger
}

// Server is the HTTP front of the pipeline.
type Server struct {
	server *http.Server
	config ServerConfig
	deps   Deps
	sweep  *SweepJob
	logger *zap.Logger
}

// NewServer builds the route table and middleware chain.
func NewServer(config ServerConfig, deps Deps) *Server {
	if config.Port == 0 {
		config = DefaultServerConfig()
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRequestBytes <= 0 {
		config.MaxRequestBytes = 1 << 20
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"*"}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tunables == nil {
		deps.Tunables = NewTunables(transit.DefaultSearchConfig(), vetting.DefaultConfig)
	}

	s := &Server{
		config: config,
		deps:   deps,
		logger: deps.Logger,
	}
	s.sweep = newSweepJob(&s.deps, s.logger)

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	chain := Chain(
		RecoveryMiddleware(deps.Logger),
		LoggerMiddleware(deps.Logger),
		SecurityHeadersMiddleware,
		CORSMiddleware(config.AllowedOrigins),
		TimeoutMiddleware(config.Timeout),
		RequestSizeMiddleware(config.MaxRequestBytes),
	)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      chain(mux),
		ReadTimeout:  config.Timeout,
		WriteTimeout: config.Timeout,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/curves/{id}", s.handleGetCurve)
	mux.HandleFunc("GET /api/curves/{id}/features", s.handleCurveFeatures)
	mux.HandleFunc("POST /api/curves/{id}/detect", s.handleDetect)
	mux.HandleFunc("POST /api/curves/{id}/predict", s.handlePredict)
	mux.HandleFunc("POST /api/curves/{id}/vet", s.handleVet)
	mux.HandleFunc("GET /api/vetting/{id}", s.handleVettingHistory)
	mux.HandleFunc("POST /api/explain/shap", s.handleExplain)
	mux.HandleFunc("POST /api/train", s.handleTrain)
	mux.HandleFunc("GET /api/train/status", s.handleTrainStatus)
	mux.HandleFunc("POST /api/sweep", s.handleSweep)
	mux.HandleFunc("GET /api/sweep/status", s.handleSweepStatus)
	mux.HandleFunc("POST /api/sweep/stop", s.handleSweepStop)
	mux.HandleFunc("POST /api/model/save", s.handleModelSave)
	mux.HandleFunc("POST /api/model/load", s.handleModelLoad)
	mux.HandleFunc("GET /api/model", s.handleModelInfo)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.HandleFunc("POST /api/alerts/{id}/resolve", s.handleAlertResolve)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/ws/monitor", s.handleMonitorSocket)
}

// Handler exposes the full middleware-wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start blocks serving requests until Stop or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests before shutting down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("http server shutting down")
	return s.server.Shutdown(ctx)
}
