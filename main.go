package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"transitscope/archive"
	"transitscope/db"
	thttp "transitscope/http"
	"transitscope/logging"
	"transitscope/ml"
	"transitscope/modelstore"
	"transitscope/monitoring"
	"transitscope/pipeline"
	"transitscope/transit"
	"transitscope/vetting"
)

// Config is the top-level service configuration. Every section falls
// back to working defaults so the service runs without a config file.
type Config struct {
	Server     thttp.ServerConfig `yaml:"server"`
	Database   db.Config          `yaml:"database"`
	ModelStore modelstore.Config  `yaml:"model_store"`
	Archive    ArchiveConfig      `yaml:"archive"`
	Detector   DetectorConfig     `yaml:"detector"`
	Monitoring MonitoringConfig   `yaml:"monitoring"`
	Log        logging.Config     `yaml:"log"`
}

// ArchiveConfig wires the curve sources and the background ingester.
// IngestTargets 0 disables the ingestion loop.
type ArchiveConfig struct {
	CacheSize     int                     `yaml:"cache_size"`
	Seed          int64                   `yaml:"seed"`
	Synthetic     archive.SyntheticConfig `yaml:"synthetic"`
	Remote        archive.ClientConfig    `yaml:"remote"`
	IngestTargets int                     `yaml:"ingest_targets"`
	Ingest        pipeline.IngesterConfig `yaml:"ingest"`
}

// DetectorConfig holds the model seed and the runtime-tunable knobs.
type DetectorConfig struct {
	Seed      int64                `yaml:"seed"`
	ModelPath string               `yaml:"model_path"`
	Search    transit.SearchConfig `yaml:"search"`
	Vetting   vetting.Config       `yaml:"vetting"`
}

type MonitoringConfig struct {
	CollectInterval time.Duration `yaml:"collect_interval"`
	AlertInterval   time.Duration `yaml:"alert_interval"`
}

func defaultConfig() Config {
	return Config{
		Server:     thttp.DefaultServerConfig(),
		Database:   db.Config{Path: "./data/transitscope.db", EnableWAL: true},
		ModelStore: modelstore.Config{Dir: "./data/models"},
		Archive: ArchiveConfig{
			CacheSize: 256,
			Seed:      42,
			Synthetic: archive.DefaultSyntheticConfig(),
		},
		Detector: DetectorConfig{
			Seed:      1,
			ModelPath: thttp.DefaultModelPath,
			Search:    transit.DefaultSearchConfig(),
			Vetting:   vetting.DefaultConfig,
		},
		Monitoring: MonitoringConfig{
			CollectInterval: 10 * time.Second,
			AlertInterval:   30 * time.Second,
		},
		Log:        logging.DefaultConfig,
	}
}

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	config, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, logLevel := logging.Setup(config.Log)
	defer logger.Sync()

	store, err := db.Open(config.Database)
	if err != nil {
		logger.Fatal("database init failed", zap.Error(err))
	}
	defer store.Close()
	logger.Info("database ready", zap.String("path", config.Database.Path))

	blobs, err := modelstore.NewBadgerStore(config.ModelStore, logger)
	if err != nil {
		logger.Fatal("model store init failed", zap.Error(err))
	}
	defer blobs.Close()

	manager, err := archive.NewManager(config.Archive.CacheSize, logger)
	if err != nil {
		logger.Fatal("archive manager init failed", zap.Error(err))
	}
	synth := archive.NewSynthetic(config.Archive.Synthetic, config.Archive.Seed)
	manager.AddSource(synth)
	if config.Archive.Remote.BaseURL != "" {
		manager.AddSource(archive.NewClient(config.Archive.Remote))
	}

	detector := ml.NewExoplanetDetector(blobs, logger, config.Detector.Seed)
	if config.Detector.ModelPath != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := detector.LoadModel(ctx, config.Detector.ModelPath); err != nil {
			logger.Warn("stored model not loaded", zap.Error(err))
		}
		cancel()
	}

	collector := monitoring.NewCollector()
	collector.Start(config.Monitoring.CollectInterval)
	defer collector.Stop()
	activity := monitoring.NewActivityMetrics()
	latency := monitoring.NewLatencyTracker()

	hub := monitoring.NewHub(logger)
	hub.Start()
	defer hub.Stop()

	alerts := monitoring.NewAlertManager(hub, logger)
	registerHealthChecks(alerts, manager, store, detector, activity)
	alerts.Start(config.Monitoring.AlertInterval)
	defer alerts.Stop()

	if config.Archive.IngestTargets > 0 {
		ingester := pipeline.NewIngester(config.Archive.Ingest, manager, store, pipeline.NewValidator(logger), logger)
		ingester.Start(archive.CatalogIDs(config.Archive.IngestTargets))
		defer ingester.Stop()
	}

	job := thttp.NewTrainingJob(detector, synth, store, hub, logger)
	tunables := thttp.NewTunables(config.Detector.Search, config.Detector.Vetting)

	server := thttp.NewServer(config.Server, thttp.Deps{
		Fetcher:   manager,
		Store:     store,
		Detector:  detector,
		Centroids: synth,
		Job:       job,
		Hub:       hub,
		Collector: collector,
		Activity:  activity,
		Alerts:    alerts,
		Latency:   latency,
		Tunables:  tunables,
		Logger:    logger,
	})
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	watcher := watchConfig(configPath, logger, logLevel, tunables)
	if watcher != nil {
		defer watcher.Close()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	job.Stop()
	if err := server.Stop(); err != nil {
		logger.Warn("server forced to shut down", zap.Error(err))
	}
}

// loadConfig overlays config.yaml onto the defaults. A missing file is
// not an error; the defaults stand alone.
func loadConfig(path string) (Config, error) {
	config := defaultConfig()

	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return config, err
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return config, err
	}
	return config, nil
}

// registerHealthChecks wires the conditions the alert manager watches
// every cycle: archive source health, database reachability, model
// state and the vetting false-positive share.
func registerHealthChecks(alerts *monitoring.AlertManager, manager *archive.Manager, store *db.Store, detector *ml.ExoplanetDetector, activity *monitoring.ActivityMetrics) {
	alerts.Register(monitoring.Check{
		Name: "archive_sources",
		Run: func(ctx context.Context) *monitoring.Alert {
			for name, healthy := range manager.Status() {
				if !healthy {
					return &monitoring.Alert{
						Level:   monitoring.AlertWarning,
						Title:   "archive source unhealthy",
						Message: name,
					}
				}
			}
			return nil
		},
	})
	alerts.Register(monitoring.Check{
		Name: "database",
		Run: func(ctx context.Context) *monitoring.Alert {
			if _, err := store.Stats(ctx); err != nil {
				return &monitoring.Alert{
					Level:   monitoring.AlertCritical,
					Title:   "database unreachable",
					Message: err.Error(),
				}
			}
			return nil
		},
	})
	alerts.Register(monitoring.Check{
		Name: "model",
		Run: func(ctx context.Context) *monitoring.Alert {
			if !detector.IsBuilt() {
				return &monitoring.Alert{
					Level:   monitoring.AlertInfo,
					Title:   "no trained model loaded",
					Message: "predictions run on a randomly initialized network",
				}
			}
			return nil
		},
	})
	alerts.Register(monitoring.Check{
		Name: "false_positives",
		Run: func(ctx context.Context) *monitoring.Alert {
			snap := activity.Snapshot()
			var total, rejected int64
			for disposition, n := range snap.Vettings {
				total += n
				if disposition == vetting.DispositionFalsePositive {
					rejected = n
				}
			}
			if total < 20 {
				return nil
			}
			ratio := float64(rejected) / float64(total)
			if ratio > 0.8 {
				return &monitoring.Alert{
					Level:     monitoring.AlertWarning,
					Title:     "vetting rejects most detections",
					Value:     ratio,
					Threshold: 0.8,
				}
			}
			return nil
		},
	})
}

// watchConfig hot-reloads the mutable subset of the configuration on
// every write to config.yaml: the log level and the detection knobs.
// Everything else requires a restart. The parent directory is watched
// because editors typically replace the file instead of writing it in
// place.
func watchConfig(path string, logger *zap.Logger, level zap.AtomicLevel, tunables *thttp.Tunables) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
		return nil
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		logger.Warn("config watcher unavailable", zap.String("dir", dir), zap.Error(err))
		return nil
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filepath.Base(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				config, err := loadConfig(path)
				if err != nil {
					logger.Warn("config reload failed", zap.Error(err))
					continue
				}
				level.SetLevel(logging.ParseLevel(config.Log.Level))
				tunables.Update(config.Detector.Search, config.Detector.Vetting)
				logger.Info("config reloaded",
					zap.String("log_level", config.Log.Level),
					zap.Int("search_periods", config.Detector.Search.NumPeriods),
					zap.Float64("min_score", config.Detector.Vetting.MinScore))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", zap.Error(err))
			}
		}
	}()
	return watcher
}
