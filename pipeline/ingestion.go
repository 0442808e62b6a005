package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"transitscope/lightcurve"
)

// CurveFetcher resolves catalog ids to curves and names the source that
// served each one.
type CurveFetcher interface {
	FetchWithSource(ctx context.Context, catalogID string) (lightcurve.Curve, string, error)
}

// CurveStorage persists validated curves.
type CurveStorage interface {
	SaveCurve(ctx context.Context, catalogID, source string, c lightcurve.Curve) error
	HasCurve(ctx context.Context, catalogID string) (bool, error)
}

// IngesterConfig tunes the ingestion loop.
type IngesterConfig struct {
	CheckInterval time.Duration `yaml:"check_interval" json:"check_interval"`
	MaxRetries    int           `yaml:"max_retries" json:"max_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
	SkipExisting  bool          `yaml:"skip_existing" json:"skip_existing"`
}

// IngestionStats aggregates ingester throughput.
type IngestionStats struct {
	Fetched  int64            `json:"fetched"`
	Saved    int64            `json:"saved"`
	Skipped  int64            `json:"skipped"`
	Rejected int64            `json:"rejected"`
	Failed   int64            `json:"failed"`
	BySource map[string]int64 `json:"by_source"`
	LastRun  time.Time        `json:"last_run"`
}

// Ingester pulls curves from the archive, runs them through the
// validator and persists the survivors.
type Ingester struct {
	cfg       IngesterConfig
	fetcher   CurveFetcher
	storage   CurveStorage
	validator *Validator
	logger    *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup

	mu    sync.RWMutex
	stats IngestionStats
}

func NewIngester(cfg IngesterConfig, fetcher CurveFetcher, storage CurveStorage, validator *Validator, logger *zap.Logger) *Ingester {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if validator == nil {
		validator = NewValidator(logger)
	}
	return &Ingester{
		cfg:       cfg,
		fetcher:   fetcher,
		storage:   storage,
		validator: validator,
		logger:    logger,
		stopChan:  make(chan struct{}),
		stats:     IngestionStats{BySource: make(map[string]int64)},
	}
}

// Ingest processes the ids once. Per-id failures are logged and counted;
// only context cancellation aborts the batch.
func (ing *Ingester) Ingest(ctx context.Context, ids []string) error {
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := ing.ingestOne(ctx, id); err != nil {
			ing.logger.Warn("ingest failed",
				zap.String("catalog_id", id),
				zap.Error(err))
		}
	}
	ing.mu.Lock()
	ing.stats.LastRun = time.Now().UTC()
	ing.mu.Unlock()
	return nil
}

func (ing *Ingester) ingestOne(ctx context.Context, catalogID string) error {
	if ing.cfg.SkipExisting {
		if exists, err := ing.storage.HasCurve(ctx, catalogID); err == nil && exists {
			ing.mu.Lock()
			ing.stats.Skipped++
			ing.mu.Unlock()
			return nil
		}
	}

	curve, source, err := ing.fetcher.FetchWithSource(ctx, catalogID)
	if err != nil {
		ing.mu.Lock()
		ing.stats.Failed++
		ing.mu.Unlock()
		return fmt.Errorf("fetch %s: %w", catalogID, err)
	}
	ing.mu.Lock()
	ing.stats.Fetched++
	ing.stats.BySource[source]++
	ing.mu.Unlock()

	clean, issues := ing.validator.Validate(catalogID, curve)
	if clean.Len() == 0 {
		ing.mu.Lock()
		ing.stats.Rejected++
		ing.mu.Unlock()
		if len(issues) > 0 {
			return fmt.Errorf("curve rejected: %s", issues[len(issues)-1].Message)
		}
		return fmt.Errorf("curve rejected")
	}

	var saveErr error
	for attempt := 0; attempt < ing.cfg.MaxRetries; attempt++ {
		saveErr = ing.storage.SaveCurve(ctx, catalogID, source, clean)
		if saveErr == nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * ing.cfg.RetryBackoff):
		}
	}
	if saveErr != nil {
		ing.mu.Lock()
		ing.stats.Failed++
		ing.mu.Unlock()
		return fmt.Errorf("save %s: %w", catalogID, saveErr)
	}

	ing.mu.Lock()
	ing.stats.Saved++
	ing.mu.Unlock()
	return nil
}

// Start re-ingests the id set every CheckInterval until Stop.
func (ing *Ingester) Start(ids []string) {
	ing.logger.Info("ingestion loop starting",
		zap.Int("targets", len(ids)),
		zap.Duration("interval", ing.cfg.CheckInterval))
	ing.wg.Add(1)
	go ing.run(ids)
}

func (ing *Ingester) run(ids []string) {
	defer ing.wg.Done()

	ticker := time.NewTicker(ing.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ing.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), ing.cfg.CheckInterval)
			if err := ing.Ingest(ctx, ids); err != nil {
				ing.logger.Warn("ingestion pass aborted", zap.Error(err))
			}
			cancel()
		}
	}
}

func (ing *Ingester) Stop() {
	close(ing.stopChan)
	ing.wg.Wait()
	ing.logger.Info("ingestion loop stopped")
}

func (ing *Ingester) Stats() IngestionStats {
	ing.mu.RLock()
	defer ing.mu.RUnlock()

	stats := ing.stats
	stats.BySource = make(map[string]int64, len(ing.stats.BySource))
	for k, n := range ing.stats.BySource {
		stats.BySource[k] = n
	}
	return stats
}
