package benchmark

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"transitscope/transit"
)

type TuneMethod string

const (
	TuneGrid   TuneMethod = "grid_search"
	TuneRandom TuneMethod = "random_search"
)

// TuneConfig spans the search-grid combinations to score. Each axis
// lists candidate values; grid search crosses them exhaustively,
// random search draws Iterations combinations.
type TuneConfig struct {
	Method     TuneMethod `yaml:"method" json:"method"`
	NumPeriods []int      `yaml:"num_periods" json:"num_periods"`
	MaxPeriods []float64  `yaml:"max_periods" json:"max_periods"`
	Iterations int        `yaml:"iterations" json:"iterations"`
	Population int        `yaml:"population" json:"population"`
	Seed       int64      `yaml:"seed" json:"seed"`
	Workers    int        `yaml:"workers" json:"workers"`
}

// Trial is one scored combination.
type Trial struct {
	Search         transit.SearchConfig `json:"search"`
	RecoveryRate   float64              `json:"recovery_rate"`
	MeanDepthError float64              `json:"mean_depth_error"`
	Duration       time.Duration        `json:"duration"`
}

// TuneResult ranks the trials. Best prefers higher recovery, breaking
// ties toward the smaller depth error and then the cheaper grid.
type TuneResult struct {
	Best     Trial         `json:"best"`
	Trials   []Trial       `json:"trials"`
	Duration time.Duration `json:"duration"`
}

// Tuner scores period-grid configurations by injection recovery.
// Every trial reuses the same population seed, so combinations are
// compared on identical targets. One tuner runs once.
type Tuner struct {
	mu        sync.RWMutex
	cfg       TuneConfig
	detector  Detector
	logger    *zap.Logger
	started   bool
	completed bool
	progress  float64
	result    *TuneResult
}

func NewTuner(cfg TuneConfig, detector Detector, logger *zap.Logger) *Tuner {
	if cfg.Method == "" {
		cfg.Method = TuneGrid
	}
	if len(cfg.NumPeriods) == 0 {
		cfg.NumPeriods = []int{50, 100, 200}
	}
	if len(cfg.MaxPeriods) == 0 {
		cfg.MaxPeriods = []float64{DefaultConfig.MaxPeriod}
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = 12
	}
	if cfg.Population <= 0 {
		cfg.Population = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tuner{cfg: cfg, detector: detector, logger: logger}
}

// Run scores every combination and returns the ranking. Cancellation
// between trials aborts the whole run.
func (t *Tuner) Run(ctx context.Context) (*TuneResult, error) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil, errors.New("tuner is already running")
	}
	t.started = true
	t.progress = 0
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.completed = true
		t.progress = 100
		t.mu.Unlock()
	}()

	combos, err := t.combinations()
	if err != nil {
		return nil, err
	}

	t.logger.Info("grid tuning starting",
		zap.String("method", string(t.cfg.Method)),
		zap.Int("combinations", len(combos)),
		zap.Int("population", t.cfg.Population))

	start := time.Now()
	result := &TuneResult{Trials: make([]Trial, 0, len(combos))}
	bestIdx := -1

	for i, combo := range combos {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		trialStart := time.Now()
		engine := NewEngine(Config{
			Population: t.cfg.Population,
			Seed:       t.cfg.Seed,
			Workers:    t.cfg.Workers,
			Search:     combo,
		}, t.detector, t.logger)
		res, err := engine.Run(ctx)
		if err != nil {
			return nil, fmt.Errorf("trial %d: %w", i, err)
		}

		trial := Trial{
			Search:         combo,
			RecoveryRate:   res.Summary.RecoveryRate,
			MeanDepthError: res.Summary.MeanDepthError,
			Duration:       time.Since(trialStart),
		}
		result.Trials = append(result.Trials, trial)
		if bestIdx < 0 || better(trial, result.Trials[bestIdx]) {
			bestIdx = len(result.Trials) - 1
		}

		t.mu.Lock()
		t.progress = float64(i+1) / float64(len(combos)) * 100
		t.mu.Unlock()

		t.logger.Info("trial complete",
			zap.Int("trial", i),
			zap.Int("num_periods", combo.NumPeriods),
			zap.Float64("max_period", combo.MaxPeriod),
			zap.Float64("recovery_rate", trial.RecoveryRate))
	}

	result.Best = result.Trials[bestIdx]
	result.Duration = time.Since(start)

	t.mu.Lock()
	t.result = result
	t.mu.Unlock()

	t.logger.Info("grid tuning complete",
		zap.Int("trials", len(result.Trials)),
		zap.Float64("best_recovery", result.Best.RecoveryRate),
		zap.Int("best_num_periods", result.Best.Search.NumPeriods))
	return result, nil
}

func better(a, b Trial) bool {
	if a.RecoveryRate != b.RecoveryRate {
		return a.RecoveryRate > b.RecoveryRate
	}
	if a.MeanDepthError != b.MeanDepthError {
		return a.MeanDepthError < b.MeanDepthError
	}
	return a.Search.NumPeriods < b.Search.NumPeriods
}

func (t *Tuner) combinations() ([]transit.SearchConfig, error) {
	switch t.cfg.Method {
	case TuneGrid:
		combos := make([]transit.SearchConfig, 0, len(t.cfg.NumPeriods)*len(t.cfg.MaxPeriods))
		for _, numPeriods := range t.cfg.NumPeriods {
			for _, maxPeriod := range t.cfg.MaxPeriods {
				combos = append(combos, transit.SearchConfig{
					NumPeriods: numPeriods,
					MaxPeriod:  maxPeriod,
				})
			}
		}
		return combos, nil
	case TuneRandom:
		rng := rand.New(rand.NewSource(t.cfg.Seed))
		combos := make([]transit.SearchConfig, 0, t.cfg.Iterations)
		for i := 0; i < t.cfg.Iterations; i++ {
			combos = append(combos, transit.SearchConfig{
				NumPeriods: t.cfg.NumPeriods[rng.Intn(len(t.cfg.NumPeriods))],
				MaxPeriod:  t.cfg.MaxPeriods[rng.Intn(len(t.cfg.MaxPeriods))],
			})
		}
		return combos, nil
	default:
		return nil, fmt.Errorf("unsupported tune method: %s", t.cfg.Method)
	}
}

func (t *Tuner) Progress() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress
}

func (t *Tuner) IsRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.started && !t.completed
}

// LastResult returns the completed ranking, nil before that.
func (t *Tuner) LastResult() *TuneResult {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.result
}
