package benchmark

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"transitscope/archive"
	"transitscope/lightcurve"
	"transitscope/ml"
	"transitscope/transit"
)

// Detector scores labeled curves. *ml.ExoplanetDetector satisfies it.
type Detector interface {
	EvaluateModel(curves []lightcurve.Curve, labels []int) (ml.EvaluationMetrics, error)
}

// Config shapes the injected population. Search overrides the period
// grid the recovery pass searches with; its zero value means the
// default grid.
type Config struct {
	Population      int                  `yaml:"population" json:"population"`
	TransitFraction float64              `yaml:"transit_fraction" json:"transit_fraction"`
	MinPeriod       float64              `yaml:"min_period" json:"min_period"`
	MaxPeriod       float64              `yaml:"max_period" json:"max_period"`
	MinDepth        float64              `yaml:"min_depth" json:"min_depth"`
	MaxDepth        float64              `yaml:"max_depth" json:"max_depth"`
	Points          int                  `yaml:"points" json:"points"`
	Cadence         float64              `yaml:"cadence" json:"cadence"`
	NoiseSigma      float64              `yaml:"noise_sigma" json:"noise_sigma"`
	DepthBins       int                  `yaml:"depth_bins" json:"depth_bins"`
	Seed            int64                `yaml:"seed" json:"seed"`
	Workers         int                  `yaml:"workers" json:"workers"`
	Search          transit.SearchConfig `yaml:"search" json:"search"`
}

// DefaultConfig keeps every injected period inside the searchable range
// for the default cadence and span.
var DefaultConfig = Config{
	Population:      200,
	TransitFraction: 0.5,
	MinPeriod:       1.0,
	MaxPeriod:       6.0,
	MinDepth:        0.005,
	MaxDepth:        0.03,
	Points:          1000,
	Cadence:         0.02,
	NoiseSigma:      0.001,
	DepthBins:       4,
	Seed:            1,
	Workers:         1,
}

// Injection records one target of the run.
type Injection struct {
	Index      int               `json:"index"`
	HasTransit bool              `json:"has_transit"`
	Period     float64           `json:"period"`
	Depth      float64           `json:"depth"`
	Result     transit.BLSResult `json:"result"`
	Recovered  bool              `json:"recovered"`
	DepthError float64           `json:"depth_error"`
}

// DepthBin aggregates recovery over one slice of the injected depth range.
type DepthBin struct {
	Low          float64 `json:"low"`
	High         float64 `json:"high"`
	Injected     int     `json:"injected"`
	Recovered    int     `json:"recovered"`
	RecoveryRate float64 `json:"recovery_rate"`
	Recall       float64 `json:"recall"`
}

// Summary condenses the run.
type Summary struct {
	Population     int                  `json:"population"`
	Injected       int                  `json:"injected"`
	Recovered      int                  `json:"recovered"`
	RecoveryRate   float64              `json:"recovery_rate"`
	MeanDepthError float64              `json:"mean_depth_error"`
	Detection      ml.EvaluationMetrics `json:"detection"`
}

// Results is the full benchmark report.
type Results struct {
	Summary    Summary       `json:"summary"`
	DepthBins  []DepthBin    `json:"depth_bins"`
	Injections []Injection   `json:"injections"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Duration   time.Duration `json:"duration"`
}

// Engine runs an injection-recovery pass: it synthesizes a population
// with known transit parameters, searches each curve, scores the
// detector over the same set and reports how much of the injected
// signal came back. One engine runs once.
type Engine struct {
	mu        sync.RWMutex
	cfg       Config
	detector  Detector
	logger    *zap.Logger
	results   *Results
	started   bool
	completed bool
	startTime time.Time
	endTime   time.Time
	progress  float64
}

func NewEngine(cfg Config, detector Detector, logger *zap.Logger) *Engine {
	if cfg.Population <= 0 {
		cfg.Population = DefaultConfig.Population
	}
	if cfg.TransitFraction <= 0 {
		cfg.TransitFraction = DefaultConfig.TransitFraction
	}
	if cfg.MinPeriod <= 0 {
		cfg.MinPeriod = DefaultConfig.MinPeriod
	}
	if cfg.MaxPeriod <= cfg.MinPeriod {
		cfg.MaxPeriod = cfg.MinPeriod + (DefaultConfig.MaxPeriod - DefaultConfig.MinPeriod)
	}
	if cfg.MinDepth <= 0 {
		cfg.MinDepth = DefaultConfig.MinDepth
	}
	if cfg.MaxDepth <= cfg.MinDepth {
		cfg.MaxDepth = cfg.MinDepth + (DefaultConfig.MaxDepth - DefaultConfig.MinDepth)
	}
	if cfg.Points <= 0 {
		cfg.Points = DefaultConfig.Points
	}
	if cfg.Cadence <= 0 {
		cfg.Cadence = DefaultConfig.Cadence
	}
	if cfg.NoiseSigma <= 0 {
		cfg.NoiseSigma = DefaultConfig.NoiseSigma
	}
	if cfg.DepthBins <= 0 {
		cfg.DepthBins = DefaultConfig.DepthBins
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, detector: detector, logger: logger}
}

// Run executes the benchmark. It refuses to start twice and aborts on
// context cancellation between targets.
func (e *Engine) Run(ctx context.Context) (*Results, error) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil, errors.New("benchmark is already running")
	}
	if e.detector == nil {
		e.mu.Unlock()
		return nil, errors.New("no detector attached")
	}
	e.started = true
	e.startTime = time.Now()
	e.progress = 0
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.completed = true
		e.endTime = time.Now()
		e.progress = 100
		e.mu.Unlock()
	}()

	e.logger.Info("benchmark starting",
		zap.Int("population", e.cfg.Population),
		zap.Float64("transit_fraction", e.cfg.TransitFraction),
		zap.Int("workers", e.cfg.Workers))

	// The search clips its upper period bound to a third of the curve
	// span; recovery tolerance is one step of the effective grid.
	searchCfg := e.cfg.Search
	if searchCfg.Workers <= 0 {
		searchCfg.Workers = e.cfg.Workers
	}
	searchMin := searchCfg.MinPeriod
	if searchMin <= 0 {
		searchMin = transit.DefaultMinPeriod
	}
	searchMax := searchCfg.MaxPeriod
	if searchMax <= 0 {
		searchMax = transit.DefaultMaxPeriod
	}
	span := float64(e.cfg.Points-1) * e.cfg.Cadence
	if limit := span / 3; limit < searchMax {
		searchMax = limit
	}
	numPeriods := searchCfg.NumPeriods
	if numPeriods <= 0 {
		numPeriods = transit.DefaultNumPeriods
	}
	gridStep := (searchMax - searchMin) / float64(numPeriods)

	rng := rand.New(rand.NewSource(e.cfg.Seed))
	results := &Results{
		Injections: make([]Injection, 0, e.cfg.Population),
		StartTime:  e.startTime,
	}

	curves := make([]lightcurve.Curve, 0, e.cfg.Population)
	labels := make([]int, 0, e.cfg.Population)

	injected := 0
	recovered := 0
	depthErrSum := 0.0

	for i := 0; i < e.cfg.Population; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		params := e.drawTarget(rng)
		curve := archive.GenerateCurve(rng, params)
		detrended := lightcurve.Detrend(curve)

		res := transit.CalculateBLSWith(searchCfg, detrended)
		inj := Injection{
			Index:      i,
			HasTransit: params.HasTransit,
			Period:     params.Period,
			Depth:      params.Depth,
			Result:     res,
		}
		if params.HasTransit {
			injected++
			if math.Abs(res.Period-params.Period) <= gridStep {
				inj.Recovered = true
				inj.DepthError = math.Abs(res.Depth - params.Depth)
				recovered++
				depthErrSum += inj.DepthError
			}
		}
		results.Injections = append(results.Injections, inj)

		curves = append(curves, detrended)
		if params.HasTransit {
			labels = append(labels, 1)
		} else {
			labels = append(labels, 0)
		}

		e.mu.Lock()
		e.progress = float64(i+1) / float64(e.cfg.Population) * 100
		e.mu.Unlock()
	}

	detection, err := e.detector.EvaluateModel(curves, labels)
	if err != nil {
		return nil, fmt.Errorf("detector evaluation: %w", err)
	}

	bins, err := e.binByDepth(results.Injections, curves)
	if err != nil {
		return nil, err
	}

	results.Summary = Summary{
		Population: e.cfg.Population,
		Injected:   injected,
		Recovered:  recovered,
		Detection:  detection,
	}
	if injected > 0 {
		results.Summary.RecoveryRate = float64(recovered) / float64(injected)
	}
	if recovered > 0 {
		results.Summary.MeanDepthError = depthErrSum / float64(recovered)
	}
	results.DepthBins = bins
	results.EndTime = time.Now()
	results.Duration = results.EndTime.Sub(results.StartTime)

	e.mu.Lock()
	e.results = results
	e.mu.Unlock()

	e.logger.Info("benchmark complete",
		zap.Int("injected", injected),
		zap.Int("recovered", recovered),
		zap.Float64("recovery_rate", results.Summary.RecoveryRate),
		zap.Float64("accuracy", detection.Accuracy),
		zap.Duration("duration", results.Duration))
	return results, nil
}

// drawTarget consumes a fixed number of draws per target so the stream
// position does not depend on earlier outcomes.
func (e *Engine) drawTarget(rng *rand.Rand) archive.GenerateParams {
	p := archive.GenerateParams{
		Points:     e.cfg.Points,
		Cadence:    e.cfg.Cadence,
		NoiseSigma: e.cfg.NoiseSigma,
	}
	hasTransit := rng.Float64() < e.cfg.TransitFraction
	period := e.cfg.MinPeriod + rng.Float64()*(e.cfg.MaxPeriod-e.cfg.MinPeriod)
	depth := e.cfg.MinDepth + rng.Float64()*(e.cfg.MaxDepth-e.cfg.MinDepth)
	duration := 0.04 + rng.Float64()*0.04
	if hasTransit {
		p.HasTransit = true
		p.Period = period
		p.Depth = depth
		p.Duration = duration
	}
	return p
}

// binByDepth slices the injected targets into equal depth bins and
// scores the classifier recall inside each.
func (e *Engine) binByDepth(injections []Injection, curves []lightcurve.Curve) ([]DepthBin, error) {
	width := (e.cfg.MaxDepth - e.cfg.MinDepth) / float64(e.cfg.DepthBins)
	bins := make([]DepthBin, e.cfg.DepthBins)
	binCurves := make([][]lightcurve.Curve, e.cfg.DepthBins)
	for b := range bins {
		bins[b].Low = e.cfg.MinDepth + float64(b)*width
		bins[b].High = bins[b].Low + width
	}

	for i, inj := range injections {
		if !inj.HasTransit {
			continue
		}
		b := int((inj.Depth - e.cfg.MinDepth) / width)
		if b >= e.cfg.DepthBins {
			b = e.cfg.DepthBins - 1
		}
		if b < 0 {
			b = 0
		}
		bins[b].Injected++
		if inj.Recovered {
			bins[b].Recovered++
		}
		binCurves[b] = append(binCurves[b], curves[i])
	}

	for b := range bins {
		if bins[b].Injected == 0 {
			continue
		}
		bins[b].RecoveryRate = float64(bins[b].Recovered) / float64(bins[b].Injected)
		ones := make([]int, bins[b].Injected)
		for i := range ones {
			ones[i] = 1
		}
		m, err := e.detector.EvaluateModel(binCurves[b], ones)
		if err != nil {
			return nil, fmt.Errorf("depth bin evaluation: %w", err)
		}
		bins[b].Recall = m.Recall
	}
	return bins, nil
}

// Progress reports run completion in percent.
func (e *Engine) Progress() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.progress
}

func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.started && !e.completed
}

// LastResults returns the report of the completed run, nil before that.
func (e *Engine) LastResults() *Results {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.results
}
