package transit

import (
	"math"
	"sync"

	"transitscope/lightcurve"
)

// BLSResult holds the best-scoring period hypothesis found by the box
// least squares grid search. Depth may be negative for an upward excursion;
// callers treat that as non-physical.
type BLSResult struct {
	Period float64 `json:"period"`
	Depth  float64 `json:"depth"`
	Score  float64 `json:"score"`
}

const (
	DefaultMinPeriod  = 0.5
	DefaultMaxPeriod  = 20.0
	DefaultNumPeriods = 100
)

// SearchConfig bounds the period grid. Zero values fall back to the
// defaults; Workers > 1 splits the grid across goroutines.
type SearchConfig struct {
	MinPeriod  float64 `yaml:"min_period"`
	MaxPeriod  float64 `yaml:"max_period"`
	NumPeriods int     `yaml:"num_periods"`
	Workers    int     `yaml:"workers"`
}

func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		MinPeriod:  DefaultMinPeriod,
		MaxPeriod:  DefaultMaxPeriod,
		NumPeriods: DefaultNumPeriods,
		Workers:    1,
	}
}

// CalculateBLS runs the box least squares search with default bounds.
func CalculateBLS(c lightcurve.Curve) BLSResult {
	return CalculateBLSWith(DefaultSearchConfig(), c)
}

// CalculateBLSWith scans candidate periods linearly spaced in
// [minPeriod, maxPeriod), where maxPeriod is clipped to a third of the
// observed baseline. For each candidate the samples are phase-folded and
// split into a fixed in-transit window (phase < 0.1 or > 0.9) and the
// remaining out-of-transit set; the candidate scores |depth|·sqrt(nIn).
// The strictly greatest score wins, ties keeping the lowest period index.
// A zero result means no candidate beat score 0 or the baseline was too
// short to search.
func CalculateBLSWith(cfg SearchConfig, c lightcurve.Curve) BLSResult {
	if len(c.Flux) == 0 || len(c.Time) != len(c.Flux) {
		return BLSResult{}
	}

	minPeriod := cfg.MinPeriod
	if minPeriod <= 0 {
		minPeriod = DefaultMinPeriod
	}
	maxPeriod := cfg.MaxPeriod
	if maxPeriod <= 0 {
		maxPeriod = DefaultMaxPeriod
	}
	if limit := c.Span() / 3; limit < maxPeriod {
		maxPeriod = limit
	}
	if maxPeriod < minPeriod {
		return BLSResult{}
	}
	numPeriods := cfg.NumPeriods
	if numPeriods <= 0 {
		numPeriods = DefaultNumPeriods
	}

	if cfg.Workers > 1 {
		return searchParallel(c, minPeriod, maxPeriod, numPeriods, cfg.Workers)
	}

	best := BLSResult{}
	for i := 0; i < numPeriods; i++ {
		period := minPeriod + (maxPeriod-minPeriod)*float64(i)/float64(numPeriods)
		depth, score := scorePeriod(c, period)
		if score > best.Score {
			best = BLSResult{Period: period, Depth: depth, Score: score}
		}
	}
	return best
}

type gridBest struct {
	idx    int
	period float64
	depth  float64
	score  float64
}

// searchParallel strides the period grid across workers and reduces to the
// same winner the sequential scan would pick: highest score, then lowest
// period index on an exact tie.
func searchParallel(c lightcurve.Curve, minPeriod, maxPeriod float64, numPeriods, workers int) BLSResult {
	if workers > numPeriods {
		workers = numPeriods
	}
	results := make(chan gridBest, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			local := gridBest{idx: -1}
			for i := offset; i < numPeriods; i += workers {
				period := minPeriod + (maxPeriod-minPeriod)*float64(i)/float64(numPeriods)
				depth, score := scorePeriod(c, period)
				if score > local.score {
					local = gridBest{idx: i, period: period, depth: depth, score: score}
				}
			}
			results <- local
		}(w)
	}
	wg.Wait()
	close(results)

	best := gridBest{idx: -1}
	for r := range results {
		if r.idx < 0 {
			continue
		}
		if best.idx < 0 || r.score > best.score || (r.score == best.score && r.idx < best.idx) {
			best = r
		}
	}
	if best.idx < 0 {
		return BLSResult{}
	}
	return BLSResult{Period: best.period, Depth: best.depth, Score: best.score}
}

// scorePeriod folds the curve at one candidate period and scores the fixed
// 20% window straddling phase zero. Score is 0 when either partition is
// empty or the out-of-transit mean is zero.
func scorePeriod(c lightcurve.Curve, period float64) (depth, score float64) {
	var sumIn, sumOut float64
	var nIn, nOut int
	for i, t := range c.Time {
		m := math.Mod(t, period)
		if m < 0 {
			m += period
		}
		phase := m / period
		if phase < 0.1 || phase > 0.9 {
			sumIn += c.Flux[i]
			nIn++
		} else {
			sumOut += c.Flux[i]
			nOut++
		}
	}
	if nIn == 0 || nOut == 0 {
		return 0, 0
	}
	meanOut := sumOut / float64(nOut)
	if meanOut == 0 {
		return 0, 0
	}
	depth = 1 - (sumIn/float64(nIn))/meanOut
	return depth, math.Abs(depth) * math.Sqrt(float64(nIn))
}
