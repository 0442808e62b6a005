package pipeline

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"transitscope/lightcurve"
)

// Rule inspects one curve before ingestion. A rule may correct the curve
// by returning a modified copy, or reject it with an error.
type Rule interface {
	Name() string
	Apply(catalogID string, c lightcurve.Curve) (lightcurve.Curve, error)
}

// QualityIssue records why a curve was rejected or corrected.
type QualityIssue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"` // low, medium, high
	Message   string    `json:"message"`
	CatalogID string    `json:"catalog_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ValidationStats aggregates validator throughput.
type ValidationStats struct {
	TotalProcessed int64            `json:"total_processed"`
	Passed         int64            `json:"passed"`
	Rejected       int64            `json:"rejected"`
	Corrected      int64            `json:"corrected"`
	Issues         map[string]int64 `json:"issues"`
	LastRun        time.Time        `json:"last_run"`
}

// Validator runs every registered rule over incoming curves in order.
// The first rejecting rule wins; correcting rules chain.
type Validator struct {
	rules  []Rule
	logger *zap.Logger

	mu     sync.RWMutex
	issues []QualityIssue
	stats  ValidationStats
}

// NewValidator builds a validator with the default rule set.
func NewValidator(logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &Validator{
		logger: logger,
		stats:  ValidationStats{Issues: make(map[string]int64)},
	}
	v.AddRule(&structureRule{})
	v.AddRule(&minimumLengthRule{MinPoints: 50})
	v.AddRule(newDuplicateRule())
	v.AddRule(&cosmicRayClipRule{Threshold: 5})
	return v
}

func (v *Validator) AddRule(rule Rule) {
	v.rules = append(v.rules, rule)
	v.logger.Debug("validation rule registered", zap.String("rule", rule.Name()))
}

// Validate runs the rule chain over one curve. On rejection the returned
// issue carries the failing rule; on success the possibly corrected curve
// is returned.
func (v *Validator) Validate(catalogID string, c lightcurve.Curve) (lightcurve.Curve, []QualityIssue) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.stats.TotalProcessed++
	v.stats.LastRun = time.Now().UTC()

	current := c
	corrected := false
	var issues []QualityIssue
	for _, rule := range v.rules {
		next, err := rule.Apply(catalogID, current)
		if err != nil {
			issue := QualityIssue{
				Type:      rule.Name(),
				Severity:  "high",
				Message:   err.Error(),
				CatalogID: catalogID,
				Timestamp: time.Now().UTC(),
			}
			issues = append(issues, issue)
			v.stats.Rejected++
			v.stats.Issues[rule.Name()]++
			v.issues = append(v.issues, issue)
			return lightcurve.Curve{}, issues
		}
		if !sameFlux(next, current) {
			corrected = true
			issue := QualityIssue{
				Type:      rule.Name(),
				Severity:  "low",
				Message:   "samples corrected",
				CatalogID: catalogID,
				Timestamp: time.Now().UTC(),
			}
			issues = append(issues, issue)
			v.stats.Issues[rule.Name()]++
			v.issues = append(v.issues, issue)
		}
		current = next
	}

	v.stats.Passed++
	if corrected {
		v.stats.Corrected++
	}
	return current, issues
}

func sameFlux(a, b lightcurve.Curve) bool {
	if a.Len() != b.Len() {
		return false
	}
	for i := range a.Flux {
		if a.Flux[i] != b.Flux[i] {
			return false
		}
	}
	return true
}

func (v *Validator) Stats() ValidationStats {
	v.mu.RLock()
	defer v.mu.RUnlock()

	stats := v.stats
	stats.Issues = make(map[string]int64, len(v.stats.Issues))
	for k, n := range v.stats.Issues {
		stats.Issues[k] = n
	}
	return stats
}

// Issues returns the most recent quality issues, oldest first.
func (v *Validator) Issues(limit int) []QualityIssue {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if limit <= 0 || limit > len(v.issues) {
		limit = len(v.issues)
	}
	issues := make([]QualityIssue, limit)
	copy(issues, v.issues[len(v.issues)-limit:])
	return issues
}

// structureRule rejects curves that fail the basic shape checks.
type structureRule struct{}

func (r *structureRule) Name() string { return "structure_validation" }

func (r *structureRule) Apply(catalogID string, c lightcurve.Curve) (lightcurve.Curve, error) {
	if err := c.Validate(); err != nil {
		return lightcurve.Curve{}, err
	}
	return c, nil
}

// minimumLengthRule rejects curves too short for period search.
type minimumLengthRule struct {
	MinPoints int
}

func (r *minimumLengthRule) Name() string { return "minimum_length" }

func (r *minimumLengthRule) Apply(catalogID string, c lightcurve.Curve) (lightcurve.Curve, error) {
	if c.Len() < r.MinPoints {
		return lightcurve.Curve{}, fmt.Errorf("curve has %d points, need at least %d", c.Len(), r.MinPoints)
	}
	return c, nil
}

// duplicateRule rejects catalog ids already seen by this validator.
type duplicateRule struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newDuplicateRule() *duplicateRule {
	return &duplicateRule{seen: make(map[string]struct{})}
}

func (r *duplicateRule) Name() string { return "duplicate_detection" }

func (r *duplicateRule) Apply(catalogID string, c lightcurve.Curve) (lightcurve.Curve, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.seen[catalogID]; exists {
		return lightcurve.Curve{}, fmt.Errorf("duplicate catalog id %s", catalogID)
	}
	r.seen[catalogID] = struct{}{}
	return c, nil
}

// cosmicRayClipRule replaces upward flux spikes with the series median.
// Only positive outliers are touched: transits are dips, cosmic ray hits
// are flashes, so clipping both sides would eat the signal.
type cosmicRayClipRule struct {
	Threshold float64
}

func (r *cosmicRayClipRule) Name() string { return "cosmic_ray_clip" }

func (r *cosmicRayClipRule) Apply(catalogID string, c lightcurve.Curve) (lightcurve.Curve, error) {
	n := c.Len()
	if n == 0 {
		return c, nil
	}

	mean := 0.0
	for _, f := range c.Flux {
		mean += f
	}
	mean /= float64(n)
	variance := 0.0
	for _, f := range c.Flux {
		d := f - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(n))
	if std == 0 {
		return c, nil
	}

	var clipped []int
	for i, f := range c.Flux {
		if (f-mean)/std > r.Threshold {
			clipped = append(clipped, i)
		}
	}
	if len(clipped) == 0 {
		return c, nil
	}

	sorted := make([]float64, n)
	copy(sorted, c.Flux)
	sort.Float64s(sorted)
	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	out := c.Clone()
	for _, i := range clipped {
		out.Flux[i] = median
	}
	return out, nil
}
