package vetting

import (
	"math"
	"time"

	"transitscope/lightcurve"
	"transitscope/transit"
)

// Dispositions assigned by Assess.
const (
	DispositionCandidate     = "planet_candidate"
	DispositionFalsePositive = "false_positive"
	DispositionNeedsReview   = "needs_review"
)

// Diagnostic flags attached to a record.
const (
	FlagNoSignal        = "no_signal"
	FlagWeakSignal      = "weak_signal"
	FlagOddEvenMismatch = "odd_even_mismatch"
	FlagCentroidOffset  = "centroid_offset"
	FlagLowConfidence   = "low_confidence"
)

// Config holds the disposition thresholds.
type Config struct {
	MaxDepthDifference float64 `yaml:"max_depth_difference" json:"max_depth_difference"`
	MaxCentroidShift   float64 `yaml:"max_centroid_shift" json:"max_centroid_shift"`
	MinConfidence      float64 `yaml:"min_confidence" json:"min_confidence"`
	MinScore           float64 `yaml:"min_score" json:"min_score"`
}

// DefaultConfig are thresholds tuned against the synthetic archive.
var DefaultConfig = Config{
	MaxDepthDifference: 0.25,
	MaxCentroidShift:   0.5,
	MinConfidence:      0.5,
	MinScore:           0.1,
}

// Record is the outcome of vetting one detection.
type Record struct {
	CatalogID       string    `json:"catalog_id"`
	Period          float64   `json:"period"`
	Depth           float64   `json:"depth"`
	OddDepth        float64   `json:"odd_depth"`
	EvenDepth       float64   `json:"even_depth"`
	DepthDifference float64   `json:"depth_difference"`
	CentroidShift   float64   `json:"centroid_shift"`
	Confidence      float64   `json:"confidence"`
	Disposition     string    `json:"disposition"`
	Flags           []string  `json:"flags"`
	CreatedAt       time.Time `json:"created_at"`
}

// OddEvenDepths measures the transit depth separately for odd and even
// numbered events at the given period. An eclipsing binary mimicking a
// planet shows two different depths because primary and secondary
// eclipses alternate. The out-of-transit mean is shared between both
// groups; a group with no samples reports depth 0.
func OddEvenDepths(c lightcurve.Curve, period float64) (odd, even float64) {
	if period <= 0 || c.Len() == 0 {
		return 0, 0
	}

	var sumOddIn, sumEvenIn, sumOut float64
	var nOddIn, nEvenIn, nOut int
	for i, t := range c.Time {
		phase := math.Mod(t, period) / period
		if phase < 0 {
			phase++
		}
		if phase < 0.1 || phase > 0.9 {
			event := int(math.Floor(t / period))
			// late-phase samples are the ingress of the next event
			if phase > 0.9 {
				event++
			}
			if event%2 == 0 {
				sumEvenIn += c.Flux[i]
				nEvenIn++
			} else {
				sumOddIn += c.Flux[i]
				nOddIn++
			}
		} else {
			sumOut += c.Flux[i]
			nOut++
		}
	}
	if nOut == 0 {
		return 0, 0
	}
	meanOut := sumOut / float64(nOut)
	if meanOut == 0 {
		return 0, 0
	}
	if nOddIn > 0 {
		odd = 1 - (sumOddIn/float64(nOddIn))/meanOut
	}
	if nEvenIn > 0 {
		even = 1 - (sumEvenIn/float64(nEvenIn))/meanOut
	}
	return odd, even
}

// DepthDifference is the relative disagreement between the odd and even
// depths, 0 when both vanish.
func DepthDifference(odd, even float64) float64 {
	denom := (math.Abs(odd) + math.Abs(even)) / 2
	if denom == 0 {
		return 0
	}
	return math.Abs(odd-even) / denom
}

// Assess runs the vetting checks over one detection and assigns a
// disposition. Checks that indicate an astrophysical false positive
// (odd/even mismatch, centroid offset) dominate; purely statistical
// doubts send the record to review instead.
func Assess(catalogID string, c lightcurve.Curve, result transit.BLSResult, confidence, centroidShift float64, cfg Config) Record {
	if cfg == (Config{}) {
		cfg = DefaultConfig
	}

	odd, even := OddEvenDepths(c, result.Period)
	diff := DepthDifference(odd, even)

	rec := Record{
		CatalogID:       catalogID,
		Period:          result.Period,
		Depth:           result.Depth,
		OddDepth:        odd,
		EvenDepth:       even,
		DepthDifference: diff,
		CentroidShift:   centroidShift,
		Confidence:      confidence,
		CreatedAt:       time.Now().UTC(),
	}

	falsePositive := false
	if result.Score == 0 {
		rec.Flags = append(rec.Flags, FlagNoSignal)
	} else if result.Score < cfg.MinScore {
		rec.Flags = append(rec.Flags, FlagWeakSignal)
	}
	if result.Score > 0 && diff > cfg.MaxDepthDifference {
		rec.Flags = append(rec.Flags, FlagOddEvenMismatch)
		falsePositive = true
	}
	if centroidShift > cfg.MaxCentroidShift {
		rec.Flags = append(rec.Flags, FlagCentroidOffset)
		falsePositive = true
	}
	if confidence < cfg.MinConfidence {
		rec.Flags = append(rec.Flags, FlagLowConfidence)
	}

	switch {
	case falsePositive:
		rec.Disposition = DispositionFalsePositive
	case len(rec.Flags) == 0:
		rec.Disposition = DispositionCandidate
	default:
		rec.Disposition = DispositionNeedsReview
	}
	return rec
}
