package vetting

import (
	"math"
	"testing"

	"transitscope/lightcurve"
	"transitscope/transit"
)

// eclipsingCurve injects alternating transit depths so odd and even
// events can disagree like an eclipsing binary.
func eclipsingCurve(n int, dt, period, oddDepth, evenDepth float64) lightcurve.Curve {
	c := lightcurve.Curve{
		Time: make([]float64, n),
		Flux: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		t := float64(i) * dt
		c.Time[i] = t
		c.Flux[i] = 1
		phase := math.Mod(t, period) / period
		if phase < 0.1 || phase > 0.9 {
			event := int(math.Floor(t / period))
			if phase > 0.9 {
				event++
			}
			if event%2 == 0 {
				c.Flux[i] -= evenDepth
			} else {
				c.Flux[i] -= oddDepth
			}
		}
	}
	return c
}

func TestOddEvenDepthsEqual(t *testing.T) {
	c := eclipsingCurve(1000, 0.02, 2.0, 0.02, 0.02)
	odd, even := OddEvenDepths(c, 2.0)
	if math.Abs(odd-0.02) > 1e-9 || math.Abs(even-0.02) > 1e-9 {
		t.Fatalf("expected both depths near 0.02, got odd %f even %f", odd, even)
	}
	if diff := DepthDifference(odd, even); diff > 1e-6 {
		t.Fatalf("expected negligible depth difference, got %f", diff)
	}
}

func TestOddEvenDepthsAlternating(t *testing.T) {
	c := eclipsingCurve(1000, 0.02, 2.0, 0.04, 0.02)
	odd, even := OddEvenDepths(c, 2.0)
	if math.Abs(odd-0.04) > 1e-9 {
		t.Fatalf("expected odd depth 0.04, got %f", odd)
	}
	if math.Abs(even-0.02) > 1e-9 {
		t.Fatalf("expected even depth 0.02, got %f", even)
	}
	diff := DepthDifference(odd, even)
	if math.Abs(diff-2.0/3.0) > 1e-6 {
		t.Fatalf("expected relative difference 2/3, got %f", diff)
	}
}

func TestOddEvenDepthsDegenerate(t *testing.T) {
	if odd, even := OddEvenDepths(lightcurve.Curve{}, 2.0); odd != 0 || even != 0 {
		t.Fatalf("expected zeros for empty curve, got %f %f", odd, even)
	}
	c := eclipsingCurve(100, 0.02, 2.0, 0.02, 0.02)
	if odd, even := OddEvenDepths(c, 0); odd != 0 || even != 0 {
		t.Fatalf("expected zeros for non-positive period, got %f %f", odd, even)
	}
	if DepthDifference(0, 0) != 0 {
		t.Fatal("expected zero difference when both depths vanish")
	}
}

func TestAssessCandidate(t *testing.T) {
	c := eclipsingCurve(1000, 0.02, 2.0, 0.02, 0.02)
	result := transit.BLSResult{Period: 2.0, Depth: 0.02, Score: 0.3}

	rec := Assess("SYN-000001", c, result, 0.92, 0.1, DefaultConfig)
	if rec.Disposition != DispositionCandidate {
		t.Fatalf("expected candidate, got %s with flags %v", rec.Disposition, rec.Flags)
	}
	if len(rec.Flags) != 0 {
		t.Fatalf("expected no flags, got %v", rec.Flags)
	}
	if rec.CatalogID != "SYN-000001" || rec.Period != 2.0 {
		t.Fatalf("record fields not populated: %+v", rec)
	}
}

func TestAssessOddEvenMismatch(t *testing.T) {
	c := eclipsingCurve(1000, 0.02, 2.0, 0.04, 0.02)
	result := transit.BLSResult{Period: 2.0, Depth: 0.03, Score: 0.4}

	rec := Assess("SYN-000002", c, result, 0.9, 0.1, DefaultConfig)
	if rec.Disposition != DispositionFalsePositive {
		t.Fatalf("expected false positive, got %s", rec.Disposition)
	}
	if !hasFlag(rec, FlagOddEvenMismatch) {
		t.Fatalf("expected odd/even flag, got %v", rec.Flags)
	}
}

func TestAssessCentroidOffset(t *testing.T) {
	c := eclipsingCurve(1000, 0.02, 2.0, 0.02, 0.02)
	result := transit.BLSResult{Period: 2.0, Depth: 0.02, Score: 0.3}

	rec := Assess("SYN-000003", c, result, 0.9, 2.5, DefaultConfig)
	if rec.Disposition != DispositionFalsePositive {
		t.Fatalf("expected false positive, got %s", rec.Disposition)
	}
	if !hasFlag(rec, FlagCentroidOffset) {
		t.Fatalf("expected centroid flag, got %v", rec.Flags)
	}
}

func TestAssessLowConfidenceGoesToReview(t *testing.T) {
	c := eclipsingCurve(1000, 0.02, 2.0, 0.02, 0.02)
	result := transit.BLSResult{Period: 2.0, Depth: 0.02, Score: 0.3}

	rec := Assess("SYN-000004", c, result, 0.2, 0.1, DefaultConfig)
	if rec.Disposition != DispositionNeedsReview {
		t.Fatalf("expected review, got %s", rec.Disposition)
	}
	if !hasFlag(rec, FlagLowConfidence) {
		t.Fatalf("expected low confidence flag, got %v", rec.Flags)
	}
}

func TestAssessNoSignal(t *testing.T) {
	c := eclipsingCurve(1000, 0.02, 2.0, 0, 0)

	rec := Assess("SYN-000005", c, transit.BLSResult{}, 0.3, 0.1, DefaultConfig)
	if rec.Disposition != DispositionNeedsReview {
		t.Fatalf("expected review, got %s", rec.Disposition)
	}
	if !hasFlag(rec, FlagNoSignal) {
		t.Fatalf("expected no-signal flag, got %v", rec.Flags)
	}
}

func TestAssessZeroConfigUsesDefaults(t *testing.T) {
	c := eclipsingCurve(1000, 0.02, 2.0, 0.02, 0.02)
	result := transit.BLSResult{Period: 2.0, Depth: 0.02, Score: 0.3}

	rec := Assess("SYN-000006", c, result, 0.92, 0.1, Config{})
	if rec.Disposition != DispositionCandidate {
		t.Fatalf("expected defaults to apply, got %s with flags %v", rec.Disposition, rec.Flags)
	}
}

func hasFlag(rec Record, flag string) bool {
	for _, f := range rec.Flags {
		if f == flag {
			return true
		}
	}
	return false
}
