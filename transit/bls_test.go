package transit

import (
	"math"
	"math/rand"
	"testing"

	"transitscope/lightcurve"
)

// boxTransitCurve samples a flat unit flux with a box transit of the given
// period, fractional duration and depth injected at phase zero.
func boxTransitCurve(n int, dt, period, duration, depth float64) lightcurve.Curve {
	c := lightcurve.Curve{Time: make([]float64, n), Flux: make([]float64, n)}
	for i := 0; i < n; i++ {
		t := float64(i) * dt
		c.Time[i] = t
		phase := math.Mod(t, period) / period
		if phase < duration/2 || phase > 1-duration/2 {
			c.Flux[i] = 1 - depth
		} else {
			c.Flux[i] = 1
		}
	}
	return c
}

func TestCalculateBLSRecoversInjectedTransit(t *testing.T) {
	// Duration 0.18 of the cycle fills most of the fixed 20% window, so the
	// measured depth is close to the injected one.
	c := boxTransitCurve(1000, 0.01, 0.9, 0.18, 0.02)
	result := CalculateBLS(c)

	if result.Score <= 0 {
		t.Fatalf("expected positive score, got %f", result.Score)
	}
	resolution := (c.Span()/3 - DefaultMinPeriod) / float64(DefaultNumPeriods)
	if math.Abs(result.Period-0.9) > 2*resolution {
		t.Fatalf("expected period near 0.9, got %f", result.Period)
	}
	if math.Abs(result.Depth-0.02) > 0.005 {
		t.Fatalf("expected depth near 0.02, got %f", result.Depth)
	}
}

func TestCalculateBLSNarrowTransitPeriodOnly(t *testing.T) {
	c := boxTransitCurve(1000, 0.01, 0.9, 0.06, 0.02)
	result := CalculateBLS(c)
	if result.Score <= 0 {
		t.Fatalf("expected positive score, got %f", result.Score)
	}
	if math.Abs(result.Period-0.9) > 0.06 {
		t.Fatalf("expected period near 0.9, got %f", result.Period)
	}
}

func TestCalculateBLSNoiseScoresLower(t *testing.T) {
	withTransit := boxTransitCurve(1000, 0.01, 0.9, 0.18, 0.02)
	transitScore := CalculateBLS(withTransit).Score

	rng := rand.New(rand.NewSource(42))
	noise := lightcurve.Curve{Time: make([]float64, 1000), Flux: make([]float64, 1000)}
	for i := 0; i < 1000; i++ {
		noise.Time[i] = float64(i) * 0.01
		noise.Flux[i] = 1 + rng.NormFloat64()*0.001
	}
	noiseScore := CalculateBLS(noise).Score

	if noiseScore >= transitScore {
		t.Fatalf("expected noise score %f below transit score %f", noiseScore, transitScore)
	}
}

func TestCalculateBLSShortBaselineRejected(t *testing.T) {
	// Baseline of 1.0 gives maxPeriod below the minimum search period.
	c := lightcurve.Curve{Time: make([]float64, 100), Flux: make([]float64, 100)}
	for i := 0; i < 100; i++ {
		c.Time[i] = float64(i) * 0.01
		c.Flux[i] = 1
	}
	result := CalculateBLS(c)
	if result.Period != 0 || result.Depth != 0 || result.Score != 0 {
		t.Fatalf("expected zero result for short baseline, got %+v", result)
	}
}

func TestCalculateBLSEmptyCurve(t *testing.T) {
	result := CalculateBLS(lightcurve.Curve{})
	if result.Score != 0 || result.Period != 0 {
		t.Fatalf("expected zero result for empty curve, got %+v", result)
	}
}

func TestCalculateBLSParallelMatchesSequential(t *testing.T) {
	c := boxTransitCurve(2000, 0.01, 1.3, 0.08, 0.015)

	sequential := CalculateBLS(c)
	cfg := DefaultSearchConfig()
	cfg.Workers = 4
	parallel := CalculateBLSWith(cfg, c)

	if sequential != parallel {
		t.Fatalf("parallel result %+v differs from sequential %+v", parallel, sequential)
	}
}
