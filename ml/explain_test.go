package ml

import (
	"math"
	"testing"
)

func transitLikeFeatures() FeatureVector {
	return FeatureVector{
		Mean:     1.0,
		Variance: 0.0001,
		Std:      0.01,
		Min:      0.95,
		Max:      1.005,
		Range:    0.055,
		Skewness: -2.4,
		Kurtosis: 6.1,
	}
}

func flatFeatures() FeatureVector {
	return FeatureVector{
		Mean:     1.0,
		Variance: 0.0001,
		Std:      0.01,
		Min:      0.98,
		Max:      1.02,
		Range:    0.04,
		Skewness: 0,
		Kurtosis: 0,
	}
}

func TestSHAPEfficiency(t *testing.T) {
	observed := transitLikeFeatures()
	baseline := flatFeatures()

	attributions := CalculateSHAPValues(observed, baseline)
	if len(attributions) != len(FeatureNames()) {
		t.Fatalf("expected %d attributions, got %d", len(FeatureNames()), len(attributions))
	}
	sum := 0.0
	for _, phi := range attributions {
		sum += phi
	}
	want := TransitScore(observed) - TransitScore(baseline)
	if math.Abs(sum-want) > 1e-9 {
		t.Fatalf("attributions sum to %f, want %f", sum, want)
	}
}

func TestSHAPDeterministic(t *testing.T) {
	observed := transitLikeFeatures()
	baseline := flatFeatures()

	first := CalculateSHAPValues(observed, baseline)
	second := CalculateSHAPValues(observed, baseline)
	for name, phi := range first {
		if second[name] != phi {
			t.Fatalf("attribution for %s not deterministic: %f vs %f", name, phi, second[name])
		}
	}
}

func TestSHAPIdenticalFeatureGetsZero(t *testing.T) {
	observed := transitLikeFeatures()
	baseline := flatFeatures()
	// mean, variance and std agree between the two vectors
	attributions := CalculateSHAPValues(observed, baseline)
	for _, name := range []string{"mean", "variance", "std"} {
		if attributions[name] != 0 {
			t.Fatalf("expected zero attribution for unchanged feature %s, got %f", name, attributions[name])
		}
	}
	if attributions["skewness"] == 0 {
		t.Fatal("expected nonzero attribution for changed skewness")
	}
}

func TestSHAPLinearScorer(t *testing.T) {
	observed := transitLikeFeatures()
	baseline := flatFeatures()

	scorer := func(f FeatureVector) float64 { return f.Min + 2*f.Max }
	attributions := CalculateSHAPValuesWithScorer(observed, baseline, scorer)

	wantMin := observed.Min - baseline.Min
	wantMax := 2 * (observed.Max - baseline.Max)
	if math.Abs(attributions["min"]-wantMin) > 1e-9 {
		t.Fatalf("expected min attribution %f, got %f", wantMin, attributions["min"])
	}
	if math.Abs(attributions["max"]-wantMax) > 1e-9 {
		t.Fatalf("expected max attribution %f, got %f", wantMax, attributions["max"])
	}
	if math.Abs(attributions["skewness"]) > 1e-9 {
		t.Fatalf("expected zero attribution for feature outside scorer, got %f", attributions["skewness"])
	}
}

func TestTransitScoreOrdering(t *testing.T) {
	transit := TransitScore(transitLikeFeatures())
	flat := TransitScore(flatFeatures())
	if transit <= flat {
		t.Fatalf("expected transit-like features to score higher: %f vs %f", transit, flat)
	}
	for _, score := range []float64{transit, flat} {
		if score < 0 || score >= 1 {
			t.Fatalf("score out of range: %f", score)
		}
	}
}
