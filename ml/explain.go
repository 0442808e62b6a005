package ml

import "math/bits"

// CalculateSHAPValues attributes the transit-score difference between the
// observed features and a baseline across the eight features using exact
// Shapley values. The result is deterministic and satisfies the Shapley
// efficiency property: attributions sum to score(observed) −
// score(baseline).
func CalculateSHAPValues(observed, baseline FeatureVector) map[string]float64 {
	return CalculateSHAPValuesWithScorer(observed, baseline, TransitScore)
}

// CalculateSHAPValuesWithScorer computes exact Shapley values for an
// arbitrary scoring function by enumerating all feature coalitions. With
// eight features that is 256 scorer calls.
func CalculateSHAPValuesWithScorer(observed, baseline FeatureVector, scorer func(FeatureVector) float64) map[string]float64 {
	names := FeatureNames()
	n := len(names)
	obs := observed.Values()
	base := baseline.Values()

	total := 1 << n
	coalition := make([]float64, total)
	mixed := make([]float64, n)
	for mask := 0; mask < total; mask++ {
		for i := 0; i < n; i++ {
			if mask&(1<<i) != 0 {
				mixed[i] = obs[i]
			} else {
				mixed[i] = base[i]
			}
		}
		coalition[mask] = scorer(featureVectorFromValues(mixed))
	}

	// Shapley weight for a coalition of size s: s!(n−1−s)!/n!
	factorial := make([]float64, n+1)
	factorial[0] = 1
	for i := 1; i <= n; i++ {
		factorial[i] = factorial[i-1] * float64(i)
	}
	weights := make([]float64, n)
	for s := 0; s < n; s++ {
		weights[s] = factorial[s] * factorial[n-1-s] / factorial[n]
	}

	attributions := make(map[string]float64, n)
	for i := 0; i < n; i++ {
		bit := 1 << i
		phi := 0.0
		for mask := 0; mask < total; mask++ {
			if mask&bit != 0 {
				continue
			}
			phi += weights[bits.OnesCount(uint(mask))] * (coalition[mask|bit] - coalition[mask])
		}
		attributions[names[i]] = phi
	}
	return attributions
}

// TransitScore maps moment features to a transit-likeness score in [0,1).
// Transit-bearing flux is skewed negative with heavy tails, so negative
// skewness, positive excess kurtosis and a deep minimum relative to the
// scatter all raise the score.
func TransitScore(f FeatureVector) float64 {
	raw := 0.0
	if f.Skewness < 0 {
		raw += -f.Skewness * 0.5
	}
	if f.Kurtosis > 0 {
		raw += f.Kurtosis * 0.25
	}
	if f.Std > 0 {
		if drop := (f.Mean - f.Min) / f.Std; drop > 3 {
			raw += (drop - 3) * 0.1
		}
		if spread := f.Range / f.Std; spread > 4 {
			raw += (spread - 4) * 0.05
		}
	}
	return raw / (1 + raw)
}
