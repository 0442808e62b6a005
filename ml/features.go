package ml

import (
	"errors"
	"math"
)

// FeatureVector is the closed set of scalar statistics derived from one
// flux series. Range is always max−min and Std is sqrt(Variance).
type FeatureVector struct {
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
	Std      float64 `json:"std"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Range    float64 `json:"range"`
	Skewness float64 `json:"skewness"`
	Kurtosis float64 `json:"kurtosis"`
}

// ErrZeroVariance reports a constant flux series, for which the scaled
// moments are undefined. Callers reject or special-case constant inputs
// upstream.
var ErrZeroVariance = errors.New("zero variance flux")

// ExtractFeatures computes the moment statistics of a flux series.
// Variance is the population variance (divide by N) and Kurtosis is the
// excess kurtosis (normal distribution scores 0).
func ExtractFeatures(flux []float64) (FeatureVector, error) {
	if len(flux) == 0 {
		return FeatureVector{}, errors.New("flux is empty")
	}

	n := float64(len(flux))
	mean := 0.0
	minVal := flux[0]
	maxVal := flux[0]
	for _, f := range flux {
		mean += f
		if f < minVal {
			minVal = f
		}
		if f > maxVal {
			maxVal = f
		}
	}
	mean /= n

	variance := 0.0
	for _, f := range flux {
		diff := f - mean
		variance += diff * diff
	}
	variance /= n
	std := math.Sqrt(variance)
	if std == 0 {
		return FeatureVector{}, ErrZeroVariance
	}

	skew := 0.0
	kurt := 0.0
	for _, f := range flux {
		z := (f - mean) / std
		skew += z * z * z
		kurt += z * z * z * z
	}
	skew /= n
	kurt = kurt/n - 3

	return FeatureVector{
		Mean:     mean,
		Variance: variance,
		Std:      std,
		Min:      minVal,
		Max:      maxVal,
		Range:    maxVal - minVal,
		Skewness: skew,
		Kurtosis: kurt,
	}, nil
}

// FeatureNames returns the feature names in the fixed vector order.
func FeatureNames() []string {
	return []string{
		"mean",
		"variance",
		"std",
		"min",
		"max",
		"range",
		"skewness",
		"kurtosis",
	}
}

// Values returns the features in FeatureNames order.
func (f FeatureVector) Values() []float64 {
	return []float64{
		f.Mean,
		f.Variance,
		f.Std,
		f.Min,
		f.Max,
		f.Range,
		f.Skewness,
		f.Kurtosis,
	}
}

func (f FeatureVector) Map() map[string]float64 {
	names := FeatureNames()
	values := f.Values()
	m := make(map[string]float64, len(names))
	for i, name := range names {
		m[name] = values[i]
	}
	return m
}

func featureVectorFromValues(values []float64) FeatureVector {
	return FeatureVector{
		Mean:     values[0],
		Variance: values[1],
		Std:      values[2],
		Min:      values[3],
		Max:      values[4],
		Range:    values[5],
		Skewness: values[6],
		Kurtosis: values[7],
	}
}
