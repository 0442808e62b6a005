package lightcurve

import (
	"math"
	"sort"
)

// Detrend removes slow trends by dividing each flux sample by the median of
// a centered moving window over the flux array. The time axis is untouched.
// Window size is min(101, N/10); edge windows are naturally shorter.
func Detrend(c Curve) Curve {
	n := len(c.Flux)
	out := Curve{
		Time: append([]float64(nil), c.Time...),
		Flux: make([]float64, n),
	}
	window := n / 10
	if window > 101 {
		window = 101
	}
	half := window / 2
	for i := 0; i < n; i++ {
		lo := i - half
		if lo < 0 {
			lo = 0
		}
		hi := i + half
		if hi > n {
			hi = n
		}
		out.Flux[i] = c.Flux[i] / medianOf(c.Flux[lo:hi])
	}
	return out
}

// NormalizeFlux standardizes flux to zero mean and unit variance. A constant
// series maps to all zeros rather than dividing by a zero std.
func NormalizeFlux(flux []float64) []float64 {
	out := make([]float64, len(flux))
	if len(flux) == 0 {
		return out
	}
	mean := 0.0
	for _, f := range flux {
		mean += f
	}
	mean /= float64(len(flux))
	variance := 0.0
	for _, f := range flux {
		diff := f - mean
		variance += diff * diff
	}
	std := math.Sqrt(variance / float64(len(flux)))
	if std == 0 {
		std = 1
	}
	for i, f := range flux {
		out[i] = (f - mean) / std
	}
	return out
}

// Fold phase-folds the curve at the given period. The returned time axis
// holds phases in [0,1) sorted ascending, with flux reordered to match.
// A non-positive period returns the curve unchanged.
func Fold(c Curve, period, epoch float64) Curve {
	if period <= 0 {
		return c.Clone()
	}
	n := len(c.Time)
	phases := make([]float64, n)
	for i, t := range c.Time {
		phase := math.Mod(t-epoch, period)
		if phase < 0 {
			phase += period
		}
		phases[i] = phase / period
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return phases[order[a]] < phases[order[b]]
	})
	out := Curve{Time: make([]float64, n), Flux: make([]float64, n)}
	for i, idx := range order {
		out.Time[i] = phases[idx]
		out.Flux[i] = c.Flux[idx]
	}
	return out
}

// PadOrTruncate coerces flux to exactly length samples. Longer series keep
// their trailing samples; shorter ones are right-padded with zeros.
func PadOrTruncate(flux []float64, length int) []float64 {
	if length <= 0 {
		return []float64{}
	}
	out := make([]float64, length)
	if len(flux) >= length {
		copy(out, flux[len(flux)-length:])
		return out
	}
	copy(out, flux)
	return out
}

// medianOf sorts a copy of the window. The empty window is defined to have
// median 1.0 so degenerate detrend windows divide by one.
func medianOf(window []float64) float64 {
	if len(window) == 0 {
		return 1.0
	}
	sorted := append([]float64(nil), window...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
