package lightcurve

import (
	"errors"
	"math"
)

// Curve is an observed flux time series. Time and Flux always have equal
// length and the time axis is strictly increasing. Transformations return
// new instances; a Curve is never mutated after it is produced.
type Curve struct {
	Time []float64 `json:"time"`
	Flux []float64 `json:"flux"`
}

func (c Curve) Len() int {
	return len(c.Flux)
}

// Span returns the baseline covered by the time axis.
func (c Curve) Span() float64 {
	if len(c.Time) < 2 {
		return 0
	}
	return c.Time[len(c.Time)-1] - c.Time[0]
}

func (c Curve) Clone() Curve {
	return Curve{
		Time: append([]float64(nil), c.Time...),
		Flux: append([]float64(nil), c.Flux...),
	}
}

func (c Curve) Validate() error {
	if len(c.Time) != len(c.Flux) {
		return errors.New("time and flux length mismatch")
	}
	if len(c.Time) == 0 {
		return errors.New("curve is empty")
	}
	for i := range c.Time {
		if math.IsNaN(c.Time[i]) || math.IsInf(c.Time[i], 0) {
			return errors.New("non-finite time value")
		}
		if math.IsNaN(c.Flux[i]) || math.IsInf(c.Flux[i], 0) {
			return errors.New("non-finite flux value")
		}
		if i > 0 && c.Time[i] <= c.Time[i-1] {
			return errors.New("time axis not strictly increasing")
		}
	}
	return nil
}
