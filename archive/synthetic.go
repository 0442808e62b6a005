package archive

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"math/rand"

	"transitscope/lightcurve"
)

// GenerateParams fully describes one synthetic light curve. Duration is
// the transit duration as a fraction of one orbital cycle.
type GenerateParams struct {
	Points     int
	Cadence    float64
	NoiseSigma float64
	TrendAmp   float64
	HasTransit bool
	Period     float64
	Depth      float64
	Duration   float64
}

// GenerateCurve samples a curve from explicit parameters: unit flux with a
// slow sinusoidal trend and Gaussian noise, optionally with a box transit
// injected at phase zero.
func GenerateCurve(rng *rand.Rand, p GenerateParams) lightcurve.Curve {
	c := lightcurve.Curve{
		Time: make([]float64, p.Points),
		Flux: make([]float64, p.Points),
	}
	span := float64(p.Points) * p.Cadence
	for i := 0; i < p.Points; i++ {
		t := float64(i) * p.Cadence
		flux := 1.0
		if p.TrendAmp != 0 && span > 0 {
			flux += p.TrendAmp * math.Sin(2*math.Pi*t/span)
		}
		if p.HasTransit && p.Period > 0 {
			phase := math.Mod(t, p.Period) / p.Period
			if phase < p.Duration/2 || phase > 1-p.Duration/2 {
				flux -= p.Depth
			}
		}
		if p.NoiseSigma > 0 {
			flux += rng.NormFloat64() * p.NoiseSigma
		}
		c.Time[i] = t
		c.Flux[i] = flux
	}
	return c
}

// SyntheticConfig shapes the curves served by the synthetic archive.
// TransitFraction is the share of catalog ids that carry a transit.
type SyntheticConfig struct {
	Points          int     `yaml:"points"`
	Cadence         float64 `yaml:"cadence"`
	NoiseSigma      float64 `yaml:"noise_sigma"`
	TrendAmp        float64 `yaml:"trend_amp"`
	TransitFraction float64 `yaml:"transit_fraction"`
}

func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Points:          1000,
		Cadence:         0.02,
		NoiseSigma:      0.001,
		TrendAmp:        0.01,
		TransitFraction: 0.5,
	}
}

// Synthetic is the mock archive standing in for a real photometric feed.
// Every catalog id maps to its own deterministic random stream, so the
// same id always serves the same curve.
type Synthetic struct {
	cfg  SyntheticConfig
	seed int64
}

func NewSynthetic(cfg SyntheticConfig, seed int64) *Synthetic {
	if cfg.Points <= 0 {
		cfg.Points = 1000
	}
	if cfg.Cadence <= 0 {
		cfg.Cadence = 0.02
	}
	return &Synthetic{cfg: cfg, seed: seed}
}

func (s *Synthetic) Name() string {
	return "synthetic"
}

func (s *Synthetic) HealthCheck() error {
	return nil
}

func (s *Synthetic) Fetch(ctx context.Context, catalogID string) (lightcurve.Curve, error) {
	if catalogID == "" {
		return lightcurve.Curve{}, errors.New("catalog id is required")
	}
	if err := ctx.Err(); err != nil {
		return lightcurve.Curve{}, err
	}
	rng := rand.New(rand.NewSource(s.idSeed(catalogID)))
	params := s.drawParams(rng)
	return GenerateCurve(rng, params), nil
}

// Params reveals the generator parameters behind a catalog id. Fetch draws
// the same parameters, so a label derived here matches the served curve.
func (s *Synthetic) Params(catalogID string) GenerateParams {
	rng := rand.New(rand.NewSource(s.idSeed(catalogID)))
	return s.drawParams(rng)
}

func (s *Synthetic) HasTransit(catalogID string) bool {
	return s.Params(catalogID).HasTransit
}

// CentroidShift is the mock image-domain centroid offset (arcsec) a real
// archive would serve alongside the photometry. A small share of the
// transit-bearing ids get a large shift, mimicking blended eclipsing
// binaries for the vetting layer to catch.
func (s *Synthetic) CentroidShift(catalogID string) float64 {
	rng := rand.New(rand.NewSource(s.idSeed(catalogID) + 1))
	params := s.Params(catalogID)
	if params.HasTransit && rng.Float64() < 0.1 {
		return 1 + math.Abs(rng.NormFloat64())*0.5
	}
	return math.Abs(rng.NormFloat64()) * 0.05
}

// drawParams consumes a fixed number of draws whether or not the id turns
// out to carry a transit, keeping the stream position stable for the
// flux sampling that follows.
func (s *Synthetic) drawParams(rng *rand.Rand) GenerateParams {
	p := GenerateParams{
		Points:     s.cfg.Points,
		Cadence:    s.cfg.Cadence,
		NoiseSigma: s.cfg.NoiseSigma,
		TrendAmp:   s.cfg.TrendAmp,
	}
	hasTransit := rng.Float64() < s.cfg.TransitFraction
	period := 1 + rng.Float64()*7
	depth := 0.005 + rng.Float64()*0.025
	duration := 0.02 + rng.Float64()*0.06
	if hasTransit {
		p.HasTransit = true
		p.Period = period
		p.Depth = depth
		p.Duration = duration
	}
	return p
}

// idSeed folds the catalog id into the archive seed so each id gets an
// independent stream.
func (s *Synthetic) idSeed(catalogID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(catalogID))
	return s.seed ^ int64(h.Sum64())
}
