package pipeline

import (
	"math"
	"testing"

	"transitscope/lightcurve"
)

func validCurve(n int) lightcurve.Curve {
	c := lightcurve.Curve{
		Time: make([]float64, n),
		Flux: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		c.Time[i] = float64(i) * 0.02
		c.Flux[i] = 1
	}
	return c
}

func TestNewValidator(t *testing.T) {
	v := NewValidator(nil)
	if v == nil {
		t.Fatal("NewValidator returned nil")
	}
	if len(v.rules) == 0 {
		t.Error("no default rules added")
	}
}

func TestStructureRule(t *testing.T) {
	rule := &structureRule{}

	tests := []struct {
		name    string
		curve   lightcurve.Curve
		wantErr bool
	}{
		{
			name:  "valid curve",
			curve: validCurve(100),
		},
		{
			name: "length mismatch",
			curve: lightcurve.Curve{
				Time: []float64{0, 1, 2},
				Flux: []float64{1, 1},
			},
			wantErr: true,
		},
		{
			name: "non-finite flux",
			curve: lightcurve.Curve{
				Time: []float64{0, 1, 2},
				Flux: []float64{1, math.NaN(), 1},
			},
			wantErr: true,
		},
		{
			name: "time not increasing",
			curve: lightcurve.Curve{
				Time: []float64{0, 2, 1},
				Flux: []float64{1, 1, 1},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rule.Apply("SYN-000001", tt.curve)
			if (err != nil) != tt.wantErr {
				t.Fatalf("got err %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMinimumLengthRule(t *testing.T) {
	rule := &minimumLengthRule{MinPoints: 50}

	if _, err := rule.Apply("SYN-000001", validCurve(49)); err == nil {
		t.Fatal("expected rejection below minimum")
	}
	if _, err := rule.Apply("SYN-000001", validCurve(50)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDuplicateRule(t *testing.T) {
	rule := newDuplicateRule()
	c := validCurve(100)

	if _, err := rule.Apply("SYN-000001", c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := rule.Apply("SYN-000001", c); err == nil {
		t.Fatal("expected duplicate rejection")
	}
	if _, err := rule.Apply("SYN-000002", c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCosmicRayClipRule(t *testing.T) {
	rule := &cosmicRayClipRule{Threshold: 5}

	c := validCurve(200)
	for i := range c.Flux {
		c.Flux[i] = 1 + 0.001*math.Sin(float64(i))
	}
	// upward flash well past the threshold, downward dip like a transit
	c.Flux[40] = 1.5
	c.Flux[120] = 0.98

	out, err := rule.Apply("SYN-000001", c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Flux[40] >= 1.4 {
		t.Fatalf("expected flash clipped, got %f", out.Flux[40])
	}
	if out.Flux[120] != 0.98 {
		t.Fatalf("expected dip preserved, got %f", out.Flux[120])
	}
	// the input is untouched
	if c.Flux[40] != 1.5 {
		t.Fatalf("expected input unchanged, got %f", c.Flux[40])
	}

	clean := validCurve(100)
	out, err = rule.Apply("SYN-000002", clean)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sameFlux(out, clean) {
		t.Fatal("expected clean curve passed through unchanged")
	}
}

func TestValidatorRejectsAndCounts(t *testing.T) {
	v := NewValidator(nil)

	short := validCurve(10)
	if out, issues := v.Validate("SYN-000001", short); out.Len() != 0 || len(issues) == 0 {
		t.Fatalf("expected rejection, got %d points and %d issues", out.Len(), len(issues))
	}

	good := validCurve(200)
	out, issues := v.Validate("SYN-000002", good)
	if out.Len() != 200 {
		t.Fatalf("expected curve to pass, got %d points", out.Len())
	}
	if len(issues) != 0 {
		t.Fatalf("expected no issues, got %v", issues)
	}

	stats := v.Stats()
	if stats.TotalProcessed != 2 || stats.Passed != 1 || stats.Rejected != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Issues["minimum_length"] != 1 {
		t.Fatalf("expected issue recorded per rule, got %v", stats.Issues)
	}
}

func TestValidatorCountsCorrections(t *testing.T) {
	v := NewValidator(nil)

	c := validCurve(200)
	for i := range c.Flux {
		c.Flux[i] = 1 + 0.001*math.Sin(float64(i)*0.7)
	}
	c.Flux[33] = 2.0

	out, issues := v.Validate("SYN-000001", c)
	if out.Len() != 200 {
		t.Fatalf("expected corrected curve to pass, got %d points", out.Len())
	}
	if len(issues) != 1 || issues[0].Severity != "low" {
		t.Fatalf("expected one low severity issue, got %v", issues)
	}
	if out.Flux[33] >= 1.5 {
		t.Fatalf("expected spike clipped, got %f", out.Flux[33])
	}

	stats := v.Stats()
	if stats.Corrected != 1 || stats.Passed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	recorded := v.Issues(10)
	if len(recorded) != 1 || recorded[0].Type != "cosmic_ray_clip" {
		t.Fatalf("unexpected issue log: %v", recorded)
	}
}
