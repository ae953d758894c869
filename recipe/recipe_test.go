package recipe

import (
	"errors"
	"testing"
)

func validRecipe() Recipe {
	step, _ := NewPourStep(50, 93, 3.0, 0, Spiral, VibrationNone)
	return Recipe{
		GrindSize:   60,
		TotalWater:  15,
		RPM:         80,
		CupType:     CupXPod,
		Name:        "Test",
		BeanWeight:  15,
		MachineType: ModelOriginal,
		Pours:       []PourStep{step},
	}
}

func TestNewValidRecipe(t *testing.T) {
	r, err := New(validRecipe())
	if err != nil {
		t.Fatalf("Failed to construct valid recipe: %s", err)
	}
	if r.TotalVolume() != 50 {
		t.Fatalf("Unexpected total volume: %d", r.TotalVolume())
	}
}

func TestRecipeValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Recipe)
		field  string
	}{
		{"grind size too high", func(r *Recipe) { r.GrindSize = 151 }, "grind_size"},
		{"grind size negative", func(r *Recipe) { r.GrindSize = -1 }, "grind_size"},
		{"rpm not in set", func(r *Recipe) { r.RPM = 65 }, "rpm"},
		{"bean weight too high", func(r *Recipe) { r.BeanWeight = 100.5 }, "bean_weight"},
		{"bean weight negative", func(r *Recipe) { r.BeanWeight = -1 }, "bean_weight"},
		{"too many pours", func(r *Recipe) {
			step, _ := NewPourStep(10, 93, 3.0, 0, Center, VibrationNone)
			for i := 0; i < MaxPours+1; i++ {
				r.Pours = append(r.Pours, step)
			}
		}, "pours"},
	}

	for _, c := range cases {
		r := validRecipe()
		r.Pours = nil
		c.mutate(&r)
		_, err := New(r)
		if err == nil {
			t.Fatalf("%s: expected construction to fail", c.name)
		}
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: unexpected error type: %s", c.name, err)
		}
		if verr.Field != c.field {
			t.Fatalf("%s: unexpected field: %s", c.name, verr.Field)
		}
	}
}

func TestRecipeValidationBoundaries(t *testing.T) {
	for _, rpm := range []int{0, 60, 70, 80, 90, 100, 110, 120} {
		r := validRecipe()
		r.RPM = rpm
		if _, err := New(r); err != nil {
			t.Fatalf("RPM %d rejected: %s", rpm, err)
		}
	}
	for _, gs := range []int{0, 150} {
		r := validRecipe()
		r.GrindSize = gs
		if _, err := New(r); err != nil {
			t.Fatalf("Grind size %d rejected: %s", gs, err)
		}
	}
}

func TestPourStepValidation(t *testing.T) {
	cases := []struct {
		name        string
		volume      int
		temperature int
		flowRate    float64
		pausing     int
		wantErr     bool
	}{
		{"valid", 50, 93, 3.0, 0, false},
		{"room temperature", 50, 0, 3.0, 0, false},
		{"zero flow", 50, 93, 0, 0, false},
		{"boiling point", 50, 100, 3.5, 30, false},
		{"temperature too low", 50, 39, 3.0, 0, true},
		{"temperature too high", 50, 101, 3.0, 0, true},
		{"flow too low", 50, 93, 2.9, 0, true},
		{"flow too high", 50, 93, 3.6, 0, true},
		{"negative volume", -1, 93, 3.0, 0, true},
		{"negative pause", 50, 93, 3.0, -1, true},
	}

	for _, c := range cases {
		_, err := NewPourStep(c.volume, c.temperature, c.flowRate, c.pausing, Spiral, VibrationNone)
		if (err != nil) != c.wantErr {
			t.Fatalf("%s: unexpected validation result: %v", c.name, err)
		}
	}
}

func TestManualRecipe(t *testing.T) {
	m, err := PourOnly(100, 85)
	if err != nil {
		t.Fatalf("Failed to build pour-only recipe: %s", err)
	}
	if m.HasGrinding() || !m.HasPours() {
		t.Fatalf("Unexpected pour-only recipe shape: %+v", m)
	}
	if m.TotalVolume() != 100 {
		t.Fatalf("Unexpected total volume: %d", m.TotalVolume())
	}

	g := GrindOnly(50, 80)
	if !g.HasGrinding() || g.HasPours() {
		t.Fatalf("Unexpected grind-only recipe shape: %+v", g)
	}
}
