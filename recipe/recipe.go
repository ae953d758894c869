// Package recipe models xBloom brew recipes and converts them between
// the loosely-structured external JSON representation and the binary
// payload format expected by the machine.
package recipe

import "fmt"

// PourPattern denotes the nozzle motion style during a pour
type PourPattern int

const (

	// Center denotes a stationary center pour
	Center PourPattern = 0

	// Circular denotes a circular pour motion
	Circular PourPattern = 1

	// Spiral denotes a spiral pour motion
	Spiral PourPattern = 2
)

// String returns a string representation of the pour pattern
func (p PourPattern) String() string {
	switch p {
	case Center:
		return "center"
	case Circular:
		return "circular"
	case Spiral:
		return "spiral"
	default:
		return "unknown"
	}
}

// VibrationPattern denotes when agitation is applied around a pour
type VibrationPattern int

const (

	// VibrationNone denotes no agitation
	VibrationNone VibrationPattern = 0

	// VibrationBefore denotes agitation before the pour
	VibrationBefore VibrationPattern = 1

	// VibrationAfter denotes agitation after the pour
	VibrationAfter VibrationPattern = 2

	// VibrationBoth denotes agitation before and after the pour
	VibrationBoth VibrationPattern = 3
)

// CupType denotes the vessel placed on the scale tray
type CupType int

const (

	// CupXPod denotes the single-serve xPod vessel
	CupXPod CupType = 1

	// CupXDripper denotes the xDripper vessel
	CupXDripper CupType = 2

	// CupOther denotes any third-party vessel
	CupOther CupType = 3

	// CupTea denotes the tea brewing vessel
	CupTea CupType = 4
)

// MachineModel denotes the hardware generation a recipe was written for
type MachineModel int

const (

	// ModelUnknown denotes an unrecognized hardware model
	ModelUnknown MachineModel = 0

	// ModelOriginal denotes the first-generation machine
	ModelOriginal MachineModel = 1

	// ModelStudio denotes the Studio machine
	ModelStudio MachineModel = 2
)

// String returns a string representation of the machine model
func (m MachineModel) String() string {
	switch m {
	case ModelOriginal:
		return "original"
	case ModelStudio:
		return "studio"
	default:
		return "unknown"
	}
}

// ValidationError denotes a recipe field outside its documented range
type ValidationError struct {
	Field string
	Msg   string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid recipe field %s: %s", e.Field, e.Msg)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// PourStep denotes one water dispensing step of a recipe
type PourStep struct {
	Volume      int              // Water volume in ml
	Temperature int              // Water temperature in °C (0 = room temperature)
	FlowRate    float64          // Flow rate in ml/s (0 = machine default)
	Pausing     int              // Pause after the pour in seconds
	Pattern     PourPattern      // Nozzle motion style
	Vibration   VibrationPattern // Agitation around the pour
}

// NewPourStep validates and constructs a pour step. Out-of-range values
// fail construction, they are never clamped.
func NewPourStep(volume, temperature int, flowRate float64, pausing int, pattern PourPattern, vibration VibrationPattern) (PourStep, error) {
	step := PourStep{
		Volume:      volume,
		Temperature: temperature,
		FlowRate:    flowRate,
		Pausing:     pausing,
		Pattern:     pattern,
		Vibration:   vibration,
	}
	return step, step.Validate()
}

// Validate checks the pour step against the documented ranges
func (s PourStep) Validate() error {
	if s.Volume < 0 {
		return invalid("volume", "%d must be non-negative", s.Volume)
	}
	if s.Temperature != 0 && (s.Temperature < 40 || s.Temperature > 100) {
		return invalid("temperature", "%d out of range (40-100)", s.Temperature)
	}
	if s.FlowRate != 0 && (s.FlowRate < 3.0 || s.FlowRate > 3.5) {
		return invalid("flow_rate", "%.2f out of range (3.0-3.5)", s.FlowRate)
	}
	if s.Pausing < 0 {
		return invalid("pausing", "%d must be non-negative", s.Pausing)
	}
	if s.Pattern < Center || s.Pattern > Spiral {
		return invalid("pattern", "%d unknown", s.Pattern)
	}
	if s.Vibration < VibrationNone || s.Vibration > VibrationBoth {
		return invalid("vibration", "%d unknown", s.Vibration)
	}
	return nil
}

// validRPMs is the closed set of grinder speeds the firmware accepts
var validRPMs = map[int]struct{}{
	0: {}, 60: {}, 70: {}, 80: {}, 90: {}, 100: {}, 110: {}, 120: {},
}

// MaxPours is the hard limit on pour steps per recipe
const MaxPours = 20

// Recipe denotes a fully validated brew recipe
type Recipe struct {
	GrindSize    int          // Grinder setting (0-150)
	TotalWater   int          // Total water amount reported in the payload footer
	RPM          int          // Grinder speed (0 or 60-120 in steps of 10)
	CupType      CupType      // Target vessel
	Name         string       // Display name
	BeanWeight   float64      // Dose in grams (sent out-of-band via bypass)
	ID           int          // Numeric recipe id
	AdaptedModel string       // Adapted-model label carried from the external record
	MachineType  MachineModel // Hardware model the recipe targets
	Pours        []PourStep   // Up to MaxPours dispensing steps
}

// New validates and constructs a recipe. Construction fails on the
// first out-of-range field rather than clamping.
func New(r Recipe) (*Recipe, error) {
	if r.GrindSize < 0 || r.GrindSize > 150 {
		return nil, invalid("grind_size", "%d out of range (0-150)", r.GrindSize)
	}
	if _, ok := validRPMs[r.RPM]; !ok {
		return nil, invalid("rpm", "%d not in {0, 60, 70, ..., 120}", r.RPM)
	}
	if len(r.Pours) > MaxPours {
		return nil, invalid("pours", "%d steps exceed the maximum of %d", len(r.Pours), MaxPours)
	}
	if r.BeanWeight < 0 || r.BeanWeight > 100 {
		return nil, invalid("bean_weight", "%.1f out of range (0-100)", r.BeanWeight)
	}
	for i, step := range r.Pours {
		if err := step.Validate(); err != nil {
			return nil, fmt.Errorf("pour step %d: %w", i+1, err)
		}
	}
	return &r, nil
}

// TotalVolume returns the summed pour volume in ml
func (r *Recipe) TotalVolume() int {
	var total int
	for _, p := range r.Pours {
		total += p.Volume
	}
	return total
}

// ManualRecipe denotes an ad hoc grind and/or pour plan executed via
// direct component commands instead of the recipe protocol. Invariants
// are looser than Recipe since no external-format parsing is involved.
type ManualRecipe struct {
	Pours     []PourStep // Pour steps, may be empty for grind-only runs
	GrindSize int        // Grinder setting, 0 disables grinding
	GrindRPM  int        // Grinder motor speed
	Name      string
}

// PourOnly creates a single-pour manual recipe without grinding
func PourOnly(volume, temperature int) (*ManualRecipe, error) {
	step, err := NewPourStep(volume, temperature, 3.0, 0, Spiral, VibrationNone)
	if err != nil {
		return nil, err
	}
	return &ManualRecipe{
		Pours: []PourStep{step},
		Name:  fmt.Sprintf("Pour %dml at %d°C", volume, temperature),
	}, nil
}

// GrindOnly creates a grind-only manual recipe
func GrindOnly(size, rpm int) *ManualRecipe {
	return &ManualRecipe{
		GrindSize: size,
		GrindRPM:  rpm,
		Name:      fmt.Sprintf("Grind at size %d, speed %d", size, rpm),
	}
}

// HasGrinding reports whether the recipe includes a grind phase
func (m *ManualRecipe) HasGrinding() bool {
	return m.GrindSize > 0
}

// HasPours reports whether the recipe includes water pours
func (m *ManualRecipe) HasPours() bool {
	return len(m.Pours) > 0
}

// TotalVolume returns the summed pour volume in ml
func (m *ManualRecipe) TotalVolume() int {
	var total int
	for _, p := range m.Pours {
		total += p.Volume
	}
	return total
}
