package recipe

import (
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

// External recipe records come from at least three historical app
// versions and a cloud API, all with their own key spellings. Decoding
// is a two-stage pipeline: a permissive stage resolves aliases and
// coerces sloppily-typed values to documented defaults, then the strict
// Recipe constructor validates the result. The permissive stage never
// masks a range violation the constructor should reject.

// Defaults applied when a field is absent or cannot be coerced
const (
	defaultGrindSize   = 60
	defaultTotalWater  = 15
	defaultRPM         = 60
	defaultName        = "Unknown"
	defaultDose        = 15.0
	defaultTemperature = 93
	defaultPattern     = Spiral
)

// vibration flags use 1=enabled / 2=disabled, not booleans
const (
	vibFlagEnabled  = 1
	vibFlagDisabled = 2
)

// DecodeJSON parses an external JSON recipe record into a validated
// Recipe. The record may be wrapped in a top-level "recipeVo" key.
func DecodeJSON(data []byte) (*Recipe, error) {
	var root map[string]interface{}
	if err := jsoniter.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse recipe JSON: %w", err)
	}
	return FromMap(root)
}

// FromMap converts an already-parsed external record into a validated
// Recipe, resolving key aliases and coercing loosely-typed values.
func FromMap(root map[string]interface{}) (*Recipe, error) {
	if wrapped, ok := root["recipeVo"].(map[string]interface{}); ok {
		root = wrapped
	}

	pours, err := decodePours(root)
	if err != nil {
		return nil, err
	}

	return New(Recipe{
		GrindSize:    intField(root, defaultGrindSize, "grinderSize", "grind_size"),
		TotalWater:   intField(root, defaultTotalWater, "grandWater", "total_water"),
		RPM:          intField(root, defaultRPM, "rpm"),
		CupType:      decodeCupType(root["cupType"]),
		Name:         stringField(root, defaultName, "theName", "name"),
		BeanWeight:   decodeDose(root["dose"]),
		ID:           intField(root, 0, "tableId", "id"),
		AdaptedModel: stringField(root, "Original", "adaptedModel"),
		MachineType:  decodeMachineModel(root["machineType"]),
		Pours:        pours,
	})
}

// decodePours extracts the pour list, honoring the historical key names
// in fixed priority order: pourList, pours, steps
func decodePours(root map[string]interface{}) ([]PourStep, error) {
	var raw []interface{}
	for _, key := range []string{"pourList", "pours", "steps"} {
		if list, ok := root[key].([]interface{}); ok && list != nil {
			raw = list
			break
		}
	}

	pours := make([]PourStep, 0, len(raw))
	for i, entry := range raw {
		p, ok := entry.(map[string]interface{})
		if !ok {
			logrus.StandardLogger().Warnf("Skipping malformed pour entry %d", i+1)
			continue
		}

		step := PourStep{
			Volume:      intField(p, 0, "volume"),
			Temperature: intField(p, defaultTemperature, "temperature"),
			FlowRate:    floatField(p, 0, "flowRate", "flow_rate"),
			Pausing:     intField(p, 0, "pausing", "pause"),
			Pattern:     PourPattern(intField(p, int(defaultPattern), "pattern")),
			Vibration:   decodeVibration(p),
		}
		if err := step.Validate(); err != nil {
			return nil, fmt.Errorf("pour step %d: %w", i+1, err)
		}
		pours = append(pours, step)
	}

	return pours, nil
}

// decodeVibration combines the two independent enable flags into one of
// the four vibration states
func decodeVibration(p map[string]interface{}) VibrationPattern {
	before := intField(p, vibFlagDisabled, "isEnableVibrationBefore") == vibFlagEnabled
	after := intField(p, vibFlagDisabled, "isEnableVibrationAfter") == vibFlagEnabled

	switch {
	case before && after:
		return VibrationBoth
	case before:
		return VibrationBefore
	case after:
		return VibrationAfter
	default:
		return VibrationNone
	}
}

// decodeDose coerces a dose value that may arrive as a number or as a
// string with a unit suffix (e.g. "15g")
func decodeDose(v interface{}) float64 {
	switch d := v.(type) {
	case float64:
		return d
	case int:
		return float64(d)
	case string:
		trimmed := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), "g")
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return f
		}
	}
	return defaultDose
}

// decodeCupType accepts numeric codes and symbolic names
// (case-insensitive); anything else falls back to zero, which the cup
// bounds lookup treats as the default vessel
func decodeCupType(v interface{}) CupType {
	switch c := v.(type) {
	case float64:
		return CupType(int(c))
	case int:
		return CupType(c)
	case string:
		switch strings.ToUpper(strings.TrimSpace(c)) {
		case "TEA":
			return CupTea
		case "OTHER":
			return CupOther
		case "XPOD", "X_POD":
			return CupXPod
		case "XDRIPPER", "X_DRIPPER":
			return CupXDripper
		}
		if n, err := strconv.Atoi(strings.TrimSpace(c)); err == nil {
			return CupType(n)
		}
	}
	return CupType(0)
}

// decodeMachineModel accepts numeric codes, digit strings and symbolic
// names; a substring match on "STUDIO" covers labels like
// "xBloom Studio". Unrecognized values default to the original model.
func decodeMachineModel(v interface{}) MachineModel {
	model := func(n int) MachineModel {
		switch MachineModel(n) {
		case ModelOriginal, ModelStudio, ModelUnknown:
			return MachineModel(n)
		}
		return ModelOriginal
	}

	switch m := v.(type) {
	case float64:
		return model(int(m))
	case int:
		return model(m)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(m)); err == nil {
			return model(n)
		}
		if strings.Contains(strings.ToUpper(m), "STUDIO") {
			return ModelStudio
		}
		return ModelOriginal
	}
	return ModelOriginal
}

// intField resolves the first present alias to an int, tolerating
// numeric strings; absent or uncoercible values yield the default.
// A zero value falls through to the next alias first, since several
// app versions emit 0 for "field not set" on one spelling while the
// other spelling carries the real value.
func intField(m map[string]interface{}, def int, keys ...string) int {
	for _, key := range keys {
		switch v := m[key].(type) {
		case float64:
			if v != 0 {
				return int(v)
			}
		case int:
			if v != 0 {
				return v
			}
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n != 0 {
				return n
			}
		}
	}
	// Zero values for these keys are meaningful, not fallbacks
	for _, key := range keys {
		switch v := m[key].(type) {
		case float64:
			return int(v)
		case int:
			return v
		}
	}
	return def
}

func floatField(m map[string]interface{}, def float64, keys ...string) float64 {
	for _, key := range keys {
		switch v := m[key].(type) {
		case float64:
			if v != 0 {
				return v
			}
		case int:
			if v != 0 {
				return float64(v)
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f != 0 {
				return f
			}
		}
	}
	return def
}

func stringField(m map[string]interface{}, def string, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return def
}
