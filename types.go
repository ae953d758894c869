// Package xbloom models the live state of an xBloom coffee machine and
// maintains it from the decoded notification stream.
package xbloom

import "time"

// DeviceState denotes the operational state of the machine
type DeviceState int

const (

	// StateUnknown denotes an undetermined machine state
	StateUnknown DeviceState = iota

	// StateIdle denotes a machine at rest
	StateIdle

	// StateGrinding denotes an active grind phase
	StateGrinding

	// StateBrewing denotes an active pour / brew phase
	StateBrewing

	// StatePaused denotes a paused brew
	StatePaused

	// StateError denotes a machine-reported fault
	StateError

	// StateSleeping denotes power-save mode
	StateSleeping
)

// String returns a string representation of the device state
func (s DeviceState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGrinding:
		return "grinding"
	case StateBrewing:
		return "brewing"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	case StateSleeping:
		return "sleeping"
	default:
		return "unknown"
	}
}

// GrinderStatus denotes grinder state and settings
type GrinderStatus struct {
	Running  bool // Whether the burrs are turning
	Speed    int  // Motor speed in rpm
	Size     int  // Grind size setting
	Position int  // Gear position
}

// BrewerStatus denotes brewer state and settings
type BrewerStatus struct {
	Running           bool    // Whether water is being dispensed
	Temperature       float64 // Current water temperature in °C
	TargetTemperature float64 // Target water temperature in °C
	Mode              int
}

// ScaleStatus denotes scale state and readings
type ScaleStatus struct {
	Weight float64 // Weight on the tray in grams
	Tared  bool
}

// DeviceStatus denotes a complete snapshot of the machine. The struct
// is exclusively owned by one session and mutated only by the state
// machine; readers always receive a copy.
type DeviceStatus struct {
	State     DeviceState
	Connected bool

	Grinder GrinderStatus
	Brewer  BrewerStatus
	Scale   ScaleStatus

	SerialNumber string
	Model        string
	Version      string
	WaterLevelOK bool
	WaterVolume  int

	LastUpdate time.Time
}

// NewDeviceStatus returns a status snapshot with power-on defaults
func NewDeviceStatus() DeviceStatus {
	return DeviceStatus{
		State: StateUnknown,
		Brewer: BrewerStatus{
			TargetTemperature: 92.0,
		},
	}
}
