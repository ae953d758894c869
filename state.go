package xbloom

import (
	"encoding/binary"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xbloom-community/xbloom/protocol"
)

// Observer denotes a callback receiving status snapshots after each
// applied frame
type Observer func(DeviceStatus)

// StateMachine turns decoded protocol frames into a live DeviceStatus
// snapshot and fans out change notifications. Frames must be applied in
// arrival order; the machine is not reorder-safe.
type StateMachine struct {
	mu        sync.RWMutex
	status    DeviceStatus
	observers []Observer
}

// NewStateMachine initializes a state machine with power-on defaults
func NewStateMachine() *StateMachine {
	return &StateMachine{
		status: NewDeviceStatus(),
	}
}

// Status returns an immutable snapshot of the current device status
func (s *StateMachine) Status() DeviceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Reset restores power-on defaults, preserving the connected flag.
// Called on each fresh connect.
func (s *StateMachine) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	connected := s.status.Connected
	s.status = NewDeviceStatus()
	s.status.Connected = connected
}

// SetConnected updates the connected flag and notifies observers
func (s *StateMachine) SetConnected(connected bool) {
	s.mu.Lock()
	s.status.Connected = connected
	s.status.LastUpdate = time.Now()
	snapshot := s.status
	s.mu.Unlock()

	s.notify(snapshot)
}

// Subscribe registers an observer for status updates
func (s *StateMachine) Subscribe(obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
}

// Apply dispatches a decoded frame against the response table and
// updates the status snapshot. Unrecognized codes leave the state
// unchanged; they are logged, never fatal. After each applied frame
// all observers receive the new snapshot.
func (s *StateMachine) Apply(frame *protocol.Frame) {
	s.mu.Lock()
	s.dispatch(frame.Command, frame.Payload)
	s.status.LastUpdate = time.Now()
	snapshot := s.status
	s.mu.Unlock()

	s.notify(snapshot)
}

func (s *StateMachine) dispatch(code uint16, payload []byte) {
	switch code {

	case protocol.RespGrinderBegin:
		s.status.Grinder.Running = true
		s.status.State = StateGrinding

	case protocol.RespGrinderStop:
		s.status.Grinder.Running = false
		s.status.State = StateIdle

	case protocol.RespBrewerBegin, protocol.RespBrewerCoffeeStart:
		s.status.Brewer.Running = true
		s.status.State = StateBrewing

	case protocol.RespBloom:
		s.status.State = StateBrewing

	case protocol.RespBrewerStop:
		s.status.Brewer.Running = false
		s.status.State = StateIdle

	case protocol.RespBrewerPause:
		s.status.State = StatePaused

	case protocol.RespMachineSleeping:
		s.status.State = StateSleeping

	case protocol.RespMachineNotSleeping:
		if s.status.State == StateSleeping {
			s.status.State = StateIdle
		}

	case protocol.RespCurrentWeight2:
		if len(payload) >= 4 {
			s.status.Scale.Weight = float64(math.Float32frombits(binary.LittleEndian.Uint32(payload)))
		}

	case protocol.RespBrewerTemperature:
		if len(payload) >= 4 {
			s.status.Brewer.Temperature = float64(binary.LittleEndian.Uint32(payload)) / 10.0
		}

	case protocol.RespGearReport:
		if len(payload) >= 4 {
			s.status.Grinder.Position = int(binary.LittleEndian.Uint32(payload))
		}

	case protocol.RespWaterVolume:
		if len(payload) >= 4 {
			s.status.WaterVolume = int(math.Float32frombits(binary.LittleEndian.Uint32(payload)))
		}

	case protocol.RespMachineInfo:
		s.applyMachineInfo(payload)

	case protocol.RespInBrewer:
		// Studio reports combined brewer state: volume, temperature,
		// pattern as three 32-bit words
		if len(payload) >= 12 {
			s.status.Brewer.Temperature = float64(binary.LittleEndian.Uint32(payload[4:]))
			s.status.Brewer.Running = true
			s.status.State = StateBrewing
		}

	default:
		if !protocol.IsKnownResponse(code) {
			logrus.StandardLogger().Debugf("Ignoring unknown response code %d (%s)", code, protocol.CommandName(code))
		}
	}
}

// applyMachineInfo parses the fixed-offset machine info block. Fields
// whose offset exceeds the payload length are skipped rather than
// discarding the whole record, since different firmware revisions emit
// different record lengths.
func (s *StateMachine) applyMachineInfo(payload []byte) {
	if len(payload) >= 13 {
		s.status.SerialNumber = asciiField(payload[0:13])
	}
	if len(payload) >= 19 {
		s.status.Model = asciiField(payload[13:19])
	}
	if len(payload) >= 29 {
		s.status.Version = asciiField(payload[19:29])
	}
	if len(payload) >= 34 {
		s.status.WaterLevelOK = payload[33] == 1
	}
	if len(payload) >= 37 {
		s.status.WaterVolume = int(payload[36])
	}
}

func asciiField(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}

// notify delivers the snapshot to all observers. One observer's panic
// must neither block delivery to the others nor abort the state machine.
func (s *StateMachine) notify(snapshot DeviceStatus) {
	s.mu.RLock()
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	s.mu.RUnlock()

	for _, obs := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logrus.StandardLogger().Errorf("Status observer panicked: %v", r)
				}
			}()
			obs(snapshot)
		}()
	}
}
