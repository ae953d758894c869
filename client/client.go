// Package client provides the session layer for a single xBloom
// machine: connection lifecycle, command transmission and the live
// state view fed by the notification stream.
package client

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xbloom-community/xbloom"
	"github.com/xbloom-community/xbloom/conn"
	"github.com/xbloom-community/xbloom/protocol"
	"github.com/xbloom-community/xbloom/recipe"
)

const (
	defaultConnectTimeout = 20 * time.Second

	// studioTypeCode is the packet type code Studio machines expect on
	// the easy/pro mode switch
	studioTypeCode = 0x02

	// resetStepDelay paces the shutdown command sequence; the firmware
	// drops commands that arrive while the previous one is still being
	// processed
	resetStepDelay = 200 * time.Millisecond
)

// Session denotes an active control session with one machine
type Session struct {
	mu sync.Mutex

	transport conn.Transport
	connector *conn.RobustConnector
	state     *xbloom.StateMachine

	address             string
	deviceID            byte
	typeCode            byte
	connectTimeout      time.Duration
	cleanupOnDisconnect bool
}

// NewSession instantiates a session on the given transport
func NewSession(transport conn.Transport, options ...func(*Session)) *Session {
	s := &Session{
		transport:           transport,
		state:               xbloom.NewStateMachine(),
		deviceID:            protocol.DefaultDeviceID,
		typeCode:            protocol.DefaultTypeCode,
		connectTimeout:      defaultConnectTimeout,
		cleanupOnDisconnect: true,
	}

	// Execute functional options
	for _, opt := range options {
		opt(s)
	}

	if s.connector == nil {
		s.connector = conn.NewRobustConnector(s.transport,
			conn.WithAttemptTimeout(s.connectTimeout))
	}

	return s
}

// WithDeviceID sets a non-default device id for outgoing packets
func WithDeviceID(id byte) func(*Session) {
	return func(s *Session) {
		s.deviceID = id
	}
}

// WithConnectTimeout sets the per-attempt connection timeout
func WithConnectTimeout(timeout time.Duration) func(*Session) {
	return func(s *Session) {
		s.connectTimeout = timeout
	}
}

// WithCleanupOnDisconnect controls whether the machine is reset to a
// safe state before the link is torn down (default: enabled)
func WithCleanupOnDisconnect(enabled bool) func(*Session) {
	return func(s *Session) {
		s.cleanupOnDisconnect = enabled
	}
}

// WithConnector substitutes a pre-configured connector
func WithConnector(c *conn.RobustConnector) func(*Session) {
	return func(s *Session) {
		s.connector = c
	}
}

// Connect establishes the link and subscribes to the machine's
// notification characteristics
func (s *Session) Connect(ctx context.Context, address string) error {
	transport, err := s.connector.Connect(ctx, address)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.transport = transport
	s.address = address
	s.mu.Unlock()

	// The machine reports state changes on the notify characteristic
	// and larger payloads (machine info) on the read characteristic
	if err := transport.Subscribe(conn.NotifyUUID, s.onNotification); err != nil {
		transport.Disconnect()
		return err
	}
	if err := transport.Subscribe(conn.ReadUUID, s.onNotification); err != nil {
		transport.Disconnect()
		return err
	}

	s.state.SetConnected(true)
	logrus.StandardLogger().Infof("Connected to machine at %s", address)

	// Force a known idle baseline regardless of what the machine was
	// doing before we attached
	if err := s.Reset(); err != nil {
		logrus.StandardLogger().Warnf("Post-connect reset incomplete: %s", err)
	}

	return nil
}

// Disconnect tears down the session, optionally resetting the machine
// to a safe state first
func (s *Session) Disconnect() error {
	s.mu.Lock()
	transport := s.transport
	cleanup := s.cleanupOnDisconnect
	s.mu.Unlock()

	if transport == nil || !transport.IsConnected() {
		return nil
	}

	if cleanup {
		if err := s.Reset(); err != nil {
			logrus.StandardLogger().Errorf("Failed to reset machine before disconnect: %s", err)
		}
	}

	transport.Unsubscribe(conn.NotifyUUID)
	transport.Unsubscribe(conn.ReadUUID)

	err := transport.Disconnect()
	s.state.SetConnected(false)
	s.state.Reset()

	return err
}

// IsConnected reports whether the transport link is up
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()

	return transport != nil && transport.IsConnected()
}

// Status returns a snapshot of the machine state
func (s *Session) Status() xbloom.DeviceStatus {
	return s.state.Status()
}

// OnStatusUpdate registers an observer called on every state change
func (s *Session) OnStatusUpdate(obs xbloom.Observer) {
	s.state.Subscribe(obs)
}

// Send transmits a command with uint32 word parameters. Transmission is
// fire-and-forget: the machine reports effects via notifications, not
// replies.
func (s *Session) Send(command uint16, words ...uint32) error {
	return s.write(protocol.Build(command, words, s.deviceID, s.typeCode), command)
}

// SendRaw transmits a command with a pre-encoded payload
func (s *Session) SendRaw(command uint16, payload []byte) error {
	return s.write(protocol.BuildRaw(command, payload, s.deviceID, s.typeCode), command)
}

func (s *Session) write(pkt []byte, command uint16) error {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()

	if transport == nil || !transport.IsConnected() {
		return conn.ErrNotConnected
	}

	logrus.StandardLogger().Debugf("Sending %s (%d bytes)", protocol.CommandName(command), len(pkt))
	return transport.Write(conn.WriteUUID, pkt, false)
}

// SetBypass configures the bypass water volume and temperature plus the
// dose in grams. Volume and the ten-scaled temperature travel as float32
// bit patterns; the dose is a plain integer word, and it is the only
// channel telling the grinder how many grams to produce.
func (s *Session) SetBypass(volume, temperature float64, dose int) error {
	return s.Send(protocol.CmdSetBypass,
		math.Float32bits(float32(volume)),
		math.Float32bits(float32(temperature*10)),
		uint32(dose),
	)
}

// SetCup announces the expected cup weight window in grams, upper bound
// first
func (s *Session) SetCup(maxWeight, minWeight float64) error {
	return s.Send(protocol.CmdSetCup,
		math.Float32bits(float32(maxWeight)),
		math.Float32bits(float32(minWeight)),
	)
}

// SetTargetTemperature sets the brewer target in °C
func (s *Session) SetTargetTemperature(temperature float64) error {
	return s.Send(protocol.CmdBrewerSetTemperature, uint32(math.Round(temperature*10)))
}

// SendRecipe transfers a recipe to the machine. The grinding flag
// selects between the full program and the pour-only program; execution
// does not start until ExecuteRecipe is called.
func (s *Session) SendRecipe(r *recipe.Recipe, withGrinding bool) error {
	command := protocol.CmdRecipeSendAuto
	if !withGrinding {
		command = protocol.CmdRecipeSendManual
	}
	return s.SendRaw(command, recipe.EncodePayload(r))
}

// ExecuteRecipe starts the previously transferred recipe
func (s *Session) ExecuteRecipe() error {
	return s.Send(protocol.CmdRecipeExecute)
}

// StopRecipe aborts a running recipe
func (s *Session) StopRecipe() error {
	return s.Send(protocol.CmdRecipeStop)
}

// GrinderIn lowers the grinder into dosing position and applies the
// burr size and speed settings. The machine needs a moment to adjust
// the burrs before a start command takes effect.
func (s *Session) GrinderIn(size, rpm int) error {
	return s.Send(protocol.CmdGrinderIn, uint32(size), uint32(rpm))
}

// StartGrinder starts the burrs. Size and speed must have been applied
// via GrinderIn beforehand; the start command carries no payload.
func (s *Session) StartGrinder() error {
	return s.Send(protocol.CmdGrinderStart)
}

// StopGrinder stops the burrs
func (s *Session) StopGrinder() error {
	return s.Send(protocol.CmdGrinderStop)
}

// QuitGrinder retracts the grinder and returns it to standby
func (s *Session) QuitGrinder() error {
	return s.Send(protocol.CmdGrinderQuit)
}

// StartPour dispenses a single manual pour. Temperature and flow rate
// are fixed-point scaled by ten on the wire.
func (s *Session) StartPour(volume, temperature int, flowRate float64, pattern recipe.PourPattern) error {
	return s.Send(protocol.CmdBrewerStart,
		uint32(volume),
		uint32(temperature*10),
		uint32(math.Round(flowRate*10)),
		uint32(pattern),
	)
}

// StopBrewer stops the active pour
func (s *Session) StopBrewer() error {
	return s.Send(protocol.CmdBrewerStop)
}

// PauseBrewer pauses the active pour, to be resumed or stopped
func (s *Session) PauseBrewer() error {
	return s.Send(protocol.CmdBrewerPause)
}

// QuitBrewer returns the brewer to standby
func (s *Session) QuitBrewer() error {
	return s.Send(protocol.CmdBrewerQuit)
}

// MoveTrayLeft moves the scale tray one position left (under the
// grinder outlet)
func (s *Session) MoveTrayLeft() error {
	return s.Send(protocol.CmdScaleLeftSingle)
}

// MoveTrayRight moves the scale tray one position right (under the
// brewer outlet)
func (s *Session) MoveTrayRight() error {
	return s.Send(protocol.CmdScaleRightSingle)
}

// StopTray halts an in-progress tray movement
func (s *Session) StopTray() error {
	return s.Send(protocol.CmdScaleStop)
}

// VibrateTray shakes the tray to settle the coffee bed
func (s *Session) VibrateTray() error {
	return s.Send(protocol.CmdScaleVibrate)
}

// SetEasyMode switches Studio machines between easy mode, where the
// recipe advances on its own, and pro mode, where each step waits for
// ConfirmNext. The mode switch travels under the Studio type code
// regardless of the session's configured one.
func (s *Session) SetEasyMode(enabled bool) error {
	mode := []byte{0x01}
	if !enabled {
		mode = []byte{0x02}
	}
	return s.write(protocol.BuildRaw(protocol.CmdEasyModeType, mode, s.deviceID, studioTypeCode), protocol.CmdEasyModeType)
}

// ConfirmNext advances a pro-mode recipe to its next step
func (s *Session) ConfirmNext() error {
	return s.Send(protocol.CmdConfirmNext)
}

// SendTeaRecipe transfers a recipe via the tea protocol
func (s *Session) SendTeaRecipe(r *recipe.Recipe) error {
	return s.SendRaw(protocol.CmdTeaRecipeCode, recipe.EncodePayload(r))
}

// ExecuteTeaRecipe starts brewing a recipe via the tea protocol. Unlike
// the coffee execute command the tea variant carries the full payload
// again.
func (s *Session) ExecuteTeaRecipe(r *recipe.Recipe) error {
	return s.SendRaw(protocol.CmdTeaRecipeMake, recipe.EncodePayload(r))
}

// Reset drives the machine back to a safe idle state. The sequence is
// tolerant of components that are already stopped; individual failures
// are logged and the remaining steps still run.
func (s *Session) Reset() error {
	var firstErr error
	steps := []struct {
		name string
		fn   func() error
	}{
		{"recipe stop", s.StopRecipe},
		{"brewer quit", s.QuitBrewer},
		{"grinder quit", s.QuitGrinder},
	}

	for _, step := range steps {
		if err := step.fn(); err != nil {
			logrus.StandardLogger().Warnf("Reset step %s failed: %s", step.name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
		time.Sleep(resetStepDelay)
	}

	return firstErr
}

// onNotification feeds incoming packets into the state machine. Frames
// that fail the CRC check are dropped here rather than in the codec.
func (s *Session) onNotification(data []byte) {
	for _, frame := range protocol.Defragment(data) {
		if !frame.ValidCRC {
			logrus.StandardLogger().Debugf("Dropping frame with invalid CRC (command %d)", frame.Command)
			continue
		}
		s.state.Apply(frame)
	}
}
