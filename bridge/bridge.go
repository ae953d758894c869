// Package bridge exposes a machine session over MQTT: commands arrive
// on a per-device topic tree, state flows back as retained status
// topics. The bridge is the integration surface for home automation
// systems; it never extends the control model beyond what the session
// and workflow layers offer.
package bridge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/xbloom-community/xbloom"
	"github.com/xbloom-community/xbloom/client"
	"github.com/xbloom-community/xbloom/recipe"
	"github.com/xbloom-community/xbloom/workflow"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultTelemetryInterval = 5 * time.Second
	defaultBrewTimeout       = 15 * time.Minute

	// Telemetry republish thresholds; smaller movements are noise from
	// the scale / thermometer and not worth a broker round trip
	weightThreshold      = 0.5
	temperatureThreshold = 0.5
)

// Config holds the bridge settings
type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// DeviceName is the topic segment identifying this machine
	DeviceName string

	// DeviceAddress is the BLE address dialed on a connect command
	DeviceAddress string

	// TelemetryInterval paces the periodic status republish
	TelemetryInterval time.Duration

	// IdleTimeout disconnects the BLE link after a period without
	// commands; zero disables the idle disconnect
	IdleTimeout time.Duration
}

// DefaultConfig returns a config with sensible defaults; broker,
// device name and address still have to be set by the caller
func DefaultConfig() Config {
	return Config{
		BrokerURL:         "tcp://localhost:1883",
		ClientID:          "xbloom-bridge",
		DeviceName:        "xbloom",
		TelemetryInterval: defaultTelemetryInterval,
	}
}

// Bridge connects one device session to an MQTT broker
type Bridge struct {
	config       Config
	session      *client.Session
	orchestrator *workflow.Orchestrator
	mqttClient   mqtt.Client

	mu            sync.Mutex
	lastPublished xbloom.DeviceStatus
	hasPublished  bool
	lastActivity  time.Time
}

// New instantiates a bridge for the given session
func New(session *client.Session, config Config, options ...func(*Bridge)) *Bridge {
	if config.TelemetryInterval <= 0 {
		config.TelemetryInterval = defaultTelemetryInterval
	}

	b := &Bridge{
		config:       config,
		session:      session,
		orchestrator: workflow.New(session),
		lastActivity: time.Now(),
	}

	// Execute functional options
	for _, opt := range options {
		opt(b)
	}

	return b
}

// WithOrchestrator substitutes a pre-configured orchestrator
func WithOrchestrator(o *workflow.Orchestrator) func(*Bridge) {
	return func(b *Bridge) {
		b.orchestrator = o
	}
}

// WithMQTTClient substitutes a pre-built MQTT client
func WithMQTTClient(c mqtt.Client) func(*Bridge) {
	return func(b *Bridge) {
		b.mqttClient = c
	}
}

func (b *Bridge) topic(parts ...string) string {
	return "xbloom/" + b.config.DeviceName + "/" + strings.Join(parts, "/")
}

// Run connects to the broker and serves until the context ends
func (b *Bridge) Run(ctx context.Context) error {
	if b.mqttClient == nil {
		opts := mqtt.NewClientOptions().
			AddBroker(b.config.BrokerURL).
			SetClientID(b.config.ClientID).
			SetUsername(b.config.Username).
			SetPassword(b.config.Password).
			SetAutoReconnect(true).
			SetWill(b.topic("status", "availability"), "offline", 1, true)
		b.mqttClient = mqtt.NewClient(opts)
	}

	if token := b.mqttClient.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to broker %s: %w", b.config.BrokerURL, token.Error())
	}

	if token := b.mqttClient.Subscribe(b.topic("command", "#"), 1, b.handleCommand); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to command topic: %w", token.Error())
	}

	b.publish(b.topic("status", "availability"), "online", true)
	logrus.StandardLogger().Infof("Bridge online for device %s via %s", b.config.DeviceName, b.config.BrokerURL)

	ticker := time.NewTicker(b.config.TelemetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.publish(b.topic("status", "availability"), "offline", true)
			if b.session.IsConnected() {
				if err := b.session.Disconnect(); err != nil {
					logrus.StandardLogger().Errorf("Failed to disconnect device: %s", err)
				}
			}
			b.mqttClient.Disconnect(250)
			return ctx.Err()
		case <-ticker.C:
			b.publishTelemetry(false)
			b.checkIdle()
		}
	}
}

// handleCommand routes one command topic to the session / workflow
// layer. Long-running commands are detached; command handlers must
// never block the broker callback.
func (b *Bridge) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	command := strings.TrimPrefix(msg.Topic(), b.topic("command")+"/")
	payload := msg.Payload()

	b.mu.Lock()
	b.lastActivity = time.Now()
	b.mu.Unlock()

	logrus.StandardLogger().Infof("Command %s (%d bytes)", command, len(payload))

	var err error
	switch command {
	case "connect":
		go b.connectDevice()
	case "disconnect":
		err = b.session.Disconnect()
	case "brew":
		err = b.startBrew(payload)
	case "grind":
		err = b.startGrind(payload)
	case "pour":
		err = b.startPour(payload)
	case "scale/move":
		err = b.moveScale(string(payload))
	case "scale/vibrate":
		err = b.session.VibrateTray()
	case "temperature":
		err = b.setTemperature(string(payload))
	case "pause":
		err = b.session.PauseBrewer()
	case "recipe/execute":
		err = b.session.ExecuteRecipe()
	case "recipe/stop":
		err = b.session.StopRecipe()
	case "recipe/confirm":
		err = b.session.ConfirmNext()
	case "easy_mode":
		err = b.setEasyMode(string(payload))
	case "stop_all":
		err = b.session.Reset()
	default:
		err = fmt.Errorf("unknown command %q", command)
	}

	if err != nil {
		b.publishError(command, err)
	}
}

func (b *Bridge) connectDevice() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := b.session.Connect(ctx, b.config.DeviceAddress); err != nil {
		b.publishError("connect", err)
		return
	}
	b.publishTelemetry(true)
	b.publishMachineInfo()
}

// startBrew decodes the recipe payload and runs the brew detached.
// The payload is a plain recipe record, optionally carrying a
// no_grinding flag next to the recipe fields.
func (b *Bridge) startBrew(payload []byte) error {
	r, err := recipe.DecodeJSON(payload)
	if err != nil {
		return err
	}

	var opts struct {
		NoGrinding bool `json:"no_grinding"`
	}
	if err := jsonAPI.Unmarshal(payload, &opts); err != nil {
		return err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultBrewTimeout)
		defer cancel()

		var brewErr error
		if opts.NoGrinding {
			brewErr = b.orchestrator.BrewWithoutGrinding(ctx, r, true, defaultBrewTimeout)
		} else {
			brewErr = b.orchestrator.Brew(ctx, r, true, defaultBrewTimeout)
		}
		if brewErr != nil {
			b.publishError("brew", brewErr)
			return
		}
		b.publishTelemetry(true)
	}()

	return nil
}

func (b *Bridge) startGrind(payload []byte) error {
	var params struct {
		Size int `json:"size"`
		RPM  int `json:"rpm"`
	}
	if err := jsonAPI.Unmarshal(payload, &params); err != nil {
		return err
	}
	if params.Size <= 0 {
		return fmt.Errorf("grind size must be positive")
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultBrewTimeout)
		defer cancel()

		if _, err := b.orchestrator.RunManual(ctx, recipe.GrindOnly(params.Size, params.RPM)); err != nil {
			b.publishError("grind", err)
		}
	}()

	return nil
}

func (b *Bridge) startPour(payload []byte) error {
	var params struct {
		Volume      int `json:"volume"`
		Temperature int `json:"temperature"`
	}
	if err := jsonAPI.Unmarshal(payload, &params); err != nil {
		return err
	}

	m, err := recipe.PourOnly(params.Volume, params.Temperature)
	if err != nil {
		return err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultBrewTimeout)
		defer cancel()

		if _, err := b.orchestrator.RunManual(ctx, m); err != nil {
			b.publishError("pour", err)
		}
	}()

	return nil
}

func (b *Bridge) moveScale(direction string) error {
	switch strings.TrimSpace(strings.ToLower(direction)) {
	case "left":
		return b.session.MoveTrayLeft()
	case "right":
		return b.session.MoveTrayRight()
	case "stop":
		return b.session.StopTray()
	default:
		return fmt.Errorf("unknown tray direction %q", direction)
	}
}

func (b *Bridge) setEasyMode(payload string) error {
	switch strings.TrimSpace(strings.ToLower(payload)) {
	case "on", "true", "1":
		return b.session.SetEasyMode(true)
	case "off", "false", "0":
		return b.session.SetEasyMode(false)
	default:
		return fmt.Errorf("invalid easy mode value %q", payload)
	}
}

func (b *Bridge) setTemperature(payload string) error {
	temp, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
	if err != nil {
		return fmt.Errorf("invalid temperature %q: %w", payload, err)
	}
	return b.session.SetTargetTemperature(temp)
}

// telemetryChanged decides whether a status snapshot differs enough
// from the last published one to justify a republish
func telemetryChanged(prev, cur xbloom.DeviceStatus) bool {
	if prev.State != cur.State || prev.Connected != cur.Connected {
		return true
	}
	if prev.Brewer.Running != cur.Brewer.Running || prev.Grinder.Running != cur.Grinder.Running {
		return true
	}
	if diff := cur.Scale.Weight - prev.Scale.Weight; diff > weightThreshold || diff < -weightThreshold {
		return true
	}
	if diff := cur.Brewer.Temperature - prev.Brewer.Temperature; diff > temperatureThreshold || diff < -temperatureThreshold {
		return true
	}
	return false
}

// telemetryPayload is the wire format of the telemetry status topic
type telemetryPayload struct {
	State       string  `json:"state"`
	Connected   bool    `json:"connected"`
	Weight      float64 `json:"weight"`
	Temperature float64 `json:"temperature"`
	Running     bool    `json:"running"`
	Grinding    bool    `json:"grinding"`
	WaterVolume int     `json:"water_volume"`
	Time        string  `json:"time"`
}

func (b *Bridge) publishTelemetry(force bool) {
	status := b.session.Status()

	b.mu.Lock()
	if !force && b.hasPublished && !telemetryChanged(b.lastPublished, status) {
		b.mu.Unlock()
		return
	}
	b.lastPublished = status
	b.hasPublished = true
	b.mu.Unlock()

	data, err := jsonAPI.Marshal(telemetryPayload{
		State:       status.State.String(),
		Connected:   status.Connected,
		Weight:      status.Scale.Weight,
		Temperature: status.Brewer.Temperature,
		Running:     status.Brewer.Running,
		Grinding:    status.Grinder.Running,
		WaterVolume: status.WaterVolume,
		Time:        time.Now().Format(time.RFC3339),
	})
	if err != nil {
		logrus.StandardLogger().Errorf("Failed to marshal telemetry: %s", err)
		return
	}

	b.publish(b.topic("status", "telemetry"), string(data), true)
}

func (b *Bridge) publishMachineInfo() {
	status := b.session.Status()
	if status.SerialNumber == "" {
		return
	}

	data, err := jsonAPI.Marshal(map[string]interface{}{
		"serial_number":  status.SerialNumber,
		"model":          status.Model,
		"version":        status.Version,
		"water_level_ok": status.WaterLevelOK,
	})
	if err != nil {
		logrus.StandardLogger().Errorf("Failed to marshal machine info: %s", err)
		return
	}

	b.publish(b.topic("status", "machine"), string(data), true)
}

func (b *Bridge) publishError(command string, err error) {
	logrus.StandardLogger().Errorf("Command %s failed: %s", command, err)

	data, _ := jsonAPI.Marshal(map[string]string{
		"command": command,
		"error":   err.Error(),
		"time":    time.Now().Format(time.RFC3339),
	})
	b.publish(b.topic("status", "error"), string(data), false)
}

func (b *Bridge) publish(topic, payload string, retained bool) {
	token := b.mqttClient.Publish(topic, 1, retained, payload)
	token.Wait()
	if token.Error() != nil {
		logrus.StandardLogger().Errorf("Failed to publish to %s: %s", topic, token.Error())
	}
}

// checkIdle disconnects the BLE link after a period without commands,
// but never while the machine is doing something
func (b *Bridge) checkIdle() {
	if b.config.IdleTimeout <= 0 || !b.session.IsConnected() {
		return
	}

	b.mu.Lock()
	idle := time.Since(b.lastActivity)
	b.mu.Unlock()

	if idle < b.config.IdleTimeout {
		return
	}

	if state := b.session.Status().State; state == xbloom.StateGrinding || state == xbloom.StateBrewing || state == xbloom.StatePaused {
		return
	}

	logrus.StandardLogger().Infof("Idle for %s, disconnecting device", idle.Round(time.Second))
	if err := b.session.Disconnect(); err != nil {
		logrus.StandardLogger().Errorf("Failed to disconnect idle device: %s", err)
	}
	b.publishTelemetry(true)
}
