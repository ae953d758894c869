package workflow

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/xbloom-community/xbloom/client"
	"github.com/xbloom-community/xbloom/conn"
	"github.com/xbloom-community/xbloom/db"
	"github.com/xbloom-community/xbloom/protocol"
	"github.com/xbloom-community/xbloom/recipe"
)

// fakeTransport captures writes and lets tests push notifications
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	writes    [][]byte
	handlers  map[string]conn.NotificationHandler
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]conn.NotificationHandler)}
}

func (f *fakeTransport) Connect(address string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Write(characteristic string, data []byte, ack bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return conn.ErrNotConnected
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.writes = append(f.writes, buf)
	return nil
}

func (f *fakeTransport) Subscribe(characteristic string, handler conn.NotificationHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[characteristic] = handler
	return nil
}

func (f *fakeTransport) Unsubscribe(characteristic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, characteristic)
	return nil
}

func (f *fakeTransport) clearWrites() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = nil
}

func (f *fakeTransport) notify(t *testing.T, code uint16, payload []byte) {
	t.Helper()

	f.mu.Lock()
	handler := f.handlers[conn.NotifyUUID]
	f.mu.Unlock()

	if handler == nil {
		t.Fatalf("No handler subscribed on notify characteristic")
	}
	handler(protocol.BuildRaw(code, payload, protocol.DefaultDeviceID, protocol.DefaultTypeCode))
}

func (f *fakeTransport) notifyWeight(t *testing.T, grams float64) {
	t.Helper()

	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, math.Float32bits(float32(grams)))
	f.notify(t, protocol.RespCurrentWeight2, payload)
}

func (f *fakeTransport) sentCommands(t *testing.T) []uint16 {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	var commands []uint16
	for _, w := range f.writes {
		frame := protocol.Parse(w)
		if frame == nil || !frame.ValidCRC {
			t.Fatalf("Malformed packet on the wire: % x", w)
		}
		commands = append(commands, frame.Command)
	}
	return commands
}

// payloadWords decodes the nth written packet into uint32 words
func (f *fakeTransport) payloadWords(t *testing.T, n int) []uint32 {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	frame := protocol.Parse(f.writes[n])
	if frame == nil {
		t.Fatalf("Malformed packet on the wire: % x", f.writes[n])
	}
	if len(frame.Payload)%4 != 0 {
		t.Fatalf("Payload length %d not word aligned", len(frame.Payload))
	}

	words := make([]uint32, len(frame.Payload)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(frame.Payload[i*4:])
	}
	return words
}

// memorySink records emitted telemetry in memory
type memorySink struct {
	mu    sync.Mutex
	calls map[string]db.DataPoints
}

func newMemorySink() *memorySink {
	return &memorySink{calls: make(map[string]db.DataPoints)}
}

func (m *memorySink) EmitDataPoints(dbName, measurement string, data db.DataPoints) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[measurement] = append(m.calls[measurement], data...)
	return nil
}

func testSetup(t *testing.T, options ...func(*Orchestrator)) (*Orchestrator, *fakeTransport, *client.Session) {
	t.Helper()

	ft := newFakeTransport()
	session := client.NewSession(ft,
		client.WithConnector(conn.NewRobustConnector(ft,
			conn.WithMaxAttempts(1),
			conn.WithAggressiveRecovery(false))),
		client.WithCleanupOnDisconnect(false))

	if err := session.Connect(context.Background(), "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Failed to connect session: %s", err)
	}
	ft.clearWrites()

	options = append([]func(*Orchestrator){
		WithSettleDelay(time.Millisecond),
		WithPollInterval(5 * time.Millisecond),
		WithStopConfirmDelay(5 * time.Millisecond),
		WithTrayDelay(time.Millisecond),
		WithPourBuffer(10 * time.Millisecond),
	}, options...)

	return New(session, options...), ft, session
}

func testRecipe(t *testing.T, cup recipe.CupType) *recipe.Recipe {
	t.Helper()

	step, err := recipe.NewPourStep(50, 93, 3.0, 0, recipe.Spiral, recipe.VibrationNone)
	if err != nil {
		t.Fatalf("Failed to build pour step: %s", err)
	}
	r, err := recipe.New(recipe.Recipe{
		Name:       "Test Cup",
		GrindSize:  60,
		RPM:        60,
		BeanWeight: 15,
		TotalWater: 15,
		CupType:    cup,
		Pours:      []recipe.PourStep{step},
	})
	if err != nil {
		t.Fatalf("Failed to build recipe: %s", err)
	}
	return r
}

func assertCommands(t *testing.T, got, want []uint16) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("Expected %d commands, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Command %d: expected %s, got %s", i,
				protocol.CommandName(want[i]), protocol.CommandName(got[i]))
		}
	}
}

func TestBrewSequenceNoWait(t *testing.T) {
	o, ft, _ := testSetup(t)
	r := testRecipe(t, recipe.CupXPod)

	if err := o.Brew(context.Background(), r, false, 0); err != nil {
		t.Fatalf("Brew failed: %s", err)
	}

	assertCommands(t, ft.sentCommands(t), []uint16{
		protocol.CmdSetBypass,
		protocol.CmdSetCup,
		protocol.CmdRecipeSendAuto,
		protocol.CmdRecipeExecute,
	})

	// Dose travels in the third bypass word as a plain integer
	bypass := ft.payloadWords(t, 0)
	if len(bypass) != 3 || bypass[2] != 15 {
		t.Fatalf("Unexpected bypass payload: %v", bypass)
	}

	// xPod window is 40-80g, upper bound first on the wire
	cup := ft.payloadWords(t, 1)
	if len(cup) != 2 || cup[0] != math.Float32bits(80) || cup[1] != math.Float32bits(40) {
		t.Fatalf("Unexpected cup bounds payload: %v", cup)
	}
}

func TestBrewWithoutGrindingSequence(t *testing.T) {
	o, ft, _ := testSetup(t)
	r := testRecipe(t, recipe.CupXDripper)

	if err := o.BrewWithoutGrinding(context.Background(), r, false, 0); err != nil {
		t.Fatalf("Brew failed: %s", err)
	}

	assertCommands(t, ft.sentCommands(t), []uint16{
		protocol.CmdSetBypass,
		protocol.CmdSetCup,
		protocol.CmdRecipeSendManual,
		protocol.CmdRecipeExecute,
	})

	// Dose and the lower cup bound are forced to zero
	bypass := ft.payloadWords(t, 0)
	if bypass[2] != 0 {
		t.Fatalf("Expected zero dose, got %v", bypass)
	}
	cup := ft.payloadWords(t, 1)
	if cup[0] != math.Float32bits(90) || cup[1] != math.Float32bits(0) {
		t.Fatalf("Unexpected cup bounds payload: %v", cup)
	}
}

func TestBrewWaitCompletes(t *testing.T) {
	sink := newMemorySink()
	o, ft, _ := testSetup(t, WithTelemetrySink(sink, "coffee"))
	r := testRecipe(t, recipe.CupOther)

	errChan := make(chan error, 1)
	go func() {
		errChan <- o.Brew(context.Background(), r, true, 5*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	ft.notifyWeight(t, 12.5)
	ft.notify(t, protocol.RespBrewerBegin, nil)
	time.Sleep(50 * time.Millisecond)
	ft.notify(t, protocol.RespBrewerStop, nil)

	select {
	case err := <-errChan:
		if err != nil {
			t.Fatalf("Brew failed: %s", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Brew did not return")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.calls["brew"]) == 0 {
		t.Fatalf("Expected telemetry samples to be emitted")
	}
	if len(sink.calls["brew_summary"]) != 1 {
		t.Fatalf("Expected exactly one summary point, got %d", len(sink.calls["brew_summary"]))
	}
	if w := sink.calls["brew_summary"][0].Data["final_weight"]; w != 12.5 {
		t.Fatalf("Expected final weight 12.5, got %v", w)
	}
}

func TestBrewWaitTimeout(t *testing.T) {
	o, _, _ := testSetup(t)
	r := testRecipe(t, recipe.CupOther)

	err := o.Brew(context.Background(), r, true, 50*time.Millisecond)
	if !errors.Is(err, ErrWorkflowTimeout) {
		t.Fatalf("Expected ErrWorkflowTimeout, got %v", err)
	}
}

func TestBrewWaitDisconnect(t *testing.T) {
	o, ft, _ := testSetup(t)
	r := testRecipe(t, recipe.CupOther)

	errChan := make(chan error, 1)
	go func() {
		errChan <- o.Brew(context.Background(), r, true, 5*time.Second)
	}()

	time.Sleep(30 * time.Millisecond)
	ft.Disconnect()

	select {
	case err := <-errChan:
		if !errors.Is(err, ErrWorkflowDisconnected) {
			t.Fatalf("Expected ErrWorkflowDisconnected, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Brew did not return")
	}
}

func TestBrewCanceledContext(t *testing.T) {
	o, _, _ := testSetup(t)
	r := testRecipe(t, recipe.CupOther)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- o.Brew(ctx, r, true, 5*time.Second)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-errChan:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Brew did not return")
	}
}

func TestRunManualGrind(t *testing.T) {
	o, ft, _ := testSetup(t)

	ft.notifyWeight(t, 25)
	m := recipe.GrindOnly(60, 80)

	errChan := make(chan error, 1)
	resChan := make(chan float64, 1)
	go func() {
		delta, err := o.RunManual(context.Background(), m)
		resChan <- delta
		errChan <- err
	}()

	time.Sleep(30 * time.Millisecond)
	ft.notify(t, protocol.RespGrinderBegin, nil)
	time.Sleep(30 * time.Millisecond)
	ft.notifyWeight(t, 10)
	ft.notify(t, protocol.RespGrinderStop, nil)

	select {
	case delta := <-resChan:
		if err := <-errChan; err != nil {
			t.Fatalf("Manual run failed: %s", err)
		}
		if delta != 15 {
			t.Fatalf("Expected weight delta 15, got %.2f", delta)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Manual run did not return")
	}

	assertCommands(t, ft.sentCommands(t), []uint16{
		protocol.CmdScaleLeftSingle,
		protocol.CmdGrinderIn,
		protocol.CmdGrinderStart,
		protocol.CmdGrinderStop,
	})

	// Size and speed travel on the mode entry command; the start
	// command itself is a bare 12-byte frame
	words := ft.payloadWords(t, 1)
	if len(words) != 2 || words[0] != 60 || words[1] != 80 {
		t.Fatalf("Unexpected grinder mode entry payload: %v", words)
	}
	if words := ft.payloadWords(t, 2); len(words) != 0 {
		t.Fatalf("Expected empty grinder start payload, got %v", words)
	}
}

func TestRunManualPour(t *testing.T) {
	o, ft, _ := testSetup(t)

	m, err := recipe.PourOnly(3, 93)
	if err != nil {
		t.Fatalf("Failed to build manual recipe: %s", err)
	}

	if _, err := o.RunManual(context.Background(), m); err != nil {
		t.Fatalf("Manual run failed: %s", err)
	}

	assertCommands(t, ft.sentCommands(t), []uint16{
		protocol.CmdScaleRightSingle,
		protocol.CmdBrewerStart,
		protocol.CmdBrewerStop,
	})

	// Pour start carries volume, temperature and flow scaled by ten
	words := ft.payloadWords(t, 1)
	if len(words) != 4 || words[0] != 3 || words[1] != 930 || words[2] != 30 {
		t.Fatalf("Unexpected pour start payload: %v", words)
	}
}

func TestRunManualDisconnected(t *testing.T) {
	o, ft, _ := testSetup(t)
	ft.Disconnect()

	if _, err := o.RunManual(context.Background(), recipe.GrindOnly(60, 80)); !errors.Is(err, ErrWorkflowDisconnected) {
		t.Fatalf("Expected ErrWorkflowDisconnected, got %v", err)
	}
}
