// Package workflow drives complete brew procedures on top of a device
// session: the recipe-protocol brew (with and without grinding) and the
// manual grind/pour sequence built from direct component commands.
package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xbloom-community/xbloom/buffer"
	"github.com/xbloom-community/xbloom/client"
	"github.com/xbloom-community/xbloom/db"
	"github.com/xbloom-community/xbloom/recipe"
)

// ErrWorkflowTimeout indicates the brew did not finish within the
// caller's deadline
var ErrWorkflowTimeout = errors.New("workflow timed out")

// ErrWorkflowDisconnected indicates the machine link dropped while a
// workflow was waiting on it
var ErrWorkflowDisconnected = errors.New("device disconnected during workflow")

const (
	defaultSettleDelay      = time.Second
	defaultPollInterval     = 500 * time.Millisecond
	defaultStopConfirmDelay = 2 * time.Second
	defaultTrayDelay        = 2 * time.Second

	// grindCap bounds the manual grind poll; the grinder self-stops
	// when the dose is through, the cap only guards against a missed
	// stop notification
	grindCap = 120 * time.Second

	// defaultPourBuffer pads the estimated per-pour duration; the
	// machine self-stops at the requested volume
	defaultPourBuffer = 2 * time.Second

	sampleCapacity = 1024
)

// cupBounds denotes the acceptable cup weight window in grams
type cupBounds struct {
	min float64
	max float64
}

// cupBoundsTable maps cup types to their weight windows; unrecognized
// types fall back to the regular-cup window
var cupBoundsTable = map[recipe.CupType]cupBounds{
	recipe.CupXPod:     {min: 40, max: 80},
	recipe.CupXDripper: {min: 40, max: 90},
	recipe.CupOther:    {min: 40, max: 90},
}

var defaultCupBounds = cupBounds{min: 40, max: 90}

func boundsFor(cup recipe.CupType) cupBounds {
	if b, ok := cupBoundsTable[cup]; ok {
		return b
	}
	return defaultCupBounds
}

// Orchestrator executes brew workflows on one session
type Orchestrator struct {
	session *client.Session

	sink        db.DB
	dbName      string
	measurement string

	settleDelay      time.Duration
	pollInterval     time.Duration
	stopConfirmDelay time.Duration
	trayDelay        time.Duration
	pourBuffer       time.Duration
}

// New instantiates an orchestrator on the given session
func New(session *client.Session, options ...func(*Orchestrator)) *Orchestrator {
	o := &Orchestrator{
		session:          session,
		measurement:      "brew",
		settleDelay:      defaultSettleDelay,
		pollInterval:     defaultPollInterval,
		stopConfirmDelay: defaultStopConfirmDelay,
		trayDelay:        defaultTrayDelay,
		pourBuffer:       defaultPourBuffer,
	}

	// Execute functional options
	for _, opt := range options {
		opt(o)
	}

	return o
}

// WithTelemetrySink enables per-brew telemetry emission into the given
// database
func WithTelemetrySink(sink db.DB, dbName string) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.sink = sink
		o.dbName = dbName
	}
}

// WithSettleDelay overrides the pause between dependent command steps
func WithSettleDelay(d time.Duration) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.settleDelay = d
	}
}

// WithPollInterval overrides the status poll interval of wait loops
func WithPollInterval(d time.Duration) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.pollInterval = d
	}
}

// WithStopConfirmDelay overrides the settle time before a brewer stop
// is treated as final
func WithStopConfirmDelay(d time.Duration) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.stopConfirmDelay = d
	}
}

// WithTrayDelay overrides the settle time after tray movements
func WithTrayDelay(d time.Duration) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.trayDelay = d
	}
}

// WithPourBuffer overrides the padding added to the estimated duration
// of a manual pour
func WithPourBuffer(d time.Duration) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.pourBuffer = d
	}
}

// Brew runs the full recipe program including grinding. The dose is
// transferred via the bypass command even when no bypass water is used,
// since it is the only channel telling the grinder how many grams to
// produce. With wait set, Brew blocks until the machine reports the
// brew finished or the timeout elapses.
func (o *Orchestrator) Brew(ctx context.Context, r *recipe.Recipe, wait bool, timeout time.Duration) error {
	return o.brew(ctx, r, r.BeanWeight, boundsFor(r.CupType), true, wait, timeout)
}

// BrewWithoutGrinding runs the recipe program with pre-ground coffee.
// The dose is zeroed and the lower cup bound dropped to zero: with
// nothing to grind the scale may legitimately read zero grams, which
// would otherwise trip the machine's own safety window.
func (o *Orchestrator) BrewWithoutGrinding(ctx context.Context, r *recipe.Recipe, wait bool, timeout time.Duration) error {
	bounds := boundsFor(r.CupType)
	bounds.min = 0
	return o.brew(ctx, r, 0, bounds, false, wait, timeout)
}

func (o *Orchestrator) brew(ctx context.Context, r *recipe.Recipe, dose float64, bounds cupBounds, withGrinding bool, wait bool, timeout time.Duration) error {
	brewID := uuid.New().String()
	logrus.StandardLogger().Infof("Starting brew %s (%s, %d pours, %.1fg dose)", brewID, r.Name, len(r.Pours), dose)

	if err := o.session.SetBypass(0, 0, int(dose)); err != nil {
		return err
	}
	if err := sleepCtx(ctx, o.settleDelay); err != nil {
		return err
	}

	if err := o.session.SetCup(bounds.max, bounds.min); err != nil {
		return err
	}
	if err := sleepCtx(ctx, o.settleDelay); err != nil {
		return err
	}

	if err := o.session.SendRecipe(r, withGrinding); err != nil {
		return err
	}
	if err := sleepCtx(ctx, o.settleDelay); err != nil {
		return err
	}

	if err := o.session.ExecuteRecipe(); err != nil {
		return err
	}

	if !wait {
		return nil
	}
	return o.waitForCompletion(ctx, brewID, r, timeout)
}

// waitForCompletion polls the session until the brewer transitions from
// running to stopped. The stop is re-confirmed after a short settle
// delay since the brewer flag flickers between pour steps.
func (o *Orchestrator) waitForCompletion(ctx context.Context, brewID string, r *recipe.Recipe, timeout time.Duration) error {
	var (
		started     = time.Now()
		deadline    = started.Add(timeout)
		samples     = buffer.NewSampleBuffer(sampleCapacity)
		seenRunning = false
	)

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if !o.session.IsConnected() {
			return ErrWorkflowDisconnected
		}

		status := o.session.Status()
		samples.Append(buffer.Sample{
			Time:        time.Now(),
			Weight:      status.Scale.Weight,
			Temperature: status.Brewer.Temperature,
			Running:     status.Brewer.Running,
		})

		if status.Brewer.Running {
			seenRunning = true
		} else if seenRunning {
			if err := sleepCtx(ctx, o.stopConfirmDelay); err != nil {
				return err
			}
			if !o.session.IsConnected() {
				return ErrWorkflowDisconnected
			}
			if !o.session.Status().Brewer.Running {
				logrus.StandardLogger().Infof("Brew %s finished after %s", brewID, time.Since(started).Round(time.Second))
				o.emitTelemetry(brewID, r, samples, time.Since(started))
				return nil
			}
			// Transient flicker between pour steps, keep waiting
		}

		if time.Now().After(deadline) {
			return ErrWorkflowTimeout
		}
	}
}

// emitTelemetry writes the sampled brew curve and a summary point to
// the configured sink, if any. Telemetry failures never fail the brew.
func (o *Orchestrator) emitTelemetry(brewID string, r *recipe.Recipe, samples *buffer.SampleBuffer, duration time.Duration) {
	if o.sink == nil {
		return
	}

	tags := map[string]string{
		"brew_id": brewID,
		"recipe":  r.Name,
	}

	var points db.DataPoints
	for _, s := range samples.Ordered() {
		points = append(points, db.DataPoint{
			TimeStamp: s.Time,
			Tags:      tags,
			Data: map[string]interface{}{
				"weight":      s.Weight,
				"temperature": s.Temperature,
				"running":     s.Running,
			},
		})
	}

	if err := o.sink.EmitDataPoints(o.dbName, o.measurement, points); err != nil {
		logrus.StandardLogger().Errorf("Failed to emit telemetry for brew %s: %s", brewID, err)
		return
	}

	summary := db.DataPoints{{
		TimeStamp: time.Now(),
		Tags:      tags,
		Data: map[string]interface{}{
			"duration_s":   duration.Seconds(),
			"total_volume": r.TotalVolume(),
			"final_weight": samples.Last().Weight,
		},
	}}
	if err := o.sink.EmitDataPoints(o.dbName, o.measurement+"_summary", summary); err != nil {
		logrus.StandardLogger().Errorf("Failed to emit summary for brew %s: %s", brewID, err)
	}
}

// RunManual executes an ad hoc grind and/or pour plan via direct
// component commands. The result is the measured scale-weight delta
// across the run, not a value derived from the requested volumes.
func (o *Orchestrator) RunManual(ctx context.Context, m *recipe.ManualRecipe) (float64, error) {
	if !o.session.IsConnected() {
		return 0, ErrWorkflowDisconnected
	}

	startWeight := o.session.Status().Scale.Weight

	if m.HasGrinding() {
		if err := o.runGrind(ctx, m); err != nil {
			return 0, err
		}
	}

	if m.HasPours() {
		if err := o.runPours(ctx, m); err != nil {
			return 0, err
		}
	}

	if !o.session.IsConnected() {
		return 0, ErrWorkflowDisconnected
	}
	return startWeight - o.session.Status().Scale.Weight, nil
}

func (o *Orchestrator) runGrind(ctx context.Context, m *recipe.ManualRecipe) error {
	logrus.StandardLogger().Infof("Manual grind at size %d, speed %d", m.GrindSize, m.GrindRPM)

	if err := o.session.MoveTrayLeft(); err != nil {
		return err
	}
	if err := sleepCtx(ctx, o.trayDelay); err != nil {
		return err
	}

	if err := o.session.GrinderIn(m.GrindSize, m.GrindRPM); err != nil {
		return err
	}
	if err := sleepCtx(ctx, o.trayDelay); err != nil {
		return err
	}

	if err := o.session.StartGrinder(); err != nil {
		return err
	}

	// The grinder self-stops when the dose is through; the poll just
	// waits for that, bounded by the cap
	deadline := time.Now().Add(grindCap)
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	seenRunning := false
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if !o.session.IsConnected() {
			return ErrWorkflowDisconnected
		}

		running := o.session.Status().Grinder.Running
		if running {
			seenRunning = true
		} else if seenRunning {
			break
		}
	}

	return o.session.StopGrinder()
}

func (o *Orchestrator) runPours(ctx context.Context, m *recipe.ManualRecipe) error {
	if err := o.session.MoveTrayRight(); err != nil {
		return err
	}
	if err := sleepCtx(ctx, o.trayDelay); err != nil {
		return err
	}

	for i, step := range m.Pours {
		logrus.StandardLogger().Infof("Manual pour %d/%d: %dml at %d°C", i+1, len(m.Pours), step.Volume, step.Temperature)

		if err := o.session.StartPour(step.Volume, step.Temperature, step.FlowRate, step.Pattern); err != nil {
			return err
		}

		// The machine self-stops at the requested volume; an explicit
		// mid-sequence stop would force a confirmation state on the
		// device, so we just wait out the estimated duration
		if err := sleepCtx(ctx, o.pourDuration(step)); err != nil {
			return err
		}

		if step.Pausing > 0 {
			if err := sleepCtx(ctx, time.Duration(step.Pausing)*time.Second); err != nil {
				return err
			}
		}
	}

	return o.session.StopBrewer()
}

// pourDuration estimates how long one pour takes at its flow rate
func (o *Orchestrator) pourDuration(step recipe.PourStep) time.Duration {
	if step.FlowRate <= 0 {
		return o.pourBuffer
	}
	return time.Duration(float64(step.Volume)/step.FlowRate*float64(time.Second)) + o.pourBuffer
}

// sleepCtx pauses for the given duration unless the context ends first
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
