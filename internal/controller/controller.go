/*
Copyright 2025 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/oran-energy/energy-saving-rapp/api/v1alpha1"
	"github.com/oran-energy/energy-saving-rapp/internal/actuator"
	"github.com/oran-energy/energy-saving-rapp/internal/audit"
	"github.com/oran-energy/energy-saving-rapp/internal/collector"
	"github.com/oran-energy/energy-saving-rapp/internal/config"
	"github.com/oran-energy/energy-saving-rapp/internal/engines/common"
	"github.com/oran-energy/energy-saving-rapp/internal/engines/decision"
	"github.com/oran-energy/energy-saving-rapp/internal/forecaster"
	"github.com/oran-energy/energy-saving-rapp/internal/logging"
	"github.com/oran-energy/energy-saving-rapp/internal/metrics"
	"github.com/oran-energy/energy-saving-rapp/internal/normalizer"
	"github.com/oran-energy/energy-saving-rapp/internal/policy"
	"github.com/oran-energy/energy-saving-rapp/internal/tracing"
	"github.com/oran-energy/energy-saving-rapp/internal/window"
	"github.com/oran-energy/energy-saving-rapp/pkg/core"
)

var (
	// ErrUnitBusy is returned when a unit's previous pass is still running.
	ErrUnitBusy = errors.New("unit pass already in flight")

	// ErrUnitRemoved is returned when a unit was decommissioned while its pass ran.
	ErrUnitRemoved = errors.New("unit removed during its pass")
)

// WindowStore is the window storage the controller stages passes against.
type WindowStore interface {
	window.Reader
	window.Writer
	window.Stager
}

// Options are the scheduling parameters of the loop.
type Options struct {
	Units        []string
	TickInterval time.Duration
	TickTimeout  time.Duration
	Workers      int
	// Lookback bounds the first fetch of a unit, and any fetch after a long outage.
	Lookback time.Duration
	// StaleAfter: a window whose newest sample is older than this is not used.
	StaleAfter time.Duration
	DryRun     bool
}

// OptionsFromConfig derives the loop options from the configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Units:        cfg.Loop.Units,
		TickInterval: cfg.Loop.TickInterval,
		TickTimeout:  cfg.Loop.TickTimeout,
		Workers:      cfg.Loop.Workers,
		Lookback:     time.Duration(cfg.WindowLength) * cfg.ExpectedInterval,
		StaleAfter:   cfg.GapLimit(),
		DryRun:       cfg.DryRun,
	}
}

// Deps are the collaborators of the controller. Metrics, Audit and State
// are created when nil.
type Deps struct {
	Source     collector.TelemetrySource
	Normalizer *normalizer.Normalizer
	Windows    WindowStore
	Forecaster *forecaster.Forecaster
	Emitter    *policy.Emitter
	Sink       actuator.Sink
	Thresholds *common.GlobalConfig
	State      *common.UnitStateCache
	Metrics    *metrics.Recorder
	Audit      *audit.Recorder
}

// TickSummary counts the unit passes of one tick by outcome.
type TickSummary struct {
	Committed int
	Busy      int
	Abandoned int
	Duration  time.Duration
}

// Controller runs the control loop over the managed units.
type Controller struct {
	Deps
	opts Options

	mu sync.Mutex
	// units maps each managed unit to the generation it was added with.
	units    map[string]uint64
	gen      uint64
	inFlight map[string]struct{}
}

// New creates a Controller.
func New(deps Deps, opts Options) (*Controller, error) {
	switch {
	case deps.Source == nil:
		return nil, fmt.Errorf("%w: telemetry source is required", config.ErrConfigInvalid)
	case deps.Normalizer == nil, deps.Windows == nil, deps.Forecaster == nil:
		return nil, fmt.Errorf("%w: normalizer, windows and forecaster are required", config.ErrConfigInvalid)
	case deps.Emitter == nil || deps.Sink == nil:
		return nil, fmt.Errorf("%w: emitter and sink are required", config.ErrConfigInvalid)
	case deps.Thresholds == nil:
		return nil, fmt.Errorf("%w: thresholds are required", config.ErrConfigInvalid)
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.TickTimeout <= 0 {
		return nil, fmt.Errorf("%w: tick timeout must be positive", config.ErrConfigInvalid)
	}
	if deps.State == nil {
		deps.State = common.NewUnitStateCache()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewRecorder(prometheus.NewRegistry())
	}
	if deps.Audit == nil {
		deps.Audit, _ = audit.Open("")
	}

	c := &Controller{
		Deps:     deps,
		opts:     opts,
		units:    make(map[string]uint64),
		inFlight: make(map[string]struct{}),
	}
	for _, id := range opts.Units {
		c.AddUnit(id)
	}
	return c, nil
}

// AddUnit starts managing a unit. Its state is created on its first pass.
// It reports false if the unit was already managed.
func (c *Controller) AddUnit(unitID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.units[unitID]; ok {
		return false
	}
	c.gen++
	c.units[unitID] = c.gen
	c.Metrics.UnitsManaged.Set(float64(len(c.units)))
	return true
}

// RemoveUnit stops managing a unit and drops its window, state and metrics.
// A pass of the unit still in flight is discarded when it tries to commit.
// It reports false if the unit was not managed.
func (c *Controller) RemoveUnit(unitID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.units[unitID]; !ok {
		return false
	}
	delete(c.units, unitID)
	c.Metrics.UnitsManaged.Set(float64(len(c.units)))
	c.Windows.Remove(unitID)
	c.State.Delete(unitID)
	c.Metrics.DeleteUnit(unitID)
	return true
}

// ModeCounts returns the number of managed units in each mode. Units without
// a committed pass are nominal.
func (c *Controller) ModeCounts() map[core.Mode]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	counts := c.State.CountByMode()
	recorded := 0
	for _, n := range counts {
		recorded += n
	}
	counts[core.ModeNominal] += len(c.units) - recorded
	return counts
}

func (c *Controller) generation(unitID string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gen, ok := c.units[unitID]
	return gen, ok
}

// Units returns the managed unit IDs, sorted.
func (c *Controller) Units() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.units))
	for id := range c.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Controller) acquire(unitID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[unitID]; busy {
		return false
	}
	c.inFlight[unitID] = struct{}{}
	return true
}

func (c *Controller) release(unitID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, unitID)
}

// Start runs a tick every TickInterval until ctx is cancelled. A tick that
// overruns does not delay the next one; units still in flight are skipped.
func (c *Controller) Start(ctx context.Context) error {
	logger := ctrl.LoggerFrom(ctx)
	if c.opts.TickInterval <= 0 {
		return fmt.Errorf("%w: tick interval must be positive", config.ErrConfigInvalid)
	}
	logger.Info("Starting control loop",
		"interval", c.opts.TickInterval.String(),
		"timeout", c.opts.TickTimeout.String(),
		"workers", c.opts.Workers,
		"units", len(c.Units()))

	var wg sync.WaitGroup
	defer wg.Wait()

	tick := func(now time.Time) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := c.RunTick(ctx, now.UTC())
			logger.V(logging.DEBUG).Info("Tick finished",
				"committed", s.Committed, "busy", s.Busy, "abandoned", s.Abandoned,
				"duration", s.Duration.String())
		}()
	}

	tick(time.Now())
	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping control loop")
			return nil
		case now := <-ticker.C:
			tick(now)
		}
	}
}

// RunTick runs one pass for every managed unit at time now and waits for them.
// Passes are independent: a failed pass leaves its unit untouched and does not
// affect the others.
func (c *Controller) RunTick(ctx context.Context, now time.Time) TickSummary {
	start := time.Now()
	ctx, span := tracing.Tracer().Start(ctx, "rapp.tick")
	defer span.End()

	units := c.Units()
	span.SetAttributes(attribute.Int("rapp.units", len(units)))
	outcomes := make([]string, len(units))

	var g errgroup.Group
	g.SetLimit(c.opts.Workers)
	for i, unitID := range units {
		g.Go(func() error {
			outcomes[i] = c.runUnit(ctx, unitID, now)
			return nil
		})
	}
	_ = g.Wait()

	var s TickSummary
	for _, o := range outcomes {
		c.Metrics.UnitPasses.WithLabelValues(o).Inc()
		switch o {
		case metrics.OutcomeCommitted:
			s.Committed++
		case metrics.OutcomeBusy:
			s.Busy++
		default:
			s.Abandoned++
		}
	}
	s.Duration = time.Since(start)
	c.Metrics.Ticks.Inc()
	c.Metrics.TickDuration.Observe(s.Duration.Seconds())
	return s
}

// runUnit runs the pass of one unit under the tick timeout and returns its outcome.
func (c *Controller) runUnit(ctx context.Context, unitID string, now time.Time) string {
	logger := ctrl.LoggerFrom(ctx).WithValues("unit", unitID)
	if !c.acquire(unitID) {
		logger.V(logging.DEBUG).Info("Skipping unit", "reason", ErrUnitBusy.Error())
		return metrics.OutcomeBusy
	}
	defer c.release(unitID)
	gen, ok := c.generation(unitID)
	if !ok {
		return metrics.OutcomeRemoved
	}

	ctx, cancel := context.WithTimeout(log.IntoContext(ctx, logger), c.opts.TickTimeout)
	defer cancel()
	ctx, span := tracing.Tracer().Start(ctx, "rapp.unit_pass")
	span.SetAttributes(attribute.String("rapp.unit", unitID))
	defer span.End()

	err := c.pass(ctx, unitID, gen, now)
	if err == nil {
		return metrics.OutcomeCommitted
	}
	if errors.Is(err, ErrUnitRemoved) {
		logger.Info("Unit removed while its pass ran, result dropped")
		return metrics.OutcomeRemoved
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		logger.Info("Unit pass timed out, state unchanged", "error", err.Error())
		return metrics.OutcomeTimeout
	}
	logger.Error(err, "Unit pass abandoned, state unchanged")
	return metrics.OutcomeError
}

// pass fetches, decides and emits for one unit. Window, state and cursor are
// staged and committed together only when every step succeeded and the unit
// is still managed under the generation gen.
func (c *Controller) pass(ctx context.Context, unitID string, gen uint64, now time.Time) error {
	logger := ctrl.LoggerFrom(ctx)

	rec, ok := c.State.Get(unitID)
	if !ok {
		rec = common.UnitRecord{State: core.NewUnitControlState()}
	}

	raw, err := c.Source.Fetch(ctx, unitID, c.fetchStart(rec.Cursor, now), now)
	if err != nil {
		return fmt.Errorf("fetch from %s: %w", c.Source.Name(), err)
	}

	samples, errs := c.Normalizer.NormalizeBatch(raw)
	for _, e := range errs {
		c.Metrics.SamplesDropped.WithLabelValues(metrics.DropMalformed).Inc()
		logger.V(logging.DEBUG).Info("Dropping record", "error", e.Error())
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Timestamp.Before(samples[j].Timestamp) })

	staged := c.Windows.Clone(unitID)
	cursor := rec.Cursor
	for _, s := range samples {
		if s.UnitID != unitID {
			c.Metrics.SamplesDropped.WithLabelValues(metrics.DropMalformed).Inc()
			continue
		}
		st, err := staged.Push(s)
		if err != nil {
			c.Metrics.SamplesDropped.WithLabelValues(metrics.DropOutOfOrder).Inc()
			logger.V(logging.TRACE).Info("Dropping sample", "error", err.Error())
			continue
		}
		if st.Reset {
			c.Metrics.WindowResets.Inc()
			logger.V(logging.DEBUG).Info("Telemetry gap cleared the window", "at", s.Timestamp)
		}
		if s.Timestamp.After(cursor) {
			cursor = s.Timestamp
		}
	}

	obs, forecast := c.observe(ctx, staged.Snapshot(), now)
	if err := ctx.Err(); err != nil {
		return err
	}

	next, d := decision.Step(c.Thresholds.ThresholdsFor(unitID), rec.State, obs, now)

	entry := audit.Entry{UnitID: unitID, Decision: d, Forecast: forecast, PushResult: audit.PushNone}
	if c.Emitter.ShouldEmit(d) {
		p, err := c.Emitter.Emit(unitID, d, forecast)
		if err != nil {
			entry.PushResult, entry.Err = audit.PushInvalid, err
			c.Audit.Record(entry)
			return err
		}
		entry.PolicyID = p.PolicyID
		if err := c.send(ctx, p); err != nil {
			entry.PushResult, entry.Err = audit.PushFailed, err
			c.Audit.Record(entry)
			return err
		}
		entry.PushResult = audit.PushSent
		if c.opts.DryRun {
			entry.PushResult = audit.PushDryRun
		}
	}

	c.mu.Lock()
	if c.units[unitID] != gen {
		c.mu.Unlock()
		entry.Err = ErrUnitRemoved
		c.Audit.Record(entry)
		return ErrUnitRemoved
	}
	c.Windows.Commit(unitID, staged)
	c.State.Set(unitID, common.UnitRecord{
		State:        next,
		Cursor:       cursor,
		LastDecision: &d,
		LastForecast: forecast,
	})
	c.Metrics.SetMode(unitID, next.CurrentMode)
	if forecast != nil {
		c.Metrics.SetForecast(*forecast)
	}
	c.mu.Unlock()

	c.Metrics.Decisions.WithLabelValues(string(d.Action)).Inc()
	c.Audit.Record(entry)

	if d.IsTransition() {
		logger.Info("Mode transition committed",
			"from", d.From, "to", d.To, "reason", d.Reason, "policyId", entry.PolicyID)
	} else {
		logger.V(logging.DEBUG).Info("Holding", "mode", d.To, "reason", d.Reason,
			"pending", d.Pending, "confirmTicks", d.ConfirmTicks)
	}
	return nil
}

// observe turns the staged window into a decision input.
func (c *Controller) observe(ctx context.Context, w core.FeatureWindow, now time.Time) (decision.Observation, *core.Forecast) {
	logger := ctrl.LoggerFrom(ctx)
	if latest, ok := w.Latest(); ok && c.opts.StaleAfter > 0 && now.Sub(latest.Timestamp) > c.opts.StaleAfter {
		w.Ready = false
	}

	f, err := c.Forecaster.Predict(ctx, w)
	switch {
	case err == nil:
		return decision.ForecastObservation(f), &f
	case errors.Is(err, forecaster.ErrWindowNotReady):
		c.Metrics.ForecastFailures.WithLabelValues(metrics.ForecastNotReady).Inc()
		logger.V(logging.DEBUG).Info("No forecast", "samples", w.Len(), "ready", w.Ready)
		return decision.Observation{Kind: decision.ObservedNoForecast}, nil
	default:
		c.Metrics.ForecastFailures.WithLabelValues(metrics.ForecastInference).Inc()
		logger.Error(err, "Forecast failed, treating confidence as zero")
		return decision.Observation{Kind: decision.ObservedInferenceFailure}, nil
	}
}

func (c *Controller) send(ctx context.Context, p *v1alpha1.PolicyPayload) error {
	ctx, span := tracing.Tracer().Start(ctx, "rapp.policy_send")
	span.SetAttributes(
		attribute.String("rapp.sink", c.Sink.Name()),
		attribute.String("rapp.policy_id", p.PolicyID))
	defer span.End()

	if err := c.Sink.Send(ctx, p); err != nil {
		c.Metrics.PolicySends.WithLabelValues(c.Sink.Name(), metrics.SendFailure).Inc()
		span.RecordError(err)
		return err
	}
	c.Metrics.PolicySends.WithLabelValues(c.Sink.Name(), metrics.SendSuccess).Inc()
	return nil
}

// fetchStart returns the exclusive start of the next fetch.
func (c *Controller) fetchStart(cursor, now time.Time) time.Time {
	floor := now.Add(-c.opts.Lookback)
	if cursor.IsZero() || cursor.Before(floor) {
		return floor
	}
	return cursor
}

// UnitStatus is a read-only view of one managed unit.
type UnitStatus struct {
	UnitID       string                `json:"unitId"`
	State        core.UnitControlState `json:"state"`
	Cursor       time.Time             `json:"cursor"`
	WindowLength int                   `json:"windowLength"`
	WindowReady  bool                  `json:"windowReady"`
	Thresholds   config.Thresholds     `json:"thresholds"`
	LastDecision *decision.Decision    `json:"lastDecision,omitempty"`
	LastForecast *core.Forecast        `json:"lastForecast,omitempty"`
}

// Status returns the view of a managed unit.
func (c *Controller) Status(unitID string) (UnitStatus, bool) {
	if _, managed := c.generation(unitID); !managed {
		return UnitStatus{}, false
	}

	st := UnitStatus{
		UnitID:     unitID,
		State:      core.NewUnitControlState(),
		Thresholds: c.Thresholds.ThresholdsFor(unitID),
	}
	if rec, ok := c.State.Get(unitID); ok {
		st.State = rec.State
		st.Cursor = rec.Cursor
		st.LastDecision = rec.LastDecision
		st.LastForecast = rec.LastForecast
	}
	if w, ok := c.Windows.Snapshot(unitID); ok {
		st.WindowLength = w.Len()
		st.WindowReady = w.Ready
	}
	return st, true
}
