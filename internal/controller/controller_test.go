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
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"k8s.io/utils/ptr"

	"github.com/oran-energy/energy-saving-rapp/api/v1alpha1"
	"github.com/oran-energy/energy-saving-rapp/internal/collector"
	"github.com/oran-energy/energy-saving-rapp/internal/config"
	"github.com/oran-energy/energy-saving-rapp/internal/engines/common"
	"github.com/oran-energy/energy-saving-rapp/internal/engines/decision"
	"github.com/oran-energy/energy-saving-rapp/internal/forecaster"
	"github.com/oran-energy/energy-saving-rapp/internal/metrics"
	"github.com/oran-energy/energy-saving-rapp/internal/normalizer"
	"github.com/oran-energy/energy-saving-rapp/internal/policy"
	"github.com/oran-energy/energy-saving-rapp/internal/window"
	"github.com/oran-energy/energy-saving-rapp/pkg/core"
)

const (
	unitA      = "RU_001"
	unitB      = "RU_002"
	windowLen  = 3
	testPolicy = "ORAN_EnergySaving_1.0.0"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func minute(i int) time.Time {
	return t0.Add(time.Duration(i) * time.Minute)
}

// lastValueModel predicts the newest input value with a narrow spread.
// When gate is set, Predict signals entered and waits for gate to close.
type lastValueModel struct {
	fail    bool
	block   bool
	entered chan struct{}
	gate    chan struct{}
}

func (m *lastValueModel) Metadata() forecaster.Metadata {
	return forecaster.Metadata{
		Version:      "last-value",
		WindowLength: windowLen,
		Features:     []string{"prb_util"},
		Target:       "prb_util",
	}
}

func (m *lastValueModel) Predict(ctx context.Context, input [][]float64) (core.Quantiles, error) {
	if m.gate != nil {
		m.entered <- struct{}{}
		<-m.gate
	}
	if m.block {
		<-ctx.Done()
		return core.Quantiles{}, ctx.Err()
	}
	if m.fail {
		return core.Quantiles{}, errors.New("tensor shape mismatch")
	}
	last := input[len(input)-1][0]
	return core.Quantiles{P10: last - 0.1, P50: last, P90: last + 0.1}, nil
}

type recordingSink struct {
	mu   sync.Mutex
	err  error
	sent []*v1alpha1.PolicyPayload
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(_ context.Context, p *v1alpha1.PolicyPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, p)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) payloads() []*v1alpha1.PolicyPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*v1alpha1.PolicyPayload(nil), s.sent...)
}

func record(unitID string, ts any, prb any) collector.RawRecord {
	return collector.RawRecord{UnitID: unitID, Timestamp: ts, Fields: map[string]any{"prb_util": prb}}
}

var _ = Describe("Controller", func() {
	var (
		ctx     context.Context
		source  *collector.StaticSource
		model   *lastValueModel
		sink    *recordingSink
		rec     *metrics.Recorder
		thresh  config.Thresholds
		ctrlr   *Controller
		windows *window.Builder
	)

	build := func(heartbeat bool) {
		var err error
		windows, err = window.NewBuilder(window.Limits{
			Capacity:        windowLen,
			GapLimit:        3 * time.Minute,
			ContiguityLimit: 90 * time.Second,
		})
		Expect(err).NotTo(HaveOccurred())

		fc := forecaster.New(model,
			window.FixedScaling{Mean: map[string]float64{"prb_util": 0}, Std: map[string]float64{"prb_util": 1}},
			config.ForecastConfig{MaxRelativeSpread: 1, SpreadFloor: 0.05})
		emitter, err := policy.NewEmitter(config.PolicyConfig{PolicyTypeID: testPolicy, Expiry: 30 * time.Minute}, heartbeat)
		Expect(err).NotTo(HaveOccurred())

		rec = metrics.NewRecorder(prometheus.NewRegistry())
		ctrlr, err = New(Deps{
			Source: source,
			Normalizer: normalizer.New(map[string]config.FieldRule{
				"prb_util": {Required: true, Min: ptr.To(0.0), Max: ptr.To(100.0), OutOfRange: config.OutOfRangeReject},
			}),
			Windows:    windows,
			Forecaster: fc,
			Emitter:    emitter,
			Sink:       sink,
			Thresholds: common.NewGlobalConfig(thresh),
			Metrics:    rec,
		}, Options{
			Units:       []string{unitA},
			TickTimeout: time.Second,
			Workers:     4,
			Lookback:    windowLen * time.Minute,
			StaleAfter:  3 * time.Minute,
		})
		Expect(err).NotTo(HaveOccurred())
	}

	modeOf := func(unitID string) core.Mode {
		r, ok := ctrlr.State.Get(unitID)
		Expect(ok).To(BeTrue())
		return r.State.CurrentMode
	}

	BeforeEach(func() {
		ctx = context.Background()
		source = collector.NewStaticSource()
		model = &lastValueModel{}
		sink = &recordingSink{}
		thresh = config.Thresholds{
			LowThreshold:     20,
			HighThreshold:    40,
			MinConfidence:    0.8,
			ConfirmTicksDown: 3,
			ConfirmTicksUp:   1,
			MinDwellTime:     2 * time.Minute,
		}
	})

	Context("closed loop scenario", func() {
		feed := func() {
			values := []float64{30, 30, 15, 18, 16, 50, 50}
			for i, v := range values {
				source.Append(record(unitA, minute(i), v))
			}
		}

		BeforeEach(func() {
			feed()
			build(false)
		})

		It("downshifts after three low ticks and restores once the dwell time has passed", func() {
			var modes []core.Mode
			for i := 2; i <= 6; i++ {
				s := ctrlr.RunTick(ctx, minute(i))
				Expect(s.Committed).To(Equal(1))
				modes = append(modes, modeOf(unitA))
			}
			Expect(modes).To(Equal([]core.Mode{
				core.ModeNominal, core.ModeNominal, core.ModeReduced, core.ModeReduced, core.ModeNominal,
			}))

			st, ok := ctrlr.Status(unitA)
			Expect(ok).To(BeTrue())
			Expect(st.WindowLength).To(Equal(windowLen))
			Expect(st.WindowReady).To(BeTrue())
			Expect(st.Thresholds).To(Equal(thresh))
			_, ok = ctrlr.Status("RU_999")
			Expect(ok).To(BeFalse())

			r, _ := ctrlr.State.Get(unitA)
			Expect(r.Cursor).To(Equal(minute(6)))
			Expect(r.LastDecision.Action).To(Equal(decision.ActionRestore))
			Expect(r.LastForecast.PredictedLoad).To(BeNumerically("~", 50, 1e-9))

			sent := sink.payloads()
			Expect(sent).To(HaveLen(2))
			Expect(sent[0].TargetMode).To(Equal(core.ModeReduced))
			Expect(sent[0].PolicyID).To(Equal(policy.PolicyID(unitA, core.ModeReduced, minute(4))))
			Expect(sent[1].TargetMode).To(Equal(core.ModeNominal))
			Expect(sent[1].Rationale.Reason).To(Equal(decision.ReasonHighLoad))

			Expect(testutil.ToFloat64(rec.Decisions.WithLabelValues(string(decision.ActionDownshift)))).To(Equal(1.0))
			Expect(testutil.ToFloat64(rec.Decisions.WithLabelValues(string(decision.ActionRestore)))).To(Equal(1.0))
			Expect(testutil.ToFloat64(rec.UnitMode.WithLabelValues(unitA))).To(Equal(0.0))
			Expect(testutil.ToFloat64(rec.PolicySends.WithLabelValues("recording", metrics.SendSuccess))).To(Equal(2.0))
		})

		It("produces the same payloads when replayed", func() {
			for i := 2; i <= 6; i++ {
				ctrlr.RunTick(ctx, minute(i))
			}
			first := sink.payloads()

			sink = &recordingSink{}
			source = collector.NewStaticSource()
			feed()
			build(false)
			for i := 2; i <= 6; i++ {
				ctrlr.RunTick(ctx, minute(i))
			}
			second := sink.payloads()

			Expect(second).To(HaveLen(len(first)))
			for i := range first {
				Expect(second[i].PolicyID).To(Equal(first[i].PolicyID))
				Expect(second[i].Rationale).To(Equal(first[i].Rationale))
			}
		})
	})

	Context("malformed telemetry", func() {
		BeforeEach(func() {
			for i := range 4 {
				source.Append(record(unitA, minute(i), 10.0))
			}
			source.Append(
				record(unitA, minute(2).Add(20*time.Second), "n/a"),
				record(unitA, minute(2).Add(30*time.Second), 250.0),
				record(unitA, "not a timestamp", 10.0),
				record(unitA, minute(2), 10.0),
			)
			build(false)
		})

		It("drops bad records and still decides", func() {
			s := ctrlr.RunTick(ctx, minute(3))
			Expect(s.Committed).To(Equal(1))

			r, ok := ctrlr.State.Get(unitA)
			Expect(ok).To(BeTrue())
			Expect(r.LastDecision.Reason).To(Equal(decision.ReasonConfirming))
			Expect(r.State.DwellCounter).To(Equal(1))

			Expect(testutil.ToFloat64(rec.SamplesDropped.WithLabelValues(metrics.DropMalformed))).To(Equal(3.0))
			Expect(testutil.ToFloat64(rec.SamplesDropped.WithLabelValues(metrics.DropOutOfOrder))).To(Equal(1.0))
		})
	})

	Context("failures", func() {
		BeforeEach(func() {
			for i := range 6 {
				source.Append(record(unitA, minute(i), 10.0))
			}
			thresh.ConfirmTicksDown = 1
		})

		It("leaves the unit untouched when the sink fails", func() {
			build(false)
			sink.err = errors.New("connection refused")

			s := ctrlr.RunTick(ctx, minute(2))
			Expect(s.Abandoned).To(Equal(1))
			_, ok := ctrlr.State.Get(unitA)
			Expect(ok).To(BeFalse())
			_, ok = windows.Snapshot(unitA)
			Expect(ok).To(BeFalse())
			Expect(testutil.ToFloat64(rec.UnitPasses.WithLabelValues(metrics.OutcomeError))).To(Equal(1.0))

			sink.mu.Lock()
			sink.err = nil
			sink.mu.Unlock()
			s = ctrlr.RunTick(ctx, minute(2))
			Expect(s.Committed).To(Equal(1))
			Expect(modeOf(unitA)).To(Equal(core.ModeReduced))
			Expect(sink.payloads()).To(HaveLen(1))
		})

		It("abandons a pass that exceeds the tick timeout", func() {
			model.block = true
			build(false)
			ctrlr.opts.TickTimeout = 50 * time.Millisecond

			s := ctrlr.RunTick(ctx, minute(2))
			Expect(s.Abandoned).To(Equal(1))
			_, ok := ctrlr.State.Get(unitA)
			Expect(ok).To(BeFalse())
			Expect(testutil.ToFloat64(rec.UnitPasses.WithLabelValues(metrics.OutcomeTimeout))).To(Equal(1.0))
		})

		It("restores a reduced unit when inference fails", func() {
			build(false)
			ctrlr.RunTick(ctx, minute(2))
			Expect(modeOf(unitA)).To(Equal(core.ModeReduced))

			model.fail = true
			ctrlr.RunTick(ctx, minute(5))
			Expect(modeOf(unitA)).To(Equal(core.ModeNominal))
			r, _ := ctrlr.State.Get(unitA)
			Expect(r.LastDecision.Reason).To(Equal(decision.ReasonInferenceFailure))
			Expect(r.LastForecast).To(BeNil())
			Expect(testutil.ToFloat64(rec.ForecastFailures.WithLabelValues(metrics.ForecastInference))).To(Equal(1.0))
		})

		It("holds on a stale window", func() {
			build(false)
			ctrlr.RunTick(ctx, minute(5))
			Expect(modeOf(unitA)).To(Equal(core.ModeReduced))

			s := ctrlr.RunTick(ctx, minute(9))
			Expect(s.Committed).To(Equal(1))
			r, _ := ctrlr.State.Get(unitA)
			Expect(r.LastDecision.Reason).To(Equal(decision.ReasonNoForecast))
			Expect(r.Cursor).To(Equal(minute(5)))
			Expect(sink.payloads()).To(HaveLen(1))
			Expect(testutil.ToFloat64(rec.ForecastFailures.WithLabelValues(metrics.ForecastNotReady))).To(Equal(1.0))
		})
	})

	Context("scheduling", func() {
		BeforeEach(func() {
			for i := range 3 {
				source.Append(record(unitA, minute(i), 30.0), record(unitB, minute(i), 30.0))
			}
		})

		It("skips a unit whose previous pass is in flight", func() {
			build(false)
			ctrlr.AddUnit(unitB)
			Expect(ctrlr.acquire(unitA)).To(BeTrue())

			s := ctrlr.RunTick(ctx, minute(2))
			Expect(s.Busy).To(Equal(1))
			Expect(s.Committed).To(Equal(1))
			_, ok := ctrlr.State.Get(unitA)
			Expect(ok).To(BeFalse())
			_, ok = ctrlr.State.Get(unitB)
			Expect(ok).To(BeTrue())

			ctrlr.release(unitA)
			Expect(ctrlr.RunTick(ctx, minute(2)).Committed).To(Equal(2))
		})

		It("sends heartbeats on hold ticks when enabled", func() {
			build(true)
			ctrlr.RunTick(ctx, minute(2))
			sent := sink.payloads()
			Expect(sent).To(HaveLen(1))
			Expect(sent[0].Heartbeat).To(BeTrue())
			Expect(sent[0].TargetMode).To(Equal(core.ModeNominal))
		})

		It("forgets a removed unit", func() {
			build(false)
			ctrlr.RunTick(ctx, minute(2))
			Expect(testutil.ToFloat64(rec.UnitsManaged)).To(Equal(1.0))

			ctrlr.RemoveUnit(unitA)
			Expect(ctrlr.Units()).To(BeEmpty())
			_, ok := ctrlr.State.Get(unitA)
			Expect(ok).To(BeFalse())
			Expect(windows.Units()).To(BeEmpty())
			Expect(testutil.ToFloat64(rec.UnitsManaged)).To(Equal(0.0))
		})

		It("discards the pass of a unit removed while it was in flight", func() {
			model.entered = make(chan struct{}, 1)
			model.gate = make(chan struct{})
			build(false)

			done := make(chan TickSummary, 1)
			go func() { done <- ctrlr.RunTick(ctx, minute(2)) }()
			Eventually(model.entered).Should(Receive())

			Expect(ctrlr.RemoveUnit(unitA)).To(BeTrue())
			close(model.gate)
			var s TickSummary
			Eventually(done).Should(Receive(&s))
			Expect(s.Abandoned).To(Equal(1))
			Expect(testutil.ToFloat64(rec.UnitPasses.WithLabelValues(metrics.OutcomeRemoved))).To(Equal(1.0))

			_, ok := ctrlr.State.Get(unitA)
			Expect(ok).To(BeFalse())
			Expect(windows.Units()).To(BeEmpty())
			Expect(testutil.CollectAndCount(rec.UnitMode)).To(BeZero())

			Expect(ctrlr.AddUnit(unitA)).To(BeTrue())
			st, ok := ctrlr.Status(unitA)
			Expect(ok).To(BeTrue())
			Expect(st.State).To(Equal(core.NewUnitControlState()))
			Expect(st.WindowLength).To(BeZero())
		})

		It("counts modes over managed units", func() {
			thresh.ConfirmTicksDown = 1
			thresh.LowThreshold = 35
			build(false)
			ctrlr.RunTick(ctx, minute(2))
			Expect(ctrlr.AddUnit(unitB)).To(BeTrue())
			Expect(ctrlr.AddUnit(unitB)).To(BeFalse())

			Expect(ctrlr.ModeCounts()).To(Equal(map[core.Mode]int{core.ModeReduced: 1, core.ModeNominal: 1}))
			Expect(ctrlr.RemoveUnit(unitA)).To(BeTrue())
			Expect(ctrlr.RemoveUnit(unitA)).To(BeFalse())
			Expect(ctrlr.ModeCounts()).To(Equal(map[core.Mode]int{core.ModeReduced: 0, core.ModeNominal: 1}))
		})

		It("stops the loop when the context is cancelled", func() {
			build(false)
			ctrlr.opts.TickInterval = 10 * time.Millisecond
			loopCtx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() { done <- ctrlr.Start(loopCtx) }()

			Eventually(func() float64 { return testutil.ToFloat64(rec.Ticks) }).Should(BeNumerically(">=", 2))
			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})
	})
})
