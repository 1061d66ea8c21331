package decision

import (
	"time"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/oran-energy/energy-saving-rapp/internal/config"
	"github.com/oran-energy/energy-saving-rapp/pkg/core"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func tick(i int) time.Time {
	return t0.Add(time.Duration(i) * time.Minute)
}

func obs(load, confidence float64) Observation {
	return ForecastObservation(core.Forecast{UnitID: "RU_001", PredictedLoad: load, Confidence: confidence})
}

var noForecast = Observation{Kind: ObservedNoForecast}
var inferenceFailure = Observation{Kind: ObservedInferenceFailure}

// run feeds observations one tick apart, starting at tick 1.
func run(th config.Thresholds, state core.UnitControlState, observations ...Observation) (core.UnitControlState, []Decision) {
	decisions := make([]Decision, 0, len(observations))
	for i, o := range observations {
		var d Decision
		state, d = Step(th, state, o, tick(i+1))
		decisions = append(decisions, d)
	}
	return state, decisions
}

func modes(decisions []Decision) []core.Mode {
	out := make([]core.Mode, len(decisions))
	for i, d := range decisions {
		out[i] = d.To
	}
	return out
}

var _ = Describe("Step", func() {
	var th config.Thresholds

	BeforeEach(func() {
		th = config.Thresholds{
			LowThreshold:     20,
			HighThreshold:    40,
			MinConfidence:    0.8,
			ConfirmTicksDown: 3,
			ConfirmTicksUp:   1,
			MinDwellTime:     2 * time.Minute,
		}
	})

	It("should follow the reference scenario", func() {
		_, decisions := run(th, core.NewUnitControlState(),
			obs(15, 0.9), obs(18, 0.9), obs(16, 0.9), obs(50, 0.9), obs(50, 0.9))

		Expect(modes(decisions)).To(Equal([]core.Mode{
			core.ModeNominal, core.ModeNominal, core.ModeReduced, core.ModeReduced, core.ModeNominal,
		}))
		Expect(decisions[2].Action).To(Equal(ActionDownshift))
		Expect(decisions[2].Reason).To(Equal(ReasonLowLoad))
		Expect(decisions[2].ThresholdCrossed).To(Equal(ThresholdLow))
		Expect(decisions[2].ConfirmTicks).To(Equal(3))
		Expect(decisions[3].Action).To(Equal(ActionHold))
		Expect(decisions[3].Blocked).To(BeTrue())
		Expect(decisions[3].Reason).To(Equal(ReasonDwellBlocked))
		Expect(decisions[4].Action).To(Equal(ActionRestore))
		Expect(decisions[4].Reason).To(Equal(ReasonHighLoad))
		Expect(decisions[4].ThresholdValue).To(Equal(40.0))
	})

	It("should be deterministic", func() {
		sequence := []Observation{
			obs(15, 0.9), noForecast, obs(18, 0.95), obs(10, 0.85), obs(30, 0.9),
			obs(45, 0.9), inferenceFailure, obs(5, 0.99), obs(5, 0.99), obs(5, 0.99),
		}
		stateA, decisionsA := run(th, core.NewUnitControlState(), sequence...)
		stateB, decisionsB := run(th, core.NewUnitControlState(), sequence...)

		Expect(cmp.Diff(stateA, stateB)).To(BeEmpty())
		Expect(cmp.Diff(decisionsA, decisionsB)).To(BeEmpty())
	})

	It("should not change mode twice within min_dwell_time", func() {
		th.ConfirmTicksDown = 1
		th.ConfirmTicksUp = 1
		th.MinDwellTime = 5 * time.Minute

		sequence := make([]Observation, 0, 60)
		for i := 0; i < 60; i++ {
			if i%2 == 0 {
				sequence = append(sequence, obs(5, 0.95))
			} else {
				sequence = append(sequence, obs(80, 0.95))
			}
		}
		_, decisions := run(th, core.NewUnitControlState(), sequence...)

		var last time.Time
		transitions := 0
		for _, d := range decisions {
			if !d.IsTransition() {
				continue
			}
			if !last.IsZero() {
				Expect(d.Timestamp.Sub(last)).To(BeNumerically(">=", th.MinDwellTime))
			}
			last = d.Timestamp
			transitions++
		}
		Expect(transitions).To(BeNumerically(">", 1))
	})

	Context("when reduced", func() {
		var reduced core.UnitControlState

		BeforeEach(func() {
			reduced = core.UnitControlState{CurrentMode: core.ModeReduced, LastTransitionTime: t0.Add(-time.Hour)}
		})

		It("should restore on low confidence even when load is low", func() {
			state, d := Step(th, reduced, obs(5, 0.3), tick(1))
			Expect(d.Action).To(Equal(ActionRestore))
			Expect(d.Reason).To(Equal(ReasonLowConfidence))
			Expect(d.ThresholdCrossed).To(Equal(ThresholdMinConfidence))
			Expect(state.CurrentMode).To(Equal(core.ModeNominal))
			Expect(state.LastTransitionTime).To(Equal(tick(1)))
		})

		It("should restore on inference failure", func() {
			state, d := Step(th, reduced, inferenceFailure, tick(1))
			Expect(d.Action).To(Equal(ActionRestore))
			Expect(d.Reason).To(Equal(ReasonInferenceFailure))
			Expect(state.CurrentMode).To(Equal(core.ModeNominal))
		})

		It("should hold between the thresholds", func() {
			state, d := Step(th, reduced, obs(30, 0.9), tick(1))
			Expect(d.Action).To(Equal(ActionHold))
			Expect(d.Reason).To(Equal(ReasonSteady))
			Expect(state).To(Equal(reduced))
		})

		It("should wait for confirm_ticks_up", func() {
			th.ConfirmTicksUp = 2
			state, decisions := run(th, reduced, obs(50, 0.9), obs(50, 0.9))
			Expect(decisions[0].Reason).To(Equal(ReasonConfirming))
			Expect(decisions[0].Pending).To(Equal(core.ModeNominal))
			Expect(decisions[1].Action).To(Equal(ActionRestore))
			Expect(state.PendingMode).To(Equal(core.ModeNone))
			Expect(state.DwellCounter).To(BeZero())
		})
	})

	Context("when confirming a downshift", func() {
		It("should neither count nor break on ticks without a forecast", func() {
			state, decisions := run(th, core.NewUnitControlState(),
				obs(15, 0.9), obs(15, 0.9), noForecast, noForecast, obs(15, 0.9))

			Expect(decisions[2].Reason).To(Equal(ReasonNoForecast))
			Expect(decisions[2].ConfirmTicks).To(Equal(2))
			Expect(decisions[3].Pending).To(Equal(core.ModeReduced))
			Expect(decisions[4].Action).To(Equal(ActionDownshift))
			Expect(state.CurrentMode).To(Equal(core.ModeReduced))
		})

		It("should reset the counter when the condition breaks", func() {
			state, decisions := run(th, core.NewUnitControlState(),
				obs(15, 0.9), obs(15, 0.9), obs(25, 0.9), obs(15, 0.9), obs(15, 0.9))

			Expect(decisions[2].Reason).To(Equal(ReasonConditionBroken))
			Expect(modes(decisions)).To(HaveEach(core.ModeNominal))
			Expect(state.PendingMode).To(Equal(core.ModeReduced))
			Expect(state.DwellCounter).To(Equal(2))
		})

		It("should break on low confidence", func() {
			state, decisions := run(th, core.NewUnitControlState(), obs(15, 0.9), obs(15, 0.5))
			Expect(decisions[1].Reason).To(Equal(ReasonConditionBroken))
			Expect(state.DwellCounter).To(BeZero())
		})

		It("should break on inference failure", func() {
			state, decisions := run(th, core.NewUnitControlState(), obs(15, 0.9), inferenceFailure)
			Expect(decisions[1].Action).To(Equal(ActionHold))
			Expect(decisions[1].Reason).To(Equal(ReasonConditionBroken))
			Expect(state.PendingMode).To(Equal(core.ModeNone))
		})

		It("should keep counting while dwell-blocked and commit on the first unblocked tick", func() {
			th.MinDwellTime = 10 * time.Minute
			start := core.UnitControlState{CurrentMode: core.ModeNominal, LastTransitionTime: tick(0)}

			state, decisions := run(th, start,
				obs(10, 0.9), obs(10, 0.9), obs(10, 0.9), obs(10, 0.9),
				obs(10, 0.9), obs(10, 0.9), obs(10, 0.9), obs(10, 0.9),
				obs(10, 0.9), obs(10, 0.9))

			for _, d := range decisions[2:9] {
				Expect(d.Blocked).To(BeTrue())
			}
			Expect(decisions[8].ConfirmTicks).To(Equal(9))
			Expect(decisions[9].Action).To(Equal(ActionDownshift))
			Expect(state.LastTransitionTime).To(Equal(tick(10)))
		})
	})

	It("should treat an empty state as nominal", func() {
		state, d := Step(th, core.UnitControlState{}, obs(30, 0.9), tick(1))
		Expect(d.From).To(Equal(core.ModeNominal))
		Expect(state.CurrentMode).To(Equal(core.ModeNominal))
	})

	It("should not downshift on exactly the low threshold", func() {
		th.ConfirmTicksDown = 1
		_, d := Step(th, core.NewUnitControlState(), obs(20, 0.9), tick(1))
		Expect(d.Action).To(Equal(ActionHold))
	})
})
