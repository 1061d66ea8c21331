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

package e2eemulated

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/oran-energy/energy-saving-rapp/api/v1alpha1"
	"github.com/oran-energy/energy-saving-rapp/internal/actuator"
	"github.com/oran-energy/energy-saving-rapp/internal/controller"
	"github.com/oran-energy/energy-saving-rapp/internal/policy"
	"github.com/oran-energy/energy-saving-rapp/internal/server"
	"github.com/oran-energy/energy-saving-rapp/pkg/core"
)

func getJSON(url string, out any) int {
	resp, err := http.Get(url)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	Expect(json.NewDecoder(resp.Body).Decode(out)).To(Succeed())
	return resp.StatusCode
}

func unitMode(e *Emulator, unitID string) core.Mode {
	var st controller.UnitStatus
	Expect(getJSON(e.Server.URL+"/units/"+unitID, &st)).To(Equal(http.StatusOK))
	return st.State.CurrentMode
}

func auditActions(path string) map[string]int {
	f, err := os.Open(path)
	Expect(err).NotTo(HaveOccurred())
	defer f.Close()
	out := map[string]int{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line map[string]any
		Expect(json.Unmarshal(sc.Bytes(), &line)).To(Succeed())
		out[fmt.Sprint(line["action"])]++
	}
	return out
}

// runNight drives both cells from minute 11 to 18 and returns the night cell's mode per tick.
func runNight(ctx context.Context, e *Emulator) []core.Mode {
	e.Feed(nightCell, 0, 10, nightThenPeak)
	e.Feed(steadyCell, 0, 10, steadyLoad)
	var modes []core.Mode
	for m := 11; m <= 18; m++ {
		e.Feed(nightCell, m, m, nightThenPeak)
		e.Feed(steadyCell, m, m, steadyLoad)
		s := e.Tick(ctx, m)
		Expect(s.Committed).To(Equal(2), "minute %d", m)
		modes = append(modes, unitMode(e, nightCell))
	}
	return modes
}

var _ = Describe("Closed loop", Ordered, func() {
	var (
		ctx   context.Context
		store *actuator.MemoryStore
		first *Emulator
	)

	BeforeAll(func() {
		ctx = context.Background()
		store = actuator.NewMemoryStore()
		var err error
		first, err = NewEmulator(GinkgoT().TempDir(), store)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(first.Close)
	})

	It("reports healthy before the first tick", func() {
		var h server.HealthResponse
		Expect(getJSON(first.Server.URL+"/healthz", &h)).To(Equal(http.StatusOK))
		Expect(h.Status).To(Equal("ok"))
		Expect(h.ModelVersion).To(Equal("lqr-prb-2025.03"))
		Expect(h.Units).To(Equal(2))
		Expect(h.Modes[core.ModeNominal]).To(Equal(2))
	})

	It("downshifts an idle cell and restores it once peak traffic returns", func() {
		modes := runNight(ctx, first)
		// Downshift commits at minute 13; restore waits out the dwell time until minute 18.
		Expect(modes).To(Equal([]core.Mode{
			core.ModeNominal, core.ModeNominal, core.ModeReduced, core.ModeReduced,
			core.ModeReduced, core.ModeReduced, core.ModeReduced, core.ModeNominal,
		}))
		Expect(unitMode(first, steadyCell)).To(Equal(core.ModeNominal))

		files := first.PolicyFiles(nightCell)
		Expect(files).To(HaveLen(2))
		Expect(first.PolicyFiles(steadyCell)).To(BeEmpty())

		downID := policy.PolicyID(nightCell, core.ModeReduced, minuteAt(13))
		raw, err := os.ReadFile(filepath.Join(first.Config.Sink.FileDir, nightCell+"-"+downID+".json"))
		Expect(err).NotTo(HaveOccurred())
		var p v1alpha1.PolicyPayload
		Expect(json.Unmarshal(raw, &p)).To(Succeed())
		Expect(p.TargetMode).To(Equal(core.ModeReduced))
		Expect(p.Rationale.ConfirmTicks).To(Equal(3))
		Expect(p.Rationale.PredictedLoad).To(BeNumerically("~", 0.2, 1e-9))
		Expect(p.Rationale.ModelVersion).To(Equal("lqr-prb-2025.03"))
		Expect(p.ExpiresAt.Sub(p.DecisionTimestamp.Time)).To(Equal(first.Config.Policy.Expiry))

		actions := auditActions(first.AuditPath())
		Expect(actions["downshift"]).To(Equal(1))
		Expect(actions["restore"]).To(Equal(1))
		Expect(actions["hold"]).To(Equal(14))
	})

	It("exposes decisions as metrics", func() {
		expected := `
# HELP rapp_decision_decisions_total Committed decisions by action
# TYPE rapp_decision_decisions_total counter
rapp_decision_decisions_total{action="downshift"} 1
rapp_decision_decisions_total{action="hold"} 14
rapp_decision_decisions_total{action="restore"} 1
`
		Expect(testutil.GatherAndCompare(first.Registry, strings.NewReader(expected),
			"rapp_decision_decisions_total")).To(Succeed())

		resp, err := http.Get(first.Server.URL + "/metrics")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	It("reaches the same decisions on replay without redelivering policies", func() {
		replay, err := NewEmulator(GinkgoT().TempDir(), store)
		Expect(err).NotTo(HaveOccurred())
		defer replay.Close()

		Expect(runNight(ctx, replay)).To(HaveLen(8))
		Expect(unitMode(replay, nightCell)).To(Equal(core.ModeNominal))
		Expect(replay.PolicyFiles(nightCell)).To(BeEmpty())
		Expect(auditActions(replay.AuditPath())).To(Equal(auditActions(first.AuditPath())))
	})

	It("accepts pushed telemetry and drops malformed records", func() {
		pushed, err := NewEmulator(GinkgoT().TempDir(), actuator.NewMemoryStore())
		Expect(err).NotTo(HaveOccurred())
		defer pushed.Close()

		var records []server.IngestRecord
		for m := 0; m <= 11; m++ {
			records = append(records, server.IngestRecord{
				UnitID:    nightCell,
				Timestamp: minuteAt(m).Format(time.RFC3339),
				Fields:    map[string]any{"prb_util": 0.2},
			})
		}
		records = append(records, server.IngestRecord{
			UnitID:    nightCell,
			Timestamp: minuteAt(10).Add(30 * time.Second).Format(time.RFC3339),
			Fields:    map[string]any{"prb_util": "overload"},
		})
		body, err := json.Marshal(records)
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.Post(pushed.Server.URL+"/telemetry", "application/json", bytes.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

		pushed.Tick(ctx, 11)

		var st controller.UnitStatus
		Expect(getJSON(pushed.Server.URL+"/units/"+nightCell, &st)).To(Equal(http.StatusOK))
		Expect(st.WindowLength).To(Equal(12))
		Expect(st.WindowReady).To(BeTrue())
		Expect(st.State.PendingMode).To(Equal(core.ModeReduced))
		Expect(st.State.DwellCounter).To(Equal(1))

		count, err := testutil.GatherAndCount(pushed.Registry, "rapp_window_samples_dropped_total")
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(1))
	})

	It("decommissions and re-adds a cell over HTTP", func() {
		del, err := http.NewRequest(http.MethodDelete, first.Server.URL+"/units/"+nightCell, nil)
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.DefaultClient.Do(del)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		Expect(first.Loop.Units()).To(Equal([]string{steadyCell}))

		var st controller.UnitStatus
		Expect(getJSON(first.Server.URL+"/units/"+nightCell, &st)).To(Equal(http.StatusNotFound))

		put, err := http.NewRequest(http.MethodPut, first.Server.URL+"/units/"+nightCell, nil)
		Expect(err).NotTo(HaveOccurred())
		resp, err = http.DefaultClient.Do(put)
		Expect(err).NotTo(HaveOccurred())
		Expect(json.NewDecoder(resp.Body).Decode(&st)).To(Succeed())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		Expect(st.State).To(Equal(core.NewUnitControlState()))
		Expect(st.Cursor.IsZero()).To(BeTrue())
	})
})
