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

package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oran-energy/energy-saving-rapp/internal/engines/decision"
	"github.com/oran-energy/energy-saving-rapp/pkg/core"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func TestRecordTransition(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	r.Record(Entry{
		UnitID: "RU_001",
		Decision: decision.Decision{
			Action:           decision.ActionDownshift,
			From:             core.ModeNominal,
			To:               core.ModeReduced,
			Reason:           decision.ReasonLowLoad,
			ThresholdCrossed: decision.ThresholdLow,
			ThresholdValue:   0.2,
			ConfirmTicks:     3,
			Timestamp:        ts,
		},
		Forecast:   &core.Forecast{UnitID: "RU_001", PredictedLoad: 0.15, Confidence: 0.9, ModelVersion: "v1"},
		PolicyID:   "3b241101-e2bb-5255-8caf-4136c566a962",
		PushResult: PushSent,
	})
	r.Record(Entry{
		UnitID:     "RU_002",
		Decision:   decision.Decision{Action: decision.ActionHold, From: core.ModeNominal, To: core.ModeNominal, Reason: decision.ReasonNoForecast, Timestamp: ts},
		PushResult: PushNone,
		Err:        errors.New("window not ready"),
	})
	require.NoError(t, r.Close())

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 2)

	first := lines[0]
	assert.Equal(t, "decision", first["msg"])
	assert.Equal(t, "RU_001", first["unit"])
	assert.Equal(t, "downshift", first["action"])
	assert.Equal(t, "nominal", first["modeBefore"])
	assert.Equal(t, "reduced", first["modeAfter"])
	assert.Equal(t, 0.15, first["predictedLoad"])
	assert.Equal(t, "sent", first["pushResult"])
	assert.Equal(t, "3b241101-e2bb-5255-8caf-4136c566a962", first["policyId"])
	assert.NotContains(t, first, "error")

	second := lines[1]
	assert.Equal(t, "window not ready", second["error"])
	assert.NotContains(t, second, "predictedLoad")
	assert.NotContains(t, second, "policyId")
}

func TestOpenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "decision_log.jsonl")
	for range 2 {
		r, err := Open(path)
		require.NoError(t, err)
		r.Record(Entry{UnitID: "RU_001", Decision: decision.Decision{Action: decision.ActionHold}, PushResult: PushNone})
		require.NoError(t, r.Close())
	}
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, decodeLines(t, b), 2)
}

func TestOpenEmptyPathDiscards(t *testing.T) {
	r, err := Open("")
	require.NoError(t, err)
	r.Record(Entry{UnitID: "RU_001"})
	assert.NoError(t, r.Close())
}
