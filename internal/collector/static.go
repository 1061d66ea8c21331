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

package collector

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/cast"

	"github.com/oran-energy/energy-saving-rapp/internal/config"
)

// maxRecordsPerUnit bounds the records buffered for one unit. The oldest are
// dropped first.
const maxRecordsPerUnit = 10000

// StaticSource serves records held in memory. Records are appended by a
// replay driver, an emulator or the telemetry push endpoint and fetched like
// any other source. A fetch discards the unit's records at or before its start,
// since the cursor of a unit never moves backwards.
type StaticSource struct {
	mu      sync.Mutex
	records map[string][]RawRecord
	// unreadable holds records without a usable timestamp until the next fetch.
	unreadable map[string][]RawRecord
}

var _ TelemetrySource = (*StaticSource)(nil)

// NewStaticSource creates an empty static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		records:    make(map[string][]RawRecord),
		unreadable: make(map[string][]RawRecord),
	}
}

// Name implements TelemetrySource.
func (s *StaticSource) Name() string {
	return config.SourceStatic
}

// Append adds records. Records with an empty UnitID are dropped.
func (s *StaticSource) Append(records ...RawRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if r.UnitID == "" {
			continue
		}
		if _, ok := recordTime(r.Timestamp); !ok {
			s.unreadable[r.UnitID] = bounded(append(s.unreadable[r.UnitID], r))
			continue
		}
		s.records[r.UnitID] = bounded(append(s.records[r.UnitID], r))
	}
}

// Fetch implements TelemetrySource. Records without a readable timestamp are
// returned once, on the first fetch after they were appended, so that the
// normalizer reports them.
func (s *StaticSource) Fetch(_ context.Context, unitID string, start, end time.Time) ([]RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.unreadable[unitID]
	delete(s.unreadable, unitID)

	kept := s.records[unitID][:0]
	for _, r := range s.records[unitID] {
		ts, _ := recordTime(r.Timestamp)
		if !ts.After(start) {
			continue
		}
		kept = append(kept, r)
		if !ts.After(end) {
			out = append(out, r)
		}
	}
	if len(kept) == 0 {
		delete(s.records, unitID)
	} else {
		s.records[unitID] = kept
	}
	return out, nil
}

func bounded(records []RawRecord) []RawRecord {
	if n := len(records) - maxRecordsPerUnit; n > 0 {
		return append(records[:0:0], records[n:]...)
	}
	return records
}

func recordTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case float64:
		sec := int64(t)
		return time.Unix(sec, int64((t-float64(sec))*1e9)), true
	}
	ts, err := cast.ToTimeE(v)
	if err != nil || ts.IsZero() {
		return time.Time{}, false
	}
	return ts, true
}
