// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

// Package change implements C7: last-value memory and change-event emission
// for parameters with on_change=true.
package change

import (
	"math"
	"reflect"
	"sync"
	"time"

	"github.com/nbcb/collect/internal/parse"
)

// Event is a ParamChanged occurrence (§4.7).
type Event struct {
	ConnID   string
	DeviceID string
	Code     string
	Old      interface{}
	New      interface{}
	Ts       time.Time
	Sample   parse.Sample
}

type entryKey struct {
	connID, deviceID, code string
}

type entry struct {
	compareValue interface{}
	precision    int
}

// Tracker holds one LastValueEntry per (conn,device,code). There is no TTL:
// memory grows with the set of observed on_change parameters (§4.7).
type Tracker struct {
	mu      sync.Mutex
	entries map[entryKey]entry
}

func New() *Tracker {
	return &Tracker{entries: make(map[entryKey]entry)}
}

// Track evaluates every on_change sample against its last recorded value and
// returns the ParamChanged events to emit. Precisions come from the sample's
// owning ParameterSpec via precisionOf, supplied by the caller since Sample
// itself doesn't carry precision.
func (t *Tracker) Track(samples []parse.Sample, precisionOf func(code string) int) []Event {
	var events []Event
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range samples {
		if !s.OnChange {
			continue
		}
		compareValue := s.Parsed
		if s.BitMap {
			compareValue = s.Raw
		}

		key := entryKey{s.ConnID, s.DeviceID, s.Code}
		prev, ok := t.entries[key]
		precision := precisionOf(s.Code)
		t.entries[key] = entry{compareValue: compareValue, precision: precision}

		if !ok {
			continue // first observation: record, emit nothing
		}
		if valuesEqual(prev.compareValue, compareValue, precision) {
			continue
		}
		events = append(events, Event{
			ConnID:   s.ConnID,
			DeviceID: s.DeviceID,
			Code:     s.Code,
			Old:      prev.compareValue,
			New:      compareValue,
			Ts:       s.Ts,
			Sample:   s,
		})
	}
	return events
}

// valuesEqual applies §4.7's three equality rules: float tolerance,
// key-wise bit-map equality, and structural equality for everything else.
func valuesEqual(old, new interface{}, precision int) bool {
	switch o := old.(type) {
	case float64:
		n, ok := new.(float64)
		if !ok {
			return false
		}
		tolerance := math.Pow(10, -float64(precision))
		return math.Abs(o-n) < tolerance

	case map[string]bool:
		n, ok := new.(map[string]bool)
		if !ok {
			return false
		}
		if len(o) != len(n) {
			return false
		}
		for k, v := range o {
			if n[k] != v {
				return false
			}
		}
		return true

	default:
		return reflect.DeepEqual(old, new)
	}
}
