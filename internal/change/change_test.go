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

package change

import (
	"testing"
	"time"

	"github.com/nbcb/collect/internal/parse"
)

func sample(code string, parsed interface{}, raw interface{}, bitMap bool) parse.Sample {
	return parse.Sample{
		ConnID: "c1", DeviceID: "d1", Code: code,
		Raw: raw, Parsed: parsed, OnChange: true, BitMap: bitMap,
		Ts: time.Unix(0, 0),
	}
}

func precisionZero(string) int { return 0 }

func TestTrackerFirstObservationEmitsNothing(t *testing.T) {
	tr := New()
	events := tr.Track([]parse.Sample{sample("speed", 10.0, 10.0, false)}, precisionZero)
	if len(events) != 0 {
		t.Fatalf("first observation should not emit, got %+v", events)
	}
}

func TestTrackerEmitsOnChange(t *testing.T) {
	tr := New()
	tr.Track([]parse.Sample{sample("speed", 10.0, 10.0, false)}, precisionZero)
	events := tr.Track([]parse.Sample{sample("speed", 20.0, 20.0, false)}, precisionZero)
	if len(events) != 1 {
		t.Fatalf("expected 1 change event, got %d", len(events))
	}
	if events[0].Old != 10.0 || events[0].New != 20.0 {
		t.Errorf("unexpected event values: %+v", events[0])
	}
}

func TestTrackerFloatTolerance(t *testing.T) {
	tr := New()
	precision2 := func(string) int { return 2 }
	tr.Track([]parse.Sample{sample("temp", 10.001, 10.001, false)}, precision2)
	events := tr.Track([]parse.Sample{sample("temp", 10.002, 10.002, false)}, precision2)
	if len(events) != 0 {
		t.Fatalf("difference within tolerance should not emit, got %+v", events)
	}
	events = tr.Track([]parse.Sample{sample("temp", 10.1, 10.1, false)}, precision2)
	if len(events) != 1 {
		t.Fatalf("difference beyond tolerance should emit, got %+v", events)
	}
}

func TestTrackerUsesRawForBitMap(t *testing.T) {
	tr := New()
	bits1 := map[string]bool{"running": true, "fault": false}
	bits2 := map[string]bool{"running": true, "fault": true}
	tr.Track([]parse.Sample{sample("status", bits1, bits1, true)}, precisionZero)
	events := tr.Track([]parse.Sample{sample("status", bits2, bits2, true)}, precisionZero)
	if len(events) != 1 {
		t.Fatalf("bit_map change should emit, got %+v", events)
	}
}

func TestTrackerSkipsNonOnChangeParameters(t *testing.T) {
	tr := New()
	s := sample("unused", 1.0, 1.0, false)
	s.OnChange = false
	events := tr.Track([]parse.Sample{s}, precisionZero)
	if len(events) != 0 {
		t.Fatalf("non on_change samples should never emit, got %+v", events)
	}
}
