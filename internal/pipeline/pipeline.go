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

// Package pipeline implements C9: three bounded-channel event topics
// (DataAcquired, DataParsed, ParamChanged) connecting acquisition, parsing,
// storage, and the rule engine.
package pipeline

import (
	"context"
	"time"

	"github.com/nbcb/collect/internal/change"
	"github.com/nbcb/collect/internal/config"
	"github.com/nbcb/collect/internal/parse"
	"github.com/nbcb/collect/internal/poll"
	modbus "github.com/nbcb/collect/wire"
)

// DataAcquired carries one tick's raw block image to the sole consumer, the
// parser (§4.9).
type DataAcquired struct {
	ConnID   string
	DeviceID string
	Tick     poll.Tick
	Ts       time.Time
}

// DataParsed carries one tick's parsed samples to at-least-one consumer
// (the sink writer).
type DataParsed struct {
	ConnID   string
	DeviceID string
	Samples  []parse.Sample
	Errs     []error
	Ts       time.Time
}

// ParamChanged is delivered at-least-once to both the broker publisher and
// the rule engine; duplicates are possible on retry.
type ParamChanged struct {
	change.Event
}

// Pipeline owns the three topic channels. Per-device ordering of
// DataAcquired → DataParsed → ParamChanged emitted from the same tick is
// preserved by construction: a device's poller sends its DataAcquired events
// in tick order, and the single parser-stage goroutine consumes them in that
// order and sends the matching DataParsed and ParamChanged events before
// taking the next tick (§4.9, §5).
type Pipeline struct {
	acquired chan DataAcquired
	parsed   chan DataParsed
	changed  chan ParamChanged
}

// New creates a Pipeline with the given per-topic buffer depths. A depth of
// 0 makes that topic fully synchronous (send blocks until a consumer
// receives), which is a valid and sometimes deliberate backpressure choice.
func New(acquiredBuf, parsedBuf, changedBuf int) *Pipeline {
	return &Pipeline{
		acquired: make(chan DataAcquired, acquiredBuf),
		parsed:   make(chan DataParsed, parsedBuf),
		changed:  make(chan ParamChanged, changedBuf),
	}
}

// PublishAcquired blocks if the parser queue is full — this is the
// mechanism by which continuous-mode polling is throttled under downstream
// stalls (§4.9). ctx cancellation unblocks the send early and reports
// BackpressureFullError rather than leaving the caller blocked forever past
// shutdown.
func (p *Pipeline) PublishAcquired(ctx context.Context, event DataAcquired) error {
	select {
	case p.acquired <- event:
		return nil
	case <-ctx.Done():
		return &modbus.BackpressureFullError{Topic: "acquired"}
	}
}

func (p *Pipeline) PublishParsed(event DataParsed) {
	p.parsed <- event
}

func (p *Pipeline) PublishChanged(event ParamChanged) {
	p.changed <- event
}

func (p *Pipeline) Acquired() <-chan DataAcquired { return p.acquired }
func (p *Pipeline) Parsed() <-chan DataParsed     { return p.parsed }
func (p *Pipeline) Changed() <-chan ParamChanged  { return p.changed }

// Close is called once, after every producer has stopped, to let consumers
// drain and exit their range loops.
func (p *Pipeline) Close() {
	close(p.acquired)
	close(p.parsed)
	close(p.changed)
}

// RunParserStage is the pipeline's sole DataAcquired consumer: it parses
// each tick (C6), tracks on_change parameters (C7), and republishes
// DataParsed and ParamChanged for the same device from the same goroutine,
// preserving the ordering guarantee of §5. It exits within one timeout
// period of ctx cancellation or p.acquired closing, matching
// sink.Writer.RunParsed/RunChanged's pattern.
func (p *Pipeline) RunParserStage(ctx context.Context, parserOf func(connID string) *parse.Parser, tracker *change.Tracker, deviceOf func(connID, deviceID string) config.DeviceSpec, precisionOf func(connID, deviceID, code string) int) {
	for {
		select {
		case event, ok := <-p.acquired:
			if !ok {
				return
			}
			spec := deviceOf(event.ConnID, event.DeviceID)
			parser := parserOf(event.ConnID)
			samples, errs := parser.Parse(event.Tick, spec)

			p.PublishParsed(DataParsed{
				ConnID:   event.ConnID,
				DeviceID: event.DeviceID,
				Samples:  samples,
				Errs:     errs,
				Ts:       event.Ts,
			})

			changes := tracker.Track(samples, func(code string) int {
				return precisionOf(event.ConnID, event.DeviceID, code)
			})
			for _, c := range changes {
				p.PublishChanged(ParamChanged{Event: c})
			}
		case <-ctx.Done():
			return
		}
	}
}
