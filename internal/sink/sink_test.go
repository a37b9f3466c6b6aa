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

package sink

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nbcb/collect/internal/change"
	"github.com/nbcb/collect/internal/parse"
	"github.com/nbcb/collect/internal/pipeline"
)

type failingTimeSeriesSink struct{ calls int32 }

func (f *failingTimeSeriesSink) WriteBatch(ctx context.Context, conn, device string, samples []parse.Sample) error {
	atomic.AddInt32(&f.calls, 1)
	return errors.New("storage unavailable")
}

type countingBrokerSink struct{ calls int32 }

func (c *countingBrokerSink) Publish(ctx context.Context, event change.Event) error {
	atomic.AddInt32(&c.calls, 1)
	return nil
}

func TestWriterRunParsedDropsOnError(t *testing.T) {
	ts := &failingTimeSeriesSink{}
	w := NewWriter(ts, &countingBrokerSink{}, logrus.NewEntry(logrus.New()))

	ch := make(chan pipeline.DataParsed, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go w.RunParsed(ctx, ch)

	ch <- pipeline.DataParsed{ConnID: "c1", DeviceID: "d1", Samples: []parse.Sample{{Code: "x"}}}
	time.Sleep(20 * time.Millisecond)
	cancel()

	if atomic.LoadInt32(&ts.calls) != 1 {
		t.Errorf("expected 1 WriteBatch call despite error, got %d", ts.calls)
	}
}

func TestWriterRunChangedPublishes(t *testing.T) {
	broker := &countingBrokerSink{}
	w := NewWriter(&failingTimeSeriesSink{}, broker, logrus.NewEntry(logrus.New()))

	ch := make(chan pipeline.ParamChanged, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go w.RunChanged(ctx, ch)

	ch <- pipeline.ParamChanged{Event: change.Event{ConnID: "c1", Code: "speed"}}
	time.Sleep(20 * time.Millisecond)
	cancel()

	if atomic.LoadInt32(&broker.calls) != 1 {
		t.Errorf("expected 1 Publish call, got %d", broker.calls)
	}
}
