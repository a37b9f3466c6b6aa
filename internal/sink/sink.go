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

// Package sink adapts DataParsed and ParamChanged events onto the external
// time-series and broker surfaces named in §4.9. Concrete storage/broker
// wiring is left to deployment; the default implementations log.
package sink

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/nbcb/collect/internal/change"
	"github.com/nbcb/collect/internal/parse"
	"github.com/nbcb/collect/internal/pipeline"
)

// TimeSeriesSink persists one tick's parsed samples. A returned error is
// logged and the batch is dropped — at-most-once on the storage path
// (§4.9), never retried by the consumer loop.
type TimeSeriesSink interface {
	WriteBatch(ctx context.Context, conn, device string, samples []parse.Sample) error
}

// BrokerSink publishes ParamChanged events. Delivery is at-least-once: the
// publisher retries, and duplicates downstream are expected (§4.9).
type BrokerSink interface {
	Publish(ctx context.Context, event change.Event) error
}

// LoggingTimeSeriesSink logs every batch instead of persisting it — the
// default when no storage backend is configured.
type LoggingTimeSeriesSink struct {
	log *logrus.Entry
}

func NewLoggingTimeSeriesSink(log *logrus.Entry) *LoggingTimeSeriesSink {
	return &LoggingTimeSeriesSink{log: log}
}

func (s *LoggingTimeSeriesSink) WriteBatch(ctx context.Context, conn, device string, samples []parse.Sample) error {
	s.log.WithField("conn_id", conn).WithField("device_id", device).
		WithField("count", len(samples)).Debug("time-series batch")
	return nil
}

// LoggingBrokerSink logs every ParamChanged instead of publishing it — the
// default when no broker is configured.
type LoggingBrokerSink struct {
	log *logrus.Entry
}

func NewLoggingBrokerSink(log *logrus.Entry) *LoggingBrokerSink {
	return &LoggingBrokerSink{log: log}
}

func (s *LoggingBrokerSink) Publish(ctx context.Context, event change.Event) error {
	s.log.WithField("conn_id", event.ConnID).WithField("device_id", event.DeviceID).
		WithField("code", event.Code).WithField("old", event.Old).WithField("new", event.New).
		Info("param changed")
	return nil
}

// Writer drains a pipeline's DataParsed and ParamChanged topics into the
// configured sinks, isolating failures per event the way the broker/storage
// error-isolation idiom does: one bad write is logged, not fatal to the
// consumer loop.
type Writer struct {
	timeSeries TimeSeriesSink
	broker     BrokerSink
	log        *logrus.Entry
}

func NewWriter(timeSeries TimeSeriesSink, broker BrokerSink, log *logrus.Entry) *Writer {
	return &Writer{timeSeries: timeSeries, broker: broker, log: log}
}

// RunParsed is a DataParsed consumer; the time-series sink's contract is
// at-most-once (§4.9): an error is logged, the batch is dropped.
func (w *Writer) RunParsed(ctx context.Context, parsed <-chan pipeline.DataParsed) {
	for {
		select {
		case event, ok := <-parsed:
			if !ok {
				return
			}
			if err := w.timeSeries.WriteBatch(ctx, event.ConnID, event.DeviceID, event.Samples); err != nil {
				w.log.WithError(err).WithField("conn_id", event.ConnID).WithField("device_id", event.DeviceID).
					Warn("time-series write failed, batch dropped")
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunChanged is a ParamChanged consumer; publish failures are logged, not
// fatal, since the pipeline guarantees at-least-once delivery at the
// channel level already (§4.9).
func (w *Writer) RunChanged(ctx context.Context, changed <-chan pipeline.ParamChanged) {
	for {
		select {
		case event, ok := <-changed:
			if !ok {
				return
			}
			if err := w.broker.Publish(ctx, event.Event); err != nil {
				w.log.WithError(err).WithField("conn_id", event.ConnID).WithField("code", event.Code).
					Warn("broker publish failed")
			}
		case <-ctx.Done():
			return
		}
	}
}
