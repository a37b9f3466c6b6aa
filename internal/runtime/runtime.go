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

// Package runtime wires C1-C10 together from a loaded Config and owns
// the shutdown ordering described in §9.
package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nbcb/collect/internal/change"
	"github.com/nbcb/collect/internal/config"
	"github.com/nbcb/collect/internal/connection"
	"github.com/nbcb/collect/internal/dispatch"
	"github.com/nbcb/collect/internal/health"
	"github.com/nbcb/collect/internal/parse"
	"github.com/nbcb/collect/internal/pipeline"
	"github.com/nbcb/collect/internal/poll"
	"github.com/nbcb/collect/internal/rules"
	"github.com/nbcb/collect/internal/sink"
	"github.com/nbcb/collect/internal/slave"
)

const shutdownTimeout = 10 * time.Second

// perConn bundles everything built per ConnectionSpec.
type perConn struct {
	spec       config.ConnectionSpec
	conn       *connection.Connection
	dispatcher *dispatch.Dispatcher
	parser     *parse.Parser
	slave      *slave.Slave
	pollers    map[string]*poll.Poller // by device_id
}

// Runtime owns every live component for one Config snapshot.
type Runtime struct {
	log      *logrus.Entry
	manager  *connection.Manager
	pipeline *pipeline.Pipeline
	tracker  *change.Tracker
	health   *health.Registry
	engine   *rules.Engine
	writer   *sink.Writer

	mu    sync.RWMutex
	conns map[string]*perConn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Build constructs every component for cfg but does not start any loops.
func Build(cfg *config.Config, log *logrus.Entry) (*Runtime, error) {
	dialer := connection.Dialer(connection.DialReal)
	manager := connection.NewManager(cfg.Connections, dialer, log)

	rt := &Runtime{
		log:      log,
		manager:  manager,
		pipeline: pipeline.New(64, 64, 256),
		tracker:  change.New(),
		health:   health.NewRegistry(),
		conns:    make(map[string]*perConn),
	}
	rt.writer = sink.NewWriter(sink.NewLoggingTimeSeriesSink(log), sink.NewLoggingBrokerSink(log), log)

	for _, spec := range cfg.Connections {
		// GetOrCreate never dials — the transport opens lazily on the
		// connection's first operation (§4.2, §4.3), so one unreachable
		// device at startup never blocks or fails the rest of the runtime
		// (§5 fault containment).
		conn, ok := manager.GetOrCreate(spec.ConnID)
		if !ok {
			log.WithField("conn_id", spec.ConnID).Error("connection manager rejected conn_id, skipping")
			continue
		}

		pc := &perConn{
			spec:       spec,
			conn:       conn,
			dispatcher: dispatch.NewDispatcher(),
			parser:     parse.New(spec.ByteOrder, spec.RegisterType),
			pollers:    make(map[string]*poll.Poller),
		}

		sl, err := slave.New(spec, log)
		if err != nil {
			log.WithError(err).WithField("conn_id", spec.ConnID).Error("virtual slave construction failed")
		} else {
			pc.slave = sl
		}

		for _, dev := range spec.Devices {
			emit := rt.emitter(spec.ConnID, pc)
			pc.pollers[dev.DeviceID] = poll.New(spec.ConnID, dev, pc.conn, pc.dispatcher, emit, log)
		}

		rt.conns[spec.ConnID] = pc
	}

	rt.engine = rules.New(rt, log)
	return rt, nil
}

// emitter returns the per-device poll.Tick consumer: it publishes
// DataAcquired, and mirrors every successfully-read block into the
// connection's virtual slave (§4.8 update contract).
func (rt *Runtime) emitter(connID string, pc *perConn) func(context.Context, poll.Tick) {
	return func(ctx context.Context, tick poll.Tick) {
		for _, r := range tick.Results {
			if r.Err == nil {
				if pc.slave != nil {
					pc.slave.UpdateFromBlock(pc.spec.RegisterType, r.Block.Start, r.Values)
				}
			} else {
				rt.health.RecordError(connID, r.Err)
			}
		}
		if err := rt.pipeline.PublishAcquired(ctx, pipeline.DataAcquired{
			ConnID: connID, DeviceID: tick.DeviceID, Tick: tick, Ts: tick.Ts,
		}); err != nil {
			rt.log.WithError(err).WithField("conn_id", connID).WithField("device_id", tick.DeviceID).
				Warn("tick dropped, acquisition backpressure exceeded shutdown")
		}
	}
}

// Snapshot reports the current health.Snapshot for connID, combining live
// connection/dispatcher state with the last recorded block-read error. It is
// the hook an (out-of-scope) external management interface would call.
func (rt *Runtime) Snapshot(connID string) (health.Snapshot, bool) {
	rt.mu.RLock()
	pc, ok := rt.conns[connID]
	rt.mu.RUnlock()
	if !ok {
		return health.Snapshot{}, false
	}
	return rt.health.Snapshot(connID, pc.conn, pc.dispatcher), true
}

// deviceSpec resolves the DeviceSpec for (connID,deviceID), used by the
// parser stage and the rule engine's read primitive.
func (rt *Runtime) deviceSpec(connID, deviceID string) config.DeviceSpec {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	pc, ok := rt.conns[connID]
	if !ok {
		return config.DeviceSpec{}
	}
	for _, d := range pc.spec.Devices {
		if d.DeviceID == deviceID {
			return d
		}
	}
	return config.DeviceSpec{}
}

func (rt *Runtime) precisionOf(connID, deviceID, code string) int {
	spec := rt.deviceSpec(connID, deviceID)
	for _, p := range spec.ParameterSpecs {
		if p.Code == code {
			return p.Precision
		}
	}
	return 0
}

// rules.Lookup implementation, so the Engine can resolve connection/device
// plumbing without reaching back into Runtime internals.

func (rt *Runtime) Connection(connID string) (*connection.Connection, *dispatch.Dispatcher, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	pc, ok := rt.conns[connID]
	if !ok || pc.conn == nil {
		return nil, nil, false
	}
	return pc.conn, pc.dispatcher, true
}

func (rt *Runtime) DeviceSpec(connID, deviceID string) (config.DeviceSpec, bool) {
	spec := rt.deviceSpec(connID, deviceID)
	return spec, spec.DeviceID != ""
}

func (rt *Runtime) Parser(connID string) (*parse.Parser, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	pc, ok := rt.conns[connID]
	if !ok {
		return nil, false
	}
	return pc.parser, true
}

// Run starts every loop: dispatchers, pollers, slaves, the parser stage,
// the sink writer, and the rule engine. It blocks until ctx is cancelled.
func (rt *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel

	rt.mu.RLock()
	conns := make([]*perConn, 0, len(rt.conns))
	for _, pc := range rt.conns {
		conns = append(conns, pc)
	}
	rt.mu.RUnlock()

	for _, pc := range conns {
		pc := pc
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			pc.dispatcher.Run(ctx)
		}()

		if pc.slave != nil {
			if err := pc.slave.Start(); err != nil {
				rt.log.WithError(err).WithField("conn_id", pc.spec.ConnID).Error("virtual slave failed to start")
			}
		}

		for _, p := range pc.pollers {
			p := p
			rt.wg.Add(1)
			go func() {
				defer rt.wg.Done()
				p.Run(ctx)
			}()
		}
	}

	parserOf := func(connID string) *parse.Parser {
		p, _ := rt.Parser(connID)
		return p
	}

	// ParamChanged has two independent consumers (§4.9: "delivered
	// at-least-once to both the broker publisher and the rule engine"), so
	// fan the single topic channel out to one per consumer rather than
	// letting them race for the same values.
	toEngine := make(chan pipeline.ParamChanged, 64)
	toBroker := make(chan pipeline.ParamChanged, 64)

	rt.wg.Add(5)
	go func() { defer rt.wg.Done(); rt.pipeline.RunParserStage(ctx, parserOf, rt.tracker, rt.deviceSpec, rt.precisionOf) }()
	go func() { defer rt.wg.Done(); rt.writer.RunParsed(ctx, rt.pipeline.Parsed()) }()
	go func() { defer rt.wg.Done(); rt.engine.Run(ctx, toEngine) }()
	go func() { defer rt.wg.Done(); rt.writer.RunChanged(ctx, toBroker) }()
	go func() {
		defer rt.wg.Done()
		defer close(toEngine)
		defer close(toBroker)
		for {
			select {
			case event, ok := <-rt.pipeline.Changed():
				if !ok {
					return
				}
				select {
				case toEngine <- event:
				case <-ctx.Done():
					return
				}
				select {
				case toBroker <- event:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	return rt.shutdown()
}

// shutdown implements §9's ordering: cancel (already done by the caller's
// ctx), let loops drain within shutdownTimeout, then close connections and
// slave listeners.
func (rt *Runtime) shutdown() error {
	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		rt.log.Warn("shutdown timed out waiting for loops to drain, proceeding anyway")
	}

	// manager.Shutdown() already closes every Connection it owns; pc.conn is
	// always the same instance (obtained via manager.GetOrCreate in Build),
	// so no separate per-connection Close is needed here.
	rt.manager.Shutdown()

	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, pc := range rt.conns {
		if pc.slave != nil {
			pc.slave.Stop()
		}
		pc.dispatcher.Close()
	}
	return nil
}
