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

// Package rules ships the core of C10: the per-key debounce and the
// on-demand read/write primitives a rule handler uses. Specific rules are
// loaded externally and are out of scope here.
package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nbcb/collect/internal/change"
	"github.com/nbcb/collect/internal/config"
	"github.com/nbcb/collect/internal/connection"
	"github.com/nbcb/collect/internal/dispatch"
	"github.com/nbcb/collect/internal/parse"
	"github.com/nbcb/collect/internal/pipeline"
)

const (
	debounceWindow = 50 * time.Millisecond
	readTimeout    = 10 * time.Second
	writeTimeout   = 10 * time.Second
)

// Handler reacts to a debounced ParamChanged event. Panics are caught at
// the engine boundary so one bad rule cannot take down the engine's
// consumer loop (§5 fault containment).
type Handler func(ctx context.Context, event change.Event, api *API)

// Lookup resolves the plumbing a rule needs for one (conn,device): its
// Connection (for writes), its Dispatcher (for priority-ordered submission),
// its DeviceSpec (to find a ParameterSpec by code), and a Parser matching
// the connection's byte_order/register_type.
type Lookup interface {
	Connection(connID string) (*connection.Connection, *dispatch.Dispatcher, bool)
	DeviceSpec(connID, deviceID string) (config.DeviceSpec, bool)
	Parser(connID string) (*parse.Parser, bool)
}

// Engine consumes ParamChanged, debounces per (conn,device,code), and
// dispatches to registered handlers.
type Engine struct {
	lookup   Lookup
	log      *logrus.Entry
	handlers []Handler

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func New(lookup Lookup, log *logrus.Entry) *Engine {
	return &Engine{
		lookup:   lookup,
		log:      log,
		lastSeen: make(map[string]time.Time),
	}
}

// Register adds a handler invoked for every non-debounced ParamChanged.
func (e *Engine) Register(h Handler) {
	e.handlers = append(e.handlers, h)
}

// Run consumes the pipeline's ParamChanged topic until it's closed.
func (e *Engine) Run(ctx context.Context, changed <-chan pipeline.ParamChanged) {
	for {
		select {
		case event, ok := <-changed:
			if !ok {
				return
			}
			e.dispatch(ctx, event.Event)
		case <-ctx.Done():
			return
		}
	}
}

func debounceKey(ev change.Event) string {
	return ev.ConnID + "\x00" + ev.DeviceID + "\x00" + ev.Code
}

func (e *Engine) dispatch(ctx context.Context, ev change.Event) {
	key := debounceKey(ev)

	e.mu.Lock()
	last, seen := e.lastSeen[key]
	now := ev.Ts
	if now.IsZero() {
		now = time.Now()
	}
	if seen && now.Sub(last) < debounceWindow {
		e.mu.Unlock()
		return
	}
	e.lastSeen[key] = now
	e.mu.Unlock()

	api := &API{lookup: e.lookup}
	for _, h := range e.handlers {
		e.invokeSafely(ctx, h, ev, api)
	}
}

func (e *Engine) invokeSafely(ctx context.Context, h Handler, ev change.Event, api *API) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("conn_id", ev.ConnID).WithField("code", ev.Code).
				Errorf("rule handler panicked: %v", r)
		}
	}()
	h(ctx, ev, api)
}

// API is the read/write surface exposed to a rule handler, grounded on the
// same C4 priority dispatcher the pollers use.
type API struct {
	lookup Lookup
}

// ReadParameter runs one on-demand read at priority 10, waits up to 10s,
// and decodes the named parameter (§4.10).
func (a *API) ReadParameter(ctx context.Context, connID, deviceID, code string) (parse.Sample, error) {
	conn, dispatcher, ok := a.lookup.Connection(connID)
	if !ok {
		return parse.Sample{}, fmt.Errorf("rules: unknown connection %q", connID)
	}
	devSpec, ok := a.lookup.DeviceSpec(connID, deviceID)
	if !ok {
		return parse.Sample{}, fmt.Errorf("rules: unknown device %s/%s", connID, deviceID)
	}
	parser, ok := a.lookup.Parser(connID)
	if !ok {
		return parse.Sample{}, fmt.Errorf("rules: no parser for connection %q", connID)
	}

	var param config.ParameterSpec
	found := false
	for _, p := range devSpec.ParameterSpecs {
		if p.Code == code {
			param, found = p, true
			break
		}
	}
	if !found {
		return parse.Sample{}, fmt.Errorf("rules: unknown parameter %q on %s/%s", code, connID, deviceID)
	}

	addrs := param.RegisterSpan()
	isBit := parser.IsBitRegisterType()
	if isBit {
		addrs = param.Addresses
	}

	opCtx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	result, err := dispatcher.Submit(opCtx, dispatch.PriorityWrite, func(ctx context.Context) (interface{}, error) {
		block := config.ReadBlock{Start: addrs[0], Count: uint16(len(addrs))}
		return conn.ReadBlock(ctx, block)
	})
	if err != nil {
		return parse.Sample{}, err
	}

	return parser.DecodeParameter(time.Now(), connID, deviceID, param, result.([]uint16), isBit)
}

// WriteRegisters writes one or more holding registers via C4 at priority 10
// (§4.10).
func (a *API) WriteRegisters(ctx context.Context, connID string, addr uint16, values []uint16) error {
	conn, dispatcher, ok := a.lookup.Connection(connID)
	if !ok {
		return fmt.Errorf("rules: unknown connection %q", connID)
	}

	opCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := dispatcher.Submit(opCtx, dispatch.PriorityWrite, func(ctx context.Context) (interface{}, error) {
		if len(values) == 1 {
			return nil, conn.WriteSingleRegister(ctx, addr, values[0])
		}
		return nil, conn.WriteMultipleRegisters(ctx, addr, values)
	})
	return err
}
