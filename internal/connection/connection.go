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

// Package connection implements C2 (one long-lived transport per upstream
// device, with mutually exclusive request serialization) and C3 (the
// registry of configured connections, lazy creation, and reconnection).
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nbcb/collect/internal/config"
	modbus "github.com/nbcb/collect/wire"
)

// State is one of the §4.2 connection lifecycle states.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Dialer opens the wire-level client for a spec's transport variant. The
// default is DialReal (net.Dial / goserial.Open); tests substitute one that
// returns an in-memory handler over net.Pipe().
type Dialer func(ctx context.Context, spec config.ConnectionSpec) (modbus.ModbusApi, error)

// Connection is one upstream device's transport plus its state machine. A
// mutex serializes every operation on it, since Modbus is half-duplex per
// device — this IS the serialization point (§5).
type Connection struct {
	spec   config.ConnectionSpec
	dialer Dialer
	log    *logrus.Entry

	mu     sync.Mutex
	state  State
	client modbus.ModbusApi
}

func New(spec config.ConnectionSpec, dialer Dialer, log *logrus.Entry) *Connection {
	return &Connection{
		spec:   spec,
		dialer: dialer,
		log:    log.WithField("conn_id", spec.ConnID),
		state:  StateIdle,
	}
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ensureOpen dials if idle/faulted, applying pause_after_connect before
// reporting success (§4.2). Caller must hold c.mu.
func (c *Connection) ensureOpen(ctx context.Context) error {
	if c.state == StateOpen {
		return nil
	}
	c.state = StateConnecting
	client, err := c.dialer(ctx, c.spec)
	if err != nil {
		c.state = StateFaulted
		c.log.WithError(err).Warn("connect failed")
		return &modbus.TransportError{Op: "connect", Err: err}
	}
	c.client = client

	if pause := c.spec.PauseAfterConnect.Duration(); pause > 0 {
		timer := time.NewTimer(pause)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			c.state = StateFaulted
			return ctx.Err()
		}
	}
	c.state = StateOpen
	c.log.Info("connection open")
	return nil
}

// ensureOpenPublic is ensureOpen with its own locking, for the manager's
// coalesced Ensure() call.
func (c *Connection) ensureOpenPublic(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureOpen(ctx)
}

// closeLocked releases the transport and returns to Idle. Caller must hold c.mu.
func (c *Connection) closeLocked() {
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
	c.state = StateIdle
}

// Close transitions Closing → Idle, tearing down the transport. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle {
		return nil
	}
	c.state = StateClosing
	c.closeLocked()
	return nil
}

// op wraps one blocking wire-level call with the connection's timeout.
// close_after_gather closes the transport after every completed operation,
// success or failure, so the next call reconnects from scratch (the usual
// reason to set it is to free a shared serial port between polls). Absent
// that, a transport fault or timeout also forces a close so the connection
// doesn't keep offering a socket that's already dead (§4.2).
func (c *Connection) op(ctx context.Context, name string, fn func(modbus.ModbusApi) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureOpen(ctx); err != nil {
		return err
	}

	timeout := c.spec.Timeout.Duration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(c.client) }()

	var opErr error
	select {
	case opErr = <-done:
	case <-opCtx.Done():
		opErr = &modbus.TimeoutError{Op: name, Timeout: timeout.String()}
	}

	_, isTransport := opErr.(*modbus.TransportError)
	_, isTimeout := opErr.(*modbus.TimeoutError)
	switch {
	case c.spec.CloseAfterGather:
		c.closeLocked()
	case isTransport || isTimeout:
		c.log.WithError(opErr).WithField("op", name).Warn("closing connection after error")
		c.closeLocked()
	}
	return opErr
}

func (c *Connection) ReadHoldingRegisters(ctx context.Context, addr, count uint16) ([]uint16, error) {
	var out []uint16
	err := c.op(ctx, "read_holding", func(m modbus.ModbusApi) error {
		var innerErr error
		out, innerErr = m.ReadHoldingRegisters(uint16(c.spec.SlaveID), addr, count)
		return innerErr
	})
	return out, err
}

func (c *Connection) ReadInputRegisters(ctx context.Context, addr, count uint16) ([]uint16, error) {
	var out []uint16
	err := c.op(ctx, "read_input", func(m modbus.ModbusApi) error {
		var innerErr error
		out, innerErr = m.ReadInputRegisters(uint16(c.spec.SlaveID), addr, count)
		return innerErr
	})
	return out, err
}

func (c *Connection) ReadCoils(ctx context.Context, addr, count uint16) ([]bool, error) {
	var out []bool
	err := c.op(ctx, "read_coils", func(m modbus.ModbusApi) error {
		var innerErr error
		out, innerErr = m.ReadCoils(uint16(c.spec.SlaveID), addr, count)
		return innerErr
	})
	return out, err
}

func (c *Connection) ReadDiscreteInputs(ctx context.Context, addr, count uint16) ([]bool, error) {
	var out []bool
	err := c.op(ctx, "read_discrete", func(m modbus.ModbusApi) error {
		var innerErr error
		out, innerErr = m.ReadDiscreteInputs(uint16(c.spec.SlaveID), addr, count)
		return innerErr
	})
	return out, err
}

func (c *Connection) WriteSingleRegister(ctx context.Context, addr, value uint16) error {
	return c.op(ctx, "write_single_reg", func(m modbus.ModbusApi) error {
		return m.WriteSingleRegister(uint16(c.spec.SlaveID), addr, value)
	})
}

func (c *Connection) WriteMultipleRegisters(ctx context.Context, addr uint16, values []uint16) error {
	return c.op(ctx, "write_multi_regs", func(m modbus.ModbusApi) error {
		return m.WriteMultipleRegisters(uint16(c.spec.SlaveID), addr, values)
	})
}

func (c *Connection) WriteSingleCoil(ctx context.Context, addr uint16, value bool) error {
	return c.op(ctx, "write_single_coil", func(m modbus.ModbusApi) error {
		return m.WriteSingleCoil(uint16(c.spec.SlaveID), addr, value)
	})
}

func (c *Connection) WriteMultipleCoils(ctx context.Context, addr uint16, values []bool) error {
	return c.op(ctx, "write_multi_coils", func(m modbus.ModbusApi) error {
		return m.WriteMultipleCoils(uint16(c.spec.SlaveID), addr, values)
	})
}

// ReadBlock reads one (start,count) range for this connection's
// register_type, returning raw registers for holding/input or one-bit
// values widened to uint16 (0/1) for coil/discrete_input so the parser (C6)
// has a single RegisterImage shape to merge blocks into.
func (c *Connection) ReadBlock(ctx context.Context, block config.ReadBlock) ([]uint16, error) {
	switch c.spec.RegisterType {
	case config.RegisterHolding:
		return c.ReadHoldingRegisters(ctx, block.Start, block.Count)
	case config.RegisterInput:
		return c.ReadInputRegisters(ctx, block.Start, block.Count)
	case config.RegisterCoil:
		bits, err := c.ReadCoils(ctx, block.Start, block.Count)
		return widenBits(bits), err
	case config.RegisterDiscreteInput:
		bits, err := c.ReadDiscreteInputs(ctx, block.Start, block.Count)
		return widenBits(bits), err
	default:
		return nil, fmt.Errorf("connection: unknown register_type %q", c.spec.RegisterType)
	}
}

func widenBits(bits []bool) []uint16 {
	out := make([]uint16, len(bits))
	for i, b := range bits {
		if b {
			out[i] = 1
		}
	}
	return out
}

func (c *Connection) Spec() config.ConnectionSpec { return c.spec }
