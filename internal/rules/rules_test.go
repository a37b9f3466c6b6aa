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

package rules

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nbcb/collect/internal/change"
	"github.com/nbcb/collect/internal/config"
	"github.com/nbcb/collect/internal/connection"
	"github.com/nbcb/collect/internal/dispatch"
	"github.com/nbcb/collect/internal/parse"
	modbus "github.com/nbcb/collect/wire"
)

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func echoRegisterServer(server net.Conn, reg uint16) {
	packager := modbus.NewTCPPackager()
	for {
		header := make([]byte, modbus.TCPHeaderLength)
		if _, err := readFull(server, header); err != nil {
			return
		}
		length := int(header[4])<<8 | int(header[5])
		pdu := make([]byte, length-1)
		if len(pdu) > 0 {
			if _, err := readFull(server, pdu); err != nil {
				return
			}
		}
		frame := append(header, pdu...)
		txID, unitID, reqPDU, err := packager.Unpack(frame)
		if err != nil {
			return
		}
		var respPDU []byte
		switch reqPDU[0] {
		case modbus.FuncCodeReadHoldingRegisters:
			data := []byte{2, byte(reg >> 8), byte(reg)}
			respPDU = append([]byte{modbus.FuncCodeReadHoldingRegisters}, data...)
		case modbus.FuncCodeWriteSingleRegister:
			respPDU = append([]byte{modbus.FuncCodeWriteSingleRegister}, reqPDU[1:]...)
		}
		respFrame, _ := packager.Pack(txID, unitID, respPDU)
		server.Write(respFrame)
	}
}

type testLookup struct {
	conn       *connection.Connection
	dispatcher *dispatch.Dispatcher
	spec       config.DeviceSpec
	parser     *parse.Parser
}

func (l *testLookup) Connection(connID string) (*connection.Connection, *dispatch.Dispatcher, bool) {
	return l.conn, l.dispatcher, true
}
func (l *testLookup) DeviceSpec(connID, deviceID string) (config.DeviceSpec, bool) {
	return l.spec, true
}
func (l *testLookup) Parser(connID string) (*parse.Parser, bool) {
	return l.parser, true
}

func newTestLookup(t *testing.T, regValue uint16) *testLookup {
	dialer := func(ctx context.Context, spec config.ConnectionSpec) (modbus.ModbusApi, error) {
		client, server := net.Pipe()
		go echoRegisterServer(server, regValue)
		return modbus.NewModbusTCPHandler(client, 2*time.Second), nil
	}
	log := logrus.NewEntry(logrus.New())
	spec := config.ConnectionSpec{
		ConnID: "c1", Transport: "tcp", SlaveID: 1,
		RegisterType: config.RegisterHolding, ByteOrder: config.ByteOrderABCD,
		Timeout: config.Duration(2 * time.Second),
	}
	conn := connection.New(spec, dialer, log)
	d := dispatch.NewDispatcher()
	go d.Run(context.Background())

	return &testLookup{
		conn:       conn,
		dispatcher: d,
		spec: config.DeviceSpec{
			DeviceID: "d1",
			ParameterSpecs: []config.ParameterSpec{
				{Code: "speed", DataType: config.DataTypeUint16, Addresses: []uint16{0}, Scale: 1, OnChange: true},
			},
		},
		parser: parse.New(config.ByteOrderABCD, config.RegisterHolding),
	}
}

func TestAPIReadParameter(t *testing.T) {
	lookup := newTestLookup(t, 4242)
	api := &API{lookup: lookup}

	sample, err := api.ReadParameter(context.Background(), "c1", "d1", "speed")
	if err != nil {
		t.Fatalf("ReadParameter: %v", err)
	}
	if sample.Parsed.(float64) != 4242 {
		t.Errorf("unexpected parsed value: %+v", sample.Parsed)
	}
}

func TestAPIWriteRegisters(t *testing.T) {
	lookup := newTestLookup(t, 0)
	api := &API{lookup: lookup}

	if err := api.WriteRegisters(context.Background(), "c1", 0, []uint16{99}); err != nil {
		t.Fatalf("WriteRegisters: %v", err)
	}
}

func TestEngineDebouncesRepeatedKey(t *testing.T) {
	lookup := newTestLookup(t, 1)
	log := logrus.NewEntry(logrus.New())
	e := New(lookup, log)

	var mu sync.Mutex
	var calls int
	e.Register(func(ctx context.Context, ev change.Event, api *API) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	base := time.Now()
	ev1 := change.Event{ConnID: "c1", DeviceID: "d1", Code: "speed", Ts: base}
	ev2 := change.Event{ConnID: "c1", DeviceID: "d1", Code: "speed", Ts: base.Add(10 * time.Millisecond)}
	ev3 := change.Event{ConnID: "c1", DeviceID: "d1", Code: "speed", Ts: base.Add(100 * time.Millisecond)}

	e.dispatch(context.Background(), ev1)
	e.dispatch(context.Background(), ev2)
	e.dispatch(context.Background(), ev3)

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("expected 2 handler calls (debounced middle event), got %d", calls)
	}
}

func TestEngineCatchesHandlerPanic(t *testing.T) {
	lookup := newTestLookup(t, 1)
	log := logrus.NewEntry(logrus.New())
	e := New(lookup, log)
	e.Register(func(ctx context.Context, ev change.Event, api *API) {
		panic("boom")
	})

	ev := change.Event{ConnID: "c1", DeviceID: "d1", Code: "speed", Ts: time.Now()}
	e.dispatch(context.Background(), ev) // must not crash the test process
}
