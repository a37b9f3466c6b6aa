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

package config

import "testing"

func baseConn(connID string, devices ...DeviceSpec) ConnectionSpec {
	return ConnectionSpec{
		ConnID:       connID,
		Transport:    "tcp",
		Host:         "10.0.0.1",
		Port:         502,
		SlaveID:      1,
		RegisterType: RegisterHolding,
		ByteOrder:    ByteOrderABCD,
		Devices:      devices,
	}
}

func param(code string, dataType DataType, addr uint16) ParameterSpec {
	return ParameterSpec{Code: code, DataType: dataType, Addresses: []uint16{addr}, Scale: 1}
}

func TestValidateAcceptsNonOverlappingBlocks(t *testing.T) {
	dev := DeviceSpec{
		DeviceID: "d1",
		PollMode: PollPeriodic,
		ReadBlocks: []ReadBlock{
			{Start: 0, Count: 10},
			{Start: 10, Count: 10},
		},
		ParameterSpecs: []ParameterSpec{param("p1", DataTypeUint16, 0), param("p2", DataTypeUint16, 10)},
	}
	cfg := &Config{Connections: []ConnectionSpec{baseConn("c1", dev)}}
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateDetectsOverlappingBlocks(t *testing.T) {
	dev := DeviceSpec{
		DeviceID: "d1",
		PollMode: PollPeriodic,
		ReadBlocks: []ReadBlock{
			{Start: 0, Count: 10},
			{Start: 5, Count: 10},
		},
		ParameterSpecs: []ParameterSpec{param("p1", DataTypeUint16, 0)},
	}
	cfg := &Config{Connections: []ConnectionSpec{baseConn("c1", dev)}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected overlap error, got nil")
	}
}

func TestValidateDetectsUncoveredParameterAddress(t *testing.T) {
	dev := DeviceSpec{
		DeviceID:       "d1",
		PollMode:       PollPeriodic,
		ReadBlocks:     []ReadBlock{{Start: 0, Count: 5}},
		ParameterSpecs: []ParameterSpec{param("p1", DataTypeUint16, 20)},
	}
	cfg := &Config{Connections: []ConnectionSpec{baseConn("c1", dev)}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected uncovered-address error, got nil")
	}
}

func TestValidateRejectsBitMapOnNonUint16(t *testing.T) {
	p := param("p1", DataTypeInt16, 0)
	p.BitMap = map[string]BitEntry{"0": {Code: "alarm"}}
	dev := DeviceSpec{
		DeviceID:       "d1",
		PollMode:       PollPeriodic,
		ReadBlocks:     []ReadBlock{{Start: 0, Count: 1}},
		ParameterSpecs: []ParameterSpec{p},
	}
	cfg := &Config{Connections: []ConnectionSpec{baseConn("c1", dev)}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected bit_map-on-non-uint16 error, got nil")
	}
}

func TestValidateDetectsDuplicateParameterCodes(t *testing.T) {
	dev := DeviceSpec{
		DeviceID:       "d1",
		PollMode:       PollPeriodic,
		ReadBlocks:     []ReadBlock{{Start: 0, Count: 2}},
		ParameterSpecs: []ParameterSpec{param("p1", DataTypeUint16, 0), param("p1", DataTypeUint16, 1)},
	}
	cfg := &Config{Connections: []ConnectionSpec{baseConn("c1", dev)}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected duplicate-code error, got nil")
	}
}

func TestValidateRejectsUnknownTransport(t *testing.T) {
	conn := baseConn("c1")
	conn.Transport = "usb"
	cfg := &Config{Connections: []ConnectionSpec{conn}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected unknown-transport error, got nil")
	}
}

func TestValidateAutoCreateDevicesReferenceKnownConn(t *testing.T) {
	cfg := &Config{
		Connections:       []ConnectionSpec{baseConn("c1")},
		AutoCreateDevices: []AutoCreateDeviceSpec{{ConnID: "missing", DeviceID: "probe"}},
	}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected unknown-conn-id error, got nil")
	}
}
