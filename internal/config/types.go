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

// Package config holds the on-disk configuration shape (§3, §6) and the
// ConfigProvider contract the acquisition engine consumes it through.
package config

import "fmt"

// RegisterType is one of the four Modbus register tables.
type RegisterType string

const (
	RegisterHolding       RegisterType = "holding"
	RegisterInput         RegisterType = "input"
	RegisterCoil          RegisterType = "coil"
	RegisterDiscreteInput RegisterType = "discrete_input"
)

// ByteOrder is one of the four §4.1 32-bit reconstruction orders.
type ByteOrder string

const (
	ByteOrderABCD ByteOrder = "ABCD"
	ByteOrderDCBA ByteOrder = "DCBA"
	ByteOrderBADC ByteOrder = "BADC"
	ByteOrderCDAB ByteOrder = "CDAB"
)

// PollMode is one of the three §4.5 scheduling strategies.
type PollMode string

const (
	PollPeriodic  PollMode = "periodic"
	PollContinuous PollMode = "continuous"
	PollOnDemand  PollMode = "on_demand"
)

// DataType is one of the §3 ParameterSpec data types.
type DataType string

const (
	DataTypeBit     DataType = "bit"
	DataTypeInt16   DataType = "int16"
	DataTypeUint16  DataType = "uint16"
	DataTypeInt32   DataType = "int32"
	DataTypeUint32  DataType = "uint32"
	DataTypeFloat32 DataType = "float32"
	DataTypeString  DataType = "string"
)

// Config is the top-level record §6 describes: a list of connections plus
// an optional set of auto-create templates.
type Config struct {
	Connections       []ConnectionSpec       `yaml:"connections"`
	AutoCreateDevices []AutoCreateDeviceSpec `yaml:"auto_create_devices,omitempty"`
}

// ConnectionSpec is immutable for the life of a run once loaded (§3).
type ConnectionSpec struct {
	ConnID            string       `yaml:"conn_id"`
	Transport         string       `yaml:"transport"` // "tcp" | "rtu"
	Host              string       `yaml:"host,omitempty"`
	Port              int          `yaml:"port,omitempty"`
	SerialPort        string       `yaml:"serial_port,omitempty"`
	BaudRate          int          `yaml:"baud_rate,omitempty"`
	DataBits          int          `yaml:"data_bits,omitempty"`
	Parity            string       `yaml:"parity,omitempty"`
	StopBits          int          `yaml:"stop_bits,omitempty"`
	SlaveID           uint8        `yaml:"slave_id"`
	RegisterType      RegisterType `yaml:"register_type"`
	ByteOrder         ByteOrder    `yaml:"byte_order"`
	SlavePort         int          `yaml:"slave_port,omitempty"`
	PollInterval      Duration     `yaml:"poll_interval"`
	MinPollInterval   Duration     `yaml:"min_poll_interval"`
	Timeout           Duration     `yaml:"timeout"`
	PauseAfterConnect Duration     `yaml:"pause_after_connect,omitempty"`
	CloseAfterGather  bool         `yaml:"close_after_gather,omitempty"`
	Devices           []DeviceSpec `yaml:"devices"`
}

// DeviceSpec is nested in a connection (§3).
type DeviceSpec struct {
	DeviceID       string          `yaml:"device_id"`
	PollMode       PollMode        `yaml:"poll_mode"`
	ReadBlocks     []ReadBlock     `yaml:"read_blocks"`
	ParameterSpecs []ParameterSpec `yaml:"parameters"`
	Description    string          `yaml:"description,omitempty"`
	ExternalPath   string          `yaml:"external_path,omitempty"`
}

// ReadBlock is a contiguous (start,count) address range read in one PDU.
type ReadBlock struct {
	Start uint16 `yaml:"start"`
	Count uint16 `yaml:"count"`
}

func (b ReadBlock) End() uint16 { return b.Start + b.Count - 1 }

func (b ReadBlock) Contains(addr uint16) bool {
	return addr >= b.Start && addr <= b.End()
}

// ParameterSpec names one decodable value within a device (§3).
type ParameterSpec struct {
	Code      string              `yaml:"code"`
	DataType  DataType            `yaml:"data_type"`
	Addresses []uint16            `yaml:"addresses"`
	Scale     float64             `yaml:"scale"`
	Offset    float64             `yaml:"offset"`
	Precision int                 `yaml:"precision"`
	BitMap    map[string]BitEntry `yaml:"bit_map,omitempty"`
	EnumMap   map[string]string   `yaml:"enum_map,omitempty"`
	OnChange  bool                `yaml:"on_change,omitempty"`
	Unit      string              `yaml:"unit,omitempty"`
	Disabled  bool                `yaml:"disabled,omitempty"`
}

// BitEntry names one bit of a uint16 bit-mapped parameter.
type BitEntry struct {
	Code string `yaml:"code"`
	Name string `yaml:"name"`
}

// RegisterSpan returns the addresses this parameter reads, in order.
func (p ParameterSpec) RegisterSpan() []uint16 {
	if len(p.Addresses) == 0 {
		return nil
	}
	base := p.Addresses[0]
	switch p.DataType {
	case DataTypeInt32, DataTypeUint32, DataTypeFloat32:
		return []uint16{base, base + 1}
	case DataTypeString:
		n := uint16(len(p.Addresses))
		if n < 1 {
			n = 1
		}
		addrs := make([]uint16, n)
		for i := range addrs {
			addrs[i] = base + uint16(i)
		}
		return addrs
	default:
		return []uint16{base}
	}
}

// AutoCreateDeviceSpec names a probe range to mirror on a connection without
// any ParameterSpecs of its own (DOMAIN STACK supplement — see SPEC_FULL.md).
type AutoCreateDeviceSpec struct {
	ConnID      string `yaml:"conn_id"`
	DeviceID    string `yaml:"device_id"`
	ProbeStart  uint16 `yaml:"probe_start"`
	ProbeCount  uint16 `yaml:"probe_count"`
}

// ToTemplateDevice expands an auto-create entry into the periodic,
// parameter-less device §6 implies it should become.
func (a AutoCreateDeviceSpec) ToTemplateDevice() DeviceSpec {
	return DeviceSpec{
		DeviceID: a.DeviceID,
		PollMode: PollPeriodic,
		ReadBlocks: []ReadBlock{
			{Start: a.ProbeStart, Count: a.ProbeCount},
		},
		Description: fmt.Sprintf("auto-created probe device for %s", a.ConnID),
	}
}
