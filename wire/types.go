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

// Package modbus is the wire codec and transport layer: PDU framing for
// Modbus TCP and RTU, and byte-order-aware decoding of registers into typed
// values. It has no notion of devices, parameters, or polling schedules —
// that belongs to the acquisition packages under internal/.
package modbus

import "io"

// Modbus function codes.
const (
	FuncCodeReadCoils              byte = 0x01
	FuncCodeReadDiscreteInputs     byte = 0x02
	FuncCodeReadHoldingRegisters   byte = 0x03
	FuncCodeReadInputRegisters     byte = 0x04
	FuncCodeWriteSingleCoil        byte = 0x05
	FuncCodeWriteSingleRegister    byte = 0x06
	FuncCodeReadExceptionStatus    byte = 0x07
	FuncCodeWriteMultipleCoils     byte = 0x0F
	FuncCodeWriteMultipleRegisters byte = 0x10
)

// ProtocolIdentifierTCP is the MBAP protocol identifier; always zero for Modbus.
const ProtocolIdentifierTCP uint16 = 0x0000

// ModbusApi is the operation set a connection needs from the wire layer:
// the eight §4.2 operations plus the small amount of handler bookkeeping
// (mode tag, last-exception cache, raw logger sink) every mode shares.
type ModbusApi interface {
	GetLastModbusError() *ModbusError
	GetMode() string
	SetLogger(io.Writer)
	Close() error

	ReadCoils(slaveID uint16, startAddress, quantity uint16) ([]bool, error)
	ReadDiscreteInputs(slaveID uint16, startAddress, quantity uint16) ([]bool, error)
	ReadHoldingRegisters(slaveID uint16, startAddress, quantity uint16) ([]uint16, error)
	ReadInputRegisters(slaveID uint16, startAddress, quantity uint16) ([]uint16, error)
	WriteSingleCoil(slaveID uint16, address uint16, value bool) error
	WriteSingleRegister(slaveID uint16, address, value uint16) error
	WriteMultipleCoils(slaveID uint16, startAddress uint16, values []bool) error
	WriteMultipleRegisters(slaveID uint16, startAddress uint16, values []uint16) error
}
