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

package modbus

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// Response PDU lengths (function code + echoed address + echoed value/quantity).
const (
	respLenWriteSingleCoil        = 1 + 2 + 2
	respLenWriteSingleRegister    = 1 + 2 + 2
	respLenWriteMultipleCoils     = 1 + 2 + 2
	respLenWriteMultipleRegisters = 1 + 2 + 2
)

// ModbusHandler implements ModbusApi for either TCP or RTU, dispatched on
// mode rather than through a transport class hierarchy.
type ModbusHandler struct {
	logger          io.Writer
	mode            string // "TCP" or "RTU"
	rtu             *RTUTransporter
	tcp             *TCPTransporter
	lastModbusError *ModbusError
}

func NewModbusTCPHandler(conn net.Conn, timeout time.Duration) ModbusApi {
	return &ModbusHandler{
		logger: NewSimpleLogger(os.Stdout, LevelInfo, "tcp"),
		mode:   "TCP",
		tcp:    NewTCPTransporter(conn, timeout),
	}
}

func NewModbusRTUHandler(port io.ReadWriteCloser, cfg RTUConfig) ModbusApi {
	return &ModbusHandler{
		logger: NewSimpleLogger(os.Stdout, LevelInfo, "rtu"),
		mode:   "RTU",
		rtu:    NewRTUTransporter(port, cfg),
	}
}

func (h *ModbusHandler) GetMode() string                    { return h.mode }
func (h *ModbusHandler) GetLastModbusError() *ModbusError    { return h.lastModbusError }
func (h *ModbusHandler) SetLogger(w io.Writer)               { h.logger = w }

func (h *ModbusHandler) logf(format string, args ...interface{}) {
	if h.logger != nil {
		fmt.Fprintf(h.logger, format+"\n", args...)
	}
}

func (h *ModbusHandler) Close() error {
	switch h.mode {
	case "TCP":
		if h.tcp != nil {
			return h.tcp.Close()
		}
	case "RTU":
		if h.rtu != nil {
			return h.rtu.Close()
		}
	}
	return nil
}

func buildRequestPDU(funcCode byte, data []byte) []byte {
	pdu := make([]byte, 1+len(data))
	pdu[0] = funcCode
	copy(pdu[1:], data)
	return pdu
}

// sendAndReceive serializes a single request/response round-trip over
// whichever transport this handler wraps and translates an exception
// response (funcCode|0x80) into a *ModbusError.
func (h *ModbusHandler) sendAndReceive(slaveID uint8, reqPDU []byte) ([]byte, error) {
	var respSlaveID uint8
	var respPDU []byte
	var err error

	switch h.mode {
	case "TCP":
		if h.tcp == nil {
			return nil, fmt.Errorf("modbus: tcp transporter not initialized")
		}
		var txID uint16
		txID, err = h.tcp.Send(slaveID, reqPDU)
		if err != nil {
			return nil, &TransportError{Op: "send", Err: err}
		}
		var gotTxID uint16
		gotTxID, respSlaveID, respPDU, err = h.tcp.Receive()
		if err != nil {
			return nil, &TransportError{Op: "receive", Err: err}
		}
		if gotTxID != txID {
			return nil, fmt.Errorf("modbus tcp: transaction id mismatch: sent %d, got %d", txID, gotTxID)
		}
	case "RTU":
		if h.rtu == nil {
			return nil, fmt.Errorf("modbus: rtu transporter not initialized")
		}
		if err = h.rtu.Send(slaveID, reqPDU); err != nil {
			return nil, &TransportError{Op: "send", Err: err}
		}
		respSlaveID, respPDU, err = h.rtu.Receive()
		if err != nil {
			return nil, &TransportError{Op: "receive", Err: err}
		}
	default:
		return nil, fmt.Errorf("modbus: unsupported mode %q", h.mode)
	}

	if respSlaveID != slaveID {
		return nil, fmt.Errorf("modbus: response slave id mismatch: want %d, got %d", slaveID, respSlaveID)
	}
	if len(respPDU) > 0 && respPDU[0]&0x80 != 0 {
		exceptionCode := byte(0)
		if len(respPDU) > 1 {
			exceptionCode = respPDU[1]
		}
		modbusErr := &ModbusError{FunctionCode: respPDU[0] &^ 0x80, ExceptionCode: exceptionCode}
		h.lastModbusError = modbusErr
		h.logf("modbus: exception response from slave %d: %v", slaveID, modbusErr)
		return nil, modbusErr
	}
	return respPDU, nil
}

func (h *ModbusHandler) readModbusData(funcCode byte, slaveID, startAddress, quantity uint16) ([]byte, error) {
	pduData := make([]byte, 4)
	binary.BigEndian.PutUint16(pduData[0:2], startAddress)
	binary.BigEndian.PutUint16(pduData[2:4], quantity)

	respPDU, err := h.sendAndReceive(uint8(slaveID), buildRequestPDU(funcCode, pduData))
	if err != nil {
		return nil, err
	}
	if len(respPDU) < 2 || respPDU[0] != funcCode {
		return nil, fmt.Errorf("modbus: unexpected response to func 0x%02X (slave %d)", funcCode, slaveID)
	}
	byteCount := int(respPDU[1])
	if len(respPDU) != 2+byteCount {
		return nil, fmt.Errorf("modbus: response length mismatch for func 0x%02X: byte count %d, got %d bytes", funcCode, byteCount, len(respPDU)-2)
	}
	return respPDU[2:], nil
}

func (h *ModbusHandler) writeModbusData(funcCode byte, slaveID uint16, pduData []byte, expectedLen int) ([]byte, error) {
	respPDU, err := h.sendAndReceive(uint8(slaveID), buildRequestPDU(funcCode, pduData))
	if err != nil {
		return nil, err
	}
	if len(respPDU) != expectedLen || respPDU[0] != funcCode {
		return nil, fmt.Errorf("modbus: unexpected response to func 0x%02X (slave %d)", funcCode, slaveID)
	}
	return respPDU, nil
}

func unpackBits(data []byte, quantity uint16) []bool {
	out := make([]bool, quantity)
	for i := 0; i < int(quantity); i++ {
		byteIdx, bitIdx := i/8, i%8
		if byteIdx >= len(data) {
			break
		}
		out[i] = data[byteIdx]&(1<<bitIdx) != 0
	}
	return out
}

func unpackRegisters(data []byte) ([]uint16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("modbus: odd register payload length %d", len(data))
	}
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[2*i : 2*i+2])
	}
	return out, nil
}

func (h *ModbusHandler) ReadCoils(slaveID uint16, startAddress, quantity uint16) ([]bool, error) {
	data, err := h.readModbusData(FuncCodeReadCoils, slaveID, startAddress, quantity)
	if err != nil {
		return nil, err
	}
	return unpackBits(data, quantity), nil
}

func (h *ModbusHandler) ReadDiscreteInputs(slaveID uint16, startAddress, quantity uint16) ([]bool, error) {
	data, err := h.readModbusData(FuncCodeReadDiscreteInputs, slaveID, startAddress, quantity)
	if err != nil {
		return nil, err
	}
	return unpackBits(data, quantity), nil
}

func (h *ModbusHandler) ReadHoldingRegisters(slaveID uint16, startAddress, quantity uint16) ([]uint16, error) {
	data, err := h.readModbusData(FuncCodeReadHoldingRegisters, slaveID, startAddress, quantity)
	if err != nil {
		return nil, err
	}
	return unpackRegisters(data)
}

func (h *ModbusHandler) ReadInputRegisters(slaveID uint16, startAddress, quantity uint16) ([]uint16, error) {
	data, err := h.readModbusData(FuncCodeReadInputRegisters, slaveID, startAddress, quantity)
	if err != nil {
		return nil, err
	}
	return unpackRegisters(data)
}

func (h *ModbusHandler) WriteSingleCoil(slaveID uint16, address uint16, value bool) error {
	pduData := make([]byte, 4)
	binary.BigEndian.PutUint16(pduData[0:2], address)
	if value {
		binary.BigEndian.PutUint16(pduData[2:4], 0xFF00)
	}
	_, err := h.writeModbusData(FuncCodeWriteSingleCoil, slaveID, pduData, respLenWriteSingleCoil)
	return err
}

func (h *ModbusHandler) WriteSingleRegister(slaveID uint16, address, value uint16) error {
	pduData := make([]byte, 4)
	binary.BigEndian.PutUint16(pduData[0:2], address)
	binary.BigEndian.PutUint16(pduData[2:4], value)
	_, err := h.writeModbusData(FuncCodeWriteSingleRegister, slaveID, pduData, respLenWriteSingleRegister)
	return err
}

func (h *ModbusHandler) WriteMultipleCoils(slaveID uint16, startAddress uint16, values []bool) error {
	quantity := uint16(len(values))
	byteCount := (quantity + 7) / 8
	pduData := make([]byte, 5+byteCount)
	binary.BigEndian.PutUint16(pduData[0:2], startAddress)
	binary.BigEndian.PutUint16(pduData[2:4], quantity)
	pduData[4] = byte(byteCount)
	for i, v := range values {
		if v {
			pduData[5+i/8] |= 1 << (i % 8)
		}
	}
	_, err := h.writeModbusData(FuncCodeWriteMultipleCoils, slaveID, pduData, respLenWriteMultipleCoils)
	return err
}

func (h *ModbusHandler) WriteMultipleRegisters(slaveID uint16, startAddress uint16, values []uint16) error {
	quantity := uint16(len(values))
	pduData := make([]byte, 5+2*quantity)
	binary.BigEndian.PutUint16(pduData[0:2], startAddress)
	binary.BigEndian.PutUint16(pduData[2:4], quantity)
	pduData[4] = byte(2 * quantity)
	for i, v := range values {
		binary.BigEndian.PutUint16(pduData[5+2*i:7+2*i], v)
	}
	_, err := h.writeModbusData(FuncCodeWriteMultipleRegisters, slaveID, pduData, respLenWriteMultipleRegisters)
	return err
}
