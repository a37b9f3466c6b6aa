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

import "testing"

func TestRTUPackagerRoundTrip(t *testing.T) {
	p := NewRTUPackager()
	pdu := []byte{FuncCodeReadHoldingRegisters, 0x00, 0x6B, 0x00, 0x03}

	frame, err := p.Pack(0x11, pdu)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if len(frame) != len(pdu)+3 {
		t.Fatalf("frame length = %d, want %d", len(frame), len(pdu)+3)
	}
	if !p.VerifyCRC(frame) {
		t.Fatalf("VerifyCRC failed on freshly packed frame")
	}

	slaveID, gotPDU, err := p.Unpack(frame)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if slaveID != 0x11 {
		t.Errorf("slaveID = %d, want 17", slaveID)
	}
	assertBytesEqual(t, pdu, gotPDU)
}

func TestRTUPackagerRejectsCorruptedCRC(t *testing.T) {
	p := NewRTUPackager()
	frame, _ := p.Pack(0x01, []byte{FuncCodeReadCoils, 0x00, 0x00, 0x00, 0x08})
	frame[len(frame)-1] ^= 0xFF

	if _, _, err := p.Unpack(frame); err == nil {
		t.Fatal("Unpack accepted a frame with a corrupted CRC")
	}
}

func TestRTUPackagerRejectsEmptyPDU(t *testing.T) {
	p := NewRTUPackager()
	if _, err := p.Pack(0x01, nil); err == nil {
		t.Fatal("Pack accepted an empty PDU")
	}
}

func TestExpectedFrameLengthReadResponse(t *testing.T) {
	// slaveID, funcCode, byteCount=4, then 4 data bytes would follow.
	frame := []byte{0x01, FuncCodeReadHoldingRegisters, 0x04}
	length, known := expectedFrameLength(frame)
	if !known || length != 3+4+2 {
		t.Errorf("expectedFrameLength = (%d, %v), want (9, true)", length, known)
	}
}

func TestExpectedFrameLengthException(t *testing.T) {
	frame := []byte{0x01, FuncCodeReadHoldingRegisters | 0x80}
	length, known := expectedFrameLength(frame)
	if !known || length != 5 {
		t.Errorf("expectedFrameLength = (%d, %v), want (5, true)", length, known)
	}
}
