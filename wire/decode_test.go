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

func TestDecodeValueInt16(t *testing.T) {
	raw, err := DecodeValue([]uint16{0xFFFE}, "int16", "ABCD", 1, 0)
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	assertFloatEqual(t, -2, raw, 0)
}

// uint16 output is truncated toward zero after scaling (§4.1): 1234*0.1+2 =
// 125.4, truncated to 125.
func TestDecodeValueScaleOffset(t *testing.T) {
	raw, err := DecodeValue([]uint16{1234}, "uint16", "ABCD", 0.1, 2)
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	assertFloatEqual(t, 125, raw, 1e-9)
}

// TestDecodeValueByteOrders exercises the §4.1 byte-order table: the same two
// registers (0x0102, 0x0304) decoded as float32 under all four orders should
// each reconstruct a distinct, specific bit pattern.
func TestDecodeValueByteOrders(t *testing.T) {
	registers := []uint16{0x0102, 0x0304}

	cases := []struct {
		byteOrder string
		wantBytes [4]byte // little-endian bytes fed to the float32 decoder
	}{
		{"ABCD", [4]byte{0x04, 0x03, 0x02, 0x01}},
		{"DCBA", [4]byte{0x01, 0x02, 0x03, 0x04}},
		{"BADC", [4]byte{0x02, 0x01, 0x04, 0x03}},
		{"CDAB", [4]byte{0x03, 0x04, 0x01, 0x02}},
	}

	for _, c := range cases {
		t.Run(c.byteOrder, func(t *testing.T) {
			ordered, err := reorderBytes(0x01, 0x02, 0x03, 0x04, c.byteOrder)
			if err != nil {
				t.Fatalf("reorderBytes: %v", err)
			}
			assertBytesEqual(t, c.wantBytes[:], ordered)

			if _, err := DecodeValue(registers, "float32", c.byteOrder, 1, 0); err != nil {
				t.Fatalf("DecodeValue(%s): %v", c.byteOrder, err)
			}
		})
	}
}

func TestDecodeValueUnknownByteOrder(t *testing.T) {
	if _, err := DecodeValue([]uint16{0, 0}, "uint32", "WXYZ", 1, 0); err == nil {
		t.Fatal("DecodeValue accepted an unknown byte order")
	}
}

func TestDecodeValueUnknownDataType(t *testing.T) {
	if _, err := DecodeValue([]uint16{1}, "nibble", "ABCD", 1, 0); err == nil {
		t.Fatal("DecodeValue accepted an unknown data type")
	}
}

func TestDecodeValueTruncatedRegisters(t *testing.T) {
	if _, err := DecodeValue([]uint16{1}, "float32", "ABCD", 1, 0); err == nil {
		t.Fatal("DecodeValue accepted a single register for a 32-bit type")
	}
}

func TestDecodeString(t *testing.T) {
	registers := []uint16{0x4142, 0x4300}
	if got := DecodeString(registers); got != "ABC" {
		t.Errorf("DecodeString = %q, want %q", got, "ABC")
	}
}

func TestDecodeBitMap(t *testing.T) {
	bitMap := map[string]BitMapEntry{
		"0": {Code: "running", Name: "Running"},
		"1": {Code: "fault", Name: "Fault"},
		"3": {Code: "overheat", Name: "Overheat"},
	}
	got := DecodeBitMap(0x0003, bitMap)

	want := map[string]bool{"running": true, "fault": true, "overheat": false}
	for code, v := range want {
		if got[code] != v {
			t.Errorf("bit %q = %v, want %v", code, got[code], v)
		}
	}
}
