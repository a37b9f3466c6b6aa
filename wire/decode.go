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
	"fmt"
	"math"
	"strings"
)

// reorderBytes applies the four §4.1 byte orders to the big-endian register
// pair (A=hi(reg0), B=lo(reg0), C=hi(reg1), D=lo(reg1)), producing the byte
// sequence a little-endian 32-bit decoder expects.
func reorderBytes(a, b, c, d byte, byteOrder string) ([]byte, error) {
	switch byteOrder {
	case "ABCD":
		return []byte{d, c, b, a}, nil
	case "DCBA":
		return []byte{a, b, c, d}, nil
	case "BADC":
		return []byte{b, a, d, c}, nil
	case "CDAB":
		return []byte{c, d, a, b}, nil
	default:
		return nil, &InvalidSpecError{Subject: "byte_order", Reason: fmt.Sprintf("unsupported byte order %q", byteOrder)}
	}
}

// DecodeValue reconstructs a typed value from a block of registers under the
// given byte order. scale/offset are applied as parsed = raw*scale + offset;
// rounding to precision decimal places is the parser's (C6) job, not this one.
func DecodeValue(registers []uint16, dataType, byteOrder string, scale, offset float64) (raw float64, err error) {
	switch dataType {
	case "bit":
		if len(registers) < 1 {
			return 0, fmt.Errorf("modbus: truncated register slice for bit")
		}
		if registers[0]&0x0001 != 0 {
			raw = 1
		}
		return raw*scale + offset, nil

	case "int16":
		if len(registers) < 1 {
			return 0, fmt.Errorf("modbus: truncated register slice for int16")
		}
		raw = float64(int16(registers[0]))
		return math.Trunc(raw*scale + offset), nil

	case "uint16":
		if len(registers) < 1 {
			return 0, fmt.Errorf("modbus: truncated register slice for uint16")
		}
		raw = float64(registers[0])
		return math.Trunc(raw*scale + offset), nil

	case "int32", "uint32", "float32":
		if len(registers) < 2 {
			return 0, fmt.Errorf("modbus: truncated register slice for %s: need 2 registers, got %d", dataType, len(registers))
		}
		a, b := byte(registers[0]>>8), byte(registers[0])
		c, d := byte(registers[1]>>8), byte(registers[1])
		ordered, err := reorderBytes(a, b, c, d, byteOrder)
		if err != nil {
			return 0, err
		}
		bits := uint32(ordered[0]) | uint32(ordered[1])<<8 | uint32(ordered[2])<<16 | uint32(ordered[3])<<24
		switch dataType {
		case "int32":
			raw = float64(int32(bits))
			return math.Trunc(raw*scale + offset), nil
		case "uint32":
			raw = float64(bits)
			return math.Trunc(raw*scale + offset), nil
		case "float32":
			raw = float64(math.Float32frombits(bits))
			return raw*scale + offset, nil
		}
		return raw*scale + offset, nil

	case "string":
		return 0, fmt.Errorf("modbus: string data_type has no numeric raw value; use DecodeString")

	default:
		return 0, &InvalidSpecError{Subject: "data_type", Reason: fmt.Sprintf("unknown data type %q", dataType)}
	}
}

// DecodeString concatenates (hi,lo) of each register as ASCII and trims
// trailing NUL bytes, per §4.1.
func DecodeString(registers []uint16) string {
	buf := make([]byte, 0, len(registers)*2)
	for _, r := range registers {
		buf = append(buf, byte(r>>8), byte(r))
	}
	return strings.TrimRight(string(buf), "\x00")
}

// BitMapEntry names one bit of a uint16 bit-mapped parameter.
type BitMapEntry struct {
	Code string
	Name string
}

// DecodeBitMap expands a uint16 raw value into one bool per named bit.
func DecodeBitMap(raw uint16, bitMap map[string]BitMapEntry) map[string]bool {
	out := make(map[string]bool, len(bitMap))
	for indexStr, entry := range bitMap {
		var idx int
		if _, err := fmt.Sscanf(indexStr, "%d", &idx); err != nil || idx < 0 || idx > 15 {
			continue
		}
		out[entry.Code] = raw&(1<<uint(idx)) != 0
	}
	return out
}
