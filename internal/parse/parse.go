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

// Package parse implements C6: block image → typed parameter values, with
// bit-maps, enums, and scale/offset/precision.
package parse

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/nbcb/collect/internal/config"
	"github.com/nbcb/collect/internal/poll"
	modbus "github.com/nbcb/collect/wire"
)

// Sample is a ParameterSample (§3): immutable once emitted.
type Sample struct {
	ConnID   string
	DeviceID string
	Code     string
	Raw      interface{}
	Parsed   interface{}
	Unit     string
	Ts       time.Time
	OnChange bool
	BitMap   bool // true when Raw/Parsed came from a bit_map parameter
}

// RegisterImage is a sparse per-tick map from address to 16-bit word,
// merged from every block the tick read successfully.
type RegisterImage map[uint16]uint16

// Parser turns one poll.Tick into a ParameterSample per enabled parameter.
type Parser struct {
	byteOrder    config.ByteOrder
	registerType config.RegisterType
}

func New(byteOrder config.ByteOrder, registerType config.RegisterType) *Parser {
	return &Parser{byteOrder: byteOrder, registerType: registerType}
}

// IsBitRegisterType reports whether this parser's register_type is coil or
// discrete_input, in which case every parameter decodes as a single bit
// regardless of its declared data_type (§4.6 closing paragraph).
func (p *Parser) IsBitRegisterType() bool {
	return p.registerType == config.RegisterCoil || p.registerType == config.RegisterDiscreteInput
}

// Parse builds the tick's RegisterImage from its successful blocks, then
// decodes each enabled parameter. A parameter whose addresses aren't fully
// covered by the image is skipped with MissingRegistersError, not fatal for
// the tick (§4.6 step 1-2).
func (p *Parser) Parse(tick poll.Tick, spec config.DeviceSpec) ([]Sample, []error) {
	image := make(RegisterImage)
	for _, result := range tick.Results {
		if result.Err != nil {
			continue
		}
		for i, v := range result.Values {
			image[result.Block.Start+uint16(i)] = v
		}
	}

	var samples []Sample
	var errs []error

	isBitRegisterType := p.IsBitRegisterType()

	for _, param := range spec.ParameterSpecs {
		if param.Disabled {
			continue
		}

		addrs := param.RegisterSpan()
		if isBitRegisterType {
			addrs = param.Addresses // one address per bit value, data_type ignored
		}

		registers, ok := coverAddresses(image, addrs)
		if !ok {
			errs = append(errs, &modbus.MissingRegistersError{ParameterCode: param.Code, Addresses: addrs})
			continue
		}

		sample, err := p.DecodeParameter(tick.Ts, tick.ConnID, spec.DeviceID, param, registers, isBitRegisterType)
		if err != nil {
			errs = append(errs, fmt.Errorf("parameter %s: %w", param.Code, err))
			continue
		}
		samples = append(samples, sample)
	}

	return samples, errs
}

func coverAddresses(image RegisterImage, addrs []uint16) ([]uint16, bool) {
	out := make([]uint16, len(addrs))
	for i, a := range addrs {
		v, ok := image[a]
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// DecodeParameter applies §4.6 step 3-4: decode raw via C1, then compute
// parsed according to bit_map / enum_map / float32-rounding / passthrough.
// Exposed standalone (not just via Parse) so the rule engine's on-demand
// read primitive (§4.10) can decode one parameter without a full tick.
func (p *Parser) DecodeParameter(ts time.Time, connID, deviceID string, param config.ParameterSpec, registers []uint16, isBitRegisterType bool) (Sample, error) {
	sample := Sample{
		ConnID:   connID,
		DeviceID: deviceID,
		Code:     param.Code,
		Unit:     param.Unit,
		Ts:       ts,
		OnChange: param.OnChange,
	}

	if isBitRegisterType {
		raw := registers[0] != 0
		sample.Raw = raw
		sample.Parsed = applyBitEnum(raw, param.EnumMap)
		return sample, nil
	}

	if param.DataType == config.DataTypeString {
		sample.Raw = modbus.DecodeString(registers)
		sample.Parsed = sample.Raw
		return sample, nil
	}

	rawValue, err := modbus.DecodeValue(registers, string(param.DataType), string(p.byteOrder), nonZeroOr(param.Scale, 1), param.Offset)
	if err != nil {
		return Sample{}, err
	}
	sample.Raw = rawValue

	switch {
	case len(param.BitMap) > 0 && param.DataType == config.DataTypeUint16:
		sample.BitMap = true
		bitMap := make(map[string]modbus.BitMapEntry, len(param.BitMap))
		for idx, entry := range param.BitMap {
			bitMap[idx] = modbus.BitMapEntry{Code: entry.Code, Name: entry.Name}
		}
		sample.Parsed = modbus.DecodeBitMap(uint16(rawValue), bitMap)

	case len(param.EnumMap) > 0 && param.DataType == config.DataTypeUint16:
		key := strconv.FormatInt(int64(rawValue), 10)
		if label, ok := param.EnumMap[key]; ok {
			sample.Parsed = label
		} else {
			sample.Parsed = rawValue
		}

	case param.DataType == config.DataTypeFloat32:
		sample.Parsed = roundTo(rawValue, param.Precision)

	default:
		sample.Parsed = rawValue
	}

	return sample, nil
}

func applyBitEnum(raw bool, enumMap map[string]string) interface{} {
	key := "0"
	if raw {
		key = "1"
	}
	if enumMap != nil {
		if label, ok := enumMap[key]; ok {
			return label
		}
	}
	return raw
}

// roundTo rounds half-away-from-zero to the given number of decimal places
// (§4.6: banker's rounding is not required).
func roundTo(v float64, precision int) float64 {
	scale := math.Pow(10, float64(precision))
	if v >= 0 {
		return math.Floor(v*scale+0.5) / scale
	}
	return math.Ceil(v*scale-0.5) / scale
}

func nonZeroOr(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}
