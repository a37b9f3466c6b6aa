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

import "fmt"

// Validate checks configuration correctness declaratively. It does not
// mutate the config.
func Validate(cfg *Config) error {
	seenConnIDs := make(map[string]bool, len(cfg.Connections))

	for _, conn := range cfg.Connections {
		if conn.ConnID == "" {
			return fmt.Errorf("connection: conn_id must not be empty")
		}
		if seenConnIDs[conn.ConnID] {
			return fmt.Errorf("connection %q: duplicate conn_id", conn.ConnID)
		}
		seenConnIDs[conn.ConnID] = true

		switch conn.Transport {
		case "tcp":
			if conn.Host == "" || conn.Port == 0 {
				return fmt.Errorf("connection %q: tcp transport requires host and port", conn.ConnID)
			}
		case "rtu":
			if conn.SerialPort == "" {
				return fmt.Errorf("connection %q: rtu transport requires serial_port", conn.ConnID)
			}
		default:
			return fmt.Errorf("connection %q: unknown transport %q, want tcp or rtu", conn.ConnID, conn.Transport)
		}

		switch conn.ByteOrder {
		case ByteOrderABCD, ByteOrderDCBA, ByteOrderBADC, ByteOrderCDAB:
		default:
			return fmt.Errorf("connection %q: unknown byte_order %q", conn.ConnID, conn.ByteOrder)
		}

		if conn.SlaveID < 1 || conn.SlaveID > 247 {
			return fmt.Errorf("connection %q: slave_id %d out of range 1..247", conn.ConnID, conn.SlaveID)
		}

		if err := validateDevices(conn); err != nil {
			return err
		}
	}

	for _, ac := range cfg.AutoCreateDevices {
		if !seenConnIDs[ac.ConnID] {
			return fmt.Errorf("auto_create_devices: conn_id %q is not a configured connection", ac.ConnID)
		}
	}

	return nil
}

// validateDevices enforces §3 invariants (ii) (iii) (iv) for one connection:
// every parameter address is covered by a block, bit_map only on uint16, and
// no two blocks of the device overlap.
func validateDevices(conn ConnectionSpec) error {
	seenDeviceIDs := make(map[string]bool, len(conn.Devices))

	for _, dev := range conn.Devices {
		if dev.DeviceID == "" {
			return fmt.Errorf("connection %q: device_id must not be empty", conn.ConnID)
		}
		if seenDeviceIDs[dev.DeviceID] {
			return fmt.Errorf("connection %q: duplicate device_id %q", conn.ConnID, dev.DeviceID)
		}
		seenDeviceIDs[dev.DeviceID] = true

		switch dev.PollMode {
		case PollPeriodic, PollContinuous, PollOnDemand:
		default:
			return fmt.Errorf("device %q: unknown poll_mode %q", dev.DeviceID, dev.PollMode)
		}

		if err := checkBlockOverlap(dev); err != nil {
			return err
		}
		if err := checkParameterCoverage(dev); err != nil {
			return err
		}
		if err := checkParameterCodesAndBitMaps(dev); err != nil {
			return err
		}
	}
	return nil
}

// checkBlockOverlap enforces invariant (iv): within a device, no two
// ReadBlocks overlap. The register_type is shared by the whole connection,
// so the span key here is just the device.
func checkBlockOverlap(dev DeviceSpec) error {
	type span struct {
		start, end uint16
		index      int
	}
	var spans []span
	for i, b := range dev.ReadBlocks {
		if b.Count == 0 {
			return fmt.Errorf("device %q: read_blocks[%d] has count 0", dev.DeviceID, i)
		}
		spans = append(spans, span{start: b.Start, end: b.End(), index: i})
	}
	for i := 0; i < len(spans); i++ {
		for j := i + 1; j < len(spans); j++ {
			a, b := spans[i], spans[j]
			if !(a.end < b.start || a.start > b.end) {
				return fmt.Errorf("device %q: read_blocks[%d] (%d-%d) overlaps read_blocks[%d] (%d-%d)",
					dev.DeviceID, a.index, a.start, a.end, b.index, b.start, b.end)
			}
		}
	}
	return nil
}

// checkParameterCoverage enforces invariant (ii): every address referenced
// by an enabled parameter must be covered by some ReadBlock.
func checkParameterCoverage(dev DeviceSpec) error {
	for _, p := range dev.ParameterSpecs {
		if p.Disabled {
			continue
		}
		if p.DataType == DataTypeString && len(p.Addresses) == 0 {
			return fmt.Errorf("device %q parameter %q: string type requires addresses", dev.DeviceID, p.Code)
		}
		if len(p.Addresses) == 0 {
			return fmt.Errorf("device %q parameter %q: addresses must not be empty", dev.DeviceID, p.Code)
		}
		for _, addr := range p.RegisterSpan() {
			if !coveredByAnyBlock(dev.ReadBlocks, addr) {
				return fmt.Errorf("device %q parameter %q: address %d is not covered by any read_block", dev.DeviceID, p.Code, addr)
			}
		}
	}
	return nil
}

func coveredByAnyBlock(blocks []ReadBlock, addr uint16) bool {
	for _, b := range blocks {
		if b.Contains(addr) {
			return true
		}
	}
	return false
}

// checkParameterCodesAndBitMaps enforces uniqueness of top-level and
// bit codes, and invariant (iii): bit_map only allowed on uint16.
func checkParameterCodesAndBitMaps(dev DeviceSpec) error {
	seenCodes := make(map[string]bool)
	for _, p := range dev.ParameterSpecs {
		if seenCodes[p.Code] {
			return fmt.Errorf("device %q: duplicate parameter code %q", dev.DeviceID, p.Code)
		}
		seenCodes[p.Code] = true

		if len(p.BitMap) > 0 && p.DataType != DataTypeUint16 {
			return fmt.Errorf("device %q parameter %q: bit_map requires data_type uint16, got %q", dev.DeviceID, p.Code, p.DataType)
		}
		for idx, entry := range p.BitMap {
			if seenCodes[entry.Code] {
				return fmt.Errorf("device %q: bit code %q (parameter %q, bit %s) collides with another parameter or bit code", dev.DeviceID, entry.Code, p.Code, idx)
			}
			seenCodes[entry.Code] = true
		}
	}
	return nil
}
