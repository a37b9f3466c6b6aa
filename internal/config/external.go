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

import (
	"encoding/json"
	"fmt"
	"os"
)

// externalDeviceFile is the JSON shape a device's external_path may provide,
// overriding the inline poll_mode/read_blocks/parameters/description (§6).
type externalDeviceFile struct {
	PollMode    PollMode        `json:"poll_mode"`
	ReadBlocks  []ReadBlock     `json:"read_blocks"`
	Parameters  []ParameterSpec `json:"parameters"`
	Description string          `json:"description"`
}

func loadExternalDevice(dev *DeviceSpec) error {
	raw, err := os.ReadFile(dev.ExternalPath)
	if err != nil {
		return fmt.Errorf("read external_path %s: %w", dev.ExternalPath, err)
	}
	var ext externalDeviceFile
	if err := json.Unmarshal(raw, &ext); err != nil {
		return fmt.Errorf("parse external_path %s: %w", dev.ExternalPath, err)
	}

	if ext.PollMode != "" {
		dev.PollMode = ext.PollMode
	}
	if ext.ReadBlocks != nil {
		dev.ReadBlocks = ext.ReadBlocks
	}
	if ext.Parameters != nil {
		dev.ParameterSpecs = ext.Parameters
	}
	if ext.Description != "" {
		dev.Description = ext.Description
	}
	return nil
}
