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

package connection

import (
	"context"
	"fmt"
	"net"
	"time"

	goserial "github.com/hootrhino/goserial"

	"github.com/nbcb/collect/internal/config"
	modbus "github.com/nbcb/collect/wire"
)

// DialReal is the production Dialer: net.Dial for tcp transport,
// goserial.Open for rtu.
func DialReal(ctx context.Context, spec config.ConnectionSpec) (modbus.ModbusApi, error) {
	timeout := spec.Timeout.Duration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	switch spec.Transport {
	case "tcp":
		addr := fmt.Sprintf("%s:%d", spec.Host, spec.Port)
		dialer := &net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
		}
		return modbus.NewModbusTCPHandler(conn, timeout), nil

	case "rtu":
		port, err := goserial.Open(&goserial.Config{
			Address:  spec.SerialPort,
			BaudRate: spec.BaudRate,
			DataBits: spec.DataBits,
			StopBits: spec.StopBits,
			Parity:   spec.Parity,
			Timeout:  timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("open serial %s: %w", spec.SerialPort, err)
		}
		cfg := modbus.DefaultRTUConfig()
		cfg.Timeout = timeout
		return modbus.NewModbusRTUHandler(port, cfg), nil

	default:
		return nil, fmt.Errorf("connection: unknown transport %q", spec.Transport)
	}
}
