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
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// RTUTransporter reads/writes framed RTU PDUs over a serial-like
// io.ReadWriteCloser (a goserial port, or anything else with the same shape).
type RTUTransporter struct {
	port          io.ReadWriteCloser
	timeout       time.Duration
	interCharTime time.Duration
	maxFrameSize  int
	packager      *RTUPackager
	mu            sync.Mutex
}

type RTUConfig struct {
	Timeout       time.Duration
	InterCharTime time.Duration
	MaxFrameSize  int
}

func DefaultRTUConfig() RTUConfig {
	return RTUConfig{
		Timeout:       1 * time.Second,
		InterCharTime: 3 * time.Millisecond,
		MaxFrameSize:  256,
	}
}

func NewRTUTransporter(port io.ReadWriteCloser, cfg RTUConfig) *RTUTransporter {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = 256
	}
	if cfg.InterCharTime <= 0 {
		cfg.InterCharTime = 3 * time.Millisecond
	}
	return &RTUTransporter{
		port:          port,
		timeout:       cfg.Timeout,
		interCharTime: cfg.InterCharTime,
		maxFrameSize:  cfg.MaxFrameSize,
		packager:      NewRTUPackager(),
	}
}

func (t *RTUTransporter) SetTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = timeout
}

func (t *RTUTransporter) WriteRaw(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("modbus rtu: empty write")
	}
	time.Sleep(t.interCharTime)

	written := 0
	for written < len(data) {
		n, err := t.port.Write(data[written:])
		if err != nil {
			return fmt.Errorf("modbus rtu: write failed after %d bytes: %w", written, err)
		}
		written += n
	}
	return nil
}

func (t *RTUTransporter) readByte(ctx context.Context) (byte, error) {
	type result struct {
		b   byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, 1)
		n, err := t.port.Read(buf)
		if err != nil {
			done <- result{0, err}
			return
		}
		if n == 0 {
			done <- result{0, fmt.Errorf("modbus rtu: no data read")}
			return
		}
		done <- result{buf[0], nil}
	}()
	select {
	case r := <-done:
		return r.b, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ReadRaw assembles one RTU frame, stopping as soon as the declared function
// code's expected length is reached, or on overall timeout.
func (t *RTUTransporter) ReadRaw() ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	var frame []byte
	for {
		b, err := t.readByte(ctx)
		if err != nil {
			if len(frame) > 0 {
				return frame, nil
			}
			return nil, fmt.Errorf("modbus rtu: read failed: %w", err)
		}
		frame = append(frame, b)

		if want, known := expectedFrameLength(frame); known && len(frame) >= want {
			return frame[:want], nil
		}
		if len(frame) >= t.maxFrameSize {
			return frame, nil
		}
	}
}

func (t *RTUTransporter) Send(slaveID uint8, pdu []byte) error {
	frame, err := t.packager.Pack(slaveID, pdu)
	if err != nil {
		return err
	}
	return t.WriteRaw(frame)
}

func (t *RTUTransporter) Receive() (slaveID uint8, pdu []byte, err error) {
	frame, err := t.ReadRaw()
	if err != nil {
		return 0, nil, err
	}
	return t.packager.Unpack(frame)
}

func (t *RTUTransporter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

func (t *RTUTransporter) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}
