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

// Package slave implements C8: a per-connection local Modbus TCP server
// mirroring the upstream image, backed by github.com/hootrhino/mbserver.
package slave

import (
	"fmt"
	"net"
	"sync"

	mbserver "github.com/hootrhino/mbserver"
	"github.com/hootrhino/mbserver/store"
	"github.com/sirupsen/logrus"

	"github.com/nbcb/collect/internal/config"
)

const (
	autoPortRangeStart = 60000
	autoPortRangeEnd   = 65535
	autoPortMaxRetries = 1000
	tableSize          = 65536
)

// Slave owns one mbserver.Server instance and its own four full-size
// (tableSize-entry) register tables, kept in lockstep with the upstream ConnectionSpec's blocks.
type Slave struct {
	connID string
	server *mbserver.Server
	addr   string
	log    *logrus.Entry

	mu       sync.Mutex
	holding  []uint16
	input    []uint16
	coils    []bool
	discrete []bool
}

// New allocates the slave's listening port per §4.8 and constructs (but does
// not start) the local server.
func New(spec config.ConnectionSpec, log *logrus.Entry) (*Slave, error) {
	port, err := allocatePort(spec.SlavePort)
	if err != nil {
		return nil, fmt.Errorf("conn %s: slave port allocation: %w", spec.ConnID, err)
	}

	srv := mbserver.NewServer(store.NewInMemoryStore(), spec.SlaveID)
	log = log.WithField("conn_id", spec.ConnID).WithField("slave_port", port)
	srv.SetErrorHandler(func(err error) {
		log.WithError(err).Warn("virtual slave error")
	})

	return &Slave{
		connID:   spec.ConnID,
		server:   srv,
		addr:     fmt.Sprintf("127.0.0.1:%d", port),
		log:      log,
		holding:  make([]uint16, tableSize),
		input:    make([]uint16, tableSize),
		coils:    make([]bool, tableSize),
		discrete: make([]bool, tableSize),
	}, nil
}

// Start begins serving Modbus/TCP on the allocated port. An explicit port
// already in use is a hard failure — no auto-fallback (§4.8).
func (s *Slave) Start() error {
	if err := s.server.Start(s.addr); err != nil {
		return fmt.Errorf("slave %s: start on %s: %w", s.connID, s.addr, err)
	}
	s.log.Info("virtual slave listening")
	return nil
}

func (s *Slave) Stop() {
	s.server.Stop()
}

func (s *Slave) Addr() string { return s.addr }

// UpdateHolding writes a successfully-read holding block verbatim into the
// slave's holding table (§4.8 update contract). The table swap is done under
// the slave's own lock and then pushed to the server in one call, so
// external reads never observe a partial mix for this block.
func (s *Slave) UpdateHolding(start uint16, values []uint16) {
	s.mu.Lock()
	copy(s.holding[start:], values)
	snapshot := append([]uint16(nil), s.holding...)
	s.mu.Unlock()
	if err := s.server.SetHoldingRegisters(snapshot); err != nil {
		s.log.WithError(err).Warn("failed to update holding image")
	}
}

func (s *Slave) UpdateInput(start uint16, values []uint16) {
	s.mu.Lock()
	copy(s.input[start:], values)
	snapshot := append([]uint16(nil), s.input...)
	s.mu.Unlock()
	if err := s.server.SetInputRegisters(snapshot); err != nil {
		s.log.WithError(err).Warn("failed to update input image")
	}
}

// UpdateCoils maps 0/non-0 register words to bool, per §4.8.
func (s *Slave) UpdateCoils(start uint16, values []uint16) {
	s.mu.Lock()
	for i, v := range values {
		s.coils[int(start)+i] = v != 0
	}
	snapshot := append([]bool(nil), s.coils...)
	s.mu.Unlock()
	if err := s.server.SetCoils(snapshot); err != nil {
		s.log.WithError(err).Warn("failed to update coil image")
	}
}

func (s *Slave) UpdateDiscrete(start uint16, values []uint16) {
	s.mu.Lock()
	for i, v := range values {
		s.discrete[int(start)+i] = v != 0
	}
	snapshot := append([]bool(nil), s.discrete...)
	s.mu.Unlock()
	if err := s.server.SetDiscreteInputs(snapshot); err != nil {
		s.log.WithError(err).Warn("failed to update discrete input image")
	}
}

// UpdateFromBlock dispatches to the right table by register_type, widening
// bool results from an upstream coil/discrete read back into 0/1 words isn't
// needed here — connection.ReadBlock already returns []uint16 for every
// register type (§4.1), so the widen direction is uniform.
func (s *Slave) UpdateFromBlock(registerType config.RegisterType, start uint16, values []uint16) {
	switch registerType {
	case config.RegisterHolding:
		s.UpdateHolding(start, values)
	case config.RegisterInput:
		s.UpdateInput(start, values)
	case config.RegisterCoil:
		s.UpdateCoils(start, values)
	case config.RegisterDiscreteInput:
		s.UpdateDiscrete(start, values)
	}
}

// allocatePort resolves a slave's listening port. An explicit port that is
// already bound is a hard failure (no fallback). An unset port is
// auto-allocated by probing [60000,65535], wrapping, up to 1000 attempts.
func allocatePort(explicit int) (int, error) {
	if explicit > 0 {
		if !probe(explicit) {
			return 0, fmt.Errorf("port %d already in use", explicit)
		}
		return explicit, nil
	}

	port := autoPortRangeStart
	for i := 0; i < autoPortMaxRetries; i++ {
		if probe(port) {
			return port, nil
		}
		port++
		if port > autoPortRangeEnd {
			port = autoPortRangeStart
		}
	}
	return 0, fmt.Errorf("no free port found in [%d,%d] after %d attempts", autoPortRangeStart, autoPortRangeEnd, autoPortMaxRetries)
}

func probe(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
