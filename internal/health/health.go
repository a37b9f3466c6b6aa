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

// Package health exposes a per-connection status snapshot: exactly what an
// operator or external monitor is allowed to see, with no logic of its own.
package health

import (
	"sync"
	"time"

	"github.com/nbcb/collect/internal/connection"
	"github.com/nbcb/collect/internal/dispatch"
)

// Health codes, deliberately small and closed.
const (
	HealthUnknown uint16 = 0
	HealthOK      uint16 = 1
	HealthError   uint16 = 2
)

// Snapshot is exactly what a health check is allowed to report for one
// connection. It carries no logic and no memory beyond current state.
type Snapshot struct {
	ConnID        string
	State         string
	Health        uint16
	LastError     string
	LastErrorAt   time.Time
	QueueDepth    int
}

// Registry tracks the last known error per connection and produces
// Snapshots on demand from the live Connection/Dispatcher pair.
type Registry struct {
	mu        sync.Mutex
	lastError map[string]errRecord
}

type errRecord struct {
	msg string
	at  time.Time
}

func NewRegistry() *Registry {
	return &Registry{lastError: make(map[string]errRecord)}
}

// RecordError is called by the runtime's per-device emitter whenever a
// block read on connID fails, so Snapshot can report the most recent fault even after
// the connection has recovered.
func (r *Registry) RecordError(connID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastError[connID] = errRecord{msg: err.Error(), at: time.Now()}
}

// Snapshot reads the connection's current state and dispatcher queue depth
// and combines it with the last recorded error, if any.
func (r *Registry) Snapshot(connID string, conn *connection.Connection, dispatcher *dispatch.Dispatcher) Snapshot {
	r.mu.Lock()
	last, ok := r.lastError[connID]
	r.mu.Unlock()

	state := conn.State()
	health := HealthOK
	if state == connection.StateFaulted {
		health = HealthError
	} else if state == connection.StateIdle {
		health = HealthUnknown
	}

	snap := Snapshot{
		ConnID:     connID,
		State:      state.String(),
		Health:     health,
		QueueDepth: dispatcher.Len(),
	}
	if ok {
		snap.LastError = last.msg
		snap.LastErrorAt = last.at
	}
	return snap
}
