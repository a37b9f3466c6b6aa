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
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nbcb/collect/internal/config"
)

// Manager is C3: the registry of configured connections, seeded at startup,
// with lazy construction and coalesced concurrent ensure() calls.
type Manager struct {
	dialer Dialer
	log    *logrus.Entry

	mu      sync.Mutex
	specs   map[string]config.ConnectionSpec
	conns   map[string]*Connection
	pending map[string]chan struct{} // conn_id -> closed when the in-flight ensure() finishes
}

func NewManager(specs []config.ConnectionSpec, dialer Dialer, log *logrus.Entry) *Manager {
	m := &Manager{
		dialer:  dialer,
		log:     log,
		specs:   make(map[string]config.ConnectionSpec, len(specs)),
		conns:   make(map[string]*Connection, len(specs)),
		pending: make(map[string]chan struct{}),
	}
	for _, s := range specs {
		m.specs[s.ConnID] = s
	}
	return m
}

// Ensure lazily constructs and opens the named connection. Concurrent
// callers for the same conn_id are coalesced: at most one dial runs at a
// time and the others wait for it. After a successful dial the waiters
// return the opened connection; after a failed one each waiter retries and
// runs its own dial in turn.
func (m *Manager) Ensure(ctx context.Context, connID string) (*Connection, error) {
	for {
		m.mu.Lock()
		if conn, ok := m.conns[connID]; ok && conn.State() == StateOpen {
			m.mu.Unlock()
			return conn, nil
		}
		if wait, inflight := m.pending[connID]; inflight {
			m.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		spec, ok := m.specs[connID]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("connection manager: unknown conn_id %q", connID)
		}
		done := make(chan struct{})
		m.pending[connID] = done
		m.mu.Unlock()

		conn, ok := m.conns[connID]
		if !ok {
			conn = New(spec, m.dialer, m.log)
		}
		err := conn.ensureOpenPublic(ctx)

		m.mu.Lock()
		if err == nil {
			m.conns[connID] = conn
		} else {
			// discard so the next call retries from scratch (§4.3 failure policy)
			delete(m.conns, connID)
		}
		delete(m.pending, connID)
		close(done)
		m.mu.Unlock()

		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// GetOrCreate returns the registered Connection object for connID,
// constructing it without dialing if this is the first call. Unlike
// Ensure, it never blocks on network I/O: the transport opens lazily on
// the Connection's first operation. Long-lived owners (pollers, the rule
// engine) use this once at startup and keep the reference.
func (m *Manager) GetOrCreate(connID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[connID]; ok {
		return conn, true
	}
	spec, ok := m.specs[connID]
	if !ok {
		return nil, false
	}
	conn := New(spec, m.dialer, m.log)
	m.conns[connID] = conn
	return conn, true
}

// Close is idempotent: closing an unknown or already-closed conn_id is a no-op.
func (m *Manager) Close(connID string) error {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

// Shutdown closes every connection and waits for termination.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if err := c.Close(); err != nil {
				m.log.WithError(err).WithField("conn_id", c.Spec().ConnID).Warn("error closing connection during shutdown")
			}
		}(c)
	}
	wg.Wait()
}

func (m *Manager) Specs() []config.ConnectionSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]config.ConnectionSpec, 0, len(m.specs))
	for _, s := range m.specs {
		out = append(out, s)
	}
	return out
}
