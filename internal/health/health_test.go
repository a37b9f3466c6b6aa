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

package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nbcb/collect/internal/config"
	"github.com/nbcb/collect/internal/connection"
	"github.com/nbcb/collect/internal/dispatch"
	modbus "github.com/nbcb/collect/wire"
)

func failingDialer(ctx context.Context, spec config.ConnectionSpec) (modbus.ModbusApi, error) {
	return nil, errors.New("connection refused")
}

func TestSnapshotReflectsFaultedState(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	spec := config.ConnectionSpec{ConnID: "c1", Transport: "tcp", SlaveID: 1}
	conn := connection.New(spec, failingDialer, log)
	d := dispatch.NewDispatcher()

	_, err := conn.ReadHoldingRegisters(context.Background(), 0, 1)
	if err == nil {
		t.Fatal("expected the dial to fail")
	}

	reg := NewRegistry()
	reg.RecordError("c1", err)
	snap := reg.Snapshot("c1", conn, d)

	if snap.Health != HealthError {
		t.Errorf("expected HealthError, got %d", snap.Health)
	}
	if snap.LastError == "" {
		t.Error("expected LastError to be recorded")
	}
	if time.Since(snap.LastErrorAt) > time.Second {
		t.Error("LastErrorAt should be recent")
	}
}

func TestSnapshotUnknownBeforeFirstConnect(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	spec := config.ConnectionSpec{ConnID: "c2", Transport: "tcp", SlaveID: 1}
	conn := connection.New(spec, failingDialer, log)
	d := dispatch.NewDispatcher()

	reg := NewRegistry()
	snap := reg.Snapshot("c2", conn, d)
	if snap.Health != HealthUnknown {
		t.Errorf("expected HealthUnknown for an idle connection, got %d", snap.Health)
	}
}
