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
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nbcb/collect/internal/config"
	modbus "github.com/nbcb/collect/wire"
)

func TestManagerEnsureCoalescesConcurrentCallers(t *testing.T) {
	var dialCount int32
	var mu sync.Mutex
	dialer := func(ctx context.Context, spec config.ConnectionSpec) (modbus.ModbusApi, error) {
		mu.Lock()
		dialCount++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		client, server := net.Pipe()
		go serveHoldingRegisters(t, server)
		return modbus.NewModbusTCPHandler(client, 2*time.Second), nil
	}

	log := logrus.NewEntry(logrus.New())
	m := NewManager([]config.ConnectionSpec{testSpec()}, dialer, log)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Ensure(context.Background(), "c1")
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Errorf("Ensure: %v", err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if dialCount != 1 {
		t.Errorf("dialCount = %d, want 1 (concurrent Ensure calls should coalesce)", dialCount)
	}
}

func TestManagerGetOrCreateDoesNotDial(t *testing.T) {
	var dialCount int32
	dialer := func(ctx context.Context, spec config.ConnectionSpec) (modbus.ModbusApi, error) {
		dialCount++
		return nil, nil
	}
	log := logrus.NewEntry(logrus.New())
	m := NewManager([]config.ConnectionSpec{testSpec()}, dialer, log)

	conn, ok := m.GetOrCreate("c1")
	if !ok || conn == nil {
		t.Fatal("expected GetOrCreate to return a Connection for a known conn_id")
	}
	if dialCount != 0 {
		t.Errorf("GetOrCreate must not dial, but dialCount = %d", dialCount)
	}

	again, ok := m.GetOrCreate("c1")
	if !ok || again != conn {
		t.Error("expected a second GetOrCreate to return the same instance")
	}
}

func TestManagerGetOrCreateUnknownConnID(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	m := NewManager(nil, loopbackDialer(t), log)
	if _, ok := m.GetOrCreate("missing"); ok {
		t.Fatal("expected GetOrCreate to report false for an unregistered conn_id")
	}
}

func TestManagerEnsureUnknownConnID(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	m := NewManager(nil, loopbackDialer(t), log)
	if _, err := m.Ensure(context.Background(), "missing"); err == nil {
		t.Fatal("expected an error for an unregistered conn_id")
	}
}

func TestManagerCloseIsIdempotent(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	m := NewManager([]config.ConnectionSpec{testSpec()}, loopbackDialer(t), log)
	if _, err := m.Ensure(context.Background(), "c1"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := m.Close("c1"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close("c1"); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := m.Close("never-existed"); err != nil {
		t.Fatalf("Close of unknown conn_id: %v", err)
	}
}
