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

// Package poll implements C5: per-device scheduling (periodic, continuous,
// on_demand) of block reads, submitted through the connection's C4
// dispatcher.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nbcb/collect/internal/config"
	"github.com/nbcb/collect/internal/connection"
	"github.com/nbcb/collect/internal/dispatch"
)

const (
	initialSkew           = 100 * time.Millisecond
	readTimeout           = 10 * time.Second
	continuousFailureCap  = 10
	continuousBackoff     = 5 * time.Second
	continuousRetryDelay  = 1 * time.Second
)

// BlockResult is the outcome of reading one ReadBlock within a tick.
type BlockResult struct {
	Block  config.ReadBlock
	Values []uint16
	Err    error
}

// Tick is everything read for one device on one pass, handed to the parser (C6).
type Tick struct {
	ConnID   string
	DeviceID string
	Results  []BlockResult
	Ts       time.Time
}

// AllFailed reports whether every block in the tick errored.
func (t Tick) AllFailed() bool {
	for _, r := range t.Results {
		if r.Err == nil {
			return false
		}
	}
	return len(t.Results) > 0
}

// Poller drives one device's scheduling loop.
type Poller struct {
	connID     string
	spec       config.DeviceSpec
	conn       *connection.Connection
	dispatcher *dispatch.Dispatcher
	emit       func(context.Context, Tick)
	log        *logrus.Entry

	mu       sync.Mutex
	inflight bool
}

func New(connID string, spec config.DeviceSpec, conn *connection.Connection, dispatcher *dispatch.Dispatcher, emit func(context.Context, Tick), log *logrus.Entry) *Poller {
	return &Poller{
		connID:     connID,
		spec:       spec,
		conn:       conn,
		dispatcher: dispatcher,
		emit:       emit,
		log:        log.WithField("device_id", spec.DeviceID),
	}
}

// Run dispatches to the scheduling loop matching the device's poll_mode. It
// blocks until ctx is cancelled (on_demand returns immediately — it has no
// self-driven activity).
func (p *Poller) Run(ctx context.Context) {
	switch p.spec.PollMode {
	case config.PollPeriodic:
		p.runPeriodic(ctx)
	case config.PollContinuous:
		p.runContinuous(ctx)
	case config.PollOnDemand:
		// passive: nothing to do until ReadNow is called externally
	}
}

// runPeriodic fires every poll_interval after an initial skew; a tick that
// fires while the previous is still in-flight is dropped, not queued.
func (p *Poller) runPeriodic(ctx context.Context) {
	interval := p.conn.Spec().PollInterval.Duration()
	if interval <= 0 {
		interval = time.Second
	}

	skew := time.NewTimer(initialSkew)
	select {
	case <-skew.C:
	case <-ctx.Done():
		skew.Stop()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			if p.inflight {
				p.mu.Unlock()
				p.log.Debug("periodic tick coalesced: previous read still in-flight")
				continue
			}
			p.inflight = true
			p.mu.Unlock()

			go func() {
				defer func() {
					p.mu.Lock()
					p.inflight = false
					p.mu.Unlock()
				}()
				p.readTick(ctx, dispatch.PriorityBackgroundRead, readTimeout)
			}()
		}
	}
}

// runContinuous submits a Read, awaits it, sleeps min_poll_interval, and
// repeats; 10 consecutive failures trigger a 5s backoff (reset after), any
// other error sleeps 1s.
func (p *Poller) runContinuous(ctx context.Context) {
	minInterval := p.conn.Spec().MinPollInterval.Duration()
	consecutiveFailures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		tick := p.readTick(ctx, dispatch.PriorityBackgroundRead, readTimeout)
		if tick.AllFailed() {
			consecutiveFailures++
		} else {
			consecutiveFailures = 0
		}

		var sleep time.Duration
		switch {
		case consecutiveFailures >= continuousFailureCap:
			sleep = continuousBackoff
			consecutiveFailures = 0
		case tick.AllFailed():
			sleep = continuousRetryDelay
		default:
			sleep = minInterval
		}

		if sleep <= 0 {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// ReadNow runs one tick immediately at the given priority, for on-demand
// callers (external API requests, the rule engine's read primitive).
func (p *Poller) ReadNow(ctx context.Context, priority int) Tick {
	return p.readTick(ctx, priority, readTimeout)
}

// readTick submits one dispatcher job that reads every configured block for
// this device, in order, tolerating per-block failures — the parser (C6)
// isolates which parameters that costs, not the whole tick.
func (p *Poller) readTick(ctx context.Context, priority int, timeout time.Duration) Tick {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	value, err := p.dispatcher.Submit(opCtx, priority, func(ctx context.Context) (interface{}, error) {
		results := make([]BlockResult, 0, len(p.spec.ReadBlocks))
		for _, block := range p.spec.ReadBlocks {
			values, blockErr := p.conn.ReadBlock(ctx, block)
			results = append(results, BlockResult{Block: block, Values: values, Err: blockErr})
			if blockErr != nil {
				p.log.WithError(blockErr).WithField("block_start", block.Start).Debug("block read failed")
			}
		}
		return results, nil
	})

	tick := Tick{ConnID: p.connID, DeviceID: p.spec.DeviceID, Ts: time.Now()}
	if err != nil {
		// dispatch-level failure (cancelled before start, or submit itself
		// errored) — record it against every configured block.
		for _, block := range p.spec.ReadBlocks {
			tick.Results = append(tick.Results, BlockResult{Block: block, Err: err})
		}
		if p.emit != nil {
			p.emit(ctx, tick)
		}
		return tick
	}

	tick.Results = value.([]BlockResult)
	if p.emit != nil {
		p.emit(ctx, tick)
	}
	return tick
}
