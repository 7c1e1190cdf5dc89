// Copyright 2024 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package driver runs discovery as a single-threaded cooperative scheduler:
// each Step runs one whole discovery phase and then yields, and consecutive
// Steps start at least one quantum apart. A phase's own work is not split
// at quantum boundaries. It is modeled on the
// teacher's PidWatcherProc/Tracker start/stop/poll lifecycle, but is
// single-shot rather than continuously polling.
package driver

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/haywire-project/haywire/pkg/discovery"
	"github.com/haywire-project/haywire/pkg/instrumentation"
	"github.com/haywire-project/haywire/pkg/log"
)

var driverLog = log.Get("driver")

// quantum is the minimum spacing between the starts of consecutive Steps.
// It does not bound the CPU work of one Step, which runs a whole phase.
const quantum = 50 * time.Millisecond

// Progress reports how far one Run/Step call has advanced.
type Progress struct {
	Phase     int
	PhaseName string
	Done      bool
}

// Driver steps a discovery.Engine through its phases, reporting progress at
// each yield point and honoring cooperative cancellation.
type Driver struct {
	engine   *discovery.Engine
	totalSize int64
	onProgress func(Progress)

	limiter *rate.Limiter
	steps   []discovery.PhaseFunc
	next    int
	result  discovery.Result
	started bool
}

// New constructs a Driver over engine that will discover totalSize bytes of
// guest RAM. onProgress may be nil.
func New(engine *discovery.Engine, totalSize int64, onProgress func(Progress)) *Driver {
	if onProgress == nil {
		onProgress = func(Progress) {}
	}
	return &Driver{
		engine:     engine,
		totalSize:  totalSize,
		onProgress: onProgress,
		// One token per quantum: Steps start at most once per quantum,
		// giving Run's cooperative loop a coarse,
		// steady cadence rather than a true throughput limit.
		limiter: rate.NewLimiter(rate.Every(quantum), 1),
	}
}

func (d *Driver) ensureStarted() {
	if d.started {
		return
	}
	d.steps = d.engine.Phases(d.totalSize)
	d.started = true
}

// Step advances discovery by one phase: it runs exactly one phase function
// to completion, waiting for the quantum's rate-limit token first so
// callers driving Step in a tight loop still yield to other work.
// It returns the cumulative Progress, whether discovery is complete, and
// any fatal error (only discovery.ErrIOFailure or ctx.Err() escape).
func (d *Driver) Step(ctx context.Context) (Progress, bool, error) {
	d.ensureStarted()

	if err := d.limiter.Wait(ctx); err != nil {
		return Progress{Done: false}, false, ctx.Err()
	}

	if d.next >= len(d.steps) {
		return Progress{Phase: d.next, Done: true}, true, nil
	}

	phase := d.steps[d.next]
	driverLog.Debugf("running phase %d/%d", d.next+1, len(d.steps))
	spanCtx, span := instrumentation.StartSpan(ctx, fmt.Sprintf("driver.phase%d", d.next+1))
	err := phase(spanCtx, &d.result)
	span.End()
	if err != nil {
		return Progress{Phase: d.next}, false, err
	}
	d.next++

	p := Progress{Phase: d.next, PhaseName: d.result.LastPhaseName, Done: d.next >= len(d.steps)}
	d.onProgress(p)
	return p, p.Done, nil
}

// Run drives Step to completion or until ctx is cancelled. A cancelled
// context yields a partial result with Cancelled=true rather than an error;
// only discovery.ErrIOFailure escapes as an error.
func (d *Driver) Run(ctx context.Context) (discovery.Result, error) {
	for {
		select {
		case <-ctx.Done():
			d.result.Cancelled = true
			return d.result, nil
		default:
		}

		_, done, err := d.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				d.result.Cancelled = true
				return d.result, nil
			}
			return d.result, err
		}
		if done {
			return d.result, nil
		}
	}
}
