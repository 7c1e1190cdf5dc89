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

// Package discovery is the center of gravity: it finds the kernel PGD, the
// task_structs, their page tables and VMAs, and walks every discovered page
// table into a pagecoll.Collection, entirely by pattern matching against an
// unlabeled guest RAM image.
package discovery

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/haywire-project/haywire/pkg/addrspace"
	"github.com/haywire-project/haywire/pkg/companion"
	"github.com/haywire-project/haywire/pkg/instrumentation"
	"github.com/haywire-project/haywire/pkg/kconfig"
	"github.com/haywire-project/haywire/pkg/log"
	"github.com/haywire-project/haywire/pkg/oracle"
	"github.com/haywire-project/haywire/pkg/pagedmem"
	"github.com/haywire-project/haywire/pkg/pgtable"
)

var engLog = log.Get("discovery")

// MaxPTERecords bounds the total number of terminal entries Phase 5 will
// emit before truncating, per spec.md §4.4.5.
const MaxPTERecords = 10_000_000

// Engine owns the handles one discovery pass needs and the intermediate
// state phases build up between steps. It is not safe for concurrent
// Discover calls against the same instance — construct one Engine per pass.
type Engine struct {
	mem    *pagedmem.Memory
	as     *addrspace.AddressSpace
	walker *pgtable.Walker
	table  kconfig.Table

	oracle    oracle.Client
	companion companion.Reader

	// intermediate, phase-to-phase state
	pgdCandidates []pgdCandidate
	taskCandidates []taskCandidate
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithOracle injects a management-channel client. Pass oracle.NewNop() (the
// default) when no management channel is configured.
func WithOracle(c oracle.Client) Option {
	return func(e *Engine) { e.oracle = c }
}

// WithCompanion injects an in-guest companion reader. nil (the default)
// means Phase 4 always falls back to synthetic single-VMA emission.
func WithCompanion(c companion.Reader) Option {
	return func(e *Engine) { e.companion = c }
}

// New constructs an Engine over mem using table for kernel struct offsets.
func New(mem *pagedmem.Memory, as *addrspace.AddressSpace, table kconfig.Table, opts ...Option) *Engine {
	e := &Engine{
		mem:    mem,
		as:     as,
		walker: pgtable.New(mem, as),
		table:  table,
		oracle: oracle.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Phases returns the five discovery phases in order, closures bound to this
// Engine, suitable for driver.Driver to Step through independently.
func (e *Engine) Phases(totalSize int64) []PhaseFunc {
	return []PhaseFunc{
		func(ctx context.Context, r *Result) error { return e.phase1FindSwapperPgd(ctx, r, totalSize) },
		func(ctx context.Context, r *Result) error { return e.phase2FindTaskStructs(ctx, r, totalSize) },
		func(ctx context.Context, r *Result) error { return e.phase3ResolveUserPGDs(ctx, r) },
		func(ctx context.Context, r *Result) error { return e.phase4EnumerateVMAs(ctx, r) },
		func(ctx context.Context, r *Result) error { return e.phase5WalkPTEs(ctx, r) },
	}
}

// Discover runs all five phases to completion and returns the result. It is
// the synchronous convenience entry point spec.md §6 names directly;
// driver.Driver is the cooperative, steppable alternative over the same
// Phases.
func (e *Engine) Discover(ctx context.Context, totalSize int64) (Result, error) {
	var r Result
	for i, phase := range e.Phases(totalSize) {
		select {
		case <-ctx.Done():
			r.Cancelled = true
			return r, nil
		default:
		}
		spanCtx, span := instrumentation.StartSpan(ctx, fmt.Sprintf("discovery.phase%d", i+1))
		err := phase(spanCtx, &r)
		span.End()
		if err != nil {
			if errors.Is(err, ErrIOFailure) {
				return r, errors.Wrapf(err, "discovery: phase %d failed", i+1)
			}
			return r, err
		}
	}
	return r, nil
}

// readField reads the u64 at the named field's configured offset from base
// (a virtual address, translated through pgd), going through
// the typed offsets table rather than any "struct member by name" access.
func (e *Engine) readField(pgd uint64, base uint64, field kconfig.Field) (uint64, error) {
	off, err := e.table.Offset(field)
	if err != nil {
		return 0, err
	}
	tr, err := e.walker.Translate(base+off, pgd)
	if err != nil {
		return 0, err
	}
	fileOff, err := e.as.PAToOffset(tr.PA)
	if err != nil {
		return 0, err
	}
	return e.mem.ReadU64LE(fileOff)
}

// readFieldU32 is readField's 32-bit counterpart, for pid/tgid-sized fields.
func (e *Engine) readFieldU32(pgd uint64, base uint64, field kconfig.Field) (uint32, error) {
	off, err := e.table.Offset(field)
	if err != nil {
		return 0, err
	}
	tr, err := e.walker.Translate(base+off, pgd)
	if err != nil {
		return 0, err
	}
	fileOff, err := e.as.PAToOffset(tr.PA)
	if err != nil {
		return 0, err
	}
	v, err := e.mem.ReadU32LE(fileOff)
	return v, err
}

func wrapIO(phase string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrIOFailure, phase, err)
}
