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

package discovery

import (
	"bytes"
	"context"
	"runtime"
	"sort"
	"unicode"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/haywire-project/haywire/pkg/instrumentation"
	"github.com/haywire-project/haywire/pkg/kconfig"
)

// slabSize is the SLAB cache's slab size for task_struct: 32 KiB holding 3
// objects, per spec.md §4.4.2.
const slabSize = 32 * 1024

// objectsPerSlab is how many task_structs one slab holds.
const objectsPerSlab = 3

// sampleSlabCount bounds how many slabs the offset-clustering sample pass
// inspects before committing to a candidate sub-page offset set.
const sampleSlabCount = 4000

// sampleHitTarget stops sampling early once this many raw hits are seen.
const sampleHitTarget = 500

// clusterTolerance buckets raw hit offsets to the nearest 16 bytes before
// counting frequency, absorbing small per-object padding jitter.
const clusterTolerance = 16

const maxPID = 4_194_303

type taskCandidate struct {
	PA        uint64 // physical address (== file offset + guest_ram_base)
	Pid       uint32
	Tgid      uint32
	Comm      string
	TasksNext uint64
	TasksPrev uint64
	MM        uint64
}

// clusterOffsets buckets raw sub-slab hit offsets to the nearest
// clusterTolerance bytes, and returns the most frequent distinct buckets,
// capped at objectsPerSlab entries and sorted by ascending offset — the "online
// clustering pass" spec.md §9 asks for instead of a hardcoded offset list.
func clusterOffsets(hits []uint64) []uint64 {
	buckets := make(map[uint64]int)
	for _, h := range hits {
		b := (h / clusterTolerance) * clusterTolerance
		buckets[b]++
	}
	type kv struct {
		offset uint64
		count  int
	}
	kvs := make([]kv, 0, len(buckets))
	for o, c := range buckets {
		kvs = append(kvs, kv{o, c})
	}
	sort.Slice(kvs, func(i, j int) bool {
		if kvs[i].count != kvs[j].count {
			return kvs[i].count > kvs[j].count
		}
		return kvs[i].offset < kvs[j].offset
	})
	if len(kvs) > objectsPerSlab {
		kvs = kvs[:objectsPerSlab]
	}
	out := make([]uint64, len(kvs))
	for i, k := range kvs {
		out[i] = k.offset
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// isPlausiblePid reports whether v looks like a PID: 0 (idle task) or in
// [1, maxPID].
func isPlausiblePid(v uint32) bool {
	return v <= maxPID
}

func isPrintableComm(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r == 0 {
			break
		}
		if r > unicode.MaxASCII || !unicode.IsPrint(rune(r)) {
			return false
		}
	}
	return true
}

// checkSignature validates the fixed signature fields at candidate base pa
// (a file offset), per spec.md §4.4.2. It never dereferences through a
// page table — task_struct candidates are found by direct physical scan.
func (e *Engine) checkSignature(off int64, tbl kconfig.Table) (taskCandidate, bool) {
	get := func(f kconfig.Field) (uint64, bool) {
		fieldOff, err := tbl.Offset(f)
		if err != nil {
			return 0, false
		}
		return fieldOff, true
	}

	pidOff, ok := get(kconfig.FieldTaskPid)
	if !ok {
		return taskCandidate{}, false
	}
	tgidOff, _ := get(kconfig.FieldTaskTgid)
	commOff, _ := get(kconfig.FieldTaskComm)
	tasksOff, _ := get(kconfig.FieldTaskTasks)
	mmOff, _ := get(kconfig.FieldTaskMM)

	pid, err := e.mem.ReadU32LE(off + int64(pidOff))
	if err != nil || !isPlausiblePid(pid) {
		return taskCandidate{}, false
	}
	tgid, err := e.mem.ReadU32LE(off + int64(tgidOff))
	if err != nil || !isPlausiblePid(tgid) {
		return taskCandidate{}, false
	}
	// Raw bytes, not ReadCString: ReadCString replaces non-printable bytes
	// with '.', which would hide them from isPrintableComm.
	rawComm, err := e.mem.ReadBytes(off+int64(commOff), 16)
	if err != nil {
		return taskCandidate{}, false
	}
	if i := bytes.IndexByte(rawComm, 0); i >= 0 {
		rawComm = rawComm[:i]
	}
	comm := string(rawComm)
	if !isPrintableComm(comm) {
		return taskCandidate{}, false
	}
	tasksNext, err := e.mem.ReadU64LE(off + int64(tasksOff))
	if err != nil || !e.as.IsKernelVA(tasksNext) {
		return taskCandidate{}, false
	}
	tasksPrev, err := e.mem.ReadU64LE(off + int64(tasksOff) + 8)
	if err != nil || !e.as.IsKernelVA(tasksPrev) {
		return taskCandidate{}, false
	}
	mm, err := e.mem.ReadU64LE(off + int64(mmOff))
	if err != nil || (mm != 0 && !e.as.IsKernelVA(mm)) {
		return taskCandidate{}, false
	}

	return taskCandidate{
		PA:        e.as.OffsetToPA(off),
		Pid:       pid,
		Tgid:      tgid,
		Comm:      comm,
		TasksNext: tasksNext,
		TasksPrev: tasksPrev,
		MM:        mm,
	}, true
}

// filterReciprocalLinks keeps only candidates for which at least one of
// tasks_next/tasks_prev translates under workingPGD to the tasks list_head
// of another candidate in this set, and that candidate's own opposing
// pointer loops back to the first — the full cross-check spec.md §4.4.2
// asks for, rejecting a candidate whose linked-list pointer merely happens
// to translate without actually linking into the scanned task list. A
// candidate whose own pointer loops back to itself (a singleton circular
// list, e.g. a lone task with no siblings yet discovered) also counts: the
// list_head convention represents an empty/single-entry list that way.
func (e *Engine) filterReciprocalLinks(all []taskCandidate, workingPGD uint64, tasksOff int64) []taskCandidate {
	byPA := make(map[uint64]int, len(all))
	for i, c := range all {
		byPA[c.PA] = i
	}

	resolves := func(va uint64, wantPA uint64) bool {
		tr, err := e.walker.Translate(va, workingPGD)
		return err == nil && tr.PA == wantPA
	}

	linksBack := func(cand taskCandidate, va uint64, back func(taskCandidate) uint64) bool {
		tr, err := e.walker.Translate(va, workingPGD)
		if err != nil {
			return false
		}
		candTasksPA := cand.PA + uint64(tasksOff)
		if tr.PA == candTasksPA {
			// Self-loop: cand's own pointer names its own tasks field.
			return true
		}
		idx, ok := byPA[tr.PA-uint64(tasksOff)]
		if !ok {
			return false
		}
		return resolves(back(all[idx]), candTasksPA)
	}

	var kept []taskCandidate
	for _, cand := range all {
		forward := linksBack(cand, cand.TasksNext, func(o taskCandidate) uint64 { return o.TasksPrev })
		backward := linksBack(cand, cand.TasksPrev, func(o taskCandidate) uint64 { return o.TasksNext })
		if forward || backward {
			kept = append(kept, cand)
		}
	}
	return kept
}

// sampleCandidateOffsets runs the clustering sample pass described at
// clusterOffsets above, trying every 64-byte-aligned sub-slab offset
// across the first sampleSlabCount slabs until sampleHitTarget raw hits are
// found (or the sample is exhausted).
func (e *Engine) sampleCandidateOffsets(totalSize int64, tbl kconfig.Table) []uint64 {
	var hits []uint64
	slabs := totalSize / slabSize
	if slabs > sampleSlabCount {
		slabs = sampleSlabCount
	}
	objSize := int64(tbl.TaskStructSize)
	for s := int64(0); s < slabs && len(hits) < sampleHitTarget; s++ {
		base := s * slabSize
		for sub := int64(0); sub+objSize <= slabSize; sub += 64 {
			if _, ok := e.checkSignature(base+sub, tbl); ok {
				hits = append(hits, uint64(sub))
			}
		}
	}
	return clusterOffsets(hits)
}

// phase2FindTaskStructs scans guest RAM for task_struct candidates using
// SLAB-aware, clustering-derived sub-page offsets, weakly cross-validated
// against Phase 1's top-scored swapper_pg_dir candidate, then performs the
// final PGD acceptance (spec.md §4.4.1's interleaving).
func (e *Engine) phase2FindTaskStructs(ctx context.Context, r *Result, totalSize int64) error {
	r.LastPhaseName = "find-task-structs"

	offsets := e.sampleCandidateOffsets(totalSize, e.table)
	if len(offsets) == 0 {
		// No signature ever matched in the sample: fall back to the
		// spec-documented observed offsets as a last-resort hint, still
		// subject to the same signature+cross-validation checks.
		offsets = []uint64{0x0, 0x2380, 0x4700}
	}

	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	slabCount := totalSize / slabSize
	chunk := slabCount / int64(workers)
	if chunk == 0 {
		chunk = slabCount
	}

	var workingPGD uint64
	haveWorkingPGD := len(e.pgdCandidates) > 0
	if haveWorkingPGD {
		workingPGD = e.pgdCandidates[0].PA
	}

	objSize := int64(e.table.TaskStructSize)
	shardResults := make([][]taskCandidate, workers)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		start := int64(w) * chunk
		end := start + chunk
		if w == workers-1 {
			end = slabCount
		}
		g.Go(func() error {
			var shard []taskCandidate
			for s := start; s < end; s++ {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				base := s * slabSize
				for _, sub := range offsets {
					off := base + int64(sub)
					if off+objSize > totalSize {
						// B3: object would straddle past the end of mapped
						// guest RAM — pagetable_unresolved, discard rather
						// than chase it.
						continue
					}
					cand, ok := e.checkSignature(off, e.table)
					if !ok {
						continue
					}
					if haveWorkingPGD {
						if _, err := e.walker.Translate(cand.TasksNext, workingPGD); err != nil {
							continue // fails the required cross-validation probe
						}
					}
					shard = append(shard, cand)
				}
			}
			shardResults[w] = shard
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return wrapIO("phase2", err)
	}

	var all []taskCandidate
	for _, shard := range shardResults {
		all = append(all, shard...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].PA < all[j].PA })

	if haveWorkingPGD {
		if tasksOff, err := e.table.Offset(kconfig.FieldTaskTasks); err == nil {
			all = e.filterReciprocalLinks(all, workingPGD, int64(tasksOff))
		}
	}

	e.taskCandidates = all
	r.Stats.TasksAccepted = len(all)

	if len(all) == 0 {
		var merr *multierror.Error
		merr = multierror.Append(merr, ErrSignatureMismatch)
		r.Stats.Diagnostics = merr.Error()
		return nil
	}

	// Final swapper_pg_dir acceptance: probe up to 5 confirmed task_structs'
	// own kernel VAs against each remaining PGD candidate; accept the first
	// (highest-scored) candidate for which every probe succeeds.
	probeCount := 5
	if len(all) < probeCount {
		probeCount = len(all)
	}
	accepted := false
	for _, pc := range e.pgdCandidates {
		allProbesOK := true
		for i := 0; i < probeCount; i++ {
			probeVA := e.as.KernelLinearOffset() + all[i].PA
			if _, err := e.walker.Translate(probeVA, pc.PA); err != nil {
				allProbesOK = false
				break
			}
		}
		if allProbesOK {
			r.SwapperPgdPA = pc.PA
			accepted = true
			break
		}
	}
	if !accepted && r.Stats.OracleUsed && len(e.pgdCandidates) == 1 {
		// The oracle's reported TTBR1 is trusted directly even if our own
		// probe set can't validate it (e.g. too few task candidates yet).
		r.SwapperPgdPA = e.pgdCandidates[0].PA
		accepted = true
	}
	if !accepted {
		var merr *multierror.Error
		merr = multierror.Append(merr, ErrNoPGDCandidate)
		r.Stats.Diagnostics = merr.Error()
	}

	instrumentation.TasksAccepted.Add(float64(len(all)))
	return nil
}
