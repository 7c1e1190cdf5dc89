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
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/haywire-project/haywire/pkg/instrumentation"
	"github.com/haywire-project/haywire/pkg/pagecoll"
	"github.com/haywire-project/haywire/pkg/pgtable"
)

// levelShift gives each level's contribution to a reconstructed VA.
var levelShift = [4]uint{39, 30, 21, 12}

// walkPageTable enumerates every populated entry of the 4-level tree rooted
// at rootPA, in (PGD, PUD, PMD, PTE) lexicographic order, emitting one
// PTERecord per terminal entry. kernelHalf prefixes reconstructed VAs with
// the kernel mask, since index bits alone can't distinguish a kernel-half
// VA from a user one at PGD level (spec.md §4.2's SplitVA note).
func (e *Engine) walkPageTable(rootPA uint64, pid uint32, kernelHalf bool, cap int, out *[]PTERecord, truncated *bool) error {
	var recurse func(tablePA uint64, level pgtable.Level, vaPrefix uint64) error
	recurse = func(tablePA uint64, level pgtable.Level, vaPrefix uint64) error {
		off, err := e.as.PAToOffset(tablePA)
		if err != nil {
			return nil // dangling table pointer: skip silently, per §7
		}
		raw, err := e.mem.ReadBytes(off, 512*8)
		if err != nil {
			return wrapIO("phase5", err)
		}
		for i := 0; i < 512; i++ {
			if len(*out) >= cap {
				*truncated = true
				return nil
			}
			descOff := i * 8
			desc := leU64(raw[descOff : descOff+8])
			if desc&0x3 == 0 {
				continue
			}
			va := vaPrefix | (uint64(i) << levelShift[level])

			if pgtable.DescriptorIsTerminal(desc, level) {
				size := pgtable.PageSize4KiB
				switch level {
				case pgtable.LevelPUD:
					size = pgtable.PageSize1GiB
				case pgtable.LevelPMD:
					size = pgtable.PageSize2MiB
				}
				pa := pgtable.DescriptorBlockBase(desc, size)
				perms := pgtable.DescriptorPerms(desc)
				if kernelHalf {
					va |= 0xFFFF000000000000
				}
				*out = append(*out, PTERecord{VA: va, PA: pa, Perms: perms.String(), Pid: pid})
				continue
			}
			if pgtable.DescriptorIsTable(desc, level) {
				next := pgtable.DescriptorNextTablePA(desc)
				if _, err := e.as.PAToOffset(next); err != nil {
					continue // dangling, skip
				}
				if err := recurse(next, level+1, va); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return recurse(rootPA, pgtable.LevelPGD, 0)
}

func leU64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

// phase5WalkPTEs walks every process's user PGD plus the kernel PGD once,
// populating a pagecoll.Builder, per spec.md §4.4.5. Each tree is one
// independent unit of work handed to the worker pool, per spec.md §5's
// partitioning discipline; results are merged into one Builder at the end.
func (e *Engine) phase5WalkPTEs(ctx context.Context, r *Result) error {
	r.LastPhaseName = "walk-ptes"

	type job struct {
		rootPA     uint64
		pid        uint32
		kernelHalf bool
	}
	var jobs []job
	for i := range r.Processes {
		p := &r.Processes[i]
		if p.IsKernelThread || p.PageTableUnresolved || p.UserPGD == 0 {
			continue
		}
		jobs = append(jobs, job{rootPA: p.UserPGD, pid: p.Pid})
	}
	jobs = append(jobs, job{rootPA: r.SwapperPgdPA, pid: 0, kernelHalf: true})

	workers := runtime.GOMAXPROCS(0)
	if workers > len(jobs) {
		workers = len(jobs)
	}
	if workers < 1 {
		workers = 1
	}

	// Each job walks independently, bounded only by MaxPTERecords on its own
	// tree (a single tree can't itself hold more than a few hundred million
	// entries in practice). The global cap across all jobs combined is
	// enforced afterward, once every job's own count is known — avoiding a
	// live shared counter workers would have to synchronize on mid-walk.
	pteLists := make([][]PTERecord, len(jobs))
	jobTruncated := make([]bool, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, workers)
	for idx, j := range jobs {
		idx, j := idx, j
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			select {
			case <-gctx.Done():
				return nil
			default:
			}

			var recs []PTERecord
			var truncated bool
			if err := e.walkPageTable(j.rootPA, j.pid, j.kernelHalf, MaxPTERecords, &recs, &truncated); err != nil {
				return err
			}
			pteLists[idx] = recs
			jobTruncated[idx] = truncated
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return wrapIO("phase5", err)
	}

	final := pagecoll.NewBuilder()
	var totalPTEs uint64
	truncatedAny := false
	for idx, recs := range pteLists {
		if jobTruncated[idx] {
			truncatedAny = true
		}
		if totalPTEs >= MaxPTERecords {
			truncatedAny = true
			recs = nil
		} else if remaining := MaxPTERecords - totalPTEs; uint64(len(recs)) > remaining {
			truncatedAny = true
			recs = recs[:remaining]
		}
		pteLists[idx] = recs
		totalPTEs += uint64(len(recs))

		for _, rec := range recs {
			final.Insert(rec.PA, pagecoll.Reference{
				Pid:   rec.Pid,
				Kind:  pagecoll.RefPTE,
				VA:    rec.VA,
				Perms: rec.Perms,
			})
		}

		j := jobs[idx]
		if j.kernelHalf {
			r.KernelPTEs = recs
			continue
		}
		for pi := range r.Processes {
			if r.Processes[pi].Pid == j.pid {
				r.Processes[pi].PTEs = recs
				break
			}
		}
	}

	r.Stats.PTEsEmitted = totalPTEs
	r.Stats.Truncated = truncatedAny
	r.Pages = final.Freeze()
	instrumentation.PTEsEmitted.Add(float64(totalPTEs))
	if truncatedAny {
		instrumentation.Truncated.Set(1)
	}
	return nil
}
