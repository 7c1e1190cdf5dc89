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
	"encoding/binary"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/haywire-project/haywire/pkg/instrumentation"
)

const pageSize4K = 4096

// pgdCandidate is one scored page considered as swapper_pg_dir. Final
// acceptance is deferred to the end of Phase 2, per spec.md §4.4.1's
// interleaving note: a PGD candidate is only confirmed once it translates
// confirmed task_structs' own kernel VAs.
type pgdCandidate struct {
	PA    uint64
	Score int
}

// maxPGDCandidates bounds how many top-scored candidates Phase 2 probes
// against, so a pathological image can't turn validation into an O(pages)
// scan.
const maxPGDCandidates = 8

// scorePage scores one 4 KiB page viewed as 512 little-endian descriptors,
// per spec.md §4.4.1's scoring table. ok is false if the page must be
// rejected outright (too dense or too sparse to be a PGD).
func scorePage(page []byte) (score int, ok bool) {
	if len(page) != pageSize4K {
		return 0, false
	}
	var descs [512]uint64
	populated := 0
	for i := 0; i < 512; i++ {
		d := binary.LittleEndian.Uint64(page[i*8 : i*8+8])
		descs[i] = d
		if d != 0 {
			populated++
		}
	}
	if populated < 2 || populated > 20 {
		return 0, false
	}

	score = 0
	if descs[0]&0x1 != 0 {
		// Entry 0 populated (table or block): the contiguous-PUD bonus, if
		// entry 0 is a table descriptor, is applied separately by
		// pudContiguityBonus since it needs a pagedmem handle to dereference.
		score++
	}
	if descs[256] != 0 {
		score++
	}
	highPopulated := false
	for i := 500; i < 512; i++ {
		if descs[i] != 0 {
			highPopulated = true
			break
		}
	}
	if highPopulated {
		score++
	}
	userEntries := 0
	kernelEntries := 0
	for i := 0; i < 256; i++ {
		if descs[i] != 0 {
			userEntries++
		}
	}
	for i := 256; i < 512; i++ {
		if descs[i] != 0 {
			kernelEntries++
		}
	}
	if userEntries == 1 {
		score++
	}
	if kernelEntries >= 2 {
		score++
	}
	return score, true
}

// pudContiguityBonus checks entry 0's PUD (if it is a table descriptor) for
// contiguous population from PUD[0], awarding +3 per spec.md §4.4.1.
func (e *Engine) pudContiguityBonus(entry0 uint64) int {
	if entry0&0x3 != 0x3 {
		return 0
	}
	pudPA := entry0 &^ 0xfff & 0x0000fffffffff000
	off, err := e.as.PAToOffset(pudPA)
	if err != nil {
		return 0
	}
	raw, err := e.mem.ReadBytes(off, pageSize4K)
	if err != nil {
		return 0
	}
	count := 0
	for i := 0; i < 512; i++ {
		if binary.LittleEndian.Uint64(raw[i*8:i*8+8]) != 0 {
			count++
		} else {
			break
		}
	}
	switch count {
	case 1, 2, 4, 6, 8, 16, 32:
		return 3
	default:
		return 0
	}
}

// phase1FindSwapperPgd scans guest RAM for swapper_pg_dir candidates, or
// short-circuits via the optional oracle. It never accepts a final PGD by
// itself — see phase2's probe-validation step.
func (e *Engine) phase1FindSwapperPgd(ctx context.Context, r *Result, totalSize int64) error {
	r.LastPhaseName = "find-swapper-pgd"

	if e.oracle != nil {
		info, err := e.oracle.QueryKernelInfo(ctx, 0)
		if err == nil {
			r.Stats.OracleAvailable = true
			r.Stats.OracleUsed = true
			pgd := info.TTBR1 &^ 0xfff
			e.pgdCandidates = []pgdCandidate{{PA: pgd, Score: 1 << 30}}
			engLog.Infof("oracle short-circuit: swapper_pg_dir=%#x", pgd)
			instrumentation.OracleAvailable.Set(1)
			return nil
		}
		instrumentation.OracleAvailable.Set(0)
	}

	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	pageCount := totalSize / pageSize4K
	chunk := pageCount / int64(workers)
	if chunk == 0 {
		chunk = pageCount
	}

	shardResults := make([][]pgdCandidate, workers)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		start := int64(w) * chunk
		end := start + chunk
		if w == workers-1 {
			end = pageCount
		}
		g.Go(func() error {
			var shard []pgdCandidate
			for p := start; p < end; p++ {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				off := p * pageSize4K
				raw, err := e.mem.ReadBytes(off, pageSize4K)
				if err != nil {
					continue
				}
				score, ok := scorePage(raw)
				if !ok {
					continue
				}
				entry0 := binary.LittleEndian.Uint64(raw[0:8])
				score += e.pudContiguityBonus(entry0)
				pa := e.as.OffsetToPA(off)
				shard = append(shard, pgdCandidate{PA: pa, Score: score})
				instrumentation.PagesScanned.Inc()
			}
			shardResults[w] = shard
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil // cooperative cancellation, handled by caller
		}
		return wrapIO("phase1", err)
	}

	var all []pgdCandidate
	for _, shard := range shardResults {
		all = append(all, shard...)
		r.Stats.PagesScanned += uint64(len(shard))
	}
	// Stable: shards are concatenated in ascending file-offset order, so
	// equal scores keep the lowest offset first.
	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > maxPGDCandidates {
		all = all[:maxPGDCandidates]
	}
	r.Stats.CandidatesScored = len(all)
	e.pgdCandidates = all
	return nil
}
