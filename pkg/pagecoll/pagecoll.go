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

// Package pagecoll is the inverted physical-page-number → references index.
// A Builder is the single writer during one discovery pass; Builder.Freeze
// produces an immutable Collection whose query methods take no locks.
package pagecoll

import (
	"fmt"
	"sort"
)

const pageShift = 12

// RefKind distinguishes a raw PTE reference from a coarser VMA-section
// reference over the same page.
type RefKind int

const (
	RefPTE RefKind = iota
	RefSection
)

func (k RefKind) String() string {
	if k == RefSection {
		return "section"
	}
	return "pte"
}

// Reference is one (pid, va, perms, ...) fact about a physical page.
type Reference struct {
	Pid     uint32
	Comm    string
	Kind    RefKind
	VA      uint64
	Perms   string
	Section string // section kind, only meaningful when Kind == RefSection
	Size    uint64 // only meaningful when Kind == RefSection
}

// Entry is everything known about one physical page after discovery.
type Entry struct {
	PageNumber uint64
	References []Reference
	IsKernel   bool
	IsShared   bool
	IsZero     bool
}

// Statistics summarizes a frozen Collection.
type Statistics struct {
	TotalPages      int
	TotalReferences int
	Shared          int
	Kernel          int
	Zero            int
	UniqueProcesses int
}

// Builder accumulates references during one discovery pass. It is not safe
// for concurrent use by multiple writers; Merge folds a separately built
// shard into it. Discovery's Phase 5 fills a single Builder sequentially
// once its page-table walkers have finished.
type Builder struct {
	entries map[uint64]*Entry
}

// NewBuilder constructs an empty Builder.
func NewBuilder() *Builder {
	return &Builder{entries: make(map[uint64]*Entry)}
}

// Insert appends ref to the entry for pa's containing page, masking pa to
// 4 KiB alignment. O(1) amortized.
func (b *Builder) Insert(pa uint64, ref Reference) {
	pn := pa >> pageShift
	e, ok := b.entries[pn]
	if !ok {
		e = &Entry{PageNumber: pn}
		b.entries[pn] = e
	}
	e.References = append(e.References, ref)
}

// Merge folds other's entries into b, appending reference lists for shared
// page numbers. other is left usable but should not be reused by its
// original owner after a merge.
func (b *Builder) Merge(other *Builder) {
	for pn, e := range other.entries {
		existing, ok := b.entries[pn]
		if !ok {
			b.entries[pn] = e
			continue
		}
		existing.References = append(existing.References, e.References...)
	}
}

// Len reports how many distinct pages have at least one reference so far.
func (b *Builder) Len() int { return len(b.entries) }

// Freeze derives is_shared/is_kernel flags for every entry in a single pass
// and returns an immutable, lock-free Collection. The Builder must not be
// used afterward. is_zero is not derived: IsZero stays false, so
// Statistics.Zero is always 0.
func (b *Builder) Freeze() *Collection {
	pageNumbers := make([]uint64, 0, len(b.entries))
	stats := Statistics{}
	processSet := make(map[uint32]struct{})

	for pn, e := range b.entries {
		pageNumbers = append(pageNumbers, pn)
		pids := make(map[uint32]struct{})
		for _, ref := range e.References {
			pids[ref.Pid] = struct{}{}
			processSet[ref.Pid] = struct{}{}
			if ref.Pid == 0 || ref.Section == "kernel" {
				e.IsKernel = true
			}
		}
		e.IsShared = len(pids) >= 2
		stats.TotalReferences += len(e.References)
		if e.IsShared {
			stats.Shared++
		}
		if e.IsKernel {
			stats.Kernel++
		}
		if e.IsZero {
			stats.Zero++
		}
	}
	sort.Slice(pageNumbers, func(i, j int) bool { return pageNumbers[i] < pageNumbers[j] })

	stats.TotalPages = len(pageNumbers)
	stats.UniqueProcesses = len(processSet)

	return &Collection{
		entries:     b.entries,
		pageNumbers: pageNumbers,
		stats:       stats,
	}
}

// Collection is the frozen, read-only inverted index. Every method is safe
// for concurrent callers without synchronization.
type Collection struct {
	entries     map[uint64]*Entry
	pageNumbers []uint64
	stats       Statistics
}

// Get returns the Entry for pa's containing page, masking to 4 KiB
// alignment, or false if no reference was ever inserted for it.
func (c *Collection) Get(pa uint64) (*Entry, bool) {
	e, ok := c.entries[pa>>pageShift]
	return e, ok
}

// References returns the reference list for pa's page, or nil.
func (c *Collection) References(pa uint64) []Reference {
	e, ok := c.Get(pa)
	if !ok {
		return nil
	}
	return e.References
}

// ProcessPages returns every physical page number referenced by pid, sorted
// ascending.
func (c *Collection) ProcessPages(pid uint32) []uint64 {
	var out []uint64
	for _, pn := range c.pageNumbers {
		e := c.entries[pn]
		for _, ref := range e.References {
			if ref.Pid == pid {
				out = append(out, pn)
				break
			}
		}
	}
	return out
}

// SharedPages returns every Entry whose reference set spans ≥2 distinct
// pids, in ascending page-number order.
func (c *Collection) SharedPages() []*Entry {
	var out []*Entry
	for _, pn := range c.pageNumbers {
		if e := c.entries[pn]; e.IsShared {
			out = append(out, e)
		}
	}
	return out
}

// KernelPages returns every Entry with IsKernel set, in ascending
// page-number order.
func (c *Collection) KernelPages() []*Entry {
	var out []*Entry
	for _, pn := range c.pageNumbers {
		if e := c.entries[pn]; e.IsKernel {
			out = append(out, e)
		}
	}
	return out
}

// Statistics returns the summary computed at Freeze time.
func (c *Collection) Statistics() Statistics {
	return c.stats
}

// Tooltip renders a short human-readable description of pa's page, for the
// out-of-scope GUI layer.
func (c *Collection) Tooltip(pa uint64) string {
	e, ok := c.Get(pa)
	if !ok {
		return fmt.Sprintf("page %#x: no references", pa>>pageShift<<pageShift)
	}
	pids := make(map[uint32]struct{})
	for _, ref := range e.References {
		pids[ref.Pid] = struct{}{}
	}
	kind := "private"
	if e.IsShared {
		kind = "shared"
	}
	if e.IsKernel {
		kind = "kernel"
	}
	return fmt.Sprintf("page %#x: %s, %d reference(s), %d process(es)",
		e.PageNumber<<pageShift, kind, len(e.References), len(pids))
}
