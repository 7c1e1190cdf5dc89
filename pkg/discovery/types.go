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
	"errors"

	"github.com/haywire-project/haywire/pkg/pagecoll"
)

// ErrKind classifies a recoverable discovery error, folded into Stats
// rather than propagated. Only ErrIOFailure (and context cancellation)
// ever escape Engine.Discover.
type ErrKind int

const (
	ErrKindInvalidDescriptor ErrKind = iota
	ErrKindSignatureMismatch
	ErrKindInsufficientData
)

// Sentinel errors checked with errors.Is at the few points that need to
// distinguish one recoverable cause from another (mainly tests).
var (
	ErrSignatureMismatch = errors.New("discovery: task_struct signature mismatch")
	ErrNoPGDCandidate    = errors.New("discovery: no swapper_pg_dir candidate accepted")
	ErrIOFailure         = errors.New("discovery: guest RAM read failed")
)

// VMAKind classifies one memory section the way spec.md §4.4.4 describes.
type VMAKind int

const (
	VMACode VMAKind = iota
	VMAData
	VMAHeap
	VMAStack
	VMALibrary
	VMAAnonymous
	VMAKernel
	VMAFileBacked
)

func (k VMAKind) String() string {
	switch k {
	case VMACode:
		return "code"
	case VMAData:
		return "data"
	case VMAHeap:
		return "heap"
	case VMAStack:
		return "stack"
	case VMALibrary:
		return "library"
	case VMAAnonymous:
		return "anonymous"
	case VMAKernel:
		return "kernel"
	case VMAFileBacked:
		return "file-backed"
	default:
		return "unknown"
	}
}

// VMA is one memory section attached to a Process.
type VMA struct {
	StartVA  uint64
	EndVA    uint64
	Perms    string
	Kind     VMAKind
	Backing  string // optional backing-file identifier
}

// PTERecord is one terminal translation discovered while walking a
// process's (or the kernel's) page tables.
type PTERecord struct {
	VA    uint64
	PA    uint64
	Perms string
	Pid   uint32 // 0 = kernel
}

// Process is one discovered task_struct's full picture.
type Process struct {
	Pid                uint32
	Tgid               uint32
	Comm               string
	IsKernelThread     bool
	TaskStructPA       uint64
	MMStructPA         uint64
	UserPGD            uint64
	VMAs               []VMA
	PTEs               []PTERecord
	PageTableUnresolved bool
}

// Stats summarizes one discovery pass's recoverable-error counts and
// coverage, per spec.md §7/§8.
type Stats struct {
	PagesScanned       uint64
	CandidatesScored   int
	TasksAccepted      int
	TasksRejected      int
	PTEsEmitted        uint64
	InvalidDescriptors uint64
	Truncated          bool
	OracleAvailable    bool
	OracleUsed         bool
	CompanionAvailable bool
	Diagnostics        string // non-fatal summary of recoverable causes, if any phase found nothing
}

// Result is the single output of one discovery pass.
type Result struct {
	SwapperPgdPA  uint64
	Processes     []Process
	KernelPTEs    []PTERecord
	Pages         *pagecoll.Collection
	Stats         Stats
	Cancelled     bool
	LastPhaseName string

	// builder is not set or read by any phase; phase 5 builds Pages from a
	// Builder local to phase5WalkPTEs.
	builder *pagecoll.Builder
}

// PhaseFunc is one discrete, boundedly-sized unit of discovery work a
// driver.Driver can Step through independently.
type PhaseFunc func(ctx context.Context, r *Result) error
