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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haywire-project/haywire/pkg/addrspace"
	"github.com/haywire-project/haywire/pkg/kconfig"
	"github.com/haywire-project/haywire/pkg/pagedmem"
)

const (
	fixtureGuestRAMBase = 0x40000000
	fixtureLinearOffset = 0xFFFF000000000000
	fixtureImageSize    = 1 << 20 // 1 MiB: 32 task_struct-sized slabs, 256 pages
)

func testTable() kconfig.Table {
	return kconfig.Table{
		Version:        "test-fixture",
		TaskStructSize: 0x40,
		Offsets: map[kconfig.Field]uint64{
			kconfig.FieldTaskPid:   0x00,
			kconfig.FieldTaskTgid:  0x04,
			kconfig.FieldTaskComm:  0x08,
			kconfig.FieldTaskTasks: 0x18,
			kconfig.FieldTaskMM:    0x28,
			kconfig.FieldMMPgd:     0x00,
		},
	}
}

// buildFixture writes a minimal, internally-consistent guest RAM image:
// a swapper PGD whose single kernel PUD 1GiB-blocks all of guest RAM,
// one task_struct (pid 42, "testproc") with an mm_struct pointing at a
// 4-level user page table resolving one user page.
func buildFixture(t *testing.T) (*pagedmem.Memory, *addrspace.AddressSpace, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ram.img")
	require.NoError(t, os.WriteFile(path, make([]byte, fixtureImageSize), 0o600))

	write := func(off int64, v uint64) {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], v)
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		require.NoError(t, err)
		defer f.Close()
		_, err = f.WriteAt(buf[:], off)
		require.NoError(t, err)
	}
	writeAt := func(off int64, b []byte) {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		require.NoError(t, err)
		defer f.Close()
		_, err = f.WriteAt(b, off)
		require.NoError(t, err)
	}

	const afBit = 1 << 10

	// kernelVA converts a guest-RAM physical address to the linear-map
	// kernel VA the fixture's page tables resolve it back from.
	kernelVA := func(pa uint64) uint64 { return fixtureLinearOffset + pa }

	// swapper PGD at offset 0x0000: entry0 -> kernel PUD (table); entries
	// 256 and 510 are invalid-but-nonzero filler so the page scores as a
	// plausible, sparse PGD (populated in [2,20]) without ever being
	// dereferenced as a table or block.
	write(0x0000+0*8, 0x40001000|0x3)
	write(0x0000+256*8, 0xdeadbeef00000000)
	write(0x0000+510*8, 0xdeadbeef00000000)

	// kernel PUD at 0x1000: entry1 (va bits 30..38 == 1, since guest RAM
	// starts at PA 0x40000000 == 1GiB) is a 1GiB block covering all of
	// guest RAM, mirroring a real direct/linear map (VA = offset + PA).
	write(0x1000+1*8, fixtureGuestRAMBase|0x1|afBit)

	// task_struct at file offset 0x2000 (slab 0, sub-offset 8192, 64-aligned).
	const taskOff = 0x2000
	taskPA := fixtureGuestRAMBase + uint64(taskOff)
	write(taskOff+0x00, uint64(42)|uint64(42)<<32) // pid, tgid
	writeAt(taskOff+0x08, append([]byte("testproc"), 0, 0, 0, 0, 0, 0, 0, 0))
	// tasks.next/tasks.prev form a singleton circular list, pointing at the
	// task's own list_head (tasksOff == 0x18) — the real kernel convention
	// for a one-entry list, and what the reciprocal-link cross-check expects.
	write(taskOff+0x18, kernelVA(taskPA+0x18))
	write(taskOff+0x20, kernelVA(taskPA+0x18))
	write(taskOff+0x28, kernelVA(fixtureGuestRAMBase+0x3000)) // mm

	// mm_struct at 0x3000: offset 0 is "pgd", a kernel VA naming the user PGD.
	write(0x3000, kernelVA(fixtureGuestRAMBase+0x4000))

	// user page table: PGD(0x4000) -> PUD(0x5000) -> PMD(0x6000) -> PTE(0x7000) -> page(0x8000).
	write(0x4000, 0x40005000|0x3)
	write(0x5000, 0x40006000|0x3)
	write(0x6000, 0x40007000|0x3)
	write(0x7000, 0x40008000|0x3|afBit)

	mem, err := pagedmem.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })
	return mem, addrspace.New(fixtureGuestRAMBase, fixtureLinearOffset), path
}

// End-to-end: Phase 1 through Phase 5 on a small, fully-synthetic image.
func TestEngineDiscoverEndToEnd(t *testing.T) {
	mem, as, _ := buildFixture(t)
	e := New(mem, as, testTable())

	r, err := e.Discover(context.Background(), fixtureImageSize)
	require.NoError(t, err)
	require.False(t, r.Cancelled)

	require.Equal(t, uint64(fixtureGuestRAMBase), r.SwapperPgdPA)
	require.Len(t, r.Processes, 1)

	p := r.Processes[0]
	require.Equal(t, uint32(42), p.Pid)
	require.Equal(t, "testproc", p.Comm)
	require.False(t, p.IsKernelThread)
	require.False(t, p.PageTableUnresolved)
	require.Equal(t, uint64(fixtureGuestRAMBase+0x4000), p.UserPGD)

	// Scenario/P3: the process's lone user page resolves to the fixture's
	// leaf page, and the kernel PGD walk resolves the linear-map block.
	require.Len(t, p.PTEs, 1)
	require.Equal(t, uint64(fixtureGuestRAMBase+0x8000), p.PTEs[0].PA)
	require.Equal(t, uint32(42), p.PTEs[0].Pid)

	require.Len(t, r.KernelPTEs, 1)
	require.Equal(t, uint32(0), r.KernelPTEs[0].Pid)

	// P6: the kernel PGD is unique and every kernel PTERecord reports pid 0.
	for _, rec := range r.KernelPTEs {
		require.Equal(t, uint32(0), rec.Pid)
	}

	require.NotNil(t, r.Pages)
	stats := r.Pages.Statistics()
	require.Equal(t, 2, stats.TotalPages) // the user leaf page + the kernel block's page
	require.False(t, r.Stats.Truncated)
}

// Scenario 5: a task_struct candidate with a non-printable comm is rejected
// outright, even though pid/tgid/tasks/mm all look plausible.
func TestPhase2RejectsNonPrintableComm(t *testing.T) {
	mem, as, path := buildFixture(t)

	// Corrupt comm to embedded non-ASCII bytes.
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff, 0xfe, 0xfd, 0xfc}, 0x2008)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	mem.Close()
	mem, err = pagedmem.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	e := New(mem, as, testTable())
	r, err := e.Discover(context.Background(), fixtureImageSize)
	require.NoError(t, err)
	require.Empty(t, r.Processes)
	require.Equal(t, 0, r.Stats.TasksAccepted)
}

// P7/bound: Phase 5 never exceeds MaxPTERecords even when asked to.
func TestWalkPageTableRespectsCap(t *testing.T) {
	mem, as, _ := buildFixture(t)
	e := New(mem, as, testTable())

	var recs []PTERecord
	var truncated bool
	err := e.walkPageTable(fixtureGuestRAMBase, 0, true, 0, &recs, &truncated)
	require.NoError(t, err)
	require.True(t, truncated)
	require.Empty(t, recs)
}

func TestClassifyVMA(t *testing.T) {
	require.Equal(t, VMAKernel, classifyVMA("", "r-x", true))
	require.Equal(t, VMAStack, classifyVMA("[stack]", "rw-", false))
	require.Equal(t, VMAHeap, classifyVMA("[heap]", "rw-", false))
	require.Equal(t, VMALibrary, classifyVMA("/lib/libc.so", "r-x", false))
	require.Equal(t, VMAData, classifyVMA("/usr/bin/app", "rw-", false))
	require.Equal(t, VMAAnonymous, classifyVMA("", "rw-", false))
	require.Equal(t, VMAFileBacked, classifyVMA("/data/file", "r--", false))
}

func TestPhase4SyntheticFallbackWithoutCompanion(t *testing.T) {
	mem, as, _ := buildFixture(t)
	e := New(mem, as, testTable())

	r, err := e.Discover(context.Background(), fixtureImageSize)
	require.NoError(t, err)
	require.Len(t, r.Processes[0].VMAs, 1)
	require.Equal(t, VMAAnonymous, r.Processes[0].VMAs[0].Kind)
	require.Equal(t, userHalfEnd, r.Processes[0].VMAs[0].EndVA)
}
