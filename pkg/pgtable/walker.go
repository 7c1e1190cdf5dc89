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

// Package pgtable walks ARM64 4-level (PGD/PUD/PMD/PTE) page tables, 4KiB
// pages, 48-bit VAs, against a guest RAM image. It is purely functional: a
// Walker holds nothing beyond its pagedmem/addrspace handles and is safe
// for any number of concurrent Translate calls.
package pgtable

import (
	"fmt"

	"github.com/haywire-project/haywire/pkg/addrspace"
	"github.com/haywire-project/haywire/pkg/pagedmem"
)

// Level names the page-table level a translation terminated at.
type Level int

const (
	LevelPGD Level = iota
	LevelPUD
	LevelPMD
	LevelPTE
)

func (l Level) String() string {
	switch l {
	case LevelPGD:
		return "PGD"
	case LevelPUD:
		return "PUD"
	case LevelPMD:
		return "PMD"
	case LevelPTE:
		return "PTE"
	default:
		return "?"
	}
}

// Perm is a bitmask of the access permissions recovered from a descriptor's
// attribute bits.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

func (p Perm) String() string {
	r, w, x := "-", "-", "-"
	if p&PermRead != 0 {
		r = "R"
	}
	if p&PermWrite != 0 {
		w = "W"
	}
	if p&PermExec != 0 {
		x = "X"
	}
	return r + w + x
}

// PageSize is the granularity a translation resolved at.
type PageSize uint64

const (
	PageSize4KiB PageSize = 1 << 12
	PageSize2MiB PageSize = 1 << 21
	PageSize1GiB PageSize = 1 << 30
)

// Translation is the immutable result of one successful Translate call.
type Translation struct {
	PA       uint64
	Perms    Perm
	PageSize PageSize
	Level    Level
}

// FaultKind classifies why a translation failed.
type FaultKind int

const (
	FaultInvalid  FaultKind = iota // descriptor's low two bits are 0b00
	FaultDangling                  // resulting PA lies outside guest RAM
)

// Fault is returned by Translate on failure; it is never a panic or a
// propagated pagedmem I/O error unless the underlying read itself failed.
type Fault struct {
	Kind  FaultKind
	Level Level
	VA    uint64
}

func (f *Fault) Error() string {
	return fmt.Sprintf("pgtable: fault %v at %s level translating va %#x", f.Kind, f.Level, f.VA)
}

func (k FaultKind) String() string {
	if k == FaultInvalid {
		return "invalid-descriptor"
	}
	return "dangling-descriptor"
}

const (
	descValidMask  = 0x3
	descBlockBits  = 0x1 // low bits == 0b01: block (terminal) descriptor
	descTableBits  = 0x3 // low bits == 0b11: table descriptor, keep walking
	descAddrMask   = 0x0000fffffffff000 // bits 47..12
	apReadOnlyBit  = 1 << 7             // AP[2]
	apUnprivBit    = 1 << 6             // AP[1], unused for R/W/X derivation here
	uxnBit         = 1 << 54
	pxnBit         = 1 << 53
	afBit          = 1 << 10
	maxWalkLevels  = 4
)

// Walker translates virtual addresses through a supplied PGD physical
// address, against one guest RAM image.
type Walker struct {
	mem *pagedmem.Memory
	as  *addrspace.AddressSpace
}

// New constructs a Walker over mem, using as to convert between physical
// addresses and file offsets.
func New(mem *pagedmem.Memory, as *addrspace.AddressSpace) *Walker {
	return &Walker{mem: mem, as: as}
}

// Translate walks va through the 4-level table rooted at pgdPA and returns
// the resulting physical address, permissions, and terminating level and
// page size.
func (w *Walker) Translate(va uint64, pgdPA uint64) (Translation, error) {
	idx := w.as.SplitVA(va)
	indices := []uint64{idx.PGD, idx.PUD, idx.PMD, idx.PTE}
	levels := []Level{LevelPGD, LevelPUD, LevelPMD, LevelPTE}

	tablePA := pgdPA
	for depth := 0; depth < maxWalkLevels; depth++ {
		if depth >= len(indices) {
			// Programming error per spec.md §4.3: more than 4 levels.
			return Translation{}, fmt.Errorf("pgtable: walk exceeded %d levels for va %#x", maxWalkLevels, va)
		}
		level := levels[depth]
		desc, err := w.readDescriptor(tablePA, indices[depth])
		if err != nil {
			return Translation{}, &Fault{Kind: FaultDangling, Level: level, VA: va}
		}

		switch desc & descValidMask {
		case 0x0:
			return Translation{}, &Fault{Kind: FaultInvalid, Level: level, VA: va}
		case descBlockBits:
			if level != LevelPUD && level != LevelPMD {
				// 0b01 only names a block descriptor at PUD/PMD; at PGD and
				// PTE it is not a valid encoding.
				return Translation{}, &Fault{Kind: FaultInvalid, Level: level, VA: va}
			}
			size := PageSize1GiB
			if level == LevelPMD {
				size = PageSize2MiB
			}
			return w.terminalTranslation(desc, va, size, level)
		case descTableBits:
			if level == LevelPTE {
				return w.terminalTranslation(desc, va, PageSize4KiB, LevelPTE)
			}
			next := desc & descAddrMask
			if !w.inGuestRAM(next) {
				return Translation{}, &Fault{Kind: FaultDangling, Level: level, VA: va}
			}
			tablePA = next
		default:
			return Translation{}, &Fault{Kind: FaultInvalid, Level: level, VA: va}
		}
	}
	return Translation{}, &Fault{Kind: FaultInvalid, Level: LevelPTE, VA: va}
}

// terminalTranslation combines a block/page descriptor's base address with
// the low VA bits for its granule, validates the result lies in guest RAM,
// and extracts permissions.
func (w *Walker) terminalTranslation(desc, va uint64, size PageSize, level Level) (Translation, error) {
	lowBits := uint64(size) - 1
	base := desc & descAddrMask &^ lowBits
	pa := base | (va & lowBits)
	if !w.inGuestRAM(pa) {
		return Translation{}, &Fault{Kind: FaultDangling, Level: level, VA: va}
	}
	return Translation{
		PA:       pa,
		Perms:    permsFromDescriptor(desc),
		PageSize: size,
		Level:    level,
	}, nil
}

func permsFromDescriptor(desc uint64) Perm {
	var p Perm
	if desc&afBit == 0 {
		// Access flag clear: the architecture would fault and let the OS
		// set it lazily. Treat as present-but-unaccessed; still readable.
	}
	readOnly := desc&apReadOnlyBit != 0
	if readOnly {
		p |= PermRead
	} else {
		p |= PermRead | PermWrite
	}
	if desc&uxnBit == 0 || desc&pxnBit == 0 {
		p |= PermExec
	}
	return p
}

// DescriptorPerms exposes the same permission-bit parsing Translate uses,
// for callers enumerating whole page tables rather than one VA at a time
// (see discovery's Phase 5 PTE walk).
func DescriptorPerms(desc uint64) Perm { return permsFromDescriptor(desc) }

// DescriptorIsTerminal reports whether desc terminates translation at
// level: a PTE-level table-bit page entry, or a PUD/PMD block descriptor.
func DescriptorIsTerminal(desc uint64, level Level) bool {
	switch desc & descValidMask {
	case descTableBits:
		return level == LevelPTE
	case descBlockBits:
		return level == LevelPUD || level == LevelPMD
	default:
		return false
	}
}

// DescriptorIsTable reports whether desc is a non-terminal table descriptor
// at level (valid at PGD/PUD/PMD only).
func DescriptorIsTable(desc uint64, level Level) bool {
	return desc&descValidMask == descTableBits && level != LevelPTE
}

// DescriptorNextTablePA extracts the next-level table's physical address
// from a table descriptor.
func DescriptorNextTablePA(desc uint64) uint64 { return desc & descAddrMask }

// DescriptorBlockBase extracts a block/page descriptor's base physical
// address, masked down to size's granule.
func DescriptorBlockBase(desc uint64, size PageSize) uint64 {
	return desc & descAddrMask &^ (uint64(size) - 1)
}

func (w *Walker) readDescriptor(tablePA uint64, index uint64) (uint64, error) {
	offset, err := w.as.PAToOffset(tablePA + index*8)
	if err != nil {
		return 0, err
	}
	return w.mem.ReadU64LE(offset)
}

func (w *Walker) inGuestRAM(pa uint64) bool {
	offset, err := w.as.PAToOffset(pa)
	if err != nil {
		return false
	}
	return offset >= 0 && offset < w.mem.TotalSize()
}
