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

// Package companion reads the optional in-guest companion's beacon pages.
// The companion protocol is out of scope in full (see spec's non-goals for
// the companion daemon itself) — this package only locates and parses the
// beacon pages the core consumes: the PID-list block and the round-robin
// VMA block. Everything read here is a hint; discovery never treats it as
// ground truth.
package companion

import (
	"encoding/binary"
	"fmt"

	"github.com/haywire-project/haywire/pkg/log"
	"github.com/haywire-project/haywire/pkg/pagedmem"
)

var compLog = log.Get("companion")

// Magic identifies a beacon page's first four bytes, little-endian.
const Magic uint32 = 0x3142FACE

// Block types carried by the beacon protocol.
const (
	BlockPIDList    uint32 = 1
	BlockRoundRobin uint32 = 2
)

const headerSize = 36

// Header is the fixed 36-byte beacon page header: 32 bytes of fields
// followed by a checksum over those 32 bytes.
type Header struct {
	Magic      uint32
	BlockType  uint32
	BlockID    uint32
	PageIndex  uint32
	Generation uint32
	DataSize   uint32
	Timestamp  uint64
	Checksum   uint32
}

// ProcessHint is one round-robin-block entry: a companion-reported process
// and the VMAs it claims to own. Discovery treats every field as advisory.
type ProcessHint struct {
	Pid  uint32
	Comm string
	VMAs []VMAHint
}

// VMAHint is one companion-reported memory section.
type VMAHint struct {
	StartVA uint64
	EndVA   uint64
	Perms   string
	Path    string
}

// Reader locates and decodes companion beacon pages over a pagedmem.Memory.
type Reader interface {
	Locate(mem *pagedmem.Memory) (*Header, error)
	PIDList() ([]uint32, error)
	RoundRobinBlock() ([]ProcessHint, error)
}

// reader is the default Reader: it scans guest RAM for the magic once, then
// answers block queries by re-scanning for the matching block type. A real
// companion republishes pages continuously; haywire only ever takes one
// snapshot per call.
type reader struct {
	mem    *pagedmem.Memory
	master *Header
}

// NewReader constructs a Reader bound to mem. Locate must be called before
// PIDList or RoundRobinBlock.
func NewReader(mem *pagedmem.Memory) Reader {
	return &reader{mem: mem}
}

func checksum(header []byte) uint32 {
	var sum uint32
	for i := 0; i+4 <= len(header); i += 4 {
		sum += binary.LittleEndian.Uint32(header[i : i+4])
	}
	return sum
}

// parseHeader decodes raw's leading headerSize bytes and validates both the
// magic and the checksum over the 32 bytes preceding it, rejecting a magic
// match scattered coincidentally in RAM that doesn't carry a real header.
func parseHeader(raw []byte) (Header, bool) {
	if len(raw) < headerSize {
		return Header{}, false
	}
	h := Header{
		Magic:      binary.LittleEndian.Uint32(raw[0:4]),
		BlockType:  binary.LittleEndian.Uint32(raw[4:8]),
		BlockID:    binary.LittleEndian.Uint32(raw[8:12]),
		PageIndex:  binary.LittleEndian.Uint32(raw[12:16]),
		Generation: binary.LittleEndian.Uint32(raw[16:20]),
		DataSize:   binary.LittleEndian.Uint32(raw[20:24]),
		Timestamp:  binary.LittleEndian.Uint64(raw[24:32]),
		Checksum:   binary.LittleEndian.Uint32(raw[32:36]),
	}
	if h.Magic != Magic {
		return Header{}, false
	}
	if checksum(raw[0:32]) != h.Checksum {
		return Header{}, false
	}
	return h, true
}

// Locate scans guest RAM page by page for the first valid beacon header and
// caches it as the master beacon.
func (r *reader) Locate(mem *pagedmem.Memory) (*Header, error) {
	const pageSize = 4096
	total := mem.TotalSize()
	for off := int64(0); off+pageSize <= total; off += pageSize {
		raw, err := mem.ReadBytes(off, headerSize)
		if err != nil {
			continue
		}
		if h, ok := parseHeader(raw); ok {
			compLog.Infof("beacon located at offset %#x (block_type=%d)", off, h.BlockType)
			r.mem = mem
			r.master = &h
			return &h, nil
		}
	}
	return nil, fmt.Errorf("companion: no beacon page found")
}

// PIDList decodes the PID-list block: a flat little-endian uint32 array
// immediately following the block's header, DataSize bytes long.
func (r *reader) PIDList() ([]uint32, error) {
	if r.master == nil {
		return nil, fmt.Errorf("companion: Locate not called")
	}
	_, payload, err := r.scanForBlock(BlockPIDList)
	if err != nil {
		return nil, err
	}
	n := len(payload) / 4
	pids := make([]uint32, n)
	for i := 0; i < n; i++ {
		pids[i] = binary.LittleEndian.Uint32(payload[i*4 : i*4+4])
	}
	return pids, nil
}

// RoundRobinBlock decodes the round-robin block's sequence of ProcessHint
// entries, each a pid, a length-prefixed comm string, and a length-prefixed
// list of length-prefixed VMAHints.
func (r *reader) RoundRobinBlock() ([]ProcessHint, error) {
	if r.master == nil {
		return nil, fmt.Errorf("companion: Locate not called")
	}
	_, payload, err := r.scanForBlock(BlockRoundRobin)
	if err != nil {
		return nil, err
	}
	return decodeRoundRobin(payload)
}

// scanForBlock re-scans guest RAM page by page for the first page whose
// header passes parseHeader and names blockType, returning its header and
// payload (the DataSize bytes following the header within that page).
func (r *reader) scanForBlock(blockType uint32) (Header, []byte, error) {
	const pageSize = 4096
	total := r.mem.TotalSize()
	for off := int64(0); off+pageSize <= total; off += pageSize {
		raw, err := r.mem.ReadBytes(off, pageSize)
		if err != nil {
			continue
		}
		h, ok := parseHeader(raw)
		if !ok || h.BlockType != blockType {
			continue
		}
		end := headerSize + int(h.DataSize)
		if end > len(raw) {
			continue // DataSize claims more than the page holds: corrupt, keep looking
		}
		return h, raw[headerSize:end], nil
	}
	return Header{}, nil, fmt.Errorf("companion: no %s block found in this image", blockName(blockType))
}

func blockName(blockType uint32) string {
	switch blockType {
	case BlockPIDList:
		return "PID-list"
	case BlockRoundRobin:
		return "round-robin"
	default:
		return "unknown"
	}
}

// decodeRoundRobin walks payload as a back-to-back sequence of ProcessHint
// entries until it is exhausted, bounds-checking every field so a corrupt
// or truncated payload returns an error instead of panicking.
func decodeRoundRobin(payload []byte) ([]ProcessHint, error) {
	var hints []ProcessHint
	pos := 0

	need := func(n int) error {
		if pos+n > len(payload) {
			return fmt.Errorf("companion: truncated round-robin entry at byte %d", pos)
		}
		return nil
	}
	readU8 := func() (uint8, error) {
		if err := need(1); err != nil {
			return 0, err
		}
		v := payload[pos]
		pos++
		return v, nil
	}
	readU16 := func() (uint16, error) {
		if err := need(2); err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint16(payload[pos : pos+2])
		pos += 2
		return v, nil
	}
	readU32 := func() (uint32, error) {
		if err := need(4); err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint32(payload[pos : pos+4])
		pos += 4
		return v, nil
	}
	readU64 := func() (uint64, error) {
		if err := need(8); err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint64(payload[pos : pos+8])
		pos += 8
		return v, nil
	}
	readString16 := func() (string, error) {
		n, err := readU16()
		if err != nil {
			return "", err
		}
		if err := need(int(n)); err != nil {
			return "", err
		}
		s := string(payload[pos : pos+int(n)])
		pos += int(n)
		return s, nil
	}

	for pos < len(payload) {
		pid, err := readU32()
		if err != nil {
			return nil, err
		}
		comm, err := readString16()
		if err != nil {
			return nil, err
		}
		vmaCount, err := readU16()
		if err != nil {
			return nil, err
		}
		hint := ProcessHint{Pid: pid, Comm: comm}
		for i := 0; i < int(vmaCount); i++ {
			startVA, err := readU64()
			if err != nil {
				return nil, err
			}
			endVA, err := readU64()
			if err != nil {
				return nil, err
			}
			permsLen, err := readU8()
			if err != nil {
				return nil, err
			}
			if err := need(int(permsLen)); err != nil {
				return nil, err
			}
			perms := string(payload[pos : pos+int(permsLen)])
			pos += int(permsLen)
			path, err := readString16()
			if err != nil {
				return nil, err
			}
			hint.VMAs = append(hint.VMAs, VMAHint{
				StartVA: startVA,
				EndVA:   endVA,
				Perms:   perms,
				Path:    path,
			})
		}
		hints = append(hints, hint)
	}
	return hints, nil
}
