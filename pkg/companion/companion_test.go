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

package companion

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haywire-project/haywire/pkg/pagedmem"
)

// writeHeader encodes a valid, checksummed header for payload at buf[off:],
// leaving the payload bytes themselves for the caller to fill in.
func writeHeader(buf []byte, off int, blockType uint32, dataSize uint32) {
	binary.LittleEndian.PutUint32(buf[off:], Magic)
	binary.LittleEndian.PutUint32(buf[off+4:], blockType)
	binary.LittleEndian.PutUint32(buf[off+8:], 1)  // BlockID
	binary.LittleEndian.PutUint32(buf[off+12:], 0) // PageIndex
	binary.LittleEndian.PutUint32(buf[off+16:], 1) // Generation
	binary.LittleEndian.PutUint32(buf[off+20:], dataSize)
	binary.LittleEndian.PutUint64(buf[off+24:], 123456789) // Timestamp
	binary.LittleEndian.PutUint32(buf[off+32:], checksum(buf[off:off+32]))
}

func writeBeaconImage(t *testing.T, beaconPageIndex int) string {
	t.Helper()
	buf := make([]byte, 8*4096)
	writeHeader(buf, beaconPageIndex*4096, BlockPIDList, 64)

	path := filepath.Join(t.TempDir(), "ram.img")
	require.NoError(t, os.WriteFile(path, buf, 0o600))
	return path
}

func TestLocateFindsBeaconPage(t *testing.T) {
	path := writeBeaconImage(t, 3)
	mem, err := pagedmem.Open(path)
	require.NoError(t, err)
	defer mem.Close()

	r := NewReader(mem)
	h, err := r.Locate(mem)
	require.NoError(t, err)
	require.Equal(t, Magic, h.Magic)
	require.Equal(t, BlockPIDList, h.BlockType)
}

func TestLocateNoBeaconIsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ram.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096*4), 0o600))
	mem, err := pagedmem.Open(path)
	require.NoError(t, err)
	defer mem.Close()

	r := NewReader(mem)
	_, err = r.Locate(mem)
	require.Error(t, err)
}

// TestLocateRejectsBadChecksum confirms a page with a magic match but a
// corrupted checksum is skipped rather than accepted as the master beacon.
func TestLocateRejectsBadChecksum(t *testing.T) {
	buf := make([]byte, 4*4096)
	writeHeader(buf, 4096, BlockPIDList, 64)
	buf[4096+32] ^= 0xff // flip a checksum byte

	path := filepath.Join(t.TempDir(), "ram.img")
	require.NoError(t, os.WriteFile(path, buf, 0o600))
	mem, err := pagedmem.Open(path)
	require.NoError(t, err)
	defer mem.Close()

	r := NewReader(mem)
	_, err = r.Locate(mem)
	require.Error(t, err)
}

func TestPIDListDecodesFlatArray(t *testing.T) {
	buf := make([]byte, 4096)
	pids := []uint32{1, 42, 1000, 65535}
	payload := make([]byte, 4*len(pids))
	for i, pid := range pids {
		binary.LittleEndian.PutUint32(payload[i*4:], pid)
	}
	writeHeader(buf, 0, BlockPIDList, uint32(len(payload)))
	copy(buf[headerSize:], payload)

	path := filepath.Join(t.TempDir(), "ram.img")
	require.NoError(t, os.WriteFile(path, buf, 0o600))
	mem, err := pagedmem.Open(path)
	require.NoError(t, err)
	defer mem.Close()

	r := NewReader(mem)
	_, err = r.Locate(mem)
	require.NoError(t, err)

	got, err := r.PIDList()
	require.NoError(t, err)
	require.Equal(t, pids, got)
}

func appendHint(payload []byte, hint ProcessHint) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], hint.Pid)
	payload = append(payload, buf[:]...)

	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], uint16(len(hint.Comm)))
	payload = append(payload, u16[:]...)
	payload = append(payload, hint.Comm...)

	binary.LittleEndian.PutUint16(u16[:], uint16(len(hint.VMAs)))
	payload = append(payload, u16[:]...)

	for _, vma := range hint.VMAs {
		var u64 [8]byte
		binary.LittleEndian.PutUint64(u64[:], vma.StartVA)
		payload = append(payload, u64[:]...)
		binary.LittleEndian.PutUint64(u64[:], vma.EndVA)
		payload = append(payload, u64[:]...)
		payload = append(payload, byte(len(vma.Perms)))
		payload = append(payload, vma.Perms...)
		binary.LittleEndian.PutUint16(u16[:], uint16(len(vma.Path)))
		payload = append(payload, u16[:]...)
		payload = append(payload, vma.Path...)
	}
	return payload
}

func TestRoundRobinBlockDecodesEntries(t *testing.T) {
	want := []ProcessHint{
		{
			Pid:  7,
			Comm: "init",
			VMAs: []VMAHint{
				{StartVA: 0x400000, EndVA: 0x401000, Perms: "r-x", Path: "/sbin/init"},
			},
		},
		{
			Pid:  42,
			Comm: "worker",
			VMAs: []VMAHint{
				{StartVA: 0x10000, EndVA: 0x20000, Perms: "rw-", Path: ""},
				{StartVA: 0x7f0000000000, EndVA: 0x7f0000010000, Perms: "rw-", Path: "[stack]"},
			},
		},
	}
	var payload []byte
	for _, hint := range want {
		payload = appendHint(payload, hint)
	}

	buf := make([]byte, 4096)
	writeHeader(buf, 0, BlockRoundRobin, uint32(len(payload)))
	copy(buf[headerSize:], payload)

	path := filepath.Join(t.TempDir(), "ram.img")
	require.NoError(t, os.WriteFile(path, buf, 0o600))
	mem, err := pagedmem.Open(path)
	require.NoError(t, err)
	defer mem.Close()

	r := NewReader(mem)
	_, err = r.Locate(mem)
	require.NoError(t, err)

	got, err := r.RoundRobinBlock()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestRoundRobinBlockRejectsTruncatedPayload(t *testing.T) {
	buf := make([]byte, 4096)
	// DataSize claims 64 bytes follow; the first entry's comm length field
	// claims 0xffff bytes, far more than the 64-byte payload holds.
	writeHeader(buf, 0, BlockRoundRobin, 64)
	binary.LittleEndian.PutUint16(buf[headerSize+4:], 0xffff)

	path := filepath.Join(t.TempDir(), "ram.img")
	require.NoError(t, os.WriteFile(path, buf, 0o600))
	mem, err := pagedmem.Open(path)
	require.NoError(t, err)
	defer mem.Close()

	r := NewReader(mem)
	_, err = r.Locate(mem)
	require.NoError(t, err)

	// The comm length exceeds the remaining bytes, so this must surface as
	// an error rather than a silently wrong hint list.
	_, err = r.RoundRobinBlock()
	require.Error(t, err)
}
