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

// Package pagedmem provides an on-demand, windowed view over a guest RAM
// file of up to tens of gigabytes. It never loads the file whole: reads are
// served from 2MiB mmap windows cached under an LRU policy, grounded on the
// same per-process-memory read pattern the wider pack uses for /proc/pid/mem
// and QEMU guest-memory files (procMemFile in the pidtracking stack, and the
// periph/host/pmem page-map reader).
package pagedmem

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/haywire-project/haywire/pkg/log"
)

var memLog = log.Get("pagedmem")

// WindowSize is the size of one cached mmap window. Guest RAM files are
// aligned to it implicitly by every Phase-1/Phase-2 scan, which walks in
// 4KiB steps within a window before crossing to the next.
const WindowSize = 2 << 20 // 2 MiB

// DefaultBudget is the default window cache budget in bytes (128 windows).
const DefaultBudget = 256 << 20 // 256 MiB

// ErrOutOfRange is returned for any read at or beyond TotalSize, or for a
// length that would overflow into negative/zero bounds.
var ErrOutOfRange = fmt.Errorf("pagedmem: offset out of range")

type window struct {
	offset   int64
	data     []byte
	lastTick uint64
}

// Memory is a read-only, windowed view over a guest RAM file.
type Memory struct {
	file      *os.File
	totalSize int64
	budget    int64

	mu      sync.RWMutex
	windows map[int64]*window
	tick    uint64
	used    int64
}

// Open maps path read-only and samples its size once; the size is never
// re-read, so a file that grows or is truncated afterward cannot change
// what Memory believes is in range.
func Open(path string) (*Memory, error) {
	return OpenWithBudget(path, DefaultBudget)
}

// OpenWithBudget is Open with an explicit window-cache budget in bytes.
func OpenWithBudget(path string, budget int64) (*Memory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pagedmem: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pagedmem: stat %s: %w", path, err)
	}
	if budget < WindowSize {
		budget = WindowSize
	}
	m := &Memory{
		file:      f,
		totalSize: info.Size(),
		budget:    budget,
		windows:   make(map[int64]*window),
	}
	memLog.Infof("opened %s: %d bytes, window cache budget %d bytes", path, m.totalSize, budget)
	return m, nil
}

// Close unmaps every cached window and closes the underlying file.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for off, w := range m.windows {
		if err := unix.Munmap(w.data); err != nil {
			memLog.Warnf("munmap window at %#x: %v", off, err)
		}
	}
	m.windows = nil
	return m.file.Close()
}

// TotalSize returns the guest RAM file's size, sampled once at Open.
func (m *Memory) TotalSize() int64 {
	return m.totalSize
}

func alignDown(off int64) int64 {
	return off - (off % WindowSize)
}

// windowFor returns the cached window covering offset, mapping and
// inserting it (evicting the LRU window first, if over budget) on a miss.
// Caller holds m.mu.
func (m *Memory) windowFor(offset int64) (*window, error) {
	base := alignDown(offset)

	m.tick++
	if w, ok := m.windows[base]; ok {
		w.lastTick = m.tick
		return w, nil
	}

	length := int64(WindowSize)
	if base+length > m.totalSize {
		length = m.totalSize - base
	}
	if length <= 0 {
		return nil, ErrOutOfRange
	}

	for m.used+length > m.budget && len(m.windows) > 0 {
		m.evictLocked()
	}

	data, err := unix.Mmap(int(m.file.Fd()), base, int(length), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pagedmem: mmap at %#x len %d: %w", base, length, err)
	}
	w := &window{offset: base, data: data, lastTick: m.tick}
	m.windows[base] = w
	m.used += length
	return w, nil
}

// evictLocked removes the least-recently-used window. Caller holds m.mu.
func (m *Memory) evictLocked() {
	var lru *window
	var lruOff int64
	for off, w := range m.windows {
		if lru == nil || w.lastTick < lru.lastTick {
			lru = w
			lruOff = off
		}
	}
	if lru == nil {
		return
	}
	if err := unix.Munmap(lru.data); err != nil {
		memLog.Warnf("munmap window at %#x during eviction: %v", lruOff, err)
	}
	m.used -= int64(len(lru.data))
	delete(m.windows, lruOff)
}

// ReadBytes returns a copy of len bytes starting at offset. Reads that span
// two windows are transparently stitched together. The copy is made under
// m.mu, so a concurrent reader's eviction cannot unmap a window mid-copy.
func (m *Memory) ReadBytes(offset int64, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset >= m.totalSize || offset+int64(length) > m.totalSize {
		return nil, ErrOutOfRange
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, length)
	got := 0
	for got < length {
		cur := offset + int64(got)
		w, err := m.windowFor(cur)
		if err != nil {
			return nil, err
		}
		within := int(cur - w.offset)
		n := copy(out[got:], w.data[within:])
		if n == 0 {
			return nil, ErrOutOfRange
		}
		got += n
	}
	return out, nil
}

// ReadU32LE reads a little-endian uint32 at offset.
func (m *Memory) ReadU32LE(offset int64) (uint32, error) {
	b, err := m.ReadBytes(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadU64LE reads a little-endian uint64 at offset.
func (m *Memory) ReadU64LE(offset int64) (uint64, error) {
	b, err := m.ReadBytes(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadCString reads up to maxLen bytes starting at offset, stopping at the
// first NUL. Bytes outside printable ASCII are replaced with '.', never
// failing on content — only an out-of-range offset returns an error.
func (m *Memory) ReadCString(offset int64, maxLen int) (string, error) {
	b, err := m.ReadBytes(offset, maxLen)
	if err != nil {
		return "", err
	}
	if i := indexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return sanitizeUTF8(b), nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// sanitizeUTF8 replaces bytes outside the printable ASCII range with '.'.
func sanitizeUTF8(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 0x20 && c < 0x7f {
			out[i] = c
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}
