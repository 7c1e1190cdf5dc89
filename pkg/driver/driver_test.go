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

package driver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haywire-project/haywire/pkg/addrspace"
	"github.com/haywire-project/haywire/pkg/discovery"
	"github.com/haywire-project/haywire/pkg/kconfig"
	"github.com/haywire-project/haywire/pkg/pagedmem"
)

const (
	testGuestRAMBase = 0x40000000
	testLinearOffset = 0xFFFF000000000000
	testImageSize    = 1 << 16
)

func newTestEngine(t *testing.T) *discovery.Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ram.img")
	require.NoError(t, os.WriteFile(path, make([]byte, testImageSize), 0o600))
	mem, err := pagedmem.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	as := addrspace.New(testGuestRAMBase, testLinearOffset)
	tbl := kconfig.Table{
		Version:        "driver-test",
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
	return discovery.New(mem, as, tbl)
}

// Step advances exactly one phase at a time, yielding Done only after all
// five have run, even over a guest RAM image with nothing discoverable.
func TestDriverStepsThroughAllPhases(t *testing.T) {
	e := newTestEngine(t)
	d := New(e, testImageSize, nil)

	ctx := context.Background()
	var seen []string
	for i := 0; i < 10; i++ {
		p, done, err := d.Step(ctx)
		require.NoError(t, err)
		if p.PhaseName != "" {
			seen = append(seen, p.PhaseName)
		}
		if done {
			break
		}
	}
	require.Equal(t, []string{
		"find-swapper-pgd",
		"find-task-structs",
		"resolve-user-pgds",
		"enumerate-vmas",
		"walk-ptes",
	}, seen)
}

// Run drives Step to completion and reports the same final result Discover
// would for the same engine.
func TestDriverRunCompletes(t *testing.T) {
	e := newTestEngine(t)
	d := New(e, testImageSize, nil)

	result, err := d.Run(context.Background())
	require.NoError(t, err)
	require.False(t, result.Cancelled)
	require.Equal(t, "walk-ptes", result.LastPhaseName)
}

// A context cancelled mid-run yields a partial, non-error Cancelled result.
func TestDriverRunRespectsCancellation(t *testing.T) {
	e := newTestEngine(t)
	d := New(e, testImageSize, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := d.Run(ctx)
	require.NoError(t, err)
	require.True(t, result.Cancelled)
}

// onProgress is invoked once per completed phase, carrying the same
// PhaseName sequence Step returns.
func TestDriverOnProgressCallback(t *testing.T) {
	e := newTestEngine(t)
	var progressed []Progress
	d := New(e, testImageSize, func(p Progress) { progressed = append(progressed, p) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := d.Run(ctx)
	require.NoError(t, err)
	require.Len(t, progressed, 5)
	require.True(t, progressed[4].Done)
}
