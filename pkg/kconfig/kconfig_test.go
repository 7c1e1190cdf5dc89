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

package kconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuiltinHasRequiredFields(t *testing.T) {
	tables := Builtin()
	require.NotEmpty(t, tables)
	for version, tbl := range tables {
		require.Equal(t, version, tbl.Version)
		for _, f := range requiredFields {
			_, err := tbl.Offset(f)
			require.NoErrorf(t, err, "table %s missing %s", version, f)
		}
	}
}

func TestLoadRejectsMissingField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.yaml")
	data := []byte(`
tables:
  - version: "broken"
    task_struct_size: 1024
    offsets:
      task.pid: 0x10
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.yaml")
	data := []byte(`
tables:
  - version: "test-kernel"
    task_struct_size: 2048
    offsets:
      task.pid: 0x10
      task.tgid: 0x14
      task.comm: 0x18
      task.tasks: 0x28
      task.mm: 0x38
      mm.pgd: 0x48
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	tables, err := Load(path)
	require.NoError(t, err)
	tbl, ok := tables["test-kernel"]
	require.True(t, ok)
	off, err := tbl.Offset(FieldTaskPid)
	require.NoError(t, err)
	require.EqualValues(t, 0x10, off)
}
