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

// Package kconfig holds the kernel-version-dependent struct-member offsets
// discovery reads task_struct, mm_struct, and their neighbors through. Every
// offset is named, never hardcoded at a call site — see Field and Table.
package kconfig

import (
	"embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed builtin
var builtinFS embed.FS

// Field names one typed offset within a kernel struct. Discovery never does
// "struct member by name" reflection; every read goes through one of these.
type Field string

const (
	FieldTaskPid      Field = "task.pid"
	FieldTaskTgid     Field = "task.tgid"
	FieldTaskComm     Field = "task.comm"
	FieldTaskTasks    Field = "task.tasks"
	FieldTaskMM       Field = "task.mm"
	FieldTaskFiles    Field = "task.files"
	FieldMMPgd        Field = "mm.pgd"
	FieldFilesFdt     Field = "files.fdt"
	FieldFdtMaxFds    Field = "fdt.max_fds"
	FieldFdtFd        Field = "fdt.fd"
	FieldFileInode    Field = "file.inode"
	FieldInodeIno     Field = "inode.ino"
	FieldInodeSize    Field = "inode.size"
	FieldInodeMode    Field = "inode.mode"
)

// requiredFields lists offsets a Table must define to be usable by discovery.
// SLAB sub-page offsets are deliberately absent: discovery derives them per
// run with clusterOffsets, and falls back to a fixed list of observed offsets
// only when its sample finds no signature match.
var requiredFields = []Field{
	FieldTaskPid, FieldTaskTgid, FieldTaskComm, FieldTaskTasks,
	FieldTaskMM, FieldMMPgd,
}

// Table is one kernel version's complete set of named offsets, plus the
// struct sizes discovery needs to bound its scans.
type Table struct {
	Version      string           `yaml:"version"`
	TaskStructSize uint64         `yaml:"task_struct_size"`
	Offsets      map[Field]uint64 `yaml:"offsets"`
}

// Offset returns the offset registered for f, or an error naming the field
// if the table doesn't define it.
func (t Table) Offset(f Field) (uint64, error) {
	off, ok := t.Offsets[f]
	if !ok {
		return 0, fmt.Errorf("kconfig: table %q has no offset for field %q", t.Version, f)
	}
	return off, nil
}

func (t Table) validate() error {
	for _, f := range requiredFields {
		if _, ok := t.Offsets[f]; !ok {
			return fmt.Errorf("kconfig: table %q missing required field %q", t.Version, f)
		}
	}
	if t.TaskStructSize == 0 {
		return fmt.Errorf("kconfig: table %q has zero task_struct_size", t.Version)
	}
	return nil
}

type tableFile struct {
	Tables []Table `yaml:"tables"`
}

func loadYAML(data []byte) (map[string]Table, error) {
	var tf tableFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("kconfig: parsing offsets table: %w", err)
	}
	out := make(map[string]Table, len(tf.Tables))
	for _, t := range tf.Tables {
		if err := t.validate(); err != nil {
			return nil, err
		}
		out[t.Version] = t
	}
	return out, nil
}

// Load reads a kernel-version offsets table from a YAML file on disk, keyed
// by the version string each entry declares.
func Load(path string) (map[string]Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kconfig: reading %s: %w", path, err)
	}
	return loadYAML(data)
}

// Builtin returns the small set of kernel-version offset tables shipped
// in-tree, embedded at build time. It returns no error: it panics if the
// embedded file is missing or fails to parse or validate.
func Builtin() map[string]Table {
	data, err := builtinFS.ReadFile("builtin/offsets.yaml")
	if err != nil {
		panic(fmt.Sprintf("kconfig: embedded offsets.yaml missing: %v", err))
	}
	tables, err := loadYAML(data)
	if err != nil {
		panic(fmt.Sprintf("kconfig: embedded offsets.yaml invalid: %v", err))
	}
	return tables
}
