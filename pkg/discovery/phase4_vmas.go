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
	"strings"

	"github.com/haywire-project/haywire/pkg/companion"
)

// userHalfEnd is the top of the canonical ARM64 user address half
// (2^47), used to bound the synthetic fallback VMA.
const userHalfEnd = uint64(1) << 47

// classifyVMA applies spec.md §4.4.4's path/heuristic rules.
func classifyVMA(path string, perms string, isKernel bool) VMAKind {
	switch {
	case isKernel:
		return VMAKernel
	case path == "[stack]":
		return VMAStack
	case path == "[heap]":
		return VMAHeap
	case strings.Contains(perms, "x") && path != "":
		return VMALibrary
	case strings.Contains(perms, "w") && path != "":
		return VMAData
	case path == "":
		return VMAAnonymous
	default:
		return VMAFileBacked
	}
}

// phase4EnumerateVMAs reads each process's memory sections from the
// optional companion, or else emits one synthetic anonymous VMA per
// process, per spec.md §4.4.4.
func (e *Engine) phase4EnumerateVMAs(ctx context.Context, r *Result) error {
	r.LastPhaseName = "enumerate-vmas"

	var hints []companion.ProcessHint
	if e.companion != nil {
		if _, err := e.companion.Locate(e.mem); err == nil {
			if h, err := e.companion.RoundRobinBlock(); err == nil {
				hints = h
				r.Stats.CompanionAvailable = true
			}
		}
	}
	hintByPid := make(map[uint32]companion.ProcessHint, len(hints))
	for _, h := range hints {
		hintByPid[h.Pid] = h
	}

	for i := range r.Processes {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		p := &r.Processes[i]
		if p.IsKernelThread {
			continue
		}
		if hint, ok := hintByPid[p.Pid]; ok {
			for _, vh := range hint.VMAs {
				p.VMAs = append(p.VMAs, VMA{
					StartVA: vh.StartVA,
					EndVA:   vh.EndVA,
					Perms:   vh.Perms,
					Kind:    classifyVMA(vh.Path, vh.Perms, false),
					Backing: vh.Path,
				})
			}
			continue
		}
		// Synthetic fallback: one VMA spanning the whole observable user
		// half, since without a companion there is no VMA list to read —
		// only the PTEs Phase 5 discovers.
		p.VMAs = append(p.VMAs, VMA{
			StartVA: 0,
			EndVA:   userHalfEnd,
			Perms:   "rwx",
			Kind:    VMAAnonymous,
		})
	}
	return nil
}
