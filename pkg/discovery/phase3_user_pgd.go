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

	"github.com/haywire-project/haywire/pkg/kconfig"
)

// phase3ResolveUserPGDs reads each accepted task_struct's mm pointer and, for
// non-kernel threads, resolves the process's user PGD physical address
// through the kernel PGD, per spec.md §4.4.3. Under KPTI the resulting PGD
// carries only sparse user mappings plus a kernel trampoline — expected.
func (e *Engine) phase3ResolveUserPGDs(ctx context.Context, r *Result) error {
	r.LastPhaseName = "resolve-user-pgds"

	processes := make([]Process, 0, len(e.taskCandidates))
	for _, cand := range e.taskCandidates {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		p := Process{
			Pid:          cand.Pid,
			Tgid:         cand.Tgid,
			Comm:         cand.Comm,
			TaskStructPA: cand.PA,
		}
		if cand.MM == 0 {
			p.IsKernelThread = true
			processes = append(processes, p)
			continue
		}

		mmTr, err := e.walker.Translate(cand.MM, r.SwapperPgdPA)
		if err != nil {
			p.PageTableUnresolved = true
			processes = append(processes, p)
			continue
		}
		p.MMStructPA = mmTr.PA

		pgdVA, err := e.readField(r.SwapperPgdPA, cand.MM, kconfig.FieldMMPgd)
		if err != nil {
			p.PageTableUnresolved = true
			processes = append(processes, p)
			continue
		}
		pgdTr, err := e.walker.Translate(pgdVA, r.SwapperPgdPA)
		if err != nil {
			p.PageTableUnresolved = true
			processes = append(processes, p)
			continue
		}
		p.UserPGD = pgdTr.PA
		processes = append(processes, p)
	}

	r.Processes = processes
	return nil
}
