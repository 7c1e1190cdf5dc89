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

package main

import (
	"fmt"
	"io"

	"github.com/haywire-project/haywire/pkg/discovery"
)

// printSummary renders a one-shot, non-interactive report of a finished
// discovery pass, for callers that didn't ask for -prompt.
func printSummary(w io.Writer, r *discovery.Result) {
	fmt.Fprintf(w, "swapper_pg_dir: %#x\n", r.SwapperPgdPA)
	fmt.Fprintf(w, "processes: %d\n", len(r.Processes))
	for _, p := range r.Processes {
		status := ""
		if p.PageTableUnresolved {
			status = " (page table unresolved)"
		}
		fmt.Fprintf(w, "  pid=%-8d tgid=%-8d comm=%-16q vmas=%-4d ptes=%-6d%s\n",
			p.Pid, p.Tgid, p.Comm, len(p.VMAs), len(p.PTEs), status)
	}
	fmt.Fprintf(w, "kernel PTEs: %d\n", len(r.KernelPTEs))
	if r.Pages != nil {
		stats := r.Pages.Statistics()
		fmt.Fprintf(w, "pages: %d total, %d shared, %d kernel, %d references, %d unique processes\n",
			stats.TotalPages, stats.Shared, stats.Kernel, stats.TotalReferences, stats.UniqueProcesses)
	}
	if r.Stats.Truncated {
		fmt.Fprintf(w, "warning: PTE enumeration was truncated at the configured cap\n")
	}
	if r.Stats.Diagnostics != "" {
		fmt.Fprintf(w, "diagnostics: %s\n", r.Stats.Diagnostics)
	}
}
