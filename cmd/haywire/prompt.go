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

// This file implements the interactive post-discovery query prompt.

package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/haywire-project/haywire/pkg/discovery"
)

type Cmd struct {
	description string
	Run         func([]string) CommandStatus
}

type CommandStatus int

const (
	csOk CommandStatus = iota
	csUnknownCommand
	csPipeCreateError
	csPipeProcessStartError
)

// Prompt is a read-eval-print loop over one finished discovery Result. It
// never re-runs discovery or mutates the result; every command is a query.
type Prompt struct {
	r      *bufio.Reader
	w      *bufio.Writer
	f      *flag.FlagSet
	result *discovery.Result
	cmds   map[string]Cmd
	ps1    string
	echo   bool
	quit   bool
}

func NewPrompt(ps1 string, reader *bufio.Reader, writer *bufio.Writer, result *discovery.Result) *Prompt {
	p := Prompt{
		r:      reader,
		w:      writer,
		ps1:    ps1,
		result: result,
	}
	p.cmds = map[string]Cmd{
		"q":        {"quit interactive prompt.", p.cmdQuit},
		"ps":       {"list discovered processes.", p.cmdPs},
		"proc":     {"show one process's VMAs and PTE count.", p.cmdProc},
		"page":     {"look up a physical page's references.", p.cmdPage},
		"shared":   {"list pages shared by more than one process.", p.cmdShared},
		"kernel":   {"list kernel-mapped pages.", p.cmdKernel},
		"stats":    {"print discovery statistics.", p.cmdStats},
		"help":     {"print help.", p.cmdHelp},
		"nop":      {"no operation.", p.cmdNop},
	}
	return &p
}

func (p *Prompt) output(format string, a ...interface{}) {
	if p.w == nil {
		return
	}
	p.w.WriteString(fmt.Sprintf(format, a...))
	p.w.Flush()
}

func (p *Prompt) RunCmdSlice(cmdSlice []string) CommandStatus {
	if len(cmdSlice) == 0 {
		return csOk
	}
	if cmdSlice[0] == "" {
		cmdSlice[0] = "nop"
	}
	p.f = flag.NewFlagSet(cmdSlice[0], flag.ContinueOnError)
	cmd, ok := p.cmds[cmdSlice[0]]
	if !ok {
		if len(cmdSlice[0]) > 0 {
			p.output("unknown command %q\n", cmdSlice[0])
		}
		return csUnknownCommand
	}
	return cmd.Run(cmdSlice[1:])
}

func (p *Prompt) RunCmdString(cmdString string) CommandStatus {
	origOutputWriter := p.w
	pipeCmd := ""
	cmdString = strings.TrimRight(cmdString, "\n")
	if pipeIndex := strings.Index(cmdString, "|"); pipeIndex > -1 {
		pipeCmd = cmdString[pipeIndex+1:]
		cmdString = cmdString[:pipeIndex]
	}
	cmdSlice := strings.Split(strings.TrimSpace(cmdString), " ")

	var pipeProcess *exec.Cmd
	var pipeInput io.WriteCloser
	if pipeCmd != "" {
		var err error
		pipeProcess = exec.Command("sh", "-c", pipeCmd)
		pipeInput, err = pipeProcess.StdinPipe()
		if err != nil {
			p.output("failed to create pipe for command %q\n", pipeCmd)
			return csPipeCreateError
		}
		pipeProcess.Stdout = origOutputWriter
		pipeProcess.Stderr = origOutputWriter
		if err := pipeProcess.Start(); err != nil {
			p.w = origOutputWriter
			p.output("failed to start: sh -c %q: %s\n", pipeCmd, err)
			pipeInput.Close()
			return csPipeProcessStartError
		}
		p.w = bufio.NewWriter(pipeInput)
	}
	runRv := p.RunCmdSlice(cmdSlice)
	if pipeCmd != "" {
		p.w.Flush()
		pipeInput.Close()
		pipeProcess.Wait()
		p.w = origOutputWriter
	}
	return runRv
}

func (p *Prompt) Interact() {
	for !p.quit {
		p.output(p.ps1)
		cmdString, err := p.r.ReadString(byte('\n'))
		if err != nil {
			p.output("quit: %s\n", err)
			break
		}
		if p.echo {
			p.output("%s", cmdString)
		}
		p.RunCmdString(cmdString)
	}
	p.output("quit.\n")
}

func sortedStringKeys(m map[string]Cmd) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *Prompt) cmdNop(args []string) CommandStatus {
	return csOk
}

func (p *Prompt) cmdHelp(args []string) CommandStatus {
	p.output("Available commands:\n")
	for _, name := range sortedStringKeys(p.cmds) {
		p.output("        %-8s %s\n", name, p.cmds[name].description)
	}
	p.output("Syntax:\n")
	p.output("        <command> -h show help on command options.\n")
	p.output("        [command] | <shell-command>\n")
	p.output("                     pipe command output to shell-command.\n")
	return csOk
}

func (p *Prompt) cmdPs(args []string) CommandStatus {
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	p.output("%-8s %-8s %-16s %-6s %-6s %s\n", "PID", "TGID", "COMM", "VMAS", "PTES", "PGD")
	for _, proc := range p.result.Processes {
		p.output("%-8d %-8d %-16s %-6d %-6d %#x\n",
			proc.Pid, proc.Tgid, proc.Comm, len(proc.VMAs), len(proc.PTEs), proc.UserPGD)
	}
	return csOk
}

func (p *Prompt) findProcess(pid uint32) *discovery.Process {
	for i := range p.result.Processes {
		if p.result.Processes[i].Pid == pid {
			return &p.result.Processes[i]
		}
	}
	return nil
}

func (p *Prompt) cmdProc(args []string) CommandStatus {
	pid := p.f.Int("pid", -1, "process to show")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if *pid < 0 {
		p.output("missing -pid=PID\n")
		return csOk
	}
	proc := p.findProcess(uint32(*pid))
	if proc == nil {
		p.output("no such process: %d\n", *pid)
		return csOk
	}
	p.output("pid %d (%s) task_struct=%#x mm_struct=%#x pgd=%#x unresolved=%v\n",
		proc.Pid, proc.Comm, proc.TaskStructPA, proc.MMStructPA, proc.UserPGD, proc.PageTableUnresolved)
	for _, vma := range proc.VMAs {
		p.output("  %#016x-%#016x %-4s %-10s %s\n", vma.StartVA, vma.EndVA, vma.Perms, vma.Kind, vma.Backing)
	}
	p.output("%d PTE(s)\n", len(proc.PTEs))
	return csOk
}

func (p *Prompt) cmdPage(args []string) CommandStatus {
	pa := p.f.String("pa", "", "physical address to look up, e.g. 0x41002000")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if *pa == "" {
		p.output("missing -pa=ADDR\n")
		return csOk
	}
	addr, err := strconv.ParseUint(strings.TrimPrefix(*pa, "0x"), 16, 64)
	if err != nil {
		p.output("invalid -pa %q: %s\n", *pa, err)
		return csOk
	}
	if p.result.Pages == nil {
		p.output("no page index available\n")
		return csOk
	}
	p.output("%s\n", p.result.Pages.Tooltip(addr))
	for _, ref := range p.result.Pages.References(addr) {
		p.output("  pid=%-8d va=%#016x perms=%s kind=%s\n", ref.Pid, ref.VA, ref.Perms, ref.Kind)
	}
	return csOk
}

func (p *Prompt) cmdShared(args []string) CommandStatus {
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if p.result.Pages == nil {
		p.output("no page index available\n")
		return csOk
	}
	for _, e := range p.result.Pages.SharedPages() {
		p.output("page %#x: %d reference(s)\n", e.PageNumber<<12, len(e.References))
	}
	return csOk
}

func (p *Prompt) cmdKernel(args []string) CommandStatus {
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if p.result.Pages == nil {
		p.output("no page index available\n")
		return csOk
	}
	for _, e := range p.result.Pages.KernelPages() {
		p.output("page %#x: %d reference(s)\n", e.PageNumber<<12, len(e.References))
	}
	return csOk
}

func (p *Prompt) cmdStats(args []string) CommandStatus {
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	s := p.result.Stats
	p.output("pages_scanned=%d candidates_scored=%d tasks_accepted=%d tasks_rejected=%d\n",
		s.PagesScanned, s.CandidatesScored, s.TasksAccepted, s.TasksRejected)
	p.output("ptes_emitted=%d invalid_descriptors=%d truncated=%v\n",
		s.PTEsEmitted, s.InvalidDescriptors, s.Truncated)
	p.output("oracle_available=%v oracle_used=%v companion_available=%v\n",
		s.OracleAvailable, s.OracleUsed, s.CompanionAvailable)
	if s.Diagnostics != "" {
		p.output("diagnostics: %s\n", s.Diagnostics)
	}
	return csOk
}

func (p *Prompt) cmdQuit(args []string) CommandStatus {
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	p.quit = true
	return csOk
}
