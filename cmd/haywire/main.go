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
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/haywire-project/haywire/pkg/addrspace"
	"github.com/haywire-project/haywire/pkg/companion"
	"github.com/haywire-project/haywire/pkg/discovery"
	"github.com/haywire-project/haywire/pkg/driver"
	"github.com/haywire-project/haywire/pkg/instrumentation"
	"github.com/haywire-project/haywire/pkg/kconfig"
	"github.com/haywire-project/haywire/pkg/log"
	"github.com/haywire-project/haywire/pkg/oracle"
	"github.com/haywire-project/haywire/pkg/pagedmem"
)

var mainLog = log.Get("main")

func exit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, "haywire: "+format+"\n", a...)
	os.Exit(1)
}

func loadTable(kernelVersion, kconfigPath string) kconfig.Table {
	tables := kconfig.Builtin()
	if kconfigPath != "" {
		loaded, err := kconfig.Load(kconfigPath)
		if err != nil {
			exit("%s", err)
		}
		tables = loaded
	}
	if kernelVersion == "" {
		if len(tables) != 1 {
			exit("-kernel-version is required: %d offsets tables available", len(tables))
		}
		for _, t := range tables {
			return t // single-entry convenience: the only table available
		}
	}
	t, ok := tables[kernelVersion]
	if !ok {
		exit("no offsets table for kernel version %q", kernelVersion)
	}
	return t
}

func main() {
	optImage := flag.String("image", "", "path to the guest RAM memory-mapped file")
	optGuestRAMBase := flag.Uint64("guest-ram-base", 0x40000000, "guest physical address file offset 0 maps to")
	optKernelLinear := flag.Uint64("kernel-linear-offset", 0xFFFF000000000000, "kernel linear-map virtual address offset")
	optKernelVersion := flag.String("kernel-version", "", "kernel version key into the offsets table (default: the only one available)")
	optKconfig := flag.String("kconfig", "", "path to a kernel offsets YAML file (default: built-in table)")
	optOracleAddr := flag.String("oracle-addr", "", "management-channel oracle gRPC address (default: none, pure pattern matching)")
	optCompanion := flag.Bool("companion", false, "look for an in-guest companion beacon for VMA hints")
	optPrompt := flag.Bool("prompt", false, "launch interactive introspection prompt after discovery")
	optDebug := flag.Bool("debug", false, "print debug output")
	optTimeout := flag.Duration("timeout", 5*time.Minute, "overall discovery timeout")
	optJaegerAgent := flag.String("jaeger-agent", "", "Jaeger agent host:port to export traces to (default: tracing disabled)")
	optPrometheusAddr := flag.String("metrics-addr", "", "listen address for a Prometheus /metrics endpoint (default: disabled)")
	flag.Parse()

	log.SetDebug("", *optDebug)

	if err := instrumentation.Setup(instrumentation.Options{
		Service:        "haywire",
		Sampling:       1,
		JaegerAgent:    *optJaegerAgent,
		PrometheusAddr: *optPrometheusAddr,
	}); err != nil {
		exit("instrumentation setup: %s", err)
	}
	defer instrumentation.Finish()

	if *optImage == "" {
		exit("missing -image")
	}

	mem, err := pagedmem.Open(*optImage)
	if err != nil {
		exit("%s", err)
	}
	defer mem.Close()

	as := addrspace.New(*optGuestRAMBase, *optKernelLinear)
	table := loadTable(*optKernelVersion, *optKconfig)

	var opts []discovery.Option
	if *optOracleAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := oracle.Dial(ctx, *optOracleAddr)
		cancel()
		if err != nil {
			mainLog.Warnf("oracle unavailable at %s: %s", *optOracleAddr, err)
		} else {
			defer client.Close()
			opts = append(opts, discovery.WithOracle(client))
		}
	}
	if *optCompanion {
		opts = append(opts, discovery.WithCompanion(companion.NewReader(mem)))
	}

	engine := discovery.New(mem, as, table, opts...)
	d := driver.New(engine, mem.TotalSize(), func(p driver.Progress) {
		mainLog.Infof("phase %d (%s) complete", p.Phase, p.PhaseName)
	})

	ctx, cancel := context.WithTimeout(context.Background(), *optTimeout)
	defer cancel()

	result, err := d.Run(ctx)
	if err != nil {
		exit("discovery failed: %s", err)
	}
	if result.Cancelled {
		mainLog.Warnf("discovery timed out after %s; reporting partial results", *optTimeout)
	}

	mainLog.Infof("swapper_pg_dir=%#x processes=%d kernel_ptes=%d diagnostics=%q",
		result.SwapperPgdPA, len(result.Processes), len(result.KernelPTEs), result.Stats.Diagnostics)

	if *optPrompt {
		prompt := NewPrompt("haywire> ", bufio.NewReader(os.Stdin), bufio.NewWriter(os.Stdout), &result)
		prompt.Interact()
		return
	}

	printSummary(os.Stdout, &result)
}
