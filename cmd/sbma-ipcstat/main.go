// Copyright 2021 Intel Corporation. All Rights Reserved.
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

// Command sbma-ipcstat attaches to an existing sbma IPC segment as an
// observer peer and reports the shared budget and every peer's charged
// bytes. It is an operations probe, not an example of the allocation
// API: it claims its own slot like any peer (so n_procs must be sized
// with room for it) but never touches mtouch/mevict.
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jliverson5/sbma/pkg/sbma/ipc"
	"github.com/jliverson5/sbma/pkg/sbma/sbmalog"
)

// Config describes an existing IPC segment's shape; it must match the
// values the owning sbma.Init call used, since the segment's layout is
// sized from n_procs at creation time.
type Config struct {
	Uniq   int   `yaml:"uniq"`
	NProcs int   `yaml:"n_procs"`
	MaxMem int64 `yaml:"max_mem"`
}

func exit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, "sbma-ipcstat: "+format+"\n", a...)
	os.Exit(1)
}

func loadConfigFile(path string) Config {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		exit("%s", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		exit("error in %q: %s", path, err)
	}
	return cfg
}

func main() {
	sbmalog.Set(log.New(os.Stderr, "", 0))

	optConfig := flag.String("config", "", "path to a YAML file naming the segment (uniq, n_procs, max_mem)")
	optUniq := flag.Int("uniq", 0, "segment unique id (overrides -config)")
	optNProcs := flag.Int("n-procs", 0, "peer capacity the segment was created with (overrides -config)")
	optMaxMem := flag.Int64("max-mem", 0, "budget in bytes, only used if this process creates the segment (overrides -config)")
	optDebug := flag.Bool("debug", false, "print debug output")
	flag.Parse()
	sbmalog.SetDebug(*optDebug)

	cfg := Config{}
	if *optConfig != "" {
		cfg = loadConfigFile(*optConfig)
	}
	if *optUniq != 0 {
		cfg.Uniq = *optUniq
	}
	if cfg.Uniq == 0 {
		exit("uniq must be set (-uniq or -config): this tool only attaches to an existing segment, it does not invent one")
	}
	if *optNProcs != 0 {
		cfg.NProcs = *optNProcs
	}
	if *optMaxMem != 0 {
		cfg.MaxMem = *optMaxMem
	}
	if cfg.NProcs <= 0 {
		exit("n_procs must be > 0 (set -n-procs or -config)")
	}

	ctl, err := ipc.Init(cfg.Uniq, cfg.NProcs, cfg.MaxMem)
	if err != nil {
		exit("attach failed: %s", err)
	}
	defer ctl.Destroy()

	fmt.Printf("segment /ipc-shm-%d: smem=%d bytes, capacity=%d peers\n", cfg.Uniq, ctl.Smem(), ctl.NProcs())
	for i := 0; i < ctl.NProcs(); i++ {
		if i == ctl.ID() {
			continue
		}
		fmt.Printf("  peer %d: pmem=%d bytes populated=%v eligible=%v\n",
			i, ctl.Pmem(i), ctl.Populated(i), ctl.Eligible(i))
	}
}
