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

// Package sbma is the allocation facade over the ATE/MMU, paging and
// IPC subsystems: Init/Destroy bracket a process's participation in a
// shared RAM budget, and Malloc/Calloc/Realloc/Free hand out addresses
// inside ATE ranges backed by per-allocation files.
//
// The original library keeps this state in a process-wide global
// singleton, guarded by one init lock. This port keeps the same
// one-shot-initializer shape but threads an explicit *Instance through
// every call instead of hiding it behind a package-level variable, per
// the redesign note on global singletons: easier to test, and it
// leaves the door open to more than one instance per process (e.g. in
// tests that simulate several peers in one binary).
package sbma

import (
	"os"
	"sync"

	"github.com/jliverson5/sbma/pkg/sbma/ipc"
	"github.com/jliverson5/sbma/pkg/sbma/mmu"
	"github.com/jliverson5/sbma/pkg/sbma/sbmastats"
	"github.com/jliverson5/sbma/pkg/sbma/vmm"
)

// Opts re-exports vmm's option bitset and bits so callers need only
// import this package.
type Opts = vmm.Opts

const (
	AGGCH  = vmm.AGGCH
	LZYRD  = vmm.LZYRD
	METACH = vmm.METACH
	EXTRA  = vmm.EXTRA
	CHECK  = vmm.CHECK
	ADMITD = vmm.ADMITD
	GHOST  = vmm.GHOST
)

// Instance is one process's handle onto an sbma session: its
// allocation table, its IPC peer slot, and the paging engine tying
// them together.
type Instance struct {
	initMu sync.Mutex

	table    *mmu.Table
	ipc      *ipc.Controller
	engine   *vmm.Engine
	stats    *sbmastats.Collector
	pageSize uint64
	fstem    string

	freeMu sync.Mutex
	freed  map[uintptr]bool
}

// Init creates or attaches to the shared segment named by uniq,
// configures a paging engine for pageSize-byte pages up to nProcs
// cooperating peers sharing maxMem bytes, and installs this process's
// SIGIPC handler. fstem names the directory/prefix backing files are
// created under.
func Init(fstem string, uniq int, pageSize uint64, nProcs int, maxMem int64, opts Opts) (*Instance, error) {
	ctl, err := ipc.Init(uniq, nProcs, maxMem)
	if err != nil {
		return nil, err
	}

	table := mmu.NewTable()
	engine := vmm.NewEngine(table, ctl, pageSize, opts, fstem, os.Getpid())

	inst := &Instance{
		table:    table,
		ipc:      ctl,
		engine:   engine,
		stats:    sbmastats.NewCollector(ctl, table),
		pageSize: pageSize,
		fstem:    fstem,
		freed:    make(map[uintptr]bool),
	}
	ctl.InstallSignalHandler(engine.EvictAllSignal)
	return inst, nil
}

// Destroy tears down this process's participation: the SIGIPC handler
// is removed and the shared segment is unmapped. Live allocations are
// not implicitly freed — callers that want backing files cleaned up
// must Free them first.
func (s *Instance) Destroy() error {
	return s.ipc.Destroy()
}

// Stats returns the prometheus collector exposing this instance's
// budget and residency counters.
func (s *Instance) Stats() *sbmastats.Collector { return s.stats }

// Smem returns the shared budget's current free-byte count.
func (s *Instance) Smem() int64 { return s.ipc.Smem() }

// NewSessionID generates a random segment id suitable for uniq, for a
// process that is starting a new session rather than attaching to one
// a sibling already created. See ipc.NewUniq.
func NewSessionID() int { return ipc.NewUniq() }

// Mtouch pages in [addr, addr+length) into residency.
func (s *Instance) Mtouch(addr uintptr, length uint64) error {
	return s.engine.Touch(addr, length)
}

// MtouchAll pages the entire allocation containing addr into residency.
func (s *Instance) MtouchAll(addr uintptr) error {
	return s.engine.TouchAll(addr)
}

// MtouchAtomic admits and applies every range in one admission, as
// described on vmm.Engine.TouchAtomic.
func (s *Instance) MtouchAtomic(ranges []vmm.Range) error {
	return s.engine.TouchAtomic(ranges)
}

// Mevict evicts [addr, addr+length) out of residency.
func (s *Instance) Mevict(addr uintptr, length uint64) error {
	return s.engine.Evict(addr, length)
}

// MevictAll evicts the entire allocation containing addr.
func (s *Instance) MevictAll(addr uintptr) error {
	return s.engine.EvictAll(addr)
}

// Mclear discards backing-file contents for pages fully inside
// [addr, addr+length).
func (s *Instance) Mclear(addr uintptr, length uint64) error {
	return s.engine.Clear(addr, length)
}

// MclearAll clears the entire allocation containing addr.
func (s *Instance) MclearAll(addr uintptr) error {
	return s.engine.ClearAll(addr)
}

// Mexist reports whether the page containing addr is resident.
func (s *Instance) Mexist(addr uintptr) (bool, error) {
	return s.engine.Exists(addr)
}

// Check runs the consistency checker over every live allocation and
// this peer's IPC accounting.
func (s *Instance) Check() error {
	return s.engine.Check()
}

func (s *Instance) markFreed(base uintptr) (double bool) {
	s.freeMu.Lock()
	defer s.freeMu.Unlock()
	if s.freed[base] {
		return true
	}
	s.freed[base] = true
	return false
}
