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

package vmm

import (
	"github.com/jliverson5/sbma/pkg/sbma/mmu"
	"github.com/jliverson5/sbma/pkg/sbma/sbmaerr"
)

// Evict pages in [addr, addr+length) out: dirty pages are flushed to
// the backing file, the RAM behind them is released, and the charge is
// returned to the shared budget.
func (e *Engine) Evict(addr uintptr, length uint64) error {
	ate, err := e.lookup(addr)
	if err != nil {
		return err
	}
	beg, end := touchIndices(addr, ate.Base, length, e.PageSize)
	return e.evictLocked(ate, beg, end)
}

// EvictAll evicts every page of the allocation containing addr.
func (e *Engine) EvictAll(addr uintptr) error {
	ate, err := e.lookup(addr)
	if err != nil {
		return err
	}
	return e.evictLocked(ate, 0, ate.NPages)
}

func (e *Engine) evictLocked(ate *mmu.ATE, beg, end uint64) error {
	defer ate.Unlock()
	if end > ate.NPages || beg > end {
		return sbmaerr.Wrap(sbmaerr.Programmer, sbmaerr.ErrOverlap, "evict: range [%d,%d) exceeds %d pages", beg, end, ate.NPages)
	}

	charged, dirty, err := e.swapOut(ate, beg, end)
	if err != nil {
		return err
	}
	e.checkInvariants(ate)

	if charged == 0 && dirty == 0 {
		return nil
	}
	bytes := int64(charged) * int64(e.PageSize)
	dirtyBytes := int64(dirty) * int64(e.PageSize)
	for {
		err := e.IPC.Mevict(bytes, dirtyBytes)
		if err == nil {
			return nil
		}
		if sbmaerr.IsTransient(err) {
			continue
		}
		return err
	}
}

// EvictAllSignal is the SIGIPC handler's entry point: it walks every
// live allocation under the table lock, evicts everything in it, and
// reports the total charge released back to the shared budget with one
// Mevict call.
//
// This does acquire the IPC mutex, which looks at first glance like it
// contradicts "the handler must not itself acquire mtx (the signaller
// holds it)". It does not deadlock: the signaller (the peer running
// Madmit) releases mtx before blocking on the rendezvous semaphore and
// only reacquires it after the handler's completion is posted (see
// ipc.Controller.Madmit) — so mtx is free for exactly the window this
// handler runs in. The alternative reading (mtx held across the whole
// wait) cannot produce scenario S3's numbers: pmem[the evicted peer]
// only returns to zero, and smem only grows by the evicted peer's full
// charge, if something equivalent to Mevict runs before the admitter's
// retry — and nothing else in this protocol is positioned to run it.
func (e *Engine) EvictAllSignal() error {
	var totalCharged, totalDirty uint64
	err := e.Table.Each(func(ate *mmu.ATE) error {
		c, d, err := e.swapOut(ate, 0, ate.NPages)
		totalCharged += c
		totalDirty += d
		if err != nil {
			return err
		}
		e.checkInvariants(ate)
		return nil
	})
	if totalCharged > 0 || totalDirty > 0 {
		bytes := int64(totalCharged) * int64(e.PageSize)
		dirtyBytes := int64(totalDirty) * int64(e.PageSize)
		if mevErr := e.IPC.Mevict(bytes, dirtyBytes); mevErr != nil && err == nil {
			err = mevErr
		}
	}
	return err
}
