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

func (e *Engine) pageBytes(ate *mmu.ATE, i uint64) []byte {
	off := i * e.PageSize
	return ate.Data[off : off+e.PageSize]
}

// FlushPage writes page i's current bytes to the backing file without
// touching its flags; used by realloc's shrink path to preserve a
// dirty tail page's contents before the page itself is dropped.
func (e *Engine) FlushPage(ate *mmu.ATE, i uint64) error {
	return e.writePage(ate, i, e.pageBytes(ate, i))
}

// swapIn reads or zero-fills every non-resident page in [beg, end) and
// marks it resident. Ghost mode (GHOST option) is not distinguished:
// a ghost swap-in performs the same read or zero-fill as an ordinary
// one.
func (e *Engine) swapIn(ate *mmu.ATE, beg, end uint64) error {
	for i := beg; i < end; i++ {
		if ate.Resident(i) {
			continue
		}
		page := e.pageBytes(ate, i)
		if ate.ZeroFillOK(i) {
			for j := range page {
				page[j] = 0
			}
		} else if err := e.readPage(ate, i, page); err != nil {
			return sbmaerr.Wrap(sbmaerr.Resource, err, "swap-in: read page %d of %#x", i, ate.Base)
		}
		ate.SwapIn(i)
	}
	return nil
}

// swapOut flushes every dirty page in [beg, end) to the backing file,
// releases the RAM behind the whole range with one madvise call, and
// marks every page in range absent. It returns the charged and dirty
// page counts it cleared, for the caller to report to ipc.Mevict.
func (e *Engine) swapOut(ate *mmu.ATE, beg, end uint64) (charged, dirty uint64, err error) {
	for i := beg; i < end; i++ {
		if ate.Resident(i) && ate.Dirty(i) {
			if werr := e.writePage(ate, i, e.pageBytes(ate, i)); werr != nil {
				return charged, dirty, sbmaerr.Wrap(sbmaerr.Resource, werr, "swap-out: write page %d of %#x", i, ate.Base)
			}
		}
	}

	if end > beg {
		if merr := e.releaseRange(ate, beg, end); merr != nil {
			return charged, dirty, sbmaerr.Wrap(sbmaerr.Resource, merr, "swap-out: release pages [%d,%d) of %#x", beg, end, ate.Base)
		}
	}

	for i := beg; i < end; i++ {
		if ate.Charged(i) {
			charged++
		}
		if ate.Dirty(i) {
			dirty++
		}
		ate.SwapOut(i)
	}
	return charged, dirty, nil
}

// clearRange discards the backing-file contents of every page fully
// inside [beg, end), returning the number of dirty pages it cleared
// (needed for the corresponding ipc.Mevict(0, dirty) call).
func (e *Engine) clearRange(ate *mmu.ATE, beg, end uint64) (dirty uint64) {
	for i := beg; i < end; i++ {
		if ate.Dirty(i) {
			dirty++
		}
		ate.ClearPage(i)
		if !ate.Resident(i) {
			continue
		}
		page := e.pageBytes(ate, i)
		for j := range page {
			page[j] = 0
		}
	}
	return dirty
}
