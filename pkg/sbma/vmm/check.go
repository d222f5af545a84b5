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

// Check walks every allocation, recomputes true l_pages/c_pages/d_pages
// from the raw flags array, and compares them against the cached
// counters; it also compares the sum of charged bytes across every ATE
// (plus metadata overhead when METACH is set) against this peer's
// pmem slot in the shared segment. Any mismatch is a Fatal error
// naming the offending ATE.
func (e *Engine) Check() error {
	var sumCharged uint64
	err := e.Table.Each(func(ate *mmu.ATE) error {
		lTrue := ate.CountTrue(func(i uint64) bool { return ate.Resident(i) })
		cTrue := ate.CountTrue(func(i uint64) bool { return ate.Charged(i) })
		dTrue := ate.CountTrue(func(i uint64) bool { return ate.Dirty(i) })

		if lTrue != ate.LPages {
			return sbmaerr.New(sbmaerr.Fatal, "check: ate %#x: l_pages cached=%d true=%d", ate.Base, ate.LPages, lTrue)
		}
		if cTrue != ate.CPages {
			return sbmaerr.New(sbmaerr.Fatal, "check: ate %#x: c_pages cached=%d true=%d", ate.Base, ate.CPages, cTrue)
		}
		if dTrue != ate.DPages {
			return sbmaerr.New(sbmaerr.Fatal, "check: ate %#x: d_pages cached=%d true=%d", ate.Base, ate.DPages, dTrue)
		}
		for i := uint64(0); i < ate.NPages; i++ {
			if ate.Dirty(i) && !ate.Resident(i) {
				return sbmaerr.New(sbmaerr.Fatal, "check: ate %#x: page %d is DIRTY but not resident", ate.Base, i)
			}
		}

		sumCharged += ate.CPages
		if e.Opts.has(METACH) {
			sumCharged += ate.MetaPages
		}
		return nil
	})
	if err != nil {
		return err
	}

	wantPmem := int64(sumCharged) * int64(e.PageSize)
	gotPmem := e.IPC.Pmem(e.IPC.ID())
	if wantPmem != gotPmem {
		return sbmaerr.New(sbmaerr.Fatal, "check: pmem[self]=%d but sum of charged pages over all ATEs is %d", gotPmem, wantPmem)
	}
	if e.IPC.Eligible(e.IPC.ID()) {
		return sbmaerr.New(sbmaerr.Fatal, "check: self is ELIGIBLE outside of madmit")
	}
	return nil
}
