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

import "github.com/jliverson5/sbma/pkg/sbma/mmu"

// Probe is the tagged result of counting pages that need admission. A
// probe that hit the aggressive-charging shortcut is tagged Whole so
// that multi-range aggregation charges it only once no matter how many
// ranges over the same ATE triggered it — the shortcut always reports
// the full page count regardless of the range actually requested.
type Probe struct {
	Pages uint64
	Whole bool
}

// Exact wraps a plain per-range page count.
func Exact(k uint64) Probe { return Probe{Pages: k} }

// WholeAllocation wraps the aggressive-charging shortcut's result: n is
// the ATE's total page count.
func WholeAllocation(n uint64) Probe { return Probe{Pages: n, Whole: true} }

// touchProbe counts pages in [beg, end) whose CHRGD bit is set (i.e.
// not charged). Under aggressive charging, if the whole allocation is
// currently uncharged, it returns the allocation's full page count
// directly without walking the flags array.
func (e *Engine) touchProbe(ate *mmu.ATE, beg, end uint64) Probe {
	if e.Opts.has(AGGCH) && e.Opts.has(LZYRD) && ate.CPages == 0 {
		return WholeAllocation(ate.NPages)
	}
	var n uint64
	for i := beg; i < end; i++ {
		if !ate.Charged(i) {
			n++
		}
	}
	return Exact(n)
}

// evictProbe counts pages in [beg, end) that are charged, and
// separately those that are dirty.
func (e *Engine) evictProbe(ate *mmu.ATE, beg, end uint64) (charged, dirty uint64) {
	for i := beg; i < end; i++ {
		if ate.Charged(i) {
			charged++
		}
		if ate.Dirty(i) {
			dirty++
		}
	}
	return charged, dirty
}
