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

// Range is one (addr, len) pair in a multi-range touch request.
type Range struct {
	Addr uintptr
	Len  uint64
}

// Touch pages in [addr, addr+length) of whatever allocation contains
// addr, admitting and charging whatever is not already charged.
func (e *Engine) Touch(addr uintptr, length uint64) error {
	ate, err := e.lookup(addr)
	if err != nil {
		return err
	}
	beg, end := touchIndices(addr, ate.Base, length, e.PageSize)
	return e.touchLocked(ate, beg, end)
}

// TouchAll pages the whole of the allocation containing addr.
func (e *Engine) TouchAll(addr uintptr) error {
	ate, err := e.lookup(addr)
	if err != nil {
		return err
	}
	return e.touchLocked(ate, 0, ate.NPages)
}

// touchLocked runs the admit-then-apply loop on an ATE returned locked
// by a table lookup. Admission never happens while the ATE lock is
// held: probe, release, block on madmit, reacquire, then apply, so a
// long rendezvous wait never blocks unrelated touches of the same
// allocation from at least making progress on the lock. A transient
// admission failure loops back to a fresh probe; after a successful
// admission the range is applied without probing again.
func (e *Engine) touchLocked(ate *mmu.ATE, beg, end uint64) error {
	defer ate.Unlock()
	if end > ate.NPages || beg > end {
		return sbmaerr.Wrap(sbmaerr.Programmer, sbmaerr.ErrOverlap, "touch: range [%d,%d) exceeds %d pages", beg, end, ate.NPages)
	}

	for {
		probe := e.touchProbe(ate, beg, end)
		if probe.Pages == 0 {
			break
		}
		bytes := int64(probe.Pages) * int64(e.PageSize)

		ate.Unlock()
		admitErr := e.IPC.Madmit(bytes, e.Opts.has(ADMITD))
		ate.Lock()

		if admitErr != nil {
			if sbmaerr.IsTransient(admitErr) {
				continue
			}
			return admitErr
		}
		if probe.Whole {
			ate.ChargeAll()
		}
		break
	}

	if err := e.swapIn(ate, beg, end); err != nil {
		return err
	}
	e.checkInvariants(ate)
	return nil
}

// dedupRanges groups ranges by ATE, merging any pair whose page-spans
// over the same ATE overlap into the enclosing span, per the spec's
// multi-range dedup rule. Disjoint ranges of the same ATE stay
// separate. Every ATE is looked up (and so locked) at most once; this
// returns each distinct ATE locked, with its merged list of disjoint
// [beg,end) spans.
func (e *Engine) dedupRanges(ranges []Range) ([]*mmu.ATE, [][][2]uint64, error) {
	var ates []*mmu.ATE
	var spans [][][2]uint64

	for _, r := range ranges {
		// An ATE already held for an earlier range is reused without a
		// second Lookup: its lock is not recursive.
		idx := -1
		for i, a := range ates {
			if r.Addr >= a.Base && r.Addr < a.Base+uintptr(a.NPages)*uintptr(e.PageSize) {
				idx = i
				break
			}
		}
		var ate *mmu.ATE
		if idx >= 0 {
			ate = ates[idx]
		} else if ate = e.Table.Lookup(r.Addr, uintptr(e.PageSize)); ate == nil {
			for _, a := range ates {
				a.Unlock()
			}
			return nil, nil, sbmaerr.Wrap(sbmaerr.Programmer, sbmaerr.ErrNotAllocated, "touch-atomic: address %#x", r.Addr)
		}
		beg, end := touchIndices(r.Addr, ate.Base, r.Len, e.PageSize)

		if idx < 0 {
			ates = append(ates, ate)
			spans = append(spans, [][2]uint64{{beg, end}})
			continue
		}
		// Same ATE as an earlier range: merge the span list, combining
		// any overlapping pair into its enclosing range.
		merged := false
		for i, s := range spans[idx] {
			if beg < s[1] && s[0] < end {
				lo, hi := s[0], s[1]
				if beg < lo {
					lo = beg
				}
				if end > hi {
					hi = end
				}
				spans[idx][i] = [2]uint64{lo, hi}
				merged = true
				break
			}
		}
		if !merged {
			spans[idx] = append(spans[idx], [2]uint64{beg, end})
		}
	}
	return ates, spans, nil
}

// TouchAtomic admits and applies every range in ranges as a single
// admission: it computes the total charge as one sum (with the
// aggressive-charging shortcut contributing only once per ATE no
// matter how many of its ranges trigger it) and holds every involved
// ATE's lock for the duration, so no other touch interleaves with this
// one's view of charged-page counts. Any failure releases all locks.
func (e *Engine) TouchAtomic(ranges []Range) error {
	ates, spans, err := e.dedupRanges(ranges)
	if err != nil {
		return err
	}
	defer func() {
		for _, a := range ates {
			a.Unlock()
		}
	}()

	var total uint64
	wholeCharged := make([]bool, len(ates))
	perSpanProbe := make([][]Probe, len(ates))

	for ai, ate := range ates {
		perSpanProbe[ai] = make([]Probe, len(spans[ai]))
		for si, s := range spans[ai] {
			p := e.touchProbe(ate, s[0], s[1])
			perSpanProbe[ai][si] = p
			if p.Whole {
				if !wholeCharged[ai] {
					total += p.Pages
					wholeCharged[ai] = true
				}
				// A second span over an already-whole-charged ATE
				// contributes nothing further: the shortcut already
				// accounted for every page of the allocation.
				continue
			}
			total += p.Pages
		}
	}

	if total > 0 {
		bytes := int64(total) * int64(e.PageSize)
		for {
			err := e.IPC.Madmit(bytes, e.Opts.has(ADMITD))
			if err == nil {
				break
			}
			if sbmaerr.IsTransient(err) {
				continue
			}
			return err
		}
	}

	for ai, ate := range ates {
		if wholeCharged[ai] {
			ate.ChargeAll()
		}
		for _, s := range spans[ai] {
			if err := e.swapIn(ate, s[0], s[1]); err != nil {
				return err
			}
		}
		e.checkInvariants(ate)
	}
	return nil
}
