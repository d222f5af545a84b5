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

package mmu

import "testing"

func TestNewATEStartsAbsent(t *testing.T) {
	flags := make([]uint8, 4)
	ate := NewATE(0x1000, 4, flags)

	if ate.LPages != 0 || ate.CPages != 0 || ate.DPages != 0 {
		t.Fatalf("expected all-zero cached counts, got l=%d c=%d d=%d", ate.LPages, ate.CPages, ate.DPages)
	}
	for i := uint64(0); i < ate.NPages; i++ {
		if ate.Resident(i) {
			t.Errorf("page %d: expected non-resident", i)
		}
		if ate.Charged(i) {
			t.Errorf("page %d: expected uncharged", i)
		}
		if ate.Dirty(i) {
			t.Errorf("page %d: expected clean", i)
		}
		if !ate.ZeroFillOK(i) {
			t.Errorf("page %d: expected zero-fill eligible", i)
		}
	}
}

func TestSwapInSwapOutRoundTrip(t *testing.T) {
	ate := NewATE(0, 2, make([]uint8, 2))

	ate.SwapIn(0)
	if !ate.Resident(0) || !ate.Charged(0) {
		t.Fatalf("page 0 expected resident+charged after SwapIn")
	}
	if ate.LPages != 1 || ate.CPages != 1 {
		t.Fatalf("expected l=1 c=1 after one SwapIn, got l=%d c=%d", ate.LPages, ate.CPages)
	}

	// swapping in an already-resident page is a no-op.
	ate.SwapIn(0)
	if ate.LPages != 1 || ate.CPages != 1 {
		t.Fatalf("double SwapIn changed counts: l=%d c=%d", ate.LPages, ate.CPages)
	}

	ate.MarkDirty(0)
	if !ate.Dirty(0) || ate.DPages != 1 {
		t.Fatalf("expected page 0 dirty after MarkDirty")
	}

	ate.SwapOut(0)
	if ate.Resident(0) || ate.Charged(0) || ate.Dirty(0) {
		t.Fatalf("expected page 0 absent+uncharged+clean after SwapOut")
	}
	if ate.LPages != 0 || ate.CPages != 0 || ate.DPages != 0 {
		t.Fatalf("expected all counts zero after SwapOut, got l=%d c=%d d=%d", ate.LPages, ate.CPages, ate.DPages)
	}
	if ate.ZeroFillOK(0) {
		t.Errorf("page swapped out dirty must not be zero-fill eligible afterward")
	}
}

func TestSwapOutCleanPageStaysZeroFillEligible(t *testing.T) {
	ate := NewATE(0, 1, make([]uint8, 1))
	ate.SwapIn(0)
	ate.SwapOut(0)

	if !ate.ZeroFillOK(0) {
		t.Errorf("a page swapped out clean (never dirtied) should remain zero-fill eligible")
	}
}

func TestClearPageResetsDirtyAndZfill(t *testing.T) {
	ate := NewATE(0, 1, make([]uint8, 1))
	ate.SwapIn(0)
	ate.MarkDirty(0)
	ate.SwapOut(0) // now DIRTY cleared, ZFILL set, absent

	ate.SwapIn(0) // re-touch; ZFILL still set so a real read would be needed
	ate.ClearPage(0)

	if ate.Dirty(0) {
		t.Errorf("ClearPage should leave the page clean")
	}
	if !ate.ZeroFillOK(0) {
		t.Errorf("ClearPage should make the page zero-fill eligible again")
	}
}

func TestChargeAllChargesEveryPage(t *testing.T) {
	ate := NewATE(0, 8, make([]uint8, 8))
	ate.ChargeAll()

	if ate.CPages != ate.NPages {
		t.Fatalf("expected CPages == NPages == %d, got %d", ate.NPages, ate.CPages)
	}
	for i := uint64(0); i < ate.NPages; i++ {
		if !ate.Charged(i) {
			t.Errorf("page %d expected charged", i)
		}
		if ate.Resident(i) {
			t.Errorf("page %d should still be non-resident after ChargeAll", i)
		}
	}
}

func TestCountTrueMatchesCachedCounters(t *testing.T) {
	ate := NewATE(0, 4, make([]uint8, 4))
	ate.SwapIn(0)
	ate.SwapIn(1)
	ate.MarkDirty(1)

	lTrue := ate.CountTrue(func(i uint64) bool { return ate.Resident(i) })
	cTrue := ate.CountTrue(func(i uint64) bool { return ate.Charged(i) })
	dTrue := ate.CountTrue(func(i uint64) bool { return ate.Dirty(i) })

	if lTrue != ate.LPages || cTrue != ate.CPages || dTrue != ate.DPages {
		t.Fatalf("recomputed(l=%d,c=%d,d=%d) != cached(l=%d,c=%d,d=%d)",
			lTrue, cTrue, dTrue, ate.LPages, ate.CPages, ate.DPages)
	}
}
