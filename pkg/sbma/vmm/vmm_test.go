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
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/jliverson5/sbma/pkg/sbma/ipc"
	"github.com/jliverson5/sbma/pkg/sbma/mmu"
)

const testPageSize = uint64(4096)

// testHarness wires one Engine backed by a throwaway IPC segment and
// fstem directory, mirroring what the sbma facade's Init/Malloc do, but
// exposed directly so vmm's own entry points can be exercised without
// going through the facade.
type testHarness struct {
	t      *testing.T
	engine *Engine
	ctl    *ipc.Controller
	dir    string
}

func newHarness(t *testing.T, nProcs int, maxMem int64, opts Opts) *testHarness {
	t.Helper()
	dir := t.TempDir()
	uniq := os.Getpid()*1000 + int(int32(len(t.Name())))*7 + 3

	ctl, err := ipc.Init(uniq, nProcs, maxMem)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctl.Destroy() })

	table := mmu.NewTable()
	engine := NewEngine(table, ctl, testPageSize, opts, filepath.Join(dir, "sbma-")+"", os.Getpid())
	return &testHarness{t: t, engine: engine, ctl: ctl, dir: dir}
}

// newAlloc builds an nPages allocation the way sbma.Malloc does: an
// anonymous mmap for Data, a backing file, and an ATE inserted into the
// engine's table. It returns the ATE's base address.
func (h *testHarness) newAlloc(nPages uint64) uintptr {
	h.t.Helper()
	data, err := MmapAllocation(nPages, testPageSize)
	require.NoError(h.t, err)
	base := uintptr(unsafe.Pointer(&data[0]))

	path := h.engine.BackingPath(base)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	require.NoError(h.t, err)
	h.t.Cleanup(func() {
		_ = f.Close()
		_ = os.Remove(path)
		_ = MunmapAllocation(data)
	})

	ate := mmu.NewATE(base, nPages, make([]uint8, nPages))
	ate.Data = data
	ate.File = f
	ate.Path = path
	h.engine.Table.Insert(ate)
	return base
}

func TestTouchChargesAndSwapsInExactRange(t *testing.T) {
	h := newHarness(t, 2, 1<<20, 0)
	base := h.newAlloc(4)

	require.NoError(t, h.engine.Touch(base, testPageSize*2))

	ate := h.engine.Table.Lookup(base, uintptr(testPageSize))
	require.NotNil(t, ate)
	require.EqualValues(t, 2, ate.LPages)
	require.EqualValues(t, 2, ate.CPages)
	ate.Unlock()

	require.EqualValues(t, int64(2*testPageSize), h.ctl.Pmem(h.ctl.ID()))
}

func TestTouchAllChargesEveryPage(t *testing.T) {
	h := newHarness(t, 2, 1<<20, 0)
	base := h.newAlloc(3)

	require.NoError(t, h.engine.TouchAll(base))

	ate := h.engine.Table.Lookup(base, uintptr(testPageSize))
	require.EqualValues(t, 3, ate.LPages)
	require.EqualValues(t, 3, ate.CPages)
	ate.Unlock()
}

func TestTouchReadsZeroOnFreshAllocation(t *testing.T) {
	h := newHarness(t, 2, 1<<20, 0)
	base := h.newAlloc(1)
	require.NoError(t, h.engine.Touch(base, testPageSize))

	ate := h.engine.Table.Lookup(base, uintptr(testPageSize))
	for _, b := range ate.Data {
		require.Zero(t, b)
	}
	ate.Unlock()
}

func TestEvictFlushesDirtyPageAndReturnsCharge(t *testing.T) {
	h := newHarness(t, 2, 1<<20, 0)
	base := h.newAlloc(1)
	require.NoError(t, h.engine.Touch(base, testPageSize))

	ate := h.engine.Table.Lookup(base, uintptr(testPageSize))
	ate.Data[0] = 0xAB
	ate.MarkDirty(0)
	ate.Unlock()

	require.NoError(t, h.engine.EvictAll(base))

	ate = h.engine.Table.Lookup(base, uintptr(testPageSize))
	require.False(t, ate.Resident(0))
	require.False(t, ate.Charged(0))
	require.False(t, ate.Dirty(0))
	ate.Unlock()

	require.EqualValues(t, 1<<20, h.ctl.Smem())

	// re-touching must read the flushed byte back rather than zero-fill.
	require.NoError(t, h.engine.Touch(base, testPageSize))
	ate = h.engine.Table.Lookup(base, uintptr(testPageSize))
	require.EqualValues(t, byte(0xAB), ate.Data[0])
	ate.Unlock()
}

func TestClearDiscardsOnlyFullyCoveredPages(t *testing.T) {
	h := newHarness(t, 2, 1<<20, 0)
	base := h.newAlloc(2)
	require.NoError(t, h.engine.TouchAll(base))

	ate := h.engine.Table.Lookup(base, uintptr(testPageSize))
	ate.MarkDirty(0)
	ate.MarkDirty(1)
	ate.Unlock()

	// a request covering only the first page leaves the second alone.
	require.NoError(t, h.engine.Clear(base, testPageSize))
	ate = h.engine.Table.Lookup(base, uintptr(testPageSize))
	require.False(t, ate.Dirty(0))
	require.True(t, ate.Dirty(1))
	ate.Unlock()

	require.NoError(t, h.engine.ClearAll(base))
	ate = h.engine.Table.Lookup(base, uintptr(testPageSize))
	require.False(t, ate.Dirty(0))
	require.False(t, ate.Dirty(1))
	ate.Unlock()
}

func TestClearOfSubPageRangeIsNoopNotOverlapError(t *testing.T) {
	h := newHarness(t, 2, 1<<20, 0)
	base := h.newAlloc(1)
	require.NoError(t, h.engine.TouchAll(base))

	ate := h.engine.Table.Lookup(base, uintptr(testPageSize))
	ate.MarkDirty(0)
	ate.Unlock()

	// A 1-byte range starting mid-page covers no page fully; it must be
	// a no-op, not sbmaerr.ErrOverlap.
	require.NoError(t, h.engine.Clear(base+1, 1))

	ate = h.engine.Table.Lookup(base, uintptr(testPageSize))
	require.True(t, ate.Dirty(0), "a sub-page clear request must not touch the page it partially overlaps")
	ate.Unlock()
}

func TestTouchAtomicDedupsOverlappingRangesOfSameAllocation(t *testing.T) {
	h := newHarness(t, 2, 1<<20, 0)
	base := h.newAlloc(8)

	err := h.engine.TouchAtomic([]Range{
		{Addr: base, Len: testPageSize * 3},
		{Addr: base + uintptr(testPageSize*2), Len: testPageSize * 3},
	})
	require.NoError(t, err)

	ate := h.engine.Table.Lookup(base, uintptr(testPageSize))
	// ranges [0,3) and [2,5) merge into [0,5): exactly 5 pages charged,
	// not 6, proving the overlapping page was admitted once.
	require.EqualValues(t, 5, ate.CPages)
	ate.Unlock()

	require.EqualValues(t, int64(5*testPageSize), h.ctl.Pmem(h.ctl.ID()))
}

func TestTouchAtomicAcrossTwoAllocationsSumsCharge(t *testing.T) {
	h := newHarness(t, 2, 1<<20, 0)
	baseA := h.newAlloc(2)
	baseB := h.newAlloc(2)

	err := h.engine.TouchAtomic([]Range{
		{Addr: baseA, Len: testPageSize * 2},
		{Addr: baseB, Len: testPageSize * 2},
	})
	require.NoError(t, err)
	require.EqualValues(t, int64(4*testPageSize), h.ctl.Pmem(h.ctl.ID()))
}

func TestAggressiveChargingShortcutChargesWholeAllocationOnFirstTouch(t *testing.T) {
	h := newHarness(t, 2, 1<<20, AGGCH|LZYRD)
	base := h.newAlloc(10)

	require.NoError(t, h.engine.Touch(base, testPageSize))

	ate := h.engine.Table.Lookup(base, uintptr(testPageSize))
	require.EqualValues(t, 10, ate.CPages, "aggressive charging should charge every page on first touch")
	require.EqualValues(t, 1, ate.LPages, "only the requested page should actually be resident")
	ate.Unlock()
}

func TestCheckPassesOnConsistentState(t *testing.T) {
	h := newHarness(t, 2, 1<<20, CHECK)
	base := h.newAlloc(3)
	require.NoError(t, h.engine.Touch(base, testPageSize*2))

	require.NoError(t, h.engine.Check())
}

func TestExistsReflectsResidency(t *testing.T) {
	h := newHarness(t, 2, 1<<20, 0)
	base := h.newAlloc(2)

	resident, err := h.engine.Exists(base)
	require.NoError(t, err)
	require.False(t, resident)

	require.NoError(t, h.engine.Touch(base, testPageSize))
	resident, err = h.engine.Exists(base)
	require.NoError(t, err)
	require.True(t, resident)
}
