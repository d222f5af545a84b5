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

// Package mmu implements the allocation-table engine: per-allocation
// page-state records (ATEs) and the process-wide table that indexes
// them by address range. Per-page flag mutation always happens under
// an ATE's own lock; the table's lock only ever guards the linked-list
// structure itself.
package mmu

import (
	"os"
	"sync"
)

// Flag is a per-page status bit. Every page of every allocation carries
// exactly these three persistent bits plus the charge bit.
type Flag uint8

const (
	// ZFILL clear means the page may be served by zero-fill; set means
	// it must be read from the backing file.
	ZFILL Flag = 1 << iota
	// RSDNT set means the page is not resident (logical not-present);
	// clear means the page is resident in RAM.
	RSDNT
	// DIRTY means the page has been written since the last flush. A
	// dirty page is always resident (DIRTY implies !RSDNT).
	DIRTY
	// CHRGD clear means the page holds an admission grant against the
	// global RAM budget; set means it is currently uncharged.
	CHRGD
)

// ATE is one allocation-table entry: the per-allocation record that
// ties a base address and page count to a per-page flags array and
// the cached tallies over it. The cached counts (LPages, CPages,
// DPages) must always equal the true tallies over Flags; every mutator
// on this type maintains that invariant itself so callers never need
// to recompute it by hand.
type ATE struct {
	mu sync.Mutex

	Base   uintptr
	NPages uint64
	LPages uint64 // pages with RSDNT clear
	CPages uint64 // pages with CHRGD clear
	DPages uint64 // pages with DIRTY set
	Flags  []uint8

	// Data is the mmap'd user-visible memory for this allocation, one
	// page_size slice per page, co-allocated conceptually (if not
	// byte-for-byte in this port) with Flags the way the original
	// library lays metadata, flags and user memory out in a single
	// mapping.
	Data []byte
	// File is the open backing file for this allocation; page p lives
	// at offset p*page_size. Owned and opened by the paging engine,
	// held here so swap routines never need a side table keyed by ATE.
	File *os.File
	Path string

	// MetaPages is the metadata overhead (in pages) charged against the
	// global budget alongside this allocation's data pages, when the
	// METACH option is set.
	MetaPages uint64

	prev, next *ATE
}

// NewATE builds an ATE for an allocation of nPages pages at base,
// backed by flags (an ordinary Go slice of nPages bytes).
// All pages start out non-resident, uncharged and zero-fill eligible.
func NewATE(base uintptr, nPages uint64, flags []uint8) *ATE {
	for i := range flags {
		flags[i] = uint8(RSDNT) | uint8(CHRGD)
	}
	return &ATE{
		Base:   base,
		NPages: nPages,
		Flags:  flags,
	}
}

// Lock acquires the ATE's own mutex. Table.Lookup returns an ATE
// already locked; direct callers (e.g. table iteration) must call this
// themselves.
func (a *ATE) Lock() { a.mu.Lock() }

// Unlock releases the ATE's own mutex.
func (a *ATE) Unlock() { a.mu.Unlock() }

// ZeroFillOK reports whether page i may be served by zero-fill rather
// than a read from the backing file.
func (a *ATE) ZeroFillOK(i uint64) bool { return a.Flags[i]&uint8(ZFILL) == 0 }

// Resident reports whether page i is currently resident in RAM.
func (a *ATE) Resident(i uint64) bool { return a.Flags[i]&uint8(RSDNT) == 0 }

// Dirty reports whether page i has been written since its last flush.
func (a *ATE) Dirty(i uint64) bool { return a.Flags[i]&uint8(DIRTY) != 0 }

// Charged reports whether page i currently holds an admission grant.
func (a *ATE) Charged(i uint64) bool { return a.Flags[i]&uint8(CHRGD) == 0 }

// SwapIn transitions page i from Absent to Loaded-Clean: clears RSDNT
// and CHRGD and bumps LPages/CPages. It is a silent no-op if the page
// is already resident, matching the original swap-in's "skip resident
// pages" behavior.
func (a *ATE) SwapIn(i uint64) {
	if a.Flags[i]&uint8(RSDNT) != 0 {
		a.Flags[i] &^= uint8(RSDNT)
		a.LPages++
	}
	if a.Flags[i]&uint8(CHRGD) != 0 {
		a.Flags[i] &^= uint8(CHRGD)
		a.CPages++
	}
}

// SwapOut transitions page i from Loaded-* to Absent: sets RSDNT and
// CHRGD, clears DIRTY, and drops LPages/CPages/DPages accordingly. If
// the page was dirty, ZFILL is set afterward, since the backing file
// now holds authoritative data that a future touch must read rather
// than zero-fill. It is the caller's responsibility to have already
// written the page out if wasDirty(i) was true before calling this.
func (a *ATE) SwapOut(i uint64) {
	wasLoaded := a.Flags[i]&uint8(RSDNT) == 0
	wasDirty := a.Flags[i]&uint8(DIRTY) != 0
	wasCharged := a.Flags[i]&uint8(CHRGD) == 0

	if wasLoaded {
		a.LPages--
	}
	if wasCharged {
		a.CPages--
	}
	if wasDirty {
		a.DPages--
	}

	a.Flags[i] |= uint8(RSDNT) | uint8(CHRGD)
	a.Flags[i] &^= uint8(DIRTY)
	if wasDirty {
		a.Flags[i] |= uint8(ZFILL)
	}
}

// MarkDirty transitions page i from Loaded-Clean to Loaded-Dirty. It is
// the Go-idiomatic stand-in for the original library's SIGSEGV-driven
// write fault: since this port does not intercept hardware write
// faults (see DESIGN.md), callers mark a page dirty explicitly after
// writing to it.
func (a *ATE) MarkDirty(i uint64) {
	if a.Flags[i]&uint8(DIRTY) == 0 {
		a.Flags[i] |= uint8(DIRTY)
		a.DPages++
	}
}

// ClearPage discards page i's backing-file contents: DIRTY and ZFILL
// are both cleared (a subsequent touch zero-fills instead of reading
// stale data) and DPages is adjusted if the page was dirty.
func (a *ATE) ClearPage(i uint64) {
	if a.Flags[i]&uint8(DIRTY) != 0 {
		a.Flags[i] &^= uint8(DIRTY)
		a.DPages--
	}
	a.Flags[i] &^= uint8(ZFILL)
}

// ChargeAll implements the aggressive-charging shortcut: it charges
// every page of the allocation at once and clears every CHRGD bit,
// even though most pages remain non-resident.
func (a *ATE) ChargeAll() {
	for i := range a.Flags {
		a.Flags[i] &^= uint8(CHRGD)
	}
	a.CPages = a.NPages
}

// CountTrue walks the flags array counting pages matching pred; used
// by the consistency checks (Check, and the CHECK option) to recompute true tallies
// independent of the cached counters.
func (a *ATE) CountTrue(pred func(i uint64) bool) uint64 {
	var n uint64
	for i := uint64(0); i < a.NPages; i++ {
		if pred(i) {
			n++
		}
	}
	return n
}
