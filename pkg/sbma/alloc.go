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

package sbma

import (
	"os"
	"unsafe"

	"github.com/jliverson5/sbma/pkg/sbma/mmu"
	"github.com/jliverson5/sbma/pkg/sbma/sbmaerr"
	"github.com/jliverson5/sbma/pkg/sbma/vmm"
)

// metaPagesPerAllocation is the fixed metadata overhead charged
// against the budget when METACH is set, covering the ATE record and
// its flags array. The original library sizes this exactly from the
// struct layout it co-allocates with user memory; this port keeps
// flags and the ATE record as ordinary Go allocations outside the
// mmap'd region, so one page is a deliberately simple stand-in (see
// DESIGN.md) rather than a byte-exact sizeof.
const metaPagesPerAllocation = 1

func ceilDivPages(bytes, pageSize uint64) uint64 {
	return (bytes + pageSize - 1) / pageSize
}

// Malloc admits and maps a new allocation of at least size bytes,
// returning the address of its first byte. Metadata pages are charged
// immediately (if METACH is set); the allocation's data pages start
// uncharged and non-resident, to be paged in by a later Mtouch.
func (s *Instance) Malloc(size uint64) (uintptr, error) {
	if size == 0 {
		return 0, sbmaerr.New(sbmaerr.Programmer, "malloc: size must be > 0")
	}
	nPages := ceilDivPages(size, s.pageSize)

	var metaPages uint64
	if s.engine.Opts.Has(vmm.METACH) {
		metaPages = metaPagesPerAllocation
		bytes := int64(metaPages) * int64(s.pageSize)
		for {
			err := s.ipc.Madmit(bytes, false)
			if err == nil {
				break
			}
			if sbmaerr.IsTransient(err) {
				continue
			}
			return 0, err
		}
	}

	data, err := vmm.MmapAllocation(nPages, s.pageSize)
	if err != nil {
		if metaPages > 0 {
			_ = s.ipc.Mevict(int64(metaPages)*int64(s.pageSize), 0)
		}
		return 0, sbmaerr.Wrap(sbmaerr.Resource, err, "malloc: mmap %d pages", nPages)
	}
	base := uintptr(unsafe.Pointer(&data[0]))

	path := s.engine.BackingPath(base)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		_ = vmm.MunmapAllocation(data)
		if metaPages > 0 {
			_ = s.ipc.Mevict(int64(metaPages)*int64(s.pageSize), 0)
		}
		return 0, sbmaerr.Wrap(sbmaerr.Resource, err, "malloc: create backing file %s", path)
	}

	ate := mmu.NewATE(base, nPages, make([]uint8, nPages))
	ate.Data = data
	ate.File = f
	ate.Path = path
	ate.MetaPages = metaPages
	s.table.Insert(ate)

	return base, nil
}

// Calloc is Malloc(num*size); all returned memory reads as zero once
// touched, the same as a fresh Malloc (pages start ZFILL-eligible).
func (s *Instance) Calloc(num, size uint64) (uintptr, error) {
	return s.Malloc(num * size)
}

// Free releases an allocation: its backing file is removed, its
// memory unmapped, its ATE unlinked from the table, and its remaining
// charge returned to the shared budget. addr must be the exact address
// Malloc/Calloc/Realloc returned; any other address is a programmer
// error, as is freeing the same address twice.
func (s *Instance) Free(addr uintptr) error {
	ate := s.table.Lookup(addr, uintptr(s.pageSize))
	if ate == nil {
		if s.markFreed(addr) {
			return sbmaerr.Wrap(sbmaerr.Programmer, sbmaerr.ErrDoubleFree, "free: %#x already freed", addr)
		}
		return sbmaerr.Wrap(sbmaerr.Programmer, sbmaerr.ErrNotAllocated, "free: %#x", addr)
	}
	if ate.Base != addr {
		ate.Unlock()
		return sbmaerr.Wrap(sbmaerr.Programmer, sbmaerr.ErrNotAllocated, "free: %#x is not an allocation base", addr)
	}

	charged := ate.CPages + ate.MetaPages
	dirty := ate.DPages
	path, file, data := ate.Path, ate.File, ate.Data

	// Release the ATE lock before taking the table lock in Invalidate:
	// table-then-ATE is the only legal acquisition order (table.go), so
	// unlinking must happen with this lock already dropped.
	ate.Unlock()
	s.table.Invalidate(ate)
	s.markFreed(addr)

	if file != nil {
		_ = file.Close()
	}
	if path != "" {
		_ = os.Remove(path)
	}
	if data != nil {
		_ = vmm.MunmapAllocation(data)
	}

	if charged == 0 && dirty == 0 {
		return nil
	}
	bytes := int64(charged) * int64(s.pageSize)
	dirtyBytes := int64(dirty) * int64(s.pageSize)
	for {
		err := s.ipc.Mevict(bytes, dirtyBytes)
		if err == nil {
			return nil
		}
		if sbmaerr.IsTransient(err) {
			continue
		}
		return err
	}
}

func tallyFlags(flags []uint8) (l, c, d uint64) {
	for _, f := range flags {
		if f&uint8(mmu.RSDNT) == 0 {
			l++
		}
		if f&uint8(mmu.CHRGD) == 0 {
			c++
		}
		if f&uint8(mmu.DIRTY) != 0 {
			d++
		}
	}
	return l, c, d
}

// Realloc resizes an existing allocation in place where possible. On
// shrink, the resident prefix up to the new page count is preserved
// unchanged and the released tail's charge is returned to the shared
// budget immediately. On grow, the existing contents are preserved and
// the new tail pages start uncharged and non-resident, same as a fresh
// Malloc. Growing may return a different address than addr; shrinking
// never does.
func (s *Instance) Realloc(addr uintptr, newSize uint64) (uintptr, error) {
	if newSize == 0 {
		return 0, s.Free(addr)
	}
	ate := s.table.Lookup(addr, uintptr(s.pageSize))
	if ate == nil {
		return 0, sbmaerr.Wrap(sbmaerr.Programmer, sbmaerr.ErrNotAllocated, "realloc: %#x", addr)
	}
	if ate.Base != addr {
		ate.Unlock()
		return 0, sbmaerr.Wrap(sbmaerr.Programmer, sbmaerr.ErrNotAllocated, "realloc: %#x is not an allocation base", addr)
	}

	newNPages := ceilDivPages(newSize, s.pageSize)
	if newNPages == ate.NPages {
		ate.Unlock()
		return addr, nil
	}

	if newNPages < ate.NPages {
		return s.reallocShrink(ate, newNPages)
	}
	return s.reallocGrow(ate, newNPages)
}

// reallocShrink is called with ate locked; it returns with ate already
// unlocked either way.
func (s *Instance) reallocShrink(ate *mmu.ATE, newNPages uint64) (uintptr, error) {
	var charged, dirty uint64
	for i := newNPages; i < ate.NPages; i++ {
		if ate.Charged(i) {
			charged++
		}
		if ate.Resident(i) && ate.Dirty(i) {
			if err := s.engine.FlushPage(ate, i); err != nil {
				ate.Unlock()
				return 0, sbmaerr.Wrap(sbmaerr.Resource, err, "realloc: flush page %d of %#x", i, ate.Base)
			}
			dirty++
		}
	}

	tailStart := newNPages * s.pageSize
	tail := ate.Data[tailStart:]
	if len(tail) > 0 {
		_ = vmm.MunmapAllocation(tail)
	}

	ate.Data = ate.Data[:tailStart]
	ate.Flags = ate.Flags[:newNPages]
	ate.NPages = newNPages
	ate.LPages, ate.CPages, ate.DPages = tallyFlags(ate.Flags)
	base := ate.Base
	ate.Unlock()

	if charged > 0 || dirty > 0 {
		bytes := int64(charged) * int64(s.pageSize)
		dirtyBytes := int64(dirty) * int64(s.pageSize)
		for {
			err := s.ipc.Mevict(bytes, dirtyBytes)
			if err == nil {
				break
			}
			if sbmaerr.IsTransient(err) {
				continue
			}
			return 0, err
		}
	}
	return base, nil
}

// reallocGrow is called with ate locked; it returns with ate already
// unlocked either way.
func (s *Instance) reallocGrow(ate *mmu.ATE, newNPages uint64) (uintptr, error) {
	newData, err := vmm.MmapAllocation(newNPages, s.pageSize)
	if err != nil {
		ate.Unlock()
		return 0, sbmaerr.Wrap(sbmaerr.Resource, err, "realloc: mmap %d pages", newNPages)
	}
	copy(newData, ate.Data)
	oldData := ate.Data
	oldPath := ate.Path

	newBase := uintptr(unsafe.Pointer(&newData[0]))
	newPath := s.engine.BackingPath(newBase)
	if oldPath != "" {
		if err := os.Rename(oldPath, newPath); err != nil {
			_ = vmm.MunmapAllocation(newData)
			ate.Unlock()
			return 0, sbmaerr.Wrap(sbmaerr.Resource, err, "realloc: rename backing file %s -> %s", oldPath, newPath)
		}
	}

	newFlags := make([]uint8, newNPages)
	copy(newFlags, ate.Flags)
	for i := ate.NPages; i < newNPages; i++ {
		newFlags[i] = uint8(mmu.RSDNT) | uint8(mmu.CHRGD)
	}

	ate.Base = newBase
	ate.Data = newData
	ate.Flags = newFlags
	ate.Path = newPath
	ate.NPages = newNPages
	ate.LPages, ate.CPages, ate.DPages = tallyFlags(newFlags)

	// Release the ATE lock before Invalidate/Insert take the table lock:
	// table-then-ATE is the only legal acquisition order (table.go).
	ate.Unlock()
	s.table.Invalidate(ate)
	s.table.Insert(ate)

	_ = vmm.MunmapAllocation(oldData)
	return newBase, nil
}
