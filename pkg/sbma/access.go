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

import "github.com/jliverson5/sbma/pkg/sbma/sbmaerr"

// Bytes returns a byte slice view over addr's whole allocation, the
// Go-idiomatic stand-in for the pointer a C caller gets back from
// malloc: read and write through it directly. Writing through this
// slice does not itself flag a page dirty; call MarkDirty afterward so
// a later Mevict knows to flush it.
func (s *Instance) Bytes(addr uintptr) ([]byte, error) {
	ate := s.table.Lookup(addr, uintptr(s.pageSize))
	if ate == nil {
		return nil, sbmaerr.Wrap(sbmaerr.Programmer, sbmaerr.ErrNotAllocated, "bytes: %#x", addr)
	}
	defer ate.Unlock()
	if ate.Base != addr {
		return nil, sbmaerr.Wrap(sbmaerr.Programmer, sbmaerr.ErrNotAllocated, "bytes: %#x is not an allocation base", addr)
	}
	return ate.Data, nil
}

// MarkDirty flags the page containing addr as written-since-last-flush.
// addr's page must already be resident (via Mtouch) — marking an absent
// page dirty would violate the DIRTY ⇒ ¬RSDNT invariant Check enforces,
// so this returns a Programmer error instead. See mmu.ATE.MarkDirty and
// DESIGN.md Open Question 8 for why this is an explicit call rather than
// a write-fault trap.
func (s *Instance) MarkDirty(addr uintptr) error {
	ate := s.table.Lookup(addr, uintptr(s.pageSize))
	if ate == nil {
		return sbmaerr.Wrap(sbmaerr.Programmer, sbmaerr.ErrNotAllocated, "mark-dirty: %#x", addr)
	}
	defer ate.Unlock()
	off := uint64(addr - ate.Base)
	i := off / s.pageSize
	if !ate.Resident(i) {
		return sbmaerr.Wrap(sbmaerr.Programmer, sbmaerr.ErrNotAllocated, "mark-dirty: %#x is not resident", addr)
	}
	ate.MarkDirty(i)
	return nil
}
