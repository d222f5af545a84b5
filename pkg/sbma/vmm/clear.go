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
	"github.com/jliverson5/sbma/pkg/sbma/sbmaerr"
)

// Clear discards the backing-file contents of every page fully inside
// [addr, addr+length) — partially overlapped edge pages are left
// alone. No admission is needed: clearing never increases residency.
func (e *Engine) Clear(addr uintptr, length uint64) error {
	ate, err := e.lookup(addr)
	if err != nil {
		return err
	}
	defer ate.Unlock()

	beg, end := clearIndices(addr, ate.Base, length, e.PageSize)
	if end > ate.NPages {
		return sbmaerr.Wrap(sbmaerr.Programmer, sbmaerr.ErrOverlap, "clear: range [%d,%d) exceeds %d pages", beg, end, ate.NPages)
	}
	if beg >= end {
		// The request doesn't fully cover any page (e.g. both ends land
		// inside the same page): nothing to discard, not an overlap.
		return nil
	}
	dirty := e.clearRange(ate, beg, end)
	e.checkInvariants(ate)

	if dirty == 0 {
		return nil
	}
	dirtyBytes := int64(dirty) * int64(e.PageSize)
	for {
		err := e.IPC.Mevict(0, dirtyBytes)
		if err == nil {
			return nil
		}
		if sbmaerr.IsTransient(err) {
			continue
		}
		return err
	}
}

// ClearAll clears every page of the allocation containing addr.
func (e *Engine) ClearAll(addr uintptr) error {
	ate, err := e.lookup(addr)
	if err != nil {
		return err
	}
	defer ate.Unlock()

	dirty := e.clearRange(ate, 0, ate.NPages)
	e.checkInvariants(ate)

	if dirty == 0 {
		return nil
	}
	dirtyBytes := int64(dirty) * int64(e.PageSize)
	for {
		err := e.IPC.Mevict(0, dirtyBytes)
		if err == nil {
			return nil
		}
		if sbmaerr.IsTransient(err) {
			continue
		}
		return err
	}
}

// Exists reports whether the page containing addr is currently
// resident.
func (e *Engine) Exists(addr uintptr) (bool, error) {
	ate, err := e.lookup(addr)
	if err != nil {
		return false, err
	}
	defer ate.Unlock()

	off := uint64(addr - ate.Base)
	i := off / e.PageSize
	return ate.Resident(i), nil
}
