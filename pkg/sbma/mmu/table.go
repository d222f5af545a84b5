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

import (
	"sync"

	multierror "github.com/hashicorp/go-multierror"
)

// Table is the process-wide doubly linked list of ATEs, protected by
// one mutex. The only legal lock order in this package and its callers
// is table-then-ATE: Lookup acquires the table lock, then (on a hit)
// the found ATE's own lock, then releases the table lock before
// returning — never the reverse.
type Table struct {
	mu   sync.Mutex
	head *ATE
}

// NewTable returns an empty allocation table.
func NewTable() *Table {
	return &Table{}
}

// Insert prepends ate to the table under the table lock.
func (t *Table) Insert(ate *ATE) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ate.prev = nil
	ate.next = t.head
	if t.head != nil {
		t.head.prev = ate
	}
	t.head = ate
}

// Invalidate unlinks ate from the table under the table lock. It does
// not lock or unlock ate itself; the caller owns that.
func (t *Table) Invalidate(ate *ATE) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ate.prev != nil {
		ate.prev.next = ate.next
	} else if t.head == ate {
		t.head = ate.next
	}
	if ate.next != nil {
		ate.next.prev = ate.prev
	}
	ate.prev, ate.next = nil, nil
}

// Lookup walks the table for the ATE whose [Base, Base+NPages*pageSize)
// range contains addr. On a hit it returns the ATE already locked,
// with the table lock released. On a miss it returns nil — the
// absence sentinel named in the spec. Callers that get a non-nil ATE
// back must Unlock it when done.
func (t *Table) Lookup(addr uintptr, pageSize uintptr) *ATE {
	t.mu.Lock()

	for a := t.head; a != nil; a = a.next {
		end := a.Base + uintptr(a.NPages)*pageSize
		if addr >= a.Base && addr < end {
			a.Lock()
			t.mu.Unlock()
			return a
		}
	}

	t.mu.Unlock()
	return nil
}

// Each holds the table lock for the duration of the walk and, for
// every ATE currently in the table, locks it, invokes fn, then unlocks
// it before moving to the next. fn's errors are aggregated with
// go-multierror rather than aborting the walk early, so a single
// misbehaving allocation never hides problems with the rest (this is
// what the SIGIPC eviction handler and the consistency checker both
// need: make best-effort progress over every ATE and report everything
// at the end).
func (t *Table) Each(fn func(*ATE) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result *multierror.Error
	for a := t.head; a != nil; a = a.next {
		a.Lock()
		if err := fn(a); err != nil {
			result = multierror.Append(result, err)
		}
		a.Unlock()
	}
	return result.ErrorOrNil()
}

// Len returns the number of ATEs currently registered. Used by tests
// and the consistency checker.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for a := t.head; a != nil; a = a.next {
		n++
	}
	return n
}
