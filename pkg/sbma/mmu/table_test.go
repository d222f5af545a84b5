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
	"testing"

	"github.com/stretchr/testify/require"
)

const pageSize = uintptr(4096)

func TestTableLookupHitAndMiss(t *testing.T) {
	table := NewTable()
	a := NewATE(0x10000, 4, make([]uint8, 4))
	b := NewATE(0x20000, 2, make([]uint8, 2))
	table.Insert(a)
	table.Insert(b)

	require.Equal(t, 2, table.Len())

	got := table.Lookup(0x10000, pageSize)
	require.NotNil(t, got)
	require.Equal(t, a.Base, got.Base)
	got.Unlock()

	got = table.Lookup(0x10000+3*uintptr(pageSize), pageSize)
	require.NotNil(t, got)
	require.Equal(t, a.Base, got.Base)
	got.Unlock()

	// one byte past the end of a's range falls outside it.
	got = table.Lookup(0x10000+4*uintptr(pageSize), pageSize)
	require.Nil(t, got)

	got = table.Lookup(0x30000, pageSize)
	require.Nil(t, got)
}

func TestTableInvalidateUnlinks(t *testing.T) {
	table := NewTable()
	a := NewATE(0x1000, 1, make([]uint8, 1))
	b := NewATE(0x2000, 1, make([]uint8, 1))
	c := NewATE(0x3000, 1, make([]uint8, 1))
	table.Insert(a)
	table.Insert(b)
	table.Insert(c)
	require.Equal(t, 3, table.Len())

	table.Invalidate(b)
	require.Equal(t, 2, table.Len())

	require.Nil(t, table.Lookup(0x2000, pageSize))

	got := table.Lookup(0x1000, pageSize)
	require.NotNil(t, got)
	got.Unlock()
	got = table.Lookup(0x3000, pageSize)
	require.NotNil(t, got)
	got.Unlock()
}

func TestTableEachVisitsEveryEntryAndAggregatesErrors(t *testing.T) {
	table := NewTable()
	table.Insert(NewATE(0x1000, 1, make([]uint8, 1)))
	table.Insert(NewATE(0x2000, 1, make([]uint8, 1)))
	table.Insert(NewATE(0x3000, 1, make([]uint8, 1)))

	visited := 0
	err := table.Each(func(ate *ATE) error {
		visited++
		if ate.Base == 0x2000 {
			return errBoom
		}
		return nil
	})

	require.Equal(t, 3, visited)
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

var errBoom = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }
