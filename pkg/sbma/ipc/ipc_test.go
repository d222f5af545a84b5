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

package ipc

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jliverson5/sbma/pkg/sbma/sbmaerr"
)

func uniqueID(t *testing.T) int {
	t.Helper()
	return os.Getpid()*1000 + int(int32(len(t.Name())))*7 + 1
}

func TestInitCreatesSegmentWithBudget(t *testing.T) {
	uniq := uniqueID(t)
	ctl, err := Init(uniq, 4, 1<<20)
	require.NoError(t, err)
	defer ctl.Destroy()

	require.Equal(t, 0, ctl.ID())
	require.Equal(t, 4, ctl.NProcs())
	require.EqualValues(t, 1<<20, ctl.Smem())
	require.Zero(t, ctl.Pmem(ctl.ID()))
}

func TestInitSecondAttachSharesSlots(t *testing.T) {
	uniq := uniqueID(t)
	first, err := Init(uniq, 2, 1<<20)
	require.NoError(t, err)
	defer first.Destroy()

	second, err := Init(uniq, 2, 1<<20)
	require.NoError(t, err)
	defer second.file.Close()

	require.Equal(t, 0, first.ID())
	require.Equal(t, 1, second.ID())
	require.Equal(t, first.Smem(), second.Smem())
}

func TestClaimSlotFailsWhenCapacityExhausted(t *testing.T) {
	uniq := uniqueID(t)
	first, err := Init(uniq, 1, 1<<20)
	require.NoError(t, err)
	defer first.Destroy()

	_, err = Init(uniq, 1, 1<<20)
	require.Error(t, err)
}

func TestMadmitAdmitsWithinBudget(t *testing.T) {
	uniq := uniqueID(t)
	ctl, err := Init(uniq, 2, 1024)
	require.NoError(t, err)
	defer ctl.Destroy()

	require.NoError(t, ctl.Madmit(512, false))
	require.EqualValues(t, 512, ctl.Smem())
	require.EqualValues(t, 512, ctl.Pmem(ctl.ID()))
	require.True(t, ctl.Populated(ctl.ID()))
}

func TestMadmitTransientWhenNoEligiblePeer(t *testing.T) {
	uniq := uniqueID(t)
	ctl, err := Init(uniq, 2, 100)
	require.NoError(t, err)
	defer ctl.Destroy()

	err = ctl.Madmit(1000, false)
	require.Error(t, err)
	require.True(t, sbmaerr.IsTransient(err))
	// budget must be unchanged: nothing was admitted.
	require.EqualValues(t, 100, ctl.Smem())
}

func TestMevictReturnsBudgetAndClearsPopulated(t *testing.T) {
	uniq := uniqueID(t)
	ctl, err := Init(uniq, 2, 1024)
	require.NoError(t, err)
	defer ctl.Destroy()

	require.NoError(t, ctl.Madmit(512, false))
	require.NoError(t, ctl.Mevict(512, 0))

	require.EqualValues(t, 1024, ctl.Smem())
	require.EqualValues(t, 0, ctl.Pmem(ctl.ID()))
	require.False(t, ctl.Populated(ctl.ID()))
}

func TestEligibleFlagRoundTrips(t *testing.T) {
	uniq := uniqueID(t)
	ctl, err := Init(uniq, 2, 1024)
	require.NoError(t, err)
	defer ctl.Destroy()

	require.False(t, ctl.Eligible(ctl.ID()))
	ctl.SetEligible(true)
	require.True(t, ctl.Eligible(ctl.ID()))
	ctl.SetEligible(false)
	require.False(t, ctl.Eligible(ctl.ID()))
}

func TestDestroyRemovesBackingFile(t *testing.T) {
	uniq := uniqueID(t)
	ctl, err := Init(uniq, 2, 1024)
	require.NoError(t, err)

	path := ctl.path
	require.NoError(t, ctl.Destroy())

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}
