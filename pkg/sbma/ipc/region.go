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

import "unsafe"

// region overlays the shared memory segment's layout. The original
// library hands this job to five separate named semaphores plus one
// named shared-memory segment; since the standard library and
// golang.org/x/sys expose no sem_open equivalent, this port folds the
// named primitives (mtx, cnt, trn1, trn2, sid) into control words at
// the front of the same mmap that carries smem/pmem/pid/flags. Each
// word still plays exactly the role the spec assigns it — only the
// "one named kernel object per primitive" packaging is collapsed into
// "one shared mapping, several words" (see DESIGN.md).
//
// Layout (all offsets in bytes, every field given an 8-byte-aligned
// slot regardless of its natural size, so int64 and futex word access
// never straddles an alignment boundary on any architecture):
//
//	 0: mtxWord   (binary mutex: named /ipc-mtx-${uniq} in the original)
//	 8: cntWord   (counter semaphore: /ipc-cnt-${uniq}, unused — see Open Questions)
//	16: trn1Word  (turnstile 1: /ipc-trn1-${uniq}, the eviction rendezvous)
//	24: trn2Word  (turnstile 2: /ipc-trn2-${uniq}, unused — see Open Questions)
//	32: sidWord   (startup mutex: /ipc-sid-${uniq}, slot-id assignment only)
//	40: readyWord (internal: sprung to 1 once the creator has initialized the rest)
//	48: smem      (int64, signed free-budget counter)
//	56: pmem[n]   (int64 each, bytes charged per peer)
//	56+8n: pid[n]   (int32 each, in 8-byte slots)
//	56+16n: flags[n] (uint8 each, in 8-byte slots)
//	56+24n: nextID  (int32, slot-id allocator cursor)
type region struct {
	buf []byte
	n   int
}

const headerSize = 56

func regionSize(nProcs int) int {
	return headerSize + 24*nProcs + 8
}

func newRegion(buf []byte, nProcs int) *region {
	return &region{buf: buf, n: nProcs}
}

func (r *region) word(off int) *int32 {
	return (*int32)(unsafe.Pointer(&r.buf[off]))
}

func (r *region) i64(off int) *int64 {
	return (*int64)(unsafe.Pointer(&r.buf[off]))
}

func (r *region) mtxWord() *int32   { return r.word(0) }
func (r *region) cntWord() *int32   { return r.word(8) }
func (r *region) trn1Word() *int32  { return r.word(16) }
func (r *region) trn2Word() *int32  { return r.word(24) }
func (r *region) sidWord() *int32   { return r.word(32) }
func (r *region) readyWord() *int32 { return r.word(40) }
func (r *region) smem() *int64      { return r.i64(48) }

func (r *region) pmem(i int) *int64 { return r.i64(56 + 8*i) }
func (r *region) pid(i int) *int32  { return r.word(56 + 8*r.n + 8*i) }

func (r *region) flags(i int) *uint8 {
	return (*uint8)(unsafe.Pointer(&r.buf[56+16*r.n+8*i]))
}

func (r *region) nextID() *int32 { return r.word(56 + 24*r.n) }
