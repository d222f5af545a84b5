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
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux's futex(2) ABI. golang.org/x/sys/unix exports SYS_FUTEX (the
// syscall number) but, unlike the mmap/munmap/kill calls the rest of
// this package leans on, stops short of naming the operation codes, so
// the two this package needs are defined here directly from the kernel
// UAPI header (linux/futex.h).
const (
	futexOpWait = 0
	futexOpWake = 1
)

func futexWait(addr *int32, expected int32) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)),
		uintptr(futexOpWait), uintptr(expected), 0, 0, 0)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	default:
		return errno
	}
}

func futexWake(addr *int32, n int32) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)),
		uintptr(futexOpWake), uintptr(n), 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// sem is a counting semaphore living in shared memory, backed by a
// futex word: the word itself is the count, and a blocked waiter sleeps
// in the kernel rather than spinning. This is the cross-process stand-in
// for sem_open/sem_wait/sem_post; here it backs trn1 (the cnt and trn2
// words in region.go are initialized but never used as a sem).
type sem struct {
	word *int32
}

func (s sem) post(n int32) error {
	atomic.AddInt32(s.word, n)
	return futexWake(s.word, n)
}

func (s sem) wait() error {
	for {
		for {
			cur := atomic.LoadInt32(s.word)
			if cur <= 0 {
				break
			}
			if atomic.CompareAndSwapInt32(s.word, cur, cur-1) {
				return nil
			}
		}
		if err := futexWait(s.word, 0); err != nil {
			return err
		}
	}
}

// mutex is sem used as a binary semaphore: 1 means unlocked, 0 means
// held. It plays the role of mtx and sid.
type mutex struct{ sem }

func (m mutex) lock() error   { return m.wait() }
func (m mutex) unlock() error { return m.post(1) }
