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

//go:build linux

package vmm

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"

	"github.com/jliverson5/sbma/pkg/sbma/mmu"
)

// readPage pulls page i's bytes from the backing file at its natural
// offset (page_index * page_size). A short read past end-of-file is
// not an error: the tail is left zero, matching the spec's "holes read
// as zero" rule for a backing file that has grown lazily.
func (e *Engine) readPage(ate *mmu.ATE, i uint64, dst []byte) error {
	off := int64(i * e.PageSize)
	n, err := ate.File.ReadAt(dst, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	for j := n; j < len(dst); j++ {
		dst[j] = 0
	}
	return nil
}

// writePage flushes page i's bytes to the backing file at its natural
// offset, growing the file as needed.
func (e *Engine) writePage(ate *mmu.ATE, i uint64, src []byte) error {
	off := int64(i * e.PageSize)
	_, err := ate.File.WriteAt(src, off)
	return err
}

// releaseRange advises the kernel that [beg, end) of this allocation's
// mapping may be discarded immediately, the real-RAM-reclaiming half of
// swap-out.
func (e *Engine) releaseRange(ate *mmu.ATE, beg, end uint64) error {
	start := beg * e.PageSize
	length := (end - beg) * e.PageSize
	return unix.Madvise(ate.Data[start:start+length], unix.MADV_DONTNEED)
}

// MmapAllocation reserves nPages*pageSize bytes of anonymous, private
// memory for a new allocation's user-visible content.
func MmapAllocation(nPages uint64, pageSize uint64) ([]byte, error) {
	size := int(nPages * pageSize)
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

// MunmapAllocation releases memory obtained from MmapAllocation.
func MunmapAllocation(data []byte) error {
	return unix.Munmap(data)
}
