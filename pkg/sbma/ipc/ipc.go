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

// Package ipc implements the admission controller that coordinates a
// global RAM budget across sibling processes: a shared memory segment
// carrying a signed free-budget counter and per-peer charged-byte
// tallies, a mutex serializing access to it, and a signal-driven
// rendezvous that lets one peer force another to evict memory on its
// behalf.
package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jliverson5/sbma/pkg/sbma/sbmaerr"
	"github.com/jliverson5/sbma/pkg/sbma/sbmalog"
)

// Flag bits for a peer's slot in the shared flags array.
const (
	Populated uint8 = 1 << iota
	Eligible
)

// backoff is how long madmit sleeps, with self marked Eligible, after a
// failed admission attempt before returning a transient error to the
// caller. Matches the original library's fixed 250ms retry interval.
const backoff = 250 * time.Millisecond

const readyPollInterval = 500 * time.Microsecond
const readyTimeout = 10 * time.Second

// Controller is one peer's handle onto the shared admission state.
type Controller struct {
	id     int
	nProcs int
	uniq   int
	path   string
	file   *os.File
	buf    []byte
	r      *region

	mtx  mutex
	sid  mutex
	trn1 sem

	inMadmit int32 // atomic bool: set for the whole Madmit call, including the rendezvous wait with mtx released

	evictAll func() error
	sigCh    chan os.Signal
}

func shmDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

func shmPath(uniq int) string {
	return filepath.Join(shmDir(), fmt.Sprintf("ipc-shm-%d", uniq))
}

// Init attaches to (creating if necessary) the shared segment named by
// uniq, sized for nProcs peers with maxMem bytes of total budget, and
// claims this process's peer slot. The first caller to win the race to
// create the file performs one-time initialization; every other caller
// waits for that initialization to complete before proceeding.
func Init(uniq int, nProcs int, maxMem int64) (*Controller, error) {
	path := shmPath(uniq)
	size := regionSize(nProcs)

	f, created, err := openOrCreate(path, size)
	if err != nil {
		return nil, sbmaerr.Wrap(sbmaerr.Resource, err, "ipc: open shared segment %s", path)
	}

	buf, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, sbmaerr.Wrap(sbmaerr.Resource, err, "ipc: mmap shared segment %s", path)
	}

	r := newRegion(buf, nProcs)
	c := &Controller{
		nProcs: nProcs,
		uniq:   uniq,
		path:   path,
		file:   f,
		buf:    buf,
		r:      r,
		mtx:    mutex{sem{r.mtxWord()}},
		sid:    mutex{sem{r.sidWord()}},
		trn1:   sem{r.trn1Word()},
	}

	if created {
		atomic.StoreInt32(r.mtxWord(), 1)
		atomic.StoreInt32(r.cntWord(), 0)
		atomic.StoreInt32(r.trn1Word(), 0)
		atomic.StoreInt32(r.trn2Word(), 1)
		atomic.StoreInt32(r.sidWord(), 1)
		atomic.StoreInt64(r.smem(), maxMem)
		atomic.StoreInt32(r.nextID(), 0)
		atomic.StoreInt32(r.readyWord(), 1)
		sbmalog.Get().Infof("ipc: created shared segment %s for %d peers, budget %d bytes", path, nProcs, maxMem)
	} else {
		if err := c.waitReady(); err != nil {
			unix.Munmap(buf)
			f.Close()
			return nil, err
		}
	}

	if err := c.claimSlot(); err != nil {
		unix.Munmap(buf)
		f.Close()
		return nil, err
	}

	return c, nil
}

func openOrCreate(path string, size int) (*os.File, bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err == nil {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, false, err
		}
		return f, true, nil
	}
	if !os.IsExist(err) {
		return nil, false, err
	}
	f, err = os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, false, err
	}
	return f, false, nil
}

func (c *Controller) waitReady() error {
	deadline := time.Now().Add(readyTimeout)
	for atomic.LoadInt32(c.r.readyWord()) == 0 {
		if time.Now().After(deadline) {
			return sbmaerr.New(sbmaerr.Resource, "ipc: timed out waiting for segment %s to initialize", c.path)
		}
		time.Sleep(readyPollInterval)
	}
	return nil
}

// claimSlot assigns this process the next free peer id under the sid
// mutex, matching the original library's use of a startup-only
// semaphore to serialize slot assignment.
func (c *Controller) claimSlot() error {
	if err := c.sid.lock(); err != nil {
		return sbmaerr.Wrap(sbmaerr.Resource, err, "ipc: lock sid")
	}
	id := int(atomic.AddInt32(c.r.nextID(), 1)) - 1
	if err := c.sid.unlock(); err != nil {
		return sbmaerr.Wrap(sbmaerr.Resource, err, "ipc: unlock sid")
	}
	if id >= c.nProcs {
		return sbmaerr.New(sbmaerr.Resource, "ipc: no free peer slot (capacity %d)", c.nProcs)
	}
	c.id = id
	atomic.StoreInt32(c.r.pid(id), int32(os.Getpid()))
	return nil
}

// ID returns this peer's assigned slot index.
func (c *Controller) ID() int { return c.id }

// Destroy unmaps the shared segment and, best-effort, unlinks its
// backing file. Unlike the original library's five sem_unlink calls,
// there is only the one name left to remove.
func (c *Controller) Destroy() error {
	c.stopSignalHandler()
	if err := unix.Munmap(c.buf); err != nil {
		return sbmaerr.Wrap(sbmaerr.Resource, err, "ipc: munmap")
	}
	if err := c.file.Close(); err != nil {
		return sbmaerr.Wrap(sbmaerr.Resource, err, "ipc: close")
	}
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return sbmaerr.Wrap(sbmaerr.Resource, err, "ipc: unlink %s", c.path)
	}
	return nil
}

// flagByte reads peer i's flags byte directly; flags are only ever
// written by their owning peer, so no lock is required to read or
// write one's own slot (matching the original library's __ipc_eligible,
// which likewise writes flags[id] without taking mtx).
func flagByte(r *region, i int) uint8 {
	return *r.flags(i)
}

func setFlagByte(r *region, i int, bit uint8, set bool) {
	p := r.flags(i)
	if set {
		*p |= bit
	} else {
		*p &^= bit
	}
}

// Eligible reports whether peer i is currently marked as a legal
// eviction target.
func (c *Controller) Eligible(i int) bool { return flagByte(c.r, i)&Eligible != 0 }

// Populated reports whether peer i currently holds any charged memory.
func (c *Controller) Populated(i int) bool { return flagByte(c.r, i)&Populated != 0 }

// SetEligible flips this peer's own eligible-for-eviction bit.
func (c *Controller) SetEligible(eligible bool) {
	setFlagByte(c.r, c.id, Eligible, eligible)
}

type peer struct {
	id   int
	pid  int32
	pmem int64
}

// selectEvictionPeer picks the populated, eligible, live peer with the
// largest charged-byte count, other than self; ties go to the
// lowest-numbered peer (first seen, since later candidates only replace
// the incumbent on a strict improvement).
func (c *Controller) selectEvictionPeer() (peer, bool) {
	var best peer
	found := false
	for i := 0; i < c.nProcs; i++ {
		if i == c.id {
			continue
		}
		flags := flagByte(c.r, i)
		if flags&(Populated|Eligible) != Populated|Eligible {
			continue
		}
		pid := atomic.LoadInt32(c.r.pid(i))
		if pid == 0 {
			continue
		}
		if err := unix.Kill(int(pid), 0); err != nil {
			// Peer is gone; its slot is stale. Leave it for the
			// process that owns cleanup rather than guessing here.
			continue
		}
		pmem := atomic.LoadInt64(c.r.pmem(i))
		if !found || pmem > best.pmem {
			best = peer{id: i, pid: pid, pmem: pmem}
			found = true
		}
	}
	return best, found
}

// Madmit reserves bytes of the shared budget. If the budget cannot
// absorb the request, it repeatedly signals the most heavily charged
// eligible peer to evict and waits for that peer's acknowledgement,
// until the budget is satisfiable or no eligible peer remains. admitDirty
// is accepted but not used: it neither changes peer selection nor is
// stored anywhere (see SPEC_FULL.md Open Questions).
func (c *Controller) Madmit(bytes int64, admitDirty bool) error {
	if err := c.mtx.lock(); err != nil {
		return sbmaerr.Wrap(sbmaerr.Resource, err, "ipc: lock mtx")
	}
	atomic.StoreInt32(&c.inMadmit, 1)

	smem := atomic.LoadInt64(c.r.smem()) - bytes
	for smem < 0 {
		target, ok := c.selectEvictionPeer()
		if !ok {
			break
		}
		if err := unix.Kill(int(target.pid), sigIPC); err != nil {
			atomic.StoreInt32(&c.inMadmit, 0)
			c.mtx.unlock()
			return sbmaerr.Wrap(sbmaerr.Resource, err, "ipc: signal peer pid %d", target.pid)
		}
		if err := c.mtx.unlock(); err != nil {
			atomic.StoreInt32(&c.inMadmit, 0)
			return sbmaerr.Wrap(sbmaerr.Resource, err, "ipc: unlock mtx before rendezvous")
		}
		if err := c.trn1.wait(); err != nil {
			atomic.StoreInt32(&c.inMadmit, 0)
			return sbmaerr.Wrap(sbmaerr.Resource, err, "ipc: wait on eviction rendezvous")
		}
		if err := c.mtx.lock(); err != nil {
			atomic.StoreInt32(&c.inMadmit, 0)
			return sbmaerr.Wrap(sbmaerr.Resource, err, "ipc: relock mtx after rendezvous")
		}
		smem = atomic.LoadInt64(c.r.smem()) - bytes
	}

	admitted := smem >= 0
	if admitted {
		atomic.StoreInt64(c.r.smem(), smem)
		atomic.AddInt64(c.r.pmem(c.id), bytes)
		setFlagByte(c.r, c.id, Populated, true)
	}
	atomic.StoreInt32(&c.inMadmit, 0)
	if err := c.mtx.unlock(); err != nil {
		return sbmaerr.Wrap(sbmaerr.Resource, err, "ipc: unlock mtx")
	}

	if !admitted {
		c.SetEligible(true)
		time.Sleep(backoff)
		c.SetEligible(false)
		return sbmaerr.Wrap(sbmaerr.Transient, sbmaerr.ErrTransient, "ipc: admission of %d bytes unavailable", bytes)
	}
	return nil
}

// Mevict releases charged bytes back to the shared budget. dirty is
// accepted but not used; the shared region carries no separate
// dirty-byte tally.
func (c *Controller) Mevict(charged, dirty int64) error {
	if err := c.mtx.lock(); err != nil {
		return sbmaerr.Wrap(sbmaerr.Resource, err, "ipc: lock mtx")
	}
	defer c.mtx.unlock()

	atomic.AddInt64(c.r.smem(), charged)
	remaining := atomic.AddInt64(c.r.pmem(c.id), -charged)
	if remaining == 0 {
		setFlagByte(c.r, c.id, Populated, false)
	}
	return nil
}

// Smem returns the current value of the shared free-budget counter.
func (c *Controller) Smem() int64 { return atomic.LoadInt64(c.r.smem()) }

// Pmem returns the bytes currently charged to peer i.
func (c *Controller) Pmem(i int) int64 { return atomic.LoadInt64(c.r.pmem(i)) }

// NProcs returns the configured peer capacity of this segment.
func (c *Controller) NProcs() int { return c.nProcs }
