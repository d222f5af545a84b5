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
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/jliverson5/sbma/pkg/sbma/sbmalog"
)

// sigIPC is the real-time signal a peer's madmit sends to the peer it
// has chosen to evict from. SIGRTMIN on Linux/glibc is 34; the low end
// of the real-time range is otherwise unclaimed by the Go runtime
// (which only intercepts SIGURG for goroutine preemption), so a fixed
// real-time signal number here does not collide with it.
const sigIPC = syscall.Signal(34)

// InstallSignalHandler arms the SIGIPC handler. evictAll is invoked
// once per signal and must evict every evictable page this process
// holds; it is the paging engine's EvictAllSignal entry point, and it
// does call back into Mevict, which takes mtx. That is safe here only
// because the sender (Madmit) releases mtx before signalling and
// waiting on trn1 — mtx is free for the whole window this handler runs
// in, so the handler's own Mevict call never deadlocks against it.
func (c *Controller) InstallSignalHandler(evictAll func() error) {
	c.evictAll = evictAll
	c.sigCh = make(chan os.Signal, 1)
	signal.Notify(c.sigCh, sigIPC)
	go c.handleLoop()
}

func (c *Controller) stopSignalHandler() {
	if c.sigCh == nil {
		return
	}
	signal.Stop(c.sigCh)
	close(c.sigCh)
	c.sigCh = nil
}

func (c *Controller) handleLoop() {
	for range c.sigCh {
		c.handleOne()
	}
}

// handleOne runs one evict-all cycle. If this peer is itself in the
// middle of its own Madmit call, the evict-all is skipped — the spec's
// self-eligibility invariant means this peer should never have been
// selected as a target in that state, but the handler still posts the
// rendezvous so a legitimate sender never hangs waiting for it.
func (c *Controller) handleOne() {
	if atomic.LoadInt32(&c.inMadmit) == 0 && c.evictAll != nil {
		if err := c.evictAll(); err != nil {
			sbmalog.Get().Errorf("ipc: evict-all failed: %v", err)
		}
	}
	if err := c.trn1.post(1); err != nil {
		sbmalog.Get().Errorf("ipc: failed to post eviction rendezvous: %v", err)
	}
}
