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
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSemPostThenWaitDoesNotBlock(t *testing.T) {
	var word int32
	s := sem{word: &word}

	if err := s.post(1); err != nil {
		t.Fatalf("post: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.wait() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait blocked after a matching post")
	}
}

func TestSemWaitBlocksUntilPosted(t *testing.T) {
	var word int32
	s := sem{word: &word}

	done := make(chan error, 1)
	go func() { done <- s.wait() }()

	select {
	case <-done:
		t.Fatal("wait returned before any post")
	case <-time.After(100 * time.Millisecond):
	}

	if err := s.post(1); err != nil {
		t.Fatalf("post: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait never woke up after post")
	}
}

func TestMutexExcludesConcurrentAccess(t *testing.T) {
	var word int32 = 1 // unlocked
	m := mutex{sem{word: &word}}

	var inside, total, maxSeen int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.lock(); err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			defer m.unlock()

			n := atomic.AddInt32(&inside, 1)
			for {
				seen := atomic.LoadInt32(&maxSeen)
				if n <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&total, 1)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	if total != 16 {
		t.Fatalf("expected 16 critical-section entries, got %d", total)
	}
	if maxSeen != 1 {
		t.Fatalf("expected at most 1 concurrent holder, saw %d", maxSeen)
	}
}
