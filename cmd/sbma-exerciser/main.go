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

// Command sbma-exerciser drives an sbma.Instance the way the original
// memory-exerciser tool drove raw Go byte slices: allocate a pool of
// buffers, then run concurrent touchers and evictors against them so
// several copies of this binary, started with the same -uniq, exercise
// the admission controller's cross-process eviction path under real
// memory pressure.
package main

import (
	"flag"
	"fmt"
	stdlog "log"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jliverson5/sbma/pkg/sbma"
	"github.com/jliverson5/sbma/pkg/sbma/sbmalog"
)

func numBytes(arg, s string) int64 {
	factor := int64(1)
	numpart := s
	if len(s) > 0 {
		switch s[len(s)-1] {
		case 'k':
			factor, numpart = 1024, s[:len(s)-1]
		case 'M':
			factor, numpart = 1024*1024, s[:len(s)-1]
		case 'G':
			factor, numpart = 1024*1024*1024, s[:len(s)-1]
		}
	}
	n, err := strconv.ParseInt(numpart, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sbma-exerciser: bad %s value %q: expected [1-9][0-9]*[kMG]?\n", arg, s)
		os.Exit(1)
	}
	return n * factor
}

func numDuration(arg, s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sbma-exerciser: bad %s value %q: %s\n", arg, s, err)
		os.Exit(1)
	}
	return d
}

// pool is the set of live allocations this process is exercising.
type pool struct {
	mu    sync.Mutex
	addrs []uintptr
}

func (p *pool) random() (uintptr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.addrs) == 0 {
		return 0, false
	}
	return p.addrs[rand.Intn(len(p.addrs))], true
}

// toucher repeatedly touches a random page range of a random
// allocation and, on a write round, dirties a byte before letting the
// next evict round flush it back out.
func toucher(inst *sbma.Instance, p *pool, pageSize uint64, write bool, interval time.Duration, rounds *int64, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		addr, ok := p.random()
		if ok {
			if err := inst.Mtouch(addr, pageSize); err != nil {
				sbmalog.Get().Warnf("exerciser: touch %#x: %v", addr, err)
			} else if write {
				if buf, err := inst.Bytes(addr); err == nil && len(buf) > 0 {
					buf[0]++
					_ = inst.MarkDirty(addr)
				}
			}
			atomic.AddInt64(rounds, 1)
		}
		time.Sleep(interval)
	}
}

// evictor periodically evicts a random allocation, returning its
// charge to the shared budget and creating the memory pressure that
// makes sibling processes' admissions contend over the budget.
func evictor(inst *sbma.Instance, p *pool, interval time.Duration, rounds *int64, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		if addr, ok := p.random(); ok {
			if err := inst.MevictAll(addr); err != nil {
				sbmalog.Get().Warnf("exerciser: evict %#x: %v", addr, err)
			}
			atomic.AddInt64(rounds, 1)
		}
		time.Sleep(interval)
	}
}

func main() {
	fmt.Printf("sbma exerciser\npid: %d\n", os.Getpid())

	optUniq := flag.Int("uniq", 0, "segment id shared by every sibling process in this exercise run (required)")
	optNProcs := flag.Int("n-procs", 4, "peer capacity of the shared segment")
	optMaxMem := flag.String("max-mem", "64M", "total shared RAM budget [k, M or G]")
	optPageSize := flag.String("page-size", "4k", "page size [k, M or G]")
	optFstem := flag.String("fstem", "", "directory backing files are created under (default: a temp dir)")
	optAllocs := flag.Int("allocs", 8, "number of allocations in this process's pool")
	optAllocSize := flag.String("alloc-size", "1M", "size of each allocation [k, M or G]")
	optReaders := flag.Int("readers", 2, "number of concurrent read-only touchers")
	optWriters := flag.Int("writers", 2, "number of concurrent touch-then-dirty touchers")
	optEvictors := flag.Int("evictors", 1, "number of concurrent evictors")
	optInterval := flag.String("interval", "10ms", "sleep between each toucher/evictor round")
	optTTL := flag.String("ttl", "5s", "run for this long, then report and exit")
	optDebug := flag.Bool("debug", false, "print debug output")
	flag.Parse()

	sbmalog.Set(stdlog.New(os.Stderr, "", 0))
	sbmalog.SetDebug(*optDebug)

	if *optUniq == 0 {
		fmt.Fprintln(os.Stderr, "sbma-exerciser: -uniq is required so sibling processes share one segment")
		os.Exit(1)
	}

	fstem := *optFstem
	if fstem == "" {
		dir, err := os.MkdirTemp("", "sbma-exerciser-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "sbma-exerciser: %s\n", err)
			os.Exit(1)
		}
		fstem = filepath.Join(dir, "sbma-")
	}

	pageSize := uint64(numBytes("-page-size", *optPageSize))
	maxMem := numBytes("-max-mem", *optMaxMem)
	allocSize := uint64(numBytes("-alloc-size", *optAllocSize))
	interval := numDuration("-interval", *optInterval)
	ttl := numDuration("-ttl", *optTTL)

	inst, err := sbma.Init(fstem, *optUniq, pageSize, *optNProcs, maxMem, sbma.CHECK)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sbma-exerciser: init: %s\n", err)
		os.Exit(1)
	}
	defer inst.Destroy()

	p := &pool{}
	fmt.Printf("allocating %d buffers of %d bytes each\n", *optAllocs, allocSize)
	for i := 0; i < *optAllocs; i++ {
		addr, err := inst.Malloc(allocSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sbma-exerciser: malloc: %s\n", err)
			os.Exit(1)
		}
		p.addrs = append(p.addrs, addr)
	}

	var touchRounds, evictRounds int64
	stop := make(chan struct{})
	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() { defer wg.Done(); fn() }()
	}
	for i := 0; i < *optReaders; i++ {
		spawn(func() { toucher(inst, p, pageSize, false, interval, &touchRounds, stop) })
	}
	for i := 0; i < *optWriters; i++ {
		spawn(func() { toucher(inst, p, pageSize, true, interval, &touchRounds, stop) })
	}
	for i := 0; i < *optEvictors; i++ {
		spawn(func() { evictor(inst, p, interval, &evictRounds, stop) })
	}

	time.Sleep(ttl)
	close(stop)
	wg.Wait()

	fmt.Printf("done: %d touch rounds, %d evict rounds, smem=%d\n", touchRounds, evictRounds, inst.Smem())

	for _, addr := range p.addrs {
		if err := inst.Free(addr); err != nil {
			fmt.Fprintf(os.Stderr, "sbma-exerciser: free %#x: %s\n", addr, err)
		}
	}
}
