// Copyright The kmemsim Authors. All Rights Reserved.
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

package swap

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/kmemsim/kmemsim/pkg/mem"
	"github.com/kmemsim/kmemsim/pkg/mem/vmm"
)

// Priority is the eviction priority of a page, as judged by an oracle.
// Lower priority pages are better eviction victims.
type Priority int

const (
	// PriorityLow marks cold pages, the preferred eviction victims.
	PriorityLow Priority = iota
	// PriorityMedium marks warm pages.
	PriorityMedium
	// PriorityHigh marks hot pages, evicted only as a last resort.
	PriorityHigh
)

// String returns the name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	}
	return fmt.Sprintf("%%!(swap:Bad-Priority %d)", int(p))
}

// PriorityOracle classifies resident pages by eviction priority. The
// manager consults it before evicting a page, deferring eviction of
// medium- and high-priority pages when a low-priority victim exists.
type PriorityOracle interface {
	// Classify returns the priority of the page at addr.
	Classify(space vmm.AddressSpace, addr mem.VirtAddr) Priority
	// FindLowPriority returns some low-priority resident page other
	// than skip, if one exists.
	FindLowPriority(space vmm.AddressSpace, skip mem.VirtAddr) (mem.VirtAddr, bool)
}

// StaticOracle is a PriorityOracle over explicitly assigned priorities.
// Unassigned pages are low priority.
type StaticOracle struct {
	mu   sync.Mutex
	prio map[mem.VirtAddr]Priority
}

var _ PriorityOracle = &StaticOracle{}

// NewStaticOracle creates an empty static priority oracle.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{
		prio: make(map[mem.VirtAddr]Priority),
	}
}

// SetPriority assigns a priority to the page at addr.
func (o *StaticOracle) SetPriority(addr mem.VirtAddr, prio Priority) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prio[addr.PageAlign()] = prio
}

// Classify implements PriorityOracle.
func (o *StaticOracle) Classify(space vmm.AddressSpace, addr mem.VirtAddr) Priority {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.prio[addr.PageAlign()]
}

// FindLowPriority implements PriorityOracle.
func (o *StaticOracle) FindLowPriority(space vmm.AddressSpace, skip mem.VirtAddr) (mem.VirtAddr, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	skip = skip.PageAlign()
	for addr, prio := range o.prio {
		if prio != PriorityLow || addr == skip {
			continue
		}
		if _, resident := space.GetPage(addr); resident {
			return addr, true
		}
	}

	return 0, false
}

const (
	// PrefetchWindow is the number of consecutive pages prefetched
	// after a swap-in.
	PrefetchWindow = 4

	// prefetchRate caps best-effort prefetches per second.
	prefetchRate rate.Limit = 256
)

// Prefetcher picks nearby addresses to pull in after a swap-in,
// rate-limited so prefetching never dominates demand paging.
type Prefetcher struct {
	limiter *rate.Limiter
	window  int
}

// NewPrefetcher creates a prefetcher with the given window size.
func NewPrefetcher(window int) *Prefetcher {
	if window < 0 {
		window = 0
	}
	return &Prefetcher{
		limiter: rate.NewLimiter(prefetchRate, PrefetchWindow),
		window:  window,
	}
}

// Window returns the addresses to prefetch after a swap-in of addr,
// cut short when the rate limit is exhausted.
func (p *Prefetcher) Window(addr mem.VirtAddr) []mem.VirtAddr {
	addr = addr.PageAlign()

	var addrs []mem.VirtAddr
	for i := 1; i <= p.window; i++ {
		if !p.limiter.Allow() {
			break
		}
		addrs = append(addrs, addr+mem.VirtAddr(i*mem.PageSize))
	}

	return addrs
}
