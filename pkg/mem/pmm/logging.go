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

package pmm

import (
	"slices"

	logger "github.com/kmemsim/kmemsim/pkg/log"
	"github.com/kmemsim/kmemsim/pkg/mem"
)

var log = logger.Get("pmm")

// FreeListSnapshot returns the PFNs of the free block heads per order,
// sorted in increasing PFN order. It walks the actual list linkage, so
// tests can use it to verify list integrity.
func (a *Allocator) FreeListSnapshot() map[int][]mem.PFN {
	a.Lock()
	defer a.Unlock()

	snapshot := make(map[int][]mem.PFN)
	for order := 0; order <= MaxOrder; order++ {
		var heads []mem.PFN
		for pfn := a.freeLists[order]; pfn != nilPFN; pfn = a.frames[pfn].next {
			heads = append(heads, pfn)
		}
		if heads != nil {
			slices.Sort(heads)
			snapshot[order] = heads
		}
	}

	return snapshot
}

// DumpFreeLists logs the current free list contents.
func (a *Allocator) DumpFreeLists() {
	if !log.DebugEnabled() {
		return
	}

	log.Debug("buddy free lists:")
	for order, heads := range a.FreeListSnapshot() {
		log.Debug("  order %2d (%5d pages/block): %d blocks %v",
			order, 1<<order, len(heads), heads)
	}
}

// DumpCounters logs the page accounting counters.
func (a *Allocator) DumpCounters() {
	log.Info("pages: %d total, %d free, %d used, %d reserved",
		a.TotalPages(), a.FreePagesCount(), a.UsedPages(), a.ReservedPages())
	for z := ZoneDMA; z < zoneCount; z++ {
		if total := a.ZoneTotalPages(z); total > 0 {
			log.Info("  zone %s: %d pages, %d free", z, total, a.ZoneFreePages(z))
		}
	}
}
