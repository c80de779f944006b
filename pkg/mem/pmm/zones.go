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
	"fmt"

	"github.com/kmemsim/kmemsim/pkg/mem"
)

// Zone classifies a physical page range. The allocator keeps a single
// global buddy pool with zone tagging rather than per-zone pools; zone
// lookup is a pure range classification and allocation does not fall
// back across zones.
type Zone int

const (
	// ZoneDMA covers physical memory below 16MiB.
	ZoneDMA Zone = iota
	// ZoneNormal covers physical memory below 896MiB.
	ZoneNormal
	// ZoneHighMem covers the rest of physical memory.
	ZoneHighMem

	zoneCount
)

const (
	// zoneDMALimit is the first PFN above the DMA zone (16MiB).
	zoneDMALimit = mem.PFN((16 << 20) >> mem.PageShift)
	// zoneNormalLimit is the first PFN above the Normal zone (896MiB).
	zoneNormalLimit = mem.PFN((896 << 20) >> mem.PageShift)
)

var zoneToString = map[Zone]string{
	ZoneDMA:     "DMA",
	ZoneNormal:  "Normal",
	ZoneHighMem: "HighMem",
}

// String returns the name of the zone.
func (z Zone) String() string {
	if str, ok := zoneToString[z]; ok {
		return str
	}
	return fmt.Sprintf("%%!(pmm:Bad-Zone %d)", int(z))
}

// ZoneForPFN classifies the given PFN. The three zone ranges partition
// the frame directory without gaps or overlap.
func ZoneForPFN(pfn mem.PFN) Zone {
	switch {
	case pfn < zoneDMALimit:
		return ZoneDMA
	case pfn < zoneNormalLimit:
		return ZoneNormal
	default:
		return ZoneHighMem
	}
}

// ZoneRange returns the PFN range of the zone, clamped to the frames
// managed by the allocator.
func (a *Allocator) ZoneRange(z Zone) (mem.PFN, mem.PFN) {
	total := mem.PFN(len(a.frames))
	clamp := func(pfn mem.PFN) mem.PFN {
		if pfn > total {
			return total
		}
		return pfn
	}

	switch z {
	case ZoneDMA:
		return 0, clamp(zoneDMALimit)
	case ZoneNormal:
		return clamp(zoneDMALimit), clamp(zoneNormalLimit)
	default:
		return clamp(zoneNormalLimit), total
	}
}

// ZoneTotalPages returns the number of managed pages in the zone.
func (a *Allocator) ZoneTotalPages(z Zone) uint64 {
	start, end := a.ZoneRange(z)
	return uint64(end - start)
}

// ZoneFreePages returns the number of free pages in the zone.
func (a *Allocator) ZoneFreePages(z Zone) uint64 {
	a.Lock()
	defer a.Unlock()
	if z < 0 || z >= zoneCount {
		return 0
	}
	return a.zoneFree[z]
}
