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

// Package mem provides the shared low-level types of the memory core:
// page frame numbers, physical and virtual addresses, and conversions
// between them.
package mem

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	idset "github.com/intel/goresctrl/pkg/utils"
)

type (
	// ID is the unique ID of a NUMA node or a CPU.
	ID = idset.ID

	// PFN is a page frame number, the index of a physical page.
	PFN uint64

	// PhysAddr is a physical memory address.
	PhysAddr uint64

	// VirtAddr is a virtual memory address within some address space.
	VirtAddr uint64
)

const (
	// PageShift is the number of address bits covered by one page.
	PageShift = 12
	// PageSize is the size of a physical page in bytes.
	PageSize = 1 << PageShift
	// PageMask masks the offset bits of an address.
	PageMask = PageSize - 1
)

// PFN returns the page frame number containing the address.
func (a PhysAddr) PFN() PFN {
	return PFN(a >> PageShift)
}

// PageOffset returns the offset of the address within its page.
func (a PhysAddr) PageOffset() uint64 {
	return uint64(a) & PageMask
}

// Addr returns the physical address of the first byte of the frame.
func (p PFN) Addr() PhysAddr {
	return PhysAddr(p << PageShift)
}

// PageAlign rounds the address down to its page boundary.
func (a VirtAddr) PageAlign() VirtAddr {
	return a &^ PageMask
}

// PageIndex returns the virtual page index of the address.
func (a VirtAddr) PageIndex() uint64 {
	return uint64(a) >> PageShift
}

// String returns the address in the conventional hex notation.
func (a PhysAddr) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// String returns the address in the conventional hex notation.
func (a VirtAddr) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// PagesToBytes returns the size in bytes of the given number of pages.
func PagesToBytes(pages uint64) int64 {
	return int64(pages) << PageShift
}

// BytesToPages returns the number of pages needed to cover size bytes.
func BytesToPages(size int64) uint64 {
	return uint64(size+PageMask) >> PageShift
}

// HumanReadableSize returns the given size as a human-readable string.
func HumanReadableSize(size int64) string {
	const units = "kMGT"

	if size < 1024 {
		return strconv.FormatInt(size, 10)
	}

	val, unit := float64(size)/1024.0, 0
	for val >= 1024 && unit < len(units)-1 {
		val /= 1024.0
		unit++
	}

	if val == math.Floor(val) {
		return fmt.Sprintf("%d%c", int64(val), units[unit])
	}
	return strings.TrimRight(fmt.Sprintf("%.3f", val), "0") + string(units[unit])
}
