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
	"sync"

	"github.com/kmemsim/kmemsim/pkg/mem"
)

const (
	// MaxOrder is the largest buddy block order, blocks of 2^MaxOrder pages.
	MaxOrder = 10
)

// Allocator is a binary buddy allocator over a flat page frame arena.
// It keeps one free list per block order and is protected by a single
// allocator-wide lock.
type Allocator struct {
	sync.Mutex
	frames    []Frame
	mem       []byte
	freeLists [MaxOrder + 1]mem.PFN
	freeCount uint64
	rsvCount  uint64

	// per-zone free page counts; zone thresholds are aligned to the
	// maximum block size so a buddy block never straddles two zones
	zoneFree [zoneCount]uint64
}

// AllocatorOption is an opaque option for an Allocator.
type AllocatorOption func(*Allocator) error

// WithTotalPages is an option to set the number of physical pages managed
// by the allocator.
func WithTotalPages(pages uint64) AllocatorOption {
	return func(a *Allocator) error {
		if pages == 0 {
			return fmt.Errorf("zero total pages")
		}
		if a.frames != nil {
			return fmt.Errorf("allocator already has frames set")
		}
		a.frames = make([]Frame, pages)
		a.mem = make([]byte, mem.PagesToBytes(pages))
		return nil
	}
}

// WithReservedRange is an option to mark a PFN range reserved. Reserved
// frames are never handed out or coalesced over.
func WithReservedRange(start mem.PFN, count uint64) AllocatorOption {
	return func(a *Allocator) error {
		if a.frames == nil {
			return fmt.Errorf("reserved range set before total pages")
		}
		if uint64(start)+count > uint64(len(a.frames)) {
			return fmt.Errorf("reserved range [%d,%d) out of bounds",
				start, uint64(start)+count)
		}
		for pfn := start; uint64(pfn) < uint64(start)+count; pfn++ {
			f := &a.frames[pfn]
			if !f.IsReserved() {
				f.flags = FlagReserved
				a.rsvCount++
			}
		}
		return nil
	}
}

// NewAllocator creates a buddy allocator configured with the given options.
// All non-reserved frames start out free.
func NewAllocator(options ...AllocatorOption) (*Allocator, error) {
	a := &Allocator{}

	for i := range a.freeLists {
		a.freeLists[i] = nilPFN
	}

	for _, o := range options {
		if err := o(a); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	if a.frames == nil {
		return nil, fmt.Errorf("%w: no total pages given", ErrFailedOption)
	}

	a.seedFreeLists()

	log.Info("buddy allocator with %d pages (%s), %d reserved",
		len(a.frames), mem.HumanReadableSize(mem.PagesToBytes(uint64(len(a.frames)))),
		a.rsvCount)

	return a, nil
}

// seedFreeLists inserts every non-reserved frame into the free pool as
// the largest aligned blocks that fit.
func (a *Allocator) seedFreeLists() {
	total := mem.PFN(len(a.frames))

	pfn := mem.PFN(0)
	for pfn < total {
		if a.frames[pfn].IsReserved() {
			pfn++
			continue
		}

		order := MaxOrder
		for order > 0 {
			size := mem.PFN(1) << order
			if pfn%size == 0 && pfn+size <= total && !a.rangeReserved(pfn, size) {
				break
			}
			order--
		}

		a.listPush(pfn, order)
		a.freeCount += 1 << order
		a.zoneFree[ZoneForPFN(pfn)] += 1 << order
		pfn += mem.PFN(1) << order
	}
}

func (a *Allocator) rangeReserved(start, count mem.PFN) bool {
	for pfn := start; pfn < start+count; pfn++ {
		if a.frames[pfn].IsReserved() {
			return true
		}
	}
	return false
}

// AllocPages allocates a block of 2^order contiguous pages and returns the
// PFN of its first frame. Exhaustion is reported as ErrNoMem and is not
// fatal, the caller decides whether to fall back or reclaim.
func (a *Allocator) AllocPages(order int) (mem.PFN, error) {
	if order < 0 || order > MaxOrder {
		return 0, fmt.Errorf("%w: %d not in [0,%d]", ErrInvalidOrder, order, MaxOrder)
	}

	a.Lock()
	defer a.Unlock()

	return a.allocPages(order)
}

func (a *Allocator) allocPages(order int) (mem.PFN, error) {
	// First fit by increasing order: take the head of the lowest
	// non-empty list at or above the requested order, splitting the
	// block back down as needed.
	k := order
	for k <= MaxOrder && a.freeLists[k] == nilPFN {
		k++
	}
	if k > MaxOrder {
		return 0, fmt.Errorf("%w: no free block of order >= %d", ErrNoMem, order)
	}

	pfn := a.freeLists[k]
	a.listRemove(pfn, k)

	for k > order {
		k--
		buddy := pfn + (mem.PFN(1) << k)
		a.listPush(buddy, k)
	}

	f := &a.frames[pfn]
	f.flags = FlagAllocated
	f.order = uint8(order)
	f.refCount = 1
	f.mapCount = 0

	a.freeCount -= 1 << order
	a.zoneFree[ZoneForPFN(pfn)] -= 1 << order

	log.Debug("allocated order-%d block at PFN %d", order, pfn)

	return pfn, nil
}

// FreePages returns a block of 2^order pages starting at pfn to the free
// pool, coalescing it with its buddies as far as possible.
func (a *Allocator) FreePages(pfn mem.PFN, order int) error {
	if order < 0 || order > MaxOrder {
		return fmt.Errorf("%w: %d not in [0,%d]", ErrInvalidOrder, order, MaxOrder)
	}

	a.Lock()
	defer a.Unlock()

	return a.freePages(pfn, order)
}

func (a *Allocator) freePages(pfn mem.PFN, order int) error {
	total := mem.PFN(len(a.frames))
	size := mem.PFN(1) << order

	if pfn >= total || pfn+size > total {
		return fmt.Errorf("%w: block [%d,%d) out of range", ErrInvalidPFN, pfn, pfn+size)
	}
	if pfn%size != 0 {
		return fmt.Errorf("%w: PFN %d not aligned to order %d", ErrInvalidPFN, pfn, order)
	}

	f := &a.frames[pfn]
	switch {
	case f.IsReserved():
		return fmt.Errorf("%w: freeing reserved frame %d", ErrInvalidState, pfn)
	case f.IsFree():
		return fmt.Errorf("%w: double free of frame %d", ErrInvalidState, pfn)
	case !f.IsAllocated():
		return fmt.Errorf("%w: freeing unallocated frame %d", ErrInvalidState, pfn)
	case f.Order() != order:
		return fmt.Errorf("%w: block at %d allocated at order %d, freed at order %d",
			ErrInvalidState, pfn, f.Order(), order)
	}

	f.flags = 0
	f.refCount = 0
	f.mapCount = 0
	f.kind = KindNone
	f.owner = 0

	// Iterative buddy coalescing. The buddy of a block is found by
	// flipping the bit of the block size in its PFN. Merging keeps the
	// lower PFN as the new block head. Stop as soon as the buddy is
	// out of range, not free, or free at a different order.
	for order < MaxOrder {
		buddy := pfn ^ (mem.PFN(1) << order)
		if buddy >= total {
			break
		}
		bf := &a.frames[buddy]
		if !bf.IsFree() || bf.Order() != order {
			break
		}

		a.listRemove(buddy, order)
		bf.flags = 0

		if buddy < pfn {
			pfn = buddy
		}
		order++
	}

	a.listPush(pfn, order)
	a.freeCount += uint64(size)
	a.zoneFree[ZoneForPFN(pfn)] += uint64(size)

	log.Debug("freed block at PFN %d, final order %d", pfn, order)

	return nil
}

// AllocPage allocates a single page.
func (a *Allocator) AllocPage() (mem.PFN, error) {
	return a.AllocPages(0)
}

// FreePage frees a single page.
func (a *Allocator) FreePage(pfn mem.PFN) error {
	return a.FreePages(pfn, 0)
}

// PageIsFree returns true if the given frame is currently part of some
// free buddy block.
func (a *Allocator) PageIsFree(pfn mem.PFN) bool {
	a.Lock()
	defer a.Unlock()

	_, _, ok := a.blockOf(pfn)
	return ok
}

// AllocPageAt carves the single page at pfn out of the free pool. The
// enclosing free block is split until the page is isolated, all other
// fragments stay free. This is what node-local contiguous allocation
// uses to claim specific frames.
func (a *Allocator) AllocPageAt(pfn mem.PFN) error {
	a.Lock()
	defer a.Unlock()

	return a.allocPageAt(pfn)
}

func (a *Allocator) allocPageAt(pfn mem.PFN) error {
	if uint64(pfn) >= uint64(len(a.frames)) {
		return fmt.Errorf("%w: PFN %d out of range", ErrInvalidPFN, pfn)
	}

	head, order, ok := a.blockOf(pfn)
	if !ok {
		return fmt.Errorf("%w: frame %d is not free", ErrNoMem, pfn)
	}

	a.listRemove(head, order)
	a.frames[head].flags = 0

	// Split the block, keeping the half that contains pfn and
	// returning the other half to the free pool.
	for order > 0 {
		order--
		lower := head
		upper := head + (mem.PFN(1) << order)
		if pfn >= upper {
			a.listPush(lower, order)
			head = upper
		} else {
			a.listPush(upper, order)
			head = lower
		}
	}

	f := &a.frames[pfn]
	f.flags = FlagAllocated
	f.order = 0
	f.refCount = 1
	f.mapCount = 0

	a.freeCount--
	a.zoneFree[ZoneForPFN(pfn)]--

	return nil
}

// blockOf finds the free block containing pfn, if any. A free frame is
// always covered by a block whose head is pfn rounded down to one of the
// possible block alignments.
func (a *Allocator) blockOf(pfn mem.PFN) (mem.PFN, int, bool) {
	if uint64(pfn) >= uint64(len(a.frames)) {
		return 0, 0, false
	}
	for order := 0; order <= MaxOrder; order++ {
		head := pfn &^ (mem.PFN(1)<<order - 1)
		f := &a.frames[head]
		if f.IsFree() && f.Order() == order && pfn < head+(mem.PFN(1)<<order) {
			return head, order, true
		}
	}
	return 0, 0, false
}

// TotalPages returns the number of pages managed by the allocator.
func (a *Allocator) TotalPages() uint64 {
	return uint64(len(a.frames))
}

// FreePagesCount returns the number of currently free pages.
func (a *Allocator) FreePagesCount() uint64 {
	a.Lock()
	defer a.Unlock()
	return a.freeCount
}

// ReservedPages returns the number of reserved pages.
func (a *Allocator) ReservedPages() uint64 {
	return a.rsvCount
}

// UsedPages returns the number of allocated pages.
func (a *Allocator) UsedPages() uint64 {
	a.Lock()
	defer a.Unlock()
	return uint64(len(a.frames)) - a.rsvCount - a.freeCount
}

// free list splicing, callers hold the allocator lock

func (a *Allocator) listPush(pfn mem.PFN, order int) {
	f := &a.frames[pfn]
	f.flags = FlagBuddy
	f.order = uint8(order)
	f.prev = nilPFN
	f.next = a.freeLists[order]

	if f.next != nilPFN {
		a.frames[f.next].prev = pfn
	}
	a.freeLists[order] = pfn
}

func (a *Allocator) listRemove(pfn mem.PFN, order int) {
	f := &a.frames[pfn]

	if f.prev != nilPFN {
		a.frames[f.prev].next = f.next
	} else {
		a.freeLists[order] = f.next
	}
	if f.next != nilPFN {
		a.frames[f.next].prev = f.prev
	}

	f.prev = nilPFN
	f.next = nilPFN
}
