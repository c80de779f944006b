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

// Package swap implements the swap manager: a fixed table of backing
// swap areas with per-slot occupancy bitmaps, compressed page records,
// and the page-out/page-in paths driving them against an address space.
//
// The manager lock covers only slot bitmaps and swap-map metadata.
// Backing-store I/O runs outside the lock so a slow disk never blocks
// unrelated slot allocations. An allocated slot pins its area, so an
// area can not disappear under an in-flight read or write.
package swap

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/kmemsim/kmemsim/pkg/mem"
	"github.com/kmemsim/kmemsim/pkg/mem/pmm"
	"github.com/kmemsim/kmemsim/pkg/mem/vmm"
)

// ManagerOption is an option for creating a swap manager.
type ManagerOption func(*Manager) error

// WithCodec overrides the default LZ4 page codec.
func WithCodec(c Codec) ManagerOption {
	return func(m *Manager) error {
		if c == nil {
			return fmt.Errorf("%w: nil codec", ErrFailedOption)
		}
		m.codec = c
		return nil
	}
}

// WithOracle sets the priority oracle consulted before eviction.
func WithOracle(o PriorityOracle) ManagerOption {
	return func(m *Manager) error {
		m.oracle = o
		return nil
	}
}

// WithPrefetcher sets the prefetch policy applied after swap-in.
func WithPrefetcher(p *Prefetcher) ManagerOption {
	return func(m *Manager) error {
		m.prefetcher = p
		return nil
	}
}

// spaceSwap is the per-address-space swap bookkeeping: the swap map
// from page address to slot entry, and the swapped-page counter.
type spaceSwap struct {
	entries map[mem.VirtAddr]Entry
	used    uint64
}

// Manager tracks swap areas, allocates slots, and swaps pages between
// physical frames and compressed on-disk records.
type Manager struct {
	mu         sync.Mutex
	pmm        *pmm.Allocator
	codec      Codec
	oracle     PriorityOracle
	prefetcher *Prefetcher
	areas      [MaxAreas]*area
	spaces     map[vmm.AddressSpace]*spaceSwap

	swappedOut       uint64
	swappedIn        uint64
	compressedWrites uint64
	compressedBytes  uint64
	rawWrites        uint64
}

// NewManager creates a swap manager over the given frame allocator.
func NewManager(alloc *pmm.Allocator, options ...ManagerOption) (*Manager, error) {
	if alloc == nil {
		return nil, fmt.Errorf("%w: nil frame allocator", ErrInvalidArgument)
	}

	m := &Manager{
		pmm:        alloc,
		codec:      LZ4Codec{},
		prefetcher: NewPrefetcher(PrefetchWindow),
		spaces:     make(map[vmm.AddressSpace]*spaceSwap),
	}

	for _, o := range options {
		if err := o(m); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// AddArea opens or creates a backing store of the given size and adds
// it to the area table.
func (m *Manager) AddArea(path string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, a := range m.areas {
		if a != nil {
			if a.path == path {
				return fmt.Errorf("%w: area %q already added", ErrInvalidArgument, path)
			}
			continue
		}
		if idx < 0 {
			idx = i
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: area table full (%d areas)", ErrBusy, MaxAreas)
	}

	a, err := newArea(path, size)
	if err != nil {
		return err
	}
	m.areas[idx] = a

	log.Info("added swap area #%d %q with %d slots (%s)", idx, path, a.slots,
		mem.HumanReadableSize(mem.PagesToBytes(uint64(a.slots))))

	return nil
}

// RemoveArea closes and removes the area backed by path. Removal is
// refused while any of the area's slots is occupied.
func (m *Manager) RemoveArea(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, a := range m.areas {
		if a == nil || a.path != path {
			continue
		}
		if a.used > 0 {
			return fmt.Errorf("%w: area %q has %d occupied slots", ErrBusy, path, a.used)
		}

		// nil hole, later area indices stay valid for live entries
		m.areas[i] = nil

		if err := a.file.Close(); err != nil {
			return fmt.Errorf("%w: failed to close %q: %v", ErrIO, path, err)
		}

		log.Info("removed swap area #%d %q", i, path)
		return nil
	}

	return fmt.Errorf("%w: no area backed by %q", ErrInvalidArgument, path)
}

// Alloc allocates a swap slot, scanning areas in table order. It
// returns NoEntry and ErrNoSwap when every area is full.
func (m *Manager) Alloc() (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, a := range m.areas {
		if a == nil {
			continue
		}
		if slot, ok := a.allocSlot(); ok {
			return makeEntry(i, slot), nil
		}
	}

	return NoEntry, ErrNoSwap
}

// Free releases an allocated swap slot.
func (m *Manager) Free(entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, slot, err := m.lookup(entry)
	if err != nil {
		return err
	}

	return a.freeSlot(slot)
}

// Write compresses a page and writes its record into the entry's slot.
// The slot stays allocated on failure; its contents are indeterminate
// and must be rewritten before they can be read back.
func (m *Manager) Write(entry Entry, data []byte) error {
	if len(data) != mem.PageSize {
		return fmt.Errorf("%w: page data is %d bytes", ErrInvalidArgument, len(data))
	}

	a, slot, err := m.resolve(entry)
	if err != nil {
		return err
	}

	// scratch is oversized so the codec never truncates mid-block
	scratch := make([]byte, 2*mem.PageSize)
	length := uint64(mem.PageSize)
	payload := data

	if n, err := m.codec.Compress(scratch, data); err != nil {
		log.Debug("%s compression for %s failed, storing raw: %v",
			m.codec.Name(), entry, err)
	} else if n > 0 && n < mem.PageSize {
		length, payload = uint64(n), scratch[:n]
	}

	if err := a.writeRecord(slot, length, payload); err != nil {
		return err
	}

	m.mu.Lock()
	if length < mem.PageSize {
		m.compressedWrites++
		m.compressedBytes += length
	} else {
		m.rawWrites++
	}
	m.mu.Unlock()

	return nil
}

// Read reads back the entry's record and decompresses it into out,
// which must be exactly one page.
func (m *Manager) Read(entry Entry, out []byte) error {
	if len(out) != mem.PageSize {
		return fmt.Errorf("%w: output buffer is %d bytes", ErrInvalidArgument, len(out))
	}

	a, slot, err := m.resolve(entry)
	if err != nil {
		return err
	}

	length, payload, err := a.readRecord(slot)
	if err != nil {
		return err
	}

	if length == mem.PageSize {
		copy(out, payload)
		return nil
	}

	n, err := m.codec.Decompress(out, payload)
	if err != nil {
		return fmt.Errorf("%w: %s record in %s: %v", ErrIO, m.codec.Name(), entry, err)
	}
	if n != mem.PageSize {
		return fmt.Errorf("%w: record in %s decompressed to %d bytes", ErrIO, entry, n)
	}

	return nil
}

// OutPage swaps the resident page at addr out of the address space:
// the page's contents go to a freshly allocated swap slot, the virtual
// page is unmapped, and the frame returns to the buddy allocator. Any
// step failing after a prior one succeeded undoes the prior step, so a
// failed page-out never leaks a slot or leaves a dangling map entry.
func (m *Manager) OutPage(space vmm.AddressSpace, addr mem.VirtAddr) error {
	addr = addr.PageAlign()

	pfn, resident := space.GetPage(addr)
	if !resident {
		return fmt.Errorf("%w: %s is not resident", ErrFault, addr)
	}
	if !m.SwapEntry(space, addr).IsNone() {
		return fmt.Errorf("%w: %s is already swapped out", ErrInvalidState, addr)
	}

	// Soft priority order: a warmer page steps aside when a cold
	// victim exists anywhere else, and is evicted when none does.
	if m.oracle != nil {
		if prio := m.oracle.Classify(space, addr); prio != PriorityLow {
			if victim, ok := m.oracle.FindLowPriority(space, addr); ok {
				return fmt.Errorf("%w: %s is %s priority, %s is a better victim",
					ErrAgain, addr, prio, victim)
			}
		}
	}

	entry, err := m.Alloc()
	if err != nil {
		return err
	}

	data, err := m.pmm.PageBytes(pfn)
	if err != nil {
		m.Free(entry)
		return fmt.Errorf("%w: frame %d of %s: %v", ErrFault, pfn, addr, err)
	}

	if err := m.Write(entry, data); err != nil {
		m.Free(entry)
		return err
	}

	m.setSwapEntry(space, addr, entry)
	if err := space.UnmapPage(addr); err != nil {
		m.clearSwapEntry(space, addr)
		m.Free(entry)
		return fmt.Errorf("%w: failed to unmap %s: %v", ErrFault, addr, err)
	}

	if err := m.pmm.FreePage(pfn); err != nil {
		log.Error("failed to free frame %d after page-out of %s: %v", pfn, addr, err)
	}

	m.mu.Lock()
	m.swappedOut++
	m.mu.Unlock()

	log.Debug("paged out %s to %s", addr, entry)

	return nil
}

// InPage swaps the page at addr back in: a fresh frame is allocated,
// the record is read and decompressed into it, the page is mapped with
// its VMA's protection, and the slot is freed. Afterwards a small
// window of nearby swapped pages is prefetched best-effort.
func (m *Manager) InPage(space vmm.AddressSpace, addr mem.VirtAddr) error {
	return m.inPage(space, addr.PageAlign(), true)
}

func (m *Manager) inPage(space vmm.AddressSpace, addr mem.VirtAddr, prefetch bool) error {
	entry := m.SwapEntry(space, addr)
	if entry.IsNone() {
		return fmt.Errorf("%w: %s has no swap entry", ErrInvalidArgument, addr)
	}

	pfn, err := m.pmm.AllocPage()
	if err != nil {
		return fmt.Errorf("%w: no frame for swap-in of %s: %v", ErrNoMem, addr, err)
	}

	buf, err := m.pmm.PageBytes(pfn)
	if err != nil {
		m.pmm.FreePage(pfn)
		return fmt.Errorf("%w: frame %d: %v", ErrFault, pfn, err)
	}

	// slot left intact on failure so a later retry still finds the data
	if err := m.Read(entry, buf); err != nil {
		m.pmm.FreePage(pfn)
		return err
	}

	vma, ok := space.FindVMA(addr)
	if !ok {
		m.pmm.FreePage(pfn)
		return fmt.Errorf("%w: no VMA covers %s", ErrFault, addr)
	}

	if err := space.MapPage(addr, pfn, vma.Prot); err != nil {
		m.pmm.FreePage(pfn)
		return fmt.Errorf("%w: failed to map %s: %v", ErrFault, addr, err)
	}

	m.clearSwapEntry(space, addr)
	if err := m.Free(entry); err != nil {
		log.Error("failed to free %s after swap-in of %s: %v", entry, addr, err)
	}

	m.mu.Lock()
	m.swappedIn++
	m.mu.Unlock()

	log.Debug("paged in %s from %s", addr, entry)

	if prefetch && m.prefetcher != nil {
		for _, next := range m.prefetcher.Window(addr) {
			if m.SwapEntry(space, next).IsNone() {
				continue
			}
			if err := m.inPage(space, next, false); err != nil {
				log.Debug("prefetch of %s failed: %v", next, err)
			}
		}
	}

	return nil
}

// SwapEntry returns the swap-map entry of the page at addr, or NoEntry.
func (m *Manager) SwapEntry(space vmm.AddressSpace, addr mem.VirtAddr) Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.spaces[space]; ok {
		return s.entries[addr.PageAlign()]
	}
	return NoEntry
}

// SwapUsed returns the number of pages the address space has swapped out.
func (m *Manager) SwapUsed(space vmm.AddressSpace) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.spaces[space]; ok {
		return s.used
	}
	return 0
}

// FreeSlots returns the total number of free slots across all areas.
func (m *Manager) FreeSlots() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	free := uint64(0)
	for _, a := range m.areas {
		if a != nil {
			free += uint64(a.slots - a.used)
		}
	}
	return free
}

// Close closes all backing stores, accumulating any close failures.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs *multierror.Error
	for i, a := range m.areas {
		if a == nil {
			continue
		}
		if err := a.file.Close(); err != nil {
			errs = multierror.Append(errs,
				fmt.Errorf("failed to close swap area %q: %w", a.path, err))
		}
		m.areas[i] = nil
	}
	m.spaces = make(map[vmm.AddressSpace]*spaceSwap)

	return errs.ErrorOrNil()
}

// setSwapEntry records the swap-map entry for addr, lazily allocating
// the per-space swap map.
func (m *Manager) setSwapEntry(space vmm.AddressSpace, addr mem.VirtAddr, entry Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.spaces[space]
	if !ok {
		s = &spaceSwap{entries: make(map[mem.VirtAddr]Entry)}
		m.spaces[space] = s
	}
	s.entries[addr.PageAlign()] = entry
	s.used++
}

func (m *Manager) clearSwapEntry(space vmm.AddressSpace, addr mem.VirtAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.spaces[space]; ok {
		delete(s.entries, addr.PageAlign())
		s.used--
	}
}

// resolve looks an entry up under the lock, for use around unlocked I/O.
func (m *Manager) resolve(entry Entry) (*area, uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(entry)
}

// lookup validates an entry against the area table. Callers must hold
// the manager lock.
func (m *Manager) lookup(entry Entry) (*area, uint, error) {
	if entry.IsNone() {
		return nil, 0, fmt.Errorf("%w: %s", ErrInvalidArgument, entry)
	}

	idx, slot := entry.AreaIndex(), entry.SlotIndex()
	if idx >= MaxAreas || m.areas[idx] == nil {
		return nil, 0, fmt.Errorf("%w: %s: no such area", ErrInvalidArgument, entry)
	}

	a := m.areas[idx]
	if !a.slotAllocated(slot) {
		return nil, 0, fmt.Errorf("%w: %s is not allocated", ErrInvalidState, entry)
	}

	return a, slot, nil
}
