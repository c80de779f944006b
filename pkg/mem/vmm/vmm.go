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

// Package vmm defines the address-space contract the memory core relies
// on, together with a simulation implementation. Page-table mechanics
// are intentionally out of scope; the simulator keeps a flat page map
// per address space.
package vmm

import (
	"fmt"
	"sync"

	"github.com/kmemsim/kmemsim/pkg/mem"
)

var (
	ErrNotMapped     = fmt.Errorf("vmm: address not mapped")
	ErrAlreadyMapped = fmt.Errorf("vmm: address already mapped")
	ErrNoVMA         = fmt.Errorf("vmm: no covering VMA")
	ErrInvalidRange  = fmt.Errorf("vmm: invalid address range")
)

// Prot is the protection flag set of a mapping.
type Prot uint32

const (
	// ProtRead allows reads through the mapping.
	ProtRead Prot = 1 << iota
	// ProtWrite allows writes through the mapping.
	ProtWrite
	// ProtExec allows instruction fetches through the mapping.
	ProtExec
)

// VMA is a virtual memory area, a contiguous mapped range with uniform
// protection flags.
type VMA struct {
	Start mem.VirtAddr
	End   mem.VirtAddr
	Prot  Prot
}

// Contains returns true if the VMA covers the given address.
func (v *VMA) Contains(addr mem.VirtAddr) bool {
	return v.Start <= addr && addr < v.End
}

// AddressSpace is the view of a task's address space the memory core
// needs: mapping and unmapping single pages and locating covering VMAs.
type AddressSpace interface {
	// MapPage maps the page at vaddr to the given frame.
	MapPage(vaddr mem.VirtAddr, pfn mem.PFN, prot Prot) error
	// UnmapPage removes the mapping of the page at vaddr.
	UnmapPage(vaddr mem.VirtAddr) error
	// GetPage returns the frame mapped at vaddr, if any.
	GetPage(vaddr mem.VirtAddr) (mem.PFN, bool)
	// FindVMA returns the VMA covering vaddr, if any.
	FindVMA(vaddr mem.VirtAddr) (*VMA, bool)
}

// SimSpace is a simulated address space backed by a flat page map.
type SimSpace struct {
	mu    sync.Mutex
	name  string
	pages map[mem.VirtAddr]mem.PFN
	vmas  []VMA
}

var _ AddressSpace = &SimSpace{}

// NewSimSpace creates an empty simulated address space.
func NewSimSpace(name string) *SimSpace {
	return &SimSpace{
		name:  name,
		pages: make(map[mem.VirtAddr]mem.PFN),
	}
}

// Name returns the name of the address space.
func (s *SimSpace) Name() string {
	return s.name
}

// AddVMA adds a virtual memory area to the address space. The range must
// be page aligned and must not overlap an existing area.
func (s *SimSpace) AddVMA(start, end mem.VirtAddr, prot Prot) error {
	if start >= end || start.PageAlign() != start || end.PageAlign() != end {
		return fmt.Errorf("%w: [%s,%s)", ErrInvalidRange, start, end)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.vmas {
		if start < s.vmas[i].End && s.vmas[i].Start < end {
			return fmt.Errorf("%w: [%s,%s) overlaps [%s,%s)", ErrInvalidRange,
				start, end, s.vmas[i].Start, s.vmas[i].End)
		}
	}

	s.vmas = append(s.vmas, VMA{Start: start, End: end, Prot: prot})

	return nil
}

// MapPage implements AddressSpace.
func (s *SimSpace) MapPage(vaddr mem.VirtAddr, pfn mem.PFN, prot Prot) error {
	vaddr = vaddr.PageAlign()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findVMA(vaddr) == nil {
		return fmt.Errorf("%w: %s", ErrNoVMA, vaddr)
	}
	if _, ok := s.pages[vaddr]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyMapped, vaddr)
	}

	s.pages[vaddr] = pfn

	return nil
}

// UnmapPage implements AddressSpace.
func (s *SimSpace) UnmapPage(vaddr mem.VirtAddr) error {
	vaddr = vaddr.PageAlign()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pages[vaddr]; !ok {
		return fmt.Errorf("%w: %s", ErrNotMapped, vaddr)
	}

	delete(s.pages, vaddr)

	return nil
}

// GetPage implements AddressSpace.
func (s *SimSpace) GetPage(vaddr mem.VirtAddr) (mem.PFN, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pfn, ok := s.pages[vaddr.PageAlign()]
	return pfn, ok
}

// FindVMA implements AddressSpace.
func (s *SimSpace) FindVMA(vaddr mem.VirtAddr) (*VMA, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if vma := s.findVMA(vaddr); vma != nil {
		cp := *vma
		return &cp, true
	}
	return nil, false
}

func (s *SimSpace) findVMA(vaddr mem.VirtAddr) *VMA {
	for i := range s.vmas {
		if s.vmas[i].Contains(vaddr) {
			return &s.vmas[i]
		}
	}
	return nil
}

// MappedPages returns the number of mapped pages in the address space.
func (s *SimSpace) MappedPages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pages)
}
