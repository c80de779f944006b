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

// FrameFlags is the state bitset of a physical page frame.
type FrameFlags uint32

const (
	// FlagReserved marks a frame which is never handed out by the allocator.
	FlagReserved FrameFlags = 1 << iota
	// FlagBuddy marks a frame which heads a free block in the buddy pool.
	FlagBuddy
	// FlagAllocated marks a frame which is currently allocated.
	FlagAllocated
)

// PageKind discriminates the owner back-reference of a frame. It replaces
// discriminated reinterpretation of a single back-pointer with an explicit
// tag.
type PageKind int

const (
	// KindNone is a frame with no owner back-reference.
	KindNone PageKind = iota
	// KindAnon is a frame backing an anonymous mapping.
	KindAnon
	// KindFile is a frame backing a file mapping.
	KindFile
	// KindPipe is a frame backing a pipe buffer.
	KindPipe
	// KindBlockDev is a frame owned by a block device cache.
	KindBlockDev
)

// nilPFN terminates free list linkage.
const nilPFN = ^mem.PFN(0)

// Frame is the per-physical-page metadata record. Frames are stored in a
// flat arena indexed by PFN. A frame is in exactly one of three states:
// reserved, free (heading or inside a buddy block), or allocated.
type Frame struct {
	flags    FrameFlags
	order    uint8   // buddy block order, valid when FlagBuddy is set
	refCount int32   // usage count, valid when allocated
	mapCount int32   // number of mappings, valid when allocated
	prev     mem.PFN // free list linkage, valid when FlagBuddy is set
	next     mem.PFN
	kind     PageKind // owner back-reference tag
	owner    int      // owner index, interpretation depends on kind
}

// IsReserved returns true if the frame is reserved.
func (f *Frame) IsReserved() bool {
	return f.flags&FlagReserved != 0
}

// IsFree returns true if the frame heads a free buddy block.
func (f *Frame) IsFree() bool {
	return f.flags&FlagBuddy != 0
}

// IsAllocated returns true if the frame is allocated.
func (f *Frame) IsAllocated() bool {
	return f.flags&FlagAllocated != 0
}

// Order returns the buddy block order of the frame. For a free frame this
// is the order of the block it heads, for an allocated one the order it
// was allocated with.
func (f *Frame) Order() int {
	return int(f.order)
}

// RefCount returns the usage count of the frame.
func (f *Frame) RefCount() int {
	return int(f.refCount)
}

// MapCount returns the mapping count of the frame.
func (f *Frame) MapCount() int {
	return int(f.mapCount)
}

// Kind returns the owner back-reference tag of the frame.
func (f *Frame) Kind() PageKind {
	return f.kind
}

// SetOwner sets the owner back-reference of the frame. The reference is
// weak, no ownership is implied.
func (f *Frame) SetOwner(kind PageKind, owner int) {
	f.kind = kind
	f.owner = owner
}

// Owner returns the owner back-reference of the frame.
func (f *Frame) Owner() (PageKind, int) {
	return f.kind, f.owner
}

// Frame returns the frame record for the given PFN, or nil if the PFN is
// out of range.
func (a *Allocator) Frame(pfn mem.PFN) *Frame {
	if uint64(pfn) >= uint64(len(a.frames)) {
		return nil
	}
	return &a.frames[pfn]
}

// PageBytes returns the backing bytes of the given frame of simulated
// physical memory.
func (a *Allocator) PageBytes(pfn mem.PFN) ([]byte, error) {
	if uint64(pfn) >= uint64(len(a.frames)) {
		return nil, fmt.Errorf("%w: PFN %d out of range (%d frames)",
			ErrInvalidPFN, pfn, len(a.frames))
	}
	off := int64(pfn) << mem.PageShift
	return a.mem[off : off+mem.PageSize : off+mem.PageSize], nil
}

// FrameToVirt returns the direct-mapped kernel virtual address of a frame.
func (a *Allocator) FrameToVirt(pfn mem.PFN) (mem.VirtAddr, error) {
	if uint64(pfn) >= uint64(len(a.frames)) {
		return 0, fmt.Errorf("%w: PFN %d out of range (%d frames)",
			ErrInvalidPFN, pfn, len(a.frames))
	}
	return DirectMapBase + mem.VirtAddr(pfn.Addr()), nil
}

// VirtToFrame returns the frame backing a direct-mapped kernel virtual
// address.
func (a *Allocator) VirtToFrame(v mem.VirtAddr) (mem.PFN, error) {
	if v < DirectMapBase {
		return 0, fmt.Errorf("%w: %s below direct map base", ErrInvalidAddr, v)
	}
	pfn := mem.PhysAddr(v - DirectMapBase).PFN()
	if uint64(pfn) >= uint64(len(a.frames)) {
		return 0, fmt.Errorf("%w: %s beyond direct map", ErrInvalidAddr, v)
	}
	return pfn, nil
}

// DirectMapBase is the base virtual address of the identity-mapped view
// of physical memory.
const DirectMapBase mem.VirtAddr = 0xffff_8880_0000_0000
