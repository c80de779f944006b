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
	"encoding/binary"
	"fmt"
	"os"

	"github.com/bits-and-blooms/bitset"

	"github.com/kmemsim/kmemsim/pkg/mem"
)

const (
	// MaxAreas is the size of the fixed area table.
	MaxAreas = 8

	// maxSlots keeps slot indices within the Entry encoding.
	maxSlots = slotMask + 1

	// recordHeader is the size of the on-disk length prefix.
	recordHeader = 8
	// slotStride spaces slots on disk so a raw record plus its header
	// never overlaps the next slot.
	slotStride = mem.PageSize + recordHeader
)

// area is one backing swap store: a file plus a slot occupancy bitmap.
type area struct {
	path   string
	file   *os.File
	slots  uint
	used   uint
	bitmap *bitset.BitSet
}

// newArea opens or creates a backing file sized for size bytes worth of
// pages and preallocates the slot records.
func newArea(path string, size int64) (*area, error) {
	slots := uint(size / mem.PageSize)
	if slots == 0 || slots > maxSlots {
		return nil, fmt.Errorf("%w: area size %s yields %d slots",
			ErrInvalidArgument, mem.HumanReadableSize(size), slots)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %q: %v", ErrIO, path, err)
	}

	if err := preallocate(file, int64(slots)*slotStride); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: failed to preallocate %q: %v", ErrIO, path, err)
	}

	return &area{
		path:   path,
		file:   file,
		slots:  slots,
		bitmap: bitset.New(slots),
	}, nil
}

// allocSlot marks the first free slot allocated and returns its index.
func (a *area) allocSlot() (uint, bool) {
	slot, ok := a.bitmap.NextClear(0)
	if !ok || slot >= a.slots {
		return 0, false
	}

	a.bitmap.Set(slot)
	a.used++

	return slot, true
}

// freeSlot releases an allocated slot.
func (a *area) freeSlot(slot uint) error {
	if slot >= a.slots {
		return fmt.Errorf("%w: slot %d out of range [0,%d)",
			ErrInvalidArgument, slot, a.slots)
	}
	if !a.bitmap.Test(slot) {
		return fmt.Errorf("%w: slot %d is not allocated", ErrInvalidState, slot)
	}

	a.bitmap.Clear(slot)
	a.used--

	return nil
}

// slotAllocated returns true if the slot is currently allocated.
func (a *area) slotAllocated(slot uint) bool {
	return slot < a.slots && a.bitmap.Test(slot)
}

// writeRecord writes a slot record: the length prefix followed by the
// payload. A payload of exactly PageSize bytes means "stored raw".
func (a *area) writeRecord(slot uint, length uint64, payload []byte) error {
	rec := make([]byte, recordHeader+len(payload))
	binary.NativeEndian.PutUint64(rec[:recordHeader], length)
	copy(rec[recordHeader:], payload)

	if _, err := a.file.WriteAt(rec, int64(slot)*slotStride); err != nil {
		return fmt.Errorf("%w: short write to %q slot %d: %v",
			ErrIO, a.path, slot, err)
	}

	return nil
}

// readRecord reads back a slot record, returning the stored length and
// the payload bytes.
func (a *area) readRecord(slot uint) (uint64, []byte, error) {
	offset := int64(slot) * slotStride

	var hdr [recordHeader]byte
	if _, err := a.file.ReadAt(hdr[:], offset); err != nil {
		return 0, nil, fmt.Errorf("%w: short read from %q slot %d: %v",
			ErrIO, a.path, slot, err)
	}

	length := binary.NativeEndian.Uint64(hdr[:])
	if length == 0 || length > mem.PageSize {
		return 0, nil, fmt.Errorf("%w: corrupt record in %q slot %d: length %d",
			ErrIO, a.path, slot, length)
	}

	payload := make([]byte, length)
	if _, err := a.file.ReadAt(payload, offset+recordHeader); err != nil {
		return 0, nil, fmt.Errorf("%w: short read from %q slot %d: %v",
			ErrIO, a.path, slot, err)
	}

	return length, payload, nil
}
