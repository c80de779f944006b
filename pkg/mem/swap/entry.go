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

import "fmt"

// Entry is a handle to an allocated swap slot, packing the area index
// into the top byte and the slot index into the low 24 bits. The packed
// value is biased by one so the zero Entry stays the "no swap entry"
// sentinel even for slot 0 of area 0.
type Entry uint32

// NoEntry is the sentinel for "no swap entry".
const NoEntry Entry = 0

const (
	slotBits = 24
	slotMask = 1<<slotBits - 1
)

func makeEntry(area int, slot uint) Entry {
	return Entry(uint32(area)<<slotBits|uint32(slot)&slotMask) + 1
}

// IsNone returns true for the sentinel Entry.
func (e Entry) IsNone() bool {
	return e == NoEntry
}

// AreaIndex returns the index of the area the entry refers to.
func (e Entry) AreaIndex() int {
	return int(uint32(e-1) >> slotBits)
}

// SlotIndex returns the slot index within the entry's area.
func (e Entry) SlotIndex() uint {
	return uint(uint32(e-1) & slotMask)
}

// String returns the entry as an area#slot string.
func (e Entry) String() string {
	if e.IsNone() {
		return "<no swap entry>"
	}
	return fmt.Sprintf("swap:%d#%d", e.AreaIndex(), e.SlotIndex())
}
