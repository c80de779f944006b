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

package numa

import (
	"math/bits"
	"strconv"
	"strings"

	"github.com/kmemsim/kmemsim/pkg/mem"
)

// NodeMask represents a set of node IDs as a bit mask.
type NodeMask uint64

// MaxNodeID is the maximum node ID that can be stored in a NodeMask.
const MaxNodeID = 63

const (
	// ForeachDone as a return value terminates iteration by a Foreach function.
	ForeachDone = false
	// ForeachMore as a return value continues iteration by a Foreach function.
	ForeachMore = !ForeachDone
)

// NewNodeMask returns a NodeMask with the given ids.
func NewNodeMask(ids ...mem.ID) NodeMask {
	return NodeMask(0).Set(ids...)
}

// Set returns a NodeMask with both the original and the given IDs added.
func (m NodeMask) Set(ids ...mem.ID) NodeMask {
	for _, id := range ids {
		m |= 1 << id
	}
	return m
}

// Clear returns a NodeMask with the given IDs removed.
func (m NodeMask) Clear(ids ...mem.ID) NodeMask {
	for _, id := range ids {
		m &^= 1 << id
	}
	return m
}

// Contains returns true if all the given IDs are present in the NodeMask.
func (m NodeMask) Contains(ids ...mem.ID) bool {
	for _, id := range ids {
		if m&(1<<id) == 0 {
			return false
		}
	}
	return true
}

// Size returns the number of IDs present in the NodeMask.
func (m NodeMask) Size() int {
	return bits.OnesCount64(uint64(m))
}

// Slice returns the node IDs stored in the NodeMask in increasing order.
func (m NodeMask) Slice() []mem.ID {
	var ids []mem.ID
	m.Foreach(func(id mem.ID) bool {
		ids = append(ids, id)
		return ForeachMore
	})
	return ids
}

// Foreach calls the given function for each ID set in the NodeMask until
// the function returns false, or ForeachDone.
func (m NodeMask) Foreach(fn func(mem.ID) bool) {
	for id := 0; m != 0; id, m = id+1, m>>1 {
		if m&1 != 0 {
			if !fn(id) {
				return
			}
		}
	}
}

// String returns a string representation of the NodeMask.
func (m NodeMask) String() string {
	b := strings.Builder{}
	b.WriteString("nodes{")
	sep := ""
	m.Foreach(func(id mem.ID) bool {
		b.WriteString(sep)
		b.WriteString(strconv.Itoa(id))
		sep = ","
		return ForeachMore
	})
	b.WriteString("}")
	return b.String()
}
