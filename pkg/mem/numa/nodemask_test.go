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

package numa_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kmemsim/kmemsim/pkg/mem"
	. "github.com/kmemsim/kmemsim/pkg/mem/numa"
)

func TestNodeMask(t *testing.T) {
	m := NewNodeMask(0, 2, 5)

	require.Equal(t, 3, m.Size(), "mask size")
	require.True(t, m.Contains(0, 2, 5), "set bits")
	require.False(t, m.Contains(1), "clear bit")
	require.Equal(t, []mem.ID{0, 2, 5}, m.Slice(), "mask as a slice")

	m = m.Set(1).Clear(5)
	require.Equal(t, []mem.ID{0, 1, 2}, m.Slice(), "mask after set and clear")

	var visited []mem.ID
	m.Foreach(func(id mem.ID) bool {
		visited = append(visited, id)
		return ForeachMore
	})
	require.Equal(t, []mem.ID{0, 1, 2}, visited, "visited IDs")

	visited = nil
	m.Foreach(func(id mem.ID) bool {
		visited = append(visited, id)
		return ForeachDone
	})
	require.Equal(t, []mem.ID{0}, visited, "visit cut short")

	require.Equal(t, "nodes{0,1,2}", NewNodeMask(0, 1, 2).String(), "string formatting")
}
