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
	"github.com/kmemsim/kmemsim/pkg/mem/pmm"
)

type testSetup struct {
	pages uint64
	nodes int
}

func (s *testSetup) managers(t *testing.T, options ...ManagerOption) (*pmm.Allocator, *Manager) {
	a, err := pmm.NewAllocator(pmm.WithTotalPages(s.pages))
	require.Nil(t, err, "unexpected NewAllocator() error")

	options = append([]ManagerOption{
		WithTopologySource(DefaultTopology{Nodes: s.nodes}),
	}, options...)

	m, err := NewManager(a, options...)
	require.Nil(t, err, "unexpected NewManager() error")

	return a, m
}

func TestDefaultTopology(t *testing.T) {
	setup := &testSetup{pages: 256, nodes: 2}
	_, m := setup.managers(t)

	require.Equal(t, 2, m.Nodes(), "node count")
	require.Equal(t, NewNodeMask(0, 1), m.NodeMask(), "node mask")

	n0, err := m.Node(0)
	require.Nil(t, err, "unexpected Node(0) error")
	require.Equal(t, mem.PFN(0), n0.StartPFN(), "node #0 start")
	require.Equal(t, mem.PFN(128), n0.EndPFN(), "node #0 end")
	require.Equal(t, 10, n0.DistanceTo(0), "local distance")
	require.Equal(t, 20, n0.DistanceTo(1), "remote distance")

	n1, err := m.Node(1)
	require.Nil(t, err, "unexpected Node(1) error")
	require.Equal(t, mem.PFN(128), n1.StartPFN(), "node #1 start")
	require.Equal(t, mem.PFN(256), n1.EndPFN(), "node #1 end")

	_, err = m.Node(2)
	require.ErrorIs(t, err, ErrInvalidNode, "out-of-range node lookup")
}

func TestNodePartition(t *testing.T) {
	// every page belongs to exactly one node
	for _, nodes := range []int{1, 2, 3, 4} {
		setup := &testSetup{pages: 1000, nodes: nodes}
		_, m := setup.managers(t)

		total := uint64(0)
		for id := 0; id < m.Nodes(); id++ {
			n, err := m.Node(id)
			require.Nil(t, err, "unexpected Node(%d) error", id)
			total += n.TotalPages()
			require.Equal(t, n.TotalPages(), n.FreePages(),
				"node #%d initially fully free", id)
		}
		require.Equal(t, uint64(1000), total, "%d nodes cover all pages", nodes)

		for _, pfn := range []mem.PFN{0, 499, 500, 999} {
			n, err := m.NodeForAddr(pfn.Addr())
			require.Nil(t, err, "unexpected NodeForAddr() error for PFN %d", pfn)
			require.True(t, n.StartPFN() <= pfn && pfn < n.EndPFN(),
				"PFN %d inside node #%d range", pfn, n.ID())
		}
	}
}

func TestTopologyValidation(t *testing.T) {
	type testCase struct {
		name  string
		specs []NodeSpec
	}

	for _, tc := range []*testCase{
		{
			name: "gap between nodes",
			specs: []NodeSpec{
				{ID: 0, StartPFN: 0, EndPFN: 100, Distance: []int{10, 20}},
				{ID: 1, StartPFN: 128, EndPFN: 256, Distance: []int{20, 10}},
			},
		},
		{
			name: "non-consecutive IDs",
			specs: []NodeSpec{
				{ID: 0, StartPFN: 0, EndPFN: 128, Distance: []int{10, 20}},
				{ID: 2, StartPFN: 128, EndPFN: 256, Distance: []int{20, 10}},
			},
		},
		{
			name: "asymmetric distances",
			specs: []NodeSpec{
				{ID: 0, StartPFN: 0, EndPFN: 128, Distance: []int{10, 20}},
				{ID: 1, StartPFN: 128, EndPFN: 256, Distance: []int{30, 10}},
			},
		},
		{
			name: "partial coverage",
			specs: []NodeSpec{
				{ID: 0, StartPFN: 0, EndPFN: 128, Distance: []int{10}},
			},
		},
		{
			name: "wrong local distance",
			specs: []NodeSpec{
				{ID: 0, StartPFN: 0, EndPFN: 256, Distance: []int{42}},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a, err := pmm.NewAllocator(pmm.WithTotalPages(256))
			require.Nil(t, err, "unexpected NewAllocator() error")

			_, err = NewManager(a,
				WithTopologySource(&ConfigTopology{Nodes: tc.specs}))
			require.ErrorIs(t, err, ErrInvalidTopology, "invalid topology accepted")
		})
	}
}

func TestAllocPages(t *testing.T) {
	setup := &testSetup{pages: 256, nodes: 2}
	_, m := setup.managers(t)

	addr, err := m.AllocPages(1, 16)
	require.Nil(t, err, "unexpected AllocPages() error")

	n, err := m.NodeForAddr(addr)
	require.Nil(t, err, "unexpected NodeForAddr() error")
	require.Equal(t, 1, n.ID(), "allocation node")
	require.Equal(t, uint64(112), n.FreePages(), "node free pages")

	require.Nil(t, m.FreePages(addr, 16), "unexpected FreePages() error")
	require.Equal(t, uint64(128), n.FreePages(), "node free pages after release")

	_, err = m.AllocPages(7, 1)
	require.ErrorIs(t, err, ErrInvalidNode, "allocation from bogus node")

	_, err = m.AllocPages(0, 0)
	require.ErrorIs(t, err, ErrInvalidArgument, "zero page allocation")

	_, err = m.AllocPages(0, 129)
	require.ErrorIs(t, err, ErrNoMem, "allocation exceeding node capacity")
}

func TestLocalPolicyFallback(t *testing.T) {
	setup := &testSetup{pages: 128, nodes: 2}
	_, m := setup.managers(t, WithPolicy(PolicyLocal, 0))

	// home node first while it has room
	addr, err := m.PolicyAllocPages(8)
	require.Nil(t, err, "unexpected PolicyAllocPages() error")
	n, _ := m.NodeForAddr(addr)
	require.Equal(t, 0, n.ID(), "local placement")

	// exhaust the home node, allocations spill to the other node
	rest, err := m.AllocPages(0, 56)
	require.Nil(t, err, "unexpected AllocPages() error")

	spill, err := m.PolicyAllocPages(8)
	require.Nil(t, err, "unexpected fallback PolicyAllocPages() error")
	n, _ = m.NodeForAddr(spill)
	require.Equal(t, 1, n.ID(), "spilled placement")

	require.Nil(t, m.FreePages(addr, 8), "unexpected FreePages() error")
	require.Nil(t, m.FreePages(rest, 56), "unexpected FreePages() error")
	require.Nil(t, m.FreePages(spill, 8), "unexpected FreePages() error")
}

func TestPreferredPolicy(t *testing.T) {
	setup := &testSetup{pages: 128, nodes: 2}
	_, m := setup.managers(t, WithPolicy(PolicyPreferred, 1))

	addr, err := m.PolicyAllocPages(4)
	require.Nil(t, err, "unexpected PolicyAllocPages() error")
	n, _ := m.NodeForAddr(addr)
	require.Equal(t, 1, n.ID(), "preferred placement")

	require.Nil(t, m.FreePages(addr, 4), "unexpected FreePages() error")

	err = m.SetPolicy(PolicyPreferred, 9)
	require.ErrorIs(t, err, ErrInvalidNode, "preferred policy with bogus node")
}

func TestInterleavePolicy(t *testing.T) {
	setup := &testSetup{pages: 256, nodes: 2}
	_, m := setup.managers(t, WithPolicy(PolicyInterleave, 0))

	// successive allocations alternate between the nodes
	var addrs []mem.PhysAddr
	for i := 0; i < 4; i++ {
		addr, err := m.PolicyAllocPages(1)
		require.Nil(t, err, "unexpected PolicyAllocPages() error")
		n, _ := m.NodeForAddr(addr)
		require.Equal(t, i%2, n.ID(), "interleaved placement of allocation %d", i)
		addrs = append(addrs, addr)
	}

	for _, addr := range addrs {
		require.Nil(t, m.FreePages(addr, 1), "unexpected FreePages() error")
	}
}

func TestInterleaveSkipsFullNode(t *testing.T) {
	setup := &testSetup{pages: 128, nodes: 2}
	_, m := setup.managers(t, WithPolicy(PolicyInterleave, 0))

	full, err := m.AllocPages(0, 64)
	require.Nil(t, err, "unexpected AllocPages() error")

	// the cursor only advances past nodes that could satisfy the
	// request, so everything lands on the node with room
	for i := 0; i < 3; i++ {
		addr, err := m.PolicyAllocPages(1)
		require.Nil(t, err, "unexpected PolicyAllocPages() error")
		n, _ := m.NodeForAddr(addr)
		require.Equal(t, 1, n.ID(), "placement with node #0 full")
		require.Nil(t, m.FreePages(addr, 1), "unexpected FreePages() error")
	}

	require.Nil(t, m.FreePages(full, 64), "unexpected FreePages() error")
}

func TestMigratePage(t *testing.T) {
	setup := &testSetup{pages: 256, nodes: 2}
	a, m := setup.managers(t)

	addr, err := m.AllocPages(0, 1)
	require.Nil(t, err, "unexpected AllocPages() error")

	data, err := a.PageBytes(addr.PFN())
	require.Nil(t, err, "unexpected PageBytes() error")
	for i := range data {
		data[i] = byte(i)
	}

	n0, _ := m.Node(0)
	n1, _ := m.Node(1)
	free0, free1 := n0.FreePages(), n1.FreePages()

	moved, err := m.MigratePage(addr, 1)
	require.Nil(t, err, "unexpected MigratePage() error")
	require.NotEqual(t, addr, moved, "page moved to a new frame")

	n, err := m.NodeForAddr(moved)
	require.Nil(t, err, "unexpected NodeForAddr() error")
	require.Equal(t, 1, n.ID(), "page on target node")

	movedData, err := a.PageBytes(moved.PFN())
	require.Nil(t, err, "unexpected PageBytes() error")
	for i := range movedData {
		require.Equal(t, byte(i), movedData[i], "page contents at offset %d", i)
	}

	require.Equal(t, free0+1, n0.FreePages(), "source node free pages")
	require.Equal(t, free1-1, n1.FreePages(), "target node free pages")

	// migrating to the owning node is a successful no-op
	same, err := m.MigratePage(moved, 1)
	require.Nil(t, err, "unexpected same-node MigratePage() error")
	require.Equal(t, moved, same, "same-node migration address")

	require.Nil(t, m.FreePages(moved, 1), "unexpected FreePages() error")
}

func TestNodeExhaustion(t *testing.T) {
	setup := &testSetup{pages: 16384, nodes: 2}
	_, m := setup.managers(t)

	n0, err := m.Node(0)
	require.Nil(t, err, "unexpected Node(0) error")
	require.Equal(t, uint64(8192), n0.TotalPages(), "node #0 capacity")

	// drain node #0 with 8-page blocks, every block stays on the node
	var addrs []mem.PhysAddr
	for {
		addr, err := m.AllocPages(0, 8)
		if err != nil {
			require.ErrorIs(t, err, ErrNoMem, "unexpected exhaustion error")
			break
		}
		require.Less(t, addr.PFN(), mem.PFN(8192), "allocation within node #0")
		addrs = append(addrs, addr)
	}

	require.Len(t, addrs, 1024, "8-page blocks before exhaustion")
	require.Equal(t, uint64(0), n0.FreePages(), "node #0 free pages when drained")

	for _, addr := range addrs {
		require.Nil(t, m.FreePages(addr, 8), "unexpected FreePages() error")
	}
	require.Equal(t, uint64(8192), n0.FreePages(), "node #0 free pages after full release")
}

func TestFreeCounterRestore(t *testing.T) {
	setup := &testSetup{pages: 512, nodes: 2}
	_, m := setup.managers(t, WithPolicy(PolicyInterleave, 0))

	type block struct {
		addr  mem.PhysAddr
		count uint64
	}

	var blocks []block
	for _, count := range []uint64{1, 8, 32, 2, 16, 4} {
		addr, err := m.PolicyAllocPages(count)
		require.Nil(t, err, "unexpected PolicyAllocPages() error")
		blocks = append(blocks, block{addr, count})
	}

	for _, b := range blocks {
		require.Nil(t, m.FreePages(b.addr, b.count), "unexpected FreePages() error")
	}

	for id := 0; id < m.Nodes(); id++ {
		n, err := m.Node(id)
		require.Nil(t, err, "unexpected Node() error")
		require.Equal(t, n.TotalPages(), n.FreePages(),
			"node #%d free pages after full release", id)
	}
}

func TestFreePagesValidation(t *testing.T) {
	setup := &testSetup{pages: 256, nodes: 2}
	_, m := setup.managers(t)

	err := m.FreePages(mem.PhysAddr(0x123), 1)
	require.ErrorIs(t, err, ErrInvalidArgument, "misaligned free")

	err = m.FreePages(mem.PFN(127).Addr(), 2)
	require.ErrorIs(t, err, ErrInvalidArgument, "free crossing node boundary")

	err = m.FreePages(mem.PFN(1024).Addr(), 1)
	require.ErrorIs(t, err, ErrInvalidArgument, "free outside any node")
}
