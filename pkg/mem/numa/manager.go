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
	"fmt"
	"sync"

	"github.com/kmemsim/kmemsim/pkg/mem"
	"github.com/kmemsim/kmemsim/pkg/mem/pmm"
)

// Policy selects how PolicyAllocPages places allocations across nodes.
type Policy int

const (
	// PolicyLocal tries the caller's home node first, then all others.
	PolicyLocal Policy = iota
	// PolicyInterleave round-robins allocations across nodes.
	PolicyInterleave
	// PolicyPreferred tries the configured node first, then all others.
	PolicyPreferred
)

var (
	policyToString = map[Policy]string{
		PolicyLocal:      "local",
		PolicyInterleave: "interleave",
		PolicyPreferred:  "preferred",
	}
	stringToPolicy = map[string]Policy{
		"local":      PolicyLocal,
		"interleave": PolicyInterleave,
		"preferred":  PolicyPreferred,
	}
)

// String returns the name of the policy.
func (p Policy) String() string {
	if str, ok := policyToString[p]; ok {
		return str
	}
	return fmt.Sprintf("%%!(numa:Bad-Policy %d)", int(p))
}

// ParsePolicy parses the given string into a Policy.
func ParsePolicy(str string) (Policy, error) {
	if p, ok := stringToPolicy[str]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("%w: unknown policy %q", ErrInvalidPolicy, str)
}

// Node is one NUMA node, owning a disjoint PFN sub-range of physical
// memory. Every usable page belongs to exactly one node, determined by
// its PFN falling in the node's range.
type Node struct {
	mu       sync.Mutex
	id       mem.ID
	start    mem.PFN
	end      mem.PFN
	free     uint64 // guarded by mu
	total    uint64
	distance []int
}

// ID returns the node ID.
func (n *Node) ID() mem.ID {
	return n.id
}

// StartPFN returns the first PFN of the node's range.
func (n *Node) StartPFN() mem.PFN {
	return n.start
}

// EndPFN returns the first PFN past the node's range.
func (n *Node) EndPFN() mem.PFN {
	return n.end
}

// TotalPages returns the number of usable pages in the node's range.
func (n *Node) TotalPages() uint64 {
	return n.total
}

// FreePages returns the number of currently free pages in the node.
func (n *Node) FreePages() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.free
}

// DistanceTo returns the firmware distance from this node to the other.
func (n *Node) DistanceTo(id mem.ID) int {
	if id < 0 || id >= len(n.distance) {
		return -1
	}
	return n.distance[id]
}

// Manager partitions the physical page range of a buddy allocator into
// NUMA nodes and implements node-local allocation, policy-based placement
// and inter-node page migration on top of it.
type Manager struct {
	pmm   *pmm.Allocator
	nodes []*Node

	polMu     sync.Mutex
	policy    Policy
	preferred mem.ID
	cursor    int
	homeNode  func() mem.ID
}

// ManagerOption is an opaque option for a Manager.
type ManagerOption func(*Manager) error

// WithTopologySource is an option to set the topology source used to
// discover the node layout.
func WithTopologySource(src TopologySource) ManagerOption {
	return func(m *Manager) error {
		if m.nodes != nil {
			return fmt.Errorf("manager already has nodes set")
		}

		specs, err := src.Discover(m.pmm.TotalPages())
		if err != nil {
			return err
		}
		if err := validateSpecs(specs, m.pmm.TotalPages()); err != nil {
			return err
		}

		for _, spec := range specs {
			m.nodes = append(m.nodes, m.newNode(spec))
		}

		return nil
	}
}

// WithPolicy is an option to set the initial allocation policy.
func WithPolicy(policy Policy, preferred mem.ID) ManagerOption {
	return func(m *Manager) error {
		return m.SetPolicy(policy, preferred)
	}
}

// WithHomeNode is an option to set the function used to determine the
// calling CPU's home node for the local policy. The default home node
// is node 0.
func WithHomeNode(fn func() mem.ID) ManagerOption {
	return func(m *Manager) error {
		if fn == nil {
			return fmt.Errorf("nil home node function")
		}
		m.homeNode = fn
		return nil
	}
}

// NewManager creates a NUMA manager on top of the given buddy allocator.
// Without a topology source option the default two-node layout is used.
func NewManager(a *pmm.Allocator, options ...ManagerOption) (*Manager, error) {
	m := &Manager{
		pmm:      a,
		policy:   PolicyLocal,
		homeNode: func() mem.ID { return 0 },
	}

	for _, o := range options {
		if err := o(m); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	if m.nodes == nil {
		if err := WithTopologySource(DefaultTopology{})(m); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	m.DumpConfig()

	return m, nil
}

func (m *Manager) newNode(spec NodeSpec) *Node {
	n := &Node{
		id:       spec.ID,
		start:    spec.StartPFN,
		end:      spec.EndPFN,
		distance: spec.Distance,
	}

	for pfn := n.start; pfn < n.end; pfn++ {
		if f := m.pmm.Frame(pfn); f != nil && !f.IsReserved() {
			n.total++
			if !f.IsAllocated() {
				n.free++
			}
		}
	}

	return n
}

// Nodes returns the number of NUMA nodes.
func (m *Manager) Nodes() int {
	return len(m.nodes)
}

// Node returns the node with the given ID.
func (m *Manager) Node(id mem.ID) (*Node, error) {
	if id < 0 || id >= len(m.nodes) {
		return nil, fmt.Errorf("%w: node #%d of %d", ErrInvalidNode, id, len(m.nodes))
	}
	return m.nodes[id], nil
}

// NodeMask returns the mask of all node IDs.
func (m *Manager) NodeMask() NodeMask {
	mask := NodeMask(0)
	for _, n := range m.nodes {
		mask = mask.Set(n.id)
	}
	return mask
}

// NodeForAddr returns the node owning the given physical address.
func (m *Manager) NodeForAddr(addr mem.PhysAddr) (*Node, error) {
	pfn := addr.PFN()
	for _, n := range m.nodes {
		if n.start <= pfn && pfn < n.end {
			return n, nil
		}
	}
	return nil, fmt.Errorf("%w: address %s not in any node", ErrInvalidArgument, addr)
}

// SetPolicy sets the allocation policy used by PolicyAllocPages. The
// preferred node is only consulted by the preferred policy.
func (m *Manager) SetPolicy(policy Policy, preferred mem.ID) error {
	if _, ok := policyToString[policy]; !ok {
		return fmt.Errorf("%w: %d", ErrInvalidPolicy, policy)
	}
	if policy == PolicyPreferred && (preferred < 0 || preferred >= len(m.nodes)) {
		return fmt.Errorf("%w: preferred node #%d", ErrInvalidNode, preferred)
	}

	m.polMu.Lock()
	defer m.polMu.Unlock()
	m.policy = policy
	m.preferred = preferred

	log.Info("allocation policy set to %s (preferred node #%d)", policy, preferred)

	return nil
}

// AllocPages allocates count contiguous pages from the given node with a
// first-fit linear scan of the node's PFN range. The scan is O(range) in
// the worst case; this simple placement is a deliberate characteristic
// of this layer, large contiguous allocations should go through the
// buddy allocator instead.
func (m *Manager) AllocPages(id mem.ID, count uint64) (mem.PhysAddr, error) {
	if count == 0 {
		return 0, fmt.Errorf("%w: zero page count", ErrInvalidArgument)
	}

	n, err := m.Node(id)
	if err != nil {
		return 0, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	return m.allocInNode(n, count)
}

// allocInNode scans for and claims a contiguous free run. The caller
// holds the node lock.
func (m *Manager) allocInNode(n *Node, count uint64) (mem.PhysAddr, error) {
	if count > n.total {
		return 0, fmt.Errorf("%w: %d pages from node #%d with %d",
			ErrNoMem, count, n.id, n.total)
	}

	limit := n.end - mem.PFN(count)

scan:
	for pfn := n.start; pfn <= limit; pfn++ {
		for i := mem.PFN(0); i < mem.PFN(count); i++ {
			if !m.pmm.PageIsFree(pfn + i) {
				pfn += i
				continue scan
			}
		}

		// Claim the run page by page. A concurrent allocation through
		// the buddy pool can still race us to individual frames, so
		// re-check by handling claim failure: release what we got and
		// keep scanning.
		for i := mem.PFN(0); i < mem.PFN(count); i++ {
			if err := m.pmm.AllocPageAt(pfn + i); err != nil {
				for j := mem.PFN(0); j < i; j++ {
					_ = m.pmm.FreePage(pfn + j)
				}
				continue scan
			}
		}

		n.free -= count
		log.Debug("node #%d: allocated %d pages at PFN %d", n.id, count, pfn)

		return pfn.Addr(), nil
	}

	return 0, fmt.Errorf("%w: %d contiguous pages in node #%d", ErrNoMem, count, n.id)
}

// FreePages releases count pages previously allocated from a node.
func (m *Manager) FreePages(addr mem.PhysAddr, count uint64) error {
	if count == 0 {
		return fmt.Errorf("%w: zero page count", ErrInvalidArgument)
	}
	if addr.PageOffset() != 0 {
		return fmt.Errorf("%w: address %s not page aligned", ErrInvalidArgument, addr)
	}

	n, err := m.NodeForAddr(addr)
	if err != nil {
		return err
	}

	pfn := addr.PFN()
	if pfn+mem.PFN(count) > n.end {
		return fmt.Errorf("%w: range [%d,%d) crosses node #%d boundary",
			ErrInvalidArgument, pfn, pfn+mem.PFN(count), n.id)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	for i := mem.PFN(0); i < mem.PFN(count); i++ {
		if err := m.pmm.FreePage(pfn + i); err != nil {
			return err
		}
		n.free++
	}

	log.Debug("node #%d: freed %d pages at PFN %d", n.id, count, pfn)

	return nil
}

// PolicyAllocPages allocates count contiguous pages according to the
// current allocation policy. Allocation failure on every candidate node
// is reported to the caller, there is no internal retry.
func (m *Manager) PolicyAllocPages(count uint64) (mem.PhysAddr, error) {
	if count == 0 {
		return 0, fmt.Errorf("%w: zero page count", ErrInvalidArgument)
	}

	m.polMu.Lock()
	policy, preferred, cursor := m.policy, m.preferred, m.cursor
	m.polMu.Unlock()

	switch policy {
	case PolicyLocal:
		return m.allocFallback(m.homeNode(), count)

	case PolicyPreferred:
		return m.allocFallback(preferred, count)

	case PolicyInterleave:
		for i := 0; i < len(m.nodes); i++ {
			id := (cursor + i) % len(m.nodes)
			addr, err := m.AllocPages(id, count)
			if err != nil {
				continue
			}
			m.polMu.Lock()
			m.cursor = (id + 1) % len(m.nodes)
			m.polMu.Unlock()
			return addr, nil
		}
		return 0, fmt.Errorf("%w: %d pages on any node", ErrNoMem, count)

	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidPolicy, policy)
	}
}

// allocFallback tries the given node first, then every other node in
// index order.
func (m *Manager) allocFallback(first mem.ID, count uint64) (mem.PhysAddr, error) {
	if first < 0 || first >= len(m.nodes) {
		return 0, fmt.Errorf("%w: node #%d", ErrInvalidNode, first)
	}

	if addr, err := m.AllocPages(first, count); err == nil {
		return addr, nil
	}

	for id := range m.nodes {
		if id == first {
			continue
		}
		if addr, err := m.AllocPages(id, count); err == nil {
			log.Debug("fell back from node #%d to node #%d", first, id)
			return addr, nil
		}
	}

	return 0, fmt.Errorf("%w: %d pages on any node", ErrNoMem, count)
}

// MigratePage moves the page at addr to the target node and returns its
// new physical address. Migrating a page already on the target node is a
// successful no-op. Remapping page tables to the returned address is the
// caller's responsibility.
func (m *Manager) MigratePage(addr mem.PhysAddr, target mem.ID) (mem.PhysAddr, error) {
	if addr.PageOffset() != 0 {
		return 0, fmt.Errorf("%w: address %s not page aligned", ErrInvalidArgument, addr)
	}

	dst, err := m.Node(target)
	if err != nil {
		return 0, err
	}

	src, err := m.NodeForAddr(addr)
	if err != nil {
		return 0, err
	}

	if src.id == dst.id {
		return addr, nil
	}

	// Lock both nodes in ascending ID order so two opposite-direction
	// migrations cannot deadlock.
	lo, hi := src, dst
	if hi.id < lo.id {
		lo, hi = hi, lo
	}
	lo.mu.Lock()
	defer lo.mu.Unlock()
	hi.mu.Lock()
	defer hi.mu.Unlock()

	newAddr, err := m.allocInNode(dst, 1)
	if err != nil {
		return 0, err
	}

	srcBytes, err := m.pmm.PageBytes(addr.PFN())
	if err != nil {
		_ = m.pmm.FreePage(newAddr.PFN())
		dst.free++
		return 0, err
	}
	dstBytes, err := m.pmm.PageBytes(newAddr.PFN())
	if err != nil {
		_ = m.pmm.FreePage(newAddr.PFN())
		dst.free++
		return 0, err
	}
	copy(dstBytes, srcBytes)

	if err := m.pmm.FreePage(addr.PFN()); err != nil {
		_ = m.pmm.FreePage(newAddr.PFN())
		dst.free++
		return 0, err
	}
	src.free++

	log.Debug("migrated page %s (node #%d) to %s (node #%d)",
		addr, src.id, newAddr, dst.id)

	return newAddr, nil
}
