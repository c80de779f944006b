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

package swap_test

import (
	"bytes"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kmemsim/kmemsim/pkg/mem"
	"github.com/kmemsim/kmemsim/pkg/mem/pmm"
	. "github.com/kmemsim/kmemsim/pkg/mem/swap"
	"github.com/kmemsim/kmemsim/pkg/mem/vmm"
)

type testSetup struct {
	pages uint64
	slots int64
}

func (s *testSetup) manager(t *testing.T, options ...ManagerOption) (*pmm.Allocator, *Manager) {
	a, err := pmm.NewAllocator(pmm.WithTotalPages(s.pages))
	require.Nil(t, err, "unexpected NewAllocator() error")

	m, err := NewManager(a, options...)
	require.Nil(t, err, "unexpected NewManager() error")

	err = m.AddArea(filepath.Join(t.TempDir(), "swap0"), s.slots*mem.PageSize)
	require.Nil(t, err, "unexpected AddArea() error")

	t.Cleanup(func() {
		require.Nil(t, m.Close(), "unexpected Close() error")
	})

	return a, m
}

// mapFilledPage allocates a frame, fills it, and maps it at addr.
func mapFilledPage(t *testing.T, a *pmm.Allocator, space *vmm.SimSpace, addr mem.VirtAddr, fill byte) mem.PFN {
	pfn, err := a.AllocPage()
	require.Nil(t, err, "unexpected AllocPage() error")

	data, err := a.PageBytes(pfn)
	require.Nil(t, err, "unexpected PageBytes() error")
	for i := range data {
		data[i] = fill
	}

	err = space.MapPage(addr, pfn, vmm.ProtRead|vmm.ProtWrite)
	require.Nil(t, err, "unexpected MapPage() error")

	return pfn
}

func residentBytes(t *testing.T, a *pmm.Allocator, space *vmm.SimSpace, addr mem.VirtAddr) []byte {
	pfn, ok := space.GetPage(addr)
	require.True(t, ok, "page at %s not resident", addr)

	data, err := a.PageBytes(pfn)
	require.Nil(t, err, "unexpected PageBytes() error")

	return data
}

func TestEntryEncoding(t *testing.T) {
	require.True(t, NoEntry.IsNone(), "zero entry is the sentinel")

	setup := &testSetup{pages: 64, slots: 8}
	_, m := setup.manager(t)

	// slot 0 of area 0 must still be distinguishable from the sentinel
	e, err := m.Alloc()
	require.Nil(t, err, "unexpected Alloc() error")
	require.False(t, e.IsNone(), "first entry collides with the sentinel")
	require.Equal(t, 0, e.AreaIndex(), "area index")
	require.Equal(t, uint(0), e.SlotIndex(), "slot index")

	require.Nil(t, m.Free(e), "unexpected Free() error")
}

func TestSlotExclusivity(t *testing.T) {
	setup := &testSetup{pages: 64, slots: 4}
	_, m := setup.manager(t)

	seen := map[Entry]struct{}{}
	var entries []Entry
	for {
		e, err := m.Alloc()
		if err != nil {
			require.ErrorIs(t, err, ErrNoSwap, "exhaustion error")
			require.True(t, e.IsNone(), "exhaustion returns the sentinel")
			break
		}
		_, dup := seen[e]
		require.False(t, dup, "entry %s handed out twice", e)
		seen[e] = struct{}{}
		entries = append(entries, e)
	}
	require.Len(t, entries, 4, "allocatable slots")

	// a freed slot may be reused
	require.Nil(t, m.Free(entries[2]), "unexpected Free() error")
	e, err := m.Alloc()
	require.Nil(t, err, "unexpected Alloc() error after free")
	require.Equal(t, entries[2], e, "freed slot reused")

	require.ErrorIs(t, m.Free(entries[2]), ErrInvalidState, "double free accepted")
	require.Nil(t, m.Free(e), "cleanup Free() error")
}

func TestWriteReadRoundTrip(t *testing.T) {
	type testCase struct {
		name string
		fill func([]byte)
	}

	for _, tc := range []*testCase{
		{
			name: "compressible ramp",
			fill: func(data []byte) {
				for i := range data {
					data[i] = byte(i)
				}
			},
		},
		{
			name: "incompressible noise",
			fill: func(data []byte) {
				rand.New(rand.NewSource(0xbadc0de)).Read(data)
			},
		},
		{
			name: "uniform",
			fill: func(data []byte) {
				for i := range data {
					data[i] = 0xa5
				}
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			setup := &testSetup{pages: 64, slots: 8}
			_, m := setup.manager(t)

			e, err := m.Alloc()
			require.Nil(t, err, "unexpected Alloc() error")

			data := make([]byte, mem.PageSize)
			tc.fill(data)

			require.Nil(t, m.Write(e, data), "unexpected Write() error")

			out := make([]byte, mem.PageSize)
			require.Nil(t, m.Read(e, out), "unexpected Read() error")
			require.True(t, bytes.Equal(data, out), "round-trip corrupted the page")

			require.Nil(t, m.Free(e), "unexpected Free() error")
		})
	}
}

func TestWriteReadValidation(t *testing.T) {
	setup := &testSetup{pages: 64, slots: 4}
	_, m := setup.manager(t)

	e, err := m.Alloc()
	require.Nil(t, err, "unexpected Alloc() error")

	err = m.Write(e, make([]byte, 100))
	require.ErrorIs(t, err, ErrInvalidArgument, "short page accepted")

	err = m.Read(e, make([]byte, 2*mem.PageSize))
	require.ErrorIs(t, err, ErrInvalidArgument, "oversized buffer accepted")

	require.Nil(t, m.Free(e), "unexpected Free() error")

	// freed slots are no longer addressable
	err = m.Write(e, make([]byte, mem.PageSize))
	require.ErrorIs(t, err, ErrInvalidState, "write to freed slot accepted")

	err = m.Read(NoEntry, make([]byte, mem.PageSize))
	require.ErrorIs(t, err, ErrInvalidArgument, "read of the sentinel accepted")
}

func TestOutInRoundTrip(t *testing.T) {
	setup := &testSetup{pages: 64, slots: 8}
	a, m := setup.manager(t)

	const addr = mem.VirtAddr(0x40000000)

	space := vmm.NewSimSpace("task")
	require.Nil(t, space.AddVMA(addr, addr+4*mem.PageSize, vmm.ProtRead|vmm.ProtWrite),
		"unexpected AddVMA() error")

	mapFilledPage(t, a, space, addr, 0x7e)
	freeBefore := a.FreePagesCount()
	slotsBefore := m.FreeSlots()

	require.Nil(t, m.OutPage(space, addr), "unexpected OutPage() error")

	_, resident := space.GetPage(addr)
	require.False(t, resident, "page resident after page-out")
	require.False(t, m.SwapEntry(space, addr).IsNone(), "no swap entry after page-out")
	require.Equal(t, uint64(1), m.SwapUsed(space), "swap-used counter")
	require.Equal(t, freeBefore+1, a.FreePagesCount(), "frame returned to the pool")
	require.Equal(t, slotsBefore-1, m.FreeSlots(), "slot occupied")

	require.Nil(t, m.InPage(space, addr), "unexpected InPage() error")

	data := residentBytes(t, a, space, addr)
	for i := range data {
		require.Equal(t, byte(0x7e), data[i], "page contents at offset %d", i)
	}
	require.True(t, m.SwapEntry(space, addr).IsNone(), "swap entry left after page-in")
	require.Equal(t, uint64(0), m.SwapUsed(space), "swap-used counter after page-in")
	require.Equal(t, slotsBefore, m.FreeSlots(), "slot freed after page-in")
}

func TestOutPageValidation(t *testing.T) {
	setup := &testSetup{pages: 64, slots: 8}
	a, m := setup.manager(t)

	const addr = mem.VirtAddr(0x40000000)

	space := vmm.NewSimSpace("task")
	require.Nil(t, space.AddVMA(addr, addr+4*mem.PageSize, vmm.ProtRead|vmm.ProtWrite),
		"unexpected AddVMA() error")

	err := m.OutPage(space, addr)
	require.ErrorIs(t, err, ErrFault, "page-out of a non-resident page accepted")

	mapFilledPage(t, a, space, addr, 1)
	require.Nil(t, m.OutPage(space, addr), "unexpected OutPage() error")

	// the page is gone, a second page-out faults
	err = m.OutPage(space, addr)
	require.ErrorIs(t, err, ErrFault, "page-out of a swapped page accepted")

	// a resident page that still has a swap entry is rejected
	mapFilledPage(t, a, space, addr, 2)
	err = m.OutPage(space, addr)
	require.ErrorIs(t, err, ErrInvalidState, "page-out with a live swap entry accepted")

	err = m.InPage(space, addr+mem.PageSize)
	require.ErrorIs(t, err, ErrInvalidArgument, "page-in without a swap entry accepted")
}

func TestPriorityDeferral(t *testing.T) {
	oracle := NewStaticOracle()

	setup := &testSetup{pages: 64, slots: 8}
	a, m := setup.manager(t, WithOracle(oracle))

	const (
		hot  = mem.VirtAddr(0x40000000)
		cold = hot + mem.PageSize
	)

	space := vmm.NewSimSpace("task")
	require.Nil(t, space.AddVMA(hot, hot+4*mem.PageSize, vmm.ProtRead|vmm.ProtWrite),
		"unexpected AddVMA() error")

	mapFilledPage(t, a, space, hot, 0xff)
	mapFilledPage(t, a, space, cold, 0x00)

	oracle.SetPriority(hot, PriorityHigh)
	oracle.SetPriority(cold, PriorityLow)

	// the hot page defers to the cold victim
	err := m.OutPage(space, hot)
	require.ErrorIs(t, err, ErrAgain, "hot page evicted past a cold victim")
	_, resident := space.GetPage(hot)
	require.True(t, resident, "deferred page-out unmapped the page")

	require.Nil(t, m.OutPage(space, cold), "unexpected cold OutPage() error")

	// with no cold victim left the hot page goes out after all
	require.Nil(t, m.OutPage(space, hot), "unexpected hot OutPage() error")
}

func TestPrefetch(t *testing.T) {
	setup := &testSetup{pages: 64, slots: 16}
	a, m := setup.manager(t)

	const (
		base  = mem.VirtAddr(0x40000000)
		count = 5
	)

	space := vmm.NewSimSpace("task")
	require.Nil(t, space.AddVMA(base, base+count*mem.PageSize, vmm.ProtRead|vmm.ProtWrite),
		"unexpected AddVMA() error")

	for i := 0; i < count; i++ {
		mapFilledPage(t, a, space, base+mem.VirtAddr(i*mem.PageSize), byte(i))
	}
	for i := 0; i < count; i++ {
		require.Nil(t, m.OutPage(space, base+mem.VirtAddr(i*mem.PageSize)),
			"unexpected OutPage() error")
	}

	// paging the first page in pulls the neighboring window along
	require.Nil(t, m.InPage(space, base), "unexpected InPage() error")

	for i := 0; i < count; i++ {
		addr := base + mem.VirtAddr(i*mem.PageSize)
		data := residentBytes(t, a, space, addr)
		require.Equal(t, byte(i), data[0], "page %d contents", i)
		require.True(t, m.SwapEntry(space, addr).IsNone(), "swap entry of page %d", i)
	}
	require.Equal(t, uint64(0), m.SwapUsed(space), "swap-used counter")
}

func TestSwapExhaustion(t *testing.T) {
	setup := &testSetup{pages: 64, slots: 2}
	a, m := setup.manager(t)

	const base = mem.VirtAddr(0x40000000)

	space := vmm.NewSimSpace("task")
	require.Nil(t, space.AddVMA(base, base+4*mem.PageSize, vmm.ProtRead|vmm.ProtWrite),
		"unexpected AddVMA() error")

	for i := 0; i < 3; i++ {
		mapFilledPage(t, a, space, base+mem.VirtAddr(i*mem.PageSize), byte(i))
	}

	require.Nil(t, m.OutPage(space, base), "unexpected OutPage() error")
	require.Nil(t, m.OutPage(space, base+mem.PageSize), "unexpected OutPage() error")

	err := m.OutPage(space, base+2*mem.PageSize)
	require.ErrorIs(t, err, ErrNoSwap, "page-out past swap capacity accepted")

	// the failed page-out left the page untouched
	_, resident := space.GetPage(base + 2*mem.PageSize)
	require.True(t, resident, "page lost by failed page-out")
}

func TestRemoveArea(t *testing.T) {
	setup := &testSetup{pages: 64, slots: 4}
	_, m := setup.manager(t)

	second := filepath.Join(t.TempDir(), "swap1")
	require.Nil(t, m.AddArea(second, 4*mem.PageSize), "unexpected AddArea() error")

	err := m.AddArea(second, 4*mem.PageSize)
	require.ErrorIs(t, err, ErrInvalidArgument, "duplicate area accepted")

	// fill the first area so allocations hit the second
	var entries []Entry
	for i := 0; i < 5; i++ {
		e, err := m.Alloc()
		require.Nil(t, err, "unexpected Alloc() error")
		entries = append(entries, e)
	}
	require.Equal(t, 1, entries[4].AreaIndex(), "fifth slot area")

	err = m.RemoveArea(second)
	require.ErrorIs(t, err, ErrBusy, "removal of an occupied area accepted")

	require.Nil(t, m.Free(entries[4]), "unexpected Free() error")
	require.Nil(t, m.RemoveArea(second), "unexpected RemoveArea() error")

	err = m.RemoveArea(second)
	require.ErrorIs(t, err, ErrInvalidArgument, "removal of an unknown area accepted")

	for _, e := range entries[:4] {
		require.Nil(t, m.Free(e), "unexpected Free() error")
	}
}
