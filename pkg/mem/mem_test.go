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

package mem_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/kmemsim/kmemsim/pkg/mem"
)

func TestAddressConversions(t *testing.T) {
	require.Equal(t, PFN(0), PhysAddr(0xfff).PFN(), "PFN of a low address")
	require.Equal(t, PFN(1), PhysAddr(0x1000).PFN(), "PFN of a page boundary")
	require.Equal(t, uint64(0x123), PhysAddr(0x1123).PageOffset(), "page offset")
	require.Equal(t, PhysAddr(0x3000), PFN(3).Addr(), "address of a PFN")

	require.Equal(t, VirtAddr(0x2000), VirtAddr(0x2fff).PageAlign(), "page alignment")
	require.Equal(t, uint64(2), VirtAddr(0x2abc).PageIndex(), "page index")
}

func TestSizeConversions(t *testing.T) {
	require.Equal(t, int64(0x4000), PagesToBytes(4), "pages to bytes")
	require.Equal(t, uint64(4), BytesToPages(0x4000), "bytes to pages")
	require.Equal(t, uint64(5), BytesToPages(0x4001), "bytes to pages, rounded up")

	require.Equal(t, "512", HumanReadableSize(512), "sub-kilobyte size")
	require.Equal(t, "4k", HumanReadableSize(4096), "kilobyte size")
	require.Equal(t, "1.5M", HumanReadableSize(3<<19), "fractional megabyte size")
	require.Equal(t, "64M", HumanReadableSize(64<<20), "megabyte size")
	require.Equal(t, "2G", HumanReadableSize(2<<30), "gigabyte size")
}
