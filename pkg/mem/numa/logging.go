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
	logger "github.com/kmemsim/kmemsim/pkg/log"
	"github.com/kmemsim/kmemsim/pkg/mem"
)

var log = logger.Get("numa")

// DumpConfig logs the node layout of the manager.
func (m *Manager) DumpConfig() {
	log.Info("NUMA manager with %d nodes (%s)", len(m.nodes), m.NodeMask())
	for _, n := range m.nodes {
		log.Info("  node #%d: PFNs [%d,%d), %s of memory",
			n.id, n.start, n.end,
			mem.HumanReadableSize(mem.PagesToBytes(n.total)))
		log.Info("    distance vector %v", n.distance)
	}
}

// DumpState logs the per-node page counters.
func (m *Manager) DumpState() {
	if !log.DebugEnabled() {
		return
	}

	for _, n := range m.nodes {
		log.Debug("node #%d: %d/%d pages free", n.id, n.FreePages(), n.total)
	}
}
