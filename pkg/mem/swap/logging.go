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
	logger "github.com/kmemsim/kmemsim/pkg/log"
)

var log = logger.Get("swap")

// DumpAreas logs the slot occupancy of every swap area.
func (m *Manager) DumpAreas() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, a := range m.areas {
		if a == nil {
			continue
		}
		log.Info("swap area #%d %q: %d/%d slots used", i, a.path, a.used, a.slots)
	}
}

// DumpCounters logs the page-out/page-in and compression counters.
func (m *Manager) DumpCounters() {
	m.mu.Lock()
	defer m.mu.Unlock()

	log.Info("swap traffic: %d pages out, %d pages in", m.swappedOut, m.swappedIn)
	log.Info("swap writes: %d compressed (%d bytes), %d raw",
		m.compressedWrites, m.compressedBytes, m.rawWrites)
}
