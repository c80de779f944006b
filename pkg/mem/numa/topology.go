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
	"os"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/kmemsim/kmemsim/pkg/mem"
)

// NodeSpec describes one NUMA node of a machine topology.
type NodeSpec struct {
	ID       mem.ID  `json:"id"`
	StartPFN mem.PFN `json:"startPFN"`
	EndPFN   mem.PFN `json:"endPFN"`
	Distance []int   `json:"distance"`
}

// TopologySource provides the NUMA topology of the machine. On real
// hardware this would be backed by firmware tables (ACPI SRAT/SLIT);
// the simulator uses either the fixed default layout or a parsed
// topology description.
type TopologySource interface {
	// Discover returns the node layout for a machine with the given
	// number of physical pages.
	Discover(totalPages uint64) ([]NodeSpec, error)
}

const (
	// distanceLocal is the conventional firmware distance to self.
	distanceLocal = 10
	// distanceRemote is the default distance between distinct nodes.
	distanceRemote = 20
)

// DefaultTopology splits memory into a fixed number of equal-sized nodes
// with uniform local/remote distances.
type DefaultTopology struct {
	// Nodes is the node count, 2 if left zero.
	Nodes int
}

// Discover implements TopologySource.
func (t DefaultTopology) Discover(totalPages uint64) ([]NodeSpec, error) {
	count := t.Nodes
	if count == 0 {
		count = 2
	}
	if count < 1 || uint64(count) > totalPages {
		return nil, errors.Wrapf(ErrInvalidTopology,
			"cannot split %d pages into %d nodes", totalPages, count)
	}

	var (
		specs   = make([]NodeSpec, count)
		perNode = totalPages / uint64(count)
	)

	for id := 0; id < count; id++ {
		distance := make([]int, count)
		for other := range distance {
			if other == id {
				distance[other] = distanceLocal
			} else {
				distance[other] = distanceRemote
			}
		}

		start := mem.PFN(uint64(id) * perNode)
		end := mem.PFN(uint64(id+1) * perNode)
		if id == count-1 {
			end = mem.PFN(totalPages)
		}

		specs[id] = NodeSpec{
			ID:       id,
			StartPFN: start,
			EndPFN:   end,
			Distance: distance,
		}
	}

	return specs, nil
}

// ConfigTopology is a topology parsed from a YAML description.
type ConfigTopology struct {
	Nodes []NodeSpec `json:"nodes"`
}

// Discover implements TopologySource.
func (t *ConfigTopology) Discover(totalPages uint64) ([]NodeSpec, error) {
	return t.Nodes, nil
}

// ParseTopology parses a YAML topology description.
func ParseTopology(data []byte) (*ConfigTopology, error) {
	t := &ConfigTopology{}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, errors.Wrap(err, "failed to parse topology")
	}
	if len(t.Nodes) == 0 {
		return nil, errors.Wrap(ErrInvalidTopology, "topology without nodes")
	}
	return t, nil
}

// ReadTopologyFile parses a YAML topology description from a file.
func ReadTopologyFile(path string) (*ConfigTopology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read topology file %q", path)
	}
	return ParseTopology(data)
}

// validateSpecs checks that the specs have consecutive IDs starting at 0,
// partition [0, totalPages) without gaps or overlap, and carry symmetric,
// full-length distance vectors.
func validateSpecs(specs []NodeSpec, totalPages uint64) error {
	if len(specs) == 0 {
		return errors.Wrap(ErrInvalidTopology, "no nodes")
	}
	if len(specs) > MaxNodeID+1 {
		return errors.Wrapf(ErrInvalidTopology, "too many nodes (%d)", len(specs))
	}

	next := mem.PFN(0)
	for i, spec := range specs {
		if spec.ID != i {
			return errors.Wrapf(ErrInvalidTopology,
				"node #%d has ID %d", i, spec.ID)
		}
		if spec.StartPFN != next {
			return errors.Wrapf(ErrInvalidTopology,
				"node #%d starts at PFN %d, expected %d", i, spec.StartPFN, next)
		}
		if spec.EndPFN <= spec.StartPFN {
			return errors.Wrapf(ErrInvalidTopology,
				"node #%d has empty range [%d,%d)", i, spec.StartPFN, spec.EndPFN)
		}
		if len(spec.Distance) != len(specs) {
			return errors.Wrapf(ErrInvalidTopology,
				"node #%d has %d distances for %d nodes", i, len(spec.Distance), len(specs))
		}
		next = spec.EndPFN
	}

	if uint64(next) != totalPages {
		return errors.Wrapf(ErrInvalidTopology,
			"nodes cover %d of %d pages", next, totalPages)
	}

	for i := range specs {
		if specs[i].Distance[i] != distanceLocal {
			return errors.Wrapf(ErrInvalidTopology,
				"node #%d local distance is %d", i, specs[i].Distance[i])
		}
		for j := range specs {
			if specs[i].Distance[j] != specs[j].Distance[i] {
				return errors.Wrapf(ErrInvalidTopology,
					"asymmetric distance between nodes #%d and #%d", i, j)
			}
		}
	}

	return nil
}
