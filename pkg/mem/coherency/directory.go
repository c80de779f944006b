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

// Package coherency models a directory-based cache-coherency protocol.
// The directory tracks one state per CPU for every touched cache line
// and applies the transition rules of the configured protocol on every
// simulated read and write. It models protocol semantics, not bus
// timing, so a single directory-wide lock is used.
package coherency

import (
	"fmt"
	"strings"
	"sync"

	logger "github.com/kmemsim/kmemsim/pkg/log"
)

var log = logger.Get("coherency")

// State is the coherency state of one cache line on one CPU.
type State uint8

const (
	// Invalid: the CPU holds no valid copy of the line.
	Invalid State = iota
	// Shared: the CPU holds a clean copy, others may too.
	Shared
	// Exclusive: the CPU holds the only copy, still clean.
	Exclusive
	// Owned: the CPU holds a dirty copy while others share it (MOESI).
	Owned
	// Modified: the CPU holds the only copy, dirty.
	Modified
)

var stateToString = map[State]string{
	Invalid:   "I",
	Shared:    "S",
	Exclusive: "E",
	Owned:     "O",
	Modified:  "M",
}

// String returns the conventional one-letter name of the state.
func (s State) String() string {
	if str, ok := stateToString[s]; ok {
		return str
	}
	return fmt.Sprintf("%%!(coherency:Bad-State %d)", int(s))
}

// Protocol selects the coherency transition rules applied by a directory.
type Protocol int

const (
	// ProtocolNone applies no invalidation, for single-core setups.
	ProtocolNone Protocol = iota
	// ProtocolMSI is the basic Modified/Shared/Invalid protocol.
	ProtocolMSI
	// ProtocolMESI adds the Exclusive state for sole clean copies.
	ProtocolMESI
	// ProtocolMOESI adds the Owned state for shared dirty copies.
	ProtocolMOESI
)

var (
	protocolToString = map[Protocol]string{
		ProtocolNone:  "none",
		ProtocolMSI:   "MSI",
		ProtocolMESI:  "MESI",
		ProtocolMOESI: "MOESI",
	}
	stringToProtocol = map[string]Protocol{
		"none":  ProtocolNone,
		"msi":   ProtocolMSI,
		"mesi":  ProtocolMESI,
		"moesi": ProtocolMOESI,
	}
)

// String returns the name of the protocol.
func (p Protocol) String() string {
	if str, ok := protocolToString[p]; ok {
		return str
	}
	return fmt.Sprintf("%%!(coherency:Bad-Protocol %d)", int(p))
}

// ParseProtocol parses the given string into a Protocol.
func ParseProtocol(str string) (Protocol, error) {
	if p, ok := stringToProtocol[strings.ToLower(str)]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidProtocol, str)
}

const (
	// LineSize is the modeled cache line size in bytes.
	LineSize = 64
	// MaxCPUs is the largest supported CPU count.
	MaxCPUs = 64

	// lineShift is the number of address bits covered by a line.
	lineShift = 6
	// tableBuckets is the fixed size of the directory hash table.
	tableBuckets = 1024
)

// line is the directory entry for one cache-line-aligned address.
type line struct {
	addr   uint64
	states []State
}

// Directory tracks per-line, per-CPU coherency state. Lines hash into a
// fixed-size bucket table with chaining, so two lines hashing to the
// same bucket never alias each other.
type Directory struct {
	mu       sync.Mutex
	protocol Protocol
	cpus     int
	buckets  [tableBuckets][]*line
}

// NewDirectory creates a coherency directory for the given protocol and
// CPU count.
func NewDirectory(protocol Protocol, cpus int) (*Directory, error) {
	if _, ok := protocolToString[protocol]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidProtocol, protocol)
	}
	if cpus < 1 || cpus > MaxCPUs {
		return nil, fmt.Errorf("%w: %d not in [1,%d]", ErrInvalidCPU, cpus, MaxCPUs)
	}

	log.Info("cache-coherency directory: %s protocol, %d CPUs", protocol, cpus)

	return &Directory{
		protocol: protocol,
		cpus:     cpus,
	}, nil
}

// Protocol returns the protocol applied by the directory.
func (d *Directory) Protocol() Protocol {
	return d.protocol
}

// Read applies the protocol transitions for a read of addr by cpu.
func (d *Directory) Read(addr uint64, cpu int) error {
	if err := d.checkCPU(cpu); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	l := d.lineFor(addr)

	switch d.protocol {
	case ProtocolNone:
		l.states[cpu] = Shared

	case ProtocolMSI:
		if l.states[cpu] == Invalid {
			// flush any dirty remote copy before sharing the line
			for other := range l.states {
				if other != cpu && l.states[other] == Modified {
					l.states[other] = Shared
				}
			}
			l.states[cpu] = Shared
		}

	case ProtocolMESI:
		if l.states[cpu] == Invalid {
			if d.demoteRemote(l, cpu) {
				l.states[cpu] = Shared
			} else {
				l.states[cpu] = Exclusive
			}
		}

	case ProtocolMOESI:
		if l.states[cpu] == Invalid {
			sharer := false
			for other := range l.states {
				if other == cpu {
					continue
				}
				switch l.states[other] {
				case Modified:
					// the dirty copy stays dirty, its holder now owns it
					l.states[other] = Owned
					sharer = true
				case Exclusive:
					l.states[other] = Shared
					sharer = true
				case Shared, Owned:
					sharer = true
				}
			}
			if sharer {
				l.states[cpu] = Shared
			} else {
				l.states[cpu] = Exclusive
			}
		}
	}

	return nil
}

// Write applies the protocol transitions for a write of addr by cpu.
func (d *Directory) Write(addr uint64, cpu int) error {
	if err := d.checkCPU(cpu); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	l := d.lineFor(addr)

	switch d.protocol {
	case ProtocolNone:
		l.states[cpu] = Modified

	case ProtocolMSI, ProtocolMESI, ProtocolMOESI:
		for other := range l.states {
			if other != cpu {
				l.states[other] = Invalid
			}
		}
		l.states[cpu] = Modified
	}

	return nil
}

// Snoop returns the current state of the line on the given CPU without
// changing any state.
func (d *Directory) Snoop(addr uint64, cpu int) (State, error) {
	if err := d.checkCPU(cpu); err != nil {
		return Invalid, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if l := d.findLine(addr); l != nil {
		return l.states[cpu], nil
	}
	return Invalid, nil
}

// Upgrade transitions the line on the given CPU to a stronger state.
// Granting Exclusive or Modified invalidates every other copy.
func (d *Directory) Upgrade(addr uint64, cpu int, to State) error {
	if err := d.checkCPU(cpu); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	l := d.lineFor(addr)
	if strength(to) < strength(l.states[cpu]) {
		return fmt.Errorf("%w: %s -> %s is not an upgrade",
			ErrInvalidTransition, l.states[cpu], to)
	}

	if to == Exclusive || to == Modified {
		for other := range l.states {
			if other != cpu {
				l.states[other] = Invalid
			}
		}
	}
	l.states[cpu] = to

	return nil
}

// Downgrade transitions the line on the given CPU to a weaker state.
func (d *Directory) Downgrade(addr uint64, cpu int, to State) error {
	if err := d.checkCPU(cpu); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	l := d.lineFor(addr)
	if strength(to) > strength(l.states[cpu]) {
		return fmt.Errorf("%w: %s -> %s is not a downgrade",
			ErrInvalidTransition, l.states[cpu], to)
	}
	l.states[cpu] = to

	return nil
}

// Invalidate drops every CPU's copy of the line.
func (d *Directory) Invalidate(addr uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if l := d.findLine(addr); l != nil {
		for cpu := range l.states {
			l.states[cpu] = Invalid
		}
	}
}

// LineStates returns a snapshot of the per-CPU states of the line.
func (d *Directory) LineStates(addr uint64) []State {
	d.mu.Lock()
	defer d.mu.Unlock()

	states := make([]State, d.cpus)
	if l := d.findLine(addr); l != nil {
		copy(states, l.states)
	}
	return states
}

// demoteRemote demotes any remote Modified or Exclusive copy to Shared
// and reports whether any remote CPU holds the line at all.
func (d *Directory) demoteRemote(l *line, cpu int) bool {
	sharer := false
	for other := range l.states {
		if other == cpu {
			continue
		}
		switch l.states[other] {
		case Modified, Exclusive:
			l.states[other] = Shared
			sharer = true
		case Shared, Owned:
			sharer = true
		}
	}
	return sharer
}

func (d *Directory) checkCPU(cpu int) error {
	if cpu < 0 || cpu >= d.cpus {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidCPU, cpu, d.cpus)
	}
	return nil
}

func (d *Directory) lineFor(addr uint64) *line {
	if l := d.findLine(addr); l != nil {
		return l
	}

	aligned := addr &^ (LineSize - 1)
	l := &line{
		addr:   aligned,
		states: make([]State, d.cpus),
	}

	bucket := d.bucketFor(aligned)
	d.buckets[bucket] = append(d.buckets[bucket], l)

	return l
}

func (d *Directory) findLine(addr uint64) *line {
	aligned := addr &^ (LineSize - 1)
	for _, l := range d.buckets[d.bucketFor(aligned)] {
		if l.addr == aligned {
			return l
		}
	}
	return nil
}

func (d *Directory) bucketFor(aligned uint64) uint64 {
	return (aligned >> lineShift) % tableBuckets
}

// strength orders states from weakest to strongest for upgrade checks.
func strength(s State) int {
	switch s {
	case Invalid:
		return 0
	case Shared:
		return 1
	case Exclusive:
		return 2
	case Owned:
		return 3
	case Modified:
		return 4
	}
	return -1
}
