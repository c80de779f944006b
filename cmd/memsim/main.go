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

// memsim is an executable that builds a simulated machine from a YAML
// description and runs allocation, migration, swap, and cache-coherency
// workloads against it.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	logger "github.com/kmemsim/kmemsim/pkg/log"
	"github.com/kmemsim/kmemsim/pkg/mem"
	"github.com/kmemsim/kmemsim/pkg/mem/coherency"
	"github.com/kmemsim/kmemsim/pkg/mem/numa"
	"github.com/kmemsim/kmemsim/pkg/mem/pmm"
	"github.com/kmemsim/kmemsim/pkg/mem/swap"
	"github.com/kmemsim/kmemsim/pkg/mem/vmm"
)

type logrusFormatter struct{}

func (f *logrusFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return fmt.Appendf(nil, "memsim: %s %s\n", entry.Level, entry.Message), nil
}

var (
	log *logrus.Logger
)

type swapAreaConfig struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

type machineConfig struct {
	Pages     uint64           `json:"pages"`
	Nodes     []numa.NodeSpec  `json:"nodes,omitempty"`
	Policy    string           `json:"policy,omitempty"`
	Preferred mem.ID           `json:"preferred,omitempty"`
	Protocol  string           `json:"protocol,omitempty"`
	CPUs      int              `json:"cpus,omitempty"`
	SwapAreas []swapAreaConfig `json:"swapAreas,omitempty"`
}

func defaultConfig() *machineConfig {
	return &machineConfig{
		Pages:    16384,
		Policy:   "local",
		Protocol: "mesi",
		CPUs:     4,
	}
}

func readConfig(path string) (*machineConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}

	return cfg, nil
}

// machine bundles the managers built from one config.
type machine struct {
	cfg      *machineConfig
	alloc    *pmm.Allocator
	nodes    *numa.Manager
	swap     *swap.Manager
	dir      *coherency.Directory
	oracle   *swap.StaticOracle
	registry *prometheus.Registry
}

func buildMachine(cfg *machineConfig) (*machine, error) {
	alloc, err := pmm.NewAllocator(pmm.WithTotalPages(cfg.Pages))
	if err != nil {
		return nil, fmt.Errorf("failed to create frame allocator: %w", err)
	}

	policy, err := numa.ParsePolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}

	var src numa.TopologySource = numa.DefaultTopology{}
	if len(cfg.Nodes) > 0 {
		src = &numa.ConfigTopology{Nodes: cfg.Nodes}
	}

	nodes, err := numa.NewManager(alloc,
		numa.WithTopologySource(src),
		numa.WithPolicy(policy, cfg.Preferred))
	if err != nil {
		return nil, fmt.Errorf("failed to create NUMA manager: %w", err)
	}

	protocol, err := coherency.ParseProtocol(cfg.Protocol)
	if err != nil {
		return nil, err
	}

	dir, err := coherency.NewDirectory(protocol, cfg.CPUs)
	if err != nil {
		return nil, err
	}

	oracle := swap.NewStaticOracle()
	swapMgr, err := swap.NewManager(alloc, swap.WithOracle(oracle))
	if err != nil {
		return nil, fmt.Errorf("failed to create swap manager: %w", err)
	}

	areas := cfg.SwapAreas
	if len(areas) == 0 {
		// default scratch area, enough for the canned swap workload
		areas = []swapAreaConfig{{
			Path: filepath.Join(os.TempDir(), "memsim-swap0"),
			Size: 256 * mem.PageSize,
		}}
	}
	for _, area := range areas {
		if err := swapMgr.AddArea(area.Path, area.Size); err != nil {
			swapMgr.Close()
			return nil, err
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(alloc.Collector(), swapMgr.Collector())

	return &machine{
		cfg:      cfg,
		alloc:    alloc,
		nodes:    nodes,
		swap:     swapMgr,
		dir:      dir,
		oracle:   oracle,
		registry: registry,
	}, nil
}

// runAlloc exercises policy placement and migration.
func (m *machine) runAlloc() error {
	log.Info("running allocation workload...")

	var blocks []struct {
		addr  mem.PhysAddr
		count uint64
	}
	for _, count := range []uint64{1, 4, 8, 32, 1, 16} {
		addr, err := m.nodes.PolicyAllocPages(count)
		if err != nil {
			return fmt.Errorf("policy allocation of %d pages failed: %w", count, err)
		}
		if node, err := m.nodes.NodeForAddr(addr); err == nil {
			log.Debugf("allocated %d pages at %s on node #%d", count, addr, node.ID())
		}
		blocks = append(blocks, struct {
			addr  mem.PhysAddr
			count uint64
		}{addr, count})
	}

	if m.nodes.Nodes() > 1 {
		target := mem.ID(1)
		moved, err := m.nodes.MigratePage(blocks[0].addr, target)
		if err != nil {
			return fmt.Errorf("migration to node #%d failed: %w", target, err)
		}
		log.Debugf("migrated page %s to %s on node #%d", blocks[0].addr, moved, target)
		blocks[0].addr = moved
	}

	for _, b := range blocks {
		if err := m.nodes.FreePages(b.addr, b.count); err != nil {
			return fmt.Errorf("failed to free %d pages at %s: %w", b.count, b.addr, err)
		}
	}

	m.nodes.DumpState()
	return nil
}

// runExhaust allocates order-3 blocks until memory runs out, then frees
// them all and checks that every page came back.
func (m *machine) runExhaust() error {
	log.Info("running exhaustion workload...")

	before := m.alloc.FreePagesCount()

	var pfns []mem.PFN
	for {
		pfn, err := m.alloc.AllocPages(3)
		if err != nil {
			if !errors.Is(err, pmm.ErrNoMem) {
				return fmt.Errorf("order-3 allocation failed: %w", err)
			}
			break
		}
		pfns = append(pfns, pfn)
	}
	log.Infof("exhausted memory with %d order-3 blocks (%s)", len(pfns),
		mem.HumanReadableSize(mem.PagesToBytes(uint64(len(pfns))*8)))

	for _, pfn := range pfns {
		if err := m.alloc.FreePages(pfn, 3); err != nil {
			return fmt.Errorf("failed to free order-3 block at PFN %d: %w", pfn, err)
		}
	}

	if after := m.alloc.FreePagesCount(); after != before {
		return fmt.Errorf("free page count %d after workload, expected %d", after, before)
	}

	return nil
}

// runSwap pages a task's pages out and back in, with one hot page
// deferring to cold victims.
func (m *machine) runSwap() error {
	log.Info("running swap workload...")

	const (
		base  = mem.VirtAddr(0x10000000)
		count = 16
	)

	space := vmm.NewSimSpace("workload")
	if err := space.AddVMA(base, base+count*mem.PageSize, vmm.ProtRead|vmm.ProtWrite); err != nil {
		return err
	}

	for i := 0; i < count; i++ {
		pfn, err := m.alloc.AllocPage()
		if err != nil {
			return fmt.Errorf("failed to allocate page %d: %w", i, err)
		}
		data, err := m.alloc.PageBytes(pfn)
		if err != nil {
			return err
		}
		for j := range data {
			data[j] = byte(i)
		}
		if err := space.MapPage(base+mem.VirtAddr(i*mem.PageSize), pfn, vmm.ProtRead|vmm.ProtWrite); err != nil {
			return err
		}
	}

	m.oracle.SetPriority(base, swap.PriorityHigh)
	for i := 1; i < count; i++ {
		m.oracle.SetPriority(base+mem.VirtAddr(i*mem.PageSize), swap.PriorityLow)
	}

	// the hot page defers until the cold ones are gone
	err := m.swap.OutPage(space, base)
	if !errors.Is(err, swap.ErrAgain) {
		return fmt.Errorf("expected eviction deferral for hot page, got %v", err)
	}
	log.Debugf("hot page eviction deferred: %v", err)

	for i := 1; i < count; i++ {
		if err := m.swap.OutPage(space, base+mem.VirtAddr(i*mem.PageSize)); err != nil {
			return fmt.Errorf("page-out of page %d failed: %w", i, err)
		}
	}
	if err := m.swap.OutPage(space, base); err != nil {
		return fmt.Errorf("page-out of hot page failed: %w", err)
	}

	for i := 0; i < count; i++ {
		addr := base + mem.VirtAddr(i*mem.PageSize)
		if m.swap.SwapEntry(space, addr).IsNone() {
			continue // pulled in by an earlier prefetch
		}
		if err := m.swap.InPage(space, addr); err != nil {
			return fmt.Errorf("page-in of page %d failed: %w", i, err)
		}
	}

	for i := 0; i < count; i++ {
		addr := base + mem.VirtAddr(i*mem.PageSize)
		pfn, ok := space.GetPage(addr)
		if !ok {
			return fmt.Errorf("page %d not resident after swap-in", i)
		}
		data, err := m.alloc.PageBytes(pfn)
		if err != nil {
			return err
		}
		for j := range data {
			if data[j] != byte(i) {
				return fmt.Errorf("page %d corrupted at offset %d after round-trip", i, j)
			}
		}
		if err := space.UnmapPage(addr); err != nil {
			return err
		}
		if err := m.alloc.FreePage(pfn); err != nil {
			return err
		}
	}

	m.swap.DumpCounters()
	return nil
}

// runCoherency drives reads and writes from several CPUs through the
// directory and logs the resulting line states.
func (m *machine) runCoherency() error {
	log.Info("running coherency workload...")

	const addr = uint64(0x1000)

	if err := m.dir.Read(addr, 0); err != nil {
		return err
	}
	if m.cfg.CPUs > 1 {
		if err := m.dir.Read(addr, 1); err != nil {
			return err
		}
		if err := m.dir.Write(addr, 1); err != nil {
			return err
		}
	}

	for cpu := 0; cpu < m.cfg.CPUs; cpu++ {
		state, err := m.dir.Snoop(addr, cpu)
		if err != nil {
			return err
		}
		log.Debugf("CPU #%d holds line 0x%x in state %s", cpu, addr, state)
	}

	return nil
}

func (m *machine) dumpMetrics() {
	families, err := m.registry.Gather()
	if err != nil {
		log.Errorf("failed to gather metrics: %v", err)
		return
	}

	for _, f := range families {
		for _, metric := range f.GetMetric() {
			value := 0.0
			switch f.GetType() {
			case model.MetricType_GAUGE:
				value = metric.GetGauge().GetValue()
			case model.MetricType_COUNTER:
				value = metric.GetCounter().GetValue()
			default:
				continue
			}

			labels := bytes.Buffer{}
			for _, l := range metric.GetLabel() {
				if labels.Len() > 0 {
					labels.WriteString(",")
				}
				fmt.Fprintf(&labels, "%s=%q", l.GetName(), l.GetValue())
			}
			if labels.Len() > 0 {
				log.Infof("%s{%s} %v", f.GetName(), labels.String(), value)
			} else {
				log.Infof("%s %v", f.GetName(), value)
			}
		}
	}
}

func main() {
	log = logrus.StandardLogger()
	log.SetFormatter(&logrusFormatter{})

	configFlag := flag.String("config", "", "YAML machine description, built-in defaults if unset")
	workloadFlag := flag.String("workload", "all", "Workload to run: alloc, exhaust, swap, coherency or all")
	metricsFlag := flag.Bool("metrics", false, "Dump metric values on exit")
	verboseFlag := flag.Bool("v", false, "Enable verbose logging")
	veryVerboseFlag := flag.Bool("vv", false, "Enable very verbose logging")
	flag.Parse()

	log.SetLevel(logrus.InfoLevel)
	if *verboseFlag {
		log.SetLevel(logrus.DebugLevel)
	}
	if *veryVerboseFlag {
		log.SetLevel(logrus.DebugLevel)
		logger.SetLevel(logger.LevelDebug)
	}

	cfg, err := readConfig(*configFlag)
	if err != nil {
		log.Fatalf("%v", err)
	}

	m, err := buildMachine(cfg)
	if err != nil {
		log.Fatalf("failed to build machine: %v", err)
	}
	defer func() {
		if err := m.swap.Close(); err != nil {
			log.Errorf("failed to close swap manager: %v", err)
		}
	}()

	log.Infof("machine: %s of memory, %d NUMA nodes, %d CPUs, %s coherency",
		mem.HumanReadableSize(mem.PagesToBytes(cfg.Pages)),
		m.nodes.Nodes(), cfg.CPUs, m.dir.Protocol())
	m.nodes.DumpConfig()

	workloads := map[string]func() error{
		"alloc":     m.runAlloc,
		"exhaust":   m.runExhaust,
		"swap":      m.runSwap,
		"coherency": m.runCoherency,
	}

	var names []string
	if *workloadFlag == "all" {
		names = []string{"alloc", "exhaust", "swap", "coherency"}
	} else {
		if _, ok := workloads[*workloadFlag]; !ok {
			log.Fatalf("invalid -workload: %q", *workloadFlag)
		}
		names = []string{*workloadFlag}
	}

	for _, name := range names {
		if err := workloads[name](); err != nil {
			log.Fatalf("%s workload failed: %v", name, err)
		}
		log.Infof("%s workload ok", name)
	}

	if *metricsFlag {
		m.dumpMetrics()
	}
}
