package shard

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/meridiandb/meridian/pkg/log"
)

// NUMANode describes one detected NUMA node.
type NUMANode struct {
	ID       int
	CPUs     []int
	MemoryMB uint64
}

// Topology is the machine layout shards are placed onto.
type Topology struct {
	PhysicalCores int
	LogicalCores  int
	NUMANodes     []NUMANode
	CPULoad       []float64 // per-logical-CPU utilization sampled at startup
}

// PlacementGroup bundles the shards co-located on one NUMA node under a
// shared memory quota.
type PlacementGroup struct {
	Name        string
	NUMANode    int
	ShardIDs    []int
	MemoryQuota uint64
}

// DetectTopology inspects the machine. NUMA layout comes from sysfs with a
// single-node fallback; core counts and utilization come from gopsutil.
func DetectTopology() *Topology {
	logger := log.WithComponent("shard")

	topo := &Topology{}
	if physical, err := cpu.Counts(false); err == nil && physical > 0 {
		topo.PhysicalCores = physical
	} else {
		topo.PhysicalCores = runtime.NumCPU()
	}
	if logical, err := cpu.Counts(true); err == nil && logical > 0 {
		topo.LogicalCores = logical
	} else {
		topo.LogicalCores = runtime.NumCPU()
	}

	if loads, err := cpu.Percent(0, true); err == nil {
		topo.CPULoad = loads
	}

	topo.NUMANodes = detectNUMANodes()
	if len(topo.NUMANodes) == 0 {
		// No NUMA information: treat the whole machine as one node.
		cpus := make([]int, topo.LogicalCores)
		for i := range cpus {
			cpus[i] = i
		}
		var memMB uint64
		if vm, err := mem.VirtualMemory(); err == nil {
			memMB = vm.Total >> 20
		}
		topo.NUMANodes = []NUMANode{{ID: 0, CPUs: cpus, MemoryMB: memMB}}
	}

	logger.Debug().
		Int("physical_cores", topo.PhysicalCores).
		Int("numa_nodes", len(topo.NUMANodes)).
		Msg("detected topology")
	return topo
}

// detectNUMANodes reads /sys/devices/system/node. Returns nil when the
// hierarchy is absent (non-Linux or single-socket virtual machines).
func detectNUMANodes() []NUMANode {
	entries, err := filepath.Glob("/sys/devices/system/node/node[0-9]*")
	if err != nil || len(entries) == 0 {
		return nil
	}
	sort.Strings(entries)

	var nodes []NUMANode
	for _, dir := range entries {
		idStr := strings.TrimPrefix(filepath.Base(dir), "node")
		id, err := strconv.Atoi(idStr)
		if err != nil {
			continue
		}
		node := NUMANode{ID: id}

		if data, err := os.ReadFile(filepath.Join(dir, "cpulist")); err == nil {
			node.CPUs = parseCPUList(strings.TrimSpace(string(data)))
		}
		if data, err := os.ReadFile(filepath.Join(dir, "meminfo")); err == nil {
			node.MemoryMB = parseNodeMemTotalMB(string(data))
		}
		if len(node.CPUs) > 0 {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// parseCPUList parses kernel cpulist syntax such as "0-3,8-11".
func parseCPUList(list string) []int {
	var cpus []int
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err1 := strconv.Atoi(lo)
			end, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil {
				continue
			}
			for i := start; i <= end; i++ {
				cpus = append(cpus, i)
			}
		} else if n, err := strconv.Atoi(part); err == nil {
			cpus = append(cpus, n)
		}
	}
	return cpus
}

// parseNodeMemTotalMB extracts MemTotal from a node meminfo file.
func parseNodeMemTotalMB(meminfo string) uint64 {
	for _, line := range strings.Split(meminfo, "\n") {
		if !strings.Contains(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		for i, field := range fields {
			if field == "MemTotal:" && i+1 < len(fields) {
				if kb, err := strconv.ParseUint(fields[i+1], 10, 64); err == nil {
					return kb >> 10
				}
			}
		}
	}
	return 0
}
