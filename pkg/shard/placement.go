package shard

import (
	"fmt"
	"sort"
)

// Strategy selects how shards map onto CPUs and NUMA nodes.
type Strategy string

const (
	RoundRobin    Strategy = "ROUND_ROBIN"
	NUMAAware     Strategy = "NUMA_AWARE"
	LoadBalanced  Strategy = "LOAD_BALANCED"
	LocalityAware Strategy = "LOCALITY_AWARE"
	CapacityBased Strategy = "CAPACITY_BASED"
)

// Placement assigns one shard to a CPU and NUMA node.
type Placement struct {
	ShardID  int
	CPU      int
	NUMANode int
}

// computePlacement maps numShards onto the topology using the strategy.
func computePlacement(strategy Strategy, numShards int, topo *Topology) []Placement {
	switch strategy {
	case NUMAAware:
		return numaAwarePlacement(numShards, topo)
	case LoadBalanced:
		return loadBalancedPlacement(numShards, topo)
	case LocalityAware:
		return localityAwarePlacement(numShards, topo)
	case CapacityBased:
		return capacityBasedPlacement(numShards, topo)
	default:
		return roundRobinPlacement(numShards, topo)
	}
}

func roundRobinPlacement(numShards int, topo *Topology) []Placement {
	out := make([]Placement, numShards)
	for i := 0; i < numShards; i++ {
		node := topo.NUMANodes[i%len(topo.NUMANodes)]
		out[i] = Placement{
			ShardID:  i,
			CPU:      node.CPUs[(i/len(topo.NUMANodes))%len(node.CPUs)],
			NUMANode: node.ID,
		}
	}
	return out
}

// numaAwarePlacement distributes shards proportionally across NUMA nodes,
// keeping each shard's worker and memory on the same node.
func numaAwarePlacement(numShards int, topo *Topology) []Placement {
	out := make([]Placement, 0, numShards)
	nodes := topo.NUMANodes
	perNode := numShards / len(nodes)
	extra := numShards % len(nodes)

	shardID := 0
	for i, node := range nodes {
		count := perNode
		if i < extra {
			count++
		}
		for j := 0; j < count; j++ {
			out = append(out, Placement{
				ShardID:  shardID,
				CPU:      node.CPUs[j%len(node.CPUs)],
				NUMANode: node.ID,
			})
			shardID++
		}
	}
	return out
}

// loadBalancedPlacement assigns shards to the least-utilized CPUs sampled at
// startup.
func loadBalancedPlacement(numShards int, topo *Topology) []Placement {
	type cpuLoad struct {
		cpu  int
		node int
		load float64
	}
	var cpus []cpuLoad
	for _, node := range topo.NUMANodes {
		for _, c := range node.CPUs {
			load := 0.0
			if c < len(topo.CPULoad) {
				load = topo.CPULoad[c]
			}
			cpus = append(cpus, cpuLoad{cpu: c, node: node.ID, load: load})
		}
	}
	sort.SliceStable(cpus, func(i, j int) bool { return cpus[i].load < cpus[j].load })

	out := make([]Placement, numShards)
	for i := 0; i < numShards; i++ {
		pick := cpus[i%len(cpus)]
		out[i] = Placement{ShardID: i, CPU: pick.cpu, NUMANode: pick.node}
	}
	return out
}

// localityAwarePlacement groups related shards (by hash group) on the same
// NUMA node so cross-shard operations within a group stay node-local.
func localityAwarePlacement(numShards int, topo *Topology) []Placement {
	groupSize := (numShards + len(topo.NUMANodes) - 1) / len(topo.NUMANodes)
	out := make([]Placement, numShards)
	for i := 0; i < numShards; i++ {
		group := i / groupSize
		node := topo.NUMANodes[group%len(topo.NUMANodes)]
		out[i] = Placement{
			ShardID:  i,
			CPU:      node.CPUs[(i%groupSize)%len(node.CPUs)],
			NUMANode: node.ID,
		}
	}
	return out
}

// capacityBasedPlacement weights NUMA nodes by their memory capacity.
func capacityBasedPlacement(numShards int, topo *Topology) []Placement {
	var totalMB uint64
	for _, node := range topo.NUMANodes {
		totalMB += node.MemoryMB
	}
	if totalMB == 0 {
		return numaAwarePlacement(numShards, topo)
	}

	out := make([]Placement, 0, numShards)
	shardID := 0
	for i, node := range topo.NUMANodes {
		count := int(uint64(numShards) * node.MemoryMB / totalMB)
		if i == len(topo.NUMANodes)-1 {
			count = numShards - shardID
		}
		for j := 0; j < count && shardID < numShards; j++ {
			out = append(out, Placement{
				ShardID:  shardID,
				CPU:      node.CPUs[j%len(node.CPUs)],
				NUMANode: node.ID,
			})
			shardID++
		}
	}
	// The last node above takes every shard left over from truncation, so
	// this first-node fallback only fills placements that loop missed.
	for shardID < numShards {
		node := topo.NUMANodes[0]
		out = append(out, Placement{
			ShardID:  shardID,
			CPU:      node.CPUs[shardID%len(node.CPUs)],
			NUMANode: node.ID,
		})
		shardID++
	}
	return out
}

// buildPlacementGroups derives the per-NUMA placement groups. Each group's
// memory quota is memoryPerShard times the number of shards it hosts.
func buildPlacementGroups(placements []Placement, memoryPerShard uint64) map[string]*PlacementGroup {
	groups := make(map[string]*PlacementGroup)
	for _, p := range placements {
		name := fmt.Sprintf("numa-%d", p.NUMANode)
		group, ok := groups[name]
		if !ok {
			group = &PlacementGroup{Name: name, NUMANode: p.NUMANode}
			groups[name] = group
		}
		group.ShardIDs = append(group.ShardIDs, p.ShardID)
		group.MemoryQuota += memoryPerShard
	}
	return groups
}
