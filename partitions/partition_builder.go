package partitions

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/notargets/wenofit/mesh"
)

// PartitionBuilder assigns the cells of a mesh to partitions
type PartitionBuilder struct {
	Mesh *mesh.Mesh

	// Partitioning parameters
	NumPartitions       int // Takes precedence over TargetPartitionSize
	TargetPartitionSize int // Desired cells per partition
	Strategy            PartitionStrategy

	// Prescribed assignment, e.g. the partition map of a Gambit file
	CToP []int
}

// PartitionStrategy defines how cells are grouped
type PartitionStrategy int

const (
	// Simple strategies
	BlockPartition PartitionStrategy = iota // Consecutive cells
	RoundRobin                              // Distribute cyclically

	// Graph-based strategies
	GraphPartition    // Greedy breadth-first region growing
	SpaceFillingCurve // Morton curve ordering of cell centers

	Prescribed // Use PartitionBuilder.CToP as given
)

var strategyNames = map[string]PartitionStrategy{
	"block":      BlockPartition,
	"roundrobin": RoundRobin,
	"graph":      GraphPartition,
	"morton":     SpaceFillingCurve,
	"prescribed": Prescribed,
}

// ParseStrategy converts a configuration name into a strategy
func ParseStrategy(name string) (PartitionStrategy, error) {
	key := strings.ToLower(strings.ReplaceAll(name, "_", ""))
	if s, ok := strategyNames[key]; ok {
		return s, nil
	}
	return 0, fmt.Errorf("unknown partition strategy %q", name)
}

func (s PartitionStrategy) String() string {
	for name, v := range strategyNames {
		if v == s {
			return name
		}
	}
	return fmt.Sprintf("PartitionStrategy(%d)", int(s))
}

// BuildPartitions creates a partition layout for the mesh
func (pb *PartitionBuilder) BuildPartitions() (*PartitionLayout, error) {
	nCells := pb.Mesh.NCells()
	if nCells == 0 {
		return nil, fmt.Errorf("mesh has no cells")
	}

	var cToP []int
	if pb.Strategy == Prescribed {
		if len(pb.CToP) != nCells {
			return nil, fmt.Errorf("prescribed partition map has %d entries for %d cells",
				len(pb.CToP), nCells)
		}
		cToP = pb.CToP
	} else {
		numPartitions := pb.calculateNumPartitions()
		if numPartitions > nCells {
			return nil, fmt.Errorf("%d partitions requested for %d cells", numPartitions, nCells)
		}
		cToP = pb.partitionCells(numPartitions)
	}

	return NewLayout(cToP)
}

// calculateNumPartitions determines the partition count
func (pb *PartitionBuilder) calculateNumPartitions() int {
	if pb.NumPartitions > 0 {
		return pb.NumPartitions
	}
	if pb.TargetPartitionSize <= 0 {
		return 1
	}
	numPartitions := int(math.Ceil(float64(pb.Mesh.NCells()) / float64(pb.TargetPartitionSize)))

	// Ensure at least one partition
	if numPartitions < 1 {
		numPartitions = 1
	}
	return numPartitions
}

// partitionCells assigns cells to partitions
func (pb *PartitionBuilder) partitionCells(numPartitions int) []int {
	nCells := pb.Mesh.NCells()

	switch pb.Strategy {
	case RoundRobin:
		cToP := make([]int, nCells)
		for i := range cToP {
			cToP[i] = i % numPartitions
		}
		return cToP

	case GraphPartition:
		return pb.growRegions(numPartitions)

	case SpaceFillingCurve:
		order := mortonOrder(pb.Mesh)
		cToP := make([]int, nCells)
		for rank, c := range order {
			cToP[c] = blockOf(rank, nCells, numPartitions)
		}
		return cToP

	default:
		cToP := make([]int, nCells)
		for i := range cToP {
			cToP[i] = blockOf(i, nCells, numPartitions)
		}
		return cToP
	}
}

// blockOf splits n items into p consecutive blocks whose sizes differ by at
// most one
func blockOf(i, n, p int) int {
	return i * p / n
}

// growRegions grows each partition breadth first from the lowest numbered
// unassigned cell until it holds its share of cells.
func (pb *PartitionBuilder) growRegions(numPartitions int) []int {
	m := pb.Mesh
	nCells := m.NCells()
	cToP := make([]int, nCells)
	for i := range cToP {
		cToP[i] = -1
	}

	neighbours := func(c int) []int {
		var nbrs []int
		for _, f := range m.CellFaces[c] {
			if !m.IsInternal(f) {
				continue
			}
			n := m.Neighbour[f]
			if n == c {
				n = m.Owner[f]
			}
			nbrs = append(nbrs, n)
		}
		slices.Sort(nbrs)
		return nbrs
	}

	next := 0
	assigned := 0
	for p := 0; p < numPartitions; p++ {
		target := (nCells - assigned) / (numPartitions - p)
		count := 0
		var queue []int
		for count < target {
			if len(queue) == 0 {
				for next < nCells && cToP[next] >= 0 {
					next++
				}
				if next == nCells {
					break
				}
				cToP[next] = p
				count++
				queue = append(queue, next)
				continue
			}
			c := queue[0]
			queue = queue[1:]
			for _, n := range neighbours(c) {
				if count == target {
					break
				}
				if cToP[n] < 0 {
					cToP[n] = p
					count++
					queue = append(queue, n)
				}
			}
		}
		assigned += count
	}
	return cToP
}

// mortonOrder sorts cells along a Z-order curve through their centers
func mortonOrder(m *mesh.Mesh) []int {
	n := m.NCells()
	lo := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	coords := func(c int) [3]float64 {
		x := m.CellCenters[c]
		return [3]float64{x.X, x.Y, x.Z}
	}
	for c := 0; c < n; c++ {
		x := coords(c)
		for a := 0; a < 3; a++ {
			lo[a] = math.Min(lo[a], x[a])
			hi[a] = math.Max(hi[a], x[a])
		}
	}

	const bits = 21
	scale := float64(uint64(1)<<bits - 1)
	codes := make([]uint64, n)
	for c := 0; c < n; c++ {
		x := coords(c)
		var q [3]uint64
		for a := 0; a < 3; a++ {
			if hi[a] > lo[a] {
				q[a] = uint64((x[a] - lo[a]) / (hi[a] - lo[a]) * scale)
			}
		}
		var code uint64
		for b := 0; b < bits; b++ {
			for a := 0; a < 3; a++ {
				code |= ((q[a] >> b) & 1) << (3*b + a)
			}
		}
		codes[c] = code
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return codes[order[i]] < codes[order[j]] })
	return order
}
