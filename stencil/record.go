package stencil

import (
	"slices"
	"sort"

	"github.com/notargets/wenofit/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// Link is a face adjacency: the neighbour's global id and its periodic
// image relative to the linking cell.
type Link struct {
	Global int
	Delta  mesh.Image
}

func (l Link) less(o Link) bool {
	if l.Global != o.Global {
		return l.Global < o.Global
	}
	return l.Delta.Less(o.Delta)
}

// FaceRecord is a face in canonical point order, independent of which cell
// owns it on a given rank.
type FaceRecord struct {
	Global   int
	Points   []r3.Vec
	Physical bool
}

// CellRecord is everything a rank needs to use a cell as a stencil member
// or center: its owner, position, adjacency and faces. Records are built
// from the owning rank's mesh and shipped verbatim to peers.
type CellRecord struct {
	Global int
	Owner  int // Owning rank
	Local  int // Index on the owning rank
	Center r3.Vec
	Links  []Link       // Sorted, unique
	Faces  []FaceRecord // Sorted by global face id
}

func (r *CellRecord) polyCell(origin r3.Vec, shift r3.Vec) polyCell {
	pc := polyCell{center: r3.Add(r3.Sub(r.Center, origin), shift)}
	pc.faces = make([][]r3.Vec, len(r.Faces))
	for i, f := range r.Faces {
		pc.faces[i] = relativeLoop(f.Points, origin, shift)
	}
	return pc
}

// relativeLoop returns (p - origin) + shift for every point of a loop
func relativeLoop(pts []r3.Vec, origin, shift r3.Vec) []r3.Vec {
	loop := make([]r3.Vec, len(pts))
	for i, p := range pts {
		loop[i] = r3.Add(r3.Sub(p, origin), shift)
	}
	return loop
}

func (r *CellRecord) loops() [][]r3.Vec {
	loops := make([][]r3.Vec, len(r.Faces))
	for i, f := range r.Faces {
		loops[i] = f.Points
	}
	return loops
}

// canonicalLoop returns the points of face f starting at the smallest
// global point id and running towards the smaller of its two neighbours.
func canonicalLoop(m *mesh.Mesh, f int) []r3.Vec {
	pts := m.Faces[f]
	n := len(pts)
	start := 0
	for i := 1; i < n; i++ {
		if m.PointGlobal[pts[i]] < m.PointGlobal[pts[start]] {
			start = i
		}
	}
	step := 1
	next := m.PointGlobal[pts[(start+1)%n]]
	prev := m.PointGlobal[pts[(start+n-1)%n]]
	if prev < next {
		step = n - 1
	}
	loop := make([]r3.Vec, n)
	for i := range loop {
		loop[i] = m.Points[pts[(start+i*step)%n]]
	}
	return loop
}

// localRecords builds the record of every cell of m
func localRecords(m *mesh.Mesh) []CellRecord {
	recs := make([]CellRecord, m.NCells())
	for c := range recs {
		rec := &recs[c]
		rec.Global = m.CellGlobal[c]
		rec.Owner = m.Rank
		rec.Local = c
		rec.Center = m.CellCenters[c]

		for _, f := range m.CellFaces[c] {
			face := FaceRecord{Global: m.FaceGlobal[f], Points: canonicalLoop(m, f)}
			switch {
			case m.IsInternal(f):
				n := m.Neighbour[f]
				if n == c {
					n = m.Owner[f]
				}
				rec.Links = append(rec.Links, Link{Global: m.CellGlobal[n]})
			default:
				if cpl, ok := m.CouplingOf(f); ok {
					rec.Links = append(rec.Links, Link{Global: cpl.NbrGlobal, Delta: cpl.Delta})
				} else {
					face.Physical = true
				}
			}
			rec.Faces = append(rec.Faces, face)
		}

		sort.Slice(rec.Links, func(i, j int) bool { return rec.Links[i].less(rec.Links[j]) })
		rec.Links = slices.Compact(rec.Links)
		sort.Slice(rec.Faces, func(i, j int) bool { return rec.Faces[i].Global < rec.Faces[j].Global })
	}
	return recs
}

// zoneCells returns the local cells within depth hops of a processor
// boundary, walking only links that stay on this rank. These are the cells
// any peer may need to complete its stencils.
func zoneCells(m *mesh.Mesh, depth int) []int {
	dist := make([]int, m.NCells())
	for i := range dist {
		dist[i] = -1
	}
	var frontier []int
	for _, p := range m.Patches {
		if p.Kind != mesh.Processor {
			continue
		}
		for f := p.Start; f < p.Start+p.Size; f++ {
			if c := m.Owner[f]; dist[c] < 0 {
				dist[c] = 0
				frontier = append(frontier, c)
			}
		}
	}

	for d := 1; d <= depth && len(frontier) > 0; d++ {
		var next []int
		for _, c := range frontier {
			for _, f := range m.CellFaces[c] {
				n := -1
				switch {
				case m.IsInternal(f):
					n = m.Neighbour[f]
					if n == c {
						n = m.Owner[f]
					}
				default:
					if cpl, ok := m.CouplingOf(f); ok && cpl.NbrRank == m.Rank {
						n = cpl.NbrLocal
					}
				}
				if n >= 0 && dist[n] < 0 {
					dist[n] = d
					next = append(next, n)
				}
			}
		}
		frontier = next
	}

	var zone []int
	for c, d := range dist {
		if d >= 0 {
			zone = append(zone, c)
		}
	}
	return zone
}
