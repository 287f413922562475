package partitions

import (
	"fmt"
	"slices"
	"sort"

	"github.com/notargets/wenofit/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// Decompose splits a single rank mesh into one sub-mesh per partition. Faces
// between partitions become processor patch faces, owned by the local cell;
// cyclic faces whose partner lands on another rank become processor faces
// carrying the periodic image. Geometry is copied, never recomputed, so every
// rank sees bit-identical centers and areas.
func Decompose(m *mesh.Mesh, layout *PartitionLayout) ([]*mesh.Mesh, error) {
	if m.NumRanks != 1 {
		return nil, fmt.Errorf("decomposing an already decomposed mesh (rank %d of %d)",
			m.Rank, m.NumRanks)
	}
	if layout.TotalCells != m.NCells() {
		return nil, fmt.Errorf("layout covers %d cells, mesh has %d", layout.TotalCells, m.NCells())
	}

	subs := make([]*mesh.Mesh, layout.NumPartitions)
	for r := range subs {
		sub, err := extractPartition(m, layout, r)
		if err != nil {
			return nil, fmt.Errorf("partition %d: %w", r, err)
		}
		subs[r] = sub
	}

	if err := validateCommunicationSymmetry(subs); err != nil {
		return nil, fmt.Errorf("asymmetric communication pattern: %w", err)
	}
	return subs, nil
}

// procFace is a face that will land on a processor patch
type procFace struct {
	global  int // Face index in the source mesh
	owner   int // Local owner
	flipped bool
	cpl     mesh.Coupling
}

func extractPartition(m *mesh.Mesh, layout *PartitionLayout, r int) (*mesh.Mesh, error) {
	cells := layout.Partitions[r].Cells
	g2l := make([]int, m.NCells())
	for i := range g2l {
		g2l[i] = -1
	}
	for l, c := range cells {
		g2l[c] = l
	}

	type internalFace struct{ global, owner, nbr int }
	var internal []internalFace
	procFaces := make(map[int][]procFace)

	// Internal faces: local, or split across two partitions
	for f := 0; f < m.NInternalFaces(); f++ {
		o, n := m.Owner[f], m.Neighbour[f]
		po, pn := layout.CToP[o], layout.CToP[n]
		switch {
		case po == r && pn == r:
			internal = append(internal, internalFace{f, g2l[o], g2l[n]})
		case po == r:
			procFaces[pn] = append(procFaces[pn], procFace{
				global: f, owner: g2l[o],
				cpl: mesh.Coupling{NbrGlobal: m.CellGlobal[n], NbrRank: pn, NbrLocal: -1},
			})
		case pn == r:
			procFaces[po] = append(procFaces[po], procFace{
				global: f, owner: g2l[n], flipped: true,
				cpl: mesh.Coupling{NbrGlobal: m.CellGlobal[o], NbrRank: po, NbrLocal: -1},
			})
		}
	}
	sort.SliceStable(internal, func(i, j int) bool {
		if internal[i].owner != internal[j].owner {
			return internal[i].owner < internal[j].owner
		}
		return internal[i].nbr < internal[j].nbr
	})

	// Boundary patches keep their place on every rank, even when empty
	type patchFaces struct {
		patch mesh.Patch
		faces []int
		cpls  []mesh.Coupling
	}
	var kept []patchFaces
	for p := range m.Patches {
		src := &m.Patches[p]
		pf := patchFaces{patch: mesh.Patch{Name: src.Name, Kind: src.Kind, NbrRank: -1}}
		for i := 0; i < src.Size; i++ {
			f := src.Start + i
			if layout.CToP[m.Owner[f]] != r {
				continue
			}
			switch src.Kind {
			case mesh.Physical:
				pf.faces = append(pf.faces, f)
			case mesh.Cyclic:
				cpl := src.Couplings[i]
				n := cpl.NbrLocal
				if q := layout.CToP[n]; q != r {
					procFaces[q] = append(procFaces[q], procFace{
						global: f, owner: g2l[m.Owner[f]],
						cpl: mesh.Coupling{NbrGlobal: m.CellGlobal[n], NbrRank: q,
							NbrLocal: -1, Delta: cpl.Delta},
					})
					continue
				}
				pf.faces = append(pf.faces, f)
				pf.cpls = append(pf.cpls, mesh.Coupling{
					NbrGlobal: m.CellGlobal[n], NbrRank: r,
					NbrLocal: g2l[n], Delta: cpl.Delta,
				})
			default:
				return nil, fmt.Errorf("source patch %s is already a processor patch", src.Name)
			}
		}
		kept = append(kept, pf)
	}

	sub := &mesh.Mesh{
		Rank:         r,
		NumRanks:     layout.NumPartitions,
		NGlobalCells: m.NCells(),
		Translations: m.Translations,
	}

	// Points in ascending source order
	used := make(map[int]struct{})
	addFace := func(pts []int) {
		for _, p := range pts {
			used[p] = struct{}{}
		}
	}
	for _, f := range internal {
		addFace(m.Faces[f.global])
	}
	for _, pf := range kept {
		for _, f := range pf.faces {
			addFace(m.Faces[f])
		}
	}
	for _, faces := range procFaces {
		for _, pf := range faces {
			addFace(m.Faces[pf.global])
		}
	}
	pointIDs := make([]int, 0, len(used))
	for p := range used {
		pointIDs = append(pointIDs, p)
	}
	slices.Sort(pointIDs)
	p2l := make(map[int]int, len(pointIDs))
	for l, p := range pointIDs {
		p2l[p] = l
		sub.Points = append(sub.Points, m.Points[p])
		sub.PointGlobal = append(sub.PointGlobal, m.PointGlobal[p])
	}

	appendFace := func(f, owner int, flipped bool) {
		src := m.Faces[f]
		pts := make([]int, len(src))
		for i, p := range src {
			pts[i] = p2l[p]
		}
		area := m.FaceAreas[f]
		if flipped {
			for i, j := 1, len(pts)-1; i < j; i, j = i+1, j-1 {
				pts[i], pts[j] = pts[j], pts[i]
			}
			area = r3.Scale(-1, area)
		}
		sub.Faces = append(sub.Faces, pts)
		sub.Owner = append(sub.Owner, owner)
		sub.FaceGlobal = append(sub.FaceGlobal, m.FaceGlobal[f])
		sub.FaceCenters = append(sub.FaceCenters, m.FaceCenters[f])
		sub.FaceAreas = append(sub.FaceAreas, area)
	}

	for _, f := range internal {
		appendFace(f.global, f.owner, false)
		sub.Neighbour = append(sub.Neighbour, f.nbr)
	}
	for _, pf := range kept {
		patch := pf.patch
		patch.Start = len(sub.Faces)
		patch.Size = len(pf.faces)
		patch.Couplings = pf.cpls
		for _, f := range pf.faces {
			appendFace(f, g2l[m.Owner[f]], false)
		}
		sub.Patches = append(sub.Patches, patch)
	}

	nbrRanks := make([]int, 0, len(procFaces))
	for q := range procFaces {
		nbrRanks = append(nbrRanks, q)
	}
	slices.Sort(nbrRanks)
	for _, q := range nbrRanks {
		faces := procFaces[q]
		sort.SliceStable(faces, func(i, j int) bool {
			return m.FaceGlobal[faces[i].global] < m.FaceGlobal[faces[j].global]
		})
		patch := mesh.Patch{
			Name:    fmt.Sprintf("procBoundary%dto%d", r, q),
			Kind:    mesh.Processor,
			Start:   len(sub.Faces),
			Size:    len(faces),
			NbrRank: q,
		}
		for _, pf := range faces {
			appendFace(pf.global, pf.owner, pf.flipped)
			patch.Couplings = append(patch.Couplings, pf.cpl)
		}
		sub.Patches = append(sub.Patches, patch)
	}

	for _, c := range cells {
		sub.CellGlobal = append(sub.CellGlobal, m.CellGlobal[c])
		sub.CellCenters = append(sub.CellCenters, m.CellCenters[c])
		sub.CellVolumes = append(sub.CellVolumes, m.CellVolumes[c])
	}

	if err := sub.Finalize(); err != nil {
		return nil, err
	}
	if sub.NCells() != len(cells) {
		return nil, fmt.Errorf("%d cells referenced by faces, %d assigned", sub.NCells(), len(cells))
	}
	return sub, nil
}

// validateCommunicationSymmetry verifies that if rank A shares n faces with
// rank B, then B shares exactly n faces with A, and that every coupling names
// a cell the neighbour actually owns.
func validateCommunicationSymmetry(subs []*mesh.Mesh) error {
	faceCount := make(map[[2]int]int)
	owned := make([]map[int]struct{}, len(subs))
	for r, sub := range subs {
		owned[r] = make(map[int]struct{}, sub.NCells())
		for _, g := range sub.CellGlobal {
			owned[r][g] = struct{}{}
		}
	}

	for r, sub := range subs {
		for _, p := range sub.Patches {
			if p.Kind != mesh.Processor {
				continue
			}
			faceCount[[2]int{r, p.NbrRank}] += p.Size
			for i, cpl := range p.Couplings {
				if cpl.NbrRank != p.NbrRank {
					return fmt.Errorf("rank %d patch %s face %d: coupling names rank %d",
						r, p.Name, i, cpl.NbrRank)
				}
				if _, ok := owned[cpl.NbrRank][cpl.NbrGlobal]; !ok {
					return fmt.Errorf("rank %d patch %s face %d: cell %d not owned by rank %d",
						r, p.Name, i, cpl.NbrGlobal, cpl.NbrRank)
				}
			}
		}
	}

	for key, n := range faceCount {
		back := faceCount[[2]int{key[1], key[0]}]
		if back != n {
			return fmt.Errorf("rank %d shares %d faces with rank %d, but %d expects %d",
				key[0], n, key[1], key[1], back)
		}
	}
	return nil
}
