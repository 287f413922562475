package mesh

import (
	"fmt"
	"sort"

	"github.com/notargets/gocfd/DG3D/mesh/readers"
	"gonum.org/v1/gonum/spatial/r3"
)

// Local vertices of each tetrahedron face
var tetFaceVertices = [4][3]int{
	{0, 1, 2},
	{0, 1, 3},
	{1, 2, 3},
	{0, 2, 3},
}

// FromTetrahedra builds a polyhedral mesh from tetrahedral connectivity. All
// boundary faces go to a single physical patch named "walls".
func FromTetrahedra(points []r3.Vec, etov [][]int) (*Mesh, error) {
	K := len(etov)
	if K == 0 {
		return nil, fmt.Errorf("no tetrahedra")
	}

	type faceSignature struct {
		v     [3]int // Face vertices in element order
		elem  int
		other int // Vertex opposite to the face
		match int // Matching element, -1 for boundary
	}

	faceMap := make(map[[3]int]int)
	var sigs []faceSignature
	for e, tet := range etov {
		if len(tet) != 4 {
			return nil, fmt.Errorf("element %d has %d vertices, want 4", e, len(tet))
		}
		for f := 0; f < 4; f++ {
			var v [3]int
			for i := 0; i < 3; i++ {
				v[i] = tet[tetFaceVertices[f][i]]
			}
			other := tet[6-tetFaceVertices[f][0]-tetFaceVertices[f][1]-tetFaceVertices[f][2]]

			// Sort vertices to create canonical face signature
			key := v
			sort.Ints(key[:])
			if idx, found := faceMap[key]; found {
				if sigs[idx].match >= 0 {
					return nil, fmt.Errorf("face %v shared by more than two elements", key)
				}
				sigs[idx].match = e
				continue
			}
			faceMap[key] = len(sigs)
			sigs = append(sigs, faceSignature{v: v, elem: e, other: other, match: -1})
		}
	}

	// Orient so the normal leaves the owner, the lower numbered element
	orient := func(s faceSignature) []int {
		a, b, c := points[s.v[0]], points[s.v[1]], points[s.v[2]]
		n := r3.Cross(r3.Sub(b, a), r3.Sub(c, a))
		if r3.Dot(n, r3.Sub(points[s.other], a)) > 0 {
			return []int{s.v[0], s.v[2], s.v[1]}
		}
		return []int{s.v[0], s.v[1], s.v[2]}
	}

	var internal, boundary []faceSignature
	for _, s := range sigs {
		if s.match >= 0 {
			internal = append(internal, s)
		} else {
			boundary = append(boundary, s)
		}
	}
	sort.SliceStable(internal, func(i, j int) bool {
		oi, oj := min(internal[i].elem, internal[i].match), min(internal[j].elem, internal[j].match)
		if oi != oj {
			return oi < oj
		}
		return max(internal[i].elem, internal[i].match) < max(internal[j].elem, internal[j].match)
	})
	sort.SliceStable(boundary, func(i, j int) bool { return boundary[i].elem < boundary[j].elem })

	m := &Mesh{Rank: 0, NumRanks: 1, Points: points}
	for _, s := range internal {
		// First sighting is always the lower numbered element
		m.Faces = append(m.Faces, orient(s))
		m.Owner = append(m.Owner, s.elem)
		m.Neighbour = append(m.Neighbour, s.match)
	}
	walls := Patch{Name: "walls", Kind: Physical, Start: len(m.Faces), NbrRank: -1}
	for _, s := range boundary {
		m.Faces = append(m.Faces, orient(s))
		m.Owner = append(m.Owner, s.elem)
		walls.Size++
	}
	m.Patches = []Patch{walls}

	if err := m.Finalize(); err != nil {
		return nil, fmt.Errorf("tetrahedral mesh: %w", err)
	}
	if m.NCells() != K {
		return nil, fmt.Errorf("tetrahedral mesh: %d cells referenced, %d elements", m.NCells(), K)
	}
	m.CalcGeometry()
	return m, nil
}

// ReadGambit reads a Gambit neutral file. The returned partition map is the
// element to partition assignment stored in the file, nil when absent.
func ReadGambit(path string) (*Mesh, []int, error) {
	gm, err := readers.ReadMeshFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", path, err)
	}

	points := make([]r3.Vec, len(gm.Vertices))
	for i, v := range gm.Vertices {
		points[i] = r3.Vec{X: v[0], Y: v[1], Z: v[2]}
	}
	etov := gm.EtoV
	if gm.NumElements > 0 && gm.NumElements < len(etov) {
		etov = etov[:gm.NumElements]
	}

	m, err := FromTetrahedra(points, etov)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}

	var eToP []int
	if len(gm.EToP) == m.NCells() {
		eToP = append([]int(nil), gm.EToP...)
	}
	return m, eToP, nil
}
