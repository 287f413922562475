package mesh

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// BoxSpec describes a structured block of hexahedra
type BoxSpec struct {
	N        [3]int
	Origin   r3.Vec
	Lengths  r3.Vec
	Periodic [3]bool
}

var axisNames = [3]string{"x", "y", "z"}

// NewBoxMesh builds a structured hexahedral mesh. Cell (i,j,k) has index
// i + nx*(j + ny*k). Each axis contributes a <axis>min and <axis>max patch,
// physical unless the axis is periodic, in which case both are cyclic.
func NewBoxMesh(spec BoxSpec) (*Mesh, error) {
	nx, ny, nz := spec.N[0], spec.N[1], spec.N[2]
	if nx < 1 || ny < 1 || nz < 1 {
		return nil, fmt.Errorf("invalid box dimensions %v", spec.N)
	}
	for a := 0; a < 3; a++ {
		if spec.Periodic[a] && spec.N[a] < 2 {
			return nil, fmt.Errorf("periodic %s axis needs at least 2 cells", axisNames[a])
		}
	}
	lengths := [3]float64{spec.Lengths.X, spec.Lengths.Y, spec.Lengths.Z}
	for a, l := range lengths {
		if l <= 0 {
			return nil, fmt.Errorf("box length along %s must be positive", axisNames[a])
		}
	}

	pid := func(i, j, k int) int { return i + (nx+1)*(j+(ny+1)*k) }
	cid := func(i, j, k int) int { return i + nx*(j+ny*k) }
	cellIJK := func(c int) (int, int, int) { return c % nx, (c / nx) % ny, c / (nx * ny) }

	m := &Mesh{Rank: 0, NumRanks: 1}
	dx := lengths[0] / float64(nx)
	dy := lengths[1] / float64(ny)
	dz := lengths[2] / float64(nz)
	for k := 0; k <= nz; k++ {
		for j := 0; j <= ny; j++ {
			for i := 0; i <= nx; i++ {
				m.Points = append(m.Points, r3.Vec{
					X: spec.Origin.X + float64(i)*dx,
					Y: spec.Origin.Y + float64(j)*dy,
					Z: spec.Origin.Z + float64(k)*dz,
				})
			}
		}
	}

	// Face point loops whose normal points along +axis at lattice plane (i,j,k)
	facePoints := func(axis, i, j, k int) []int {
		switch axis {
		case 0:
			return []int{pid(i, j, k), pid(i, j+1, k), pid(i, j+1, k+1), pid(i, j, k+1)}
		case 1:
			return []int{pid(i, j, k), pid(i, j, k+1), pid(i+1, j, k+1), pid(i+1, j, k)}
		default:
			return []int{pid(i, j, k), pid(i+1, j, k), pid(i+1, j+1, k), pid(i, j+1, k)}
		}
	}
	reversed := func(pts []int) []int {
		r := make([]int, len(pts))
		r[0] = pts[0]
		for n := 1; n < len(pts); n++ {
			r[n] = pts[len(pts)-n]
		}
		return r
	}

	// Internal faces in upper triangular order: +x, +y, +z neighbours
	nCells := nx * ny * nz
	for c := 0; c < nCells; c++ {
		i, j, k := cellIJK(c)
		if i+1 < nx {
			m.Faces = append(m.Faces, facePoints(0, i+1, j, k))
			m.Owner = append(m.Owner, c)
			m.Neighbour = append(m.Neighbour, cid(i+1, j, k))
		}
		if j+1 < ny {
			m.Faces = append(m.Faces, facePoints(1, i, j+1, k))
			m.Owner = append(m.Owner, c)
			m.Neighbour = append(m.Neighbour, cid(i, j+1, k))
		}
		if k+1 < nz {
			m.Faces = append(m.Faces, facePoints(2, i, j, k+1))
			m.Owner = append(m.Owner, c)
			m.Neighbour = append(m.Neighbour, cid(i, j, k+1))
		}
	}

	for a := 0; a < 3; a++ {
		var tr r3.Vec
		switch a {
		case 0:
			tr.X = lengths[0]
		case 1:
			tr.Y = lengths[1]
		default:
			tr.Z = lengths[2]
		}
		m.Translations[a] = tr

		for side := 0; side < 2; side++ {
			patch := Patch{
				Name:    axisNames[a] + [2]string{"min", "max"}[side],
				Kind:    Physical,
				Start:   len(m.Faces),
				NbrRank: -1,
			}
			if spec.Periodic[a] {
				patch.Kind = Cyclic
			}
			// Walk the two transverse axes
			ta, tb := (a+1)%3, (a+2)%3
			if ta > tb {
				ta, tb = tb, ta
			}
			for ib := 0; ib < spec.N[tb]; ib++ {
				for ia := 0; ia < spec.N[ta]; ia++ {
					var ijk [3]int
					ijk[ta], ijk[tb] = ia, ib
					if side == 1 {
						ijk[a] = spec.N[a] - 1
					}
					owner := cid(ijk[0], ijk[1], ijk[2])

					plane := ijk
					if side == 1 {
						plane[a]++
					}
					pts := facePoints(a, plane[0], plane[1], plane[2])
					if side == 0 {
						pts = reversed(pts)
					}
					m.Faces = append(m.Faces, pts)
					m.Owner = append(m.Owner, owner)

					if patch.Kind == Cyclic {
						nbr := ijk
						var delta Image
						if side == 0 {
							nbr[a] = spec.N[a] - 1
							delta[a] = -1
						} else {
							nbr[a] = 0
							delta[a] = 1
						}
						n := cid(nbr[0], nbr[1], nbr[2])
						patch.Couplings = append(patch.Couplings, Coupling{
							NbrGlobal: n,
							NbrRank:   0,
							NbrLocal:  n,
							Delta:     delta,
						})
					}
					patch.Size++
				}
			}
			m.Patches = append(m.Patches, patch)
		}
	}

	if err := m.Finalize(); err != nil {
		return nil, fmt.Errorf("box mesh: %w", err)
	}
	m.CalcGeometry()
	return m, nil
}
