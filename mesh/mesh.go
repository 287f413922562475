package mesh

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/spatial/r3"
)

// PatchKind classifies a boundary patch
type PatchKind uint8

const (
	Physical  PatchKind = iota // Wall, inlet, outlet... nothing to exchange
	Processor                  // Faces shared with cells owned by another rank
	Cyclic                     // Periodic faces paired within this rank
)

func (k PatchKind) String() string {
	switch k {
	case Physical:
		return "physical"
	case Processor:
		return "processor"
	case Cyclic:
		return "cyclic"
	}
	return fmt.Sprintf("PatchKind(%d)", uint8(k))
}

// Image counts the periodic translations applied to reach a copy of a cell.
// Component k multiplies Mesh.Translations[k].
type Image [3]int8

func (im Image) Add(o Image) Image {
	return Image{im[0] + o[0], im[1] + o[1], im[2] + o[2]}
}

func (im Image) Sub(o Image) Image {
	return Image{im[0] - o[0], im[1] - o[1], im[2] - o[2]}
}

func (im Image) IsZero() bool { return im == Image{} }

// Less orders images lexicographically
func (im Image) Less(o Image) bool {
	for k := 0; k < 3; k++ {
		if im[k] != o[k] {
			return im[k] < o[k]
		}
	}
	return false
}

// Coupling describes the cell on the far side of a coupled boundary face
type Coupling struct {
	NbrGlobal int   // Global id of the neighbour cell
	NbrRank   int   // Rank owning the neighbour cell
	NbrLocal  int   // Local index when NbrRank is this mesh's rank, -1 otherwise
	Delta     Image // Image of the neighbour as seen from the face's local cell
}

// Patch is a contiguous range of boundary faces
type Patch struct {
	Name      string
	Kind      PatchKind
	Start     int // First face index
	Size      int
	NbrRank   int        // Processor patches only, -1 otherwise
	Couplings []Coupling // One per face for coupled patches
}

// Coupled reports whether values are exchanged across the patch
func (p *Patch) Coupled() bool { return p.Kind != Physical }

// Mesh is a polyhedral finite volume mesh, possibly one partition of a larger
// decomposed mesh. Internal faces come first and have Owner < Neighbour in
// local numbering; boundary faces follow, grouped by patch.
type Mesh struct {
	Rank     int
	NumRanks int

	Points      []r3.Vec
	PointGlobal []int

	Faces     [][]int // Point indices, ordered so the normal leaves the owner
	Owner     []int
	Neighbour []int // Internal faces only
	Patches   []Patch

	CellGlobal   []int
	FaceGlobal   []int
	NGlobalCells int

	// Translation applied by one unit of Image component k
	Translations [3]r3.Vec

	// Geometry, computed once by CalcGeometry or copied by the partitioner
	FaceCenters []r3.Vec
	FaceAreas   []r3.Vec // Area-weighted normals
	CellCenters []r3.Vec
	CellVolumes []float64

	// Derived topology, filled by Finalize
	CellFaces [][]int
	facePatch []int // [face - nInternal] -> patch index
	nCells    int
}

func (m *Mesh) NCells() int         { return m.nCells }
func (m *Mesh) NFaces() int         { return len(m.Faces) }
func (m *Mesh) NInternalFaces() int { return len(m.Neighbour) }

// IsInternal reports whether face f joins two local cells
func (m *Mesh) IsInternal(f int) bool { return f < len(m.Neighbour) }

// PatchOf returns the patch containing boundary face f and the face's index
// within it. Internal faces return (-1, -1).
func (m *Mesh) PatchOf(f int) (patch, local int) {
	if m.IsInternal(f) {
		return -1, -1
	}
	p := m.facePatch[f-len(m.Neighbour)]
	return p, f - m.Patches[p].Start
}

// CouplingOf returns the coupling record of a coupled boundary face
func (m *Mesh) CouplingOf(f int) (Coupling, bool) {
	p, i := m.PatchOf(f)
	if p < 0 || !m.Patches[p].Coupled() {
		return Coupling{}, false
	}
	return m.Patches[p].Couplings[i], true
}

// Shift returns the translation of an image
func (m *Mesh) Shift(im Image) r3.Vec {
	var s r3.Vec
	for k := 0; k < 3; k++ {
		if im[k] != 0 {
			s = r3.Add(s, r3.Scale(float64(im[k]), m.Translations[k]))
		}
	}
	return s
}

// CellPoints returns the distinct points of cell c in ascending index order
func (m *Mesh) CellPoints(c int) []int {
	seen := make(map[int]struct{})
	var pts []int
	for _, f := range m.CellFaces[c] {
		for _, p := range m.Faces[f] {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				pts = append(pts, p)
			}
		}
	}
	slices.Sort(pts)
	return pts
}

// Finalize validates the topology and builds the derived cell-face lists
func (m *Mesh) Finalize() error {
	nFaces := len(m.Faces)
	if len(m.Owner) != nFaces {
		return fmt.Errorf("owner length %d does not match %d faces", len(m.Owner), nFaces)
	}
	if len(m.Neighbour) > nFaces {
		return fmt.Errorf("neighbour length %d exceeds %d faces", len(m.Neighbour), nFaces)
	}

	nCells := 0
	for _, o := range m.Owner {
		if o+1 > nCells {
			nCells = o + 1
		}
	}
	for f, n := range m.Neighbour {
		if n+1 > nCells {
			nCells = n + 1
		}
		if n <= m.Owner[f] {
			return fmt.Errorf("internal face %d: neighbour %d not above owner %d", f, n, m.Owner[f])
		}
	}
	m.nCells = nCells

	if m.CellGlobal == nil {
		m.CellGlobal = identity(nCells)
	}
	if m.FaceGlobal == nil {
		m.FaceGlobal = identity(nFaces)
	}
	if m.PointGlobal == nil {
		m.PointGlobal = identity(len(m.Points))
	}
	if m.NumRanks == 0 {
		m.NumRanks = 1
	}
	if m.NGlobalCells == 0 {
		m.NGlobalCells = nCells
	}
	if len(m.CellGlobal) != nCells {
		return fmt.Errorf("cell global ids: got %d, want %d", len(m.CellGlobal), nCells)
	}

	// Patches must tile the boundary faces exactly
	nInternal := len(m.Neighbour)
	m.facePatch = make([]int, nFaces-nInternal)
	for i := range m.facePatch {
		m.facePatch[i] = -1
	}
	for p := range m.Patches {
		patch := &m.Patches[p]
		if patch.Start < nInternal || patch.Start+patch.Size > nFaces {
			return fmt.Errorf("patch %s: range [%d,%d) outside boundary faces",
				patch.Name, patch.Start, patch.Start+patch.Size)
		}
		if patch.Coupled() && len(patch.Couplings) != patch.Size {
			return fmt.Errorf("patch %s: %d couplings for %d faces",
				patch.Name, len(patch.Couplings), patch.Size)
		}
		for f := patch.Start; f < patch.Start+patch.Size; f++ {
			if m.facePatch[f-nInternal] >= 0 {
				return fmt.Errorf("face %d belongs to more than one patch", f)
			}
			m.facePatch[f-nInternal] = p
		}
	}
	for i, p := range m.facePatch {
		if p < 0 {
			return fmt.Errorf("boundary face %d has no patch", i+nInternal)
		}
	}

	m.CellFaces = make([][]int, nCells)
	for f, o := range m.Owner {
		m.CellFaces[o] = append(m.CellFaces[o], f)
	}
	for f, n := range m.Neighbour {
		m.CellFaces[n] = append(m.CellFaces[n], f)
	}
	for c := range m.CellFaces {
		slices.Sort(m.CellFaces[c])
	}
	return nil
}

// CalcGeometry computes face centers and area vectors by triangle fans about
// the face point average, then cell centers and volumes by pyramid
// decomposition about the face center average.
func (m *Mesh) CalcGeometry() {
	nFaces := len(m.Faces)
	m.FaceCenters = make([]r3.Vec, nFaces)
	m.FaceAreas = make([]r3.Vec, nFaces)
	for f, pts := range m.Faces {
		m.FaceCenters[f], m.FaceAreas[f] = faceGeometry(m.Points, pts)
	}

	nCells := m.nCells
	m.CellCenters = make([]r3.Vec, nCells)
	m.CellVolumes = make([]float64, nCells)
	for c := 0; c < nCells; c++ {
		var est r3.Vec
		for _, f := range m.CellFaces[c] {
			est = r3.Add(est, m.FaceCenters[f])
		}
		est = r3.Scale(1/float64(len(m.CellFaces[c])), est)

		var ctr r3.Vec
		var vol float64
		for _, f := range m.CellFaces[c] {
			pyr3Vol := r3.Dot(m.FaceAreas[f], r3.Sub(m.FaceCenters[f], est))
			if m.Owner[f] != c {
				pyr3Vol = -pyr3Vol
			}
			pc := r3.Add(r3.Scale(0.75, m.FaceCenters[f]), r3.Scale(0.25, est))
			ctr = r3.Add(ctr, r3.Scale(pyr3Vol, pc))
			vol += pyr3Vol
		}
		if math.Abs(vol) > 0 {
			m.CellCenters[c] = r3.Scale(1/vol, ctr)
		} else {
			m.CellCenters[c] = est
		}
		m.CellVolumes[c] = vol / 3
	}
}

func faceGeometry(points []r3.Vec, pts []int) (ctr, area r3.Vec) {
	if len(pts) == 3 {
		a, b, c := points[pts[0]], points[pts[1]], points[pts[2]]
		ctr = r3.Scale(1.0/3.0, r3.Add(r3.Add(a, b), c))
		area = r3.Scale(0.5, r3.Cross(r3.Sub(b, a), r3.Sub(c, a)))
		return ctr, area
	}

	var est r3.Vec
	for _, p := range pts {
		est = r3.Add(est, points[p])
	}
	est = r3.Scale(1/float64(len(pts)), est)

	var sumN, sumAc r3.Vec
	var sumA float64
	for i := range pts {
		p0 := points[pts[i]]
		p1 := points[pts[(i+1)%len(pts)]]
		n := r3.Cross(r3.Sub(p1, p0), r3.Sub(est, p0))
		a := r3.Norm(n)
		sumN = r3.Add(sumN, n)
		sumA += a
		sumAc = r3.Add(sumAc, r3.Scale(a, r3.Add(r3.Add(p0, p1), est)))
	}
	if sumA < 1e-300 {
		return est, r3.Vec{}
	}
	return r3.Scale(1/(3*sumA), sumAc), r3.Scale(0.5, sumN)
}

func identity(n int) []int {
	r := make([]int, n)
	for i := range r {
		r[i] = i
	}
	return r
}
