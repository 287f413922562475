// Package stencil builds the per cell reconstruction data of a WENO upwind
// fit: stencils grown on the face adjacency graph, reference frame moments,
// least squares operators and oscillation matrices.
package stencil

import (
	"github.com/notargets/wenofit/halo"
	"github.com/notargets/wenofit/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// Version identifies the layout of Geometry. Cached geometry with another
// version is rebuilt.
const Version = 3

// Geometry is the complete preprocessing output of one rank. It is built
// once, then shared read-only by every reconstruction.
type Geometry struct {
	Version int
	Order   int
	Rank    int
	Size    int

	NCells int // Local cells, Centers[:NCells] and slots [0,NCells)

	// Local cells first, then neighbours across processor faces sorted by
	// global id. The latter are reconstructed here too, so coupled faces see
	// the same polynomial on every rank.
	Centers []Center

	// Cells owned elsewhere whose values fill slots NCells.. in order
	Halo      []HaloCell
	Connector *halo.Connector

	// Neighbour rank per patch, this rank for cyclic patches, -1 for
	// physical ones
	PatchToProc []int

	// Per mesh face, the polynomial evaluation data of each side. The
	// neighbour side of a physical face has Center -1.
	FaceOwner     []FaceSide
	FaceNeighbour []FaceSide
}

// NSlots is the length of a value vector including the halo
func (g *Geometry) NSlots() int { return g.NCells + len(g.Halo) }

// Center is one cell's reconstruction data
type Center struct {
	Global   int
	Slot     int
	Position r3.Vec
	Dims     []int // Active axes
	NDvt     int   // Basis functions, constant excluded
	Jacobian Jacobian

	// Central stencil first, then the surviving sectors
	Stencils []Stencil

	// Oscillation matrix, NDvt x NDvt row-major
	B []float64

	// Face moments of the cell's internal and coupled faces, less the cell
	// moments, in global face order
	LimitMoments [][]float64
}

// Stencil is an ordered list of cells, the center first
type Stencil struct {
	Sector  int // -1 for the central stencil, else the sign pattern
	Slots   []int
	Globals []int
	Images  []mesh.Image
	Offsets []r3.Vec // Member center less stencil center

	// Pseudoinverse of the design matrix, NDvt x (len(Slots)-1) row-major
	LS []float64
}

// Len returns the number of cells including the center
func (s *Stencil) Len() int { return len(s.Slots) }

// FaceSide locates the polynomial that evaluates a face from one side
type FaceSide struct {
	Center  int       // Index into Geometry.Centers
	Moments []float64 // Face moments less the cell moments
	Area    float64
}

// HaloCell is a cell owned by another rank. Patch and PatchFace locate the
// first coupled face it lies behind, or are -1 when it is only reached
// through other cells.
type HaloCell struct {
	GlobalID   int
	Owner      int
	OwnerLocal int
	Center     r3.Vec
	Patch      int
	PatchFace  int
}

// CacheKey identifies a rank's geometry
type CacheKey struct {
	Digest string
	Order  int
	Rank   int
	Size   int
}

// Cache persists geometry between runs. A Read error of any kind is
// treated as a miss.
type Cache interface {
	Read(key CacheKey) (*Geometry, error)
	Write(key CacheKey, g *Geometry) error
}

// matches reports whether cached geometry fits m at order
func (g *Geometry) matches(m *mesh.Mesh, order int) bool {
	if g == nil || g.Version != Version || g.Order != order {
		return false
	}
	if g.Rank != m.Rank || g.Size != m.NumRanks || g.NCells != m.NCells() {
		return false
	}
	if len(g.FaceOwner) != m.NFaces() || len(g.FaceNeighbour) != m.NFaces() {
		return false
	}
	return len(g.PatchToProc) == len(m.Patches) && g.Connector != nil
}
