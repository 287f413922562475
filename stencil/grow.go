package stencil

import (
	"fmt"
	"math"
	"sort"

	"github.com/notargets/wenofit/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// Relative tolerance for sign and dimension tests, in cell extents
	geomTol = 1e-8
)

// key identifies one periodic copy of a cell
type key struct {
	global int
	image  mesh.Image
}

func (k key) less(o key) bool {
	if k.global != o.global {
		return k.global < o.global
	}
	return k.image.Less(o.image)
}

// member is a stencil cell located relative to the stencil center
type member struct {
	key
	offset r3.Vec
	dist   float64
}

// graph resolves global ids to records: local cells plus the zones received
// from peers.
type graph struct {
	m    *mesh.Mesh
	recs map[int]*CellRecord
}

func (g *graph) record(global int) (*CellRecord, error) {
	rec, ok := g.recs[global]
	if !ok {
		return nil, fmt.Errorf("cell %d is outside the exchanged halo zone", global)
	}
	return rec, nil
}

// layers grows breadth first from root, returning the cells first reached
// at each hop count up to depth. Each layer is sorted.
func (g *graph) layers(root int, depth int) ([][]key, error) {
	seen := map[key]struct{}{{global: root}: {}}
	layers := [][]key{{{global: root}}}
	for d := 1; d <= depth; d++ {
		var next []key
		for _, k := range layers[d-1] {
			rec, err := g.record(k.global)
			if err != nil {
				return nil, err
			}
			for _, l := range rec.Links {
				nk := key{global: l.Global, image: k.image.Add(l.Delta)}
				if _, ok := seen[nk]; ok {
					continue
				}
				seen[nk] = struct{}{}
				next = append(next, nk)
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i].less(next[j]) })
		layers = append(layers, next)
	}
	return layers, nil
}

// locate places a key relative to the root cell
func (g *graph) locate(root *CellRecord, k key) (member, error) {
	rec, err := g.record(k.global)
	if err != nil {
		return member{}, err
	}
	off := r3.Add(r3.Sub(rec.Center, root.Center), g.m.Shift(k.image))
	return member{key: k, offset: off, dist: r3.Norm(off)}, nil
}

// activeDims returns the axes along which the first layer spreads
func activeDims(center member, layer []member, jac Jacobian) []int {
	var dims []int
	for a := 0; a < 3; a++ {
		tol := geomTol * jac.extent(a)
		for _, mb := range layer {
			if math.Abs(component(mb.offset, a)-component(center.offset, a)) > tol {
				dims = append(dims, a)
				break
			}
		}
	}
	return dims
}

func component(v r3.Vec, a int) float64 {
	switch a {
	case 0:
		return v.X
	case 1:
		return v.Y
	}
	return v.Z
}

// inSector reports whether offset lies in the closed orthant with sign
// pattern bits over dims. Bit i set means negative along dims[i].
func inSector(offset r3.Vec, dims []int, bits int, jac Jacobian) bool {
	for i, a := range dims {
		s := 1.0
		if bits&(1<<i) != 0 {
			s = -1
		}
		if s*component(offset, a) < -geomTol*jac.extent(a) {
			return false
		}
	}
	return true
}

// sortStencil orders members by distance from the center, ties broken by
// global id and image, and truncates to maxSize. The center, at distance
// zero with the zero image, stays first.
func sortStencil(ms []member, maxSize int) []member {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].dist != ms[j].dist {
			return ms[i].dist < ms[j].dist
		}
		return ms[i].key.less(ms[j].key)
	})
	if len(ms) > maxSize {
		ms = ms[:maxSize]
	}
	return ms
}

// grown is the outcome of stencil growth around one center
type grown struct {
	dims     []int
	central  []member
	sectors  [][]member
	sectorID []int
}

// growStencils builds the central stencil of root and splits it into
// sectors, extending each with further layers while it is too small.
func (b *Builder) growStencils(g *graph, root *CellRecord, jac Jacobian) (grown, error) {
	var res grown
	center := member{key: key{global: root.Global}}

	if b.order == 0 {
		res.central = []member{center}
		return res, nil
	}

	base := max(b.order, 1)
	centralBound := base + b.ext
	keys, err := g.layers(root.Global, centralBound+b.ext)
	if err != nil {
		return res, err
	}
	located := make([][]member, len(keys))
	for d, layer := range keys {
		located[d] = make([]member, len(layer))
		for i, k := range layer {
			if located[d][i], err = g.locate(root, k); err != nil {
				return res, err
			}
		}
	}

	res.dims = activeDims(center, located[1], jac)
	if len(res.dims) == 0 {
		return res, ErrDimension
	}
	nDvt := NumBasis(b.order, len(res.dims))
	minSize, maxSize := MinSize(nDvt), MaxSize(nDvt)

	// Central stencil: every layer up to the order, then extension layers
	pool := []member{center}
	used := 0
	for d := 1; d <= centralBound; d++ {
		if d > base && len(pool) >= minSize {
			break
		}
		pool = append(pool, located[d]...)
		used = d
	}
	if len(pool) < minSize {
		return res, fmt.Errorf("%w: cell %d has %d of %d cells after %d layers",
			ErrStencilTooSmall, root.Global, len(pool), minSize, used)
	}

	// Sectors come from the unsorted central pool, extended layer by layer
	for bits := 0; bits < 1<<len(res.dims); bits++ {
		sector := []member{center}
		for _, mb := range pool[1:] {
			if inSector(mb.offset, res.dims, bits, jac) {
				sector = append(sector, mb)
			}
		}
		for d := used + 1; d <= used+b.ext && len(sector) < minSize; d++ {
			for _, mb := range located[d] {
				if inSector(mb.offset, res.dims, bits, jac) {
					sector = append(sector, mb)
				}
			}
		}
		if len(sector) < minSize {
			continue
		}
		res.sectors = append(res.sectors, sortStencil(sector, maxSize))
		res.sectorID = append(res.sectorID, bits)
	}

	res.central = sortStencil(pool, maxSize)
	return res, nil
}
