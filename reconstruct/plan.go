package reconstruct

import (
	"github.com/notargets/wenofit/stencil"
)

// plan flattens the face and limiter moments of a geometry into the
// layout a FaceEvaluator consumes. Each evaluation point is a side: a
// center index and a row of stride moments, zero padded.
type plan struct {
	g      *stencil.Geometry
	stride int // Largest NDvt over all centers

	centers []int32
	moments []float64

	owner    []int // Per face, the owner side
	nbr      []int // Per face, the neighbour side or -1
	physical []bool

	limStart []int // Sides limStart[c]:limStart[c+1] bound center c
}

func newPlan(g *stencil.Geometry) *plan {
	p := &plan{g: g}
	for i := range g.Centers {
		p.stride = max(p.stride, g.Centers[i].NDvt)
	}

	add := func(center int, m []float64) int {
		i := len(p.centers)
		p.centers = append(p.centers, int32(center))
		row := make([]float64, p.stride)
		copy(row, m)
		p.moments = append(p.moments, row...)
		return i
	}

	nf := len(g.FaceOwner)
	p.owner = make([]int, nf)
	p.nbr = make([]int, nf)
	p.physical = make([]bool, nf)
	for f := 0; f < nf; f++ {
		own := &g.FaceOwner[f]
		p.owner[f] = add(own.Center, own.Moments)
		p.nbr[f] = -1
		if nbr := &g.FaceNeighbour[f]; nbr.Center >= 0 {
			p.nbr[f] = add(nbr.Center, nbr.Moments)
		} else {
			p.physical[f] = true
		}
	}

	p.limStart = make([]int, len(g.Centers)+1)
	for c := range g.Centers {
		p.limStart[c] = len(p.centers)
		for _, m := range g.Centers[c].LimitMoments {
			add(c, m)
		}
	}
	p.limStart[len(g.Centers)] = len(p.centers)
	return p
}
