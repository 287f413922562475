package stencil

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Jacobian maps a cell to its reference frame: xi = (x - Ref) / Scale,
// componentwise. Scale holds the half extents of the cell's bounding box, so
// the cell occupies roughly [-1,1]^3 in reference coordinates.
type Jacobian struct {
	Ref   r3.Vec
	Scale r3.Vec
	Det   float64
}

func newJacobian(center r3.Vec, faces [][]r3.Vec) Jacobian {
	lo := r3.Vec{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	hi := r3.Vec{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for _, loop := range faces {
		for _, p := range loop {
			lo = r3.Vec{X: math.Min(lo.X, p.X), Y: math.Min(lo.Y, p.Y), Z: math.Min(lo.Z, p.Z)}
			hi = r3.Vec{X: math.Max(hi.X, p.X), Y: math.Max(hi.Y, p.Y), Z: math.Max(hi.Z, p.Z)}
		}
	}
	s := r3.Scale(0.5, r3.Sub(hi, lo))
	return Jacobian{Ref: center, Scale: s, Det: s.X * s.Y * s.Z}
}

// toRef maps a position relative to Ref into reference coordinates
func (j Jacobian) toRef(rel r3.Vec) [3]float64 {
	return [3]float64{rel.X / j.Scale.X, rel.Y / j.Scale.Y, rel.Z / j.Scale.Z}
}

func (j Jacobian) extent(a int) float64 {
	return [3]float64{j.Scale.X, j.Scale.Y, j.Scale.Z}[a]
}
