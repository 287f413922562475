package stencil

import (
	"math"

	"github.com/notargets/wenofit/quadrature"
	"gonum.org/v1/gonum/spatial/r3"
)

// polyCell is a cell as a center and its face point loops, all positions
// relative to the reference point of the frame the moments are taken in.
type polyCell struct {
	center r3.Vec
	faces  [][]r3.Vec
}

// tet calls fn for every simplex of the center-fan decomposition: the cell
// center joined to the fan triangles (p0, p_i, p_i+1) of each face.
func (pc polyCell) tets(fn func(v [4]r3.Vec)) {
	for _, loop := range pc.faces {
		for i := 1; i+1 < len(loop); i++ {
			fn([4]r3.Vec{pc.center, loop[0], loop[i], loop[i+1]})
		}
	}
}

// volumeAverages integrates each monomial over the cell in the reference
// frame of jac and divides by the cell volume.
func volumeAverages(pc polyCell, jac Jacobian, exps [][3]int, order int) []float64 {
	avg := make([]float64, len(exps))
	if len(exps) == 0 {
		return avg
	}
	rule := quadrature.Tet(order)
	phi := make([]float64, len(exps))
	var vol float64
	pc.tets(func(v [4]r3.Vec) {
		e1, e2, e3 := r3.Sub(v[1], v[0]), r3.Sub(v[2], v[0]), r3.Sub(v[3], v[0])
		det := math.Abs(r3.Dot(e1, r3.Cross(e2, e3)))
		vol += det / 6
		for q, p := range rule.Points {
			x := r3.Add(v[0], r3.Add(r3.Scale(p[0], e1), r3.Add(r3.Scale(p[1], e2), r3.Scale(p[2], e3))))
			evalBasis(exps, jac.toRef(x), phi)
			w := rule.Weights[q] * det
			for k := range avg {
				avg[k] += w * phi[k]
			}
		}
	})
	for k := range avg {
		avg[k] /= vol
	}
	return avg
}

// faceAverages integrates each monomial over a planar face loop
func faceAverages(loop []r3.Vec, jac Jacobian, exps [][3]int, order int) []float64 {
	avg := make([]float64, len(exps))
	if len(exps) == 0 {
		return avg
	}
	rule := quadrature.Tri(order)
	phi := make([]float64, len(exps))
	var area float64
	for i := 1; i+1 < len(loop); i++ {
		e1, e2 := r3.Sub(loop[i], loop[0]), r3.Sub(loop[i+1], loop[0])
		twice := r3.Norm(r3.Cross(e1, e2))
		area += twice / 2
		for q, p := range rule.Points {
			x := r3.Add(loop[0], r3.Add(r3.Scale(p[0], e1), r3.Scale(p[1], e2)))
			evalBasis(exps, jac.toRef(x), phi)
			w := rule.Weights[q] * twice
			for k := range avg {
				avg[k] += w * phi[k]
			}
		}
	}
	for k := range avg {
		avg[k] /= area
	}
	return avg
}

// oscillation assembles B_kl = sum over 1 <= |alpha| <= order of the
// reference volume integral of D^alpha phi_k D^alpha phi_l, stored row-major.
func oscillation(pc polyCell, jac Jacobian, exps [][3]int, dims []int, order int) []float64 {
	n := len(exps)
	b := make([]float64, n*n)
	if n == 0 {
		return b
	}
	alphas := Exponents(order, dims)
	rule := quadrature.Tet(2 * order)

	type term struct {
		c float64
		e [3]int
	}
	deriv := make([][]term, len(alphas))
	for i, alpha := range alphas {
		deriv[i] = make([]term, n)
		for k, e := range exps {
			c, r := derivative(e, alpha)
			deriv[i][k] = term{c, r}
		}
	}

	dphi := make([]float64, n)
	pc.tets(func(v [4]r3.Vec) {
		e1, e2, e3 := r3.Sub(v[1], v[0]), r3.Sub(v[2], v[0]), r3.Sub(v[3], v[0])
		det := math.Abs(r3.Dot(e1, r3.Cross(e2, e3)))
		for q, p := range rule.Points {
			x := r3.Add(v[0], r3.Add(r3.Scale(p[0], e1), r3.Add(r3.Scale(p[1], e2), r3.Scale(p[2], e3))))
			xi := jac.toRef(x)
			w := rule.Weights[q] * det / jac.Det
			for i := range alphas {
				for k, t := range deriv[i] {
					dphi[k] = 0
					if t.c != 0 {
						dphi[k] = t.c * math.Pow(xi[0], float64(t.e[0])) *
							math.Pow(xi[1], float64(t.e[1])) * math.Pow(xi[2], float64(t.e[2]))
					}
				}
				for k := 0; k < n; k++ {
					if dphi[k] == 0 {
						continue
					}
					for l := 0; l < n; l++ {
						b[k*n+l] += w * dphi[k] * dphi[l]
					}
				}
			}
		}
	})
	return b
}
