package stencil

import (
	"gonum.org/v1/gonum/mat"
)

// singularTol bounds the ratio of the smallest to the largest singular value
const singularTol = 1e-10

// designMatrix assembles A[r][k] = avg_r(phi_k) - avg_center(phi_k) for the
// members of a stencil after the center.
func designMatrix(memberAvg [][]float64, centerAvg []float64) *mat.Dense {
	rows, cols := len(memberAvg), len(centerAvg)
	a := mat.NewDense(rows, cols, nil)
	for r, avg := range memberAvg {
		for k := 0; k < cols; k++ {
			a.Set(r, k, avg[k]-centerAvg[k])
		}
	}
	return a
}

// pseudoInverse returns V Σ⁺ Uᵀ of a tall matrix, row-major, and false when
// the matrix is numerically rank deficient.
func pseudoInverse(a *mat.Dense) ([]float64, bool) {
	rows, cols := a.Dims()
	if rows < cols {
		return nil, false
	}
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, false
	}
	s := svd.Values(nil)
	if len(s) == 0 || s[0] == 0 || s[len(s)-1] <= singularTol*s[0] {
		return nil, false
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// Scale the columns of V by 1/σ, then multiply by Uᵀ
	vs := mat.NewDense(cols, cols, nil)
	vs.Apply(func(i, j int, x float64) float64 { return x / s[j] }, &v)
	var pinv mat.Dense
	pinv.Mul(vs, u.T())
	return pinv.RawMatrix().Data, true
}
