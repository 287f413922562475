package stencil

// Exponents lists the monomials x^a y^b z^c with 1 <= a+b+c <= order over
// the active axes dims, by total degree and then in descending powers of the
// leading axis.
func Exponents(order int, dims []int) [][3]int {
	if len(dims) == 0 {
		return nil
	}
	var exps [][3]int
	for deg := 1; deg <= order; deg++ {
		exps = appendDegree(exps, dims, deg, [3]int{})
	}
	return exps
}

func appendDegree(exps [][3]int, dims []int, deg int, cur [3]int) [][3]int {
	if len(dims) == 1 {
		cur[dims[0]] = deg
		return append(exps, cur)
	}
	for e := deg; e >= 0; e-- {
		next := cur
		next[dims[0]] = e
		exps = appendDegree(exps, dims[1:], deg-e, next)
	}
	return exps
}

// NumBasis is the number of non-constant monomials of degree at most order
// in nDims variables, C(order+nDims, nDims) - 1.
func NumBasis(order, nDims int) int {
	n := 1
	for k := 1; k <= nDims; k++ {
		n = n * (order + k) / k
	}
	return n - 1
}

// MinSize is the smallest admissible stencil, center included: one and a
// half times the basis count rounded up, plus the center.
func MinSize(nDvt int) int { return (3*nDvt+1)/2 + 1 }

// MaxSize is the truncation length of a sorted stencil
func MaxSize(nDvt int) int { return 2 * MinSize(nDvt) }

// evalBasis writes the monomials at xi into out
func evalBasis(exps [][3]int, xi [3]float64, out []float64) {
	var pow [3][]float64
	maxDeg := 0
	for _, e := range exps {
		maxDeg = max(maxDeg, e[0]+e[1]+e[2])
	}
	for a := 0; a < 3; a++ {
		pow[a] = make([]float64, maxDeg+1)
		pow[a][0] = 1
		for d := 1; d <= maxDeg; d++ {
			pow[a][d] = pow[a][d-1] * xi[a]
		}
	}
	for k, e := range exps {
		out[k] = pow[0][e[0]] * pow[1][e[1]] * pow[2][e[2]]
	}
}

// derivative returns the coefficient and exponent of D^alpha applied to the
// monomial with exponent e. A zero coefficient means the derivative vanishes.
func derivative(e, alpha [3]int) (float64, [3]int) {
	c := 1.0
	var r [3]int
	for a := 0; a < 3; a++ {
		if alpha[a] > e[a] {
			return 0, r
		}
		for k := 0; k < alpha[a]; k++ {
			c *= float64(e[a] - k)
		}
		r[a] = e[a] - alpha[a]
	}
	return c, r
}
