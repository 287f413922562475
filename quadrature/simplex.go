package quadrature

import "sync"

// Rule is a quadrature on a reference simplex. Tetrahedron points lie in
// {u,v,w >= 0, u+v+w <= 1} and the weights sum to 1/6; triangle points use the
// first two coordinates of {u,v >= 0, u+v <= 1} and the weights sum to 1/2.
type Rule struct {
	Points  [][3]float64
	Weights []float64
}

func (r Rule) Len() int { return len(r.Weights) }

var (
	mu       sync.Mutex
	tetRules = map[int]Rule{}
	triRules = map[int]Rule{}
)

// pointsFor returns the Gauss points per direction needed for exactness
func pointsFor(degree int) int {
	if degree < 0 {
		degree = 0
	}
	return degree/2 + 1
}

// Tet returns a collapsed coordinate rule exact for polynomials of total
// degree at most degree on the reference tetrahedron.
func Tet(degree int) Rule {
	mu.Lock()
	defer mu.Unlock()
	if r, ok := tetRules[degree]; ok {
		return r
	}

	n := pointsFor(degree)
	xa, wa := JacobiGQ(2, 0, n-1)
	xb, wb := JacobiGQ(1, 0, n-1)
	xc, wc := JacobiGQ(0, 0, n-1)

	var r Rule
	for i := range xa {
		a := 0.5 * (1 + xa[i])
		for j := range xb {
			b := 0.5 * (1 + xb[j])
			for k := range xc {
				c := 0.5 * (1 + xc[k])
				r.Points = append(r.Points, [3]float64{
					a,
					b * (1 - a),
					c * (1 - a) * (1 - b),
				})
				r.Weights = append(r.Weights, wa[i]/8*wb[j]/4*wc[k]/2)
			}
		}
	}
	tetRules[degree] = r
	return r
}

// Tri returns a collapsed coordinate rule exact for polynomials of total
// degree at most degree on the reference triangle.
func Tri(degree int) Rule {
	mu.Lock()
	defer mu.Unlock()
	if r, ok := triRules[degree]; ok {
		return r
	}

	n := pointsFor(degree)
	xa, wa := JacobiGQ(1, 0, n-1)
	xb, wb := JacobiGQ(0, 0, n-1)

	var r Rule
	for i := range xa {
		a := 0.5 * (1 + xa[i])
		for j := range xb {
			b := 0.5 * (1 + xb[j])
			r.Points = append(r.Points, [3]float64{a, b * (1 - a), 0})
			r.Weights = append(r.Weights, wa[i]/4*wb[j]/2)
		}
	}
	triRules[degree] = r
	return r
}
