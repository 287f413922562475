package reconstruct

import "math"

// Ratios whose denominator falls below eps count as already at the bound
const eps = 1e-10

// limiter returns theta of every center for component k. The unlimited
// values on the center's internal and coupled faces, seeded with the mean,
// are scaled so that they stay inside the global extrema.
func (s *state) limiter(k int) []float64 {
	theta := make([]float64, len(s.g.Centers))
	for c := range theta {
		ub := s.mean(k, c)
		maxP, minP := ub, ub
		for side := s.p.limStart[c]; side < s.p.limStart[c+1]; side++ {
			u := ub + s.face[k][side]
			maxP = math.Max(maxP, u)
			minP = math.Min(minP, u)
		}
		theta[c] = limitFactor(ub, minP, maxP, s.lo[k], s.hi[k])
	}
	return theta
}

// limitFactor is min(argMax, argMin, 1) clamped into [0,1]
func limitFactor(ub, minP, maxP, minPhi, maxPhi float64) float64 {
	argMax, argMin := 1.0, 1.0
	if math.Abs(maxP-ub) >= eps {
		argMax = math.Abs((maxPhi - ub) / (maxP - ub))
	}
	if math.Abs(minP-ub) >= eps {
		argMin = math.Abs((minPhi - ub) / (minP - ub))
	}
	return math.Max(0, math.Min(1, math.Min(argMax, argMin)))
}

// limitedCells counts local cells with theta below one in any component
func (s *state) limitedCells() int {
	n := 0
	for c := 0; c < s.g.NCells; c++ {
		for k := 0; k < s.nc; k++ {
			if s.theta[k][c] < 1 {
				n++
				break
			}
		}
	}
	return n
}
