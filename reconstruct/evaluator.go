package reconstruct

import "fmt"

// FaceEvaluator computes the polynomial part of a batch of face values:
//
//	out[i] = sum over k < stride of coeffs[centers[i]*stride+k] * moments[i*stride+k]
//
// Implementations may run on a device; the result must not depend on how
// the batch is split.
type FaceEvaluator interface {
	Evaluate(stride int, centers []int32, moments, coeffs, out []float64) error
}

// CPUEvaluator evaluates on the calling goroutine
type CPUEvaluator struct{}

func (CPUEvaluator) Evaluate(stride int, centers []int32, moments, coeffs, out []float64) error {
	if len(out) != len(centers) || len(moments) != len(centers)*stride {
		return fmt.Errorf("evaluate: %d sides, %d moments, %d outputs at stride %d",
			len(centers), len(moments), len(out), stride)
	}
	for i, c := range centers {
		a := coeffs[int(c)*stride : int(c+1)*stride]
		m := moments[i*stride : (i+1)*stride]
		sum := 0.0
		for k := range a {
			sum += a[k] * m[k]
		}
		out[i] = sum
	}
	return nil
}
