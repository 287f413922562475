// Package field holds cell and face values over a mesh partition.
package field

import "fmt"

// Vector is a three component vector
type Vector [3]float64

// SymmTensor stores xx, xy, xz, yy, yz, zz
type SymmTensor [6]float64

// Tensor stores a full 3x3 tensor in row-major order
type Tensor [9]float64

// Value is any quantity a reconstruction operates on
type Value interface {
	float64 | Vector | SymmTensor | Tensor
}

// NComponents returns the number of scalar components of T
func NComponents[T Value]() int {
	var v T
	switch any(v).(type) {
	case float64:
		return 1
	case Vector:
		return 3
	case SymmTensor:
		return 6
	case Tensor:
		return 9
	}
	panic(fmt.Sprintf("field: unsupported value type %T", v))
}

// Component returns component k of v
func Component[T Value](v T, k int) float64 {
	switch x := any(v).(type) {
	case float64:
		return x
	case Vector:
		return x[k]
	case SymmTensor:
		return x[k]
	case Tensor:
		return x[k]
	}
	panic(fmt.Sprintf("field: unsupported value type %T", v))
}

// SetComponent sets component k of *v
func SetComponent[T Value](v *T, k int, c float64) {
	switch x := any(v).(type) {
	case *float64:
		*x = c
	case *Vector:
		x[k] = c
	case *SymmTensor:
		x[k] = c
	case *Tensor:
		x[k] = c
	default:
		panic(fmt.Sprintf("field: unsupported value type %T", v))
	}
}

// Split returns one slice per component. A scalar slice is returned as is,
// without copying.
func Split[T Value](vals []T) [][]float64 {
	if s, ok := any(vals).([]float64); ok {
		return [][]float64{s}
	}
	nc := NComponents[T]()
	comps := make([][]float64, nc)
	for k := range comps {
		comps[k] = make([]float64, len(vals))
		for i, v := range vals {
			comps[k][i] = Component(v, k)
		}
	}
	return comps
}

// Join is the inverse of Split, writing into dst
func Join[T Value](dst []T, comps [][]float64) {
	if s, ok := any(dst).([]float64); ok {
		if len(s) > 0 && &s[0] != &comps[0][0] {
			copy(s, comps[0])
		}
		return
	}
	for k, c := range comps {
		for i := range dst {
			SetComponent(&dst[i], k, c[i])
		}
	}
}
