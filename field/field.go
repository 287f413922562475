package field

import (
	"fmt"

	"github.com/notargets/wenofit/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// VolField holds one value per cell plus one per boundary face, grouped by
// patch as in the mesh.
type VolField[T Value] struct {
	Name     string
	Internal []T
	Patches  [][]T
}

// NewVolField returns a field set to init everywhere
func NewVolField[T Value](m *mesh.Mesh, name string, init T) *VolField[T] {
	vf := &VolField[T]{
		Name:     name,
		Internal: make([]T, m.NCells()),
		Patches:  make([][]T, len(m.Patches)),
	}
	for i := range vf.Internal {
		vf.Internal[i] = init
	}
	for p, patch := range m.Patches {
		vf.Patches[p] = make([]T, patch.Size)
		for i := range vf.Patches[p] {
			vf.Patches[p][i] = init
		}
	}
	return vf
}

// SetFunc evaluates fn at the cell centers and boundary face centers
func (vf *VolField[T]) SetFunc(m *mesh.Mesh, fn func(x r3.Vec) T) {
	for c := range vf.Internal {
		vf.Internal[c] = fn(m.CellCenters[c])
	}
	for p, patch := range m.Patches {
		for i := range vf.Patches[p] {
			vf.Patches[p][i] = fn(m.FaceCenters[patch.Start+i])
		}
	}
}

// Check verifies that the field is sized for m
func (vf *VolField[T]) Check(m *mesh.Mesh) error {
	if len(vf.Internal) != m.NCells() {
		return fmt.Errorf("field %s: %d cell values for %d cells", vf.Name, len(vf.Internal), m.NCells())
	}
	if len(vf.Patches) != len(m.Patches) {
		return fmt.Errorf("field %s: %d patches, mesh has %d", vf.Name, len(vf.Patches), len(m.Patches))
	}
	for p, patch := range m.Patches {
		if len(vf.Patches[p]) != patch.Size {
			return fmt.Errorf("field %s patch %s: %d values for %d faces",
				vf.Name, patch.Name, len(vf.Patches[p]), patch.Size)
		}
	}
	return nil
}

// SurfaceField holds one value per mesh face
type SurfaceField[T Value] struct {
	Name   string
	Values []T
}

// NewSurfaceField returns a face field of zero values
func NewSurfaceField[T Value](m *mesh.Mesh, name string) *SurfaceField[T] {
	return &SurfaceField[T]{Name: name, Values: make([]T, m.NFaces())}
}

// Internal returns the values of the internal faces
func (sf *SurfaceField[T]) Internal(m *mesh.Mesh) []T { return sf.Values[:m.NInternalFaces()] }

// PatchValues returns the values of patch p, sharing storage with the field
func (sf *SurfaceField[T]) PatchValues(m *mesh.Mesh, p int) []T {
	patch := m.Patches[p]
	return sf.Values[patch.Start : patch.Start+patch.Size]
}

// FluxFunc builds the face flux u·S of a velocity function
func FluxFunc(m *mesh.Mesh, name string, u func(x r3.Vec) r3.Vec) *SurfaceField[float64] {
	sf := NewSurfaceField[float64](m, name)
	for f := range sf.Values {
		sf.Values[f] = r3.Dot(u(m.FaceCenters[f]), m.FaceAreas[f])
	}
	return sf
}
