package scheme

import (
	"context"
	"strings"
	"testing"

	"github.com/notargets/wenofit/field"
	"github.com/notargets/wenofit/geomcache"
	"github.com/notargets/wenofit/halo"
	"github.com/notargets/wenofit/mesh"
	"github.com/notargets/wenofit/stencil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Spec
		wantErr string
	}{
		{in: "upwind phi", want: Spec{Name: Upwind, Flux: "phi"}},
		{in: "upwind", want: Spec{Name: Upwind}},
		{in: "WENOUpwindFit phi 2 1", want: Spec{Name: WENOUpwindFit, Flux: "phi", Order: 2, LimFac: 1}},
		{in: "WENOUpwindFit phi 3.0 0.5;", want: Spec{Name: WENOUpwindFit, Flux: "phi", Order: 3, LimFac: 0.5}},
		{in: "WENOUpwindFit 2 0", want: Spec{Name: WENOUpwindFit, Order: 2}},
		{in: "  WENOUpwindFit\n  phi // flux\n 1\n 0\n", want: Spec{Name: WENOUpwindFit, Flux: "phi", Order: 1}},
		{in: "", wantErr: "empty"},
		{in: "linear phi", wantErr: "unknown scheme"},
		{in: "upwind phi psi", wantErr: "want [flux]"},
		{in: "WENOUpwindFit phi 2", wantErr: "order"},
		{in: "WENOUpwindFit phi 2.5 1", wantErr: "not a positive integer"},
		{in: "WENOUpwindFit phi 0 1", wantErr: "not a positive integer"},
		{in: "WENOUpwindFit phi 2 x", wantErr: "limiting factor"},
		{in: "WENOUpwindFit phi 2 2", wantErr: "outside [0,1]"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseString(tt.in)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseString("central phi")
	assert.ErrorIs(t, err, ErrUnknownScheme)
}

func TestSpecString(t *testing.T) {
	for _, in := range []string{"upwind phi", "upwind", "WENOUpwindFit phi 2 0.5"} {
		s, err := ParseString(in)
		require.NoError(t, err)
		assert.Equal(t, in, s.String())
	}
	assert.Equal(t, []string{Upwind, WENOUpwindFit}, Names())
}

// caseEnv builds a 1 rank case with geometry of the given order
func caseEnv(t *testing.T, order int) Env {
	t.Helper()
	m, err := mesh.NewBoxMesh(mesh.BoxSpec{
		N:        [3]int{6, 6, 1},
		Lengths:  r3.Vec{X: 6, Y: 6, Z: 1},
		Periodic: [3]bool{true, true, false},
	})
	require.NoError(t, err)
	tr := halo.Single()
	geom := new(geomcache.Shared)
	_, err = geom.Rebuild(context.Background(), stencil.NewBuilder(stencil.Config{Order: order}, tr), m)
	require.NoError(t, err)
	return Env{
		Mesh:      m,
		Transport: tr,
		Geometry:  geom,
		Fluxes: map[string]*field.SurfaceField[float64]{
			"phi": field.FluxFunc(m, "phi", func(r3.Vec) r3.Vec { return r3.Vec{X: 1, Y: -1} }),
		},
	}
}

func TestNew(t *testing.T) {
	env := caseEnv(t, 2)

	_, err := New[float64](Spec{Name: "linear"}, env)
	assert.ErrorIs(t, err, ErrUnknownScheme)

	_, err = New[float64](Spec{Name: Upwind, Flux: "psi"}, env)
	assert.ErrorContains(t, err, `flux "psi" not found`)

	_, err = New[float64](Spec{Name: WENOUpwindFit, Flux: "phi", Order: 2}, Env{Mesh: env.Mesh})
	assert.ErrorContains(t, err, "needs stencil geometry")

	_, err = New[float64](Spec{Name: WENOUpwindFit, Flux: "phi", Order: 2, LimFac: 3}, env)
	assert.Error(t, err)
}

func TestUpwind(t *testing.T) {
	env := caseEnv(t, 1)
	s, err := New[field.Vector](Spec{Name: Upwind, Flux: "phi"}, env)
	require.NoError(t, err)
	assert.False(t, s.Corrected())
	assert.Equal(t, Upwind, s.Spec().Name)

	w := s.Weights()
	for f, phi := range env.Fluxes["phi"].Values {
		assert.Equal(t, phi >= 0, w.Values[f] == 1, "face %d", f)
	}

	vf := field.NewVolField(env.Mesh, "U", field.Vector{1, 2, 3})
	corr, err := s.Correction(context.Background(), vf)
	require.NoError(t, err)
	for _, c := range corr.Values {
		assert.Equal(t, field.Vector{}, c)
	}
}

func TestWENOUpwindFit(t *testing.T) {
	env := caseEnv(t, 2)
	spec, err := Parse(strings.NewReader("WENOUpwindFit phi 2 1"))
	require.NoError(t, err)
	s, err := New[float64](spec, env)
	require.NoError(t, err)
	assert.True(t, s.Corrected())

	vf := field.NewVolField(env.Mesh, "T", 0.0)
	vf.SetFunc(env.Mesh, func(x r3.Vec) float64 { return x.X * x.Y })
	corr, err := s.Correction(context.Background(), vf)
	require.NoError(t, err)
	nonzero := 0
	for _, c := range corr.Values {
		if c != 0 {
			nonzero++
		}
	}
	assert.Positive(t, nonzero)

	// Geometry of another order is rejected
	wrong, err := New[float64](Spec{Name: WENOUpwindFit, Flux: "phi", Order: 3, LimFac: 1}, env)
	require.NoError(t, err)
	_, err = wrong.Correction(context.Background(), vf)
	assert.ErrorContains(t, err, "built for order 2")
}

func TestZeroFluxDefault(t *testing.T) {
	env := caseEnv(t, 2)
	s, err := New[float64](Spec{Name: WENOUpwindFit, Order: 2, LimFac: 1}, env)
	require.NoError(t, err)

	for _, w := range s.Weights().Values {
		assert.Equal(t, 1.0, w)
	}
	vf := field.NewVolField(env.Mesh, "T", 0.0)
	vf.SetFunc(env.Mesh, func(x r3.Vec) float64 { return x.X })
	corr, err := s.Correction(context.Background(), vf)
	require.NoError(t, err)
	for _, c := range corr.Values {
		assert.Zero(t, c)
	}
	assert.Equal(t, "correction(T)", corr.Name)
}
