package reconstruct

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/notargets/wenofit/field"
	"github.com/notargets/wenofit/geomcache"
	"github.com/notargets/wenofit/halo"
	"github.com/notargets/wenofit/mesh"
	"github.com/notargets/wenofit/partitions"
	"github.com/notargets/wenofit/stencil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func box(t *testing.T, n [3]int, periodic [3]bool) *mesh.Mesh {
	t.Helper()
	m, err := mesh.NewBoxMesh(mesh.BoxSpec{
		N:        n,
		Lengths:  r3.Vec{X: float64(n[0]), Y: float64(n[1]), Z: float64(n[2])},
		Periodic: periodic,
	})
	require.NoError(t, err)
	return m
}

// rank is one partition with its engine inputs
type rank struct {
	m    *mesh.Mesh
	ep   *halo.Endpoint
	geom *geomcache.Shared
}

// setup decomposes m into n ranks and builds the geometry of each
func setup(t *testing.T, m *mesh.Mesh, n, order int) []*rank {
	t.Helper()
	subs := []*mesh.Mesh{m}
	if n > 1 {
		pb := &partitions.PartitionBuilder{Mesh: m, NumPartitions: n, Strategy: partitions.GraphPartition}
		layout, err := pb.BuildPartitions()
		require.NoError(t, err)
		subs, err = partitions.Decompose(m, layout)
		require.NoError(t, err)
	}
	eps := halo.NewNetwork(n).Endpoints()
	ranks := make([]*rank, n)
	for r := range ranks {
		ranks[r] = &rank{m: subs[r], ep: eps[r], geom: new(geomcache.Shared)}
	}
	run(t, ranks, func(ctx context.Context, rk *rank) error {
		b := stencil.NewBuilder(stencil.Config{Order: order}, rk.ep)
		_, err := rk.geom.Rebuild(ctx, b, rk.m)
		return err
	})
	return ranks
}

// run calls fn for every rank concurrently
func run(t *testing.T, ranks []*rank, fn func(ctx context.Context, rk *rank) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	grp, ctx := errgroup.WithContext(ctx)
	for _, rk := range ranks {
		grp.Go(func() error { return fn(ctx, rk) })
	}
	require.NoError(t, grp.Wait())
}

// corrections runs Correction on every rank for fields set by fn
func corrections[T field.Value](t *testing.T, ranks []*rank, limFac float64, u r3.Vec,
	fn func(x r3.Vec) T) []*field.SurfaceField[T] {
	t.Helper()
	out := make([]*field.SurfaceField[T], len(ranks))
	run(t, ranks, func(ctx context.Context, rk *rank) error {
		e, err := New[T](rk.geom, rk.ep, rk.m, Config{LimFac: limFac})
		if err != nil {
			return err
		}
		vf := field.NewVolField[T](rk.m, "u", *new(T))
		vf.SetFunc(rk.m, fn)
		flux := field.FluxFunc(rk.m, "phi", func(r3.Vec) r3.Vec { return u })
		out[rk.m.Rank], err = e.Correction(ctx, vf, flux)
		return err
	})
	return out
}

func TestWeights(t *testing.T) {
	m := box(t, [3]int{2, 1, 1}, [3]bool{})
	e, err := New[float64](new(geomcache.Shared), halo.Single(), m, Config{})
	require.NoError(t, err)

	flux := field.NewSurfaceField[float64](m, "phi")
	for f := range flux.Values {
		flux.Values[f] = float64(f%3 - 1)
	}
	w := e.Weights(flux)
	for f, phi := range flux.Values {
		want := 0.0
		if phi >= 0 {
			want = 1
		}
		assert.Equal(t, want, w.Values[f], "face %d flux %g", f, phi)
	}
	assert.Equal(t, "weights(phi)", w.Name)
}

func TestNew(t *testing.T) {
	m := box(t, [3]int{2, 1, 1}, [3]bool{})
	var geom geomcache.Shared

	for _, lf := range []float64{-0.1, 1.5, math.NaN()} {
		_, err := New[float64](&geom, halo.Single(), m, Config{LimFac: lf})
		assert.ErrorIs(t, err, ErrLimFac, "limFac %g", lf)
	}
	_, err := New[float64](&geom, halo.NewNetwork(2).Endpoint(0), m, Config{})
	assert.Error(t, err)
	assert.Panics(t, func() { _, _ = New[float64](nil, halo.Single(), m, Config{}) })

	e, err := New[field.Vector](&geom, halo.Single(), m, Config{LimFac: 1})
	require.NoError(t, err)
	assert.Equal(t, 1.0, e.LimFac())

	// No geometry bound yet
	vf := field.NewVolField(m, "u", field.Vector{})
	_, err = e.Correction(context.Background(), vf, field.NewSurfaceField[float64](m, "phi"))
	assert.ErrorIs(t, err, geomcache.ErrUnbound)
}

// boxAverage integrates x² + xy − z² + 2x over an axis aligned box of
// widths w centered at c
func boxAverage(c, w r3.Vec) float64 {
	return c.X*c.X + w.X*w.X/12 + c.X*c.Y - (c.Z*c.Z + w.Z*w.Z/12) + 2*c.X
}

func TestPolynomialExactness(t *testing.T) {
	tests := []struct {
		name  string
		order int
		u     func(c, w r3.Vec) float64
	}{
		{"linear", 1, func(c, _ r3.Vec) float64 { return 3*c.X - c.Y + 0.5*c.Z + 1 }},
		{"quadratic", 2, boxAverage},
		{"quadratic at order 3", 3, boxAverage},
	}
	vel := r3.Vec{X: 1, Y: 0.7, Z: -0.3}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := 5
			if tt.order == 3 {
				n = 7
			}
			m := box(t, [3]int{n, n, n}, [3]bool{})
			ranks := setup(t, m, 1, tt.order)
			cell := func(x r3.Vec) float64 { return tt.u(x, r3.Vec{X: 1, Y: 1, Z: 1}) }
			corr := corrections(t, ranks, 0, vel, cell)[0]

			for f := 0; f < m.NFaces(); f++ {
				if !m.IsInternal(f) {
					assert.Zero(t, corr.Values[f], "physical face %d", f)
					continue
				}
				up := m.Owner[f]
				if r3.Dot(vel, m.FaceAreas[f]) < 0 {
					up = m.Neighbour[f]
				}
				// Width zero along the face normal
				a := m.FaceAreas[f]
				w := r3.Vec{X: 1, Y: 1, Z: 1}
				switch {
				case math.Abs(a.X) > 0.5:
					w.X = 0
				case math.Abs(a.Y) > 0.5:
					w.Y = 0
				default:
					w.Z = 0
				}
				got := cell(m.CellCenters[up]) + corr.Values[f]
				assert.InDelta(t, tt.u(m.FaceCenters[f], w), got, 1e-9, "face %d", f)
			}
		})
	}
}

func TestConstantPreservation(t *testing.T) {
	m := box(t, [3]int{6, 5, 1}, [3]bool{true, false, false})
	ranks := setup(t, m, 1, 2)
	vel := r3.Vec{X: 1, Y: -2}

	for _, lf := range []float64{0, 0.5, 1} {
		s := corrections(t, ranks, lf, vel, func(r3.Vec) float64 { return 3 })[0]
		for f, c := range s.Values {
			assert.Zero(t, c, "limFac %g face %d", lf, f)
		}
		v := corrections(t, ranks, lf, vel, func(r3.Vec) field.Vector { return field.Vector{1, -2, 0.25} })[0]
		for f, c := range v.Values {
			assert.Equal(t, field.Vector{}, c, "limFac %g face %d", lf, f)
		}
	}
}

func TestZeroFlux(t *testing.T) {
	m := box(t, [3]int{6, 5, 1}, [3]bool{true, true, false})
	ranks := setup(t, m, 1, 2)
	corr := corrections(t, ranks, 1, r3.Vec{}, func(x r3.Vec) float64 { return math.Sin(x.X) * x.Y })[0]
	for f, c := range corr.Values {
		assert.Zero(t, c, "face %d", f)
	}
}

func TestLimitFactor(t *testing.T) {
	tests := []struct {
		name                           string
		ub, minP, maxP, minPhi, maxPhi float64
		want                           float64
	}{
		{"inside bounds", 0.5, 0.4, 0.6, 0, 1, 1},
		{"flat", 0.5, 0.5, 0.5, 0, 1, 1},
		{"overshoot", 0.5, 0.5, 1.5, 0, 1, 0.5},
		{"undershoot", 0.5, -0.5, 0.5, 0, 1, 0.5},
		{"at the maximum", 1, 0.9, 1.2, 0, 1, 0},
		{"denominator below eps", 1, 1 - 1e-12, 1 + 1e-12, 0, 1, 1},
		{"both sides", 0.5, -1.5, 0.75, 0, 1, 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := limitFactor(tt.ub, tt.minP, tt.maxP, tt.minPhi, tt.maxPhi)
			assert.InDelta(t, tt.want, got, 1e-15)
		})
	}
}

// step is one for x < 3.5, else zero
func step(x r3.Vec) float64 {
	if x.X < 3.5 {
		return 1
	}
	return 0
}

func TestLimiter(t *testing.T) {
	m := box(t, [3]int{8, 6, 1}, [3]bool{false, true, false})
	ranks := setup(t, m, 1, 2)
	vel := r3.Vec{X: 1, Y: 0.25}

	vf := field.NewVolField(m, "u", 0.0)
	vf.SetFunc(m, step)
	e, err := New[float64](ranks[0].geom, ranks[0].ep, m, Config{LimFac: 1})
	require.NoError(t, err)
	theta, err := e.Theta(context.Background(), vf)
	require.NoError(t, err)
	limited := 0
	for c, th := range theta {
		require.Len(t, th, 1)
		assert.GreaterOrEqual(t, th[0], 0.0, "cell %d", c)
		assert.LessOrEqual(t, th[0], 1.0, "cell %d", c)
		if th[0] < 1 {
			limited++
		}
	}
	assert.Positive(t, limited)

	full := corrections(t, ranks, 1, vel, step)[0]
	none := corrections(t, ranks, 0, vel, step)[0]
	maxDiff := 0.0
	for f := 0; f < m.NFaces(); f++ {
		phi := r3.Dot(vel, m.FaceAreas[f])
		up := m.Owner[f]
		if phi < 0 {
			if !m.IsInternal(f) {
				if _, ok := m.CouplingOf(f); !ok {
					continue
				}
			}
			up = -1
		}
		maxDiff = math.Max(maxDiff, math.Abs(full.Values[f]-none.Values[f]))
		if up < 0 {
			continue
		}
		// The limited face value stays within the field bounds
		got := vf.Internal[up] + full.Values[f]
		assert.GreaterOrEqual(t, got, -1e-12, "face %d", f)
		assert.LessOrEqual(t, got, 1+1e-12, "face %d", f)
	}
	assert.Greater(t, maxDiff, 1e-8, "the limiter changed nothing")
}

func TestThetaConstant(t *testing.T) {
	m := box(t, [3]int{4, 4, 1}, [3]bool{})
	ranks := setup(t, m, 1, 1)
	e, err := New[field.SymmTensor](ranks[0].geom, ranks[0].ep, m, Config{LimFac: 1})
	require.NoError(t, err)
	vf := field.NewVolField(m, "sigma", field.SymmTensor{1, 2, 3, 4, 5, 6})
	theta, err := e.Theta(context.Background(), vf)
	require.NoError(t, err)
	for _, th := range theta {
		assert.Equal(t, []float64{1, 1, 1, 1, 1, 1}, th)
	}
}

func TestSmoothness(t *testing.T) {
	m := box(t, [3]int{6, 6, 1}, [3]bool{})
	ranks := setup(t, m, 1, 2)
	e, err := New[float64](ranks[0].geom, ranks[0].ep, m, Config{})
	require.NoError(t, err)
	ctx := context.Background()

	flat := field.NewVolField(m, "u", 2.0)
	beta, err := e.Smoothness(ctx, flat)
	require.NoError(t, err)
	for _, b := range beta {
		for _, x := range b {
			assert.Zero(t, x)
		}
	}

	// A linear field fits every stencil alike
	lin := field.NewVolField(m, "u", 0.0)
	lin.SetFunc(m, func(x r3.Vec) float64 { return x.X - 2*x.Y })
	beta, err = e.Smoothness(ctx, lin)
	require.NoError(t, err)
	for c, b := range beta {
		require.NotEmpty(t, b)
		assert.Positive(t, b[0])
		for _, x := range b[1:] {
			assert.InDelta(t, b[0], x, 1e-9*b[0], "cell %d", c)
		}
	}

	a, err := e.Coefficients(ctx, lin)
	require.NoError(t, err)
	for c := range a {
		require.Len(t, a[c][0], 5)
		assert.InDelta(t, 0.5, a[c][0][0], 1e-10)
		assert.InDelta(t, -1, a[c][0][1], 1e-10)
		for _, x := range a[c][0][2:] {
			assert.InDelta(t, 0, x, 1e-10)
		}
	}
}

func TestGeometryReplaced(t *testing.T) {
	m := box(t, [3]int{6, 6, 1}, [3]bool{})
	ranks := setup(t, m, 1, 1)
	rk := ranks[0]
	e, err := New[float64](rk.geom, rk.ep, m, Config{})
	require.NoError(t, err)
	vf := field.NewVolField(m, "u", 1.0)

	a, err := e.Coefficients(context.Background(), vf)
	require.NoError(t, err)
	assert.Len(t, a[0][0], 2)

	_, err = rk.geom.Rebuild(context.Background(), stencil.NewBuilder(stencil.Config{Order: 2}, rk.ep), m)
	require.NoError(t, err)
	a, err = e.Coefficients(context.Background(), vf)
	require.NoError(t, err)
	assert.Len(t, a[0][0], 5)
}

func TestDecompositionInvariance(t *testing.T) {
	m := box(t, [3]int{8, 6, 1}, [3]bool{true, true, false})
	vel := r3.Vec{X: 1, Y: -0.6}
	smooth := func(x r3.Vec) float64 { return math.Sin(2*math.Pi*x.X/8) * math.Cos(2*math.Pi*x.Y/6) }
	vector := func(x r3.Vec) field.Vector { return field.Vector{step(x), smooth(x), x.Y} }

	serial := setup(t, m, 1, 2)
	wantS := corrections(t, serial, 1, vel, smooth)[0]
	wantV := corrections(t, serial, 1, vel, vector)[0]

	for _, n := range []int{2, 3, 4} {
		ranks := setup(t, m, n, 2)
		gotS := corrections(t, ranks, 1, vel, smooth)
		gotV := corrections(t, ranks, 1, vel, vector)
		for r, rk := range ranks {
			for f, gf := range rk.m.FaceGlobal {
				assert.Equal(t, wantS.Values[gf], gotS[r].Values[f], "%d ranks: rank %d face %d", n, r, gf)
				assert.Equal(t, wantV.Values[gf], gotV[r].Values[f], "%d ranks: rank %d face %d", n, r, gf)
			}
		}
	}
}

func TestCPUEvaluator(t *testing.T) {
	var ev CPUEvaluator
	out := make([]float64, 2)
	err := ev.Evaluate(2, []int32{1, 0}, []float64{1, 2, 3, 4}, []float64{1, 1, 10, 100}, out)
	require.NoError(t, err)
	assert.Equal(t, []float64{210, 7}, out)

	assert.Error(t, ev.Evaluate(2, []int32{0}, []float64{1}, []float64{1, 1}, out))
}
