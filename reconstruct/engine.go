// Package reconstruct evaluates the WENO upwind fit on the faces of a mesh
// partition: cell polynomials from the central least squares stencils,
// upwind selection by flux sign, and a limiter bounded by the global field
// extrema.
package reconstruct

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/notargets/wenofit/field"
	"github.com/notargets/wenofit/geomcache"
	"github.com/notargets/wenofit/halo"
	"github.com/notargets/wenofit/mesh"
	"github.com/notargets/wenofit/stencil"
	"go.uber.org/zap"
)

// ErrLimFac rejects a limiting factor outside [0,1]
var ErrLimFac = errors.New("reconstruct: limiting factor outside [0,1]")

// Config controls an Engine
type Config struct {
	// Blend between the unlimited (0) and the fully limited (1) face value
	LimFac float64

	// Evaluates face polynomials; nil selects CPUEvaluator
	Evaluator FaceEvaluator

	Logger *zap.Logger
}

// Engine reconstructs fields of type T on one rank. Every method that takes
// a context runs one halo exchange and is collective over the transport.
type Engine[T field.Value] struct {
	geom   *geomcache.Shared
	tr     halo.Transport
	m      *mesh.Mesh
	limFac float64
	eval   FaceEvaluator
	logger *zap.Logger

	mu   sync.Mutex
	plan *plan
}

// New returns an engine reading its geometry from geom. It panics on nil
// collaborators.
func New[T field.Value](geom *geomcache.Shared, tr halo.Transport, m *mesh.Mesh, cfg Config) (*Engine[T], error) {
	if geom == nil || tr == nil || m == nil {
		panic("reconstruct: nil geometry, transport or mesh")
	}
	if !(cfg.LimFac >= 0 && cfg.LimFac <= 1) {
		return nil, fmt.Errorf("%w: %g", ErrLimFac, cfg.LimFac)
	}
	if m.Rank != tr.Rank() || m.NumRanks != tr.Size() {
		return nil, fmt.Errorf("mesh is rank %d of %d, transport is rank %d of %d",
			m.Rank, m.NumRanks, tr.Rank(), tr.Size())
	}
	e := &Engine[T]{
		geom:   geom,
		tr:     tr,
		m:      m,
		limFac: cfg.LimFac,
		eval:   cfg.Evaluator,
		logger: cfg.Logger,
	}
	if e.eval == nil {
		e.eval = CPUEvaluator{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e, nil
}

// LimFac returns the limiting factor
func (e *Engine[T]) LimFac() float64 { return e.limFac }

// Weights returns the implicit upwind weighting: 1 where flux >= 0, else 0
func (e *Engine[T]) Weights(flux *field.SurfaceField[float64]) *field.SurfaceField[float64] {
	w := field.NewSurfaceField[float64](e.m, "weights("+flux.Name+")")
	for f, phi := range flux.Values {
		if phi >= 0 {
			w.Values[f] = 1
		}
	}
	return w
}

// planFor returns the face plan of g, rebuilding it when the shared
// geometry was replaced
func (e *Engine[T]) planFor(g *stencil.Geometry) *plan {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.plan == nil || e.plan.g != g {
		e.plan = newPlan(g)
	}
	return e.plan
}

// state is one reconstruction of a field, component by component
type state struct {
	g     *stencil.Geometry
	p     *plan
	nc    int
	vals  [][]float64 // [component][slot]
	a     [][]float64 // [component][center*stride + k]
	face  [][]float64 // [component][side], polynomial part only
	theta [][]float64 // [component][center]
	lo    []float64   // Global minima per component
	hi    []float64
}

// center value of component k
func (s *state) mean(k, c int) float64 { return s.vals[k][s.g.Centers[c].Slot] }

// reconstruct runs the halo swap and fits, evaluates and limits every
// center's polynomial.
func (e *Engine[T]) reconstruct(ctx context.Context, vf *field.VolField[T]) (*state, error) {
	if err := vf.Check(e.m); err != nil {
		return nil, err
	}
	g, err := e.geom.Load()
	if err != nil {
		return nil, err
	}
	if g.NCells != e.m.NCells() || len(g.FaceOwner) != e.m.NFaces() {
		return nil, fmt.Errorf("geometry of %d cells and %d faces does not fit the mesh (%d, %d)",
			g.NCells, len(g.FaceOwner), e.m.NCells(), e.m.NFaces())
	}
	p := e.planFor(g)

	nc := field.NComponents[T]()
	values := make([]T, g.NSlots())
	copy(values, vf.Internal)
	ext := e.localExtrema(vf, nc)
	if err := halo.Swap(ctx, e.tr, g.Connector, values, &ext); err != nil {
		return nil, err
	}

	s := &state{
		g:     g,
		p:     p,
		nc:    nc,
		vals:  field.Split(values),
		a:     make([][]float64, nc),
		face:  make([][]float64, nc),
		theta: make([][]float64, nc),
		lo:    ext.Min,
		hi:    ext.Max,
	}
	for k := 0; k < nc; k++ {
		s.a[k] = make([]float64, len(g.Centers)*p.stride)
		for c := range g.Centers {
			ctr := &g.Centers[c]
			fit(ctr, &ctr.Stencils[0], s.vals[k], s.a[k][c*p.stride:(c+1)*p.stride])
		}
		s.face[k] = make([]float64, len(p.centers))
		if err := e.eval.Evaluate(p.stride, p.centers, p.moments, s.a[k], s.face[k]); err != nil {
			return nil, fmt.Errorf("evaluating face polynomials: %w", err)
		}
		s.theta[k] = s.limiter(k)
	}
	return s, nil
}

// localExtrema returns the extrema of the cell values and the physical
// boundary values. Coupled patch values repeat cell values held elsewhere.
func (e *Engine[T]) localExtrema(vf *field.VolField[T], nc int) halo.Extrema {
	ext := halo.Extrema{Min: make([]float64, nc), Max: make([]float64, nc)}
	for k := 0; k < nc; k++ {
		ext.Min[k], ext.Max[k] = math.Inf(1), math.Inf(-1)
	}
	add := func(v T) {
		for k := 0; k < nc; k++ {
			x := field.Component(v, k)
			ext.Min[k] = math.Min(ext.Min[k], x)
			ext.Max[k] = math.Max(ext.Max[k], x)
		}
	}
	for _, v := range vf.Internal {
		add(v)
	}
	for p, patch := range e.m.Patches {
		if patch.Coupled() {
			continue
		}
		for _, v := range vf.Patches[p] {
			add(v)
		}
	}
	return ext
}

// fit writes the coefficients of s for the values v into a
func fit(c *stencil.Center, s *stencil.Stencil, v []float64, a []float64) {
	n := s.Len() - 1
	u0 := v[s.Slots[0]]
	for k := 0; k < c.NDvt; k++ {
		sum := 0.0
		for r, l := range s.LS[k*n : (k+1)*n] {
			sum += l * (v[s.Slots[r+1]] - u0)
		}
		a[k] = sum
	}
}

// Correction returns, per face, the explicit correction to the upwind
// value: the limited high order value of the upwind cell less its mean.
// Physical boundary faces and faces without flux get zero.
func (e *Engine[T]) Correction(ctx context.Context, vf *field.VolField[T], flux *field.SurfaceField[float64]) (*field.SurfaceField[T], error) {
	start := time.Now()
	if len(flux.Values) != e.m.NFaces() {
		return nil, fmt.Errorf("flux %s has %d values for %d faces", flux.Name, len(flux.Values), e.m.NFaces())
	}
	s, err := e.reconstruct(ctx, vf)
	if err != nil {
		return nil, fmt.Errorf("correction of %s: %w", vf.Name, err)
	}

	nf := e.m.NFaces()
	corr := make([][]float64, s.nc)
	for k := range corr {
		corr[k] = make([]float64, nf)
		for f := 0; f < nf; f++ {
			side := -1
			switch phi := flux.Values[f]; {
			case phi > 0:
				side = s.p.owner[f]
			case phi < 0:
				side = s.p.nbr[f]
			}
			if side < 0 || s.p.physical[f] {
				continue
			}
			c := int(s.p.centers[side])
			ub := s.mean(k, c)
			u := ub + s.face[k][side]
			limited := e.limFac*(s.theta[k][c]*(u-ub)+ub) + (1-e.limFac)*u
			corr[k][f] = limited - ub
		}
	}

	out := field.NewSurfaceField[T](e.m, "correction("+vf.Name+")")
	field.Join(out.Values, corr)

	limited := s.limitedCells()
	reconstructions.Inc()
	limitedCells.Add(float64(limited))
	reconstructDuration.Observe(time.Since(start).Seconds())
	e.logger.Debug("correction",
		zap.String("field", vf.Name),
		zap.Int("rank", e.m.Rank),
		zap.Int("limitedCells", limited),
		zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

// Theta returns the limiter factor of every local cell, per component
func (e *Engine[T]) Theta(ctx context.Context, vf *field.VolField[T]) ([][]float64, error) {
	s, err := e.reconstruct(ctx, vf)
	if err != nil {
		return nil, err
	}
	theta := make([][]float64, s.g.NCells)
	for c := range theta {
		theta[c] = make([]float64, s.nc)
		for k := 0; k < s.nc; k++ {
			theta[c][k] = s.theta[k][c]
		}
	}
	return theta, nil
}

// Coefficients returns the central polynomial coefficients of every local
// cell, per component, in the basis order of the cell's active axes
func (e *Engine[T]) Coefficients(ctx context.Context, vf *field.VolField[T]) ([][][]float64, error) {
	s, err := e.reconstruct(ctx, vf)
	if err != nil {
		return nil, err
	}
	a := make([][][]float64, s.g.NCells)
	for c := range a {
		n := s.g.Centers[c].NDvt
		a[c] = make([][]float64, s.nc)
		for k := 0; k < s.nc; k++ {
			off := c * s.p.stride
			a[c][k] = append([]float64(nil), s.a[k][off:off+n]...)
		}
	}
	return a, nil
}

// Smoothness returns the oscillation indicator aᵀBa of every stencil of
// every local cell, summed over components. The values are reported only;
// the correction always uses the central stencil.
func (e *Engine[T]) Smoothness(ctx context.Context, vf *field.VolField[T]) ([][]float64, error) {
	s, err := e.reconstruct(ctx, vf)
	if err != nil {
		return nil, err
	}
	beta := make([][]float64, s.g.NCells)
	for c := range beta {
		ctr := &s.g.Centers[c]
		beta[c] = make([]float64, len(ctr.Stencils))
		a := make([]float64, ctr.NDvt)
		for i := range ctr.Stencils {
			for k := 0; k < s.nc; k++ {
				fit(ctr, &ctr.Stencils[i], s.vals[k], a)
				beta[c][i] += quadForm(ctr.B, a)
			}
		}
	}
	return beta, nil
}

// quadForm returns aᵀBa for a row-major square B
func quadForm(b, a []float64) float64 {
	n := len(a)
	sum := 0.0
	for i := 0; i < n; i++ {
		row := 0.0
		for j := 0; j < n; j++ {
			row += b[i*n+j] * a[j]
		}
		sum += a[i] * row
	}
	return sum
}
