package scheme

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/notargets/wenofit/field"
	"github.com/notargets/wenofit/geomcache"
	"github.com/notargets/wenofit/halo"
	"github.com/notargets/wenofit/mesh"
	"github.com/notargets/wenofit/reconstruct"
	"go.uber.org/zap"
)

// Scheme splits a face interpolation into an implicit upwind weighting and
// an explicit correction
type Scheme[T field.Value] interface {
	Spec() Spec

	// Weights is 1 on faces whose flux is >= 0, else 0
	Weights() *field.SurfaceField[float64]

	// Corrected reports whether Correction contributes anything
	Corrected() bool

	Correction(ctx context.Context, vf *field.VolField[T]) (*field.SurfaceField[T], error)
}

// Env is what a scheme needs from the case
type Env struct {
	Mesh      *mesh.Mesh
	Transport halo.Transport
	Geometry  *geomcache.Shared

	// Face fluxes by name
	Fluxes map[string]*field.SurfaceField[float64]

	Evaluator reconstruct.FaceEvaluator
	Logger    *zap.Logger
}

func (env Env) flux(name string) (*field.SurfaceField[float64], error) {
	if name == "" {
		return field.NewSurfaceField[float64](env.Mesh, "zeroFlux"), nil
	}
	phi, ok := env.Fluxes[name]
	if !ok {
		return nil, fmt.Errorf("flux %q not found", name)
	}
	if len(phi.Values) != env.Mesh.NFaces() {
		return nil, fmt.Errorf("flux %q has %d values for %d faces", name, len(phi.Values), env.Mesh.NFaces())
	}
	return phi, nil
}

type constructor[T field.Value] func(spec Spec, env Env) (Scheme[T], error)

func table[T field.Value]() map[string]constructor[T] {
	return map[string]constructor[T]{
		Upwind:        newUpwind[T],
		WENOUpwindFit: newWENOUpwindFit[T],
	}
}

// Names lists the selectable schemes
func Names() []string {
	names := make([]string, 0, 2)
	for name := range table[float64]() {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// New constructs the scheme spec names
func New[T field.Value](spec Spec, env Env) (Scheme[T], error) {
	ctor, ok := table[T]()[spec.Name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownScheme, spec.Name)
	}
	if env.Mesh == nil {
		return nil, fmt.Errorf("scheme %s: no mesh", spec.Name)
	}
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	s, err := ctor(spec, env)
	if err != nil {
		return nil, fmt.Errorf("scheme %s: %w", spec, err)
	}
	return s, nil
}

// weights is the pure upwind weighting
func weights(m *mesh.Mesh, flux *field.SurfaceField[float64]) *field.SurfaceField[float64] {
	w := field.NewSurfaceField[float64](m, "weights("+flux.Name+")")
	for f, phi := range flux.Values {
		if phi >= 0 {
			w.Values[f] = 1
		}
	}
	return w
}

type upwind[T field.Value] struct {
	spec Spec
	m    *mesh.Mesh
	flux *field.SurfaceField[float64]
}

func newUpwind[T field.Value](spec Spec, env Env) (Scheme[T], error) {
	flux, err := env.flux(spec.Flux)
	if err != nil {
		return nil, err
	}
	return &upwind[T]{spec: spec, m: env.Mesh, flux: flux}, nil
}

func (s *upwind[T]) Spec() Spec                            { return s.spec }
func (s *upwind[T]) Weights() *field.SurfaceField[float64] { return weights(s.m, s.flux) }
func (s *upwind[T]) Corrected() bool                       { return false }

func (s *upwind[T]) Correction(_ context.Context, vf *field.VolField[T]) (*field.SurfaceField[T], error) {
	return field.NewSurfaceField[T](s.m, "correction("+vf.Name+")"), nil
}

type wenoUpwindFit[T field.Value] struct {
	spec   Spec
	flux   *field.SurfaceField[float64]
	geom   *geomcache.Shared
	engine *reconstruct.Engine[T]
}

func newWENOUpwindFit[T field.Value](spec Spec, env Env) (Scheme[T], error) {
	if env.Geometry == nil || env.Transport == nil {
		return nil, errors.New("needs stencil geometry and a transport")
	}
	flux, err := env.flux(spec.Flux)
	if err != nil {
		return nil, err
	}
	e, err := reconstruct.New[T](env.Geometry, env.Transport, env.Mesh, reconstruct.Config{
		LimFac:    spec.LimFac,
		Evaluator: env.Evaluator,
		Logger:    env.Logger.With(zap.String("scheme", spec.String())),
	})
	if err != nil {
		return nil, err
	}
	return &wenoUpwindFit[T]{spec: spec, flux: flux, geom: env.Geometry, engine: e}, nil
}

func (s *wenoUpwindFit[T]) Spec() Spec                            { return s.spec }
func (s *wenoUpwindFit[T]) Weights() *field.SurfaceField[float64] { return s.engine.Weights(s.flux) }
func (s *wenoUpwindFit[T]) Corrected() bool                       { return true }

func (s *wenoUpwindFit[T]) Correction(ctx context.Context, vf *field.VolField[T]) (*field.SurfaceField[T], error) {
	g, err := s.geom.Load()
	if err != nil {
		return nil, err
	}
	if g.Order != s.spec.Order {
		return nil, fmt.Errorf("scheme %s: geometry was built for order %d", s.spec, g.Order)
	}
	return s.engine.Correction(ctx, vf, s.flux)
}
