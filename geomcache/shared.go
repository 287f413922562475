package geomcache

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/notargets/wenofit/mesh"
	"github.com/notargets/wenofit/stencil"
)

var (
	// ErrUnbound is returned by Load before any geometry was bound
	ErrUnbound = errors.New("geomcache: no geometry bound")

	// ErrBound is returned by Bind when geometry is already present
	ErrBound = errors.New("geomcache: geometry already bound")
)

// noCopy trips go vet's copylocks check
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Shared holds the geometry of one rank. It is bound once, read by any
// number of goroutines and replaced atomically when the mesh changes.
// A Shared must not be copied after first use.
type Shared struct {
	noCopy noCopy

	g atomic.Pointer[stencil.Geometry]
}

// Bind sets the geometry if none is bound yet
func (s *Shared) Bind(g *stencil.Geometry) error {
	if g == nil {
		return errors.New("geomcache: binding nil geometry")
	}
	if !s.g.CompareAndSwap(nil, g) {
		return ErrBound
	}
	return nil
}

// Replace swaps in g and returns the previous geometry, possibly nil
func (s *Shared) Replace(g *stencil.Geometry) *stencil.Geometry {
	return s.g.Swap(g)
}

// Load returns the current geometry
func (s *Shared) Load() (*stencil.Geometry, error) {
	g := s.g.Load()
	if g == nil {
		return nil, ErrUnbound
	}
	return g, nil
}

// Bound reports whether geometry is present
func (s *Shared) Bound() bool { return s.g.Load() != nil }

// Rebuild runs b on m and replaces the current geometry with the result.
// On error the previous geometry stays in place.
func (s *Shared) Rebuild(ctx context.Context, b *stencil.Builder, m *mesh.Mesh) (*stencil.Geometry, error) {
	g, err := b.Build(ctx, m)
	if err != nil {
		return nil, err
	}
	s.Replace(g)
	return g, nil
}
