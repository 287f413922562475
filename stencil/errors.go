package stencil

import "errors"

var (
	// ErrStencilTooSmall means a central stencil stayed below the minimum
	// size after every extension layer was added. The mesh is too coarse
	// for the requested order.
	ErrStencilTooSmall = errors.New("stencil: too few cells within the extension bound")

	// ErrSingularMatrix means the central least squares matrix is rank
	// deficient or too ill-conditioned to invert.
	ErrSingularMatrix = errors.New("stencil: singular least squares matrix")

	// ErrDimension means no coordinate direction varies across a cell's
	// neighbours, so no polynomial can be fitted.
	ErrDimension = errors.New("stencil: no active dimension")

	// ErrOrder rejects a negative polynomial order
	ErrOrder = errors.New("stencil: invalid polynomial order")
)
