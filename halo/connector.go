package halo

import (
	"context"
	"fmt"
	"slices"
)

// Connector is the pick and place plan of one rank. Values of local cells
// Pick[q] are sent to peer q in that order; the values received from q are
// written to slots Place[q] in the same order.
type Connector struct {
	Rank int
	Size int

	Pick  map[int][]int // peer -> local cell indices to send
	Place map[int][]int // peer -> value slots receiving the peer's cells
}

// NewConnector returns an empty plan for rank
func NewConnector(rank, size int) *Connector {
	return &Connector{
		Rank:  rank,
		Size:  size,
		Pick:  make(map[int][]int),
		Place: make(map[int][]int),
	}
}

// GetPickIndices returns the local cells sent to target
func (c *Connector) GetPickIndices(target int) []int { return c.Pick[target] }

// GetPlaceIndices returns the slots filled by source
func (c *Connector) GetPlaceIndices(source int) []int { return c.Place[source] }

// Peers returns every rank this one sends to or receives from, ascending
func (c *Connector) Peers() []int {
	set := make(map[int]struct{})
	for q := range c.Pick {
		set[q] = struct{}{}
	}
	for q := range c.Place {
		set[q] = struct{}{}
	}
	return peers(set)
}

// Verify checks index validity: picks address local cells, places address
// halo slots, and no slot is filled twice.
func (c *Connector) Verify(nLocal, nSlots int) error {
	for q, idx := range c.Pick {
		if q == c.Rank || q < 0 || q >= c.Size {
			return fmt.Errorf("rank %d picks for invalid peer %d", c.Rank, q)
		}
		for _, i := range idx {
			if i < 0 || i >= nLocal {
				return fmt.Errorf("invalid pick index %d for peer %d (max %d)", i, q, nLocal-1)
			}
		}
	}
	filled := make([]bool, nSlots)
	for q, idx := range c.Place {
		if q == c.Rank || q < 0 || q >= c.Size {
			return fmt.Errorf("rank %d places from invalid peer %d", c.Rank, q)
		}
		for _, i := range idx {
			if i < nLocal || i >= nSlots {
				return fmt.Errorf("invalid place index %d from peer %d (halo slots %d..%d)",
					i, q, nLocal, nSlots-1)
			}
			if filled[i] {
				return fmt.Errorf("slot %d placed twice", i)
			}
			filled[i] = true
		}
	}
	return nil
}

// VerifyPair checks that two ranks agree on the length of their traffic
func VerifyPair(a, b *Connector) error {
	if pick, place := len(a.Pick[b.Rank]), len(b.Place[a.Rank]); pick != place {
		return fmt.Errorf("%w: pick[%d][%d]=%d, place[%d][%d]=%d",
			ErrPeerMismatch, a.Rank, b.Rank, pick, b.Rank, a.Rank, place)
	}
	if pick, place := len(b.Pick[a.Rank]), len(a.Place[b.Rank]); pick != place {
		return fmt.Errorf("%w: pick[%d][%d]=%d, place[%d][%d]=%d",
			ErrPeerMismatch, b.Rank, a.Rank, pick, a.Rank, b.Rank, place)
	}
	return nil
}

// Extrema carries per component minima and maxima through a swap
type Extrema struct {
	Min, Max []float64
}

// Merge folds o into e componentwise
func (e *Extrema) Merge(o Extrema) {
	for k := range e.Min {
		e.Min[k] = min(e.Min[k], o.Min[k])
		e.Max[k] = max(e.Max[k], o.Max[k])
	}
}

type swapMessage[T any] struct {
	Values  []T
	Extrema Extrema
}

// Swap fills the halo slots of values from their owners and reduces ext to
// the extrema over all ranks, in a single exchange round.
func Swap[T any](ctx context.Context, t Transport, c *Connector, values []T, ext *Extrema) error {
	out := make(map[int]swapMessage[T], t.Size())
	for q := 0; q < t.Size(); q++ {
		if q == t.Rank() {
			continue
		}
		msg := swapMessage[T]{Extrema: *ext}
		if idx := c.Pick[q]; len(idx) > 0 {
			msg.Values = make([]T, len(idx))
			for i, l := range idx {
				msg.Values[i] = values[l]
			}
		}
		out[q] = msg
	}

	in, err := ExchangeValues[swapMessage[T], swapMessage[T]](ctx, t, out)
	if err != nil {
		return fmt.Errorf("swapping halo values: %w", err)
	}

	for q := range c.Place {
		if _, ok := in[q]; !ok {
			return fmt.Errorf("%w: rank %d got nothing from rank %d", ErrPeerMismatch, t.Rank(), q)
		}
	}

	merged := Extrema{Min: slices.Clone(ext.Min), Max: slices.Clone(ext.Max)}
	for _, q := range peers(in) {
		msg := in[q]
		slots := c.Place[q]
		if len(msg.Values) != len(slots) {
			return fmt.Errorf("%w: rank %d expected %d values from rank %d, got %d",
				ErrPeerMismatch, t.Rank(), len(slots), q, len(msg.Values))
		}
		for i, s := range slots {
			values[s] = msg.Values[i]
		}
		if len(msg.Extrema.Min) != len(merged.Min) {
			return fmt.Errorf("%w: rank %d sent %d components, expected %d",
				ErrPeerMismatch, q, len(msg.Extrema.Min), len(merged.Min))
		}
		merged.Merge(msg.Extrema)
	}
	*ext = merged
	return nil
}
