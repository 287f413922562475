package halo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// runRanks drives every endpoint of a network from its own goroutine
func runRanks(t *testing.T, size int, fn func(ctx context.Context, ep *Endpoint) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for _, ep := range NewNetwork(size).Endpoints() {
		g.Go(func() error { return fn(ctx, ep) })
	}
	require.NoError(t, g.Wait())
}

func TestExchangeAllToAll(t *testing.T) {
	const size, rounds = 4, 6
	runRanks(t, size, func(ctx context.Context, ep *Endpoint) error {
		for round := 0; round < rounds; round++ {
			out := make(map[int][]byte)
			for q := 0; q < size; q++ {
				// Every other round skips odd peers to exercise empty messages
				if round%2 == 1 && q%2 == 1 {
					continue
				}
				out[q] = []byte(fmt.Sprintf("%d->%d@%d", ep.Rank(), q, round))
			}
			in, err := ep.Exchange(ctx, out)
			if err != nil {
				return err
			}
			for q := 0; q < size; q++ {
				want := fmt.Sprintf("%d->%d@%d", q, ep.Rank(), round)
				if round%2 == 1 && ep.Rank()%2 == 1 {
					want = ""
				}
				if got := string(in[q]); got != want {
					return fmt.Errorf("rank %d round %d from %d: got %q, want %q",
						ep.Rank(), round, q, got, want)
				}
			}
		}
		return nil
	})
}

func TestExchangeStaggeredRanks(t *testing.T) {
	const size, rounds = 3, 20
	runRanks(t, size, func(ctx context.Context, ep *Endpoint) error {
		for round := 0; round < rounds; round++ {
			if ep.Rank() == round%size {
				time.Sleep(time.Millisecond)
			}
			in, err := ExchangeValues[int, int](ctx, ep, map[int]int{
				(ep.Rank() + 1) % size: round,
			})
			if err != nil {
				return err
			}
			from := (ep.Rank() + size - 1) % size
			if in[from] != round {
				return fmt.Errorf("rank %d round %d: got %d from %d", ep.Rank(), round, in[from], from)
			}
		}
		return nil
	})
}

func TestExchangeCancelled(t *testing.T) {
	ep := NewNetwork(2).Endpoint(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ep.Exchange(ctx, map[int][]byte{1: []byte("lonely")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestExchangeInvalidPeer(t *testing.T) {
	_, err := Single().Exchange(context.Background(), map[int][]byte{3: nil})
	assert.ErrorIs(t, err, ErrPeerMismatch)
}

// ringConnectors gives each rank two local cells and one halo slot holding
// cell 0 of the next rank.
func ringConnectors(size int) []*Connector {
	cs := make([]*Connector, size)
	for r := range cs {
		cs[r] = NewConnector(r, size)
	}
	for r := range cs {
		next := (r + 1) % size
		cs[r].Place[next] = []int{2}
		cs[next].Pick[r] = []int{0}
	}
	return cs
}

func TestSwap(t *testing.T) {
	const size = 3
	cs := ringConnectors(size)
	for r := range cs {
		require.NoError(t, cs[r].Verify(2, 3))
		require.NoError(t, VerifyPair(cs[r], cs[(r+1)%size]))
	}

	runRanks(t, size, func(ctx context.Context, ep *Endpoint) error {
		r := ep.Rank()
		values := [][2]float64{{float64(10 * r), -float64(r)}, {float64(10*r + 1), 0}, {}}
		ext := Extrema{Min: []float64{float64(10 * r), -float64(r)}, Max: []float64{float64(10*r + 1), 0}}
		if err := Swap(ctx, ep, cs[r], values, &ext); err != nil {
			return err
		}
		next := (r + 1) % size
		if want := [2]float64{float64(10 * next), -float64(next)}; values[2] != want {
			return fmt.Errorf("rank %d halo: got %v, want %v", r, values[2], want)
		}
		if ext.Min[0] != 0 || ext.Max[0] != 21 || ext.Min[1] != -2 || ext.Max[1] != 0 {
			return fmt.Errorf("rank %d extrema: %+v", r, ext)
		}
		return nil
	})
}

func TestSwapSingleRank(t *testing.T) {
	values := []float64{3, 1, 2}
	ext := Extrema{Min: []float64{1}, Max: []float64{3}}
	require.NoError(t, Swap(context.Background(), Single(), NewConnector(0, 1), values, &ext))
	assert.Equal(t, []float64{3, 1, 2}, values)
	assert.Equal(t, []float64{1}, ext.Min)
}

func TestConnectorVerify(t *testing.T) {
	tests := []struct {
		name string
		mod  func(c *Connector)
	}{
		{"pick out of range", func(c *Connector) { c.Pick[1] = []int{5} }},
		{"place into local cell", func(c *Connector) { c.Place[1] = []int{0} }},
		{"place past the halo", func(c *Connector) { c.Place[1] = []int{9} }},
		{"slot placed twice", func(c *Connector) { c.Place[1] = []int{2}; c.Place[2] = []int{2} }},
		{"self peer", func(c *Connector) { c.Pick[0] = []int{0} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConnector(0, 3)
			tt.mod(c)
			assert.Error(t, c.Verify(2, 4))
		})
	}

	a, b := NewConnector(0, 2), NewConnector(1, 2)
	a.Pick[1] = []int{0, 1}
	b.Place[0] = []int{2}
	assert.ErrorIs(t, VerifyPair(a, b), ErrPeerMismatch)

	a.Place[1] = []int{3}
	assert.Equal(t, []int{1}, a.Peers())
}
