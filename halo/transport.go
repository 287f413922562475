// Package halo moves cell values between the ranks of a decomposed mesh.
// Every exchange is collective: all ranks call Exchange the same number of
// times, and a call returns only after a message from every peer has arrived.
package halo

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrPeerMismatch reports that two ranks disagree on the shape of an exchange
var ErrPeerMismatch = errors.New("halo: peer mismatch")

// Transport is one rank's view of an all-to-all message exchange
type Transport interface {
	Rank() int
	Size() int

	// Exchange sends out[q] to every peer q (an absent entry sends an empty
	// message) and returns the message received from every peer, keyed by
	// sender. out[Rank()] is returned unchanged as the message from self.
	Exchange(ctx context.Context, out map[int][]byte) (map[int][]byte, error)
}

type envelope struct {
	from    int
	round   uint64
	payload []byte
}

// Network connects Size in-process endpoints through buffered channels. A
// rank can run at most one round ahead of its slowest peer, so an inbox of
// twice the rank count never blocks a sender.
type Network struct {
	inboxes []chan envelope
}

// NewNetwork creates an in-process network of size ranks
func NewNetwork(size int) *Network {
	if size < 1 {
		panic(fmt.Sprintf("halo: invalid network size %d", size))
	}
	n := &Network{inboxes: make([]chan envelope, size)}
	for i := range n.inboxes {
		n.inboxes[i] = make(chan envelope, 2*size)
	}
	return n
}

func (n *Network) Size() int { return len(n.inboxes) }

// Endpoint returns the transport used by rank. Each endpoint must be driven
// by a single goroutine.
func (n *Network) Endpoint(rank int) *Endpoint {
	if rank < 0 || rank >= len(n.inboxes) {
		panic(fmt.Sprintf("halo: rank %d outside network of %d", rank, len(n.inboxes)))
	}
	return &Endpoint{net: n, rank: rank}
}

// Endpoints returns one transport per rank
func (n *Network) Endpoints() []*Endpoint {
	eps := make([]*Endpoint, len(n.inboxes))
	for r := range eps {
		eps[r] = n.Endpoint(r)
	}
	return eps
}

// Single returns the transport of a one rank run
func Single() Transport { return NewNetwork(1).Endpoint(0) }

// Endpoint implements Transport over a Network
type Endpoint struct {
	net     *Network
	rank    int
	round   uint64
	pending []envelope // Early arrivals from peers already in the next round
}

func (e *Endpoint) Rank() int { return e.rank }
func (e *Endpoint) Size() int { return len(e.net.inboxes) }

func (e *Endpoint) Exchange(ctx context.Context, out map[int][]byte) (map[int][]byte, error) {
	size := e.Size()
	for q := range out {
		if q < 0 || q >= size {
			return nil, fmt.Errorf("%w: rank %d addressed rank %d of %d", ErrPeerMismatch, e.rank, q, size)
		}
	}
	round := e.round
	e.round++

	for q := 0; q < size; q++ {
		if q == e.rank {
			continue
		}
		env := envelope{from: e.rank, round: round, payload: out[q]}
		select {
		case e.net.inboxes[q] <- env:
		case <-ctx.Done():
			return nil, fmt.Errorf("rank %d sending round %d: %w", e.rank, round, ctx.Err())
		}
	}

	in := make(map[int][]byte, size)
	if msg, ok := out[e.rank]; ok {
		in[e.rank] = msg
	}
	received := 0
	accept := func(env envelope) error {
		if env.round != round {
			return fmt.Errorf("%w: rank %d in round %d got round %d from rank %d",
				ErrPeerMismatch, e.rank, round, env.round, env.from)
		}
		if _, dup := in[env.from]; dup && env.from != e.rank {
			return fmt.Errorf("%w: rank %d got two messages from rank %d in round %d",
				ErrPeerMismatch, e.rank, env.from, round)
		}
		in[env.from] = env.payload
		received++
		return nil
	}

	// Messages stashed during the previous round belong to this one
	stash := e.pending
	e.pending = nil
	for _, env := range stash {
		if err := accept(env); err != nil {
			return nil, err
		}
	}
	for received < size-1 {
		select {
		case env := <-e.net.inboxes[e.rank]:
			if env.round == round+1 {
				e.pending = append(e.pending, env)
				continue
			}
			if err := accept(env); err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("rank %d receiving round %d (%d of %d peers): %w",
				e.rank, round, received, size-1, ctx.Err())
		}
	}

	var sent int
	for _, msg := range out {
		sent += len(msg)
	}
	bytesExchanged.Add(float64(sent))
	exchangeRounds.Inc()
	return in, nil
}

// peers returns the sorted keys of a rank-keyed map
func peers[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
