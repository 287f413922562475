package geomcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/notargets/wenofit/halo"
	"github.com/notargets/wenofit/mesh"
	"github.com/notargets/wenofit/partitions"
	"github.com/notargets/wenofit/stencil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"
)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

func boxRanks(t *testing.T, n int) []*mesh.Mesh {
	t.Helper()
	m, err := mesh.NewBoxMesh(mesh.BoxSpec{
		N:        [3]int{6, 4, 1},
		Lengths:  r3.Vec{X: 6, Y: 4, Z: 1},
		Periodic: [3]bool{true, false, false},
	})
	require.NoError(t, err)
	if n == 1 {
		return []*mesh.Mesh{m}
	}
	pb := &partitions.PartitionBuilder{Mesh: m, NumPartitions: n}
	layout, err := pb.BuildPartitions()
	require.NoError(t, err)
	subs, err := partitions.Decompose(m, layout)
	require.NoError(t, err)
	return subs
}

func buildAll(t *testing.T, subs []*mesh.Mesh, cache stencil.Cache) []*stencil.Geometry {
	t.Helper()
	geoms := make([]*stencil.Geometry, len(subs))
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	grp, ctx := errgroup.WithContext(ctx)
	for r, ep := range halo.NewNetwork(len(subs)).Endpoints() {
		grp.Go(func() error {
			b := stencil.NewBuilder(stencil.Config{Order: 2, Cache: cache}, ep)
			g, err := b.Build(ctx, subs[r])
			geoms[r] = g
			return err
		})
	}
	require.NoError(t, grp.Wait())
	return geoms
}

func TestStoreMiss(t *testing.T) {
	s := openMem(t)
	_, err := s.Read(stencil.CacheKey{Digest: "abc", Order: 2})
	assert.ErrorIs(t, err, ErrCacheMiss)

	_, err = Open(Config{})
	assert.Error(t, err, "persistent store without a path")
}

func TestStoreRoundTrip(t *testing.T) {
	s := openMem(t)
	subs := boxRanks(t, 2)
	geoms := buildAll(t, subs, s)

	keys, err := s.Keys()
	require.NoError(t, err)
	require.Len(t, keys, 2)
	for _, key := range keys {
		r := key.Rank
		require.Contains(t, []int{0, 1}, r)
		assert.Equal(t, subs[r].Digest(), key.Digest)
		assert.Equal(t, 2, key.Order)
		assert.Equal(t, 2, key.Size)

		got, err := s.Read(key)
		require.NoError(t, err)
		if diff := cmp.Diff(geoms[r], got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("rank %d geometry changed in the store (-built +read):\n%s", r, diff)
		}
	}

	// A second run is served from the store
	again := buildAll(t, subs, s)
	for r := range geoms {
		assert.NotSame(t, geoms[r], again[r])
		assert.Empty(t, cmp.Diff(geoms[r], again[r], cmpopts.EquateEmpty()))
	}

	require.NoError(t, s.Delete(keys[0]))
	_, err = s.Read(keys[0])
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestStorePersists(t *testing.T) {
	dir := t.TempDir()
	subs := boxRanks(t, 1)

	s, err := Open(Config{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	built := buildAll(t, subs, s)
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	key := stencil.CacheKey{Digest: subs[0].Digest(), Order: 2, Rank: 0, Size: 1}
	got, err := s.Read(key)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(built[0], got, cmpopts.EquateEmpty()))
}

func TestDecodeKey(t *testing.T) {
	key := stencil.CacheKey{Digest: "00ff", Order: 3, Rank: 1, Size: 4}
	got, err := decodeKey(encodeKey(key))
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = decodeKey([]byte("geometry/00ff/x/1/4"))
	assert.Error(t, err)
	_, err = decodeKey([]byte("geometry/00ff"))
	assert.Error(t, err)
}

func TestShared(t *testing.T) {
	var s Shared
	_, err := s.Load()
	assert.ErrorIs(t, err, ErrUnbound)
	assert.False(t, s.Bound())
	assert.Error(t, s.Bind(nil))

	g1 := &stencil.Geometry{Order: 1}
	require.NoError(t, s.Bind(g1))
	assert.ErrorIs(t, s.Bind(&stencil.Geometry{}), ErrBound)

	got, err := s.Load()
	require.NoError(t, err)
	assert.Same(t, g1, got)

	g2 := &stencil.Geometry{Order: 2}
	assert.Same(t, g1, s.Replace(g2))
	got, _ = s.Load()
	assert.Same(t, g2, got)
}

func TestSharedConcurrentReaders(t *testing.T) {
	var s Shared
	require.NoError(t, s.Bind(&stencil.Geometry{Order: 0}))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				g, err := s.Load()
				if assert.NoError(t, err) {
					assert.LessOrEqual(t, g.Order, 100)
				}
			}
		}()
	}
	for p := 1; p <= 100; p++ {
		s.Replace(&stencil.Geometry{Order: p})
	}
	wg.Wait()
}

func TestSharedRebuild(t *testing.T) {
	subs := boxRanks(t, 1)
	var s Shared
	b := stencil.NewBuilder(stencil.Config{Order: 1}, halo.Single())

	g, err := s.Rebuild(context.Background(), b, subs[0])
	require.NoError(t, err)
	got, err := s.Load()
	require.NoError(t, err)
	assert.Same(t, g, got)

	bad := stencil.NewBuilder(stencil.Config{Order: -1}, halo.Single())
	_, err = s.Rebuild(context.Background(), bad, subs[0])
	assert.ErrorIs(t, err, stencil.ErrOrder)
	got, _ = s.Load()
	assert.Same(t, g, got, "failed rebuild keeps the previous geometry")
}
