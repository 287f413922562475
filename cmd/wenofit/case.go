package main

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/notargets/wenofit/device"
	"github.com/notargets/wenofit/geomcache"
	"github.com/notargets/wenofit/halo"
	"github.com/notargets/wenofit/mesh"
	"github.com/notargets/wenofit/partitions"
	"github.com/notargets/wenofit/reconstruct"
	"github.com/notargets/wenofit/stencil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"
)

var initialFields = map[string]func(x r3.Vec) float64{
	"linear": func(x r3.Vec) float64 { return x.X + 2*x.Y - x.Z },
	"sine": func(x r3.Vec) float64 {
		return math.Sin(2*math.Pi*x.X) * math.Sin(2*math.Pi*x.Y)
	},
	"step": func(x r3.Vec) float64 {
		if x.X < 0.5 {
			return 1
		}
		return 0
	},
}

// rankCase is one partition with its transport and the geometry of every
// order the case needs
type rankCase struct {
	mesh *mesh.Mesh
	tr   *halo.Endpoint
	geom map[int]*geomcache.Shared
	eval reconstruct.FaceEvaluator
}

// caseRun holds the decomposed case for the duration of a command
type caseRun struct {
	cfg    CaseConfig
	logger *zap.Logger
	global *mesh.Mesh
	layout *partitions.PartitionLayout
	ranks  []*rankCase
	store  *geomcache.Store
	free   []func()
}

func openCase(cfg CaseConfig, logger *zap.Logger) (*caseRun, error) {
	c := &caseRun{cfg: cfg, logger: logger}

	var ctop []int
	var err error
	if b := cfg.Mesh.Box; b != nil {
		c.global, err = mesh.NewBoxMesh(mesh.BoxSpec{
			N:        b.Cells,
			Origin:   r3.Vec{X: b.Origin[0], Y: b.Origin[1], Z: b.Origin[2]},
			Lengths:  r3.Vec{X: b.Lengths[0], Y: b.Lengths[1], Z: b.Lengths[2]},
			Periodic: b.Periodic,
		})
	} else {
		c.global, ctop, err = mesh.ReadGambit(cfg.Mesh.Gambit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create mesh: %w", err)
	}

	strategy, _ := partitions.ParseStrategy(cfg.strategy())
	if strategy == partitions.Prescribed && ctop == nil {
		return nil, fmt.Errorf("strategy %s needs a partition map in the mesh file", strategy)
	}
	pb := &partitions.PartitionBuilder{
		Mesh:          c.global,
		NumPartitions: max(cfg.Partitions.Count, 1),
		Strategy:      strategy,
		CToP:          ctop,
	}
	if c.layout, err = pb.BuildPartitions(); err != nil {
		return nil, fmt.Errorf("failed to partition mesh: %w", err)
	}
	parts, err := partitions.Decompose(c.global, c.layout)
	if err != nil {
		return nil, fmt.Errorf("failed to decompose mesh: %w", err)
	}

	if c.store, err = geomcache.Open(geomcache.Config{
		Path:       cfg.Cache.Dir,
		InMemory:   cfg.Cache.InMemory || cfg.Cache.Dir == "",
		SyncWrites: cfg.Cache.SyncWrites,
		Logger:     logger.Named("badger"),
	}); err != nil {
		return nil, err
	}

	net := halo.NewNetwork(len(parts))
	for r, m := range parts {
		rc := &rankCase{mesh: m, tr: net.Endpoint(r), geom: make(map[int]*geomcache.Shared)}
		for _, order := range cfg.Orders() {
			rc.geom[order] = new(geomcache.Shared)
		}
		c.ranks = append(c.ranks, rc)
	}

	if err := c.openEvaluators(); err != nil {
		c.Close()
		return nil, err
	}

	logger.Info("case opened",
		zap.Int("cells", c.global.NCells()),
		zap.Int("faces", c.global.NFaces()),
		zap.Int("ranks", len(parts)),
		zap.Stringer("strategy", strategy),
		zap.String("digest", c.global.Digest()))
	return c, nil
}

// openEvaluators gives every rank its own device evaluator unless the case
// runs on the CPU
func (c *caseRun) openEvaluators() error {
	mode := c.cfg.Evaluator
	if mode == "" || mode == "cpu" {
		return nil
	}
	d, err := device.NewDevice(fmt.Sprintf(`{"mode": "%s"}`, mode))
	if err != nil {
		return fmt.Errorf("evaluator %s: %w", mode, err)
	}
	c.free = append(c.free, d.Free)
	for _, rc := range c.ranks {
		ev := device.NewOCCAEvaluator(d, runtime.NumCPU(), c.logger.Named("device"))
		rc.eval = ev
		c.free = append(c.free, ev.Free)
	}
	c.logger.Info("device evaluator", zap.String("mode", d.Mode()))
	return nil
}

// Close releases devices and the cache
func (c *caseRun) Close() error {
	for i := len(c.free) - 1; i >= 0; i-- {
		c.free[i]()
	}
	c.free = nil
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// each runs fn on every rank concurrently. The first error cancels the
// others' exchanges.
func (c *caseRun) each(ctx context.Context, fn func(ctx context.Context, rc *rankCase) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, rc := range c.ranks {
		g.Go(func() error {
			if err := fn(ctx, rc); err != nil {
				return fmt.Errorf("rank %d: %w", rc.mesh.Rank, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// buildGeometry builds or loads the geometry of every order on every rank
func (c *caseRun) buildGeometry(ctx context.Context) error {
	start := time.Now()
	for _, order := range c.cfg.Orders() {
		if err := c.buildOrder(ctx, order); err != nil {
			return fmt.Errorf("order %d: %w", order, err)
		}
	}
	c.logger.Info("geometry ready",
		zap.Ints("orders", c.cfg.Orders()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// buildOrder binds, or rebuilds, one order on every rank
func (c *caseRun) buildOrder(ctx context.Context, order int) error {
	return c.each(ctx, func(ctx context.Context, rc *rankCase) error {
		shared, ok := rc.geom[order]
		if !ok {
			shared = new(geomcache.Shared)
			rc.geom[order] = shared
		}
		b := stencil.NewBuilder(stencil.Config{
			Order:  order,
			Cache:  c.store,
			Logger: c.logger.Named("stencil"),
		}, rc.tr)
		_, err := shared.Rebuild(ctx, b, rc.mesh)
		return err
	})
}
