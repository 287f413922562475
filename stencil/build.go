package stencil

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"time"

	"github.com/notargets/wenofit/halo"
	"github.com/notargets/wenofit/mesh"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultExtensionLayers bounds how many layers a stencil may grow beyond
// its initial size
const DefaultExtensionLayers = 2

// Config controls a Builder
type Config struct {
	Order           int
	ExtensionLayers int   // <= 0 selects DefaultExtensionLayers
	Cache           Cache // Optional
	Logger          *zap.Logger
}

// Builder computes Geometry for one rank. Build is collective: every rank
// of the transport must call it with its own partition of the same mesh.
type Builder struct {
	order  int
	ext    int
	tr     halo.Transport
	cache  Cache
	logger *zap.Logger
}

// NewBuilder panics on a nil transport
func NewBuilder(cfg Config, tr halo.Transport) *Builder {
	if tr == nil {
		panic("stencil: nil transport")
	}
	b := &Builder{
		order:  cfg.Order,
		ext:    cfg.ExtensionLayers,
		tr:     tr,
		cache:  cfg.Cache,
		logger: cfg.Logger,
	}
	if b.ext <= 0 {
		b.ext = DefaultExtensionLayers
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	return b
}

// Order returns the polynomial order
func (b *Builder) Order() int { return b.order }

// zoneDepth is the largest hop count any stencil growth walks
func (b *Builder) zoneDepth() int { return max(b.order, 1) + 2*b.ext }

// Build returns the geometry of m, from the cache when every rank has a
// valid entry, otherwise by running the full pipeline.
func (b *Builder) Build(ctx context.Context, m *mesh.Mesh) (*Geometry, error) {
	if b.order < 0 {
		return nil, fmt.Errorf("%w: %d", ErrOrder, b.order)
	}
	if m.Rank != b.tr.Rank() || m.NumRanks != b.tr.Size() {
		return nil, fmt.Errorf("mesh is rank %d of %d, transport is rank %d of %d",
			m.Rank, m.NumRanks, b.tr.Rank(), b.tr.Size())
	}
	log := b.logger.With(zap.Int("rank", m.Rank), zap.Int("order", b.order))

	var key CacheKey
	if b.cache != nil {
		key = CacheKey{Digest: m.Digest(), Order: b.order, Rank: m.Rank, Size: m.NumRanks}
		g, hit := b.readList(key, m, log)
		all, err := b.agree(ctx, hit)
		if err != nil {
			return nil, err
		}
		if all {
			cacheResults.WithLabelValues("hit").Inc()
			return g, nil
		}
		if hit {
			log.Debug("cache hit discarded, a peer missed")
		}
	}

	start := time.Now()
	g, err := b.build(ctx, m, log)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	buildDuration.Observe(elapsed.Seconds())
	log.Info("stencils built",
		zap.Int("cells", g.NCells),
		zap.Int("centers", len(g.Centers)),
		zap.Int("haloCells", len(g.Halo)),
		zap.Duration("elapsed", elapsed))

	if b.cache != nil {
		b.writeList(key, g, log)
	}
	return g, nil
}

func (b *Builder) readList(key CacheKey, m *mesh.Mesh, log *zap.Logger) (*Geometry, bool) {
	g, err := b.cache.Read(key)
	switch {
	case err != nil:
		cacheResults.WithLabelValues("miss").Inc()
		log.Debug("geometry cache miss", zap.Error(err))
		return nil, false
	case !g.matches(m, b.order):
		cacheResults.WithLabelValues("stale").Inc()
		log.Info("cached geometry does not match the mesh, rebuilding")
		return nil, false
	}
	return g, true
}

func (b *Builder) writeList(key CacheKey, g *Geometry, log *zap.Logger) {
	if err := b.cache.Write(key, g); err != nil {
		log.Warn("geometry not cached", zap.Error(err))
	}
}

// agree runs one exchange round so that all ranks take the cache path
// together or none does
func (b *Builder) agree(ctx context.Context, hit bool) (bool, error) {
	out := make(map[int]bool, b.tr.Size())
	for q := 0; q < b.tr.Size(); q++ {
		if q != b.tr.Rank() {
			out[q] = hit
		}
	}
	in, err := halo.ExchangeValues[bool, bool](ctx, b.tr, out)
	if err != nil {
		return false, fmt.Errorf("cache agreement: %w", err)
	}
	all := hit
	for q := 0; q < b.tr.Size(); q++ {
		if q != b.tr.Rank() {
			all = all && in[q]
		}
	}
	return all, nil
}

func (b *Builder) build(ctx context.Context, m *mesh.Mesh, log *zap.Logger) (*Geometry, error) {
	local := localRecords(m)
	gr := &graph{m: m, recs: make(map[int]*CellRecord, len(local))}
	for i := range local {
		gr.recs[local[i].Global] = &local[i]
	}

	// Phase 1: topology. Every rank ships the records near its processor
	// boundaries to all peers.
	if b.tr.Size() > 1 {
		zone := zoneCells(m, b.zoneDepth())
		recs := make([]CellRecord, len(zone))
		for i, c := range zone {
			recs[i] = local[c]
		}
		out := make(map[int][]CellRecord, b.tr.Size())
		for q := 0; q < b.tr.Size(); q++ {
			if q != b.tr.Rank() {
				out[q] = recs
			}
		}
		in, err := halo.ExchangeValues[[]CellRecord, []CellRecord](ctx, b.tr, out)
		if err != nil {
			return nil, fmt.Errorf("topology exchange: %w", err)
		}
		received := 0
		for _, q := range sortedKeys(in) {
			for i := range in[q] {
				rec := &in[q][i]
				gr.recs[rec.Global] = rec
			}
			received += len(in[q])
		}
		log.Debug("topology exchanged", zap.Int("sent", len(recs)), zap.Int("received", received))
	}

	g := &Geometry{
		Version:     Version,
		Order:       b.order,
		Rank:        m.Rank,
		Size:        m.NumRanks,
		NCells:      m.NCells(),
		PatchToProc: patchToProcMap(m),
	}

	// Centers: local cells, then remote neighbours across processor faces
	roots := make([]*CellRecord, 0, m.NCells())
	for i := range local {
		roots = append(roots, &local[i])
	}
	ghostIndex := make(map[int]int)
	var ghosts []int
	for _, p := range m.Patches {
		if p.Kind != mesh.Processor {
			continue
		}
		for _, cpl := range p.Couplings {
			if _, ok := ghostIndex[cpl.NbrGlobal]; !ok {
				ghostIndex[cpl.NbrGlobal] = -1
				ghosts = append(ghosts, cpl.NbrGlobal)
			}
		}
	}
	slices.Sort(ghosts)
	for i, gl := range ghosts {
		rec, err := gr.record(gl)
		if err != nil {
			return nil, err
		}
		ghostIndex[gl] = m.NCells() + i
		roots = append(roots, rec)
	}

	g.Centers = make([]Center, len(roots))
	var grp errgroup.Group
	grp.SetLimit(runtime.GOMAXPROCS(0))
	for i, root := range roots {
		grp.Go(func() error {
			c, err := b.buildCenter(gr, root)
			if err != nil {
				return fmt.Errorf("cell %d: %w", root.Global, err)
			}
			g.Centers[i] = c
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	// Value slots: local cells by index, remote cells by ascending global id
	globalToLocal := make(map[int]int, m.NCells())
	for c, gl := range m.CellGlobal {
		globalToLocal[gl] = c
	}
	remoteSet := make(map[int]struct{})
	for i := range g.Centers {
		c := &g.Centers[i]
		if _, ok := globalToLocal[c.Global]; !ok {
			remoteSet[c.Global] = struct{}{}
		}
		for _, s := range c.Stencils {
			for _, gl := range s.Globals {
				if _, ok := globalToLocal[gl]; !ok {
					remoteSet[gl] = struct{}{}
				}
			}
		}
	}
	remote := sortedKeys(remoteSet)
	slotOf := func(gl int) int {
		if l, ok := globalToLocal[gl]; ok {
			return l
		}
		i, _ := slices.BinarySearch(remote, gl)
		return m.NCells() + i
	}
	for i := range g.Centers {
		c := &g.Centers[i]
		c.Slot = slotOf(c.Global)
		for j := range c.Stencils {
			s := &c.Stencils[j]
			s.Slots = make([]int, len(s.Globals))
			for k, gl := range s.Globals {
				s.Slots[k] = slotOf(gl)
			}
		}
	}

	g.Halo = make([]HaloCell, len(remote))
	for i, gl := range remote {
		rec, err := gr.record(gl)
		if err != nil {
			return nil, err
		}
		g.Halo[i] = HaloCell{
			GlobalID: gl, Owner: rec.Owner, OwnerLocal: rec.Local, Center: rec.Center,
			Patch: -1, PatchFace: -1,
		}
	}
	for p, patch := range m.Patches {
		if patch.Kind != mesh.Processor {
			continue
		}
		for i, cpl := range patch.Couplings {
			h := &g.Halo[slotOf(cpl.NbrGlobal)-m.NCells()]
			if h.Patch < 0 {
				h.Patch, h.PatchFace = p, i
			}
		}
	}

	// Phase 2: membership. Tell each owner which of its cells to send.
	conn, err := b.connect(ctx, g)
	if err != nil {
		return nil, err
	}
	if err := conn.Verify(g.NCells, g.NSlots()); err != nil {
		return nil, fmt.Errorf("halo plan: %w", err)
	}
	g.Connector = conn

	if err := b.faceTables(g, gr, m, ghostIndex); err != nil {
		return nil, err
	}

	for i := range g.Centers {
		for _, s := range g.Centers[i].Stencils {
			stencilSize.Observe(float64(s.Len()))
		}
	}
	return g, nil
}

// connect exchanges halo requests and builds the pick and place plan
func (b *Builder) connect(ctx context.Context, g *Geometry) (*halo.Connector, error) {
	conn := halo.NewConnector(g.Rank, g.Size)
	request := make(map[int][]int)
	for i, h := range g.Halo {
		conn.Place[h.Owner] = append(conn.Place[h.Owner], g.NCells+i)
		request[h.Owner] = append(request[h.Owner], h.OwnerLocal)
	}
	in, err := halo.ExchangeValues[[]int, []int](ctx, b.tr, request)
	if err != nil {
		return nil, fmt.Errorf("membership exchange: %w", err)
	}
	for q, idx := range in {
		conn.Pick[q] = idx
	}
	return conn, nil
}

// buildCenter runs growth, moments and least squares for one center
func (b *Builder) buildCenter(gr *graph, root *CellRecord) (Center, error) {
	jac := newJacobian(root.Center, root.loops())
	c := Center{
		Global:   root.Global,
		Position: root.Center,
		Jacobian: jac,
	}

	gw, err := b.growStencils(gr, root, jac)
	if err != nil {
		return c, err
	}
	c.Dims = gw.dims
	exps := Exponents(b.order, gw.dims)
	c.NDvt = len(exps)

	self := root.polyCell(root.Center, r3.Vec{})
	centerAvg := volumeAverages(self, jac, exps, b.order)

	avgCache := make(map[key][]float64)
	memberAvg := func(mb member) ([]float64, error) {
		if avg, ok := avgCache[mb.key]; ok {
			return avg, nil
		}
		rec, err := gr.record(mb.global)
		if err != nil {
			return nil, err
		}
		avg := volumeAverages(rec.polyCell(root.Center, gr.m.Shift(mb.image)), jac, exps, b.order)
		avgCache[mb.key] = avg
		return avg, nil
	}

	assemble := func(ms []member, sector int) (Stencil, bool, error) {
		s := Stencil{
			Sector:  sector,
			Globals: make([]int, len(ms)),
			Images:  make([]mesh.Image, len(ms)),
			Offsets: make([]r3.Vec, len(ms)),
		}
		for i, mb := range ms {
			s.Globals[i], s.Images[i], s.Offsets[i] = mb.global, mb.image, mb.offset
		}
		if c.NDvt == 0 {
			return s, true, nil
		}
		rows := make([][]float64, 0, len(ms)-1)
		for _, mb := range ms[1:] {
			avg, err := memberAvg(mb)
			if err != nil {
				return s, false, err
			}
			rows = append(rows, avg)
		}
		ls, ok := pseudoInverse(designMatrix(rows, centerAvg))
		s.LS = ls
		return s, ok, nil
	}

	central, ok, err := assemble(gw.central, -1)
	if err != nil {
		return c, err
	}
	if !ok {
		return c, fmt.Errorf("%w: central stencil of %d cells, %d basis functions",
			ErrSingularMatrix, len(gw.central), c.NDvt)
	}
	c.Stencils = append(c.Stencils, central)
	for i, ms := range gw.sectors {
		s, ok, err := assemble(ms, gw.sectorID[i])
		if err != nil {
			return c, err
		}
		if ok {
			c.Stencils = append(c.Stencils, s)
		}
	}

	c.B = oscillation(self, jac, exps, gw.dims, b.order)

	for _, f := range root.Faces {
		if f.Physical {
			continue
		}
		fm := faceAverages(relativeLoop(f.Points, root.Center, r3.Vec{}), jac, exps, b.order)
		for k := range fm {
			fm[k] -= centerAvg[k]
		}
		c.LimitMoments = append(c.LimitMoments, fm)
	}
	return c, nil
}

// faceTables computes the owner and neighbour side moments of every face
func (b *Builder) faceTables(g *Geometry, gr *graph, m *mesh.Mesh, ghostIndex map[int]int) error {
	g.FaceOwner = make([]FaceSide, m.NFaces())
	g.FaceNeighbour = make([]FaceSide, m.NFaces())

	cellAvg := make([][]float64, len(g.Centers))
	expsOf := make([][][3]int, len(g.Centers))
	centerAvg := func(i int) ([]float64, [][3]int, error) {
		if cellAvg[i] == nil {
			c := &g.Centers[i]
			rec, err := gr.record(c.Global)
			if err != nil {
				return nil, nil, err
			}
			expsOf[i] = Exponents(b.order, c.Dims)
			cellAvg[i] = volumeAverages(rec.polyCell(rec.Center, r3.Vec{}), c.Jacobian, expsOf[i], b.order)
		}
		return cellAvg[i], expsOf[i], nil
	}

	side := func(f, ci int, origin, shift r3.Vec) (FaceSide, error) {
		avg, exps, err := centerAvg(ci)
		if err != nil {
			return FaceSide{}, err
		}
		c := &g.Centers[ci]
		loop := relativeLoop(canonicalLoop(m, f), origin, shift)
		fm := faceAverages(loop, c.Jacobian, exps, b.order)
		for k := range fm {
			fm[k] -= avg[k]
		}
		return FaceSide{Center: ci, Moments: fm, Area: r3.Norm(m.FaceAreas[f])}, nil
	}

	var err error
	for f := 0; f < m.NFaces(); f++ {
		o := m.Owner[f]
		if g.FaceOwner[f], err = side(f, o, g.Centers[o].Position, r3.Vec{}); err != nil {
			return err
		}

		nbr := FaceSide{Center: -1, Area: g.FaceOwner[f].Area}
		switch {
		case m.IsInternal(f):
			n := m.Neighbour[f]
			nbr, err = side(f, n, g.Centers[n].Position, r3.Vec{})
		default:
			cpl, coupled := m.CouplingOf(f)
			if !coupled {
				break
			}
			ci := cpl.NbrLocal
			if cpl.NbrRank != m.Rank {
				ci = ghostIndex[cpl.NbrGlobal]
			}
			// The neighbour sits at image Delta from the face's cell
			nbr, err = side(f, ci, g.Centers[ci].Position, r3.Scale(-1, m.Shift(cpl.Delta)))
		}
		if err != nil {
			return err
		}
		g.FaceNeighbour[f] = nbr
	}
	return nil
}

// patchToProcMap maps each patch to the rank it exchanges with
func patchToProcMap(m *mesh.Mesh) []int {
	procs := make([]int, len(m.Patches))
	for p, patch := range m.Patches {
		switch patch.Kind {
		case mesh.Processor:
			procs[p] = patch.NbrRank
		case mesh.Cyclic:
			procs[p] = m.Rank
		default:
			procs[p] = -1
		}
	}
	return procs
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
