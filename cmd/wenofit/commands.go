package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"slices"
	"strconv"
	"text/tabwriter"

	"github.com/notargets/wenofit/field"
	"github.com/notargets/wenofit/scheme"
	"github.com/notargets/wenofit/stencil"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"
)

func newBuildCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Build or load the stencil geometry of every scheme order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.runContext(cmd)
			defer cancel()
			c, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.writeSummary(cmd.OutOrStdout())
		},
	}
}

// writeSummary prints one line per rank and order
func (c *caseRun) writeSummary(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tORDER\tCELLS\tCENTERS\tHALO\tSTENCILS\tMEAN SIZE")
	for _, order := range c.cfg.Orders() {
		for _, rc := range c.ranks {
			g, err := rc.geom[order].Load()
			if err != nil {
				return err
			}
			nSt, nMem := 0, 0
			for ci := 0; ci < g.NCells; ci++ {
				for _, s := range g.Centers[ci].Stencils {
					nSt++
					nMem += s.Len()
				}
			}
			mean := 0.0
			if nSt > 0 {
				mean = float64(nMem) / float64(nSt)
			}
			fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%.2f\n",
				g.Rank, order, g.NCells, len(g.Centers), len(g.Halo), nSt, mean)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	keys, err := c.store.Keys()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "cache entries: %d\n", len(keys))
	return nil
}

func newInspectCmd(a *app) *cobra.Command {
	var (
		order int
		draw  string
		cells []int
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the halo plan of every rank and optionally draw stencils",
		Long: `Prints, per rank, the neighbour rank of every patch and the number of cells
exchanged with each peer. With --draw the stencils of the cells named by
--cells (global ids, all cells when empty) are written as CSV point clouds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if order < 0 {
				orders := a.cfg.Orders()
				if len(orders) == 0 {
					return fmt.Errorf("no WENO scheme configured, pass --order")
				}
				order = orders[0]
			}
			ctx, cancel := a.runContext(cmd)
			defer cancel()
			c, err := openCase(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.buildOrder(ctx, order); err != nil {
				return err
			}
			if err := c.writeHalo(cmd.OutOrStdout(), order); err != nil {
				return err
			}
			if draw == "" {
				return nil
			}
			return c.drawStencils(draw, order, cells)
		},
	}
	cmd.Flags().IntVar(&order, "order", -1, "Stencil order (default: lowest configured)")
	cmd.Flags().StringVar(&draw, "draw", "", "Write stencils to this CSV file")
	cmd.Flags().IntSliceVar(&cells, "cells", nil, "Global cell ids to draw")
	return cmd
}

func (c *caseRun) writeHalo(out io.Writer, order int) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tPATCH\tKIND\tFACES\tPEER")
	for _, rc := range c.ranks {
		g, err := rc.geom[order].Load()
		if err != nil {
			return err
		}
		for p, patch := range rc.mesh.Patches {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\n", g.Rank, patch.Name, patch.Kind, patch.Size, g.PatchToProc[p])
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "RANK\tPEER\tSEND\tRECEIVE")
	for _, rc := range c.ranks {
		g, _ := rc.geom[order].Load()
		for _, q := range g.Connector.Peers() {
			fmt.Fprintf(w, "%d\t%d\t%d\t%d\n", g.Rank, q,
				len(g.Connector.GetPickIndices(q)), len(g.Connector.GetPlaceIndices(q)))
		}
	}
	return w.Flush()
}

// drawStencils writes the stencils of the selected cells of every rank
// into one CSV file
func (c *caseRun) drawStencils(path string, order int, globals []int) error {
	want := make(map[int]bool, len(globals))
	for _, gc := range globals {
		want[gc] = true
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	bw := bufio.NewWriter(f)

	for r, rc := range c.ranks {
		g, err := rc.geom[order].Load()
		if err != nil {
			return err
		}
		var local []int
		if len(want) > 0 {
			local = []int{}
			for ci, gc := range rc.mesh.CellGlobal {
				if want[gc] {
					local = append(local, ci)
				}
			}
		}
		var buf bytes.Buffer
		if err := stencil.WriteStencils(&buf, g, local); err != nil {
			return fmt.Errorf("rank %d: %w", r, err)
		}
		b := buf.Bytes()
		if r > 0 {
			// Header once
			b = b[bytes.IndexByte(b, '\n')+1:]
		}
		if _, err := bw.Write(b); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	c.logger.Info("stencils drawn", zap.String("path", path), zap.Int("cells", len(globals)))
	return f.Close()
}

func newReconstructCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "reconstruct",
		Short: "Evaluate every configured scheme on the initial field",
		Long: `Sets up the flux phi = U.S from the configured velocity and the initial field,
then evaluates the upwind weights and the explicit correction of every scheme.
Per rank statistics go to stdout, per face values to --out.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.runContext(cmd)
			defer cancel()
			c, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			results, err := c.reconstruct(ctx)
			if err != nil {
				return err
			}
			if err := writeStats(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			if out == "" {
				return nil
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := c.writeFaces(f, results); err != nil {
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write per face values to this CSV file")
	return cmd
}

// faceResult is one scheme evaluated on one rank
type faceResult struct {
	scheme  string
	spec    scheme.Spec
	rank    int
	flux    *field.SurfaceField[float64]
	weights *field.SurfaceField[float64]
	corr    *field.SurfaceField[float64]
}

// reconstruct evaluates every scheme, in name order, on every rank
func (c *caseRun) reconstruct(ctx context.Context) ([]faceResult, error) {
	fn := initialFields[c.cfg.Field]
	u := c.cfg.velocity()
	var results []faceResult
	for _, name := range slices.Sorted(maps.Keys(c.cfg.Schemes)) {
		spec, err := scheme.ParseString(c.cfg.Schemes[name])
		if err != nil {
			return nil, err
		}
		byRank := make([]faceResult, len(c.ranks))
		err = c.each(ctx, func(ctx context.Context, rc *rankCase) error {
			m := rc.mesh
			phi := field.FluxFunc(m, "phi", func(r3.Vec) r3.Vec { return u })
			env := scheme.Env{
				Mesh:      m,
				Transport: rc.tr,
				Geometry:  rc.geom[spec.Order],
				Fluxes:    map[string]*field.SurfaceField[float64]{"phi": phi},
				Evaluator: rc.eval,
				Logger:    c.logger.Named("scheme"),
			}
			s, err := scheme.New[float64](spec, env)
			if err != nil {
				return err
			}
			vf := field.NewVolField[float64](m, name, 0)
			vf.SetFunc(m, fn)
			corr, err := s.Correction(ctx, vf)
			if err != nil {
				return err
			}
			flux := phi
			if spec.Flux == "" {
				flux = field.NewSurfaceField[float64](m, "zeroFlux")
			}
			byRank[m.Rank] = faceResult{
				scheme: name, spec: spec, rank: m.Rank,
				flux: flux, weights: s.Weights(), corr: corr,
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scheme %s: %w", name, err)
		}
		results = append(results, byRank...)
	}
	return results, nil
}

func writeStats(out io.Writer, results []faceResult) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tSCHEME\tRANK\tFACES\tCORRECTED\tMAX |CORR|\tL1 CORR")
	for _, r := range results {
		n, maxAbs, l1 := 0, 0.0, 0.0
		for _, v := range r.corr.Values {
			if v != 0 {
				n++
			}
			maxAbs = math.Max(maxAbs, math.Abs(v))
			l1 += math.Abs(v)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%.6e\t%.6e\n",
			r.scheme, r.spec, r.rank, len(r.corr.Values), n, maxAbs, l1)
	}
	return w.Flush()
}

// writeFaces writes one CSV row per scheme, rank and face
func (c *caseRun) writeFaces(out io.Writer, results []faceResult) error {
	cw := csv.NewWriter(out)
	if err := cw.Write([]string{"field", "rank", "face", "x", "y", "z", "flux", "weight", "correction"}); err != nil {
		return err
	}
	ftoa := func(x float64) string { return strconv.FormatFloat(x, 'g', -1, 64) }
	for _, r := range results {
		m := c.ranks[r.rank].mesh
		for f := range r.corr.Values {
			x := m.FaceCenters[f]
			row := []string{
				r.scheme, strconv.Itoa(r.rank), strconv.Itoa(m.FaceGlobal[f]),
				ftoa(x.X), ftoa(x.Y), ftoa(x.Z),
				ftoa(r.flux.Values[f]), ftoa(r.weights.Values[f]), ftoa(r.corr.Values[f]),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
