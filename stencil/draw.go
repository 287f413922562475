package stencil

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"gonum.org/v1/gonum/spatial/r3"
)

// WriteStencils writes the stencils of the given local cells as CSV point
// clouds, one row per member. A nil cell list writes every local cell.
func WriteStencils(w io.Writer, g *Geometry, cells []int) error {
	if cells == nil {
		cells = make([]int, g.NCells)
		for i := range cells {
			cells[i] = i
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"cell", "stencil", "sector", "member", "global", "x", "y", "z"}); err != nil {
		return err
	}
	ftoa := func(x float64) string { return strconv.FormatFloat(x, 'g', -1, 64) }
	for _, ci := range cells {
		if ci < 0 || ci >= g.NCells {
			return fmt.Errorf("cell %d is not local (%d cells)", ci, g.NCells)
		}
		c := &g.Centers[ci]
		for si, s := range c.Stencils {
			for k, off := range s.Offsets {
				x := r3.Add(c.Position, off)
				row := []string{
					strconv.Itoa(c.Global), strconv.Itoa(si), strconv.Itoa(s.Sector),
					strconv.Itoa(k), strconv.Itoa(s.Globals[k]),
					ftoa(x.X), ftoa(x.Y), ftoa(x.Z),
				}
				if err := cw.Write(row); err != nil {
					return err
				}
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
