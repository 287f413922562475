package partitions

import (
	"testing"

	"github.com/notargets/wenofit/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

func decompose(t *testing.T, m *mesh.Mesh, n int, s PartitionStrategy) []*mesh.Mesh {
	t.Helper()
	pb := &PartitionBuilder{Mesh: m, NumPartitions: n, Strategy: s}
	layout, err := pb.BuildPartitions()
	if err != nil {
		t.Fatalf("BuildPartitions: %v", err)
	}
	subs, err := Decompose(m, layout)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	return subs
}

func TestDecomposeConservesCellsAndFaces(t *testing.T) {
	m := newBox(t, [3]int{4, 4, 2}, [3]bool{})

	for _, s := range []PartitionStrategy{BlockPartition, RoundRobin, GraphPartition} {
		t.Run(s.String(), func(t *testing.T) {
			subs := decompose(t, m, 3, s)

			cells := 0
			internal := 0
			procFaces := 0
			volume := 0.0
			for _, sub := range subs {
				cells += sub.NCells()
				internal += sub.NInternalFaces()
				for _, p := range sub.Patches {
					if p.Kind == mesh.Processor {
						procFaces += p.Size
					}
				}
				for _, v := range sub.CellVolumes {
					volume += v
				}
			}
			if cells != m.NCells() {
				t.Errorf("Expected %d cells over all ranks, got %d", m.NCells(), cells)
			}
			// Every split internal face appears once on each side
			if internal+procFaces/2 != m.NInternalFaces() {
				t.Errorf("Internal faces: %d local + %d/2 processor, want %d",
					internal, procFaces, m.NInternalFaces())
			}
			if volume < 32-1e-12 || volume > 32+1e-12 {
				t.Errorf("Expected total volume 32, got %g", volume)
			}
		})
	}
}

func TestDecomposeProcessorFaces(t *testing.T) {
	m := newBox(t, [3]int{4, 4, 2}, [3]bool{})
	// Block partitioning puts the k=0 layer on rank 0 and k=1 on rank 1
	subs := decompose(t, m, 2, BlockPartition)

	for r, sub := range subs {
		if sub.Rank != r || sub.NumRanks != 2 {
			t.Fatalf("Sub-mesh %d reports rank %d of %d", r, sub.Rank, sub.NumRanks)
		}
		if len(sub.Patches) != 7 {
			t.Fatalf("Rank %d: expected 6 box patches and 1 processor patch, got %d",
				r, len(sub.Patches))
		}
		proc := sub.Patches[6]
		if proc.Kind != mesh.Processor || proc.NbrRank != 1-r || proc.Size != 16 {
			t.Fatalf("Rank %d: unexpected processor patch %+v", r, proc)
		}

		for i := 0; i < proc.Size; i++ {
			f := proc.Start + i
			owner := sub.Owner[f]
			out := r3.Sub(sub.FaceCenters[f], sub.CellCenters[owner])
			if r3.Dot(out, sub.FaceAreas[f]) <= 0 {
				t.Errorf("Rank %d face %d: area does not leave the owner", r, f)
			}
			ctr, area := faceGeometryOf(sub, f)
			if r3.Norm(r3.Sub(area, sub.FaceAreas[f])) > 1e-12 {
				t.Errorf("Rank %d face %d: point order disagrees with area (%v vs %v)",
					r, f, area, sub.FaceAreas[f])
			}
			if r3.Norm(r3.Sub(ctr, sub.FaceCenters[f])) > 1e-12 {
				t.Errorf("Rank %d face %d: center mismatch", r, f)
			}

			cpl := proc.Couplings[i]
			if cpl.NbrRank != 1-r || cpl.NbrLocal != -1 || !cpl.Delta.IsZero() {
				t.Errorf("Rank %d face %d: unexpected coupling %+v", r, f, cpl)
			}
			if got, want := cpl.NbrGlobal, sub.CellGlobal[owner]+16*(1-2*r); got != want {
				t.Errorf("Rank %d face %d: neighbour %d, want %d", r, f, got, want)
			}
			if i > 0 && sub.FaceGlobal[f-1] >= sub.FaceGlobal[f] {
				t.Errorf("Rank %d: processor faces not in global face order", r)
			}
		}
	}
}

func TestDecomposeCyclic(t *testing.T) {
	m := newBox(t, [3]int{4, 1, 1}, [3]bool{true, false, false})
	subs := decompose(t, m, 2, BlockPartition)

	// Rank 0 owns cells 0,1 and rank 1 owns 2,3. The x-periodic faces of
	// cells 0 and 3 cross the rank boundary.
	for r, sub := range subs {
		var xmin, xmax, proc *mesh.Patch
		for p := range sub.Patches {
			switch patch := &sub.Patches[p]; patch.Name {
			case "xmin":
				xmin = patch
			case "xmax":
				xmax = patch
			}
			if sub.Patches[p].Kind == mesh.Processor {
				proc = &sub.Patches[p]
			}
		}
		if xmin == nil || xmax == nil || proc == nil {
			t.Fatalf("Rank %d: missing patches", r)
		}
		if xmin.Kind != mesh.Cyclic || xmin.Size != 0 || xmax.Size != 0 {
			t.Errorf("Rank %d: cyclic patches should stay, empty: %+v %+v", r, xmin, xmax)
		}
		if proc.Size != 2 {
			t.Fatalf("Rank %d: expected 2 processor faces, got %d", r, proc.Size)
		}

		images := 0
		for _, cpl := range proc.Couplings {
			if !cpl.Delta.IsZero() {
				images++
				want := mesh.Image{-1, 0, 0}
				if r == 1 {
					want = mesh.Image{1, 0, 0}
				}
				if cpl.Delta != want {
					t.Errorf("Rank %d: periodic delta %v, want %v", r, cpl.Delta, want)
				}
			}
		}
		if images != 1 {
			t.Errorf("Rank %d: expected one periodic processor face, got %d", r, images)
		}
	}
}

func TestDecomposeRejectsDecomposed(t *testing.T) {
	m := newBox(t, [3]int{2, 2, 2}, [3]bool{})
	subs := decompose(t, m, 2, BlockPartition)
	layout, _ := NewLayout(make([]int, subs[0].NCells()))
	if _, err := Decompose(subs[0], layout); err == nil {
		t.Error("expected an error decomposing a sub-mesh")
	}
}

// faceGeometryOf recomputes a face's center and area from its point loop
func faceGeometryOf(m *mesh.Mesh, f int) (r3.Vec, r3.Vec) {
	pts := m.Faces[f]
	var est r3.Vec
	for _, p := range pts {
		est = r3.Add(est, m.Points[p])
	}
	est = r3.Scale(1/float64(len(pts)), est)
	var area r3.Vec
	for i := range pts {
		p0 := m.Points[pts[i]]
		p1 := m.Points[pts[(i+1)%len(pts)]]
		area = r3.Add(area, r3.Scale(0.5, r3.Cross(r3.Sub(p1, p0), r3.Sub(est, p0))))
	}
	return est, area
}
