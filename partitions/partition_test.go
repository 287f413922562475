package partitions

import (
	"testing"

	"github.com/notargets/wenofit/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

func newBox(t *testing.T, n [3]int, periodic [3]bool) *mesh.Mesh {
	t.Helper()
	m, err := mesh.NewBoxMesh(mesh.BoxSpec{
		N:        n,
		Lengths:  r3.Vec{X: float64(n[0]), Y: float64(n[1]), Z: float64(n[2])},
		Periodic: periodic,
	})
	if err != nil {
		t.Fatalf("box mesh: %v", err)
	}
	return m
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		name string
		want PartitionStrategy
	}{
		{"block", BlockPartition},
		{"Round_Robin", RoundRobin},
		{"graph", GraphPartition},
		{"MORTON", SpaceFillingCurve},
		{"prescribed", Prescribed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStrategy(tt.name)
			if err != nil {
				t.Fatalf("ParseStrategy(%q): %v", tt.name, err)
			}
			if got != tt.want {
				t.Errorf("ParseStrategy(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}

	if _, err := ParseStrategy("metis"); err == nil {
		t.Error("expected an error for an unknown strategy")
	}
}

func TestBuildPartitionsStrategies(t *testing.T) {
	m := newBox(t, [3]int{6, 5, 1}, [3]bool{})
	strategies := []PartitionStrategy{BlockPartition, RoundRobin, GraphPartition, SpaceFillingCurve}

	for _, s := range strategies {
		t.Run(s.String(), func(t *testing.T) {
			pb := &PartitionBuilder{Mesh: m, NumPartitions: 4, Strategy: s}
			layout, err := pb.BuildPartitions()
			if err != nil {
				t.Fatalf("BuildPartitions: %v", err)
			}
			if layout.NumPartitions != 4 {
				t.Fatalf("Expected 4 partitions, got %d", layout.NumPartitions)
			}

			stats := layout.PartitionStatistics()
			t.Logf("%s: min %d max %d imbalance %.3f", s, stats.MinCells, stats.MaxCells, stats.Imbalance)
			if stats.MaxCells-stats.MinCells > 1 {
				t.Errorf("Partition sizes differ by more than one: min %d, max %d",
					stats.MinCells, stats.MaxCells)
			}

			seen := make([]bool, m.NCells())
			for _, p := range layout.Partitions {
				for _, c := range p.Cells {
					if seen[c] {
						t.Errorf("Cell %d assigned twice", c)
					}
					seen[c] = true
				}
			}
			for c, ok := range seen {
				if !ok {
					t.Errorf("Cell %d unassigned", c)
				}
			}
		})
	}

	t.Run("target size", func(t *testing.T) {
		pb := &PartitionBuilder{Mesh: m, TargetPartitionSize: 8}
		layout, err := pb.BuildPartitions()
		if err != nil {
			t.Fatalf("BuildPartitions: %v", err)
		}
		if layout.NumPartitions != 4 {
			t.Errorf("Expected ceil(30/8) = 4 partitions, got %d", layout.NumPartitions)
		}
	})

	t.Run("prescribed", func(t *testing.T) {
		cToP := make([]int, m.NCells())
		for c := range cToP {
			cToP[c] = (c / 3) % 2
		}
		pb := &PartitionBuilder{Mesh: m, Strategy: Prescribed, CToP: cToP}
		layout, err := pb.BuildPartitions()
		if err != nil {
			t.Fatalf("BuildPartitions: %v", err)
		}
		for c, p := range cToP {
			if layout.GetPartition(c) != p {
				t.Errorf("Cell %d: got partition %d, want %d", c, layout.GetPartition(c), p)
			}
		}

		pb.CToP = cToP[:5]
		if _, err := pb.BuildPartitions(); err == nil {
			t.Error("expected an error for a short partition map")
		}
	})

	t.Run("too many partitions", func(t *testing.T) {
		pb := &PartitionBuilder{Mesh: m, NumPartitions: 31}
		if _, err := pb.BuildPartitions(); err == nil {
			t.Error("expected an error when partitions outnumber cells")
		}
	})
}

func TestNewLayout(t *testing.T) {
	layout, err := NewLayout([]int{1, 0, 1, 1, 0})
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	if layout.KpartMax != 3 {
		t.Errorf("Expected KpartMax 3, got %d", layout.KpartMax)
	}
	if got := layout.Partitions[0].Cells; len(got) != 2 || got[0] != 1 || got[1] != 4 {
		t.Errorf("Partition 0 cells: got %v, want [1 4]", got)
	}
	if layout.GetPartition(7) != -1 {
		t.Error("Out of range cell should map to -1")
	}

	if _, err := NewLayout([]int{0, 2, 2}); err == nil {
		t.Error("expected an error for an empty partition")
	}
	if _, err := NewLayout([]int{0, -1}); err == nil {
		t.Error("expected an error for a negative partition")
	}
}
