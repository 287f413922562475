package mesh

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Digest identifies the mesh topology, geometry and decomposition. Two meshes
// with equal digests produce identical preprocessing output.
func (m *Mesh) Digest() string {
	h := sha256.New()
	w := digestWriter{h: h}

	w.ints(m.Rank, m.NumRanks, m.NGlobalCells, m.NCells())
	w.vecs(m.Points)
	w.ints(m.PointGlobal...)
	w.ints(len(m.Faces))
	for _, f := range m.Faces {
		w.ints(len(f))
		w.ints(f...)
	}
	w.ints(m.Owner...)
	w.ints(m.Neighbour...)
	w.ints(m.CellGlobal...)
	w.ints(m.FaceGlobal...)
	w.vecs(m.Translations[:])
	w.vecs(m.CellCenters)
	w.vecs(m.FaceAreas)

	w.ints(len(m.Patches))
	for _, p := range m.Patches {
		h.Write([]byte(p.Name))
		w.ints(int(p.Kind), p.Start, p.Size, p.NbrRank)
		for _, c := range p.Couplings {
			w.ints(c.NbrGlobal, c.NbrRank, c.NbrLocal, int(c.Delta[0]), int(c.Delta[1]), int(c.Delta[2]))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

type digestWriter struct {
	h   hash.Hash
	buf [8]byte
}

func (w *digestWriter) ints(vals ...int) {
	for _, v := range vals {
		binary.LittleEndian.PutUint64(w.buf[:], uint64(int64(v)))
		w.h.Write(w.buf[:])
	}
}

func (w *digestWriter) vecs(vals []r3.Vec) {
	for _, v := range vals {
		for _, x := range [3]float64{v.X, v.Y, v.Z} {
			binary.LittleEndian.PutUint64(w.buf[:], math.Float64bits(x))
			w.h.Write(w.buf[:])
		}
	}
}
