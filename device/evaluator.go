package device

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/notargets/gocca"
	"github.com/notargets/wenofit/reconstruct"
	"go.uber.org/zap"
)

// ErrNoDevice is returned when no backend could be created
var ErrNoDevice = errors.New("device: no OCCA backend available")

// Backends are tried in order by NewDevice
var Backends = []string{
	`{"mode": "OpenMP"}`,
	`{"mode": "CUDA", "device_id": 0}`,
	`{"mode": "Serial"}`,
}

// NewDevice creates the first backend of props (or Backends) that works
func NewDevice(props ...string) (*gocca.OCCADevice, error) {
	if len(props) == 0 {
		props = Backends
	}
	for _, p := range props {
		if d, err := gocca.NewDevice(p); err == nil {
			return d, nil
		}
	}
	return nil, ErrNoDevice
}

const kernelName = "evaluateFaces"

const kernelSource = `
@kernel void evaluateFaces(const int_t *K,
                           const int_t *centers_global, const int_t *centers_offsets,
                           const real_t *moments_global, const int_t *moments_offsets,
                           const real_t *coeffs,
                           real_t *out_global, const int_t *out_offsets) {
	for (int part = 0; part < NPART; ++part; @outer) {
		const int_t *centers = centers_PART(part);
		const real_t *moments = moments_PART(part);
		real_t *out = out_PART(part);
		for (int i = 0; i < KpartMax; ++i; @inner) {
			if (i < K[part]) {
				const real_t *a = coeffs + centers[i] * STRIDE;
				const real_t *m = moments + i * STRIDE;
				real_t sum = REAL_ZERO;
				for (int k = 0; k < STRIDE; ++k) {
					sum += a[k] * m[k];
				}
				out[i] = sum;
			}
		}
	}
}
`

// OCCAEvaluator evaluates face polynomials with one kernel launch per call.
// The kernel and the side arrays are kept while the stride and the side
// list stay the same, which they do for a fixed geometry.
type OCCAEvaluator struct {
	Device     *gocca.OCCADevice
	Partitions int
	Logger     *zap.Logger

	mu sync.Mutex
	ks *kernelSet
}

var _ reconstruct.FaceEvaluator = (*OCCAEvaluator)(nil)

// NewOCCAEvaluator panics on a nil device
func NewOCCAEvaluator(device *gocca.OCCADevice, partitions int, logger *zap.Logger) *OCCAEvaluator {
	if device == nil {
		panic("device: nil OCCA device")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OCCAEvaluator{Device: device, Partitions: max(partitions, 1), Logger: logger}
}

// kernelSet is the compiled kernel of one stride and side list
type kernelSet struct {
	b       *Builder
	stride  int
	centers *int32 // identity of the uploaded side list
	moments *float64
	nSides  int

	kernel *gocca.OCCAKernel
	mem    map[string]*gocca.OCCAMemory
	offs   map[string][]int64

	nCoeffs int
	staging []float64
}

func (e *OCCAEvaluator) Evaluate(stride int, centers []int32, moments, coeffs, out []float64) error {
	if len(out) != len(centers) || len(moments) != len(centers)*stride {
		return fmt.Errorf("evaluate: %d sides, %d moments, %d outputs at stride %d",
			len(centers), len(moments), len(out), stride)
	}
	if len(centers) == 0 || stride == 0 {
		clear(out)
		return nil
	}
	for _, c := range centers {
		if int(c+1)*stride > len(coeffs) {
			return fmt.Errorf("evaluate: center %d beyond %d coefficients", c, len(coeffs))
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ks := e.ks
	if ks == nil || !ks.matches(stride, centers, moments) {
		if ks != nil {
			ks.free()
		}
		var err error
		if ks, err = e.newKernelSet(stride, centers, moments); err != nil {
			e.ks = nil
			return err
		}
		e.ks = ks
	}

	if len(coeffs) != ks.nCoeffs {
		if m, ok := ks.mem["coeffs"]; ok {
			m.Free()
		}
		ks.mem["coeffs"] = e.Device.Malloc(int64(len(coeffs)*8), nil, nil)
		ks.nCoeffs = len(coeffs)
	}
	ks.mem["coeffs"].CopyFrom(unsafe.Pointer(&coeffs[0]), int64(len(coeffs)*8))

	if err := ks.kernel.RunWithArgs(
		ks.mem["K"],
		ks.mem["centers_global"], ks.mem["centers_offsets"],
		ks.mem["moments_global"], ks.mem["moments_offsets"],
		ks.mem["coeffs"],
		ks.mem["out_global"], ks.mem["out_offsets"],
	); err != nil {
		return fmt.Errorf("kernel execution failed: %w", err)
	}
	e.Device.Finish()

	ks.mem["out_global"].CopyTo(unsafe.Pointer(&ks.staging[0]), int64(len(ks.staging)*8))
	start := 0
	for p, k := range ks.b.K {
		off := ks.offs["out"][p]
		copy(out[start:start+k], ks.staging[off:off+int64(k)])
		start += k
	}
	return nil
}

func (ks *kernelSet) matches(stride int, centers []int32, moments []float64) bool {
	return ks.stride == stride && ks.nSides == len(centers) &&
		ks.centers == &centers[0] && ks.moments == &moments[0]
}

// newKernelSet builds the kernel and uploads the side arrays, split into
// contiguous partitions
func (e *OCCAEvaluator) newKernelSet(stride int, centers []int32, moments []float64) (*kernelSet, error) {
	b := NewBuilder(Config{K: Split(len(centers), e.Partitions), FloatType: Float64, IntType: INT64})
	b.Define("STRIDE", stride)
	for _, name := range []string{"centers", "moments", "out"} {
		b.AddArray(name)
	}

	ks := &kernelSet{
		b:       b,
		stride:  stride,
		centers: &centers[0],
		moments: &moments[0],
		nSides:  len(centers),
		mem:     make(map[string]*gocca.OCCAMemory),
		offs: map[string][]int64{
			"centers": b.Offsets(1, 8),
			"moments": b.Offsets(stride, 8),
			"out":     b.Offsets(1, 8),
		},
	}

	k := make([]int64, len(b.K))
	for p, n := range b.K {
		k[p] = int64(n)
	}
	ks.mem["K"] = e.Device.Malloc(int64(len(k)*8), unsafe.Pointer(&k[0]), nil)

	for name, off := range ks.offs {
		ks.mem[name+"_offsets"] = e.Device.Malloc(int64(len(off)*8), unsafe.Pointer(&off[0]), nil)
		ks.mem[name+"_global"] = e.Device.Malloc(max(off[len(off)-1], 1)*8, nil, nil)
	}

	ctr := make([]int64, len(centers))
	for i, c := range centers {
		ctr[i] = int64(c)
	}
	start := 0
	for p, n := range b.K {
		if n > 0 {
			ks.mem["centers_global"].CopyFromWithOffset(unsafe.Pointer(&ctr[start]),
				int64(n*8), ks.offs["centers"][p]*8)
			ks.mem["moments_global"].CopyFromWithOffset(unsafe.Pointer(&moments[start*stride]),
				int64(n*stride*8), ks.offs["moments"][p]*8)
		}
		start += n
	}
	ks.staging = make([]float64, max(ks.offs["out"][b.NumPartitions], 1))

	src := b.GeneratePreamble() + "\n" + kernelSource
	var err error
	if e.Device.Mode() == "OpenMP" {
		// OpenMP builds without -O3 by default
		props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
		defer props.Free()
		ks.kernel, err = e.Device.BuildKernelFromString(src, kernelName, props)
	} else {
		ks.kernel, err = e.Device.BuildKernelFromString(src, kernelName, nil)
	}
	if err != nil {
		ks.free()
		return nil, fmt.Errorf("failed to build kernel %s: %w", kernelName, err)
	}
	if ks.kernel == nil {
		ks.free()
		return nil, fmt.Errorf("kernel build returned nil for %s", kernelName)
	}

	e.Logger.Debug("built face kernel",
		zap.String("mode", e.Device.Mode()),
		zap.Int("sides", len(centers)),
		zap.Int("stride", stride),
		zap.Int("partitions", b.NumPartitions),
		zap.Int("kpartMax", b.KpartMax))
	return ks, nil
}

func (ks *kernelSet) free() {
	if ks.kernel != nil {
		ks.kernel.Free()
		ks.kernel = nil
	}
	for name, m := range ks.mem {
		m.Free()
		delete(ks.mem, name)
	}
}

// Free releases the kernel and device memory. The evaluator stays usable
// and rebuilds on the next call.
func (e *OCCAEvaluator) Free() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ks != nil {
		e.ks.free()
		e.ks = nil
	}
}
