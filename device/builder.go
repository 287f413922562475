// Package device evaluates face polynomials on an OCCA device. Work is split
// into partitions, each partition running as one @outer iteration with its
// sides spread over @inner.
package device

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// DataType represents the precision of device data
type DataType int

const (
	Float32 DataType = iota + 1
	Float64
	INT32
	INT64
)

// AlignmentType specifies partition alignment in bytes
type AlignmentType int

const (
	NoAlignment    AlignmentType = 1
	CacheLineAlign AlignmentType = 64
	WarpAlign      AlignmentType = 128
)

// Config holds the partition sizes and types of a Builder
type Config struct {
	K         []int
	FloatType DataType
	IntType   DataType
	Alignment AlignmentType
}

// Builder generates the kernel preamble for partition parallel kernels
type Builder struct {
	NumPartitions int
	K             []int
	KpartMax      int

	FloatType DataType
	IntType   DataType
	Alignment AlignmentType

	// Constants emitted as #define
	Defines map[string]int

	// Embedded as static const arrays
	StaticMatrices map[string]mat.Matrix

	// Arrays that get a _PART(part) access macro
	AllocatedArrays []string

	KernelPreamble string
}

// NewBuilder panics on an empty partition list
func NewBuilder(cfg Config) *Builder {
	if len(cfg.K) == 0 {
		panic("device: K array cannot be empty")
	}
	b := &Builder{
		NumPartitions:  len(cfg.K),
		K:              make([]int, len(cfg.K)),
		FloatType:      cfg.FloatType,
		IntType:        cfg.IntType,
		Alignment:      cfg.Alignment,
		Defines:        make(map[string]int),
		StaticMatrices: make(map[string]mat.Matrix),
	}
	copy(b.K, cfg.K)
	for _, k := range b.K {
		b.KpartMax = max(b.KpartMax, k)
	}
	if b.FloatType == 0 {
		b.FloatType = Float64
	}
	if b.IntType == 0 {
		b.IntType = INT64
	}
	if b.Alignment == 0 {
		b.Alignment = NoAlignment
	}
	return b
}

// Define adds a #define NAME value line to the preamble
func (b *Builder) Define(name string, value int) { b.Defines[name] = value }

// AddStaticMatrix embeds m as a static const array
func (b *Builder) AddStaticMatrix(name string, m mat.Matrix) { b.StaticMatrices[name] = m }

// AddArray registers a partitioned array. The kernel receives it as
// name_global plus name_offsets.
func (b *Builder) AddArray(name string) { b.AllocatedArrays = append(b.AllocatedArrays, name) }

// FloatSize returns the size of real_t in bytes
func (b *Builder) FloatSize() int {
	if b.FloatType == Float32 {
		return 4
	}
	return 8
}

// IntSize returns the size of int_t in bytes
func (b *Builder) IntSize() int {
	if b.IntType == INT32 {
		return 4
	}
	return 8
}

// TotalElements returns the sum of K
func (b *Builder) TotalElements() int {
	total := 0
	for _, k := range b.K {
		total += k
	}
	return total
}

// Offsets returns the start of every partition, in values, for an array of
// perElement values of valueSize bytes each. The last entry is the padded
// total length.
func (b *Builder) Offsets(perElement, valueSize int) []int64 {
	offsets := make([]int64, b.NumPartitions+1)
	align := int64(b.Alignment)
	size := int64(valueSize)
	pad := func(off int64) int64 {
		if off%align != 0 {
			off = (off + align - 1) / align * align
		}
		return off
	}
	bytes := int64(0)
	for p, k := range b.K {
		bytes = pad(bytes)
		offsets[p] = bytes / size
		bytes += int64(k*perElement) * size
	}
	offsets[b.NumPartitions] = pad(bytes) / size
	return offsets
}

// GeneratePreamble generates the type definitions, constants, static
// matrices and partition macros
func (b *Builder) GeneratePreamble() string {
	var sb strings.Builder
	sb.WriteString(b.generateTypeDefinitions())
	sb.WriteString(b.generateStaticMatrices())
	sb.WriteString(b.generatePartitionMacros())
	b.KernelPreamble = sb.String()
	return b.KernelPreamble
}

func (b *Builder) generateTypeDefinitions() string {
	var sb strings.Builder

	floatTypeStr, floatSuffix := "double", ""
	if b.FloatType == Float32 {
		floatTypeStr, floatSuffix = "float", "f"
	}
	intTypeStr := "long"
	if b.IntType == INT32 {
		intTypeStr = "int"
	}

	sb.WriteString(fmt.Sprintf("typedef %s real_t;\n", floatTypeStr))
	sb.WriteString(fmt.Sprintf("typedef %s int_t;\n", intTypeStr))
	sb.WriteString(fmt.Sprintf("#define REAL_ZERO 0.0%s\n", floatSuffix))
	sb.WriteString(fmt.Sprintf("#define REAL_ONE 1.0%s\n", floatSuffix))
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("#define NPART %d\n", b.NumPartitions))
	sb.WriteString(fmt.Sprintf("#define KpartMax %d\n", b.KpartMax))
	for _, name := range sortedKeys(b.Defines) {
		sb.WriteString(fmt.Sprintf("#define %s %d\n", name, b.Defines[name]))
	}
	sb.WriteString("\n")
	return sb.String()
}

func (b *Builder) generateStaticMatrices() string {
	if len(b.StaticMatrices) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("// Static matrices\n")
	for _, name := range sortedKeys(b.StaticMatrices) {
		sb.WriteString(b.formatStaticMatrix(name, b.StaticMatrices[name]))
	}
	return sb.String()
}

// formatStaticMatrix writes m column-major: the array is declared
// [cols][rows] so name[j][i] reads row i of column j
func (b *Builder) formatStaticMatrix(name string, m mat.Matrix) string {
	rows, cols := m.Dims()
	var sb strings.Builder

	typeStr := "double"
	if b.FloatType == Float32 {
		typeStr = "float"
	}

	sb.WriteString(fmt.Sprintf("// Matrix %s stored in column-major format\n", name))
	sb.WriteString(fmt.Sprintf("const %s %s[%d][%d] = {\n", typeStr, name, cols, rows))
	for j := 0; j < cols; j++ {
		sb.WriteString("    {")
		for i := 0; i < rows; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			if b.FloatType == Float32 {
				sb.WriteString(fmt.Sprintf("%.7ef", m.At(i, j)))
			} else {
				sb.WriteString(fmt.Sprintf("%.17e", m.At(i, j)))
			}
		}
		sb.WriteString("}")
		if j < cols-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("};\n\n")
	return sb.String()
}

func (b *Builder) generatePartitionMacros() string {
	if len(b.AllocatedArrays) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("// Partition access macros\n")
	for _, name := range b.AllocatedArrays {
		sb.WriteString(fmt.Sprintf("#define %s_PART(part) (%s_global + %s_offsets[part])\n",
			name, name, name))
	}
	sb.WriteString("\n")
	return sb.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Split divides n elements over parts partitions, the first n%parts
// getting one extra
func Split(n, parts int) []int {
	if parts < 1 {
		parts = 1
	}
	parts = max(min(parts, n), 1)
	k := make([]int, parts)
	for p := range k {
		k[p] = n / parts
		if p < n%parts {
			k[p]++
		}
	}
	return k
}
