package main

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/notargets/wenofit/partitions"
	"github.com/notargets/wenofit/scheme"
	"go.uber.org/zap/zapcore"
	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"
)

// CaseConfig is the YAML description of a case
type CaseConfig struct {
	Mesh       MeshConfig      `yaml:"mesh"`
	Partitions PartitionConfig `yaml:"partitions"`
	Cache      CacheConfig     `yaml:"cache"`

	// Uniform velocity defining the flux field "phi"
	Velocity [3]float64 `yaml:"velocity"`

	// Initial field: "linear", "sine" or "step"
	Field string `yaml:"field"`

	// Interpolation schemes by field name, e.g. "T: WENOUpwindFit phi 2 1"
	Schemes map[string]string `yaml:"schemes"`

	// "cpu" or an OCCA device mode such as "OpenMP"; empty means cpu
	Evaluator string `yaml:"evaluator"`

	Log LogConfig `yaml:"log"`
}

// MeshConfig selects a box generator or a Gambit file
type MeshConfig struct {
	Gambit string     `yaml:"gambit"`
	Box    *BoxConfig `yaml:"box"`
}

type BoxConfig struct {
	Cells    [3]int     `yaml:"cells"`
	Origin   [3]float64 `yaml:"origin"`
	Lengths  [3]float64 `yaml:"lengths"`
	Periodic [3]bool    `yaml:"periodic"`
}

type PartitionConfig struct {
	Count    int    `yaml:"count"`
	Strategy string `yaml:"strategy"`
}

type CacheConfig struct {
	Dir        string `yaml:"dir"`
	InMemory   bool   `yaml:"inMemory"`
	SyncWrites bool   `yaml:"syncWrites"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig is a periodic 16x16 box on 4 ranks
func DefaultConfig() CaseConfig {
	return CaseConfig{
		Mesh: MeshConfig{Box: &BoxConfig{
			Cells:    [3]int{16, 16, 1},
			Lengths:  [3]float64{1, 1, 1.0 / 16},
			Periodic: [3]bool{true, true, false},
		}},
		Partitions: PartitionConfig{Count: 4, Strategy: "graph"},
		Cache:      CacheConfig{InMemory: true},
		Velocity:   [3]float64{1, 0.5, 0},
		Field:      "sine",
		Schemes:    map[string]string{"T": "WENOUpwindFit phi 2 1"},
		Evaluator:  "cpu",
		Log:        LogConfig{Level: "info"},
	}
}

// LoadConfig reads a case file over the defaults. Unknown keys are errors.
func LoadConfig(path string) (CaseConfig, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	// A file naming a mesh or schemes replaces the defaults instead of
	// merging into them
	var probe struct {
		Mesh    *MeshConfig       `yaml:"mesh"`
		Schemes map[string]string `yaml:"schemes"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if probe.Mesh != nil {
		cfg.Mesh = MeshConfig{}
	}
	if probe.Schemes != nil {
		cfg.Schemes = nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the case for consistency
func (c *CaseConfig) Validate() error {
	switch {
	case c.Mesh.Box == nil && c.Mesh.Gambit == "":
		return errors.New("mesh: either box or gambit is required")
	case c.Mesh.Box != nil && c.Mesh.Gambit != "":
		return errors.New("mesh: box and gambit are exclusive")
	}
	if _, err := partitions.ParseStrategy(c.strategy()); err != nil {
		return fmt.Errorf("partitions: %w", err)
	}
	if c.Partitions.Count < 0 {
		return fmt.Errorf("partitions: negative count %d", c.Partitions.Count)
	}
	if _, ok := initialFields[c.Field]; !ok {
		return fmt.Errorf("field: unknown initial field %q", c.Field)
	}
	if len(c.Schemes) == 0 {
		return errors.New("schemes: at least one scheme is required")
	}
	for name, s := range c.Schemes {
		if _, err := scheme.ParseString(s); err != nil {
			return fmt.Errorf("schemes.%s: %w", name, err)
		}
	}
	if _, err := zapcore.ParseLevel(c.level()); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

func (c *CaseConfig) strategy() string {
	if c.Partitions.Strategy == "" {
		return "graph"
	}
	return c.Partitions.Strategy
}

func (c *CaseConfig) level() string {
	if c.Log.Level == "" {
		return "info"
	}
	return c.Log.Level
}

// Orders returns the distinct polynomial orders of the WENO schemes, ascending
func (c *CaseConfig) Orders() []int {
	seen := make(map[int]bool)
	var orders []int
	for _, name := range slices.Sorted(maps.Keys(c.Schemes)) {
		spec, _ := scheme.ParseString(c.Schemes[name])
		if spec.Name == scheme.WENOUpwindFit && !seen[spec.Order] {
			seen[spec.Order] = true
			orders = append(orders, spec.Order)
		}
	}
	slices.Sort(orders)
	return orders
}

func (c *CaseConfig) velocity() r3.Vec {
	return r3.Vec{X: c.Velocity[0], Y: c.Velocity[1], Z: c.Velocity[2]}
}
