// Package config loads the deployment-tunable knobs spec.md leaves
// open: per-function LRU capacities, the cycle-iteration safety cap,
// and durability-level names. The core engine itself is wired with
// plain constructor arguments (matching the teacher's own
// dcache.New(dir, onFill) style); this package exists only for the
// host process that wants those knobs in a file rather than compiled
// in, the same role the teacher's db.Definition YAML/JSON files play
// for table schemas (db/sync.go: "definition.yaml").
package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/loomengine/loom/cycle"
)

// Config is the on-disk shape a deployment may supply.
type Config struct {
	// LRUCapacity maps a tracked function's registered name (the name
	// passed to ingredient.Registry.Register) to the soft capacity
	// passed to memo.Storage.SetLRUCapacity. A name absent from this
	// map means "no LRU limit" (spec.md §9 Open Question: eviction is
	// optional per function).
	LRUCapacity map[string]int `json:"lruCapacity,omitempty"`

	// MaxCycleIterations overrides cycle.MaxIterations. Zero means
	// "use the engine default."
	MaxCycleIterations uint32 `json:"maxCycleIterations,omitempty"`

	// Durabilities names the durability levels in increasing order of
	// durability, documentation-only: the engine itself only ever
	// deals in the three built-in revision.Durability values, but a
	// deployment's generated glue code may want human names for them.
	Durabilities []string `json:"durabilities,omitempty"`
}

// Default returns the configuration the engine behaves with when no
// file is loaded: no LRU limits, the built-in iteration cap, and the
// three durability names spec.md's glossary uses.
func Default() *Config {
	return &Config{
		MaxCycleIterations: cycle.MaxIterations,
		Durabilities:       []string{"low", "medium", "high"},
	}
}

// Load reads and parses a YAML (or JSON, which is a YAML subset) file
// at path. Fields absent from the file keep Default's values.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if cfg.MaxCycleIterations == 0 {
		cfg.MaxCycleIterations = cycle.MaxIterations
	}
	return cfg, nil
}

// IterationCap returns the configured safety cap, or the engine
// default if unset.
func (c *Config) IterationCap() uint32 {
	if c == nil || c.MaxCycleIterations == 0 {
		return cycle.MaxIterations
	}
	return c.MaxCycleIterations
}

// CapacityFor returns the configured LRU capacity for a tracked
// function registered under name, and whether one was configured.
func (c *Config) CapacityFor(name string) (int, bool) {
	if c == nil || c.LRUCapacity == nil {
		return 0, false
	}
	n, ok := c.LRUCapacity[name]
	return n, ok
}
