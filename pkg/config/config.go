// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the sync engine's tunables. All values ship
// with working defaults; YAML loading exists so embedding applications
// can override them from their own configuration files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "60s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", value.Value, err)
	}

	*d = Duration(parsed)

	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the engine configuration.
//
// The shrink threshold and field-cache TTL are heuristics, not
// correctness requirements: only the qualitative policy (resubscribe
// eagerly on selection growth, tolerate bounded over-fetch on shrink)
// is contractual, so both are configurable rather than constants.
type Config struct {
	// CascadeRules maps an entity type to the entity types whose
	// cached instances go stale when the source type is invalidated.
	// Cascades are single-hop: a target's own rules are NOT followed.
	CascadeRules map[string][]string `yaml:"cascadeRules"`

	// ShrinkThreshold is the number of removed field paths an
	// endpoint tolerates before a shrinking merged selection triggers
	// a resubscribe.
	ShrinkThreshold int `yaml:"shrinkThreshold"`

	// FieldCacheTTL is how long a cached entity field serves query
	// hits before it expires.
	FieldCacheTTL Duration `yaml:"fieldCacheTTL"`

	// FieldCacheCullInterval is how often expired field-cache entries
	// are reaped.
	FieldCacheCullInterval Duration `yaml:"fieldCacheCullInterval"`

	// OptimisticUpdates enables speculative local application of
	// mutations before server confirmation. When disabled,
	// ApplyOptimistic returns an empty id and mutations wait for the
	// server round-trip.
	OptimisticUpdates bool `yaml:"optimisticUpdates"`

	// IncrementalFetch enables fetching only the missing fields on a
	// partial field-cache hit. When disabled, partial hits are
	// treated as full misses.
	IncrementalFetch bool `yaml:"incrementalFetch"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		OptimisticUpdates:      true,
		IncrementalFetch:       true,
		ShrinkThreshold:        3,
		FieldCacheTTL:          Duration(60 * time.Second),
		FieldCacheCullInterval: Duration(30 * time.Second),
		CascadeRules:           map[string][]string{},
	}
}

// Parse unmarshals YAML over the defaults, so omitted keys keep their
// default values and present keys (including explicit false) override
// them.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: failed to parse: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	return Parse(data)
}

// Validate checks invariants the engine relies on.
func (c Config) Validate() error {
	if c.ShrinkThreshold < 0 {
		return fmt.Errorf("config: shrinkThreshold must be >= 0, got %d", c.ShrinkThreshold)
	}

	if c.FieldCacheTTL <= 0 {
		return fmt.Errorf("config: fieldCacheTTL must be positive, got %s", c.FieldCacheTTL.Std())
	}

	if c.FieldCacheCullInterval <= 0 {
		return fmt.Errorf("config: fieldCacheCullInterval must be positive, got %s", c.FieldCacheCullInterval.Std())
	}

	return nil
}
