// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runtime

import (
	"io/ioutil"

	"github.com/docker/go-units"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/pipeline"
	"github.com/strata-lang/strata/substrate"
	yaml "gopkg.in/yaml.v2"
)

// Config is the runtime's startup configuration. It can be populated
// from a YAML file, from command-line flags, or directly.
type Config struct {
	// Processors and UtilityProcessors size the local substrate.
	Processors        int `yaml:"processors"`
	UtilityProcessors int `yaml:"utility_processors"`
	// SysMem is the system memory budget, in human-readable units
	// ("4GiB").
	SysMem string `yaml:"sysmem"`

	// Window caps outstanding operations per context.
	Window int `yaml:"window"`
	// Inorder pipelines one operation at a time.
	Inorder bool `yaml:"inorder"`
	// NoDyn disables dynamic disjointness testing.
	NoDyn bool `yaml:"no_dyn"`
	// PartCheck verifies partition invariants at runtime.
	PartCheck bool `yaml:"partcheck"`
	// UnsafeMapper disables mapper-output validation.
	UnsafeMapper bool `yaml:"unsafe_mapper"`
	// SafeCtrlRepl selects the control-replication checking level
	// (0, 1, or 2).
	SafeCtrlRepl int `yaml:"safe_ctrlrepl"`
	// Replay names a trace file recorded by a prior run.
	Replay string `yaml:"replay"`

	// Profiling budgets.
	Prof              int  `yaml:"prof"`
	ProfFootprint     bool `yaml:"prof_footprint"`
	ProfLatency       bool `yaml:"prof_latency"`
	ProfCallThreshold int  `yaml:"prof_call_threshold"`
}

// DefaultConfig is the configuration used where none is supplied.
var DefaultConfig = Config{
	Processors: 4,
	Window:     pipeline.DefaultWindow,
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return Config{}, errors.E("runtime.loadconfig", path, err)
	}
	return ParseConfig(b)
}

// ParseConfig parses a YAML configuration, applying defaults for
// absent fields.
func ParseConfig(b []byte) (Config, error) {
	config := DefaultConfig
	if err := yaml.Unmarshal(b, &config); err != nil {
		return Config{}, errors.E("runtime.parseconfig", errors.Invalid, err)
	}
	if err := config.Err(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Err checks the configuration for consistency.
func (c Config) Err() error {
	if c.Processors < 1 {
		return errors.E("runtime.config", errors.Invalid,
			errors.Errorf("%d processors", c.Processors))
	}
	if c.Window < 0 {
		return errors.E("runtime.config", errors.Invalid,
			errors.Errorf("window %d", c.Window))
	}
	if c.SafeCtrlRepl < 0 || c.SafeCtrlRepl > 2 {
		return errors.E("runtime.config", errors.Invalid,
			errors.Errorf("safe_ctrlrepl %d", c.SafeCtrlRepl))
	}
	if _, err := c.sysMemBytes(); err != nil {
		return err
	}
	return nil
}

// sysMemBytes parses the configured memory budget.
func (c Config) sysMemBytes() (int64, error) {
	if c.SysMem == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.SysMem)
	if err != nil {
		return 0, errors.E("runtime.config", errors.Invalid,
			errors.Errorf("sysmem %q: %v", c.SysMem, err))
	}
	return n, nil
}

// substrateConfig derives the local substrate's configuration.
func (c Config) substrateConfig() (substrate.LocalConfig, error) {
	mem, err := c.sysMemBytes()
	if err != nil {
		return substrate.LocalConfig{}, err
	}
	return substrate.LocalConfig{
		Processors:        c.Processors,
		UtilityProcessors: c.UtilityProcessors,
		SysMemBytes:       mem,
	}, nil
}
