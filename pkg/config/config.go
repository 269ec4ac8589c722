// Copyright The Memtrack Authors. All Rights Reserved.
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

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/intel/memtrack/pkg/instrumentation"
	"github.com/intel/memtrack/pkg/instrumentation/metrics"
	logger "github.com/intel/memtrack/pkg/log"
)

// Config is the complete configuration of the memtrack simulator.
type Config struct {
	// Log configures logging and debugging.
	// +optional
	Log logger.Config `json:"log,omitempty"`
	// Instrumentation configures tracing, metrics collection and the
	// instrumentation HTTP server.
	// +optional
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
	// Monitor configures the usage monitor.
	// +optional
	Monitor MonitorConfig `json:"monitor,omitempty"`
	// Workload configures the simulated allocation workload.
	// +optional
	Workload WorkloadConfig `json:"workload,omitempty"`
}

// MonitorConfig configures the usage monitor.
type MonitorConfig struct {
	// ShardCount overrides the number of record registry shards. The
	// count is rounded up to the nearest power of two. Zero selects
	// the default shard count.
	// +optional
	ShardCount int `json:"shardCount,omitempty"`
	// ActivityMetrics enables the allocation and deallocation
	// activity counters.
	// +optional
	ActivityMetrics bool `json:"activityMetrics,omitempty"`
	// DumpInterval is the interval between periodic usage dumps to
	// the log. Zero disables periodic dumping.
	// +optional
	DumpInterval metav1.Duration `json:"dumpInterval,omitempty"`
	// LeakCheck enables checking for leaked allocations when the
	// simulator shuts down.
	// +optional
	LeakCheck bool `json:"leakCheck,omitempty"`
}

// WorkloadConfig configures the simulated allocation workload.
type WorkloadConfig struct {
	// Workers is the number of concurrent allocation workers.
	// +optional
	Workers int `json:"workers,omitempty"`
	// Rounds is the number of allocation rounds each worker runs.
	// Zero lets workers run until the simulator is stopped.
	// +optional
	Rounds int `json:"rounds,omitempty"`
	// StateSize is the size of the persistent state buffer each
	// worker allocates at startup and holds until shutdown.
	// +optional
	StateSize Size `json:"stateSize,omitempty"`
	// ScratchSize is the size of the temporary scratch buffer each
	// worker allocates and releases per round.
	// +optional
	ScratchSize Size `json:"scratchSize,omitempty"`
	// Interval is the delay between allocation rounds.
	// +optional
	Interval metav1.Duration `json:"interval,omitempty"`
}

// Size is a buffer size expressed as a Kubernetes resource quantity,
// for instance "64Mi" or "1G".
type Size string

// Bytes returns the size as a byte count.
func (s Size) Bytes() (int64, error) {
	if s == "" {
		return 0, nil
	}
	q, err := resource.ParseQuantity(string(s))
	if err != nil {
		return 0, fmt.Errorf("failed to parse size %q as resource quantity: %w", s, err)
	}
	return q.Value(), nil
}

// Default returns a configuration with all defaults filled in.
func Default() *Config {
	return &Config{
		Instrumentation: instrumentation.Config{
			Metrics: &metrics.Config{
				Enabled: []string{"alloc", "buildinfo"},
			},
		},
		Monitor: MonitorConfig{
			DumpInterval: metav1.Duration{Duration: 30 * time.Second},
			LeakCheck:    true,
		},
		Workload: WorkloadConfig{
			Workers:     4,
			StateSize:   "16Mi",
			ScratchSize: "4Mi",
			Interval:    metav1.Duration{Duration: 100 * time.Millisecond},
		},
	}
}

// ReadFile reads, parses and validates the given configuration file.
// Omitted fields retain their default values.
func ReadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	return cfg, nil
}

// Parse parses and validates YAML or JSON configuration data.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if err := c.Monitor.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := c.Workload.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// Validate checks the monitor configuration for errors.
func (c *MonitorConfig) Validate() error {
	if c.ShardCount < 0 {
		return fmt.Errorf("invalid monitor config: negative shard count %d", c.ShardCount)
	}
	return nil
}

// Validate checks the workload configuration for errors.
func (c *WorkloadConfig) Validate() error {
	var errs *multierror.Error
	if c.Workers < 1 {
		errs = multierror.Append(errs,
			fmt.Errorf("invalid workload config: worker count %d < 1", c.Workers))
	}
	if c.Rounds < 0 {
		errs = multierror.Append(errs,
			fmt.Errorf("invalid workload config: negative round count %d", c.Rounds))
	}
	if _, err := c.StateSize.Bytes(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("invalid workload config: %w", err))
	}
	if _, err := c.ScratchSize.Bytes(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("invalid workload config: %w", err))
	}
	if c.Interval.Duration < 0 {
		errs = multierror.Append(errs,
			fmt.Errorf("invalid workload config: negative interval %s", c.Interval.Duration))
	}
	return errs.ErrorOrNil()
}
