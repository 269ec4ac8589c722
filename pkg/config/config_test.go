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

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	. "github.com/intel/memtrack/pkg/config"
)

func TestParse(t *testing.T) {
	type testCase struct {
		name  string
		data  string
		fail  bool
		check func(t *testing.T, cfg *Config)
	}

	for _, tc := range []*testCase{
		{
			name: "empty config keeps defaults",
			data: "",
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, 4, cfg.Workload.Workers)
				require.Equal(t, Size("4Mi"), cfg.Workload.ScratchSize)
				require.Equal(t, 30*time.Second, cfg.Monitor.DumpInterval.Duration)
				require.True(t, cfg.Monitor.LeakCheck)
				require.NotNil(t, cfg.Instrumentation.Metrics)
				require.Equal(t, []string{"alloc", "buildinfo"}, cfg.Instrumentation.Metrics.Enabled)
			},
		},
		{
			name: "full config",
			data: `
log:
  debug:
    - alloc
  source: true
instrumentation:
  httpEndpoint: ":8891"
  prometheusExport: true
  samplingRatePerMillion: 1000000
  metrics:
    enabled:
      - "*"
monitor:
  shardCount: 32
  activityMetrics: true
  dumpInterval: 1m
  leakCheck: false
workload:
  workers: 8
  rounds: 100
  stateSize: 64Mi
  scratchSize: 1Mi
  interval: 250ms
`,
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, []string{"alloc"}, cfg.Log.Debug)
				require.True(t, cfg.Log.LogSource)
				require.Equal(t, ":8891", cfg.Instrumentation.HTTPEndpoint)
				require.True(t, cfg.Instrumentation.PrometheusExport)
				require.Equal(t, 1000000, cfg.Instrumentation.SamplingRatePerMillion)
				require.Equal(t, []string{"*"}, cfg.Instrumentation.Metrics.Enabled)
				require.Equal(t, 32, cfg.Monitor.ShardCount)
				require.True(t, cfg.Monitor.ActivityMetrics)
				require.Equal(t, time.Minute, cfg.Monitor.DumpInterval.Duration)
				require.False(t, cfg.Monitor.LeakCheck)
				require.Equal(t, 8, cfg.Workload.Workers)
				require.Equal(t, 100, cfg.Workload.Rounds)
				require.Equal(t, Size("64Mi"), cfg.Workload.StateSize)
				require.Equal(t, Size("1Mi"), cfg.Workload.ScratchSize)
				require.Equal(t, 250*time.Millisecond, cfg.Workload.Interval.Duration)
			},
		},
		{
			name: "unknown fields are rejected",
			data: `
workload:
  workers: 2
  burstiness: high
`,
			fail: true,
		},
		{
			name: "explicit zero workers is rejected",
			data: `
workload:
  workers: 0
`,
			fail: true,
		},
		{
			name: "negative rounds are rejected",
			data: `
workload:
  rounds: -1
`,
			fail: true,
		},
		{
			name: "malformed size is rejected",
			data: `
workload:
  scratchSize: 4Qx
`,
			fail: true,
		},
		{
			name: "negative shard count is rejected",
			data: `
monitor:
  shardCount: -1
`,
			fail: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tc.data))
			if tc.fail {
				require.Error(t, err)
				require.Nil(t, cfg)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cfg)
			if tc.check != nil {
				tc.check(t, cfg)
			}
		})
	}
}

func TestSize(t *testing.T) {
	type testCase struct {
		name  string
		size  Size
		bytes int64
		fail  bool
	}

	for _, tc := range []*testCase{
		{
			name:  "empty size",
			size:  "",
			bytes: 0,
		},
		{
			name:  "plain byte count",
			size:  "1024",
			bytes: 1024,
		},
		{
			name:  "binary suffix",
			size:  "4Mi",
			bytes: 4 << 20,
		},
		{
			name:  "decimal suffix",
			size:  "1G",
			bytes: 1000 * 1000 * 1000,
		},
		{
			name: "malformed size",
			size: "lots",
			fail: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			bytes, err := tc.size.Bytes()
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.bytes, bytes)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		require.NoError(t, Default().Validate())
	})

	t.Run("errors are accumulated", func(t *testing.T) {
		cfg := Default()
		cfg.Workload.Workers = 0
		cfg.Workload.Rounds = -5
		err := cfg.Validate()
		require.Error(t, err)
		require.ErrorContains(t, err, "worker count")
		require.ErrorContains(t, err, "round count")
	})
}

func TestReadFile(t *testing.T) {
	t.Run("existing file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		data := `
workload:
  workers: 2
  rounds: 10
`
		require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

		cfg, err := ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, 2, cfg.Workload.Workers)
		require.Equal(t, 10, cfg.Workload.Rounds)
	})

	t.Run("missing file", func(t *testing.T) {
		cfg, err := ReadFile(filepath.Join(t.TempDir(), "no-such-config.yaml"))
		require.Error(t, err)
		require.Nil(t, cfg)
	})
}
