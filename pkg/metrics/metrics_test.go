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

package metrics_test

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	logger "github.com/intel/memtrack/pkg/log"
	"github.com/intel/memtrack/pkg/metrics"
)

func TestExposedNames(t *testing.T) {
	type testCase struct {
		metric  string
		exposed string
		options []metrics.RegisterOption
	}

	tcases := []*testCase{
		{
			metric:  "tracked_buffers",
			exposed: "default_tracked_buffers",
		},
		{
			metric:  "uptime_seconds",
			exposed: "uptime_seconds",
			options: []metrics.RegisterOption{
				metrics.WithCollectorOptions(metrics.WithoutSubsystem()),
			},
		},
		{
			metric:  "resident_bytes",
			exposed: "heap_resident_bytes",
			options: []metrics.RegisterOption{
				metrics.WithGroup("heap"),
			},
		},
		{
			metric:  "page_faults",
			exposed: "page_faults",
			options: []metrics.RegisterOption{
				metrics.WithGroup("vm"),
				metrics.WithCollectorOptions(metrics.WithoutSubsystem()),
			},
		},
	}

	r := metrics.NewRegistry()
	require.NotNil(t, r, "non-nil registry")

	for _, tc := range tcases {
		newGauge(t, r, tc.metric, tc.options...)
	}

	srv := newScrapeServer(t, r, metrics.WithMetrics([]string{"*"}, nil))
	defer srv.close()

	types, samples := srv.scrape(t)
	for _, tc := range tcases {
		require.Equal(t, "gauge", types[tc.exposed], tc.exposed)
		require.Equal(t, "0", samples[tc.exposed], tc.exposed)
	}
}

func TestNamespacedGatherer(t *testing.T) {
	r := metrics.NewRegistry()
	require.NotNil(t, r, "non-nil registry")

	newGauge(t, r, "resident_bytes", metrics.WithGroup("heap"))
	newGauge(t, r, "start_time_seconds",
		metrics.WithCollectorOptions(metrics.WithoutNamespace(), metrics.WithoutSubsystem()))

	srv := newScrapeServer(t, r,
		metrics.WithMetrics([]string{"*"}, nil),
		metrics.WithNamespace("memtrack"),
	)
	defer srv.close()

	_, samples := srv.scrape(t)
	require.Contains(t, samples, "memtrack_heap_resident_bytes")
	require.Contains(t, samples, "start_time_seconds")
	require.NotContains(t, samples, "memtrack_start_time_seconds")
}

func TestLiveCollection(t *testing.T) {
	r := metrics.NewRegistry()
	require.NotNil(t, r, "non-nil registry")

	resident := newGauge(t, r, "resident_bytes", metrics.WithGroup("heap"))
	reserved := newGauge(t, r, "reserved_bytes", metrics.WithGroup("heap"))

	srv := newScrapeServer(t, r, metrics.WithMetrics([]string{"heap"}, nil))
	defer srv.close()

	_, samples := srv.scrape(t)
	require.Equal(t, "0", samples["heap_resident_bytes"])
	require.Equal(t, "0", samples["heap_reserved_bytes"])

	resident.Set(4096)
	reserved.Set(16384)

	_, samples = srv.scrape(t)
	require.Equal(t, "4096", samples["heap_resident_bytes"])
	require.Equal(t, "16384", samples["heap_reserved_bytes"])

	resident.Add(4096)
	reserved.Sub(8192)

	_, samples = srv.scrape(t)
	require.Equal(t, "8192", samples["heap_resident_bytes"])
	require.Equal(t, "8192", samples["heap_reserved_bytes"])
}

func TestSelectiveEnablement(t *testing.T) {
	r := metrics.NewRegistry()
	require.NotNil(t, r, "non-nil registry")

	newGauge(t, r, "resident_bytes", metrics.WithGroup("heap"))
	newGauge(t, r, "reserved_bytes", metrics.WithGroup("heap"))
	newGauge(t, r, "mapped_bytes", metrics.WithGroup("mmap"))
	newGauge(t, r, "locked_bytes", metrics.WithGroup("mlock"),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem()))

	srv := newScrapeServer(t, r, metrics.WithMetrics([]string{"resident_bytes", "mm*"}, nil))
	defer srv.close()

	_, samples := srv.scrape(t)
	require.Contains(t, samples, "heap_resident_bytes", "enabled by name")
	require.Contains(t, samples, "mmap_mapped_bytes", "enabled by group glob")
	require.NotContains(t, samples, "heap_reserved_bytes", "not enabled")
	require.NotContains(t, samples, "locked_bytes", "not enabled")
}

func TestPolledCollection(t *testing.T) {
	r := metrics.NewRegistry()
	require.NotNil(t, r, "non-nil registry")

	scan := newScanCollector(t, r, "live_buffers", metrics.WithGroup("scan"),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem()))

	interval := metrics.MinPollInterval
	srv := newScrapeServer(t, r,
		metrics.WithMetrics(nil, []string{"scan"}),
		metrics.WithPollInterval(interval),
	)
	defer srv.close()

	_, samples := srv.scrape(t)
	require.Equal(t, "0", samples["live_buffers"])

	scan.Set(17)

	_, samples = srv.scrape(t)
	require.Equal(t, "0", samples["live_buffers"], "updates invisible until the next poll")
	require.EqualValues(t, 1, scan.scans.Load(), "scrapes serve the poll cache")

	scan.Set(42)

	t.Logf("waiting out the poll interval (%s)", interval)
	time.Sleep(interval + 100*time.Millisecond)

	_, samples = srv.scrape(t)
	require.Equal(t, "42", samples["live_buffers"])
	require.GreaterOrEqual(t, scan.scans.Load(), int32(2))
}

func newGauge(t *testing.T, r *metrics.Registry, name string, opts ...metrics.RegisterOption) prometheus.Gauge {
	g := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: name,
			Help: "Gauge " + name + ".",
		},
	)

	require.NoError(t, r.Register(name, g, opts...))

	return g
}

// scanCollector produces its single gauge by a mock expensive scan,
// counting how many times the scan has run.
type scanCollector struct {
	desc  *prometheus.Desc
	value atomic.Int64
	scans atomic.Int32
}

func newScanCollector(t *testing.T, r *metrics.Registry, name string, opts ...metrics.RegisterOption) *scanCollector {
	s := &scanCollector{
		desc: prometheus.NewDesc(name, "Gauge "+name+" collected by scanning.", nil, nil),
	}

	require.NoError(t, r.Register(name, s, opts...))

	return s
}

func (s *scanCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.desc
}

func (s *scanCollector) Collect(ch chan<- prometheus.Metric) {
	s.scans.Add(1)

	m, err := prometheus.NewConstMetric(s.desc, prometheus.GaugeValue, float64(s.value.Load()))
	if err != nil {
		return
	}
	ch <- m
}

func (s *scanCollector) Set(v int64) {
	s.value.Store(v)
}

type scrapeServer struct {
	ts *httptest.Server
	g  *metrics.Gatherer
}

func newScrapeServer(t *testing.T, r *metrics.Registry, opts ...metrics.GathererOption) *scrapeServer {
	g, err := r.NewGatherer(opts...)
	require.NoError(t, err)
	require.NotNil(t, g)

	handler := promhttp.HandlerFor(g,
		promhttp.HandlerOpts{
			ErrorLog:      logger.Get("metrics-test"),
			ErrorHandling: promhttp.PanicOnError,
		},
	)

	return &scrapeServer{
		ts: httptest.NewServer(handler),
		g:  g,
	}
}

func (s *scrapeServer) close() {
	s.ts.Close()
	s.g.Stop()
}

// scrape fetches the exposed metrics, returning the announced types and
// the collected samples, both keyed by metric name.
func (s *scrapeServer) scrape(t *testing.T) (map[string]string, map[string]string) {
	resp, err := http.Get(s.ts.URL)
	require.NoError(t, err)

	defer resp.Body.Close()

	var (
		types   = map[string]string{}
		samples = map[string]string{}
		scanner = bufio.NewScanner(resp.Body)
	)

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "# TYPE "):
			if fields := strings.Fields(strings.TrimPrefix(line, "# TYPE ")); len(fields) == 2 {
				types[fields[0]] = fields[1]
			}
		case strings.HasPrefix(line, "#"):
		default:
			if fields := strings.SplitN(line, " ", 2); len(fields) == 2 {
				samples[fields[0]] = fields[1]
			}
		}
	}

	return types, samples
}
