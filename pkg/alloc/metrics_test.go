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

package alloc_test

import (
	. "github.com/intel/memtrack/pkg/alloc"

	"context"
	"testing"

	model "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/intel/memtrack/pkg/metrics"
)

func TestCollector(t *testing.T) {
	r := metrics.NewRegistry()
	m := newTestMonitor(t, WithOwnerResolver(fixedOwner(42)))
	require.NoError(t, r.Register("usage", m.Collector(), metrics.WithGroup("alloc")))

	g, err := r.NewGatherer(metrics.WithMetrics([]string{"*"}, nil))
	require.NoError(t, err)
	defer g.Stop()

	require.NoError(t, m.RecordAllocate(1, 0x1000, 1000, Persistent()))
	require.NoError(t, m.RecordAllocate(1, 0x2000, 512, Temporary()))
	require.NoError(t, m.RecordAllocate(2, 0x3000, 256, Temporary()))
	require.NoError(t, m.RecordDeallocate(2, 0x3000))
	require.ErrorIs(t, m.RecordDeallocate(1, 0xdead), ErrUnknownAllocation)

	mfs, err := g.Gather()
	require.NoError(t, err)

	require.Equal(t, float64(1000), metricValue(t, mfs, "alloc_persist_memory_bytes",
		map[string]string{"allocator": "1"}))
	require.Equal(t, float64(512), metricValue(t, mfs, "alloc_temp_memory_bytes",
		map[string]string{"owner": "42", "allocator": "1"}))
	require.Equal(t, float64(0), metricValue(t, mfs, "alloc_temp_memory_bytes",
		map[string]string{"owner": "42", "allocator": "2"}))
	require.Equal(t, float64(256), metricValue(t, mfs, "alloc_peak_temp_memory_bytes",
		map[string]string{"owner": "42", "allocator": "2"}))
	require.Equal(t, float64(1), metricValue(t, mfs, "alloc_allocations_total",
		map[string]string{"kind": "persistent"}))
	require.Equal(t, float64(2), metricValue(t, mfs, "alloc_allocations_total",
		map[string]string{"kind": "temporary"}))
	require.Equal(t, float64(0), metricValue(t, mfs, "alloc_deallocations_total",
		map[string]string{"kind": "persistent"}))
	require.Equal(t, float64(1), metricValue(t, mfs, "alloc_deallocations_total",
		map[string]string{"kind": "temporary"}))
	require.Equal(t, float64(1), metricValue(t, mfs, "alloc_unknown_deallocations_total", nil))
}

func TestActivityMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	metrics.SetProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	metrics.Configure([]string{"*"})

	m := newTestMonitor(t)
	require.NoError(t, m.EnableActivityMetrics())

	require.NoError(t, m.RecordAllocate(1, 0x1000, 64, Persistent()))
	require.NoError(t, m.RecordAllocate(1, 0x2000, 64, Temporary()))
	require.NoError(t, m.RecordAllocate(1, 0x3000, 192, Temporary()))
	require.NoError(t, m.RecordDeallocate(1, 0x2000))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	allocs := kindSums(t, &rm, "alloc.monitor.allocations")
	require.Equal(t, int64(1), allocs["persistent"])
	require.Equal(t, int64(2), allocs["temporary"])

	deallocs := kindSums(t, &rm, "alloc.monitor.deallocations")
	require.Zero(t, deallocs["persistent"])
	require.Equal(t, int64(1), deallocs["temporary"])

	sizes := kindHistograms(t, &rm, "alloc.monitor.allocation_size_bytes")
	require.Equal(t, uint64(1), sizes["persistent"].Count)
	require.Equal(t, int64(64), sizes["persistent"].Sum)
	require.Equal(t, uint64(2), sizes["temporary"].Count)
	require.Equal(t, int64(256), sizes["temporary"].Sum)
}

func metricValue(t *testing.T, mfs []*model.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()

	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}

	next:
		for _, m := range mf.GetMetric() {
			got := map[string]string{}
			for _, l := range m.GetLabel() {
				got[l.GetName()] = l.GetValue()
			}
			if len(got) != len(labels) {
				continue
			}
			for k, v := range labels {
				if got[k] != v {
					continue next
				}
			}

			switch {
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			}
		}
	}

	t.Errorf("no metric %s with labels %v", name, labels)
	return -1
}

func kindSums(t *testing.T, rm *metricdata.ResourceMetrics, name string) map[string]int64 {
	t.Helper()

	for _, sm := range rm.ScopeMetrics {
		for _, inst := range sm.Metrics {
			if inst.Name != name {
				continue
			}

			sum, ok := inst.Data.(metricdata.Sum[int64])
			require.True(t, ok, "instrument %s is an int64 sum", name)

			sums := map[string]int64{}
			for _, dp := range sum.DataPoints {
				kind, _ := dp.Attributes.Value(attribute.Key("kind"))
				sums[kind.AsString()] = dp.Value
			}
			return sums
		}
	}

	t.Errorf("no instrument %s", name)
	return nil
}

func kindHistograms(t *testing.T, rm *metricdata.ResourceMetrics, name string) map[string]metricdata.HistogramDataPoint[int64] {
	t.Helper()

	for _, sm := range rm.ScopeMetrics {
		for _, inst := range sm.Metrics {
			if inst.Name != name {
				continue
			}

			h, ok := inst.Data.(metricdata.Histogram[int64])
			require.True(t, ok, "instrument %s is an int64 histogram", name)

			dps := map[string]metricdata.HistogramDataPoint[int64]{}
			for _, dp := range h.DataPoints {
				kind, _ := dp.Attributes.Value(attribute.Key("kind"))
				dps[kind.AsString()] = dp
			}
			return dps
		}
	}

	t.Errorf("no instrument %s", name)
	return nil
}
