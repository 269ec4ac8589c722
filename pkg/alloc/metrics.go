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

package alloc

import (
	"context"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/intel/memtrack/pkg/metrics"
)

// collector exports the usage tracked by a monitor as prometheus
// metrics.
type collector struct {
	m *Monitor

	persist  *prometheus.Desc
	temp     *prometheus.Desc
	peak     *prometheus.Desc
	allocs   *prometheus.Desc
	deallocs *prometheus.Desc
	unknown  *prometheus.Desc
}

// Collector returns a prometheus collector for the usage tracked by
// the monitor.
func (m *Monitor) Collector() prometheus.Collector {
	return &collector{
		m: m,
		persist: prometheus.NewDesc(
			"persist_memory_bytes",
			"Amount of live persistent memory per allocator.",
			[]string{"allocator"}, nil,
		),
		temp: prometheus.NewDesc(
			"temp_memory_bytes",
			"Amount of live temporary memory per owner and allocator.",
			[]string{"owner", "allocator"}, nil,
		),
		peak: prometheus.NewDesc(
			"peak_temp_memory_bytes",
			"Temporary memory high-water mark per owner and allocator.",
			[]string{"owner", "allocator"}, nil,
		),
		allocs: prometheus.NewDesc(
			"allocations_total",
			"Number of recorded allocations per buffer kind.",
			[]string{"kind"}, nil,
		),
		deallocs: prometheus.NewDesc(
			"deallocations_total",
			"Number of recorded deallocations per buffer kind.",
			[]string{"kind"}, nil,
		),
		unknown: prometheus.NewDesc(
			"unknown_deallocations_total",
			"Number of recorded deallocations with no matching allocation.",
			nil, nil,
		),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.persist
	ch <- c.temp
	ch <- c.peak
	ch <- c.allocs
	ch <- c.deallocs
	ch <- c.unknown
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.m.Stats()

	for id, u := range stats.Persistent {
		ch <- prometheus.MustNewConstMetric(c.persist, prometheus.GaugeValue,
			float64(u.Total), strconv.FormatInt(id, 10))
	}

	for owner, usage := range stats.Temporary {
		for id, u := range usage {
			ch <- prometheus.MustNewConstMetric(c.temp, prometheus.GaugeValue,
				float64(u.Current), strconv.FormatInt(owner, 10), strconv.FormatInt(id, 10))
			ch <- prometheus.MustNewConstMetric(c.peak, prometheus.GaugeValue,
				float64(u.Peak), strconv.FormatInt(owner, 10), strconv.FormatInt(id, 10))
		}
	}

	for _, kind := range []Kind{KindPersistent, KindTemporary} {
		ch <- prometheus.MustNewConstMetric(c.allocs, prometheus.CounterValue,
			float64(c.m.counts.allocations[kind].Load()), kind.String())
		ch <- prometheus.MustNewConstMetric(c.deallocs, prometheus.CounterValue,
			float64(c.m.counts.deallocations[kind].Load()), kind.String())
	}

	ch <- prometheus.MustNewConstMetric(c.unknown, prometheus.CounterValue,
		float64(c.m.counts.unknown.Load()))
}

// activity bundles the OpenTelemetry instruments for recorded operations.
type activity struct {
	allocations   otelmetric.Int64Counter
	deallocations otelmetric.Int64Counter
	sizes         otelmetric.Int64Histogram
	kinds         [2]otelmetric.MeasurementOption
}

// EnableActivityMetrics creates OpenTelemetry instruments for the
// operations recorded by the monitor. It needs to be called, or
// called again, once a meter provider has been set up.
func (m *Monitor) EnableActivityMetrics() error {
	meter := metrics.Provider("alloc").Meter("monitor")

	allocations, err := meter.Int64Counter("allocations",
		otelmetric.WithDescription("Number of recorded allocations."))
	if err != nil {
		return fmt.Errorf("failed to create allocation counter: %w", err)
	}

	deallocations, err := meter.Int64Counter("deallocations",
		otelmetric.WithDescription("Number of recorded deallocations."))
	if err != nil {
		return fmt.Errorf("failed to create deallocation counter: %w", err)
	}

	sizes, err := meter.Int64Histogram("allocation_size_bytes",
		otelmetric.WithDescription("Distribution of recorded allocation sizes."),
		otelmetric.WithUnit("By"))
	if err != nil {
		return fmt.Errorf("failed to create allocation size histogram: %w", err)
	}

	act := &activity{
		allocations:   allocations,
		deallocations: deallocations,
		sizes:         sizes,
	}
	for _, kind := range []Kind{KindPersistent, KindTemporary} {
		act.kinds[kind] = otelmetric.WithAttributeSet(
			attribute.NewSet(attribute.String("kind", kind.String())))
	}

	m.activity.Store(act)

	return nil
}

func (m *Monitor) countAllocate(kind Kind, size int64) {
	m.counts.allocations[kind].Add(1)
	if act := m.activity.Load(); act != nil {
		ctx := context.Background()
		act.allocations.Add(ctx, 1, act.kinds[kind])
		act.sizes.Record(ctx, size, act.kinds[kind])
	}
}

func (m *Monitor) countDeallocate(kind Kind) {
	m.counts.deallocations[kind].Add(1)
	if act := m.activity.Load(); act != nil {
		act.deallocations.Add(context.Background(), 1, act.kinds[kind])
	}
}

func (m *Monitor) countUnknown() {
	m.counts.unknown.Add(1)
}

func init() {
	if err := metrics.Register("usage", Default().Collector(), metrics.WithGroup("alloc")); err != nil {
		log.Error("failed to register usage collector: %v", err)
	}
}
