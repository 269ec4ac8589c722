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

package metrics

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/intel/memtrack/pkg/http"
	logger "github.com/intel/memtrack/pkg/log"
	"github.com/intel/memtrack/pkg/metrics"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

type (
	Option func() error
)

// Config provides runtime configuration for metrics collection.
type Config struct {
	// Enabled lists the groups or individual collectors to enable.
	// Entries are glob patterns matched against collector group names,
	// collector names, and full group/name pairs.
	Enabled []string `json:"enabled,omitempty"`
	// Polled lists the collectors to force into polled mode. Polled
	// collectors serve cached metrics which are refreshed periodically
	// in the background.
	Polled []string `json:"polled,omitempty"`
	// PollInterval sets the background refresh interval for polled
	// collectors.
	PollInterval metav1.Duration `json:"pollInterval,omitempty"`
}

const (
	promExporter = "prometheus"
	httpExporter = "otlp-http"
	grpcExporter = "otlp-grpc"
)

var (
	namespace    = "memtrack"
	exporter     string
	provider     *metric.MeterProvider
	gatherer     *metrics.Gatherer
	enabled      []string
	polled       []string
	pollInterval time.Duration
	reportPeriod time.Duration
	mux          *http.ServeMux
	log          = logger.Get("metrics")
)

// WithExporter sets the type of metrics exporter to use.
func WithExporter(v string) Option {
	return func() error {
		if v != "" && exporter != "" && v != exporter {
			return fmt.Errorf("conflicting metrics exporter: %q and %q requested",
				exporter, v)
		}

		if v != "" {
			exporter = v
		}
		return nil
	}
}

// WithNamespace sets a common namespace (prefix) for all metrics.
func WithNamespace(v string) Option {
	return func() error {
		namespace = v
		return nil
	}
}

// WithReportPeriod sets the reporting period for periodic metric
// exporters (otlp-http and otlp-grpc).
func WithReportPeriod(v time.Duration) Option {
	return func() error {
		reportPeriod = v
		return nil
	}
}

// WithMetrics sets the enabled and polled metrics.
func WithMetrics(cfg *Config) Option {
	return func() error {
		if cfg != nil {
			enabled = slices.Clone(cfg.Enabled)
			polled = slices.Clone(cfg.Polled)
			pollInterval = cfg.PollInterval.Duration
		} else {
			enabled = nil
			polled = nil
			pollInterval = 0
		}
		return nil
	}
}

// Start metrics collection and exporting.
func Start(m *http.ServeMux, resource *resource.Resource, opts ...Option) error {
	Stop()

	for _, opt := range opts {
		if err := opt(); err != nil {
			return err
		}
	}

	metrics.Configure(append(slices.Clone(enabled), polled...))

	if exporter == "" {
		log.Info("no metrics exporter configured, metrics collection disabled")
		metrics.SetProvider(nil)
		metrics.Configure(nil)
		return nil
	}

	if m == nil {
		log.Info("no mux provided, metrics collection disabled")
		metrics.SetProvider(nil)
		metrics.Configure(nil)
		return nil
	}

	var (
		ctx     = context.Background()
		options = []metric.Option{metric.WithResource(resource)}
	)

	switch exporter {
	case promExporter:
		log.Info("using OpenTelemetry Prometheus exporter")

		gopts := []metrics.GathererOption{
			metrics.WithNamespace(namespace),
			metrics.WithMetrics(enabled, polled),
		}
		if pollInterval > 0 {
			gopts = append(gopts, metrics.WithPollInterval(pollInterval))
		}

		g, err := metrics.NewGatherer(gopts...)
		if err != nil {
			return fmt.Errorf("failed to create metrics gatherer: %w", err)
		}
		gatherer = g

		// OpenTelemetry-originated metrics are exported through the
		// same registry the gatherer serves.
		exp, err := otelprom.New(
			otelprom.WithNamespace(namespace),
			otelprom.WithRegisterer(gatherer.Registry),
			otelprom.WithoutScopeInfo(),
			otelprom.WithoutTargetInfo(),
		)
		if err != nil {
			return fmt.Errorf("failed to create OpenTelemetry Prometheus exporter: %w", err)
		}

		options = append(options, metric.WithReader(exp))

		handlerOpts := promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		}
		m.Handle("/metrics", promhttp.HandlerFor(gatherer, handlerOpts))

	case httpExporter:
		log.Info("using OpenTelemetry HTTP exporter")

		exp, err := otlpmetrichttp.New(ctx)
		if err != nil {
			return fmt.Errorf("failed to create OpenTelemetry HTTP exporter: %w", err)
		}

		options = append(options,
			metric.WithReader(
				metric.NewPeriodicReader(exp, metric.WithInterval(reportPeriod)),
			),
		)

	case grpcExporter:
		log.Info("using OpenTelemetry gRPC exporter")

		exp, err := otlpmetricgrpc.New(ctx)
		if err != nil {
			return fmt.Errorf("failed to create OpenTelemetry gRPC exporter: %w", err)
		}

		options = append(options,
			metric.WithReader(
				metric.NewPeriodicReader(exp, metric.WithInterval(reportPeriod)),
			),
		)
	}

	log.Info("starting metrics exporter...")

	provider = metric.NewMeterProvider(options...)
	metrics.SetProvider(provider)

	mux = m

	return nil
}

// Stop metrics collection and exporting.
func Stop() {
	if mux != nil {
		mux.Unregister("/metrics")
		mux = nil
	}

	if gatherer != nil {
		gatherer.Stop()
		gatherer = nil
	}

	if provider != nil {
		err := provider.Shutdown(context.Background())
		if err != nil {
			log.Error("failed to shut down metrics provider: %v", err)
		}
		provider = nil
	}

	exporter = ""
	namespace = "memtrack"
	enabled = nil
	polled = nil
	pollInterval = 0
	reportPeriod = 0
}
