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

package tracing

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	logger "github.com/intel/memtrack/pkg/log"
)

// Option represents an option which can be applied to tracing.
type Option func(*tracing) error

type tracing struct {
	service  string
	endpoint string
	sampling float64
	exporter *spanExporter
	sampler  *sampler
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

var (
	log = logger.Get("tracing")
	trc = &tracing{
		service:  filepath.Base(os.Args[0]),
		exporter: &spanExporter{},
		sampler:  &sampler{},
	}
)

const (
	// timeout for shutting down exporters and providers
	shutdownTimeout = 5 * time.Second
)

// WithCollectorEndpoint sets the given collector endpoint.
func WithCollectorEndpoint(endpoint string) Option {
	return func(t *tracing) error {
		t.endpoint = endpoint
		return nil
	}
}

// WithSamplingRatio sets the given sampling ratio.
func WithSamplingRatio(ratio float64) Option {
	return func(t *tracing) error {
		if ratio < 0.0 || ratio > 1.0 {
			return fmt.Errorf("invalid sampling ratio %f", ratio)
		}
		t.sampling = ratio
		return nil
	}
}

// WithServiceName sets the service name reported for tracing.
func WithServiceName(name string) Option {
	return func(t *tracing) error {
		t.service = name
		return nil
	}
}

// Start tracing with the given resource and options. The tracer provider
// is set up once and kept registered. Later reconfiguration only swaps
// the exporter and the sampler under it.
func Start(res *resource.Resource, options ...Option) error {
	return trc.start(res, options...)
}

// Stop tracing.
func Stop() {
	trc.stop()
}

func (t *tracing) start(res *resource.Resource, options ...Option) error {
	for _, opt := range options {
		if err := opt(t); err != nil {
			return fmt.Errorf("failed to set tracing option: %w", err)
		}
	}

	switch {
	case t.endpoint == "":
		log.Info("tracing disabled, no endpoint set")
		t.stop()
		return nil
	case t.sampling == 0.0:
		log.Info("tracing disabled, sampling ratio is 0.0")
		t.stop()
		return nil
	}

	log.Info("starting tracing exporter...")

	if err := t.exporter.setEndpoint(t.endpoint); err != nil {
		return fmt.Errorf("failed to start tracing exporter: %w", err)
	}

	t.sampler.setRatio(t.sampling)

	if t.provider == nil {
		t.provider = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSpanProcessor(
				sdktrace.NewBatchSpanProcessor(t.exporter),
			),
			sdktrace.WithSampler(t.sampler),
		)
		t.tracer = t.provider.Tracer(t.service, trace.WithSchemaURL(semconv.SchemaURL))

		otel.SetTracerProvider(t.provider)

		propagator := propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		)
		otel.SetTextMapPropagator(propagator)
	}

	return nil
}

func (t *tracing) stop() {
	t.sampler.disable()

	go func(e *spanExporter) {
		if err := e.shutdown(); err != nil {
			log.Errorf("failed to shutdown span exporter: %v", err)
		}
	}(t.exporter)
}
