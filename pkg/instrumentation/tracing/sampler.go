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
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var (
	drop = sdktrace.SamplingResult{
		Decision:   sdktrace.Drop,
		Tracestate: trace.TraceState{},
	}

	_ sdktrace.Sampler = (*sampler)(nil)
)

// sampler samples spans with a swappable policy, so the sampling ratio
// can be reconfigured under a live tracer provider.
type sampler struct {
	sync.RWMutex
	delegate sdktrace.Sampler
}

// setRatio sets the sampling policy from a ratio. Ratios at or above 1
// sample everything, ratios at or below 0 drop everything.
func (s *sampler) setRatio(ratio float64) {
	var delegate sdktrace.Sampler

	switch {
	case ratio >= 1:
		delegate = sdktrace.AlwaysSample()
	case ratio > 0:
		delegate = sdktrace.TraceIDRatioBased(ratio)
	}

	s.Lock()
	defer s.Unlock()
	s.delegate = delegate
}

// disable drops all spans until the next setRatio.
func (s *sampler) disable() {
	s.Lock()
	defer s.Unlock()
	s.delegate = nil
}

func (s *sampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	s.RLock()
	defer s.RUnlock()

	if s.delegate == nil {
		return drop
	}

	return s.delegate.ShouldSample(p)
}

func (s *sampler) Description() string {
	s.RLock()
	defer s.RUnlock()

	if s.delegate == nil {
		return "DropAll"
	}

	return s.delegate.Description()
}
