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

package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/intel/memtrack/pkg/alloc"
	"github.com/intel/memtrack/pkg/config"
	"github.com/intel/memtrack/pkg/healthz"
	"github.com/intel/memtrack/pkg/instrumentation/tracing"
	"github.com/intel/memtrack/pkg/metrics"
)

// simulator drives a synthetic allocation workload against a usage
// monitor. Every worker allocates a persistent state buffer at startup
// and then burns rounds allocating, touching and releasing temporary
// scratch buffers.
type simulator struct {
	cfg         *config.Config
	monitor     *alloc.Monitor
	weights     *alloc.Allocator
	scratch     *alloc.Allocator
	stateSize   int64
	scratchSize int64
	failures    atomic.Int64
}

// newSimulator creates a simulator for the given configuration. This
// needs to run before instrumentation is set up so that the usage
// collectors are registered by the time the metrics gatherer picks up
// its groups. Activity metrics are hooked up separately, once a meter
// provider is available.
func newSimulator(cfg *config.Config) (*simulator, error) {
	stateSize, err := cfg.Workload.StateSize.Bytes()
	if err != nil {
		return nil, err
	}
	scratchSize, err := cfg.Workload.ScratchSize.Bytes()
	if err != nil {
		return nil, err
	}
	if stateSize <= 0 || scratchSize <= 0 {
		return nil, fmt.Errorf("state and scratch sizes must be positive, got %d and %d",
			stateSize, scratchSize)
	}

	monitor := alloc.Default()
	if cfg.Monitor.ShardCount > 0 {
		monitor, err = alloc.NewMonitor(alloc.WithShardCount(cfg.Monitor.ShardCount))
		if err != nil {
			return nil, fmt.Errorf("failed to create monitor: %w", err)
		}
		if err := metrics.Register("usage", monitor.Collector(), metrics.WithGroup("sim")); err != nil {
			return nil, fmt.Errorf("failed to register usage collector: %w", err)
		}
	}

	weights, err := alloc.New(alloc.WithName("weights"), alloc.WithMonitor(monitor))
	if err != nil {
		return nil, fmt.Errorf("failed to create weights allocator: %w", err)
	}
	scratch, err := alloc.New(alloc.WithName("scratch"), alloc.WithMonitor(monitor))
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch allocator: %w", err)
	}

	return &simulator{
		cfg:         cfg,
		monitor:     monitor,
		weights:     weights,
		scratch:     scratch,
		stateSize:   stateSize,
		scratchSize: scratchSize,
	}, nil
}

// enableActivityMetrics hooks up the activity counters of the monitor,
// if so configured. A meter provider needs to be set up for the
// counters to record anything, so this runs after instrumentation is
// up.
func (s *simulator) enableActivityMetrics() error {
	if !s.cfg.Monitor.ActivityMetrics {
		return nil
	}
	return s.monitor.EnableActivityMetrics()
}

// Run starts the workload and blocks until all workers are done or the
// context gets canceled. State buffers are released and a leak check is
// run, if so configured, before returning.
func (s *simulator) Run(ctx context.Context) error {
	var (
		workers = s.cfg.Workload.Workers
		states  = make(chan *alloc.Buffer, workers)
		wg      sync.WaitGroup
	)

	log.Info("starting %d allocation workers...", workers)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			if err := s.runWorker(ctx, worker, states); err != nil {
				s.failures.Add(1)
				log.Error("worker %d failed: %v", worker, err)
			}
		}(w)
	}

	stopDump := make(chan struct{})
	if interval := s.cfg.Monitor.DumpInterval.Duration; interval > 0 {
		go s.dumpLoop(interval, stopDump)
	}

	wg.Wait()
	close(stopDump)
	close(states)

	for state := range states {
		if err := s.weights.Deallocate(state); err != nil {
			log.Error("failed to release state buffer %s: %v", state, err)
		}
	}

	if err := s.weights.Close(); err != nil {
		log.Error("failed to close weights allocator: %v", err)
	}
	if err := s.scratch.Close(); err != nil {
		log.Error("failed to close scratch allocator: %v", err)
	}

	s.dumpUsage()

	if s.cfg.Monitor.LeakCheck {
		if err := s.monitor.CheckLeaks(); err != nil {
			return fmt.Errorf("leaked allocations:\n%w", err)
		}
		log.Info("no leaked allocations")
	}

	if failures := s.failures.Load(); failures > 0 {
		return fmt.Errorf("%d workers failed", failures)
	}

	return nil
}

// runWorker allocates the worker's state buffer, then runs allocation
// rounds until the configured round count is used up or the context
// gets canceled. State buffers are handed over to Run for release.
func (s *simulator) runWorker(ctx context.Context, worker int, states chan<- *alloc.Buffer) error {
	state, err := s.weights.Allocate(s.stateSize, alloc.Persistent())
	if err != nil {
		return fmt.Errorf("failed to allocate state buffer: %w", err)
	}
	states <- state

	rnd := rand.New(rand.NewSource(int64(worker) + 1))

	for round := 0; s.cfg.Workload.Rounds == 0 || round < s.cfg.Workload.Rounds; round++ {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := s.runRound(ctx, worker, round, rnd); err != nil {
			return fmt.Errorf("round %d failed: %w", round, err)
		}
	}

	return nil
}

// runRound runs a single allocation round: allocate a burst of scratch
// buffers, pretend to compute on them for a while, then release them.
// The high-water mark is reset at the start so it tracks the scratch
// need of a single round.
func (s *simulator) runRound(ctx context.Context, worker, round int, rnd *rand.Rand) (err error) {
	ctx, span := tracing.StartSpan(ctx, "allocation-round",
		tracing.WithAttributes(
			tracing.Attribute("worker", worker),
			tracing.Attribute("round", round),
		))
	defer func() {
		span.End(tracing.WithStatus(err))
	}()

	s.monitor.ResetPeakTempMemory(s.scratch.ID())

	count := 1 + rnd.Intn(3)
	bufs, err := s.allocateScratch(rnd, count)
	if err != nil {
		return err
	}

	span.SetAttributes(tracing.Attribute("buffers", len(bufs)))

	for _, buf := range bufs {
		data := buf.Bytes()
		for i := 0; i < len(data); i += 4096 {
			data[i] = byte(round)
		}
	}

	select {
	case <-time.After(s.workInterval(rnd)):
	case <-ctx.Done():
	}

	for _, buf := range bufs {
		if err := s.scratch.Deallocate(buf); err != nil {
			return fmt.Errorf("failed to release scratch buffer %s: %w", buf, err)
		}
	}

	return nil
}

// allocateScratch allocates a burst of temporary scratch buffers of
// random sizes. Multi-buffer bursts are write-bracketed so they show up
// atomically in usage snapshots.
func (s *simulator) allocateScratch(rnd *rand.Rand, count int) ([]*alloc.Buffer, error) {
	if count > 1 {
		s.monitor.LockWrite()
		defer s.monitor.UnlockWrite()
	}

	bufs := make([]*alloc.Buffer, 0, count)
	for i := 0; i < count; i++ {
		size := 1 + rnd.Int63n(s.scratchSize)
		buf, err := s.scratch.Allocate(size, alloc.Temporary())
		if err != nil {
			for _, b := range bufs {
				if relErr := s.scratch.Deallocate(b); relErr != nil {
					log.Error("failed to release scratch buffer %s: %v", b, relErr)
				}
			}
			return nil, fmt.Errorf("failed to allocate scratch buffer: %w", err)
		}
		bufs = append(bufs, buf)
	}

	return bufs, nil
}

// workInterval returns the length of the simulated compute phase of a
// round, jittered by up to a quarter of the configured interval.
func (s *simulator) workInterval(rnd *rand.Rand) time.Duration {
	interval := s.cfg.Workload.Interval.Duration
	if interval <= 0 {
		return 0
	}
	return interval + time.Duration(rnd.Int63n(int64(interval)/2+1)) - interval/4
}

// dumpLoop periodically dumps monitored usage until stopped.
func (s *simulator) dumpLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.dumpUsage()
		}
	}
}

// dumpUsage logs a one-line usage summary, with a detailed per-owner
// dump if debugging is enabled for alloc-details.
func (s *simulator) dumpUsage() {
	var persist, temp int64

	stats := s.monitor.Stats()
	for _, u := range stats.Persistent {
		persist += u.Total
	}
	for _, usage := range stats.Temporary {
		for _, u := range usage {
			temp += u.Current
		}
	}

	log.Info("memory usage: %s persistent, %s temporary, %d live owners",
		alloc.HumanReadableSize(persist), alloc.HumanReadableSize(temp),
		len(s.monitor.Owners()))

	s.monitor.DumpUsage("usage:")
}

// checkHealth reports degraded health once any worker has failed.
func (s *simulator) checkHealth() (healthz.Status, error) {
	if failures := s.failures.Load(); failures > 0 {
		return healthz.Degraded, fmt.Errorf("%d allocation workers failed", failures)
	}
	return healthz.Healthy, nil
}
