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
	"fmt"
	"sync/atomic"
)

// Allocator is a facade for allocating tracked buffers with a pluggable
// backing strategy. Every allocation and deallocation is reported to
// the usage monitor of the allocator, keyed by its unique ID.
type Allocator struct {
	id      ID
	name    string
	cb      Callbacks
	monitor *Monitor
	closed  atomic.Bool
}

// lastID is the source of unique allocator IDs.
var lastID atomic.Int64

// AllocatorOption is an opaque option for an Allocator.
type AllocatorOption func(*Allocator) error

// WithCallbacks is an option to set the host memory callbacks of an
// allocator from the given function pair. If either function is nil,
// both are replaced with the defaults.
func WithCallbacks(allocate AllocateFn, deallocate DeallocateFn) AllocatorOption {
	return func(a *Allocator) error {
		a.cb = NewCallbacks(allocate, deallocate)
		return nil
	}
}

// WithStrategy is an option to set the full backing strategy of an
// allocator.
func WithStrategy(cb Callbacks) AllocatorOption {
	return func(a *Allocator) error {
		if cb == nil {
			return fmt.Errorf("nil callbacks")
		}
		a.cb = cb
		return nil
	}
}

// WithMonitor is an option to set the usage monitor of an allocator.
func WithMonitor(m *Monitor) AllocatorOption {
	return func(a *Allocator) error {
		if m == nil {
			return fmt.Errorf("nil monitor")
		}
		a.monitor = m
		return nil
	}
}

// WithName is an option to set the name of an allocator, used in log
// messages and metrics labels.
func WithName(name string) AllocatorOption {
	return func(a *Allocator) error {
		a.name = name
		return nil
	}
}

// New creates a new host memory allocator and configures it with the
// given options. Without options the allocator uses the default heap
// backed callbacks and the default monitor. In accelerator-only builds
// the host construction path is withdrawn and New fails with
// ErrInvalidArgument.
func New(options ...AllocatorOption) (*Allocator, error) {
	if !hostEnabled {
		return nil, fmt.Errorf("%w: no host allocator in this build", ErrInvalidArgument)
	}

	return newAllocator(options...)
}

func newAllocator(options ...AllocatorOption) (*Allocator, error) {
	a := &Allocator{
		id: lastID.Add(1),
		cb: DefaultCallbacks(),
	}

	for _, o := range options {
		if err := o(a); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	if a.monitor == nil {
		a.monitor = Default()
	}

	log.Debug("created %s", a)

	return a, nil
}

// ID returns the unique ID of the allocator.
func (a *Allocator) ID() ID {
	return a.id
}

// Name returns the name of the allocator.
func (a *Allocator) Name() string {
	return a.name
}

// Monitor returns the usage monitor of the allocator.
func (a *Allocator) Monitor() *Monitor {
	return a.monitor
}

// String returns a string representation of the allocator.
func (a *Allocator) String() string {
	if a == nil {
		return "<nil allocator>"
	}
	if a.name != "" {
		return fmt.Sprintf("<allocator %s#%d>", a.name, a.id)
	}
	return fmt.Sprintf("<allocator #%d>", a.id)
}

// Allocate allocates a buffer with the given size and attributes using
// the bound callbacks and records it with the monitor. A failed
// callback fails the allocation with ErrAllocFailed and nothing gets
// recorded. A failed recording releases the buffer.
func (a *Allocator) Allocate(size int64, attr Attr) (*Buffer, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil allocator", ErrInvalidArgument)
	}
	if a.closed.Load() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyClosed, a)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid allocation size %d", ErrInvalidArgument, size)
	}
	if !attr.IsValid() {
		return nil, fmt.Errorf("%w: invalid allocation attributes %s", ErrInvalidArgument, attr)
	}

	buf, err := a.cb.Allocate(size, attr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocFailed, err)
	}
	if buf == nil || buf.Addr() == 0 {
		return nil, fmt.Errorf("%w: callbacks returned no memory", ErrAllocFailed)
	}

	if err := a.monitor.RecordAllocate(a.id, buf.Addr(), buf.Size(), attr); err != nil {
		if relErr := a.cb.Deallocate(buf); relErr != nil {
			log.Warn("failed to release unrecorded %s: %v", buf, relErr)
		}
		return nil, err
	}

	details.Debug("%s: allocated %s", a, buf)

	return buf, nil
}

// Deallocate removes the monitor record of the given buffer, then
// releases it with the bound callbacks. An unrecorded buffer fails
// with ErrUnknownAllocation and the callbacks are not invoked.
func (a *Allocator) Deallocate(b *Buffer) error {
	if a == nil {
		return fmt.Errorf("%w: nil allocator", ErrInvalidArgument)
	}
	if a.closed.Load() {
		return fmt.Errorf("%w: %s", ErrAlreadyClosed, a)
	}
	if b == nil || b.Addr() == 0 {
		return fmt.Errorf("%w: nil buffer", ErrInvalidArgument)
	}

	if err := a.monitor.RecordDeallocate(a.id, b.Addr()); err != nil {
		return err
	}

	if err := a.cb.Deallocate(b); err != nil {
		return fmt.Errorf("failed to release %s: %w", b, err)
	}

	details.Debug("%s: deallocated %s", a, b)

	return nil
}

// Close releases the allocator. Allocations recorded for the allocator
// are not released; any still live are logged. Monitor records and
// queries by ID remain valid after Close. A nil allocator fails with
// ErrInvalidArgument, a second Close with ErrAlreadyClosed.
func (a *Allocator) Close() error {
	if a == nil {
		return fmt.Errorf("%w: nil allocator", ErrInvalidArgument)
	}
	if !a.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrAlreadyClosed, a)
	}

	stats := a.monitor.Stats()
	if u, ok := stats.Persistent[a.id]; ok && u.Total != 0 {
		log.Warn("closing %s with %s persistent memory in %d buffers still live",
			a, prettySize(u.Total), u.Entries)
	}
	for owner, usage := range stats.Temporary {
		if u, ok := usage[a.id]; ok && u.Current != 0 {
			log.Warn("closing %s with %s temporary memory of owner %d in %d buffers still live",
				a, prettySize(u.Current), owner, u.Entries)
		}
	}

	log.Debug("closed %s", a)

	return nil
}

// TotalPersistMemory returns the total live persistent memory recorded
// for the allocator.
func (a *Allocator) TotalPersistMemory() int64 {
	return a.monitor.TotalPersistMemory(a.id)
}

// PeakTempMemory returns the temporary memory high-water mark of the
// allocator for the calling owner.
func (a *Allocator) PeakTempMemory() int64 {
	return a.monitor.PeakTempMemory(a.id)
}

// ResetPeakTempMemory resets the temporary memory high-water mark of
// the allocator for the calling owner.
func (a *Allocator) ResetPeakTempMemory() {
	a.monitor.ResetPeakTempMemory(a.id)
}
