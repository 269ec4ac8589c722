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
	"cmp"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
)

// Monitor tracks the live allocations of any number of allocators,
// classified by lifetime. Persistent usage is tracked per allocator
// with global visibility. Temporary usage is tracked per owner and
// allocator, together with a resettable high-water mark. A Monitor
// never owns the allocators it tracks and their records can outlive
// the facades which made them.
type Monitor struct {
	shards   int
	resolve  OwnerResolver
	persist  *persistRegistry
	temp     *tempRegistry
	writer   atomic.Int64
	counts   counts
	activity atomic.Pointer[activity]
}

// counts collects operation counters for metrics export.
type counts struct {
	allocations   [2]atomic.Int64 // indexed by tracked Kind
	deallocations [2]atomic.Int64 // indexed by tracked Kind
	unknown       atomic.Int64
}

// noOwner marks the write bracket as not held by any owner.
const noOwner = OwnerID(math.MinInt64)

// MonitorOption is an opaque option for a Monitor.
type MonitorOption func(*Monitor) error

// WithShardCount is an option to set the number of lock partitions per
// registry. The count is rounded up to the nearest power of two.
func WithShardCount(count int) MonitorOption {
	return func(m *Monitor) error {
		if count <= 0 {
			return fmt.Errorf("invalid shard count %d", count)
		}

		shards := 1
		for shards < count {
			shards <<= 1
		}
		m.shards = shards

		return nil
	}
}

// WithOwnerResolver is an option to override how the identity of the
// calling owner is resolved for temporary allocations.
func WithOwnerResolver(resolve OwnerResolver) MonitorOption {
	return func(m *Monitor) error {
		if resolve == nil {
			return fmt.Errorf("nil owner resolver")
		}
		m.resolve = resolve
		return nil
	}
}

// NewMonitor creates a new usage monitor and configures it with the
// given options.
func NewMonitor(options ...MonitorOption) (*Monitor, error) {
	return newMonitor(options...)
}

func newMonitor(options ...MonitorOption) (*Monitor, error) {
	m := &Monitor{
		shards:  defaultShardCount,
		resolve: GoroutineOwner,
	}
	m.writer.Store(int64(noOwner))

	for _, o := range options {
		if err := o(m); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	m.persist = newPersistRegistry(m.shards)
	m.temp = newTempRegistry(m.shards)

	return m, nil
}

var (
	defaultMonitor *Monitor
	defaultOnce    sync.Once
)

// Default returns the shared default monitor instance.
func Default() *Monitor {
	defaultOnce.Do(func() {
		m, err := newMonitor()
		if err != nil {
			panic(err)
		}
		defaultMonitor = m
	})
	return defaultMonitor
}

// bracketed returns true if the calling owner holds the write bracket.
func (m *Monitor) bracketed() bool {
	return OwnerID(m.writer.Load()) == m.resolve()
}

// RecordAllocate records an allocation of the given size and attributes,
// made by the given allocator at the given address. Temporary allocations
// are attributed to the calling owner. Recording an output buffer is a
// fatal programming error.
func (m *Monitor) RecordAllocate(id ID, addr uintptr, size int64, attr Attr) error {
	defer m.validateState("RecordAllocate")

	if addr == 0 || size <= 0 {
		return fmt.Errorf("%w: can't record buffer 0x%x of size %d", ErrInvalidArgument, addr, size)
	}

	switch kind := attr.Kind(); kind {
	case KindPersistent:
		if err := m.persist.recordAllocate(id, addr, size, m.bracketed()); err != nil {
			return err
		}
		m.countAllocate(kind, size)
	case KindTemporary:
		owner := m.resolve()
		if err := m.temp.recordAllocate(owner, id, addr, size, m.bracketed()); err != nil {
			return err
		}
		m.countAllocate(kind, size)
	default:
		log.Panic("can't record allocation of %s buffer 0x%x for allocator #%d", kind, addr, id)
	}

	return nil
}

// RecordDeallocate removes the recorded allocation of the given
// allocator at the given address. Persistent records are searched
// first, then the temporary records of the calling owner. Temporary
// records of other owners are never touched.
func (m *Monitor) RecordDeallocate(id ID, addr uintptr) error {
	defer m.validateState("RecordDeallocate")

	if addr == 0 {
		return fmt.Errorf("%w: can't record deallocation of buffer 0x0", ErrInvalidArgument)
	}

	locked := m.bracketed()

	if _, ok := m.persist.recordDeallocate(id, addr, locked); ok {
		m.countDeallocate(KindPersistent)
		return nil
	}

	owner := m.resolve()
	if _, ok := m.temp.recordDeallocate(owner, id, addr, locked); ok {
		m.countDeallocate(KindTemporary)
		return nil
	}

	m.countUnknown()

	return fmt.Errorf("%w: buffer 0x%x of allocator #%d, owner %d", ErrUnknownAllocation, addr, id, owner)
}

// ResetPeakTempMemory resets the temporary memory high-water mark of
// the given allocator for the calling owner.
func (m *Monitor) ResetPeakTempMemory(id ID) {
	m.temp.resetPeak(m.resolve(), id, m.bracketed())
}

// PeakTempMemory returns the temporary memory high-water mark of the
// given allocator for the calling owner, or 0 if the owner never
// recorded temporary allocations for the allocator.
func (m *Monitor) PeakTempMemory(id ID) int64 {
	return m.temp.peak(m.resolve(), id, m.bracketed())
}

// TotalPersistMemory returns the total live persistent memory recorded
// for the given allocator, or 0 if nothing is recorded.
func (m *Monitor) TotalPersistMemory(id ID) int64 {
	return m.persist.total(id, m.bracketed())
}

// LockWrite locks both registries exclusively for the calling owner,
// bracketing several monitor calls as one atomic sequence. No single
// operation uses the bracket internally. Calls made by the bracket
// holder proceed without further locking until UnlockWrite.
func (m *Monitor) LockWrite() {
	owner := m.resolve()
	if OwnerID(m.writer.Load()) == owner {
		log.Error("%v: nested LockWrite by owner %d ignored", ErrInternalError, owner)
		return
	}

	m.persist.lockAll()
	m.temp.lockAll()
	m.writer.Store(int64(owner))
}

// UnlockWrite releases the bracket taken with LockWrite.
func (m *Monitor) UnlockWrite() {
	owner := m.resolve()
	if OwnerID(m.writer.Load()) != owner {
		log.Error("%v: UnlockWrite by owner %d without matching LockWrite ignored",
			ErrInternalError, owner)
		return
	}

	m.writer.Store(int64(noOwner))
	m.temp.unlockAll()
	m.persist.unlockAll()
}

// UsageStats is a point-in-time snapshot of monitored usage.
type UsageStats struct {
	Persistent map[ID]PersistentStats            `json:"persistent"`
	Temporary  map[OwnerID]map[ID]TemporaryStats `json:"temporary"`
}

// PersistentStats is the snapshot of one allocator's persistent usage.
type PersistentStats struct {
	Total   int64 `json:"total"`
	Entries int   `json:"entries"`
}

// TemporaryStats is the snapshot of one allocator's temporary usage
// for one owner.
type TemporaryStats struct {
	Current int64 `json:"current"`
	Peak    int64 `json:"peak"`
	Entries int   `json:"entries"`
}

// Stats returns a consistent snapshot of all monitored usage.
func (m *Monitor) Stats() *UsageStats {
	if !m.bracketed() {
		m.persist.rlockAll()
		m.temp.rlockAll()
		defer m.persist.runlockAll()
		defer m.temp.runlockAll()
	}

	return &UsageStats{
		Persistent: m.persist.snapshot(),
		Temporary:  m.temp.snapshot(),
	}
}

// Owners returns the owners with live temporary allocations, sorted.
func (m *Monitor) Owners() []OwnerID {
	if !m.bracketed() {
		m.temp.rlockAll()
		defer m.temp.runlockAll()
	}

	owners := m.temp.liveOwners()
	slices.Sort(owners)

	return owners
}

// CheckLeaks returns an accumulated error with one entry for every
// allocator with live persistent memory and every owner and allocator
// with live temporary memory, or nil if nothing is live.
func (m *Monitor) CheckLeaks() error {
	stats := m.Stats()

	var leaks *multierror.Error

	for _, id := range sortedKeys(stats.Persistent) {
		u := stats.Persistent[id]
		if u.Total != 0 {
			leaks = multierror.Append(leaks,
				fmt.Errorf("allocator #%d: %s persistent memory in %d buffers never deallocated",
					id, prettySize(u.Total), u.Entries))
		}
	}

	for _, owner := range sortedKeys(stats.Temporary) {
		usage := stats.Temporary[owner]
		for _, id := range sortedKeys(usage) {
			u := usage[id]
			if u.Current != 0 {
				leaks = multierror.Append(leaks,
					fmt.Errorf("owner %d: %s temporary memory of allocator #%d in %d buffers never deallocated",
						owner, prettySize(u.Current), id, u.Entries))
			}
		}
	}

	return leaks.ErrorOrNil()
}

// validateState checks the registry invariants and logs an internal
// error for any violation. The check runs only with debug logging
// enabled for the package.
func (m *Monitor) validateState(where string) {
	if !log.DebugEnabled() {
		return
	}

	locked := m.bracketed()
	m.persist.validate(where, locked)
	m.temp.validate(where, locked)
}

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
