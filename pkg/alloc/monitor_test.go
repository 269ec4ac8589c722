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

	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func fixedOwner(owner OwnerID) OwnerResolver {
	return func() OwnerID { return owner }
}

func TestMonitorOptions(t *testing.T) {
	t.Run("failing options", func(t *testing.T) {
		for _, o := range []MonitorOption{
			WithShardCount(0),
			WithShardCount(-4),
			WithOwnerResolver(nil),
		} {
			m, err := NewMonitor(o)
			require.ErrorIs(t, err, ErrFailedOption)
			require.Nil(t, m)
		}
	})

	t.Run("any shard count works", func(t *testing.T) {
		for _, count := range []int{1, 3, 16, 100} {
			m := newTestMonitor(t, WithShardCount(count))
			for id := ID(1); id <= 32; id++ {
				addr := uintptr(id) << 12
				require.NoError(t, m.RecordAllocate(id, addr, 64, Persistent()))
			}
			for id := ID(1); id <= 32; id++ {
				require.Equal(t, int64(64), m.TotalPersistMemory(id))
				require.NoError(t, m.RecordDeallocate(id, uintptr(id)<<12))
			}
			require.NoError(t, m.CheckLeaks())
		}
	})

	t.Run("default is shared", func(t *testing.T) {
		require.Same(t, Default(), Default())
	})
}

func TestPersistentAccounting(t *testing.T) {
	m := newTestMonitor(t)
	id := ID(1)

	require.NoError(t, m.RecordAllocate(id, 0x1000, 100, Persistent()))
	require.NoError(t, m.RecordAllocate(id, 0x2000, 200, Persistent()))
	require.NoError(t, m.RecordAllocate(id, 0x3000, 300, Persistent()))
	require.Equal(t, int64(600), m.TotalPersistMemory(id))

	t.Run("visible from any goroutine", func(t *testing.T) {
		total := make(chan int64)
		go func() { total <- m.TotalPersistMemory(id) }()
		require.Equal(t, int64(600), <-total)
	})

	t.Run("unknown allocator is empty", func(t *testing.T) {
		require.Zero(t, m.TotalPersistMemory(ID(99)))
	})

	require.NoError(t, m.RecordDeallocate(id, 0x2000))
	require.Equal(t, int64(400), m.TotalPersistMemory(id))

	require.NoError(t, m.RecordDeallocate(id, 0x1000))
	require.NoError(t, m.RecordDeallocate(id, 0x3000))
	require.Zero(t, m.TotalPersistMemory(id))
}

func TestTemporaryAccounting(t *testing.T) {
	t.Run("peak survives deallocation", func(t *testing.T) {
		m := newTestMonitor(t)
		id := ID(1)

		require.NoError(t, m.RecordAllocate(id, 0x1000, 1024, Temporary()))
		require.NoError(t, m.RecordAllocate(id, 0x2000, 2048, Temporary()))
		require.Equal(t, int64(3072), m.PeakTempMemory(id))

		require.NoError(t, m.RecordDeallocate(id, 0x1000))
		require.NoError(t, m.RecordDeallocate(id, 0x2000))
		require.Equal(t, int64(3072), m.PeakTempMemory(id))
		require.NoError(t, m.CheckLeaks())
	})

	t.Run("reset peak", func(t *testing.T) {
		m := newTestMonitor(t)
		id := ID(1)

		require.NoError(t, m.RecordAllocate(id, 0x1000, 2048, Temporary()))
		require.NoError(t, m.RecordDeallocate(id, 0x1000))
		require.Equal(t, int64(2048), m.PeakTempMemory(id))

		m.ResetPeakTempMemory(id)
		require.Zero(t, m.PeakTempMemory(id))

		require.NoError(t, m.RecordAllocate(id, 0x1000, 512, Temporary()))
		require.Equal(t, int64(512), m.PeakTempMemory(id))
		require.NoError(t, m.RecordDeallocate(id, 0x1000))
	})

	t.Run("unknown allocator peak is zero", func(t *testing.T) {
		m := newTestMonitor(t)
		require.Zero(t, m.PeakTempMemory(ID(99)))
		m.ResetPeakTempMemory(ID(99))
		require.Zero(t, m.PeakTempMemory(ID(99)))
	})

	t.Run("peak is per owner", func(t *testing.T) {
		m := newTestMonitor(t)
		id := ID(1)

		require.NoError(t, m.RecordAllocate(id, 0x1000, 4096, Temporary()))

		peak := make(chan int64)
		go func() { peak <- m.PeakTempMemory(id) }()
		require.Zero(t, <-peak)
		require.Equal(t, int64(4096), m.PeakTempMemory(id))

		require.NoError(t, m.RecordDeallocate(id, 0x1000))
	})
}

func TestRecordErrors(t *testing.T) {
	m := newTestMonitor(t)
	id := ID(1)

	t.Run("invalid arguments", func(t *testing.T) {
		require.ErrorIs(t, m.RecordAllocate(id, 0, 64, Temporary()), ErrInvalidArgument)
		require.ErrorIs(t, m.RecordAllocate(id, 0x1000, 0, Temporary()), ErrInvalidArgument)
		require.ErrorIs(t, m.RecordAllocate(id, 0x1000, -64, Persistent()), ErrInvalidArgument)
		require.ErrorIs(t, m.RecordDeallocate(id, 0), ErrInvalidArgument)
	})

	t.Run("duplicate addresses", func(t *testing.T) {
		require.NoError(t, m.RecordAllocate(id, 0x1000, 64, Persistent()))
		require.ErrorIs(t, m.RecordAllocate(id, 0x1000, 64, Persistent()), ErrAlreadyExists)
		require.NoError(t, m.RecordDeallocate(id, 0x1000))

		require.NoError(t, m.RecordAllocate(id, 0x2000, 64, Temporary()))
		require.ErrorIs(t, m.RecordAllocate(id, 0x2000, 64, Temporary()), ErrAlreadyExists)
		require.NoError(t, m.RecordDeallocate(id, 0x2000))
	})

	t.Run("reusable after deallocation", func(t *testing.T) {
		require.NoError(t, m.RecordAllocate(id, 0x3000, 64, Persistent()))
		require.NoError(t, m.RecordDeallocate(id, 0x3000))
		require.NoError(t, m.RecordAllocate(id, 0x3000, 128, Persistent()))
		require.Equal(t, int64(128), m.TotalPersistMemory(id))
		require.NoError(t, m.RecordDeallocate(id, 0x3000))
	})

	t.Run("unknown deallocation", func(t *testing.T) {
		require.ErrorIs(t, m.RecordDeallocate(id, 0xdead), ErrUnknownAllocation)

		require.NoError(t, m.RecordAllocate(id, 0x4000, 64, Temporary()))
		require.NoError(t, m.RecordDeallocate(id, 0x4000))
		require.ErrorIs(t, m.RecordDeallocate(id, 0x4000), ErrUnknownAllocation)
	})

	t.Run("output buffers are never recorded", func(t *testing.T) {
		require.Panics(t, func() {
			_ = m.RecordAllocate(id, 0x5000, 64, Output())
		})
	})
}

func TestDeallocationSearchOrder(t *testing.T) {
	m := newTestMonitor(t)
	id := ID(1)

	// the same address live in both registries
	require.NoError(t, m.RecordAllocate(id, 0x1000, 100, Persistent()))
	require.NoError(t, m.RecordAllocate(id, 0x1000, 200, Temporary()))

	require.NoError(t, m.RecordDeallocate(id, 0x1000))
	require.Zero(t, m.TotalPersistMemory(id))
	require.Equal(t, int64(200), m.PeakTempMemory(id))

	require.NoError(t, m.RecordDeallocate(id, 0x1000))
	require.NoError(t, m.CheckLeaks())
}

func TestCrossOwnerDeallocation(t *testing.T) {
	t.Run("goroutine owners", func(t *testing.T) {
		m := newTestMonitor(t)
		id := ID(1)

		require.NoError(t, m.RecordAllocate(id, 0x1000, 64, Temporary()))

		errs := make(chan error)
		go func() { errs <- m.RecordDeallocate(id, 0x1000) }()
		require.ErrorIs(t, <-errs, ErrUnknownAllocation)

		require.NoError(t, m.RecordDeallocate(id, 0x1000))
	})

	t.Run("shared fixed owner", func(t *testing.T) {
		m := newTestMonitor(t, WithOwnerResolver(fixedOwner(42)))
		id := ID(1)

		require.NoError(t, m.RecordAllocate(id, 0x1000, 64, Temporary()))

		errs := make(chan error)
		go func() { errs <- m.RecordDeallocate(id, 0x1000) }()
		require.NoError(t, <-errs)
	})
}

func TestOwners(t *testing.T) {
	t.Run("goroutine owner", func(t *testing.T) {
		m := newTestMonitor(t)
		id := ID(1)

		require.Empty(t, m.Owners())

		require.NoError(t, m.RecordAllocate(id, 0x1000, 64, Temporary()))
		require.Equal(t, []OwnerID{GoroutineOwner()}, m.Owners())

		require.NoError(t, m.RecordDeallocate(id, 0x1000))
		require.Empty(t, m.Owners())
	})

	t.Run("sorted owners", func(t *testing.T) {
		var current atomic.Int64
		m := newTestMonitor(t, WithOwnerResolver(current.Load))
		id := ID(1)

		current.Store(7)
		require.NoError(t, m.RecordAllocate(id, 0x1000, 64, Temporary()))
		current.Store(3)
		require.NoError(t, m.RecordAllocate(id, 0x2000, 64, Temporary()))

		require.Equal(t, []OwnerID{3, 7}, m.Owners())

		require.NoError(t, m.RecordDeallocate(id, 0x2000))
		current.Store(7)
		require.NoError(t, m.RecordDeallocate(id, 0x1000))
		require.Empty(t, m.Owners())
	})
}

func TestStats(t *testing.T) {
	m := newTestMonitor(t, WithOwnerResolver(fixedOwner(42)))

	require.NoError(t, m.RecordAllocate(1, 0x1000, 100, Persistent()))
	require.NoError(t, m.RecordAllocate(1, 0x2000, 200, Persistent()))
	require.NoError(t, m.RecordAllocate(2, 0x3000, 300, Persistent()))
	require.NoError(t, m.RecordAllocate(1, 0x4000, 64, Temporary()))
	require.NoError(t, m.RecordAllocate(1, 0x5000, 32, Temporary()))
	require.NoError(t, m.RecordDeallocate(1, 0x5000))

	expected := &UsageStats{
		Persistent: map[ID]PersistentStats{
			1: {Total: 300, Entries: 2},
			2: {Total: 300, Entries: 1},
		},
		Temporary: map[OwnerID]map[ID]TemporaryStats{
			42: {
				1: {Current: 64, Peak: 96, Entries: 1},
			},
		},
	}

	if diff := cmp.Diff(expected, m.Stats()); diff != "" {
		t.Errorf("unexpected usage stats (-want +got):\n%s", diff)
	}
}

func TestCheckLeaks(t *testing.T) {
	m := newTestMonitor(t, WithOwnerResolver(fixedOwner(42)))

	require.NoError(t, m.CheckLeaks())

	require.NoError(t, m.RecordAllocate(1, 0x1000, 1024, Persistent()))
	require.NoError(t, m.RecordAllocate(2, 0x2000, 512, Temporary()))

	err := m.CheckLeaks()
	require.Error(t, err)
	require.ErrorContains(t, err, "allocator #1: 1k persistent memory in 1 buffers never deallocated")
	require.ErrorContains(t, err, "owner 42: 512 temporary memory of allocator #2 in 1 buffers never deallocated")

	require.NoError(t, m.RecordDeallocate(1, 0x1000))
	require.NoError(t, m.RecordDeallocate(2, 0x2000))
	require.NoError(t, m.CheckLeaks())
}

func TestLockWrite(t *testing.T) {
	t.Run("bracketed sequence", func(t *testing.T) {
		m := newTestMonitor(t)
		id := ID(1)

		m.LockWrite()
		require.NoError(t, m.RecordAllocate(id, 0x1000, 100, Persistent()))
		require.NoError(t, m.RecordAllocate(id, 0x2000, 200, Temporary()))
		require.Equal(t, int64(100), m.TotalPersistMemory(id))
		require.Equal(t, int64(200), m.PeakTempMemory(id))
		require.Len(t, m.Stats().Persistent, 1)
		require.NoError(t, m.RecordDeallocate(id, 0x2000))
		m.UnlockWrite()

		require.NoError(t, m.RecordDeallocate(id, 0x1000))
		require.NoError(t, m.CheckLeaks())
	})

	t.Run("bracket excludes other writers", func(t *testing.T) {
		m := newTestMonitor(t)
		id := ID(1)

		m.LockWrite()

		started := make(chan struct{})
		done := make(chan error)
		go func() {
			close(started)
			done <- m.RecordAllocate(id, 0x1000, 64, Persistent())
		}()

		<-started
		time.Sleep(10 * time.Millisecond)
		require.Zero(t, m.TotalPersistMemory(id))

		m.UnlockWrite()
		require.NoError(t, <-done)
		require.Equal(t, int64(64), m.TotalPersistMemory(id))

		require.NoError(t, m.RecordDeallocate(id, 0x1000))
	})

	t.Run("nested lock ignored", func(t *testing.T) {
		m := newTestMonitor(t)
		id := ID(1)

		m.LockWrite()
		m.LockWrite()
		require.NoError(t, m.RecordAllocate(id, 0x1000, 64, Persistent()))
		m.UnlockWrite()

		require.NoError(t, m.RecordDeallocate(id, 0x1000))
	})

	t.Run("unmatched unlock ignored", func(t *testing.T) {
		m := newTestMonitor(t)
		id := ID(1)

		m.UnlockWrite()
		require.NoError(t, m.RecordAllocate(id, 0x1000, 64, Persistent()))
		require.NoError(t, m.RecordDeallocate(id, 0x1000))
	})
}

func TestConcurrentRecording(t *testing.T) {
	type testCase struct {
		name    string
		options []MonitorOption
	}

	for _, tc := range []*testCase{
		{
			name: "default shards",
		},
		{
			name:    "single shard",
			options: []MonitorOption{WithShardCount(1)},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			const (
				workers   = 8
				perWorker = 100
				size      = int64(64)
			)

			m := newTestMonitor(t, tc.options...)
			id := ID(1)
			peaks := make([]int64, workers)

			// temporary and persistent records get disjoint address
			// ranges, deallocation searches persistent records first
			tempAddr := func(w, i int) uintptr {
				return uintptr(w+1)<<20 + uintptr(i)*uintptr(size)
			}
			persistAddr := func(w, i int) uintptr {
				return tempAddr(w, i) + 1<<19
			}

			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()

					for i := 0; i < perWorker; i++ {
						require.NoError(t, m.RecordAllocate(id, tempAddr(w, i), size, Temporary()))
						require.NoError(t, m.RecordAllocate(id, persistAddr(w, i), size, Persistent()))
					}

					peaks[w] = m.PeakTempMemory(id)

					for i := 0; i < perWorker; i++ {
						require.NoError(t, m.RecordDeallocate(id, tempAddr(w, i)))
					}
				}(w)
			}
			wg.Wait()

			for w := 0; w < workers; w++ {
				require.Equal(t, int64(perWorker)*size, peaks[w])
			}

			require.Equal(t, int64(workers*perWorker)*size, m.TotalPersistMemory(id))
			require.Empty(t, m.Owners())

			stats := m.Stats()
			require.Len(t, stats.Temporary, workers)
			for _, usage := range stats.Temporary {
				require.Zero(t, usage[id].Current)
				require.Equal(t, int64(perWorker)*size, usage[id].Peak)
			}

			wg = sync.WaitGroup{}
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()

					for i := 0; i < perWorker; i++ {
						require.NoError(t, m.RecordDeallocate(id, persistAddr(w, i)))
					}
				}(w)
			}
			wg.Wait()

			require.Zero(t, m.TotalPersistMemory(id))
			require.NoError(t, m.CheckLeaks())
		})
	}
}
