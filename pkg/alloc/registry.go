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
	"sync"
)

// defaultShardCount is the number of lock partitions per registry,
// unless overridden with WithShardCount.
const defaultShardCount = 16

// persistUsage records the live persistent allocations of one allocator.
type persistUsage struct {
	total   int64
	entries map[uintptr]int64
}

// tempUsage records the live temporary allocations of one allocator
// for one owner, together with the observed high-water mark.
type tempUsage struct {
	current int64
	peak    int64
	entries map[uintptr]int64
}

type persistShard struct {
	sync.RWMutex
	usage map[ID]*persistUsage
}

type tempShard struct {
	sync.RWMutex
	usage map[OwnerID]map[ID]*tempUsage
}

// persistRegistry tracks persistent allocations with global visibility,
// partitioned into lock shards by allocator ID.
type persistRegistry struct {
	shards []persistShard
}

// tempRegistry tracks temporary allocations and their high-water marks,
// partitioned into lock shards by owner ID.
type tempRegistry struct {
	shards []tempShard
}

func newPersistRegistry(count int) *persistRegistry {
	r := &persistRegistry{shards: make([]persistShard, count)}
	for i := range r.shards {
		r.shards[i].usage = make(map[ID]*persistUsage)
	}
	return r
}

func (r *persistRegistry) shard(id ID) *persistShard {
	return &r.shards[uint64(id)&uint64(len(r.shards)-1)]
}

func (r *persistRegistry) recordAllocate(id ID, addr uintptr, size int64, locked bool) error {
	sh := r.shard(id)
	if !locked {
		sh.Lock()
		defer sh.Unlock()
	}

	u, ok := sh.usage[id]
	if !ok {
		u = &persistUsage{entries: map[uintptr]int64{}}
		sh.usage[id] = u
	}

	if _, ok := u.entries[addr]; ok {
		return fmt.Errorf("%w: persistent buffer 0x%x of allocator #%d", ErrAlreadyExists, addr, id)
	}

	u.total += size
	u.entries[addr] = size

	return nil
}

func (r *persistRegistry) recordDeallocate(id ID, addr uintptr, locked bool) (int64, bool) {
	sh := r.shard(id)
	if !locked {
		sh.Lock()
		defer sh.Unlock()
	}

	u, ok := sh.usage[id]
	if !ok {
		return 0, false
	}

	size, ok := u.entries[addr]
	if !ok {
		return 0, false
	}

	u.total -= size
	delete(u.entries, addr)
	if len(u.entries) == 0 {
		delete(sh.usage, id)
	}

	return size, true
}

func (r *persistRegistry) total(id ID, locked bool) int64 {
	sh := r.shard(id)
	if !locked {
		sh.RLock()
		defer sh.RUnlock()
	}

	if u, ok := sh.usage[id]; ok {
		return u.total
	}
	return 0
}

func (r *persistRegistry) lockAll() {
	for i := range r.shards {
		r.shards[i].Lock()
	}
}

func (r *persistRegistry) unlockAll() {
	for i := len(r.shards) - 1; i >= 0; i-- {
		r.shards[i].Unlock()
	}
}

func (r *persistRegistry) rlockAll() {
	for i := range r.shards {
		r.shards[i].RLock()
	}
}

func (r *persistRegistry) runlockAll() {
	for i := len(r.shards) - 1; i >= 0; i-- {
		r.shards[i].RUnlock()
	}
}

// snapshot collects per-allocator stats. The caller must hold the
// shard locks.
func (r *persistRegistry) snapshot() map[ID]PersistentStats {
	stats := map[ID]PersistentStats{}
	for i := range r.shards {
		for id, u := range r.shards[i].usage {
			stats[id] = PersistentStats{
				Total:   u.total,
				Entries: len(u.entries),
			}
		}
	}
	return stats
}

func (r *persistRegistry) validate(where string, locked bool) {
	for i := range r.shards {
		sh := &r.shards[i]
		if !locked {
			sh.RLock()
		}
		for id, u := range sh.usage {
			sum := int64(0)
			for _, size := range u.entries {
				sum += size
			}
			if sum != u.total {
				log.Error("internal error: %s: allocator #%d persistent total %d != sum of entries %d",
					where, id, u.total, sum)
			}
		}
		if !locked {
			sh.RUnlock()
		}
	}
}

func newTempRegistry(count int) *tempRegistry {
	r := &tempRegistry{shards: make([]tempShard, count)}
	for i := range r.shards {
		r.shards[i].usage = make(map[OwnerID]map[ID]*tempUsage)
	}
	return r
}

func (r *tempRegistry) shard(owner OwnerID) *tempShard {
	return &r.shards[uint64(owner)&uint64(len(r.shards)-1)]
}

// slot returns the usage slot of the given owner and allocator,
// creating it if absent. The caller must hold the shard lock.
func (r *tempRegistry) slot(sh *tempShard, owner OwnerID, id ID) *tempUsage {
	m, ok := sh.usage[owner]
	if !ok {
		m = map[ID]*tempUsage{}
		sh.usage[owner] = m
	}

	u, ok := m[id]
	if !ok {
		u = &tempUsage{entries: map[uintptr]int64{}}
		m[id] = u
	}

	return u
}

func (r *tempRegistry) recordAllocate(owner OwnerID, id ID, addr uintptr, size int64, locked bool) error {
	sh := r.shard(owner)
	if !locked {
		sh.Lock()
		defer sh.Unlock()
	}

	u := r.slot(sh, owner, id)
	if _, ok := u.entries[addr]; ok {
		return fmt.Errorf("%w: temporary buffer 0x%x of allocator #%d, owner %d",
			ErrAlreadyExists, addr, id, owner)
	}

	u.current += size
	if u.current > u.peak {
		u.peak = u.current
	}
	u.entries[addr] = size

	return nil
}

func (r *tempRegistry) recordDeallocate(owner OwnerID, id ID, addr uintptr, locked bool) (int64, bool) {
	sh := r.shard(owner)
	if !locked {
		sh.Lock()
		defer sh.Unlock()
	}

	m, ok := sh.usage[owner]
	if !ok {
		return 0, false
	}

	u, ok := m[id]
	if !ok {
		return 0, false
	}

	size, ok := u.entries[addr]
	if !ok {
		return 0, false
	}

	u.current -= size
	delete(u.entries, addr)

	return size, true
}

func (r *tempRegistry) resetPeak(owner OwnerID, id ID, locked bool) {
	sh := r.shard(owner)
	if !locked {
		sh.Lock()
		defer sh.Unlock()
	}

	r.slot(sh, owner, id).peak = 0
}

func (r *tempRegistry) peak(owner OwnerID, id ID, locked bool) int64 {
	sh := r.shard(owner)
	if !locked {
		sh.RLock()
		defer sh.RUnlock()
	}

	if m, ok := sh.usage[owner]; ok {
		if u, ok := m[id]; ok {
			return u.peak
		}
	}
	return 0
}

func (r *tempRegistry) lockAll() {
	for i := range r.shards {
		r.shards[i].Lock()
	}
}

func (r *tempRegistry) unlockAll() {
	for i := len(r.shards) - 1; i >= 0; i-- {
		r.shards[i].Unlock()
	}
}

func (r *tempRegistry) rlockAll() {
	for i := range r.shards {
		r.shards[i].RLock()
	}
}

func (r *tempRegistry) runlockAll() {
	for i := len(r.shards) - 1; i >= 0; i-- {
		r.shards[i].RUnlock()
	}
}

// snapshot collects per-owner, per-allocator stats. The caller must
// hold the shard locks.
func (r *tempRegistry) snapshot() map[OwnerID]map[ID]TemporaryStats {
	stats := map[OwnerID]map[ID]TemporaryStats{}
	for i := range r.shards {
		for owner, m := range r.shards[i].usage {
			for id, u := range m {
				s, ok := stats[owner]
				if !ok {
					s = map[ID]TemporaryStats{}
					stats[owner] = s
				}
				s[id] = TemporaryStats{
					Current: u.current,
					Peak:    u.peak,
					Entries: len(u.entries),
				}
			}
		}
	}
	return stats
}

// liveOwners collects the owners with live temporary allocations. The
// caller must hold the shard locks.
func (r *tempRegistry) liveOwners() []OwnerID {
	var owners []OwnerID
	for i := range r.shards {
		for owner, m := range r.shards[i].usage {
			for _, u := range m {
				if len(u.entries) > 0 {
					owners = append(owners, owner)
					break
				}
			}
		}
	}
	return owners
}

func (r *tempRegistry) validate(where string, locked bool) {
	for i := range r.shards {
		sh := &r.shards[i]
		if !locked {
			sh.RLock()
		}
		for owner, m := range sh.usage {
			for id, u := range m {
				sum := int64(0)
				for _, size := range u.entries {
					sum += size
				}
				if sum != u.current {
					log.Error("internal error: %s: allocator #%d, owner %d temporary usage %d != sum of entries %d",
						where, id, owner, u.current, sum)
				}
				if u.peak < u.current {
					log.Error("internal error: %s: allocator #%d, owner %d peak %d < current %d",
						where, id, owner, u.peak, u.current)
				}
			}
		}
		if !locked {
			sh.RUnlock()
		}
	}
}
