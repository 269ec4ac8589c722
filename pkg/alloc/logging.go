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
	"math"
	"strconv"
	"strings"

	logger "github.com/intel/memtrack/pkg/log"
)

var (
	log     = logger.Get("alloc")
	details = logger.Get("alloc-details")
)

// DumpUsage logs a human-readable dump of all usage tracked by the
// monitor.
func (m *Monitor) DumpUsage(context ...interface{}) {
	if !details.DebugEnabled() {
		return
	}

	prefix := formatPrefix(context...)
	stats := m.Stats()

	m.dumpPersistent(prefix, stats)
	m.dumpTemporary(prefix, stats)
	m.dumpCounts(prefix)
}

func (m *Monitor) dumpPersistent(prefix string, stats *UsageStats) {
	if len(stats.Persistent) == 0 {
		details.Debug("%s  no persistent memory", prefix)
		return
	}

	details.Debug("%s  persistent memory:", prefix)
	for _, id := range sortedKeys(stats.Persistent) {
		u := stats.Persistent[id]
		details.Debug("%s    - allocator #%d: %s in %d buffers", prefix,
			id, prettySize(u.Total), u.Entries)
	}
}

func (m *Monitor) dumpTemporary(prefix string, stats *UsageStats) {
	if len(stats.Temporary) == 0 {
		details.Debug("%s  no temporary memory", prefix)
		return
	}

	details.Debug("%s  temporary memory:", prefix)
	for _, owner := range sortedKeys(stats.Temporary) {
		usage := stats.Temporary[owner]
		details.Debug("%s    owner %d:", prefix, owner)
		for _, id := range sortedKeys(usage) {
			u := usage[id]
			details.Debug("%s      - allocator #%d: %s in %d buffers, peak %s", prefix,
				id, prettySize(u.Current), u.Entries, prettySize(u.Peak))
		}
	}
}

func (m *Monitor) dumpCounts(prefix string) {
	details.Debug("%s  recorded operations:", prefix)
	details.Debug("%s    - %d/%d persistent allocations/deallocations", prefix,
		m.counts.allocations[KindPersistent].Load(),
		m.counts.deallocations[KindPersistent].Load())
	details.Debug("%s    - %d/%d temporary allocations/deallocations", prefix,
		m.counts.allocations[KindTemporary].Load(),
		m.counts.deallocations[KindTemporary].Load())
	if unknown := m.counts.unknown.Load(); unknown != 0 {
		details.Debug("%s    - %d unknown deallocations", prefix, unknown)
	}
}

func formatPrefix(args ...interface{}) string {
	narg := len(args)
	if narg == 0 {
		return ""
	}

	format, ok := args[0].(string)
	if !ok {
		return "%%(!alloc:Bad-Prefix)"
	}

	if len(args) == 1 {
		return format
	}

	return fmt.Sprintf(format, args[1:]...)
}

// HumanReadableSize returns the given size as a human-readable string.
func HumanReadableSize(size int64) string {
	if size >= 1024 {
		units := []string{"k", "M", "G", "T"}

		for i, d := 0, int64(1024); i < len(units); i, d = i+1, d<<10 {
			if val := size / d; 1 <= val && val < 1024 {
				if fval := float64(size) / float64(d); math.Floor(fval) != fval {
					str := strings.TrimRight(fmt.Sprintf("%.3f", fval), "0")
					return strings.TrimSuffix(str, ".") + units[i]
				} else {
					return fmt.Sprintf("%d%s", val, units[i])
				}
			}
		}
	}

	return strconv.FormatInt(size, 10)
}

func prettySize(v int64) string {
	return HumanReadableSize(v)
}
