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

package log

import (
	"sync"
	"time"
)

// Limit is a frequency limit for repeated messages.
type Limit struct {
	window time.Duration
}

// Every returns a Limit allowing one message per the given duration.
func Every(d time.Duration) Limit {
	return Limit{window: d}
}

// Rate limits how often messages of a severity are let through.
type Rate struct {
	// Limit is the per-severity frequency limit.
	Limit Limit
}

// RateLimit returns a logger which suppresses messages exceeding the
// given rate. Suppression is tracked separately per severity. Fatal and
// panic messages are never suppressed.
func RateLimit(l Logger, r Rate) Logger {
	if r.Limit.window <= 0 {
		return l
	}
	return &rated{
		Logger: l,
		limit:  r.Limit,
		last:   make(map[Level]time.Time),
	}
}

// rated is a rate-limiting wrapper for a logger.
type rated struct {
	Logger
	limit Limit
	mu    sync.Mutex
	last  map[Level]time.Time
}

// allow checks whether a message of the given severity fits the limit.
func (r *rated) allow(level Level) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if last, ok := r.last[level]; ok && now.Sub(last) < r.limit.window {
		return false
	}
	r.last[level] = now

	return true
}

func (r *rated) Debug(format string, args ...interface{}) {
	if !r.allow(LevelDebug) {
		return
	}
	r.Logger.Debug(format, args...)
}

func (r *rated) Info(format string, args ...interface{}) {
	if !r.allow(LevelInfo) {
		return
	}
	r.Logger.Info(format, args...)
}

func (r *rated) Warn(format string, args ...interface{}) {
	if !r.allow(LevelWarn) {
		return
	}
	r.Logger.Warn(format, args...)
}

func (r *rated) Error(format string, args ...interface{}) {
	if !r.allow(LevelError) {
		return
	}
	r.Logger.Error(format, args...)
}

func (r *rated) Debugf(format string, args ...interface{}) {
	r.Debug(format, args...)
}

func (r *rated) Infof(format string, args ...interface{}) {
	r.Info(format, args...)
}

func (r *rated) Warnf(format string, args ...interface{}) {
	r.Warn(format, args...)
}

func (r *rated) Errorf(format string, args ...interface{}) {
	r.Error(format, args...)
}
