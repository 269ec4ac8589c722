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

// Package alloc implements a pluggable memory allocation facade with
// concurrent usage accounting. The primary interfaces to the package
// are the Allocator and Monitor types.
//
// # Allocators, Buffers, Kinds
//
// An Allocator hands out buffers backed by an injected allocation
// strategy, by default the Go heap with alignment padding. Every buffer
// carries allocation attributes with a kind and an alignment. The kind
// classifies the lifetime of the buffer. Persistent buffers live until
// explicitly deallocated and their usage is visible globally. Temporary
// buffers are short-lived scratch memory, attributed to the execution
// context which allocated them. Output buffers would be handed out of
// the runtime altogether; they are reserved and currently unsupported.
//
// # Usage Monitoring
//
// Every allocation and deallocation made through a facade is recorded
// with a Monitor, keyed by the unique ID of the allocator. A monitor
// tracks the total live persistent memory per allocator, and the live
// temporary memory per owner and allocator together with a resettable
// high-water mark. Owners default to goroutines and are resolved with
// a replaceable OwnerResolver. A monitor never owns the allocators it
// tracks. Records and queries by ID remain valid after the facade is
// closed.
//
// # Concurrency
//
// The registries of a monitor are partitioned into lock shards, by
// allocator ID for persistent and by owner ID for temporary records.
// Every operation locks only the single shard it touches. Callers
// needing multi-call atomicity can bracket a sequence of calls between
// LockWrite and UnlockWrite, which hold every shard of both registries
// exclusively for the calling owner.
//
// # Accelerator Interop
//
// NewDevice constructs allocators for accelerator memory described by
// opaque device and context handles. The path is compiled in with the
// accel build tag and fails with ErrUnimplemented without it. With the
// accelonly tag the host construction path is withdrawn instead. Device
// buffers carry only an address; the package accounts for them but
// implements no device allocation mechanics of its own.
//
// # Metrics
//
// The usage tracked by a monitor is exported as prometheus metrics
// through Collector. The collector of the default monitor is
// registered with the metrics registry under the alloc group. Counters
// for recorded operations can additionally be published through
// OpenTelemetry with EnableActivityMetrics.
package alloc
