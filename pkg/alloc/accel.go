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
	"unsafe"
)

// DeviceHandle is an opaque handle to an accelerator device or context.
type DeviceHandle uintptr

type (
	// DeviceAllocateFn allocates device memory of the given size and
	// alignment on the given device/context, returning its address or
	// 0 on failure.
	DeviceAllocateFn func(size, alignment int64, dev, ctx DeviceHandle) uintptr
	// DeviceDeallocateFn releases device memory obtained from a
	// DeviceAllocateFn.
	DeviceDeallocateFn func(addr uintptr, dev, ctx DeviceHandle)
)

// NewDevice creates an allocator for accelerator memory, bound to the
// given device and context handles. In builds without accelerator
// support it fails with ErrUnimplemented. If either callback is nil,
// both are replaced with the default pair, which simulates device
// memory with pinned host buffers.
func NewDevice(dev, ctx DeviceHandle, allocate DeviceAllocateFn, deallocate DeviceDeallocateFn, options ...AllocatorOption) (*Allocator, error) {
	if !deviceEnabled {
		return nil, fmt.Errorf("%w: no accelerator support in this build", ErrUnimplemented)
	}

	if allocate == nil || deallocate == nil {
		allocate, deallocate = pinAllocate, pinDeallocate
	}

	cb := &deviceCallbacks{
		dev:        dev,
		ctx:        ctx,
		allocate:   allocate,
		deallocate: deallocate,
	}

	return newAllocator(append([]AllocatorOption{WithStrategy(cb)}, options...)...)
}

type deviceCallbacks struct {
	dev        DeviceHandle
	ctx        DeviceHandle
	allocate   DeviceAllocateFn
	deallocate DeviceDeallocateFn
}

func (c *deviceCallbacks) Allocate(size int64, attr Attr) (*Buffer, error) {
	addr := c.allocate(size, attr.Alignment(), c.dev, c.ctx)
	if addr == 0 {
		return nil, fmt.Errorf("device allocate callback returned no memory")
	}

	return NewRawBuffer(addr, size, attr), nil
}

func (c *deviceCallbacks) Deallocate(b *Buffer) error {
	c.deallocate(b.Addr(), c.dev, c.ctx)
	return nil
}

// pinned host blocks backing the default simulated device memory
var pinned = struct {
	sync.Mutex
	blocks map[uintptr][]byte
}{
	blocks: map[uintptr][]byte{},
}

func pinAllocate(size, alignment int64, _, _ DeviceHandle) uintptr {
	data, err := heapAllocate(size, alignment)
	if err != nil || len(data) == 0 {
		return 0
	}

	addr := uintptr(unsafe.Pointer(&data[0]))

	pinned.Lock()
	defer pinned.Unlock()
	pinned.blocks[addr] = data

	return addr
}

func pinDeallocate(addr uintptr, _, _ DeviceHandle) {
	pinned.Lock()
	defer pinned.Unlock()
	delete(pinned.blocks, addr)
}
