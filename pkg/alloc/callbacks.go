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
	"unsafe"
)

type (
	// AllocateFn allocates host memory of the given size and alignment.
	AllocateFn func(size, alignment int64) ([]byte, error)
	// DeallocateFn releases host memory obtained from an AllocateFn.
	DeallocateFn func(data []byte) error
)

// Callbacks provide the backing memory for an allocator.
type Callbacks interface {
	// Allocate allocates a buffer with the given size and attributes.
	Allocate(size int64, attr Attr) (*Buffer, error)
	// Deallocate releases an allocated buffer.
	Deallocate(b *Buffer) error
}

type hostCallbacks struct {
	allocate   AllocateFn
	deallocate DeallocateFn
}

// NewCallbacks returns host memory callbacks using the given function
// pair. If either function is nil, both are replaced with the defaults.
func NewCallbacks(allocate AllocateFn, deallocate DeallocateFn) Callbacks {
	if allocate == nil || deallocate == nil {
		return DefaultCallbacks()
	}

	return &hostCallbacks{
		allocate:   allocate,
		deallocate: deallocate,
	}
}

// DefaultCallbacks returns the default host memory callbacks. These
// allocate garbage collected, alignment padded buffers on the heap.
func DefaultCallbacks() Callbacks {
	return &hostCallbacks{
		allocate:   heapAllocate,
		deallocate: heapDeallocate,
	}
}

func (c *hostCallbacks) Allocate(size int64, attr Attr) (*Buffer, error) {
	data, err := c.allocate(size, attr.Alignment())
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("allocate callback returned no memory")
	}

	return NewBuffer(data, attr), nil
}

func (c *hostCallbacks) Deallocate(b *Buffer) error {
	return c.deallocate(b.Bytes())
}

func heapAllocate(size, alignment int64) ([]byte, error) {
	raw := make([]byte, size+alignment)
	off := int64(0)
	if rem := int64(uintptr(unsafe.Pointer(&raw[0])) % uintptr(alignment)); rem != 0 {
		off = alignment - rem
	}

	return raw[off : off+size : off+size], nil
}

func heapDeallocate([]byte) error {
	// garbage collected, reclaimed once the last reference is dropped
	return nil
}
