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
	"encoding/json"
	"fmt"
	"strings"
	"unsafe"

	"github.com/petermattis/goid"
)

// Kind represents the known lifetimes of tracked buffers.
type Kind int

const (
	KindPersistent Kind = iota // buffers living for the lifetime of their allocator
	KindTemporary              // short-lived buffers, tracked per owning goroutine
	KindOutput                 // buffers handed out to the caller, never tracked
)

var (
	kindToString = map[Kind]string{
		KindPersistent: "persistent",
		KindTemporary:  "temporary",
		KindOutput:     "output",
	}
	stringToKind = map[string]Kind{
		"persistent": KindPersistent,
		"temporary":  KindTemporary,
		"output":     KindOutput,
	}
)

// ParseKind parses the given string into a buffer kind.
func ParseKind(str string) (Kind, error) {
	if k, ok := stringToKind[strings.ToLower(str)]; ok {
		return k, nil
	}

	return 0, fmt.Errorf("%w: %q", ErrInvalidKind, str)
}

// MustParseKind parses the given string into a buffer kind.
// It panicks on failure.
func MustParseKind(str string) Kind {
	k, err := ParseKind(str)
	if err == nil {
		return k
	}

	panic(err)
}

// Mask returns the KindMask for the buffer kind.
func (k Kind) Mask() KindMask {
	return KindMask(1 << k)
}

// IsValid returns true if the buffer kind is valid/known.
func (k Kind) IsValid() bool {
	_, ok := kindToString[k]
	return ok
}

// String returns a string representation of the buffer kind.
func (k Kind) String() string {
	if str, ok := kindToString[k]; ok {
		return str
	}

	return fmt.Sprintf("%%!(alloc:Bad-Kind %d)", k)
}

// MarshalJSON is the json.Marshaller for Kind.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON is the json.Unmarshaller for Kind.
func (k *Kind) UnmarshalJSON(data []byte) error {
	i := 0
	if err := json.Unmarshal(data, &i); err == nil {
		if _, ok := kindToString[Kind(i)]; ok {
			*k = Kind(i)
			return nil
		}
		return fmt.Errorf("%w: %d", ErrInvalidKind, i)
	}

	str := ""
	err := json.Unmarshal(data, &str)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidKind, err)
	}

	stk, ok := stringToKind[strings.ToLower(str)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidKind, str)
	}

	*k = stk
	return nil
}

// KindMask represents a set of buffer kinds as a bit mask.
type KindMask int

const (
	KindMaskPersistent KindMask = 1 << KindPersistent       // persistent buffers
	KindMaskTemporary  KindMask = 1 << KindTemporary        // temporary buffers
	KindMaskOutput     KindMask = 1 << KindOutput           // output buffers
	KindMaskAll        KindMask = (KindMaskOutput << 1) - 1 // all buffer kinds
	// KindMaskTracked contains the kinds covered by usage monitoring.
	KindMaskTracked KindMask = KindMaskPersistent | KindMaskTemporary
)

// NewKindMask returns a KindMask containing the given buffer kinds.
func NewKindMask(kinds ...Kind) KindMask {
	m := KindMask(0)
	for _, k := range kinds {
		m |= (1 << k)
	}
	return m & KindMaskAll
}

// ParseKindMask parses the given string into a KindMask.
func ParseKindMask(str string) (KindMask, error) {
	m := KindMask(0)
	for _, s := range strings.Split(str, ",") {
		k, err := ParseKind(strings.TrimSpace(s))
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidKind, str)
		}
		m |= (1 << k)
	}
	return m, nil
}

// MustParseKindMask parses the given string into a KindMask.
// It panicks on failure.
func MustParseKindMask(str string) KindMask {
	m, err := ParseKindMask(str)
	if err == nil {
		return m
	}

	panic(err)
}

// Slice returns the buffer kinds present in the KindMask.
func (m KindMask) Slice() []Kind {
	var kinds []Kind
	for _, k := range []Kind{KindPersistent, KindTemporary, KindOutput} {
		if (m & (1 << k)) != 0 {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Set returns a KindMask with the original and the given kinds added.
func (m KindMask) Set(kinds ...Kind) KindMask {
	for _, k := range kinds {
		m |= (1 << k)
	}
	return m
}

// Clear returns a KindMask with the given kinds removed.
func (m KindMask) Clear(kinds ...Kind) KindMask {
	for _, k := range kinds {
		m &^= (1 << k)
	}
	return m
}

// Contains returns true if all the given kinds are present in the KindMask.
func (m KindMask) Contains(kinds ...Kind) bool {
	for _, k := range kinds {
		if (m & (1 << k)) == 0 {
			return false
		}
	}
	return true
}

// ContainsAny returns true if any of the given kinds are present in the KindMask.
func (m KindMask) ContainsAny(kinds ...Kind) bool {
	for _, k := range kinds {
		if (m & (1 << k)) != 0 {
			return true
		}
	}
	return false
}

// And returns a KindMask with all kinds which are present in both masks.
func (m KindMask) And(o KindMask) KindMask {
	return m & o
}

// Or returns a KindMask with all kinds which are present at least in one of the masks.
func (m KindMask) Or(o KindMask) KindMask {
	return m | o
}

// AndNot returns a KindMask with all kinds which are present in m but not in o.
func (m KindMask) AndNot(o KindMask) KindMask {
	return m &^ o
}

// String returns a string representation of the KindMask.
func (m KindMask) String() string {
	str := strings.Builder{}
	sep := ""
	for _, k := range []Kind{KindPersistent, KindTemporary, KindOutput} {
		if (m & (1 << k)) != 0 {
			str.WriteString(sep)
			str.WriteString(k.String())
			sep = ","
		}
	}
	return str.String()
}

// Foreach calls the given function for each kind present in the KindMask
// until the function returns false, or ForeachDone. Iteration continues
// if the returned value is true, or ForeachMore.
func (m KindMask) Foreach(fn func(Kind) bool) {
	for _, k := range m.Slice() {
		if !fn(k) {
			return
		}
	}
}

// MarshalJSON is the json.Marshaller for KindMask.
func (m KindMask) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON is the json.Unmarshaller for KindMask.
func (m *KindMask) UnmarshalJSON(data []byte) error {
	i := 0
	if err := json.Unmarshal(data, &i); err == nil {
		if unknown := (KindMask(i) &^ KindMaskAll); unknown != 0 {
			return fmt.Errorf("%w: unknown kind bits 0x%x", ErrInvalidKind, unknown)
		}
		*m = KindMask(i)
		return nil
	}

	str := ""
	err := json.Unmarshal(data, &str)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidKind, err)
	}

	parsed, err := ParseKindMask(str)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidKind, err)
	}

	*m = parsed
	return nil
}

type (
	// ID is the unique ID of an allocator.
	ID = int64
	// OwnerID is the identity of an execution context owning temporary
	// buffers. By default owners are goroutines.
	OwnerID = int64
)

// OwnerResolver returns the identity of the calling execution context.
// The monitor uses it to attribute temporary buffers to their owners.
type OwnerResolver func() OwnerID

// GoroutineOwner resolves owners to the calling goroutine.
func GoroutineOwner() OwnerID {
	return goid.Get()
}

const (
	// ForeachDone as a return value terminates iteration by a Foreach* function.
	ForeachDone = false
	// ForeachMore as a return value continues iteration by a Foreach* function.
	ForeachMore = !ForeachDone

	// DefaultAlignment is the buffer alignment used unless overridden.
	DefaultAlignment = 64
)

// Attr describes the requested lifetime and alignment of a buffer.
type Attr struct {
	kind  Kind
	align int64
}

// Persistent returns attributes for a persistent buffer with default alignment.
func Persistent() Attr {
	return Attr{kind: KindPersistent, align: DefaultAlignment}
}

// Temporary returns attributes for a temporary buffer with default alignment.
func Temporary() Attr {
	return Attr{kind: KindTemporary, align: DefaultAlignment}
}

// Output returns attributes for an output buffer with default alignment.
func Output() Attr {
	return Attr{kind: KindOutput, align: DefaultAlignment}
}

// WithAlignment returns a copy of the attributes with the given alignment.
func (a Attr) WithAlignment(align int64) Attr {
	a.align = align
	return a
}

// Kind returns the buffer kind of the attributes.
func (a Attr) Kind() Kind {
	return a.kind
}

// Alignment returns the buffer alignment of the attributes. A zero
// alignment resolves to DefaultAlignment.
func (a Attr) Alignment() int64 {
	if a.align == 0 {
		return DefaultAlignment
	}
	return a.align
}

// IsValid returns true if the attributes are usable for allocation.
func (a Attr) IsValid() bool {
	align := a.Alignment()
	return a.kind.IsValid() && align > 0 && align&(align-1) == 0
}

// String returns a string representation of the attributes.
func (a Attr) String() string {
	return fmt.Sprintf("%s/%d", a.kind, a.Alignment())
}

// Buffer represents a single allocated buffer.
type Buffer struct {
	data []byte
	addr uintptr
	size int64
	attr Attr
}

// NewBuffer wraps the given byte slice in a buffer with the given
// attributes.
func NewBuffer(data []byte, attr Attr) *Buffer {
	if len(data) == 0 {
		return &Buffer{attr: attr}
	}

	return &Buffer{
		data: data,
		addr: uintptr(unsafe.Pointer(&data[0])),
		size: int64(len(data)),
		attr: attr,
	}
}

// NewRawBuffer describes memory not backed by a Go slice, for instance
// device memory, by its address and size.
func NewRawBuffer(addr uintptr, size int64, attr Attr) *Buffer {
	return &Buffer{
		addr: addr,
		size: size,
		attr: attr,
	}
}

// Bytes returns the byte slice of the buffer, or nil for raw buffers.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Addr returns the starting address of the buffer.
func (b *Buffer) Addr() uintptr {
	return b.addr
}

// Size returns the size of the buffer in bytes.
func (b *Buffer) Size() int64 {
	return b.size
}

// Attr returns the allocation attributes of the buffer.
func (b *Buffer) Attr() Attr {
	return b.attr
}

// Kind returns the buffer kind of the buffer.
func (b *Buffer) Kind() Kind {
	return b.attr.kind
}

// Alignment returns the buffer alignment of the buffer.
func (b *Buffer) Alignment() int64 {
	return b.attr.Alignment()
}

// String returns a string representation of the buffer.
func (b *Buffer) String() string {
	return fmt.Sprintf("<%s buffer 0x%x, size %s>", b.attr.kind, b.addr, prettySize(b.size))
}
