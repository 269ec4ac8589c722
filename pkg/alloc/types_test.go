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

	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKinds(t *testing.T) {
	type testCase struct {
		name string
		kind Kind
	}

	for _, tc := range []*testCase{
		{
			name: "persistent",
			kind: KindPersistent,
		},
		{
			name: "temporary",
			kind: KindTemporary,
		},
		{
			name: "output",
			kind: KindOutput,
		},
	} {
		t.Run(tc.name+" MustParseKind", func(t *testing.T) {
			require.Equal(t, tc.kind, MustParseKind(tc.name))
		})
		t.Run(tc.name+" String", func(t *testing.T) {
			require.Equal(t, tc.name, tc.kind.String())
		})
		t.Run(tc.name+" IsValid", func(t *testing.T) {
			require.True(t, tc.kind.IsValid())
		})
		t.Run(tc.name+" Mask", func(t *testing.T) {
			require.Equal(t, NewKindMask(tc.kind), tc.kind.Mask())
		})
		t.Run(tc.name+" JSON roundtrip", func(t *testing.T) {
			data, err := json.Marshal(tc.kind)
			require.NoError(t, err)

			var kind Kind
			require.NoError(t, json.Unmarshal(data, &kind))
			require.Equal(t, tc.kind, kind)
		})
	}

	t.Run("unknown kind", func(t *testing.T) {
		_, err := ParseKind("everlasting")
		require.ErrorIs(t, err, ErrInvalidKind)
		require.False(t, Kind(42).IsValid())

		var kind Kind
		require.ErrorIs(t, json.Unmarshal([]byte(`"everlasting"`), &kind), ErrInvalidKind)
		require.ErrorIs(t, json.Unmarshal([]byte(`42`), &kind), ErrInvalidKind)
	})
}

func TestKindMasks(t *testing.T) {
	type testCase struct {
		name  string
		kinds []Kind
		mask  KindMask
	}

	for _, tc := range []*testCase{
		{
			name:  "persistent",
			kinds: []Kind{KindPersistent},
			mask:  KindMaskPersistent,
		},
		{
			name:  "temporary",
			kinds: []Kind{KindTemporary},
			mask:  KindMaskTemporary,
		},
		{
			name:  "output",
			kinds: []Kind{KindOutput},
			mask:  KindMaskOutput,
		},
		{
			name:  "persistent,temporary",
			kinds: []Kind{KindPersistent, KindTemporary},
			mask:  KindMaskPersistent | KindMaskTemporary,
		},
		{
			name:  "persistent,output",
			kinds: []Kind{KindPersistent, KindOutput},
			mask:  KindMaskPersistent | KindMaskOutput,
		},
		{
			name:  "temporary,output",
			kinds: []Kind{KindTemporary, KindOutput},
			mask:  KindMaskTemporary | KindMaskOutput,
		},
		{
			name:  "persistent,temporary,output",
			kinds: []Kind{KindPersistent, KindTemporary, KindOutput},
			mask:  KindMaskAll,
		},
	} {
		t.Run(tc.name+" NewKindMask", func(t *testing.T) {
			require.Equal(t, tc.mask, NewKindMask(tc.kinds...))
		})
		t.Run(tc.name+" MustParseKindMask", func(t *testing.T) {
			require.Equal(t, tc.mask, MustParseKindMask(tc.name))
		})
		t.Run(tc.name+" String", func(t *testing.T) {
			require.Equal(t, tc.name, tc.mask.String())
		})
		t.Run(tc.name+" Slice", func(t *testing.T) {
			require.Equal(t, tc.kinds, tc.mask.Slice())
		})
		t.Run(tc.name+" Contains", func(t *testing.T) {
			require.True(t, tc.mask.Contains(tc.kinds...))
		})
		t.Run(tc.name+" !ContainsAny", func(t *testing.T) {
			if others := KindMaskAll &^ tc.mask; others != KindMask(0) {
				require.True(t, !tc.mask.ContainsAny(others.Slice()...))
			}
		})
		t.Run(tc.name+" Foreach", func(t *testing.T) {
			var kinds []Kind
			tc.mask.Foreach(func(k Kind) bool {
				kinds = append(kinds, k)
				return ForeachMore
			})
			require.Equal(t, tc.kinds, kinds)
		})
	}

	t.Run("mask algebra", func(t *testing.T) {
		require.Equal(t, KindMaskTracked, KindMaskAll.Clear(KindOutput))
		require.Equal(t, KindMaskAll, KindMaskTracked.Set(KindOutput))
		require.Equal(t, KindMaskPersistent, KindMaskTracked.And(KindMaskPersistent))
		require.Equal(t, KindMaskTracked, KindMaskPersistent.Or(KindMaskTemporary))
		require.Equal(t, KindMaskTemporary, KindMaskTracked.AndNot(KindMaskPersistent))
	})
}

func TestAttr(t *testing.T) {
	type testCase struct {
		name string
		attr Attr
		kind Kind
	}

	for _, tc := range []*testCase{
		{
			name: "persistent",
			attr: Persistent(),
			kind: KindPersistent,
		},
		{
			name: "temporary",
			attr: Temporary(),
			kind: KindTemporary,
		},
		{
			name: "output",
			attr: Output(),
			kind: KindOutput,
		},
	} {
		t.Run(tc.name+" Kind", func(t *testing.T) {
			require.Equal(t, tc.kind, tc.attr.Kind())
		})
		t.Run(tc.name+" default Alignment", func(t *testing.T) {
			require.Equal(t, int64(DefaultAlignment), tc.attr.Alignment())
		})
		t.Run(tc.name+" WithAlignment", func(t *testing.T) {
			require.Equal(t, int64(256), tc.attr.WithAlignment(256).Alignment())
			require.Equal(t, tc.kind, tc.attr.WithAlignment(256).Kind())
		})
	}

	t.Run("zero value resolves to default alignment", func(t *testing.T) {
		var attr Attr
		require.Equal(t, int64(DefaultAlignment), attr.Alignment())
		require.True(t, attr.IsValid())
	})

	t.Run("non-power-of-two alignment is invalid", func(t *testing.T) {
		require.False(t, Temporary().WithAlignment(100).IsValid())
		require.False(t, Temporary().WithAlignment(-64).IsValid())
		require.True(t, Temporary().WithAlignment(1).IsValid())
	})
}

func TestBuffer(t *testing.T) {
	t.Run("host buffer", func(t *testing.T) {
		data := make([]byte, 4096)
		buf := NewBuffer(data, Persistent())

		require.Equal(t, data, buf.Bytes())
		require.NotZero(t, buf.Addr())
		require.Equal(t, int64(len(data)), buf.Size())
		require.Equal(t, KindPersistent, buf.Kind())
		require.Equal(t, int64(DefaultAlignment), buf.Alignment())
	})

	t.Run("raw buffer", func(t *testing.T) {
		buf := NewRawBuffer(0xdeadbeef, 1024, Temporary())

		require.Nil(t, buf.Bytes())
		require.Equal(t, uintptr(0xdeadbeef), buf.Addr())
		require.Equal(t, int64(1024), buf.Size())
		require.Equal(t, KindTemporary, buf.Kind())
	})

	t.Run("empty host buffer", func(t *testing.T) {
		buf := NewBuffer(nil, Temporary())

		require.Zero(t, buf.Addr())
		require.Zero(t, buf.Size())
	})
}

func TestHumanReadableSize(t *testing.T) {
	type testCase struct {
		size int64
		str  string
	}

	for _, tc := range []*testCase{
		{size: 0, str: "0"},
		{size: 600, str: "600"},
		{size: 1024, str: "1k"},
		{size: 1536, str: "1.5k"},
		{size: 3072, str: "3k"},
		{size: 4 << 20, str: "4M"},
		{size: 2 << 30, str: "2G"},
	} {
		t.Run(tc.str, func(t *testing.T) {
			require.Equal(t, tc.str, HumanReadableSize(tc.size))
		})
	}
}
