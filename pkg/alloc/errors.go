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

import "fmt"

var (
	ErrFailedOption      = fmt.Errorf("alloc: failed to apply option")
	ErrInvalidArgument   = fmt.Errorf("alloc: invalid argument")
	ErrInvalidKind       = fmt.Errorf("alloc: invalid buffer kind")
	ErrUnimplemented     = fmt.Errorf("alloc: unimplemented")
	ErrAllocFailed       = fmt.Errorf("alloc: allocation failed")
	ErrUnknownAllocation = fmt.Errorf("alloc: unknown allocation")
	ErrAlreadyExists     = fmt.Errorf("alloc: allocation already exists")
	ErrAlreadyClosed     = fmt.Errorf("alloc: allocator already closed")
	ErrInternalError     = fmt.Errorf("alloc: internal error")
)
