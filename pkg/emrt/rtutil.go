// Copyright 2026 The sgx-emm Authors.
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

package emrt

import (
	"bytes"
	"runtime"
	"strconv"
	"unsafe"
)

// addrOfSlice returns the address of buf's backing array. buf must be
// non-empty.
func addrOfSlice(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}

// goroutineID extracts the calling goroutine's numeric ID from its stack
// trace header ("goroutine 123 [running]:"). It exists only to let SimRT's
// hand-rolled recursive mutex recognize re-entrant Lock calls from the same
// goroutine, mirroring how the real enclave runtime's recursive mutex is
// keyed off thread identity; it is not used anywhere on a hot path.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
