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

// Package emrt defines the runtime-abstraction collaborator interfaces that
// spec.md §1 deliberately leaves unspecified: a recursive mutex primitive,
// an is-this-address-inside-the-enclave predicate, two out-call stubs
// (alloc_ocall, modify_ocall), and three in-enclave instruction wrappers
// (do_eaccept, do_emodpe, do_eacceptcopy). pkg/driver and pkg/emm consume
// the Runtime interface only; this package additionally ships simrt, a
// concrete, test-oriented implementation that backs the simulated EPC with
// a real mmap region so that out-of-order or out-of-bounds access is
// caught by the OS rather than silently permitted by a fake.
package emrt

import (
	"fmt"

	"github.com/sgx-emm/emm/pkg/hostarch"
)

// StateBit is the state field packed into the high bits of a sec_info_t's
// first qword alongside si_flags (spec §6 "Flag encoding").
type StateBit uint64

const (
	// StatePending marks a page being accepted into the EPC for the
	// first time (EACCEPT after alloc_ocall).
	StatePending StateBit = 1 << 32
	// StateModified marks a page whose type or permissions are being
	// confirmed after a modify_ocall.
	StateModified StateBit = 1 << 33
	// StatePR ("permission restrict") marks a permission-narrowing
	// EACCEPT following EMODPE.
	StatePR StateBit = 1 << 34
)

func (s StateBit) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateModified:
		return "MODIFIED"
	case StatePR:
		return "PR"
	default:
		return fmt.Sprintf("StateBit(%#x)", uint64(s))
	}
}

// SecInfo is sec_info_t: the argument to EACCEPT/EMODPE. Real SGX requires
// a 64-byte, 64-byte-aligned structure; this Go type carries only the
// first qword's worth of semantic content (si_flags | state), which is all
// the driver or a Runtime implementation ever inspects.
type SecInfo struct {
	Perm  hostarch.AccessType
	PageT PageType
	State StateBit
}

// PageType is the page-type component of si_flags, independent of
// permission bits (spec §6).
type PageType int

const (
	PageTypeREG PageType = iota
	PageTypeTCS
	PageTypeTrim
)

func (p PageType) String() string {
	switch p {
	case PageTypeREG:
		return "REG"
	case PageTypeTCS:
		return "TCS"
	case PageTypeTrim:
		return "TRIM"
	default:
		return "?"
	}
}

// Runtime is the collaborator surface the core (pkg/driver, pkg/emm)
// consumes. Implementations provide the hardware/OS effects that spec.md
// §1 scopes out of the region-bookkeeping core.
type Runtime interface {
	// Lock and Unlock implement the single process-wide recursive mutex
	// of spec §5: re-entrant on the same goroutine, ordinary blocking
	// mutual exclusion across goroutines.
	Lock()
	Unlock()

	// IsWithinEnclave reports whether ar lies entirely within the
	// enclave's reserved address space — the containment predicate
	// applied to RTS-window candidates (spec §3, §4.3).
	IsWithinEnclave(ar hostarch.AddrRange) bool

	// EnclaveRange returns the full address range the enclave reserves.
	// pkg/emm uses it at Init to lay out the RTS root as everything
	// below the caller-supplied user window (spec §9 open question: a
	// single contiguous enclave layout with the user window at the top).
	EnclaveRange() hostarch.AddrRange

	// AllocOcall asks the untrusted runtime to back ar with address
	// space of the given page type, for a freshly allocated EMA (spec
	// §4.4 "Allocation"). It does not commit any pages.
	AllocOcall(ar hostarch.AddrRange, pt PageType, commitNow bool) error

	// ModifyOcall asks the untrusted runtime to transition ar from
	// fromPerm/fromType to toPerm/toType (spec §4.4, used by uncommit,
	// permission change, and change-to-TCS).
	ModifyOcall(ar hostarch.AddrRange, fromPerm, toPerm hostarch.AccessType, fromType, toType PageType) error

	// DoEAccept issues EACCEPT for a single page at addr with the given
	// sec_info_t contents.
	DoEAccept(addr hostarch.Addr, info SecInfo) error

	// DoEModPE issues EMODPE for a single page, widening its permissions
	// to include add (a no-op on pages that already have them).
	DoEModPE(addr hostarch.Addr, add hostarch.AccessType) error

	// DoEAcceptCopy issues EACCEPTCOPY: it atomically brings the page at
	// addr into the EPC with content copied from src, which must be
	// exactly one page long.
	DoEAcceptCopy(addr hostarch.Addr, info SecInfo, src []byte) error

	// Memory returns a byte slice giving direct read/write access to a
	// committed address range. On real hardware, enclave code already
	// executes in the same address space as the pages it touches — there
	// is no separate "get me a buffer for this range" step; this method
	// exists only because a simulator keeps the EPC in a Go-managed mmap
	// region rather than the caller's own stack or heap. Used by
	// pkg/emheap to obtain the storage for each arena it carves out of
	// the enclave's address space.
	Memory(ar hostarch.AddrRange) []byte
}
