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
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sgx-emm/emm/pkg/hostarch"
)

// FaultInjector makes a subset of simrt's out-calls fail transiently, so
// that driver/emm tests can exercise the partial-failure paths spec §7
// describes without needing a real faulty enclave runtime.
type FaultInjector struct {
	mu   sync.Mutex
	rng  *rand.Rand
	rate float64 // fraction of out-calls that fail, in [0, 1]
}

// NewFaultInjector returns an injector that fails out-calls with
// probability rate, using seed for reproducibility.
func NewFaultInjector(seed int64, rate float64) *FaultInjector {
	return &FaultInjector{rng: rand.New(rand.NewSource(seed)), rate: rate}
}

func (f *FaultInjector) trigger() bool {
	if f == nil || f.rate <= 0 {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rng.Float64() < f.rate
}

// SimRT is a test-oriented Runtime implementation (spec §1 "Runtime
// abstraction layer default implementation"). It backs the simulated EPC
// with a real anonymous mmap region and drives page-state transitions
// with real mprotect calls, so out-of-order or out-of-bounds access is
// caught by the OS instead of silently permitted.
type SimRT struct {
	mu        sync.Mutex
	recMu     sync.Mutex
	owner     int64 // goroutine id of the current recursive-mutex holder; 0 if unheld
	depth     int

	base    hostarch.Addr
	buf     []byte
	enclave hostarch.AddrRange

	log    *logrus.Logger
	faults *FaultInjector
}

// NewSimRT reserves an anonymous mmap region of size bytes to stand in for
// the enclave's address space and returns a Runtime backed by it. log may
// be nil (logging disabled); faults may be nil (no injected failures).
func NewSimRT(size uintptr, log *logrus.Logger, faults *FaultInjector) (*SimRT, error) {
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("emrt: reserving simulated EPC: %w", err)
	}
	base := hostarch.Addr(uintptr(addrOfSlice(buf)))
	rt := &SimRT{
		buf:     buf,
		base:    base,
		enclave: hostarch.AddrRange{Start: base, End: base + hostarch.Addr(size)},
		log:     log,
		faults:  faults,
	}
	return rt, nil
}

// Close unmaps the simulated EPC region.
func (rt *SimRT) Close() error {
	return unix.Munmap(rt.buf)
}

func (rt *SimRT) logf(fields logrus.Fields, format string, args ...any) {
	if rt.log == nil {
		return
	}
	rt.log.WithFields(fields).Debugf(format, args...)
}

// --- recursive mutex (spec §5) ---

func (rt *SimRT) Lock() {
	gid := goroutineID()
	rt.recMu.Lock()
	if rt.owner == gid {
		rt.depth++
		rt.recMu.Unlock()
		return
	}
	rt.recMu.Unlock()
	rt.mu.Lock()
	rt.recMu.Lock()
	rt.owner = gid
	rt.depth = 1
	rt.recMu.Unlock()
}

func (rt *SimRT) Unlock() {
	gid := goroutineID()
	rt.recMu.Lock()
	if rt.owner != gid {
		rt.recMu.Unlock()
		panic("emrt: Unlock called by non-owner")
	}
	rt.depth--
	if rt.depth > 0 {
		rt.recMu.Unlock()
		return
	}
	rt.owner = 0
	rt.recMu.Unlock()
	rt.mu.Unlock()
}

// IsWithinEnclave reports whether ar lies entirely within the simulated
// enclave's reserved mmap region.
func (rt *SimRT) IsWithinEnclave(ar hostarch.AddrRange) bool {
	return rt.enclave.ContainsRange(ar)
}

// Window returns the address range of the simulated EPC region, for
// callers that need to lay out user/RTS windows inside it.
func (rt *SimRT) Window() hostarch.AddrRange { return rt.enclave }

// EnclaveRange implements emrt.Runtime.
func (rt *SimRT) EnclaveRange() hostarch.AddrRange { return rt.enclave }

func (rt *SimRT) slice(ar hostarch.AddrRange) []byte {
	lo := uintptr(ar.Start - rt.base)
	hi := uintptr(ar.End - rt.base)
	return rt.buf[lo:hi]
}

// Memory returns a direct view of ar within the simulated EPC region.
func (rt *SimRT) Memory(ar hostarch.AddrRange) []byte {
	return rt.slice(ar)
}

func protOf(perm hostarch.AccessType) int {
	prot := unix.PROT_NONE
	if perm.Read {
		prot |= unix.PROT_READ
	}
	if perm.Write {
		prot |= unix.PROT_WRITE
	}
	if perm.Execute {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// AllocOcall backs ar with the requested page type by raising its
// protection to PROT_NONE-but-mapped (the untrusted mapper has reserved
// it; EACCEPT/EMODPE below govern the trusted side's actual access).
func (rt *SimRT) AllocOcall(ar hostarch.AddrRange, pt PageType, commitNow bool) error {
	if rt.faults.trigger() {
		rt.logf(logrus.Fields{"op": "alloc_ocall", "addr": ar.Start}, "injected fault")
		return unix.ENOMEM
	}
	rt.logf(logrus.Fields{"op": "alloc_ocall", "addr": ar.Start, "size": ar.Length(), "page_type": pt}, "alloc_ocall")
	return unix.Mprotect(rt.slice(ar), unix.PROT_NONE)
}

// ModifyOcall transitions ar's untrusted-side protection. A failure here
// is fatal to the covered block per spec §4.4 ("A modify_ocall error is
// fatal to that block").
func (rt *SimRT) ModifyOcall(ar hostarch.AddrRange, fromPerm, toPerm hostarch.AccessType, fromType, toType PageType) error {
	if rt.faults.trigger() {
		rt.logf(logrus.Fields{"op": "modify_ocall", "addr": ar.Start}, "injected fault")
		return unix.EFAULT
	}
	rt.logf(logrus.Fields{
		"op": "modify_ocall", "addr": ar.Start, "size": ar.Length(),
		"from_type": fromType, "to_type": toType, "to_perm": toPerm,
	}, "modify_ocall")
	return unix.Mprotect(rt.slice(ar), protOf(toPerm))
}

// DoEAccept simulates EACCEPT by raising the page's untrusted-visible
// protection to match the permissions recorded in info — the trusted
// side's confirmation that the untrusted transition actually happened.
func (rt *SimRT) DoEAccept(addr hostarch.Addr, info SecInfo) error {
	ar := hostarch.AddrRange{Start: addr, End: addr + hostarch.PageSize}
	rt.logf(logrus.Fields{"op": "eaccept", "addr": addr, "state": info.State, "page_type": info.PageT}, "EACCEPT")
	if info.PageT == PageTypeTrim {
		return unix.Mprotect(rt.slice(ar), unix.PROT_NONE)
	}
	return unix.Mprotect(rt.slice(ar), protOf(info.Perm))
}

// DoEModPE simulates EMODPE: a permission-widening request the trusted
// side issues before the untrusted side confirms it via EACCEPT(PR|...).
func (rt *SimRT) DoEModPE(addr hostarch.Addr, add hostarch.AccessType) error {
	ar := hostarch.AddrRange{Start: addr, End: addr + hostarch.PageSize}
	rt.logf(logrus.Fields{"op": "emodpe", "addr": addr, "add": add}, "EMODPE")
	return unix.Mprotect(rt.slice(ar), protOf(add))
}

// DoEAcceptCopy simulates EACCEPTCOPY by writing src's content directly
// into the simulated EPC page before confirming its final permissions.
func (rt *SimRT) DoEAcceptCopy(addr hostarch.Addr, info SecInfo, src []byte) error {
	if len(src) != hostarch.PageSize {
		panic("emrt: EACCEPTCOPY source must be exactly one page")
	}
	ar := hostarch.AddrRange{Start: addr, End: addr + hostarch.PageSize}
	page := rt.slice(ar)
	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return err
	}
	copy(page, src)
	rt.logf(logrus.Fields{"op": "eacceptcopy", "addr": addr, "state": info.State}, "EACCEPTCOPY")
	return unix.Mprotect(page, protOf(info.Perm))
}

// RetryOcall retries op with exponential backoff, up to maxElapsed. It
// exists for callers of the out-call boundary itself that want to ride out
// SimRT's injected transient failures; per spec §9's recorded open-question decision, pkg/driver
// never retries a do_*_loop step internally, because a retry is only
// safe once the caller has re-validated state via the matching can_*
// precheck.
func RetryOcall(op func() error, maxElapsed time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed
	return backoff.Retry(op, b)
}
