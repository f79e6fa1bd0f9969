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

// Package emm is the top-level Enclave Memory Manager: it owns both EMA
// roots, the internal heap, and the recursive-mutex-guarded public
// dispatcher described in spec §4.5 and §6 (init, alloc, dealloc, commit,
// uncommit, commit_data, modify_permissions, modify_type,
// register_pfhandler). It wires pkg/ema, pkg/emheap, and pkg/driver
// together against a single emrt.Runtime.
package emm

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sgx-emm/emm/pkg/atomicbitops"
	"github.com/sgx-emm/emm/pkg/bitset"
	"github.com/sgx-emm/emm/pkg/driver"
	"github.com/sgx-emm/emm/pkg/ema"
	"github.com/sgx-emm/emm/pkg/emheap"
	"github.com/sgx-emm/emm/pkg/emrt"
	"github.com/sgx-emm/emm/pkg/hostarch"
)

// EMM is the public entry point. All public methods acquire rt's
// recursive mutex on entry and release it on every return path,
// including error returns (spec §5); the internal heap's own reentrant
// calls back into AllocReserve run under the same held lock.
type EMM struct {
	rt  emrt.Runtime
	drv *driver.Driver
	log *logrus.Logger

	initialized bool
	userBase    hostarch.Addr
	userEnd     hostarch.Addr

	userList *ema.List
	rtsList  *ema.List
	heap     *emheap.Heap

	// Introspection counters. These are atomic, not mutex-guarded, so
	// Stats can be read by a monitoring goroutine without contending
	// with the recursive mutex a real operation holds; they play no
	// part in the bookkeeping itself (spec §5 "no telemetry side
	// effects").
	liveEMAs  atomicbitops.Int64
	allocOps  atomicbitops.Int64
	commitOps atomicbitops.Int64
}

// Stats is a snapshot of the EMM's introspection counters. LiveEMAs counts
// EMAs created through the public operations; the internal heap's reserve
// EMAs are not included.
type Stats struct {
	LiveEMAs  int64
	AllocOps  int64
	CommitOps int64
}

// Stats returns a snapshot of the introspection counters without
// acquiring the recursive mutex.
func (m *EMM) Stats() Stats {
	return Stats{
		LiveEMAs:  m.liveEMAs.Load(),
		AllocOps:  m.allocOps.Load(),
		CommitOps: m.commitOps.Load(),
	}
}

// initialHeapReserve is the internal heap's bootstrap arena size, carved
// out of the RTS root by Init before any allocation can occur.
const initialHeapReserve = 64 * 1024

// New constructs an EMM against rt. Init must be called once before any
// other method.
func New(rt emrt.Runtime, log *logrus.Logger) *EMM {
	return &EMM{rt: rt, drv: driver.New(rt), log: log}
}

func (m *EMM) logEntry(op string) *logrus.Entry {
	if m.log == nil {
		return logrus.NewEntry(logrus.New())
	}
	return m.log.WithField("op", op)
}

// Init validates [userBase, userEnd), lays out the two EMA roots (the
// user window, and an RTS root covering everything below it up to the
// enclave's own base — spec §9's recorded single-contiguous-enclave
// simplification), and bootstraps the internal heap.
func (m *EMM) Init(userBase, userEnd hostarch.Addr) error {
	m.rt.Lock()
	defer m.rt.Unlock()
	if m.initialized {
		panic("emm: Init called more than once")
	}
	userWindow := hostarch.AddrRange{Start: userBase, End: userEnd}
	if !userWindow.IsPageAligned() || userWindow.IsEmpty() || !m.rt.IsWithinEnclave(userWindow) {
		return unix.EINVAL
	}
	enclave := m.rt.EnclaveRange()
	if userEnd != enclave.End {
		// The simplified single-contiguous layout puts the user window
		// at the top of the enclave; see DESIGN.md.
		return unix.EINVAL
	}

	m.userBase, m.userEnd = userBase, userEnd
	m.userList = ema.NewList(userWindow, false, nil)
	rtsWindow := hostarch.AddrRange{Start: enclave.Start, End: userBase}
	m.rtsList = ema.NewList(rtsWindow, true, m.rt.IsWithinEnclave)
	m.heap = emheap.NewHeap(m, m.logEntry("emheap"))
	if err := m.heap.InitReserve(initialHeapReserve); err != nil {
		return err
	}
	m.initialized = true
	m.logEntry("init").WithFields(logrus.Fields{"user_base": userBase, "user_end": userEnd}).Debug("initialized")
	return nil
}

// UserList returns the user-window EMA root, for callers that need to walk
// or print the live EMA set (e.g. cmd/emmctl's scenario runner).
func (m *EMM) UserList() *ema.List { return m.userList }

// RTSList returns the RTS-window EMA root.
func (m *EMM) RTSList() *ema.List { return m.rtsList }

func (m *EMM) windowFor(flags ema.AllocFlags) *ema.List {
	if flags.IsSystem() {
		return m.rtsList
	}
	return m.userList
}

// AllocReserve implements emheap.ReserveSource: it carves size bytes of
// COMMIT_NOW, system-flagged address space out of the RTS root and
// returns a live view of it, closing the add_reserve -> sgx_mm_alloc ->
// emalloc recursion spec §9 describes. It runs under the same recursive
// mutex an ordinary Alloc call would, since InitReserve/add_reserve are
// only ever invoked from inside a method that already holds the lock.
func (m *EMM) AllocReserve(size uintptr) (hostarch.Addr, []byte, error) {
	list := m.rtsList
	addr, err := list.FindFreeRegion(size, hostarch.PageSize)
	if err != nil {
		return 0, nil, err
	}
	ar := hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(size)}
	before, _ := list.SearchRange(ar)
	flags := ema.FlagCommitNow | ema.FlagSystem
	si := ema.PageTypeReg | ema.PermRead | ema.PermWrite
	if _, err := m.drv.DoAlloc(list, ar, flags, si, before, m.heap); err != nil {
		return 0, nil, err
	}
	return addr, m.rt.Memory(ar), nil
}

// Alloc implements the `alloc` public operation (spec §6).
func (m *EMM) Alloc(addr hostarch.Addr, size uintptr, flags ema.AllocFlags, handler ema.PFHandler, priv any) (hostarch.Addr, error) {
	m.rt.Lock()
	defer m.rt.Unlock()
	m.mustBeInitialized()

	if size == 0 || hostarch.Addr(size)&hostarch.PageMask != 0 {
		return 0, unix.EINVAL
	}
	list := m.windowFor(flags)
	var ar hostarch.AddrRange
	var before ema.Iterator
	if flags.IsFixed() {
		if !addr.IsPageAligned() {
			return 0, unix.EINVAL
		}
		ar = hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(size)}
		if err := list.FindFreeRegionAt(ar); err != nil {
			if err != unix.EEXIST {
				return 0, err
			}
			// The range collides with existing EMAs. If every one of them
			// is a RESERVE placeholder, convert the span into a real
			// allocation instead of failing outright (spec §4.4 realloc
			// from reserve is the only way a RESERVE EMA ever becomes
			// usable memory).
			it, rerr := m.reallocFromReserve(list, ar, flags)
			if rerr != nil {
				// Not a pure-RESERVE span (or heap-owned): report the
				// original FIXED collision, not the realloc precheck's
				// more specific EINVAL.
				return 0, err
			}
			if handler != nil {
				it.Value().Handler = handler
				it.Value().Priv = priv
			}
			m.allocOps.Add(1)
			m.logEntry("alloc").WithFields(logrus.Fields{"addr": ar.Start, "size": size, "flags": flags}).Debug("allocated (from reserve)")
			return ar.Start, nil
		}
		before, _ = list.SearchRange(ar)
	} else {
		found, err := list.FindFreeRegion(size, hostarch.PageSize)
		if err != nil {
			return 0, err
		}
		ar = hostarch.AddrRange{Start: found, End: found + hostarch.Addr(size)}
		before, _ = list.SearchRange(ar)
	}

	si := sifFromFlags(flags)
	it, err := m.drv.DoAlloc(list, ar, flags, si, before, m.heap)
	if err != nil {
		return 0, err
	}
	if handler != nil {
		it.Value().Handler = handler
		it.Value().Priv = priv
	}
	m.liveEMAs.Add(1)
	m.allocOps.Add(1)
	m.logEntry("alloc").WithFields(logrus.Fields{"addr": ar.Start, "size": size, "flags": flags}).Debug("allocated")
	return ar.Start, nil
}

// reallocFromReserve converts the RESERVE EMAs covering ar into a single
// fresh EMA carrying flags (spec §4.4 "Realloc from reserve"). It is the
// only path that turns a RESERVE placeholder into usable address space,
// since CanCommit and CanModifyPermissions both reject RESERVE EMAs
// outright.
func (m *EMM) reallocFromReserve(list *ema.List, ar hostarch.AddrRange, flags ema.AllocFlags) (ema.Iterator, error) {
	if _, _, err := m.drv.CanReallocFromReserve(list, ar.Start, ar.End, m.heap); err != nil {
		return ema.Iterator{}, err
	}
	si := sifFromFlags(flags)
	before := list.Len()
	it, err := m.drv.DoReallocFromReserve(list, ar.Start, ar.End, flags, si, driver.BitmapInitFor(flags), m.heap)
	m.liveEMAs.Add(int64(list.Len() - before))
	return it, err
}

func sifFromFlags(flags ema.AllocFlags) ema.SIFlags {
	if flags.IsReserve() {
		return 0
	}
	return ema.PageTypeReg | ema.PermRead | ema.PermWrite
}

// Dealloc implements `dealloc`.
func (m *EMM) Dealloc(addr hostarch.Addr, size uintptr) error {
	m.rt.Lock()
	defer m.rt.Unlock()
	m.mustBeInitialized()
	if err := m.validateRange(addr, size); err != nil {
		return err
	}
	list, _, err := m.resolveRange(addr, size)
	if err != nil {
		return err
	}
	if _, _, err := m.drv.CanDealloc(list, addr, addr+hostarch.Addr(size)); err != nil {
		return err
	}
	before := list.Len()
	err = m.drv.DoDeallocLoop(list, addr, addr+hostarch.Addr(size))
	m.liveEMAs.Add(int64(list.Len() - before))
	return err
}

// Commit implements `commit`.
func (m *EMM) Commit(addr hostarch.Addr, size uintptr) error {
	m.rt.Lock()
	defer m.rt.Unlock()
	m.mustBeInitialized()
	if err := m.validateRange(addr, size); err != nil {
		return err
	}
	list, _, err := m.resolveRange(addr, size)
	if err != nil {
		return err
	}
	first, last, err := m.drv.CanCommit(list, addr, addr+hostarch.Addr(size))
	if err != nil {
		return err
	}
	if err := m.drv.DoCommitLoop(first, last, addr, addr+hostarch.Addr(size)); err != nil {
		return err
	}
	m.commitOps.Add(1)
	return nil
}

// Uncommit implements `uncommit`.
func (m *EMM) Uncommit(addr hostarch.Addr, size uintptr) error {
	m.rt.Lock()
	defer m.rt.Unlock()
	m.mustBeInitialized()
	if err := m.validateRange(addr, size); err != nil {
		return err
	}
	list, _, err := m.resolveRange(addr, size)
	if err != nil {
		return err
	}
	first, last, err := m.drv.CanUncommit(list, addr, addr+hostarch.Addr(size))
	if err != nil {
		return err
	}
	return m.drv.DoUncommitLoop(first, last, addr, addr+hostarch.Addr(size))
}

// CommitData implements `commit_data`.
func (m *EMM) CommitData(addr hostarch.Addr, size uintptr, data []byte, prot hostarch.AccessType) error {
	m.rt.Lock()
	defer m.rt.Unlock()
	m.mustBeInitialized()
	if err := m.validateRange(addr, size); err != nil {
		return err
	}
	if len(data) != int(size) {
		return unix.EINVAL
	}
	list, _, err := m.resolveRange(addr, size)
	if err != nil {
		return err
	}
	first, last, err := m.drv.CanCommitData(list, addr, addr+hostarch.Addr(size))
	if err != nil {
		return err
	}
	return m.drv.DoCommitDataLoop(list, first, last, addr, addr+hostarch.Addr(size), data, prot)
}

// ModifyPermissions implements `modify_permissions`.
func (m *EMM) ModifyPermissions(addr hostarch.Addr, size uintptr, newProt hostarch.AccessType) error {
	m.rt.Lock()
	defer m.rt.Unlock()
	m.mustBeInitialized()
	if err := m.validateRange(addr, size); err != nil {
		return err
	}
	list, _, err := m.resolveRange(addr, size)
	if err != nil {
		return err
	}
	first, last, err := m.drv.CanModifyPermissions(list, addr, addr+hostarch.Addr(size))
	if err != nil {
		return err
	}
	return m.drv.DoModifyPermissionsLoop(list, first, last, addr, addr+hostarch.Addr(size), newProt)
}

// ModifyType implements `modify_type`. Only REG->TCS is supported, and
// size must be exactly one page (spec §6).
func (m *EMM) ModifyType(addr hostarch.Addr, size uintptr) error {
	m.rt.Lock()
	defer m.rt.Unlock()
	m.mustBeInitialized()
	if !addr.IsPageAligned() || size != hostarch.PageSize {
		return unix.EINVAL
	}
	list, _, err := m.resolveRange(addr, size)
	if err != nil {
		return err
	}
	return m.drv.ChangeToTCS(list, addr)
}

// RegisterPFHandler implements `register_pfhandler`.
func (m *EMM) RegisterPFHandler(addr hostarch.Addr, size uintptr, handler ema.PFHandler, priv any) error {
	m.rt.Lock()
	defer m.rt.Unlock()
	m.mustBeInitialized()
	if err := m.validateRange(addr, size); err != nil {
		return err
	}
	_, first, err := m.resolveRange(addr, size)
	if err != nil {
		return err
	}
	end := addr + hostarch.Addr(size)
	for it := first; it.Ok() && it.Value().Range.Start < end; it = it.Next() {
		it.Value().Handler = handler
		it.Value().Priv = priv
	}
	return nil
}

func (m *EMM) mustBeInitialized() {
	if !m.initialized {
		panic("emm: called before Init")
	}
}

func (m *EMM) validateRange(addr hostarch.Addr, size uintptr) error {
	if size == 0 || !addr.IsPageAligned() || hostarch.Addr(size)&hostarch.PageMask != 0 {
		return unix.EINVAL
	}
	return nil
}

// resolveRange picks the EMA root containing the range and returns an
// iterator to its first overlapping EMA (EINVAL if the range escapes
// both windows).
func (m *EMM) resolveRange(addr hostarch.Addr, size uintptr) (*ema.List, ema.Iterator, error) {
	ar := hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(size)}
	if m.userList.Window().ContainsRange(ar) {
		first, _ := m.userList.SearchRange(ar)
		return m.userList, first, nil
	}
	if m.rtsList.Window().ContainsRange(ar) {
		first, _ := m.rtsList.SearchRange(ar)
		return m.rtsList, first, nil
	}
	return nil, ema.Iterator{}, unix.EINVAL
}

var (
	_ emheap.ReserveSource = (*EMM)(nil)
	_ bitset.Allocator     = (*emheap.Heap)(nil)
)
