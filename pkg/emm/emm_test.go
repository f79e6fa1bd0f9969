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

package emm

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mohae/deepcopy"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/sgx-emm/emm/pkg/ema"
	"github.com/sgx-emm/emm/pkg/emrt"
	"github.com/sgx-emm/emm/pkg/hostarch"
)

// newTestEMM builds an initialized EMM over a fresh simulated enclave, with
// the user window occupying the top half (the RTS root gets the rest, per
// spec §9's single-contiguous-enclave layout).
func newTestEMM(t *testing.T, totalSize uintptr) (*EMM, *emrt.SimRT) {
	t.Helper()
	rt, err := emrt.NewSimRT(totalSize, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rt.Close() })

	m := New(rt, nil)
	enclave := rt.EnclaveRange()
	userBase := enclave.Start + hostarch.Addr(totalSize)/2
	if err := m.Init(userBase, enclave.End); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return m, rt
}

func TestInitRejectsMisalignedOrPartialWindow(t *testing.T) {
	rt, err := emrt.NewSimRT(1<<20, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()
	m := New(rt, nil)
	enclave := rt.EnclaveRange()

	if err := m.Init(enclave.Start+1, enclave.End); err != unix.EINVAL {
		t.Fatalf("Init with misaligned base = %v, want EINVAL", err)
	}
	if err := m.Init(enclave.Start, enclave.End-hostarch.PageSize); err != unix.EINVAL {
		t.Fatalf("Init with userEnd short of enclave.End = %v, want EINVAL", err)
	}
}

func TestInitTwiceIsInvariantViolation(t *testing.T) {
	m, rt := newTestEMM(t, 1<<20)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double Init")
		}
	}()
	m.Init(rt.EnclaveRange().Start, rt.EnclaveRange().End)
}

// TestScenarioS1CommitDeallocRoundTrip mirrors spec §8 S1 through the
// public dispatcher rather than pkg/driver directly.
func TestScenarioS1CommitDeallocRoundTrip(t *testing.T) {
	m, rt := newTestEMM(t, 1<<20)
	addr := rt.EnclaveRange().Start + hostarch.Addr(1<<19)
	size := uintptr(0x10000)

	got, err := m.Alloc(addr, size, ema.FlagFixed|ema.FlagCommitOnDemand, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != addr {
		t.Fatalf("Alloc returned %#x, want %#x", got, addr)
	}
	if err := m.Commit(addr, size); err != nil {
		t.Fatal(err)
	}
	if err := m.Dealloc(addr, size); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.resolveRange(addr, size); err != nil {
		// Both roots still claim the address space even with no live EMA
		// inside it; resolveRange only fails for addresses outside both
		// windows entirely.
		t.Fatalf("resolveRange after dealloc = %v, want nil", err)
	}
}

// TestScenarioS4PermissionSplitsEMA mirrors spec §8 S4 through the public
// dispatcher.
func TestScenarioS4PermissionSplitsEMA(t *testing.T) {
	m, rt := newTestEMM(t, 1<<20)
	addr := rt.EnclaveRange().Start + hostarch.Addr(1<<19)
	size := uintptr(0x10000)

	if _, err := m.Alloc(addr, size, ema.FlagFixed|ema.FlagCommitOnDemand, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.ModifyPermissions(addr, size, hostarch.Read); err == nil {
		t.Fatal("modify_permissions over an uncommitted range should fail")
	}
	if err := m.Commit(addr+0x2000, 0x2000); err != nil {
		t.Fatal(err)
	}
	if err := m.ModifyPermissions(addr+0x2000, 0x2000, hostarch.Read); err != nil {
		t.Fatal(err)
	}
}

// TestScenarioS5ChangeToTCSIdempotent mirrors spec §8 S5 through the
// public dispatcher.
func TestScenarioS5ChangeToTCSIdempotent(t *testing.T) {
	m, rt := newTestEMM(t, 1<<20)
	addr := rt.EnclaveRange().Start + hostarch.Addr(1<<19)

	if _, err := m.Alloc(addr, hostarch.PageSize, ema.FlagFixed|ema.FlagCommitNow, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.ModifyType(addr, hostarch.PageSize); err != nil {
		t.Fatal(err)
	}
	if err := m.ModifyType(addr, hostarch.PageSize); err != nil {
		t.Fatalf("re-invoking modify_type on an already-TCS page should succeed, got %v", err)
	}
	if err := m.ModifyType(addr, 2*hostarch.PageSize); err != unix.EINVAL {
		t.Fatalf("modify_type over more than one page = %v, want EINVAL", err)
	}
}

// TestScenarioS6FixedCollision mirrors spec §8 S6 through the public
// dispatcher: a FIXED alloc colliding with a live, non-RESERVE EMA must
// fail without mutating either EMA root. (A collision with a RESERVE EMA
// is a different case — see TestAllocFixedConvertsReserve — since realloc
// from reserve is the one path that's allowed to turn a collision into a
// conversion.)
func TestScenarioS6FixedCollision(t *testing.T) {
	m, rt := newTestEMM(t, 1<<20)
	addr := rt.EnclaveRange().Start + hostarch.Addr(1<<19)
	size := uintptr(0x1000)

	if _, err := m.Alloc(addr, size, ema.FlagFixed|ema.FlagCommitOnDemand, nil, nil); err != nil {
		t.Fatal(err)
	}
	before := snapshotList(m.userList)
	if _, err := m.Alloc(addr, size, ema.FlagFixed|ema.FlagCommitOnDemand, nil, nil); err == nil {
		t.Fatal("colliding FIXED alloc should fail")
	}
	after := snapshotList(m.userList)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("a failed FIXED alloc must not mutate the list (-before +after):\n%s", diff)
	}
}

// TestAllocFixedConvertsReserve exercises spec §4.4 "Realloc from reserve":
// a FIXED alloc landing exactly on a RESERVE EMA converts it into real,
// committed memory instead of returning EEXIST.
func TestAllocFixedConvertsReserve(t *testing.T) {
	m, rt := newTestEMM(t, 1<<20)
	addr := rt.EnclaveRange().Start + hostarch.Addr(1<<19)
	size := uintptr(0x3000)

	if _, err := m.Alloc(addr, size, ema.FlagFixed|ema.FlagReserve, nil, nil); err != nil {
		t.Fatal(err)
	}
	if got := m.Stats().LiveEMAs; got != 1 {
		t.Fatalf("LiveEMAs after reserve = %d, want 1", got)
	}

	got, err := m.Alloc(addr, size, ema.FlagFixed|ema.FlagCommitNow, nil, nil)
	if err != nil {
		t.Fatalf("FIXED alloc over RESERVE should convert, got error: %v", err)
	}
	if got != addr {
		t.Fatalf("converted alloc returned %#x, want %#x", got, addr)
	}

	it := m.userList.Search(addr)
	if !it.Ok() {
		t.Fatal("no EMA covers the converted range")
	}
	e := it.Value()
	if e.AllocFlags.IsReserve() {
		t.Fatal("converted EMA is still RESERVE")
	}
	for p := 0; p < int(size/hostarch.PageSize); p++ {
		if !e.Bitmap.Test(p) {
			t.Fatalf("page %d not committed after COMMIT_NOW conversion", p)
		}
	}
	if got := m.Stats().LiveEMAs; got != 1 {
		t.Fatalf("LiveEMAs after conversion = %d, want 1", got)
	}

	// A second FIXED alloc attempt over the now-real EMA must fail: it is
	// no longer RESERVE, so realloc-from-reserve cannot apply.
	if _, err := m.Alloc(addr, size, ema.FlagFixed|ema.FlagCommitOnDemand, nil, nil); err == nil {
		t.Fatal("colliding FIXED alloc over a non-RESERVE EMA should fail")
	}
}

// TestStatsTracksLiveEMAsAndOps checks that the atomic introspection
// counters move in step with successful operations.
func TestStatsTracksLiveEMAsAndOps(t *testing.T) {
	m, rt := newTestEMM(t, 1<<20)
	addr := rt.EnclaveRange().Start + hostarch.Addr(1<<19)
	size := uintptr(0x4000)

	if _, err := m.Alloc(addr, size, ema.FlagFixed|ema.FlagCommitOnDemand, nil, nil); err != nil {
		t.Fatal(err)
	}
	if got := m.Stats().LiveEMAs; got != 1 {
		t.Fatalf("LiveEMAs after one alloc = %d, want 1", got)
	}
	if got := m.Stats().AllocOps; got != 1 {
		t.Fatalf("AllocOps after one alloc = %d, want 1", got)
	}
	if err := m.Commit(addr, size); err != nil {
		t.Fatal(err)
	}
	if got := m.Stats().CommitOps; got != 1 {
		t.Fatalf("CommitOps after one commit = %d, want 1", got)
	}
	if err := m.Dealloc(addr, size); err != nil {
		t.Fatal(err)
	}
	if got := m.Stats().LiveEMAs; got != 0 {
		t.Fatalf("LiveEMAs after dealloc = %d, want 0", got)
	}
}

// TestCommitIdempotent exercises invariant 7 through the public dispatcher:
// re-committing an already-committed range is a no-op.
func TestCommitIdempotent(t *testing.T) {
	m, rt := newTestEMM(t, 1<<20)
	addr := rt.EnclaveRange().Start + hostarch.Addr(1<<19)
	size := uintptr(0x4000)

	if _, err := m.Alloc(addr, size, ema.FlagFixed|ema.FlagCommitOnDemand, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Commit(addr, size); err != nil {
		t.Fatal(err)
	}
	before := snapshotList(m.userList)
	if err := m.Commit(addr, size); err != nil {
		t.Fatal(err)
	}
	after := snapshotList(m.userList)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("idempotent re-commit changed list contents (-before +after):\n%s", diff)
	}
}

// TestUncommitThroughDispatcher drives `uncommit` through the public
// surface: a committed range's bits must flip back to 0 and the EMA must
// still accept a subsequent commit.
func TestUncommitThroughDispatcher(t *testing.T) {
	m, rt := newTestEMM(t, 1<<20)
	addr := rt.EnclaveRange().Start + hostarch.Addr(1<<19)
	size := uintptr(0x4000)

	if _, err := m.Alloc(addr, size, ema.FlagFixed|ema.FlagCommitNow, nil, nil); err != nil {
		t.Fatal(err)
	}
	it := m.userList.Search(addr)
	if !it.Value().Bitmap.TestRange(0, int(size/hostarch.PageSize)) {
		t.Fatal("COMMIT_NOW alloc should start fully committed")
	}

	if err := m.Uncommit(addr, size); err != nil {
		t.Fatal(err)
	}
	if it.Value().Bitmap.TestRangeAny(0, int(size/hostarch.PageSize)) {
		t.Fatal("bitmap should be all zero after uncommit")
	}

	if err := m.Commit(addr, size); err != nil {
		t.Fatalf("re-committing an uncommitted range should succeed, got %v", err)
	}
	if !it.Value().Bitmap.TestRange(0, int(size/hostarch.PageSize)) {
		t.Fatal("bitmap should be all ones after re-commit")
	}
}

// TestCommitDataThroughDispatcher drives `commit_data` through the public
// surface: the payload must land in enclave memory and the EMA's final
// permissions must match the requested demotion.
func TestCommitDataThroughDispatcher(t *testing.T) {
	m, rt := newTestEMM(t, 1<<20)
	addr := rt.EnclaveRange().Start + hostarch.Addr(1<<19)
	size := uintptr(0x2000)

	if _, err := m.Alloc(addr, size, ema.FlagFixed|ema.FlagCommitOnDemand, nil, nil); err != nil {
		t.Fatal(err)
	}

	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	if err := m.CommitData(addr, size, payload, hostarch.Read); err != nil {
		t.Fatal(err)
	}

	ar := hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(size)}
	if got := rt.Memory(ar); !bytes.Equal(got, payload) {
		t.Fatalf("enclave memory after commit_data = %x, want %x", got, payload)
	}
	it := m.userList.Search(addr)
	if !it.Value().Bitmap.TestRange(0, int(size/hostarch.PageSize)) {
		t.Fatal("bitmap should be all ones after commit_data")
	}
	if perm := it.Value().SIFlags.Perms(); perm != hostarch.Read {
		t.Fatalf("perms after commit_data = %v, want Read", perm)
	}
}

// TestInvariantRegisterPFHandlerAttachesAcrossSplit checks that a handler
// registered over a range spanning multiple EMAs (after a permission-change
// split) reaches every affected node.
func TestInvariantRegisterPFHandlerAttachesAcrossSplit(t *testing.T) {
	m, rt := newTestEMM(t, 1<<20)
	addr := rt.EnclaveRange().Start + hostarch.Addr(1<<19)
	size := uintptr(0x10000)

	if _, err := m.Alloc(addr, size, ema.FlagFixed|ema.FlagCommitNow, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.ModifyPermissions(addr+0x2000, 0x2000, hostarch.Read); err != nil {
		t.Fatal(err)
	}
	called := 0
	handler := func(hostarch.Addr, any) error { called++; return nil }
	if err := m.RegisterPFHandler(addr, size, handler, nil); err != nil {
		t.Fatal(err)
	}
	for it := m.userList.Begin(); it.Ok(); it = it.Next() {
		if it.Value().Handler == nil {
			t.Fatal("RegisterPFHandler left an EMA in range without a handler")
		}
	}
	_ = called
}

// snapshotList produces a deep, node-identity-independent copy of every
// EMA's externally observable state, for before/after comparisons that must
// not be fooled by slot reuse (spec §8 invariant 6).
func snapshotList(l *ema.List) []ema.Summary {
	var out []ema.Summary
	for it := l.Begin(); it.Ok(); it = it.Next() {
		out = append(out, deepcopy.Copy(it.Value().Summary()).(ema.Summary))
	}
	return out
}

// TestConcurrentIndependentEMMsDoNotInterfere drives randomized operation
// sequences against independent EMM instances concurrently, to check that
// the recursive-mutex-guarded dispatcher has no cross-instance shared state
// that a race detector (or a future -race run) would catch.
func TestConcurrentIndependentEMMsDoNotInterfere(t *testing.T) {
	var g errgroup.Group
	for i := 0; i < 4; i++ {
		seed := int64(100 + i)
		g.Go(func() error {
			m, rt := newTestEMM(t, 1<<22)
			defer rt.Close()
			rng := rand.New(rand.NewSource(seed))
			var live []hostarch.Addr
			for j := 0; j < 40; j++ {
				if len(live) == 0 || rng.Intn(2) == 0 {
					size := uintptr((1 + rng.Intn(4)) * hostarch.PageSize)
					addr, err := m.userList.FindFreeRegion(size, hostarch.PageSize)
					if err != nil {
						continue
					}
					if _, err := m.Alloc(addr, size, ema.FlagCommitOnDemand, nil, nil); err == nil {
						live = append(live, addr)
					}
				} else {
					idx := rng.Intn(len(live))
					addr := live[idx]
					it := m.userList.Search(addr)
					if it.Ok() {
						v := it.Value()
						if err := m.Dealloc(v.Range.Start, uintptr(v.Range.End-v.Range.Start)); err != nil {
							return err
						}
					}
					live = append(live[:idx], live[idx+1:]...)
				}
				if err := checkSorted(m.userList); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func checkSorted(l *ema.List) error {
	prevEnd := hostarch.Addr(0)
	first := true
	for it := l.Begin(); it.Ok(); it = it.Next() {
		v := it.Value()
		if !first && v.Range.Start < prevEnd {
			return &sortErr{prevEnd, v.Range.Start}
		}
		prevEnd = v.Range.End
		first = false
	}
	return nil
}

type sortErr struct {
	prevEnd, nextStart hostarch.Addr
}

func (e *sortErr) Error() string {
	return "ema list not sorted/non-overlapping"
}
