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

package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/sgx-emm/emm/pkg/ema"
	"github.com/sgx-emm/emm/pkg/emm"
	"github.com/sgx-emm/emm/pkg/emrt"
	"github.com/sgx-emm/emm/pkg/hostarch"
)

// fuzzCmd drives N randomized alloc/commit/dealloc operations through a
// fresh EMM, checking after every step that the user EMA list stays
// page-aligned, sorted and non-overlapping (spec §8 invariants 1-2).
type fuzzCmd struct {
	ops  int
	seed int64
}

func (*fuzzCmd) Name() string     { return "fuzz" }
func (*fuzzCmd) Synopsis() string { return "drive randomized operations through a fresh EMM and check invariants" }
func (*fuzzCmd) Usage() string {
	return "fuzz -ops=N -seed=S\n  Drives N randomized operations through a fresh EMM and reports whether the list invariants held throughout.\n"
}

func (c *fuzzCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.ops, "ops", 1000, "number of randomized operations to drive")
	f.Int64Var(&c.seed, "seed", 1, "PRNG seed")
}

func (c *fuzzCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	const enclaveSize = 1 << 24
	rt, err := emrt.NewSimRT(enclaveSize, log, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "emmctl: reserving simulated enclave: %v\n", err)
		return subcommands.ExitFailure
	}
	defer rt.Close()

	m := emm.New(rt, log)
	enclave := rt.EnclaveRange()
	userBase := enclave.Start + enclaveSize/2
	if err := m.Init(userBase, enclave.End); err != nil {
		fmt.Fprintf(os.Stderr, "emmctl: init: %v\n", err)
		return subcommands.ExitFailure
	}

	rng := rand.New(rand.NewSource(c.seed))
	var live []hostarch.Addr
	committed := 0
	allocated := 0

	for i := 0; i < c.ops; i++ {
		switch {
		case len(live) == 0 || rng.Intn(3) == 0:
			size := uintptr((1 + rng.Intn(8)) * hostarch.PageSize)
			addr, err := m.UserList().FindFreeRegion(size, hostarch.PageSize)
			if err != nil {
				continue
			}
			if _, err := m.Alloc(addr, size, ema.FlagCommitOnDemand, nil, nil); err == nil {
				live = append(live, addr)
				allocated++
			}
		case rng.Intn(2) == 0:
			idx := rng.Intn(len(live))
			it := m.UserList().Search(live[idx])
			if it.Ok() {
				v := it.Value()
				if err := m.Commit(v.Range.Start, uintptr(v.Range.End-v.Range.Start)); err == nil {
					committed++
				}
			}
		default:
			idx := rng.Intn(len(live))
			addr := live[idx]
			it := m.UserList().Search(addr)
			if it.Ok() {
				v := it.Value()
				if err := m.Dealloc(v.Range.Start, uintptr(v.Range.End-v.Range.Start)); err != nil {
					fmt.Fprintf(os.Stderr, "emmctl: dealloc at step %d: %v\n", i, err)
					return subcommands.ExitFailure
				}
			}
			live = append(live[:idx], live[idx+1:]...)
		}
		if err := checkInvariants(m.UserList()); err != nil {
			fmt.Fprintf(os.Stderr, "emmctl: invariant violated after step %d: %v\n", i, err)
			return subcommands.ExitFailure
		}
	}

	fmt.Printf("ran %d ops (%d allocs, %d commits, seed=%d): invariants held, %d EMAs live\n",
		c.ops, allocated, committed, c.seed, m.UserList().Len())
	return subcommands.ExitSuccess
}

func checkInvariants(l *ema.List) error {
	prevEnd := hostarch.Addr(0)
	first := true
	for it := l.Begin(); it.Ok(); it = it.Next() {
		v := it.Value()
		if !v.Range.IsPageAligned() {
			return fmt.Errorf("EMA %s is not page-aligned", v.Range)
		}
		if !first && v.Range.Start < prevEnd {
			return fmt.Errorf("EMA %s overlaps or is unsorted relative to previous end %#x", v.Range, prevEnd)
		}
		prevEnd = v.Range.End
		first = false
	}
	return nil
}
