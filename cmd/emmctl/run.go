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
	"os"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/sgx-emm/emm/pkg/ema"
	"github.com/sgx-emm/emm/pkg/emm"
	"github.com/sgx-emm/emm/pkg/emrt"
	"github.com/sgx-emm/emm/pkg/hostarch"
)

type runCmd struct {
	verbose bool
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "drive a sequence of EMM operations from a TOML scenario file" }
func (*runCmd) Usage() string {
	return "run <scenario.toml>\n  Drives the enclave memory manager through the operations the file describes and prints the resulting EMA-list snapshot.\n"
}

func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.verbose, "v", false, "enable debug-level logging of allocations, out-calls and in-enclave instructions")
}

func (c *runCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	var sf scenarioFile
	if _, err := toml.DecodeFile(f.Arg(0), &sf); err != nil {
		fmt.Fprintf(os.Stderr, "emmctl: decoding scenario: %v\n", err)
		return subcommands.ExitFailure
	}
	if sf.Enclave.Size == 0 {
		fmt.Fprintln(os.Stderr, "emmctl: scenario must set [enclave] size")
		return subcommands.ExitFailure
	}

	log := logrus.New()
	if c.verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}

	rt, err := emrt.NewSimRT(uintptr(sf.Enclave.Size), log, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "emmctl: reserving simulated enclave: %v\n", err)
		return subcommands.ExitFailure
	}
	defer rt.Close()

	m := emm.New(rt, log)
	enclave := rt.EnclaveRange()
	userBase := enclave.Start + hostarch.Addr(sf.Enclave.UserBase)
	if sf.Enclave.UserBase == 0 {
		userBase = enclave.Start + hostarch.Addr(sf.Enclave.Size)/2
	}
	if err := m.Init(userBase, enclave.End); err != nil {
		fmt.Fprintf(os.Stderr, "emmctl: init: %v\n", err)
		return subcommands.ExitFailure
	}

	for i, op := range sf.Ops {
		if err := runOp(m, userBase, op); err != nil {
			fmt.Fprintf(os.Stderr, "emmctl: op %d (%s): %v\n", i, op.Kind, err)
			return subcommands.ExitFailure
		}
	}
	printSnapshot(m)
	return subcommands.ExitSuccess
}

// runOp applies op against m. Addresses in a scenario file are offsets from
// the user window's base, keeping scenario files portable across enclave
// sizes.
func runOp(m *emm.EMM, userBase hostarch.Addr, op scenarioOp) error {
	addr := userBase + hostarch.Addr(op.Addr)
	size := uintptr(op.Size)
	switch op.Kind {
	case "alloc":
		flags, err := parseFlags(op.Flags)
		if err != nil {
			return err
		}
		_, err = m.Alloc(addr, size, flags, nil, nil)
		return err
	case "dealloc":
		return m.Dealloc(addr, size)
	case "commit":
		return m.Commit(addr, size)
	case "uncommit":
		return m.Uncommit(addr, size)
	case "modify_permissions":
		prot, err := parseProt(op.Prot)
		if err != nil {
			return err
		}
		return m.ModifyPermissions(addr, size, prot)
	case "modify_type":
		return m.ModifyType(addr, size)
	case "commit_data":
		data := make([]byte, size)
		prot, err := parseProt(op.Prot)
		if err != nil {
			return err
		}
		return m.CommitData(addr, size, data, prot)
	case "register_pfhandler":
		return m.RegisterPFHandler(addr, size, nil, nil)
	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
}

func printSnapshot(m *emm.EMM) {
	fmt.Println("user window:")
	printList(m.UserList())
	fmt.Println("rts window:")
	printList(m.RTSList())
}

func printList(l *ema.List) {
	for it := l.Begin(); it.Ok(); it = it.Next() {
		s := it.Value().Summary()
		committed := "n/a"
		if s.Committed != nil {
			n := 0
			for _, b := range s.Committed {
				if b {
					n++
				}
			}
			committed = fmt.Sprintf("%d/%d pages", n, len(s.Committed))
		}
		fmt.Printf("  [%#x, %#x) flags=%s si=%s committed=%s\n", s.Range.Start, s.Range.End, s.AllocFlags, s.SIFlags, committed)
	}
}
