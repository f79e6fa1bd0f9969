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
	"fmt"

	"github.com/sgx-emm/emm/pkg/ema"
	"github.com/sgx-emm/emm/pkg/hostarch"
)

// scenarioFile is the decoded shape of a `run` scenario TOML file: an
// enclave layout followed by a sequence of the §6 public operations to
// drive against it in order.
type scenarioFile struct {
	Enclave struct {
		Size     uint64 `toml:"size"`
		UserBase uint64 `toml:"user_base"`
	} `toml:"enclave"`
	Ops []scenarioOp `toml:"op"`
}

// scenarioOp is one entry in the `[[op]]` array. Kind selects which fields
// are meaningful; unused fields are ignored.
type scenarioOp struct {
	Kind  string `toml:"kind"` // alloc, dealloc, commit, uncommit, commit_data, modify_permissions, modify_type, register_pfhandler
	Addr  uint64 `toml:"addr"`
	Size  uint64 `toml:"size"`
	Flags string `toml:"flags"` // comma-separated: fixed,commit_now,commit_on_demand,reserve,grows_down,grows_up,system
	Prot  string `toml:"prot"`  // comma-separated: read,write,execute
}

func parseFlags(s string) (ema.AllocFlags, error) {
	var f ema.AllocFlags
	for _, tok := range splitCSV(s) {
		switch tok {
		case "fixed":
			f |= ema.FlagFixed
		case "commit_now":
			f |= ema.FlagCommitNow
		case "commit_on_demand":
			f |= ema.FlagCommitOnDemand
		case "reserve":
			f |= ema.FlagReserve
		case "grows_down":
			f |= ema.FlagGrowsDown
		case "grows_up":
			f |= ema.FlagGrowsUp
		case "system":
			f |= ema.FlagSystem
		case "":
		default:
			return 0, fmt.Errorf("unknown alloc flag %q", tok)
		}
	}
	return f, nil
}

func parseProt(s string) (hostarch.AccessType, error) {
	var p hostarch.AccessType
	for _, tok := range splitCSV(s) {
		switch tok {
		case "read":
			p.Read = true
		case "write":
			p.Write = true
		case "execute":
			p.Execute = true
		case "":
		default:
			return p, fmt.Errorf("unknown protection %q", tok)
		}
	}
	return p, nil
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}
