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
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/sgx-emm/emm/pkg/emm"
	"github.com/sgx-emm/emm/pkg/emrt"
	"github.com/sgx-emm/emm/pkg/hostarch"
)

func TestRunScenarioFileEndToEnd(t *testing.T) {
	var sf scenarioFile
	if _, err := toml.DecodeFile("testdata/basic.toml", &sf); err != nil {
		t.Fatal(err)
	}
	if sf.Enclave.Size != 1<<20 {
		t.Fatalf("Enclave.Size = %d, want %d", sf.Enclave.Size, 1<<20)
	}
	if len(sf.Ops) != 3 {
		t.Fatalf("len(Ops) = %d, want 3", len(sf.Ops))
	}

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	rt, err := emrt.NewSimRT(uintptr(sf.Enclave.Size), log, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()

	m := emm.New(rt, log)
	enclave := rt.EnclaveRange()
	userBase := enclave.Start + hostarch.Addr(sf.Enclave.Size)/2
	if err := m.Init(userBase, enclave.End); err != nil {
		t.Fatal(err)
	}

	for i, op := range sf.Ops {
		if err := runOp(m, userBase, op); err != nil {
			t.Fatalf("op %d (%s): %v", i, op.Kind, err)
		}
	}

	if m.UserList().Len() != 3 {
		t.Fatalf("UserList().Len() = %d, want 3 (prefix/middle/suffix after the permission split)", m.UserList().Len())
	}
}
