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

import "testing"

func TestParseFlags(t *testing.T) {
	f, err := parseFlags("fixed,commit_now")
	if err != nil {
		t.Fatal(err)
	}
	if !f.IsFixed() || !f.IsCommitNow() {
		t.Fatalf("parseFlags(%q) = %s, want FIXED|COMMIT_NOW", "fixed,commit_now", f)
	}
	if f.IsReserve() {
		t.Fatalf("parseFlags should not set RESERVE: %s", f)
	}
}

func TestParseFlagsEmpty(t *testing.T) {
	f, err := parseFlags("")
	if err != nil {
		t.Fatal(err)
	}
	if f != 0 {
		t.Fatalf("parseFlags(\"\") = %s, want zero value", f)
	}
}

func TestParseFlagsUnknown(t *testing.T) {
	if _, err := parseFlags("bogus"); err == nil {
		t.Fatal("expected an error for an unrecognized flag token")
	}
}

func TestParseProt(t *testing.T) {
	p, err := parseProt("read,write")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Read || !p.Write || p.Execute {
		t.Fatalf("parseProt(%q) = %+v, want Read|Write", "read,write", p)
	}
}

func TestParseProtUnknown(t *testing.T) {
	if _, err := parseProt("rwx"); err == nil {
		t.Fatal("expected an error for an unrecognized protection token")
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV("a,b,c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("splitCSV = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("splitCSV = %v, want %v", got, want)
		}
	}
}
