//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
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
//
package ourio

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "result.json")
	for _, data := range []string{"first", "second"} {
		if err := WriteFileAtomic(fn, []byte(data), 0644); err != nil {
			t.Fatalf("write %q: %s", data, err)
		}
		got, err := ioutil.ReadFile(fn)
		if err != nil || string(got) != data {
			t.Errorf("got %q (%v), want %q", got, err, data)
		}
	}
	entries, _ := ioutil.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %d entries", len(entries))
	}
	if err := WriteFileAtomic(filepath.Join(dir, "nope", "x"), nil, 0644); err == nil {
		t.Errorf("expected an error for a missing directory")
	}
}

func TestWriteJSONFileAtomic(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "v.json")
	if err := WriteJSONFileAtomic(fn, map[string]int{"attempts": 9}, 0600); err != nil {
		t.Fatal(err)
	}
	got, _ := ioutil.ReadFile(fn)
	if want := "{\n  \"attempts\": 9\n}\n"; string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
	fi, err := os.Stat(fn)
	if err != nil {
		t.Fatal(err)
	}
	if os.PathSeparator == '/' && fi.Mode().Perm() != 0600 {
		t.Errorf("got mode %v, want 0600", fi.Mode())
	}
}
