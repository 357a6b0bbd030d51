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
package devutil

import (
	"testing"

	"github.com/juju/errors"
)

func TestInstrumentAddr(t *testing.T) {
	defaultPort = func() string { return "/dev/ttyACM0" }
	defer func() { defaultPort = getDefaultPort }()
	for _, c := range []struct {
		addr string
		want string
	}{
		{"auto", "serial:///dev/ttyACM0"},
		{"/dev/ttyUSB1", "serial:///dev/ttyUSB1"},
		{"COM3", "serial://COM3"},
		{"169.254.5.177", "tcp://169.254.5.177"},
		{"hmc:5025", "tcp://hmc:5025"},
		{"tcp://hmc", "tcp://hmc"},
	} {
		got, err := InstrumentAddr("supply", c.addr)
		if err != nil {
			t.Errorf("%q: %v", c.addr, err)
			continue
		}
		if got != c.want {
			t.Errorf("%q: got %q, want %q", c.addr, got, c.want)
		}
	}
	if _, err := InstrumentAddr("supply", ""); !errors.IsNotValid(err) {
		t.Errorf("empty: got %v", err)
	}
	defaultPort = func() string { return "" }
	if _, err := InstrumentAddr("injector", "auto"); !errors.IsNotFound(err) {
		t.Errorf("no ports: got %v", err)
	}
}
