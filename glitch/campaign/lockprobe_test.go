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
package campaign

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/juju/errors"
)

type scriptedProbe struct {
	connect func(ctx context.Context) error
	coreID  func(ctx context.Context) (uint32, error)
}

func (sp *scriptedProbe) Connect(ctx context.Context, target string) error {
	return sp.connect(ctx)
}

func (sp *scriptedProbe) ReadCoreID(ctx context.Context) (uint32, error) {
	return sp.coreID(ctx)
}

func (sp *scriptedProbe) ReadMemory(ctx context.Context, addr uint32, words int) ([]uint32, error) {
	return nil, errors.NotImplementedf("ReadMemory")
}

func connectOK(ctx context.Context) error { return nil }

func coreID(ctx context.Context) (uint32, error) { return 0x411fc271, nil }

func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return errors.Annotatef(ctx.Err(), "DAP exec")
}

type netTimeout struct{}

func (netTimeout) Error() string   { return "i/o timeout" }
func (netTimeout) Timeout() bool   { return true }
func (netTimeout) Temporary() bool { return true }

var _ net.Error = netTimeout{}

func TestLockProbe(t *testing.T) {
	cases := []struct {
		name    string
		connect func(ctx context.Context) error
		coreID  func(ctx context.Context) (uint32, error)
		state   LockState
		diag    string
	}{
		{"open", connectOK, coreID, Unlocked, ""},
		{"connect rejected", func(ctx context.Context) error {
			return errors.Errorf("connect error")
		}, coreID, Locked, DiagnosticRejected},
		{"connect timeout", blockUntilDone, coreID, Locked, DiagnosticTimeout},
		{"transport timeout", func(ctx context.Context) error {
			return errors.Annotatef(netTimeout{}, "device read failed")
		}, coreID, Locked, DiagnosticTimeout},
		{"core id rejected", connectOK, func(ctx context.Context) (uint32, error) {
			return 0, errors.Errorf("transfer failed (tc 0/1 st 0x04)")
		}, Locked, DiagnosticRejected},
		{"core id timeout", connectOK, func(ctx context.Context) (uint32, error) {
			return 0, blockUntilDone(ctx)
		}, Locked, DiagnosticTimeout},
	}
	for _, c := range cases {
		var slept time.Duration
		lp := &LockProbe{
			Probe:   &scriptedProbe{connect: c.connect, coreID: c.coreID},
			Target:  "ATSAME70Q21B",
			Settle:  500 * time.Millisecond,
			Timeout: 20 * time.Millisecond,
			sleep:   func(d time.Duration) { slept += d },
		}
		pr := lp.Check(context.Background())
		if pr.State != c.state {
			t.Errorf("%s: got %s, want %s", c.name, pr.State, c.state)
		}
		if got := pr.Diagnostic(); got != c.diag {
			t.Errorf("%s: diagnostic %q, want %q", c.name, got, c.diag)
		}
		if (pr.Cause == nil) != (c.state == Unlocked) {
			t.Errorf("%s: cause %v for %s", c.name, pr.Cause, pr.State)
		}
		if slept != 500*time.Millisecond {
			t.Errorf("%s: settled for %s", c.name, slept)
		}
	}
}

func TestLockStateText(t *testing.T) {
	for _, s := range []LockState{Locked, Unlocked} {
		text, _ := s.MarshalText()
		var got LockState
		if err := got.UnmarshalText(text); err != nil || got != s {
			t.Errorf("%s: got %s, %v", s, got, err)
		}
	}
	var s LockState
	if err := s.UnmarshalText([]byte("AJAR")); err == nil {
		t.Errorf("expected an error")
	}
}
