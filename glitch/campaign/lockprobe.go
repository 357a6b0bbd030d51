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
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

const (
	DiagnosticTimeout  = "timeout"
	DiagnosticRejected = "rejected"
)

// ProbeResult is the classification of one lock check.
type ProbeResult struct {
	State  LockState
	CoreID uint32
	// Cause is the probe error that made the check come out locked.
	Cause error
}

// Diagnostic distinguishes probe timeouts from other probe failures.
// It is empty for unlocked results.
func (pr ProbeResult) Diagnostic() string {
	if pr.Cause == nil {
		return ""
	}
	if isTimeout(pr.Cause) {
		return DiagnosticTimeout
	}
	return DiagnosticRejected
}

// LockProbe checks whether the target accepts a debug connection.
// Every probe failure counts as locked: a locked target is expected to
// refuse the connection. The probe is not disconnected afterwards.
type LockProbe struct {
	Probe  DebugProbe
	Target string
	// Settle is waited before connecting, to let the target finish booting.
	Settle time.Duration
	// Timeout bounds each probe call.
	Timeout time.Duration

	sleep func(time.Duration)
}

func (lp *LockProbe) Check(ctx context.Context) ProbeResult {
	sleep := lp.sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	sleep(lp.Settle)
	if err := callWithTimeout(ctx, lp.Timeout, func(ctx context.Context) error {
		return lp.Probe.Connect(ctx, lp.Target)
	}); err != nil {
		return lp.locked(errors.Annotatef(err, "connect to %s", lp.Target))
	}
	var id uint32
	if err := callWithTimeout(ctx, lp.Timeout, func(ctx context.Context) error {
		var err error
		id, err = lp.Probe.ReadCoreID(ctx)
		return err
	}); err != nil {
		return lp.locked(errors.Annotatef(err, "read core id"))
	}
	glog.V(1).Infof("%s: debug port open, core id 0x%08x", lp.Target, id)
	return ProbeResult{State: Unlocked, CoreID: id}
}

func (lp *LockProbe) locked(err error) ProbeResult {
	pr := ProbeResult{State: Locked, Cause: err}
	glog.V(1).Infof("%s: locked (%s): %s", lp.Target, pr.Diagnostic(), err)
	return pr
}

func callWithTimeout(ctx context.Context, timeout time.Duration, f func(ctx context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return f(ctx)
}

func isTimeout(err error) bool {
	for err != nil {
		if err == context.DeadlineExceeded {
			return true
		}
		if te, ok := err.(interface{ Timeout() bool }); ok && te.Timeout() {
			return true
		}
		if c := errors.Cause(err); c != err {
			err = c
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return false
}
