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
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/mongoose-os/glitch/common/multierror"
)

const (
	DefaultSettleDelay    = 500 * time.Millisecond
	DefaultDischargeDelay = 500 * time.Millisecond
	DefaultCallTimeout    = 5 * time.Second
	DefaultExtractWords   = 10
)

// Options are the campaign-wide settings of a controller.
type Options struct {
	// Target is passed to DebugProbe.Connect, e.g. "ATSAME70Q21B".
	Target string
	// Channel is the supply channel powering the target.
	Channel int
	// Glitch holds the static injector settings; Offset and Repeat are
	// overwritten for every attempt.
	Glitch GlitchSettings
	// SettleDelay is waited after power-up before connecting the probe.
	SettleDelay time.Duration
	// DischargeDelay is waited between arming and power-up so the supply
	// output is fully discharged.
	DischargeDelay time.Duration
	// CallTimeout bounds every collaborator call.
	CallTimeout time.Duration
	// ExtractAddr and ExtractWords describe the memory read on success.
	ExtractAddr  uint32
	ExtractWords int
	// CaptureTelemetry records supply measurements with every attempt,
	// if the supply supports it.
	CaptureTelemetry bool
}

func DefaultOptions() Options {
	return Options{
		Channel:        1,
		SettleDelay:    DefaultSettleDelay,
		DischargeDelay: DefaultDischargeDelay,
		CallTimeout:    DefaultCallTimeout,
		ExtractWords:   DefaultExtractWords,
	}
}

func (o *Options) Validate() error {
	var errs error
	if o.Target == "" {
		errs = multierror.Append(errs, errors.Errorf("target is not set"))
	}
	if o.Channel < 1 {
		errs = multierror.Append(errs, errors.Errorf("supply channel must be 1 or above (got %d)", o.Channel))
	}
	if o.SettleDelay < 0 || o.DischargeDelay < 0 {
		errs = multierror.Append(errs, errors.Errorf("delays must not be negative"))
	}
	if o.CallTimeout <= 0 {
		errs = multierror.Append(errs, errors.Errorf("call timeout must be positive (got %s)", o.CallTimeout))
	}
	if o.ExtractWords < 0 {
		errs = multierror.Append(errs, errors.Errorf("extraction word count must not be negative (got %d)", o.ExtractWords))
	}
	if o.ExtractAddr%4 != 0 {
		errs = multierror.Append(errs, errors.Errorf("extraction address must be word-aligned (got 0x%x)", o.ExtractAddr))
	}
	if errs != nil {
		return errors.NewNotValid(errs, "invalid campaign options")
	}
	return nil
}

// Observer is notified of campaign progress. Observers are called from the
// goroutine running the campaign and must not block for long.
type Observer interface {
	RunStarted(runID string, space Bounds, total int)
	AttemptDone(runID string, rec AttemptRecord)
	RunDone(res *Result)
}

// Controller runs glitch campaigns. It does not own the devices: they are
// opened and closed by the caller. One controller drives its devices from
// one run at a time.
type Controller struct {
	supply   PowerSupply
	injector GlitchInjector
	probe    DebugProbe
	opts     Options

	observers []Observer

	sleep    func(time.Duration)
	now      func() time.Time
	newRunID func() string

	busy int32
}

func NewController(supply PowerSupply, injector GlitchInjector, probe DebugProbe, opts Options) (*Controller, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Controller{
		supply:   supply,
		injector: injector,
		probe:    probe,
		opts:     opts,
		sleep:    time.Sleep,
		now:      time.Now,
		newRunID: func() string { return uuid.New().String() },
	}, nil
}

func (c *Controller) AddObserver(o Observer) {
	c.observers = append(c.observers, o)
}

func (c *Controller) Options() Options {
	return c.opts
}

func (c *Controller) acquire() bool {
	return atomic.CompareAndSwapInt32(&c.busy, 0, 1)
}

func (c *Controller) release() {
	atomic.StoreInt32(&c.busy, 0)
}

func (c *Controller) lockProbe() *LockProbe {
	return &LockProbe{
		Probe:   c.probe,
		Target:  c.opts.Target,
		Settle:  c.opts.SettleDelay,
		Timeout: c.opts.CallTimeout,
		sleep:   c.sleep,
	}
}

// CheckLock probes the lock state once, without power cycling or glitching.
func (c *Controller) CheckLock(ctx context.Context) (ProbeResult, error) {
	if !c.acquire() {
		return ProbeResult{}, ErrBusy
	}
	defer c.release()
	return c.lockProbe().Check(ctx), nil
}

// Run sweeps the space from its current position until the target unlocks,
// the space is exhausted or ctx is done. ctx is only checked between
// attempts; an attempt that has started always runs to completion.
//
// A supply or injector failure aborts the run: the partial result is
// returned together with a *CollaboratorFault.
func (c *Controller) Run(ctx context.Context, space *Space) (*Result, error) {
	if space == nil {
		return nil, errors.NotValidf("nil parameter space")
	}
	if !c.acquire() {
		return nil, ErrBusy
	}
	defer c.release()

	res := &Result{
		RunID:    c.newRunID(),
		Outcome:  Exhausted,
		Attempts: []AttemptRecord{},
		Started:  c.now(),
	}
	glog.Infof("run %s: %s, %d points, %d to go", res.RunID, space.Bounds(), space.Len(), space.Len()-space.Index())
	for _, o := range c.observers {
		o.RunStarted(res.RunID, space.Bounds(), space.Len())
	}

	var runErr error
	for {
		if ctx.Err() != nil {
			glog.Infof("run %s: stopped after %d attempts", res.RunID, len(res.Attempts))
			res.Stopped = true
			break
		}
		p, ok := space.Next()
		if !ok {
			break
		}
		rec, err := c.attempt(len(res.Attempts)+1, p)
		if err != nil {
			glog.Errorf("run %s: %s", res.RunID, err)
			res.Aborted = true
			runErr = err
			break
		}
		res.Attempts = append(res.Attempts, rec)
		for _, o := range c.observers {
			o.AttemptDone(res.RunID, rec)
		}
		if rec.State == Unlocked {
			res.Outcome = Success
			res.Point = &rec.Point
			c.extract(res)
			break
		}
	}
	res.Finished = c.now()
	glog.Infof("run %s: %s after %d attempts", res.RunID, res.Outcome, len(res.Attempts))
	for _, o := range c.observers {
		o.RunDone(res)
	}
	return res, runErr
}

func (c *Controller) step(ordinal int, p Point, s Step, f func(ctx context.Context) error) error {
	glog.V(2).Infof("attempt %d: %s", ordinal, s)
	// Not the run context: a stop must never interrupt an attempt halfway.
	if err := callWithTimeout(context.Background(), c.opts.CallTimeout, f); err != nil {
		return &CollaboratorFault{Ordinal: ordinal, Point: p, Step: s, Err: err}
	}
	return nil
}

func (c *Controller) attempt(ordinal int, p Point) (AttemptRecord, error) {
	glog.V(1).Infof("attempt %d: %s", ordinal, p)
	ch := c.opts.Channel
	settings := c.opts.Glitch
	settings.Offset = p.Offset
	settings.Repeat = p.Repeat

	if err := c.step(ordinal, p, StepPowerOff, func(ctx context.Context) error {
		return c.supply.Disable(ctx, ch)
	}); err != nil {
		return AttemptRecord{}, err
	}
	if err := c.step(ordinal, p, StepConfigure, func(ctx context.Context) error {
		return c.injector.Configure(ctx, settings)
	}); err != nil {
		return AttemptRecord{}, err
	}
	if err := c.step(ordinal, p, StepArm, func(ctx context.Context) error {
		return c.injector.Arm(ctx)
	}); err != nil {
		return AttemptRecord{}, err
	}
	c.sleep(c.opts.DischargeDelay)
	if err := c.step(ordinal, p, StepPowerOn, func(ctx context.Context) error {
		return c.supply.Enable(ctx, ch)
	}); err != nil {
		return AttemptRecord{}, err
	}

	// Same as step: the check finishes even if the run was stopped meanwhile.
	pr := c.lockProbe().Check(context.Background())
	rec := AttemptRecord{
		Ordinal:    ordinal,
		Point:      p,
		State:      pr.State,
		Time:       c.now(),
		CoreID:     pr.CoreID,
		Diagnostic: pr.Diagnostic(),
	}
	if c.opts.CaptureTelemetry {
		rec.Telemetry = c.telemetry(ordinal)
	}
	return rec, nil
}

func (c *Controller) telemetry(ordinal int) *Telemetry {
	tr, ok := c.supply.(TelemetryReader)
	if !ok {
		return nil
	}
	var t Telemetry
	if err := callWithTimeout(context.Background(), c.opts.CallTimeout, func(ctx context.Context) error {
		var err error
		t, err = tr.ReadTelemetry(ctx, c.opts.Channel)
		return err
	}); err != nil {
		glog.Errorf("attempt %d: failed to read telemetry: %s", ordinal, err)
		return nil
	}
	return &t
}

// extract reads the proof-of-bypass memory. A failed read does not change
// the outcome.
func (c *Controller) extract(res *Result) {
	if c.opts.ExtractWords == 0 {
		res.Memory = []uint32{}
		return
	}
	var words []uint32
	err := callWithTimeout(context.Background(), c.opts.CallTimeout, func(ctx context.Context) error {
		var err error
		words, err = c.probe.ReadMemory(ctx, c.opts.ExtractAddr, c.opts.ExtractWords)
		return err
	})
	if err != nil {
		res.ExtractionErr = errors.Annotatef(err, "failed to read %d words at 0x%08x", c.opts.ExtractWords, c.opts.ExtractAddr)
		glog.Errorf("run %s: %s", res.RunID, res.ExtractionErr)
		return
	}
	if words == nil {
		words = []uint32{}
	}
	res.Memory = words
}
