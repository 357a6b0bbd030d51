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

// Package injector drives a clock/voltage glitch generator that accepts
// SCPI commands on a serial or network port.
package injector

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/glitch/common/multierror"
	"github.com/mongoose-os/glitch/common/scpi"
	"github.com/mongoose-os/glitch/glitch/campaign"
)

var (
	ClockSources   = []string{"clkgen", "target"}
	TriggerSources = []string{"ext_single", "ext_continuous", "continuous", "manual"}
	OutputModes    = []string{"enable_only", "glitch_only", "clock_xor", "clock_or"}
)

type Options struct {
	// ClockFreq is the frequency of the internal clock generator, Hz.
	ClockFreq float64
	// HighPower and LowPower enable the crowbar MOSFETs.
	HighPower bool
	LowPower  bool
}

func DefaultOptions() Options {
	return Options{ClockFreq: 100e6, HighPower: true, LowPower: true}
}

type Injector struct {
	conn *scpi.Conn
	id   scpi.Identity

	lock sync.Mutex
	// Settings that were last sent, only offset and repeat change between
	// attempts.
	static *campaign.GlitchSettings
}

// Open identifies the glitch generator on conn and applies opts.
func Open(ctx context.Context, conn *scpi.Conn, opts Options) (*Injector, error) {
	id, err := conn.Identify(ctx)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to identify the glitch generator")
	}
	glog.Infof("%s: %s", conn, id)
	inj := &Injector{conn: conn, id: id}
	cmds := []string{
		"*CLS",
		fmt.Sprintf("CLK:FREQ %g", opts.ClockFreq),
		"GLIT:HP " + onOff(opts.HighPower),
		"GLIT:LP " + onOff(opts.LowPower),
	}
	for _, cmd := range cmds {
		if err := conn.Write(ctx, cmd); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if err := conn.CheckError(ctx); err != nil {
		return nil, errors.Annotatef(err, "setup failed")
	}
	return inj, nil
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func oneOf(what, v string, allowed []string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return errors.NotValidf("%s %q (must be one of %s)", what, v, strings.Join(allowed, ", "))
}

// ValidateSettings checks everything but offset and repeat.
func ValidateSettings(s campaign.GlitchSettings) error {
	var errs error
	errs = multierror.Append(errs, oneOf("clock source", s.ClockSource, ClockSources))
	errs = multierror.Append(errs, oneOf("trigger source", s.TriggerSource, TriggerSources))
	errs = multierror.Append(errs, oneOf("output mode", s.OutputMode, OutputModes))
	if errs != nil {
		return errors.NewNotValid(errs, "invalid glitch settings")
	}
	return nil
}

// ValidateBounds checks that every point of a space can be configured. The
// generator needs at least one pulse per trigger.
func ValidateBounds(b campaign.Bounds) error {
	if b.RepeatEnd > b.RepeatStart && b.OffsetEnd > b.OffsetStart && b.RepeatStart < 1 {
		return errors.NotValidf("repeat start %d (the glitch generator needs at least 1)", b.RepeatStart)
	}
	return nil
}

func (inj *Injector) Identity() scpi.Identity {
	return inj.id
}

func (inj *Injector) Configure(ctx context.Context, s campaign.GlitchSettings) error {
	inj.lock.Lock()
	defer inj.lock.Unlock()
	if s.Offset < 0 || s.Repeat < 1 {
		return errors.NotValidf("offset %d, repeat %d", s.Offset, s.Repeat)
	}
	var cmds []string
	st := s
	st.Offset, st.Repeat = 0, 0
	if inj.static == nil || *inj.static != st {
		if err := ValidateSettings(s); err != nil {
			return errors.Trace(err)
		}
		cmds = append(cmds,
			"GLIT:CLKS "+s.ClockSource,
			"TRIG:SOUR "+s.TriggerSource,
			"GLIT:OUTP "+s.OutputMode,
		)
	}
	cmds = append(cmds,
		fmt.Sprintf("GLIT:EXTO %d", s.Offset),
		fmt.Sprintf("GLIT:REP %d", s.Repeat),
	)
	for _, cmd := range cmds {
		if err := inj.conn.Write(ctx, cmd); err != nil {
			inj.static = nil
			return errors.Trace(err)
		}
	}
	if err := inj.conn.CheckError(ctx); err != nil {
		// Don't know which of the commands failed, resend all next time.
		inj.static = nil
		return errors.Annotatef(err, "offset %d repeat %d", s.Offset, s.Repeat)
	}
	inj.static = &st
	return nil
}

// Arm makes the generator fire on the next trigger.
func (inj *Injector) Arm(ctx context.Context) error {
	inj.lock.Lock()
	defer inj.lock.Unlock()
	return errors.Annotatef(inj.conn.Exec(ctx, "ARM"), "arm")
}

// State returns the capture state of the generator, for diagnostics.
func (inj *Injector) State(ctx context.Context) (string, error) {
	inj.lock.Lock()
	defer inj.lock.Unlock()
	return inj.conn.Query(ctx, "ADC:STAT?")
}

func (inj *Injector) Close() error {
	return inj.conn.Close()
}
