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
package injector

import (
	"context"
	"strings"
	"testing"

	"github.com/juju/errors"

	"github.com/mongoose-os/glitch/common/scpi"
	"github.com/mongoose-os/glitch/common/scpi/scpitest"
	"github.com/mongoose-os/glitch/glitch/campaign"
)

var settings = campaign.GlitchSettings{
	ClockSource:   "clkgen",
	TriggerSource: "ext_single",
	OutputMode:    "enable_only",
}

func open(t *testing.T, table map[string]string) (*Injector, *scpitest.Instrument) {
	t.Helper()
	if table == nil {
		table = map[string]string{}
	}
	if _, ok := table["*IDN?"]; !ok {
		table["*IDN?"] = "NewAE,CW1200,0001,5.6"
	}
	if _, ok := table["ARM;*OPC?"]; !ok {
		table["ARM;*OPC?"] = "1"
	}
	inst := scpitest.NewInstrument(t, scpitest.Responder(table))
	conn, err := scpi.Dial(context.Background(), inst.Addr(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	inj, err := Open(context.Background(), conn, DefaultOptions())
	if err != nil {
		conn.Close()
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { inj.Close() })
	return inj, inst
}

func expectLines(t *testing.T, got []string, want ...string) {
	t.Helper()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("commands:\n got %q\nwant %q", got, want)
	}
}

func TestOpen(t *testing.T) {
	inj, inst := open(t, nil)
	if inj.Identity().Model != "CW1200" {
		t.Errorf("got model %q", inj.Identity().Model)
	}
	expectLines(t, inst.Lines(),
		"*IDN?",
		"*CLS",
		"CLK:FREQ 1e+08",
		"GLIT:HP ON",
		"GLIT:LP ON",
		"SYST:ERR?",
	)
}

func TestConfigureSendsStaticSettingsOnce(t *testing.T) {
	inj, inst := open(t, nil)
	ctx := context.Background()
	n := len(inst.Lines())
	for _, p := range []campaign.Point{{Offset: 80000, Repeat: 140}, {Offset: 80000, Repeat: 150}} {
		s := settings
		s.Offset, s.Repeat = p.Offset, p.Repeat
		if err := inj.Configure(ctx, s); err != nil {
			t.Fatalf("Configure(%s): %v", p, err)
		}
	}
	if err := inj.Arm(ctx); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	expectLines(t, inst.Lines()[n:],
		"GLIT:CLKS clkgen",
		"TRIG:SOUR ext_single",
		"GLIT:OUTP enable_only",
		"GLIT:EXTO 80000",
		"GLIT:REP 140",
		"SYST:ERR?",
		"GLIT:EXTO 80000",
		"GLIT:REP 150",
		"SYST:ERR?",
		"ARM;*OPC?",
	)

	// A changed static setting is sent again.
	n = len(inst.Lines())
	s := settings
	s.OutputMode = "clock_xor"
	s.Offset, s.Repeat = 1, 1
	if err := inj.Configure(ctx, s); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	expectLines(t, inst.Lines()[n:],
		"GLIT:CLKS clkgen",
		"TRIG:SOUR ext_single",
		"GLIT:OUTP clock_xor",
		"GLIT:EXTO 1",
		"GLIT:REP 1",
		"SYST:ERR?",
	)
}

func TestConfigureInstrumentError(t *testing.T) {
	errs := []string{`0,"No error"`, `-222,"Data out of range"`}
	inst := scpitest.NewInstrument(t, func(line string) (string, bool) {
		switch line {
		case "*IDN?":
			return "NewAE,CW1200,0001,5.6", true
		case "SYST:ERR?":
			resp := errs[0]
			if len(errs) > 1 {
				errs = errs[1:]
			}
			return resp, true
		}
		return "", false
	})
	conn, err := scpi.Dial(context.Background(), inst.Addr(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	inj, err := Open(context.Background(), conn, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer inj.Close()
	s := settings
	s.Offset, s.Repeat = 5, 1000000
	if err := inj.Configure(context.Background(), s); err == nil {
		t.Fatalf("Configure succeeded")
	}
	if inj.static != nil {
		t.Errorf("static settings are still cached after an error")
	}
}

func TestConfigureInvalid(t *testing.T) {
	inj, _ := open(t, nil)
	ctx := context.Background()
	s := settings
	s.ClockSource = "pll"
	s.Repeat = 1
	if err := inj.Configure(ctx, s); !errors.IsNotValid(err) {
		t.Errorf("bad clock: got %v, want not valid", err)
	}
	s = settings
	s.Offset, s.Repeat = -1, 1
	if err := inj.Configure(ctx, s); !errors.IsNotValid(err) {
		t.Errorf("negative offset: got %v, want not valid", err)
	}
}

func TestValidateSettings(t *testing.T) {
	if err := ValidateSettings(settings); err != nil {
		t.Errorf("got %v", err)
	}
	err := ValidateSettings(campaign.GlitchSettings{ClockSource: "x", TriggerSource: "y", OutputMode: "z"})
	if !errors.IsNotValid(err) {
		t.Fatalf("got %v, want not valid", err)
	}
	for _, w := range []string{"clock source", "trigger source", "output mode"} {
		if !strings.Contains(err.Error(), w) {
			t.Errorf("%q not reported in %q", w, err)
		}
	}
}

func TestValidateBounds(t *testing.T) {
	for _, c := range []struct {
		b     campaign.Bounds
		valid bool
	}{
		{campaign.Bounds{OffsetStart: 0, OffsetEnd: 1, RepeatStart: 1, RepeatEnd: 10, RepeatStep: 1}, true},
		{campaign.Bounds{OffsetStart: 0, OffsetEnd: 1, RepeatStart: 0, RepeatEnd: 10, RepeatStep: 10}, false},
		// Nothing is ever configured from an empty space.
		{campaign.Bounds{OffsetStart: 0, OffsetEnd: 1, RepeatStart: 0, RepeatEnd: 0, RepeatStep: 1}, true},
		{campaign.Bounds{OffsetStart: 5, OffsetEnd: 5, RepeatStart: 0, RepeatEnd: 10, RepeatStep: 1}, true},
	} {
		err := ValidateBounds(c.b)
		if c.valid && err != nil {
			t.Errorf("%s: got %v", c.b, err)
		}
		if !c.valid && !errors.IsNotValid(err) {
			t.Errorf("%s: got %v, want not valid", c.b, err)
		}
	}
}

var _ campaign.GlitchInjector = &Injector{}
