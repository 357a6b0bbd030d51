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
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/juju/errors"
	shellwords "github.com/mattn/go-shellwords"

	"github.com/mongoose-os/glitch/glitch/campaign"
	"github.com/mongoose-os/glitch/glitch/ourutil"
)

const shellHelp = `Commands:
  check, c                     power the target and check the debug port
  run, r [OFFSET_START [OFFSET_END]]
                               run the campaign, asks for the offsets if not given
  power, p [on|off|cycle]      switch the target supply, cycle if no argument
  telemetry, t                 measure the target supply
  help, h                      this text
  quit, q                      leave the shell
`

func printProbeResult(w io.Writer, pr campaign.ProbeResult) {
	if pr.State == campaign.Unlocked {
		fmt.Fprintf(w, "%s, core id 0x%08x\n", pr.State, pr.CoreID)
		return
	}
	fmt.Fprintf(w, "%s (%s): %s\n", pr.State, pr.Diagnostic(), pr.Cause)
}

func printTelemetry(w io.Writer, cols []string, t campaign.Telemetry) {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	for i, v := range []float64{t.Voltage, t.Current, t.Power, t.Energy} {
		fmt.Fprintf(tw, "%s:\t%g\n", cols[i], v)
	}
	tw.Flush()
}

// shell is the interactive front end: it keeps the bench open and lets the
// operator check the target and start runs.
type shell struct {
	in  *bufio.Reader
	out io.Writer

	supply  campaign.PowerSupply
	channel int
	columns []string
	ctl     *campaign.Controller
	bounds  campaign.Bounds

	interrupt func(ctx context.Context) (context.Context, context.CancelFunc)
	sleep     func(time.Duration)
}

func runShell(ctx context.Context) error {
	cfg, err := loadCampaign()
	if err != nil {
		return errors.Trace(err)
	}
	b, err := openBench(ctx, cfg, needAll)
	if err != nil {
		return errors.Trace(err)
	}
	defer b.Close()
	ctl, err := b.controller()
	if err != nil {
		return errors.Trace(err)
	}
	closeReporters, err := attachReporters(cfg, ctl)
	if err != nil {
		return errors.Trace(err)
	}
	defer closeReporters()
	cols, err := b.supply.ChannelColumns(cfg.Supply.Channel, cfg.Supply.Rail)
	if err != nil {
		return errors.Trace(err)
	}
	sh := &shell{
		in:        bufio.NewReader(os.Stdin),
		out:       os.Stdout,
		supply:    b.supply,
		channel:   cfg.Supply.Channel,
		columns:   cols,
		ctl:       ctl,
		bounds:    cfg.Space,
		interrupt: withInterrupt,
		sleep:     time.Sleep,
	}
	return errors.Trace(sh.loop(ctx))
}

func (sh *shell) loop(ctx context.Context) error {
	fmt.Fprint(sh.out, shellHelp)
	for {
		fmt.Fprint(sh.out, "> ")
		line, err := sh.in.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF {
				return nil
			}
			return errors.Trace(err)
		}
		args, perr := shellwords.Parse(line)
		if perr != nil {
			fmt.Fprintf(sh.out, "Error: %s\n", perr)
			continue
		}
		if len(args) == 0 {
			continue
		}
		quit, err := sh.exec(ctx, args)
		if err != nil {
			if _, ok := campaign.IsCollaboratorFault(err); ok {
				return errors.Trace(err)
			}
			fmt.Fprintf(sh.out, "Error: %s\n", err)
		}
		if quit {
			return nil
		}
	}
}

func (sh *shell) exec(ctx context.Context, args []string) (bool, error) {
	switch args[0] {
	case "check", "c":
		if err := sh.supply.Enable(ctx, sh.channel); err != nil {
			return false, errors.Annotatef(err, "failed to power the target")
		}
		pr, err := sh.ctl.CheckLock(ctx)
		if err != nil {
			return false, errors.Trace(err)
		}
		printProbeResult(sh.out, pr)
	case "run", "r":
		return false, errors.Trace(sh.run(ctx, args[1:]))
	case "power", "p":
		how := "cycle"
		if len(args) > 1 {
			how = args[1]
		}
		return false, errors.Trace(switchPower(ctx, sh.supply, sh.channel, how, sh.sleep))
	case "telemetry", "t":
		tr, ok := sh.supply.(campaign.TelemetryReader)
		if !ok {
			return false, errors.NotSupportedf("telemetry")
		}
		t, err := tr.ReadTelemetry(ctx, sh.channel)
		if err != nil {
			return false, errors.Trace(err)
		}
		printTelemetry(sh.out, sh.columns, t)
	case "help", "h", "?":
		fmt.Fprint(sh.out, shellHelp)
	case "quit", "q", "exit":
		return true, nil
	default:
		return false, errors.NotFoundf("command %q", args[0])
	}
	return false, nil
}

func (sh *shell) offset(args []string, i int, text string, def int) (int, error) {
	if i < len(args) {
		v, err := strconv.Atoi(args[i])
		if err != nil {
			return 0, errors.NotValidf("offset %q", args[i])
		}
		return v, nil
	}
	return ourutil.PromptIntFrom(sh.in, sh.out, text, def)
}

func (sh *shell) run(ctx context.Context, args []string) error {
	b := sh.bounds
	var err error
	if b.OffsetStart, err = sh.offset(args, 0, "First offset", b.OffsetStart); err != nil {
		return errors.Trace(err)
	}
	if b.OffsetEnd, err = sh.offset(args, 1, "Last offset (exclusive)", b.OffsetEnd); err != nil {
		return errors.Trace(err)
	}
	space, err := campaign.NewSpace(b)
	if err != nil {
		return errors.Trace(err)
	}
	runCtx, stop := sh.interrupt(ctx)
	defer stop()
	_, err = sh.ctl.Run(runCtx, space)
	return errors.Trace(err)
}
