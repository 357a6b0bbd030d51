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
	"context"
	"fmt"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/glitch/common/ourio"
	"github.com/mongoose-os/glitch/glitch/campaign"
	"github.com/mongoose-os/glitch/glitch/config"
	"github.com/mongoose-os/glitch/glitch/devutil"
	"github.com/mongoose-os/glitch/glitch/flags"
	"github.com/mongoose-os/glitch/glitch/ourutil"
	"github.com/mongoose-os/glitch/glitch/probe"
	"github.com/mongoose-os/glitch/glitch/report"
	"github.com/mongoose-os/glitch/glitch/status"
)

const powerCyclePulse = 50 * time.Millisecond

// attachReporters adds the observers the campaign asks for to ctl. The
// returned func closes them.
func attachReporters(cfg *config.Campaign, ctl *campaign.Controller) (func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	ctl.AddObserver(report.NewConsole(os.Stdout))
	if cfg.Report.Journal != "" {
		j, err := report.OpenJournal(cfg.Report.Journal)
		if err != nil {
			return nil, errors.Trace(err)
		}
		ctl.AddObserver(j)
		closers = append(closers, func() {
			if err := j.Err(); err != nil {
				ourutil.Reportf("Journal is incomplete: %s", err)
			}
			j.Close()
		})
	}
	if cfg.Report.MQTTBroker != "" {
		p, err := report.DialMQTT(cfg.Report.MQTTBroker, cfg.Report.MQTTClientID, cfg.Report.MQTTTopic)
		if err != nil {
			closeAll()
			return nil, errors.Trace(err)
		}
		ctl.AddObserver(p)
		closers = append(closers, p.Close)
	}
	if cfg.Report.HTTPAddr != "" {
		board := status.NewBoard()
		s, err := status.Serve(cfg.Report.HTTPAddr, board)
		if err != nil {
			closeAll()
			return nil, errors.Trace(err)
		}
		ctl.AddObserver(board)
		closers = append(closers, func() { s.Close() })
		ourutil.Reportf("Status: %s", s.URL())
		if *flags.OpenBrowser {
			if err := s.OpenBrowser(); err != nil {
				glog.Errorf("failed to open the browser: %s", err)
			}
		}
	}
	return closeAll, nil
}

func writeResult(path string, res *campaign.Result) error {
	if err := ourio.WriteJSONFileAtomic(path, res, 0644); err != nil {
		return errors.Annotatef(err, "failed to write the result")
	}
	return nil
}

// resume moves space past the points already journaled.
func resume(cfg *config.Campaign, space *campaign.Space) error {
	if cfg.Report.Journal == "" {
		return errors.NotValidf("--resume without --journal")
	}
	st, err := report.LoadJournal(cfg.Report.Journal)
	if err != nil {
		return errors.Trace(err)
	}
	if err := st.Resume(space); err != nil {
		return errors.Trace(err)
	}
	if st.Last != nil {
		ourutil.Reportf("Resuming after %s, %d points journaled", st.Last, st.Attempts)
	}
	return nil
}

func runCampaign(ctx context.Context) error {
	cfg, err := loadCampaign()
	if err != nil {
		return errors.Trace(err)
	}
	space, err := campaign.NewSpace(cfg.Space)
	if err != nil {
		return errors.Trace(err)
	}
	if *flags.Resume {
		if err := resume(cfg, space); err != nil {
			return errors.Trace(err)
		}
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

	runCtx, stop := withInterrupt(ctx)
	defer stop()
	res, err := ctl.Run(runCtx, space)
	if res != nil && cfg.Report.Output != "" {
		if werr := writeResult(cfg.Report.Output, res); werr != nil {
			glog.Errorf("%s", werr)
			if err == nil {
				err = werr
			}
		}
	}
	return errors.Trace(err)
}

func checkLock(ctx context.Context) error {
	cfg, err := loadCampaign()
	if err != nil {
		return errors.Trace(err)
	}
	b, err := openBench(ctx, cfg, needSupply|needProbe)
	if err != nil {
		return errors.Trace(err)
	}
	defer b.Close()
	if err := b.supply.Enable(ctx, cfg.Supply.Channel); err != nil {
		return errors.Annotatef(err, "failed to power the target")
	}
	lp := &campaign.LockProbe{
		Probe:   b.probe,
		Target:  cfg.Target,
		Settle:  cfg.Timing.Settle,
		Timeout: cfg.Timing.CallTimeout,
	}
	printProbeResult(os.Stdout, lp.Check(ctx))
	if core, ok := b.probe.Core(); ok {
		fmt.Printf("Core: %s\n", core)
	}
	return nil
}

func power(ctx context.Context) error {
	if flag.NArg() != 2 {
		return errors.NotValidf("usage: power on|off|cycle, arguments")
	}
	cfg, err := loadCampaign()
	if err != nil {
		return errors.Trace(err)
	}
	b, err := openBench(ctx, cfg, needSupply)
	if err != nil {
		return errors.Trace(err)
	}
	defer b.Close()
	return errors.Trace(switchPower(ctx, b.supply, cfg.Supply.Channel, flag.Arg(1), time.Sleep))
}

func switchPower(ctx context.Context, s campaign.PowerSupply, ch int, how string, sleep func(time.Duration)) error {
	switch how {
	case "on":
		return errors.Trace(s.Enable(ctx, ch))
	case "off":
		return errors.Trace(s.Disable(ctx, ch))
	case "cycle":
		if err := s.Enable(ctx, ch); err != nil {
			return errors.Trace(err)
		}
		sleep(powerCyclePulse)
		return errors.Trace(s.Disable(ctx, ch))
	}
	return errors.NotValidf("power action %q", how)
}

func telemetry(ctx context.Context) error {
	cfg, err := loadCampaign()
	if err != nil {
		return errors.Trace(err)
	}
	b, err := openBench(ctx, cfg, needSupply)
	if err != nil {
		return errors.Trace(err)
	}
	defer b.Close()
	cols, err := b.supply.ChannelColumns(cfg.Supply.Channel, cfg.Supply.Rail)
	if err != nil {
		return errors.Trace(err)
	}
	t, err := b.supply.ReadTelemetry(ctx, cfg.Supply.Channel)
	if err != nil {
		return errors.Trace(err)
	}
	printTelemetry(os.Stdout, cols, t)
	return nil
}

func probeInfo(ctx context.Context) error {
	cfg, err := config.FromFlags()
	if err != nil {
		return errors.Trace(err)
	}
	// The probe alone does not need the bench lock.
	popts, err := cfg.ProbeOptions()
	if err != nil {
		return errors.Trace(err)
	}
	ctx, cancel := context.WithTimeout(ctx, *flags.Timeout)
	defer cancel()
	p, err := probe.Open(ctx, popts)
	if err != nil {
		return errors.Trace(err)
	}
	defer p.Close()
	info, err := p.Info(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Printf("%s\n", info)
	return nil
}

func ports(ctx context.Context) error {
	for _, p := range devutil.EnumerateSerialPorts() {
		fmt.Println(p)
	}
	return nil
}

func showConfig(ctx context.Context) error {
	cfg, err := config.FromFlags()
	if err != nil {
		return errors.Trace(err)
	}
	if err := cfg.Validate(); err != nil {
		ourutil.Reportf("Warning: %s", err)
	}
	data, err := cfg.Marshal()
	if err != nil {
		return errors.Trace(err)
	}
	os.Stdout.Write(data)
	return nil
}
