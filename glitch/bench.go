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
	"os"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flock "github.com/theckman/go-flock"

	"github.com/mongoose-os/glitch/common/scpi"
	"github.com/mongoose-os/glitch/glitch/campaign"
	"github.com/mongoose-os/glitch/glitch/config"
	"github.com/mongoose-os/glitch/glitch/devutil"
	"github.com/mongoose-os/glitch/glitch/flags"
	"github.com/mongoose-os/glitch/glitch/injector"
	"github.com/mongoose-os/glitch/glitch/ourutil"
	"github.com/mongoose-os/glitch/glitch/probe"
	"github.com/mongoose-os/glitch/glitch/supply"
)

type benchParts int

const (
	needSupply benchParts = 1 << iota
	needInjector
	needProbe

	needAll = needSupply | needInjector | needProbe
)

// bench holds the instruments of one glitching setup. The lock keeps other
// processes off the same instruments while it is open.
type bench struct {
	cfg      *config.Campaign
	lock     *flock.Flock
	supply   *supply.HMC804x
	injector *injector.Injector
	probe    *probe.Probe
}

func loadCampaign() (*config.Campaign, error) {
	cfg, err := config.FromFlags()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

func lockBench(path string) (*flock.Flock, error) {
	path, err := ourutil.NormalizePath(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Trace(err)
	}
	fl := flock.NewFlock(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to lock %s", path)
	}
	if !locked {
		return nil, errors.Errorf("the bench is in use by another process (%s is locked)", path)
	}
	glog.V(1).Infof("locked %s", path)
	return fl, nil
}

func openBench(ctx context.Context, cfg *config.Campaign, parts benchParts) (_ *bench, err error) {
	b := &bench{cfg: cfg}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()
	if b.lock, err = lockBench(*flags.LockFile); err != nil {
		return nil, errors.Trace(err)
	}
	ctx, cancel := context.WithTimeout(ctx, *flags.Timeout)
	defer cancel()
	opts := &scpi.Options{BaudRate: uint(cfg.BaudRate)}
	if parts&needSupply != 0 {
		addr, err := devutil.InstrumentAddr("supply", cfg.Supply.Addr)
		if err != nil {
			return nil, errors.Trace(err)
		}
		conn, err := scpi.Dial(ctx, addr, opts)
		if err != nil {
			return nil, errors.Annotatef(err, "supply")
		}
		if b.supply, err = supply.Open(ctx, conn); err != nil {
			conn.Close()
			return nil, errors.Trace(err)
		}
		ourutil.Reportf("Supply: %s", b.supply.Identity())
		if err := b.supply.CheckChannel(cfg.Supply.Channel); err != nil {
			return nil, errors.Annotatef(err, "supply")
		}
	}
	if parts&needInjector != 0 {
		addr, err := devutil.InstrumentAddr("glitch generator", cfg.Injector.Addr)
		if err != nil {
			return nil, errors.Trace(err)
		}
		conn, err := scpi.Dial(ctx, addr, opts)
		if err != nil {
			return nil, errors.Annotatef(err, "glitch generator")
		}
		if b.injector, err = injector.Open(ctx, conn, cfg.InjectorOptions()); err != nil {
			conn.Close()
			return nil, errors.Trace(err)
		}
		ourutil.Reportf("Glitch generator: %s", b.injector.Identity())
	}
	if parts&needProbe != 0 {
		popts, err := cfg.ProbeOptions()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if b.probe, err = probe.Open(ctx, popts); err != nil {
			return nil, errors.Annotatef(err, "debug probe")
		}
		if info, err := b.probe.Info(ctx); err == nil {
			ourutil.Reportf("Probe: %s", info)
		}
	}
	return b, nil
}

// controller needs all parts of the bench.
func (b *bench) controller() (*campaign.Controller, error) {
	return campaign.NewController(b.supply, b.injector, b.probe, b.cfg.ControllerOptions())
}

func (b *bench) Close() {
	if b.probe != nil {
		b.probe.Close()
	}
	if b.injector != nil {
		b.injector.Close()
	}
	if b.supply != nil {
		b.supply.Close()
	}
	if b.lock != nil {
		if err := b.lock.Unlock(); err != nil {
			glog.Errorf("failed to unlock the bench: %s", err)
		}
	}
}
