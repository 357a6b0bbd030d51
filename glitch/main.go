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
	"os/signal"
	"sync"
	"syscall"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/glitch/common/pflagenv"
	"github.com/mongoose-os/glitch/glitch/ourutil"
	"github.com/mongoose-os/glitch/version"
)

const (
	envPrefix = "GLITCH_"
)

var (
	versionFlag = flag.Bool("version", false, "Print version and exit")
	helpFull    = flag.Bool("helpfull", false, "Show full help, including advanced flags")
)

var (
	instrumentFlags = []string{"config", "supply", "supply-channel", "injector", "baud-rate", "lock-file", "timeout"}
	probeFlags      = []string{"target", "probe", "probe-serial", "probe-transport", "swd-clock", "ap-sel", "settle", "call-timeout"}
	glitchFlags     = []string{"clock-freq", "clock-source", "trigger-source", "output-mode", "glitch-hp", "glitch-lp", "discharge"}
	spaceFlags      = []string{"offset-start", "offset-end", "repeat-start", "repeat-end", "repeat-step"}
	reportFlags     = []string{"journal", "resume", "output", "telemetry", "extract-addr", "extract-words", "mqtt-broker", "mqtt-topic", "mqtt-client-id", "http-addr", "open-browser"}

	commands = []command{
		{"run", runCampaign, "", `Sweep the glitch parameter space until the target unlocks`,
			[]string{"supply"}, join(instrumentFlags, probeFlags, glitchFlags, spaceFlags, reportFlags)},
		{"check", checkLock, "", `Power the target and check whether its debug port is locked`,
			[]string{"supply"}, join(instrumentFlags, probeFlags)},
		{"power", power, "on|off|cycle", `Switch the target supply`,
			[]string{"supply"}, instrumentFlags},
		{"telemetry", telemetry, "", `Measure the target supply`,
			[]string{"supply"}, append(instrumentFlags, "rail")},
		{"probe-info", probeInfo, "", `Show the CMSIS-DAP probe`,
			[]string{}, probeFlags},
		{"ports", ports, "", `List serial ports the instruments may be attached to`,
			[]string{}, []string{}},
		{"shell", runShell, "", `Interactive session: check, run, power, telemetry`,
			[]string{"supply"}, join(instrumentFlags, probeFlags, glitchFlags, spaceFlags, reportFlags)},
		{"config", showConfig, "", `Print the effective campaign file`,
			[]string{}, []string{"config"}},
	}
)

type command struct {
	name     string
	handler  handler
	args     string
	short    string
	required []string
	optional []string
}

type handler func(ctx context.Context) error

func join(lists ...[]string) []string {
	var res []string
	for _, l := range lists {
		res = append(res, l...)
	}
	return res
}

func findCommand(name string) *command {
	for i := range commands {
		if commands[i].name == name {
			return &commands[i]
		}
	}
	return nil
}

// withInterrupt returns a context that is cancelled by SIGINT or SIGTERM.
// A second signal exits the process.
func withInterrupt(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			ourutil.Reportf("\nStopping after the current attempt, interrupt again to exit now")
			cancel()
		case <-done:
			return
		}
		select {
		case <-sigCh:
			os.Exit(1)
		case <-done:
		}
	}()
	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			cancel()
			close(done)
		})
	}
}

func run() error {
	c := findCommand(flag.Arg(0))
	if c == nil {
		usage()
		if flag.NArg() > 0 {
			return errors.NotFoundf("command %q", flag.Arg(0))
		}
		return nil
	}
	if err := checkFlags(c.required); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.handler(context.Background()))
}

func main() {
	initFlags()
	flag.Parse()
	if _, err := pflagenv.Parse(envPrefix); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}

	if *helpFull {
		unhideFlags()
		usage()
		return
	} else if *versionFlag {
		fmt.Printf("%s\n%s\n", "The voltage glitch campaign tool", version.String())
		return
	}

	if err := run(); err != nil {
		glog.Infof("Error: %+v", err)
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
