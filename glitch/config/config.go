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

// Package config assembles campaign settings from the defaults, an optional
// YAML campaign file and the command line, in increasing order of priority.
package config

import (
	"io/ioutil"
	"time"

	"github.com/juju/errors"
	flag "github.com/spf13/pflag"
	yaml "gopkg.in/yaml.v2"

	"github.com/mongoose-os/glitch/common/multierror"
	"github.com/mongoose-os/glitch/glitch/campaign"
	"github.com/mongoose-os/glitch/glitch/flags"
	"github.com/mongoose-os/glitch/glitch/injector"
	"github.com/mongoose-os/glitch/glitch/probe"
	"github.com/mongoose-os/glitch/glitch/probe/cmsis-dap/dap"
)

type SupplyConfig struct {
	Addr    string `yaml:"addr"`
	Channel int    `yaml:"channel"`
	Rail    string `yaml:"rail"`
}

type InjectorConfig struct {
	Addr      string  `yaml:"addr"`
	ClockFreq float64 `yaml:"clock_freq"`
	HighPower bool    `yaml:"high_power"`
	LowPower  bool    `yaml:"low_power"`

	campaign.GlitchSettings `yaml:",inline"`
}

type ProbeConfig struct {
	ID        string `yaml:"id"`
	Serial    string `yaml:"serial"`
	Transport string `yaml:"transport"`
	ClockHz   uint32 `yaml:"clock_hz"`
	APSel     uint8  `yaml:"ap_sel"`
}

type TimingConfig struct {
	Settle      time.Duration `yaml:"settle"`
	Discharge   time.Duration `yaml:"discharge"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

type ExtractConfig struct {
	Addr  uint32 `yaml:"addr"`
	Words int    `yaml:"words"`
}

type ReportConfig struct {
	Journal      string `yaml:"journal"`
	Output       string `yaml:"output"`
	MQTTBroker   string `yaml:"mqtt_broker"`
	MQTTTopic    string `yaml:"mqtt_topic"`
	MQTTClientID string `yaml:"mqtt_client_id"`
	HTTPAddr     string `yaml:"http_addr"`
}

type Campaign struct {
	Target    string          `yaml:"target"`
	BaudRate  int             `yaml:"baud_rate"`
	Supply    SupplyConfig    `yaml:"supply"`
	Injector  InjectorConfig  `yaml:"injector"`
	Probe     ProbeConfig     `yaml:"probe"`
	Space     campaign.Bounds `yaml:"space"`
	Timing    TimingConfig    `yaml:"timing"`
	Extract   ExtractConfig   `yaml:"extract"`
	Telemetry bool            `yaml:"telemetry"`
	Report    ReportConfig    `yaml:"report"`
}

// binding copies one flag into the campaign.
type binding struct {
	flag  string
	apply func(c *Campaign)
}

var bindings = []binding{
	{"target", func(c *Campaign) { c.Target = *flags.Target }},
	{"baud-rate", func(c *Campaign) { c.BaudRate = *flags.BaudRate }},
	{"supply", func(c *Campaign) { c.Supply.Addr = *flags.Supply }},
	{"supply-channel", func(c *Campaign) { c.Supply.Channel = *flags.SupplyChannel }},
	{"rail", func(c *Campaign) { c.Supply.Rail = *flags.Rail }},
	{"injector", func(c *Campaign) { c.Injector.Addr = *flags.Injector }},
	{"clock-freq", func(c *Campaign) { c.Injector.ClockFreq = *flags.ClockFreq }},
	{"clock-source", func(c *Campaign) { c.Injector.ClockSource = *flags.ClockSource }},
	{"trigger-source", func(c *Campaign) { c.Injector.TriggerSource = *flags.TriggerSource }},
	{"output-mode", func(c *Campaign) { c.Injector.OutputMode = *flags.OutputMode }},
	{"glitch-hp", func(c *Campaign) { c.Injector.HighPower = *flags.HighPower }},
	{"glitch-lp", func(c *Campaign) { c.Injector.LowPower = *flags.LowPower }},
	{"probe", func(c *Campaign) { c.Probe.ID = *flags.Probe }},
	{"probe-serial", func(c *Campaign) { c.Probe.Serial = *flags.ProbeSerial }},
	{"probe-transport", func(c *Campaign) { c.Probe.Transport = *flags.ProbeTransport }},
	{"swd-clock", func(c *Campaign) { c.Probe.ClockHz = *flags.SWDClock }},
	{"ap-sel", func(c *Campaign) { c.Probe.APSel = *flags.APSel }},
	{"offset-start", func(c *Campaign) { c.Space.OffsetStart = *flags.OffsetStart }},
	{"offset-end", func(c *Campaign) { c.Space.OffsetEnd = *flags.OffsetEnd }},
	{"repeat-start", func(c *Campaign) { c.Space.RepeatStart = *flags.RepeatStart }},
	{"repeat-end", func(c *Campaign) { c.Space.RepeatEnd = *flags.RepeatEnd }},
	{"repeat-step", func(c *Campaign) { c.Space.RepeatStep = *flags.RepeatStep }},
	{"settle", func(c *Campaign) { c.Timing.Settle = *flags.Settle }},
	{"discharge", func(c *Campaign) { c.Timing.Discharge = *flags.Discharge }},
	{"call-timeout", func(c *Campaign) { c.Timing.CallTimeout = *flags.CallTimeout }},
	{"extract-addr", func(c *Campaign) { c.Extract.Addr = *flags.ExtractAddr }},
	{"extract-words", func(c *Campaign) { c.Extract.Words = *flags.ExtractWords }},
	{"telemetry", func(c *Campaign) { c.Telemetry = *flags.Telemetry }},
	{"journal", func(c *Campaign) { c.Report.Journal = *flags.Journal }},
	{"output", func(c *Campaign) { c.Report.Output = *flags.Output }},
	{"mqtt-broker", func(c *Campaign) { c.Report.MQTTBroker = *flags.MQTTBroker }},
	{"mqtt-topic", func(c *Campaign) { c.Report.MQTTTopic = *flags.MQTTTopic }},
	{"mqtt-client-id", func(c *Campaign) { c.Report.MQTTClientID = *flags.MQTTClientID }},
	{"http-addr", func(c *Campaign) { c.Report.HTTPAddr = *flags.HTTPAddr }},
}

// FromFlags builds the campaign from the global flag set and the file named
// by --config, if any.
func FromFlags() (*Campaign, error) {
	return Load(flag.CommandLine, *flags.Config)
}

// Load starts with the values of all flags in fs, applies the campaign file
// at path (if not empty) and then the flags that were set explicitly.
func Load(fs *flag.FlagSet, path string) (*Campaign, error) {
	c := &Campaign{}
	for _, b := range bindings {
		b.apply(c)
	}
	if path != "" {
		data, err := ioutil.ReadFile(path)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to read campaign file")
		}
		if err := yaml.UnmarshalStrict(data, c); err != nil {
			return nil, errors.Annotatef(err, "%s", path)
		}
	}
	for _, b := range bindings {
		if f := fs.Lookup(b.flag); f != nil && f.Changed {
			b.apply(c)
		}
	}
	return c, nil
}

// ControllerOptions returns the campaign.Options described by c.
func (c *Campaign) ControllerOptions() campaign.Options {
	return campaign.Options{
		Target:           c.Target,
		Channel:          c.Supply.Channel,
		Glitch:           c.Injector.GlitchSettings,
		SettleDelay:      c.Timing.Settle,
		DischargeDelay:   c.Timing.Discharge,
		CallTimeout:      c.Timing.CallTimeout,
		ExtractAddr:      c.Extract.Addr,
		ExtractWords:     c.Extract.Words,
		CaptureTelemetry: c.Telemetry,
	}
}

func (c *Campaign) InjectorOptions() injector.Options {
	return injector.Options{
		ClockFreq: c.Injector.ClockFreq,
		HighPower: c.Injector.HighPower,
		LowPower:  c.Injector.LowPower,
	}
}

func (c *Campaign) ProbeOptions() (probe.Options, error) {
	opts := probe.Options{
		Options: dap.Options{
			Serial:    c.Probe.Serial,
			Transport: c.Probe.Transport,
		},
		ClockHz: c.Probe.ClockHz,
		APSel:   c.Probe.APSel,
	}
	if c.Probe.ID != "" {
		id, err := dap.ParseUSBID(c.Probe.ID)
		if err != nil {
			return opts, errors.Trace(err)
		}
		opts.IDs = []dap.USBID{id}
	}
	return opts, nil
}

func (c *Campaign) Validate() error {
	var errs error
	if err := c.Space.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}
	opts := c.ControllerOptions()
	if err := opts.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := injector.ValidateBounds(c.Space); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := injector.ValidateSettings(c.Injector.GlitchSettings); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.Injector.ClockFreq <= 0 {
		errs = multierror.Append(errs, errors.Errorf("glitch clock frequency must be positive"))
	}
	if _, err := c.ProbeOptions(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.BaudRate <= 0 {
		errs = multierror.Append(errs, errors.Errorf("baud rate must be positive"))
	}
	if errs != nil {
		return errors.NewNotValid(errs, "invalid campaign")
	}
	return nil
}

// Marshal returns the effective campaign as YAML.
func (c *Campaign) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	return data, errors.Trace(err)
}
