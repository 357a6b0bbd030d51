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

// Package supply drives Rohde & Schwarz HMC804x laboratory power supplies.
package supply

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/glitch/common/scpi"
	"github.com/mongoose-os/glitch/glitch/campaign"
)

const modelPrefix = "HMC804"

type HMC804x struct {
	conn     *scpi.Conn
	id       scpi.Identity
	channels int

	// Channel selection and the following command must not interleave.
	lock sync.Mutex
}

// Open identifies the supply on conn and prepares energy measurement on all
// of its channels. The model name ends with the number of channels:
// HMC8041 has one, HMC8043 has three.
func Open(ctx context.Context, conn *scpi.Conn) (*HMC804x, error) {
	id, err := conn.Identify(ctx)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to identify the supply")
	}
	if !strings.HasPrefix(id.Model, modelPrefix) || len(id.Model) != len(modelPrefix)+1 {
		return nil, errors.NotSupportedf("power supply %q", id.Model)
	}
	n, err := strconv.Atoi(id.Model[len(modelPrefix):])
	if err != nil || n < 1 || n > 3 {
		return nil, errors.NotSupportedf("power supply %q", id.Model)
	}
	s := &HMC804x{conn: conn, id: id, channels: n}
	glog.Infof("%s: %s, %d channel(s)", conn, id, n)
	if err := s.resetEnergy(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	if err := s.selectChannel(ctx, 1); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

func (s *HMC804x) Identity() scpi.Identity {
	return s.id
}

func (s *HMC804x) Model() string {
	return s.id.Model
}

func (s *HMC804x) Channels() int {
	return s.channels
}

// CheckChannel returns a NotValid error if the model has no channel ch.
func (s *HMC804x) CheckChannel(ch int) error {
	if ch < 1 || ch > s.channels {
		return errors.NotValidf("channel %d (%s has %d)", ch, s.id.Model, s.channels)
	}
	return nil
}

func (s *HMC804x) resetEnergy(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	for ch := 1; ch <= s.channels; ch++ {
		if err := s.selectChannel(ctx, ch); err != nil {
			return errors.Trace(err)
		}
		if err := s.conn.Exec(ctx, "MEAS:ENER:STAT ON"); err != nil {
			return errors.Annotatef(err, "CH%d: energy measurement could not be turned on", ch)
		}
		if err := s.conn.Exec(ctx, "MEAS:ENER:RES"); err != nil {
			return errors.Annotatef(err, "CH%d: failed to reset energy counter", ch)
		}
	}
	return nil
}

// selectChannel makes ch the target of the following commands. Single
// channel models reject INST:NSEL.
func (s *HMC804x) selectChannel(ctx context.Context, ch int) error {
	if err := s.CheckChannel(ch); err != nil {
		return errors.Trace(err)
	}
	if s.channels == 1 {
		return nil
	}
	return errors.Trace(s.conn.Write(ctx, fmt.Sprintf("INST:NSEL %d", ch)))
}

func (s *HMC804x) setOutput(ctx context.Context, ch int, on bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.selectChannel(ctx, ch); err != nil {
		return errors.Trace(err)
	}
	state := "OFF"
	if on {
		state = "ON"
	}
	if err := s.conn.Exec(ctx, "OUTP "+state); err != nil {
		return errors.Annotatef(err, "CH%d: failed to turn output %s", ch, state)
	}
	glog.V(1).Infof("%s CH%d output %s", s.id.Model, ch, state)
	return nil
}

func (s *HMC804x) Enable(ctx context.Context, ch int) error {
	return s.setOutput(ctx, ch, true)
}

func (s *HMC804x) Disable(ctx context.Context, ch int) error {
	return s.setOutput(ctx, ch, false)
}

// ReadTelemetry measures voltage, current, power and the energy delivered
// since Open.
func (s *HMC804x) ReadTelemetry(ctx context.Context, ch int) (campaign.Telemetry, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var t campaign.Telemetry
	if err := s.selectChannel(ctx, ch); err != nil {
		return t, errors.Trace(err)
	}
	for _, m := range []struct {
		query string
		v     *float64
	}{
		{"MEAS:SCAL:VOLT?", &t.Voltage},
		{"MEAS:SCAL:CURR?", &t.Current},
		{"MEAS:SCAL:POW?", &t.Power},
		{"MEAS:SCAL:ENER?", &t.Energy},
	} {
		v, err := s.conn.QueryFloat(ctx, m.query)
		if err != nil {
			return t, errors.Annotatef(err, "CH%d", ch)
		}
		*m.v = v
	}
	return t, nil
}

func (s *HMC804x) Close() error {
	return s.conn.Close()
}

// Columns returns the measurement column names for every channel, labelled
// with the supply model and the name of the rail it feeds.
func (s *HMC804x) Columns(rail string) []string {
	var cols []string
	for ch := 1; ch <= s.channels; ch++ {
		p := fmt.Sprintf("%s - %s - CH%d", s.id.Model, rail, ch)
		cols = append(cols,
			p+" Voltage [V]",
			p+" Current [A]",
			p+" Power [W]",
			p+" Energy since inception [J]",
		)
	}
	return cols
}

// ChannelColumns returns the four Columns entries of channel ch.
func (s *HMC804x) ChannelColumns(ch int, rail string) ([]string, error) {
	if err := s.CheckChannel(ch); err != nil {
		return nil, errors.Trace(err)
	}
	return s.Columns(rail)[(ch-1)*4 : ch*4], nil
}
