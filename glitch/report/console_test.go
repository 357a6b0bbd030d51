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
package report

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/juju/errors"

	"github.com/mongoose-os/glitch/glitch/campaign"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func TestConsole(t *testing.T) {
	pt := campaign.Point{Offset: 80001, Repeat: 160}
	for _, c := range []struct {
		name  string
		quiet bool
		res   campaign.Result
		want  []string
	}{
		{
			name: "success",
			res:  campaign.Result{Outcome: campaign.Success, Point: &pt, Memory: []uint32{0x20400000, 0x4f5, 0}},
			want: []string{
				"[1/18] offset=80000 repeat=140: LOCKED (timeout) 3.300V 0.012A",
				"[2/18] offset=80001 repeat=160: UNLOCKED (core id 0x0bd11477)",
				"Unlocked at offset=80001 repeat=160 after 2 attempts",
				"Memory: [20400000 4f5 0]",
			},
		},
		{
			name:  "quiet",
			quiet: true,
			res:   campaign.Result{Outcome: campaign.Success, Point: &pt, ExtractionErr: errors.New("read failed")},
			want: []string{
				"[2/18] offset=80001 repeat=160: UNLOCKED",
				"Memory read failed: read failed",
			},
		},
		{
			name: "stopped",
			res:  campaign.Result{Stopped: true},
			want: []string{"Stopped after 2 attempts"},
		},
		{
			name: "aborted",
			res:  campaign.Result{Aborted: true},
			want: []string{"Aborted after 2 attempts"},
		},
		{
			name: "exhausted",
			res:  campaign.Result{},
			want: []string{"Exhausted: no unlock in 2 attempts"},
		},
	} {
		t.Run(c.name, func(t *testing.T) {
			var buf bytes.Buffer
			con := NewConsole(&buf)
			con.Quiet = c.quiet
			recs := []campaign.AttemptRecord{
				{
					Ordinal:    1,
					Point:      campaign.Point{Offset: 80000, Repeat: 140},
					State:      campaign.Locked,
					Diagnostic: "timeout",
					Telemetry:  &campaign.Telemetry{Voltage: 3.3, Current: 0.012},
				},
				{Ordinal: 2, Point: pt, State: campaign.Unlocked, CoreID: 0x0bd11477},
			}
			con.RunStarted("r1", testBounds, 18)
			for _, r := range recs {
				con.AttemptDone("r1", r)
			}
			c.res.RunID = "r1"
			c.res.Attempts = recs
			con.RunDone(&c.res)

			out := buf.String()
			if !strings.HasPrefix(out, "Run r1: offset [80000, 80003) x repeat [140, 200) step 10, 18 points\n") {
				t.Errorf("unexpected header:\n%s", out)
			}
			for _, w := range c.want {
				if !strings.Contains(out, w+"\n") {
					t.Errorf("output does not contain %q:\n%s", w, out)
				}
			}
			if c.quiet && strings.Contains(out, "LOCKED (timeout)") {
				t.Errorf("quiet console printed a locked attempt:\n%s", out)
			}
		})
	}
}
