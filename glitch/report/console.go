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
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/mongoose-os/glitch/glitch/campaign"
	"github.com/mongoose-os/glitch/glitch/ourutil"
)

var (
	lockedColor   = color.New(color.FgRed)
	unlockedColor = color.New(color.FgGreen, color.Bold)
	warnColor     = color.New(color.FgYellow)
)

// Console prints one line per attempt and the final result.
type Console struct {
	lock  sync.Mutex
	w     io.Writer
	total int
	// Quiet suppresses the per-attempt lines of locked attempts.
	Quiet bool
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) RunStarted(runID string, space campaign.Bounds, total int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.total = total
	ourutil.Freportf(c.w, "Run %s: %s, %d points", runID, space, total)
}

func (c *Console) AttemptDone(runID string, rec campaign.AttemptRecord) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if rec.State == campaign.Locked && c.Quiet {
		return
	}
	state := lockedColor.Sprint(rec.State)
	if rec.State == campaign.Unlocked {
		state = unlockedColor.Sprint(rec.State)
	}
	line := fmt.Sprintf("[%d/%d] %s: %s", rec.Ordinal, c.total, rec.Point, state)
	switch {
	case rec.State == campaign.Unlocked:
		line += fmt.Sprintf(" (core id 0x%08x)", rec.CoreID)
	case rec.Diagnostic != "":
		line += fmt.Sprintf(" (%s)", rec.Diagnostic)
	}
	if t := rec.Telemetry; t != nil {
		line += fmt.Sprintf(" %.3fV %.3fA", t.Voltage, t.Current)
	}
	fmt.Fprintln(c.w, line)
}

func (c *Console) RunDone(res *campaign.Result) {
	c.lock.Lock()
	defer c.lock.Unlock()
	n := len(res.Attempts)
	switch {
	case res.Outcome == campaign.Success:
		fmt.Fprintf(c.w, "%s at %s after %d attempts\n", unlockedColor.Sprint("Unlocked"), res.Point, n)
		if res.ExtractionErr != nil {
			fmt.Fprintf(c.w, "%s %s\n", warnColor.Sprint("Memory read failed:"), res.ExtractionErr)
		} else {
			fmt.Fprintf(c.w, "Memory: %s\n", ourutil.HexWords(res.Memory))
		}
	case res.Stopped:
		fmt.Fprintf(c.w, "%s after %d attempts\n", warnColor.Sprint("Stopped"), n)
	case res.Aborted:
		fmt.Fprintf(c.w, "%s after %d attempts\n", lockedColor.Sprint("Aborted"), n)
	default:
		fmt.Fprintf(c.w, "%s: no unlock in %d attempts\n", lockedColor.Sprint("Exhausted"), n)
	}
}
