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
package campaign

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/juju/errors"
)

type LockState int

const (
	Locked LockState = iota
	Unlocked
)

func (s LockState) String() string {
	switch s {
	case Locked:
		return "LOCKED"
	case Unlocked:
		return "UNLOCKED"
	}
	return fmt.Sprintf("LockState(%d)", int(s))
}

func (s LockState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *LockState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "LOCKED":
		*s = Locked
	case "UNLOCKED":
		*s = Unlocked
	default:
		return errors.NotValidf("lock state %q", string(text))
	}
	return nil
}

// AttemptRecord describes one attempt. Records are created once and only
// ever appended to a run's log.
type AttemptRecord struct {
	// Ordinal is the 1-based position of the attempt within its run.
	Ordinal int       `json:"ordinal"`
	Point   Point     `json:"point"`
	State   LockState `json:"state"`
	Time    time.Time `json:"time"`
	// CoreID is the debug port IDCODE, only set when unlocked.
	CoreID uint32 `json:"core_id,omitempty"`
	// Diagnostic tells why a locked probe failed: "timeout" or "rejected".
	Diagnostic string     `json:"diagnostic,omitempty"`
	Telemetry  *Telemetry `json:"telemetry,omitempty"`
}

type Outcome int

const (
	Exhausted Outcome = iota
	Success
)

func (o Outcome) String() string {
	switch o {
	case Exhausted:
		return "EXHAUSTED"
	case Success:
		return "SUCCESS"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(text []byte) error {
	switch string(text) {
	case "EXHAUSTED":
		*o = Exhausted
	case "SUCCESS":
		*o = Success
	default:
		return errors.NotValidf("outcome %q", string(text))
	}
	return nil
}

// Result is the outcome of a campaign run.
//
// On Success, Point is the point that unlocked the target and Memory holds
// the words read from it, unless the read failed, in which case Memory is nil
// and ExtractionErr says why. On Exhausted, both Point and Memory are nil.
type Result struct {
	RunID    string          `json:"run_id"`
	Outcome  Outcome         `json:"outcome"`
	Point    *Point          `json:"point,omitempty"`
	Memory   []uint32        `json:"memory,omitempty"`
	Attempts []AttemptRecord `json:"attempts"`
	// Stopped is set when the run ended early because its context was done.
	Stopped bool `json:"stopped,omitempty"`
	// Aborted is set when a collaborator fault ended the run.
	Aborted       bool      `json:"aborted,omitempty"`
	ExtractionErr error     `json:"-"`
	Started       time.Time `json:"started"`
	Finished      time.Time `json:"finished"`
}

func (r *Result) MarshalJSON() ([]byte, error) {
	type plain Result
	var extractionErr string
	if r.ExtractionErr != nil {
		extractionErr = r.ExtractionErr.Error()
	}
	return json.Marshal(&struct {
		*plain
		ExtractionError string `json:"extraction_error,omitempty"`
	}{(*plain)(r), extractionErr})
}

// MemoryHex formats the extracted words the way they are usually reported.
func (r *Result) MemoryHex() []string {
	var res []string
	for _, w := range r.Memory {
		res = append(res, fmt.Sprintf("%08x", w))
	}
	return res
}
