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

// Package report writes campaign progress to the journal, the console and
// an MQTT broker. Every sink is a campaign.Observer.
package report

import (
	"time"

	"github.com/mongoose-os/glitch/glitch/campaign"
)

const (
	KindStart   = "start"
	KindAttempt = "attempt"
	KindResult  = "result"
)

// Summary is a run result without its attempt log.
type Summary struct {
	RunID           string           `json:"run_id"`
	Outcome         campaign.Outcome `json:"outcome"`
	Point           *campaign.Point  `json:"point,omitempty"`
	Memory          []uint32         `json:"memory,omitempty"`
	Attempts        int              `json:"attempts"`
	Stopped         bool             `json:"stopped,omitempty"`
	Aborted         bool             `json:"aborted,omitempty"`
	ExtractionError string           `json:"extraction_error,omitempty"`
	Started         time.Time        `json:"started"`
	Finished        time.Time        `json:"finished"`
}

func Summarize(res *campaign.Result) *Summary {
	s := &Summary{
		RunID:    res.RunID,
		Outcome:  res.Outcome,
		Point:    res.Point,
		Memory:   res.Memory,
		Attempts: len(res.Attempts),
		Stopped:  res.Stopped,
		Aborted:  res.Aborted,
		Started:  res.Started,
		Finished: res.Finished,
	}
	if res.ExtractionErr != nil {
		s.ExtractionError = res.ExtractionErr.Error()
	}
	return s
}

// Complete tells whether the run covered the rest of its space, either by
// unlocking the target or by trying every point.
func (s *Summary) Complete() bool {
	return !s.Stopped && !s.Aborted
}

// Entry is one journal line. MQTT messages carry the same objects.
type Entry struct {
	Kind  string    `json:"kind"`
	RunID string    `json:"run_id"`
	Time  time.Time `json:"time"`
	// Set on start entries.
	Space *campaign.Bounds `json:"space,omitempty"`
	Total int              `json:"total,omitempty"`
	// Set on attempt entries.
	Attempt *campaign.AttemptRecord `json:"attempt,omitempty"`
	// Set on result entries.
	Result *Summary `json:"result,omitempty"`
}

func StartEntry(now time.Time, runID string, space campaign.Bounds, total int) *Entry {
	return &Entry{Kind: KindStart, RunID: runID, Time: now, Space: &space, Total: total}
}

func AttemptEntry(now time.Time, runID string, rec campaign.AttemptRecord) *Entry {
	return &Entry{Kind: KindAttempt, RunID: runID, Time: now, Attempt: &rec}
}

func ResultEntry(now time.Time, res *campaign.Result) *Entry {
	return &Entry{Kind: KindResult, RunID: res.RunID, Time: now, Result: Summarize(res)}
}
