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

// Package status serves the progress of the running campaign over HTTP.
package status

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/mongoose-os/glitch/glitch/campaign"
	"github.com/mongoose-os/glitch/glitch/report"
)

const (
	StateIdle    = "idle"
	StateRunning = "running"
	StateDone    = "done"

	// Only the most recent attempts are kept.
	maxAttempts = 1000
)

type Snapshot struct {
	State    string                  `json:"state"`
	RunID    string                  `json:"run_id,omitempty"`
	Space    *campaign.Bounds        `json:"space,omitempty"`
	Total    int                     `json:"total"`
	Attempts int                     `json:"attempts"`
	Started  *time.Time              `json:"started,omitempty"`
	Last     *campaign.AttemptRecord `json:"last,omitempty"`
	Result   *report.Summary         `json:"result,omitempty"`
}

// Board tracks campaign progress. It is a campaign.Observer and is safe to
// read from HTTP handlers while a run updates it.
type Board struct {
	lock     sync.Mutex
	snap     Snapshot
	attempts []campaign.AttemptRecord
	watchers map[chan []byte]bool
	now      func() time.Time
}

func NewBoard() *Board {
	return &Board{
		snap:     Snapshot{State: StateIdle},
		watchers: map[chan []byte]bool{},
		now:      time.Now,
	}
}

func (b *Board) RunStarted(runID string, space campaign.Bounds, total int) {
	b.lock.Lock()
	defer b.lock.Unlock()
	now := b.now()
	b.snap = Snapshot{
		State:   StateRunning,
		RunID:   runID,
		Space:   &space,
		Total:   total,
		Started: &now,
	}
	b.attempts = nil
	b.broadcast(report.StartEntry(now, runID, space, total))
}

func (b *Board) AttemptDone(runID string, rec campaign.AttemptRecord) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if runID != b.snap.RunID {
		return
	}
	b.snap.Attempts++
	b.snap.Last = &rec
	b.attempts = append(b.attempts, rec)
	if len(b.attempts) > maxAttempts {
		b.attempts = append([]campaign.AttemptRecord(nil), b.attempts[len(b.attempts)-maxAttempts:]...)
	}
	b.broadcast(report.AttemptEntry(b.now(), runID, rec))
}

func (b *Board) RunDone(res *campaign.Result) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if res.RunID != b.snap.RunID {
		return
	}
	b.snap.State = StateDone
	b.snap.Result = report.Summarize(res)
	b.broadcast(report.ResultEntry(b.now(), res))
}

func (b *Board) Snapshot() Snapshot {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.snap
}

// Attempts returns the kept attempts with ordinals above since.
func (b *Board) Attempts(since int) []campaign.AttemptRecord {
	b.lock.Lock()
	defer b.lock.Unlock()
	res := []campaign.AttemptRecord{}
	for _, r := range b.attempts {
		if r.Ordinal > since {
			res = append(res, r)
		}
	}
	return res
}

// Attempt returns a kept attempt by its ordinal.
func (b *Board) Attempt(ordinal int) (campaign.AttemptRecord, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	for _, r := range b.attempts {
		if r.Ordinal == ordinal {
			return r, true
		}
	}
	return campaign.AttemptRecord{}, false
}

// watch subscribes to progress entries, encoded as JSON.
func (b *Board) watch() chan []byte {
	b.lock.Lock()
	defer b.lock.Unlock()
	ch := make(chan []byte, 64)
	b.watchers[ch] = true
	return ch
}

func (b *Board) unwatch(ch chan []byte) {
	b.lock.Lock()
	defer b.lock.Unlock()
	delete(b.watchers, ch)
}

func (b *Board) numWatchers() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.watchers)
}

// broadcast must be called with the lock held. Slow watchers miss entries.
func (b *Board) broadcast(e *report.Entry) {
	if len(b.watchers) == 0 {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		glog.Errorf("status: failed to encode %s entry: %s", e.Kind, err)
		return
	}
	for ch := range b.watchers {
		select {
		case ch <- data:
		default:
			glog.V(1).Infof("status: watcher is behind, dropping %s entry", e.Kind)
		}
	}
}
