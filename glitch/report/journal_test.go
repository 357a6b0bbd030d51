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
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"

	"github.com/mongoose-os/glitch/glitch/campaign"
)

var (
	testBounds = campaign.Bounds{OffsetStart: 80000, OffsetEnd: 80003, RepeatStart: 140, RepeatEnd: 200, RepeatStep: 10}
	testTime   = time.Date(2019, 3, 1, 12, 0, 0, 0, time.UTC)
)

func fixedNow() time.Time { return testTime }

func lockedAt(ordinal, offset, repeat int) campaign.AttemptRecord {
	return campaign.AttemptRecord{
		Ordinal:    ordinal,
		Point:      campaign.Point{Offset: offset, Repeat: repeat},
		State:      campaign.Locked,
		Time:       testTime,
		Diagnostic: "rejected",
	}
}

// journalRun writes a run of the given attempts, finishing it with res
// unless res is nil.
func journalRun(j *Journal, runID string, b campaign.Bounds, recs []campaign.AttemptRecord, res *campaign.Result) {
	j.RunStarted(runID, b, 18)
	for _, r := range recs {
		j.AttemptDone(runID, r)
	}
	if res != nil {
		res.RunID = runID
		res.Attempts = recs
		j.RunDone(res)
	}
}

func TestJournalLines(t *testing.T) {
	var buf bytes.Buffer
	j := NewJournal(&buf)
	j.now = fixedNow
	p := campaign.Point{Offset: 80000, Repeat: 150}
	unlocked := campaign.AttemptRecord{Ordinal: 2, Point: p, State: campaign.Unlocked, Time: testTime, CoreID: 0x0bd11477}
	journalRun(j, "r1", testBounds, []campaign.AttemptRecord{lockedAt(1, 80000, 140), unlocked}, &campaign.Result{
		Outcome:       campaign.Success,
		Point:         &p,
		ExtractionErr: errors.New("probe gone"),
	})
	if err := j.Err(); err != nil {
		t.Fatalf("journal error: %s", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(lines), buf.String())
	}
	var kinds []string
	for _, l := range lines {
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(l), &m); err != nil {
			t.Fatalf("line %q: %s", l, err)
		}
		kinds = append(kinds, m["kind"].(string))
	}
	if got, want := strings.Join(kinds, ","), "start,attempt,attempt,result"; got != want {
		t.Errorf("got kinds %s, want %s", got, want)
	}
	for _, want := range []string{
		`"state":"UNLOCKED"`,
		`"core_id":198251639`,
		`"outcome":"SUCCESS"`,
		`"extraction_error":"probe gone"`,
		`"offset_start":80000`,
	} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("journal does not contain %s:\n%s", want, buf.String())
		}
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, fmt.Errorf("disk full") }

func TestJournalWriteFailure(t *testing.T) {
	j := NewJournal(failingWriter{})
	j.RunStarted("r1", testBounds, 18)
	j.AttemptDone("r1", lockedAt(1, 80000, 140))
	if err := j.Err(); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("got %v, want the write error", err)
	}
}

func TestJournalAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	for i, runID := range []string{"r1", "r2"} {
		j, err := OpenJournal(path)
		if err != nil {
			t.Fatalf("open: %s", err)
		}
		journalRun(j, runID, testBounds, []campaign.AttemptRecord{lockedAt(1, 80000, 140+10*i)}, nil)
		if err := j.Close(); err != nil {
			t.Fatalf("close: %s", err)
		}
	}
	st, err := LoadJournal(path)
	if err != nil {
		t.Fatalf("load: %s", err)
	}
	if st.RunID != "r2" || st.Attempts != 2 || st.Last == nil || *st.Last != (campaign.Point{Offset: 80000, Repeat: 150}) {
		t.Errorf("got state %+v", st)
	}
}

func TestLoadJournalMissing(t *testing.T) {
	st, err := LoadJournal(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("got %s", err)
	}
	if st.Space != nil || st.Last != nil {
		t.Errorf("got state %+v for a missing journal", st)
	}
}

func TestReadJournal(t *testing.T) {
	other := testBounds
	other.RepeatStep = 20
	for _, c := range []struct {
		name     string
		write    func(j *Journal)
		runID    string
		last     *campaign.Point
		attempts int
		done     bool
	}{
		{
			name:  "empty",
			write: func(j *Journal) {},
		},
		{
			name: "interrupted",
			write: func(j *Journal) {
				journalRun(j, "r1", testBounds, []campaign.AttemptRecord{lockedAt(1, 80000, 140), lockedAt(2, 80000, 150)}, nil)
			},
			runID:    "r1",
			last:     &campaign.Point{Offset: 80000, Repeat: 150},
			attempts: 2,
		},
		{
			name: "stopped then resumed without attempts",
			write: func(j *Journal) {
				journalRun(j, "r1", testBounds, []campaign.AttemptRecord{lockedAt(1, 80000, 140)}, &campaign.Result{Stopped: true})
				journalRun(j, "r2", testBounds, nil, nil)
			},
			runID:    "r2",
			last:     &campaign.Point{Offset: 80000, Repeat: 140},
			attempts: 1,
		},
		{
			name: "aborted",
			write: func(j *Journal) {
				journalRun(j, "r1", testBounds, []campaign.AttemptRecord{lockedAt(1, 80000, 140)}, &campaign.Result{Aborted: true})
			},
			runID:    "r1",
			last:     &campaign.Point{Offset: 80000, Repeat: 140},
			attempts: 1,
		},
		{
			name: "exhausted",
			write: func(j *Journal) {
				journalRun(j, "r1", testBounds, []campaign.AttemptRecord{lockedAt(1, 80002, 190)}, &campaign.Result{})
			},
			runID:    "r1",
			last:     &campaign.Point{Offset: 80002, Repeat: 190},
			attempts: 1,
			done:     true,
		},
		{
			name: "new space starts over",
			write: func(j *Journal) {
				journalRun(j, "r1", testBounds, []campaign.AttemptRecord{lockedAt(1, 80000, 140)}, nil)
				journalRun(j, "r2", other, nil, nil)
			},
			runID: "r2",
		},
	} {
		t.Run(c.name, func(t *testing.T) {
			var buf bytes.Buffer
			c.write(NewJournal(&buf))
			st, err := ReadJournal(&buf)
			if err != nil {
				t.Fatalf("got %s", err)
			}
			if st.RunID != c.runID {
				t.Errorf("run id: got %q, want %q", st.RunID, c.runID)
			}
			if (st.Last == nil) != (c.last == nil) || (st.Last != nil && *st.Last != *c.last) {
				t.Errorf("last: got %v, want %v", st.Last, c.last)
			}
			if st.Attempts != c.attempts {
				t.Errorf("attempts: got %d, want %d", st.Attempts, c.attempts)
			}
			if got := st.Done != nil; got != c.done {
				t.Errorf("done: got %t, want %t", got, c.done)
			}
		})
	}
}

func TestReadJournalTruncated(t *testing.T) {
	var buf bytes.Buffer
	journalRun(NewJournal(&buf), "r1", testBounds, []campaign.AttemptRecord{lockedAt(1, 80000, 140)}, nil)
	good := buf.String()

	st, err := ReadJournal(strings.NewReader(good + `{"kind":"attempt","run_id":"r1","att`))
	if err != nil {
		t.Fatalf("truncated tail: got %s", err)
	}
	if st.Attempts != 1 {
		t.Errorf("got %d attempts, want 1", st.Attempts)
	}

	if _, err := ReadJournal(strings.NewReader(`{"kind":` + "\n" + good)); err == nil {
		t.Errorf("expected an error for a broken line in the middle")
	}
}

func TestResume(t *testing.T) {
	last := campaign.Point{Offset: 80001, Repeat: 150}
	space, _ := campaign.NewSpace(testBounds)
	st := &State{Space: &testBounds, RunID: "r1", Last: &last, Attempts: 8}
	if err := st.Resume(space); err != nil {
		t.Fatalf("resume: %s", err)
	}
	if p, _ := space.Next(); p != (campaign.Point{Offset: 80001, Repeat: 160}) {
		t.Errorf("got %s after resume, want offset=80001 repeat=160", p)
	}

	other := testBounds
	other.OffsetEnd = 90000
	space, _ = campaign.NewSpace(other)
	if err := st.Resume(space); !errors.IsNotValid(err) {
		t.Errorf("mismatched space: got %v, want a not valid error", err)
	}

	space, _ = campaign.NewSpace(testBounds)
	st.Done = &Summary{RunID: "r1", Outcome: campaign.Success, Attempts: 8}
	if err := st.Resume(space); err == nil || !strings.Contains(err.Error(), "already finished") {
		t.Errorf("finished campaign: got %v", err)
	}

	space, _ = campaign.NewSpace(testBounds)
	if err := (&State{}).Resume(space); err != nil || space.Index() != 0 {
		t.Errorf("empty journal: got %v at %d", err, space.Index())
	}
}
