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
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/glitch/glitch/campaign"
)

// Journal appends campaign progress to a file, one JSON object per line.
// Write failures are logged and do not stop the campaign; the first one is
// kept and returned by Err.
type Journal struct {
	lock sync.Mutex
	w    io.Writer
	c    io.Closer
	enc  *json.Encoder
	err  error
	now  func() time.Time
}

func NewJournal(w io.Writer) *Journal {
	return &Journal{w: w, enc: json.NewEncoder(w), now: time.Now}
}

// OpenJournal opens path for appending, creating it if needed.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open journal")
	}
	j := NewJournal(f)
	j.c = f
	return j, nil
}

func (j *Journal) write(e *Entry) {
	j.lock.Lock()
	defer j.lock.Unlock()
	if err := j.enc.Encode(e); err != nil {
		glog.Errorf("journal: failed to write %s entry: %s", e.Kind, err)
		if j.err == nil {
			j.err = errors.Trace(err)
		}
	}
}

func (j *Journal) RunStarted(runID string, space campaign.Bounds, total int) {
	j.write(StartEntry(j.now(), runID, space, total))
}

func (j *Journal) AttemptDone(runID string, rec campaign.AttemptRecord) {
	j.write(AttemptEntry(j.now(), runID, rec))
}

func (j *Journal) RunDone(res *campaign.Result) {
	j.write(ResultEntry(j.now(), res))
}

func (j *Journal) Err() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.err
}

func (j *Journal) Close() error {
	if j.c == nil {
		return nil
	}
	return j.c.Close()
}

// State is what a journal says about the campaign it recorded.
type State struct {
	// Space of the most recent run.
	Space *campaign.Bounds
	// RunID of the most recent run.
	RunID string
	// Last is the last point tried over the space, across all runs.
	Last *campaign.Point
	// Attempts is the number of points tried over the space.
	Attempts int
	// Done is the summary of the most recent run if it covered the rest of
	// its space.
	Done *Summary
}

// ReadJournal replays a journal. A truncated last line, as left by a crash,
// is ignored.
func ReadJournal(r io.Reader) (*State, error) {
	st := &State{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var bad error
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if bad != nil {
			return nil, bad
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			bad = errors.Annotatef(err, "journal line %d", lineNo)
			continue
		}
		st.apply(&e)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	if bad != nil {
		glog.Warningf("ignoring %s", bad)
	}
	return st, nil
}

// LoadJournal reads the journal at path. A missing file is a journal with
// no runs.
func LoadJournal(path string) (*State, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, errors.Trace(err)
	}
	defer f.Close()
	st, err := ReadJournal(f)
	if err != nil {
		return nil, errors.Annotatef(err, "%s", path)
	}
	return st, nil
}

func (st *State) apply(e *Entry) {
	switch e.Kind {
	case KindStart:
		if e.Space == nil {
			return
		}
		if st.Space == nil || *st.Space != *e.Space {
			st.Last = nil
			st.Attempts = 0
		}
		st.Space = e.Space
		st.RunID = e.RunID
		st.Done = nil
	case KindAttempt:
		if e.RunID != st.RunID || e.Attempt == nil {
			return
		}
		p := e.Attempt.Point
		st.Last = &p
		st.Attempts++
	case KindResult:
		if e.RunID != st.RunID || e.Result == nil {
			return
		}
		if e.Result.Complete() {
			st.Done = e.Result
		}
	}
}

// Resume positions space after the last point of the journaled campaign.
// The space must have the same bounds as the journaled runs.
func (st *State) Resume(space *campaign.Space) error {
	if st.Space == nil {
		return nil
	}
	if b := space.Bounds(); b != *st.Space {
		return errors.NewNotValid(nil, fmt.Sprintf("journaled space %s does not match %s", st.Space, b))
	}
	if st.Done != nil {
		return errors.Errorf("campaign already finished: run %s, %s after %d attempts",
			st.Done.RunID, st.Done.Outcome, st.Done.Attempts)
	}
	if st.Last == nil {
		return nil
	}
	return errors.Trace(space.SkipPast(*st.Last))
}
