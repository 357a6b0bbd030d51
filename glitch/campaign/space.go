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
	"fmt"

	"github.com/juju/errors"

	"github.com/mongoose-os/glitch/common/multierror"
)

// Point identifies one glitch configuration.
type Point struct {
	Offset int `json:"offset" yaml:"offset"`
	Repeat int `json:"repeat" yaml:"repeat"`
}

func (p Point) String() string {
	return fmt.Sprintf("offset=%d repeat=%d", p.Offset, p.Repeat)
}

const maxInt = int(^uint(0) >> 1)

// Bounds are the half-open ranges a Space is generated from.
// Offsets advance by 1, repeats by RepeatStep.
type Bounds struct {
	OffsetStart int `json:"offset_start" yaml:"offset_start"`
	OffsetEnd   int `json:"offset_end" yaml:"offset_end"`
	RepeatStart int `json:"repeat_start" yaml:"repeat_start"`
	RepeatEnd   int `json:"repeat_end" yaml:"repeat_end"`
	RepeatStep  int `json:"repeat_step" yaml:"repeat_step"`
}

func (b Bounds) String() string {
	return fmt.Sprintf("offset [%d, %d) x repeat [%d, %d) step %d",
		b.OffsetStart, b.OffsetEnd, b.RepeatStart, b.RepeatEnd, b.RepeatStep)
}

// Validate checks the bounds. Empty ranges are valid, negative values and
// non-positive steps are not.
func (b Bounds) Validate() error {
	var errs error
	check := func(name string, v int) {
		if v < 0 {
			errs = multierror.Append(errs, errors.Errorf("%s must not be negative (got %d)", name, v))
		}
	}
	check("offset start", b.OffsetStart)
	check("offset end", b.OffsetEnd)
	check("repeat start", b.RepeatStart)
	check("repeat end", b.RepeatEnd)
	if b.RepeatStep <= 0 {
		errs = multierror.Append(errs, errors.Errorf("repeat step must be positive (got %d)", b.RepeatStep))
	}
	if errs == nil {
		if n := b.repeats(); n > 0 && b.offsets() > maxInt/n {
			errs = errors.Errorf("%s has more than %d points", b, maxInt)
		}
	}
	if errs != nil {
		return errors.NewNotValid(errs, "invalid parameter space")
	}
	return nil
}

func (b Bounds) offsets() int {
	if b.OffsetEnd <= b.OffsetStart {
		return 0
	}
	return b.OffsetEnd - b.OffsetStart
}

func (b Bounds) repeats() int {
	if b.RepeatEnd <= b.RepeatStart {
		return 0
	}
	return (b.RepeatEnd-b.RepeatStart-1)/b.RepeatStep + 1
}

// Space is a finite, restartable sequence of points: for each offset in
// increasing order, every repeat value in increasing order.
// A Space is not safe for concurrent use.
type Space struct {
	b    Bounds
	nrep int
	size int
	next int
}

func NewSpace(b Bounds) (*Space, error) {
	if err := b.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Space{b: b, nrep: b.repeats()}
	s.size = b.offsets() * s.nrep
	return s, nil
}

func (s *Space) Bounds() Bounds {
	return s.b
}

// Len returns the total number of points in the space.
func (s *Space) Len() int {
	return s.size
}

// Index returns the number of points handed out since the last Reset.
func (s *Space) Index() int {
	return s.next
}

func (s *Space) pointAt(i int) Point {
	return Point{
		Offset: s.b.OffsetStart + i/s.nrep,
		Repeat: s.b.RepeatStart + (i%s.nrep)*s.b.RepeatStep,
	}
}

// Next returns the next point, or false once the space is exhausted.
func (s *Space) Next() (Point, bool) {
	if s.next >= s.size {
		return Point{}, false
	}
	p := s.pointAt(s.next)
	s.next++
	return p, true
}

// Reset rewinds the space to its first point.
func (s *Space) Reset() {
	s.next = 0
}

// SkipPast positions the cursor right after p, so that the following Next
// returns the point that comes after p in enumeration order.
func (s *Space) SkipPast(p Point) error {
	if s.size == 0 {
		return errors.NotFoundf("%s in an empty space", p)
	}
	oi := p.Offset - s.b.OffsetStart
	ri := p.Repeat - s.b.RepeatStart
	if oi < 0 || oi >= s.b.offsets() || ri < 0 || ri%s.b.RepeatStep != 0 || ri/s.b.RepeatStep >= s.nrep {
		return errors.NotFoundf("%s in %s", p, s.b)
	}
	s.next = oi*s.nrep + ri/s.b.RepeatStep + 1
	return nil
}
