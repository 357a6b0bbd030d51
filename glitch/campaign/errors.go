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
)

// ErrBusy is returned when a controller is asked to drive the hardware while
// it is already doing so.
var ErrBusy = errors.New("controller is busy")

// Step names a hardware step of an attempt.
type Step int

const (
	StepPowerOff Step = iota + 1
	StepConfigure
	StepArm
	StepPowerOn
)

func (s Step) String() string {
	switch s {
	case StepPowerOff:
		return "power off"
	case StepConfigure:
		return "configure injector"
	case StepArm:
		return "arm injector"
	case StepPowerOn:
		return "power on"
	}
	return fmt.Sprintf("step %d", int(s))
}

// CollaboratorFault is a supply or injector failure in the middle of an
// attempt. It ends the run: the hardware is left in an unknown state.
type CollaboratorFault struct {
	Ordinal int
	Point   Point
	Step    Step
	Err     error
}

func (f *CollaboratorFault) Error() string {
	return fmt.Sprintf("attempt %d (%s): %s failed: %s", f.Ordinal, f.Point, f.Step, f.Err)
}

// Cause returns the underlying driver error.
func (f *CollaboratorFault) Cause() error {
	return errors.Cause(f.Err)
}

func (f *CollaboratorFault) Unwrap() error {
	return f.Err
}

// IsCollaboratorFault reports whether err is, or was annotated from, a
// *CollaboratorFault and returns it.
func IsCollaboratorFault(err error) (*CollaboratorFault, bool) {
	for err != nil {
		if f, ok := err.(*CollaboratorFault); ok {
			return f, true
		}
		w, ok := err.(interface{ Underlying() error })
		if !ok {
			break
		}
		err = w.Underlying()
	}
	return nil, false
}

// IsConfigurationError reports whether err was caused by invalid campaign
// parameters, detected before any hardware was touched.
func IsConfigurationError(err error) bool {
	return errors.IsNotValid(err)
}
