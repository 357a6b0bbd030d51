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
	"context"
)

// PowerSupply switches the channel that powers the target.
type PowerSupply interface {
	Enable(ctx context.Context, channel int) error
	Disable(ctx context.Context, channel int) error
}

// Telemetry is a single measurement of a supply channel.
type Telemetry struct {
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`
	Power   float64 `json:"power"`
	Energy  float64 `json:"energy"`
}

// TelemetryReader is implemented by supplies that can measure their output.
type TelemetryReader interface {
	ReadTelemetry(ctx context.Context, channel int) (Telemetry, error)
}

// GlitchSettings is the full injector configuration for one attempt.
// Clock, trigger and output are the same for the whole campaign,
// Offset and Repeat come from the current point.
type GlitchSettings struct {
	ClockSource   string `json:"clock_source" yaml:"clock_source"`
	TriggerSource string `json:"trigger_source" yaml:"trigger_source"`
	OutputMode    string `json:"output_mode" yaml:"output_mode"`
	Offset        int    `json:"offset" yaml:"-"`
	Repeat        int    `json:"repeat" yaml:"-"`
}

// GlitchInjector is the fault-injection controller.
type GlitchInjector interface {
	Configure(ctx context.Context, settings GlitchSettings) error
	// Arm makes the injector wait for its trigger condition.
	Arm(ctx context.Context) error
}

// DebugProbe is the SWD/JTAG adapter attached to the target.
type DebugProbe interface {
	Connect(ctx context.Context, target string) error
	ReadCoreID(ctx context.Context) (uint32, error)
	ReadMemory(ctx context.Context, addr uint32, words int) ([]uint32, error)
}
