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
package flags

import (
	"time"

	flag "github.com/spf13/pflag"
)

var (
	Config = flag.StringP("config", "c", "", "Campaign file (YAML). Flags given explicitly override its values.")
	Target = flag.String("target", "ATSAME70Q21B", "Target device name, used to check the core found by the probe")

	Supply = flag.String("supply", "", "Power supply address: host[:port] of the raw SCPI socket, "+
		"tcp://host[:port] or serial port")
	SupplyChannel = flag.Int("supply-channel", 1, "Supply channel that feeds the target")
	Rail          = flag.String("rail", "3V3", "Name of the rail the supply feeds, for telemetry output")

	Injector = flag.String("injector", "auto", "Glitch generator port or address. "+
		"If set to 'auto', ports on the system will be enumerated and the first will be used.")
	BaudRate      = flag.Int("baud-rate", 115200, "Serial port speed of the instruments")
	ClockFreq     = flag.Float64("clock-freq", 100e6, "Glitch generator clock frequency, Hz")
	ClockSource   = flag.String("clock-source", "clkgen", "Glitch clock source: clkgen or target")
	TriggerSource = flag.String("trigger-source", "ext_single", "Glitch trigger: ext_single, ext_continuous, continuous or manual")
	OutputMode    = flag.String("output-mode", "enable_only", "Glitch output: enable_only, glitch_only, clock_xor or clock_or")
	HighPower     = flag.Bool("glitch-hp", true, "Use the high power crowbar MOSFET")
	LowPower      = flag.Bool("glitch-lp", true, "Use the low power crowbar MOSFET")

	Probe          = flag.String("probe", "", "CMSIS-DAP probe VID:PID (hex), any known probe if empty")
	ProbeSerial    = flag.String("probe-serial", "", "Serial number of the probe")
	ProbeTransport = flag.String("probe-transport", "auto", "CMSIS-DAP transport: auto, bulk (v2) or hid (v1)")
	SWDClock       = flag.Uint32("swd-clock", 4000000, "SWD clock, Hz")
	APSel          = flag.Uint8("ap-sel", 0, "Index of the core's MEM-AP")

	OffsetStart = flag.Int("offset-start", 80000, "First glitch offset, clock cycles after the trigger")
	OffsetEnd   = flag.Int("offset-end", 90000, "Glitch offset to stop at (exclusive)")
	RepeatStart = flag.Int("repeat-start", 140, "First glitch width, clock cycles")
	RepeatEnd   = flag.Int("repeat-end", 200, "Glitch width to stop at (exclusive)")
	RepeatStep  = flag.Int("repeat-step", 10, "Glitch width increment")

	Settle      = flag.Duration("settle", 500*time.Millisecond, "Time to wait after power up before checking the debug port")
	Discharge   = flag.Duration("discharge", 500*time.Millisecond, "Time to keep the target unpowered after arming")
	CallTimeout = flag.Duration("call-timeout", 5*time.Second, "Timeout of every instrument and probe operation")

	ExtractAddr  = flag.Uint32("extract-addr", 0, "Address to read once the target is unlocked")
	ExtractWords = flag.Int("extract-words", 10, "Number of 32-bit words to read once the target is unlocked")
	Telemetry    = flag.Bool("telemetry", false, "Record supply voltage, current, power and energy with every attempt")

	Journal = flag.String("journal", "", "Append every attempt to this file, one JSON object per line")
	Resume  = flag.Bool("resume", false, "Continue the sweep after the last point found in --journal")
	Output  = flag.StringP("output", "o", "", "Write the campaign result (JSON) to this file")

	MQTTBroker   = flag.String("mqtt-broker", "", "Publish attempts and results to this MQTT broker, e.g. tcp://localhost:1883")
	MQTTTopic    = flag.String("mqtt-topic", "glitch", "MQTT topic prefix")
	MQTTClientID = flag.String("mqtt-client-id", "", "MQTT client ID, random if empty")

	HTTPAddr    = flag.String("http-addr", "", "Serve campaign status on this address, e.g. 127.0.0.1:8910")
	OpenBrowser = flag.Bool("open-browser", false, "Open the status page in a browser")

	LockFile = flag.String("lock-file", "~/.glitch/bench.lock", "Lock file that keeps two campaigns off the same bench")
	Timeout  = flag.Duration("timeout", 20*time.Second, "Timeout for opening the instruments and the probe")
)
