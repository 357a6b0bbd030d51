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
package devutil

import (
	"strings"

	"github.com/juju/errors"

	"github.com/mongoose-os/glitch/glitch/ourutil"
)

const AutoPort = "auto"

var defaultPort = getDefaultPort

// InstrumentAddr turns a user supplied instrument location into an address
// the scpi package can dial. "auto" selects the first serial port found,
// bare device names are taken to be serial ports, anything else is passed
// through.
func InstrumentAddr(what, addr string) (string, error) {
	switch {
	case addr == "":
		return "", errors.NewNotValid(nil, what+" address is not set")
	case addr == AutoPort:
		port := defaultPort()
		if port == "" {
			return "", errors.NewNotFound(nil, "no serial ports found for the "+what)
		}
		ourutil.Reportf("Using port %s for the %s", port, what)
		return "serial://" + port, nil
	case strings.Contains(addr, "://"):
		return addr, nil
	case isSerialPort(addr):
		return "serial://" + addr, nil
	}
	return "tcp://" + addr, nil
}

func isSerialPort(name string) bool {
	return strings.HasPrefix(name, "/dev/") || strings.HasPrefix(strings.ToUpper(name), "COM")
}
