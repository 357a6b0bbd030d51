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
package version

import (
	"fmt"
	"regexp"
	"runtime"
)

// Set at link time:
//   -ldflags "-X github.com/mongoose-os/glitch/version.Version=1.2 -X github.com/mongoose-os/glitch/version.BuildId=..."
var (
	Version = "latest"
	BuildId = ""
)

var regexpVersionNumber = regexp.MustCompile(`^\d+\.[0-9.]*$`)

func LooksLikeVersionNumber(s string) bool {
	return regexpVersionNumber.MatchString(s)
}

// Release tells whether this is a release build.
func Release() bool {
	return LooksLikeVersionNumber(Version)
}

func String() string {
	s := fmt.Sprintf("Version: %s", Version)
	if BuildId != "" {
		s += fmt.Sprintf("\nBuild ID: %s", BuildId)
	}
	return s + fmt.Sprintf("\nPlatform: %s/%s", runtime.GOOS, runtime.GOARCH)
}
