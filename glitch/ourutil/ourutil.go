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
package ourutil

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

var stdin = bufio.NewReader(os.Stdin)

func Reportf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
	glog.Infof(f, args...)
}

func Freportf(logFile io.Writer, f string, args ...interface{}) {
	fmt.Fprintf(logFile, f+"\n", args...)
	glog.Infof(f, args...)
}

func Prompt(text string) string {
	return prompt(stdin, os.Stderr, text)
}

func prompt(in *bufio.Reader, out io.Writer, text string) string {
	fmt.Fprintf(out, "%s ", text)
	ans, _ := in.ReadString('\n')
	return strings.TrimSpace(ans)
}

// PromptInt asks for a number, an empty answer selects def.
func PromptInt(text string, def int) (int, error) {
	return PromptIntFrom(stdin, os.Stderr, text, def)
}

// PromptIntFrom is PromptInt on a given reader. Callers that read their own
// input from in must prompt through it too, or buffered lines are lost.
func PromptIntFrom(in *bufio.Reader, out io.Writer, text string, def int) (int, error) {
	ans := prompt(in, out, fmt.Sprintf("%s [%d]:", text, def))
	if ans == "" {
		return def, nil
	}
	v, err := strconv.Atoi(ans)
	if err != nil {
		return 0, errors.NotValidf("number %q", ans)
	}
	return v, nil
}

// HexWords formats words the way they are usually dumped: lowercase hex,
// no 0x, no padding.
func HexWords(words []uint32) string {
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = strconv.FormatUint(uint64(w), 16)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// NormalizePath expands a leading ~ to the home directory and makes the path
// absolute.
func NormalizePath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if p[0] == '~' {
		// user.Current() does not work in static builds.
		homeEnvName := "HOME"
		if runtime.GOOS == "windows" {
			homeEnvName = "USERPROFILE"
		}
		p = os.Getenv(homeEnvName) + p[1:]
	}
	p, err := filepath.Abs(p)
	if err != nil {
		return "", errors.Trace(err)
	}
	return p, nil
}
