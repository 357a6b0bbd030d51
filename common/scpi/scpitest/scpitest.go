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

// Package scpitest provides a fake SCPI instrument listening on a local TCP
// port.
package scpitest

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
)

// Handler returns the response to a command line. Lines for which reply is
// false get no response.
type Handler func(line string) (resp string, reply bool)

type Instrument struct {
	t       *testing.T
	l       net.Listener
	handler Handler

	lock  sync.Mutex
	lines []string
}

// NewInstrument starts a fake instrument. It is shut down when the test
// completes.
func NewInstrument(t *testing.T, h Handler) *Instrument {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	inst := &Instrument{t: t, l: l, handler: h}
	go inst.serve()
	t.Cleanup(inst.Close)
	return inst
}

// Addr returns the tcp:// address of the instrument.
func (inst *Instrument) Addr() string {
	return "tcp://" + inst.l.Addr().String()
}

func (inst *Instrument) serve() {
	for {
		conn, err := inst.l.Accept()
		if err != nil {
			return
		}
		go inst.handle(conn)
	}
}

func (inst *Instrument) handle(conn net.Conn) {
	defer conn.Close()
	s := bufio.NewScanner(conn)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		inst.lock.Lock()
		inst.lines = append(inst.lines, line)
		inst.lock.Unlock()
		resp, reply := inst.handler(line)
		if !reply {
			continue
		}
		if _, err := conn.Write([]byte(resp + "\n")); err != nil {
			return
		}
	}
}

// Lines returns the command lines received so far.
func (inst *Instrument) Lines() []string {
	inst.lock.Lock()
	defer inst.lock.Unlock()
	return append([]string(nil), inst.lines...)
}

func (inst *Instrument) Close() {
	inst.l.Close()
}

// Responder builds a Handler from a table of responses. Queries (lines
// containing '?') not in the table are answered with "0", commands get no
// response.
func Responder(table map[string]string) Handler {
	var lock sync.Mutex
	return func(line string) (string, bool) {
		lock.Lock()
		defer lock.Unlock()
		if resp, ok := table[line]; ok {
			return resp, true
		}
		if strings.Contains(line, "?") {
			return "0", true
		}
		return "", false
	}
}
