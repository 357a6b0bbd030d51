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

// Package scpi talks to test instruments using SCPI commands over a raw TCP
// socket or a serial port.
package scpi

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cesanta/go-serial/serial"
	"github.com/golang/glog"
	"github.com/juju/errors"
)

const (
	// DefaultPort is the raw socket port of LXI instruments.
	DefaultPort = 5025

	interCharacterTimeout = 200 * time.Millisecond
)

type Options struct {
	// BaudRate is used for serial ports, 115200 if not set.
	BaudRate uint
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Conn is a connection to one instrument. Commands are newline-terminated,
// every query is answered by exactly one line.
type Conn struct {
	addr string
	rw   io.ReadWriteCloser
	// The serial port reports io.EOF whenever the inter-character timeout
	// expires with no data. It's not an end of stream.
	idleEOF bool

	lock    sync.Mutex
	pending []byte
}

// Dial connects to an instrument. Supported addresses:
//   tcp://host[:port], host[:port]  - raw SCPI socket, port 5025 by default
//   serial:///dev/ttyACM0, serial://COM3 - USB virtual COM port
func Dial(ctx context.Context, addr string, opts *Options) (*Conn, error) {
	scheme, rest := "tcp", addr
	if i := strings.Index(addr, "://"); i > 0 {
		scheme, rest = addr[:i], addr[i+3:]
	}
	switch scheme {
	case "tcp":
		hp := rest
		if _, _, err := net.SplitHostPort(rest); err != nil {
			hp = net.JoinHostPort(rest, strconv.Itoa(DefaultPort))
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", hp)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to connect to %s", hp)
		}
		glog.Infof("Connected to %s", hp)
		return NewConn(addr, conn), nil
	case "serial":
		oo := serial.OpenOptions{
			PortName:              rest,
			BaudRate:              115200,
			DataBits:              8,
			ParityMode:            serial.PARITY_NONE,
			StopBits:              1,
			InterCharacterTimeout: uint(interCharacterTimeout / time.Millisecond),
			MinimumReadSize:       0,
		}
		if opts != nil && opts.BaudRate != 0 {
			oo.BaudRate = opts.BaudRate
		}
		s, err := serial.Open(oo)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to open %s", rest)
		}
		// Flush any data that might be not yet read
		s.Flush()
		glog.Infof("%s opened", rest)
		c := NewConn(addr, s)
		c.idleEOF = true
		return c, nil
	}
	return nil, errors.NotSupportedf("address scheme %q", scheme)
}

// NewConn wraps an established byte stream.
func NewConn(name string, rw io.ReadWriteCloser) *Conn {
	return &Conn{addr: name, rw: rw}
}

func (c *Conn) String() string {
	return c.addr
}

// withDeadline makes blocking I/O on a net.Conn obey ctx.
func (c *Conn) withDeadline(ctx context.Context, f func() error) error {
	d, ok := c.rw.(deadliner)
	if !ok {
		return f()
	}
	dl, _ := ctx.Deadline()
	if err := d.SetDeadline(dl); err != nil {
		return errors.Trace(err)
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			d.SetDeadline(time.Now())
		case <-stop:
		}
	}()
	err := f()
	if err != nil {
		if ctx.Err() != nil {
			return errors.Annotatef(ctx.Err(), "%s: %s", c.addr, err)
		}
		if !dl.IsZero() && !time.Now().Before(dl) {
			return errors.Annotatef(context.DeadlineExceeded, "%s: %s", c.addr, err)
		}
	}
	return err
}

func (c *Conn) writeLine(ctx context.Context, cmd string) error {
	glog.V(4).Infof("%s => %s", c.addr, cmd)
	if _, err := c.rw.Write([]byte(cmd + "\n")); err != nil {
		return errors.Annotatef(err, "%s: write failed", c.addr)
	}
	return nil
}

func (c *Conn) readLine(ctx context.Context) (string, error) {
	buf := make([]byte, 256)
	for {
		if i := bytes.IndexByte(c.pending, '\n'); i >= 0 {
			line := strings.TrimRight(string(c.pending[:i]), "\r")
			c.pending = c.pending[i+1:]
			glog.V(4).Infof("%s <= %s", c.addr, line)
			return line, nil
		}
		if err := ctx.Err(); err != nil {
			return "", errors.Annotatef(err, "%s: no response", c.addr)
		}
		n, err := c.rw.Read(buf)
		c.pending = append(c.pending, buf[:n]...)
		if err != nil {
			if err == io.EOF && c.idleEOF {
				continue
			}
			return "", errors.Annotatef(err, "%s: read failed", c.addr)
		}
	}
}

// Write sends a command that produces no response.
func (c *Conn) Write(ctx context.Context, cmd string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.withDeadline(ctx, func() error {
		return c.writeLine(ctx, cmd)
	})
}

// Query sends a query and returns its response line.
func (c *Conn) Query(ctx context.Context, query string) (string, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	var resp string
	err := c.withDeadline(ctx, func() error {
		if err := c.writeLine(ctx, query); err != nil {
			return err
		}
		var err error
		resp, err = c.readLine(ctx)
		return err
	})
	if err != nil {
		// A late response must not be taken for the answer to the next query.
		c.pending = nil
		return "", errors.Annotatef(err, "%s", query)
	}
	return strings.TrimSpace(resp), nil
}

// Exec sends a command followed by *OPC? and waits for the instrument to
// report that it is complete.
func (c *Conn) Exec(ctx context.Context, cmd string) error {
	resp, err := c.Query(ctx, cmd+";*OPC?")
	if err != nil {
		return errors.Trace(err)
	}
	if resp != "1" && resp != "+1" {
		return errors.Errorf("%s: %s: unexpected completion status %q", c.addr, cmd, resp)
	}
	return nil
}

// QueryFloat sends a query and parses the response as a number.
func (c *Conn) QueryFloat(ctx context.Context, query string) (float64, error) {
	resp, err := c.Query(ctx, query)
	if err != nil {
		return 0, errors.Trace(err)
	}
	v, err := strconv.ParseFloat(resp, 64)
	if err != nil {
		return 0, errors.Annotatef(err, "%s: %s: bad number", c.addr, query)
	}
	return v, nil
}

// CheckError reads the instrument's error queue and returns the first
// error in it, if any.
func (c *Conn) CheckError(ctx context.Context) error {
	resp, err := c.Query(ctx, "SYST:ERR?")
	if err != nil {
		return errors.Trace(err)
	}
	code := resp
	if i := strings.IndexByte(resp, ','); i >= 0 {
		code = resp[:i]
	}
	if n, err := strconv.Atoi(strings.TrimSpace(code)); err == nil && n == 0 {
		return nil
	}
	return errors.Errorf("%s: instrument error: %s", c.addr, resp)
}

func (c *Conn) Close() error {
	glog.V(1).Infof("closing %s", c.addr)
	return c.rw.Close()
}

// Identity is the parsed *IDN? response.
type Identity struct {
	Manufacturer string
	Model        string
	Serial       string
	Firmware     string
}

func (id Identity) String() string {
	return strings.Join([]string{id.Manufacturer, id.Model, id.Serial, id.Firmware}, ",")
}

func ParseIdentity(resp string) (Identity, error) {
	parts := strings.Split(strings.TrimSpace(resp), ",")
	if len(parts) < 2 {
		return Identity{}, errors.NotValidf("identification %q", resp)
	}
	for len(parts) < 4 {
		parts = append(parts, "")
	}
	return Identity{
		Manufacturer: strings.TrimSpace(parts[0]),
		Model:        strings.TrimSpace(parts[1]),
		Serial:       strings.TrimSpace(parts[2]),
		Firmware:     strings.TrimSpace(parts[3]),
	}, nil
}

func (c *Conn) Identify(ctx context.Context) (Identity, error) {
	resp, err := c.Query(ctx, "*IDN?")
	if err != nil {
		return Identity{}, errors.Trace(err)
	}
	return ParseIdentity(resp)
}
