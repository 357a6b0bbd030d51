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
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
)

// bench fakes all three devices and records the calls made to them.
type bench struct {
	calls   []string
	current Point

	unlock  func(p Point) bool
	failOn  map[string]int // method -> 1-based call number that fails
	counts  map[string]int
	mem     []uint32
	memErr  error
	telem   *Telemetry
	connErr error
}

func newBench() *bench {
	return &bench{
		unlock: func(Point) bool { return false },
		failOn: map[string]int{},
		counts: map[string]int{},
		mem:    []uint32{0x20400000, 0x004009b5},
	}
}

func (b *bench) record(method, args string) error {
	b.counts[method]++
	b.calls = append(b.calls, method+args)
	if n, ok := b.failOn[method]; ok && n == b.counts[method] {
		return errors.Errorf("%s: instrument not responding", method)
	}
	return nil
}

func (b *bench) Enable(ctx context.Context, ch int) error {
	return b.record("Enable", fmt.Sprintf("(%d)", ch))
}

func (b *bench) Disable(ctx context.Context, ch int) error {
	return b.record("Disable", fmt.Sprintf("(%d)", ch))
}

func (b *bench) ReadTelemetry(ctx context.Context, ch int) (Telemetry, error) {
	if err := b.record("ReadTelemetry", ""); err != nil {
		return Telemetry{}, err
	}
	return *b.telem, nil
}

func (b *bench) Configure(ctx context.Context, s GlitchSettings) error {
	b.current = Point{Offset: s.Offset, Repeat: s.Repeat}
	return b.record("Configure", fmt.Sprintf("(%s,%d,%d)", s.ClockSource, s.Offset, s.Repeat))
}

func (b *bench) Arm(ctx context.Context) error {
	return b.record("Arm", "")
}

func (b *bench) Connect(ctx context.Context, target string) error {
	b.record("Connect", "("+target+")")
	if b.unlock(b.current) {
		return nil
	}
	if b.connErr != nil {
		return b.connErr
	}
	return errors.Errorf("could not connect to target: DAP transfer failed")
}

func (b *bench) ReadCoreID(ctx context.Context) (uint32, error) {
	b.record("ReadCoreID", "")
	return 0x411fc271, nil
}

func (b *bench) ReadMemory(ctx context.Context, addr uint32, words int) ([]uint32, error) {
	b.record("ReadMemory", fmt.Sprintf("(0x%x,%d)", addr, words))
	if b.memErr != nil {
		return nil, b.memErr
	}
	return b.mem, nil
}

type recorder struct {
	started   int
	attempts  []AttemptRecord
	done      *Result
	onAttempt func(rec AttemptRecord)
}

func (r *recorder) RunStarted(runID string, b Bounds, total int) { r.started = total }
func (r *recorder) AttemptDone(runID string, rec AttemptRecord) {
	r.attempts = append(r.attempts, rec)
	if r.onAttempt != nil {
		r.onAttempt(rec)
	}
}
func (r *recorder) RunDone(res *Result) { r.done = res }

func testOptions() Options {
	opts := DefaultOptions()
	opts.Target = "ATSAME70Q21B"
	opts.Glitch = GlitchSettings{ClockSource: "clkgen", TriggerSource: "ext_single", OutputMode: "enable_only"}
	return opts
}

func newTestController(t *testing.T, b *bench, opts Options) (*Controller, *[]time.Duration) {
	c, err := NewController(b, b, b, opts)
	if err != nil {
		t.Fatal(err)
	}
	var sleeps []time.Duration
	c.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	c.newRunID = func() string { return "test-run" }
	return c, &sleeps
}

func scenarioSpace(t *testing.T) *Space {
	s, err := NewSpace(Bounds{OffsetStart: 80000, OffsetEnd: 80003, RepeatStart: 140, RepeatEnd: 200, RepeatStep: 10})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRunExhausted(t *testing.T) {
	b := newBench()
	c, _ := newTestController(t, b, testOptions())
	rec := &recorder{}
	c.AddObserver(rec)
	space := scenarioSpace(t)

	res, err := c.Run(context.Background(), space)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Exhausted || res.Point != nil || res.Memory != nil {
		t.Errorf("got %s %v %v, want EXHAUSTED with no point and no memory", res.Outcome, res.Point, res.Memory)
	}
	if got, want := len(res.Attempts), space.Len(); got != want {
		t.Errorf("got %d attempts, want %d", got, want)
	}
	for i, a := range res.Attempts {
		if a.Ordinal != i+1 || a.State != Locked || a.Diagnostic != DiagnosticRejected {
			t.Errorf("attempt %d: %+v", i, a)
		}
	}
	if rec.started != 18 || len(rec.attempts) != 18 || rec.done != res {
		t.Errorf("observer saw %d/%d attempts, done %v", rec.started, len(rec.attempts), rec.done)
	}
	if b.counts["ReadMemory"] != 0 {
		t.Errorf("memory must not be read when the target stays locked")
	}
}

func TestRunScenarioUnlock(t *testing.T) {
	b := newBench()
	b.unlock = func(p Point) bool { return p == Point{80001, 160} }
	c, _ := newTestController(t, b, testOptions())

	res, err := c.Run(context.Background(), scenarioSpace(t))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Success {
		t.Fatalf("got %s, want SUCCESS", res.Outcome)
	}
	if got, want := len(res.Attempts), 9; got != want {
		t.Errorf("got %d attempts, want %d", got, want)
	}
	if res.Point == nil || *res.Point != (Point{80001, 160}) {
		t.Errorf("got point %v, want offset=80001 repeat=160", res.Point)
	}
	if !reflect.DeepEqual(res.Memory, b.mem) {
		t.Errorf("got memory %v, want %v", res.Memory, b.mem)
	}
	if got, want := res.MemoryHex(), []string{"20400000", "004009b5"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	last := res.Attempts[8]
	if last.State != Unlocked || last.CoreID != 0x411fc271 || last.Diagnostic != "" {
		t.Errorf("last attempt: %+v", last)
	}
	if got, want := b.counts["Configure"], 9; got != want {
		t.Errorf("injector configured %d times, want %d", got, want)
	}
	if got, want := b.calls[len(b.calls)-1], "ReadMemory(0x0,10)"; got != want {
		t.Errorf("last call %q, want %q", got, want)
	}
}

func TestRunStopsAtFirstUnlock(t *testing.T) {
	for k := 1; k <= 18; k++ {
		b := newBench()
		n := 0
		b.unlock = func(p Point) bool {
			n++
			return n >= k
		}
		c, _ := newTestController(t, b, testOptions())
		res, err := c.Run(context.Background(), scenarioSpace(t))
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != Success || len(res.Attempts) != k {
			t.Errorf("k=%d: got %s with %d attempts", k, res.Outcome, len(res.Attempts))
		}
		if b.counts["Connect"] != k {
			t.Errorf("k=%d: %d connects, points after the unlock were tried", k, b.counts["Connect"])
		}
	}
}

func TestAttemptSequence(t *testing.T) {
	b := newBench()
	b.unlock = func(p Point) bool { return p.Repeat == 150 }
	opts := testOptions()
	opts.Channel = 2
	opts.DischargeDelay = 300 * time.Millisecond
	opts.SettleDelay = 700 * time.Millisecond
	c, sleeps := newTestController(t, b, opts)
	s, err := NewSpace(Bounds{OffsetStart: 5, OffsetEnd: 6, RepeatStart: 140, RepeatEnd: 160, RepeatStep: 10})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"Disable(2)", "Configure(clkgen,5,140)", "Arm", "Enable(2)", "Connect(ATSAME70Q21B)",
		"Disable(2)", "Configure(clkgen,5,150)", "Arm", "Enable(2)", "Connect(ATSAME70Q21B)", "ReadCoreID",
		"ReadMemory(0x0,10)",
	}
	if !reflect.DeepEqual(b.calls, want) {
		t.Errorf("got calls\n%s\nwant\n%s", strings.Join(b.calls, "\n"), strings.Join(want, "\n"))
	}
	wantSleeps := []time.Duration{300 * time.Millisecond, 700 * time.Millisecond, 300 * time.Millisecond, 700 * time.Millisecond}
	if !reflect.DeepEqual(*sleeps, wantSleeps) {
		t.Errorf("got sleeps %v, want %v", *sleeps, wantSleeps)
	}
}

func TestRunEmptySpace(t *testing.T) {
	b := newBench()
	c, _ := newTestController(t, b, testOptions())
	s, err := NewSpace(Bounds{OffsetStart: 80000, OffsetEnd: 80000, RepeatStart: 140, RepeatEnd: 200, RepeatStep: 10})
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.Run(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Exhausted || len(res.Attempts) != 0 {
		t.Errorf("got %s with %d attempts", res.Outcome, len(res.Attempts))
	}
	if len(b.calls) != 0 {
		t.Errorf("no device calls expected, got %v", b.calls)
	}
}

func TestRunFaultPreservesAttempts(t *testing.T) {
	b := newBench()
	b.failOn["Configure"] = 5
	c, _ := newTestController(t, b, testOptions())
	rec := &recorder{}
	c.AddObserver(rec)

	res, err := c.Run(context.Background(), scenarioSpace(t))
	if err == nil {
		t.Fatal("expected a fault")
	}
	f, ok := IsCollaboratorFault(err)
	if !ok {
		t.Fatalf("%q is not a collaborator fault", err)
	}
	if f.Step != StepConfigure || f.Ordinal != 5 || f.Point != (Point{80000, 180}) {
		t.Errorf("got fault %+v", f)
	}
	if !strings.Contains(err.Error(), "configure injector failed") {
		t.Errorf("error %q does not name the step", err)
	}
	if res == nil || len(res.Attempts) != 4 {
		t.Fatalf("want the 4 completed attempts in the partial result, got %+v", res)
	}
	if res.Outcome != Exhausted || res.Stopped || !res.Aborted {
		t.Errorf("partial result: %s stopped=%t aborted=%t", res.Outcome, res.Stopped, res.Aborted)
	}
	if rec.done != res {
		t.Errorf("observers were not told about the aborted run")
	}
	// Nothing after the failing call.
	if got, want := b.calls[len(b.calls)-1], "Configure(clkgen,80000,180)"; got != want {
		t.Errorf("last call %q, want %q", got, want)
	}
}

func TestRunFaultEverySupplyStep(t *testing.T) {
	for _, c := range []struct {
		method string
		step   Step
	}{
		{"Disable", StepPowerOff},
		{"Arm", StepArm},
		{"Enable", StepPowerOn},
	} {
		b := newBench()
		b.failOn[c.method] = 2
		ctl, _ := newTestController(t, b, testOptions())
		res, err := ctl.Run(context.Background(), scenarioSpace(t))
		f, ok := IsCollaboratorFault(err)
		if !ok {
			t.Errorf("%s: got %v, want a fault", c.method, err)
			continue
		}
		if f.Step != c.step || f.Ordinal != 2 || len(res.Attempts) != 1 {
			t.Errorf("%s: got %+v with %d attempts", c.method, f, len(res.Attempts))
		}
	}
}

func TestRunCancelBetweenAttempts(t *testing.T) {
	b := newBench()
	c, _ := newTestController(t, b, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{onAttempt: func(rec AttemptRecord) {
		if rec.Ordinal == 3 {
			cancel()
		}
	}}
	c.AddObserver(rec)

	res, err := c.Run(ctx, scenarioSpace(t))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stopped || res.Outcome != Exhausted || len(res.Attempts) != 3 {
		t.Errorf("got stopped=%t %s with %d attempts", res.Stopped, res.Outcome, len(res.Attempts))
	}
	if got, want := b.counts["Disable"], 3; got != want {
		t.Errorf("%d attempts started, want %d", got, want)
	}
}

// stopping stops the run from inside an attempt, right after the injector
// was configured, and records calls that got a cancelled context.
type stopping struct {
	*bench
	stop      func()
	stopAfter int
	cancelled []string
}

func (s *stopping) check(ctx context.Context, method string) {
	if ctx.Err() != nil {
		s.cancelled = append(s.cancelled, method)
	}
}

func (s *stopping) Configure(ctx context.Context, gs GlitchSettings) error {
	err := s.bench.Configure(ctx, gs)
	if s.counts["Configure"] == s.stopAfter {
		s.stop()
	}
	return err
}

func (s *stopping) Arm(ctx context.Context) error {
	s.check(ctx, "Arm")
	return s.bench.Arm(ctx)
}

func (s *stopping) Enable(ctx context.Context, ch int) error {
	s.check(ctx, "Enable")
	return s.bench.Enable(ctx, ch)
}

func (s *stopping) Connect(ctx context.Context, target string) error {
	s.check(ctx, "Connect")
	return s.bench.Connect(ctx, target)
}

func TestRunStopDoesNotInterruptAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &stopping{bench: newBench(), stop: cancel, stopAfter: 2}
	c, err := NewController(s, s, s, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	c.sleep = func(time.Duration) {}
	c.newRunID = func() string { return "test-run" }

	res, err := c.Run(ctx, scenarioSpace(t))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stopped || len(res.Attempts) != 2 {
		t.Errorf("got stopped=%t with %d attempts, want stopped with 2", res.Stopped, len(res.Attempts))
	}
	if len(s.cancelled) != 0 {
		t.Errorf("steps ran on a cancelled context: %v", s.cancelled)
	}
	if got, want := s.counts["Enable"], 2; got != want {
		t.Errorf("target powered %d times, want %d", got, want)
	}
}

func TestRunResumes(t *testing.T) {
	b := newBench()
	c, _ := newTestController(t, b, testOptions())
	s := scenarioSpace(t)
	if err := s.SkipPast(Point{80001, 190}); err != nil {
		t.Fatal(err)
	}
	res, err := c.Run(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(res.Attempts), 6; got != want {
		t.Errorf("got %d attempts, want %d", got, want)
	}
	if res.Attempts[0].Point != (Point{80002, 140}) || res.Attempts[0].Ordinal != 1 {
		t.Errorf("first attempt %+v", res.Attempts[0])
	}
}

func TestExtractionFailureIsNotFatal(t *testing.T) {
	b := newBench()
	b.unlock = func(Point) bool { return true }
	b.memErr = errors.Errorf("transfer failed (tc 0/1 st 0x02)")
	c, _ := newTestController(t, b, testOptions())

	res, err := c.Run(context.Background(), scenarioSpace(t))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Success || res.Point == nil || *res.Point != (Point{80000, 140}) {
		t.Errorf("got %s %v", res.Outcome, res.Point)
	}
	if res.Memory != nil || res.ExtractionErr == nil {
		t.Errorf("want no memory and an extraction error, got %v / %v", res.Memory, res.ExtractionErr)
	}
}

func TestExtractZeroWords(t *testing.T) {
	b := newBench()
	b.unlock = func(Point) bool { return true }
	opts := testOptions()
	opts.ExtractWords = 0
	c, _ := newTestController(t, b, opts)
	res, err := c.Run(context.Background(), scenarioSpace(t))
	if err != nil {
		t.Fatal(err)
	}
	if res.Memory == nil || len(res.Memory) != 0 || b.counts["ReadMemory"] != 0 {
		t.Errorf("got memory %v after %d reads", res.Memory, b.counts["ReadMemory"])
	}
}

func TestTelemetryCapture(t *testing.T) {
	b := newBench()
	b.telem = &Telemetry{Voltage: 3.3, Current: 0.012, Power: 0.0396, Energy: 1.5}
	b.failOn["ReadTelemetry"] = 2
	opts := testOptions()
	opts.CaptureTelemetry = true
	c, _ := newTestController(t, b, opts)
	s, _ := NewSpace(Bounds{OffsetStart: 0, OffsetEnd: 1, RepeatStart: 0, RepeatEnd: 3, RepeatStep: 1})
	res, err := c.Run(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempts[0].Telemetry == nil || *res.Attempts[0].Telemetry != *b.telem {
		t.Errorf("attempt 1 telemetry %v", res.Attempts[0].Telemetry)
	}
	if res.Attempts[1].Telemetry != nil {
		t.Errorf("failed telemetry read must leave the field empty")
	}
	if len(res.Attempts) != 3 {
		t.Errorf("telemetry failure must not stop the run")
	}
}

func TestControllerBusy(t *testing.T) {
	b := newBench()
	c, _ := newTestController(t, b, testOptions())
	c.busy = 1
	if _, err := c.Run(context.Background(), scenarioSpace(t)); err != ErrBusy {
		t.Errorf("Run: got %v, want ErrBusy", err)
	}
	if _, err := c.CheckLock(context.Background()); err != ErrBusy {
		t.Errorf("CheckLock: got %v, want ErrBusy", err)
	}
	if len(b.calls) != 0 {
		t.Errorf("busy controller touched the hardware: %v", b.calls)
	}
}

func TestCheckLock(t *testing.T) {
	b := newBench()
	c, sleeps := newTestController(t, b, testOptions())
	pr, err := c.CheckLock(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if pr.State != Locked {
		t.Errorf("got %s, want LOCKED", pr.State)
	}
	if got, want := b.calls, []string{"Connect(ATSAME70Q21B)"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got calls %v, want %v", got, want)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != DefaultSettleDelay {
		t.Errorf("got sleeps %v", *sleeps)
	}
}

func TestOptionsValidate(t *testing.T) {
	opts := DefaultOptions()
	opts.Channel = 0
	opts.CallTimeout = 0
	opts.ExtractAddr = 2
	_, err := NewController(newBench(), newBench(), newBench(), opts)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !IsConfigurationError(err) {
		t.Errorf("%q is not a configuration error", err)
	}
	for _, s := range []string{"target", "channel", "timeout", "word-aligned"} {
		if !strings.Contains(err.Error(), s) {
			t.Errorf("error %q does not mention %q", err, s)
		}
	}
}
