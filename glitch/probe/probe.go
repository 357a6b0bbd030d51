// Package probe reaches the target's debug port through a CMSIS-DAP probe.
package probe

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/glitch/glitch/probe/cmsis-dap/dap"
	"github.com/mongoose-os/glitch/glitch/probe/cmsis-dap/dp"
	"github.com/mongoose-os/glitch/glitch/probe/cmsis-dap/memap"
	"github.com/mongoose-os/glitch/glitch/probe/cortex"
)

const (
	DefaultClockHz = 4000000
	// Words per memory read transaction, keeps a single read from hogging
	// the probe for too long.
	readChunk = 256
)

var (
	swdLineReset    = []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	swdIdle         = []byte{0, 0}
	swdJTAGToSWD    = []byte{0x9e, 0xe7}
	errNotConnected = errors.New("not connected to the target")
)

type Options struct {
	dap.Options
	ClockHz uint32
	// APSel is the MEM-AP of the core.
	APSel uint8
}

// Info describes the probe itself.
type Info struct {
	Transport     string
	Vendor        string
	Product       string
	Serial        string
	Firmware      string
	MaxPacketSize int
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s v%s S/N %s (%s, %d byte packets)",
		i.Vendor, i.Product, i.Firmware, i.Serial, i.Transport, i.MaxPacketSize)
}

// Probe implements the campaign's debug probe on top of CMSIS-DAP.
type Probe struct {
	dapc      dap.DAPClient
	transport string
	opts      Options

	lock      sync.Mutex
	dpc       dp.DPClient
	mapc      memap.MemAPClient
	core      cortex.Core
	connected bool
}

// Open finds and opens a probe.
func Open(ctx context.Context, opts Options) (*Probe, error) {
	t, err := dap.Open(ctx, &opts.Options)
	if err != nil {
		return nil, errors.Trace(err)
	}
	p, err := New(ctx, t, opts)
	if err != nil {
		t.Close()
		return nil, errors.Annotatef(err, "%s", t)
	}
	return p, nil
}

// New uses an already opened transport.
func New(ctx context.Context, t dap.Transport, opts Options) (*Probe, error) {
	dapc, err := dap.NewClient(ctx, t)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if opts.ClockHz == 0 {
		opts.ClockHz = DefaultClockHz
	}
	return &Probe{dapc: dapc, transport: t.String(), opts: opts}, nil
}

func (p *Probe) Info(ctx context.Context) (Info, error) {
	var err error
	info := Info{Transport: p.transport, MaxPacketSize: p.dapc.GetMaxPacketSize()}
	if info.Vendor, err = p.dapc.GetVendorID(ctx); err != nil {
		return info, errors.Trace(err)
	}
	// Optional strings.
	info.Product, _ = p.dapc.GetProductID(ctx)
	info.Serial, _ = p.dapc.GetSerialNumber(ctx)
	info.Firmware, _ = p.dapc.GetFirmwareVersion(ctx)
	return info, nil
}

func (p *Probe) swdInit(ctx context.Context) error {
	dapc := p.dapc
	if err := dapc.Connect(ctx, dap.ConnectModeSWD); err != nil {
		return errors.Annotatef(err, "failed to connect to debug probe in SWD mode")
	}
	if err := dapc.SWJClock(ctx, p.opts.ClockHz); err != nil {
		return errors.Annotatef(err, "failed to set clock")
	}
	if err := dapc.SWDConfigure(ctx, 0); err != nil {
		return errors.Annotatef(err, "failed to configure SWD")
	}
	// Line reset (50+ of 1, 8+ of 0), JTAG-to-SWD switch, line reset again.
	for _, seq := range []struct {
		bits int
		data []byte
	}{
		{64, swdLineReset},
		{16, swdIdle},
		{64, swdLineReset},
		{16, swdJTAGToSWD},
		{64, swdLineReset},
		{16, swdIdle},
	} {
		if err := dapc.SWJSequence(ctx, seq.bits, seq.data); err != nil {
			return errors.Annotatef(err, "SWD reset sequence failed")
		}
	}
	if err := dapc.TransferConfigure(ctx, 0, 100, 100); err != nil {
		return errors.Annotatef(err, "failed to configure transfers")
	}
	return nil
}

// Connect attaches to the target's debug port. It is done from scratch
// every time since the target may have been power cycled in between.
// A target whose debug port or memory access port does not respond is
// reported as an error, which is how read-out protection manifests.
func (p *Probe) Connect(ctx context.Context, target string) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.connected = false
	if err := p.swdInit(ctx); err != nil {
		return errors.Trace(err)
	}
	dpc := dp.NewDPClient(p.dapc)
	if err := dpc.Init(ctx); err != nil {
		return errors.Annotatef(err, "failed to init DP, is the target connected and powered on?")
	}
	mapc := memap.NewMemAPClient(dpc, p.opts.APSel)
	if err := mapc.Init(ctx); err != nil {
		return errors.Annotatef(err, "failed to init AP")
	}
	core, err := cortex.GetCore(ctx, mapc)
	if err != nil {
		return errors.Trace(err)
	}
	if want, ok := cortex.DevicePart(target); ok && core.Part != want {
		return errors.Errorf("%s should have a %s core, found %s", target, want, core)
	}
	if err := p.dapc.SetHostStatus(ctx, dap.StatusConnected, true); err != nil {
		glog.V(1).Infof("failed to set host status: %s", err)
	}
	glog.V(1).Infof("Connected to %s (%s)", target, core)
	p.dpc, p.mapc, p.core, p.connected = dpc, mapc, core, true
	return nil
}

// ReadCoreID returns the identification code of the debug port.
func (p *Probe) ReadCoreID(ctx context.Context) (uint32, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if !p.connected {
		return 0, errNotConnected
	}
	idr, err := p.dpc.GetIDR(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return uint32(idr), nil
}

func (p *Probe) ReadMemory(ctx context.Context, addr uint32, words int) ([]uint32, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if !p.connected {
		return nil, errNotConnected
	}
	if words < 0 {
		return nil, errors.NotValidf("word count %d", words)
	}
	res := make([]uint32, 0, words)
	for len(res) < words {
		n := words - len(res)
		if n > readChunk {
			n = readChunk
		}
		data, err := p.mapc.ReadTargetMem(ctx, addr+uint32(len(res)*4), n)
		if err != nil {
			return nil, errors.Trace(err)
		}
		res = append(res, data...)
	}
	return res, nil
}

// Core returns the core found by the last successful Connect.
func (p *Probe) Core() (cortex.Core, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.core, p.connected
}

func (p *Probe) Close() error {
	ctx := context.Background()
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.connected {
		p.dapc.SetHostStatus(ctx, dap.StatusConnected, false)
		p.connected = false
	}
	p.dapc.Disconnect(ctx)
	return p.dapc.Close(ctx)
}
