// Package daptest simulates a CMSIS-DAP probe wired to a Cortex-M target
// over SWD.
package daptest

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"

	"github.com/juju/errors"
)

const (
	ackOK    = 1
	ackWait  = 2
	ackFault = 4
	ackNone  = 7

	cswDeviceEn  = 0x40
	cswAddrInc   = 0x30
	cswIncSingle = 0x10
)

// Target is the simulated probe and target. It implements dap.Transport.
type Target struct {
	lock sync.Mutex

	PacketSize int
	Vendor     string
	Product    string
	Serial     string
	Firmware   string

	// IDCode is returned from DPIDR.
	IDCode uint32
	// Mem is the target's memory, 0 where not set.
	Mem map[uint32]uint32
	// Locked makes every access port transaction fault, as happens when the
	// security bit of the target is set.
	Locked bool
	// Dead makes the target not respond at all.
	Dead bool
	// Waits is the number of WAIT acks before a transfer succeeds.
	Waits int
	// Err is returned from Exchange if set.
	Err error

	connected bool
	ctrlStat  uint32
	sel       uint32
	csw       uint32
	tar       uint32
	cmds      []byte
	closed    bool
}

// NewTarget returns a target with a Cortex-M7 core.
func NewTarget() *Target {
	return &Target{
		PacketSize: 64,
		Vendor:     "ACME",
		Product:    "Fake CMSIS-DAP",
		Serial:     "0123456789",
		Firmware:   "2.1.0",
		IDCode:     0x0bd11477,
		Mem: map[uint32]uint32{
			0xE000ED00: 0x411fc270,
			0xE000EFE0: 0x0000000c,
		},
	}
}

func (t *Target) String() string {
	return "fake probe"
}

func (t *Target) Close() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.closed = true
	return nil
}

func (t *Target) Closed() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.closed
}

// Commands returns the command bytes received so far.
func (t *Target) Commands() []byte {
	t.lock.Lock()
	defer t.lock.Unlock()
	return append([]byte(nil), t.cmds...)
}

func (t *Target) SetLocked(locked bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.Locked = locked
}

func (t *Target) SetDead(dead bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.Dead = dead
}

func (t *Target) Exchange(ctx context.Context, req []byte) ([]byte, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	if t.Err != nil {
		return nil, t.Err
	}
	if len(req) > t.PacketSize {
		return nil, errors.Errorf("packet too long: %d", len(req))
	}
	cmd := req[0]
	t.cmds = append(t.cmds, cmd)
	args := bytes.NewBuffer(req[1:])
	resp := bytes.NewBuffer([]byte{cmd})
	switch cmd {
	case 0x00:
		t.info(args, resp)
	case 0x02:
		var mode uint8
		binary.Read(args, binary.LittleEndian, &mode)
		if mode == 0 || mode == 1 {
			t.connected = true
			resp.WriteByte(1)
		} else {
			resp.WriteByte(0)
		}
	case 0x03:
		t.connected = false
		resp.WriteByte(0)
	case 0x01, 0x04, 0x0a, 0x11, 0x12, 0x13:
		resp.WriteByte(0)
	case 0x05:
		t.transfer(args, resp)
	case 0x06:
		t.transferBlock(args, resp)
	default:
		resp.WriteByte(0xff)
	}
	return resp.Bytes(), nil
}

func (t *Target) info(args, resp *bytes.Buffer) {
	id, _ := args.ReadByte()
	s := ""
	switch id {
	case 0x01:
		s = t.Vendor
	case 0x02:
		s = t.Product
	case 0x03:
		s = t.Serial
	case 0x04:
		s = t.Firmware
	case 0xff:
		resp.WriteByte(2)
		binary.Write(resp, binary.LittleEndian, uint16(t.PacketSize))
		return
	}
	if s == "" {
		resp.WriteByte(0)
		return
	}
	resp.WriteByte(uint8(len(s) + 1))
	resp.WriteString(s)
	resp.WriteByte(0)
}

// access performs a single SWD transaction.
func (t *Target) access(treq uint8, wdata uint32) (uint32, uint8) {
	if !t.connected || t.Dead {
		return 0, ackNone
	}
	ap := treq&1 != 0
	read := treq&2 != 0
	a := treq & 0xc
	if !ap {
		switch {
		case a == 0x0 && read:
			return t.IDCode, ackOK
		case a == 0x0:
			// ABORT
			return 0, ackOK
		case a == 0x4 && read:
			return t.ctrlStat, ackOK
		case a == 0x4:
			// Power up requests are acknowledged immediately.
			t.ctrlStat = wdata & 0x5fffffff
			t.ctrlStat |= (wdata & 0x10000000) << 1
			t.ctrlStat |= (wdata & 0x40000000) << 1
			return 0, ackOK
		case a == 0x8 && !read:
			t.sel = wdata
			return 0, ackOK
		case a == 0xc && read:
			return 0, ackOK
		}
		return 0, ackFault
	}
	if t.Locked || t.ctrlStat&0xa0000000 != 0xa0000000 || t.sel>>24 != 0 {
		return 0, ackFault
	}
	reg := uint8((t.sel>>4)&0xf)<<4 | a
	switch {
	case reg == 0x00 && read:
		return t.csw | cswDeviceEn, ackOK
	case reg == 0x00:
		t.csw = wdata
		return 0, ackOK
	case reg == 0x04 && read:
		return t.tar, ackOK
	case reg == 0x04:
		t.tar = wdata
		return 0, ackOK
	case reg == 0x0c && read:
		v := t.Mem[t.tar]
		if t.csw&cswAddrInc == cswIncSingle {
			// Autoincrement wraps within 1KB.
			t.tar = t.tar&^0x3ff | (t.tar+4)&0x3ff
		}
		return v, ackOK
	case reg == 0xfc && read:
		return 0x24770011, ackOK
	}
	return 0, ackFault
}

func (t *Target) transfer(args, resp *bytes.Buffer) {
	var idx, count uint8
	binary.Read(args, binary.LittleEndian, &idx)
	binary.Read(args, binary.LittleEndian, &count)
	var data []uint32
	var done uint8
	status := uint8(ackOK)
	if t.Waits > 0 {
		t.Waits--
		status = ackWait
		count = 0
	}
	for ; done < count; done++ {
		treq, _ := args.ReadByte()
		var wdata uint32
		if treq&2 == 0 || treq&0x10 != 0 {
			binary.Read(args, binary.LittleEndian, &wdata)
		}
		v, ack := t.access(treq, wdata)
		if ack != ackOK {
			status = ack
			break
		}
		if treq&2 != 0 && treq&0x10 == 0 {
			data = append(data, v)
		}
	}
	resp.WriteByte(done)
	resp.WriteByte(status)
	binary.Write(resp, binary.LittleEndian, data)
}

func (t *Target) transferBlock(args, resp *bytes.Buffer) {
	var idx uint8
	var count uint16
	binary.Read(args, binary.LittleEndian, &idx)
	binary.Read(args, binary.LittleEndian, &count)
	treq, _ := args.ReadByte()
	var data []uint32
	var done uint16
	status := uint8(ackOK)
	for ; done < count; done++ {
		var wdata uint32
		if treq&2 == 0 {
			binary.Read(args, binary.LittleEndian, &wdata)
		}
		v, ack := t.access(treq, wdata)
		if ack != ackOK {
			status = ack
			break
		}
		if treq&2 != 0 {
			data = append(data, v)
		}
	}
	binary.Write(resp, binary.LittleEndian, done)
	resp.WriteByte(status)
	binary.Write(resp, binary.LittleEndian, data)
}
