package dap

// This package implements (a subset of) the CMSIS-DAP probe interface
// https://arm-software.github.io/CMSIS_5/DAP/html/group__DAP__Commands__gr.html

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

type cmd uint8

const (
	cmdInfo              cmd = 0x00
	cmdSetHostStatus         = 0x01
	cmdConnect               = 0x02
	cmdDisconnect            = 0x03
	cmdTransferConfigure     = 0x04
	cmdTransfer              = 0x05
	cmdTransferBlock         = 0x06
	cmdResetTarget           = 0x0a
	cmdSWJClock              = 0x11
	cmdSWJSequence           = 0x12
	cmdSWDConfigure          = 0x13
)

const (
	infoVendorID        = 0x01
	infoProductID       = 0x02
	infoSerialNumber    = 0x03
	infoFirmwareVersion = 0x04
	infoTargetVendor    = 0x05
	infoTargetName      = 0x06
	infoMaxPacketSize   = 0xff

	transferRetries = 5
)

type dapClient struct {
	t             Transport
	maxPacketSize int
}

// NewClient talks CMSIS-DAP over t. The packet size is queried from the
// probe.
func NewClient(ctx context.Context, t Transport) (DAPClient, error) {
	dapc := &dapClient{
		t:             t,
		maxPacketSize: 64, // Start with a conservative guess
	}
	resp, err := dapc.GetInfo(ctx, infoMaxPacketSize)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to get max packet size")
	}
	var rl uint8
	var mps uint16
	if binary.Read(resp, binary.LittleEndian, &rl) != nil || rl != 2 ||
		binary.Read(resp, binary.LittleEndian, &mps) != nil {
		return nil, errors.Errorf("invalid max packet size response")
	}
	dapc.maxPacketSize = int(mps)
	glog.V(2).Infof("%s: max packet size: %d", t, dapc.maxPacketSize)
	return dapc, nil
}

func newCmd(cmd cmd) *bytes.Buffer {
	return bytes.NewBuffer([]uint8{uint8(cmd)})
}

func (dapc *dapClient) exec(ctx context.Context, args *bytes.Buffer) (*bytes.Buffer, error) {
	glog.V(4).Infof(" => %s", hex.EncodeToString(args.Bytes()))
	if len(args.Bytes()) > dapc.maxPacketSize {
		return nil, errors.Errorf("packet too long (max %d, got %d)", dapc.maxPacketSize, len(args.Bytes()))
	}
	resp, err := dapc.t.Exchange(ctx, args.Bytes())
	if err != nil {
		return nil, errors.Trace(err)
	}
	glog.V(4).Infof("<=  %s", hex.EncodeToString(resp))
	cmd := args.Bytes()[0]
	if len(resp) < 2 {
		return nil, errors.Errorf("response to 0x%02x is too short", cmd)
	}
	if resp[0] != cmd {
		return nil, errors.Errorf("Response to wrong command (want 0x%02x, got 0x%02x)", cmd, resp[0])
	}
	return bytes.NewBuffer(resp[1:]), nil
}

func (dapc *dapClient) execCheckStatus(ctx context.Context, args *bytes.Buffer) error {
	cmd := args.Bytes()[0]
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	if status := resp.Bytes()[0]; status != 0 {
		return errors.Errorf("Command 0x%02x returned error (0x%02x)", cmd, status)
	}
	return nil
}

func (dapc *dapClient) GetInfo(ctx context.Context, info uint8) (*bytes.Buffer, error) {
	glog.V(3).Infof("GetInfo(%d)", info)
	args := newCmd(cmdInfo)
	binary.Write(args, binary.LittleEndian, info)
	resp, err := dapc.exec(ctx, args)
	return resp, errors.Annotatef(err, "failed to get info 0x%02x", info)
}

func (dapc *dapClient) GetInfoString(ctx context.Context, info uint8) (string, error) {
	resp, err := dapc.GetInfo(ctx, info)
	if err != nil {
		return "", errors.Trace(err)
	}
	var sl uint8
	binary.Read(resp, binary.LittleEndian, &sl)
	s := make([]uint8, sl)
	resp.Read(s)
	// Length includes the terminating NUL.
	return strings.TrimRight(string(s), "\x00"), nil
}

func (dapc *dapClient) GetVendorID(ctx context.Context) (string, error) {
	return dapc.GetInfoString(ctx, infoVendorID)
}

func (dapc *dapClient) GetProductID(ctx context.Context) (string, error) {
	return dapc.GetInfoString(ctx, infoProductID)
}

func (dapc *dapClient) GetSerialNumber(ctx context.Context) (string, error) {
	return dapc.GetInfoString(ctx, infoSerialNumber)
}

func (dapc *dapClient) GetFirmwareVersion(ctx context.Context) (string, error) {
	return dapc.GetInfoString(ctx, infoFirmwareVersion)
}

func (dapc *dapClient) GetTargetVendor(ctx context.Context) (string, error) {
	return dapc.GetInfoString(ctx, infoTargetVendor)
}

func (dapc *dapClient) GetTargetName(ctx context.Context) (string, error) {
	return dapc.GetInfoString(ctx, infoTargetName)
}

func (dapc *dapClient) GetMaxPacketSize() int {
	return dapc.maxPacketSize
}

func (dapc *dapClient) SetHostStatus(ctx context.Context, st StatusType, value bool) error {
	args := newCmd(cmdSetHostStatus)
	binary.Write(args, binary.LittleEndian, uint8(st))
	binary.Write(args, binary.LittleEndian, value)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *dapClient) Connect(ctx context.Context, mode ConnectMode) error {
	glog.V(3).Infof("Connect(%d)", mode)
	args := newCmd(cmdConnect)
	binary.Write(args, binary.LittleEndian, uint8(mode))
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	if resp.Bytes()[0] == 0 {
		return errors.Errorf("connect error")
	}
	return nil
}

func (dapc *dapClient) Disconnect(ctx context.Context) error {
	return errors.Trace(dapc.execCheckStatus(ctx, newCmd(cmdDisconnect)))
}

func (dapc *dapClient) TransferConfigure(ctx context.Context, idleCycles uint8, waitRetry uint16, matchRetry uint16) error {
	glog.V(3).Infof("TransferConfigure(%d, %d, %d)", idleCycles, waitRetry, matchRetry)
	args := newCmd(cmdTransferConfigure)
	binary.Write(args, binary.LittleEndian, idleCycles)
	binary.Write(args, binary.LittleEndian, waitRetry)
	binary.Write(args, binary.LittleEndian, matchRetry)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *dapClient) doTransfer(ctx context.Context, dapIndex uint8, reqs []TransferRequest) (TransferStatus, []uint32, error) {
	args := newCmd(cmdTransfer)
	binary.Write(args, binary.LittleEndian, dapIndex)
	binary.Write(args, binary.LittleEndian, uint8(len(reqs)))
	for i, req := range reqs {
		if req.Reg&3 != 0 {
			return 0, nil, errors.Errorf("treq %d invalid reg 0x%x", i, req.Reg)
		}
		treq := (req.Reg & 0xc)
		haveData := true
		if req.AP {
			treq |= 1 << 0
		}
		switch req.Op {
		case OpRead:
			treq |= 1 << 1
			haveData = false
		case OpReadMatch:
			treq |= 1<<1 | 1<<4
		case OpWrite:
			// Nothing
		case OpWriteMatch:
			treq |= 1 << 5
		}
		binary.Write(args, binary.LittleEndian, treq)
		if haveData {
			binary.Write(args, binary.LittleEndian, req.Data)
		}
	}
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	var tc uint8
	var st TransferStatus
	var data []uint32
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil {
		return st, nil, errors.Errorf("response is too short")
	}
	if !st.Ok() {
		return st, nil, &TransferError{Status: st, Completed: int(tc), Total: len(reqs)}
	}
	if int(tc) != len(reqs) {
		return st, nil, errors.Errorf("not all transfers completed (%d/%d)", tc, len(reqs))
	}
	for _, req := range reqs {
		if req.Op != OpRead {
			continue
		}
		var d uint32
		if binary.Read(resp, binary.LittleEndian, &d) != nil {
			return st, nil, errors.Errorf("response is too short")
		}
		data = append(data, d)
	}
	return st, data, nil
}

func (dapc *dapClient) Transfer(ctx context.Context, dapIndex uint8, reqs []TransferRequest) (TransferStatus, []uint32, error) {
	var err error
	for i := 0; i < transferRetries; i++ {
		var st TransferStatus
		var res []uint32
		st, res, err = dapc.doTransfer(ctx, dapIndex, reqs)
		if err != nil && st.AckValue() == uint8(TransferStatusWait) && ctx.Err() == nil {
			continue
		}
		return st, res, err
	}
	return TransferStatusWait, nil, errors.Annotatef(err, "transfer timeout")
}

func (dapc *dapClient) GetTransferBlockMaxSize() int {
	// Response is the larger one: op, transfer count (2), status.
	headerLen := 1 /* op */ + 2 /* transfer count */ + 1 /* status */
	return (dapc.maxPacketSize - headerLen) / 4
}

func (dapc *dapClient) TransferBlockRead(ctx context.Context, dapIndex uint8, ap bool, reg uint8, length int) ([]uint32, error) {
	glog.V(3).Infof("TransferBlockRead(%d, %t, 0x%x, %d)", dapIndex, ap, reg, length)
	if length > dapc.GetTransferBlockMaxSize() {
		return nil, errors.Errorf("request too big (max %d, got %d)", dapc.GetTransferBlockMaxSize(), length)
	}
	if reg&3 != 0 {
		return nil, errors.Errorf("invalid reg 0x%x", reg)
	}
	args := newCmd(cmdTransferBlock)
	binary.Write(args, binary.LittleEndian, dapIndex)
	binary.Write(args, binary.LittleEndian, uint16(length))
	treq := uint8(reg&0xc) | 2 /* read */
	if ap {
		treq |= 1 << 0
	}
	binary.Write(args, binary.LittleEndian, treq)
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var tc uint16
	var st TransferStatus
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil {
		return nil, errors.Errorf("response is too short")
	}
	if !st.Ok() {
		return nil, &TransferError{Status: st, Completed: int(tc), Total: length}
	}
	if int(tc) != length {
		return nil, errors.Errorf("not all transfers completed (%d/%d)", tc, length)
	}
	res := make([]uint32, length)
	if binary.Read(resp, binary.LittleEndian, res) != nil {
		return nil, errors.Errorf("response is too short")
	}
	return res, nil
}

func (dapc *dapClient) ResetTarget(ctx context.Context) error {
	return errors.Trace(dapc.execCheckStatus(ctx, newCmd(cmdResetTarget)))
}

func (dapc *dapClient) SWJClock(ctx context.Context, clockHz uint32) error {
	glog.V(3).Infof("SWJClock(%d)", clockHz)
	args := newCmd(cmdSWJClock)
	binary.Write(args, binary.LittleEndian, clockHz)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *dapClient) SWJSequence(ctx context.Context, numBits int, data []uint8) error {
	glog.V(3).Infof("SWJSequence(%d, %v)", numBits, data)
	if numBits < 1 || numBits > 256 {
		return errors.Errorf("length must be between 1 and 256 (got %d)", numBits)
	}
	if len(data) != (numBits+7)/8 {
		return errors.Errorf("%d bits need %d bytes, got %d", numBits, (numBits+7)/8, len(data))
	}
	args := newCmd(cmdSWJSequence)
	// 256 is encoded as 0.
	binary.Write(args, binary.LittleEndian, uint8(numBits))
	args.Write(data)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *dapClient) SWDConfigure(ctx context.Context, config uint8) error {
	glog.V(3).Infof("SWDConfigure(0x%02x)", config)
	args := newCmd(cmdSWDConfigure)
	binary.Write(args, binary.LittleEndian, config)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *dapClient) Close(ctx context.Context) error {
	return dapc.t.Close()
}
