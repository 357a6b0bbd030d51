package dap

import (
	"bytes"
	"context"
	"fmt"

	"github.com/juju/errors"
)

type DAPClient interface {
	GetInfo(ctx context.Context, info uint8) (*bytes.Buffer, error)
	GetVendorID(ctx context.Context) (string, error)
	GetProductID(ctx context.Context) (string, error)
	GetSerialNumber(ctx context.Context) (string, error)
	GetFirmwareVersion(ctx context.Context) (string, error)
	GetTargetVendor(ctx context.Context) (string, error)
	GetTargetName(ctx context.Context) (string, error)
	GetMaxPacketSize() int
	SetHostStatus(ctx context.Context, st StatusType, value bool) error
	Connect(ctx context.Context, mode ConnectMode) error
	Disconnect(ctx context.Context) error
	TransferConfigure(ctx context.Context, idleCycles uint8, waitRetry uint16, matchRetry uint16) error
	Transfer(ctx context.Context, dapIndex uint8, reqs []TransferRequest) (TransferStatus, []uint32, error)
	GetTransferBlockMaxSize() int
	TransferBlockRead(ctx context.Context, dapIndex uint8, ap bool, reg uint8, length int) ([]uint32, error)
	ResetTarget(ctx context.Context) error
	SWJClock(ctx context.Context, clockHz uint32) error
	SWJSequence(ctx context.Context, numBits int, data []uint8) error
	SWDConfigure(ctx context.Context, config uint8) error

	Close(ctx context.Context) error
}

type StatusType uint8

const (
	StatusConnected StatusType = 0x00
	StatusRunning              = 0x01
)

type ConnectMode uint8

const (
	ConnectModeAuto ConnectMode = 0x00
	ConnectModeSWD              = 0x01
	ConnectModeJTAG             = 0x02
)

type TransferOp uint8

const (
	OpRead       TransferOp = 0
	OpReadMatch             = 1
	OpWrite                 = 2
	OpWriteMatch            = 3
)

type TransferRequest struct {
	Op   TransferOp
	AP   bool
	Reg  uint8
	Data uint32
}

type TransferStatus uint8

// SWD acknowledgements.
const (
	TransferStatusOK    TransferStatus = 1
	TransferStatusWait  TransferStatus = 2
	TransferStatusFault TransferStatus = 4
	// No acknowledgement at all: the target is not driving SWDIO.
	TransferStatusNoAck TransferStatus = 7
)

func (ts TransferStatus) Ok() bool {
	return ts.AckValue() == 1 && !ts.SWDError() && !ts.ValueMismatch()
}

func (ts TransferStatus) AckValue() uint8 {
	return uint8(ts & 7)
}

func (ts TransferStatus) SWDError() bool {
	return ts&8 != 0
}

func (ts TransferStatus) ValueMismatch() bool {
	return ts&0x10 != 0
}

func (ts TransferStatus) String() string {
	s := ""
	switch TransferStatus(ts.AckValue()) {
	case TransferStatusOK:
		s = "OK"
	case TransferStatusWait:
		s = "WAIT"
	case TransferStatusFault:
		s = "FAULT"
	case TransferStatusNoAck:
		s = "NO_ACK"
	default:
		s = fmt.Sprintf("ACK%d", ts.AckValue())
	}
	if ts.SWDError() {
		s += "|SWD_ERROR"
	}
	if ts.ValueMismatch() {
		s += "|MISMATCH"
	}
	return s
}

// TransferError is returned when the target did not acknowledge a transfer.
type TransferError struct {
	Status    TransferStatus
	Completed int
	Total     int
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed (tc %d/%d st 0x%02x %s)", e.Completed, e.Total, uint8(e.Status), e.Status)
}

// IsTransferError returns the transfer error underlying err, if any.
func IsTransferError(err error) (*TransferError, bool) {
	te, ok := errors.Cause(err).(*TransferError)
	return te, ok
}
