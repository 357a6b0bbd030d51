package dap

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// Transport exchanges command and response packets with a probe.
type Transport interface {
	Exchange(ctx context.Context, req []byte) ([]byte, error)
	Close() error
	String() string
}

type USBID struct {
	VID uint16
	PID uint16
}

func (id USBID) String() string {
	return fmt.Sprintf("%04x:%04x", id.VID, id.PID)
}

// KnownProbes are CMSIS-DAP probes tried when no VID:PID is given.
var KnownProbes = []USBID{
	{0x03eb, 0x2111}, // Atmel EDBG (SAM E70/V71 Xplained)
	{0x03eb, 0x2141}, // Atmel-ICE
	{0x03eb, 0x2175}, // Atmel nEDBG
	{0x0d28, 0x0204}, // ARM DAPLink
	{0x2e8a, 0x000c}, // Raspberry Pi Debug Probe
	{0xc251, 0xf001}, // Keil ULINK-ME
}

const (
	TransportAuto = "auto"
	// CMSIS-DAP v2, vendor-specific interface with bulk endpoints.
	TransportBulk = "bulk"
	// CMSIS-DAP v1, HID reports.
	TransportHID = "hid"
)

type Options struct {
	// Probes to look for, KnownProbes if empty.
	IDs []USBID
	// Serial number of the probe, any if empty.
	Serial    string
	Transport string
}

// Open finds a probe and opens a transport to it. In auto mode bulk is
// preferred, it is much faster than HID.
func Open(ctx context.Context, opts *Options) (Transport, error) {
	ids := opts.IDs
	if len(ids) == 0 {
		ids = KnownProbes
	}
	var kinds []string
	switch strings.ToLower(opts.Transport) {
	case "", TransportAuto:
		kinds = []string{TransportBulk, TransportHID}
	case TransportBulk, TransportHID:
		kinds = []string{strings.ToLower(opts.Transport)}
	default:
		return nil, errors.NotValidf("transport %q", opts.Transport)
	}
	var lastErr error
	for _, kind := range kinds {
		for _, id := range ids {
			var t Transport
			var err error
			switch kind {
			case TransportBulk:
				t, err = openBulk(ctx, id, opts.Serial)
			case TransportHID:
				t, err = openHID(ctx, id, opts.Serial)
			}
			if err == nil {
				glog.Infof("Using %s", t)
				return t, nil
			}
			glog.V(1).Infof("%s %s: %s", kind, id, err)
			lastErr = err
		}
	}
	return nil, errors.Annotatef(lastErr, "no CMSIS-DAP probe found")
}

// ParseUSBID parses VID:PID in hex.
func ParseUSBID(s string) (USBID, error) {
	var id USBID
	if n, err := fmt.Sscanf(s, "%x:%x", &id.VID, &id.PID); err != nil || n != 2 {
		return id, errors.NotValidf("USB ID %q (want VID:PID)", s)
	}
	return id, nil
}
