// +build !no_libudev

package dap

import (
	"context"
	"fmt"

	"github.com/cesanta/hid"
	"github.com/golang/glog"
	"github.com/juju/errors"
)

type hidTransport struct {
	d  hid.Device
	di *hid.DeviceInfo
}

func openHID(ctx context.Context, id USBID, serial string) (Transport, error) {
	devs, err := hid.Devices()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to enumerate HID devices")
	}
	for i, di := range devs {
		glog.V(1).Infof("%d: %04x:%04x %s", i, di.VendorID, di.ProductID, di.Path)
		// HID enumeration does not give us serial numbers, first match wins.
		if di.VendorID == id.VID && di.ProductID == id.PID {
			d, err := di.Open()
			if err != nil {
				return nil, errors.Annotatef(err, "failed to open device %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
			}
			glog.Infof("Opened %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
			return &hidTransport{d: d, di: di}, nil
		}
	}
	return nil, errors.NotFoundf("HID device %s", id)
}

func (ht *hidTransport) Exchange(ctx context.Context, req []byte) ([]byte, error) {
	// HID report number (unused)
	pkt := append([]byte{0}, req...)
	if err := ht.d.Write(pkt); err != nil {
		return nil, errors.Annotatef(err, "device write failed")
	}
	select {
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "DAP exec")
	case resp, ok := <-ht.d.ReadCh():
		if !ok {
			return nil, errors.Annotatef(ht.d.ReadError(), "device read failed")
		}
		return resp, nil
	}
}

func (ht *hidTransport) Close() error {
	ht.d.Close()
	return nil
}

func (ht *hidTransport) String() string {
	return fmt.Sprintf("CMSIS-DAP v1 %04x:%04x (%s)", ht.di.VendorID, ht.di.ProductID, ht.di.Path)
}
