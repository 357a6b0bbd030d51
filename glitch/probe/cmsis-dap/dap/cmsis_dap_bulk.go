// +build !no_libudev

package dap

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/juju/errors"
)

type bulkTransport struct {
	uctx *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

// openUSBDevice opens a USB device with specified VID, PID and (optionally) serial number.
// If serial number is empty, it is not checked.
func openUSBDevice(vid, pid gousb.ID, serial string) (*gousb.Context, *gousb.Device, error) {
	uctx := gousb.NewContext()
	devs, err := uctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		return dd.Vendor == vid && dd.Product == pid
	})
	// OpenDevices may fail overall but still return results. Only fail if no devices were returned.
	if err != nil && len(devs) == 0 {
		uctx.Close()
		return nil, nil, errors.Annotatef(err, "failed to enumerate USB devices")
	}
	var res *gousb.Device
	for _, dev := range devs {
		if res != nil {
			dev.Close()
			continue
		}
		sn, _ := dev.SerialNumber()
		glog.V(1).Infof("Dev %s sn '%s'", dev, sn)
		if serial == "" || sn == serial {
			res = dev
		} else {
			dev.Close()
		}
	}
	if res == nil {
		uctx.Close()
		return nil, nil, errors.NotFoundf("USB device %s:%s %s", vid, pid, serial)
	}
	return uctx, res, nil
}

// findDAPInterface looks for the CMSIS-DAP v2 interface: vendor specific
// class, named "CMSIS-DAP", bulk OUT and IN endpoints in that order.
func findDAPInterface(dev *gousb.Device) (cfgNum, intfNum int, in, out gousb.EndpointDesc, err error) {
	for cn, cd := range dev.Desc.Configs {
		for _, id := range cd.Interfaces {
			for _, alt := range id.AltSettings {
				if alt.Class != gousb.ClassVendorSpec {
					continue
				}
				name, _ := dev.InterfaceDescription(cn, alt.Number, alt.Alternate)
				if !strings.Contains(name, "CMSIS-DAP") {
					continue
				}
				var haveIn, haveOut bool
				for _, ep := range alt.Endpoints {
					if ep.TransferType != gousb.TransferTypeBulk {
						continue
					}
					if ep.Direction == gousb.EndpointDirectionIn && !haveIn {
						in, haveIn = ep, true
					} else if ep.Direction == gousb.EndpointDirectionOut && !haveOut {
						out, haveOut = ep, true
					}
				}
				if haveIn && haveOut {
					return cn, alt.Number, in, out, nil
				}
			}
		}
	}
	return 0, 0, in, out, errors.NotFoundf("CMSIS-DAP v2 interface")
}

func openBulk(ctx context.Context, id USBID, serial string) (Transport, error) {
	uctx, dev, err := openUSBDevice(gousb.ID(id.VID), gousb.ID(id.PID), serial)
	if err != nil {
		return nil, errors.Trace(err)
	}
	bt := &bulkTransport{uctx: uctx, dev: dev}
	if err := bt.init(); err != nil {
		bt.Close()
		return nil, errors.Annotatef(err, "%s", id)
	}
	return bt, nil
}

func (bt *bulkTransport) init() error {
	cn, in, ied, oed, err := findDAPInterface(bt.dev)
	if err != nil {
		return errors.Trace(err)
	}
	bt.dev.SetAutoDetach(true)
	if bt.cfg, err = bt.dev.Config(cn); err != nil {
		return errors.Annotatef(err, "failed to select config %d", cn)
	}
	if bt.intf, err = bt.cfg.Interface(in, 0); err != nil {
		return errors.Annotatef(err, "failed to claim interface %d", in)
	}
	if bt.in, err = bt.intf.InEndpoint(ied.Number); err != nil {
		return errors.Annotatef(err, "failed to open IN endpoint %s", ied.Address)
	}
	if bt.out, err = bt.intf.OutEndpoint(oed.Number); err != nil {
		return errors.Annotatef(err, "failed to open OUT endpoint %s", oed.Address)
	}
	glog.V(1).Infof("%s: intf %d in %s out %s", bt.dev, in, ied.Address, oed.Address)
	return nil
}

func (bt *bulkTransport) Exchange(ctx context.Context, req []byte) ([]byte, error) {
	if _, err := bt.out.WriteContext(ctx, req); err != nil {
		return nil, errors.Annotatef(err, "device write failed")
	}
	buf := make([]byte, bt.in.Desc.MaxPacketSize)
	n, err := bt.in.ReadContext(ctx, buf)
	if err != nil {
		return nil, errors.Annotatef(err, "device read failed")
	}
	return buf[:n], nil
}

func (bt *bulkTransport) Close() error {
	if bt.intf != nil {
		bt.intf.Close()
	}
	if bt.cfg != nil {
		bt.cfg.Close()
	}
	bt.dev.Close()
	return bt.uctx.Close()
}

func (bt *bulkTransport) String() string {
	return fmt.Sprintf("CMSIS-DAP v2 %s:%s", bt.dev.Desc.Vendor, bt.dev.Desc.Product)
}
