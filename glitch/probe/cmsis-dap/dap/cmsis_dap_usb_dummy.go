// +build no_libudev

package dap

import (
	"context"

	"github.com/juju/errors"
)

func openHID(ctx context.Context, id USBID, serial string) (Transport, error) {
	return nil, errors.NotSupportedf("HID in this build")
}

func openBulk(ctx context.Context, id USBID, serial string) (Transport, error) {
	return nil, errors.NotSupportedf("USB in this build")
}
