package usb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"

	"picoload/internal/picoboot/protoerr"
	"picoload/internal/rpusb"
)

const (
	bulkTimeout = 5 * time.Second

	reqResetInterface = 0x41
	reqStatus         = 0x42
)

// Transport is the set of USB primitives the PICOBOOT session needs: bulk
// in/out with an optional length check, and the vendor status-query control
// transfer. The interface-reset control transfer is not part of it: Open
// issues that once on the real device before returning. A mock
// implementation backs the session's unit tests; gousbTransport is the real
// one.
type Transport interface {
	BulkOut(ctx context.Context, data []byte, check bool) (int, error)
	BulkIn(ctx context.Context, n int, check bool) ([]byte, error)
	ControlInStatus(ctx context.Context) ([]byte, error)
	Close() error
}

// gousbTransport drives a claimed PICOBOOT interface over gousb.
type gousbTransport struct {
	ctx          *gousb.Context
	dev          *gousb.Device
	cfg          *gousb.Config
	intf         *gousb.Interface
	ifaceNum     int
	outEndpoint  *gousb.OutEndpoint
	inEndpoint   *gousb.InEndpoint
}

// Open enumerates RP-vendor devices in BOOTSEL mode, claims the PICOBOOT
// interface on the first one found, resets it, and returns a ready
// Transport plus the detected TargetID. Per spec.md 4.3: zero matches is
// fatal; more than one logs the ambiguity and proceeds with the first.
func Open(ctx context.Context) (Transport, rpusb.TargetID, error) {
	usbCtx := gousb.NewContext()

	devices, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Vendor != rpusb.VendorID {
			return false
		}
		_, ok := rpusb.TargetFromProductID(desc.Product)
		return ok
	})
	if err != nil {
		usbCtx.Close()
		return nil, 0, protoerr.Wrap(protoerr.Discovery, "enumerating USB devices", err)
	}
	if len(devices) == 0 {
		usbCtx.Close()
		return nil, 0, protoerr.New(protoerr.Discovery, "no devices in BOOTSEL mode")
	}
	if len(devices) > 1 {
		fmt.Println("found more than one device in BOOTSEL mode, using the first one found")
		for _, extra := range devices[1:] {
			extra.Close()
		}
	}

	dev := devices[0]
	target, _ := rpusb.TargetFromProductID(dev.Desc.Product)

	match, found := rpusb.FindInterface(dev.Desc, 0xFF, 0x00, 0x00)
	if !found || !match.HasBulkOut || !match.HasBulkIn {
		dev.Close()
		usbCtx.Close()
		return nil, 0, protoerr.New(protoerr.Discovery, "no PICOBOOT interface found on device")
	}

	cfg, intf, err := rpusb.ClaimInterface(dev, match)
	if err != nil {
		dev.Close()
		usbCtx.Close()
		return nil, 0, protoerr.Wrap(protoerr.Claim, "claiming PICOBOOT interface", err)
	}

	outEP, err := intf.OutEndpoint(int(match.OutEndpoint))
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		usbCtx.Close()
		return nil, 0, protoerr.Wrap(protoerr.Claim, "opening bulk-out endpoint", err)
	}
	inEP, err := intf.InEndpoint(int(match.InEndpoint))
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		usbCtx.Close()
		return nil, 0, protoerr.Wrap(protoerr.Claim, "opening bulk-in endpoint", err)
	}

	t := &gousbTransport{
		ctx:         usbCtx,
		dev:         dev,
		cfg:         cfg,
		intf:        intf,
		ifaceNum:    match.InterfaceNum,
		outEndpoint: outEP,
		inEndpoint:  inEP,
	}

	if err := t.resetInterface(ctx); err != nil {
		t.Close()
		return nil, 0, err
	}

	return t, target, nil
}

func (t *gousbTransport) resetInterface(ctx context.Context) error {
	_, err := t.dev.Control(
		gousb.ControlVendor|gousb.ControlOut|gousb.ControlInterface,
		reqResetInterface, 0, uint16(t.ifaceNum), nil)
	if err != nil {
		return protoerr.Wrap(protoerr.Transport, "resetting PICOBOOT interface", err)
	}
	return nil
}

func (t *gousbTransport) BulkOut(ctx context.Context, data []byte, check bool) (int, error) {
	cctx, cancel := context.WithTimeout(ctx, bulkTimeout)
	defer cancel()

	n, err := t.outEndpoint.WriteContext(cctx, data)
	if err != nil {
		return n, protoerr.Wrap(protoerr.Transport, "bulk-out transfer", err)
	}
	if check && n != len(data) {
		return n, protoerr.New(protoerr.Transport,
			fmt.Sprintf("short bulk-out transfer: wrote %d of %d bytes", n, len(data)))
	}
	return n, nil
}

func (t *gousbTransport) BulkIn(ctx context.Context, n int, check bool) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, bulkTimeout)
	defer cancel()

	buf := make([]byte, n)
	got, err := t.inEndpoint.ReadContext(cctx, buf)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.Transport, "bulk-in transfer", err)
	}
	if check && got != n {
		return nil, protoerr.New(protoerr.Transport,
			fmt.Sprintf("short bulk-in transfer: read %d of %d bytes", got, n))
	}
	return buf[:got], nil
}

func (t *gousbTransport) ControlInStatus(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 16)
	n, err := t.dev.Control(
		gousb.ControlVendor|gousb.ControlIn|gousb.ControlInterface,
		reqStatus, 0, uint16(t.ifaceNum), buf)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.Transport, "status control transfer", err)
	}
	return buf[:n], nil
}

func (t *gousbTransport) Close() error {
	if t.intf != nil {
		t.intf.Close()
	}
	if t.cfg != nil {
		t.cfg.Close()
	}
	if t.dev != nil {
		t.dev.Close()
	}
	if t.ctx != nil {
		t.ctx.Close()
	}
	return nil
}
