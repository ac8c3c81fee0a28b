// Package reset implements the BOOTSEL resetter: an independent utility
// that finds a running RP device exposing the vendor reset interface and
// kicks it into BOOTSEL so it can then be flashed.
package reset

import (
	"fmt"

	"github.com/google/gousb"
	hashiMultierror "github.com/hashicorp/go-multierror"

	"picoload/internal/picoboot/protoerr"
	"picoload/internal/rpusb"
)

const resetRequestBootsel = 0x01

// ToBootsel enumerates every RP-vendor device (any product id), claims
// every interface matching the reset triple (class=0xFF, subclass=0,
// protocol=1), and issues the class-specific reset-to-BOOTSEL control
// request on each. A USB stall on that transfer is the expected success
// signal, not an error, so it is swallowed rather than reported.
//
// Reports zero devices or zero reset-capable interfaces as a clean,
// non-fatal outcome (found=false) rather than an error; a real failure to
// claim an interface that was found is aggregated and returned.
func ToBootsel() (found bool, err error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devices, openErr := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == rpusb.VendorID
	})
	if openErr != nil {
		return false, protoerr.Wrap(protoerr.Discovery, "enumerating USB devices", openErr)
	}
	defer func() {
		for _, d := range devices {
			d.Close()
		}
	}()

	if len(devices) == 0 {
		fmt.Println("no RP devices found")
		return false, nil
	}
	if len(devices) > 1 {
		fmt.Println("found more than one RP device, resetting all of them")
	}

	var result *hashiMultierror.Error
	any := false

	for _, dev := range devices {
		matches := rpusb.FindAllInterfaces(dev.Desc, 0xFF, 0x00, 0x01)
		for _, m := range matches {
			any = true
			if err := resetOne(dev, m); err != nil {
				result = hashiMultierror.Append(result, err)
			}
		}
	}

	if !any {
		fmt.Println("no RP devices expose the reset interface")
		return false, nil
	}

	if result != nil {
		return true, protoerr.Wrap(protoerr.Claim, "resetting one or more devices", result)
	}
	return true, nil
}

func resetOne(dev *gousb.Device, m rpusb.InterfaceMatch) error {
	cfg, intf, err := rpusb.ClaimInterface(dev, m)
	if err != nil {
		return protoerr.Wrap(protoerr.Claim, "claiming reset interface", err)
	}
	defer intf.Close()
	defer cfg.Close()

	fmt.Printf("resetting device on interface %d\n", m.InterfaceNum)

	// On successful reset the device answers with a USB stall as it
	// reboots; there is no way to distinguish that from a genuine
	// transport failure without reconnecting over PICOBOOT, so the
	// result of this control transfer is deliberately not checked.
	_, _ = dev.Control(
		gousb.ControlClass|gousb.ControlOut|gousb.ControlInterface,
		resetRequestBootsel, 0, uint16(m.InterfaceNum), nil)

	return nil
}
