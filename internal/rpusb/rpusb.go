// Package rpusb holds USB identifiers and interface-discovery helpers
// shared by the PICOBOOT transport and the BOOTSEL resetter: both walk the
// same device tree shape (vendor id, configuration, interface alt
// settings, endpoints), just filtering on different interface triples.
package rpusb

import (
	"sort"

	"github.com/google/gousb"
)

// VendorID is Raspberry Pi's registered USB vendor id.
const VendorID gousb.ID = 0x2E8A

const (
	ProductRp2040 gousb.ID = 0x0003
	ProductRp2350 gousb.ID = 0x000F
)

// TargetID identifies which RP-series chip a PICOBOOT device is.
type TargetID int

const (
	Rp2040 TargetID = iota
	Rp2350
)

func (t TargetID) String() string {
	switch t {
	case Rp2040:
		return "RP2040"
	case Rp2350:
		return "RP2350"
	default:
		return "unknown"
	}
}

// TargetFromProductID maps a PICOBOOT product id to a TargetID.
func TargetFromProductID(pid gousb.ID) (TargetID, bool) {
	switch pid {
	case ProductRp2040:
		return Rp2040, true
	case ProductRp2350:
		return Rp2350, true
	default:
		return 0, false
	}
}

// InterfaceMatch locates one interface/alt-setting pair within a device's
// first configuration, plus its bulk endpoint addresses if it has any.
type InterfaceMatch struct {
	ConfigNum    int
	InterfaceNum int
	AltNum       int
	OutEndpoint  gousb.EndpointAddress
	InEndpoint   gousb.EndpointAddress
	HasBulkOut   bool
	HasBulkIn    bool
}

// FindInterface scans the lowest-numbered configuration in desc for an alt
// setting matching (class, subClass, protocol), and reports its bulk
// endpoints if present. Only the first match is returned; later alt settings
// with the same triple are not reported.
func FindInterface(desc *gousb.DeviceDesc, class, subClass, protocol uint8) (InterfaceMatch, bool) {
	cfgNum, cfg, ok := firstConfig(desc)
	if !ok {
		return InterfaceMatch{}, false
	}

	for _, iface := range cfg.Interfaces {
		for _, alt := range iface.AltSettings {
			if uint8(alt.Class) != class || uint8(alt.SubClass) != subClass || uint8(alt.Protocol) != protocol {
				continue
			}
			m := InterfaceMatch{
				ConfigNum:    cfgNum,
				InterfaceNum: iface.Number,
				AltNum:       alt.Alternate,
			}
			for addr, ep := range alt.Endpoints {
				if ep.TransferType != gousb.TransferTypeBulk {
					continue
				}
				if ep.Direction == gousb.EndpointDirectionOut {
					m.OutEndpoint = addr
					m.HasBulkOut = true
				} else if ep.Direction == gousb.EndpointDirectionIn {
					m.InEndpoint = addr
					m.HasBulkIn = true
				}
			}
			return m, true
		}
	}
	return InterfaceMatch{}, false
}

// FindAllInterfaces returns every alt setting matching (class, subClass,
// protocol), across every interface in the first configuration. Used by
// the resetter, which may need to try more than one candidate interface.
func FindAllInterfaces(desc *gousb.DeviceDesc, class, subClass, protocol uint8) []InterfaceMatch {
	cfgNum, cfg, ok := firstConfig(desc)
	if !ok {
		return nil
	}

	var matches []InterfaceMatch
	for _, iface := range cfg.Interfaces {
		for _, alt := range iface.AltSettings {
			if uint8(alt.Class) != class || uint8(alt.SubClass) != subClass || uint8(alt.Protocol) != protocol {
				continue
			}
			matches = append(matches, InterfaceMatch{
				ConfigNum:    cfgNum,
				InterfaceNum: iface.Number,
				AltNum:       alt.Alternate,
			})
		}
	}
	return matches
}

func firstConfig(desc *gousb.DeviceDesc) (int, gousb.ConfigDesc, bool) {
	if len(desc.Configs) == 0 {
		return 0, gousb.ConfigDesc{}, false
	}
	nums := make([]int, 0, len(desc.Configs))
	for n := range desc.Configs {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	first := nums[0]
	return first, desc.Configs[first], true
}

// ClaimInterface enables auto-detach, opens m's configuration, and claims
// its interface/alt setting. If the OS has a kernel driver bound, gousb's
// auto-detach transparently handles the detach-then-claim the spec
// requires; there is no separate retry path needed on top of it.
func ClaimInterface(dev *gousb.Device, m InterfaceMatch) (*gousb.Config, *gousb.Interface, error) {
	_ = dev.SetAutoDetach(true)

	cfg, err := dev.Config(m.ConfigNum)
	if err != nil {
		return nil, nil, err
	}

	intf, err := cfg.Interface(m.InterfaceNum, m.AltNum)
	if err != nil {
		cfg.Close()
		return nil, nil, err
	}

	return cfg, intf, nil
}
