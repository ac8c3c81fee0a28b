// Package flasher orchestrates a full UF2 flashing job: decode, page split,
// per-sector erase-on-first-touch, write, readback verify, and a terminal
// reboot selected by target chip.
package flasher

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"picoload/internal/picoboot/protoerr"
	"picoload/internal/rpusb"
	"picoload/internal/uf2"
)

const (
	flashBase   = 0x10000000
	sectorSize  = 4096
	pageSize    = uf2.PageSize
	rp2040SP    = 0x20042000
	rebootDelay = 500
)

// Programmer is the subset of a PICOBOOT connection the flasher needs. The
// real implementation is usb.Connection; tests supply an in-memory fake.
type Programmer interface {
	TargetID() rpusb.TargetID
	AccessExclusive(ctx context.Context, mode uint8) error
	ExitXIP(ctx context.Context) error
	FlashErase(ctx context.Context, addr, size uint32) error
	FlashWrite(ctx context.Context, addr uint32, buf []byte) error
	FlashRead(ctx context.Context, addr, size uint32) ([]byte, error)
	Reboot(ctx context.Context, pc, sp, delayMs uint32) error
	Reboot2Normal(ctx context.Context, delayMs uint32) error
}

// Progress reports each step of a flash job as it happens, so the CLI can
// print a phase banner without the flasher package knowing about output
// formatting.
type Progress interface {
	Erasing(sectorBase uint32)
	Writing(addr uint32, page int, total int)
	Verifying(addr uint32)
	Rebooting(target rpusb.TargetID)
}

// NoProgress discards all progress notifications.
type NoProgress struct{}

func (NoProgress) Erasing(uint32)              {}
func (NoProgress) Writing(uint32, int, int)    {}
func (NoProgress) Verifying(uint32)            {}
func (NoProgress) Rebooting(rpusb.TargetID)    {}

// Stats summarizes a completed flash job for the CLI's terminal summary.
type Stats struct {
	Target        rpusb.TargetID
	PagesWritten  int
	SectorsErased int
	TotalBytes    int
}

// Init runs the initialization sequence spec.md 4.4 requires before any
// flash operation: exclusive+eject access, then exit XIP. Connect/Open
// (transport claim + interface reset) must already have happened.
func Init(ctx context.Context, p Programmer) error {
	if err := p.AccessExclusive(ctx, 2); err != nil {
		return protoerr.Wrap(protoerr.Protocol, "claiming exclusive access", err)
	}
	if err := p.ExitXIP(ctx); err != nil {
		return protoerr.Wrap(protoerr.Protocol, "exiting XIP mode", err)
	}
	return nil
}

// FlashFile reads path, decodes it as UF2, and flashes every page to p,
// verifying each by readback, then reboots the target.
func FlashFile(ctx context.Context, p Programmer, path string, progress Progress) (*Stats, error) {
	if progress == nil {
		progress = NoProgress{}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.Input, "reading UF2 file", err)
	}

	image, err := uf2.Decode(raw)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.Input, "decoding UF2 image", err)
	}

	pages := uf2.Pages(image)
	stats := &Stats{Target: p.TargetID(), TotalBytes: len(image)}

	erased := make(map[uint32]bool)

	for i, page := range pages {
		addr := uint32(flashBase + i*pageSize)
		sectorBase := addr - (addr % sectorSize)

		if !erased[sectorBase] {
			progress.Erasing(sectorBase)
			// The erase address passed is the page address, not the
			// sector base: the device masks the low 12 bits internally.
			// Preserved verbatim to match the reference implementation's
			// observed wire behavior.
			if err := p.FlashErase(ctx, addr, sectorSize); err != nil {
				return nil, protoerr.Wrap(protoerr.Protocol, fmt.Sprintf("erasing sector at 0x%08x", sectorBase), err)
			}
			erased[sectorBase] = true
			stats.SectorsErased++
		}

		progress.Writing(addr, i, len(pages))
		if err := p.FlashWrite(ctx, addr, page); err != nil {
			return nil, protoerr.Wrap(protoerr.Protocol, fmt.Sprintf("writing page at 0x%08x", addr), err)
		}

		progress.Verifying(addr)
		readback, err := p.FlashRead(ctx, addr, pageSize)
		if err != nil {
			return nil, protoerr.Wrap(protoerr.Protocol, fmt.Sprintf("reading back page at 0x%08x", addr), err)
		}
		if !bytes.Equal(readback, page) {
			return nil, protoerr.New(protoerr.Verify, fmt.Sprintf("readback mismatch at 0x%08x", addr))
		}

		stats.PagesWritten++
	}

	progress.Rebooting(stats.Target)
	switch stats.Target {
	case rpusb.Rp2040:
		if err := p.Reboot(ctx, 0, rp2040SP, rebootDelay); err != nil {
			return nil, protoerr.Wrap(protoerr.Transport, "rebooting RP2040", err)
		}
	case rpusb.Rp2350:
		if err := p.Reboot2Normal(ctx, rebootDelay); err != nil {
			return nil, protoerr.Wrap(protoerr.Transport, "rebooting RP2350", err)
		}
	default:
		return nil, protoerr.New(protoerr.Protocol, "unknown target chip, cannot reboot")
	}

	return stats, nil
}
