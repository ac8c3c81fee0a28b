// Package usb implements the PICOBOOT USB transport and the session that
// drives the command/status/ACK protocol over it.
package usb

import (
	"context"

	"picoload/internal/picoboot/cmd"
	"picoload/internal/picoboot/protoerr"
	"picoload/internal/rpusb"
)

// Connection is an open PICOBOOT session: the claimed transport, the
// device's target id, and the monotonically increasing command token.
// Exactly one Connection may exist per device per run; it owns the
// transport for its whole lifetime.
type Connection struct {
	transport Transport
	target    rpusb.TargetID
	token     uint32
	detached  bool
}

// Connect opens the USB transport, claims the PICOBOOT interface, resets
// it, and returns a Connection with its token counter at its initial
// value. Callers must still issue AccessExclusive and ExitXIP before any
// flash operation, per the initialization sequence in spec.md 4.4.
func Connect(ctx context.Context) (*Connection, error) {
	transport, target, err := Open(ctx)
	if err != nil {
		return nil, err
	}
	return &Connection{transport: transport, target: target, token: 1}, nil
}

// TargetID reports which RP chip this connection is talking to.
func (c *Connection) TargetID() rpusb.TargetID {
	return c.target
}

// Close releases the underlying USB resources.
func (c *Connection) Close() error {
	return c.transport.Close()
}

// nextToken stamps and advances the session's command token. Per spec.md
// 3/9: 32-bit, starts at 1, never wraps in practice.
func (c *Connection) nextToken() uint32 {
	t := c.token
	c.token++
	return t
}

// issue runs the full command sequence of spec.md 4.4: stamp token, write
// the command frame, query status (discarded), run the data phase in the
// direction the command id implies, query status again (discarded), then
// the direction-flipped single-byte ACK. It returns the data phase result
// for device-to-host commands, nil otherwise.
func (c *Connection) issue(ctx context.Context, id cmd.ID, cmdSize uint8, transferLen uint32, args [cmd.ArgFrameLen]byte, payload []byte) ([]byte, error) {
	if c.detached {
		// The device has already rebooted away; treat further I/O as a
		// no-op success rather than surfacing a transport error.
		return nil, nil
	}

	frame := cmd.Command{
		Token:       c.nextToken(),
		ID:          id,
		CmdSize:     cmdSize,
		TransferLen: transferLen,
		Args:        args,
	}

	if _, err := c.transport.BulkOut(ctx, frame.Encode(), true); err != nil {
		return nil, protoerr.Wrap(protoerr.Transport, "writing command frame", err)
	}
	if _, err := c.transport.ControlInStatus(ctx); err != nil {
		return nil, protoerr.Wrap(protoerr.Transport, "querying command status", err)
	}

	var result []byte
	if transferLen > 0 {
		if id.DeviceToHost() {
			data, err := c.transport.BulkIn(ctx, int(transferLen), true)
			if err != nil {
				return nil, protoerr.Wrap(protoerr.Transport, "reading command data phase", err)
			}
			result = data
		} else {
			if _, err := c.transport.BulkOut(ctx, payload, true); err != nil {
				return nil, protoerr.Wrap(protoerr.Transport, "writing command data phase", err)
			}
		}
		if _, err := c.transport.ControlInStatus(ctx); err != nil {
			return nil, protoerr.Wrap(protoerr.Transport, "querying command status", err)
		}
	}

	// Zero-length ACK phase, direction opposite the command's data phase.
	if id.DeviceToHost() {
		if _, err := c.transport.BulkOut(ctx, []byte{0x00}, false); err != nil {
			return nil, protoerr.Wrap(protoerr.Transport, "writing ACK", err)
		}
	} else {
		if _, err := c.transport.BulkIn(ctx, 1, false); err != nil {
			return nil, protoerr.Wrap(protoerr.Transport, "reading ACK", err)
		}
	}

	return result, nil
}

// access mode values for AccessExclusive.
const (
	AccessShared        = 0
	AccessExclusiveMode = 1
	AccessExclusiveEject = 2
)

// AccessExclusive claims exclusive (optionally eject) access to the flash.
func (c *Connection) AccessExclusive(ctx context.Context, mode uint8) error {
	var args [cmd.ArgFrameLen]byte
	args[0] = mode
	_, err := c.issue(ctx, cmd.ExclusiveAccess, 1, 0, args, nil)
	return err
}

// ExitXIP takes the device out of execute-in-place mode so raw flash
// programming commands are accepted.
func (c *Connection) ExitXIP(ctx context.Context) error {
	_, err := c.issue(ctx, cmd.ExitXip, 0, 0, [cmd.ArgFrameLen]byte{}, nil)
	return err
}

// FlashErase erases the sector containing addr. size is conventionally
// 4096 (one sector); the device masks the address to its containing
// sector regardless of the low bits passed in.
func (c *Connection) FlashErase(ctx context.Context, addr, size uint32) error {
	_, err := c.issue(ctx, cmd.FlashErase, 8, 0, cmd.RangeArgs(addr, size), nil)
	return err
}

// FlashWrite writes buf to addr.
func (c *Connection) FlashWrite(ctx context.Context, addr uint32, buf []byte) error {
	args := cmd.RangeArgs(addr, uint32(len(buf)))
	_, err := c.issue(ctx, cmd.Write, 8, uint32(len(buf)), args, buf)
	return err
}

// FlashRead reads size bytes starting at addr.
func (c *Connection) FlashRead(ctx context.Context, addr, size uint32) ([]byte, error) {
	return c.issue(ctx, cmd.Read, 8, size, cmd.RangeArgs(addr, size), nil)
}

// Reboot issues the RP2040 reboot command. A transport error after this
// call is expected (the device has gone away) and is treated as success.
func (c *Connection) Reboot(ctx context.Context, pc, sp, delayMs uint32) error {
	_, err := c.issue(ctx, cmd.Reboot, 12, 0, cmd.RebootArgs(pc, sp, delayMs), nil)
	c.detached = true
	if err != nil {
		return nil
	}
	return nil
}

// Reboot2Normal issues the RP2350 normal-boot reboot command. Like Reboot,
// any error from the submission itself is swallowed since the device is
// expected to vanish mid-transfer.
func (c *Connection) Reboot2Normal(ctx context.Context, delayMs uint32) error {
	_, err := c.issue(ctx, cmd.Reboot2, 16, 0, cmd.Reboot2Args(0, delayMs, 0, 0), nil)
	c.detached = true
	if err != nil {
		return nil
	}
	return nil
}
