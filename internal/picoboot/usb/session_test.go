package usb

import (
	"context"
	"testing"

	"picoload/internal/picoboot/cmd"
)

// recordingTransport is an in-memory stand-in for a real PICOBOOT device.
// It decodes each command frame it receives and replies just enough to let
// the session's protocol sequence complete, while logging every transfer
// so tests can assert on ordering, direction and length.
type transferLog struct {
	kind string // "out" or "in"
	n    int
}

type recordingTransport struct {
	transfers []transferLog
	lastCmd   cmd.Command
	flash     map[uint32][]byte
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{flash: make(map[uint32][]byte)}
}

func (m *recordingTransport) BulkOut(ctx context.Context, data []byte, check bool) (int, error) {
	m.transfers = append(m.transfers, transferLog{"out", len(data)})
	if len(data) == cmd.CommandFrameLen {
		c, err := cmd.DecodeCommand(data)
		if err != nil {
			return 0, err
		}
		m.lastCmd = c
	} else if !m.lastCmd.ID.DeviceToHost() && len(data) == int(m.lastCmd.TransferLen) {
		addr := addrFromArgs(m.lastCmd.Args)
		buf := make([]byte, len(data))
		copy(buf, data)
		m.flash[addr] = buf
	}
	return len(data), nil
}

func (m *recordingTransport) BulkIn(ctx context.Context, n int, check bool) ([]byte, error) {
	m.transfers = append(m.transfers, transferLog{"in", n})
	if n == 1 {
		return []byte{0x00}, nil
	}
	addr := addrFromArgs(m.lastCmd.Args)
	data, ok := m.flash[addr]
	if !ok {
		data = make([]byte, n)
	}
	return data[:n], nil
}

func (m *recordingTransport) ControlInStatus(ctx context.Context) ([]byte, error) {
	s := cmd.StatusFrame{Token: m.lastCmd.Token, Status: cmd.StatusOk, LastCmdID: m.lastCmd.ID}
	return s.Encode(), nil
}

func (m *recordingTransport) Close() error { return nil }

func addrFromArgs(args [cmd.ArgFrameLen]byte) uint32 {
	return uint32(args[0]) | uint32(args[1])<<8 | uint32(args[2])<<16 | uint32(args[3])<<24
}

func newTestConnection() (*Connection, *recordingTransport) {
	rt := newRecordingTransport()
	return &Connection{transport: rt, token: 1}, rt
}

func TestTokenMonotonicity(t *testing.T) {
	conn, rt := newTestConnection()
	ctx := context.Background()

	if err := conn.ExitXIP(ctx); err != nil {
		t.Fatalf("ExitXIP: %v", err)
	}
	if err := conn.FlashErase(ctx, 0x10000000, 4096); err != nil {
		t.Fatalf("FlashErase: %v", err)
	}
	if err := conn.FlashWrite(ctx, 0x10000000, make([]byte, 256)); err != nil {
		t.Fatalf("FlashWrite: %v", err)
	}

	if rt.lastCmd.Token != 3 {
		t.Fatalf("expected token 3 on third command, got %d", rt.lastCmd.Token)
	}
}

func TestAckParityHostToDevice(t *testing.T) {
	conn, rt := newTestConnection()
	ctx := context.Background()

	if err := conn.FlashErase(ctx, 0x10000000, 4096); err != nil {
		t.Fatalf("FlashErase: %v", err)
	}

	// Host-to-device command (no data phase, FlashErase has transferLen=0):
	// command-out, status query(control, not logged here), ACK bulk-in(1).
	last := rt.transfers[len(rt.transfers)-1]
	if last.kind != "in" || last.n != 1 {
		t.Fatalf("expected trailing 1-byte bulk-in ACK, got %+v", last)
	}
}

func TestAckParityDeviceToHost(t *testing.T) {
	conn, rt := newTestConnection()
	ctx := context.Background()

	if _, err := conn.FlashRead(ctx, 0x10000000, 256); err != nil {
		t.Fatalf("FlashRead: %v", err)
	}

	last := rt.transfers[len(rt.transfers)-1]
	if last.kind != "out" || last.n != 1 {
		t.Fatalf("expected trailing 1-byte bulk-out ACK, got %+v", last)
	}
}

func TestFlashWriteThenReadRoundTrip(t *testing.T) {
	conn, _ := newTestConnection()
	ctx := context.Background()

	page := make([]byte, 256)
	for i := range page {
		page[i] = byte(i)
	}

	if err := conn.FlashWrite(ctx, 0x10000000, page); err != nil {
		t.Fatalf("FlashWrite: %v", err)
	}
	read, err := conn.FlashRead(ctx, 0x10000000, 256)
	if err != nil {
		t.Fatalf("FlashRead: %v", err)
	}
	for i := range page {
		if read[i] != page[i] {
			t.Fatalf("readback mismatch at byte %d: got %x, want %x", i, read[i], page[i])
		}
	}
}

func TestRebootSwallowsSubsequentError(t *testing.T) {
	conn, rt := newTestConnection()
	ctx := context.Background()

	if err := conn.Reboot(ctx, 0, 0x20042000, 500); err != nil {
		t.Fatalf("Reboot returned error, should be swallowed: %v", err)
	}
	// Any further command on a detached connection must succeed as a no-op.
	before := len(rt.transfers)
	if err := conn.ExitXIP(ctx); err != nil {
		t.Fatalf("post-reboot command should be a no-op success, got: %v", err)
	}
	if len(rt.transfers) != before {
		t.Fatalf("post-reboot command reached the transport: %d transfers, want %d", len(rt.transfers), before)
	}
}
