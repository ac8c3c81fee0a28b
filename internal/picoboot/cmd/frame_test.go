package cmd

import (
	"bytes"
	"testing"
)

func TestCommandEncodeWireTrace(t *testing.T) {
	// spec.md 8-S6: flash_erase(addr=0x10001000, size=0x1000) at token 7.
	args := RangeArgs(0x10001000, 0x1000)
	c := Command{
		Token:       7,
		ID:          FlashErase,
		CmdSize:     8,
		TransferLen: 0,
		Args:        args,
	}

	want := []byte{
		0x0B, 0xD1, 0x1F, 0x43, // magic
		0x07, 0x00, 0x00, 0x00, // token
		0x03,                   // cmd_id (FlashErase)
		0x08,                   // cmd_size
		0x00, 0x00,             // reserved
		0x00, 0x00, 0x00, 0x00, // transfer_len
		0x00, 0x10, 0x00, 0x10, 0x00, 0x10, 0x00, 0x00, // Range addr/size
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // Range padding
	}

	got := c.Encode()
	if len(got) != CommandFrameLen {
		t.Fatalf("encoded frame length = %d, want %d", len(got), CommandFrameLen)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("wire mismatch:\n got  %x\n want %x", got, want)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	c := Command{
		Token:       42,
		ID:          Write,
		CmdSize:     8,
		TransferLen: 256,
		Args:        RangeArgs(0x10000100, 256),
	}
	decoded, err := DecodeCommand(c.Encode())
	if err != nil {
		t.Fatalf("DecodeCommand failed: %v", err)
	}
	if decoded != c {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, c)
	}
}

func TestDecodeCommandBadMagic(t *testing.T) {
	buf := make([]byte, CommandFrameLen)
	if _, err := DecodeCommand(buf); err == nil {
		t.Fatal("expected error for zeroed (bad magic) command frame")
	}
}

func TestDecodeCommandWrongLength(t *testing.T) {
	if _, err := DecodeCommand(make([]byte, CommandFrameLen-1)); err == nil {
		t.Fatal("expected error for short command frame")
	}
}

func TestStatusRoundTrip(t *testing.T) {
	s := StatusFrame{
		Token:      5,
		Status:     StatusOk,
		LastCmdID:  Write,
		InProgress: true,
	}
	decoded, err := DecodeStatus(s.Encode())
	if err != nil {
		t.Fatalf("DecodeStatus failed: %v", err)
	}
	if decoded != s {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, s)
	}
}

func TestDecodeStatusWrongLength(t *testing.T) {
	if _, err := DecodeStatus(make([]byte, StatusFrameLen+1)); err == nil {
		t.Fatal("expected error for oversized status frame")
	}
}

func TestDecodeStatusUnknownCode(t *testing.T) {
	s := StatusFrame{Status: 18}
	buf := s.Encode()
	if _, err := DecodeStatus(buf); err == nil {
		t.Fatal("expected error for out-of-range status code")
	}
}

func TestDeviceToHostBit(t *testing.T) {
	cases := map[ID]bool{
		Read:            true,
		GetInfo:         true,
		OtpRead:         true,
		Write:           false,
		FlashErase:      false,
		ExclusiveAccess: false,
		Reboot:          false,
		Reboot2:         false,
		OtpWrite:        false,
	}
	for id, want := range cases {
		if got := id.DeviceToHost(); got != want {
			t.Errorf("%v.DeviceToHost() = %v, want %v", id, got, want)
		}
	}
}

func TestArgFramesAreSixteenBytes(t *testing.T) {
	if len(RangeArgs(0, 0)) != ArgFrameLen {
		t.Fatalf("RangeArgs wrong length")
	}
	if len(RebootArgs(0, 0, 0)) != ArgFrameLen {
		t.Fatalf("RebootArgs wrong length")
	}
	if len(Reboot2Args(0, 0, 0, 0)) != ArgFrameLen {
		t.Fatalf("Reboot2Args wrong length")
	}
}
