package pmu

import (
	"bytes"
	"reflect"
	"testing"
)

func TestHeartbeatFrameBytes(t *testing.T) {
	f := Frame{
		Src:      AddrHost,
		Dst:      AddrPMU,
		FrameNum: 0,
		Command:  CmdHeartbeat,
	}
	got := f.AppendTo(nil)
	want := []byte{
		0xA5, 0x01, 0x81, 0x00, 0x00, 0x03, 0x00, 0x01, 0x00, 0x00,
		0xC8, 0x44, 0x5A,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("heartbeat frame\ngot:  %#x\nwant: %#x", got, want)
	}
}

func TestCRC16KnownValue(t *testing.T) {
	data := []byte{0x01, 0x81, 0x00, 0x00, 0x03, 0x00, 0x01, 0x00, 0x00}
	if got := CRC16(data); got != 0x44C8 {
		t.Errorf("CRC16 = %#x, want 0x44c8", got)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	frames := []Frame{
		{Src: AddrHost, Dst: AddrPMU, FrameNum: 0, Command: CmdHeartbeat},
		{Src: AddrPMU, Dst: AddrHost, FrameNum: 0xFFFF, Command: CmdStatusReport,
			Extra: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
			NeedAck: true},
		{Src: AddrHost, Dst: AddrPMU, FrameNum: 42, Command: CmdDateTimeSync,
			Extra: []byte{0xE8, 0x07, 1, 2, 3, 4, 5}, NeedAck: true},
		{Src: AddrHost, Dst: AddrPMU, FrameNum: 7, Command: CmdWatchdogTimeoutSet,
			Extra: []byte{60, 60, 5}, NeedAck: true},
	}
	for _, want := range frames {
		buf := want.AppendTo(nil)
		var got []Frame
		used := extractFrames(buf, func(f Frame) { got = append(got, f) })
		if used != len(buf) {
			t.Errorf("consumed %d of %d bytes", used, len(buf))
		}
		if len(got) != 1 {
			t.Fatalf("parsed %d frames, want 1", len(got))
		}
		if !reflect.DeepEqual(got[0], want) {
			t.Errorf("round trip\ngot:  %+v\nwant: %+v", got[0], want)
		}
	}
}

func TestExtractFramesResync(t *testing.T) {
	good := Frame{Src: AddrPMU, Dst: AddrHost, FrameNum: 3, Command: CmdHeartbeatAck}
	buf := []byte{0x00, 0xFF, 0xA5, 0x12}
	buf = good.AppendTo(buf)

	var got []Frame
	extractFrames(buf, func(f Frame) { got = append(got, f) })
	if len(got) != 1 || got[0].Command != CmdHeartbeatAck {
		t.Fatalf("expected one resynced frame, got %+v", got)
	}
}

func TestExtractFramesBadCRC(t *testing.T) {
	good := Frame{Src: AddrPMU, Dst: AddrHost, FrameNum: 1, Command: CmdHeartbeatAck}
	bad := good.AppendTo(nil)
	bad[10] ^= 0xFF // corrupt the CRC
	buf := append(bad, good.AppendTo(nil)...)

	var got []Frame
	used := extractFrames(buf, func(f Frame) { got = append(got, f) })
	if len(got) != 1 {
		t.Fatalf("parsed %d frames, want 1 (bad CRC skipped)", len(got))
	}
	if used != len(buf) {
		t.Errorf("consumed %d of %d bytes", used, len(buf))
	}
}

func TestExtractFramesIncomplete(t *testing.T) {
	f := Frame{Src: AddrPMU, Dst: AddrHost, FrameNum: 9, Command: CmdStatusReport,
		Extra: bytes.Repeat([]byte{0xAB}, 16)}
	whole := f.AppendTo(nil)

	// Garbage followed by a partial frame: the garbage is consumed, the
	// prefix stays buffered.
	buf := append([]byte{0x01, 0x02}, whole[:len(whole)-4]...)
	var got []Frame
	used := extractFrames(buf, func(fr Frame) { got = append(got, fr) })
	if len(got) != 0 {
		t.Fatalf("parsed %d frames from incomplete input", len(got))
	}
	if used != 2 {
		t.Errorf("consumed %d bytes, want 2", used)
	}

	// Completing the frame parses it.
	rest := append(buf[used:], whole[len(whole)-4:]...)
	got = nil
	extractFrames(rest, func(fr Frame) { got = append(got, fr) })
	if len(got) != 1 || got[0].Command != CmdStatusReport {
		t.Fatalf("completed frame not parsed: %+v", got)
	}
}
