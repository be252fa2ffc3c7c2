package packet

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestCommandRoundTrip(t *testing.T) {
	tok := "header.claims.sig"
	cases := []*Command{
		{CmdType: 1, Timestamp: time.Unix(1700000000, 123456789).UTC(), Payload: []string{`{"username":"admin"}`}, Token: nil},
		{CmdType: 255, Timestamp: time.Unix(0, 0).UTC(), Payload: nil, Token: &tok},
		{CmdType: 69, Timestamp: time.Unix(42, 7).UTC(), Payload: []string{"", "ünïcode", "a\x00b"}, Token: &tok},
	}

	for _, c := range cases {
		enc := EncodeCommand(c)
		dec, err := DecodeCommand(enc)
		if err != nil {
			t.Fatalf("DecodeCommand(%d) failed: %v", c.CmdType, err)
		}
		if dec.CmdType != c.CmdType {
			t.Errorf("cmd_type = %d, want %d", dec.CmdType, c.CmdType)
		}
		if !dec.Timestamp.Equal(c.Timestamp) {
			t.Errorf("timestamp = %v, want %v", dec.Timestamp, c.Timestamp)
		}
		if len(dec.Payload) != len(c.Payload) {
			t.Fatalf("payload len = %d, want %d", len(dec.Payload), len(c.Payload))
		}
		for i := range c.Payload {
			if dec.Payload[i] != c.Payload[i] {
				t.Errorf("payload[%d] = %q, want %q", i, dec.Payload[i], c.Payload[i])
			}
		}
		if dec.TokenString() != c.TokenString() || (dec.Token == nil) != (c.Token == nil) {
			t.Errorf("token = %v, want %v", dec.Token, c.Token)
		}
		if again := EncodeCommand(dec); !bytes.Equal(again, enc) {
			t.Errorf("re-encoding is not stable for cmd_type %d", c.CmdType)
		}
	}
}

func TestCommandLayout(t *testing.T) {
	c := &Command{CmdType: 64, Timestamp: time.Unix(1, 2)}
	enc := EncodeCommand(c)

	if !HasMarker(enc) {
		t.Fatal("marker not found at offset 8")
	}
	if enc[0] != 8 || enc[16] != Version || enc[17] != 64 {
		t.Errorf("unexpected header bytes: % x", enc[:18])
	}
	// header(18) + secs(8) + nanos(4) + payload count(8) + option tag(1)
	if len(enc) != 39 {
		t.Errorf("encoded length = %d, want 39", len(enc))
	}
}

func TestDecodeCommandRejectsBadInput(t *testing.T) {
	good := EncodeCommand(NewCommand(1, "x"))

	badMarker := append([]byte(nil), good...)
	copy(badMarker[8:16], "NOTALINK")
	if _, err := DecodeCommand(badMarker); !errors.Is(err, ErrBadMarker) {
		t.Errorf("bad marker: got %v", err)
	}

	badVersion := append([]byte(nil), good...)
	badVersion[16] = 2
	if _, err := DecodeCommand(badVersion); !errors.Is(err, ErrBadVersion) {
		t.Errorf("bad version: got %v", err)
	}

	for n := 0; n < len(good); n++ {
		if _, err := DecodeCommand(good[:n]); !errors.Is(err, ErrMalformed) {
			t.Fatalf("truncated at %d: got %v", n, err)
		}
	}

	if _, err := DecodeCommand(append(append([]byte(nil), good...), 0)); !errors.Is(err, ErrTrailing) {
		t.Errorf("trailing byte: got %v", err)
	}

	badTag := append([]byte(nil), good...)
	badTag[len(badTag)-1] = 7
	if _, err := DecodeCommand(badTag); !errors.Is(err, ErrOptionalTag) {
		t.Errorf("bad option tag: got %v", err)
	}
}

func TestDeviceRoundTrip(t *testing.T) {
	p := &DevicePayload{
		TargetID:      "bms-1",
		TargetCmdCode: 17,
		FieldNames:    []string{"voltage", "temp"},
		TelemetryData: []byte{48, 25},
		CommandNames:  []string{"balance", "reset"},
		CommandCodes:  []uint8{17, 18},
	}
	frame := NewDeviceFrame(DeviceDiscovery, p)
	enc := EncodeDevice(frame)

	dec, err := DecodeDevice(enc)
	if err != nil {
		t.Fatalf("DecodeDevice failed: %v", err)
	}
	if dec.CmdType != DeviceDiscovery || !bytes.Equal(dec.Payload, frame.Payload) {
		t.Fatalf("decoded frame mismatch: %+v", dec)
	}
	if !bytes.Equal(EncodeDevice(dec), enc) {
		t.Error("device frame re-encoding is not stable")
	}

	got, err := DecodePayload(dec.Payload)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if got.TargetID != p.TargetID || got.TargetCmdCode != p.TargetCmdCode {
		t.Errorf("target = %s/%d, want %s/%d", got.TargetID, got.TargetCmdCode, p.TargetID, p.TargetCmdCode)
	}
	if len(got.FieldNames) != 2 || got.FieldNames[1] != "temp" || !bytes.Equal(got.TelemetryData, p.TelemetryData) {
		t.Errorf("fields = %v %v", got.FieldNames, got.TelemetryData)
	}
	if len(got.CommandNames) != 2 || !bytes.Equal(got.CommandCodes, p.CommandCodes) {
		t.Errorf("commands = %v %v", got.CommandNames, got.CommandCodes)
	}
	if !bytes.Equal(EncodePayload(got), dec.Payload) {
		t.Error("payload re-encoding is not stable")
	}
}

func TestReadDeviceStream(t *testing.T) {
	first := EncodeDevice(&Device{CmdType: DeviceLaunch, Payload: []byte{1, 2, 3}})
	second := EncodeDevice(&Device{CmdType: DeviceBrake})
	stream := bytes.NewReader(append(append([]byte(nil), first...), second...))

	a, err := ReadDevice(stream)
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	b, err := ReadDevice(stream)
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if a.CmdType != DeviceLaunch || !bytes.Equal(a.Payload, []byte{1, 2, 3}) {
		t.Errorf("first frame = %+v", a)
	}
	if b.CmdType != DeviceBrake || len(b.Payload) != 0 {
		t.Errorf("second frame = %+v", b)
	}
}

func TestReadDeviceRejectsOversizedPayload(t *testing.T) {
	enc := EncodeDevice(&Device{CmdType: 1})
	// Overwrite the payload length prefix.
	for i := 18; i < 26; i++ {
		enc[i] = 0xff
	}
	if _, err := ReadDevice(bytes.NewReader(enc)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("got %v, want ErrTooLarge", err)
	}
}

func TestCommandErrorDropsToken(t *testing.T) {
	c := NewCommandWithAuth(32, "secret", "a", "b")
	c.Error("Not authorized")
	if c.CmdType != 0 || len(c.Payload) != 1 || c.Payload[0] != "Not authorized" || c.Token != nil {
		t.Errorf("unexpected rejection packet: %+v", c)
	}
}
