package messaging

import (
	"bytes"
	"testing"

	"pod-service/internal/types"
)

func TestDeviceListEncoding(t *testing.T) {
	devices := []types.Device{
		{
			ID:               "bat-1",
			Name:             "Battery",
			Type:             types.DeviceBattery,
			Icon:             "battery_full",
			IPAddress:        "10.0.0.5",
			Port:             5000,
			ConnectionStatus: types.Disconnected,
			DeviceStatus:     types.DeviceUnsafe,
			Fields:           []types.DeviceField{{Name: "voltage", Value: "48"}},
			Commands:         []types.DeviceCommand{{Name: "precharge", Code: 10}},
		},
		{ID: "inv-1", Type: types.DeviceInverter, Port: 5001},
	}

	blob, err := encodeDevices(devices)
	if err != nil {
		t.Fatal(err)
	}
	again, err := encodeDevices(devices)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(blob, again) {
		t.Error("encoding is not deterministic")
	}

	got, err := decodeDevices(blob)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("decoded %d devices", len(got))
	}
	if got[0].Addr() != "10.0.0.5:5000" || got[0].Fields[0].Value != "48" || got[0].Commands[0].Code != 10 {
		t.Errorf("decoded device %+v", got[0])
	}
	if got[1].Type != types.DeviceInverter {
		t.Errorf("decoded device %+v", got[1])
	}
}

func TestEmptyDeviceList(t *testing.T) {
	blob, err := encodeDevices(nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := decodeDevices(blob)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("decoded %d devices from an empty list", len(got))
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := decodeDevices([]byte{0xff, 0x00}); err == nil {
		t.Error("garbage decoded without error")
	}
}

func TestUserKey(t *testing.T) {
	if got := userKey("admin"); got != "user:admin" {
		t.Errorf("userKey = %q", got)
	}
}
