package devices

import (
	"errors"
	"testing"

	"pod-service/internal/types"
)

func TestListEdits(t *testing.T) {
	l := NewList(nil)

	if err := l.Add(types.Device{ID: "bat", Type: types.DeviceBattery, Fields: []types.DeviceField{{Name: "x"}}}); err != nil {
		t.Fatal(err)
	}
	if err := l.Add(types.Device{ID: "bat"}); !errors.Is(err, ErrDuplicateDevice) {
		t.Errorf("duplicate add = %v", err)
	}

	d, ok := l.Get(0)
	if !ok {
		t.Fatal("Get(0) missing")
	}
	if len(d.Fields) != 0 {
		t.Error("Add kept operator-supplied fields")
	}
	if d.Icon != types.DeviceBattery.Icon() || d.ConnectionStatus != types.Disconnected {
		t.Errorf("defaults not applied: %+v", d)
	}

	l.SetDiscovery(0, []types.DeviceField{{Name: "v", Value: "1"}}, nil)
	if err := l.Update(types.Device{ID: "bat", Name: "Main battery", IPAddress: "10.0.0.2", Port: 5000}); err != nil {
		t.Fatal(err)
	}
	d, _ = l.Get(0)
	if d.Name != "Main battery" || d.Port != 5000 || len(d.Fields) != 1 {
		t.Errorf("Update result %+v", d)
	}

	if err := l.Update(types.Device{ID: "nope"}); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("update unknown = %v", err)
	}
	if err := l.Remove("bat"); err != nil {
		t.Fatal(err)
	}
	if l.Len() != 0 {
		t.Errorf("Len = %d after remove", l.Len())
	}
}

func TestSnapshotIsIsolated(t *testing.T) {
	l := NewList([]types.Device{{ID: "a"}})
	l.SetDiscovery(0, []types.DeviceField{{Name: "v", Value: "1"}}, nil)

	snap := l.Snapshot()
	snap[0].Fields[0].Value = "changed"

	d, _ := l.Get(0)
	if d.Fields[0].Value != "1" {
		t.Error("snapshot mutation leaked into the list")
	}
}
