package devices

import (
	"errors"
	"fmt"
	"sync"

	"pod-service/internal/types"
)

var (
	ErrDuplicateDevice = errors.New("device already exists")
	ErrUnknownDevice   = errors.New("device not found")
)

// List is the shared device table. The lock is held only for a single read
// or write; callers iterate over a Snapshot.
type List struct {
	mu      sync.RWMutex
	devices []types.Device
}

func NewList(initial []types.Device) *List {
	l := &List{}
	l.Replace(initial)
	return l
}

// Snapshot returns a deep copy of every device.
func (l *List) Snapshot() []types.Device {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.Device, len(l.devices))
	for i, d := range l.devices {
		out[i] = d.Clone()
	}
	return out
}

func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.devices)
}

func (l *List) Get(index int) (types.Device, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.devices) {
		return types.Device{}, false
	}
	return l.devices[index].Clone(), true
}

// Index returns the position of the device with id, or -1.
func (l *List) Index(id string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.indexLocked(id)
}

func (l *List) indexLocked(id string) int {
	for i := range l.devices {
		if l.devices[i].ID == id {
			return i
		}
	}
	return -1
}

// Replace swaps the whole table, used when loading persisted devices.
func (l *List) Replace(devices []types.Device) {
	next := make([]types.Device, len(devices))
	for i, d := range devices {
		next[i] = d.Clone()
	}
	l.mu.Lock()
	l.devices = next
	l.mu.Unlock()
}

// Add appends a new device. Discovery owns fields and commands, so both
// start empty and the connection state starts disconnected.
func (l *List) Add(d types.Device) error {
	d = d.Clone()
	d.Fields = nil
	d.Commands = nil
	d.ConnectionStatus = types.Disconnected
	if d.DeviceStatus == "" {
		d.DeviceStatus = types.DeviceUnsafe
	}
	if d.Icon == "" {
		d.Icon = d.Type.Icon()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.indexLocked(d.ID) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, d.ID)
	}
	l.devices = append(l.devices, d)
	return nil
}

// Update replaces the operator-editable properties of the device with the
// same id. Discovered fields and commands survive the edit.
func (l *List) Update(d types.Device) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexLocked(d.ID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, d.ID)
	}
	cur := &l.devices[i]
	cur.Name = d.Name
	cur.Type = d.Type
	cur.IPAddress = d.IPAddress
	cur.Port = d.Port
	cur.Icon = d.Icon
	if cur.Icon == "" {
		cur.Icon = d.Type.Icon()
	}
	return nil
}

func (l *List) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	l.devices = append(l.devices[:i], l.devices[i+1:]...)
	return nil
}

// SetConnection records the connection state of the device at index.
func (l *List) SetConnection(index int, status types.ConnectionStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.devices) {
		return
	}
	l.devices[index].ConnectionStatus = status
	if status == types.Disconnected {
		l.devices[index].DeviceStatus = types.DeviceUnsafe
	}
}

// SetDiscovery rebuilds the fields and command table of the device at
// index. No other device is touched.
func (l *List) SetDiscovery(index int, fields []types.DeviceField, commands []types.DeviceCommand) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.devices) {
		return
	}
	l.devices[index].Fields = fields
	l.devices[index].Commands = commands
	l.devices[index].DeviceStatus = types.DeviceOperational
}
