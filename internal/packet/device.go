package packet

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Reserved device command codes.
const (
	DeviceError      uint8 = 0
	DeviceDiscovery  uint8 = 1
	DeviceDisconnect uint8 = 2
	DeviceLaunch     uint8 = 254
	DeviceBrake      uint8 = 255
)

// IsReservedDeviceCode reports codes that are handled by the pod itself rather
// than resolved through a device's discovered command table.
func IsReservedDeviceCode(code uint8) bool {
	switch code {
	case DeviceError, DeviceDiscovery, DeviceDisconnect, DeviceLaunch, DeviceBrake:
		return true
	}
	return false
}

// Device is the frame sent over TCP to embedded controllers. There is no
// timestamp; targets may not have a clock.
type Device struct {
	CmdType uint8
	Payload []byte
}

func EncodeDevice(d *Device) []byte {
	w := &writer{buf: make([]byte, 0, 32+len(d.Payload))}
	w.str(Marker)
	w.u8(Version)
	w.u8(d.CmdType)
	w.bytes(d.Payload)
	return w.buf
}

func DecodeDevice(b []byte) (*Device, error) {
	r := &reader{buf: b}
	cmdType, err := r.header()
	if err != nil {
		return nil, err
	}
	payload, err := r.bytes()
	if err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return &Device{CmdType: cmdType, Payload: payload}, nil
}

// ReadDevice reads exactly one device frame from a stream.
func ReadDevice(rd io.Reader) (*Device, error) {
	// marker prefix + marker + version + cmd_type + payload length
	head := make([]byte, 8+len(Marker)+2+8)
	if _, err := io.ReadFull(rd, head); err != nil {
		return nil, err
	}
	if n := binary.LittleEndian.Uint64(head[0:8]); n != uint64(len(Marker)) {
		return nil, ErrBadMarker
	}
	if string(head[8:16]) != Marker {
		return nil, ErrBadMarker
	}
	if head[16] != Version {
		return nil, ErrBadVersion
	}
	size := binary.LittleEndian.Uint64(head[18:26])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(rd, payload); err != nil {
		return nil, err
	}
	return &Device{CmdType: head[17], Payload: payload}, nil
}
