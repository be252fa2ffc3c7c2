package types

import (
	"net"
	"strconv"
)

type DeviceType string

const (
	DeviceBattery  DeviceType = "BATTERY"
	DeviceInverter DeviceType = "INVERTER"
	DeviceSensor   DeviceType = "SENSOR"
)

// Icon returns the operator UI icon name for the device type.
func (t DeviceType) Icon() string {
	switch t {
	case DeviceBattery:
		return "battery_full"
	case DeviceInverter:
		return "bolt"
	case DeviceSensor:
		return "speed"
	default:
		return ""
	}
}

type ConnectionStatus string

const (
	Disconnected ConnectionStatus = "Disconnected"
	Connected    ConnectionStatus = "Connected"
)

type DeviceStatus string

const (
	DeviceUnsafe      DeviceStatus = "Unsafe"
	DeviceOperational DeviceStatus = "Operational"
)

type DeviceField struct {
	Name  string `json:"field_name" cbor:"field_name"`
	Value string `json:"field_value" cbor:"field_value"`
}

type DeviceCommand struct {
	Name string `json:"name" cbor:"name"`
	Code uint8  `json:"code" cbor:"code"`
}

// Device is an embedded controller on the pod. Fields and Commands are only
// ever written by the discovery handshake.
type Device struct {
	ID               string           `json:"id" cbor:"id"`
	Name             string           `json:"name" cbor:"name"`
	Type             DeviceType       `json:"device_type" cbor:"device_type"`
	Icon             string           `json:"icon" cbor:"icon"`
	IPAddress        string           `json:"ip_address" cbor:"ip_address"`
	Port             uint16           `json:"port" cbor:"port"`
	ConnectionStatus ConnectionStatus `json:"connection_status" cbor:"connection_status"`
	DeviceStatus     DeviceStatus     `json:"device_status" cbor:"device_status"`
	Fields           []DeviceField    `json:"fields" cbor:"fields"`
	Commands         []DeviceCommand  `json:"commands" cbor:"commands"`
}

func (d Device) Addr() string {
	return net.JoinHostPort(d.IPAddress, strconv.Itoa(int(d.Port)))
}

// CommandCode resolves a command code through the discovered command table.
func (d Device) CommandCode(code uint8) (DeviceCommand, bool) {
	for _, c := range d.Commands {
		if c.Code == code {
			return c, true
		}
	}
	return DeviceCommand{}, false
}

// Clone returns a copy that shares no slices with d.
func (d Device) Clone() Device {
	out := d
	if d.Fields != nil {
		out.Fields = append([]DeviceField(nil), d.Fields...)
	}
	if d.Commands != nil {
		out.Commands = append([]DeviceCommand(nil), d.Commands...)
	}
	return out
}
