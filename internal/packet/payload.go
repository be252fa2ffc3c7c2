package packet

// DevicePayload is the body carried inside a Device frame. Discovery replies
// fill the field and command lists; device-addressed commands fill the
// target fields.
type DevicePayload struct {
	TargetID      string
	TargetCmdCode uint8
	FieldNames    []string
	TelemetryData []byte
	CommandNames  []string
	CommandCodes  []uint8
}

func EncodePayload(p *DevicePayload) []byte {
	w := &writer{buf: make([]byte, 0, 64)}
	w.str(p.TargetID)
	w.u8(p.TargetCmdCode)
	w.strs(p.FieldNames)
	w.bytes(p.TelemetryData)
	w.strs(p.CommandNames)
	w.bytes(p.CommandCodes)
	return w.buf
}

func DecodePayload(b []byte) (*DevicePayload, error) {
	r := &reader{buf: b}
	var p DevicePayload
	var err error
	if p.TargetID, err = r.str(); err != nil {
		return nil, err
	}
	if p.TargetCmdCode, err = r.u8(); err != nil {
		return nil, err
	}
	if p.FieldNames, err = r.strs(); err != nil {
		return nil, err
	}
	if p.TelemetryData, err = r.bytes(); err != nil {
		return nil, err
	}
	if p.CommandNames, err = r.strs(); err != nil {
		return nil, err
	}
	if p.CommandCodes, err = r.bytes(); err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return &p, nil
}

// NewDeviceFrame wraps a payload in a Device frame.
func NewDeviceFrame(cmdType uint8, p *DevicePayload) *Device {
	if p == nil {
		p = &DevicePayload{}
	}
	return &Device{CmdType: cmdType, Payload: EncodePayload(p)}
}
