package packet

import (
	"time"
)

// Command is the envelope exchanged with remote operators. Subsystems mutate
// it in place: the payload is overwritten with results before the reply.
type Command struct {
	CmdType   uint8
	Timestamp time.Time
	Payload   []string
	Token     *string
}

func NewCommand(cmdType uint8, payload ...string) *Command {
	return &Command{
		CmdType:   cmdType,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

func NewCommandWithAuth(cmdType uint8, token string, payload ...string) *Command {
	c := NewCommand(cmdType, payload...)
	c.Token = &token
	return c
}

// Arg returns payload element i, or "" when absent.
func (c *Command) Arg(i int) string {
	if i < 0 || i >= len(c.Payload) {
		return ""
	}
	return c.Payload[i]
}

// TokenString returns the auth token, or "" when none was sent.
func (c *Command) TokenString() string {
	if c.Token == nil {
		return ""
	}
	return *c.Token
}

// Reply overwrites the packet with a result.
func (c *Command) Reply(cmdType uint8, payload ...string) *Command {
	c.CmdType = cmdType
	c.Payload = payload
	return c
}

// Error turns the packet into a rejection: cmd_type 0 with one message.
// The token is dropped so rejections never echo credentials.
func (c *Command) Error(msg string) *Command {
	c.CmdType = 0
	c.Payload = []string{msg}
	c.Token = nil
	return c
}

// Clone returns a deep copy.
func (c *Command) Clone() *Command {
	out := *c
	out.Payload = append([]string(nil), c.Payload...)
	if c.Token != nil {
		t := *c.Token
		out.Token = &t
	}
	return &out
}

func EncodeCommand(c *Command) []byte {
	w := &writer{buf: make([]byte, 0, 64)}
	w.str(Marker)
	w.u8(Version)
	w.u8(c.CmdType)

	var secs uint64
	var nanos uint32
	if !c.Timestamp.IsZero() && c.Timestamp.Unix() >= 0 {
		secs = uint64(c.Timestamp.Unix())
		nanos = uint32(c.Timestamp.Nanosecond())
	}
	w.u64(secs)
	w.u32(nanos)

	w.strs(c.Payload)
	if c.Token == nil {
		w.u8(0)
	} else {
		w.u8(1)
		w.str(*c.Token)
	}
	return w.buf
}

func DecodeCommand(b []byte) (*Command, error) {
	r := &reader{buf: b}
	cmdType, err := r.header()
	if err != nil {
		return nil, err
	}
	secs, err := r.u64()
	if err != nil {
		return nil, err
	}
	nanos, err := r.u32()
	if err != nil {
		return nil, err
	}
	if nanos >= 1e9 {
		return nil, ErrMalformed
	}
	payload, err := r.strs()
	if err != nil {
		return nil, err
	}
	c := &Command{
		CmdType:   cmdType,
		Timestamp: time.Unix(int64(secs), int64(nanos)).UTC(),
		Payload:   payload,
	}
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case 0:
	case 1:
		tok, err := r.str()
		if err != nil {
			return nil, err
		}
		c.Token = &tok
	default:
		return nil, ErrOptionalTag
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return c, nil
}

// HasMarker reports whether b looks like an encoded packet: the marker sits
// right after its 8-byte length prefix.
func HasMarker(b []byte) bool {
	return len(b) >= 16 && string(b[8:16]) == Marker
}
