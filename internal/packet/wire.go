package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// The wire layout matches the embedded firmware and remote transport:
// little-endian fixed-width integers, u64 length prefixes on strings and
// sequences, and a one-byte tag on optional values.

var (
	ErrMalformed   = errors.New("malformed packet")
	ErrBadMarker   = fmt.Errorf("%w: bad marker", ErrMalformed)
	ErrBadVersion  = fmt.Errorf("%w: unsupported version", ErrMalformed)
	ErrTruncated   = fmt.Errorf("%w: truncated", ErrMalformed)
	ErrTooLarge    = fmt.Errorf("%w: length exceeds limit", ErrMalformed)
	ErrTrailing    = fmt.Errorf("%w: trailing bytes", ErrMalformed)
	ErrOptionalTag = fmt.Errorf("%w: invalid option tag", ErrMalformed)
)

const (
	Marker  = "OPENLINK"
	Version = uint8(1)

	// MaxFrameSize bounds any single length prefix on decode.
	MaxFrameSize = 64 * 1024
)

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) u32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *writer) u64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *writer) bytes(b []byte) {
	w.u64(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) str(s string) {
	w.u64(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) strs(ss []string) {
	w.u64(uint64(len(ss)))
	for _, s := range ss {
		w.str(s)
	}
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || len(r.buf)-r.off < n {
		return nil, ErrTruncated
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) length() (int, error) {
	n, err := r.u64()
	if err != nil {
		return 0, err
	}
	if n > MaxFrameSize || n > math.MaxInt32 {
		return 0, ErrTooLarge
	}
	return int(n), nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.length()
	if err != nil {
		return nil, err
	}
	b, err := r.take(n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (r *reader) str() (string, error) {
	n, err := r.length()
	if err != nil {
		return "", err
	}
	b, err := r.take(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) strs() ([]string, error) {
	n, err := r.length()
	if err != nil {
		return nil, err
	}
	// Each string needs at least its 8-byte prefix.
	if n > (len(r.buf)-r.off)/8 {
		return nil, ErrTruncated
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := r.str()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *reader) header() (uint8, error) {
	marker, err := r.str()
	if err != nil {
		return 0, err
	}
	if marker != Marker {
		return 0, ErrBadMarker
	}
	version, err := r.u8()
	if err != nil {
		return 0, err
	}
	if version != Version {
		return 0, ErrBadVersion
	}
	return r.u8()
}

func (r *reader) done() error {
	if r.off != len(r.buf) {
		return ErrTrailing
	}
	return nil
}
