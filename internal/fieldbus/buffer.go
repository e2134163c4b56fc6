package fieldbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var errShort = errors.New("payload truncated")

// writer appends big-endian fields; the first error sticks.
type writer struct {
	buf []byte
	err error
}

func newWriter(capacity int) *writer {
	return &writer{buf: make([]byte, 0, capacity)}
}

func (w *writer) bytes() []byte { return w.buf }

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *writer) raw(b []byte) { w.buf = append(w.buf, b...) }

// str writes a u8 length-prefixed string.
func (w *writer) str(s string) {
	if len(s) > math.MaxUint8 {
		w.fail(fmt.Errorf("string of %d bytes exceeds %d", len(s), math.MaxUint8))
		return
	}
	w.u8(uint8(len(s)))
	w.raw([]byte(s))
}

// blob writes a u16 length-prefixed byte slice.
func (w *writer) blob(b []byte) {
	if len(b) > math.MaxUint16 {
		w.fail(fmt.Errorf("blob of %d bytes exceeds %d", len(b), math.MaxUint16))
		return
	}
	w.u16(uint16(len(b)))
	w.raw(b)
}

func (w *writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// reader consumes big-endian fields; after the first short read every
// accessor returns zero values and err is set.
type reader struct {
	buf []byte
	off int
	err error
}

func newReader(b []byte) *reader {
	return &reader{buf: b}
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.remaining() < n {
		r.err = errShort
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) str() string {
	n := int(r.u8())
	return string(r.take(n))
}

// blob returns a copy so decoded frames never alias the receive buffer.
// A zero-length blob decodes as nil.
func (r *reader) blob() []byte {
	n := int(r.u16())
	b := r.take(n)
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}
