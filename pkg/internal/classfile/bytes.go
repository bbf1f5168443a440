package classfile

import (
	"encoding/binary"
	"errors"
)

var errTruncated = errors.New("unexpected end of class data")

// reader is a big-endian cursor over class file data. The first out-of-bounds read
// latches errTruncated and every subsequent read returns zero values.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = errTruncated
		return false
	}
	return true
}

func (r *reader) u1() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *reader) u2() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v
}

func (r *reader) u4() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) u8() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := make([]byte, n)
	copy(v, r.data[r.pos:])
	r.pos += n
	return v
}

// writer accumulates big-endian class file data.
type writer struct {
	buf []byte
}

func (w *writer) u1(v uint8)  { w.buf = append(w.buf, v) }
func (w *writer) u2(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u4(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) u8(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *writer) write(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) len() int { return len(w.buf) }
