// Package message reads and writes platform sync payloads:
// big-endian integers, 4-byte aligned blobs and extension headers.
package message

import (
	"encoding/binary"

	"github.com/juju/errors"
	"github.com/temoto/kaa-endpoint/transport"
)

const Alignment = 4

// AlignedSize rounds n up to Alignment.
func AlignedSize(n int) int { return (n + Alignment - 1) / Alignment * Alignment }

// Writer appends to caller-owned buffer, never grows it.
// Failed writes leave the buffer unchanged.
type Writer struct {
	b   []byte
	pos int
}

func NewWriter(b []byte) *Writer { return &Writer{b: b} }

func (w *Writer) Len() int       { return w.pos }
func (w *Writer) Remaining() int { return len(w.b) - w.pos }
func (w *Writer) Bytes() []byte  { return w.b[:w.pos] }

func (w *Writer) reserve(n int, what string) ([]byte, error) {
	if n > w.Remaining() {
		return nil, errors.Annotatef(transport.ErrInsufficientBuffer, "write %s need=%d remaining=%d", what, n, w.Remaining())
	}
	p := w.b[w.pos : w.pos+n]
	w.pos += n
	return p, nil
}

func (w *Writer) Write(p []byte) error {
	dst, err := w.reserve(len(p), "bytes")
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}

// WriteAligned writes p and zero padding up to Alignment.
func (w *Writer) WriteAligned(p []byte) error {
	dst, err := w.reserve(AlignedSize(len(p)), "aligned")
	if err != nil {
		return err
	}
	n := copy(dst, p)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}

func (w *Writer) WriteUint8(v uint8) error {
	dst, err := w.reserve(1, "u8")
	if err != nil {
		return err
	}
	dst[0] = v
	return nil
}

func (w *Writer) WriteUint16(v uint16) error {
	dst, err := w.reserve(2, "u16")
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(dst, v)
	return nil
}

func (w *Writer) WriteUint32(v uint32) error {
	dst, err := w.reserve(4, "u32")
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(dst, v)
	return nil
}

func (w *Writer) WriteExtensionHeader(typ uint8, options uint32, payloadLength uint32) error {
	dst, err := w.reserve(ExtensionHeaderSize, "extension header")
	if err != nil {
		return err
	}
	ExtensionHeader{Type: typ, Options: options, PayloadLength: payloadLength}.put(dst)
	return nil
}
