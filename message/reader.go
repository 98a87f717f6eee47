package message

import (
	"encoding/binary"

	"github.com/juju/errors"
	"github.com/temoto/kaa-endpoint/transport"
)

// Reader consumes buffer front to back. Failed reads consume nothing.
type Reader struct {
	b   []byte
	pos int
}

func NewReader(b []byte) *Reader { return &Reader{b: b} }

func (r *Reader) Remaining() int { return len(r.b) - r.pos }
func (r *Reader) Pos() int       { return r.pos }

func (r *Reader) next(n int, what string) ([]byte, error) {
	if n < 0 || n > r.Remaining() {
		return nil, errors.Annotatef(transport.ErrInsufficientBuffer, "read %s need=%d remaining=%d", what, n, r.Remaining())
	}
	p := r.b[r.pos : r.pos+n]
	r.pos += n
	return p, nil
}

// Read fills p completely.
func (r *Reader) Read(p []byte) error {
	src, err := r.next(len(p), "bytes")
	if err != nil {
		return err
	}
	copy(p, src)
	return nil
}

// ReadAligned fills p and skips padding up to Alignment.
func (r *Reader) ReadAligned(p []byte) error {
	if AlignedSize(len(p)) > r.Remaining() {
		return errors.Annotatef(transport.ErrInsufficientBuffer, "read aligned need=%d remaining=%d", AlignedSize(len(p)), r.Remaining())
	}
	src, _ := r.next(AlignedSize(len(p)), "aligned")
	copy(p, src)
	return nil
}

func (r *Reader) Skip(n int) error {
	_, err := r.next(n, "skip")
	return err
}

func (r *Reader) ReadUint8() (uint8, error) {
	src, err := r.next(1, "u8")
	if err != nil {
		return 0, err
	}
	return src[0], nil
}

func (r *Reader) ReadUint16() (uint16, error) {
	src, err := r.next(2, "u16")
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(src), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	src, err := r.next(4, "u32")
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(src), nil
}

func (r *Reader) ReadExtensionHeader() (ExtensionHeader, error) {
	src, err := r.next(ExtensionHeaderSize, "extension header")
	if err != nil {
		return ExtensionHeader{}, err
	}
	return parseExtensionHeader(src), nil
}
