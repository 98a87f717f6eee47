package message

import (
	"encoding/binary"
	"fmt"
)

// [u8 type][u32 options][u32 payload length]
const ExtensionHeaderSize = 1 + 4 + 4

const (
	ExtensionBootstrap     uint8 = 0
	ExtensionMeta          uint8 = 1
	ExtensionProfile       uint8 = 2
	ExtensionUser          uint8 = 3
	ExtensionLogging       uint8 = 4
	ExtensionConfiguration uint8 = 5
	ExtensionNotification  uint8 = 6
	ExtensionEvent         uint8 = 7
)

type ExtensionHeader struct {
	Type          uint8
	Options       uint32
	PayloadLength uint32
}

func (h ExtensionHeader) String() string {
	return fmt.Sprintf("extension type=%d options=%#x length=%d", h.Type, h.Options, h.PayloadLength)
}

func (h ExtensionHeader) put(b []byte) {
	b[0] = h.Type
	binary.BigEndian.PutUint32(b[1:], h.Options)
	binary.BigEndian.PutUint32(b[5:], h.PayloadLength)
}

func parseExtensionHeader(b []byte) ExtensionHeader {
	return ExtensionHeader{
		Type:          b[0],
		Options:       binary.BigEndian.Uint32(b[1:]),
		PayloadLength: binary.BigEndian.Uint32(b[5:]),
	}
}
