// Package kaatcp implements Kaa-TCP wire protocol messages.
//
// Frame: [u8 type<<4][remaining length varint 1-4 bytes][body]
// Remaining length uses MQTT encoding: 7 bits per byte, high bit means more bytes follow.
package kaatcp

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/temoto/kaa-endpoint/transport"
)

type MessageType uint8

const (
	TypeConnect    MessageType = 1
	TypeConnack    MessageType = 2
	TypePingReq    MessageType = 12
	TypePingResp   MessageType = 13
	TypeDisconnect MessageType = 14
	TypeKaaSync    MessageType = 15
)

func (t MessageType) String() string {
	switch t {
	case TypeConnect:
		return "CONNECT"
	case TypeConnack:
		return "CONNACK"
	case TypePingReq:
		return "PINGREQ"
	case TypePingResp:
		return "PINGRESP"
	case TypeDisconnect:
		return "DISCONNECT"
	case TypeKaaSync:
		return "KAASYNC"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

func (t MessageType) valid() bool {
	switch t {
	case TypeConnect, TypeConnack, TypePingReq, TypePingResp, TypeDisconnect, TypeKaaSync:
		return true
	}
	return false
}

const (
	ProtocolName    = "Kaatcp"
	ProtocolVersion = 1

	MaxRemainingLength = 268435455
	maxLengthBytes     = 4
)

type Message interface {
	Type() MessageType
	// Size is exact length of serialized frame including fixed header.
	Size() int
	// MarshalTo serializes frame into dst, returns number of bytes written.
	MarshalTo(dst []byte) (int, error)
	String() string
}

// Marshal allocates exact size buffer.
func Marshal(m Message) ([]byte, error) {
	b := make([]byte, m.Size())
	n, err := m.MarshalTo(b)
	if err != nil {
		return nil, err
	}
	return b[:n], nil
}

func lengthSize(n int) int {
	switch {
	case n < 1<<7:
		return 1
	case n < 1<<14:
		return 2
	case n < 1<<21:
		return 3
	}
	return 4
}

func frameSize(bodyLen int) int { return 1 + lengthSize(bodyLen) + bodyLen }

// putHeader writes fixed header, returns its length.
func putHeader(dst []byte, t MessageType, bodyLen int) (int, error) {
	if bodyLen > MaxRemainingLength {
		return 0, errors.NotValidf("%s body length=%d", t, bodyLen)
	}
	if need := frameSize(bodyLen); len(dst) < need {
		return 0, errors.Annotatef(transport.ErrInsufficientBuffer, "marshal %s need=%d have=%d", t, need, len(dst))
	}
	dst[0] = byte(t) << 4
	i := 1
	for {
		b := byte(bodyLen & 0x7f)
		bodyLen >>= 7
		if bodyLen > 0 {
			b |= 0x80
		}
		dst[i] = b
		i++
		if bodyLen == 0 {
			return i, nil
		}
	}
}
