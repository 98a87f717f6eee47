package kaatcp

import (
	"fmt"
	"math"

	"github.com/juju/errors"
	"github.com/temoto/kaa-endpoint/message"
)

const (
	ConnectFlagBase       = byte(0x02)
	ConnectFlagSessionKey = byte(0x10)
	ConnectFlagSignature  = byte(0x01)

	SyncFlagZipped    = byte(0x01)
	SyncFlagEncrypted = byte(0x02)
	SyncFlagRequest   = byte(0x04)

	// [u16 name length][name][u8 version]
	nameSize = 2 + len(ProtocolName) + 1
)

type ConnackCode uint8

const (
	ConnackSuccess             ConnackCode = 1
	ConnackUnacceptableVersion ConnackCode = 2
	ConnackIdentifierRejected  ConnackCode = 3
	ConnackServerUnavailable   ConnackCode = 4
	ConnackBadCredentials      ConnackCode = 5
	ConnackNotAuthorized       ConnackCode = 6
)

func (c ConnackCode) String() string {
	switch c {
	case ConnackSuccess:
		return "success"
	case ConnackUnacceptableVersion:
		return "unacceptable-version"
	case ConnackIdentifierRejected:
		return "identifier-rejected"
	case ConnackServerUnavailable:
		return "server-unavailable"
	case ConnackBadCredentials:
		return "bad-credentials"
	case ConnackNotAuthorized:
		return "not-authorized"
	}
	return fmt.Sprintf("connack(%d)", uint8(c))
}

type DisconnectReason uint8

const (
	DisconnectNone          DisconnectReason = 0
	DisconnectBadRequest    DisconnectReason = 1
	DisconnectInternalError DisconnectReason = 2
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectNone:
		return "none"
	case DisconnectBadRequest:
		return "bad-request"
	case DisconnectInternalError:
		return "internal-error"
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// Connect opens session. SessionKey and Signature are optional, encryption is not supported yet.
type Connect struct {
	Keepalive      uint16
	NextProtocolID uint32
	SessionKey     []byte
	Signature      []byte
	Payload        []byte
}

func (*Connect) Type() MessageType { return TypeConnect }

func (m *Connect) flags() byte {
	f := ConnectFlagBase
	if len(m.SessionKey) != 0 {
		f |= ConnectFlagSessionKey
	}
	if len(m.Signature) != 0 {
		f |= ConnectFlagSignature
	}
	return f
}

func (m *Connect) bodySize() int {
	s := nameSize + 1 /*flags*/ + 2 /*keepalive*/ + 4 /*protocol*/
	if len(m.SessionKey) != 0 {
		s += 2 + len(m.SessionKey)
	}
	if len(m.Signature) != 0 {
		s += 2 + len(m.Signature)
	}
	return s + len(m.Payload)
}

func (m *Connect) Size() int { return frameSize(m.bodySize()) }

func (m *Connect) MarshalTo(dst []byte) (int, error) {
	if len(m.SessionKey) > math.MaxUint16 || len(m.Signature) > math.MaxUint16 {
		return 0, errors.NotValidf("CONNECT session key=(%d) signature=(%d)", len(m.SessionKey), len(m.Signature))
	}
	bodyLen := m.bodySize()
	h, err := putHeader(dst, TypeConnect, bodyLen)
	if err != nil {
		return 0, err
	}
	w := message.NewWriter(dst[h : h+bodyLen])
	writeName(w)
	_ = w.WriteUint8(m.flags())
	_ = w.WriteUint16(m.Keepalive)
	_ = w.WriteUint32(m.NextProtocolID)
	if len(m.SessionKey) != 0 {
		_ = w.WriteUint16(uint16(len(m.SessionKey)))
		_ = w.Write(m.SessionKey)
	}
	if len(m.Signature) != 0 {
		_ = w.WriteUint16(uint16(len(m.Signature)))
		_ = w.Write(m.Signature)
	}
	if err := w.Write(m.Payload); err != nil {
		return 0, errors.Annotate(err, "code error CONNECT size")
	}
	return h + w.Len(), nil
}

func (m *Connect) String() string {
	return fmt.Sprintf("<Connect Keepalive=%d NextProtocol=%#08x SessionKey=(%d) Signature=(%d) Payload=(%d)%x>",
		m.Keepalive, m.NextProtocolID, len(m.SessionKey), len(m.Signature), len(m.Payload), m.Payload)
}

func (m *Connect) unmarshal(body []byte) error {
	r := message.NewReader(body)
	if err := readName(r); err != nil {
		return err
	}
	flags, err := r.ReadUint8()
	if err != nil {
		return err
	}
	if m.Keepalive, err = r.ReadUint16(); err != nil {
		return err
	}
	if m.NextProtocolID, err = r.ReadUint32(); err != nil {
		return err
	}
	if flags&ConnectFlagSessionKey != 0 {
		if m.SessionKey, err = readBlob16(r); err != nil {
			return errors.Annotate(err, "session key")
		}
	}
	if flags&ConnectFlagSignature != 0 {
		if m.Signature, err = readBlob16(r); err != nil {
			return errors.Annotate(err, "signature")
		}
	}
	m.Payload = rest(r, body)
	return nil
}

type Connack struct {
	ReturnCode ConnackCode
}

func (Connack) Type() MessageType { return TypeConnack }
func (Connack) Size() int         { return frameSize(2) }
func (m Connack) MarshalTo(dst []byte) (int, error) {
	return marshalCode(dst, TypeConnack, byte(m.ReturnCode))
}
func (m Connack) String() string { return fmt.Sprintf("<Connack ReturnCode=%s>", m.ReturnCode) }

type Disconnect struct {
	Reason DisconnectReason
}

func (Disconnect) Type() MessageType { return TypeDisconnect }
func (Disconnect) Size() int         { return frameSize(2) }
func (m Disconnect) MarshalTo(dst []byte) (int, error) {
	return marshalCode(dst, TypeDisconnect, byte(m.Reason))
}
func (m Disconnect) String() string { return fmt.Sprintf("<Disconnect Reason=%s>", m.Reason) }

// KaaSync carries platform sync payload. Zipped and Encrypted are decoded but not supported.
type KaaSync struct {
	MessageID uint16
	Request   bool
	Zipped    bool
	Encrypted bool
	Payload   []byte
}

func (*KaaSync) Type() MessageType { return TypeKaaSync }

func (m *KaaSync) flags() byte {
	var f byte
	if m.Zipped {
		f |= SyncFlagZipped
	}
	if m.Encrypted {
		f |= SyncFlagEncrypted
	}
	if m.Request {
		f |= SyncFlagRequest
	}
	return f
}

func (m *KaaSync) bodySize() int { return nameSize + 2 /*id*/ + 1 /*flags*/ + len(m.Payload) }
func (m *KaaSync) Size() int     { return frameSize(m.bodySize()) }

func (m *KaaSync) MarshalTo(dst []byte) (int, error) {
	bodyLen := m.bodySize()
	h, err := putHeader(dst, TypeKaaSync, bodyLen)
	if err != nil {
		return 0, err
	}
	w := message.NewWriter(dst[h : h+bodyLen])
	writeName(w)
	_ = w.WriteUint16(m.MessageID)
	_ = w.WriteUint8(m.flags())
	if err := w.Write(m.Payload); err != nil {
		return 0, errors.Annotate(err, "code error KAASYNC size")
	}
	return h + w.Len(), nil
}

func (m *KaaSync) String() string {
	return fmt.Sprintf("<KaaSync MessageID=%d Request=%t Zipped=%t Encrypted=%t Payload=(%d)%x>",
		m.MessageID, m.Request, m.Zipped, m.Encrypted, len(m.Payload), m.Payload)
}

func (m *KaaSync) unmarshal(body []byte) error {
	r := message.NewReader(body)
	if err := readName(r); err != nil {
		return err
	}
	var err error
	if m.MessageID, err = r.ReadUint16(); err != nil {
		return err
	}
	flags, err := r.ReadUint8()
	if err != nil {
		return err
	}
	m.Zipped = flags&SyncFlagZipped != 0
	m.Encrypted = flags&SyncFlagEncrypted != 0
	m.Request = flags&SyncFlagRequest != 0
	m.Payload = rest(r, body)
	return nil
}

type PingReq struct{}

func (PingReq) Type() MessageType                 { return TypePingReq }
func (PingReq) Size() int                         { return frameSize(0) }
func (PingReq) MarshalTo(dst []byte) (int, error) { return putHeader(dst, TypePingReq, 0) }
func (PingReq) String() string                    { return "<PingReq>" }

type PingResp struct{}

func (PingResp) Type() MessageType                 { return TypePingResp }
func (PingResp) Size() int                         { return frameSize(0) }
func (PingResp) MarshalTo(dst []byte) (int, error) { return putHeader(dst, TypePingResp, 0) }
func (PingResp) String() string                    { return "<PingResp>" }

func marshalCode(dst []byte, t MessageType, code byte) (int, error) {
	h, err := putHeader(dst, t, 2)
	if err != nil {
		return 0, err
	}
	dst[h] = 0
	dst[h+1] = code
	return h + 2, nil
}

func writeName(w *message.Writer) {
	_ = w.WriteUint16(uint16(len(ProtocolName)))
	_ = w.Write([]byte(ProtocolName))
	_ = w.WriteUint8(ProtocolVersion)
}

func readName(r *message.Reader) error {
	n, err := r.ReadUint16()
	if err != nil {
		return errors.Annotate(err, "protocol name length")
	}
	if int(n) != len(ProtocolName) {
		return errors.Errorf("protocol name length=%d", n)
	}
	name := make([]byte, n)
	if err = r.Read(name); err != nil {
		return errors.Annotate(err, "protocol name")
	}
	if string(name) != ProtocolName {
		return errors.Errorf("protocol name=%q", name)
	}
	v, err := r.ReadUint8()
	if err != nil {
		return errors.Annotate(err, "protocol version")
	}
	if v != ProtocolVersion {
		return errors.Errorf("protocol version=%d", v)
	}
	return nil
}

func readBlob16(r *message.Reader) ([]byte, error) {
	n, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	return b, r.Read(b)
}

// rest copies unread part of body, nil if empty.
func rest(r *message.Reader, body []byte) []byte {
	if r.Remaining() == 0 {
		return nil
	}
	return append([]byte(nil), body[r.Pos():]...)
}
