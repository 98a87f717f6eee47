package kaatcp

import (
	"github.com/juju/errors"
	"github.com/temoto/kaa-endpoint/log2"
	"github.com/temoto/kaa-endpoint/transport"
)

// Handler receives messages sent by server.
// Decoded messages own their byte slices.
type Handler interface {
	OnConnack(Connack)
	OnDisconnect(Disconnect)
	OnKaaSync(*KaaSync)
	OnPingResp()
}

// ServerHandler additionally receives messages sent by client.
type ServerHandler interface {
	Handler
	OnConnect(*Connect)
	OnPingReq()
}

type ParserOptions struct {
	Log *log2.Log
	// Frames with longer body are rejected, default=MaxRemainingLength
	MaxFrame int
}

type parseState uint8

const (
	stateType parseState = iota
	stateLength
	stateBody
)

// Parser is incremental: ProcessBuffer accepts arbitrary chunks of stream,
// incomplete frame is kept until following bytes arrive.
type Parser struct {
	h   Handler
	sh  ServerHandler
	opt ParserOptions

	state    parseState
	typ      MessageType
	length   int
	lenBytes int
	body     []byte
	gen      uint32
}

func NewParser(h Handler, opt ParserOptions) *Parser {
	if opt.MaxFrame <= 0 || opt.MaxFrame > MaxRemainingLength {
		opt.MaxFrame = MaxRemainingLength
	}
	p := &Parser{h: h, opt: opt}
	p.sh, _ = h.(ServerHandler)
	return p
}

// Reset discards partial frame.
// When called from Handler callback, rest of current ProcessBuffer input is dropped.
func (p *Parser) Reset() {
	p.gen++
	p.state = stateType
	p.length = 0
	p.lenBytes = 0
	p.body = p.body[:0]
}

// Pending reports whether partial frame is buffered.
func (p *Parser) Pending() bool { return p.state != stateType }

// ProcessBuffer consumes whole b, calling Handler for each complete frame.
// After error, parser is reset.
func (p *Parser) ProcessBuffer(b []byte) error {
	gen := p.gen
	for len(b) > 0 {
		switch p.state {
		case stateType:
			p.typ = MessageType(b[0] >> 4)
			if !p.typ.valid() {
				p.Reset()
				return errors.Annotatef(transport.ErrParser, "unknown message type=%d", b[0]>>4)
			}
			b = b[1:]
			p.state = stateLength
			p.length, p.lenBytes = 0, 0

		case stateLength:
			c := b[0]
			b = b[1:]
			p.length |= int(c&0x7f) << (7 * p.lenBytes)
			p.lenBytes++
			if c&0x80 != 0 {
				if p.lenBytes == maxLengthBytes {
					p.Reset()
					return errors.Annotatef(transport.ErrParser, "%s length overflow", p.typ)
				}
				continue
			}
			if p.length > p.opt.MaxFrame {
				length := p.length
				p.Reset()
				return errors.Annotatef(transport.ErrParser, "%s length=%d max=%d", p.typ, length, p.opt.MaxFrame)
			}
			p.body = p.body[:0]
			if p.length > 0 {
				p.state = stateBody
				continue
			}
			if err := p.dispatch(); err != nil {
				return err
			}
			if p.gen != gen {
				return nil
			}

		case stateBody:
			need := p.length - len(p.body)
			if need > len(b) {
				p.body = append(p.body, b...)
				return nil
			}
			p.body = append(p.body, b[:need]...)
			b = b[need:]
			if err := p.dispatch(); err != nil {
				return err
			}
			if p.gen != gen {
				return nil
			}
		}
	}
	return nil
}

func (p *Parser) dispatch() error {
	typ, body := p.typ, p.body
	p.state = stateType
	var m Message
	var err error
	switch typ {
	case TypeConnack, TypeDisconnect:
		if len(body) != 2 {
			err = errors.Errorf("length=%d expected=2", len(body))
		} else if typ == TypeConnack {
			m = Connack{ReturnCode: ConnackCode(body[1])}
		} else {
			m = Disconnect{Reason: DisconnectReason(body[1])}
		}
	case TypePingReq, TypePingResp:
		if len(body) != 0 {
			err = errors.Errorf("length=%d expected=0", len(body))
		} else if typ == TypePingReq {
			m = PingReq{}
		} else {
			m = PingResp{}
		}
	case TypeKaaSync:
		sync := &KaaSync{}
		err = sync.unmarshal(body)
		m = sync
	case TypeConnect:
		connect := &Connect{}
		err = connect.unmarshal(body)
		m = connect
	}
	if err == nil && p.sh == nil && (typ == TypeConnect || typ == TypePingReq) {
		err = errors.Errorf("unexpected from server")
	}
	if err != nil {
		p.Reset()
		return errors.Annotatef(transport.ErrParser, "%s: %v", typ, err)
	}
	p.opt.Log.Debugf("kaatcp recv %s", m.String())

	switch mt := m.(type) {
	case Connack:
		p.h.OnConnack(mt)
	case Disconnect:
		p.h.OnDisconnect(mt)
	case *KaaSync:
		p.h.OnKaaSync(mt)
	case PingResp:
		p.h.OnPingResp()
	case *Connect:
		p.sh.OnConnect(mt)
	case PingReq:
		p.sh.OnPingReq()
	}
	return nil
}
