package mqttchannel

import (
	"io"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/packet"
	mqtt_transport "github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/kaa-endpoint/helpers"
	"github.com/temoto/kaa-endpoint/helpers/atomic_clock"
	"github.com/temoto/kaa-endpoint/transport"
)

// bootstrap response received, close session without failure
var errSessionDone = errors.New("session done")

// session is single broker connection: CONNECT, SUBSCRIBE, then reader and pinger.
type session struct {
	c      *Channel
	conn   mqtt_transport.Conn
	alive  *alive.Alive
	err    helpers.AtomicError
	pongat atomic_clock.Clock // last incoming packet
}

func newSession(c *Channel, conn mqtt_transport.Conn) *session {
	return &session{c: c, conn: conn, alive: alive.NewAlive()}
}

// die records first error and closes connection, returns first error.
func (s *session) die(e error) error {
	if e == nil {
		e = errSessionDone
	}
	if prev, set := s.err.StoreOnce(e); set {
		return prev
	}
	s.alive.Stop()
	_ = s.conn.Close()
	return e
}

func (s *session) close() {
	_ = s.die(nil)
	s.alive.Wait()
}

func (s *session) handshake() error {
	opt := &s.c.opt
	s.conn.SetReadTimeout(opt.NetworkTimeout)
	connect := packet.NewConnect()
	connect.ClientID = opt.ClientID
	connect.KeepAlive = opt.KeepaliveSec
	connect.CleanSession = true
	if err := s.send(connect); err != nil {
		return err
	}
	pkt, err := s.conn.Receive()
	if err != nil {
		return errors.Annotate(err, "expect CONNACK")
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		return errors.Annotatef(client.ErrClientExpectedConnack, "server error pkt=%s", pkt.String())
	}
	if connack.ReturnCode != packet.ConnectionAccepted {
		return errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String())
	}

	subscribe := &packet.Subscribe{
		ID:            1,
		Subscriptions: []packet.Subscription{{Topic: s.c.ResponseTopic(), QOS: packet.QOSAtMostOnce}},
	}
	if err = s.send(subscribe); err != nil {
		return err
	}
	if pkt, err = s.conn.Receive(); err != nil {
		return errors.Annotate(err, "expect SUBACK")
	}
	suback, ok := pkt.(*packet.Suback)
	if !ok || suback.ID != subscribe.ID {
		return errors.Annotatef(client.ErrFailedSubscription, "server error pkt=%s", pkt.String())
	}
	for _, code := range suback.ReturnCodes {
		if code == packet.QOSFailure {
			return errors.Annotatef(client.ErrFailedSubscription, "topic=%s", s.c.ResponseTopic())
		}
	}
	s.conn.SetReadTimeout(0)
	s.pongat.SetNow()
	return nil
}

func (s *session) start() {
	if !s.alive.Add(2) {
		return
	}
	go s.reader()
	go s.pinger()
}

func (s *session) publish(services []transport.Service) error {
	payload, err := s.c.tc.Platform.SerializeClientSync(services)
	if err != nil {
		return errors.Annotate(err, "sync serialize")
	}
	publish := packet.NewPublish()
	publish.Message = packet.Message{
		Topic:   s.c.RequestTopic(),
		Payload: payload,
		QOS:     packet.QOSAtMostOnce,
	}
	return s.send(publish)
}

func (s *session) disconnect() {
	if s.alive.IsRunning() {
		_ = s.conn.Send(packet.NewDisconnect(), false)
	}
	_ = s.die(nil)
}

func (s *session) send(p packet.Generic) error {
	if err := s.conn.Send(p, false); err != nil {
		return s.die(errors.Annotatef(err, "send %s", p.Type().String()))
	}
	s.c.log.Debugf("%s sent %s", s.c, p.String())
	return nil
}

func (s *session) reader() {
	defer s.alive.Done()
	for {
		pkt, err := s.conn.Receive()
		if !s.alive.IsRunning() {
			return
		}
		switch err {
		case nil:
		case io.EOF:
			_ = s.die(errors.Annotate(transport.ErrSocket, "server closed connection"))
			return
		default:
			_ = s.die(errors.Annotate(err, "receive"))
			return
		}
		s.pongat.SetNow()
		s.c.log.Debugf("%s received %s", s.c, pkt.String())

		switch pt := pkt.(type) {
		case *packet.Pingresp:
		case *packet.Publish:
			if err = s.c.onResponse(&pt.Message); err != nil {
				if err == errSessionDone {
					_ = s.conn.Send(packet.NewDisconnect(), false)
				}
				_ = s.die(err)
				return
			}
		default:
			_ = s.die(errors.Errorf("server error unexpected pkt=%s", pkt.String()))
			return
		}
	}
}

// pinger sends PINGREQ every half keepalive, [MQTT-3.1.2-24] allows server 1.5 keepalive.
func (s *session) pinger() {
	defer s.alive.Done()
	if s.c.opt.KeepaliveSec == 0 {
		return
	}
	keepalive := time.Duration(s.c.opt.KeepaliveSec) * time.Second
	tick := time.NewTicker(keepalive / 2)
	defer tick.Stop()
	stopch := s.alive.StopChan()
	for {
		select {
		case <-tick.C:
		case <-stopch:
			return
		}
		if atomic_clock.Since(&s.pongat) > keepalive+keepalive/2 {
			_ = s.die(client.ErrClientMissingPong)
			return
		}
		if err := s.send(packet.NewPingreq()); err != nil {
			return
		}
	}
}
