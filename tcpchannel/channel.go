// Package tcpchannel is Kaa-TCP transport channel driven by external event loop.
//
// Access point: not-set -> set -> resolving -> resolved -> connecting -> connected -> resolved (on error).
// Authorization: undefined -> authorizing -> authorized, reset on any socket error.
// All methods must be called from single goroutine, usually reactor.Loop.
package tcpchannel

import (
	"fmt"
	"math"
	"net"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/kaa-endpoint/buffer"
	"github.com/temoto/kaa-endpoint/helpers"
	"github.com/temoto/kaa-endpoint/helpers/atomic_clock"
	"github.com/temoto/kaa-endpoint/kaatcp"
	"github.com/temoto/kaa-endpoint/log2"
	"github.com/temoto/kaa-endpoint/netio"
	"github.com/temoto/kaa-endpoint/transport"
)

var ProtocolID = transport.ProtocolID{ID: 0x56c8ff92, Version: 1}

const (
	// Next protocol announced in CONNECT, platform sync payload format.
	PlatformProtocolID uint32 = 0xf291f2d4

	DefaultInBufferSize  = 1024
	DefaultOutBufferSize = 2024
	DefaultKeepaliveSec  = 300
	DefaultRetryDelay    = 3 * time.Second
	DefaultMaxFrameSize  = 64 << 10
	MaxRetryDelay        = 5 * time.Minute
)

type EventFunc func(ev netio.SocketEvent, fd int)

type Options struct {
	Log      *log2.Log
	Services []transport.Service
	Socket   netio.Socket
	Resolver netio.Resolver
	OnEvent  EventFunc

	KeepaliveSec  uint16 // 0 = DefaultKeepaliveSec
	InBufferSize  int
	OutBufferSize int
	// Largest accepted server frame remaining length, bigger frames drop connection.
	// 0 = DefaultMaxFrameSize
	MaxFrameSize int
	// Reconnect delay after failed attempt, grows exponentially.
	// 0 = DefaultRetryDelay, negative disables delay.
	RetryDelay time.Duration
	// Distinguishes channels with equal protocol and services.
	InstanceKey string
	// Unix nanoseconds, default=atomic_clock.Source
	Now func() int64
}

type accessPoint struct {
	id    uint32
	state apState
	info  transport.ConnectionInfo
	addr  *net.TCPAddr
	fd    int
}

type Channel struct {
	log        *log2.Log
	opt        Options
	serverType transport.ServerType
	tc         *transport.Context
	destroyed  bool

	ap        accessPoint
	auth      authState
	sync      syncState
	draining  bool
	pending   serviceSet
	messageID uint16

	in     *buffer.Buffer
	out    *buffer.Buffer
	parser *kaatcp.Parser

	keepalive struct {
		interval     uint16
		lastSent     atomic_clock.Clock
		lastReceived atomic_clock.Clock
	}
	retry helpers.Backoff
	now   func() int64
	stat  SessionStat
}

var _ transport.Channel = &Channel{}
var _ transport.Discriminator = &Channel{}

func New(opt Options) (*Channel, error) {
	if err := transport.ValidateServices(opt.Services); err != nil {
		return nil, errors.Annotate(err, "tcpchannel")
	}
	if opt.Socket == nil {
		return nil, errors.NotValidf("code error tcpchannel Options.Socket=nil")
	}
	if opt.Resolver == nil {
		return nil, errors.NotValidf("code error tcpchannel Options.Resolver=nil")
	}
	if opt.KeepaliveSec == 0 {
		opt.KeepaliveSec = DefaultKeepaliveSec
	}
	if opt.InBufferSize <= 0 {
		opt.InBufferSize = DefaultInBufferSize
	}
	if opt.OutBufferSize <= 0 {
		opt.OutBufferSize = DefaultOutBufferSize
	}
	if opt.MaxFrameSize <= 0 {
		opt.MaxFrameSize = DefaultMaxFrameSize
	}
	if opt.RetryDelay == 0 {
		opt.RetryDelay = DefaultRetryDelay
	}
	if opt.Now == nil {
		opt.Now = atomic_clock.Source
	}
	opt.Services = append([]transport.Service(nil), opt.Services...)

	c := &Channel{
		log:        opt.Log,
		opt:        opt,
		serverType: transport.ClassifyServices(opt.Services),
		in:         buffer.New(opt.InBufferSize),
		out:        buffer.New(opt.OutBufferSize),
		now:        opt.Now,
	}
	c.ap.fd = -1
	c.keepalive.interval = opt.KeepaliveSec
	if opt.RetryDelay > 0 {
		c.retry = helpers.Backoff{Min: opt.RetryDelay, Max: MaxRetryDelay, K: 2, Now: opt.Now}
	}
	c.parser = kaatcp.NewParser(parserHandler{c}, kaatcp.ParserOptions{Log: opt.Log, MaxFrame: opt.MaxFrameSize})
	return c, nil
}

func (c *Channel) String() string {
	return fmt.Sprintf("tcpchannel(%s ap=%d/%s auth=%s sync=%s)", c.serverType, c.ap.id, c.ap.state, c.auth, c.sync)
}

func (c *Channel) ProtocolID() transport.ProtocolID { return ProtocolID }
func (c *Channel) SupportedServices() []transport.Service {
	return append([]transport.Service(nil), c.opt.Services...)
}
func (c *Channel) InstanceKey() string              { return c.opt.InstanceKey }
func (c *Channel) ServerType() transport.ServerType { return c.serverType }
func (c *Channel) Stat() *SessionStat               { return &c.stat }

// Descriptor returns socket or -1.
func (c *Channel) Descriptor() int { return c.ap.fd }

// MaxTimeout is upper bound for event loop wait, half of keepalive interval.
func (c *Channel) MaxTimeout() time.Duration {
	return time.Duration(c.keepalive.interval) * time.Second / 2
}

func (c *Channel) SetEventCallback(f EventFunc) { c.opt.OnEvent = f }

// SetKeepalive changes ping interval, 0 disables pings.
// Applies to next CONNECT for server side timeout.
func (c *Channel) SetKeepalive(sec uint16) { c.keepalive.interval = sec }

func (c *Channel) Init(tc *transport.Context) error {
	if c.destroyed {
		return errors.Annotate(transport.ErrBadState, "init destroyed channel")
	}
	if tc == nil || tc.Platform == nil {
		return errors.NotValidf("code error transport context without platform protocol")
	}
	if c.tc != nil {
		c.log.Debugf("%s init again, ignored", c)
		return nil
	}
	c.tc = tc
	return nil
}

func (c *Channel) SetAccessPoint(ap *transport.AccessPoint) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	if ap == nil {
		return errors.NotValidf("access point=nil")
	}
	c.releaseAccessPoint()
	info, err := transport.ParseConnectionData(ap.ConnectionData)
	if err != nil {
		return errors.Annotatef(err, "%s set %s", c, ap)
	}
	c.ap.id = ap.ID
	c.ap.info = info
	c.ap.state = apSet
	c.log.Infof("%s access point %s", c, info)
	return nil
}

func (c *Channel) SyncHandler(services []transport.Service) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	c.pending.add(services...)
	c.log.Debugf("%s sync request=%v pending=%v", c, services, c.pending)
	if c.ap.state == apResolved && c.pending.len() != 0 && c.auth == authUndefined {
		return c.connectOrFail()
	}
	return nil
}

// Disconnect sends DISCONNECT and closes connection when it is flushed.
func (c *Channel) Disconnect() error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	return c.disconnect(kaatcp.DisconnectNone)
}

func (c *Channel) Destroy() error {
	if c.destroyed {
		return nil
	}
	c.releaseAccessPoint()
	c.pending = nil
	c.destroyed = true
	c.log.Debugf("%s destroyed", c)
	return nil
}

// IsReady reports interest in event.
func (c *Channel) IsReady(ev netio.Event) bool {
	if c.destroyed {
		return false
	}
	switch ev {
	case netio.EventRead:
		return c.ap.state == apConnected && c.in.HasSpace()
	case netio.EventWrite:
		switch c.ap.state {
		case apConnecting:
			return true
		case apConnected:
			if c.out.Locked() != 0 {
				return true
			}
			if c.draining || c.pending.len() == 0 {
				return false
			}
			// bootstrap request does not wait for CONNACK
			return c.serverType == transport.ServerBootstrap || c.auth != authAuthorizing
		}
	case netio.EventException:
		return c.ap.fd >= 0
	}
	return false
}

// ProcessEvent handles socket readiness.
// Socket and parser errors reset connection and are not returned.
func (c *Channel) ProcessEvent(ev netio.Event) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	if err := c.CheckKeepalive(); err != nil {
		c.log.Errorf("%s keepalive: %v", c, err)
	}
	switch ev {
	case netio.EventRead:
		return c.onReadReady()
	case netio.EventWrite:
		return c.onWriteReady()
	case netio.EventException:
		c.onException()
		return nil
	}
	return errors.NotValidf("event=%s", ev)
}

// CheckKeepalive is periodic tick: polls DNS resolution, sends PINGREQ, detects dead connection.
func (c *Channel) CheckKeepalive() error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	switch c.ap.state {
	case apSet, apResolveInProgress:
		return c.resolve()
	}
	if c.keepalive.interval == 0 || c.auth != authAuthorized || c.draining {
		return nil
	}
	now := c.now()
	interval := time.Duration(c.keepalive.interval) * time.Second
	if c.keepalive.lastReceived.Elapsed(now) > interval+interval/2 {
		c.socketError(errors.Annotatef(transport.ErrSocket, "missing pong"), netio.SocketDisconnected)
		return nil
	}
	if c.keepalive.lastSent.Elapsed(now) >= interval/2 {
		if err := c.queue(kaatcp.PingReq{}); err != nil {
			return errors.Annotate(err, "ping")
		}
		c.keepalive.lastSent.Set(now)
	}
	return nil
}

func (c *Channel) checkUsable() error {
	if c.destroyed {
		return errors.Annotate(transport.ErrBadState, "channel destroyed")
	}
	if c.tc == nil {
		return errors.Annotate(transport.ErrBadState, "channel not initialized")
	}
	return nil
}

func (c *Channel) onReadReady() error {
	if c.ap.state != apConnected {
		return nil
	}
	space, err := c.in.Allocate()
	if err != nil {
		return errors.Annotatef(err, "%s read", c)
	}
	n, err := c.opt.Socket.Read(c.ap.fd, space)
	if err != nil {
		_ = c.in.Lock(0)
		c.socketError(err, netio.SocketDisconnected)
		return nil
	}
	if err = c.in.Lock(n); err != nil {
		return errors.Annotate(err, "code error read lock")
	}
	if n == 0 {
		return nil
	}
	if err = c.parser.ProcessBuffer(c.in.Unprocessed()); err != nil {
		c.socketError(err, netio.SocketDisconnected)
		return nil
	}
	// handler may have reset buffers
	_ = c.in.Free(c.in.Locked())
	return nil
}

func (c *Channel) onWriteReady() error {
	switch c.ap.state {
	case apConnecting:
		ok, err := c.opt.Socket.CheckConnect(c.ap.fd)
		if err != nil {
			c.socketError(err, netio.SocketConnectionError)
			return nil
		}
		if !ok {
			return nil
		}
		c.ap.state = apConnected
		c.stat.Conn.Add(1)
		c.log.Infof("%s connected to %s", c, c.ap.addr)
		c.event(netio.SocketConnected)
		return c.authorize()

	case apConnected:
		if !c.flush() {
			return nil
		}
		if c.draining {
			if c.out.Locked() == 0 {
				c.log.Debugf("%s disconnect flushed", c)
				c.socketError(nil, netio.SocketDisconnected)
			}
			return nil
		}
		if c.pending.len() == 0 {
			return nil
		}
		if c.serverType == transport.ServerBootstrap {
			// any request is answered with complete access point list
			done, err := c.writeSync([]transport.Service{transport.ServiceBootstrap})
			if done {
				c.pending = c.pending[:0]
			}
			return err
		}
		if c.auth != authAuthorized {
			return c.authorize()
		}
		_, err := c.writeSync(c.pending.list())
		return err
	}
	return nil
}

func (c *Channel) onException() {
	if c.ap.fd < 0 {
		return
	}
	c.socketError(errors.Annotate(transport.ErrSocket, "exception event"), netio.SocketDisconnected)
}

func (c *Channel) resolve() error {
	if d := c.retry.DelayBefore(); d > 0 {
		return nil
	}
	state, addr, err := c.opt.Resolver.Resolve(c.ap.info.Hostname, c.ap.info.Port)
	switch state {
	case netio.ResolveInProgress:
		c.ap.state = apResolveInProgress
		return nil

	case netio.ResolveReady:
		c.ap.addr = addr
		c.ap.state = apResolved
		c.log.Debugf("%s resolved %s", c, addr)
		if err := c.connectOrFail(); err != nil {
			c.log.Errorf("%s %v", c, err)
		}
		return nil

	case netio.ResolveError:
		c.ap.state = apResolveFailed
		c.log.Errorf("%s resolve %s: %v", c, c.ap.info.Hostname, err)
		c.retry.Failure()
		c.reportFailure()
		return nil

	case netio.ResolveBufferTooSmall:
		c.ap.state = apNotSet
		if err == nil {
			err = errors.NotValidf("hostname=%s", c.ap.info.Hostname)
		}
		return errors.Annotate(err, "resolve")
	}
	return errors.Errorf("code error resolve state=%s", state)
}

func (c *Channel) connect() error {
	if c.ap.state != apResolved {
		return errors.Annotatef(transport.ErrBadState, "connect ap=%s", c.ap.state)
	}
	fd, err := c.opt.Socket.Open(c.ap.addr)
	if err != nil {
		return errors.Annotatef(err, "connect %s", c.ap.addr)
	}
	c.ap.fd = fd
	c.ap.state = apConnecting
	c.sync = syncStarted
	c.log.Debugf("%s connecting fd=%d", c, fd)
	return nil
}

func (c *Channel) connectOrFail() error {
	err := c.connect()
	if err == nil {
		return nil
	}
	c.stat.Errors.Add(1)
	c.event(netio.SocketConnectionError)
	c.retry.Failure()
	c.reportFailure()
	return err
}

func (c *Channel) authorize() error {
	if c.auth != authUndefined {
		return nil
	}
	payload, err := c.tc.Platform.SerializeClientSync(c.opt.Services)
	if err != nil {
		return errors.Annotatef(err, "%s authorize serialize", c)
	}
	m := &kaatcp.Connect{
		Keepalive:      connectKeepalive(c.keepalive.interval),
		NextProtocolID: PlatformProtocolID,
		Payload:        payload,
	}
	if size := m.Size(); size > c.out.Available() {
		// out buffer is empty after connect
		c.socketError(errors.Annotatef(transport.ErrInsufficientBuffer, "authorize CONNECT size=%d out=%s", size, c.out), netio.SocketDisconnected)
		return nil
	}
	if err = c.queue(m); err != nil {
		return errors.Annotatef(err, "%s authorize", c)
	}
	c.pending = c.pending[:0]
	c.auth = authAuthorizing
	c.sync = syncStarted
	return nil
}

// writeSync queues KAASYNC request, done=false when it has to wait for out buffer flush.
// Request larger than out buffer is dropped.
func (c *Channel) writeSync(services []transport.Service) (done bool, err error) {
	payload, err := c.tc.Platform.SerializeClientSync(services)
	if err != nil {
		return false, errors.Annotatef(err, "%s sync serialize", c)
	}
	m := &kaatcp.KaaSync{MessageID: c.messageID, Request: true, Payload: payload}
	switch size := m.Size(); {
	case size > c.out.Capacity():
		c.pending.remove(services...)
		c.stat.Errors.Add(1)
		c.log.Errorf("%s drop sync services=%v size=%d out capacity=%d", c, services, size, c.out.Capacity())
		return true, nil
	case size > c.out.Available():
		c.log.Debugf("%s sync size=%d waits for flush out=%s", c, size, c.out)
		return false, nil
	}
	if err = c.queue(m); err != nil {
		return false, errors.Annotatef(err, "%s sync", c)
	}
	c.messageID++
	c.pending.remove(services...)
	c.flush()
	return true, nil
}

func (c *Channel) disconnect(reason kaatcp.DisconnectReason) error {
	if c.ap.state != apConnected {
		return errors.Annotatef(transport.ErrBadState, "disconnect ap=%s", c.ap.state)
	}
	if c.draining {
		return nil
	}
	if err := c.queue(kaatcp.Disconnect{Reason: reason}); err != nil {
		return errors.Annotate(err, "disconnect")
	}
	c.draining = true
	return nil
}

// queue serializes message into out buffer.
func (c *Channel) queue(m kaatcp.Message) error {
	space, err := c.out.Allocate()
	if err != nil {
		return errors.Annotatef(err, "queue %s", m.Type())
	}
	n, err := m.MarshalTo(space)
	if err != nil {
		_ = c.out.Lock(0)
		return errors.Annotatef(err, "queue %s", m.Type())
	}
	if err = c.out.Lock(n); err != nil {
		return errors.Annotate(err, "code error queue lock")
	}
	c.stat.Send.Register(m)
	c.log.Debugf("%s send %s", c, m.String())
	return nil
}

// flush writes out buffer to socket, false on socket error.
func (c *Channel) flush() bool {
	p := c.out.Unprocessed()
	if len(p) == 0 {
		return true
	}
	n, err := c.opt.Socket.Write(c.ap.fd, p)
	if err != nil {
		c.socketError(err, netio.SocketDisconnected)
		return false
	}
	if err = c.out.Free(n); err != nil {
		c.log.Errorf("code error socket write n=%d buffer=%s", n, c.out)
	}
	return true
}

// socketError resets connection state, safe to call repeatedly.
func (c *Channel) socketError(cause error, ev netio.SocketEvent) {
	if cause != nil {
		c.stat.Errors.Add(1)
		c.log.Errorf("%s socket: %v", c, cause)
	}
	if c.ap.state == apConnecting || c.ap.state == apConnected {
		c.ap.state = apResolved
	}
	c.auth = authUndefined
	c.draining = false
	c.closeSocket(ev)
	failed := c.sync == syncStarted
	c.sync = syncUndefined
	c.in.Reset()
	c.out.Reset()
	c.parser.Reset()
	if failed {
		c.retry.Failure()
		c.reportFailure()
	}
}

func (c *Channel) closeSocket(ev netio.SocketEvent) {
	fd := c.ap.fd
	if fd < 0 {
		return
	}
	c.event(ev)
	c.ap.fd = -1
	if err := c.opt.Socket.Close(fd); err != nil {
		c.log.Errorf("%s close fd=%d: %v", c, fd, err)
	}
}

func (c *Channel) releaseAccessPoint() {
	c.closeSocket(netio.SocketDisconnected)
	c.ap = accessPoint{fd: -1}
	c.auth = authUndefined
	c.sync = syncUndefined
	c.draining = false
	c.in.Reset()
	c.out.Reset()
	c.parser.Reset()
}

func (c *Channel) reportFailure() {
	if c.tc == nil || c.tc.Bootstrap == nil {
		return
	}
	if err := c.tc.Bootstrap.OnAccessPointFailed(ProtocolID, c.serverType); err != nil {
		if errors.IsNotFound(err) {
			c.log.Infof("%s no alternative access point", c)
		} else {
			c.log.Errorf("%s access point failed: %v", c, err)
		}
	}
}

func (c *Channel) event(ev netio.SocketEvent) {
	if c.opt.OnEvent != nil {
		c.opt.OnEvent(ev, c.ap.fd)
	}
}

func (c *Channel) touch() { c.keepalive.lastReceived.Set(c.now()) }

// Server side timeout with margin for network delays.
func connectKeepalive(sec uint16) uint16 {
	v := uint32(sec) * 12 / 10
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}

// parserHandler keeps Handler methods out of Channel API.
type parserHandler struct{ c *Channel }

func (h parserHandler) OnConnack(m kaatcp.Connack) {
	c := h.c
	c.stat.Recv.Register(m)
	c.touch()
	if c.auth != authAuthorizing {
		c.socketError(errors.Annotatef(transport.ErrBadState, "unexpected %s", m), netio.SocketDisconnected)
		return
	}
	if m.ReturnCode != kaatcp.ConnackSuccess {
		c.socketError(errors.Annotatef(transport.ErrSocket, "connection denied %s", m.ReturnCode), netio.SocketDisconnected)
		return
	}
	c.auth = authAuthorized
	now := c.now()
	c.keepalive.lastSent.Set(now)
	c.keepalive.lastReceived.Set(now)
	c.retry.Reset()
	c.log.Infof("%s authorized", c)
}

func (h parserHandler) OnDisconnect(m kaatcp.Disconnect) {
	c := h.c
	c.stat.Recv.Register(m)
	if m.Reason != kaatcp.DisconnectInternalError {
		c.sync = syncStarted
	}
	c.socketError(errors.Annotatef(transport.ErrSocket, "server disconnect reason=%s", m.Reason), netio.SocketDisconnected)
}

func (h parserHandler) OnKaaSync(m *kaatcp.KaaSync) {
	c := h.c
	c.stat.Recv.Register(m)
	c.touch()
	if m.Zipped || m.Encrypted {
		c.log.Errorf("%s drop %v", c, errors.NotSupportedf("%s zipped=%t encrypted=%t", m.Type(), m.Zipped, m.Encrypted))
	} else if err := c.tc.Platform.ProcessServerSync(m.Payload); err != nil {
		c.log.Errorf("%s process server sync: %v", c, err)
	}
	if c.serverType == transport.ServerBootstrap {
		c.sync = syncFinished
		if err := c.disconnect(kaatcp.DisconnectNone); err != nil {
			c.log.Errorf("%s %v", c, err)
		}
	}
}

func (h parserHandler) OnPingResp() {
	h.c.stat.Recv.Register(kaatcp.PingResp{})
	h.c.touch()
}
