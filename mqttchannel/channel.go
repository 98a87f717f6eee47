// Package mqttchannel carries platform sync payloads over MQTT broker.
// - access point connection data gives broker host and port
// - client publishes sync request to <prefix>/<client id>/sync/req
// - server responses arrive at <prefix>/<client id>/sync/resp
// - I/O runs in background goroutines, so PlatformProtocol must be safe for concurrent use
// - unlimited reconnect attempts with exponential delay until Destroy()
package mqttchannel

import (
	"crypto/tls"
	"fmt"
	"net"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/256dpi/gomqtt/packet"
	mqtt_transport "github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/kaa-endpoint/helpers"
	"github.com/temoto/kaa-endpoint/log2"
	"github.com/temoto/kaa-endpoint/transport"
)

var ProtocolID = transport.ProtocolID{ID: 0x8e3ab8c1, Version: 1}

const (
	DefaultNetworkTimeout = 30 * time.Second
	DefaultReconnectDelay = 3 * time.Second
	DefaultClientID       = "kaa-endpoint"
	MaxReconnectDelay     = 5 * time.Minute
)

type Options struct {
	Log            *log2.Log
	Services       []transport.Service
	TLS            *tls.Config
	NetworkTimeout time.Duration
	// 0 disables pings
	KeepaliveSec uint16
	// negative disables delay
	ReconnectDelay time.Duration
	ClientID       string
	TopicPrefix    string
	InstanceKey    string
}

type Channel struct {
	mu         sync.Mutex
	log        *log2.Log
	opt        Options
	serverType transport.ServerType
	dialer     *mqtt_transport.Dialer
	alive      *alive.Alive
	kick       chan struct{}
	retry      helpers.Backoff

	// protected by mu
	tc        *transport.Context
	destroyed bool
	ap        *transport.AccessPoint
	url       string
	apgen     uint32
	pending   []transport.Service
	connected bool
}

var _ transport.Channel = &Channel{}
var _ transport.Discriminator = &Channel{}

func New(opt Options) (*Channel, error) {
	if err := transport.ValidateServices(opt.Services); err != nil {
		return nil, errors.Annotate(err, "mqttchannel")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	if opt.ClientID == "" {
		opt.ClientID = DefaultClientID
	}
	opt.Services = append([]transport.Service(nil), opt.Services...)
	c := &Channel{
		log:        opt.Log,
		opt:        opt,
		serverType: transport.ClassifyServices(opt.Services),
		alive:      alive.NewAlive(),
		kick:       make(chan struct{}, 1),
		dialer: mqtt_transport.NewDialer(mqtt_transport.DialConfig{
			TLSConfig: opt.TLS,
			Timeout:   opt.NetworkTimeout,
		}),
	}
	if opt.ReconnectDelay > 0 {
		c.retry = helpers.Backoff{Min: opt.ReconnectDelay, Max: MaxReconnectDelay, K: 2}
	}
	return c, nil
}

func (c *Channel) String() string {
	return fmt.Sprintf("mqttchannel(%s client=%s)", c.serverType, c.opt.ClientID)
}

func (c *Channel) ProtocolID() transport.ProtocolID { return ProtocolID }
func (c *Channel) SupportedServices() []transport.Service {
	return append([]transport.Service(nil), c.opt.Services...)
}
func (c *Channel) InstanceKey() string { return c.opt.InstanceKey }

func (c *Channel) RequestTopic() string {
	return path.Join(c.opt.TopicPrefix, c.opt.ClientID, "sync", "req")
}
func (c *Channel) ResponseTopic() string {
	return path.Join(c.opt.TopicPrefix, c.opt.ClientID, "sync", "resp")
}

// Connected reports whether broker session is established.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Init starts background worker on first call.
func (c *Channel) Init(tc *transport.Context) error {
	if tc == nil || tc.Platform == nil {
		return errors.NotValidf("code error transport context without platform protocol")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return errors.Annotate(transport.ErrBadState, "init destroyed channel")
	}
	if c.tc != nil {
		return nil
	}
	if !c.alive.Add(1) {
		return errors.Annotate(transport.ErrBadState, "init stopped channel")
	}
	c.tc = tc
	go c.worker()
	return nil
}

func (c *Channel) SetAccessPoint(ap *transport.AccessPoint) error {
	if ap == nil {
		return errors.NotValidf("access point=nil")
	}
	c.mu.Lock()
	if err := c.checkUsable(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.apgen++
	c.ap, c.url = nil, ""
	info, err := transport.ParseConnectionData(ap.ConnectionData)
	if err != nil {
		c.mu.Unlock()
		c.wake()
		return errors.Annotatef(err, "%s set %s", c, ap)
	}
	c.ap = ap
	c.url = brokerURL(info, c.opt.TLS != nil)
	c.mu.Unlock()

	c.log.Infof("%s access point %s", c, info)
	c.wake()
	return nil
}

func (c *Channel) SyncHandler(services []transport.Service) error {
	c.mu.Lock()
	if err := c.checkUsable(); err != nil {
		c.mu.Unlock()
		return err
	}
	for _, s := range services {
		if !transport.ContainsService(c.pending, s) {
			c.pending = append(c.pending, s)
		}
	}
	c.mu.Unlock()
	c.wake()
	return nil
}

// Destroy stops worker and waits until broker session is closed.
func (c *Channel) Destroy() error {
	c.mu.Lock()
	c.destroyed = true
	c.pending = nil
	c.mu.Unlock()
	c.alive.Stop()
	c.alive.Wait()
	return nil
}

// requires mu
func (c *Channel) checkUsable() error {
	if c.destroyed {
		return errors.Annotate(transport.ErrBadState, "channel destroyed")
	}
	if c.tc == nil {
		return errors.Annotate(transport.ErrBadState, "channel not initialized")
	}
	return nil
}

func (c *Channel) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// target returns broker to connect, ok=false means stay idle.
// Bootstrap channel connects only for explicit request.
func (c *Channel) target() (string, uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ap == nil {
		return "", 0, false
	}
	if c.serverType == transport.ServerBootstrap && len(c.pending) == 0 {
		return "", 0, false
	}
	return c.url, c.apgen, true
}

func (c *Channel) current(gen uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apgen == gen
}

func (c *Channel) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// takePending returns services for next sync request and clears pending list.
func (c *Channel) takePending(all bool) []transport.Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	var r []transport.Service
	switch {
	case c.serverType == transport.ServerBootstrap && (all || len(c.pending) != 0):
		r = []transport.Service{transport.ServiceBootstrap}
	case all:
		r = append(r, c.opt.Services...)
	default:
		r = append(r, c.pending...)
	}
	c.pending = c.pending[:0]
	return r
}

func (c *Channel) restorePending(services []transport.Service) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range services {
		if !transport.ContainsService(c.pending, s) {
			c.pending = append(c.pending, s)
		}
	}
}

func (c *Channel) worker() {
	defer c.alive.Done()
	stopch := c.alive.StopChan()
	for c.alive.IsRunning() {
		url, gen, ok := c.target()
		if !ok {
			select {
			case <-c.kick:
				continue
			case <-stopch:
				return
			}
		}
		if d := c.retry.DelayBefore(); d > 0 {
			c.log.Debugf("%s reconnect delay=%v", c, d)
			select {
			case <-time.After(d):
				continue
			case <-stopch:
				return
			}
		}

		err := c.serve(url, gen)
		c.setConnected(false)
		if err == nil || !c.alive.IsRunning() {
			continue
		}
		c.log.Errorf("%s %v", c, err)
		c.retry.Failure()
		c.reportFailure()
	}
}

// serve runs one broker session until error, access point change or stop.
func (c *Channel) serve(url string, gen uint32) error {
	conn, err := c.dialer.Dial(url)
	if err != nil {
		return errors.Annotatef(err, "dial broker=%s", url)
	}
	s := newSession(c, conn)
	defer s.close()

	if err = s.handshake(); err != nil {
		return s.die(err)
	}
	c.retry.Reset()
	c.setConnected(true)
	c.log.Infof("%s connected broker=%s", c, url)
	s.start()

	services := c.takePending(true)
	stopch := c.alive.StopChan()
	for {
		if len(services) != 0 {
			if err = s.publish(services); err != nil {
				c.restorePending(services)
				return s.die(err)
			}
		}
		select {
		case <-c.kick:
		case <-s.alive.StopChan():
			if err, _ = s.err.Load(); err == errSessionDone {
				s.disconnect()
				return nil
			}
			return err
		case <-stopch:
			s.disconnect()
			return nil
		}
		if !c.current(gen) {
			c.log.Debugf("%s access point changed", c)
			s.disconnect()
			return nil
		}
		services = c.takePending(false)
	}
}

func (c *Channel) onResponse(msg *packet.Message) error {
	if msg.Topic != c.ResponseTopic() {
		c.log.Debugf("%s ignore topic=%s", c, msg.Topic)
		return nil
	}
	c.mu.Lock()
	tc := c.tc
	c.mu.Unlock()
	if err := tc.Platform.ProcessServerSync(msg.Payload); err != nil {
		c.log.Errorf("%s process server sync: %v", c, err)
	}
	if c.serverType == transport.ServerBootstrap {
		return errSessionDone
	}
	return nil
}

// must not hold mu, bootstrap may call SetAccessPoint
func (c *Channel) reportFailure() {
	c.mu.Lock()
	tc := c.tc
	c.mu.Unlock()
	if tc == nil || tc.Bootstrap == nil {
		return
	}
	if err := tc.Bootstrap.OnAccessPointFailed(ProtocolID, c.serverType); err != nil {
		if errors.IsNotFound(err) {
			c.log.Infof("%s no alternative access point", c)
		} else {
			c.log.Errorf("%s access point failed: %v", c, err)
		}
	}
}

func brokerURL(info transport.ConnectionInfo, secure bool) string {
	scheme := "tcp"
	if secure {
		scheme = "tls"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(info.Hostname, strconv.Itoa(int(info.Port))))
}
