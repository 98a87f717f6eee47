// Package channelmgr keeps registry of transport channels.
// It routes services and access points to channels and builds bootstrap discovery request.
package channelmgr

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/kaa-endpoint/helpers"
	"github.com/temoto/kaa-endpoint/log2"
	"github.com/temoto/kaa-endpoint/message"
	"github.com/temoto/kaa-endpoint/transport"
)

type entry struct {
	id         transport.ChannelID
	serverType transport.ServerType
	ch         transport.Channel
}

type Manager struct {
	lk  sync.Mutex
	log *log2.Log
	tc  *transport.Context
	// registration order
	list []entry

	sync struct {
		upToDate    bool
		payloadSize int
		count       int
		requestID   uint16
	}
}

func New(log *log2.Log, tc *transport.Context) *Manager {
	return &Manager{log: log, tc: tc}
}

// Context is shared by all registered channels.
func (self *Manager) Context() *transport.Context { return self.tc }

// AddChannel registers, initializes channel and sets known access point.
func (self *Manager) AddChannel(ch transport.Channel) (transport.ChannelID, error) {
	if ch == nil {
		return 0, errors.NotValidf("channel=nil")
	}
	services := ch.SupportedServices()
	if err := transport.ValidateServices(services); err != nil {
		return 0, errors.Annotate(err, "add channel")
	}
	id := ChannelID(ch)
	pid := ch.ProtocolID()

	self.lk.Lock()
	defer self.lk.Unlock()
	if _, ok := self.find(id); ok {
		return 0, errors.AlreadyExistsf("channel=%#08x protocol=%s", uint32(id), pid)
	}
	if err := ch.Init(self.tc); err != nil {
		return 0, errors.Annotatef(err, "channel=%#08x init", uint32(id))
	}
	e := entry{id: id, serverType: transport.ClassifyServices(services), ch: ch}
	self.list = append(self.list, e)
	self.sync.upToDate = false
	self.log.Infof("%s channel=%#08x added protocol=%s services=%v", e.serverType, uint32(id), pid, services)

	if ap := self.accessPoint(e.serverType, pid); ap != nil {
		if err := ch.SetAccessPoint(ap); err != nil {
			self.log.Errorf("channel=%#08x set %s: %v", uint32(id), ap, err)
		}
	} else {
		self.log.Infof("channel=%#08x no %s access point for protocol=%s", uint32(id), e.serverType, pid)
	}
	return id, nil
}

// RemoveChannel unregisters and destroys channel.
func (self *Manager) RemoveChannel(id transport.ChannelID) error {
	self.lk.Lock()
	i, ok := self.find(id)
	if !ok {
		self.lk.Unlock()
		return errors.NotFoundf("channel=%#08x", uint32(id))
	}
	ch := self.list[i].ch
	self.list = append(self.list[:i], self.list[i+1:]...)
	self.sync.upToDate = false
	self.lk.Unlock()

	self.log.Infof("channel=%#08x removed", uint32(id))
	return errors.Annotatef(ch.Destroy(), "channel=%#08x destroy", uint32(id))
}

// ChannelForService returns first registered channel supporting s.
func (self *Manager) ChannelForService(s transport.Service) (transport.Channel, error) {
	self.lk.Lock()
	defer self.lk.Unlock()
	for _, e := range self.list {
		if transport.ContainsService(e.ch.SupportedServices(), s) {
			return e.ch, nil
		}
	}
	return nil, errors.NotFoundf("channel for service=%s", s)
}

func (self *Manager) Channels() []transport.Channel {
	self.lk.Lock()
	defer self.lk.Unlock()
	r := make([]transport.Channel, len(self.list))
	for i, e := range self.list {
		r[i] = e.ch
	}
	return r
}

// OnNewAccessPoint sets ap to every channel of protocol pid and server type st.
func (self *Manager) OnNewAccessPoint(pid transport.ProtocolID, st transport.ServerType, ap *transport.AccessPoint) error {
	if ap == nil {
		return errors.NotValidf("access point=nil")
	}
	self.lk.Lock()
	match := make([]entry, 0, len(self.list))
	for _, e := range self.list {
		if e.serverType == st && e.ch.ProtocolID() == pid {
			match = append(match, e)
		}
	}
	self.lk.Unlock()

	if len(match) == 0 {
		return errors.NotFoundf("%s channel for protocol=%s", st, pid)
	}
	errs := make([]error, 0, len(match))
	for _, e := range match {
		self.log.Debugf("channel=%#08x new %s access point %s", uint32(e.id), st, ap)
		if err := e.ch.SetAccessPoint(ap); err != nil {
			errs = append(errs, errors.Annotatef(err, "channel=%#08x", uint32(e.id)))
		}
	}
	return helpers.FoldErrors(errs)
}

// BootstrapRequestSize includes extension header, 0 without channels.
func (self *Manager) BootstrapRequestSize() int {
	self.lk.Lock()
	defer self.lk.Unlock()
	return self.requestSize()
}

// SerializeBootstrapRequest writes list of supported protocols.
// Every call uses next request id. Nothing is written without channels.
func (self *Manager) SerializeBootstrapRequest(w *message.Writer) error {
	self.lk.Lock()
	defer self.lk.Unlock()
	size := self.requestSize()
	if size == 0 {
		return nil
	}
	if w.Remaining() < size {
		return errors.Annotatef(transport.ErrInsufficientBuffer, "bootstrap request size=%d remaining=%d", size, w.Remaining())
	}
	self.sync.requestID++
	_ = w.WriteExtensionHeader(message.ExtensionBootstrap, 0, uint32(self.sync.payloadSize))
	_ = w.WriteUint16(self.sync.requestID)
	_ = w.WriteUint16(uint16(self.sync.count))
	for _, e := range self.list {
		pid := e.ch.ProtocolID()
		_ = w.WriteUint32(pid.ID)
		_ = w.WriteUint16(pid.Version)
		_ = w.WriteUint16(0) // reserved
	}
	return nil
}

// Destroy destroys and forgets all channels.
func (self *Manager) Destroy() error {
	self.lk.Lock()
	list := self.list
	self.list = nil
	self.sync.upToDate = false
	self.lk.Unlock()

	errs := make([]error, 0, len(list))
	for _, e := range list {
		if err := e.ch.Destroy(); err != nil {
			errs = append(errs, errors.Annotatef(err, "channel=%#08x destroy", uint32(e.id)))
		}
	}
	return helpers.FoldErrors(errs)
}

func (self *Manager) String() string {
	self.lk.Lock()
	defer self.lk.Unlock()
	return fmt.Sprintf("channelmgr(channels=%d)", len(self.list))
}

func (self *Manager) find(id transport.ChannelID) (int, bool) {
	for i, e := range self.list {
		if e.id == id {
			return i, true
		}
	}
	return -1, false
}

func (self *Manager) accessPoint(st transport.ServerType, pid transport.ProtocolID) *transport.AccessPoint {
	if self.tc == nil || self.tc.Bootstrap == nil {
		return nil
	}
	if st == transport.ServerBootstrap {
		return self.tc.Bootstrap.BootstrapAccessPoint(pid)
	}
	return self.tc.Bootstrap.OperationsAccessPoint(pid)
}

// requires lk
func (self *Manager) requestSize() int {
	if !self.sync.upToDate {
		self.sync.count = len(self.list)
		self.sync.payloadSize = 0
		if self.sync.count > 0 {
			self.sync.payloadSize = 2 /*request id*/ + 2 /*count*/ +
				self.sync.count*(4 /*protocol*/ +2 /*version*/ +2 /*reserved*/)
		}
		self.sync.upToDate = true
	}
	if self.sync.payloadSize == 0 {
		return 0
	}
	return message.ExtensionHeaderSize + self.sync.payloadSize
}

// ChannelID is derived from protocol, services and optional instance key,
// so channels of the same kind collide unless their keys differ.
func ChannelID(ch transport.Channel) transport.ChannelID {
	const prime = 31
	pid := ch.ProtocolID()
	id := uint32(1)
	id = prime*id + pid.ID
	id = prime*id + uint32(pid.Version)
	for _, s := range ch.SupportedServices() {
		id = prime*id + uint32(s)
	}
	if d, ok := ch.(transport.Discriminator); ok {
		if key := d.InstanceKey(); key != "" {
			h := fnv.New32a()
			_, _ = h.Write([]byte(key))
			id = prime*id + h.Sum32()
		}
	}
	return transport.ChannelID(id)
}
