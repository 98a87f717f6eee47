// Package bootstrap provides access points from static list.
package bootstrap

import (
	"fmt"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/kaa-endpoint/log2"
	"github.com/temoto/kaa-endpoint/transport"
)

// AccessPointSink receives replacement access points, usually *channelmgr.Manager.
type AccessPointSink interface {
	OnNewAccessPoint(pid transport.ProtocolID, st transport.ServerType, ap *transport.AccessPoint) error
}

type key struct {
	pid transport.ProtocolID
	st  transport.ServerType
}

type rotation struct {
	list    []*transport.AccessPoint
	current int
}

// Static rotates through configured access points when current one fails.
// Safe for concurrent use.
type Static struct {
	mu   sync.Mutex
	log  *log2.Log
	sink AccessPointSink
	aps  map[key]*rotation
}

var _ transport.BootstrapManager = &Static{}

func NewStatic(log *log2.Log) *Static {
	return &Static{log: log, aps: make(map[key]*rotation)}
}

// SetSink must be called before channels are registered.
func (self *Static) SetSink(sink AccessPointSink) {
	self.mu.Lock()
	self.sink = sink
	self.mu.Unlock()
}

func (self *Static) Add(pid transport.ProtocolID, st transport.ServerType, ap *transport.AccessPoint) error {
	if ap == nil {
		return errors.NotValidf("access point=nil")
	}
	if _, err := transport.ParseConnectionData(ap.ConnectionData); err != nil {
		return errors.Annotatef(err, "access point=%d", ap.ID)
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	k := key{pid, st}
	r := self.aps[k]
	if r == nil {
		r = &rotation{}
		self.aps[k] = r
	}
	for _, x := range r.list {
		if x.ID == ap.ID {
			return errors.AlreadyExistsf("%s access point=%d protocol=%s", st, ap.ID, pid)
		}
	}
	r.list = append(r.list, ap)
	return nil
}

func (self *Static) OperationsAccessPoint(pid transport.ProtocolID) *transport.AccessPoint {
	return self.current(key{pid, transport.ServerOperations})
}

func (self *Static) BootstrapAccessPoint(pid transport.ProtocolID) *transport.AccessPoint {
	return self.current(key{pid, transport.ServerBootstrap})
}

// OnAccessPointFailed switches to next access point and pushes it to sink.
// With single access point, it is pushed again so channel retries.
func (self *Static) OnAccessPointFailed(pid transport.ProtocolID, st transport.ServerType) error {
	self.mu.Lock()
	r := self.aps[key{pid, st}]
	if r == nil || len(r.list) == 0 {
		self.mu.Unlock()
		return errors.NotFoundf("%s access point protocol=%s", st, pid)
	}
	failed := r.list[r.current]
	r.current = (r.current + 1) % len(r.list)
	next := r.list[r.current]
	sink := self.sink
	self.mu.Unlock()

	self.log.Infof("%s access point %s failed, next %s", st, failed, next)
	if sink == nil {
		return nil
	}
	return errors.Annotate(sink.OnNewAccessPoint(pid, st, next), "bootstrap")
}

func (self *Static) String() string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return fmt.Sprintf("bootstrap.Static(keys=%d)", len(self.aps))
}

func (self *Static) current(k key) *transport.AccessPoint {
	self.mu.Lock()
	defer self.mu.Unlock()
	r := self.aps[k]
	if r == nil || len(r.list) == 0 {
		return nil
	}
	return r.list[r.current]
}
