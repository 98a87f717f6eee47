package tcpchannel

// Values are read and modified atomically, but not consistently,
// i.e. it is possible to read .Count=1 .Size=0 because Size has not updated yet.

import (
	"expvar"
	"fmt"

	"github.com/temoto/kaa-endpoint/kaatcp"
)

// SessionStat implements expvar.Var.
type SessionStat struct {
	Conn   expvar.Int
	Errors expvar.Int
	Recv   Counters
	Send   Counters
}

var _ expvar.Var = &SessionStat{}

func (ss *SessionStat) Value() (r SessionStat) {
	r.Conn.Set(ss.Conn.Value())
	r.Errors.Set(ss.Errors.Value())
	r.Recv.Set(ss.Recv.Value())
	r.Send.Set(ss.Send.Value())
	return
}

func (ss *SessionStat) String() string {
	return fmt.Sprintf(`{"conn":%d,"errors":%d,"recv":%s,"send":%s}`,
		ss.Conn.Value(), ss.Errors.Value(), ss.Recv.String(), ss.Send.String())
}

type Counters struct {
	Sync  CountSizePair
	Ping  expvar.Int
	Total CountSizePair
}

func (c *Counters) Register(m kaatcp.Message) {
	switch mt := m.(type) {
	case *kaatcp.KaaSync:
		c.Sync.Count.Add(1)
		c.Sync.Size.Add(int64(len(mt.Payload)))
	case kaatcp.PingReq, kaatcp.PingResp:
		c.Ping.Add(1)
	}
	c.Total.Count.Add(1)
	c.Total.Size.Add(int64(m.Size()))
}

func (c *Counters) Set(new Counters) {
	c.Sync.Set(new.Sync.Value())
	c.Ping.Set(new.Ping.Value())
	c.Total.Set(new.Total.Value())
}

func (c *Counters) Value() (r Counters) {
	r.Sync = c.Sync.Value()
	r.Ping.Set(c.Ping.Value())
	r.Total = c.Total.Value()
	return
}

func (c *Counters) String() string {
	return fmt.Sprintf(`{"sync.count":%d,"sync.size":%d,"ping":%d,"total.count":%d,"total.size":%d}`,
		c.Sync.Count.Value(), c.Sync.Size.Value(), c.Ping.Value(),
		c.Total.Count.Value(), c.Total.Size.Value())
}

type CountSizePair struct {
	Count expvar.Int
	Size  expvar.Int
}

func (csp *CountSizePair) Value() (r CountSizePair) {
	r.Count.Set(csp.Count.Value())
	r.Size.Set(csp.Size.Value())
	return
}

func (csp *CountSizePair) Set(new CountSizePair) {
	csp.Count.Set(new.Count.Value())
	csp.Size.Set(new.Size.Value())
}
