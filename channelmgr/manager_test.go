package channelmgr

import (
	"fmt"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/kaa-endpoint/helpers"
	"github.com/temoto/kaa-endpoint/log2"
	"github.com/temoto/kaa-endpoint/message"
	"github.com/temoto/kaa-endpoint/transport"
)

var (
	tcpProto  = transport.ProtocolID{ID: 0x56c8ff92, Version: 1}
	mqttProto = transport.ProtocolID{ID: 0x8e3ab8c1, Version: 1}
)

type fakeChannel struct {
	pid       transport.ProtocolID
	services  []transport.Service
	key       string
	tc        *transport.Context
	inits     int
	aps       []*transport.AccessPoint
	setErr    error
	destroyed int
}

func (c *fakeChannel) ProtocolID() transport.ProtocolID       { return c.pid }
func (c *fakeChannel) SupportedServices() []transport.Service { return c.services }
func (c *fakeChannel) InstanceKey() string                    { return c.key }
func (c *fakeChannel) Init(tc *transport.Context) error {
	c.inits++
	if c.tc == nil {
		c.tc = tc
	}
	return nil
}
func (c *fakeChannel) SetAccessPoint(ap *transport.AccessPoint) error {
	c.aps = append(c.aps, ap)
	return c.setErr
}
func (c *fakeChannel) SyncHandler([]transport.Service) error { return nil }
func (c *fakeChannel) Destroy() error {
	c.destroyed++
	return nil
}

type fakePlatform struct{}

func (fakePlatform) SerializeClientSync([]transport.Service) ([]byte, error) { return nil, nil }
func (fakePlatform) ProcessServerSync([]byte) error                          { return nil }

type fakeBootstrap struct {
	ops  map[transport.ProtocolID]*transport.AccessPoint
	boot map[transport.ProtocolID]*transport.AccessPoint
}

func (b *fakeBootstrap) OperationsAccessPoint(pid transport.ProtocolID) *transport.AccessPoint {
	return b.ops[pid]
}
func (b *fakeBootstrap) BootstrapAccessPoint(pid transport.ProtocolID) *transport.AccessPoint {
	return b.boot[pid]
}
func (b *fakeBootstrap) OnAccessPointFailed(transport.ProtocolID, transport.ServerType) error {
	return errors.NotFoundf("access point")
}

func newManager(t testing.TB) (*Manager, *fakeBootstrap) {
	boot := &fakeBootstrap{
		ops:  map[transport.ProtocolID]*transport.AccessPoint{},
		boot: map[transport.ProtocolID]*transport.AccessPoint{},
	}
	tc := &transport.Context{Platform: fakePlatform{}, Bootstrap: boot}
	return New(log2.NewTest(t, log2.LDebug), tc), boot
}

func services(ss ...transport.Service) []transport.Service { return ss }

func TestAddChannel(t *testing.T) {
	t.Parallel()

	m, boot := newManager(t)
	opsAP := &transport.AccessPoint{ID: 1}
	bootAP := &transport.AccessPoint{ID: 2}
	boot.ops[tcpProto] = opsAP
	boot.boot[tcpProto] = bootAP

	ops := &fakeChannel{pid: tcpProto, services: services(transport.ServiceProfile, transport.ServiceLogging)}
	bs := &fakeChannel{pid: tcpProto, services: services(transport.ServiceBootstrap)}
	other := &fakeChannel{pid: mqttProto, services: services(transport.ServiceEvent)}
	for _, ch := range []*fakeChannel{ops, bs, other} {
		_, err := m.AddChannel(ch)
		require.NoError(t, err)
		assert.Equal(t, 1, ch.inits)
		assert.True(t, ch.tc == m.Context(), "context shared by manager")
	}
	assert.Equal(t, []*transport.AccessPoint{opsAP}, ops.aps)
	assert.Equal(t, []*transport.AccessPoint{bootAP}, bs.aps)
	assert.Equal(t, 0, len(other.aps), "no access point known")
	assert.Equal(t, []transport.Channel{ops, bs, other}, m.Channels())
}

func TestAddChannelInvalid(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	_, err := m.AddChannel(nil)
	assert.True(t, errors.IsNotValid(err))
	_, err = m.AddChannel(&fakeChannel{pid: tcpProto})
	assert.True(t, errors.IsNotValid(err), "empty services")
	_, err = m.AddChannel(&fakeChannel{pid: tcpProto, services: services(transport.ServiceBootstrap, transport.ServiceProfile)})
	assert.True(t, errors.IsNotValid(err), "bootstrap exclusive")
	assert.Equal(t, 0, len(m.Channels()))
}

func TestChannelIDCollision(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	a := &fakeChannel{pid: tcpProto, services: services(transport.ServiceProfile)}
	b := &fakeChannel{pid: tcpProto, services: services(transport.ServiceProfile)}
	id, err := m.AddChannel(a)
	require.NoError(t, err)
	_, err = m.AddChannel(b)
	assert.True(t, errors.IsAlreadyExists(err), "error: %v", err)
	assert.Equal(t, 0, b.inits)

	// distinct instance key
	c := &fakeChannel{pid: tcpProto, services: services(transport.ServiceProfile), key: "second"}
	idc, err := m.AddChannel(c)
	require.NoError(t, err)
	assert.NotEqual(t, id, idc)

	require.NoError(t, m.RemoveChannel(id))
	assert.Equal(t, 1, a.destroyed)
	assert.True(t, errors.IsNotFound(m.RemoveChannel(id)))
	id2, err := m.AddChannel(b)
	require.NoError(t, err)
	assert.Equal(t, id, id2)
}

func TestChannelID(t *testing.T) {
	t.Parallel()

	base := &fakeChannel{pid: tcpProto, services: services(transport.ServiceProfile, transport.ServiceEvent)}
	cases := []struct {
		name string
		ch   *fakeChannel
	}{
		{"version", &fakeChannel{pid: transport.ProtocolID{ID: tcpProto.ID, Version: 2}, services: base.services}},
		{"protocol", &fakeChannel{pid: mqttProto, services: base.services}},
		{"order", &fakeChannel{pid: tcpProto, services: services(transport.ServiceEvent, transport.ServiceProfile)}},
		{"subset", &fakeChannel{pid: tcpProto, services: services(transport.ServiceProfile)}},
		{"key", &fakeChannel{pid: tcpProto, services: base.services, key: "x"}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			assert.NotEqual(t, ChannelID(base), ChannelID(c.ch))
		})
	}
	assert.Equal(t, ChannelID(base), ChannelID(&fakeChannel{pid: tcpProto, services: base.services}))
}

func TestChannelForService(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	first := &fakeChannel{pid: tcpProto, services: services(transport.ServiceProfile, transport.ServiceLogging)}
	second := &fakeChannel{pid: mqttProto, services: services(transport.ServiceLogging, transport.ServiceEvent)}
	_, err := m.AddChannel(first)
	require.NoError(t, err)
	_, err = m.AddChannel(second)
	require.NoError(t, err)

	cases := []struct {
		s      transport.Service
		expect transport.Channel
	}{
		{transport.ServiceProfile, first},
		{transport.ServiceLogging, first},
		{transport.ServiceEvent, second},
	}
	for _, c := range cases {
		c := c
		t.Run(c.s.String(), func(t *testing.T) {
			ch, err := m.ChannelForService(c.s)
			require.NoError(t, err)
			assert.True(t, ch == c.expect)
		})
	}
	_, err = m.ChannelForService(transport.ServiceNotification)
	assert.True(t, errors.IsNotFound(err))
}

func TestBootstrapRequest(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	assert.Equal(t, 0, m.BootstrapRequestSize())
	w := message.NewWriter(make([]byte, 64))
	require.NoError(t, m.SerializeBootstrapRequest(w))
	assert.Equal(t, 0, w.Len())

	_, err := m.AddChannel(&fakeChannel{pid: tcpProto, services: services(transport.ServiceProfile)})
	require.NoError(t, err)
	_, err = m.AddChannel(&fakeChannel{pid: mqttProto, services: services(transport.ServiceBootstrap)})
	require.NoError(t, err)

	size := m.BootstrapRequestSize()
	assert.Equal(t, 9+4+2*8, size)
	w = message.NewWriter(make([]byte, size))
	require.NoError(t, m.SerializeBootstrapRequest(w))
	expect := helpers.MustHex("00" + "00000000" + "00000014" +
		"0001" + "0002" +
		"56c8ff92" + "0001" + "0000" +
		"8e3ab8c1" + "0001" + "0000")
	assert.Equal(t, expect, w.Bytes())

	// request id increments
	w = message.NewWriter(make([]byte, size))
	require.NoError(t, m.SerializeBootstrapRequest(w))
	assert.Equal(t, []byte{0, 2}, w.Bytes()[9:11])

	// short buffer leaves writer untouched
	w = message.NewWriter(make([]byte, size-1))
	err = m.SerializeBootstrapRequest(w)
	assert.True(t, transport.IsInsufficientBuffer(err))
	assert.Equal(t, 0, w.Len())
}

func TestBootstrapRequestInvalidate(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	id, err := m.AddChannel(&fakeChannel{pid: tcpProto, services: services(transport.ServiceProfile)})
	require.NoError(t, err)
	assert.Equal(t, 9+4+8, m.BootstrapRequestSize())
	_, err = m.AddChannel(&fakeChannel{pid: mqttProto, services: services(transport.ServiceProfile)})
	require.NoError(t, err)
	assert.Equal(t, 9+4+16, m.BootstrapRequestSize())
	require.NoError(t, m.RemoveChannel(id))
	assert.Equal(t, 9+4+8, m.BootstrapRequestSize())
	require.NoError(t, m.Destroy())
	assert.Equal(t, 0, m.BootstrapRequestSize())
}

func TestOnNewAccessPoint(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	ops1 := &fakeChannel{pid: tcpProto, services: services(transport.ServiceProfile)}
	ops2 := &fakeChannel{pid: tcpProto, services: services(transport.ServiceEvent)}
	bs := &fakeChannel{pid: tcpProto, services: services(transport.ServiceBootstrap)}
	other := &fakeChannel{pid: mqttProto, services: services(transport.ServiceProfile)}
	for _, ch := range []*fakeChannel{ops1, ops2, bs, other} {
		_, err := m.AddChannel(ch)
		require.NoError(t, err)
	}

	ap := &transport.AccessPoint{ID: 5}
	require.NoError(t, m.OnNewAccessPoint(tcpProto, transport.ServerOperations, ap))
	assert.Equal(t, []*transport.AccessPoint{ap}, ops1.aps)
	assert.Equal(t, []*transport.AccessPoint{ap}, ops2.aps)
	assert.Equal(t, 0, len(bs.aps))
	assert.Equal(t, 0, len(other.aps))

	err := m.OnNewAccessPoint(mqttProto, transport.ServerBootstrap, ap)
	assert.True(t, errors.IsNotFound(err))

	ops2.setErr = errors.Annotate(transport.ErrInsufficientBuffer, "truncated")
	err = m.OnNewAccessPoint(tcpProto, transport.ServerOperations, ap)
	assert.True(t, transport.IsInsufficientBuffer(err), fmt.Sprint(err))
	assert.Equal(t, 2, len(ops1.aps), "error does not stop other channels")
}

func TestDestroy(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	a := &fakeChannel{pid: tcpProto, services: services(transport.ServiceProfile)}
	b := &fakeChannel{pid: mqttProto, services: services(transport.ServiceProfile)}
	for _, ch := range []*fakeChannel{a, b} {
		_, err := m.AddChannel(ch)
		require.NoError(t, err)
	}
	require.NoError(t, m.Destroy())
	assert.Equal(t, 1, a.destroyed)
	assert.Equal(t, 1, b.destroyed)
	assert.Equal(t, 0, len(m.Channels()))
	require.NoError(t, m.Destroy())
}
