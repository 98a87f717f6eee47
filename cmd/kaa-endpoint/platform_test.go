package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/kaa-endpoint/channelmgr"
	"github.com/temoto/kaa-endpoint/helpers"
	"github.com/temoto/kaa-endpoint/log2"
	"github.com/temoto/kaa-endpoint/message"
	"github.com/temoto/kaa-endpoint/mqttchannel"
	"github.com/temoto/kaa-endpoint/transport"
)

func TestPlatformSerialize(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	p := newPlatform(log)
	b, err := p.SerializeClientSync([]transport.Service{transport.ServiceProfile, transport.ServiceEvent})
	require.NoError(t, err)
	assert.Equal(t, helpers.MustHex("02"+"00000000"+"00000000"+"07"+"00000000"+"00000000"), b)

	_, err = p.SerializeClientSync([]transport.Service{transport.Service(42)})
	assert.Error(t, err)
}

func TestPlatformBootstrapRequest(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	p := newPlatform(log)
	p.mgr = channelmgr.New(log, &transport.Context{Platform: p})
	ch, err := mqttchannel.New(mqttchannel.Options{Log: log, Services: []transport.Service{transport.ServiceBootstrap}})
	require.NoError(t, err)
	_, err = p.mgr.AddChannel(ch)
	require.NoError(t, err)
	defer p.mgr.Destroy()

	b, err := p.SerializeClientSync([]transport.Service{transport.ServiceBootstrap})
	require.NoError(t, err)
	expect := helpers.MustHex("00" + "00000000" + "0000000c" + "0001" + "0001" + "8e3ab8c1" + "0001" + "0000")
	assert.Equal(t, expect, b)
}

func TestPlatformProcessServerSync(t *testing.T) {
	t.Parallel()

	p := newPlatform(log2.NewTest(t, log2.LDebug))
	w := message.NewWriter(make([]byte, 64))
	require.NoError(t, w.WriteExtensionHeader(message.ExtensionProfile, 0, 3))
	require.NoError(t, w.WriteAligned([]byte{1, 2, 3}))
	require.NoError(t, w.WriteExtensionHeader(message.ExtensionEvent, 0, 0))
	require.NoError(t, p.ProcessServerSync(w.Bytes()))
	assert.Equal(t, 1, p.received[message.ExtensionProfile])
	assert.Equal(t, 1, p.received[message.ExtensionEvent])

	err := p.ProcessServerSync(helpers.MustHex("02" + "00000000" + "00000008" + "0102"))
	assert.True(t, transport.IsInsufficientBuffer(err))
}
