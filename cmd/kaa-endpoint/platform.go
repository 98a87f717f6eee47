package main

import (
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/kaa-endpoint/channelmgr"
	"github.com/temoto/kaa-endpoint/log2"
	"github.com/temoto/kaa-endpoint/message"
	"github.com/temoto/kaa-endpoint/transport"
)

var serviceExtension = [...]uint8{
	transport.ServiceBootstrap:     message.ExtensionBootstrap,
	transport.ServiceProfile:       message.ExtensionProfile,
	transport.ServiceUser:          message.ExtensionUser,
	transport.ServiceEvent:         message.ExtensionEvent,
	transport.ServiceLogging:       message.ExtensionLogging,
	transport.ServiceConfiguration: message.ExtensionConfiguration,
	transport.ServiceNotification:  message.ExtensionNotification,
}

// platform frames one empty extension per requested service,
// bootstrap extension carries the supported protocol list.
// Server responses are only logged.
type platform struct {
	mu  sync.Mutex
	log *log2.Log
	mgr *channelmgr.Manager
	// server extensions received, by type
	received map[uint8]int
}

var _ transport.PlatformProtocol = &platform{}

func newPlatform(log *log2.Log) *platform {
	return &platform{log: log, received: make(map[uint8]int)}
}

func (p *platform) SerializeClientSync(services []transport.Service) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	size := 0
	for _, s := range services {
		if s == transport.ServiceBootstrap && p.mgr != nil {
			size += p.mgr.BootstrapRequestSize()
		} else {
			size += message.ExtensionHeaderSize
		}
	}
	w := message.NewWriter(make([]byte, size))
	for _, s := range services {
		if int(s) >= len(serviceExtension) {
			return nil, errors.NotValidf("service=%s", s)
		}
		if s == transport.ServiceBootstrap && p.mgr != nil {
			if err := p.mgr.SerializeBootstrapRequest(w); err != nil {
				return nil, errors.Annotate(err, "platform bootstrap")
			}
			continue
		}
		if err := w.WriteExtensionHeader(serviceExtension[s], 0, 0); err != nil {
			return nil, errors.Annotatef(err, "platform service=%s", s)
		}
	}
	return w.Bytes(), nil
}

func (p *platform) ProcessServerSync(payload []byte) error {
	r := message.NewReader(payload)
	for r.Remaining() > 0 {
		h, err := r.ReadExtensionHeader()
		if err != nil {
			return errors.Annotate(err, "platform server sync")
		}
		if err = r.Skip(message.AlignedSize(int(h.PayloadLength))); err != nil {
			return errors.Annotatef(err, "platform server sync %s", h)
		}
		p.log.Infof("server sync %s", h)
		p.mu.Lock()
		p.received[h.Type]++
		p.mu.Unlock()
	}
	return nil
}
