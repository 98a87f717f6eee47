// kaa-endpoint connects configured channels to Kaa servers and keeps them synchronized.
package main

import (
	"expvar"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/kaa-endpoint/bootstrap"
	"github.com/temoto/kaa-endpoint/channelmgr"
	"github.com/temoto/kaa-endpoint/config"
	"github.com/temoto/kaa-endpoint/log2"
	"github.com/temoto/kaa-endpoint/mqttchannel"
	"github.com/temoto/kaa-endpoint/netio"
	"github.com/temoto/kaa-endpoint/reactor"
	"github.com/temoto/kaa-endpoint/tcpchannel"
	"github.com/temoto/kaa-endpoint/transport"
)

var log = log2.NewStderr(log2.LDebug)

func main() {
	flagConfig := flag.String("config", "kaa-endpoint.hcl", "")
	flag.Parse()

	if sdnotify("start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	}

	cfg := config.MustReadConfig(log, config.NewOsFullReader(), *flagConfig)
	if !cfg.LogDebug {
		log.SetLevel(log2.LInfo)
	}
	if err := run(cfg); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

type endpoint struct {
	boot     *bootstrap.Static
	platform *platform
	mgr      *channelmgr.Manager
	loop     *reactor.Loop
	resolver *netio.AsyncResolver
}

func run(cfg *config.Config) error {
	e, err := newEndpoint(cfg)
	if err != nil {
		return err
	}
	defer e.close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		log.Infof("signal=%v stopping", s)
		sdnotify(daemon.SdNotifyStopping)
		e.loop.Stop()
	}()

	sdnotify(daemon.SdNotifyReady)
	log.Infof("%s running", e.mgr)
	return e.loop.Run()
}

func newEndpoint(cfg *config.Config) (*endpoint, error) {
	e := &endpoint{
		boot:     bootstrap.NewStatic(log),
		platform: newPlatform(log),
		resolver: netio.NewAsyncResolver(log),
	}
	e.mgr = channelmgr.New(log, &transport.Context{Platform: e.platform, Bootstrap: e.boot})
	e.platform.mu.Lock()
	e.platform.mgr = e.mgr
	e.platform.mu.Unlock()
	e.boot.SetSink(e.mgr)

	var err error
	if e.loop, err = reactor.New(log, cfg.PollMax()); err != nil {
		e.resolver.Close()
		return nil, err
	}
	for i := range cfg.AccessPoints {
		if err = e.addAccessPoint(&cfg.AccessPoints[i]); err != nil {
			e.close()
			return nil, err
		}
	}
	for i := range cfg.Channels {
		if err = e.addChannel(cfg, &cfg.Channels[i]); err != nil {
			e.close()
			return nil, err
		}
	}
	return e, nil
}

func (e *endpoint) addAccessPoint(apc *config.AccessPointConfig) error {
	st, err := apc.ServerType()
	if err != nil {
		return err
	}
	ap, err := apc.AccessPoint()
	if err != nil {
		return err
	}
	pid := tcpchannel.ProtocolID
	if apc.Protocol == config.TransportMQTT {
		pid = mqttchannel.ProtocolID
	}
	return errors.Annotatef(e.boot.Add(pid, st, ap), "access_point=%s", apc.Name)
}

func (e *endpoint) addChannel(cfg *config.Config, cc *config.ChannelConfig) error {
	services, err := cc.ParseServices()
	if err != nil {
		return err
	}
	var ch transport.Channel
	var poll reactor.Pollable
	switch cc.Transport {
	case config.TransportTCP:
		tc, err := tcpchannel.New(tcpchannel.Options{
			Log:           log,
			Services:      services,
			Socket:        netio.UnixSocket{},
			Resolver:      e.resolver,
			KeepaliveSec:  uint16(cfg.TCP.KeepaliveSec),
			InBufferSize:  cfg.TCP.InBuffer,
			OutBufferSize: cfg.TCP.OutBuffer,
			MaxFrameSize:  cfg.TCP.MaxFrame,
			RetryDelay:    cfg.TCPRetryDelay(),
			OnEvent: func(ev netio.SocketEvent, fd int) {
				log.Debugf("channel=%s socket %s fd=%d", cc.Name, ev, fd)
			},
		})
		if err != nil {
			return errors.Annotatef(err, "channel=%s", cc.Name)
		}
		expvar.Publish("kaa.channel."+cc.Name, tc.Stat())
		ch, poll = tc, tc
	case config.TransportMQTT:
		mc, err := mqttchannel.New(mqttchannel.Options{
			Log:            log,
			Services:       services,
			NetworkTimeout: cfg.MQTTNetworkTimeout(),
			KeepaliveSec:   uint16(cfg.MQTT.KeepaliveSec),
			ReconnectDelay: cfg.MQTTReconnectDelay(),
			ClientID:       cfg.MQTT.ClientID,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
		})
		if err != nil {
			return errors.Annotatef(err, "channel=%s", cc.Name)
		}
		ch = mc
	default:
		return errors.NotValidf("channel=%s transport=%s", cc.Name, cc.Transport)
	}

	id, err := e.mgr.AddChannel(ch)
	if err != nil {
		_ = ch.Destroy()
		return errors.Annotatef(err, "channel=%s", cc.Name)
	}
	if poll != nil {
		if err = e.loop.Add(poll); err != nil {
			return err
		}
	}
	log.Infof("channel=%s id=%#08x services=%v", cc.Name, uint32(id), services)
	return errors.Annotatef(ch.SyncHandler(services), "channel=%s initial sync", cc.Name)
}

func (e *endpoint) close() {
	if e.loop != nil {
		if err := e.loop.Close(); err != nil {
			log.Error(err)
		}
	}
	if err := e.mgr.Destroy(); err != nil {
		log.Error(errors.ErrorStack(err))
	}
	e.resolver.Close()
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
