// Package config reads endpoint configuration in HCL with include support.
package config

import (
	"encoding/hex"
	"math"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/kaa-endpoint/helpers"
	"github.com/temoto/kaa-endpoint/log2"
	"github.com/temoto/kaa-endpoint/transport"
)

const (
	TransportTCP  = "tcp"
	TransportMQTT = "mqtt"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include     []Source            `hcl:"include"`
	XXX_Channel     []ChannelConfig     `hcl:"channel"`
	XXX_AccessPoint []AccessPointConfig `hcl:"access_point"`

	LogDebug  bool `hcl:"log_debug"`
	PollMaxMs int  `hcl:"poll_max_ms"`

	TCP struct {
		KeepaliveSec int `hcl:"keepalive_sec"`
		InBuffer     int `hcl:"in_buffer"`
		OutBuffer    int `hcl:"out_buffer"`
		MaxFrame     int `hcl:"max_frame"`
		// negative disables reconnect delay
		RetryDelayMs int `hcl:"retry_delay_ms"`
	} `hcl:"tcp"`

	MQTT struct {
		NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
		KeepaliveSec      int    `hcl:"keepalive_sec"`
		ReconnectDelayMs  int    `hcl:"reconnect_delay_ms"`
		ClientID          string `hcl:"client_id"`
		TopicPrefix       string `hcl:"topic_prefix"`
	} `hcl:"mqtt"`

	// accumulated from all sources in reading order
	Channels     []ChannelConfig     `hcl:"-"`
	AccessPoints []AccessPointConfig `hcl:"-"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type ChannelConfig struct {
	Name      string   `hcl:"name,key"`
	Transport string   `hcl:"transport"`
	Services  []string `hcl:"services"`
}

type AccessPointConfig struct {
	Name      string `hcl:"name,key"`
	Server    string `hcl:"server"`
	Protocol  string `hcl:"protocol"`
	ID        int    `hcl:"id"`
	Host      string `hcl:"host"`
	Port      int    `hcl:"port"`
	PublicKey string `hcl:"public_key"` // hex
}

func (c *Config) PollMax() time.Duration {
	return helpers.IntMillisecondDefault(c.PollMaxMs, time.Second)
}

func (c *Config) TCPRetryDelay() time.Duration {
	return helpers.IntMillisecondDefault(c.TCP.RetryDelayMs, 0)
}

func (c *Config) MQTTNetworkTimeout() time.Duration {
	return helpers.IntSecondDefault(c.MQTT.NetworkTimeoutSec, 0)
}

func (c *Config) MQTTReconnectDelay() time.Duration {
	return helpers.IntMillisecondDefault(c.MQTT.ReconnectDelayMs, 0)
}

func (ch *ChannelConfig) ParseServices() ([]transport.Service, error) {
	ss, err := transport.ParseServices(ch.Services)
	if err != nil {
		return nil, errors.Annotatef(err, "channel=%s", ch.Name)
	}
	if err = transport.ValidateServices(ss); err != nil {
		return nil, errors.Annotatef(err, "channel=%s", ch.Name)
	}
	return ss, nil
}

func (ap *AccessPointConfig) ServerType() (transport.ServerType, error) {
	st, err := transport.ParseServerType(ap.Server)
	return st, errors.Annotatef(err, "access_point=%s", ap.Name)
}

// AccessPoint encodes host, port and public key into connection data.
func (ap *AccessPointConfig) AccessPoint() (*transport.AccessPoint, error) {
	if ap.ID < 0 || int64(ap.ID) > math.MaxUint32 {
		return nil, errors.NotValidf("access_point=%s id=%d", ap.Name, ap.ID)
	}
	if ap.Host == "" {
		return nil, errors.NotValidf("access_point=%s host empty", ap.Name)
	}
	if ap.Port <= 0 || ap.Port > 65535 {
		return nil, errors.NotValidf("access_point=%s port=%d", ap.Name, ap.Port)
	}
	key, err := hex.DecodeString(ap.PublicKey)
	if err != nil {
		return nil, errors.NewNotValid(err, "access_point="+ap.Name+" public_key")
	}
	info := transport.ConnectionInfo{PublicKey: key, Hostname: ap.Host, Port: uint16(ap.Port)}
	return &transport.AccessPoint{ID: uint32(ap.ID), ConnectionData: info.Marshal()}, nil
}

// Validate checks every channel and access point, returns all problems.
func (c *Config) Validate() error {
	errs := make([]error, 0)
	names := make(map[string]struct{}, len(c.Channels))
	for i := range c.Channels {
		ch := &c.Channels[i]
		if _, ok := names[ch.Name]; ok {
			errs = append(errs, errors.AlreadyExistsf("channel=%s", ch.Name))
		}
		names[ch.Name] = struct{}{}
		if err := checkTransport(ch.Transport); err != nil {
			errs = append(errs, errors.Annotatef(err, "channel=%s", ch.Name))
		}
		if _, err := ch.ParseServices(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := range c.AccessPoints {
		ap := &c.AccessPoints[i]
		if _, err := ap.ServerType(); err != nil {
			errs = append(errs, err)
		}
		if err := checkTransport(ap.Protocol); err != nil {
			errs = append(errs, errors.Annotatef(err, "access_point=%s", ap.Name))
		}
		if _, err := ap.AccessPoint(); err != nil {
			errs = append(errs, err)
		}
	}
	return helpers.FoldErrors(errs)
}

func checkTransport(s string) error {
	switch s {
	case TransportTCP, TransportMQTT:
		return nil
	}
	return errors.NotValidf("transport=%s", s)
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.AlreadyExistsf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	c.Channels = append(c.Channels, c.XXX_Channel...)
	c.AccessPoints = append(c.AccessPoints, c.XXX_AccessPoint...)
	c.XXX_Channel, c.XXX_AccessPoint = nil, nil
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig reads names in order, later sources overwrite scalar values,
// channels and access points are accumulated.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if len(errs) == 0 {
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
