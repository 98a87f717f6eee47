package transport

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

// ProtocolID identifies transport protocol family and version.
type ProtocolID struct {
	ID      uint32
	Version uint16
}

func (p ProtocolID) String() string { return fmt.Sprintf("%#08x:%d", p.ID, p.Version) }

type ChannelID uint32

type Service uint8

const (
	ServiceBootstrap Service = iota
	ServiceProfile
	ServiceUser
	ServiceEvent
	ServiceLogging
	ServiceConfiguration
	ServiceNotification
	serviceCount
)

var serviceNames = [serviceCount]string{
	ServiceBootstrap:     "bootstrap",
	ServiceProfile:       "profile",
	ServiceUser:          "user",
	ServiceEvent:         "event",
	ServiceLogging:       "logging",
	ServiceConfiguration: "configuration",
	ServiceNotification:  "notification",
}

func (s Service) String() string {
	if s < serviceCount {
		return serviceNames[s]
	}
	return fmt.Sprintf("service(%d)", uint8(s))
}

func ParseService(name string) (Service, error) {
	for i, n := range serviceNames {
		if strings.EqualFold(n, name) {
			return Service(i), nil
		}
	}
	return 0, errors.NotValidf("service=%q", name)
}

func ParseServices(names []string) ([]Service, error) {
	ss := make([]Service, 0, len(names))
	for _, n := range names {
		s, err := ParseService(n)
		if err != nil {
			return nil, err
		}
		ss = append(ss, s)
	}
	return ss, nil
}

func ContainsService(list []Service, s Service) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// ValidateServices checks channel service list: non-empty,
// bootstrap channel must not serve anything else.
func ValidateServices(list []Service) error {
	if len(list) == 0 {
		return errors.NotValidf("empty service list")
	}
	if len(list) > 1 && ContainsService(list, ServiceBootstrap) {
		return errors.NotValidf("bootstrap service mixed with %v", list)
	}
	return nil
}

type ServerType uint8

const (
	ServerBootstrap ServerType = iota
	ServerOperations
)

func (t ServerType) String() string {
	switch t {
	case ServerBootstrap:
		return "bootstrap"
	case ServerOperations:
		return "operations"
	}
	return fmt.Sprintf("server(%d)", uint8(t))
}

func ParseServerType(s string) (ServerType, error) {
	switch strings.ToLower(s) {
	case "bootstrap":
		return ServerBootstrap, nil
	case "operations", "ops":
		return ServerOperations, nil
	}
	return 0, errors.NotValidf("server type=%q", s)
}

func ClassifyServices(list []Service) ServerType {
	if ContainsService(list, ServiceBootstrap) {
		return ServerBootstrap
	}
	return ServerOperations
}

// AccessPoint is owned by bootstrap manager, channels copy what they need.
type AccessPoint struct {
	ID             uint32
	ConnectionData []byte
}

func (ap *AccessPoint) String() string {
	if ap == nil {
		return "accesspoint=nil"
	}
	return fmt.Sprintf("accesspoint=%d data=(%d)", ap.ID, len(ap.ConnectionData))
}
