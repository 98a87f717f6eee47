package tcpchannel

import (
	"fmt"

	"github.com/temoto/kaa-endpoint/transport"
)

type apState uint8

const (
	apNotSet apState = iota
	apSet
	apResolveInProgress
	apResolved
	apResolveFailed
	apConnecting
	apConnected
)

func (s apState) String() string {
	switch s {
	case apNotSet:
		return "not-set"
	case apSet:
		return "set"
	case apResolveInProgress:
		return "resolving"
	case apResolved:
		return "resolved"
	case apResolveFailed:
		return "resolve-failed"
	case apConnecting:
		return "connecting"
	case apConnected:
		return "connected"
	}
	return fmt.Sprintf("ap(%d)", uint8(s))
}

type authState uint8

const (
	authUndefined authState = iota
	authAuthorizing
	authAuthorized
)

func (s authState) String() string {
	switch s {
	case authUndefined:
		return "undefined"
	case authAuthorizing:
		return "authorizing"
	case authAuthorized:
		return "authorized"
	}
	return fmt.Sprintf("auth(%d)", uint8(s))
}

// syncState tracks whether request/response exchange is in flight.
// Losing connection while Started means access point failed.
type syncState uint8

const (
	syncUndefined syncState = iota
	syncStarted
	syncFinished
)

func (s syncState) String() string {
	switch s {
	case syncUndefined:
		return "undefined"
	case syncStarted:
		return "started"
	case syncFinished:
		return "finished"
	}
	return fmt.Sprintf("sync(%d)", uint8(s))
}

// serviceSet keeps insertion order, no duplicates.
type serviceSet []transport.Service

func (s *serviceSet) add(list ...transport.Service) {
	for _, x := range list {
		if !transport.ContainsService(*s, x) {
			*s = append(*s, x)
		}
	}
}

func (s *serviceSet) remove(list ...transport.Service) {
	out := (*s)[:0]
	for _, x := range *s {
		if !transport.ContainsService(list, x) {
			out = append(out, x)
		}
	}
	*s = out
}

func (s serviceSet) len() int { return len(s) }

func (s serviceSet) list() []transport.Service {
	return append([]transport.Service(nil), s...)
}
