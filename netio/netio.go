// Package netio provides non-blocking socket primitives and polled DNS resolution
// for reactor driven channels.
package netio

import (
	"fmt"
	"net"
)

// Event is readiness kind delivered by event loop.
type Event uint8

const (
	EventRead Event = iota
	EventWrite
	EventException
)

func (e Event) String() string {
	switch e {
	case EventRead:
		return "read"
	case EventWrite:
		return "write"
	case EventException:
		return "exception"
	}
	return fmt.Sprintf("event(%d)", uint8(e))
}

// SocketEvent is reported to channel owner with raw descriptor.
type SocketEvent uint8

const (
	SocketConnected SocketEvent = iota
	SocketDisconnected
	SocketConnectionError
)

func (e SocketEvent) String() string {
	switch e {
	case SocketConnected:
		return "connected"
	case SocketDisconnected:
		return "disconnected"
	case SocketConnectionError:
		return "connection-error"
	}
	return fmt.Sprintf("socket-event(%d)", uint8(e))
}

// Socket is raw non-blocking stream socket API.
// Read and Write return (0, nil) when operation would block.
// Errors have transport.ErrSocket cause.
type Socket interface {
	// Open starts connecting, completion is checked with CheckConnect.
	Open(addr *net.TCPAddr) (fd int, err error)
	CheckConnect(fd int) (connected bool, err error)
	Read(fd int, p []byte) (int, error)
	Write(fd int, p []byte) (int, error)
	Close(fd int) error
}
