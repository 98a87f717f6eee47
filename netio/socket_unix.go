//go:build linux || darwin || freebsd || netbsd || openbsd
// +build linux darwin freebsd netbsd openbsd

package netio

import (
	"net"

	"github.com/juju/errors"
	"github.com/temoto/kaa-endpoint/transport"
	"golang.org/x/sys/unix"
)

// UnixSocket implements Socket with plain non-blocking BSD sockets.
type UnixSocket struct{}

var _ Socket = UnixSocket{}

func (UnixSocket) Open(addr *net.TCPAddr) (int, error) {
	if addr == nil {
		return -1, errors.NotValidf("socket address=nil")
	}
	family, sa, err := sockaddr(addr)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, errors.Annotatef(transport.ErrSocket, "socket(): %v", err)
	}
	unix.CloseOnExec(fd)
	if err = unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, errors.Annotatef(transport.ErrSocket, "set nonblock: %v", err)
	}
	if err = unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS && err != unix.EINTR {
		_ = unix.Close(fd)
		return -1, errors.Annotatef(transport.ErrSocket, "connect %s: %v", addr, err)
	}
	return fd, nil
}

func (UnixSocket) CheckConnect(fd int) (bool, error) {
	code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return false, errors.Annotatef(transport.ErrSocket, "getsockopt(SO_ERROR): %v", err)
	}
	if code != 0 {
		return false, errors.Annotatef(transport.ErrSocket, "connect: %v", unix.Errno(code))
	}
	if _, err = unix.Getpeername(fd); err != nil {
		if err == unix.ENOTCONN {
			return false, nil
		}
		return false, errors.Annotatef(transport.ErrSocket, "getpeername: %v", err)
	}
	return true, nil
}

func (UnixSocket) Read(fd int, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := unix.Read(fd, p)
	switch {
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR:
		return 0, nil
	case err != nil:
		return 0, errors.Annotatef(transport.ErrSocket, "read: %v", err)
	case n == 0:
		return 0, errors.Annotate(transport.ErrSocket, "connection closed by remote")
	}
	return n, nil
}

func (UnixSocket) Write(fd int, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := unix.Write(fd, p)
	switch {
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR:
		return 0, nil
	case err != nil:
		return 0, errors.Annotatef(transport.ErrSocket, "write: %v", err)
	}
	return n, nil
}

func (UnixSocket) Close(fd int) error {
	if err := unix.Close(fd); err != nil {
		return errors.Annotatef(transport.ErrSocket, "close: %v", err)
	}
	return nil
}

func sockaddr(addr *net.TCPAddr) (int, unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa, nil
	}
	if ip6 := addr.IP.To16(); ip6 != nil {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], ip6)
		if addr.Zone != "" {
			if ifi, err := net.InterfaceByName(addr.Zone); err == nil {
				sa.ZoneId = uint32(ifi.Index)
			}
		}
		return unix.AF_INET6, sa, nil
	}
	return 0, nil, errors.NotValidf("socket address=%s", addr)
}
