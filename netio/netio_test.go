package netio

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/kaa-endpoint/log2"
	"github.com/temoto/kaa-endpoint/transport"
)

const testTimeout = 5 * time.Second

func TestResolverLiteral(t *testing.T) {
	t.Parallel()

	ar := NewAsyncResolver(log2.NewTest(t, log2.LDebug))
	state, addr, err := ar.Resolve("127.0.0.1", 9889)
	require.NoError(t, err)
	assert.Equal(t, ResolveReady, state)
	assert.Equal(t, "127.0.0.1:9889", addr.String())

	state, _, err = ar.Resolve(strings.Repeat("a", MaxHostnameLength+1), 1)
	assert.Equal(t, ResolveBufferTooSmall, state)
	assert.True(t, errors.IsNotValid(err))
}

func TestResolverPolled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	ar := NewAsyncResolver(log2.NewTest(t, log2.LDebug))
	ar.Lookup = func(ctx context.Context, host string) ([]net.IPAddr, error) {
		<-release
		switch host {
		case "kaa.lan":
			return []net.IPAddr{{IP: net.ParseIP("::1")}, {IP: net.ParseIP("10.0.0.7")}}, nil
		case "empty.lan":
			return nil, nil
		}
		return nil, fmt.Errorf("no such host")
	}
	defer ar.Close()

	for _, host := range []string{"kaa.lan", "bad.lan", "empty.lan"} {
		state, _, err := ar.Resolve(host, 80)
		require.NoError(t, err)
		assert.Equal(t, ResolveInProgress, state)
		state, _, _ = ar.Resolve(host, 80)
		assert.Equal(t, ResolveInProgress, state)
	}
	close(release)

	poll := func(host string) (ResolveState, *net.TCPAddr, error) {
		deadline := time.Now().Add(testTimeout)
		for time.Now().Before(deadline) {
			state, addr, err := ar.Resolve(host, 80)
			if state != ResolveInProgress {
				return state, addr, err
			}
			time.Sleep(time.Millisecond)
		}
		t.Fatalf("resolve %s timeout", host)
		return 0, nil, nil
	}
	state, addr, err := poll("kaa.lan")
	require.NoError(t, err)
	assert.Equal(t, ResolveReady, state)
	assert.Equal(t, "10.0.0.7:80", addr.String())

	state, _, err = poll("bad.lan")
	assert.Equal(t, ResolveError, state)
	assert.Error(t, err)

	state, _, err = poll("empty.lan")
	assert.Equal(t, ResolveError, state)
	assert.True(t, errors.IsNotFound(err))
}

func TestUnixSocket(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
		close(accepted)
	}()

	s := UnixSocket{}
	fd, err := s.Open(ln.Addr().(*net.TCPAddr))
	require.NoError(t, err)
	defer s.Close(fd) //nolint:errcheck

	until := func(f func() bool) {
		deadline := time.Now().Add(testTimeout)
		for !f() {
			require.True(t, time.Now().Before(deadline), "timeout")
			time.Sleep(time.Millisecond)
		}
	}
	until(func() bool {
		ok, err := s.CheckConnect(fd)
		require.NoError(t, err)
		return ok
	})
	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(testTimeout):
		t.Fatal("accept timeout")
	}
	require.NotNil(t, server)
	require.NoError(t, server.SetDeadline(time.Now().Add(testTimeout)))

	// nothing to read yet
	buf := make([]byte, 16)
	n, err := s.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.Write(fd, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	got := make([]byte, 4)
	_, err = io.ReadFull(server, got)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	_, err = server.Write([]byte("pong"))
	require.NoError(t, err)
	var read []byte
	until(func() bool {
		n, err := s.Read(fd, buf)
		require.NoError(t, err)
		read = append(read, buf[:n]...)
		return len(read) == 4
	})
	assert.Equal(t, "pong", string(read))

	require.NoError(t, server.Close())
	until(func() bool {
		_, err := s.Read(fd, buf)
		if err != nil {
			assert.True(t, transport.IsSocket(err))
			return true
		}
		return false
	})
}

func TestUnixSocketRefused(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	s := UnixSocket{}
	fd, err := s.Open(addr)
	if err != nil {
		// some systems report refused synchronously
		assert.True(t, transport.IsSocket(err))
		return
	}
	defer s.Close(fd) //nolint:errcheck
	deadline := time.Now().Add(testTimeout)
	for {
		ok, err := s.CheckConnect(fd)
		if err != nil {
			assert.True(t, transport.IsSocket(err))
			return
		}
		require.False(t, ok, "connected to closed port")
		require.True(t, time.Now().Before(deadline), "timeout")
		time.Sleep(time.Millisecond)
	}
}
