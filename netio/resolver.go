package netio

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/kaa-endpoint/log2"
)

type ResolveState uint8

const (
	ResolveInProgress ResolveState = iota
	ResolveReady
	ResolveError
	ResolveBufferTooSmall
)

func (s ResolveState) String() string {
	switch s {
	case ResolveInProgress:
		return "in-progress"
	case ResolveReady:
		return "ready"
	case ResolveError:
		return "error"
	case ResolveBufferTooSmall:
		return "buffer-too-small"
	}
	return fmt.Sprintf("resolve(%d)", uint8(s))
}

// Resolver is polled: repeated calls with same host and port
// return ResolveInProgress until lookup completes.
type Resolver interface {
	Resolve(host string, port uint16) (ResolveState, *net.TCPAddr, error)
}

const (
	DefaultResolveTimeout = 30 * time.Second
	// RFC 1035 limit, longer names do not fit resolver buffers
	MaxHostnameLength = 253
)

type LookupFunc func(ctx context.Context, host string) ([]net.IPAddr, error)

// AsyncResolver runs each lookup in background goroutine.
// Result is handed out once, next Resolve of same host:port starts fresh lookup.
type AsyncResolver struct {
	Log     *log2.Log
	Lookup  LookupFunc
	Timeout time.Duration

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	pending map[string]*lookup
}

type lookup struct {
	done  chan struct{}
	addrs []net.IPAddr
	err   error
}

var _ Resolver = &AsyncResolver{}

func NewAsyncResolver(log *log2.Log) *AsyncResolver {
	return &AsyncResolver{Log: log}
}

func (ar *AsyncResolver) Resolve(host string, port uint16) (ResolveState, *net.TCPAddr, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ResolveReady, &net.TCPAddr{IP: ip, Port: int(port)}, nil
	}
	if host == "" {
		return ResolveError, nil, errors.NotValidf("empty hostname")
	}
	if len(host) > MaxHostnameLength {
		return ResolveBufferTooSmall, nil, errors.NotValidf("hostname length=%d", len(host))
	}

	key := net.JoinHostPort(host, strconv.Itoa(int(port)))
	ar.mu.Lock()
	defer ar.mu.Unlock()
	ar.init()
	l, ok := ar.pending[key]
	if !ok {
		l = &lookup{done: make(chan struct{})}
		ar.pending[key] = l
		go l.run(ar.ctx, ar.Lookup, ar.timeout(), host)
		return ResolveInProgress, nil, nil
	}
	select {
	case <-l.done:
	default:
		return ResolveInProgress, nil, nil
	}
	delete(ar.pending, key)
	if l.err != nil {
		return ResolveError, nil, errors.Annotatef(l.err, "resolve %s", host)
	}
	ip := pickAddr(l.addrs)
	if ip == nil {
		return ResolveError, nil, errors.NotFoundf("resolve %s address", host)
	}
	ar.Log.Debugf("resolved %s -> %s", key, ip)
	return ResolveReady, &net.TCPAddr{IP: ip.IP, Zone: ip.Zone, Port: int(port)}, nil
}

// Close cancels background lookups.
func (ar *AsyncResolver) Close() {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if ar.cancel != nil {
		ar.cancel()
	}
	ar.pending = nil
	ar.ctx, ar.cancel = nil, nil
}

func (ar *AsyncResolver) init() {
	if ar.pending == nil {
		ar.pending = make(map[string]*lookup)
	}
	if ar.ctx == nil {
		ar.ctx, ar.cancel = context.WithCancel(context.Background())
	}
	if ar.Lookup == nil {
		ar.Lookup = net.DefaultResolver.LookupIPAddr
	}
}

func (ar *AsyncResolver) timeout() time.Duration {
	if ar.Timeout == 0 {
		return DefaultResolveTimeout
	}
	return ar.Timeout
}

func (l *lookup) run(ctx context.Context, f LookupFunc, timeout time.Duration, host string) {
	defer close(l.done)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	l.addrs, l.err = f(ctx, host)
}

// IPv4 first, many endpoints have no IPv6 route.
func pickAddr(addrs []net.IPAddr) *net.IPAddr {
	for i := range addrs {
		if addrs[i].IP.To4() != nil {
			return &addrs[i]
		}
	}
	if len(addrs) != 0 {
		return &addrs[0]
	}
	return nil
}
