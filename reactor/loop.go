//go:build linux || darwin || freebsd || netbsd || openbsd
// +build linux darwin freebsd netbsd openbsd

// Package reactor drives non-blocking channels with single poll() loop.
package reactor

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/kaa-endpoint/log2"
	"github.com/temoto/kaa-endpoint/netio"
	"golang.org/x/sys/unix"
)

const DefaultMaxWait = time.Second

// Pollable is implemented by tcpchannel.Channel.
type Pollable interface {
	// -1 when there is no socket
	Descriptor() int
	IsReady(ev netio.Event) bool
	ProcessEvent(ev netio.Event) error
	CheckKeepalive() error
	// 0 = no limit
	MaxTimeout() time.Duration
}

type Loop struct {
	mu      sync.Mutex
	log     *log2.Log
	alive   *alive.Alive
	maxWait time.Duration
	list    []Pollable
	wake    [2]int // pipe, interrupts poll on Stop

	// Step scratch
	fds    []unix.PollFd
	owners []Pollable
	fired  map[Pollable]bool
}

func New(log *log2.Log, maxWait time.Duration) (*Loop, error) {
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	l := &Loop{
		log:     log,
		alive:   alive.NewAlive(),
		maxWait: maxWait,
		fired:   make(map[Pollable]bool),
	}
	if err := unix.Pipe(l.wake[:]); err != nil {
		return nil, errors.Annotate(err, "reactor wake pipe")
	}
	for _, fd := range l.wake {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			l.closePipe()
			return nil, errors.Annotate(err, "reactor wake pipe nonblock")
		}
	}
	return l, nil
}

func (l *Loop) Add(p Pollable) error {
	if p == nil {
		return errors.NotValidf("pollable=nil")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.index(p) >= 0 {
		return errors.AlreadyExistsf("pollable=%v", p)
	}
	l.list = append(l.list, p)
	return nil
}

func (l *Loop) Remove(p Pollable) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.index(p)
	if i < 0 {
		return errors.NotFoundf("pollable=%v", p)
	}
	l.list = append(l.list[:i], l.list[i+1:]...)
	return nil
}

func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.list)
}

// Run calls Step until Stop.
func (l *Loop) Run() error {
	if !l.alive.Add(1) {
		return errors.Annotate(errors.New("stopped"), "reactor run")
	}
	defer l.alive.Done()
	for l.alive.IsRunning() {
		if err := l.Step(); err != nil {
			return err
		}
	}
	return nil
}

// Stop returns after Run has exited, so it must not be called from Run goroutine.
func (l *Loop) Stop() {
	l.alive.Stop()
	_, _ = unix.Write(l.wake[1], []byte{0})
	l.alive.Wait()
}

// Close releases wake pipe, loop must be stopped.
func (l *Loop) Close() error {
	l.Stop()
	return l.closePipe()
}

// Step waits once for readiness and dispatches events:
// exception first, then read, then write.
// Pollables without delivered events get CheckKeepalive.
// Channel errors are logged, only poll failure is returned.
func (l *Loop) Step() error {
	l.mu.Lock()
	list := append([]Pollable(nil), l.list...)
	l.mu.Unlock()

	l.fds = append(l.fds[:0], unix.PollFd{Fd: int32(l.wake[0]), Events: unix.POLLIN})
	l.owners = append(l.owners[:0], nil)
	timeout := l.maxWait
	for _, p := range list {
		if t := p.MaxTimeout(); t > 0 && t < timeout {
			timeout = t
		}
		fd := p.Descriptor()
		if fd < 0 {
			continue
		}
		var events int16
		if p.IsReady(netio.EventRead) {
			events |= unix.POLLIN
		}
		if p.IsReady(netio.EventWrite) {
			events |= unix.POLLOUT
		}
		if events == 0 && !p.IsReady(netio.EventException) {
			continue
		}
		l.fds = append(l.fds, unix.PollFd{Fd: int32(fd), Events: events})
		l.owners = append(l.owners, p)
	}

	n, err := unix.Poll(l.fds, int(timeout/time.Millisecond))
	if err != nil && err != unix.EINTR {
		return errors.Annotate(err, "reactor poll")
	}

	for k := range l.fired {
		delete(l.fired, k)
	}
	if n > 0 {
		if l.fds[0].Revents != 0 {
			l.drainWake()
		}
		for i := 1; i < len(l.fds); i++ {
			if rev := l.fds[i].Revents; rev != 0 {
				l.dispatch(l.owners[i], rev)
				l.fired[l.owners[i]] = true
			}
		}
	}
	for _, p := range list {
		if l.fired[p] {
			continue
		}
		if err := p.CheckKeepalive(); err != nil {
			l.log.Errorf("reactor %v keepalive: %v", p, err)
		}
	}
	return nil
}

func (l *Loop) dispatch(p Pollable, rev int16) {
	if rev&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		l.process(p, netio.EventException)
	}
	if rev&unix.POLLIN != 0 && p.IsReady(netio.EventRead) {
		l.process(p, netio.EventRead)
	}
	if rev&unix.POLLOUT != 0 && p.IsReady(netio.EventWrite) {
		l.process(p, netio.EventWrite)
	}
}

func (l *Loop) process(p Pollable, ev netio.Event) {
	if err := p.ProcessEvent(ev); err != nil {
		l.log.Errorf("reactor %v event=%s: %v", p, ev, err)
	}
}

func (l *Loop) drainWake() {
	var buf [16]byte
	for {
		if n, err := unix.Read(l.wake[0], buf[:]); n <= 0 || err != nil {
			return
		}
	}
}

func (l *Loop) closePipe() error {
	err1 := unix.Close(l.wake[0])
	err2 := unix.Close(l.wake[1])
	if err1 != nil {
		return errors.Annotate(err1, "reactor close")
	}
	return errors.Annotate(err2, "reactor close")
}

// requires mu
func (l *Loop) index(p Pollable) int {
	for i, x := range l.list {
		if x == p {
			return i
		}
	}
	return -1
}
