//go:build linux

package ws

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll reports which registered connections have bytes to read. It is
// level-triggered: a connection stays ready until its data is consumed. An
// eventfd is registered next to the sockets so Close can wake a blocked Wait.
type Epoll struct {
	fd     int
	wakeFD int

	mu    sync.RWMutex
	conns map[int]net.Conn // socket fd -> connection

	// waitMu is held for the duration of epoll_wait so Close never closes the
	// descriptor under a running Wait.
	waitMu  sync.Mutex
	closed  bool
	closing atomic.Bool
	events  []unix.EpollEvent
}

// NewEpoll creates an epoll instance and its wakeup eventfd.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	if err := unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}); err != nil {
		unix.Close(wakeFD)
		unix.Close(fd)
		return nil, fmt.Errorf("epoll add eventfd: %w", err)
	}
	return &Epoll{
		fd:     fd,
		wakeFD: wakeFD,
		conns:  make(map[int]net.Conn),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add starts watching conn. Peer hang-ups are reported as readiness so the
// next read observes EOF.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errors.New("epoll: connection has no socket descriptor")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP,
		Fd:     int32(fd),
	})
	if err != nil {
		return fmt.Errorf("epoll add fd=%d: %w", fd, err)
	}
	e.conns[fd] = conn
	return nil
}

// Remove stops watching conn. Removing an unknown or already closed
// connection is not an error.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conns[fd] != conn {
		return nil
	}
	delete(e.conns, fd)
	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("epoll del fd=%d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one connection is readable. It returns
// net.ErrClosed once Close has been called.
func (e *Epoll) Wait() ([]net.Conn, error) {
	e.waitMu.Lock()
	defer e.waitMu.Unlock()
	if e.closed {
		return nil, net.ErrClosed
	}

	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}

	ready := make([]net.Conn, 0, n)
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ev := range e.events[:n] {
		fd := int(ev.Fd)
		if fd == e.wakeFD {
			return nil, net.ErrClosed
		}
		// Removed between epoll_wait returning and this lookup.
		if conn, ok := e.conns[fd]; ok {
			ready = append(ready, conn)
		}
	}
	return ready, nil
}

// Reader returns the stream frames are read from. Epoll never consumes
// bytes, so that is the connection itself.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	return conn
}

// Resume re-arms conn after a read; level-triggered epoll needs nothing.
func (e *Epoll) Resume(net.Conn) {}

// Close wakes any blocked Wait and releases both descriptors.
func (e *Epoll) Close() error {
	if e.closing.Swap(true) {
		return nil
	}
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(e.wakeFD, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("epoll wake: %w", err)
	}

	e.waitMu.Lock()
	defer e.waitMu.Unlock()
	e.closed = true

	e.mu.Lock()
	e.conns = make(map[int]net.Conn)
	e.mu.Unlock()

	err := unix.Close(e.fd)
	if cerr := unix.Close(e.wakeFD); err == nil {
		err = cerr
	}
	return err
}

// socketFD returns the descriptor behind conn without duplicating it, or -1.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	if err := raw.Control(func(sfd uintptr) { fd = int(sfd) }); err != nil {
		return -1
	}
	return fd
}

func isEINTR(err error) bool {
	return errors.Is(err, unix.EINTR)
}
