package network

import (
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/gobwas/pool/pbytes"
	"golang.org/x/sys/unix"

	"obfs-proxy/internal/domain"
)

const (
	readSize = 16 * 1024

	// How long a closing socket may spend flushing queued output.
	lingerTimeout = 30 * time.Second
)

// Socket is a connected non-blocking descriptor driven by the event loop.
// Writes that would block are queued and flushed on writability.
type Socket struct {
	fd      int
	loop    domain.EventLoop
	release func(fd int)
	log     *slog.Logger

	pending  []byte
	watching bool
	closing  bool
	closed   bool

	onData func(p []byte)
	onLost func(err error)
}

// NewSocket wraps an already registered fd. release runs once the fd is closed.
func NewSocket(fd int, loop domain.EventLoop, release func(fd int), log *slog.Logger) *Socket {
	return &Socket{
		fd:      fd,
		loop:    loop,
		release: release,
		log:     log.With("fd", fd),
	}
}

// SetHandlers installs the read callbacks. p is only valid during the call.
// onLost gets nil on EOF.
func (s *Socket) SetHandlers(onData func(p []byte), onLost func(err error)) {
	s.onData = onData
	s.onLost = onLost
}

func (s *Socket) FD() int { return s.fd }

func (s *Socket) LocalAddr() netip.AddrPort {
	addr, err := LocalAddr(s.fd)
	if err != nil {
		s.log.Debug("getsockname failed", "error", err)
	}
	return addr
}

func (s *Socket) HandleEvent(event domain.EventType) error {
	if event&domain.EventWrite != 0 {
		s.flush()
	}
	if event&domain.EventRead != 0 {
		s.readAll()
	}
	return nil
}

func (s *Socket) readAll() {
	buf := pbytes.GetLen(readSize)
	defer pbytes.Put(buf)

	for !s.closed && !s.closing {
		n, err := unix.Read(s.fd, buf)
		switch {
		case err == unix.EAGAIN:
			return
		case err == unix.EINTR:
			continue
		case err != nil:
			s.lost(err)
			return
		case n == 0:
			s.lost(nil)
			return
		}
		if s.onData != nil {
			s.onData(buf[:n])
		}
	}
}

func (s *Socket) lost(err error) {
	if s.onLost != nil {
		s.onLost(err)
	}
	s.Close()
}

func (s *Socket) Write(p []byte) error {
	if s.closed || s.closing {
		return net.ErrClosed
	}
	if len(s.pending) > 0 {
		s.pending = append(s.pending, p...)
		return nil
	}

	for len(p) > 0 {
		n, err := unix.Write(s.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			return err
		}
		p = p[n:]
	}
	if len(p) > 0 {
		s.pending = append(s.pending, p...)
		s.watchWrites(true)
	}
	return nil
}

func (s *Socket) flush() {
	for len(s.pending) > 0 && !s.closed {
		n, err := unix.Write(s.fd, s.pending)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			s.pending = nil
			if s.closing {
				s.shutdown()
				return
			}
			s.lost(err)
			return
		}
		s.pending = s.pending[n:]
	}
	s.pending = nil

	if s.closing {
		s.shutdown()
		return
	}
	s.watchWrites(false)
}

func (s *Socket) watchWrites(on bool) {
	if s.watching == on || s.closed {
		return
	}
	events := domain.EventRead
	if on {
		events |= domain.EventWrite
	}
	if err := s.loop.Modify(s.fd, events); err != nil {
		s.log.Debug("epoll modify failed", "error", err)
	}
	s.watching = on
}

// Close flushes queued output, then releases the descriptor. Later calls do nothing.
func (s *Socket) Close() error {
	if s.closed || s.closing {
		return nil
	}
	if len(s.pending) == 0 {
		return s.shutdown()
	}

	s.closing = true
	if err := s.loop.Modify(s.fd, domain.EventWrite); err != nil {
		return s.shutdown()
	}
	time.AfterFunc(lingerTimeout, func() {
		s.loop.Post(func() {
			if !s.closed {
				s.log.Debug("Dropping unflushed output", "bytes", len(s.pending))
				s.shutdown()
			}
		})
	})
	return nil
}

func (s *Socket) shutdown() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.pending = nil
	s.loop.Unregister(s.fd)
	if s.release != nil {
		s.release(s.fd)
	}
	return unix.Close(s.fd)
}
