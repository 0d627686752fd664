package application

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"obfs-proxy/internal/circuit"
	"obfs-proxy/internal/domain"
	"obfs-proxy/internal/infrastructure/network"
	"obfs-proxy/internal/socks5"
	"obfs-proxy/internal/transport"
	"obfs-proxy/pkg/logger"
)

// How long a listener waits before accepting again after a resource error
// such as EMFILE.
var acceptRetryDelay = 100 * time.Millisecond

type listener struct {
	svc      *ProxyService
	acceptFn func(lfd int) (int, netip.AddrPort, error)
	fd       int
	addr     netip.AddrPort
	mode     domain.Mode
	factory  transport.Factory
	destHost string
	destPort uint16
	log      *slog.Logger
}

func (l *listener) HandleEvent(event domain.EventType) error {
	for {
		fd, peer, err := l.acceptFn(l.fd)
		switch {
		case err == unix.EAGAIN:
			return nil
		case err == unix.EINTR || err == unix.ECONNABORTED:
			continue
		case err != nil:
			// The backlog is still pending and no new edge will report it.
			l.log.Warn("Accept failed, retrying", "error", err, "delay", acceptRetryDelay)
			l.retryLater()
			return nil
		}
		l.accept(fd, peer)
	}
}

func (l *listener) retryLater() {
	s := l.svc
	time.AfterFunc(acceptRetryDelay, func() {
		s.loop.Post(func() {
			if s.handlers[l.fd] != fdHandler(l) {
				return
			}
			l.HandleEvent(domain.EventRead)
		})
	})
}

func (l *listener) accept(fd int, peer netip.AddrPort) {
	s := l.svc
	if err := s.loop.Register(fd, domain.EventRead); err != nil {
		l.log.Error("Failed to register client", "error", err)
		unix.Close(fd)
		return
	}

	circ := s.registry.NewCircuit(l.factory.New())
	circ.Log().Info("New client accepted", "peer", logger.SafeAddr(peer), "mode", l.mode.String())

	if l.mode == domain.ModeSocks {
		l.acceptSocks(fd, circ)
		return
	}

	conn, _ := s.adopt(fd, circ)
	if l.mode.AcceptedSide() == domain.SideUpstream {
		circ.SetUpstream(conn)
	} else {
		circ.SetDownstream(conn)
	}

	s.dial(circ, l.destHost, l.destPort, func(fd int, err error) {
		if err != nil {
			circ.Log().Info("Failed to reach destination", "dest", net.JoinHostPort(l.destHost, strconv.Itoa(int(l.destPort))), "error", err)
			circ.Close(&domain.ConnectError{Target: l.destHost, Err: err}, domain.SideNone)
			return
		}
		out, _ := s.adopt(fd, circ)
		if l.mode.AcceptedSide() == domain.SideUpstream {
			circ.SetDownstream(out)
		} else {
			circ.SetUpstream(out)
		}
	})
}

func (l *listener) acceptSocks(fd int, circ *circuit.Circuit) {
	s := l.svc
	sock := network.NewSocket(fd, s.loop, s.release, circ.Log())
	conn := s.registry.NewConnection(sock, circ)
	h := &socksHandler{svc: s, circ: circ}
	h.session = socks5.NewSession(conn, h)
	sock.SetHandlers(h.session.DataReceived, conn.Lost)
	s.handlers[fd] = sock
}

// socksHandler completes a SOCKS circuit once the session learns the destination.
type socksHandler struct {
	svc     *ProxyService
	circ    *circuit.Circuit
	session *socks5.Session
}

func (h *socksHandler) Authenticate(uname, passwd []byte) error {
	return socks5.ApplySideChannelArgs(h.circ.Transform(), uname, passwd)
}

func (h *socksHandler) Connect(target socks5.Target) {
	host := target.Host
	if !target.IsDomain() {
		host = target.Addr.String()
	}
	h.svc.dial(h.circ, host, target.Port, func(fd int, err error) {
		if err != nil {
			h.session.ConnectFailed(&domain.ConnectError{Target: target.String(), Err: err})
			return
		}
		out, sock := h.svc.adopt(fd, h.circ)
		h.circ.SetDownstream(out)
		h.circ.SetUpstream(h.session.Conn())
		h.session.Connected(sock.LocalAddr())
	})
}

// dial connects to host:port and calls done on the loop goroutine with a
// registered descriptor. If circ closes first the descriptor is dropped
// and done is never called.
func (s *ProxyService) dial(circ *circuit.Circuit, host string, port uint16, done func(fd int, err error)) {
	finish := func(fd int, err error) {
		if circ.Closed() {
			if err == nil {
				circ.Log().Debug("Dropping late outbound connection")
				s.discard(fd)
			}
			return
		}
		done(fd, err)
	}

	if s.egress != nil {
		addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
		go func() {
			fd, err := s.egress.DialFD(s.ctx, addr)
			s.loop.Post(func() {
				if err == nil {
					if rerr := s.loop.Register(fd, domain.EventRead); rerr != nil {
						unix.Close(fd)
						fd, err = 0, rerr
					}
				}
				finish(fd, err)
			})
		}()
		return
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		s.connect(netip.AddrPortFrom(ip, port), finish)
		return
	}
	s.resolver.Lookup(host, func(ip netip.Addr, err error) {
		if err != nil {
			finish(0, err)
			return
		}
		if circ.Closed() {
			return
		}
		s.connect(netip.AddrPortFrom(ip, port), finish)
	})
}

func (s *ProxyService) connect(addr netip.AddrPort, done func(fd int, err error)) {
	fd, err := network.ConnectTCP(addr)
	if err != nil {
		s.loop.Post(func() { done(0, err) })
		return
	}
	if err := s.loop.Register(fd, domain.EventWrite); err != nil {
		unix.Close(fd)
		s.loop.Post(func() { done(0, err) })
		return
	}

	pc := &pendingConnect{svc: s, fd: fd, done: done}
	pc.timer = time.AfterFunc(s.cfg.ConnectTimeout, func() {
		s.loop.Post(func() {
			pc.finish(fmt.Errorf("connect to %s: %w", logger.SafeAddr(addr), os.ErrDeadlineExceeded))
		})
	})
	s.handlers[fd] = pc
}

// pendingConnect waits for a non-blocking connect to resolve.
type pendingConnect struct {
	svc      *ProxyService
	fd       int
	timer    *time.Timer
	done     func(fd int, err error)
	finished bool
}

func (p *pendingConnect) HandleEvent(event domain.EventType) error {
	p.finish(network.SocketError(p.fd))
	return nil
}

func (p *pendingConnect) finish(err error) {
	if p.finished {
		return
	}
	p.finished = true
	p.timer.Stop()
	delete(p.svc.handlers, p.fd)

	if err != nil {
		p.svc.discard(p.fd)
		p.done(0, err)
		return
	}
	p.done(p.fd, nil)
}
