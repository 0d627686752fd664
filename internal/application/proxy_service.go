package application

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"golang.org/x/sys/unix"

	"obfs-proxy/internal/circuit"
	"obfs-proxy/internal/config"
	"obfs-proxy/internal/domain"
	"obfs-proxy/internal/infrastructure/network"
	"obfs-proxy/internal/infrastructure/resolver"
	"obfs-proxy/internal/transport"
	_ "obfs-proxy/internal/transport/obfs2"
)

// fdHandler is anything the loop can hand a readiness event for one descriptor.
type fdHandler interface {
	HandleEvent(event domain.EventType) error
}

type ProxyService struct {
	log      *slog.Logger
	loop     domain.EventLoop
	cfg      *config.Config
	registry *circuit.Registry
	resolver domain.Resolver
	dns      *resolver.Resolver
	egress   *network.EgressDialer

	handlers  map[int]fdHandler
	listeners []*listener

	ctx    context.Context
	cancel context.CancelFunc
}

// NewProxyService sets up every configured transport and opens the listening sockets.
// Nothing is served until Start.
func NewProxyService(loop domain.EventLoop, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	s := &ProxyService{
		log:      logger,
		loop:     loop,
		cfg:      cfg,
		registry: circuit.NewRegistry(loop, logger),
		handlers: make(map[int]fdHandler),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if u := cfg.ProxyURL(); u != nil {
		egress, err := network.NewEgressDialer(u, cfg.ConnectTimeout)
		if err != nil {
			return nil, &domain.SetupError{Err: err}
		}
		s.egress = egress
		logger.Info("Using egress proxy", "proxy", egress.String())
	}

	for i := range cfg.Listeners {
		l, err := s.newListener(&cfg.Listeners[i])
		if err != nil {
			s.closeListeners()
			return nil, err
		}
		s.listeners = append(s.listeners, l)
	}

	server, err := cfg.DNSServer()
	if err != nil {
		s.closeListeners()
		return nil, &domain.SetupError{Err: err}
	}
	if !server.IsValid() {
		server = resolver.DefaultServer(config.DefaultResolvConf)
	}
	res, err := resolver.New(loop, server, cfg.DNS.Timeout, logger)
	if err != nil {
		s.closeListeners()
		return nil, err
	}
	s.dns, s.resolver = res, res
	s.handlers[res.FD()] = res

	return s, nil
}

func (s *ProxyService) newListener(lc *config.Listener) (*listener, error) {
	mode := lc.ModeValue()
	log := s.log.With("listener", lc.Listen, "transport", lc.Transport, "mode", mode.String())

	factory, err := transport.Setup(lc.Transport, transport.NewConfig(mode.Initiator(), lc.HashIterations, lc.Options, log))
	if err != nil {
		return nil, err
	}

	l := &listener{svc: s, acceptFn: network.Accept, mode: mode, factory: factory, log: log}
	if mode != domain.ModeSocks {
		host, port, err := config.SplitDest(lc.Dest)
		if err != nil {
			return nil, &domain.SetupError{Transport: lc.Transport, Err: err}
		}
		l.destHost, l.destPort = host, port
	}

	fd, err := network.ListenTCP(lc.Addr())
	if err != nil {
		return nil, &domain.SetupError{Transport: lc.Transport, Err: fmt.Errorf("failed to listen on %s: %w", lc.Listen, err)}
	}
	l.fd = fd
	if l.addr, err = network.LocalAddr(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return l, nil
}

// Addrs returns the bound listener addresses, in config order.
func (s *ProxyService) Addrs() []netip.AddrPort {
	addrs := make([]netip.AddrPort, len(s.listeners))
	for i, l := range s.listeners {
		addrs[i] = l.addr
	}
	return addrs
}

// Start serves until the loop is stopped, then releases every descriptor.
func (s *ProxyService) Start() error {
	for _, l := range s.listeners {
		if err := s.loop.Register(l.fd, domain.EventRead); err != nil {
			return err
		}
		s.handlers[l.fd] = l
		l.log.Info("Proxy listening", "addr", l.addr.String())
	}

	s.log.Info("Proxy service is running loop...")
	err := s.loop.Run(s)
	s.shutdown()
	return err
}

func (s *ProxyService) HandleEvent(fd int, event domain.EventType) error {
	h := s.handlers[fd]
	if h == nil {
		return nil
	}
	return h.HandleEvent(event)
}

func (s *ProxyService) release(fd int) {
	delete(s.handlers, fd)
}

func (s *ProxyService) shutdown() {
	s.cancel()
	s.closeListeners()
	delete(s.handlers, s.dns.FD())
	s.dns.Close()
	for fd := range s.handlers {
		s.loop.Unregister(fd)
		unix.Close(fd)
		delete(s.handlers, fd)
	}
	circuits, conns := s.registry.Len()
	s.log.Info("Proxy service stopped", "circuits", circuits, "connections", conns)
}

func (s *ProxyService) closeListeners() {
	for _, l := range s.listeners {
		if _, ok := s.handlers[l.fd]; ok {
			s.loop.Unregister(l.fd)
			delete(s.handlers, l.fd)
		}
		unix.Close(l.fd)
	}
	s.listeners = nil
}

// adopt turns a connected descriptor into a connection of circ.
func (s *ProxyService) adopt(fd int, circ *circuit.Circuit) (*circuit.Connection, *network.Socket) {
	sock := network.NewSocket(fd, s.loop, s.release, circ.Log())
	conn := s.registry.NewConnection(sock, circ)
	sock.SetHandlers(conn.DataReceived, conn.Lost)
	s.handlers[fd] = sock
	if err := s.loop.Modify(fd, domain.EventRead); err != nil {
		conn.Lost(err)
	}
	return conn, sock
}

// discard drops a descriptor whose circuit went away while it was connecting.
func (s *ProxyService) discard(fd int) {
	s.loop.Unregister(fd)
	unix.Close(fd)
}
