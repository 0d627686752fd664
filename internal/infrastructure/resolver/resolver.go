// Package resolver looks up destination host names on the event loop using
// plain UDP DNS queries.
package resolver

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/gobwas/pool/pbytes"
	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"obfs-proxy/internal/domain"
	"obfs-proxy/internal/infrastructure/network"
)

var (
	ErrNoRecords = errors.New("no address records")

	fallbackServer = netip.MustParseAddrPort("8.8.8.8:53")
)

type query struct {
	host  string
	qtype uint16
	done  func(netip.Addr, error)
	timer *time.Timer
}

type Resolver struct {
	loop    domain.EventLoop
	server  netip.AddrPort
	timeout time.Duration
	fd      int
	pending map[uint16]*query
	log     *slog.Logger
}

func New(loop domain.EventLoop, server netip.AddrPort, timeout time.Duration, log *slog.Logger) (*Resolver, error) {
	fd, err := network.BindUDP(server)
	if err != nil {
		return nil, fmt.Errorf("failed to bind udp: %w", err)
	}
	if err := loop.Register(fd, domain.EventRead); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Resolver{
		loop:    loop,
		server:  server,
		timeout: timeout,
		fd:      fd,
		pending: make(map[uint16]*query),
		log:     log.With("dns", server.String()),
	}, nil
}

// DefaultServer returns the first nameserver listed in a resolv.conf style file.
func DefaultServer(path string) netip.AddrPort {
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil || len(cfg.Servers) == 0 {
		return fallbackServer
	}
	ap, err := netip.ParseAddrPort(net.JoinHostPort(cfg.Servers[0], cfg.Port))
	if err != nil {
		return fallbackServer
	}
	return ap
}

func (r *Resolver) FD() int { return r.fd }

// Lookup resolves host and calls done on a later loop turn.
// IP literals are returned as they are.
func (r *Resolver) Lookup(host string, done func(netip.Addr, error)) {
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		r.loop.Post(func() { done(addr, nil) })
		return
	}
	r.send(&query{host: host, qtype: dns.TypeA, done: done})
}

func (r *Resolver) send(q *query) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(q.host), q.qtype)
	m.RecursionDesired = true
	for {
		m.Id = dns.Id()
		if _, taken := r.pending[m.Id]; !taken {
			break
		}
	}

	packed, err := m.Pack()
	if err == nil {
		err = unix.Sendto(r.fd, packed, 0, network.Sockaddr(r.server))
	}
	if err != nil {
		r.loop.Post(func() { q.done(netip.Addr{}, fmt.Errorf("dns query %s: %w", q.host, err)) })
		return
	}

	id := m.Id
	r.pending[id] = q
	q.timer = time.AfterFunc(r.timeout, func() {
		r.loop.Post(func() { r.expire(id, q) })
	})
	r.log.Debug("DNS query sent", "host", q.host, "type", dns.TypeToString[q.qtype], "id", id)
}

func (r *Resolver) expire(id uint16, q *query) {
	if r.pending[id] != q {
		return
	}
	delete(r.pending, id)
	q.done(netip.Addr{}, fmt.Errorf("dns lookup %s: %w", q.host, os.ErrDeadlineExceeded))
}

func (r *Resolver) HandleEvent(event domain.EventType) error {
	if event&domain.EventRead == 0 {
		return nil
	}
	buf := pbytes.GetLen(dns.MaxMsgSize)
	defer pbytes.Put(buf)
	for {
		n, _, err := unix.Recvfrom(r.fd, buf, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if err != unix.EAGAIN {
				return err
			}
			return nil
		}
		r.handleResponse(buf[:n])
	}
}

func (r *Resolver) handleResponse(raw []byte) {
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		r.log.Warn("Failed to unpack DNS response", "error", err)
		return
	}

	q, ok := r.pending[msg.Id]
	if !ok {
		return
	}
	if len(msg.Question) != 1 || !strings.EqualFold(msg.Question[0].Name, dns.Fqdn(q.host)) {
		r.log.Warn("DNS response for a different question", "id", msg.Id)
		return
	}
	delete(r.pending, msg.Id)
	q.timer.Stop()

	if msg.Rcode != dns.RcodeSuccess {
		q.done(netip.Addr{}, fmt.Errorf("dns lookup %s: %s", q.host, dns.RcodeToString[msg.Rcode]))
		return
	}

	for _, ans := range msg.Answer {
		var ip net.IP
		switch rr := ans.(type) {
		case *dns.A:
			ip = rr.A
		case *dns.AAAA:
			ip = rr.AAAA
		default:
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			r.log.Debug("DNS resolved", "host", q.host, "ip", addr.Unmap().String())
			q.done(addr.Unmap(), nil)
			return
		}
	}

	if q.qtype == dns.TypeA {
		r.send(&query{host: q.host, qtype: dns.TypeAAAA, done: q.done})
		return
	}
	q.done(netip.Addr{}, fmt.Errorf("dns lookup %s: %w", q.host, ErrNoRecords))
}

// Close drops pending lookups without calling them back.
func (r *Resolver) Close() error {
	for id, q := range r.pending {
		q.timer.Stop()
		delete(r.pending, id)
	}
	r.loop.Unregister(r.fd)
	return unix.Close(r.fd)
}
