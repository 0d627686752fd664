package network

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/sys/unix"
)

// EgressDialer reaches outbound destinations through an egress proxy
// (socks5://, socks5h:// or http://). The tunnelled connection is detached
// from the Go runtime so the event loop can own it.
type EgressDialer struct {
	proxyURL *url.URL
	timeout  time.Duration
}

func NewEgressDialer(proxyURL *url.URL, timeout time.Duration) (*EgressDialer, error) {
	// Fail early on schemes x/net/proxy does not know.
	if _, err := proxy.FromURL(proxyURL, proxy.Direct); err != nil {
		return nil, fmt.Errorf("egress proxy %s: %w", Redacted(proxyURL), err)
	}
	return &EgressDialer{proxyURL: proxyURL, timeout: timeout}, nil
}

func (d *EgressDialer) String() string { return Redacted(d.proxyURL) }

// DialFD blocks; run it off the loop goroutine.
func (d *EgressDialer) DialFD(ctx context.Context, addr string) (int, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	raw := &captureDialer{}
	pd, err := proxy.FromURL(d.proxyURL, raw)
	if err != nil {
		return 0, err
	}
	cd, ok := pd.(proxy.ContextDialer)
	if !ok {
		return 0, fmt.Errorf("egress proxy %s: dialer has no context support", Redacted(d.proxyURL))
	}

	conn, err := cd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, err
	}
	if raw.conn == nil {
		conn.Close()
		return 0, fmt.Errorf("egress proxy %s: no TCP connection to detach", Redacted(d.proxyURL))
	}
	return detach(raw.conn)
}

// captureDialer remembers the TCP connection a proxy dialer opened to the proxy.
// Proxy handshakes read only what they need, so the raw connection is
// positioned at the start of the tunnel once DialContext returns.
type captureDialer struct {
	net.Dialer
	conn *net.TCPConn
}

func (c *captureDialer) Dial(network, addr string) (net.Conn, error) {
	return c.DialContext(context.Background(), network, addr)
}

func (c *captureDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := c.Dialer.DialContext(ctx, network, addr)
	if tc, ok := conn.(*net.TCPConn); ok {
		c.conn = tc
	}
	return conn, err
}

// detach duplicates the connection's descriptor and closes the one the runtime owns.
func detach(conn *net.TCPConn) (int, error) {
	defer conn.Close()

	rc, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var (
		fd     int
		dupErr error
	)
	if err := rc.Control(func(s uintptr) {
		fd, dupErr = unix.FcntlInt(s, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return 0, err
	}
	if dupErr != nil {
		return 0, dupErr
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, err
	}
	return fd, nil
}

// Redacted hides proxy credentials for logging.
func Redacted(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Redacted()
}
