package network

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

const maxResponseHead = 8 << 10

func init() {
	proxy.RegisterDialerType("http", func(proxyURL *url.URL, forward proxy.Dialer) (proxy.Dialer, error) {
		return &httpProxyDialer{proxyURL: proxyURL, forward: contextDialer(forward)}, nil
	})
}

func contextDialer(d proxy.Dialer) proxy.ContextDialer {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd
	}
	return &net.Dialer{}
}

func proxyHostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

// httpProxyDialer tunnels through an HTTP proxy with CONNECT.
type httpProxyDialer struct {
	proxyURL *url.URL
	forward  proxy.ContextDialer
}

func (d *httpProxyDialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

func (d *httpProxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.forward.DialContext(ctx, network, proxyHostPort(d.proxyURL))
	if err != nil {
		return nil, err
	}

	header := make(http.Header)
	if user := d.proxyURL.User; user != nil {
		if password, ok := user.Password(); ok {
			credential := base64.StdEncoding.EncodeToString([]byte(user.Username() + ":" + password))
			header.Set("Proxy-Authorization", "Basic "+credential)
		}
	}
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: header,
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}

	head, err := readResponseHead(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(head)), req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		f := strings.SplitN(resp.Status, " ", 2)
		return nil, errors.New("http proxy: " + f[len(f)-1])
	}
	return conn, nil
}

// readResponseHead reads up to the blank line ending the response head and no
// further. The peer may send tunnel bytes right behind it, and those must stay
// in the socket for whoever owns the descriptor next.
func readResponseHead(conn net.Conn) ([]byte, error) {
	head := make([]byte, 0, 256)
	var b [1]byte
	for !bytes.HasSuffix(head, []byte("\r\n\r\n")) {
		if len(head) >= maxResponseHead {
			return nil, errors.New("http proxy: response head too large")
		}
		n, err := conn.Read(b[:])
		if err != nil {
			return nil, err
		}
		head = append(head, b[:n]...)
	}
	return head, nil
}
