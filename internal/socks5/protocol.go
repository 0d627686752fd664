// Package socks5 implements the CONNECT-only SOCKS5 front end (RFC 1928, RFC 1929)
// whose username/password fields carry per-connection transport arguments.
package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"obfs-proxy/internal/domain"
)

type Reply byte

const (
	ReplySucceeded               Reply = 0x00
	ReplyGeneralFailure          Reply = 0x01
	ReplyNotAllowed              Reply = 0x02
	ReplyNetworkUnreachable      Reply = 0x03
	ReplyHostUnreachable         Reply = 0x04
	ReplyConnectionRefused       Reply = 0x05
	ReplyTTLExpired              Reply = 0x06
	ReplyCommandNotSupported     Reply = 0x07
	ReplyAddressTypeNotSupported Reply = 0x08
)

var replyNames = map[Reply]string{
	ReplySucceeded:               "succeeded",
	ReplyGeneralFailure:          "general failure",
	ReplyNotAllowed:              "connection not allowed",
	ReplyNetworkUnreachable:      "network unreachable",
	ReplyHostUnreachable:         "host unreachable",
	ReplyConnectionRefused:       "connection refused",
	ReplyTTLExpired:              "TTL expired",
	ReplyCommandNotSupported:     "command not supported",
	ReplyAddressTypeNotSupported: "address type not supported",
}

func (r Reply) String() string {
	if s, ok := replyNames[r]; ok {
		return s
	}
	return fmt.Sprintf("reply(%#02x)", byte(r))
}

// ReplyFor maps an outbound connect error to the reply sent to the client.
func ReplyFor(err error) Reply {
	switch {
	case err == nil:
		return ReplySucceeded
	case errors.Is(err, unix.ENETUNREACH):
		return ReplyNetworkUnreachable
	case errors.Is(err, unix.ECONNREFUSED):
		return ReplyConnectionRefused
	case errors.Is(err, unix.ETIMEDOUT),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded):
		return ReplyTTLExpired
	case errors.Is(err, unix.EAFNOSUPPORT):
		return ReplyAddressTypeNotSupported
	case errors.Is(err, unix.EHOSTUNREACH):
		return ReplyHostUnreachable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReplyTTLExpired
	}
	return ReplyGeneralFailure
}

// Target is the destination named in a CONNECT request.
type Target struct {
	Type byte
	Host string // set for domain names
	Addr netip.Addr
	Port uint16
}

func (t Target) String() string {
	host := t.Host
	if t.Type != domain.AtypDomain {
		host = t.Addr.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(int(t.Port)))
}

// AddrPort is only meaningful for IP targets.
func (t Target) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(t.Addr, t.Port)
}

func (t Target) IsDomain() bool {
	return t.Type == domain.AtypDomain
}

// encodeReply builds VER REP RSV ATYP BND.ADDR BND.PORT. An invalid bound
// address is encoded as 0.0.0.0.
func encodeReply(r Reply, bound netip.AddrPort) []byte {
	msg := []byte{domain.SocksVersion5, byte(r), 0x00}

	addr := bound.Addr().Unmap()
	switch {
	case addr.Is6():
		a := addr.As16()
		msg = append(msg, domain.AtypIPv6)
		msg = append(msg, a[:]...)
	case addr.Is4():
		a := addr.As4()
		msg = append(msg, domain.AtypIPv4)
		msg = append(msg, a[:]...)
	default:
		msg = append(msg, domain.AtypIPv4, 0, 0, 0, 0)
	}
	return binary.BigEndian.AppendUint16(msg, bound.Port())
}
