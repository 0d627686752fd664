package socks5

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/netip"

	"obfs-proxy/internal/buffer"
	"obfs-proxy/internal/circuit"
	"obfs-proxy/internal/domain"
)

type State int

const (
	StateInit State = iota
	StateReadingMethods
	StateAuthenticating
	StateReadingRequest
	StateConnecting
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReadingMethods:
		return "reading-methods"
	case StateAuthenticating:
		return "authenticating"
	case StateReadingRequest:
		return "reading-request"
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Methods we accept, most preferred first.
var methodPreference = []byte{domain.AuthUserPass, domain.AuthNone}

// Handler receives what the handshake learns.
type Handler interface {
	// Authenticate gets the raw RFC 1929 fields. A non-nil error fails authentication.
	Authenticate(uname, passwd []byte) error
	// Connect starts the outbound connect. The result must be reported back
	// through Session.Connected or Session.ConnectFailed.
	Connect(target Target)
}

// Session parses the SOCKS5 handshake arriving on a client connection.
// Once established it passes everything straight to the connection.
type Session struct {
	conn    *circuit.Connection
	handler Handler
	state   State
	method  byte
	target  Target
	log     *slog.Logger
}

func NewSession(conn *circuit.Connection, h Handler) *Session {
	s := &Session{
		conn:    conn,
		handler: h,
		method:  domain.AuthNoAcceptable,
		log:     conn.Log().With("proto", "socks5"),
	}
	s.state = StateReadingMethods
	return s
}

func (s *Session) State() State { return s.state }

func (s *Session) Target() Target { return s.target }

func (s *Session) Conn() *circuit.Connection { return s.conn }

// DataReceived is the socket read callback for the client connection.
func (s *Session) DataReceived(p []byte) {
	if s.state == StateEstablished {
		s.conn.DataReceived(p)
		return
	}
	if s.conn.Closed() {
		return
	}
	s.conn.Buffer().Write(p)

	switch s.state {
	case StateReadingMethods:
		s.readMethods()
	case StateAuthenticating:
		if s.method == domain.AuthNone {
			s.state = StateReadingRequest
			s.readRequest()
			return
		}
		s.readUserPass()
	case StateReadingRequest:
		s.readRequest()
	case StateConnecting:
		s.abort("data received while connecting")
	}
}

// Connected completes the handshake once the outbound connection is up.
func (s *Session) Connected(bound netip.AddrPort) {
	if s.state != StateConnecting || s.conn.Closed() {
		return
	}
	s.log.Debug("Connected", "target", s.target.String(), "bound", bound.String())
	s.conn.Write(encodeReply(ReplySucceeded, bound))
	s.state = StateEstablished
}

// ConnectFailed reports err to the client and closes.
func (s *Session) ConnectFailed(err error) {
	if s.state != StateConnecting || s.conn.Closed() {
		return
	}
	reply := ReplyFor(err)
	s.log.Info("Connect failed", "reply", reply.String(), "error", err)
	s.fail(reply)
}

func (s *Session) readMethods() {
	b := s.conn.Buffer()
	if b.Len() < 2 {
		return
	}
	msg := b.Peek(buffer.All)
	if msg[0] != domain.SocksVersion5 {
		s.abort(fmt.Sprintf("invalid SOCKS version %d", msg[0]))
		return
	}
	n := int(msg[1])
	if n == 0 {
		s.abort("no methods offered")
		return
	}
	if len(msg) < 2+n {
		return
	}
	if len(msg) > 2+n {
		s.abort("trailing garbage after method select")
		return
	}
	b.Discard(buffer.All)

	methods := msg[2:]
	s.method = domain.AuthNoAcceptable
	for _, m := range methodPreference {
		if bytes.IndexByte(methods, m) >= 0 {
			s.method = m
			break
		}
	}

	s.conn.Write([]byte{domain.SocksVersion5, s.method})
	if s.method == domain.AuthNoAcceptable {
		s.log.Info("No acceptable auth method", "offered", fmt.Sprintf("%x", methods))
		s.conn.Close()
		return
	}
	s.state = StateAuthenticating
}

func (s *Session) readUserPass() {
	b := s.conn.Buffer()
	if b.Len() < 2 {
		return
	}
	msg := b.Peek(buffer.All)
	if msg[0] != domain.UserPassVersion {
		s.log.Warn("Invalid RFC1929 version", "version", msg[0])
		s.authReply(false)
		return
	}
	ulen := int(msg[1])
	if ulen == 0 {
		s.log.Warn("Username length is 0")
		s.authReply(false)
		return
	}
	if len(msg) < 3+ulen {
		return
	}
	plen := int(msg[2+ulen])
	end := 3 + ulen + plen
	if len(msg) < end {
		return
	}
	if plen == 0 {
		s.log.Warn("Password length is 0")
		s.authReply(false)
		return
	}
	if len(msg) > end {
		s.abort("trailing garbage after RFC1929 auth")
		return
	}
	b.Discard(buffer.All)

	uname, passwd := msg[2:2+ulen], msg[3+ulen:end]
	if err := s.handler.Authenticate(uname, passwd); err != nil {
		s.log.Warn("Authentication rejected", "error", err)
		s.authReply(false)
		return
	}
	s.authReply(true)
}

func (s *Session) authReply(ok bool) {
	if !ok {
		s.conn.Write([]byte{domain.UserPassVersion, domain.UserPassFailure})
		s.conn.Close()
		return
	}
	s.conn.Write([]byte{domain.UserPassVersion, domain.UserPassSuccess})
	s.state = StateReadingRequest
}

func (s *Session) readRequest() {
	b := s.conn.Buffer()
	msg := b.Peek(buffer.All)
	if len(msg) < 4 {
		return
	}
	if msg[0] != domain.SocksVersion5 {
		s.log.Warn("Invalid request version", "version", msg[0])
		s.fail(ReplyGeneralFailure)
		return
	}
	if msg[1] != domain.CmdConnect {
		s.log.Warn("Unsupported command", "cmd", msg[1])
		s.fail(ReplyCommandNotSupported)
		return
	}
	if msg[2] != 0x00 {
		s.log.Warn("Reserved byte not zero", "rsv", msg[2])
		s.fail(ReplyGeneralFailure)
		return
	}

	t := Target{Type: msg[3]}
	var addrEnd int
	switch t.Type {
	case domain.AtypIPv4:
		addrEnd = 4 + 4
		if len(msg) < addrEnd {
			return
		}
		t.Addr = netip.AddrFrom4([4]byte(msg[4:addrEnd]))
	case domain.AtypIPv6:
		addrEnd = 4 + 16
		if len(msg) < addrEnd {
			return
		}
		t.Addr = netip.AddrFrom16([16]byte(msg[4:addrEnd]))
	case domain.AtypDomain:
		if len(msg) < 5 {
			return
		}
		alen := int(msg[4])
		if alen == 0 {
			s.log.Warn("Domain name length is 0")
			s.fail(ReplyGeneralFailure)
			return
		}
		addrEnd = 5 + alen
		if len(msg) < addrEnd {
			return
		}
		t.Host = string(msg[5:addrEnd])
	default:
		s.log.Warn("Unsupported address type", "atyp", t.Type)
		s.fail(ReplyAddressTypeNotSupported)
		return
	}

	if len(msg) < addrEnd+2 {
		return
	}
	if len(msg) > addrEnd+2 {
		s.abort("trailing garbage after request")
		return
	}
	t.Port = binary.BigEndian.Uint16(msg[addrEnd:])
	b.Discard(buffer.All)

	s.target = t
	s.state = StateConnecting
	s.log.Debug("CONNECT", "target", t.String())
	s.handler.Connect(t)
}

func (s *Session) fail(r Reply) {
	s.conn.Write(encodeReply(r, netip.AddrPort{}))
	s.conn.Close()
}

func (s *Session) abort(reason string) {
	s.log.Warn("Closing SOCKS connection", "state", s.state.String(), "reason", reason)
	s.conn.Close()
}
