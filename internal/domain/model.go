package domain

import "fmt"

// Side names one half of a circuit.
type Side int

const (
	SideNone Side = iota
	SideUpstream
	SideDownstream
)

func (s Side) String() string {
	switch s {
	case SideUpstream:
		return "upstream"
	case SideDownstream:
		return "downstream"
	default:
		return "none"
	}
}

// Mode decides which side an accepted socket becomes and who initiates the handshake.
type Mode int

const (
	ModeSocks  Mode = iota // SOCKS5 front end, destination learned per connection
	ModeClient             // accepted = upstream, dest = downstream
	ModeServer             // accepted = downstream, dest = upstream
)

func ParseMode(s string) (Mode, error) {
	switch s {
	case "socks":
		return ModeSocks, nil
	case "client":
		return ModeClient, nil
	case "server":
		return ModeServer, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

func (m Mode) String() string {
	switch m {
	case ModeSocks:
		return "socks"
	case ModeClient:
		return "client"
	case ModeServer:
		return "server"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Initiator reports whether the transform on this side sends the first handshake.
func (m Mode) Initiator() bool {
	return m != ModeServer
}

// AcceptedSide is the circuit slot taken by an accepted socket.
func (m Mode) AcceptedSide() Side {
	if m == ModeServer {
		return SideDownstream
	}
	return SideUpstream
}

type ConnID uint64

const (
	SocksVersion5 = 0x05
	CmdConnect    = 0x01
	AtypIPv4      = 0x01
	AtypDomain    = 0x03
	AtypIPv6      = 0x04

	AuthNone         = 0x00
	AuthUserPass     = 0x02
	AuthNoAcceptable = 0xFF

	UserPassVersion = 0x01
	UserPassSuccess = 0x00
	UserPassFailure = 0x01
)
