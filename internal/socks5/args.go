package socks5

import (
	"errors"
	"fmt"
	"strings"

	"obfs-proxy/internal/domain"
	"obfs-proxy/internal/transport"
)

var errDanglingEscape = errors.New("socks5: argument string ends in an escape character")

// PackedArgs rebuilds the argument string spread over the RFC 1929 fields.
// A password of a single NUL byte means "no password data".
func PackedArgs(uname, passwd []byte) string {
	if len(passwd) == 1 && passwd[0] == 0 {
		return string(uname)
	}
	return string(uname) + string(passwd)
}

// SplitArgs splits s on unescaped ';'. A backslash escapes the byte after it.
func SplitArgs(s string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		escaped bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case c == '\\':
			escaped = true
		case c == ';':
			args = append(args, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if escaped {
		return nil, errDanglingEscape
	}
	return append(args, cur.String()), nil
}

// ApplySideChannelArgs unpacks the RFC 1929 fields and hands them to t.
// Transforms without a side-channel hook accept any arguments.
func ApplySideChannelArgs(t transport.Transform, uname, passwd []byte) error {
	args, err := SplitArgs(PackedArgs(uname, passwd))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBadSideChannelArgs, err)
	}
	h, ok := t.(transport.SideChannelHandler)
	if !ok {
		return nil
	}
	return h.HandleSideChannelArgs(args)
}
