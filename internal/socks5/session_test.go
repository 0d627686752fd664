package socks5

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"testing"

	"golang.org/x/sys/unix"

	"obfs-proxy/internal/circuit"
	"obfs-proxy/internal/domain"
	"obfs-proxy/internal/transport"
)

type nopScheduler struct{}

func (nopScheduler) Post(func()) {}

type wire struct {
	bytes.Buffer
	closed bool
}

func (w *wire) Write(p []byte) error { w.Buffer.Write(p); return nil }
func (w *wire) Close() error         { w.closed = true; return nil }

type recorder struct {
	authErr error
	uname   []byte
	passwd  []byte
	targets []Target
}

func (r *recorder) Authenticate(uname, passwd []byte) error {
	r.uname, r.passwd = uname, passwd
	return r.authErr
}

func (r *recorder) Connect(t Target) {
	r.targets = append(r.targets, t)
}

type harness struct {
	t    *testing.T
	s    *Session
	w    *wire
	rec  *recorder
	circ *circuit.Circuit
}

func newHarness(t *testing.T) *harness {
	reg := circuit.NewRegistry(nopScheduler{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	circ := reg.NewCircuit(&transport.Dummy{})
	w := &wire{}
	conn := reg.NewConnection(w, circ)
	rec := &recorder{}
	return &harness{t: t, s: NewSession(conn, rec), w: w, rec: rec, circ: circ}
}

func (h *harness) send(hexMsg string) {
	h.t.Helper()
	raw, err := hex.DecodeString(hexMsg)
	if err != nil {
		h.t.Fatalf("bad test vector %q: %v", hexMsg, err)
	}
	h.s.DataReceived(raw)
}

func (h *harness) expect(hexMsg string) {
	h.t.Helper()
	if got := hex.EncodeToString(h.w.Bytes()); got != hexMsg {
		h.t.Fatalf("expected reply %s, but got %s", hexMsg, got)
	}
	h.w.Reset()
}

func (h *harness) expectClosed(closed bool) {
	h.t.Helper()
	if h.w.closed != closed {
		h.t.Fatalf("expected closed=%v, but got %v", closed, h.w.closed)
	}
}

func failure(r Reply) string {
	return fmt.Sprintf("05%02x0001000000000000", byte(r))
}

func TestMethodSelect(t *testing.T) {
	cases := []struct {
		name   string
		msg    string
		reply  string
		method byte
		closed bool
	}{
		{"invalid version", "030100", "", domain.AuthNoAcceptable, true},
		{"zero methods", "0500", "", domain.AuthNoAcceptable, true},
		{"no auth", "050100", "0500", domain.AuthNone, false},
		{"username password", "050102", "0502", domain.AuthUserPass, false},
		{"both prefers username password", "05020002", "0502", domain.AuthUserPass, false},
		{"unknown", "050101", "05ff", domain.AuthNoAcceptable, true},
		{"both unknown", "05030002ff", "0502", domain.AuthUserPass, false},
		{"trailing garbage", "050100deadbabe", "", domain.AuthNoAcceptable, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.send(tc.msg)
			h.expect(tc.reply)
			h.expectClosed(tc.closed)
			if h.s.method != tc.method {
				t.Fatalf("expected method %#x, but got %#x", tc.method, h.s.method)
			}
			if !tc.closed && h.s.State() != StateAuthenticating {
				t.Fatalf("expected authenticating, but got %s", h.s.State())
			}
		})
	}
}

func TestMethodSelectPartial(t *testing.T) {
	h := newHarness(t)
	h.send("05")
	h.send("02")
	h.send("00")
	h.expect("")
	h.send("02")
	h.expect("0502")
	if h.s.State() != StateAuthenticating {
		t.Fatalf("expected authenticating, but got %s", h.s.State())
	}
}

func TestNoAuthGoesStraightToRequest(t *testing.T) {
	h := newHarness(t)
	h.send("050100")
	h.expect("0500")
	h.send("05")
	if h.s.State() != StateReadingRequest {
		t.Fatalf("expected reading-request, but got %s", h.s.State())
	}
}

func TestUserPass(t *testing.T) {
	cases := []struct {
		name    string
		msg     string
		authErr error
		reply   string
		closed  bool
	}{
		{"invalid version", "03054142434445056162636465", nil, "0101", true},
		{"zero ulen", "0100056162636465", nil, "0101", true},
		{"zero plen", "0105414243444500", nil, "0101", true},
		{"success", "01054142434445056162636465", nil, "0100", false},
		{"rejected", "01054142434445056162636465", domain.ErrBadSideChannelArgs, "0101", true},
		{"trailing garbage", "01054142434445056162636465deadbabe", nil, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.rec.authErr = tc.authErr
			h.send("050102")
			h.expect("0502")

			h.send(tc.msg)
			h.expect(tc.reply)
			h.expectClosed(tc.closed)
			if tc.reply == "0100" {
				if string(h.rec.uname) != "ABCDE" || string(h.rec.passwd) != "abcde" {
					t.Fatalf("expected ABCDE/abcde, but got %q/%q", h.rec.uname, h.rec.passwd)
				}
				if h.s.State() != StateReadingRequest {
					t.Fatalf("expected reading-request, but got %s", h.s.State())
				}
			}
		})
	}
}

func TestRequestFailures(t *testing.T) {
	cases := []struct {
		name  string
		msg   string
		reply string
	}{
		{"invalid version", "030100017f000001235a", failure(ReplyGeneralFailure)},
		{"invalid command", "050500017f000001235a", failure(ReplyCommandNotSupported)},
		{"invalid rsv", "050130017f000001235a", failure(ReplyGeneralFailure)},
		{"invalid atyp", "050100057f000001235a", failure(ReplyAddressTypeNotSupported)},
		{"bind", "050200017f000001235a", failure(ReplyCommandNotSupported)},
		{"udp associate", "050300017f000001235a", failure(ReplyCommandNotSupported)},
		{"empty domain", "05010003001f90", failure(ReplyGeneralFailure)},
		{"trailing garbage", "050100017f000001235adeadbabe", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.send("050100")
			h.expect("0500")
			h.send(tc.msg)
			h.expect(tc.reply)
			h.expectClosed(true)
			if len(h.rec.targets) != 0 {
				t.Fatalf("expected no connect, but got %v", h.rec.targets)
			}
		})
	}
}

func TestConnect(t *testing.T) {
	cases := []struct {
		name   string
		msg    string
		target string
		bound  string
		reply  string
	}{
		{"ipv4", "050100017f000001235a", "127.0.0.1:9050", "127.0.0.1:9050", "050000017f000001235a"},
		{"ipv6", "050100040102030405060708090a0b0c0d0e0f10235a", "[102:304:506:708:90a:b0c:d0e:f10]:9050",
			"[102:304:506:708:90a:b0c:d0e:f10]:9050", "050000040102030405060708090a0b0c0d0e0f10235a"},
		{"domain", "050100030b6578616d706c652e636f6d235a", "example.com:9050", "127.0.0.1:9050", "050000017f000001235a"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.send("050100")
			h.expect("0500")

			raw, _ := hex.DecodeString(tc.msg)
			for _, b := range raw {
				h.s.DataReceived([]byte{b})
			}
			if len(h.rec.targets) != 1 {
				t.Fatalf("expected one connect, but got %d", len(h.rec.targets))
			}
			if got := h.rec.targets[0].String(); got != tc.target {
				t.Fatalf("expected target %s, but got %s", tc.target, got)
			}
			if h.s.State() != StateConnecting {
				t.Fatalf("expected connecting, but got %s", h.s.State())
			}

			h.s.Connected(netip.MustParseAddrPort(tc.bound))
			h.expect(tc.reply)
			h.expectClosed(false)
			if h.s.State() != StateEstablished {
				t.Fatalf("expected established, but got %s", h.s.State())
			}
		})
	}
}

func TestConnectFailed(t *testing.T) {
	h := newHarness(t)
	h.send("050100")
	h.expect("0500")
	h.send("050100017f000001235a")

	h.s.ConnectFailed(&domain.ConnectError{Target: "127.0.0.1:9050", Err: fmt.Errorf("dial: %w", unix.ECONNREFUSED)})
	h.expect(failure(ReplyConnectionRefused))
	h.expectClosed(true)
	if !h.circ.Closed() {
		t.Fatalf("expected circuit closed after failed connect")
	}

	// A late success after the failure must not write anything.
	h.s.Connected(netip.MustParseAddrPort("127.0.0.1:1"))
	h.expect("")
}

func TestDataWhileConnectingCloses(t *testing.T) {
	h := newHarness(t)
	h.send("050100")
	h.expect("0500")
	h.send("050100017f000001235a")
	h.send("41")
	h.expectClosed(true)
}

func TestEstablishedBypassesParser(t *testing.T) {
	h := newHarness(t)
	h.send("050100")
	h.send("050100017f000001235a")
	h.s.Connected(netip.MustParseAddrPort("127.0.0.1:9050"))
	h.w.Reset()

	// Bytes that would be garbage to the parser go to the connection buffer.
	h.send("050100")
	if h.w.closed {
		t.Fatalf("established connection closed on relay data")
	}
	if got := h.s.Conn().Buffer().Len(); got != 3 {
		t.Fatalf("expected 3 buffered bytes on the half-bound circuit, but got %d", got)
	}
}
