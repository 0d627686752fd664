// Package obfs2 implements the obfs2 obfuscation protocol.
//
// Each side sends
//
//	SEED | E_PAD(MAGIC | PADLEN | random(PADLEN))
//
// and then an AES-CTR stream keyed from both seeds, one key per direction.
package obfs2

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	mrand "math/rand/v2"
	"strconv"
	"strings"

	"obfs-proxy/internal/buffer"
	"obfs-proxy/internal/domain"
	"obfs-proxy/internal/transport"
)

const (
	MagicValue     = 0x2BF5CA7E
	SeedLength     = 16
	MaxPadding     = 8192
	HashIterations = 100000

	keyLength = 16
	ivLength  = 16

	headerLength = 8

	secretArgPrefix = "shared-secret="
)

const (
	initiatorPadLabel  = "Initiator obfuscation padding"
	responderPadLabel  = "Responder obfuscation padding"
	initiatorDataLabel = "Initiator obfuscated data"
	responderDataLabel = "Responder obfuscated data"
)

func init() {
	transport.Register("obfs2", Setup)
}

type state int

const (
	stateAwaitingKey state = iota
	stateAwaitingPadding
	stateOpen
)

// Factory holds the per-listener settings every obfs2 instance starts from.
type Factory struct {
	initiator  bool
	secret     string
	iterations int
	log        *slog.Logger
}

// Setup captures cfg.SharedSecret and the iteration count. An empty secret
// means the unkeyed MAC.
func Setup(cfg transport.Config) (transport.Factory, error) {
	f := &Factory{
		initiator:  cfg.WeAreClient,
		secret:     cfg.SharedSecret,
		iterations: HashIterations,
		log:        cfg.Log().With("transport", "obfs2"),
	}

	if f.secret != "" {
		f.log.Debug("Using shared-secret from server transport options")
	}
	if s, ok := cfg.Option("hash-iterations"); ok {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("hash-iterations option: %w", err)
		}
		cfg.HashIterations = n
	}
	switch {
	case cfg.HashIterations < 0:
		return nil, fmt.Errorf("negative hash iteration count %d", cfg.HashIterations)
	case cfg.HashIterations > 0:
		f.iterations = cfg.HashIterations
	}
	return f, nil
}

func (f *Factory) Name() string { return "obfs2" }

func (f *Factory) New() transport.Transform {
	t := &Transform{
		initiator:     f.initiator,
		secret:        f.secret,
		iterations:    f.iterations,
		rand:          rand.Reader,
		paddingLength: func() int { return mrand.IntN(MaxPadding + 1) },
		log:           f.log,
	}
	if f.initiator {
		t.sendPadLabel, t.recvPadLabel = initiatorPadLabel, responderPadLabel
		t.sendLabel, t.recvLabel = initiatorDataLabel, responderDataLabel
	} else {
		t.sendPadLabel, t.recvPadLabel = responderPadLabel, initiatorPadLabel
		t.sendLabel, t.recvLabel = responderDataLabel, initiatorDataLabel
	}
	return t
}

// Transform is one side of an obfs2 session.
type Transform struct {
	transport.Base

	initiator  bool
	secret     string
	iterations int

	sendPadLabel, recvPadLabel string
	sendLabel, recvLabel       string

	initiatorSeed []byte
	responderSeed []byte

	state        state
	paddingLeft  int
	pendingWrite bool

	send cipher.Stream
	recv cipher.Stream

	rand          io.Reader
	paddingLength func() int
	log           *slog.Logger
}

// HandleSideChannelArgs takes exactly one "shared-secret=..." argument.
// A secret given here replaces the configured one for this instance.
func (t *Transform) HandleSideChannelArgs(args []string) error {
	if t.secret != "" {
		t.log.Warn("Shared secret given twice, keeping the one from the SOCKS arguments")
	}
	if len(args) != 1 {
		return fmt.Errorf("obfs2: expected one SOCKS argument, got %d: %w", len(args), domain.ErrBadSideChannelArgs)
	}
	if !strings.HasPrefix(args[0], secretArgPrefix) {
		return fmt.Errorf("obfs2: malformed SOCKS argument: %w", domain.ErrBadSideChannelArgs)
	}
	t.secret = strings.TrimPrefix(args[0], secretArgPrefix)
	return nil
}

func (t *Transform) OnConnected() error {
	seed, err := t.ownSeed()
	if err != nil {
		return err
	}

	padLen := t.paddingLength()
	msg := make([]byte, SeedLength+headerLength+padLen)
	copy(msg, seed)
	header := msg[SeedLength:]
	binary.BigEndian.PutUint32(header[0:4], MagicValue)
	binary.BigEndian.PutUint32(header[4:8], uint32(padLen))
	if _, err := io.ReadFull(t.rand, header[headerLength:]); err != nil {
		return fmt.Errorf("obfs2: padding: %w", err)
	}
	t.padStream(t.sendPadLabel, seed).XORKeyStream(header, header)

	t.log.Debug("Handshake queued", "initiator", t.initiator, "bytes", len(msg), "padding", padLen)
	t.Circuit.WriteDownstream(msg)
	return nil
}

func (t *Transform) ReceivedUpstream(b *buffer.Buffer) error {
	if t.send == nil {
		t.log.Debug("Upstream data before handshake, holding it")
		t.pendingWrite = true
		return nil
	}
	if b.Len() == 0 {
		return nil
	}
	data := b.Read(buffer.All)
	t.send.XORKeyStream(data, data)
	t.Circuit.WriteDownstream(data)
	return nil
}

func (t *Transform) ReceivedDownstream(b *buffer.Buffer) error {
	if t.state == stateAwaitingKey {
		if b.Len() < SeedLength+headerLength {
			return nil
		}
		if err := t.readHeader(b); err != nil {
			return err
		}
	}

	if t.state == stateAwaitingPadding {
		n := min(t.paddingLeft, b.Len())
		b.Discard(n)
		t.paddingLeft -= n
		if t.paddingLeft > 0 {
			return nil
		}
		t.state = stateOpen

		if t.pendingWrite {
			t.pendingWrite = false
			if err := t.ReceivedUpstream(t.Circuit.UpstreamBuffer()); err != nil {
				return err
			}
		}
	}

	if b.Len() == 0 {
		return nil
	}
	data := b.Read(buffer.All)
	t.recv.XORKeyStream(data, data)
	t.Circuit.WriteUpstream(data)
	return nil
}

func (t *Transform) OnDestroyed(reason error, side domain.Side) {
	if reason != nil {
		t.log.Debug("Session destroyed", "side", side, "reason", reason)
	}
}

// readHeader consumes the peer seed and the encrypted magic/padlen pair.
func (t *Transform) readHeader(b *buffer.Buffer) error {
	peerSeed := b.Read(SeedLength)
	if t.initiator {
		t.responderSeed = peerSeed
	} else {
		t.initiatorSeed = peerSeed
	}

	seeds := make([]byte, 0, 2*SeedLength)
	seeds = append(append(seeds, t.initiatorSeed...), t.responderSeed...)
	t.send = newStream(t.mac(t.sendLabel, seeds))
	t.recv = newStream(t.mac(t.recvLabel, seeds))

	header := b.Read(headerLength)
	t.padStream(t.recvPadLabel, peerSeed).XORKeyStream(header, header)

	magic := binary.BigEndian.Uint32(header[0:4])
	padLen := binary.BigEndian.Uint32(header[4:8])
	t.log.Debug("Handshake received", "magic", fmt.Sprintf("%#x", magic), "padding", padLen)

	if magic != MagicValue {
		return fmt.Errorf("obfs2: corrupted magic value %#x: %w", magic, domain.ErrProtocolViolation)
	}
	if padLen > MaxPadding {
		return fmt.Errorf("obfs2: padding length %d too big: %w", padLen, domain.ErrProtocolViolation)
	}
	t.paddingLeft = int(padLen)
	t.state = stateAwaitingPadding
	return nil
}

func (t *Transform) ownSeed() ([]byte, error) {
	seed := &t.responderSeed
	if t.initiator {
		seed = &t.initiatorSeed
	}
	if *seed == nil {
		*seed = make([]byte, SeedLength)
		if _, err := io.ReadFull(t.rand, *seed); err != nil {
			return nil, fmt.Errorf("obfs2: seed: %w", err)
		}
	}
	return *seed, nil
}

func (t *Transform) padStream(label string, seed []byte) cipher.Stream {
	return newStream(t.mac(label, seed))
}

func (t *Transform) mac(label string, data []byte) []byte {
	return mac([]byte(label), data, []byte(t.secret), t.iterations)
}
