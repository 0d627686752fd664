package circuit

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"obfs-proxy/internal/buffer"
	"obfs-proxy/internal/domain"
	"obfs-proxy/internal/transport"
)

type queueScheduler struct {
	tasks []func()
}

func (s *queueScheduler) Post(task func()) { s.tasks = append(s.tasks, task) }

func (s *queueScheduler) drain() {
	for len(s.tasks) > 0 {
		task := s.tasks[0]
		s.tasks = s.tasks[1:]
		task()
	}
}

type fakeSocket struct {
	out    bytes.Buffer
	closed int
}

func (s *fakeSocket) Write(p []byte) error {
	s.out.Write(p)
	return nil
}

func (s *fakeSocket) Close() error {
	s.closed++
	return nil
}

type probeTransform struct {
	transport.Dummy
	connected int
	destroyed int
	reason    error
	side      domain.Side
	failWith  error
}

func (p *probeTransform) OnConnected() error {
	p.connected++
	return nil
}

func (p *probeTransform) ReceivedDownstream(b *buffer.Buffer) error {
	if p.failWith != nil {
		return p.failWith
	}
	return p.Dummy.ReceivedDownstream(b)
}

func (p *probeTransform) OnDestroyed(reason error, side domain.Side) {
	p.destroyed++
	p.reason = reason
	p.side = side
}

type fixture struct {
	sched      *queueScheduler
	reg        *Registry
	tr         *probeTransform
	circ       *Circuit
	up, down   *Connection
	upS, downS *fakeSocket
}

func newFixture() *fixture {
	f := &fixture{sched: &queueScheduler{}, tr: &probeTransform{}}
	f.reg = NewRegistry(f.sched, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.circ = f.reg.NewCircuit(f.tr)
	f.upS, f.downS = &fakeSocket{}, &fakeSocket{}
	f.up = f.reg.NewConnection(f.upS, f.circ)
	f.down = f.reg.NewConnection(f.downS, f.circ)
	return f
}

func TestConnectedHookRunsOnce(t *testing.T) {
	for _, upFirst := range []bool{true, false} {
		f := newFixture()
		if upFirst {
			f.circ.SetUpstream(f.up)
			if f.circ.State() != StateHalfBound {
				t.Fatalf("expected half-bound, but got %s", f.circ.State())
			}
			f.circ.SetDownstream(f.down)
		} else {
			f.circ.SetDownstream(f.down)
			f.circ.SetUpstream(f.up)
		}
		f.sched.drain()

		if f.tr.connected != 1 {
			t.Fatalf("upFirst=%v: connected hook expect 1 call, but got %d", upFirst, f.tr.connected)
		}
		if !f.circ.Ready() {
			t.Fatalf("upFirst=%v: expected ready, but got %s", upFirst, f.circ.State())
		}
	}
}

func expectSlotPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, domain.ErrSlotAlreadySet) {
			t.Fatalf("expected ErrSlotAlreadySet panic, but got %v", r)
		}
	}()
	fn()
}

func TestDoubleSetRejected(t *testing.T) {
	f := newFixture()
	f.circ.SetUpstream(f.up)
	expectSlotPanic(t, func() { f.circ.SetUpstream(f.down) })

	f = newFixture()
	f.circ.SetDownstream(f.down)
	expectSlotPanic(t, func() { f.circ.SetDownstream(f.up) })

	f = newFixture()
	f.circ.SetUpstream(f.up)
	f.circ.SetDownstream(f.down)
	expectSlotPanic(t, func() { f.circ.SetDownstream(f.down) })
	if f.tr.connected != 1 {
		t.Fatalf("connected hook expect 1 call, but got %d", f.tr.connected)
	}
}

func TestEarlyDataIsRedeliveredNextTurn(t *testing.T) {
	f := newFixture()
	f.circ.SetUpstream(f.up)
	f.up.DataReceived([]byte("early"))
	if f.downS.out.Len() != 0 {
		t.Fatalf("data relayed before circuit was ready")
	}

	f.circ.SetDownstream(f.down)
	if f.downS.out.Len() != 0 {
		t.Fatalf("early data relayed in the same turn as the connected hook")
	}

	f.sched.drain()
	if got := f.downS.out.String(); got != "early" {
		t.Fatalf("expected %q downstream, but got %q", "early", got)
	}
}

func TestRelayBothDirections(t *testing.T) {
	f := newFixture()
	f.circ.SetUpstream(f.up)
	f.circ.SetDownstream(f.down)
	f.sched.drain()

	f.up.DataReceived([]byte("ping"))
	f.down.DataReceived([]byte("pong"))
	if got := f.downS.out.String(); got != "ping" {
		t.Fatalf("downstream expect %q, but got %q", "ping", got)
	}
	if got := f.upS.out.String(); got != "pong" {
		t.Fatalf("upstream expect %q, but got %q", "pong", got)
	}
}

func TestTransformErrorClosesCircuit(t *testing.T) {
	f := newFixture()
	f.tr.failWith = domain.ErrProtocolViolation
	f.circ.SetUpstream(f.up)
	f.circ.SetDownstream(f.down)
	f.sched.drain()

	f.down.DataReceived([]byte("garbage"))

	if !f.circ.Closed() {
		t.Fatalf("expected circuit closed")
	}
	if f.upS.closed != 1 || f.downS.closed != 1 {
		t.Fatalf("expected both sockets closed once, but got up=%d down=%d", f.upS.closed, f.downS.closed)
	}
	if f.tr.destroyed != 1 || !errors.Is(f.tr.reason, domain.ErrProtocolViolation) || f.tr.side != domain.SideDownstream {
		t.Fatalf("unexpected destroy hook: calls=%d reason=%v side=%s", f.tr.destroyed, f.tr.reason, f.tr.side)
	}
	if f.upS.out.Len() != 0 {
		t.Fatalf("expected nothing delivered upstream, but got %q", f.upS.out.String())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture()
	f.circ.SetUpstream(f.up)
	f.circ.SetDownstream(f.down)
	f.sched.drain()

	f.up.Close()
	f.up.Close()
	f.down.Lost(io.ErrUnexpectedEOF)
	f.circ.Close(nil, domain.SideNone)

	if f.upS.closed != 1 || f.downS.closed != 1 {
		t.Fatalf("expected both sockets closed once, but got up=%d down=%d", f.upS.closed, f.downS.closed)
	}
	if f.tr.destroyed != 1 {
		t.Fatalf("destroy hook expect 1 call, but got %d", f.tr.destroyed)
	}
	if f.tr.side != domain.SideUpstream {
		t.Fatalf("expected close side upstream, but got %s", f.tr.side)
	}
	if circuits, conns := f.reg.Len(); circuits != 0 || conns != 0 {
		t.Fatalf("registry not reclaimed: circuits=%d conns=%d", circuits, conns)
	}

	f.up.Write([]byte("late"))
	f.circ.WriteDownstream([]byte("late"))
	if f.upS.out.Len() != 0 || f.downS.out.Len() != 0 {
		t.Fatalf("writes after close were not dropped")
	}
}

func TestScheduledFlushAfterCloseIsNoop(t *testing.T) {
	f := newFixture()
	f.circ.SetUpstream(f.up)
	f.up.DataReceived([]byte("early"))
	f.circ.SetDownstream(f.down)
	f.circ.Close(nil, domain.SideNone)

	f.sched.drain()
	if f.downS.out.Len() != 0 {
		t.Fatalf("expected no relay after close, but got %q", f.downS.out.String())
	}
}

func TestBindAfterCloseClosesConnection(t *testing.T) {
	f := newFixture()
	f.circ.SetUpstream(f.up)
	f.circ.Close(nil, domain.SideNone)

	f.circ.SetDownstream(f.down)
	if f.downS.closed != 1 {
		t.Fatalf("expected late connection closed, but got %d closes", f.downS.closed)
	}
	if f.tr.connected != 0 {
		t.Fatalf("connected hook ran on a closed circuit")
	}
}
