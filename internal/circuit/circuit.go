package circuit

import (
	"fmt"
	"log/slog"

	"github.com/gofrs/uuid/v5"

	"obfs-proxy/internal/buffer"
	"obfs-proxy/internal/domain"
	"obfs-proxy/internal/transport"
)

type State int

const (
	StateEmpty State = iota
	StateHalfBound
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateHalfBound:
		return "half-bound"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Circuit owns one transform and relays between an upstream and a downstream connection.
type Circuit struct {
	id         uuid.UUID
	reg        *Registry
	transform  transport.Transform
	upstream   domain.ConnID
	downstream domain.ConnID
	state      State
	log        *slog.Logger
}

func (c *Circuit) ID() uuid.UUID { return c.id }

func (c *Circuit) State() State { return c.state }

func (c *Circuit) Ready() bool { return c.state == StateReady }

func (c *Circuit) Closed() bool { return c.state == StateClosed }

func (c *Circuit) Transform() transport.Transform { return c.transform }

func (c *Circuit) Log() *slog.Logger { return c.log }

// SetUpstream binds the upstream slot. Binding a slot twice panics.
func (c *Circuit) SetUpstream(conn *Connection) {
	c.bind(domain.SideUpstream, conn)
}

// SetDownstream binds the downstream slot. Binding a slot twice panics.
func (c *Circuit) SetDownstream(conn *Connection) {
	c.bind(domain.SideDownstream, conn)
}

func (c *Circuit) bind(side domain.Side, conn *Connection) {
	slot := &c.upstream
	if side == domain.SideDownstream {
		slot = &c.downstream
	}
	if *slot != 0 {
		panic(fmt.Errorf("%w: %s of circuit %s", domain.ErrSlotAlreadySet, side, c.id))
	}
	if c.state == StateClosed {
		conn.close(nil, false)
		return
	}

	*slot = conn.id
	conn.circuit = c.id
	c.log.Debug("Connection bound", "side", side, "conn", uint64(conn.id))

	if c.upstream == 0 || c.downstream == 0 {
		c.state = StateHalfBound
		return
	}
	c.connected(side)
}

// connected runs once, when the second slot (last) gets filled.
func (c *Circuit) connected(last domain.Side) {
	c.state = StateReady
	c.log.Debug("Circuit ready")

	c.transform.Attach(c)
	if err := c.transform.OnConnected(); err != nil {
		c.log.Warn("Transform failed on connect", "error", err)
		c.Close(err, domain.SideNone)
		return
	}

	first := c.upstream
	if last == domain.SideUpstream {
		first = c.downstream
	}
	// The handshake written above goes out before anything queued earlier.
	c.reg.sched.Post(func() {
		if conn := c.reg.Connection(first); conn != nil {
			conn.DataReceived(nil)
		}
	})
}

// DataReceived hands conn's buffer to the transform.
func (c *Circuit) DataReceived(conn *Connection) {
	if c.state == StateClosed {
		return
	}
	if c.state != StateReady {
		c.log.Error("Data received before circuit was ready", "conn", uint64(conn.id))
		return
	}

	var (
		side domain.Side
		err  error
	)
	switch conn.id {
	case c.downstream:
		side = domain.SideDownstream
		err = c.transform.ReceivedDownstream(conn.buf)
	case c.upstream:
		side = domain.SideUpstream
		err = c.transform.ReceivedUpstream(conn.buf)
	default:
		panic(fmt.Sprintf("circuit %s: data from unbound connection %d", c.id, conn.id))
	}

	if err != nil {
		c.log.Warn("Transform error, closing circuit", "side", side, "error", err)
		c.Close(err, side)
	}
}

// Close tears down both connections and then destroys the transform. Only the first call has any effect.
func (c *Circuit) Close(reason error, side domain.Side) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed

	if reason != nil {
		c.log.Info("Closing circuit", "side", side, "reason", reason)
	} else {
		c.log.Debug("Closing circuit", "side", side)
	}

	for _, id := range []domain.ConnID{c.downstream, c.upstream} {
		if conn := c.reg.Connection(id); conn != nil {
			conn.close(reason, false)
		}
	}
	c.transform.OnDestroyed(reason, side)
	delete(c.reg.circuits, c.id)
}

func (c *Circuit) WriteUpstream(p []byte) {
	if conn := c.reg.Connection(c.upstream); conn != nil {
		conn.Write(p)
	}
}

func (c *Circuit) WriteDownstream(p []byte) {
	if conn := c.reg.Connection(c.downstream); conn != nil {
		conn.Write(p)
	}
}

func (c *Circuit) UpstreamBuffer() *buffer.Buffer {
	if conn := c.reg.Connection(c.upstream); conn != nil {
		return conn.buf
	}
	return buffer.New()
}

func (c *Circuit) sideOf(id domain.ConnID) domain.Side {
	switch id {
	case c.upstream:
		return domain.SideUpstream
	case c.downstream:
		return domain.SideDownstream
	}
	return domain.SideNone
}
