package circuit

import (
	"log/slog"

	"github.com/gofrs/uuid/v5"

	"obfs-proxy/internal/buffer"
	"obfs-proxy/internal/domain"
)

// Connection is one network endpoint of a circuit.
type Connection struct {
	id      domain.ConnID
	reg     *Registry
	circuit uuid.UUID
	sock    domain.Socket
	buf     *buffer.Buffer
	closed  bool
	log     *slog.Logger
}

func (c *Connection) ID() domain.ConnID { return c.id }

func (c *Connection) Buffer() *buffer.Buffer { return c.buf }

func (c *Connection) Closed() bool { return c.closed }

func (c *Connection) Log() *slog.Logger { return c.log }

// DataReceived appends p and hands the buffer to the circuit once it is ready.
// Until then bytes stay buffered.
func (c *Connection) DataReceived(p []byte) {
	if c.closed {
		return
	}
	c.buf.Write(p)
	if c.buf.Len() == 0 {
		return
	}

	circ := c.reg.Circuit(c.circuit)
	if circ == nil {
		return
	}
	if !circ.Ready() {
		c.log.Debug("Buffering until circuit is ready", "bytes", c.buf.Len())
		return
	}
	circ.DataReceived(c)
}

// Write sends p to the socket. Writes after close are dropped.
func (c *Connection) Write(p []byte) {
	if c.closed || len(p) == 0 {
		return
	}
	if err := c.sock.Write(p); err != nil {
		c.log.Debug("Write failed", "error", err)
		c.close(err, true)
	}
}

// Close closes the connection and its circuit.
func (c *Connection) Close() {
	c.close(nil, true)
}

// Lost is called when the socket hits EOF (err == nil) or fails.
func (c *Connection) Lost(err error) {
	if err != nil {
		c.log.Debug("Connection lost", "error", err)
	} else {
		c.log.Debug("Connection closed by peer")
	}
	c.close(err, true)
}

func (c *Connection) close(reason error, alsoCircuit bool) {
	if c.closed {
		return
	}
	c.closed = true
	if err := c.sock.Close(); err != nil {
		c.log.Debug("Socket close failed", "error", err)
	}
	delete(c.reg.conns, c.id)

	if !alsoCircuit {
		return
	}
	if circ := c.reg.Circuit(c.circuit); circ != nil {
		circ.Close(reason, circ.sideOf(c.id))
	}
}
