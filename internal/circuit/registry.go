// Package circuit pairs two connections and drives a transform over them.
//
// Circuits and connections refer to each other by identifier only; the
// Registry owns both and forgets them once they close.
package circuit

import (
	"log/slog"

	"github.com/gofrs/uuid/v5"

	"obfs-proxy/internal/buffer"
	"obfs-proxy/internal/domain"
	"obfs-proxy/internal/transport"
)

type Registry struct {
	sched    domain.Scheduler
	log      *slog.Logger
	lastConn domain.ConnID
	conns    map[domain.ConnID]*Connection
	circuits map[uuid.UUID]*Circuit
}

func NewRegistry(sched domain.Scheduler, log *slog.Logger) *Registry {
	return &Registry{
		sched:    sched,
		log:      log,
		conns:    make(map[domain.ConnID]*Connection),
		circuits: make(map[uuid.UUID]*Circuit),
	}
}

// NewCircuit takes ownership of t.
func (r *Registry) NewCircuit(t transport.Transform) *Circuit {
	id := uuid.Must(uuid.NewV4())
	c := &Circuit{
		id:        id,
		reg:       r,
		transform: t,
		log:       r.log.With("circuit", id.String()),
	}
	r.circuits[id] = c
	return c
}

// NewConnection wraps sock as a connection that will belong to circuit owner.
func (r *Registry) NewConnection(sock domain.Socket, owner *Circuit) *Connection {
	r.lastConn++
	c := &Connection{
		id:      r.lastConn,
		reg:     r,
		circuit: owner.id,
		sock:    sock,
		buf:     buffer.New(),
		log:     owner.log.With("conn", uint64(r.lastConn)),
	}
	r.conns[c.id] = c
	return c
}

func (r *Registry) Connection(id domain.ConnID) *Connection {
	return r.conns[id]
}

func (r *Registry) Circuit(id uuid.UUID) *Circuit {
	return r.circuits[id]
}

// Len reports how many live circuits and connections are held.
func (r *Registry) Len() (circuits, conns int) {
	return len(r.circuits), len(r.conns)
}
