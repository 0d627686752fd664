package domain

import "net/netip"

type EventType uint32

const (
	EventRead  EventType = 0x1
	EventWrite EventType = 0x4 // EPOLLOUT
)

type EventHandler interface {
	HandleEvent(fd int, event EventType) error
}

// Scheduler runs tasks on the loop goroutine, each on a later turn than the caller.
// Post is safe to call from any goroutine.
type Scheduler interface {
	Post(task func())
}

type EventLoop interface {
	Scheduler
	Register(fd int, events EventType) error
	Modify(fd int, events EventType) error
	Unregister(fd int) error
	Run(handler EventHandler) error
	Stop()
}

// Socket is the byte sink behind a Connection.
type Socket interface {
	Write(p []byte) error
	Close() error
}

type Resolver interface {
	Lookup(host string, done func(netip.Addr, error))
}
