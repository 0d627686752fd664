package transport

import "obfs-proxy/internal/buffer"

func init() {
	Register("dummy", func(Config) (Factory, error) { return dummyFactory{}, nil })
}

type dummyFactory struct{}

func (dummyFactory) Name() string { return "dummy" }

func (dummyFactory) New() Transform { return &Dummy{} }

// Dummy relays bytes unchanged in both directions.
type Dummy struct {
	Base
}

func (d *Dummy) ReceivedUpstream(b *buffer.Buffer) error {
	if b.Len() > 0 {
		d.Circuit.WriteDownstream(b.Read(buffer.All))
	}
	return nil
}

func (d *Dummy) ReceivedDownstream(b *buffer.Buffer) error {
	if b.Len() > 0 {
		d.Circuit.WriteUpstream(b.Read(buffer.All))
	}
	return nil
}
