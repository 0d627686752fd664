// Package transport defines the pluggable obfuscation contract shared by all transports.
package transport

import (
	"fmt"
	"log/slog"
	"sort"

	"obfs-proxy/internal/buffer"
	"obfs-proxy/internal/domain"
)

// Circuit is what a Transform sees of the circuit that owns it.
type Circuit interface {
	WriteUpstream(p []byte)
	WriteDownstream(p []byte)
	UpstreamBuffer() *buffer.Buffer
}

// Transform is one circuit's obfuscation engine. All methods run on the loop goroutine.
// Returning without consuming from b means the transform is waiting for more bytes.
// Any returned error tears the circuit down.
type Transform interface {
	Attach(c Circuit)
	OnConnected() error
	ReceivedUpstream(b *buffer.Buffer) error
	ReceivedDownstream(b *buffer.Buffer) error
	OnDestroyed(reason error, side domain.Side)
}

// SideChannelHandler is implemented by transforms that take per-connection
// parameters from the SOCKS username/password fields.
type SideChannelHandler interface {
	HandleSideChannelArgs(args []string) error
}

// Config is built once per listener and never mutated afterwards.
type Config struct {
	WeAreClient    bool
	SharedSecret   string
	HashIterations int
	Options        map[string]string
	Logger         *slog.Logger
}

// SharedSecretOption is the server transport option carrying the shared secret.
const SharedSecretOption = "shared-secret"

// NewConfig builds a listener's Config from its server transport options.
// The shared secret moves into SharedSecret; other keys stay in Options.
func NewConfig(weAreClient bool, hashIterations int, options map[string]string, log *slog.Logger) Config {
	cfg := Config{
		WeAreClient:    weAreClient,
		HashIterations: hashIterations,
		Logger:         log,
	}
	for k, v := range options {
		if k == SharedSecretOption {
			cfg.SharedSecret = v
			continue
		}
		if cfg.Options == nil {
			cfg.Options = make(map[string]string)
		}
		cfg.Options[k] = v
	}
	return cfg
}

func (c Config) Option(key string) (string, bool) {
	v, ok := c.Options[key]
	return v, ok
}

func (c Config) Log() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Factory creates fresh Transform instances for one listener.
type Factory interface {
	Name() string
	New() Transform
}

type SetupFunc func(cfg Config) (Factory, error)

var registry = map[string]SetupFunc{}

// Register makes a transport available by name. It is meant to be called from init.
func Register(name string, setup SetupFunc) {
	if _, dup := registry[name]; dup {
		panic("transport: duplicate registration of " + name)
	}
	registry[name] = setup
}

// Setup validates cfg for the named transport and returns its factory.
func Setup(name string, cfg Config) (Factory, error) {
	setup, ok := registry[name]
	if !ok {
		return nil, &domain.SetupError{Transport: name, Err: fmt.Errorf("unknown transport")}
	}
	f, err := setup(cfg)
	if err != nil {
		return nil, &domain.SetupError{Transport: name, Err: err}
	}
	return f, nil
}

func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Base provides the no-op parts of Transform.
type Base struct {
	Circuit Circuit
}

func (b *Base) Attach(c Circuit) { b.Circuit = c }

func (*Base) OnConnected() error { return nil }

func (*Base) OnDestroyed(error, domain.Side) {}
