package netpipefs

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Host owns the process-wide state of one NetpipeFS instance: the
// options, the open-files registry and the peer connection. It is the
// value the filesystem layer talks to.
type Host struct {
	opts Options
	log  *logrus.Entry

	registry *Registry

	mu   sync.Mutex
	conn *Conn

	shutdownOnce sync.Once
}

// NewHost builds an unconnected host. Start must run before any pipe
// operation.
func NewHost(opts Options, log *logrus.Logger) *Host {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Host{
		opts:     opts,
		log:      log.WithField("component", "netpipefs"),
		registry: NewRegistry(),
	}
}

// Options returns the host configuration.
func (h *Host) Options() Options { return h.opts }

// Registry exposes the open-files registry.
func (h *Host) Registry() *Registry { return h.registry }

// Start runs the readahead handshake on the established byte stream and
// launches the dispatcher that demultiplexes incoming frames. It returns
// once the dispatcher is running.
func (h *Host) Start(nc net.Conn) error {
	conn, err := NewConn(nc, h.opts.Readahead)
	if err != nil {
		return errors.Wrap(err, "peer handshake")
	}

	h.mu.Lock()
	if h.conn != nil {
		h.mu.Unlock()
		conn.Close()
		return errors.New("host already started")
	}
	h.conn = conn
	h.mu.Unlock()

	d := &Dispatcher{host: h, conn: conn, log: h.log.WithField("component", "dispatcher")}
	go func() {
		if err := d.Run(); err != nil {
			h.log.WithError(err).Error("dispatcher stopped")
		}
		h.Shutdown()
	}()

	h.log.WithField("remote_readahead", conn.RemoteReadahead()).Debug("peer connected")
	return nil
}

// Open returns the pipe for path opened in the given mode, creating it
// when the path was never seen. A pipe created by a failed open is
// removed again so the registry never holds an unopened orphan.
func (h *Host) Open(path string, mode Mode, nonblock bool) (*Pipe, error) {
	h.mu.Lock()
	connected := h.conn != nil
	h.mu.Unlock()
	if !connected {
		return nil, errors.New("peer connection not established")
	}

	p, justCreated := h.registry.GetOrCreate(path, func() *Pipe { return newPipe(h, path) })
	if err := p.Open(mode, nonblock); err != nil {
		if justCreated {
			h.registry.Remove(path, p)
		}
		return nil, err
	}
	return p, nil
}

// Paths lists every live pipe path.
func (h *Host) Paths() []string { return h.registry.Paths() }

// Shutdown force-exits every pipe and closes the peer connection. It is
// idempotent and safe to call from any goroutine.
func (h *Host) Shutdown() {
	h.shutdownOnce.Do(func() {
		h.log.Debug("shutting down")
		h.registry.Shutdown()
		h.mu.Lock()
		conn := h.conn
		h.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}
