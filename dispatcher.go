package netpipefs

import (
	"io"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Dispatcher is the single goroutine owning the read half of the peer
// socket. It decodes frames sequentially and drives the addressed pipe;
// it never emits frames itself, except indirectly through pipe methods.
type Dispatcher struct {
	host *Host
	conn *Conn
	log  *logrus.Entry
}

// Run loops until the peer closes the stream or an unrecoverable error
// occurs. A frame for an unknown path is a protocol error: it is logged,
// its payload discarded, and the loop continues.
func (d *Dispatcher) Run() error {
	for {
		kind, path, err := d.conn.ReadHeader()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
				errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				d.log.Debug("peer connection closed")
				return nil
			}
			return errors.Wrap(err, "read frame header")
		}

		switch kind {
		case MsgOpen, MsgClose:
			mode, err := d.conn.ReadMode()
			if err != nil {
				return errors.Wrapf(err, "read %s payload", kind)
			}
			if kind == MsgOpen {
				p, _ := d.host.registry.GetOrCreate(path, func() *Pipe {
					return newPipe(d.host, path)
				})
				p.OpenUpdate(mode)
			} else if p := d.lookup(kind, path); p != nil {
				p.CloseUpdate(mode)
			}

		case MsgReadRequest, MsgRead:
			size, err := d.conn.ReadSize()
			if err != nil {
				return errors.Wrapf(err, "read %s payload", kind)
			}
			p := d.lookup(kind, path)
			if p == nil {
				continue
			}
			if kind == MsgReadRequest {
				err = p.ReadRequest(size)
			} else {
				err = p.ReadUpdate(size)
			}
			if err != nil {
				return errors.Wrapf(err, "handle %s", kind)
			}

		case MsgWrite:
			size, err := d.conn.ReadSize()
			if err != nil {
				return errors.Wrap(err, "read WRITE payload size")
			}
			p := d.lookup(kind, path)
			if p == nil {
				// The payload still occupies the stream up to the next
				// frame boundary.
				if _, err := io.CopyN(io.Discard, d.conn.Reader(), int64(size)); err != nil {
					return errors.Wrap(err, "discard WRITE payload")
				}
				continue
			}
			if err := p.Recv(d.conn.Reader(), size); err != nil {
				return errors.Wrap(err, "handle WRITE")
			}

		default:
			// An unknown kind leaves the stream position undefined;
			// there is no way to resynchronize.
			return errors.Wrapf(ErrProtocol, "unknown frame kind %d", kind)
		}
	}
}

// lookup resolves path strictly; a miss is a protocol error that is
// logged and survived.
func (d *Dispatcher) lookup(kind MsgKind, path string) *Pipe {
	p := d.host.registry.Get(path)
	if p == nil {
		d.log.WithFields(logrus.Fields{"kind": kind.String(), "path": path}).
			Error("frame for unknown path")
	}
	return p
}
