package netpipefs

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/Domferr/netpipefs/internal/cbuf"
)

// Mode is the role a host plays on one end of a path.
type Mode uint8

const (
	// ModeRead marks the reading end of a path.
	ModeRead Mode = iota
	// ModeWrite marks the writing end of a path.
	ModeWrite
)

func (m Mode) String() string {
	if m == ModeRead {
		return "read"
	}
	return "write"
}

// MsgKind identifies a frame on the peer socket.
type MsgKind uint8

// The five frame kinds. Every frame starts with the kind, a u32 path
// length and the path itself; the payload depends on the kind. All
// integers are little-endian.
const (
	MsgOpen        MsgKind = 100 + iota // payload: mode u8
	MsgClose                            // payload: mode u8
	MsgReadRequest                      // payload: size u64, reader asks for more credit
	MsgRead                             // payload: size u64, bytes consumed by the peer
	MsgWrite                            // payload: size u64 followed by size bytes
)

func (k MsgKind) String() string {
	switch k {
	case MsgOpen:
		return "OPEN"
	case MsgClose:
		return "CLOSE"
	case MsgReadRequest:
		return "READ_REQUEST"
	case MsgRead:
		return "READ"
	case MsgWrite:
		return "WRITE"
	}
	return "UNKNOWN"
}

// maxPathLen bounds the path field of incoming frames so a corrupt
// length cannot trigger an absurd allocation.
const maxPathLen = 4096

// Conn is the framed peer connection. The inbound side is owned by the
// dispatcher through Reader; the outbound side may be used from any pipe
// but every frame is serialized by a single write mutex so concurrent
// writers cannot interleave bytes within the stream.
type Conn struct {
	nc net.Conn
	r  *bufio.Reader

	wmu sync.Mutex

	remoteReadahead int
}

// NewConn wraps an established byte stream and runs the readahead
// handshake: each side sends its configured readahead as a u64 and reads
// the peer's, which becomes the baseline credit window for every pipe.
func NewConn(nc net.Conn, localReadahead int) (*Conn, error) {
	c := &Conn{nc: nc, r: bufio.NewReader(nc)}

	sendErr := make(chan error, 1)
	go func() {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(localReadahead))
		_, err := nc.Write(buf[:])
		sendErr <- err
	}()

	var buf [8]byte
	if _, err := io.ReadFull(c.r, buf[:]); err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "handshake read")
	}
	if err := <-sendErr; err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "handshake write")
	}
	c.remoteReadahead = int(binary.LittleEndian.Uint64(buf[:]))
	return c, nil
}

// RemoteReadahead is the peer's declared receive window, the baseline
// for each pipe's credit accounting.
func (c *Conn) RemoteReadahead() int { return c.remoteReadahead }

// Reader exposes the buffered inbound side. Only the dispatcher (and the
// pipe Recv callback it drives) may read from it.
func (c *Conn) Reader() *bufio.Reader { return c.r }

// Close tears down the underlying stream, unblocking the dispatcher.
func (c *Conn) Close() error { return c.nc.Close() }

// ReadHeader decodes the next frame's kind and path.
func (c *Conn) ReadHeader() (MsgKind, string, error) {
	var kind [1]byte
	if _, err := io.ReadFull(c.r, kind[:]); err != nil {
		return 0, "", err
	}
	var lenbuf [4]byte
	if _, err := io.ReadFull(c.r, lenbuf[:]); err != nil {
		return 0, "", err
	}
	pathLen := binary.LittleEndian.Uint32(lenbuf[:])
	if pathLen == 0 || pathLen > maxPathLen {
		return 0, "", errors.Wrapf(ErrProtocol, "path length %d", pathLen)
	}
	path := make([]byte, pathLen)
	if _, err := io.ReadFull(c.r, path); err != nil {
		return 0, "", err
	}
	return MsgKind(kind[0]), string(path), nil
}

// ReadMode decodes the mode payload of an OPEN or CLOSE frame.
func (c *Conn) ReadMode() (Mode, error) {
	var buf [1]byte
	if _, err := io.ReadFull(c.r, buf[:]); err != nil {
		return 0, err
	}
	if buf[0] > uint8(ModeWrite) {
		return 0, errors.Wrapf(ErrProtocol, "open mode %d", buf[0])
	}
	return Mode(buf[0]), nil
}

// ReadSize decodes the u64 payload of a READ, READ_REQUEST or WRITE frame.
func (c *Conn) ReadSize() (int, error) {
	var buf [8]byte
	if _, err := io.ReadFull(c.r, buf[:]); err != nil {
		return 0, err
	}
	return int(binary.LittleEndian.Uint64(buf[:])), nil
}

func appendHeader(dst []byte, kind MsgKind, path string) []byte {
	dst = append(dst, byte(kind))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(path)))
	return append(dst, path...)
}

// SendOpen announces a local open of path in the given mode.
func (c *Conn) SendOpen(path string, mode Mode) error {
	return c.sendModeFrame(MsgOpen, path, mode)
}

// SendClose announces a local close of path in the given mode.
func (c *Conn) SendClose(path string, mode Mode) error {
	return c.sendModeFrame(MsgClose, path, mode)
}

func (c *Conn) sendModeFrame(kind MsgKind, path string, mode Mode) error {
	buf := appendHeader(make([]byte, 0, 16+len(path)), kind, path)
	buf = append(buf, byte(mode))

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.nc.Write(buf)
	return errors.Wrapf(err, "send %s", kind)
}

// SendRead acknowledges that size bytes were consumed, returning credit
// to the remote writer.
func (c *Conn) SendRead(path string, size int) error {
	return c.sendSizeFrame(MsgRead, path, size)
}

// SendReadRequest asks the peer to grow its send window by size bytes on
// behalf of a blocked reader.
func (c *Conn) SendReadRequest(path string, size int) error {
	return c.sendSizeFrame(MsgReadRequest, path, size)
}

func (c *Conn) sendSizeFrame(kind MsgKind, path string, size int) error {
	buf := appendHeader(make([]byte, 0, 16+len(path)), kind, path)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(size))

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.nc.Write(buf)
	return errors.Wrapf(err, "send %s", kind)
}

// SendWrite emits one WRITE frame carrying p. Header and payload go out
// under a single mutex hold so frames from other pipes cannot interleave.
func (c *Conn) SendWrite(path string, p []byte) (int, error) {
	buf := appendHeader(make([]byte, 0, 16+len(path)), MsgWrite, path)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(p)))

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.nc.Write(buf); err != nil {
		return 0, errors.Wrap(err, "send WRITE header")
	}
	n, err := c.nc.Write(p)
	return n, errors.Wrap(err, "send WRITE payload")
}

// SendFlush emits one WRITE frame whose payload is the oldest size bytes
// of buf, written straight from the ring's storage. The bytes are
// discarded from the ring only once fully written.
func (c *Conn) SendFlush(path string, buf *cbuf.Buffer, size int) (int, error) {
	hdr := appendHeader(make([]byte, 0, 16+len(path)), MsgWrite, path)
	hdr = binary.LittleEndian.AppendUint64(hdr, uint64(size))

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.nc.Write(hdr); err != nil {
		return 0, errors.Wrap(err, "send WRITE header")
	}
	sent := 0
	for _, region := range buf.Occupied(size) {
		n, err := c.nc.Write(region)
		sent += n
		if err != nil {
			buf.Discard(sent)
			return sent, errors.Wrap(err, "send WRITE payload")
		}
	}
	buf.Discard(sent)
	return sent, nil
}
