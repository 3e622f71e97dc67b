package netpipefs

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Domferr/netpipefs/internal/cbuf"
)

const notOpen = -1

// PollHandle is an opaque token held by the host's poll layer. A handle
// is consumed exactly once: either Notify fires when the pipe's readiness
// changes, or Destroy releases it during teardown.
type PollHandle interface {
	Notify()
	Destroy()
}

// request is one blocked read or write. The done channel is closed
// exactly once, under the pipe lock, when the request completes, fails,
// or the pipe force-exits; the originating goroutine owns the request and
// unlinks it from the queue before returning.
type request struct {
	buf       []byte
	processed int
	err       error
	done      chan struct{}
	signalled bool
	next      *request
}

func (r *request) remaining() []byte { return r.buf[r.processed:] }

// Pipe is the per-path state machine. One exists for every path that has
// a reader or writer on either host, or bytes still in flight; all fields
// below mu are guarded by it.
type Pipe struct {
	path string
	host *Host
	log  *logrus.Entry

	mu           sync.Mutex
	canOpen      *sync.Cond // pairing: both sides have a participant
	closeDrained *sync.Cond // last writer waits for the ring to flush

	openMode int // notOpen, or int(ModeRead) / int(ModeWrite)

	localReaders  int
	localWriters  int
	remoteReaders int
	remoteWriters int

	buffer         *cbuf.Buffer
	remoteMax      int // bytes the peer is willing to accept
	remoteInFlight int // bytes sent but not yet acknowledged

	reqHead *request
	reqTail *request

	pollHandles []PollHandle

	forceExit bool
	detached  bool
}

func newPipe(host *Host, path string) *Pipe {
	p := &Pipe{
		path:     path,
		host:     host,
		log:      host.log.WithField("path", path),
		openMode: notOpen,
		buffer:   cbuf.New(0),
	}
	p.canOpen = sync.NewCond(&p.mu)
	p.closeDrained = sync.NewCond(&p.mu)
	if host.conn != nil {
		p.remoteMax = host.conn.RemoteReadahead()
	}
	return p
}

// Path returns the registry key of this pipe.
func (p *Pipe) Path() string { return p.path }

func (p *Pipe) readers() int { return p.localReaders + p.remoteReaders }
func (p *Pipe) writers() int { return p.localWriters + p.remoteWriters }

// availableRemote is how many bytes may still be sent before the peer
// must acknowledge.
func (p *Pipe) availableRemote() int { return p.remoteMax - p.remoteInFlight }

// enqueue appends a request for the unprocessed part of buf.
func (p *Pipe) enqueue(buf []byte) *request {
	req := &request{buf: buf, done: make(chan struct{})}
	if p.reqTail != nil {
		p.reqTail.next = req
	}
	p.reqTail = req
	if p.reqHead == nil {
		p.reqHead = req
	}
	return req
}

// complete closes the request's done channel once.
func (p *Pipe) complete(req *request) {
	if !req.signalled {
		req.signalled = true
		close(req.done)
	}
}

// dequeueHead pops the queue's first request.
func (p *Pipe) dequeueHead() {
	if p.reqHead == nil {
		return
	}
	p.reqHead = p.reqHead.next
	if p.reqHead == nil {
		p.reqTail = nil
	}
}

// unlink removes req from the queue wherever it sits. Waiters call it
// after waking so a request never outlives its owner.
func (p *Pipe) unlink(req *request) {
	var prev *request
	for cur := p.reqHead; cur != nil; cur = cur.next {
		if cur == req {
			if prev == nil {
				p.reqHead = cur.next
			} else {
				prev.next = cur.next
			}
			if p.reqTail == cur {
				p.reqTail = prev
			}
			req.next = nil
			return
		}
		prev = cur
	}
}

// wait blocks on req until it completes, fails or the pipe force-exits.
// The pipe lock is released for the duration of the wait.
func (p *Pipe) wait(req *request) {
	p.mu.Unlock()
	<-req.done
	p.mu.Lock()
}

// sizeBuffer gives the ring its fixed capacity on first pairing.
// Readers buffer readahead bytes, writers buffer writeahead bytes.
func (p *Pipe) sizeBuffer(localMode Mode) {
	if p.buffer.Cap() != 0 {
		return
	}
	capacity := p.host.opts.Writeahead
	if localMode == ModeRead {
		capacity = p.host.opts.Readahead
	}
	if capacity > 0 {
		p.buffer = cbuf.New(capacity)
	}
}

// Open registers a local open of the pipe and blocks until the path is
// paired: at least one reader and one writer across both hosts. With
// nonblock set it fails with ErrWouldBlock instead of waiting.
func (p *Pipe) Open(mode Mode, nonblock bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.forceExit {
		return ErrGone
	}
	if p.openMode != notOpen && p.openMode != int(mode) {
		return ErrRoleConflict
	}

	if mode == ModeRead {
		p.localReaders++
	} else {
		p.localWriters++
	}
	p.openMode = int(mode)
	p.sizeBuffer(mode)

	p.canOpen.Broadcast()

	// Refuse before the OPEN frame goes out, so the peer never counts a
	// participant that immediately backed off.
	if nonblock && (p.readers() == 0 || p.writers() == 0) {
		p.undoOpen(mode)
		return ErrWouldBlock
	}

	if err := p.host.conn.SendOpen(p.path, mode); err != nil {
		p.undoOpen(mode)
		return p.transportErr(err)
	}

	for !p.forceExit && (p.readers() == 0 || p.writers() == 0) {
		p.canOpen.Wait()
	}
	if p.forceExit {
		p.undoOpen(mode)
		return ErrGone
	}

	p.log.WithField("mode", mode).Debug("open paired")
	return nil
}

func (p *Pipe) undoOpen(mode Mode) {
	if mode == ModeRead {
		p.localReaders--
		if p.localReaders == 0 {
			p.openMode = notOpen
		}
	} else {
		p.localWriters--
		if p.localWriters == 0 {
			p.openMode = notOpen
		}
	}
}

// OpenUpdate is driven by the dispatcher when the peer announces an
// open. It adjusts the remote counts, sizes the ring on first pairing
// (a remote writer implies this side reads, and vice versa) and wakes
// blocked openers.
func (p *Pipe) OpenUpdate(mode Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if mode == ModeRead {
		p.remoteReaders++
		p.sizeBuffer(ModeWrite)
	} else {
		p.remoteWriters++
		p.sizeBuffer(ModeRead)
	}
	p.canOpen.Broadcast()
}

// Send transmits buf to the remote reader. As much as the peer's credit
// allows goes out immediately; the rest is staged in the writeahead ring
// or parked on a blocked request until credit returns. It reports how
// many bytes were accepted.
func (p *Pipe) Send(buf []byte, nonblock bool) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.forceExit || p.readers() == 0 {
		return 0, ErrBrokenPipe
	}
	if len(buf) == 0 {
		return 0, nil
	}

	sent := 0
	remaining := buf

	// Fast path: credit available and nothing staged ahead in the ring.
	if p.availableRemote() > 0 && (p.buffer.Empty() || p.buffer.Cap() == 0) {
		n := len(remaining)
		if n > p.availableRemote() {
			n = p.availableRemote()
		}
		wrote, err := p.host.conn.SendWrite(p.path, remaining[:n])
		if err != nil {
			return 0, p.transportErr(err)
		}
		p.remoteInFlight += wrote
		sent += wrote
		remaining = remaining[wrote:]
		p.log.WithField("bytes", wrote).Debug("send")
	}

	if len(remaining) > 0 {
		n := p.buffer.Put(remaining)
		if n > 0 {
			p.log.WithField("bytes", n).Debug("writeahead")
		}
		sent += n
		remaining = remaining[n:]
	}

	if len(remaining) == 0 || nonblock {
		if sent == 0 {
			return 0, ErrWouldBlock
		}
		return sent, nil
	}

	req := p.enqueue(remaining)
	p.wait(req)
	p.unlink(req)

	sent += req.processed
	if sent == 0 {
		if req.err != nil {
			return 0, req.err
		}
		return 0, ErrBrokenPipe
	}
	return sent, nil
}

// Read fills buf from the readahead ring, acknowledging every byte so
// drained, and blocks on a queued request for the remainder while remote
// writers exist. A return of (0, nil) is clean end of stream.
func (p *Pipe) Read(buf []byte, nonblock bool) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.forceExit {
		return 0, ErrBrokenPipe
	}
	if len(buf) == 0 {
		return 0, nil
	}

	read := p.buffer.Get(buf)
	if read > 0 {
		p.log.WithField("bytes", read).Debug("buffered read")
		if err := p.host.conn.SendRead(p.path, read); err != nil {
			p.transportErr(err)
			return read, nil
		}
	}
	if read == len(buf) || nonblock {
		if read == 0 {
			return 0, ErrWouldBlock
		}
		return read, nil
	}

	if p.writers() == 0 {
		return read, nil // end of stream
	}

	req := p.enqueue(buf[read:])
	if err := p.host.conn.SendReadRequest(p.path, len(buf)-read); err != nil {
		p.unlink(req)
		err = p.transportErr(err)
		if read == 0 {
			return 0, err
		}
		return read, nil
	}
	p.wait(req)
	p.unlink(req)

	read += req.processed
	if read == 0 {
		if req.err != nil && req.err != ErrBrokenPipe {
			return 0, req.err
		}
		if p.forceExit {
			return 0, ErrBrokenPipe
		}
		// The writers left while we waited: end of stream.
		return 0, nil
	}
	return read, nil
}

// Recv is the dispatcher callback for an incoming WRITE frame of the
// given payload size, not yet consumed from r. Pending read requests are
// fed first (from ring leftovers, then straight off the socket); what
// remains is parked in the readahead ring. The whole payload is always
// consumed, and one READ acknowledgement covers every byte delivered to
// a request.
func (p *Pipe) Recv(r io.Reader, size int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delivered := 0

	// Leftovers from earlier frames sit in front of the new payload.
	req := p.reqHead
	for req != nil && !p.buffer.Empty() {
		n := p.buffer.Get(req.remaining())
		if n == 0 {
			break
		}
		delivered += n
		req.processed += n
		p.log.WithField("bytes", n).Debug("buffered read")
		if req.processed == len(req.buf) {
			p.complete(req)
			p.dequeueHead()
			req = p.reqHead
		}
	}

	remaining := size
	for req != nil && p.buffer.Empty() && remaining > 0 {
		chunk := req.remaining()
		if len(chunk) > remaining {
			chunk = chunk[:remaining]
		}
		n, err := io.ReadFull(r, chunk)
		delivered += n
		req.processed += n
		remaining -= n
		if err != nil {
			return err
		}
		p.log.WithField("bytes", n).Debug("read")
		if req.processed == len(req.buf) {
			p.complete(req)
			p.dequeueHead()
			req = p.reqHead
		}
	}

	if remaining > 0 {
		n, err := p.buffer.ReadFrom(r, remaining)
		remaining -= n
		if err != nil {
			return err
		}
		if n > 0 {
			p.log.WithField("bytes", n).Debug("readahead")
		}
	}
	if remaining > 0 {
		// The peer overran our advertised window. The frame boundary
		// must still be honoured, so swallow the excess.
		p.log.WithField("bytes", remaining).Error("payload exceeds readahead window")
		if _, err := io.CopyN(io.Discard, r, int64(remaining)); err != nil {
			return err
		}
	}

	if delivered > 0 {
		if err := p.host.conn.SendRead(p.path, delivered); err != nil {
			return err
		}
	}

	p.notifyPolls()
	return nil
}

// ReadRequest is the dispatcher callback for a peer reader asking for
// size more bytes of credit.
func (p *Pipe) ReadRequest(size int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.remoteMax += size
	err := p.drainOutbox()
	p.notifyPolls()
	return err
}

// ReadUpdate is the dispatcher callback for a peer acknowledgement of
// size consumed bytes. Credit returns to the window, which decays back
// toward the handshake baseline.
func (p *Pipe) ReadUpdate(size int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.remoteMax -= size
	if p.remoteMax < p.host.conn.RemoteReadahead() {
		p.remoteMax = p.host.conn.RemoteReadahead()
	}
	p.remoteInFlight -= size
	if p.remoteInFlight < 0 {
		p.remoteInFlight = 0
	}
	err := p.drainOutbox()
	p.notifyPolls()
	return err
}

// drainOutbox moves staged bytes toward the peer while credit lasts:
// first the writeahead ring, then queued write requests, finally
// backfilling the ring from whatever requests remain.
func (p *Pipe) drainOutbox() error {
	flush := p.buffer.Len()
	if flush > p.availableRemote() {
		flush = p.availableRemote()
	}
	if flush > 0 {
		n, err := p.host.conn.SendFlush(p.path, p.buffer, flush)
		if err != nil {
			return p.transportErr(err)
		}
		p.remoteInFlight += n
		p.log.WithField("bytes", n).Debug("flush")
		if p.localWriters == 0 {
			p.closeDrained.Broadcast()
		}
	}

	for p.availableRemote() > 0 && p.reqHead != nil {
		req := p.reqHead
		chunk := req.remaining()
		if len(chunk) > p.availableRemote() {
			chunk = chunk[:p.availableRemote()]
		}
		n, err := p.host.conn.SendWrite(p.path, chunk)
		if err != nil {
			req.err = p.transportErr(err)
			p.complete(req)
			p.dequeueHead()
			return req.err
		}
		p.remoteInFlight += n
		req.processed += n
		p.log.WithField("bytes", n).Debug("send")
		if req.processed == len(req.buf) {
			p.complete(req)
			p.dequeueHead()
		}
	}

	for p.reqHead != nil && !p.buffer.Full() && p.buffer.Cap() > 0 {
		req := p.reqHead
		n := p.buffer.Put(req.remaining())
		if n == 0 {
			break
		}
		req.processed += n
		p.log.WithField("bytes", n).Debug("writeahead")
		if req.processed == len(req.buf) {
			p.complete(req)
			p.dequeueHead()
		}
	}
	return nil
}

// Poll attaches ph to the pipe and returns the current readiness bits.
// The handle is consumed by the next notification or by teardown.
func (p *Pipe) Poll(ph PollHandle) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pollHandles = append(p.pollHandles, ph)

	var revents uint32
	switch {
	case p.forceExit:
		revents |= uint32(unix.POLLHUP) | uint32(unix.POLLERR)
	case p.openMode == int(ModeRead):
		if !p.buffer.Empty() || p.writers() > 0 {
			revents |= uint32(unix.POLLIN)
		} else if p.writers() == 0 {
			revents |= uint32(unix.POLLHUP)
		}
	default:
		if p.readers() == 0 {
			revents |= uint32(unix.POLLERR)
		} else if p.availableRemote()+(p.buffer.Cap()-p.buffer.Len()) > 0 {
			revents |= uint32(unix.POLLOUT)
		}
	}
	return revents
}

// notifyPolls fires and consumes every attached poll handle.
func (p *Pipe) notifyPolls() {
	for _, ph := range p.pollHandles {
		ph.Notify()
	}
	p.pollHandles = nil
}

// Close unregisters a local open. The last writer first flushes the
// writeahead ring and waits for the peer to drain it; the pipe leaves
// the registry once no participant remains and nothing is in flight.
func (p *Pipe) Close(mode Mode) error {
	p.mu.Lock()

	if p.openMode != int(mode) {
		p.mu.Unlock()
		return ErrNotOpened
	}

	if mode == ModeWrite {
		p.localWriters--
		if !p.forceExit && p.localWriters == 0 && p.readers() > 0 && !p.buffer.Empty() {
			if err := p.drainOutbox(); err == nil {
				for !p.forceExit && p.readers() > 0 && !p.buffer.Empty() {
					p.closeDrained.Wait()
				}
			}
		}
		if p.localWriters == 0 {
			p.openMode = notOpen
		}
	} else {
		p.localReaders--
		if p.localReaders == 0 {
			p.openMode = notOpen
		}
	}

	err := p.host.conn.SendClose(p.path, mode)
	if err != nil {
		err = p.transportErr(err)
	}

	p.notifyPolls()
	p.teardownLocked()
	return err
}

// CloseUpdate is the dispatcher callback for a peer close. When the
// remote side empties, every queued request fails with a broken pipe; a
// departing remote reader also resets the credit window to baseline.
func (p *Pipe) CloseUpdate(mode Mode) {
	p.mu.Lock()

	if mode == ModeWrite {
		p.remoteWriters--
		if p.writers() == 0 {
			p.failRequests(ErrBrokenPipe)
		}
	} else {
		p.remoteReaders--
		if p.readers() == 0 {
			p.remoteInFlight = 0
			p.remoteMax = p.host.conn.RemoteReadahead()
			p.failRequests(ErrBrokenPipe)
		}
	}

	p.notifyPolls()
	p.teardownLocked()
}

// failRequests completes every queued request with err and clears the
// queue. Waiters unlink themselves on wake.
func (p *Pipe) failRequests(err error) {
	for req := p.reqHead; req != nil; req = req.next {
		req.err = err
		p.complete(req)
	}
	p.reqHead = nil
	p.reqTail = nil
}

// teardownLocked removes the pipe from the registry when nothing keeps
// it alive. It consumes the pipe lock: callers must not touch p after.
func (p *Pipe) teardownLocked() {
	remove := !p.detached && p.readers() == 0 && p.writers() == 0 && p.remoteInFlight == 0
	if remove {
		p.detached = true
	}
	leftover := p.pollHandles
	if remove {
		p.pollHandles = nil
	}
	p.mu.Unlock()

	// The registry lock is taken only after the pipe lock is dropped.
	if remove {
		p.host.registry.Remove(p.path, p)
		for _, ph := range leftover {
			ph.Destroy()
		}
		p.log.Debug("pipe removed")
	}
}

// ForceExit sticks the terminal flag and wakes everything: openers,
// draining closers, queued requests and poll handles. Later opens fail
// with ErrGone; later sends and reads fail with ErrBrokenPipe.
func (p *Pipe) ForceExit() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.forceExit = true
	p.canOpen.Broadcast()
	p.closeDrained.Broadcast()
	for req := p.reqHead; req != nil; req = req.next {
		p.complete(req)
	}
	p.notifyPolls()
}

// transportErr wraps a socket failure: it is reported to the current
// operation and tears down every pipe, since the shared stream is gone.
func (p *Pipe) transportErr(err error) error {
	go p.host.Shutdown()
	return err
}
