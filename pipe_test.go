package netpipefs

import (
	"bytes"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func aheadOpts(readahead, writeahead int) Options {
	opts := DefaultOptions()
	opts.Host = "localhost"
	opts.Readahead = readahead
	opts.Writeahead = writeahead
	return opts
}

// tcpPair returns two connected loopback endpoints. The kernel socket
// buffers match the deployed transport, unlike a rendezvous net.Pipe.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	accepted, err := ln.Accept()
	require.NoError(t, err)
	return dialed, accepted
}

// testHosts wires two hosts together as two netpipefs instances on
// separate machines would be.
func testHosts(t *testing.T, optsA, optsB Options) (*Host, *Host) {
	t.Helper()
	na, nb := tcpPair(t)

	ha := NewHost(optsA, quietLogger())
	hb := NewHost(optsB, quietLogger())

	var g errgroup.Group
	g.Go(func() error { return ha.Start(na) })
	g.Go(func() error { return hb.Start(nb) })
	require.NoError(t, g.Wait())

	t.Cleanup(func() {
		ha.Shutdown()
		hb.Shutdown()
	})
	return ha, hb
}

// openPair opens path for writing on wh and reading on rh, returning
// once both blocking opens have paired.
func openPair(t *testing.T, wh, rh *Host, path string) (wp, rp *Pipe) {
	t.Helper()
	var g errgroup.Group
	g.Go(func() (err error) {
		wp, err = wh.Open(path, ModeWrite, false)
		return err
	})
	g.Go(func() (err error) {
		rp, err = rh.Open(path, ModeRead, false)
		return err
	})
	require.NoError(t, g.Wait())
	return wp, rp
}

// White-box peeks used by the tests below.

func (p *Pipe) counts() (lr, lw, rr, rw int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localReaders, p.localWriters, p.remoteReaders, p.remoteWriters
}

func (p *Pipe) flight() (inFlight, max int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteInFlight, p.remoteMax
}

func (p *Pipe) queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for req := p.reqHead; req != nil; req = req.next {
		n++
	}
	return n
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond, msg)
}

func TestRoundTrip(t *testing.T) {
	ha, hb := testHosts(t, aheadOpts(4096, 4096), aheadOpts(4096, 4096))
	wp, rp := openPair(t, ha, hb, "/x")

	// Pairing completeness: each side sees one local and one remote
	// participant at the moment open returns.
	lr, lw, rr, rw := wp.counts()
	assert.Equal(t, [4]int{0, 1, 1, 0}, [4]int{lr, lw, rr, rw})
	lr, lw, rr, rw = rp.counts()
	assert.Equal(t, [4]int{1, 0, 0, 1}, [4]int{lr, lw, rr, rw})

	n, err := wp.Send([]byte("hello"), false)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = rp.Read(buf, false)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))

	require.NoError(t, rp.Close(ModeRead))
	require.NoError(t, wp.Close(ModeWrite))

	// Teardown closure: both registries end up empty.
	eventually(t, func() bool { return ha.Registry().Len() == 0 }, "host A registry not empty")
	eventually(t, func() bool { return hb.Registry().Len() == 0 }, "host B registry not empty")
}

func TestWriteaheadMasksMissingCredit(t *testing.T) {
	// The reader side grants no credit at all, so everything the writer
	// manages to stage must come from its writeahead ring.
	ha, hb := testHosts(t, aheadOpts(0, 64), aheadOpts(0, 0))
	wp, rp := openPair(t, ha, hb, "/w")

	payload := []byte("0123456789abcdef0123456789abcdef")
	n, err := wp.Send(payload, false)
	require.NoError(t, err)
	assert.Equal(t, 32, n)

	inFlight, _ := wp.flight()
	assert.Equal(t, 0, inFlight) // nothing left the host yet

	got := make([]byte, 32)
	n, err = rp.Read(got, false)
	require.NoError(t, err)
	assert.Equal(t, 32, n)
	assert.Equal(t, payload, got)
}

func TestCreditBackpressure(t *testing.T) {
	// Writer has no writeahead; reader advertises a 16 byte window. A
	// 40 byte write can only finish after the reader consumed enough
	// for the acknowledgements to replenish credit.
	ha, hb := testHosts(t, aheadOpts(0, 0), aheadOpts(16, 0))
	wp, rp := openPair(t, ha, hb, "/bp")

	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	done := make(chan int, 1)
	go func() {
		n, err := wp.Send(payload, false)
		assert.NoError(t, err)
		done <- n
	}()

	time.Sleep(150 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("write completed before the reader consumed anything")
	default:
	}

	got := make([]byte, 40)
	n, err := rp.Read(got[:24], false)
	require.NoError(t, err)
	require.Equal(t, 24, n)

	assert.Equal(t, 40, <-done)

	n, err = rp.Read(got[24:], false)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	assert.Equal(t, payload, got)

	// Credit conservation: every byte sent was acknowledged.
	eventually(t, func() bool {
		inFlight, max := wp.flight()
		return inFlight == 0 && max == 16
	}, "in-flight bytes not acknowledged")
}

func TestBrokenPipeOnReaderExit(t *testing.T) {
	ha, hb := testHosts(t, aheadOpts(0, 0), aheadOpts(16, 0))
	wp, rp := openPair(t, ha, hb, "/rexit")

	require.NoError(t, rp.Close(ModeRead))

	eventually(t, func() bool {
		_, _, rr, _ := wp.counts()
		return rr == 0
	}, "writer never observed the CLOSE")

	n, err := wp.Send([]byte("doomed"), false)
	assert.ErrorIs(t, err, ErrBrokenPipe)
	assert.Equal(t, 0, n)
}

func TestEOFOnWriterExit(t *testing.T) {
	ha, hb := testHosts(t, aheadOpts(0, 0), aheadOpts(4096, 0))
	wp, rp := openPair(t, ha, hb, "/eof")

	n, err := wp.Send([]byte("abc"), false)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, wp.Close(ModeWrite))

	buf := make([]byte, 16)
	n, err = rp.Read(buf, false)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "abc", string(buf[:3]))

	eventually(t, func() bool {
		_, _, _, rw := rp.counts()
		return rw == 0
	}, "reader never observed the CLOSE")

	// Clean end of stream, not an error.
	n, err = rp.Read(buf, false)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRoleConflict(t *testing.T) {
	ha, hb := testHosts(t, aheadOpts(4096, 4096), aheadOpts(4096, 4096))

	opened := make(chan *Pipe, 1)
	go func() {
		p, err := ha.Open("/y", ModeWrite, false)
		assert.NoError(t, err)
		opened <- p
	}()

	eventually(t, func() bool {
		p := ha.Registry().Get("/y")
		if p == nil {
			return false
		}
		_, lw, _, _ := p.counts()
		return lw == 1
	}, "first writer never registered")

	_, err := ha.Open("/y", ModeRead, false)
	assert.ErrorIs(t, err, ErrRoleConflict)

	// Pair the path so the blocked writer completes, then pile on a
	// second writer, which is legal.
	rp, err := hb.Open("/y", ModeRead, false)
	require.NoError(t, err)
	wp := <-opened

	wp2, err := ha.Open("/y", ModeWrite, false)
	require.NoError(t, err)

	require.NoError(t, wp2.Close(ModeWrite))
	require.NoError(t, wp.Close(ModeWrite))
	require.NoError(t, rp.Close(ModeRead))
}

func TestNonblockOpenWithoutPeer(t *testing.T) {
	ha, _ := testHosts(t, aheadOpts(4096, 4096), aheadOpts(4096, 4096))

	_, err := ha.Open("/nb", ModeWrite, true)
	assert.ErrorIs(t, err, ErrWouldBlock)

	// The failed open leaves no orphan behind.
	assert.Equal(t, 0, ha.Registry().Len())
}

func TestNonblockReadAndWrite(t *testing.T) {
	ha, hb := testHosts(t, aheadOpts(0, 0), aheadOpts(0, 0))
	wp, rp := openPair(t, ha, hb, "/nb2")

	// No data buffered: a nonblocking read cannot make progress.
	n, err := rp.Read(make([]byte, 4), true)
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.Equal(t, 0, n)

	// No credit and no writeahead: neither can a nonblocking write.
	n, err = wp.Send([]byte("stuck"), true)
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.Equal(t, 0, n)
}

func TestCloseFlushesWriteahead(t *testing.T) {
	ha, hb := testHosts(t, aheadOpts(0, 64), aheadOpts(0, 0))
	wp, rp := openPair(t, ha, hb, "/drain")

	payload := bytes.Repeat([]byte("fg"), 16)
	n, err := wp.Send(payload, false)
	require.NoError(t, err)
	require.Equal(t, 32, n)

	closed := make(chan error, 1)
	go func() { closed <- wp.Close(ModeWrite) }()

	// The last writer must not leave while staged bytes remain.
	time.Sleep(150 * time.Millisecond)
	select {
	case <-closed:
		t.Fatal("close returned with bytes still staged")
	default:
	}

	got := make([]byte, 32)
	n, err = rp.Read(got, false)
	require.NoError(t, err)
	require.Equal(t, 32, n)
	assert.Equal(t, payload, got)

	require.NoError(t, <-closed)
	require.NoError(t, rp.Close(ModeRead))

	eventually(t, func() bool { return ha.Registry().Len() == 0 && hb.Registry().Len() == 0 },
		"registries not empty after teardown")
}

func TestForceExitUnblocksRequests(t *testing.T) {
	ha, hb := testHosts(t, aheadOpts(0, 0), aheadOpts(0, 0))
	// Separate paths: a blocked reader on the writer's path would grant
	// credit and release it.
	wp, _ := openPair(t, ha, hb, "/fw")
	_, rp := openPair(t, ha, hb, "/fr")

	sendDone := make(chan error, 1)
	go func() {
		_, err := wp.Send([]byte("never leaves"), false)
		sendDone <- err
	}()
	readDone := make(chan error, 1)
	go func() {
		_, err := rp.Read(make([]byte, 8), false)
		readDone <- err
	}()

	eventually(t, func() bool { return wp.queued() == 1 }, "write request never queued")
	eventually(t, func() bool { return rp.queued() == 1 }, "read request never queued")

	ha.Shutdown()
	hb.Shutdown()

	assert.ErrorIs(t, <-sendDone, ErrBrokenPipe)
	assert.ErrorIs(t, <-readDone, ErrBrokenPipe)

	// No orphan requests: the waiters unlinked themselves on the way out.
	assert.Equal(t, 0, wp.queued())
	assert.Equal(t, 0, rp.queued())
}

func TestForceExitUnblocksOpen(t *testing.T) {
	ha, _ := testHosts(t, aheadOpts(4096, 4096), aheadOpts(4096, 4096))

	done := make(chan error, 1)
	go func() {
		_, err := ha.Open("/never", ModeWrite, false)
		done <- err
	}()

	eventually(t, func() bool { return ha.Registry().Get("/never") != nil }, "open never registered")
	ha.Shutdown()

	assert.ErrorIs(t, <-done, ErrGone)
}

type testPollHandle struct {
	notified  atomic.Int32
	destroyed atomic.Int32
}

func (h *testPollHandle) Notify()  { h.notified.Add(1) }
func (h *testPollHandle) Destroy() { h.destroyed.Add(1) }

func TestPollReadiness(t *testing.T) {
	ha, hb := testHosts(t, aheadOpts(4096, 4096), aheadOpts(4096, 4096))
	wp, rp := openPair(t, ha, hb, "/poll")

	// A reader with live writers is readable; a writer with credit is
	// writable.
	readHandle := &testPollHandle{}
	assert.Equal(t, uint32(unix.POLLIN), rp.Poll(readHandle))
	writeHandle := &testPollHandle{}
	assert.Equal(t, uint32(unix.POLLOUT), wp.Poll(writeHandle))

	// Incoming data fires the reader's poll handle.
	_, err := wp.Send([]byte("ping"), false)
	require.NoError(t, err)
	eventually(t, func() bool { return readHandle.notified.Load() == 1 }, "poll handle never notified")

	// A departing reader turns the writer's end into an error.
	require.NoError(t, rp.Close(ModeRead))
	eventually(t, func() bool { return writeHandle.notified.Load() == 1 }, "writer poll handle never notified")
	assert.Equal(t, uint32(unix.POLLERR), wp.Poll(&testPollHandle{}))

	ha.Shutdown()
	revents := wp.Poll(&testPollHandle{})
	assert.Equal(t, uint32(unix.POLLHUP)|uint32(unix.POLLERR), revents)
}

func TestReopenAfterClose(t *testing.T) {
	ha, hb := testHosts(t, aheadOpts(16, 0), aheadOpts(16, 0))

	for round := 0; round < 2; round++ {
		wp, rp := openPair(t, ha, hb, "/again")

		msg := []byte("round trip")
		n, err := wp.Send(msg, false)
		require.NoError(t, err)
		require.Equal(t, len(msg), n)

		got := make([]byte, len(msg))
		n, err = rp.Read(got, false)
		require.NoError(t, err)
		require.Equal(t, len(msg), n)
		require.Equal(t, msg, got)

		require.NoError(t, rp.Close(ModeRead))
		require.NoError(t, wp.Close(ModeWrite))
		eventually(t, func() bool { return ha.Registry().Len() == 0 && hb.Registry().Len() == 0 },
			"registries not empty between rounds")
	}
}

func TestByteStreamFidelity(t *testing.T) {
	// Small windows force every mechanism into play: direct sends,
	// writeahead, readahead, blocked requests and credit replenishment.
	ha, hb := testHosts(t, aheadOpts(0, 256), aheadOpts(128, 0))
	wp, rp := openPair(t, ha, hb, "/stream")

	const total = 64 << 10
	payload := make([]byte, total)
	for i := range payload {
		payload[i] = byte(i*31 + i>>8)
	}

	var g errgroup.Group
	g.Go(func() error {
		for off := 0; off < total; {
			end := off + 1000
			if end > total {
				end = total
			}
			n, err := wp.Send(payload[off:end], false)
			if err != nil {
				return err
			}
			off += n
		}
		return wp.Close(ModeWrite)
	})

	got := make([]byte, 0, total)
	g.Go(func() error {
		buf := make([]byte, 4096)
		for len(got) < total {
			chunk := buf
			if rem := total - len(got); rem < len(chunk) {
				chunk = buf[:rem]
			}
			n, err := rp.Read(chunk, false)
			if err != nil {
				return err
			}
			got = append(got, chunk[:n]...)
		}
		return rp.Close(ModeRead)
	})

	require.NoError(t, g.Wait())
	require.True(t, bytes.Equal(payload, got), "byte stream corrupted")

	eventually(t, func() bool { return ha.Registry().Len() == 0 && hb.Registry().Len() == 0 },
		"registries not empty after stream")
}
