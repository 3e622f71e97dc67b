package netpipefs

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
)

// baseSockName is the filename pattern of the unix transport selected by
// host "localhost"; the local port keeps two instances on one machine
// apart.
const baseSockName = "/tmp/sockfile"

func sockFile(port int) string {
	return fmt.Sprintf("%s%d.sock", baseSockName, port)
}

func (o *Options) listenNetwork() (network, addr string) {
	if o.Host == "localhost" {
		return "unix", sockFile(o.Port)
	}
	return "tcp", fmt.Sprintf(":%d", o.Port)
}

func (o *Options) dialNetwork() (network, addr string) {
	if o.Host == "localhost" {
		return "unix", sockFile(o.HostPort)
	}
	return "tcp", fmt.Sprintf("%s:%d", o.Host, o.HostPort)
}

// Establish negotiates the symmetric peer connection: a listener is
// always opened, and dialing the peer is retried on ConnectInterval
// while the peer is absent. Whichever endpoint is established first
// wins. On expiry of the configured timeout it fails with ErrTimeout.
func Establish(opts Options) (net.Conn, error) {
	network, addr := opts.listenNetwork()
	if network == "unix" {
		// A stale socket file from a crashed instance blocks bind.
		os.Remove(addr)
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}
	defer ln.Close()

	type result struct {
		conn net.Conn
		err  error
	}
	// Unbuffered on purpose: once a winner is taken the losing endpoint
	// lands in the stop case and is closed, never stranded in a buffer.
	connCh := make(chan result)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		conn, err := ln.Accept()
		select {
		case connCh <- result{conn, err}:
		case <-stop:
			if conn != nil {
				conn.Close()
			}
		}
	}()

	go func() {
		dialNet, dialAddr := opts.dialNetwork()
		deadline := time.Now().Add(opts.Timeout)
		for {
			conn, err := net.DialTimeout(dialNet, dialAddr, time.Until(deadline))
			if err == nil {
				select {
				case connCh <- result{conn, nil}:
				case <-stop:
					conn.Close()
				}
				return
			}
			select {
			case <-stop:
				return
			case <-time.After(ConnectInterval):
			}
			if !time.Now().Before(deadline) {
				return
			}
		}
	}()

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()
	select {
	case res := <-connCh:
		if res.err != nil {
			return nil, errors.Wrap(res.err, "establish peer connection")
		}
		return res.conn, nil
	case <-timer.C:
		return nil, ErrTimeout
	}
}
