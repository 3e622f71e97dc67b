package netpipefs

import (
	"fmt"
	"net"
	"time"
)

const (
	// DefaultPort is the port used for the peer connection when none is
	// given on the command line.
	DefaultPort = 7000

	// DefaultTimeout bounds connection establishment.
	DefaultTimeout = 8000 * time.Millisecond

	// ConnectInterval is how often a failed dial is retried while
	// waiting for the peer to come up.
	ConnectInterval = 500 * time.Millisecond

	// DefaultReadahead is how many bytes the peer may push ahead of
	// local reads.
	DefaultReadahead = 4096

	// DefaultWriteahead is how many bytes a writer may stage locally
	// while the peer has no credit.
	DefaultWriteahead = 4096
)

// Options contains the host configuration. The zero value is not usable;
// start from DefaultOptions.
type Options struct {
	// Port is the local listening port. With the unix transport it also
	// names the local socket file.
	Port int

	// Host is the peer address: an IPv4 literal, or "localhost" to use
	// unix domain sockets (/tmp/sockfile<port>.sock).
	Host string

	// HostPort is the peer's listening port.
	HostPort int

	// Timeout bounds connection establishment.
	Timeout time.Duration

	// Readahead is the local receive window in bytes. Zero disables
	// buffering ahead of reads.
	Readahead int

	// Writeahead is the local staging window in bytes. Zero disables
	// buffering when the peer has no credit.
	Writeahead int

	// DelayConnect establishes the peer connection only after the mount
	// point is in place.
	DelayConnect bool

	// Debug enables verbose logging and implies foreground operation.
	Debug bool
}

// DefaultOptions returns the documented defaults. Host must still be set.
func DefaultOptions() Options {
	return Options{
		Port:       DefaultPort,
		HostPort:   DefaultPort,
		Timeout:    DefaultTimeout,
		Readahead:  DefaultReadahead,
		Writeahead: DefaultWriteahead,
	}
}

// Validate reports the first configuration problem found.
func (o *Options) Validate() error {
	if o.Host == "" {
		return fmt.Errorf("missing host")
	}
	if o.Host != "localhost" {
		ip := net.ParseIP(o.Host)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("invalid host ip address %q", o.Host)
		}
	}
	if o.Port < 0 {
		return fmt.Errorf("invalid port %d", o.Port)
	}
	if o.HostPort < 0 {
		return fmt.Errorf("invalid host port %d", o.HostPort)
	}
	if o.Readahead < 0 {
		return fmt.Errorf("invalid readahead %d", o.Readahead)
	}
	if o.Writeahead < 0 {
		return fmt.Errorf("invalid writeahead %d", o.Writeahead)
	}
	if o.Timeout < 0 {
		o.Timeout = DefaultTimeout
	}
	return nil
}
