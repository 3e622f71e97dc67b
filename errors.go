package netpipefs

import "errors"

var (
	// ErrGone is returned for operations on a pipe that is being torn
	// down after a force exit.
	ErrGone = errors.New("netpipefs: pipe is gone")

	// ErrBrokenPipe is returned when the opposite side has left and no
	// data remains to transfer.
	ErrBrokenPipe = errors.New("netpipefs: broken pipe")

	// ErrRoleConflict is returned when a path already open on this host
	// is opened again in the opposite mode.
	ErrRoleConflict = errors.New("netpipefs: path already open in the opposite mode")

	// ErrWouldBlock is returned by nonblocking operations that could not
	// make progress.
	ErrWouldBlock = errors.New("netpipefs: operation would block")

	// ErrNotOpened is returned by Close for a mode that was never opened.
	ErrNotOpened = errors.New("netpipefs: file not opened in this mode")

	// ErrProtocol is returned when a malformed frame arrives from the
	// peer. A frame for an unknown path is logged and skipped instead.
	ErrProtocol = errors.New("netpipefs: protocol error")

	// ErrTimeout is returned when the peer connection could not be
	// established within the configured timeout.
	ErrTimeout = errors.New("netpipefs: connection timed out")
)
