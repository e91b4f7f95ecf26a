//go:build linux

package netsock

import (
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SendOOB sends a single out-of-band byte on the connection's underlying
// TCP socket, the equivalent of BSD-style urgent data. MAPI clients use
// this to signal an interrupt (Ctrl-C on the console) out of band from
// ordinary traffic. Only available on Linux, where SyscallConn gives us
// the raw file descriptor MSG_OOB needs; on other platforms SendOOB
// always returns an error (see oob_other.go) and SupportsOOB reports false.
func (c *Conn) SendOOB(b byte) error {
	type syscallConner interface {
		SyscallConn() (syscall.RawConn, error)
	}
	sc, ok := c.conn.(syscallConner)
	if !ok {
		return errors.New("netsock: connection does not support out-of-band send")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "obtaining raw connection for out-of-band send")
	}
	var sendErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		sendErr = unix.Send(int(fd), []byte{b}, unix.MSG_OOB)
	})
	if ctrlErr != nil {
		return errors.Wrap(ctrlErr, "out-of-band send")
	}
	return errors.Wrap(sendErr, "out-of-band send")
}

// SupportsOOB reports whether SendOOB can actually work on this platform.
func SupportsOOB() bool { return true }

// TryReadOOB makes a single non-blocking attempt to read one byte of
// urgent (out-of-band) data from the connection. It returns ok=false,
// nil error when there is nothing pending right now; callers poll this
// opportunistically (e.g. once per ordinary read) rather than blocking a
// dedicated goroutine on it.
func (c *Conn) TryReadOOB(b *byte) (ok bool, err error) {
	type syscallConner interface {
		SyscallConn() (syscall.RawConn, error)
	}
	sc, isSC := c.conn.(syscallConner)
	if !isSC {
		return false, nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return false, errors.Wrap(err, "obtaining raw connection for out-of-band read")
	}
	buf := make([]byte, 1)
	var n int
	var recvErr error
	ctrlErr := raw.Read(func(fd uintptr) bool {
		n, _, recvErr = unix.Recvfrom(int(fd), buf, unix.MSG_OOB|unix.MSG_DONTWAIT)
		return true
	})
	if ctrlErr != nil {
		return false, nil
	}
	if recvErr != nil {
		// EWOULDBLOCK / EAGAIN / EINVAL all mean "nothing pending".
		return false, nil
	}
	if n != 1 {
		return false, nil
	}
	*b = buf[0]
	return true, nil
}
