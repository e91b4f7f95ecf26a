// Package netsock wraps Go's net.Listener/net.Conn so the proxy engine
// can treat TCP and Unix domain sockets uniformly: accepting, connecting,
// half-closing each direction independently, and (on Linux) sending a
// single out-of-band byte the way a MAPI client's Ctrl-C handling does.
package netsock

import (
	"net"
	"os"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/MonetDBSolutions/mapiproxy/internal/addr"
)

// DialTimeout bounds a single candidate's connection attempt. A failure
// that comes back before this elapses (e.g. ECONNREFUSED) is synchronous;
// one that comes back only once the timeout fires is not.
const DialTimeout = 10 * time.Second

// Listener accepts incoming connections on either a TCP or Unix address.
type Listener struct {
	ln     net.Listener
	isUnix bool
	path   string
}

// Listen binds a to either a TCP or Unix domain listener. For a Unix
// address whose socket file already exists and is stale (nothing is
// listening on it), it removes the file and retries once, matching the
// common convention for long-lived Unix servers.
func Listen(a addr.Addr) (*Listener, error) {
	if path, ok := a.UnixPath(); ok {
		ln, err := net.Listen("unix", path)
		if err != nil && isAddrInUse(err) {
			if probe, dialErr := net.Dial("unix", path); dialErr == nil {
				_ = probe.Close()
			} else {
				_ = os.Remove(path)
				ln, err = net.Listen("unix", path)
			}
		}
		if err != nil {
			return nil, errors.Wrapf(err, "binding unix socket %q", path)
		}
		return &Listener{ln: ln, isUnix: true, path: path}, nil
	}
	tcp, _ := a.TCP()
	ln, err := net.ListenTCP("tcp", tcp)
	if err != nil {
		return nil, errors.Wrapf(err, "binding %s", a)
	}
	return &Listener{ln: ln}, nil
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// Addr returns the address actually bound, which for a port of 0 reveals
// the kernel-assigned port.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept blocks until a connection arrives.
func (l *Listener) Accept() (*Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return &Conn{conn: c, isUnix: l.isUnix}, nil
}

// Close stops accepting and, for a Unix listener, best-effort unlinks the
// socket file so a later run can bind the same path cleanly.
func (l *Listener) Close() error {
	err := l.ln.Close()
	if l.isUnix && l.path != "" {
		_ = os.Remove(l.path)
	}
	return err
}

// Conn wraps one connected TCP or Unix socket.
type Conn struct {
	conn   net.Conn
	isUnix bool
}

// DialOne connects to a single candidate address, bounded by DialTimeout.
// The caller is expected to try candidates one at a time so it can emit a
// Connecting/ConnectFailed event pair around each attempt; Immediately
// reports whether the failure (if any) happened before the timeout fired.
func DialOne(c addr.Addr) (conn *Conn, immediately bool, err error) {
	d := net.Dialer{Timeout: DialTimeout}
	raw, dialErr := d.Dial(c.Network(), dialTarget(c))
	if dialErr == nil {
		return &Conn{conn: raw, isUnix: c.IsUnix()}, false, nil
	}
	timedOut := false
	if ne, ok := dialErr.(net.Error); ok {
		timedOut = ne.Timeout()
	}
	return nil, !timedOut, errors.Wrap(dialErr, "connecting")
}

func dialTarget(a addr.Addr) string {
	if path, ok := a.UnixPath(); ok {
		return path
	}
	return a.String()
}

func (c *Conn) Read(p []byte) (int, error)  { return c.conn.Read(p) }
func (c *Conn) Write(p []byte) (int, error) { return c.conn.Write(p) }
func (c *Conn) Close() error                { return c.conn.Close() }
func (c *Conn) IsUnix() bool                { return c.isUnix }

func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *Conn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }

// CloseRead half-closes the read side, so further local reads see EOF,
// without the write side being affected.
func (c *Conn) CloseRead() error {
	type readCloser interface{ CloseRead() error }
	if rc, ok := c.conn.(readCloser); ok {
		return rc.CloseRead()
	}
	return nil
}

// CloseWrite half-closes the write side, sending a FIN (TCP) or EOF
// (Unix) without affecting the read side.
func (c *Conn) CloseWrite() error {
	type writeCloser interface{ CloseWrite() error }
	if wc, ok := c.conn.(writeCloser); ok {
		return wc.CloseWrite()
	}
	return nil
}

// SetNoDelay disables Nagle's algorithm on a TCP connection; it is a
// no-op on a Unix domain socket, which has no such concept.
func (c *Conn) SetNoDelay(nodelay bool) error {
	type nodelaySetter interface{ SetNoDelay(bool) error }
	if nd, ok := c.conn.(nodelaySetter); ok {
		return nd.SetNoDelay(nodelay)
	}
	return nil
}
