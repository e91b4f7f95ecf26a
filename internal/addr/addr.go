// Package addr parses and resolves the address syntax accepted on the
// mapiproxy command line: a bare port number, a host:port pair (DNS name,
// dotted IPv4, or bracketed IPv6), or a filesystem path naming a Unix
// domain socket.
package addr

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	reIPv4    = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+$`)
	reIPv6    = regexp.MustCompile(`^\[([0-9a-fA-F:]+)\]$`)
	reDNSName = regexp.MustCompile(`^[a-zA-Z0-9][-a-zA-Z0-9.]*$`)
	reHostPort = regexp.MustCompile(`^(.+):(\d+)$`)
	rePort    = regexp.MustCompile(`^\d+$`)
)

// MonetAddr is the parsed form of a command-line address argument, before
// DNS resolution. It mirrors the four shapes the original mapiproxy
// accepts: a DNS name, a literal IP, a Unix socket path, or a bare port
// (which means the Unix socket /tmp/.s.monetdb.<port> and localhost, for
// listening and connecting alike; see Resolve).
type MonetAddr struct {
	kind monetKind
	host string
	port uint16
	path string
}

type monetKind int

const (
	kindDNS monetKind = iota
	kindIP
	kindUnix
	kindPortOnly
)

// ParseMonetAddr parses a command-line address argument. Arguments
// containing a path separator are treated as a Unix socket path
// unconditionally, since no legal host:port spec can contain one.
func ParseMonetAddr(s string) (MonetAddr, error) {
	if strings.ContainsAny(s, "/\\") {
		return MonetAddr{kind: kindUnix, path: s}, nil
	}
	if rePort.MatchString(s) {
		port, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return MonetAddr{}, errors.Wrapf(err, "invalid port %q", s)
		}
		return MonetAddr{kind: kindPortOnly, port: uint16(port)}, nil
	}

	m := reHostPort.FindStringSubmatch(s)
	if m == nil {
		return MonetAddr{}, errors.Errorf("cannot parse address %q: expected HOST:PORT, a bare port, or a path", s)
	}
	host, portStr := m[1], m[2]
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return MonetAddr{}, errors.Wrapf(err, "invalid port in %q", s)
	}

	switch {
	case reIPv4.MatchString(host):
		return MonetAddr{kind: kindIP, host: host, port: uint16(port)}, nil
	case reIPv6.MatchString(host):
		inner := reIPv6.FindStringSubmatch(host)[1]
		return MonetAddr{kind: kindIP, host: inner, port: uint16(port)}, nil
	case reDNSName.MatchString(host):
		return MonetAddr{kind: kindDNS, host: host, port: uint16(port)}, nil
	default:
		return MonetAddr{}, errors.Errorf("cannot parse host part %q of address %q", host, s)
	}
}

func (m MonetAddr) String() string {
	switch m.kind {
	case kindUnix:
		return m.path
	case kindPortOnly:
		return strconv.Itoa(int(m.port))
	case kindIP:
		if strings.Contains(m.host, ":") {
			return fmt.Sprintf("[%s]:%d", m.host, m.port)
		}
		return fmt.Sprintf("%s:%d", m.host, m.port)
	default:
		return fmt.Sprintf("%s:%d", m.host, m.port)
	}
}

// IsUnix reports whether this address names a Unix domain socket.
func (m MonetAddr) IsUnix() bool { return m.kind == kindUnix }

// Addr is a single, already-resolved endpoint: either a TCP socket address
// or a Unix domain socket path.
type Addr struct {
	tcp    *net.TCPAddr
	unix   string
	isUnix bool
}

func TCPAddr(a *net.TCPAddr) Addr { return Addr{tcp: a} }
func UnixAddr(path string) Addr  { return Addr{unix: path, isUnix: true} }

func (a Addr) IsTCP() bool  { return !a.isUnix }
func (a Addr) IsUnix() bool { return a.isUnix }

func (a Addr) TCP() (*net.TCPAddr, bool) {
	if a.isUnix {
		return nil, false
	}
	return a.tcp, true
}

func (a Addr) UnixPath() (string, bool) {
	if !a.isUnix {
		return "", false
	}
	return a.unix, true
}

func (a Addr) String() string {
	if a.isUnix {
		return a.unix
	}
	return a.tcp.String()
}

func (a Addr) Network() string {
	if a.isUnix {
		return "unix"
	}
	return "tcp"
}

// Resolve expands a MonetAddr into the ordered list of concrete addresses
// it could mean. For a bare port this is "localhost" resolved to its
// addresses plus the conventional Unix socket path
// /tmp/.s.monetdb.<port>, Unix candidate first; for a host:port it is
// whatever the resolver returns for that host. A Unix path always
// resolves to exactly one Addr.
func (m MonetAddr) Resolve() ([]Addr, error) {
	switch m.kind {
	case kindUnix:
		return []Addr{UnixAddr(m.path)}, nil
	case kindPortOnly:
		ips, err := net.LookupIP("localhost")
		if err != nil {
			return nil, errors.Wrap(err, "resolving localhost")
		}
		out := make([]Addr, 0, len(ips)+1)
		out = append(out, UnixAddr(fmt.Sprintf("/tmp/.s.monetdb.%d", m.port)))
		for _, ip := range ips {
			out = append(out, TCPAddr(&net.TCPAddr{IP: ip, Port: int(m.port)}))
		}
		return out, nil
	case kindIP:
		ip := net.ParseIP(m.host)
		if ip == nil {
			return nil, errors.Errorf("invalid literal IP address %q", m.host)
		}
		return []Addr{TCPAddr(&net.TCPAddr{IP: ip, Port: int(m.port)})}, nil
	case kindDNS:
		ips, err := net.LookupIP(m.host)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving %q", m.host)
		}
		out := make([]Addr, 0, len(ips))
		for _, ip := range ips {
			out = append(out, TCPAddr(&net.TCPAddr{IP: ip, Port: int(m.port)}))
		}
		return out, nil
	default:
		return nil, errors.Errorf("unreachable: unknown MonetAddr kind %d", m.kind)
	}
}

// ResolveListen is Resolve under a separate name: addr.rs uses the same
// resolve() for both listening and connecting, with the Unix candidate
// always inserted at the front of the result, so there is nothing for a
// listen-specific override to do differently. It exists so call sites can
// say what they mean.
func (m MonetAddr) ResolveListen() ([]Addr, error) {
	return m.Resolve()
}
