// Package event defines the common event stream emitted by both the live
// proxy engine and the offline pcap dissector. Both producers emit the same
// Event type so that internal/accumulator never needs to know which one is
// driving it.
package event

import (
	"fmt"
	"time"
)

// ConnectionId is an opaque small-integer identity assigned when a
// connection is accepted (or, in pcap mode, when its first packet is seen).
// It is stable for the life of the connection and is the key used in every
// per-connection map.
type ConnectionId uint64

func (id ConnectionId) String() string {
	return fmt.Sprintf("#%d", uint64(id))
}

// Direction distinguishes the two halves of a connection.
type Direction int

const (
	// Upstream is client -> server.
	Upstream Direction = iota
	// Downstream is server -> client.
	Downstream
)

func (d Direction) String() string {
	switch d {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	default:
		return "unknown"
	}
}

// Sender names the side that originates traffic in this direction.
func (d Direction) Sender() string {
	if d == Upstream {
		return "client"
	}
	return "server"
}

// Receiver names the side that receives traffic in this direction.
func (d Direction) Receiver() string {
	if d == Upstream {
		return "server"
	}
	return "client"
}

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == Upstream {
		return Downstream
	}
	return Upstream
}

// Timestamp is a duration since the Unix epoch. Using a duration rather
// than time.Time keeps pcap-derived timestamps (which come from capture
// files, not the wall clock) and live timestamps in the same representable
// space, and keeps subtraction well-defined without monotonic-clock
// wrinkles.
type Timestamp time.Duration

// Now returns the current wall-clock time as a Timestamp.
func Now() Timestamp {
	return Timestamp(time.Since(time.Unix(0, 0)))
}

// Sub returns the elapsed duration from t to the receiver. If the result
// would be negative (clock went backwards, or unordered pcap timestamps),
// it returns time.Duration(math.MaxInt64) so callers treat it as "forever
// ago" rather than a (confusing) negative elapsed time.
func (ts Timestamp) Sub(t Timestamp) time.Duration {
	d := time.Duration(ts) - time.Duration(t)
	if d < 0 {
		return time.Duration(1<<63 - 1)
	}
	return d
}

func (ts Timestamp) Time() time.Time {
	return time.Unix(0, 0).Add(time.Duration(ts))
}

// Kind identifies which variant an Event carries.
type Kind int

const (
	BoundPort Kind = iota
	Incoming
	Connecting
	Connected
	ConnectFailed
	Data
	ShutdownRead
	ShutdownWrite
	Oob
	End
	Aborted
)

// Event is the tagged union of everything the proxy engine or the pcap
// reassembler can emit. Only the fields relevant to Kind are populated;
// see the Kind-specific constructors below, which are the intended way to
// build an Event.
type Event struct {
	Kind      Kind
	Timestamp Timestamp

	ID        ConnectionId
	Direction Direction

	// BoundPort
	Port int

	// Incoming
	Local Address
	Peer  Address

	// Connecting / ConnectFailed
	Remote      Address
	Immediately bool
	Err         error

	// Data
	Payload []byte

	// ShutdownWrite
	Discard int

	// Oob
	OobByte byte
}

// Address is the minimal representation an event needs of an endpoint: a
// string good enough for display, plus whether it is a Unix-domain path.
// internal/addr.Addr implements fmt.Stringer and exposes IsUnix, so callers
// typically just pass an addr.Addr value converted via AddressOf.
type Address struct {
	Text   string
	IsUnix bool
}

func (a Address) String() string { return a.Text }

type stringerWithUnix interface {
	fmt.Stringer
	IsUnix() bool
}

// AddressOf adapts anything that can tell us its display string and
// Unix-ness (internal/addr.Addr satisfies this) into an event.Address.
func AddressOf(a stringerWithUnix) Address {
	return Address{Text: a.String(), IsUnix: a.IsUnix()}
}

func NewBoundPort(ts Timestamp, port int) Event {
	return Event{Kind: BoundPort, Timestamp: ts, Port: port}
}

func NewIncoming(ts Timestamp, id ConnectionId, local, peer Address) Event {
	return Event{Kind: Incoming, Timestamp: ts, ID: id, Local: local, Peer: peer}
}

func NewConnecting(ts Timestamp, id ConnectionId, remote Address) Event {
	return Event{Kind: Connecting, Timestamp: ts, ID: id, Remote: remote}
}

func NewConnected(ts Timestamp, id ConnectionId) Event {
	return Event{Kind: Connected, Timestamp: ts, ID: id}
}

func NewConnectFailed(ts Timestamp, id ConnectionId, remote Address, immediately bool, err error) Event {
	return Event{Kind: ConnectFailed, Timestamp: ts, ID: id, Remote: remote, Immediately: immediately, Err: err}
}

func NewData(ts Timestamp, id ConnectionId, dir Direction, payload []byte) Event {
	return Event{Kind: Data, Timestamp: ts, ID: id, Direction: dir, Payload: payload}
}

func NewShutdownRead(ts Timestamp, id ConnectionId, dir Direction) Event {
	return Event{Kind: ShutdownRead, Timestamp: ts, ID: id, Direction: dir}
}

func NewShutdownWrite(ts Timestamp, id ConnectionId, dir Direction, discard int) Event {
	return Event{Kind: ShutdownWrite, Timestamp: ts, ID: id, Direction: dir, Discard: discard}
}

func NewOob(ts Timestamp, id ConnectionId, dir Direction, b byte) Event {
	return Event{Kind: Oob, Timestamp: ts, ID: id, Direction: dir, OobByte: b}
}

func NewEnd(ts Timestamp, id ConnectionId) Event {
	return Event{Kind: End, Timestamp: ts, ID: id}
}

func NewAborted(ts Timestamp, id ConnectionId, err error) Event {
	return Event{Kind: Aborted, Timestamp: ts, ID: id, Err: err}
}
