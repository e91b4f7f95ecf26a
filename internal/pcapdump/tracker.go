package pcapdump

import (
	"fmt"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/MonetDBSolutions/mapiproxy/internal/event"
	"github.com/MonetDBSolutions/mapiproxy/internal/mapierrors"
	"github.com/MonetDBSolutions/mapiproxy/internal/metrics"
)

// maxGapBuffer caps how many out-of-order bytes one half-flow will hold
// waiting for the segment that fills the gap before giving up. This is
// deliberately small: a capture with real loss or serious reordering
// needs a full reassembly engine, which is out of scope here.
const maxGapBuffer = 1 << 20 // 1 MiB

type flowKey struct {
	srcIP, dstIP     string
	srcPort, dstPort layers.TCPPort
}

func (k flowKey) reverse() flowKey {
	return flowKey{srcIP: k.dstIP, dstIP: k.srcIP, srcPort: k.dstPort, dstPort: k.srcPort}
}

func (k flowKey) String() string {
	return fmt.Sprintf("%s:%d->%s:%d", k.srcIP, k.srcPort, k.dstIP, k.dstPort)
}

// connKey identifies one connection regardless of direction, so both
// halves of a flow map to the same tracked connection.
type connKey struct {
	a, b string
}

func canonical(k flowKey) connKey {
	fwd := fmt.Sprintf("%s:%d", k.srcIP, k.srcPort)
	rev := fmt.Sprintf("%s:%d", k.dstIP, k.dstPort)
	if fwd < rev {
		return connKey{a: fwd, b: rev}
	}
	return connKey{a: rev, b: fwd}
}

// halfFlow tracks reassembly state for traffic moving in one direction of
// one connection.
type halfFlow struct {
	established   bool
	nextSeq       uint32
	gap           map[uint32][]byte // segments received ahead of nextSeq, keyed by seq
	gapBytes      int
	finSeq        uint32
	finSeen       bool
	closed        bool
}

type flowState struct {
	id        event.ConnectionId
	clientKey flowKey // the key whose srcIP:srcPort identifies the client
	up, down  *halfFlow
	ended     bool
}

type tracker struct {
	metrics *metrics.Metrics
	emit    func(event.Event) error
	nextID  uint64
	conns   map[connKey]*flowState
}

func newTracker(m *metrics.Metrics, emit func(event.Event) error) *tracker {
	return &tracker{metrics: m, emit: emit, conns: make(map[connKey]*flowState)}
}

func (tr *tracker) allocID() event.ConnectionId {
	tr.nextID++
	return event.ConnectionId(tr.nextID)
}

func toTimestamp(ts time.Time) event.Timestamp {
	return event.Timestamp(ts.Sub(time.Unix(0, 0)))
}

// handleTCP updates flow state for one TCP segment and emits whatever
// Events that segment implies: connection establishment, data, half- and
// full close.
func (tr *tracker) handleTCP(srcIP, dstIP string, tcp *layers.TCP, ts time.Time) error {
	key := flowKey{srcIP: srcIP, dstIP: dstIP, srcPort: tcp.SrcPort, dstPort: tcp.DstPort}
	ck := canonical(key)
	fs, exists := tr.conns[ck]

	if !exists {
		if tcp.RST {
			return nil
		}
		id := tr.allocID()
		fs = &flowState{id: id, clientKey: key, up: &halfFlow{nextSeq: tcp.Seq}, down: &halfFlow{}}
		tr.conns[ck] = fs
		if tcp.SYN && !tcp.ACK {
			// This segment is the opening SYN: its sender is the client.
			fs.clientKey = key
		}
		if tr.metrics != nil {
			tr.metrics.PcapFlowsActive.Inc()
		}
		if err := tr.emit(event.NewIncoming(toTimestamp(ts), id,
			event.Address{Text: fmt.Sprintf("%s:%d", dstIP, tcp.DstPort)},
			event.Address{Text: fmt.Sprintf("%s:%d", srcIP, tcp.SrcPort)})); err != nil {
			return err
		}
		if err := tr.emit(event.NewConnected(toTimestamp(ts), id)); err != nil {
			return err
		}
	}

	dir := event.Upstream
	if key != fs.clientKey {
		dir = event.Downstream
	}
	hf := fs.up
	if dir == event.Downstream {
		hf = fs.down
	}

	if hf.closed {
		return nil
	}
	if tcp.SYN {
		// SYN consumes one sequence number even though it carries no
		// payload, so the first data byte starts right after it.
		hf.nextSeq = tcp.Seq + 1
		hf.established = true
	} else if !hf.established {
		hf.established = true
		hf.nextSeq = tcp.Seq
	}

	if tcp.RST {
		if !fs.ended {
			fs.ended = true
			return tr.emit(event.NewAborted(toTimestamp(ts), fs.id, errConnectionReset(dir)))
		}
		return nil
	}

	if err := tr.deliverPayload(fs, hf, dir, tcp, ts); err != nil {
		return err
	}

	if tcp.FIN {
		if err := tr.emit(event.NewShutdownRead(toTimestamp(ts), fs.id, dir)); err != nil {
			return err
		}
		hf.closed = true
		other := fs.down
		if dir == event.Downstream {
			other = fs.up
		}
		if other.closed && !fs.ended {
			fs.ended = true
			delete(tr.conns, ck)
			if tr.metrics != nil {
				tr.metrics.PcapFlowsActive.Dec()
			}
			return tr.emit(event.NewEnd(toTimestamp(ts), fs.id))
		}
	}
	return nil
}

func errConnectionReset(dir event.Direction) error {
	return mapierrors.Classifyf(mapierrors.Pcap, "%s sent a TCP reset", dir.Sender())
}

// deliverPayload applies in-order delivery with a small out-of-order gap
// buffer: a segment that arrives exactly at nextSeq is emitted (and then
// any now-contiguous buffered segments that follow it); a segment ahead
// of nextSeq is buffered, capped at maxGapBuffer total bytes, past which
// this is a hard error rather than silently dropping data.
func (tr *tracker) deliverPayload(fs *flowState, hf *halfFlow, dir event.Direction, tcp *layers.TCP, ts time.Time) error {
	payload := tcp.Payload
	if len(payload) == 0 {
		return nil
	}
	seq := tcp.Seq
	if hf.gap == nil {
		hf.gap = make(map[uint32][]byte)
	}

	if seq == hf.nextSeq {
		if err := tr.emit(event.NewData(toTimestamp(ts), fs.id, dir, payload)); err != nil {
			return err
		}
		hf.nextSeq += uint32(len(payload))
		for {
			next, ok := hf.gap[hf.nextSeq]
			if !ok {
				break
			}
			delete(hf.gap, hf.nextSeq)
			hf.gapBytes -= len(next)
			if err := tr.emit(event.NewData(toTimestamp(ts), fs.id, dir, next)); err != nil {
				return err
			}
			hf.nextSeq += uint32(len(next))
		}
		return nil
	}

	if seqLess(seq, hf.nextSeq) {
		// Fully or partially retransmitted data we've already delivered;
		// drop the overlapping prefix and deliver any genuinely new tail.
		overlap := int(hf.nextSeq - seq)
		if overlap >= len(payload) {
			return nil
		}
		return tr.deliverPayload(fs, hf, dir, &layers.TCP{
			SrcPort: tcp.SrcPort, DstPort: tcp.DstPort,
			Seq: hf.nextSeq, Payload: payload[overlap:],
		}, ts)
	}

	hf.gapBytes += len(payload)
	if hf.gapBytes > maxGapBuffer {
		return mapierrors.Classifyf(mapierrors.Pcap,
			"out-of-order gap buffer for connection %v exceeded %d bytes; this dissector only tolerates small reordering", fs.id, maxGapBuffer)
	}
	hf.gap[seq] = append([]byte(nil), payload...)
	return nil
}

// seqLess compares two 32-bit TCP sequence numbers with wraparound, i.e.
// whether a precedes b on the sequence number circle.
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}
