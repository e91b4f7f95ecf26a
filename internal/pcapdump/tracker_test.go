package pcapdump

import (
	"testing"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/MonetDBSolutions/mapiproxy/internal/event"
)

func collectEvents() (func(event.Event) error, *[]event.Event) {
	var got []event.Event
	return func(ev event.Event) error {
		got = append(got, ev)
		return nil
	}, &got
}

func tcpSegment(src, dst layers.TCPPort, seq uint32, syn, fin, rst bool, payload []byte) *layers.TCP {
	return &layers.TCP{
		SrcPort: src, DstPort: dst, Seq: seq,
		SYN: syn, FIN: fin, RST: rst, ACK: !syn,
		BaseLayer: layers.BaseLayer{Payload: payload},
	}
}

func TestTrackerInOrderDelivery(t *testing.T) {
	emit, got := collectEvents()
	tr := newTracker(nil, emit)
	ts := time.Now()

	if err := tr.handleTCP("10.0.0.1", "10.0.0.2", tcpSegment(40000, 50000, 100, true, false, false, nil), ts); err != nil {
		t.Fatal(err)
	}
	if err := tr.handleTCP("10.0.0.1", "10.0.0.2", tcpSegment(40000, 50000, 101, false, false, false, []byte("hello")), ts); err != nil {
		t.Fatal(err)
	}

	var sawData bool
	for _, ev := range *got {
		if ev.Kind == event.Data && string(ev.Payload) == "hello" {
			sawData = true
		}
	}
	if !sawData {
		t.Errorf("expected a Data event carrying \"hello\", got %+v", *got)
	}
}

func TestTrackerOutOfOrderThenFills(t *testing.T) {
	emit, got := collectEvents()
	tr := newTracker(nil, emit)
	ts := time.Now()

	if err := tr.handleTCP("10.0.0.1", "10.0.0.2", tcpSegment(40000, 50000, 100, true, false, false, nil), ts); err != nil {
		t.Fatal(err)
	}
	// Second segment arrives before the first: seq 107 ("world") before seq 101 ("hello ").
	if err := tr.handleTCP("10.0.0.1", "10.0.0.2", tcpSegment(40000, 50000, 107, false, false, false, []byte("world")), ts); err != nil {
		t.Fatal(err)
	}
	dataBefore := countData(*got)
	if dataBefore != 0 {
		t.Fatalf("out-of-order segment was delivered early: %d Data events", dataBefore)
	}
	if err := tr.handleTCP("10.0.0.1", "10.0.0.2", tcpSegment(40000, 50000, 101, false, false, false, []byte("hello ")), ts); err != nil {
		t.Fatal(err)
	}

	var payload []byte
	for _, ev := range *got {
		if ev.Kind == event.Data {
			payload = append(payload, ev.Payload...)
		}
	}
	if string(payload) != "hello world" {
		t.Errorf("reassembled payload = %q, want %q", payload, "hello world")
	}
}

func TestTrackerGapOverflowIsHardError(t *testing.T) {
	emit, _ := collectEvents()
	tr := newTracker(nil, emit)
	ts := time.Now()

	if err := tr.handleTCP("10.0.0.1", "10.0.0.2", tcpSegment(40000, 50000, 100, true, false, false, nil), ts); err != nil {
		t.Fatal(err)
	}
	big := make([]byte, maxGapBuffer+1)
	err := tr.handleTCP("10.0.0.1", "10.0.0.2", tcpSegment(40000, 50000, 1_000_000, false, false, false, big), ts)
	if err == nil {
		t.Fatalf("expected a hard error once the out-of-order gap buffer overflowed")
	}
}

func TestTrackerFullCloseEmitsEnd(t *testing.T) {
	emit, got := collectEvents()
	tr := newTracker(nil, emit)
	ts := time.Now()

	if err := tr.handleTCP("10.0.0.1", "10.0.0.2", tcpSegment(40000, 50000, 100, true, false, false, nil), ts); err != nil {
		t.Fatal(err)
	}
	if err := tr.handleTCP("10.0.0.1", "10.0.0.2", tcpSegment(40000, 50000, 101, false, true, false, nil), ts); err != nil {
		t.Fatal(err)
	}
	if err := tr.handleTCP("10.0.0.2", "10.0.0.1", tcpSegment(50000, 40000, 500, false, true, false, nil), ts); err != nil {
		t.Fatal(err)
	}

	var sawEnd bool
	for _, ev := range *got {
		if ev.Kind == event.End {
			sawEnd = true
		}
	}
	if !sawEnd {
		t.Errorf("expected an End event once both sides FIN'd, got %+v", *got)
	}
}

func countData(evs []event.Event) int {
	n := 0
	for _, ev := range evs {
		if ev.Kind == event.Data {
			n++
		}
	}
	return n
}

func TestDetectKind(t *testing.T) {
	if detectKind(legacyMagicLE) != kindLegacy {
		t.Errorf("legacy LE magic not detected")
	}
	if detectKind(legacyMagicBE) != kindLegacy {
		t.Errorf("legacy BE magic not detected")
	}
	if detectKind(ngMagic) != kindNG {
		t.Errorf("pcapng magic not detected")
	}
	if detectKind([4]byte{1, 2, 3, 4}) != kindUnknown {
		t.Errorf("garbage signature should be unknown")
	}
}
