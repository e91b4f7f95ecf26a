// Package pcapdump reconstructs the same Event stream internal/proxy
// produces live, but from a previously captured pcap or pcapng file. It
// is Ethernet-and-TCP only: fragmented IP packets and non-Ethernet link
// types are hard errors, and out-of-order segments are tolerated only up
// to a small capped gap buffer — this is a dissector for well-behaved
// captures, not a general-purpose reassembly engine.
package pcapdump

import (
	"bufio"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"

	"github.com/MonetDBSolutions/mapiproxy/internal/event"
	"github.com/MonetDBSolutions/mapiproxy/internal/mapierrors"
	"github.com/MonetDBSolutions/mapiproxy/internal/metrics"
)

var (
	legacyMagicLE = [4]byte{0xd4, 0xc3, 0xb2, 0xa1}
	legacyMagicBE = [4]byte{0xa1, 0xb2, 0xb3, 0xd4}
	ngMagic       = [4]byte{0x0a, 0x0d, 0x0d, 0x0a}
)

// fileKind names which on-disk format a capture uses.
type fileKind int

const (
	kindUnknown fileKind = iota
	kindLegacy
	kindNG
)

func detectKind(sig [4]byte) fileKind {
	switch sig {
	case legacyMagicLE, legacyMagicBE:
		return kindLegacy
	case ngMagic:
		return kindNG
	default:
		return kindUnknown
	}
}

// Dissect reads a pcap or pcapng capture from r, calling emit with each
// reconstructed Event in the order it happened. The sender of the first
// segment seen for a connection is taken to be the client: when the
// capture includes the opening SYN, that is the side that sent it. The
// choice is not revisited later, so a capture that starts with a segment
// from the server treats the server as the client.
func Dissect(r io.Reader, m *metrics.Metrics, emit func(event.Event) error) error {
	br := bufio.NewReader(r)
	sigBytes, err := br.Peek(4)
	if err != nil {
		return mapierrors.Classify(mapierrors.Pcap, errors.Wrap(err, "reading capture file signature"))
	}
	var sig [4]byte
	copy(sig[:], sigBytes)

	tr := newTracker(m, emit)

	switch detectKind(sig) {
	case kindLegacy:
		return dissectLegacy(br, tr)
	case kindNG:
		return dissectNG(br, tr)
	default:
		return mapierrors.Classifyf(mapierrors.Pcap, "unrecognized capture file signature % x", sig)
	}
}

func dissectLegacy(r io.Reader, tr *tracker) error {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return mapierrors.Classify(mapierrors.Pcap, errors.Wrap(err, "opening legacy pcap"))
	}
	linkType := reader.LinkType()
	for {
		data, ci, err := reader.ReadPacketData()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return mapierrors.Classify(mapierrors.Pcap, errors.Wrap(err, "reading legacy pcap packet"))
		}
		if ci.CaptureLength != ci.Length {
			return mapierrors.Classifyf(mapierrors.Pcap, "truncated packet: captured %d of %d bytes", ci.CaptureLength, ci.Length)
		}
		if err := tr.processPacket(linkType, data, ci.Timestamp); err != nil {
			return err
		}
	}
}

func dissectNG(r io.Reader, tr *tracker) error {
	reader, err := pcapgo.NewNgReader(r, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		return mapierrors.Classify(mapierrors.Pcap, errors.Wrap(err, "opening pcapng"))
	}
	for {
		data, ci, err := reader.ReadPacketData()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return mapierrors.Classify(mapierrors.Pcap, errors.Wrap(err, "reading pcapng packet"))
		}
		if err := tr.processPacket(reader.LinkType(), data, ci.Timestamp); err != nil {
			return err
		}
	}
}

// processPacket is shared by both file formats: parse as Ethernet, bail
// out hard on anything that isn't a non-fragmented IPv4/IPv6 + TCP
// packet, and hand the rest to the flow tracker.
func (tr *tracker) processPacket(linkType layers.LinkType, data []byte, ts time.Time) error {
	if linkType != layers.LinkTypeEthernet {
		return mapierrors.Classifyf(mapierrors.Pcap, "pcap file uses unsupported link type %s, only Ethernet is supported", linkType)
	}
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	netLayer := pkt.NetworkLayer()
	if netLayer == nil {
		return nil
	}
	var fragmented bool
	switch l := netLayer.(type) {
	case *layers.IPv4:
		fragmented = l.FragOffset != 0 || l.Flags&layers.IPv4MoreFragments != 0
		if fragmented {
			return mapierrors.Classifyf(mapierrors.Pcap, "pcap file contains a fragmented ipv4 packet, not supported")
		}
	case *layers.IPv6:
		for _, lt := range pkt.Layers() {
			if lt.LayerType() == layers.LayerTypeIPv6Fragment {
				return mapierrors.Classifyf(mapierrors.Pcap, "pcap file contains a fragmented ipv6 packet, not supported")
			}
		}
	default:
		return nil
	}

	tcpLayer := pkt.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return nil
	}
	tcp, _ := tcpLayer.(*layers.TCP)
	srcIP, dstIP := networkAddrs(netLayer)
	if m := tr.metrics; m != nil {
		m.PcapPacketsTotal.WithLabelValues("tcp").Inc()
	}
	return tr.handleTCP(srcIP, dstIP, tcp, ts)
}

func networkAddrs(netLayer gopacket.NetworkLayer) (src, dst string) {
	flow := netLayer.NetworkFlow()
	s, d := flow.Endpoints()
	return s.String(), d.String()
}
