// Package framing implements the MAPI block-protocol analyzer: a pure
// byte-at-a-time state machine that classifies an incoming stream of bytes
// into block headers and block bodies, and reports block and message
// boundaries as they occur.
//
// A MAPI block is a 2-byte little-endian header followed by that many
// bytes of payload. The header value is (length << 1) | is_last: the low
// bit marks whether this is the final block of a message. A message is
// the maximal run of blocks ending in an is_last block. Unix-domain
// clients additionally send one untyped byte ("the prologue") before the
// very first header of the connection.
package framing

import "github.com/pkg/errors"

// Classification tags each byte the analyzer has seen.
type Classification int

const (
	// ClassHeader marks a byte belonging to a block header (or, for a
	// Unix-domain connection, the leading prologue byte).
	ClassHeader Classification = iota
	// ClassBody marks a byte belonging to a block's payload.
	ClassBody
)

func (c Classification) String() string {
	switch c {
	case ClassHeader:
		return "header"
	case ClassBody:
		return "body"
	default:
		return "unknown"
	}
}

// Span describes a maximal run of same-classification bytes within one
// call to SplitChunk's input slice, using half-open [Start,End) indices
// into that slice.
type Span struct {
	Start, End int
	Class      Classification
	// BlockEnd is true when the byte at End-1 completed a block.
	BlockEnd bool
	// MessageEnd is true when BlockEnd is true and the completed block
	// was also the last block of its message (the is_last bit was set).
	MessageEnd bool
}

type phase int

const (
	phaseHeader0 phase = iota
	phaseHeader1
	phaseBody
)

// State is one direction's framing analyzer. It holds no buffered bytes:
// SplitChunk consumes exactly the bytes handed to it and reports how far
// the current block/message extends, leaving buffering of partial frames
// to the caller (internal/accumulator).
type State struct {
	unixProloguePending bool
	phase               phase
	headerByte0         byte
	remaining           int
	isLast              bool
	errored             bool
}

// NewState creates an analyzer for one direction of one connection. isUnix
// must be true if the connection this analyzer observes is a Unix domain
// socket, so the leading prologue byte is accounted for.
func NewState(isUnix bool) *State {
	return &State{unixProloguePending: isUnix}
}

// Errored reports whether a previous SplitChunk call returned an error.
// Once errored, the analyzer must not be fed more bytes; the caller is
// expected to fall back to raw, unclassified output for the remainder of
// the connection.
func (s *State) Errored() bool { return s.errored }

// Idle reports whether the analyzer is positioned exactly at a block
// boundary with no partially-read header or body outstanding. A
// connection half-closing while idle is a clean end of stream; otherwise
// it is a truncated frame.
func (s *State) Idle() bool {
	return !s.unixProloguePending && s.phase == phaseHeader0
}

// CheckIncomplete returns a descriptive error if the analyzer is not idle,
// i.e. the peer disappeared mid-header or mid-body. It returns nil if the
// stream ended cleanly on a block boundary.
func (s *State) CheckIncomplete() error {
	if s.Idle() {
		return nil
	}
	if s.unixProloguePending {
		return errors.New("connection closed before sending the Unix prologue byte")
	}
	switch s.phase {
	case phaseHeader1:
		return errors.New("connection closed in the middle of a block header")
	case phaseBody:
		return errors.Errorf("connection closed in the middle of a block body (%d bytes missing)", s.remaining)
	default:
		return errors.New("connection closed in the middle of a frame")
	}
}

func (s *State) step(b byte) (Classification, bool, bool, error) {
	if s.unixProloguePending {
		s.unixProloguePending = false
		return ClassHeader, false, false, nil
	}
	switch s.phase {
	case phaseHeader0:
		s.headerByte0 = b
		s.phase = phaseHeader1
		return ClassHeader, false, false, nil
	case phaseHeader1:
		val := uint16(s.headerByte0) | uint16(b)<<8
		length := val >> 1
		isLast := val&1 == 1
		s.isLast = isLast
		if length == 0 {
			s.phase = phaseHeader0
			return ClassHeader, true, isLast, nil
		}
		s.remaining = int(length)
		s.phase = phaseBody
		return ClassHeader, false, false, nil
	case phaseBody:
		s.remaining--
		if s.remaining < 0 {
			s.errored = true
			return ClassBody, false, false, errors.New("framing: internal error, body counter underflowed")
		}
		if s.remaining == 0 {
			s.phase = phaseHeader0
			return ClassBody, true, s.isLast, nil
		}
		return ClassBody, false, false, nil
	default:
		s.errored = true
		return ClassBody, false, false, errors.New("framing: unreachable analyzer phase")
	}
}

// SplitChunk classifies every byte of data, grouping consecutive
// same-classification bytes into Spans and reporting block/message
// boundaries as they're crossed. It never looks ahead past the bytes it
// is given: a call with a short chunk simply returns fewer, or partial,
// spans, and the next call picks up exactly where this one left off.
//
// Every byte sequence is valid framing, so SplitChunk only fails on an
// internal inconsistency of the analyzer. It then returns the spans up to
// and including the offending byte alongside the error, and marks the
// analyzer as errored; it must not be called again afterwards.
func (s *State) SplitChunk(data []byte) ([]Span, error) {
	if s.errored {
		return nil, errors.New("framing: SplitChunk called on an already-errored analyzer")
	}
	var spans []Span
	haveSpan := false
	start := 0
	var curClass Classification

	for i, b := range data {
		class, blockEnd, msgEnd, err := s.step(b)
		if !haveSpan {
			start = i
			curClass = class
			haveSpan = true
		} else if class != curClass {
			spans = append(spans, Span{Start: start, End: i, Class: curClass})
			start = i
			curClass = class
		}
		if err != nil {
			spans = append(spans, Span{Start: start, End: i + 1, Class: curClass})
			return spans, err
		}
		if blockEnd {
			spans = append(spans, Span{Start: start, End: i + 1, Class: curClass, BlockEnd: true, MessageEnd: msgEnd})
			haveSpan = false
		}
	}
	if haveSpan {
		spans = append(spans, Span{Start: start, End: len(data), Class: curClass})
	}
	return spans, nil
}
