package framing

import "testing"

func header(length int, isLast bool) []byte {
	val := uint16(length) << 1
	if isLast {
		val |= 1
	}
	return []byte{byte(val), byte(val >> 8)}
}

func block(body string, isLast bool) []byte {
	out := header(len(body), isLast)
	return append(out, body...)
}

func TestSingleBlockMessage(t *testing.T) {
	s := NewState(false)
	data := block("hello", true)
	spans, err := s.SplitChunk(data)
	if err != nil {
		t.Fatalf("SplitChunk: %v", err)
	}
	var sawMessageEnd bool
	for _, sp := range spans {
		if sp.MessageEnd {
			sawMessageEnd = true
			if sp.End != len(data) {
				t.Errorf("message end span = %+v, want End=%d", sp, len(data))
			}
		}
	}
	if !sawMessageEnd {
		t.Errorf("spans %+v never reported a message end", spans)
	}
	if !s.Idle() {
		t.Errorf("analyzer not idle after a complete single-block message")
	}
}

func TestTwoBlockMessage(t *testing.T) {
	s := NewState(false)
	data := append(block("abc", false), block("de", true)...)
	spans, err := s.SplitChunk(data)
	if err != nil {
		t.Fatalf("SplitChunk: %v", err)
	}
	blockEnds := 0
	messageEnds := 0
	for _, sp := range spans {
		if sp.BlockEnd {
			blockEnds++
		}
		if sp.MessageEnd {
			messageEnds++
		}
	}
	if blockEnds != 2 {
		t.Errorf("blockEnds = %d, want 2", blockEnds)
	}
	if messageEnds != 1 {
		t.Errorf("messageEnds = %d, want 1", messageEnds)
	}
}

func TestUnixPrologueConsumedAsHeaderByte(t *testing.T) {
	s := NewState(true)
	data := append([]byte{0x00}, block("x", true)...)
	spans, err := s.SplitChunk(data)
	if err != nil {
		t.Fatalf("SplitChunk: %v", err)
	}
	if spans[0].Class != ClassHeader || spans[0].Start != 0 {
		t.Errorf("first span %+v should be the consumed prologue byte", spans[0])
	}
	if spans[0].BlockEnd {
		t.Errorf("prologue byte must never itself be a block boundary")
	}
}

func TestSplitChunkAcrossCalls(t *testing.T) {
	s := NewState(false)
	data := block("split-me", true)
	mid := 3
	spans1, err := s.SplitChunk(data[:mid])
	if err != nil {
		t.Fatalf("first SplitChunk: %v", err)
	}
	for _, sp := range spans1 {
		if sp.MessageEnd {
			t.Fatalf("message end reported before the body was fully delivered")
		}
	}
	spans2, err := s.SplitChunk(data[mid:])
	if err != nil {
		t.Fatalf("second SplitChunk: %v", err)
	}
	var sawEnd bool
	for _, sp := range spans2 {
		if sp.MessageEnd {
			sawEnd = true
		}
	}
	if !sawEnd {
		t.Errorf("message end never reported once the full frame arrived")
	}
	if !s.Idle() {
		t.Errorf("analyzer not idle after full frame split across two calls")
	}
}

func TestZeroLengthBlock(t *testing.T) {
	s := NewState(false)
	data := header(0, true)
	spans, err := s.SplitChunk(data)
	if err != nil {
		t.Fatalf("SplitChunk: %v", err)
	}
	if len(spans) != 1 || !spans[0].MessageEnd {
		t.Errorf("zero-length last block should complete immediately: spans=%+v", spans)
	}
}

func TestCheckIncompleteMidHeader(t *testing.T) {
	s := NewState(false)
	if _, err := s.SplitChunk([]byte{0x05}); err != nil {
		t.Fatalf("SplitChunk: %v", err)
	}
	if err := s.CheckIncomplete(); err == nil {
		t.Errorf("CheckIncomplete() = nil, want an error mid-header")
	}
}

func TestCheckIncompleteMidBody(t *testing.T) {
	s := NewState(false)
	data := block("hello", true)
	if _, err := s.SplitChunk(data[:len(data)-1]); err != nil {
		t.Fatalf("SplitChunk: %v", err)
	}
	if err := s.CheckIncomplete(); err == nil {
		t.Errorf("CheckIncomplete() = nil, want an error mid-body")
	}
}

func TestCheckIncompleteCleanAtBoundary(t *testing.T) {
	s := NewState(false)
	data := block("hello", true)
	if _, err := s.SplitChunk(data); err != nil {
		t.Fatalf("SplitChunk: %v", err)
	}
	if err := s.CheckIncomplete(); err != nil {
		t.Errorf("CheckIncomplete() = %v, want nil at a clean boundary", err)
	}
}

// Determinism: splitting the same data as one chunk or many chunks must
// produce the same total classification of every byte and the same set of
// block/message boundary positions.
func TestSplitChunkDeterministicAcrossChunking(t *testing.T) {
	full := append(block("one", false), append(block("two-x", false), block("three", true)...)...)

	whole := NewState(false)
	wantSpans, err := whole.SplitChunk(full)
	if err != nil {
		t.Fatalf("whole SplitChunk: %v", err)
	}

	piecemeal := NewState(false)
	var gotSpans []Span
	for i := 0; i < len(full); i++ {
		spans, err := piecemeal.SplitChunk(full[i : i+1])
		if err != nil {
			t.Fatalf("byte-at-a-time SplitChunk at %d: %v", i, err)
		}
		gotSpans = append(gotSpans, spans...)
	}

	classify := func(spans []Span) []Classification {
		var out []Classification
		for _, sp := range spans {
			for i := sp.Start; i < sp.End; i++ {
				out = append(out, sp.Class)
			}
		}
		return out
	}
	boundaries := func(spans []Span) (blocks, messages int) {
		for _, sp := range spans {
			if sp.BlockEnd {
				blocks++
			}
			if sp.MessageEnd {
				messages++
			}
		}
		return
	}

	wantClasses := classify(wantSpans)
	gotClasses := classify(gotSpans)
	if len(wantClasses) != len(gotClasses) {
		t.Fatalf("classified %d bytes piecemeal, %d bytes whole", len(gotClasses), len(wantClasses))
	}
	for i := range wantClasses {
		if wantClasses[i] != gotClasses[i] {
			t.Errorf("byte %d classified %v whole vs %v piecemeal", i, wantClasses[i], gotClasses[i])
		}
	}
	wb, wm := boundaries(wantSpans)
	gb, gm := boundaries(gotSpans)
	if wb != gb || wm != gm {
		t.Errorf("boundaries whole=(%d,%d) piecemeal=(%d,%d)", wb, wm, gb, gm)
	}
}
