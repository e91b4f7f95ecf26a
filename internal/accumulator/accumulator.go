// Package accumulator turns the raw byte stream of one connection
// direction into rendered output: either a continuous hex dump (Raw
// level) or a sequence of framed blocks/messages (Blocks/Messages level),
// each shown as text or a hex dump depending on its content.
package accumulator

import (
	"fmt"

	"github.com/MonetDBSolutions/mapiproxy/internal/event"
	"github.com/MonetDBSolutions/mapiproxy/internal/framing"
	"github.com/MonetDBSolutions/mapiproxy/internal/render"
)

// Level selects how finely the transcript groups bytes.
type Level int

const (
	// LevelRaw shows every byte as it arrives, classified but not
	// grouped into frames.
	LevelRaw Level = iota
	// LevelBlocks groups bytes into individual MAPI blocks.
	LevelBlocks
	// LevelMessages groups blocks into whole messages.
	LevelMessages
)

func (l Level) String() string {
	switch l {
	case LevelRaw:
		return "raw"
	case LevelBlocks:
		return "blocks"
	case LevelMessages:
		return "messages"
	default:
		return "unknown"
	}
}

// Accumulator is the per-direction state that drives the framing analyzer
// and renders its output. One connection has two: upstream and
// downstream.
type Accumulator struct {
	id          event.ConnectionId
	dir         event.Direction
	level       Level
	forceBinary bool
	briefLines  uint64

	analyzer *framing.State

	// pending holds bytes of the block/message currently being
	// assembled, classified in parallel by pendingClass, until a
	// boundary (or downgrade to raw) flushes them.
	pending      []byte
	pendingClass []framing.Classification

	downgraded    bool
	errorReported bool
}

// New creates an Accumulator for one direction of one connection.
// briefLines is the --brief N value (0 disables abbreviation): each
// rendered frame shows only its first and last briefLines lines.
func New(id event.ConnectionId, dir event.Direction, level Level, forceBinary, isUnix bool, briefLines uint64) *Accumulator {
	return &Accumulator{
		id:          id,
		dir:         dir,
		level:       level,
		forceBinary: forceBinary,
		briefLines:  briefLines,
		analyzer:    framing.NewState(isUnix),
	}
}

// HandleData processes one chunk of payload bytes, writing whatever
// complete output it produces through r.
func (a *Accumulator) HandleData(r *render.Renderer, data []byte) error {
	if a.downgraded || a.level == LevelRaw {
		return a.handleRaw(r, data)
	}
	return a.handleFrame(r, data)
}

func (a *Accumulator) handleRaw(r *render.Renderer, data []byte) error {
	if a.analyzer.Errored() {
		return dumpBinary(r, data, nil)
	}
	spans, err := a.analyzer.SplitChunk(data)
	if err != nil {
		a.reportErrorOnce(r, err)
		a.downgraded = true
	}
	class := make([]framing.Classification, 0, len(data))
	for _, sp := range spans {
		for i := sp.Start; i < sp.End; i++ {
			class = append(class, sp.Class)
		}
	}
	n := len(class)
	if n > len(data) {
		n = len(data)
	}
	if n == 0 {
		return nil
	}
	return dumpBinary(r, data[:n], class)
}

// handleFrame buffers bytes until a block (Blocks level) or message
// (Messages level) boundary is reached, then renders the complete frame
// and resets for the next one. On an analyzer error it dumps whatever was
// buffered (including the bytes SplitChunk classified up to the error
// point) as binary, reports the error once, permanently downgrades to raw
// handling, and re-dispatches the rest of the chunk to it.
func (a *Accumulator) handleFrame(r *render.Renderer, data []byte) error {
	spans, splitErr := a.analyzer.SplitChunk(data)
	for _, sp := range spans {
		a.pending = append(a.pending, data[sp.Start:sp.End]...)
		for i := sp.Start; i < sp.End; i++ {
			a.pendingClass = append(a.pendingClass, sp.Class)
		}
		boundary := sp.BlockEnd && (a.level == LevelBlocks || sp.MessageEnd)
		if boundary {
			if err := a.dumpFrame(r); err != nil {
				return err
			}
			a.pending = a.pending[:0]
			a.pendingClass = a.pendingClass[:0]
		}
	}
	if splitErr != nil {
		if len(a.pending) > 0 {
			if err := dumpBinary(r, a.pending, a.pendingClass); err != nil {
				return err
			}
			a.pending = a.pending[:0]
			a.pendingClass = a.pendingClass[:0]
		}
		a.reportErrorOnce(r, splitErr)
		a.downgraded = true
		consumed := 0
		if len(spans) > 0 {
			consumed = spans[len(spans)-1].End
		}
		return a.handleRaw(r, data[consumed:])
	}
	return nil
}

// dumpFrame renders one complete block or message as text or a hex dump,
// depending on its content, abbreviating it to its first/last briefLines
// lines if --brief was given.
func (a *Accumulator) dumpFrame(r *render.Renderer) error {
	dump := func() error {
		if looksLikeText(a.forceBinary, a.pending) {
			return dumpText(r, a.pending)
		}
		return dumpBinary(r, a.pending, a.pendingClass)
	}
	return r.WithBrief(a.briefLines, a.briefLines, dump)
}

func (a *Accumulator) reportErrorOnce(r *render.Renderer, err error) {
	if a.errorReported {
		return
	}
	a.errorReported = true
	dir := a.dir
	_ = r.Message(a.id, &dir, fmt.Sprintf("framing error: %s", err))
}

// CheckIncomplete reports a half-close or connection end that happened
// mid-frame, formatted as a message suitable for direct display.
func (a *Accumulator) CheckIncomplete() error {
	return a.analyzer.CheckIncomplete()
}

// State tracks every open connection's pair of accumulators, and renders
// the higher-level connection lifecycle events (incoming, connected,
// ended, ...).
type State struct {
	level       Level
	forceBinary bool
	briefLines  uint64
	r           *render.Renderer
	conns       map[event.ConnectionId]*connState
}

type connState struct {
	up, down *Accumulator
}

// NewState creates connection-lifecycle tracking state that renders
// through r. briefLines is the --brief N value (0 disables abbreviation).
func NewState(r *render.Renderer, level Level, forceBinary bool, briefLines uint64) *State {
	return &State{level: level, forceBinary: forceBinary, briefLines: briefLines, r: r, conns: make(map[event.ConnectionId]*connState)}
}

// addConnection creates the per-direction accumulators for a new
// connection. isUnix controls whether the *upstream* analyzer expects a
// leading prologue byte (a client connecting via a Unix socket sends
// one); downstream analyzers never apply this rule, regardless of what
// kind of listener accepted the connection, so the downstream
// accumulator is always constructed with isUnix=false.
func (s *State) addConnection(id event.ConnectionId, isUnix bool) {
	if _, exists := s.conns[id]; exists {
		panic(fmt.Sprintf("accumulator: duplicate connection id %v", id))
	}
	s.conns[id] = &connState{
		up:   New(id, event.Upstream, s.level, s.forceBinary, isUnix, s.briefLines),
		down: New(id, event.Downstream, s.level, s.forceBinary, false, s.briefLines),
	}
}

func (s *State) removeConnection(id event.ConnectionId) {
	if _, exists := s.conns[id]; !exists {
		panic(fmt.Sprintf("accumulator: removing unknown connection id %v", id))
	}
	delete(s.conns, id)
}

func (s *State) get(id event.ConnectionId) *connState {
	cs, ok := s.conns[id]
	if !ok {
		panic(fmt.Sprintf("accumulator: event for unknown connection id %v", id))
	}
	return cs
}

func (cs *connState) forDirection(dir event.Direction) *Accumulator {
	if dir == event.Upstream {
		return cs.up
	}
	return cs.down
}

// Handle dispatches one Event: it updates connection bookkeeping and
// renders whatever the event implies.
func (s *State) Handle(ev event.Event) error {
	switch ev.Kind {
	case event.BoundPort:
		return s.r.Message(0, nil, fmt.Sprintf("LISTEN on port %d", ev.Port))
	case event.Incoming:
		s.addConnection(ev.ID, ev.Local.IsUnix)
		return s.r.Message(ev.ID, nil, fmt.Sprintf("INCOMING on %s from %s", ev.Local, ev.Peer))
	case event.Connecting:
		return s.r.Message(ev.ID, nil, fmt.Sprintf("CONNECTING to %s", ev.Remote))
	case event.Connected:
		return s.r.Message(ev.ID, nil, "CONNECTED")
	case event.ConnectFailed:
		suffix := ""
		if ev.Immediately {
			suffix = " immediately"
		}
		return s.r.Message(ev.ID, nil, fmt.Sprintf("CONNECT FAILED%s: %s: %s", suffix, ev.Remote, ev.Err))
	case event.End:
		cs := s.get(ev.ID)
		s.removeConnection(ev.ID)
		if err := cs.up.CheckIncomplete(); err != nil {
			if merr := s.r.Message(ev.ID, nil, err.Error()); merr != nil {
				return merr
			}
		}
		if err := cs.down.CheckIncomplete(); err != nil {
			if merr := s.r.Message(ev.ID, nil, err.Error()); merr != nil {
				return merr
			}
		}
		return s.r.Message(ev.ID, nil, "ENDED")
	case event.Aborted:
		if _, exists := s.conns[ev.ID]; exists {
			s.removeConnection(ev.ID)
		}
		return s.r.Message(ev.ID, nil, fmt.Sprintf("ABORTED: %s", ev.Err))
	case event.Data:
		cs := s.get(ev.ID)
		return cs.forDirection(ev.Direction).HandleData(s.r, ev.Payload)
	case event.ShutdownRead:
		cs := s.get(ev.ID)
		acc := cs.forDirection(ev.Direction)
		if err := acc.CheckIncomplete(); err != nil {
			if merr := s.r.Message(ev.ID, nil, err.Error()); merr != nil {
				return merr
			}
		}
		return s.r.Message(ev.ID, nil, fmt.Sprintf("%s stopped sending", ev.Direction.Sender()))
	case event.ShutdownWrite:
		return s.r.Message(ev.ID, nil, fmt.Sprintf(
			"%s has stopped receiving data, discarding %d bytes", ev.Direction.Receiver(), ev.Discard))
	case event.Oob:
		return s.r.Message(ev.ID, nil, fmt.Sprintf(
			"%s sent an Out-Of-Band message: 0x%02x", ev.Direction.Sender(), ev.OobByte))
	default:
		return fmt.Errorf("accumulator: unknown event kind %d", ev.Kind)
	}
}
