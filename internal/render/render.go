// Package render drives the terminal output format: the ‣/┌/│/└ frame
// markers around each logged item, the VT100 styling of headers and byte
// classes, and the "TIME is ..." announcements that get inserted after a
// period of silence so a long-running capture remains readable.
package render

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"github.com/MonetDBSolutions/mapiproxy/internal/colorterm"
	"github.com/MonetDBSolutions/mapiproxy/internal/event"
	"github.com/MonetDBSolutions/mapiproxy/internal/headtail"
)

// Style names one of the handful of visual treatments the renderer
// applies. Ord matters only in that Normal sorts first; nothing in this
// package depends on comparing styles otherwise.
type Style int

const (
	StyleNormal Style = iota
	StyleError
	StyleFrame
	StyleHeader
	StyleWhitespace
	StyleDigit
	StyleLetter
)

// Renderer writes the human-readable transcript of the event stream:
// frame markers, headers, footers, and the body lines in between.
type Renderer struct {
	colored      bool
	palette      colorterm.Colors
	sink         io.Writer
	out          *bufio.Writer
	currentStyle Style
	atStart      *Style
	timing       trackTime
	eagerFlush   bool
}

// New creates a Renderer writing to out. If colored is true, styled runs
// are wrapped in VT100 escapes; otherwise they're plain text. Every
// record is flushed to out as soon as it's written; call SetEagerFlush(false)
// to instead rely on bufio's own buffering plus an explicit final Flush.
func New(out io.Writer, colored bool) *Renderer {
	palette := colorterm.NoColors
	if colored {
		palette = colorterm.VT100Colors
	}
	return &Renderer{
		colored:    colored,
		palette:    palette,
		sink:       out,
		out:        bufio.NewWriter(out),
		timing:     newTrackTime(),
		eagerFlush: true,
	}
}

// SetEagerFlush controls whether the renderer flushes its underlying
// buffer after every record (the --flush=always behavior) or leaves that
// to bufio's own buffering and the final Flush call (--flush=never/auto
// on a non-terminal).
func (r *Renderer) SetEagerFlush(eager bool) { r.eagerFlush = eager }

func (r *Renderer) Flush() error { return r.out.Flush() }

func (r *Renderer) maybeFlush() error {
	if !r.eagerFlush {
		return nil
	}
	return r.out.Flush()
}

func idStream(id event.ConnectionId, dir *event.Direction) string {
	if dir == nil {
		return id.String()
	}
	return fmt.Sprintf("%s %s", id, dir.String())
}

// Message writes a single-line "‣<id> <message>" entry, checking first
// whether enough time has passed to warrant a blank separator line or a
// timestamp announcement.
func (r *Renderer) Message(id event.ConnectionId, dir *event.Direction, message string) error {
	if err := r.showElapsedTime(); err != nil {
		return err
	}
	return r.messageNoCheckTime(id, dir, message)
}

func (r *Renderer) messageNoCheckTime(id event.ConnectionId, dir *event.Direction, message string) error {
	if err := r.style(StyleFrame); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(r.out, "‣%s %s\n", idStream(id, dir), message); err != nil {
		return err
	}
	if err := r.style(StyleNormal); err != nil {
		return err
	}
	r.markAtStart(StyleNormal)
	return r.maybeFlush()
}

// Header writes the "┌<id> item, item, ..." line that opens a framed
// block; the next Put starts the first content line with the "│" bar.
func (r *Renderer) Header(id event.ConnectionId, dir *event.Direction, items []string) error {
	if err := r.showElapsedTime(); err != nil {
		return err
	}
	if err := r.style(StyleFrame); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(r.out, "┌%s", idStream(id, dir)); err != nil {
		return err
	}
	for i, it := range items {
		sep := ","
		if i == 0 {
			sep = ""
		}
		if _, err := fmt.Fprintf(r.out, "%s %s", sep, it); err != nil {
			return err
		}
	}
	if _, err := r.out.WriteString("\n"); err != nil {
		return err
	}
	r.markAtStart(StyleNormal)
	return r.maybeFlush()
}

// Footer writes the "└ item, item, ..." line that closes a framed block.
func (r *Renderer) Footer(items []string) error {
	if err := r.clearLine(); err != nil {
		return err
	}
	if err := r.style(StyleFrame); err != nil {
		return err
	}
	if _, err := r.out.WriteString("└"); err != nil {
		return err
	}
	for i, it := range items {
		sep := ","
		if i == 0 {
			sep = ""
		}
		if _, err := fmt.Fprintf(r.out, "%s %s", sep, it); err != nil {
			return err
		}
	}
	if _, err := r.out.WriteString("\n"); err != nil {
		return err
	}
	r.atStart = nil
	return r.maybeFlush()
}

// Put writes one piece of a line's content, lazily emitting the "│" frame
// bar (in the frame style, then switching to the style recorded by the
// preceding Header or NL) exactly once, right before the first content
// byte of the line.
func (r *Renderer) Put(styleOf func(b byte) Style, data []byte) error {
	if r.atStart != nil {
		s := *r.atStart
		r.atStart = nil
		if err := r.style(StyleFrame); err != nil {
			return err
		}
		if _, err := r.out.WriteString("│"); err != nil {
			return err
		}
		if err := r.style(s); err != nil {
			return err
		}
	}
	for _, b := range data {
		s := StyleNormal
		if styleOf != nil {
			s = styleOf(b)
		}
		if err := r.style(s); err != nil {
			return err
		}
		if err := r.out.WriteByte(b); err != nil {
			return err
		}
	}
	return nil
}

// WithBrief runs body, which is expected to write one framed region's
// content via Put/NL, abbreviating the lines it produces to the first
// nhead and last ntail (per --brief). If both are zero, body runs
// unmodified. Otherwise body's output is captured by a dedicated
// headtail.HeadTail scoped to just this call: once body returns, the
// retained head is already on its way out, and this writes the "(skipped
// N lines)" separator (only if any were dropped) followed by the
// retained tail directly to the renderer's underlying sink, bypassing
// styling since the abbreviated lines were already fully styled when
// body wrote them.
func (r *Renderer) WithBrief(nhead, ntail uint64, body func() error) error {
	if nhead == 0 && ntail == 0 {
		return body()
	}
	if err := r.out.Flush(); err != nil {
		return err
	}
	ht := headtail.New(r.sink)
	ht.HeadTail(nhead, ntail)
	saved := r.out
	r.out = bufio.NewWriter(ht.Writer())

	bodyErr := body()
	flushErr := r.out.Flush()
	r.out = saved
	if bodyErr != nil {
		return bodyErr
	}
	if flushErr != nil {
		return flushErr
	}

	if err := ht.Flush(); err != nil {
		return err
	}
	tail := ht.FinishTail()
	if tail.Skipped() > 0 {
		if _, err := fmt.Fprintf(r.sink, "(skipped %d lines)\n", tail.Skipped()); err != nil {
			return err
		}
	}
	_, err := r.sink.Write(tail.Bytes())
	return err
}

// NL ends the current content line.
func (r *Renderer) NL() error {
	if err := r.style(StyleFrame); err != nil {
		return err
	}
	if _, err := r.out.WriteString("\n"); err != nil {
		return err
	}
	n := StyleNormal
	r.atStart = &n
	return nil
}

func (r *Renderer) clearLine() error {
	if r.atStart == nil {
		if err := r.style(StyleFrame); err != nil {
			return err
		}
		if _, err := r.out.WriteString("\n"); err != nil {
			return err
		}
	}
	n := StyleNormal
	r.atStart = &n
	return nil
}

func (r *Renderer) style(s Style) error {
	if s == r.currentStyle {
		return nil
	}
	if r.colored {
		if _, err := r.out.WriteString(colorterm.Reset()); err != nil {
			return err
		}
		esc := r.escapeFor(s)
		if esc != "" {
			if _, err := r.out.WriteString(esc); err != nil {
				return err
			}
		}
	}
	r.currentStyle = s
	return nil
}

func (r *Renderer) escapeFor(s Style) string {
	switch s {
	case StyleNormal:
		return ""
	case StyleError:
		return r.palette.Bold + r.palette.Red
	case StyleFrame:
		return r.palette.Cyan
	case StyleHeader:
		return r.palette.Bold
	case StyleWhitespace:
		return r.palette.Red
	case StyleDigit:
		return r.palette.Green
	case StyleLetter:
		return r.palette.Blue
	default:
		return ""
	}
}

func (r *Renderer) markAtStart(s Style) {
	r.atStart = &s
}

// showElapsedTime inserts a blank separator line if at least 500ms have
// passed since the last item, and an explicit "TIME is ..." announcement
// if at least 60s have passed since the last one.
func (r *Renderer) showElapsedTime() error {
	if r.timing.activity() {
		if err := r.style(StyleNormal); err != nil {
			return err
		}
		if _, err := r.out.WriteString("\n"); err != nil {
			return err
		}
	}
	if r.timing.mustAnnounce() {
		if err := r.style(StyleFrame); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(r.out, "TIME is %s\n", r.timing.announcement()); err != nil {
			return err
		}
	}
	return nil
}

const (
	separatorThreshold    = 500 * time.Millisecond
	announcementThreshold = 60 * time.Second
)

type trackTime struct {
	lastActivity *time.Time
	lastAnnounce *time.Time
}

func newTrackTime() trackTime { return trackTime{} }

// activity reports whether at least separatorThreshold has elapsed since
// the previous call (never on the first call), and always bumps the
// last-activity clock.
func (t *trackTime) activity() bool {
	now := time.Now()
	show := t.lastActivity != nil && now.Sub(*t.lastActivity) >= separatorThreshold
	t.lastActivity = &now
	return show
}

// mustAnnounce reports whether at least announcementThreshold has elapsed
// since the last announcement. The first call only starts the clock.
func (t *trackTime) mustAnnounce() bool {
	now := time.Now()
	if t.lastAnnounce == nil {
		t.lastAnnounce = &now
		return false
	}
	if now.Sub(*t.lastAnnounce) < announcementThreshold {
		return false
	}
	t.lastAnnounce = &now
	return true
}

func (t *trackTime) announcement() string {
	now := time.Now()
	if t.lastAnnounce != nil {
		now = *t.lastAnnounce
	}
	return now.Format(time.RFC3339)
}
