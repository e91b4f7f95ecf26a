package accumulator

import (
	"fmt"
	"unicode/utf8"

	"github.com/MonetDBSolutions/mapiproxy/internal/framing"
	"github.com/MonetDBSolutions/mapiproxy/internal/render"
)

// binaryLine accumulates up to 16 bytes for one line of a hex dump: the
// raw byte, and the classification it was tagged with by the framing
// analyzer (used to bracket header bytes in the hex column).
type binaryLine struct {
	bytes  [16]byte
	class  [16]framing.Classification
	hasRun [16]bool
	col    int
}

// gapAfter is the number of extra spaces inserted after the byte at each
// column, grouping the 16-byte row into 4-byte words with a wider gap at
// the halfway point, and a final wide gap before the readable column.
var gapAfter = [17]int{0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 1, 0, 0, 0, 0, 4}

func isHexDigit(c byte) bool { return c >= '0' && c <= '9' }

func hexStyle(c byte) render.Style {
	if isHexDigit(c) {
		return render.StyleDigit
	}
	return render.StyleLetter
}

// readableGlyph maps a byte to the single character shown in the
// right-hand "readable" column of the hex dump.
func readableGlyph(b byte) (rune, render.Style) {
	switch {
	case b == ' ':
		return '·', render.StyleWhitespace
	case b == '\n':
		return '↵', render.StyleWhitespace
	case b == '\t':
		return '→', render.StyleWhitespace
	case b == 0:
		return '░', render.StyleNormal
	case b >= 0x21 && b <= 0x7e:
		return rune(b), render.StyleNormal
	default:
		return '▒', render.StyleNormal
	}
}

func (bl *binaryLine) reset() { bl.col = 0 }

func (bl *binaryLine) push(b byte, class framing.Classification) {
	bl.bytes[bl.col] = b
	bl.class[bl.col] = class
	bl.col++
}

func (bl *binaryLine) full() bool { return bl.col == 16 }

// writeLine renders the accumulated bytes as one hex-dump line: the hex
// column (bracketing runs of header bytes with ⟨ ⟩), then the readable
// column.
func (bl *binaryLine) writeLine(r *render.Renderer) error {
	inHeader := false
	for i := 0; i < bl.col; i++ {
		b := bl.bytes[i]
		isHeader := bl.class[i] == framing.ClassHeader
		if isHeader && !inHeader {
			if err := r.Put(func(byte) render.Style { return render.StyleHeader }, []byte("⟨")); err != nil {
				return err
			}
			inHeader = true
		} else if !isHeader && inHeader {
			if err := r.Put(func(byte) render.Style { return render.StyleHeader }, []byte("⟩")); err != nil {
				return err
			}
			inHeader = false
		}
		hex := fmt.Sprintf("%02x", b)
		if err := r.Put(func(c byte) render.Style { return hexStyle(c) }, []byte(hex)); err != nil {
			return err
		}
		for n := 0; n < gapAfter[i]; n++ {
			if err := r.Put(nil, []byte(" ")); err != nil {
				return err
			}
		}
	}
	if inHeader {
		if err := r.Put(func(byte) render.Style { return render.StyleHeader }, []byte("⟩")); err != nil {
			return err
		}
	}
	// pad short trailing lines to keep the readable column aligned
	for i := bl.col; i < 16; i++ {
		if err := r.Put(nil, []byte("  ")); err != nil {
			return err
		}
		for n := 0; n < gapAfter[i]; n++ {
			if err := r.Put(nil, []byte(" ")); err != nil {
				return err
			}
		}
	}
	for n := 0; n < gapAfter[16]; n++ {
		if err := r.Put(nil, []byte(" ")); err != nil {
			return err
		}
	}
	for i := 0; i < bl.col; i++ {
		glyph, style := readableGlyph(bl.bytes[i])
		if err := r.Put(func(byte) render.Style { return style }, []byte(string(glyph))); err != nil {
			return err
		}
	}
	return r.NL()
}

// dumpBinary renders data as a full hex dump, 16 bytes per line, using
// class to determine which bytes get bracketed as header bytes. A non-nil
// class must be the same length as data; a nil class renders every byte
// as body.
func dumpBinary(r *render.Renderer, data []byte, class []framing.Classification) error {
	var line binaryLine
	line.reset()
	for i, b := range data {
		c := framing.ClassBody
		if class != nil {
			c = class[i]
		}
		line.push(b, c)
		if line.full() {
			if err := line.writeLine(r); err != nil {
				return err
			}
			line.reset()
		}
	}
	if line.col > 0 {
		if err := line.writeLine(r); err != nil {
			return err
		}
	}
	return nil
}

// isScary reports whether data contains a control byte other than
// newline or tab, which rules out rendering it as plain text even if it
// happens to be valid UTF-8.
func isScary(data []byte) bool {
	for _, b := range data {
		if b < 0x20 && b != '\n' && b != '\t' {
			return true
		}
	}
	return false
}

// looksLikeText decides whether a frame should be rendered as text rather
// than a hex dump.
func looksLikeText(forceBinary bool, data []byte) bool {
	if forceBinary {
		return false
	}
	if isScary(data) {
		return false
	}
	return utf8.Valid(data)
}

// dumpText renders data as text, substituting visible glyphs for newline
// and tab so the frame boundary stays unambiguous in the transcript.
func dumpText(r *render.Renderer, data []byte) error {
	var line []byte
	flush := func() error {
		if len(line) == 0 {
			return nil
		}
		err := r.Put(nil, line)
		line = line[:0]
		return err
	}
	for _, b := range data {
		switch b {
		case '\n':
			line = append(line, []byte("↵")...)
			if err := flush(); err != nil {
				return err
			}
			if err := r.NL(); err != nil {
				return err
			}
		case '\t':
			line = append(line, []byte("→")...)
		default:
			line = append(line, b)
		}
	}
	if err := flush(); err != nil {
		return err
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		return r.NL()
	}
	return nil
}
