package render

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/MonetDBSolutions/mapiproxy/internal/event"
)

func TestMessageUncolored(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, false)
	if err := r.Message(event.ConnectionId(1), nil, "hello"); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "‣#1 hello\n" {
		t.Errorf("got %q", got)
	}
}

func TestWithBriefAbbreviatesLines(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, false)
	err := r.WithBrief(2, 2, func() error {
		for i := 1; i <= 10; i++ {
			if err := r.Put(nil, []byte(fmt.Sprintf("L%d", i))); err != nil {
				return err
			}
			if err := r.NL(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	got := buf.String()
	for _, want := range []string{"L1\n", "L2\n", "(skipped 6 lines)\n", "L9\n", "L10\n"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in output: %q", want, got)
		}
	}
	if strings.Contains(got, "L5") {
		t.Errorf("expected middle lines to be dropped, got %q", got)
	}
}

func TestWithBriefDisabledPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, false)
	err := r.WithBrief(0, 0, func() error {
		if err := r.Put(nil, []byte("only")); err != nil {
			return err
		}
		return r.NL()
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Flush(); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "only\n" {
		t.Errorf("got %q, want %q", got, "only\n")
	}
}

func TestHeaderFooterFraming(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, false)
	dir := event.Upstream
	if err := r.Header(event.ConnectionId(2), &dir, []string{"3 bytes", "text"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Put(nil, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := r.NL(); err != nil {
		t.Fatal(err)
	}
	if err := r.Footer([]string{"3 bytes"}); err != nil {
		t.Fatal(err)
	}
	got := buf.String()
	if !bytes.Contains([]byte(got), []byte("┌#2 upstream 3 bytes, text\n")) {
		t.Errorf("missing header line, got %q", got)
	}
	if !bytes.Contains([]byte(got), []byte("│abc\n")) {
		t.Errorf("missing content line, got %q", got)
	}
	if !bytes.Contains([]byte(got), []byte("└ 3 bytes\n")) {
		t.Errorf("missing footer line, got %q", got)
	}
}
