// Package mapierrors classifies errors into the small taxonomy that
// cmd/mapiproxy uses to decide a process exit code, and to decide whether
// an error aborts just one connection or the whole run.
package mapierrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Class names one of the categories an error can fall into.
type Class int

const (
	// Configuration covers bad flags or arguments: caught before
	// anything is bound or opened.
	Configuration Class = iota
	// Startup covers failures binding a listener or opening a pcap file.
	Startup
	// PerConnection covers a single connection failing; the run
	// continues, other connections are unaffected.
	PerConnection
	// Protocol covers a framing violation severe enough that a single
	// connection's classification gives up.
	Protocol
	// Pcap covers unsupported or malformed capture data (fragmentation,
	// non-Ethernet links, unknown file signature).
	Pcap
	// Backpressure covers a non-blocking send finding the event channel
	// full because the renderer fell behind. internal/proxy only sends
	// BoundPort that way and logs the error; its other events use a
	// blocking send.
	Backpressure
)

func (c Class) String() string {
	switch c {
	case Configuration:
		return "configuration"
	case Startup:
		return "startup"
	case PerConnection:
		return "per-connection"
	case Protocol:
		return "protocol"
	case Pcap:
		return "pcap"
	case Backpressure:
		return "backpressure"
	default:
		return "unknown"
	}
}

// ExitCode is the process exit code this class of error should produce.
// Configuration errors are user mistakes (exit 2, matching the flag
// package's convention); everything else that reaches main is fatal (exit
// 1). PerConnection errors normally don't reach main at all — they're
// logged and the connection is dropped — but are classified here too so
// a future caller that chooses to treat one as fatal gets a sane code.
func (c Class) ExitCode() int {
	if c == Configuration {
		return 2
	}
	return 1
}

// classified wraps an error with a Class, without hiding the original
// error from errors.Is/As/Unwrap.
type classified struct {
	class Class
	err   error
}

func (c *classified) Error() string {
	return fmt.Sprintf("%s: %s", c.class, c.err)
}

func (c *classified) Unwrap() error { return c.err }

// Classify wraps err with the given Class.
func Classify(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: class, err: err}
}

// Classifyf wraps a newly-formatted error with the given Class, mirroring
// errors.Errorf.
func Classifyf(class Class, format string, args ...interface{}) error {
	return &classified{class: class, err: errors.Errorf(format, args...)}
}

// ClassOf extracts the Class of err, if it (or something it wraps) was
// produced by Classify. ok is false for an unclassified error, in which
// case callers should treat it as Startup (the most common "we don't
// really know, but it's fatal" case).
func ClassOf(err error) (class Class, ok bool) {
	var c *classified
	if errors.As(err, &c) {
		return c.class, true
	}
	return Startup, false
}

// ExitCodeFor picks the process exit code for err, defaulting to 1 for an
// unclassified error.
func ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	class, _ := ClassOf(err)
	return class.ExitCode()
}
