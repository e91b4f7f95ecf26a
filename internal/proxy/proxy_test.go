package proxy

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/MonetDBSolutions/mapiproxy/internal/addr"
	"github.com/MonetDBSolutions/mapiproxy/internal/event"
)

// echoServer accepts exactly one connection and echoes everything it
// reads back to the writer, until EOF.
func echoServer(t *testing.T) (addrStr string, done <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().String(), finished
}

func TestProxyForwardsBytesRoundTrip(t *testing.T) {
	upstreamAddr, _ := echoServer(t)

	listenAddr, err := addr.ParseMonetAddr("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	forwardAddr, err := addr.ParseMonetAddr(upstreamAddr)
	if err != nil {
		t.Fatal(err)
	}

	p, events := New(listenAddr, forwardAddr, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	var boundPort int
	var gotData bool
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for ev := range events {
			switch ev.Kind {
			case event.BoundPort:
				boundPort = ev.Port
			case event.Data:
				if ev.Direction == event.Downstream && string(ev.Payload) == "ping" {
					gotData = true
					cancel()
				}
			}
		}
	}()

	deadline := time.After(5 * time.Second)
	for boundPort == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for BoundPort event")
		case <-time.After(10 * time.Millisecond):
		}
	}

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(boundPort)))
	if err != nil {
		t.Fatalf("dialing proxy: %v", err)
	}
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping" {
		t.Fatalf("echoed %q, want %q", buf, "ping")
	}
	_ = conn.Close()

	select {
	case <-collected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event collection to finish")
	}
	if !gotData {
		t.Errorf("never observed the echoed downstream payload")
	}

	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

// TestProxyConnectFailureExhaustsCandidatesAndAborts exercises the
// per-candidate Connecting/ConnectFailed sequence: a bare port with
// nothing listening resolves to a Unix candidate plus at least one TCP
// candidate, all of which fail synchronously (ENOENT / ECONNREFUSED),
// and the connection is reported Aborted once every candidate is spent.
func TestProxyConnectFailureExhaustsCandidatesAndAborts(t *testing.T) {
	listenAddr, err := addr.ParseMonetAddr("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	// Nothing listens on this port, so every resolved candidate refuses.
	forwardAddr, err := addr.ParseMonetAddr("18237")
	if err != nil {
		t.Fatal(err)
	}

	p, events := New(listenAddr, forwardAddr, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	var boundPort int
	var connecting, failed, aborted int
	allImmediate := true
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for ev := range events {
			switch ev.Kind {
			case event.BoundPort:
				boundPort = ev.Port
			case event.Connecting:
				connecting++
			case event.ConnectFailed:
				failed++
				if !ev.Immediately {
					allImmediate = false
				}
			case event.Aborted:
				aborted++
				cancel()
			}
		}
	}()

	deadline := time.After(5 * time.Second)
	for boundPort == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for BoundPort event")
		case <-time.After(10 * time.Millisecond):
		}
	}

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(boundPort)))
	if err != nil {
		t.Fatalf("dialing proxy: %v", err)
	}
	_ = conn.Close()

	select {
	case <-collected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event collection to finish")
	}

	if connecting == 0 || connecting != failed {
		t.Errorf("expected one ConnectFailed per Connecting, got %d Connecting, %d ConnectFailed", connecting, failed)
	}
	if aborted != 1 {
		t.Errorf("expected exactly one Aborted event, got %d", aborted)
	}
	if !allImmediate {
		t.Errorf("expected every failure against a closed local port to be immediate")
	}

	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
