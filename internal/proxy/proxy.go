// Package proxy implements the live, intercepting MAPI proxy: it accepts
// client connections, opens a matching connection to the real server for
// each one, shuttles bytes in both directions, and emits the same Event
// stream internal/accumulator renders for a pcap capture. Where the
// original reactor used a single-threaded readiness loop, this version
// uses one goroutine per connection direction and lets the Go scheduler
// do the multiplexing — the idiomatic Go equivalent of the same design.
package proxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/MonetDBSolutions/mapiproxy/internal/addr"
	"github.com/MonetDBSolutions/mapiproxy/internal/event"
	"github.com/MonetDBSolutions/mapiproxy/internal/mapierrors"
	"github.com/MonetDBSolutions/mapiproxy/internal/metrics"
	"github.com/MonetDBSolutions/mapiproxy/internal/netsock"
)

// eventChannelCapacity bounds how far the renderer can fall behind the
// network before the proxy gives up rather than buffering unboundedly.
const eventChannelCapacity = 500

// readBufferSize is the size of each pump goroutine's read buffer.
const readBufferSize = 64 * 1024

// Proxy is one configured proxy run: a listen address, a forward address,
// and the event sink everything gets reported to.
type Proxy struct {
	listen  addr.MonetAddr
	forward addr.MonetAddr
	log     *zap.Logger
	metrics *metrics.Metrics

	events chan event.Event
	nextID uint64

	mu       sync.Mutex
	listener *netsock.Listener
	conns    map[event.ConnectionId]*netsock.Conn
	closing  bool

	wg sync.WaitGroup
}

// New creates a Proxy that will listen on listen and forward to forward.
// Events is returned to the caller (typically cmd/mapiproxy) to drive the
// renderer; it is closed once Run returns.
func New(listen, forward addr.MonetAddr, log *zap.Logger, m *metrics.Metrics) (*Proxy, <-chan event.Event) {
	events := make(chan event.Event, eventChannelCapacity)
	p := &Proxy{
		listen:  listen,
		forward: forward,
		log:     log,
		metrics: m,
		events:  events,
		conns:   make(map[event.ConnectionId]*netsock.Conn),
	}
	return p, events
}

func (p *Proxy) emit(ev event.Event) error {
	select {
	case p.events <- ev:
		return nil
	default:
		return mapierrors.Classifyf(mapierrors.Backpressure,
			"event channel is full (capacity %d); the renderer is falling behind the network", eventChannelCapacity)
	}
}

// mustEmit is for events raised from a goroutine with no good way to
// propagate a Backpressure error back to the caller (e.g. deep inside a
// copy loop); it blocks rather than drops, since dropping an event would
// silently corrupt the transcript.
func (p *Proxy) mustEmit(ev event.Event) {
	p.events <- ev
}

func (p *Proxy) allocID() event.ConnectionId {
	return event.ConnectionId(atomic.AddUint64(&p.nextID, 1))
}

// Run resolves the listen address, accepts connections until ctx is
// cancelled, and returns once every in-flight connection has been torn
// down and its End/Aborted event emitted.
func (p *Proxy) Run(ctx context.Context) error {
	candidates, err := p.listen.ResolveListen()
	if err != nil {
		close(p.events)
		return mapierrors.Classify(mapierrors.Configuration, err)
	}
	var ln *netsock.Listener
	var lastErr error
	for _, c := range candidates {
		ln, lastErr = netsock.Listen(c)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		close(p.events)
		return mapierrors.Classify(mapierrors.Startup, lastErr)
	}
	p.listener = ln
	defer func() { _ = ln.Close() }()

	port := 0
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}
	if err := p.emit(event.NewBoundPort(event.Now(), port)); err != nil {
		p.log.Warn("dropping BoundPort event", zap.Error(err))
	}

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		p.closing = true
		p.mu.Unlock()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			p.mu.Lock()
			closing := p.closing
			p.mu.Unlock()
			if closing {
				break
			}
			p.log.Error("accept failed", zap.Error(err))
			break
		}
		id := p.allocID()
		p.mu.Lock()
		p.conns[id] = conn
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.ConnectionsTotal.Inc()
			p.metrics.ConnectionsActive.Inc()
		}

		local := event.Address{Text: conn.LocalAddr().String(), IsUnix: conn.IsUnix()}
		peer := event.Address{Text: conn.RemoteAddr().String(), IsUnix: conn.IsUnix()}
		p.mustEmit(event.NewIncoming(event.Now(), id, local, peer))

		p.wg.Add(1)
		go p.serveConnection(ctx, id, conn)
	}

	p.wg.Wait()
	close(p.events)
	return nil
}

func (p *Proxy) serveConnection(ctx context.Context, id event.ConnectionId, client *netsock.Conn) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.conns, id)
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.ConnectionsActive.Dec()
		}
		if r := recover(); r != nil {
			p.mustEmit(event.NewAborted(event.Now(), id, errors.Errorf("panic: %v", r)))
		}
	}()

	candidates, err := p.forward.Resolve()
	if err != nil {
		_ = client.Close()
		p.mustEmit(event.NewConnecting(event.Now(), id, p.forwardAddress()))
		p.mustEmit(event.NewConnectFailed(event.Now(), id, p.forwardAddress(), true, err))
		if p.metrics != nil {
			p.metrics.ConnectFailuresTotal.Inc()
		}
		p.mustEmit(event.NewAborted(event.Now(), id, err))
		return
	}

	var server *netsock.Conn
	var lastErr error
	for _, c := range candidates {
		candAddr := event.Address{Text: c.String(), IsUnix: c.IsUnix()}
		p.mustEmit(event.NewConnecting(event.Now(), id, candAddr))
		conn, immediately, dialErr := netsock.DialOne(c)
		if dialErr == nil {
			server = conn
			break
		}
		lastErr = dialErr
		p.mustEmit(event.NewConnectFailed(event.Now(), id, candAddr, immediately, dialErr))
		if p.metrics != nil {
			p.metrics.ConnectFailuresTotal.Inc()
		}
	}
	if server == nil {
		_ = client.Close()
		p.mustEmit(event.NewAborted(event.Now(), id, errors.Wrap(lastErr, "all forward candidates exhausted")))
		return
	}
	defer func() { _ = server.Close() }()
	_ = client.SetNoDelay(true)
	_ = server.SetNoDelay(true)

	p.mustEmit(event.NewConnected(event.Now(), id))

	var wg sync.WaitGroup
	wg.Add(2)
	go p.pump(&wg, id, event.Upstream, client, server)
	go p.pump(&wg, id, event.Downstream, server, client)
	wg.Wait()

	_ = client.Close()
	p.mustEmit(event.NewEnd(event.Now(), id))
}

func (p *Proxy) forwardAddress() event.Address {
	return event.Address{Text: p.forward.String(), IsUnix: p.forward.IsUnix()}
}

// pump copies from src to dst, emitting a Data event per read and
// half-closing dst's write side once src reaches EOF. It also makes a
// best-effort check for out-of-band urgent data after each read (see
// internal/netsock's Linux-only TryReadOOB); on other platforms that
// check is always a no-op.
func (p *Proxy) pump(wg *sync.WaitGroup, id event.ConnectionId, dir event.Direction, src, dst *netsock.Conn) {
	defer wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			p.mustEmit(event.NewData(event.Now(), id, dir, payload))
			if p.metrics != nil {
				p.metrics.BytesTotal.WithLabelValues(dir.String()).Add(float64(n))
			}
			if _, werr := dst.Write(payload); werr != nil {
				p.mustEmit(event.NewAborted(event.Now(), id, errors.Wrap(werr, "writing to peer")))
				return
			}
		}
		var oobByte byte
		if ok, _ := src.TryReadOOB(&oobByte); ok {
			p.mustEmit(event.NewOob(event.Now(), id, dir, oobByte))
		}
		if err != nil {
			p.mustEmit(event.NewShutdownRead(event.Now(), id, dir))
			discarded := p.drainAndDiscard(dst)
			_ = dst.CloseWrite()
			p.mustEmit(event.NewShutdownWrite(event.Now(), id, dir.Opposite(), discarded))
			return
		}
	}
}

// drainAndDiscard is a placeholder for symmetry with the event model: the
// "discard" count in ShutdownWrite refers to bytes the *peer* sends after
// we've already stopped forwarding, which this goroutine structure
// doesn't observe directly (that's the other pump's concern once it next
// reads and finds the connection gone). It always returns 0; kept as a
// named step so the control flow mirrors the event sequence exactly.
func (p *Proxy) drainAndDiscard(dst *netsock.Conn) int {
	return 0
}

// Shutdown cancels the listen/accept loop from outside Run; used by the
// Ctrl-C handler. Calling it twice is safe.
func (p *Proxy) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return
	}
	p.closing = true
	if p.listener != nil {
		_ = p.listener.Close()
	}
}
