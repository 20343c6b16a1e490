// Package peer owns one TCP connection end to end: the handshake, the
// read/decode loop, the bounded outbound queue, and the keepalive timer.
// Everything it learns is surfaced upstream as an Event; it never reaches
// back into the manager directly.
package peer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"time"

	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/knotproof/knotproof/internal/addrstore"
	"github.com/knotproof/knotproof/internal/codec"
)

// OutboundQueueCapacity bounds each peer's send queue. Overflow is the
// manager's signal to treat the peer as stale, not a reason to block.
const OutboundQueueCapacity = 2048

const (
	readBufferSize    = 8 * 1024
	keepaliveInterval = 30 * time.Second
)

// EventKind distinguishes the four event shapes an endpoint can emit.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventAddresses
	EventMessage
)

// Event is what a running endpoint posts into the manager's fan-in channel.
type Event struct {
	Kind    EventKind
	Addr    string
	Version *Version // set on EventConnected
	Reason  string   // set on EventDisconnected
	Addrs   []*wire.NetAddress
	Message wire.Message // set on EventMessage
}

// Version is the negotiated handshake snapshot recorded once per peer.
type Version struct {
	ProtocolVersion int32
	Services        wire.ServiceFlag
	Timestamp       time.Time
	UserAgent       string
	StartHeight     int32
	Relay           bool
}

// Handle is an addressable reference to a live peer: enough to classify
// it and push an outbound message without touching the connection
// directly.
type Handle struct {
	Addr      string
	NodeType  addrstore.NodeType
	UserAgent string
	outbound  chan wire.Message
}

// Send enqueues msg without blocking. A false return means the queue is
// full and the manager should treat this peer as stale.
func (h *Handle) Send(msg wire.Message) bool {
	select {
	case h.outbound <- msg:
		return true
	default:
		return false
	}
}

// NewHandle builds a standalone Handle with its own bounded outbound
// queue, not attached to any connection. Endpoints do not use it (their
// handles share the endpoint's queue); it is the seam integration tests
// use to populate a peer list without a live socket.
func NewHandle(addr, userAgent string, nodeType addrstore.NodeType, capacity int) *Handle {
	return &Handle{
		Addr:      addr,
		NodeType:  nodeType,
		UserAgent: userAgent,
		outbound:  make(chan wire.Message, capacity),
	}
}

// Outbound exposes the handle's receive end so tests (and, inside this
// package, the owning Endpoint) can drain what was enqueued.
func (h *Handle) Outbound() <-chan wire.Message {
	return h.outbound
}

// Endpoint drives a single peer connection from handshake to termination.
type Endpoint struct {
	conn        net.Conn
	addr        string
	outbound    chan wire.Message
	events      chan<- Event
	userAgent   string
	startHeight int32
	timeout     time.Duration
	log         *zap.SugaredLogger

	accumulator *bytes.Buffer
	version     *Version
}

// Dial connects outbound to addr and performs the handshake.
func Dial(ctx context.Context, addr, userAgent string, startHeight int32, timeout time.Duration, events chan<- Event, log *zap.SugaredLogger) (*Endpoint, *Handle, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}
	return handshakeAndWrap(ctx, conn, addr, userAgent, startHeight, timeout, events, log)
}

// Accept wraps an already-accepted inbound socket and performs the
// handshake.
func Accept(ctx context.Context, conn net.Conn, userAgent string, startHeight int32, timeout time.Duration, events chan<- Event, log *zap.SugaredLogger) (*Endpoint, *Handle, error) {
	return handshakeAndWrap(ctx, conn, conn.RemoteAddr().String(), userAgent, startHeight, timeout, events, log)
}

func handshakeAndWrap(ctx context.Context, conn net.Conn, addr, userAgent string, startHeight int32, timeout time.Duration, events chan<- Event, log *zap.SugaredLogger) (*Endpoint, *Handle, error) {
	ep := &Endpoint{
		conn:        conn,
		addr:        addr,
		outbound:    make(chan wire.Message, OutboundQueueCapacity),
		events:      events,
		userAgent:   userAgent,
		startHeight: startHeight,
		timeout:     timeout,
		log:         log,
		accumulator: new(bytes.Buffer),
	}

	deadline, cancel := deadlineFromContext(ctx, timeout)
	defer cancel()
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("peer: set handshake deadline: %w", err)
	}

	version, err := ep.handshake()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	ep.version = version

	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("peer: clear handshake deadline: %w", err)
	}

	handle := &Handle{
		Addr:      addr,
		NodeType:  addrstore.Classify(version.UserAgent),
		UserAgent: version.UserAgent,
		outbound:  ep.outbound,
	}
	return ep, handle, nil
}

func deadlineFromContext(ctx context.Context, timeout time.Duration) (time.Time, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok {
		return dl, func() {}
	}
	return time.Now().Add(timeout), func() {}
}

// handshake runs the INIT -> ESTABLISHED state machine described for C3:
// both directions send Version immediately, then exchange Verack. While
// awaiting Version or Verack, any other message variant is discarded.
func (ep *Endpoint) handshake() (*Version, error) {
	nonce := rand.Uint64()
	outVersion := codec.BuildVersion(ep.conn.LocalAddr(), ep.conn.RemoteAddr(), ep.userAgent, ep.startHeight, nonce)
	if err := ep.writeOne(outVersion); err != nil {
		return nil, fmt.Errorf("peer: send version: %w", err)
	}

	theirVersion, err := awaitMessageGeneric(ep, func(msg wire.Message) (*wire.MsgVersion, bool) {
		v, ok := msg.(*wire.MsgVersion)
		return v, ok
	})
	if err != nil {
		return nil, fmt.Errorf("peer: await version: %w", err)
	}

	if err := ep.writeOne(wire.NewMsgVerAck()); err != nil {
		return nil, fmt.Errorf("peer: send verack: %w", err)
	}

	if _, err := awaitMessageGeneric(ep, func(msg wire.Message) (*wire.MsgVerAck, bool) {
		v, ok := msg.(*wire.MsgVerAck)
		return v, ok
	}); err != nil {
		return nil, fmt.Errorf("peer: await verack: %w", err)
	}

	return &Version{
		ProtocolVersion: theirVersion.ProtocolVersion,
		Services:        theirVersion.Services,
		Timestamp:       theirVersion.Timestamp,
		UserAgent:       theirVersion.UserAgent,
		StartHeight:     theirVersion.LastBlock,
		Relay:           !theirVersion.DisableRelayTx,
	}, nil
}

func (ep *Endpoint) writeOne(msg wire.Message) error {
	encoded, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	_, err = ep.conn.Write(encoded)
	return err
}

// awaitMessageGeneric blocks on the socket until a message of the wanted shape
// arrives, discarding every other decoded variant, bounded by whatever
// deadline is already set on the connection.
func awaitMessageGeneric[T wire.Message](ep *Endpoint, match func(wire.Message) (T, bool)) (T, error) {
	var zero T
	buf := make([]byte, readBufferSize)

	for {
		frames, err := codec.Drain(ep.accumulator)
		if err != nil {
			return zero, err
		}
		for _, f := range frames {
			if f.Err != nil {
				continue
			}
			if got, ok := match(f.Message); ok {
				return got, nil
			}
		}

		n, err := ep.conn.Read(buf)
		if err != nil {
			return zero, err
		}
		ep.accumulator.Write(buf[:n])
	}
}

// Run drives the endpoint until disconnection. A helper goroutine reads the
// socket and hands each chunk over; frame decoding, outbound queue drains,
// and the keepalive timer all live on this one goroutine.
func (ep *Endpoint) Run() {
	defer ep.conn.Close()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	readCh := make(chan readResult, 1)
	go ep.readLoop(readCh)

	for {
		select {
		case res, ok := <-readCh:
			if !ok {
				return
			}
			if res.err != nil {
				ep.disconnect(reasonFromErr(res.err))
				return
			}
			ep.accumulator.Write(res.data)
			if ep.processFrames() {
				return
			}

		case msg, ok := <-ep.outbound:
			if !ok {
				return
			}
			encoded, err := codec.Encode(msg)
			if err != nil {
				ep.log.Debugw("peer: drop unencodable outbound message", "addr", ep.addr, "command", msg.Command(), "err", err)
				continue
			}
			if _, err := ep.conn.Write(encoded); err != nil {
				ep.disconnect(err.Error())
				return
			}

		case <-keepalive.C:
			if !ep.Handle().Send(wire.NewMsgPing(rand.Uint64())) {
				ep.disconnect("outbound queue full on keepalive")
				return
			}
		}
	}
}

type readResult struct {
	data []byte
	err  error
}

func (ep *Endpoint) readLoop(out chan<- readResult) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := ep.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- readResult{data: chunk}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				out <- readResult{err: errors.New("closed by peer")}
			} else {
				out <- readResult{err: err}
			}
			close(out)
			return
		}
	}
}

// processFrames drains and dispatches whatever complete frames the
// accumulator now holds. It returns true if the connection must close.
func (ep *Endpoint) processFrames() bool {
	frames, err := codec.Drain(ep.accumulator)
	if err != nil {
		ep.disconnect(err.Error())
		return true
	}
	for _, f := range frames {
		if f.Err != nil {
			ep.log.Debugw("peer: unparseable frame, keeping connection", "addr", ep.addr, "command", f.Command, "err", f.Err)
			continue
		}
		ep.handleInbound(f.Message)
	}
	return false
}

// handleInbound applies the endpoint-local message handling described for
// C3 before anything is surfaced to the manager: Ping is answered
// locally, Addr becomes its own event, everything else becomes a Message
// event.
func (ep *Endpoint) handleInbound(msg wire.Message) {
	switch m := msg.(type) {
	case *wire.MsgPing:
		if !ep.Handle().Send(wire.NewMsgPong(m.Nonce)) {
			ep.disconnect("outbound queue full replying to ping")
		}
	case *wire.MsgAddr:
		ep.emit(Event{Kind: EventAddresses, Addr: ep.addr, Addrs: m.AddrList})
	default:
		ep.emit(Event{Kind: EventMessage, Addr: ep.addr, Message: msg})
	}
}

func (ep *Endpoint) disconnect(reason string) {
	ep.emit(Event{Kind: EventDisconnected, Addr: ep.addr, Reason: reason})
}

// emit posts to the manager's fan-in channel, which spec treats as
// effectively unbounded: endpoint events are never dropped.
func (ep *Endpoint) emit(evt Event) {
	ep.events <- evt
}

// Handle returns the addressable reference the manager keeps in its peer
// list. Safe to call repeatedly; it shares the endpoint's send channel.
func (ep *Endpoint) Handle() *Handle {
	return &Handle{
		Addr:      ep.addr,
		NodeType:  addrstore.Classify(ep.version.UserAgent),
		UserAgent: ep.version.UserAgent,
		outbound:  ep.outbound,
	}
}

// EmitConnected posts the Connected event once the manager has adopted
// this endpoint's handle into the peer list.
func (ep *Endpoint) EmitConnected() {
	ep.emit(Event{Kind: EventConnected, Addr: ep.addr, Version: ep.version})
}

func reasonFromErr(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
