// Package transport implements the connection abstraction referenced by
// §6 but left unspecified beyond "in-process and TCP transports
// implementing a common Conn interface": framing internal/wire Headers
// and bodies over any io.ReadWriteCloser, so internal/node can wire the
// same Cmd-dispatch logic to a loopback pipe in tests and a real TCP
// socket in production.
package transport

import (
	"io"
	"sync"

	"github.com/hvfs/metadata/internal/wire"
	"github.com/hvfs/metadata/pkg/errors"
)

// Message is one wire.Header plus its decoded body sections.
type Message struct {
	Header wire.Header
	Body   []byte
}

// Conn is a framed, bidirectional connection carrying wire.Header-
// delimited messages. Both the in-process and TCP transports implement
// it identically; callers (internal/node's dispatch loop) never need to
// know which one they were handed.
type Conn interface {
	Send(msg Message) error
	Recv() (Message, error)
	Close() error
	// RemoteSite is the peer's site-id, set once the handshake's first
	// message has been exchanged; 0 before that.
	RemoteSite() uint64
}

// Transport dials and listens for Conns. InProcTransport and
// TCPTransport both satisfy it, letting internal/node pick a transport
// at startup without its dispatch logic caring which one it got.
type Transport interface {
	Dial(addr string) (Conn, error)
	Listen(addr string) (Listener, error)
}

var (
	_ Transport = (*InProcTransport)(nil)
	_ Transport = (*TCPTransport)(nil)
)

// frameConn frames Messages over rw as: HeaderSize bytes, then Len body
// bytes. Used by both tcpConn and inprocConn, which differ only in what
// rw is (a net.Conn or a net.Pipe half).
type frameConn struct {
	rw io.ReadWriteCloser

	mu     sync.Mutex // serializes writers; one frame at a time
	remote uint64
}

func newFrameConn(rw io.ReadWriteCloser) *frameConn {
	return &frameConn{rw: rw}
}

func (c *frameConn) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg.Header.Len = uint32(len(msg.Body))
	hdr, err := msg.Header.MarshalBinary()
	if err != nil {
		return errors.NewWireError(err, errors.KindInternal, "marshal header")
	}
	if _, err := c.rw.Write(hdr); err != nil {
		return errors.NewWireError(err, errors.KindIO, "write header")
	}
	if len(msg.Body) > 0 {
		if _, err := c.rw.Write(msg.Body); err != nil {
			return errors.NewWireError(err, errors.KindIO, "write body")
		}
	}
	return nil
}

func (c *frameConn) Recv() (Message, error) {
	hdrBuf := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(c.rw, hdrBuf); err != nil {
		return Message{}, errors.NewWireError(err, errors.KindIO, "read header")
	}
	var h wire.Header
	if err := h.UnmarshalBinary(hdrBuf); err != nil {
		return Message{}, err
	}

	body := make([]byte, h.Len)
	if h.Len > 0 {
		if _, err := io.ReadFull(c.rw, body); err != nil {
			return Message{}, errors.NewWireError(err, errors.KindIO, "read body")
		}
	}

	if h.Ssite != 0 {
		c.mu.Lock()
		c.remote = h.Ssite
		c.mu.Unlock()
	}
	return Message{Header: h, Body: body}, nil
}

func (c *frameConn) Close() error {
	return c.rw.Close()
}

func (c *frameConn) RemoteSite() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}
