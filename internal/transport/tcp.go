package transport

import (
	"net"

	"github.com/hvfs/metadata/pkg/errors"
)

// Listener accepts incoming Conns. Both transports' listeners satisfy
// it identically so internal/node's accept loop is transport-agnostic.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() string
}

// TCPTransport dials and listens on real TCP sockets, framing every
// message with the same wire.Header codec InProcTransport uses.
type TCPTransport struct{}

// NewTCP creates a TCP transport. It carries no state: every Dial/Listen
// call opens its own independent socket.
func NewTCP() *TCPTransport {
	return &TCPTransport{}
}

func (t *TCPTransport) Dial(addr string) (Conn, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.NewWireError(err, errors.KindIO, "dial "+addr)
	}
	return newFrameConn(c), nil
}

func (t *TCPTransport) Listen(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.NewWireError(err, errors.KindIO, "listen "+addr)
	}
	return &tcpListener{ln: ln}, nil
}

type tcpListener struct {
	ln net.Listener
}

func (l *tcpListener) Accept() (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, errors.NewWireError(err, errors.KindIO, "accept")
	}
	return newFrameConn(c), nil
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}

func (l *tcpListener) Addr() string {
	return l.ln.Addr().String()
}
