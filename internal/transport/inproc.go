package transport

import (
	"net"
	"sync"

	"github.com/hvfs/metadata/pkg/errors"
)

// InProcTransport routes Dial calls to a Listener registered under the
// same address string within one process, using net.Pipe for the
// underlying byte stream. Used to wire internal/node's dispatch loop up
// in tests, and for co-located MDS/MDSL pairs that skip the kernel
// network stack entirely.
type InProcTransport struct {
	mu        sync.Mutex
	listeners map[string]*inprocListener
}

// NewInProc creates an empty in-process transport registry.
func NewInProc() *InProcTransport {
	return &InProcTransport{listeners: make(map[string]*inprocListener)}
}

type inprocListener struct {
	addr   string
	accept chan net.Conn
	done   chan struct{}
	once   sync.Once
}

// Listen registers addr and returns a Listener that Dial can connect to.
func (t *InProcTransport) Listen(addr string) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[addr]; ok {
		return nil, errors.NewWireError(nil, errors.KindExists, "address already listening: "+addr)
	}
	l := &inprocListener{addr: addr, accept: make(chan net.Conn), done: make(chan struct{})}
	t.listeners[addr] = l
	return l, nil
}

// Dial connects to a Listener previously registered at addr.
func (t *InProcTransport) Dial(addr string) (Conn, error) {
	t.mu.Lock()
	l, ok := t.listeners[addr]
	t.mu.Unlock()
	if !ok {
		return nil, errors.NewWireError(nil, errors.KindNoEntry, "no in-process listener at "+addr)
	}

	client, server := net.Pipe()
	select {
	case l.accept <- server:
		return newFrameConn(client), nil
	case <-l.done:
		return nil, errors.NewWireError(nil, errors.KindNoEntry, "listener closed: "+addr)
	}
}

func (l *inprocListener) Accept() (Conn, error) {
	select {
	case c := <-l.accept:
		return newFrameConn(c), nil
	case <-l.done:
		return nil, errors.NewWireError(nil, errors.KindIO, "listener closed")
	}
}

func (l *inprocListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *inprocListener) Addr() string { return l.addr }
