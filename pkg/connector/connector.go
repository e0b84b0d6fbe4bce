// Package connector defines the transport used to carry authentication packets between peers.
package connector

import (
	"context"
	"errors"
	"sync"
)

// BufferSize is the number of inbound messages that can be queued.
const BufferSize = 5

// MaxMessageLength caps the byte-length of messages that connectors must support.
const MaxMessageLength = 64 * 1024

// ErrClosed is returned by Send after either end of a connection has been closed.
var ErrClosed = errors.New("connection closed")

// Connector sends and receives raw packets ([]byte) to and from one peer. Packets are delivered
// in order and without duplication.
type Connector interface {
	// Receive returns a read-only channel used to receive packets sent by the peer. The channel is
	// closed when the connection is closed by the peer or fails.
	//
	// Implementations must be thread safe.
	Receive() <-chan []byte

	// Send sends a buffer to the peer.
	//
	// Implementations must be thread safe.
	Send(ctx context.Context, buffer []byte) error

	// Peer returns the handle of the remote endpoint, such as its name or network address.
	Peer() string

	// Close terminates the connection.
	//
	// Repeated calls to Close() must be idempotent, but the behavior of the interface is otherwise
	// undefined after calling this method.
	Close()
}

type pipeEnd struct {
	peer   string
	inbox  chan []byte
	done   chan struct{}
	remote *pipeEnd

	sendLock  sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// Pipe returns a pair of connected in-memory Connectors. The first reports its peer as b and the
// second reports its peer as a.
func Pipe(a, b string) (Connector, Connector) {
	endA := &pipeEnd{peer: b, inbox: make(chan []byte, BufferSize), done: make(chan struct{})}
	endB := &pipeEnd{peer: a, inbox: make(chan []byte, BufferSize), done: make(chan struct{})}
	endA.remote = endB
	endB.remote = endA
	return endA, endB
}

func (p *pipeEnd) Receive() <-chan []byte {
	return p.inbox
}

func (p *pipeEnd) Send(ctx context.Context, buffer []byte) error {
	p.sendLock.RLock()
	defer p.sendLock.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case <-p.remote.done:
		return ErrClosed
	default:
	}
	msg := append([]byte{}, buffer...)
	select {
	case p.remote.inbox <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	case <-p.remote.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Peer() string {
	return p.peer
}

// Close ends the remote side's Receive channel once pending sends have returned.
func (p *pipeEnd) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.sendLock.Lock()
		p.closed = true
		close(p.remote.inbox)
		p.sendLock.Unlock()
	})
}
