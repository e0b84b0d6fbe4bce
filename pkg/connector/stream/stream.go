// Package stream carries authentication packets over an ordered byte stream, such as TCP or a
// Unix domain socket, addressed by a multiaddr.
//
// Packets are framed with a 4-byte big-endian length prefix.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/meshbus/peerauth/internal/log"
	"github.com/meshbus/peerauth/pkg/connector"
)

var ErrMessageTooLong = fmt.Errorf("stream: message exceeds %d bytes", connector.MaxMessageLength)

// Connection is a connector.Connector over a stream.
type Connection struct {
	peer   string
	conn   manet.Conn
	inbox  chan []byte
	reader msgio.ReadCloser
	writer msgio.WriteCloser

	lock      sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(peer string, conn manet.Conn) *Connection {
	c := &Connection{
		peer:   peer,
		conn:   conn,
		inbox:  make(chan []byte, connector.BufferSize),
		reader: msgio.NewReaderSize(conn, connector.MaxMessageLength),
		writer: msgio.NewWriter(conn),
		done:   make(chan struct{}),
	}
	go c.rx()
	return c
}

// Dial connects to addr, for example "/ip4/127.0.0.1/tcp/4500". If peer is empty, the remote
// address is used as the peer handle.
func Dial(ctx context.Context, addr string, peer string) (*Connection, error) {
	remote, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, err
	}
	var dialer manet.Dialer
	conn, err := dialer.DialContext(ctx, remote)
	if err != nil {
		return nil, err
	}
	if peer == "" {
		peer = conn.RemoteMultiaddr().String()
	}
	log.Debug("stream: connected to %s at %s", peer, remote)
	return newConnection(peer, conn), nil
}

func (c *Connection) rx() {
	defer close(c.inbox)
	for {
		msg, err := c.reader.ReadMsg()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Debug("stream: receive from %s ended: %s", c.peer, err)
			}
			return
		}
		buffer := append([]byte{}, msg...)
		c.reader.ReleaseMsg(msg)
		select {
		case c.inbox <- buffer:
		case <-c.done:
			return
		}
	}
}

func (c *Connection) Receive() <-chan []byte {
	return c.inbox
}

func (c *Connection) Send(ctx context.Context, buffer []byte) error {
	if len(buffer) > connector.MaxMessageLength {
		return ErrMessageTooLong
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.writer.WriteMsg(buffer); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return connector.ErrClosed
		}
		return err
	}
	return nil
}

func (c *Connection) Peer() string {
	return c.peer
}

// RemoteAddr returns the address of the remote endpoint.
func (c *Connection) RemoteAddr() ma.Multiaddr {
	return c.conn.RemoteMultiaddr()
}

func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.conn.Close(); err != nil {
			log.Warning("stream: failed to close connection to %s: %s", c.peer, err)
		}
	})
}

// Listener accepts inbound connections.
type Listener struct {
	listener manet.Listener
}

// Listen binds addr. Use port 0 to pick a free port, then Addr to discover it.
func Listen(addr string) (*Listener, error) {
	local, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, err
	}
	l, err := manet.Listen(local)
	if err != nil {
		return nil, err
	}
	return &Listener{listener: l}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() ma.Multiaddr {
	return l.listener.Multiaddr()
}

// Accept waits for an inbound connection. The remote address is used as the peer handle.
func (l *Listener) Accept(ctx context.Context) (*Connection, error) {
	type result struct {
		conn manet.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.listener.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return newConnection(r.conn.RemoteMultiaddr().String(), r.conn), nil
	case <-ctx.Done():
		// Closing the listener unblocks Accept; the goroutine then exits.
		l.listener.Close()
		if r := <-ch; r.conn != nil {
			r.conn.Close()
		}
		return nil, ctx.Err()
	}
}

func (l *Listener) Close() error {
	return l.listener.Close()
}
