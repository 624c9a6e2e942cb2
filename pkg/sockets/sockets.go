package sockets

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

var ErrClosed = errors.New("closed connection")

type Connection interface {
	Dial(ctx context.Context, addr string) error
	Send(msg []byte) error
	IsClosed() bool
	RemoteAddr() string
	io.Closer
}

// Conn is a line oriented TCP stream. Chunks are handed to OnMessage in the
// order they are read, on the reading goroutine.
type Conn struct {
	mu          sync.Mutex
	conn        net.Conn
	closed      bool
	dialTimeout time.Duration
	readTimeout time.Duration
	readSize    int
	greeting    []byte
	onError     func(err error)
	onMessage   func([]byte, Connection)
	onConnected func(Connection)
	onClosed    func()
}

func New(opts ...func(*Conn)) Connection {
	c := &Conn{
		closed:      true,
		dialTimeout: 15 * time.Second,
		readSize:    4096,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Close closes the connection. OnClosed fires once per dialled connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	return conn.Close()
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

func (c *Conn) Send(msg []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	c.mu.Unlock()

	if _, err := conn.Write(msg); err != nil {
		_ = c.Close()
		if c.onError != nil {
			c.onError(err)
		}
		return err
	}
	return nil
}

func (c *Conn) Dial(ctx context.Context, addr string) error {
	dialer := &net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.closed = false
	c.mu.Unlock()

	if len(c.greeting) > 0 {
		if err := c.Send(c.greeting); err != nil {
			return err
		}
	}
	if c.onConnected != nil {
		c.onConnected(c)
	}
	go c.readLoop(conn)
	return nil
}

func (c *Conn) readLoop(conn net.Conn) {
	defer func() {
		_ = c.Close()
		if c.onClosed != nil {
			c.onClosed()
		}
	}()
	buf := make([]byte, c.readSize)
	for {
		if c.readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			msg := make([]byte, n)
			copy(msg, buf[:n])
			if c.onMessage != nil {
				c.onMessage(msg, c)
			}
		}
		if err != nil {
			// a local Close surfaces as net.ErrClosed and is not reported
			if c.onError != nil && !errors.Is(err, net.ErrClosed) {
				c.onError(err)
			}
			return
		}
	}
}
