package ipc

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gangwayhq/gangway/internal/transport"
)

// Channel is a bidirectional ordered byte stream carrying the bridge
// protocol. The read side may deliver arbitrary chunks; the write side
// accepts complete frames. No business logic lives here.
type Channel interface {
	io.ReadWriteCloser
	Transport() transport.Transport
}

// StdioChannel is the stdin/stdout pipe pair of a supervised child process,
// the bridge's primary transport.
type StdioChannel struct {
	in  io.ReadCloser
	out io.WriteCloser
}

// NewStdioChannel wraps a read/write pipe pair.
func NewStdioChannel(in io.ReadCloser, out io.WriteCloser) *StdioChannel {
	return &StdioChannel{in: in, out: out}
}

func (c *StdioChannel) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *StdioChannel) Write(p []byte) (int, error) { return c.out.Write(p) }

func (c *StdioChannel) Close() error {
	err := c.in.Close()
	if cerr := c.out.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *StdioChannel) Transport() transport.Transport { return transport.TransportStdio }

// SocketChannel adapts one accepted socket connection.
type SocketChannel struct {
	net.Conn
}

// NewSocketChannel wraps an accepted connection.
func NewSocketChannel(conn net.Conn) *SocketChannel {
	return &SocketChannel{Conn: conn}
}

func (c *SocketChannel) Transport() transport.Transport { return transport.TransportUnixSocket }

// WSChannel adapts a WebSocket connection to the byte-stream contract. Each
// write becomes one text message; reads drain messages in order, surfacing
// their bytes as a continuous stream.
type WSChannel struct {
	conn    *websocket.Conn
	current io.Reader
}

// NewWSChannel wraps an upgraded WebSocket connection.
func NewWSChannel(conn *websocket.Conn) *WSChannel {
	return &WSChannel{conn: conn}
}

func (c *WSChannel) Read(p []byte) (int, error) {
	for {
		if c.current == nil {
			_, r, err := c.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			c.current = r
		}
		n, err := c.current.Read(p)
		if errors.Is(err, io.EOF) {
			c.current = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		return n, err
	}
}

func (c *WSChannel) Write(p []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *WSChannel) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *WSChannel) Transport() transport.Transport { return transport.TransportWebSocket }
