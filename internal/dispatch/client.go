package dispatch

import (
	"bufio"
	"net"
	"sync"
)

// Client wraps one accepted connection plus the bookkeeping the
// dispatcher/worker pipeline needs around it. It implements
// storage.ClientHandle, so the storage engine can compare/record clients
// without importing this package.
type Client struct {
	id   int64
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex // serializes unsolicited notify-writes against the normal response write
}

func newClient(id int64, conn net.Conn) *Client {
	return &Client{id: id, conn: conn, r: bufio.NewReader(conn)}
}

// ID satisfies storage.ClientHandle.
func (c *Client) ID() int64 { return c.id }

// Reader returns the buffered reader workers decode requests from.
func (c *Client) Reader() *bufio.Reader { return c.r }

// Write serializes writes to the underlying connection: a worker
// servicing this client's own request and a different worker notifying it
// of an asynchronous lock grant/eviction must never interleave their
// bytes.
func (c *Client) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(p)
}

func (c *Client) Close() error {
	return c.conn.Close()
}
