// Package client provides the driver applications use to perform one
// TFTP operation against a server, grounded on the teacher's
// SDOClient (pkg/sdo/client.go), which likewise wraps a single
// request/response state machine behind small Read/Write-shaped
// methods for its callers.
package client

import (
	"fmt"
	"io"
	"net"

	"github.com/arwyn/gotftp/pkg/eventlog"
	"github.com/arwyn/gotftp/pkg/session"
	"github.com/arwyn/gotftp/pkg/transport"
	"github.com/arwyn/gotftp/pkg/wire"
)

// Client performs TFTP operations against one server address.
type Client struct {
	server    *net.UDPAddr
	blockSize int
	sink      eventlog.EventSink
}

// New resolves addr (host:port) and returns a Client that negotiates
// blockSize on every read and write request (0 uses
// wire.DefaultBlockSize); delete requests carry no blksize option.
func New(addr string, blockSize int, sink eventlog.EventSink) (*Client, error) {
	server, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("client: resolve %s: %w", addr, err)
	}
	if blockSize <= 0 {
		blockSize = wire.DefaultBlockSize
	}
	if sink == nil {
		sink = eventlog.NullSink{}
	}
	return &Client{server: server, blockSize: blockSize, sink: sink}, nil
}

// Get reads filename from the server and writes it to w.
func (c *Client) Get(filename string, w io.Writer, term *session.Termination) (int64, error) {
	sock, err := transport.BindEphemeral(transport.RoleClient)
	if err != nil {
		return 0, err
	}
	defer sock.Close()

	c.sink.OnStart("GET", c.server.String(), filename)
	hs := session.NewClientHandshake(sock, c.blockSize)
	eng, first, err := hs.Read(c.server, filename, term, c.sink)
	if err != nil {
		return 0, err
	}
	return eng.ReceiveFileFrom(w, first)
}

// Put writes the contents of r to the server under filename.
func (c *Client) Put(filename string, r io.Reader, term *session.Termination) (int64, error) {
	sock, err := transport.BindEphemeral(transport.RoleClient)
	if err != nil {
		return 0, err
	}
	defer sock.Close()

	c.sink.OnStart("PUT", c.server.String(), filename)
	hs := session.NewClientHandshake(sock, c.blockSize)
	eng, err := hs.Write(c.server, filename, term, c.sink)
	if err != nil {
		return 0, err
	}
	return eng.SendFile(r)
}

// Delete asks the server to remove filename.
func (c *Client) Delete(filename string, term *session.Termination) error {
	sock, err := transport.BindEphemeral(transport.RoleClient)
	if err != nil {
		return err
	}
	defer sock.Close()

	hs := session.NewClientHandshake(sock, c.blockSize)
	return hs.Delete(c.server, filename, term)
}
