// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"context"
	"io"
	"net"
	"sync"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/protocol"
)

// Client is the policy side of the control plane connection.
type Client struct {
	conn net.Conn
	wmu  sync.Mutex
}

// Dial connects to the control plane socket.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "failed to connect to %s", socketPath)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// ReadInfo blocks for the next info.
func (c *Client) ReadInfo() (protocol.Info, error) {
	return protocol.ReadInfo(c.conn)
}

// Send writes a command. It is safe for concurrent use.
func (c *Client) Send(cmd protocol.Command) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return protocol.WriteCommand(c.conn, cmd)
}

// Verdict answers a pending connection.
func (c *Client) Verdict(id uint64, verdict uint8) error {
	return c.Send(protocol.Verdict{ID: id, Verdict: verdict})
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// DecideFunc returns the verdict for a connection request.
type DecideFunc func(conn protocol.Connection) uint8

// Answer reads infos until ctx is done or the connection closes. Connection
// requests with a pending id are answered with decide; every info, answered or
// not, is passed to observe when it is set.
func (c *Client) Answer(ctx context.Context, decide DecideFunc, observe func(protocol.Info)) error {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	for {
		info, err := c.ReadInfo()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isEOF(err) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if errors.Is(err, protocol.ErrUnknownType) {
				continue
			}
			return err
		}
		if observe != nil {
			observe(info)
		}
		if conn, ok := info.(protocol.Connection); ok && conn.ID != 0 {
			if err := c.Verdict(conn.ID, decide(conn)); err != nil {
				return err
			}
		}
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
