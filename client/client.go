package client

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"relay/codec"
)

// Client пишет закодированные сообщения в TCP соединение
type Client[T any] struct {
	conn      net.Conn
	isClosing uint32
	codec     codec.Codec[T]
}

func Connect[T any](ctx context.Context, addr string, codec codec.Codec[T]) (*Client[T], error) {
	c := &Client[T]{
		codec: codec,
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("error dial connect with addr %s. %w", addr, err)
	}
	c.conn = conn
	return c, nil
}

// Send записывает сообщение. Дедлайн записи берется из ctx.
func (c *Client[T]) Send(ctx context.Context, msg T) error {
	if atomic.LoadUint32(&c.isClosing) == 1 {
		return net.ErrClosed
	}

	b, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("error encode msg. %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("error set write deadline. %w", err)
	}

	if _, err = c.conn.Write(b); err != nil {
		return fmt.Errorf("error write to conn. %w", err)
	}
	return nil
}

func (c *Client[T]) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Client[T]) Close() error {
	if atomic.CompareAndSwapUint32(&c.isClosing, 0, 1) {
		return c.conn.Close()
	}
	return nil
}
