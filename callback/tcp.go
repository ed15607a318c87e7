package callback

import (
	"context"
	"net/url"
	"sync"

	"relay/client"
	"relay/codec"
	"relay/dto"
)

// tcpDeliverer держит одно соединение и переподключается после ошибки записи
type tcpDeliverer struct {
	addr  string
	codec codec.Codec[dto.Delivery]

	mu     sync.Mutex
	conn   *client.Client[dto.Delivery]
	closed bool
}

func newTCP(u *url.URL) (Deliverer, error) {
	return &tcpDeliverer{addr: u.Host, codec: codec.NewJson[dto.Delivery]()}, nil
}

func (t *tcpDeliverer) Deliver(ctx context.Context, msg dto.Delivery) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}

	if t.conn == nil {
		c, err := client.Connect[dto.Delivery](ctx, t.addr, t.codec)
		if err != nil {
			return err
		}
		t.conn = c
	}

	if err := t.conn.Send(ctx, msg); err != nil {
		_ = t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

func (t *tcpDeliverer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
