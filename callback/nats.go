package callback

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"relay/dto"
)

const natsConnectTimeout = 2 * time.Second

// natsDeliverer публикует в subject из пути адреса: nats://host:port/<subject>
type natsDeliverer struct {
	server  string
	subject string

	mu     sync.Mutex
	conn   *nats.Conn
	closed bool
}

func newNATS(u *url.URL) (Deliverer, error) {
	subject := strings.Trim(u.Path, "/")
	if subject == "" {
		return nil, fmt.Errorf("error nats callback %q has no subject", u.String())
	}
	server := url.URL{Scheme: "nats", Host: u.Host, User: u.User}
	return &natsDeliverer{server: server.String(), subject: subject}, nil
}

func (n *natsDeliverer) Deliver(ctx context.Context, msg dto.Delivery) error {
	conn, err := n.connect(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("error marshal delivery. %w", err)
	}
	if err := conn.Publish(n.subject, payload); err != nil {
		return fmt.Errorf("error publish to %s. %w", n.subject, err)
	}
	return conn.FlushWithContext(ctx)
}

func (n *natsDeliverer) connect(ctx context.Context) (*nats.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	if n.conn != nil && !n.conn.IsClosed() {
		return n.conn, nil
	}

	timeout := natsConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}
	conn, err := nats.Connect(n.server, nats.Name("relay-hub"), nats.Timeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("error connect to nats %s. %w", n.server, err)
	}
	n.conn = conn
	return conn, nil
}

func (n *natsDeliverer) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
	return nil
}
