package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"relay/codec"
	"relay/config"
	"relay/dto"
	"relay/log"
	"relay/server"
)

// Handler вызывается на каждую входящую доставку и должен быстро возвращаться
type Handler func(d dto.Delivery)

// Endpoint входящая точка пира, на которую хаб доставляет сообщения
type Endpoint interface {
	// Addr callback адрес для регистрации в хабе
	Addr() string
	Start(h Handler) error
	Close() error
}

// NewEndpoint занимает адрес для выбранного транспорта. Ошибка означает,
// что пир не может принимать сообщения и стартовать не должен.
func NewEndpoint(cfg config.PeerConfig, id string) (Endpoint, error) {
	switch cfg.Transport {
	case config.TransportHTTP:
		return newHTTPEndpoint(cfg.Listen, cfg.Advertise, id)
	case config.TransportTCP:
		return newTCPEndpoint(cfg.Listen, cfg.Advertise)
	case config.TransportNATS:
		return newNATSEndpoint(cfg.NATSURL, id)
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", config.ErrInvalid, cfg.Transport)
	}
}

// HTTPEndpoint принимает POST /peer/<id>
type HTTPEndpoint struct {
	l    net.Listener
	srv  *http.Server
	path string
	addr string
}

func newHTTPEndpoint(listen string, advertise string, id string) (*HTTPEndpoint, error) {
	l, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("error start listener on %s. %w", listen, err)
	}
	path := "/peer/" + url.PathEscape(id)
	return &HTTPEndpoint{
		l:    l,
		path: path,
		addr: "http://" + advertiseAddr(l.Addr(), advertise) + path,
	}, nil
}

func (e *HTTPEndpoint) Addr() string {
	return e.addr
}

func (e *HTTPEndpoint) Start(h Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc(e.path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var d dto.Delivery
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&d); err != nil {
			log.Err("error decode delivery. %w", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h(d)
		w.WriteHeader(http.StatusNoContent)
	})
	e.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := e.srv.Serve(e.l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Err("error serve callback endpoint. %w", err)
		}
	}()
	return nil
}

func (e *HTTPEndpoint) Close() error {
	if e.srv == nil {
		return e.l.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return e.srv.Shutdown(ctx)
}

// TCPEndpoint принимает JSON строки по TCP
type TCPEndpoint struct {
	srv       *server.TcpServer[dto.Delivery]
	advertise string
	handler   Handler
}

func newTCPEndpoint(listen string, advertise string) (*TCPEndpoint, error) {
	e := &TCPEndpoint{advertise: advertise}
	e.srv = server.NewTcpServer[dto.Delivery](
		listen,
		server.HandlerFunc[dto.Delivery](func(ctx context.Context, msg dto.Delivery) {
			e.handler(msg)
		}),
		codec.NewJson[dto.Delivery](),
	)
	if err := e.srv.Listen(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *TCPEndpoint) Addr() string {
	return "tcp://" + advertiseAddr(e.srv.Addr(), e.advertise)
}

func (e *TCPEndpoint) Start(h Handler) error {
	e.handler = h
	go func() {
		if err := e.srv.Serve(); err != nil {
			log.Err("error serve callback endpoint. %w", err)
		}
	}()
	return nil
}

func (e *TCPEndpoint) Close() error {
	return e.srv.Shutdown()
}

// NATSEndpoint слушает subject relay.peer.<id>
type NATSEndpoint struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
	addr    string
}

func newNATSEndpoint(natsURL string, id string) (*NATSEndpoint, error) {
	u, err := url.Parse(natsURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: bad nats url %q", config.ErrInvalid, natsURL)
	}
	conn, err := nats.Connect(natsURL, nats.Name("relay-peer-"+id))
	if err != nil {
		return nil, fmt.Errorf("error connect to nats %s. %w", natsURL, err)
	}
	subject := "relay.peer." + id
	callback := url.URL{Scheme: "nats", Host: u.Host, User: u.User, Path: "/" + subject}
	return &NATSEndpoint{conn: conn, subject: subject, addr: callback.String()}, nil
}

func (e *NATSEndpoint) Addr() string {
	return e.addr
}

func (e *NATSEndpoint) Start(h Handler) error {
	sub, err := e.conn.Subscribe(e.subject, func(msg *nats.Msg) {
		var d dto.Delivery
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			log.Err("error decode delivery. %w", err)
			return
		}
		h(d)
	})
	if err != nil {
		return fmt.Errorf("error subscribe to %s. %w", e.subject, err)
	}
	e.sub = sub
	return e.conn.Flush()
}

func (e *NATSEndpoint) Close() error {
	if e.sub != nil {
		_ = e.sub.Unsubscribe()
	}
	e.conn.Close()
	return nil
}

// advertiseAddr адрес, который хаб сможет набрать. Для listen без хоста
// берется advertise или loopback.
func advertiseAddr(addr net.Addr, advertise string) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	if advertise != "" {
		host = advertise
	} else if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
