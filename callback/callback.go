// Package callback строит исходящие каналы от хаба к пирам по callback адресу.
//
// Канал создается лениво: Dial никогда не обращается к сети, а ошибки
// разбора адреса и подключения проявляются только при первой доставке.
package callback

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/alphadose/haxmap"

	"relay/dto"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported callback scheme")
	ErrClosed            = errors.New("callback channel closed")
)

// Deliverer доставляет сообщение одному пиру. Реализации должны учитывать
// дедлайн ctx и быть безопасными для конкурентного вызова.
type Deliverer interface {
	Deliver(ctx context.Context, msg dto.Delivery) error
	Close() error
}

// Factory создает канал для разобранного callback адреса
type Factory func(addr *url.URL) (Deliverer, error)

var factories = haxmap.New[string, Factory]()

func init() {
	Register("http", newHTTP)
	Register("https", newHTTP)
	Register("tcp", newTCP)
	Register("nats", newNATS)
}

// Register добавляет или заменяет фабрику для схемы
func Register(scheme string, f Factory) {
	factories.Set(strings.ToLower(scheme), f)
}

// Dial возвращает ленивый канал к addr
func Dial(addr string) Deliverer {
	return &lazy{addr: addr}
}

func build(addr string) (Deliverer, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("error parse callback address %q. %w", addr, err)
	}
	f, ok := factories.Get(strings.ToLower(u.Scheme))
	if !ok {
		return nil, fmt.Errorf("%w %q in %q", ErrUnsupportedScheme, u.Scheme, addr)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("error callback address %q has no host", addr)
	}
	return f(u)
}

type lazy struct {
	addr string

	mu     sync.Mutex
	d      Deliverer
	closed bool
}

func (l *lazy) Deliver(ctx context.Context, msg dto.Delivery) error {
	d, err := l.get()
	if err != nil {
		return err
	}
	return d.Deliver(ctx, msg)
}

func (l *lazy) get() (Deliverer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if l.d != nil {
		return l.d, nil
	}
	// неудачная попытка не запоминается, следующая доставка попробует снова
	d, err := build(l.addr)
	if err != nil {
		return nil, err
	}
	l.d = d
	return d, nil
}

func (l *lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.d == nil {
		return nil
	}
	err := l.d.Close()
	l.d = nil
	return err
}

func (l *lazy) String() string {
	return l.addr
}
