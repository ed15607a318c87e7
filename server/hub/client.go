package hub

import "context"

// Client описывает зарегистрированного в хабе пира
type Client[T any] interface {
	Id() string
	Name() string
	// Addr callback адрес, по которому пиру доставляются сообщения
	Addr() string
	// Send доставляет одно сообщение. Должен уважать дедлайн ctx.
	Send(ctx context.Context, msg T) error
	// Close освобождает исходящий канал. Вызывается при замене клиента.
	Close() error
}
