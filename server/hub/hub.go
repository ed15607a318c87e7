package hub

import "context"

// Hub интерфейс описывающий структуру данных, в которой хранятся все зарегистрированные клиенты
type Hub[T any] interface {
	// AddClient добавляет клиента в хаб или заменяет клиента с тем же Id
	AddClient(ctx context.Context, c Client[T]) error
	// Client ищет клиента по Id
	Client(id string) (Client[T], bool)
	// Len количество зарегистрированных клиентов
	Len() int
	// Broadcast рассылает сообщение всем клиентам.
	// Можно передать BroadcastFilter для фильтрации тех клиентов,
	// кому должно быть доставлено сообщение.
	// Ошибки доставки не возвращаются, Report нужен только для учета.
	Broadcast(ctx context.Context, msg T, filters ...BroadcastFilter) Report
}

// Report итог одной рассылки
type Report struct {
	Attempted int
	Delivered int
	Failed    int
}

// BroadcastFilter служит для фильтрации клиентов при рассылке сообщений
type BroadcastFilter interface {
	filter(id string) bool
}

// ExcludeClientFilter исключает клиента из рассылки
type ExcludeClientFilter struct {
	id string
}

func (e ExcludeClientFilter) filter(id string) bool {
	return e.id != id
}

func NewExcludeClientFilter(id string) *ExcludeClientFilter {
	return &ExcludeClientFilter{id: id}
}
