package hub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fogfish/opts"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"relay/log"
)

// InMemoryHub хранит клиентов в порядке первой регистрации.
// Повторная регистрация с тем же Id сохраняет позицию клиента.
type InMemoryHub[T any] struct {
	mu      sync.RWMutex
	clients *orderedmap.OrderedMap[string, Client[T]]

	deliveryTimeout time.Duration
	workerSem       chan struct{}
}

func NewInMemoryHub[T any](options ...Option) (*InMemoryHub[T], error) {
	s := settings{
		deliveryTimeout: DefaultDeliveryTimeout,
		workers:         DefaultWorkers,
	}
	if err := opts.Apply(&s, options); err != nil {
		return nil, fmt.Errorf("error apply hub options. %w", err)
	}

	return &InMemoryHub[T]{
		clients:         orderedmap.New[string, Client[T]](s.capacity),
		deliveryTimeout: s.deliveryTimeout,
		workerSem:       make(chan struct{}, s.workers),
	}, nil
}

func (i *InMemoryHub[T]) AddClient(ctx context.Context, c Client[T]) error {
	if c.Id() == "" {
		return fmt.Errorf("error add client: empty id")
	}

	i.mu.Lock()
	prev, replaced := i.clients.Set(c.Id(), c)
	i.mu.Unlock()

	// Close старого канала может ждать незавершенную доставку, регистрация его не ждет
	if replaced && prev != c {
		go func() {
			if err := prev.Close(); err != nil {
				log.Err("error close replaced client %s (%s). %w", prev.Id(), prev.Addr(), err)
			}
		}()
	}
	return nil
}

func (i *InMemoryHub[T]) Client(id string) (Client[T], bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.clients.Get(id)
}

func (i *InMemoryHub[T]) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.clients.Len()
}

// Broadcast рассылает msg по снимку реестра, сделанному в начале вызова.
// Каждая доставка идет в своей горутине со своим таймаутом; зависший или
// недоступный клиент не задерживает остальных дольше deliveryTimeout.
func (i *InMemoryHub[T]) Broadcast(ctx context.Context, msg T, filters ...BroadcastFilter) Report {
	clientsToSend := i.filterClients(filters)
	report := Report{Attempted: len(clientsToSend)}

	var (
		wg        sync.WaitGroup
		delivered atomic.Int32
		failed    atomic.Int32
	)

dispatch:
	for n, c := range clientsToSend {
		select {
		case i.workerSem <- struct{}{}:
		case <-ctx.Done():
			skipped := len(clientsToSend) - n
			failed.Add(int32(skipped))
			log.Err("broadcast abandoned, %d deliveries skipped. %w", skipped, ctx.Err())
			break dispatch
		}

		wg.Add(1)
		go func(c Client[T]) {
			defer func() {
				<-i.workerSem
				wg.Done()
			}()

			if err := i.send(ctx, c, msg); err != nil {
				failed.Add(1)
				log.Err("error send msg to client %s (%s). %w", c.Id(), c.Addr(), err)
				return
			}
			delivered.Add(1)
		}(c)
	}

	wg.Wait()
	report.Delivered = int(delivered.Load())
	report.Failed = int(failed.Load())
	return report
}

func (i *InMemoryHub[T]) send(ctx context.Context, c Client[T], msg T) error {
	legCtx, cancel := context.WithTimeout(ctx, i.deliveryTimeout)
	defer cancel()

	// клиент, который не смотрит на ctx, все равно не задержит рассылку
	done := make(chan error, 1)
	go func() {
		done <- c.Send(legCtx, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-legCtx.Done():
		return legCtx.Err()
	}
}

func (i *InMemoryHub[T]) filterClients(filters []BroadcastFilter) []Client[T] {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]Client[T], 0, i.clients.Len())
	var skip bool
	for pair := i.clients.Oldest(); pair != nil; pair = pair.Next() {
		skip = false
		for _, filter := range filters {
			if !filter.filter(pair.Key) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}

		out = append(out, pair.Value)
	}
	return out
}
