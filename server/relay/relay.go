// Package relay реализует протокол хаба: регистрацию пиров и рассылку
// их сообщений всем остальным. Оба вызова односторонние: вызывающий не
// получает ни результата, ни ошибки, все сбои только логируются.
//
// Рассылки идут через одну очередь: следующая начинается, когда все доставки
// предыдущей завершились или истекли по таймауту.
package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/fogfish/opts"

	"relay/callback"
	"relay/dto"
	"relay/log"
	"relay/server/hub"
)

// DefaultQueueSize сколько рассылок может ждать своей очереди
const DefaultQueueSize = 1024

type Relay struct {
	hub       hub.Hub[dto.Delivery]
	announce  bool
	dial      func(addr string) callback.Deliverer
	queueSize int

	// рассылки выполняются по одной в порядке поступления, поэтому
	// сообщения одного отправителя доходят до каждого пира по порядку
	queue    chan job
	loopDone chan struct{}

	mu     sync.RWMutex
	closed bool

	// inflight учитывает рассылки, принятые односторонними вызовами
	inflight sync.WaitGroup
}

type job struct {
	ctx     context.Context
	msg     dto.Delivery
	filters []hub.BroadcastFilter
}

// WithAnnounce включает рассылку "joined" после регистрации
var WithAnnounce = opts.ForName[Relay, bool]("announce")

// WithQueueSize ограничивает очередь рассылок. Когда очередь полна,
// вызов ждет места.
func WithQueueSize(n int) opts.Option[Relay] {
	return opts.Type[Relay](func(r *Relay) error {
		if n < 1 {
			return fmt.Errorf("queue size must be positive, got %d", n)
		}
		r.queueSize = n
		return nil
	})
}

// WithDialer подменяет фабрику исходящих каналов
func WithDialer(dial func(addr string) callback.Deliverer) opts.Option[Relay] {
	return opts.Type[Relay](func(r *Relay) error {
		r.dial = dial
		return nil
	})
}

// New запускает обработчик очереди рассылок, остановить его можно через Close
func New(h hub.Hub[dto.Delivery], options ...opts.Option[Relay]) (*Relay, error) {
	r := &Relay{
		hub:       h,
		announce:  true,
		dial:      callback.Dial,
		queueSize: DefaultQueueSize,
	}
	if err := opts.Apply(r, options); err != nil {
		return nil, err
	}
	r.queue = make(chan job, r.queueSize)
	r.loopDone = make(chan struct{})
	go r.loop()
	return r, nil
}

// RegisterClient добавляет или заменяет пира. Запись попадает в реестр до
// возврата, объявление о входе рассылается асинхронно.
func (r *Relay) RegisterClient(ctx context.Context, reg dto.Registration) {
	if reg.Id == "" || reg.CallbackAddr == "" {
		log.Err("ignore registration %+v: id and callback address are required", reg)
		return
	}

	c := &peerClient{reg: reg, out: r.dial(reg.CallbackAddr)}
	if err := r.hub.AddClient(ctx, c); err != nil {
		log.Err("error add client %s to hub. %w", reg.Id, err)
		_ = c.Close()
		return
	}
	log.Info("User %q joined from %s", reg.Label(), reg.CallbackAddr)

	if !r.announce {
		return
	}
	r.dispatch(ctx, dto.NewDelivery(dto.SystemLabel, reg.Label()+" joined"))
}

// SendMessage рассылает text всем пирам, кроме отправителя.
// Неизвестный отправитель игнорируется.
func (r *Relay) SendMessage(ctx context.Context, senderId string, text string) {
	sender, ok := r.hub.Client(senderId)
	if !ok {
		log.Err("ignore message from unknown sender %q", senderId)
		return
	}

	label := sender.Name()
	log.Info("%s: %s", label, text)
	r.dispatch(ctx, dto.NewDelivery(label, text), hub.NewExcludeClientFilter(senderId))
}

// Registered возвращает текущее описание пира
func (r *Relay) Registered(id string) (dto.Registration, bool) {
	c, ok := r.hub.Client(id)
	if !ok {
		return dto.Registration{}, false
	}
	if p, ok := c.(*peerClient); ok {
		return p.reg, true
	}
	return dto.NewRegistration(c.Id(), c.Name(), c.Addr()), true
}

// Wait дожидается завершения всех принятых рассылок
func (r *Relay) Wait() {
	r.inflight.Wait()
}

// Close перестает принимать рассылки и дожидается уже принятых
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.queue)
	<-r.loopDone
}

func (r *Relay) dispatch(ctx context.Context, msg dto.Delivery, filters ...hub.BroadcastFilter) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		log.Err("drop broadcast from %q: relay is closed", msg.From)
		return
	}

	r.inflight.Add(1)
	// рассылка переживает вызов, который ее запустил
	j := job{ctx: context.WithoutCancel(ctx), msg: msg, filters: filters}
	select {
	case r.queue <- j:
		return
	default:
	}
	select {
	case r.queue <- j:
	case <-ctx.Done():
		r.inflight.Done()
		log.Err("drop broadcast from %q: queue is full. %w", msg.From, ctx.Err())
	}
}

func (r *Relay) loop() {
	defer close(r.loopDone)
	for j := range r.queue {
		report := r.hub.Broadcast(j.ctx, j.msg, j.filters...)
		log.Debug("broadcast from %q: attempted=%d delivered=%d failed=%d",
			j.msg.From, report.Attempted, report.Delivered, report.Failed)
		r.inflight.Done()
	}
}
