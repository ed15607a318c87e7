package hub

import (
	"fmt"
	"time"

	"github.com/fogfish/opts"
)

const (
	DefaultDeliveryTimeout = 3 * time.Second
	DefaultWorkers         = 16
)

type settings struct {
	capacity        int
	deliveryTimeout time.Duration
	workers         int
}

type Option = opts.Option[settings]

// WithCapacity начальный размер реестра
var WithCapacity = opts.ForName[settings, int]("capacity")

// WithDeliveryTimeout сколько хаб ждет одного пира, прежде чем бросить доставку
func WithDeliveryTimeout(d time.Duration) Option {
	return opts.Type[settings](func(s *settings) error {
		if d <= 0 {
			return fmt.Errorf("delivery timeout must be positive, got %s", d)
		}
		s.deliveryTimeout = d
		return nil
	})
}

// WithWorkers ограничивает число одновременных доставок по всем рассылкам
func WithWorkers(n int) Option {
	return opts.Type[settings](func(s *settings) error {
		if n < 1 {
			return fmt.Errorf("workers must be at least 1, got %d", n)
		}
		s.workers = n
		return nil
	})
}
