// Package peer реализует пира: входящую точку для доставок хаба,
// регистрацию с повторами и цикл отправки строк.
package peer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"relay/client"
	"relay/config"
	"relay/discovery"
	"relay/dto"
	"relay/log"
)

var (
	ErrRegistration = errors.New("registration failed")
	ErrHubGone      = errors.New("hub is gone")
)

// RetryPolicy экспоненциальная пауза между попытками регистрации
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

func RetryPolicyFrom(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{MaxAttempts: cfg.MaxAttempts, Backoff: cfg.Backoff, MaxBackoff: cfg.MaxBackoff}
}

// Delay пауза после неудачной попытки attempt (нумерация с 1)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

type Agent struct {
	id       string
	name     string
	hub      *client.HubClient
	endpoint Endpoint
	printer  *Printer
	retry    RetryPolicy
}

// New создает пира и занимает адрес входящей точки
func New(cfg config.PeerConfig, out io.Writer) (*Agent, error) {
	id := uuid.NewString()
	ep, err := NewEndpoint(cfg, id)
	if err != nil {
		return nil, err
	}
	return &Agent{
		id:       id,
		name:     cfg.Name,
		hub:      client.NewHubClient(cfg.Hub, 0),
		endpoint: ep,
		printer:  NewPrinter(out),
		retry:    RetryPolicyFrom(cfg.Retry),
	}, nil
}

func (a *Agent) Id() string {
	return a.id
}

func (a *Agent) CallbackAddr() string {
	return a.endpoint.Addr()
}

// Start открывает входящую точку и регистрируется в хабе.
// Если все попытки исчерпаны, возвращает ErrRegistration.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.endpoint.Start(a.deliver); err != nil {
		return err
	}
	log.Info("Callback endpoint on %s", a.endpoint.Addr())

	if err := a.register(ctx); err != nil {
		_ = a.endpoint.Close()
		return err
	}
	log.Info("Registered at %s as %q (%s)", a.hub.BaseURL(), a.name, a.id)
	return nil
}

// Run читает строки из in и отправляет их в хаб. Возвращает nil по концу
// ввода или отмене ctx, и ErrHubGone, если хаб перестал отвечать.
func (a *Agent) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("error read input. %w", err)
			}
			return nil
		case line := <-lines:
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if err := a.hub.Send(ctx, dto.NewTextMessage(a.id, text)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Err("error send message, stop sending. %w", err)
				return fmt.Errorf("%w: %w", ErrHubGone, err)
			}
		}
	}
}

func (a *Agent) Close() error {
	return a.endpoint.Close()
}

func (a *Agent) deliver(d dto.Delivery) {
	a.printer.Print(d)
}

func (a *Agent) register(ctx context.Context) error {
	reg := dto.NewRegistration(a.id, a.name, a.endpoint.Addr())

	var lastErr error
	for attempt := 1; attempt <= a.retry.MaxAttempts; attempt++ {
		lastErr = a.hub.Register(ctx, reg)
		if lastErr == nil {
			return nil
		}
		log.Err("register attempt %d/%d failed. %w", attempt, a.retry.MaxAttempts, lastErr)
		if attempt == a.retry.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrRegistration, ctx.Err())
		case <-time.After(a.retry.Delay(attempt)):
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRegistration, a.retry.MaxAttempts, lastErr)
}

// ResolveHub подставляет адрес хаба из mDNS, если он не задан явно
func ResolveHub(ctx context.Context, cfg *config.PeerConfig, reg discovery.Registry) error {
	if cfg.Hub != "" || !cfg.Discover {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.DiscoverTimeout)
	defer cancel()

	hub, err := discovery.FirstHub(ctx, reg)
	if err != nil {
		return fmt.Errorf("error discover hub. %w", err)
	}
	log.Info("Discovered hub %q at %s", hub.Name, hub.Addr)
	cfg.Hub = hub.Addr
	return nil
}
