package relay

import (
	"context"

	"relay/callback"
	"relay/dto"
)

// peerClient запись реестра: описание пира и его исходящий канал
type peerClient struct {
	reg dto.Registration
	out callback.Deliverer
}

func (p *peerClient) Id() string {
	return p.reg.Id
}

func (p *peerClient) Name() string {
	return p.reg.Label()
}

func (p *peerClient) Addr() string {
	return p.reg.CallbackAddr
}

func (p *peerClient) Send(ctx context.Context, msg dto.Delivery) error {
	return p.out.Deliver(ctx, msg)
}

func (p *peerClient) Close() error {
	return p.out.Close()
}
