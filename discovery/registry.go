package discovery

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("no hub found")

// Peer описывает объявленный в сети узел
type Peer struct {
	Id   string
	Name string
	Addr string
}

func NewPeer(id string, name string, addr string) Peer {
	return Peer{Id: id, Name: name, Addr: addr}
}

type Registry interface {
	// Register объявляет узел в сети
	Register(peer Peer) error
	Unregister() error
	// Lookup собирает объявленные узлы, пока не истечет ctx или таймаут реализации
	Lookup(ctx context.Context) ([]Peer, error)
}

// FirstHub возвращает адрес первого найденного хаба
func FirstHub(ctx context.Context, reg Registry) (Peer, error) {
	peers, err := reg.Lookup(ctx)
	if err != nil {
		return Peer{}, err
	}
	if len(peers) == 0 {
		return Peer{}, ErrNotFound
	}
	return peers[0], nil
}
