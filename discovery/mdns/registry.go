package mdns

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"relay/discovery"
	"relay/log"
)

const (
	Service = "_relayhub._tcp"
	Domain  = "local."

	defaultLookupTimeout = 3 * time.Second
)

type Registry struct {
	server  *mdns.Server
	curPeer discovery.Peer
	timeout time.Duration
}

// NewRegistry timeout ограничивает Lookup, если у ctx нет дедлайна
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	return &Registry{timeout: timeout}
}

func (r *Registry) Lookup(ctx context.Context) ([]discovery.Peer, error) {
	timeout := r.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return nil, ctx.Err()
	}

	entriesCh := make(chan *mdns.ServiceEntry, 4)
	done := make(chan []discovery.Peer, 1)
	go func() {
		var peers []discovery.Peer
		seen := map[string]bool{}
		for entry := range entriesCh {
			peer, ok := peerFromEntry(entry)
			if !ok || peer.Id == r.curPeer.Id || seen[peer.Id] {
				continue
			}
			seen[peer.Id] = true
			peers = append(peers, peer)
		}
		done <- peers
	}()

	err := mdns.Query(&mdns.QueryParam{
		Service:     Service,
		Domain:      Domain,
		Timeout:     timeout,
		Entries:     entriesCh,
		DisableIPv6: true,
	})
	close(entriesCh)
	peers := <-done
	if err != nil {
		return peers, fmt.Errorf("error lookup service. %w", err)
	}
	return peers, nil
}

func (r *Registry) Register(peer discovery.Peer) error {
	r.curPeer = peer
	host, portStr, err := net.SplitHostPort(hostPort(peer.Addr))
	if err != nil {
		return fmt.Errorf("error parse node address format '%s'. %w", peer.Addr, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("error parse node address port '%s'. %w", portStr, err)
	}

	// для адреса без хоста mdns сам определит адреса по имени машины
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() {
		ips = []net.IP{ip}
	}

	info := []string{
		peer.Id,
		peer.Name,
		peer.Addr,
	}

	s, err := mdns.NewMDNSService(
		peer.Id,
		Service,
		Domain,
		"",
		port,
		ips,
		info,
	)
	if err != nil {
		return fmt.Errorf("error create mdns instance. %w", err)
	}

	r.server, err = mdns.NewServer(&mdns.Config{Zone: s})
	if err != nil {
		return fmt.Errorf("error create mdns server. %w", err)
	}

	log.Info("Advertising %s as %s.%s", peer.Addr, Service, Domain)
	return nil
}

func (r *Registry) Unregister() error {
	if r.server == nil {
		return nil
	}
	return r.server.Shutdown()
}

// peerFromEntry восстанавливает узел из TXT записи [id, name, addr].
// Если хаб слушает без явного хоста, подставляется адрес из ответа mDNS.
func peerFromEntry(entry *mdns.ServiceEntry) (discovery.Peer, bool) {
	if entry == nil || !strings.Contains(entry.Name, Service) || len(entry.InfoFields) < 3 {
		return discovery.Peer{}, false
	}
	peer := discovery.NewPeer(entry.InfoFields[0], entry.InfoFields[1], entry.InfoFields[2])
	if peer.Id == "" || peer.Addr == "" {
		return discovery.Peer{}, false
	}

	host, port, err := net.SplitHostPort(hostPort(peer.Addr))
	if err != nil {
		return discovery.Peer{}, false
	}
	if ip := net.ParseIP(host); (host == "" || (ip != nil && ip.IsUnspecified())) && entry.AddrV4 != nil {
		peer.Addr = net.JoinHostPort(entry.AddrV4.String(), port)
	}
	if peer.Name == "" {
		peer.Name = peer.Addr
	}
	return peer, true
}

// hostPort отрезает схему и путь: http://host:port/x -> host:port
func hostPort(addr string) string {
	if i := strings.Index(addr, "://"); i >= 0 {
		addr = addr[i+3:]
	}
	if i := strings.Index(addr, "/"); i >= 0 {
		addr = addr[:i]
	}
	return addr
}
