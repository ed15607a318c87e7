package peer

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/client"
	"relay/config"
	"relay/discovery"
	"relay/dto"
	"relay/server/hub"
	"relay/server/relay"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testPeerConfig(hubAddr string, name string, transport string) config.PeerConfig {
	return config.PeerConfig{
		Name:      name,
		Hub:       hubAddr,
		Listen:    "127.0.0.1:0",
		Transport: transport,
		Retry: config.RetryConfig{
			MaxAttempts: 3,
			Backoff:     10 * time.Millisecond,
			MaxBackoff:  20 * time.Millisecond,
		},
	}
}

// fakeHub отвечает failRegister раз ошибкой на /register и копит /send
type fakeHub struct {
	failRegister int32
	failSend     bool

	registers atomic.Int32
	mu        sync.Mutex
	sent      []dto.Message
}

func (h *fakeHub) start(t *testing.T) string {
	mux := http.NewServeMux()
	mux.HandleFunc(client.RegisterPath, func(w http.ResponseWriter, r *http.Request) {
		if h.registers.Add(1) <= h.failRegister {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc(client.SendPath, func(w http.ResponseWriter, r *http.Request) {
		if h.failSend {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var msg dto.Message
		_ = json.NewDecoder(r.Body).Decode(&msg)
		h.mu.Lock()
		h.sent = append(h.sent, msg)
		h.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	s := httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s.URL
}

func (h *fakeHub) messages() []dto.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]dto.Message(nil), h.sent...)
}

func newTestAgent(t *testing.T, cfg config.PeerConfig, out *syncBuffer) *Agent {
	t.Helper()
	a, err := New(cfg, out)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestRetryPolicy_Delay(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 6, Backoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, 800*time.Millisecond, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(5))
	assert.Equal(t, time.Second, p.Delay(30))
}

func TestAgent_StartRetriesRegistration(t *testing.T) {
	t.Parallel()

	h := &fakeHub{failRegister: 2}
	a := newTestAgent(t, testPeerConfig(h.start(t), "alice", config.TransportHTTP), &syncBuffer{})

	require.NoError(t, a.Start(context.Background()))
	assert.EqualValues(t, 3, h.registers.Load())
}

func TestAgent_StartGivesUp(t *testing.T) {
	t.Parallel()

	h := &fakeHub{failRegister: 100}
	a := newTestAgent(t, testPeerConfig(h.start(t), "alice", config.TransportHTTP), &syncBuffer{})

	err := a.Start(context.Background())
	require.ErrorIs(t, err, ErrRegistration)
	assert.EqualValues(t, 3, h.registers.Load())
}

func TestAgent_StartUnreachableHub(t *testing.T) {
	t.Parallel()

	a := newTestAgent(t, testPeerConfig("127.0.0.1:1", "alice", config.TransportHTTP), &syncBuffer{})
	require.ErrorIs(t, a.Start(context.Background()), ErrRegistration)
}

func TestAgent_RunSkipsEmptyLines(t *testing.T) {
	t.Parallel()

	h := &fakeHub{}
	a := newTestAgent(t, testPeerConfig(h.start(t), "alice", config.TransportHTTP), &syncBuffer{})
	require.NoError(t, a.Start(context.Background()))

	err := a.Run(context.Background(), strings.NewReader("hello\n\n   \nworld\n"))
	require.NoError(t, err)

	msgs := h.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, dto.NewTextMessage(a.Id(), "hello"), msgs[0])
	assert.Equal(t, dto.NewTextMessage(a.Id(), "world"), msgs[1])
}

func TestAgent_RunStopsWhenHubGone(t *testing.T) {
	t.Parallel()

	h := &fakeHub{failSend: true}
	a := newTestAgent(t, testPeerConfig(h.start(t), "alice", config.TransportHTTP), &syncBuffer{})
	require.NoError(t, a.Start(context.Background()))

	err := a.Run(context.Background(), strings.NewReader("hello\nnever sent\n"))
	require.ErrorIs(t, err, ErrHubGone)
}

func TestAgent_RunReturnsOnCancel(t *testing.T) {
	t.Parallel()

	h := &fakeHub{}
	a := newTestAgent(t, testPeerConfig(h.start(t), "alice", config.TransportHTTP), &syncBuffer{})
	require.NoError(t, a.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	in := &blockingReader{}
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, in) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type blockingReader struct{}

func (blockingReader) Read([]byte) (int, error) {
	select {}
}

func TestPrinter(t *testing.T) {
	t.Parallel()

	out := &syncBuffer{}
	p := NewPrinter(out)
	p.Print(dto.NewDelivery("alice", "hi bob"))
	p.Print(dto.NewDelivery(dto.SystemLabel, "bob joined"))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "alice")
	assert.Contains(t, lines[0], ": hi bob")
	assert.Contains(t, lines[1], "bob joined")
}

func runNATS(t *testing.T) *natsserver.Server {
	t.Helper()
	s, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   natsserver.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go s.Start()
	require.True(t, s.ReadyForConnections(5*time.Second), "nats server did not start")
	t.Cleanup(s.Shutdown)
	return s
}

func TestNATSEndpoint(t *testing.T) {
	t.Parallel()

	s := runNATS(t)
	cfg := testPeerConfig("", "bob", config.TransportNATS)
	cfg.NATSURL = s.ClientURL()

	ep, err := NewEndpoint(cfg, "bob-id")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ep.Close() })
	assert.Equal(t, s.ClientURL()+"/relay.peer.bob-id", ep.Addr())

	got := make(chan dto.Delivery, 1)
	require.NoError(t, ep.Start(func(d dto.Delivery) { got <- d }))

	pub, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	defer pub.Close()
	payload, err := json.Marshal(dto.NewDelivery("alice", "hi"))
	require.NoError(t, err)
	require.NoError(t, pub.Publish("relay.peer.bob-id", payload))
	require.NoError(t, pub.Flush())

	select {
	case d := <-got:
		assert.Equal(t, dto.NewDelivery("alice", "hi"), d)
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
}

func TestAgent_EndToEnd(t *testing.T) {
	natsURL := runNATS(t).ClientURL()

	for _, transport := range []string{config.TransportHTTP, config.TransportTCP, config.TransportNATS} {
		t.Run(transport, func(t *testing.T) {
			t.Parallel()

			h, err := hub.NewInMemoryHub[dto.Delivery](hub.WithDeliveryTimeout(time.Second))
			require.NoError(t, err)
			r, err := relay.New(h)
			require.NoError(t, err)
			t.Cleanup(r.Close)
			s := httptest.NewServer(relay.NewAPI(r).Handler())
			t.Cleanup(s.Close)

			aliceOut, bobOut := &syncBuffer{}, &syncBuffer{}
			aliceCfg := testPeerConfig(s.URL, "alice", transport)
			aliceCfg.NATSURL = natsURL
			bobCfg := testPeerConfig(s.URL, "bob", transport)
			bobCfg.NATSURL = natsURL
			alice := newTestAgent(t, aliceCfg, aliceOut)
			bob := newTestAgent(t, bobCfg, bobOut)
			ctx := context.Background()

			require.NoError(t, alice.Start(ctx))
			require.NoError(t, bob.Start(ctx))
			require.Eventually(t, func() bool {
				_, ok := r.Registered(bob.Id())
				return ok
			}, time.Second, 10*time.Millisecond)

			require.NoError(t, alice.Run(ctx, strings.NewReader("hi bob\n")))

			assert.Eventually(t, func() bool {
				return strings.Contains(bobOut.String(), ": hi bob")
			}, 2*time.Second, 10*time.Millisecond)

			r.Wait()
			assert.NotContains(t, aliceOut.String(), "hi bob")
			assert.Eventually(t, func() bool {
				return strings.Contains(aliceOut.String(), "bob joined")
			}, 2*time.Second, 10*time.Millisecond)
		})
	}
}

type fakeRegistry struct {
	peers []discovery.Peer
	err   error
}

func (r *fakeRegistry) Register(discovery.Peer) error { return nil }
func (r *fakeRegistry) Unregister() error { return nil }
func (r *fakeRegistry) Lookup(context.Context) ([]discovery.Peer, error) {
	return r.peers, r.err
}

func TestResolveHub(t *testing.T) {
	t.Parallel()

	reg := &fakeRegistry{peers: []discovery.Peer{discovery.NewPeer("h1", "hub", "10.0.0.5:8081")}}

	t.Run("explicit address wins", func(t *testing.T) {
		cfg := config.PeerConfig{Hub: "127.0.0.1:9000", Discover: true, DiscoverTimeout: time.Second}
		require.NoError(t, ResolveHub(context.Background(), &cfg, reg))
		assert.Equal(t, "127.0.0.1:9000", cfg.Hub)
	})

	t.Run("discovered", func(t *testing.T) {
		cfg := config.PeerConfig{Discover: true, DiscoverTimeout: time.Second}
		require.NoError(t, ResolveHub(context.Background(), &cfg, reg))
		assert.Equal(t, "10.0.0.5:8081", cfg.Hub)
	})

	t.Run("nothing found", func(t *testing.T) {
		cfg := config.PeerConfig{Discover: true, DiscoverTimeout: time.Second}
		err := ResolveHub(context.Background(), &cfg, &fakeRegistry{})
		require.True(t, errors.Is(err, discovery.ErrNotFound))
	})
}
