package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// journal общий журнал доставок в порядке их выполнения
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeClient struct {
	id, name, addr string
	journal        *journal
	send           func(ctx context.Context, msg string) error
	onClose        func()
	closed         atomic.Bool
}

func newFakeClient(id string, j *journal) *fakeClient {
	return &fakeClient{id: id, name: id, addr: "fake://" + id, journal: j}
}

func (f *fakeClient) Id() string   { return f.id }
func (f *fakeClient) Name() string { return f.name }
func (f *fakeClient) Addr() string { return f.addr }
func (f *fakeClient) Close() error {
	if f.onClose != nil {
		f.onClose()
	}
	f.closed.Store(true)
	return nil
}

func (f *fakeClient) Send(ctx context.Context, msg string) error {
	if f.send != nil {
		if err := f.send(ctx, msg); err != nil {
			return err
		}
	}
	f.journal.add(f.addr + " " + msg)
	return nil
}

func newHub(t *testing.T, options ...Option) *InMemoryHub[string] {
	t.Helper()
	h, err := NewInMemoryHub[string](options...)
	require.NoError(t, err)
	return h
}

func TestInMemoryHub_AddClient(t *testing.T) {
	t.Parallel()

	t.Run("keeps one record per id, the latest one", func(t *testing.T) {
		h := newHub(t)
		j := &journal{}
		a1 := newFakeClient("a", j)
		b := newFakeClient("b", j)
		a2 := newFakeClient("a", j)
		a2.addr = "fake://a-new"

		for _, c := range []Client[string]{a1, b, a2} {
			require.NoError(t, h.AddClient(context.Background(), c))
		}

		assert.Equal(t, 2, h.Len())
		got, ok := h.Client("a")
		require.True(t, ok)
		assert.Same(t, a2, got)
		assert.Eventually(t, a1.closed.Load, time.Second, time.Millisecond, "replaced channel must be closed")
		assert.False(t, a2.closed.Load())
	})

	t.Run("slow close of the replaced client does not block", func(t *testing.T) {
		h := newHub(t)
		release := make(chan struct{})
		old := newFakeClient("a", &journal{})
		old.onClose = func() { <-release }
		require.NoError(t, h.AddClient(context.Background(), old))

		done := make(chan struct{})
		go func() {
			_ = h.AddClient(context.Background(), newFakeClient("a", &journal{}))
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("AddClient waited for Close of the replaced client")
		}
		assert.False(t, old.closed.Load())

		close(release)
		assert.Eventually(t, old.closed.Load, time.Second, time.Millisecond)
	})

	t.Run("same client twice is not closed", func(t *testing.T) {
		h := newHub(t)
		a := newFakeClient("a", &journal{})
		require.NoError(t, h.AddClient(context.Background(), a))
		require.NoError(t, h.AddClient(context.Background(), a))
		assert.False(t, a.closed.Load())
		assert.Equal(t, 1, h.Len())
	})

	t.Run("empty id is rejected", func(t *testing.T) {
		h := newHub(t)
		require.Error(t, h.AddClient(context.Background(), newFakeClient("", &journal{})))
		assert.Zero(t, h.Len())
	})
}

func TestInMemoryHub_Broadcast(t *testing.T) {
	t.Parallel()

	t.Run("registry order and position kept on re-registration", func(t *testing.T) {
		h := newHub(t, WithWorkers(1))
		j := &journal{}
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, h.AddClient(context.Background(), newFakeClient(id, j)))
		}
		b2 := newFakeClient("b", j)
		b2.addr = "fake://b-new"
		require.NoError(t, h.AddClient(context.Background(), b2))

		r := h.Broadcast(context.Background(), "hi")
		assert.Equal(t, Report{Attempted: 3, Delivered: 3}, r)
		assert.Equal(t, []string{"fake://a hi", "fake://b-new hi", "fake://c hi"}, j.all())
	})

	t.Run("excluded client never receives", func(t *testing.T) {
		h := newHub(t)
		j := &journal{}
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, h.AddClient(context.Background(), newFakeClient(id, j)))
		}

		r := h.Broadcast(context.Background(), "hi", NewExcludeClientFilter("a"))
		assert.Equal(t, Report{Attempted: 2, Delivered: 2}, r)
		assert.ElementsMatch(t, []string{"fake://b hi", "fake://c hi"}, j.all())
	})

	t.Run("only the sender registered", func(t *testing.T) {
		h := newHub(t)
		j := &journal{}
		require.NoError(t, h.AddClient(context.Background(), newFakeClient("a", j)))

		r := h.Broadcast(context.Background(), "hi", NewExcludeClientFilter("a"))
		assert.Equal(t, Report{}, r)
		assert.Empty(t, j.all())
	})

	t.Run("empty hub", func(t *testing.T) {
		assert.Equal(t, Report{}, newHub(t).Broadcast(context.Background(), "hi"))
	})
}

func TestInMemoryHub_BroadcastIsolation(t *testing.T) {
	t.Parallel()

	failures := map[string]func(ctx context.Context, msg string) error{
		"error": func(ctx context.Context, msg string) error {
			return errors.New("connection refused")
		},
		"honours deadline": func(ctx context.Context, msg string) error {
			<-ctx.Done()
			return ctx.Err()
		},
		"ignores deadline": func(ctx context.Context, msg string) error {
			time.Sleep(5 * time.Second)
			return nil
		},
	}

	for name, fail := range failures {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			// один воркер: доставка C возможна только если B был брошен по таймауту
			h := newHub(t, WithWorkers(1), WithDeliveryTimeout(50*time.Millisecond))
			j := &journal{}
			a := newFakeClient("a", j)
			b := newFakeClient("b", j)
			b.send = fail
			c := newFakeClient("c", j)
			for _, cl := range []Client[string]{a, b, c} {
				require.NoError(t, h.AddClient(context.Background(), cl))
			}

			start := time.Now()
			r := h.Broadcast(context.Background(), "hi", NewExcludeClientFilter("a"))
			assert.Less(t, time.Since(start), 2*time.Second)

			assert.Equal(t, Report{Attempted: 2, Delivered: 1, Failed: 1}, r)
			assert.Equal(t, []string{"fake://c hi"}, j.all())
		})
	}
}

func TestInMemoryHub_ConcurrentRegisterAndBroadcast(t *testing.T) {
	t.Parallel()

	h := newHub(t, WithWorkers(4))
	j := &journal{}

	var wg sync.WaitGroup
	for n := 0; n < 50; n++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			_ = h.AddClient(context.Background(), newFakeClient(fmt.Sprintf("p%d", n%10), j))
		}(n)
		go func() {
			defer wg.Done()
			r := h.Broadcast(context.Background(), "tick")
			assert.Equal(t, r.Attempted, r.Delivered+r.Failed)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, h.Len())
}

func TestNewInMemoryHub_Options(t *testing.T) {
	t.Parallel()

	_, err := NewInMemoryHub[string](WithWorkers(0))
	assert.Error(t, err)

	_, err = NewInMemoryHub[string](WithDeliveryTimeout(0))
	assert.Error(t, err)

	h, err := NewInMemoryHub[string](WithCapacity(128), WithDeliveryTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, time.Second, h.deliveryTimeout)
	assert.Equal(t, DefaultWorkers, cap(h.workerSem))
}
