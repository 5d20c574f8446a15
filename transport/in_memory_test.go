package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensentinel/collab/core"
)

var _ core.Transport = (*InMemory)(nil)

func TestInMemory_PublishDeliversToCurrentSubscribers(t *testing.T) {
	tr := NewInMemory()

	var mu sync.Mutex
	var got [][]byte
	unsub, err := tr.Subscribe("agent:a1", func(data []byte) {
		mu.Lock()
		got = append(got, data)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	n, err := tr.Publish(context.Background(), "agent:a1", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "hello", string(got[0]))
	mu.Unlock()
}

func TestInMemory_PublishWithoutSubscribers(t *testing.T) {
	tr := NewInMemory()
	n, err := tr.Publish(context.Background(), "nobody", []byte("x"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInMemory_Unsubscribe(t *testing.T) {
	tr := NewInMemory()

	called := make(chan struct{}, 4)
	unsub, err := tr.Subscribe("ch", func([]byte) { called <- struct{}{} })
	require.NoError(t, err)

	unsub()
	unsub() // second call is a no-op

	n, err := tr.Publish(context.Background(), "ch", []byte("x"))
	require.NoError(t, err)
	assert.Zero(t, n)

	select {
	case <-called:
		t.Fatal("handler invoked after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInMemory_FanOut(t *testing.T) {
	tr := NewInMemory()

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		_, err := tr.Subscribe("broadcast", func([]byte) { wg.Done() })
		require.NoError(t, err)
	}
	assert.Equal(t, 3, tr.Subscribers("broadcast"))

	n, err := tr.Publish(context.Background(), "broadcast", []byte("all"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all subscribers received the payload")
	}
}

func TestInMemory_PayloadCopyIsolation(t *testing.T) {
	tr := NewInMemory()

	got := make(chan []byte, 1)
	_, err := tr.Subscribe("ch", func(data []byte) { got <- data })
	require.NoError(t, err)

	payload := []byte("abc")
	_, err = tr.Publish(context.Background(), "ch", payload)
	require.NoError(t, err)
	payload[0] = 'z'

	select {
	case data := <-got:
		assert.Equal(t, "abc", string(data))
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
}
