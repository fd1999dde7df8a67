package eventhub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/validana-io/vserver/internal/protocol"
)

func TestEmitOrderAndGlobalSubscription(t *testing.T) {
	h := newHub()
	var order []int
	var mu sync.Mutex
	record := func(i int) Callback {
		return func(data any) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}
	}

	h.Subscribe(nil, "ff", record(1))
	h.Subscribe(nil, "ff", record(2))
	h.Subscribe(nil, "ff", record(3))

	h.Emit("ff", "payload")

	require.Equal(t, []int{1, 2, 3}, order)
}

func TestCloseRemovesSubscription(t *testing.T) {
	h := newHub()
	conn := protocol.NewConnection(protocol.KindWebSocket, nil, "c1")

	called := false
	h.Subscribe(conn, "ee", func(data any) { called = true })
	require.True(t, h.HasSubscribers("ee"))

	conn.Close()
	require.False(t, h.HasSubscribers("ee"), "subscription must be removed once connection closes")

	h.Emit("ee", "payload")
	require.False(t, called, "no callback belonging to a closed connection may run")
}

func TestPanickingCallbackDoesNotBlockLaterOnes(t *testing.T) {
	h := newHub()
	ranSecond := false
	h.Subscribe(nil, "s", func(data any) { panic("boom") })
	h.Subscribe(nil, "s", func(data any) { ranSecond = true })

	h.Emit("s", nil)

	require.True(t, ranSecond)
}

func TestUnsubscribeEmptiesSubtype(t *testing.T) {
	h := newHub()
	conn := protocol.NewConnection(protocol.KindWebSocket, nil, "c2")
	h.Subscribe(conn, "x", func(data any) {})
	require.Equal(t, 1, h.SubtypeCount())

	h.Unsubscribe(conn, "x")
	require.Equal(t, 0, h.SubtypeCount())
}

func TestRegistryIsPerEventType(t *testing.T) {
	r := NewRegistry()
	a := r.For("transactionId")
	b := r.For("transactionId")
	c := r.For("transaction")
	require.Same(t, a, b)
	require.NotSame(t, a, c)
}
