package broadcast

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/surrealshop/pkg/remote"
)

type collector struct {
	mu  sync.Mutex
	got []Message
}

func (c *collector) add(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, m)
}

func (c *collector) messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.got...)
}

func (c *collector) ids() []string {
	var out []string
	for _, m := range c.messages() {
		out = append(out, m.ID)
	}
	return out
}

func TestHubDeliversToOthersInOrder(t *testing.T) {
	hub := NewHub()
	a := hub.Open("sync")
	b := hub.Open("sync")
	c := hub.Open("other")
	defer a.Close()
	defer b.Close()
	defer c.Close()

	var atA, atB, atC collector
	a.OnUpdate(atA.add)
	b.OnUpdate(atB.add)
	c.OnUpdate(atC.add)

	for _, id := range []string{"1", "2", "3", "4"} {
		require.NoError(t, a.Broadcast(id, 7))
	}

	require.Eventually(t, func() bool { return len(atB.messages()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3", "4"}, atB.ids())
	got := atB.messages()[0]
	assert.Equal(t, "sync", got.Channel)
	assert.Equal(t, int64(7), got.Version)
	assert.Equal(t, a.Origin(), got.Origin)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, atA.messages())
	assert.Empty(t, atC.messages())
}

func TestHubUnsubscribeAndClose(t *testing.T) {
	hub := NewHub()
	a := hub.Open("sync")
	b := hub.Open("sync")
	assert.Equal(t, 2, hub.Peers("sync"))

	var got collector
	unsubscribe := b.OnUpdate(got.add)
	unsubscribe()
	require.NoError(t, a.Broadcast("x", 1))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, got.messages())

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, 1, hub.Peers("sync"))
	require.ErrorIs(t, b.Broadcast("x", 2), ErrClosed)
	require.NoError(t, a.Close())
	assert.Equal(t, 0, hub.Peers("sync"))
}

func TestNoopAndOpen(t *testing.T) {
	ch := Open(nil, "sync")
	var got collector
	unsubscribe := ch.OnUpdate(got.add)
	require.NoError(t, ch.Broadcast("x", 1))
	unsubscribe()
	require.NoError(t, ch.Close())
	assert.Empty(t, got.messages())

	hub := NewHub()
	ep := Open(hub, "sync")
	_, ok := ep.(*Endpoint)
	assert.True(t, ok)
}

func TestDecodeIgnoresInlinedPayload(t *testing.T) {
	m, err := Decode([]byte(`{"id":"hero","version":3,"origin":"tab-1","entity":{"media":"data:image/png;base64,AAAA"},"sentAt":"2024-05-01T10:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, Message{
		ID:      "hero",
		Version: 3,
		Origin:  "tab-1",
		SentAt:  time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}, m)

	frame, err := Encode(m)
	require.NoError(t, err)
	assert.NotContains(t, string(frame), "entity")

	_, err = Decode([]byte(`{"version":1}`))
	require.Error(t, err)
	_, err = Decode([]byte(`{"id":"x","version":"high"}`))
	require.Error(t, err)
	m, err = Decode([]byte(`{"id":"x"}`))
	require.NoError(t, err)
	assert.Zero(t, m.Version)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestRelayBetweenProcesses(t *testing.T) {
	relay := NewRelay(nil)
	server := httptest.NewServer(relay)
	defer server.Close()
	defer relay.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := Dial(ctx, wsURL(server), "sync", nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := Dial(ctx, wsURL(server), "sync", nil)
	require.NoError(t, err)
	defer b.Close()
	c, err := Dial(ctx, wsURL(server), "elsewhere", nil)
	require.NoError(t, err)
	defer c.Close()

	require.Eventually(t, func() bool { return relay.Clients("sync") == 2 }, time.Second, 5*time.Millisecond)

	var atA, atB, atC collector
	a.OnUpdate(atA.add)
	b.OnUpdate(atB.add)
	c.OnUpdate(atC.add)

	require.NoError(t, a.Broadcast("hero", 4))
	require.NoError(t, a.Broadcast("promo", 5))

	require.Eventually(t, func() bool { return len(atB.messages()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hero", "promo"}, atB.ids())
	assert.Equal(t, a.Origin(), atB.messages()[0].Origin)
	assert.Equal(t, int64(4), atB.messages()[0].Version)

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, atA.messages())
	assert.Empty(t, atC.messages())
}

func TestRelayStripsUnknownFields(t *testing.T) {
	relay := NewRelay(nil)
	server := httptest.NewServer(relay)
	defer server.Close()
	defer relay.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	listener, err := Dial(ctx, wsURL(server), "sync", nil)
	require.NoError(t, err)
	defer listener.Close()

	raw, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL(server)+"?channel=sync", nil)
	require.NoError(t, err)
	defer raw.Close()
	require.Eventually(t, func() bool { return relay.Clients("sync") == 2 }, time.Second, 5*time.Millisecond)

	frames := make(chan []byte, 1)
	go func() {
		_, data, err := raw.ReadMessage()
		if err == nil {
			frames <- data
		}
	}()

	var got collector
	listener.OnUpdate(got.add)
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(`{"id":"hero","version":2,"payload":{"media":"big"}}`)))
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	require.Eventually(t, func() bool { return len(got.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "hero", got.messages()[0].ID)
	assert.Equal(t, "sync", got.messages()[0].Channel)

	require.NoError(t, listener.Broadcast("promo", 1))
	select {
	case data := <-frames:
		assert.Contains(t, string(data), `"id":"promo"`)
		assert.NotContains(t, string(data), "payload")
	case <-time.After(2 * time.Second):
		t.Fatal("raw client did not receive the relayed frame")
	}
}

func TestRelayRequiresChannel(t *testing.T) {
	server := httptest.NewServer(NewRelay(nil))
	defer server.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestRemoteEndpointClose(t *testing.T) {
	relay := NewRelay(nil)
	server := httptest.NewServer(relay)
	defer server.Close()

	e, err := Dial(context.Background(), wsURL(server), "sync", nil)
	require.NoError(t, err)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	require.ErrorIs(t, e.Broadcast("x", 1), ErrClosed)

	select {
	case <-e.Done():
	default:
		t.Fatal("done not closed")
	}
	require.NoError(t, relay.Close())
}

func TestRelayLocalEndpoints(t *testing.T) {
	relay := NewRelay(nil)
	server := httptest.NewServer(relay)
	defer server.Close()
	defer relay.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serving := relay.Open("sync")
	defer serving.Close()
	sibling := relay.Open("sync")
	defer sibling.Close()
	elsewhere := relay.Open("elsewhere")
	defer elsewhere.Close()

	remoteTab, err := Dial(ctx, wsURL(server), "sync", nil)
	require.NoError(t, err)
	defer remoteTab.Close()
	require.Eventually(t, func() bool { return relay.Clients("sync") == 1 }, time.Second, 5*time.Millisecond)

	var atServing, atSibling, atElsewhere, atRemote collector
	serving.OnUpdate(atServing.add)
	sibling.OnUpdate(atSibling.add)
	elsewhere.OnUpdate(atElsewhere.add)
	remoteTab.OnUpdate(atRemote.add)

	require.NoError(t, serving.Broadcast("hero", 2))
	require.Eventually(t, func() bool { return len(atRemote.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(atSibling.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, serving.Origin(), atRemote.messages()[0].Origin)
	assert.Equal(t, int64(2), atRemote.messages()[0].Version)

	require.NoError(t, remoteTab.Broadcast("promo", 3))
	require.Eventually(t, func() bool { return len(atServing.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "promo", atServing.messages()[0].ID)
	assert.Equal(t, "sync", atServing.messages()[0].Channel)
	assert.Equal(t, remoteTab.Origin(), atServing.messages()[0].Origin)

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, atElsewhere.messages())
	assert.Len(t, atRemote.messages(), 1)

	require.NoError(t, sibling.Close())
	require.ErrorIs(t, sibling.Broadcast("x", 1), ErrClosed)
}

// swappable serves whichever relay is current, so a test can restart it.
type swappable struct {
	current atomic.Pointer[Relay]
}

func (s *swappable) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.current.Load().ServeHTTP(w, r)
}

func TestRemoteEndpointReconnects(t *testing.T) {
	var relays swappable
	relays.current.Store(NewRelay(nil))
	server := httptest.NewServer(&relays)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fast := WithRetryer(remote.ConstantBackoff(10*time.Millisecond, 0))
	a, err := Dial(ctx, wsURL(server), "sync", nil, fast)
	require.NoError(t, err)
	defer a.Close()
	b, err := Dial(ctx, wsURL(server), "sync", nil, fast)
	require.NoError(t, err)
	defer b.Close()

	var atB collector
	b.OnUpdate(atB.add)

	first := relays.current.Load()
	require.Eventually(t, func() bool { return first.Clients("sync") == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, a.Broadcast("hero", 1))
	require.Eventually(t, func() bool { return len(atB.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)

	second := NewRelay(nil)
	defer second.Close()
	relays.current.Store(second)
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool { return second.Clients("sync") == 2 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return a.Broadcast("promo", 2) == nil
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		ids := atB.ids()
		return len(ids) >= 2 && ids[len(ids)-1] == "promo"
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case <-a.Done():
		t.Fatal("endpoint closed instead of reconnecting")
	default:
	}
}

func TestRemoteEndpointGivesUp(t *testing.T) {
	relay := NewRelay(nil)
	server := httptest.NewServer(relay)

	e, err := Dial(context.Background(), wsURL(server), "sync", nil, WithRetryer(remote.ConstantBackoff(5*time.Millisecond, 2)))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return relay.Clients("sync") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, relay.Close())
	server.Close()

	select {
	case <-e.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("endpoint kept redialing")
	}
	require.ErrorIs(t, e.Broadcast("x", 1), ErrClosed)
}
