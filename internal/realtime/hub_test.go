package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/txguard/internal/transactions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	h := NewHub(slog.Default(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func attach(h *Hub, sub Subscription) *Client {
	c := &Client{hub: h, send: make(chan []byte, sendBuffer), sub: sub}
	h.register <- c
	return c
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var e Event
		require.NoError(t, json.Unmarshal(msg, &e))
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestHub_PublishDeliversCopy(t *testing.T) {
	h := runHub(t)
	c := attach(h, Subscription{})

	tx := scoredTx(5, "12.50", transactions.RecommendationDeny, "previous_chargeback")
	h.PublishTransaction(EventTransactionScored, tx)
	tx.Violations[0] = "mutated"

	e := receive(t, c)
	assert.True(t, strings.HasPrefix(e.ID, "evt_"), e.ID)
	assert.Equal(t, EventTransactionScored, e.Type)
	require.NotNil(t, e.Data)
	assert.Equal(t, int64(5), e.Data.UserID)
	assert.Equal(t, []string{"previous_chargeback"}, e.Data.Violations)

	assert.Eventually(t, func() bool { return h.Stats().TotalEvents == 1 }, time.Second, 10*time.Millisecond)
}

func TestHub_FiltersPerClient(t *testing.T) {
	h := runHub(t)
	denials := attach(h, Subscription{Decisions: []transactions.Recommendation{transactions.RecommendationDeny}})
	everything := attach(h, Subscription{})

	h.PublishTransaction(EventTransactionScored, scoredTx(1, "1", transactions.RecommendationApprove))
	h.PublishTransaction(EventTransactionScored, scoredTx(2, "1", transactions.RecommendationDeny, "same_amount_last_hour"))

	assert.Equal(t, int64(1), receive(t, everything).Data.UserID)
	assert.Equal(t, int64(2), receive(t, everything).Data.UserID)
	assert.Equal(t, int64(2), receive(t, denials).Data.UserID)

	select {
	case <-denials.send:
		t.Fatal("approval leaked through decision filter")
	default:
	}
}

func TestHub_DisconnectsSlowClient(t *testing.T) {
	h := runHub(t)
	slow := &Client{hub: h, send: make(chan []byte)}
	h.register <- slow

	h.PublishTransaction(EventTransactionScored, scoredTx(1, "1", transactions.RecommendationApprove))

	assert.Eventually(t, func() bool { return h.Stats().ConnectedClients == 0 }, time.Second, 10*time.Millisecond)
	_, open := <-slow.send
	assert.False(t, open)
}

func TestHub_Stats(t *testing.T) {
	h := runHub(t)
	assert.Equal(t, Stats{}, h.Stats())

	a := attach(h, Subscription{})
	attach(h, Subscription{})
	h.unregister <- a

	assert.Eventually(t, func() bool {
		s := h.Stats()
		return s.ConnectedClients == 1 && s.TotalClients == 2 && s.PeakClients == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHub_StopClosesClients(t *testing.T) {
	h := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	c := attach(h, Subscription{})

	cancel()
	<-h.done

	_, open := <-c.send
	assert.False(t, open)

	rec := httptest.NewRecorder()
	h.HandleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHub_CheckOrigin(t *testing.T) {
	h := NewHub(slog.Default(), WithAllowedOrigins([]string{"https://review.example.com"}))

	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://txguard.local/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, h.checkOrigin(req("")))
	assert.True(t, h.checkOrigin(req("http://txguard.local")))
	assert.True(t, h.checkOrigin(req("https://review.example.com")))
	assert.False(t, h.checkOrigin(req("https://evil.example.com")))

	open := NewHub(slog.Default(), WithAllowedOrigins([]string{"*"}))
	assert.True(t, open.checkOrigin(req("https://evil.example.com")))
}

func TestHub_MaxClients(t *testing.T) {
	h := runHub(t, WithMaxClients(1))
	attach(h, Subscription{})
	require.Eventually(t, func() bool { return h.Stats().ConnectedClients == 1 }, time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	h.HandleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHub_WebSocketSubscribe(t *testing.T) {
	h := runHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	require.NoError(t, conn.WriteJSON(Subscription{UserIDs: []int64{2}}))

	var ack Event
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, EventSubscribed, ack.Type)
	require.NotNil(t, ack.Subscription)
	assert.Equal(t, []int64{2}, ack.Subscription.UserIDs)

	h.PublishTransaction(EventTransactionScored, scoredTx(1, "1", transactions.RecommendationApprove))
	h.PublishTransaction(EventTransactionScored, scoredTx(2, "1", transactions.RecommendationDeny))

	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	require.NotNil(t, got.Data)
	assert.Equal(t, int64(2), got.Data.UserID)
}
