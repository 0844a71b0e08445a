package notify

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"shiftswap/internal/store"
	"shiftswap/internal/trade"
	"shiftswap/internal/ws"
)

// fakeSender simulates the connection registry: online users receive
// messages, everyone else fails delivery.
type fakeSender struct {
	mu        sync.Mutex
	online    map[string]bool
	sent      map[string][]ws.Message
	broadcast []ws.Message
}

func newFakeSender(onlineUsers ...string) *fakeSender {
	online := make(map[string]bool)
	for _, u := range onlineUsers {
		online[u] = true
	}
	return &fakeSender{online: online, sent: make(map[string][]ws.Message)}
}

func (f *fakeSender) Send(userID string, msg ws.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online[userID] {
		return false
	}
	f.sent[userID] = append(f.sent[userID], msg)
	return true
}

func (f *fakeSender) Broadcast(msg ws.Message, exclude ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, msg)
}

func (f *fakeSender) setOnline(userID string, online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[userID] = online
}

func (f *fakeSender) sentTo(userID string) []ws.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ws.Message, len(f.sent[userID]))
	copy(out, f.sent[userID])
	return out
}

func (f *fakeSender) broadcasts() []ws.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ws.Message, len(f.broadcast))
	copy(out, f.broadcast)
	return out
}

func setupDispatcher(t *testing.T, cfg Config, onlineUsers ...string) (*Dispatcher, *store.Store, *fakeSender) {
	t.Helper()

	f, err := os.CreateTemp("", "shiftswap-notify-test-*.db")
	require.NoError(t, err)
	dbPath := f.Name()
	f.Close()

	st, err := store.New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		st.Close()
		os.Remove(dbPath)
	})

	sender := newFakeSender(onlineUsers...)
	d := NewDispatcher(st, sender, cfg, zap.NewNop())
	t.Cleanup(d.Stop)
	return d, st, sender
}

func notifyUser(t *testing.T, st *store.Store, name string) *store.User {
	t.Helper()
	u, err := st.CreateUser(name, "password123")
	require.NoError(t, err)
	return u
}

func completedEvent(recipient string) trade.Event {
	return trade.Event{
		Kind:       trade.EventTradeCompleted,
		TradeID:    "trade-1",
		TradeKind:  store.KindTrade,
		ResponseID: "resp-1",
		Recipient:  recipient,
		OccurredAt: time.Now(),
		Data:       map[string]any{"new_shift_id": "shift-9"},
	}
}

func TestPublishDeliversToOnlineUser(t *testing.T) {
	d, st, sender := setupDispatcher(t, DefaultConfig())
	alice := notifyUser(t, st, "alice")
	sender.setOnline(alice.ID, true)

	d.Publish(completedEvent(alice.ID))

	msgs := sender.sentTo(alice.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, ws.TypeNotification, msgs[0].Type)

	payload, ok := msgs[0].Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Shift Trade Completed", payload["title"])
	assert.Equal(t, store.PriorityHigh, payload["priority"])

	// The record is marked SENT
	list, err := st.ListNotifications(alice.ID, 10, false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, store.NotificationSent, list[0].Status)
}

func TestPublishBuffersForOfflineUser(t *testing.T) {
	d, st, sender := setupDispatcher(t, DefaultConfig())
	alice := notifyUser(t, st, "alice")

	d.Publish(completedEvent(alice.ID))

	assert.Empty(t, sender.sentTo(alice.ID))

	list, err := st.ListNotifications(alice.ID, 10, false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, store.NotificationPending, list[0].Status)
	assert.Equal(t, 1, list[0].Attempts)
	require.NotNil(t, list[0].NextAttemptAt)
}

func TestPublishSkipsEmptyRecipient(t *testing.T) {
	d, st, _ := setupDispatcher(t, DefaultConfig())

	d.Publish(trade.Event{Kind: trade.EventTradeCompleted})

	list, err := st.ListNotifications("", 10, false)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPublishOpenedBroadcastsBoardUpdate(t *testing.T) {
	d, st, sender := setupDispatcher(t, DefaultConfig())
	alice := notifyUser(t, st, "alice")

	d.Publish(trade.Event{
		Kind:      trade.EventTradeOpened,
		TradeID:   "trade-1",
		TradeKind: store.KindGiveaway,
		Recipient: alice.ID,
	})

	bc := sender.broadcasts()
	require.Len(t, bc, 1)
	payload, ok := bc[0].Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "trade_board_updated", payload["kind"])
	assert.Equal(t, "trade-1", payload["trade_id"])
}

func TestFlushPendingDeliversBuffered(t *testing.T) {
	d, st, sender := setupDispatcher(t, DefaultConfig())
	alice := notifyUser(t, st, "alice")

	// Buffered while offline
	d.Publish(completedEvent(alice.ID))
	d.Publish(trade.Event{
		Kind:      trade.EventTradeCancelled,
		TradeID:   "trade-2",
		TradeKind: store.KindTrade,
		Recipient: alice.ID,
	})
	require.Empty(t, sender.sentTo(alice.ID))

	sender.setOnline(alice.ID, true)
	d.FlushPending(alice.ID)

	msgs := sender.sentTo(alice.ID)
	require.Len(t, msgs, 2)
	// High priority first
	first, ok := msgs[0].Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, store.PriorityHigh, first["priority"])

	pending, err := st.PendingNotifications(alice.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFlushPendingStopsAtFirstFailure(t *testing.T) {
	d, st, sender := setupDispatcher(t, DefaultConfig())
	alice := notifyUser(t, st, "alice")

	d.Publish(completedEvent(alice.ID))
	d.Publish(completedEvent(alice.ID))

	// Still offline: flush should not drain anything
	d.FlushPending(alice.ID)
	assert.Empty(t, sender.sentTo(alice.ID))

	pending, err := st.PendingNotifications(alice.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestDeliverIsExactlyOnce(t *testing.T) {
	d, st, sender := setupDispatcher(t, DefaultConfig())
	alice := notifyUser(t, st, "alice")
	sender.setOnline(alice.ID, true)

	n := &store.Notification{
		ID: "note-1", UserID: alice.ID, Kind: "SHIFT_TRADE",
		Title: "Shift Trade Completed", Priority: store.PriorityHigh,
	}
	require.NoError(t, st.InsertNotification(n))

	// Two delivery paths race over the same row; only the first
	// claimant sends.
	assert.True(t, d.deliver(n))
	assert.True(t, d.deliver(n))
	assert.Len(t, sender.sentTo(alice.ID), 1)
}

func TestRetrySweepMarksExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	d, st, _ := setupDispatcher(t, cfg)
	alice := notifyUser(t, st, "alice")

	d.Publish(completedEvent(alice.ID)) // attempt 1 fails, user offline

	// Record a second failed attempt that is already due
	list, err := st.ListNotifications(alice.ID, 10, false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NoError(t, st.RecordDeliveryAttempt(list[0].ID, time.Now().Add(-time.Minute)))

	// The third attempt fails too and exhausts the budget
	d.retrySweep()

	list, err = st.ListNotifications(alice.ID, 10, false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, store.NotificationFailed, list[0].Status)
}

func TestRetrySweepDeliversWhenBackOnline(t *testing.T) {
	d, st, sender := setupDispatcher(t, DefaultConfig())
	alice := notifyUser(t, st, "alice")

	d.Publish(completedEvent(alice.ID))
	require.Empty(t, sender.sentTo(alice.ID))

	// Come online and force the retry due
	sender.setOnline(alice.ID, true)
	list, err := st.ListNotifications(alice.ID, 10, false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NoError(t, st.RecordDeliveryAttempt(list[0].ID, time.Now().Add(-time.Minute)))

	d.retrySweep()

	require.Len(t, sender.sentTo(alice.ID), 1)
	list, err = st.ListNotifications(alice.ID, 10, false)
	require.NoError(t, err)
	assert.Equal(t, store.NotificationSent, list[0].Status)
}

func TestRetryBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Minute, retryBackoff(1))
	assert.Equal(t, 4*time.Minute, retryBackoff(2))
	assert.Equal(t, 8*time.Minute, retryBackoff(3))
	assert.Equal(t, 16*time.Minute, retryBackoff(4))
	assert.Equal(t, 30*time.Minute, retryBackoff(5))
	assert.Equal(t, 30*time.Minute, retryBackoff(10))
}

func TestNotificationTitles(t *testing.T) {
	d, _, _ := setupDispatcher(t, DefaultConfig())

	cases := []struct {
		kind      trade.EventKind
		tradeKind string
		title     string
		priority  string
	}{
		{trade.EventTradeOpened, store.KindTrade, "Trade Request Posted", store.PriorityNormal},
		{trade.EventTradeOpened, store.KindGiveaway, "Giveaway Posted", store.PriorityNormal},
		{trade.EventTradeResponseReceived, store.KindTrade, "New Response to Your Trade Request", store.PriorityHigh},
		{trade.EventTradeResponseRejected, store.KindTrade, "Trade Response Rejected", store.PriorityNormal},
		{trade.EventTradeCompleted, store.KindTrade, "Shift Trade Completed", store.PriorityHigh},
		{trade.EventTradeCompleted, store.KindGiveaway, "Giveaway Completed", store.PriorityHigh},
		{trade.EventTradeCancelled, store.KindTrade, "Trade Request Cancelled", store.PriorityNormal},
	}
	for _, tc := range cases {
		n := d.notificationFor(trade.Event{
			Kind:      tc.kind,
			TradeKind: tc.tradeKind,
			Recipient: "user-1",
			TradeID:   "trade-1",
		})
		require.NotNil(t, n, string(tc.kind))
		assert.Equal(t, tc.title, n.Title, string(tc.kind))
		assert.Equal(t, tc.priority, n.Priority, string(tc.kind))
	}

	assert.Nil(t, d.notificationFor(trade.Event{Kind: "bogus", Recipient: "user-1"}))
}
