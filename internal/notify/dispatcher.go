package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shiftswap/internal/metrics"
	"shiftswap/internal/store"
	"shiftswap/internal/trade"
	"shiftswap/internal/ws"
)

// Sender is the delivery side of the connection registry
type Sender interface {
	Send(userID string, msg ws.Message) bool
	Broadcast(msg ws.Message, exclude ...string)
}

// Config bounds retry and retention behavior
type Config struct {
	RetryInterval   time.Duration // retry sweep period
	MaxAttempts     int           // delivery attempts before giving up
	Retention       time.Duration // how far back login-time flush reaches
	CleanupInterval time.Duration // old-notification purge period
	CleanupAfter    time.Duration // age at which notifications are purged
}

// DefaultConfig returns the dispatcher defaults
func DefaultConfig() Config {
	return Config{
		RetryInterval:   time.Minute,
		MaxAttempts:     5,
		Retention:       15 * 24 * time.Hour,
		CleanupInterval: 24 * time.Hour,
		CleanupAfter:    30 * 24 * time.Hour,
	}
}

// Dispatcher turns committed domain events into notification records
// and pushes them to live connections, buffering for offline users.
// It implements trade.EventPublisher.
type Dispatcher struct {
	store  *store.Store
	sender Sender
	cfg    Config
	log    *zap.Logger

	stopCh  chan struct{}
	stopped sync.Once
}

// NewDispatcher creates a dispatcher
func NewDispatcher(st *store.Store, sender Sender, cfg Config, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:  st,
		sender: sender,
		cfg:    cfg,
		log:    log,
		stopCh: make(chan struct{}),
	}
}

// Start launches the retry and cleanup sweeps
func (d *Dispatcher) Start() {
	go d.retryLoop()
	go d.cleanupLoop()
}

// Stop halts the background sweeps. Idempotent.
func (d *Dispatcher) Stop() {
	d.stopped.Do(func() { close(d.stopCh) })
}

// Publish maps one domain event to a notification record, persists it,
// and attempts delivery. Delivery failure is non-fatal: the record
// stays PENDING for the retry sweep and login-time flush.
func (d *Dispatcher) Publish(ev trade.Event) {
	n := d.notificationFor(ev)
	if n == nil {
		return
	}

	if err := d.store.InsertNotification(n); err != nil {
		d.log.Error("failed to persist notification",
			zap.String("user_id", n.UserID), zap.Error(err))
		return
	}

	d.deliver(n)

	// A newly opened request is also announced live to everyone else
	// so the marketplace updates without polling. The announcement is
	// transient; only the author's record is persisted.
	if ev.Kind == trade.EventTradeOpened {
		d.sender.Broadcast(ws.NewMessage(ws.TypeNotification, map[string]any{
			"kind":     "trade_board_updated",
			"trade_id": ev.TradeID,
			"type":     ev.TradeKind,
		}), ev.Recipient)
	}
}

// deliver attempts one live delivery. The row is claimed with a
// guarded status update first, so a flush racing the retry sweep or a
// concurrent publish never sends the same notification twice; a failed
// send puts the claim back to PENDING with the next retry scheduled.
func (d *Dispatcher) deliver(n *store.Notification) bool {
	claimed, err := d.store.MarkNotificationSent(n.ID)
	if err != nil {
		d.log.Error("failed to claim notification", zap.Error(err))
		return false
	}
	if !claimed {
		// Another delivery path got here first
		return true
	}

	payload := notificationPayload(n)
	if d.sender.Send(n.UserID, ws.NewMessage(ws.TypeNotification, payload)) {
		metrics.NotificationsSentTotal.Inc()
		return true
	}

	next := time.Now().Add(retryBackoff(n.Attempts + 1))
	if err := d.store.RecordDeliveryAttempt(n.ID, next); err != nil {
		d.log.Error("failed to record delivery attempt", zap.Error(err))
	}
	metrics.NotificationsPendingTotal.Inc()
	return false
}

// FlushPending delivers buffered notifications to a user who just
// connected, highest priority first. Delivery stops at the first
// failure; the rest stay PENDING.
func (d *Dispatcher) FlushPending(userID string) {
	cutoff := time.Now().Add(-d.cfg.Retention)
	pending, err := d.store.PendingNotifications(userID, cutoff)
	if err != nil {
		d.log.Error("failed to load pending notifications",
			zap.String("user_id", userID), zap.Error(err))
		return
	}

	for i := range pending {
		if !d.deliver(&pending[i]) {
			return
		}
	}
	if len(pending) > 0 {
		d.log.Info("flushed pending notifications",
			zap.String("user_id", userID), zap.Int("count", len(pending)))
	}
}

// retryLoop re-attempts PENDING notifications on a capped exponential
// backoff schedule
func (d *Dispatcher) retryLoop() {
	ticker := time.NewTicker(d.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.retrySweep()
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) retrySweep() {
	due, err := d.store.NotificationsDueForRetry(time.Now(), d.cfg.MaxAttempts)
	if err != nil {
		d.log.Error("retry sweep query failed", zap.Error(err))
		return
	}

	for i := range due {
		n := &due[i]
		if d.deliver(n) {
			continue
		}
		if n.Attempts+1 >= d.cfg.MaxAttempts {
			if err := d.store.MarkNotificationFailed(n.ID); err != nil {
				d.log.Error("failed to mark notification failed", zap.Error(err))
			}
			metrics.NotificationsFailedTotal.Inc()
			d.log.Warn("notification delivery exhausted",
				zap.String("notification_id", n.ID),
				zap.String("user_id", n.UserID))
		}
	}
}

// cleanupLoop purges notifications past the retention horizon
func (d *Dispatcher) cleanupLoop() {
	ticker := time.NewTicker(d.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-d.cfg.CleanupAfter)
			deleted, err := d.store.DeleteNotificationsOlderThan(cutoff)
			if err != nil {
				d.log.Error("notification cleanup failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				d.log.Info("purged old notifications", zap.Int64("count", deleted))
			}
		case <-d.stopCh:
			return
		}
	}
}

// retryBackoff returns min(30m, 2^n minutes)
func retryBackoff(attempt int) time.Duration {
	backoff := time.Duration(1<<uint(attempt)) * time.Minute
	if backoff > 30*time.Minute {
		backoff = 30 * time.Minute
	}
	return backoff
}

// notificationFor maps an event to its persisted record. Returns nil
// for events with no recipient.
func (d *Dispatcher) notificationFor(ev trade.Event) *store.Notification {
	if ev.Recipient == "" {
		return nil
	}

	var title, message, priority string
	switch ev.Kind {
	case trade.EventTradeOpened:
		if ev.TradeKind == store.KindGiveaway {
			title = "Giveaway Posted"
			message = "Your shift giveaway is now open for responses"
		} else {
			title = "Trade Request Posted"
			message = "Your shift trade request is now open for responses"
		}
		priority = store.PriorityNormal
	case trade.EventTradeResponseReceived:
		title = "New Response to Your Trade Request"
		message = "New response received for your trade request"
		priority = store.PriorityHigh
	case trade.EventTradeResponseRejected:
		title = "Trade Response Rejected"
		message = "Your shift trade response has been rejected"
		priority = store.PriorityNormal
	case trade.EventTradeCompleted:
		if ev.TradeKind == store.KindGiveaway {
			title = "Giveaway Completed"
			message = "The shift giveaway has been completed successfully"
		} else {
			title = "Shift Trade Completed"
			message = "Your shift trade has been completed successfully"
		}
		priority = store.PriorityHigh
	case trade.EventTradeCancelled:
		title = "Trade Request Cancelled"
		message = "A trade request you responded to has been cancelled"
		priority = store.PriorityNormal
	default:
		d.log.Warn("unknown event kind", zap.String("kind", string(ev.Kind)))
		return nil
	}

	data := map[string]any{
		"trade_id": ev.TradeID,
		"type":     string(ev.Kind),
	}
	if ev.ResponseID != "" {
		data["response_id"] = ev.ResponseID
	}
	for k, v := range ev.Data {
		data[k] = v
	}
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte("{}")
	}

	return &store.Notification{
		ID:       uuid.New().String(),
		UserID:   ev.Recipient,
		Kind:     "SHIFT_TRADE",
		Title:    title,
		Message:  message,
		Priority: priority,
		Data:     string(raw),
		Status:   store.NotificationPending,
	}
}

// notificationPayload is the wire shape of one notification
func notificationPayload(n *store.Notification) map[string]any {
	var data map[string]any
	if err := json.Unmarshal([]byte(n.Data), &data); err != nil {
		data = map[string]any{}
	}
	return map[string]any{
		"id":         n.ID,
		"kind":       n.Kind,
		"title":      n.Title,
		"message":    n.Message,
		"priority":   n.Priority,
		"data":       data,
		"is_read":    n.IsRead,
		"created_at": n.CreatedAt.UTC().Format(time.RFC3339),
	}
}
