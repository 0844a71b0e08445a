package trade

import "time"

// EventKind enumerates the domain events emitted by the engine
type EventKind string

const (
	EventTradeOpened           EventKind = "trade_opened"
	EventTradeResponseReceived EventKind = "trade_response_received"
	EventTradeResponseRejected EventKind = "trade_response_rejected"
	EventTradeCompleted        EventKind = "trade_completed"
	EventTradeCancelled        EventKind = "trade_cancelled"
)

// Event is one domain event addressed to one recipient. The engine
// collects events inside a transaction and publishes them, in commit
// order, only after the transaction commits. Per-recipient ordering
// therefore follows commit order.
type Event struct {
	Kind       EventKind
	TradeID    string
	TradeKind  string // TRADE or GIVEAWAY
	ResponseID string
	Recipient  string
	OccurredAt time.Time

	// Data carries event-specific detail (new shift id and window on
	// completion, and similar).
	Data map[string]any
}

// EventPublisher receives committed domain events. Implementations must
// not block: delivery I/O happens outside the engine's transaction.
type EventPublisher interface {
	Publish(Event)
}
