package trade

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shiftswap/internal/metrics"
	"shiftswap/internal/store"
)

// Engine owns the trade request/response state machines. Every mutation
// runs inside a single storage transaction; domain events are collected
// during the transaction and handed to the publisher only after commit.
type Engine struct {
	store     *store.Store
	publisher EventPublisher
	log       *zap.Logger

	// DeleteOnCancel removes a cancelled request outright instead of
	// keeping a CANCELLED row. Only requests without an accepted
	// response can be cancelled, so no history of a completed trade
	// is ever lost.
	deleteOnCancel bool

	now func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithDeleteOnCancel makes cancellation delete the request row
func WithDeleteOnCancel() Option {
	return func(e *Engine) { e.deleteOnCancel = true }
}

// WithClock overrides the engine's clock
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a matching engine. publisher may be nil, in which
// case events are dropped.
func NewEngine(st *store.Store, publisher EventPublisher, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		publisher: publisher,
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateRequestArgs carries the caller's input for a new trade request
type CreateRequestArgs struct {
	Kind             string
	AuthorID         string
	OriginalShiftID  string
	PreferredShiftID string
	Reason           string
	Urgency          string
}

// CreateRequest validates and opens a new trade request
func (e *Engine) CreateRequest(args CreateRequestArgs) (*store.TradeRequest, error) {
	h, err := handlerFor(args.Kind)
	if err != nil {
		return nil, err
	}
	if args.Urgency == "" {
		args.Urgency = store.UrgencyNormal
	}
	if args.Kind == store.KindGiveaway {
		// A giveaway asks for nothing in return
		args.PreferredShiftID = ""
	}

	req := &store.TradeRequest{
		ID:               uuid.New().String(),
		Kind:             args.Kind,
		AuthorID:         args.AuthorID,
		OriginalShiftID:  args.OriginalShiftID,
		PreferredShiftID: args.PreferredShiftID,
		Reason:           args.Reason,
		Urgency:          args.Urgency,
		Status:           store.TradeOpen,
		CreatedAt:        e.now(),
	}

	var events []Event
	err = e.store.WithTx(func(tx *store.Tx) error {
		if err := h.validate(tx, req); err != nil {
			return err
		}
		if err := tx.InsertTradeRequest(req); err != nil {
			return err
		}
		events = append(events, Event{
			Kind:       EventTradeOpened,
			TradeID:    req.ID,
			TradeKind:  req.Kind,
			Recipient:  req.AuthorID,
			OccurredAt: e.now(),
			Data: map[string]any{
				"original_shift_id": req.OriginalShiftID,
				"urgency":           req.Urgency,
			},
		})
		return nil
	})
	if err != nil {
		metrics.OperationErrorsTotal.WithLabelValues("create_request").Inc()
		return nil, err
	}

	e.publish(events)
	e.log.Info("trade request opened",
		zap.String("trade_id", req.ID),
		zap.String("kind", req.Kind),
		zap.String("author_id", req.AuthorID))
	return req, nil
}

// CreateResponseArgs carries the caller's input for a new response
type CreateResponseArgs struct {
	TradeID        string
	RespondentID   string
	OfferedShiftID string
	Content        string
}

// CreateResponse records a pending response against an open request and
// notifies the request's author.
func (e *Engine) CreateResponse(args CreateResponseArgs) (*store.TradeResponse, error) {
	resp := &store.TradeResponse{
		ID:             uuid.New().String(),
		TradeRequestID: args.TradeID,
		RespondentID:   args.RespondentID,
		OfferedShiftID: args.OfferedShiftID,
		Content:        args.Content,
		Status:         store.ResponsePending,
		CreatedAt:      e.now(),
	}

	var events []Event
	err := e.store.WithTx(func(tx *store.Tx) error {
		req, err := tx.GetTradeRequest(args.TradeID)
		if err != nil {
			return err
		}
		if req.Status != store.TradeOpen {
			return ErrTradeNotOpen
		}
		if req.AuthorID == args.RespondentID {
			return ErrSelfResponse
		}

		switch req.Kind {
		case store.KindTrade:
			if args.OfferedShiftID == "" {
				return ErrOfferedShiftRequired
			}
			offered, err := tx.GetShift(args.OfferedShiftID)
			if err != nil {
				return err
			}
			if offered.OwnerUserID != args.RespondentID {
				return ErrShiftNotOwned
			}
		case store.KindGiveaway:
			// Nothing is offered back on a giveaway
			resp.OfferedShiftID = ""
		}

		if err := tx.InsertTradeResponse(resp); err != nil {
			return err
		}
		events = append(events, Event{
			Kind:       EventTradeResponseReceived,
			TradeID:    req.ID,
			TradeKind:  req.Kind,
			ResponseID: resp.ID,
			Recipient:  req.AuthorID,
			OccurredAt: e.now(),
			Data: map[string]any{
				"respondent_id": resp.RespondentID,
			},
		})
		return nil
	})
	if err != nil {
		metrics.OperationErrorsTotal.WithLabelValues("create_response").Inc()
		return nil, err
	}

	e.publish(events)
	return resp, nil
}

// ResolveResponse accepts or rejects a pending response. Only the
// request's author may resolve. Acceptance executes the kind-specific
// shift reassignment atomically; any validation failure rolls the whole
// transaction back.
func (e *Engine) ResolveResponse(tradeID, responseID, resolverID, newStatus string) (*store.TradeResponse, error) {
	if newStatus != store.ResponseAccepted && newStatus != store.ResponseRejected {
		return nil, ErrInvalidStateTransition
	}

	var (
		resolved *store.TradeResponse
		events   []Event
		kind     string
	)
	err := e.store.WithTx(func(tx *store.Tx) error {
		req, err := tx.GetTradeRequest(tradeID)
		if err != nil {
			return err
		}
		kind = req.Kind
		if req.AuthorID != resolverID {
			return ErrNotAuthorized
		}

		resp, err := tx.GetTradeResponse(tradeID, responseID)
		if err != nil {
			return err
		}
		// A terminal request admits no further resolutions. A losing
		// accept reports the request's state (ErrTradeNotOpen); any
		// other resolve on a closed request is an invalid transition.
		if req.Status != store.TradeOpen {
			if newStatus == store.ResponseAccepted {
				return ErrTradeNotOpen
			}
			return ErrInvalidStateTransition
		}
		if resp.Status != store.ResponsePending {
			return ErrAlreadyResolved
		}

		now := e.now()

		if newStatus == store.ResponseRejected {
			if _, err := tx.MarkResponseStatus(resp.ID, store.ResponseRejected); err != nil {
				return err
			}
			resp.Status = store.ResponseRejected
			resolved = resp
			events = append(events, Event{
				Kind:       EventTradeResponseRejected,
				TradeID:    req.ID,
				TradeKind:  req.Kind,
				ResponseID: resp.ID,
				Recipient:  resp.RespondentID,
				OccurredAt: now,
			})
			// The request stays OPEN for other responses
			return nil
		}

		// Re-check the request is still OPEN with a guarded update:
		// under concurrent accepts only the first committer flips the
		// row, every later transaction sees zero rows and aborts.
		ok, err := tx.MarkTradeCompleted(req.ID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrTradeNotOpen
		}

		h, err := handlerFor(req.Kind)
		if err != nil {
			return err
		}
		accepted, err := h.accept(tx, req, resp, now)
		if err != nil {
			return err
		}

		if _, err := tx.MarkResponseStatus(resp.ID, store.ResponseAccepted); err != nil {
			return err
		}
		resp.Status = store.ResponseAccepted
		resolved = resp
		events = append(events, accepted...)
		return nil
	})
	if err != nil {
		metrics.OperationErrorsTotal.WithLabelValues("resolve_response").Inc()
		return nil, err
	}

	if newStatus == store.ResponseAccepted {
		switch kind {
		case store.KindGiveaway:
			metrics.GiveawaysCompletedTotal.Inc()
		default:
			metrics.TradesCompletedTotal.Inc()
		}
		e.log.Info("trade request completed",
			zap.String("trade_id", tradeID),
			zap.String("response_id", responseID),
			zap.String("kind", kind))
	}

	e.publish(events)
	return resolved, nil
}

// CancelRequest cancels an OPEN request, rejects its pending responses
// and notifies every respondent. Terminal requests cannot be cancelled.
func (e *Engine) CancelRequest(tradeID, requesterID string) error {
	var events []Event
	err := e.store.WithTx(func(tx *store.Tx) error {
		req, err := tx.GetTradeRequest(tradeID)
		if err != nil {
			return err
		}
		if req.AuthorID != requesterID {
			return ErrNotAuthorized
		}

		ok, err := tx.MarkTradeCancelled(req.ID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidStateTransition
		}

		rejected, err := tx.RejectPendingResponses(req.ID, "")
		if err != nil {
			return err
		}

		now := e.now()
		for _, r := range rejected {
			events = append(events, Event{
				Kind:       EventTradeCancelled,
				TradeID:    req.ID,
				TradeKind:  req.Kind,
				ResponseID: r.ID,
				Recipient:  r.RespondentID,
				OccurredAt: now,
			})
		}

		if e.deleteOnCancel {
			// Cancellation only succeeds on OPEN requests, so no
			// accepted response can exist here.
			return tx.DeleteTradeRequest(req.ID)
		}
		return nil
	})
	if err != nil {
		metrics.OperationErrorsTotal.WithLabelValues("cancel_request").Inc()
		return err
	}

	e.publish(events)
	e.log.Info("trade request cancelled", zap.String("trade_id", tradeID))
	return nil
}

func (e *Engine) publish(events []Event) {
	if e.publisher == nil {
		return
	}
	for _, ev := range events {
		e.publisher.Publish(ev)
	}
}
