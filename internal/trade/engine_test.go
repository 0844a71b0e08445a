package trade

import (
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"shiftswap/internal/store"
)

// capturePublisher records published events for assertions
type capturePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *capturePublisher) Publish(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *capturePublisher) byKind(kind EventKind) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, ev := range p.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (p *capturePublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

func setupTestEngine(t *testing.T, opts ...Option) (*Engine, *store.Store, *capturePublisher, func()) {
	t.Helper()

	f, err := os.CreateTemp("", "shiftswap-engine-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	dbPath := f.Name()
	f.Close()

	st, err := store.New(dbPath)
	if err != nil {
		os.Remove(dbPath)
		t.Fatalf("failed to create store: %v", err)
	}

	pub := &capturePublisher{}
	engine := NewEngine(st, pub, zap.NewNop(), opts...)

	cleanup := func() {
		st.Close()
		os.Remove(dbPath)
	}
	return engine, st, pub, cleanup
}

func testUser(t *testing.T, st *store.Store, name string) *store.User {
	t.Helper()
	u, err := st.CreateUser(name, "password123")
	if err != nil {
		t.Fatalf("CreateUser(%s) failed: %v", name, err)
	}
	return u
}

func testShift(t *testing.T, st *store.Store, ownerID string, start time.Time) *store.Shift {
	t.Helper()
	sh, err := st.CreateShift(ownerID, start, start.Add(8*time.Hour), store.ShiftConfirmed)
	if err != nil {
		t.Fatalf("CreateShift failed: %v", err)
	}
	return sh
}

var futureStart = time.Now().UTC().Add(48 * time.Hour).Truncate(time.Hour)

// ==================== CREATE REQUEST ====================

func TestCreateRequestSwap(t *testing.T) {
	engine, st, pub, cleanup := setupTestEngine(t)
	defer cleanup()

	alice := testUser(t, st, "alice")
	shift := testShift(t, st, alice.ID, futureStart)

	req, err := engine.CreateRequest(CreateRequestArgs{
		Kind:            store.KindTrade,
		AuthorID:        alice.ID,
		OriginalShiftID: shift.ID,
		Reason:          "doctor appointment",
	})
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	if req.Status != store.TradeOpen {
		t.Errorf("expected OPEN, got %s", req.Status)
	}
	if req.Urgency != store.UrgencyNormal {
		t.Errorf("expected default urgency, got %s", req.Urgency)
	}

	opened := pub.byKind(EventTradeOpened)
	if len(opened) != 1 {
		t.Fatalf("expected 1 trade_opened event, got %d", len(opened))
	}
	if opened[0].Recipient != alice.ID {
		t.Errorf("expected event addressed to author, got %s", opened[0].Recipient)
	}
}

func TestCreateRequestGiveawayClearsPreferred(t *testing.T) {
	engine, st, _, cleanup := setupTestEngine(t)
	defer cleanup()

	alice := testUser(t, st, "alice")
	shift := testShift(t, st, alice.ID, futureStart)
	other := testShift(t, st, alice.ID, futureStart.Add(24*time.Hour))

	req, err := engine.CreateRequest(CreateRequestArgs{
		Kind:             store.KindGiveaway,
		AuthorID:         alice.ID,
		OriginalShiftID:  shift.ID,
		PreferredShiftID: other.ID,
	})
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	if req.PreferredShiftID != "" {
		t.Errorf("giveaway should carry no preferred shift, got %s", req.PreferredShiftID)
	}
}

func TestCreateRequestNotOwned(t *testing.T) {
	engine, st, _, cleanup := setupTestEngine(t)
	defer cleanup()

	alice := testUser(t, st, "alice")
	bob := testUser(t, st, "bob")
	shift := testShift(t, st, alice.ID, futureStart)

	_, err := engine.CreateRequest(CreateRequestArgs{
		Kind:            store.KindTrade,
		AuthorID:        bob.ID,
		OriginalShiftID: shift.ID,
	})
	if err != ErrShiftNotOwned {
		t.Errorf("expected ErrShiftNotOwned, got %v", err)
	}
}

func TestCreateRequestShiftExclusivity(t *testing.T) {
	engine, st, _, cleanup := setupTestEngine(t)
	defer cleanup()

	alice := testUser(t, st, "alice")
	shift := testShift(t, st, alice.ID, futureStart)

	args := CreateRequestArgs{
		Kind:            store.KindTrade,
		AuthorID:        alice.ID,
		OriginalShiftID: shift.ID,
	}
	if _, err := engine.CreateRequest(args); err != nil {
		t.Fatalf("first CreateRequest failed: %v", err)
	}
	if _, err := engine.CreateRequest(args); err != ErrShiftAlreadyInTrade {
		t.Errorf("expected ErrShiftAlreadyInTrade, got %v", err)
	}
}

func TestCreateRequestUnknownKind(t *testing.T) {
	engine, st, _, cleanup := setupTestEngine(t)
	defer cleanup()

	alice := testUser(t, st, "alice")
	shift := testShift(t, st, alice.ID, futureStart)

	_, err := engine.CreateRequest(CreateRequestArgs{
		Kind:            "BARTER",
		AuthorID:        alice.ID,
		OriginalShiftID: shift.ID,
	})
	if err != ErrUnknownKind {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

// ==================== CREATE RESPONSE ====================

func TestCreateResponseSelf(t *testing.T) {
	engine, st, _, cleanup := setupTestEngine(t)
	defer cleanup()

	alice := testUser(t, st, "alice")
	shift := testShift(t, st, alice.ID, futureStart)
	req, err := engine.CreateRequest(CreateRequestArgs{
		Kind:            store.KindGiveaway,
		AuthorID:        alice.ID,
		OriginalShiftID: shift.ID,
	})
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	_, err = engine.CreateResponse(CreateResponseArgs{
		TradeID:      req.ID,
		RespondentID: alice.ID,
	})
	if err != ErrSelfResponse {
		t.Errorf("expected ErrSelfResponse, got %v", err)
	}
}

func TestCreateResponseRequiresOfferedShift(t *testing.T) {
	engine, st, _, cleanup := setupTestEngine(t)
	defer cleanup()

	alice := testUser(t, st, "alice")
	bob := testUser(t, st, "bob")
	carol := testUser(t, st, "carol")
	shift := testShift(t, st, alice.ID, futureStart)
	carolShift := testShift(t, st, carol.ID, futureStart.Add(24*time.Hour))

	req, err := engine.CreateRequest(CreateRequestArgs{
		Kind:            store.KindTrade,
		AuthorID:        alice.ID,
		OriginalShiftID: shift.ID,
	})
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	_, err = engine.CreateResponse(CreateResponseArgs{
		TradeID:      req.ID,
		RespondentID: bob.ID,
	})
	if err != ErrOfferedShiftRequired {
		t.Errorf("expected ErrOfferedShiftRequired, got %v", err)
	}

	// Offering someone else's shift is rejected too
	_, err = engine.CreateResponse(CreateResponseArgs{
		TradeID:        req.ID,
		RespondentID:   bob.ID,
		OfferedShiftID: carolShift.ID,
	})
	if err != ErrShiftNotOwned {
		t.Errorf("expected ErrShiftNotOwned, got %v", err)
	}
}

func TestCreateResponseNotifiesAuthor(t *testing.T) {
	engine, st, pub, cleanup := setupTestEngine(t)
	defer cleanup()

	alice := testUser(t, st, "alice")
	bob := testUser(t, st, "bob")
	shift := testShift(t, st, alice.ID, futureStart)
	req, err := engine.CreateRequest(CreateRequestArgs{
		Kind:            store.KindGiveaway,
		AuthorID:        alice.ID,
		OriginalShiftID: shift.ID,
	})
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	pub.reset()

	resp, err := engine.CreateResponse(CreateResponseArgs{
		TradeID:      req.ID,
		RespondentID: bob.ID,
		Content:      "happy to take it",
	})
	if err != nil {
		t.Fatalf("CreateResponse failed: %v", err)
	}
	if resp.Status != store.ResponsePending {
		t.Errorf("expected PENDING, got %s", resp.Status)
	}

	received := pub.byKind(EventTradeResponseReceived)
	if len(received) != 1 {
		t.Fatalf("expected 1 trade_response_received event, got %d", len(received))
	}
	if received[0].Recipient != alice.ID {
		t.Errorf("expected event addressed to author, got %s", received[0].Recipient)
	}
	if received[0].ResponseID != resp.ID {
		t.Errorf("expected response id %s, got %s", resp.ID, received[0].ResponseID)
	}
}

// ==================== ACCEPT: SWAP ====================

func TestAcceptSwapExchangesOwnership(t *testing.T) {
	engine, st, pub, cleanup := setupTestEngine(t)
	defer cleanup()

	alice := testUser(t, st, "alice")
	bob := testUser(t, st, "bob")
	aliceShift := testShift(t, st, alice.ID, futureStart)
	bobShift := testShift(t, st, bob.ID, futureStart.Add(24*time.Hour))

	req, err := engine.CreateRequest(CreateRequestArgs{
		Kind:            store.KindTrade,
		AuthorID:        alice.ID,
		OriginalShiftID: aliceShift.ID,
	})
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	resp, err := engine.CreateResponse(CreateResponseArgs{
		TradeID:        req.ID,
		RespondentID:   bob.ID,
		OfferedShiftID: bobShift.ID,
	})
	if err != nil {
		t.Fatalf("CreateResponse failed: %v", err)
	}
	pub.reset()

	resolved, err := engine.ResolveResponse(req.ID, resp.ID, alice.ID, store.ResponseAccepted)
	if err != nil {
		t.Fatalf("ResolveResponse failed: %v", err)
	}
	if resolved.Status != store.ResponseAccepted {
		t.Errorf("expected ACCEPTED, got %s", resolved.Status)
	}

	gotAlice, _ := st.GetShift(bobShift.ID)
	gotBob, _ := st.GetShift(aliceShift.ID)
	if gotAlice.OwnerUserID != alice.ID {
		t.Errorf("alice should now own bob's old shift")
	}
	if gotBob.OwnerUserID != bob.ID {
		t.Errorf("bob should now own alice's old shift")
	}

	gotReq, err := st.GetTradeRequest(req.ID)
	if err != nil {
		t.Fatalf("GetTradeRequest failed: %v", err)
	}
	if gotReq.Status != store.TradeCompleted {
		t.Errorf("expected COMPLETED, got %s", gotReq.Status)
	}

	completed := pub.byKind(EventTradeCompleted)
	if len(completed) != 2 {
		t.Fatalf("expected 2 trade_completed events, got %d", len(completed))
	}
	recipients := map[string]bool{}
	for _, ev := range completed {
		recipients[ev.Recipient] = true
		if ev.Data["new_shift_id"] == "" {
			t.Error("completion event should carry the gained shift")
		}
	}
	if !recipients[alice.ID] || !recipients[bob.ID] {
		t.Errorf("both parties should be notified, got %v", recipients)
	}
}

func TestAcceptSwapConflictRollsBack(t *testing.T) {
	engine, st, pub, cleanup := setupTestEngine(t)
	defer cleanup()

	alice := testUser(t, st, "alice")
	bob := testUser(t, st, "bob")
	aliceShift := testShift(t, st, alice.ID, futureStart)
	bobShift := testShift(t, st, bob.ID, futureStart.Add(24*time.Hour))
	// Bob already works a shift overlapping alice's window
	testShift(t, st, bob.ID, futureStart.Add(4*time.Hour))

	req, err := engine.CreateRequest(CreateRequestArgs{
		Kind:            store.KindTrade,
		AuthorID:        alice.ID,
		OriginalShiftID: aliceShift.ID,
	})
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	resp, err := engine.CreateResponse(CreateResponseArgs{
		TradeID:        req.ID,
		RespondentID:   bob.ID,
		OfferedShiftID: bobShift.ID,
	})
	if err != nil {
		t.Fatalf("CreateResponse failed: %v", err)
	}
	pub.reset()

	_, err = engine.ResolveResponse(req.ID, resp.ID, alice.ID, store.ResponseAccepted)
	if !IsConflict(err) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	// The whole transaction rolled back: ownership unchanged, request
	// still OPEN, response still PENDING, nothing published.
	gotShift, _ := st.GetShift(aliceShift.ID)
	if gotShift.OwnerUserID != alice.ID {
		t.Error("ownership should be unchanged after rollback")
	}
	gotReq, _ := st.GetTradeRequest(req.ID)
	if gotReq.Status != store.TradeOpen {
		t.Errorf("request should stay OPEN, got %s", gotReq.Status)
	}
	if len(pub.byKind(EventTradeCompleted)) != 0 {
		t.Error("no events should be published on rollback")
	}
}

// ==================== ACCEPT: GIVEAWAY ====================

func TestAcceptGiveawayTransfersAndRejectsOthers(t *testing.T) {
	engine, st, pub, cleanup := setupTestEngine(t)
	defer cleanup()

	alice := testUser(t, st, "alice")
	bob := testUser(t, st, "bob")
	carol := testUser(t, st, "carol")
	shift := testShift(t, st, alice.ID, futureStart)

	req, err := engine.CreateRequest(CreateRequestArgs{
		Kind:            store.KindGiveaway,
		AuthorID:        alice.ID,
		OriginalShiftID: shift.ID,
	})
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	bobResp, err := engine.CreateResponse(CreateResponseArgs{TradeID: req.ID, RespondentID: bob.ID})
	if err != nil {
		t.Fatalf("CreateResponse failed: %v", err)
	}
	carolResp, err := engine.CreateResponse(CreateResponseArgs{TradeID: req.ID, RespondentID: carol.ID})
	if err != nil {
		t.Fatalf("CreateResponse failed: %v", err)
	}
	pub.reset()

	if _, err := engine.ResolveResponse(req.ID, bobResp.ID, alice.ID, store.ResponseAccepted); err != nil {
		t.Fatalf("ResolveResponse failed: %v", err)
	}

	gotShift, _ := st.GetShift(shift.ID)
	if gotShift.OwnerUserID != bob.ID {
		t.Errorf("bob should own the shift, got %s", gotShift.OwnerUserID)
	}

	rejected := pub.byKind(EventTradeResponseRejected)
	if len(rejected) != 1 || rejected[0].Recipient != carol.ID {
		t.Fatalf("expected carol's rejection event, got %+v", rejected)
	}

	// Carol's late accept attempt reports the request's state
	_, err = engine.ResolveResponse(req.ID, carolResp.ID, alice.ID, store.ResponseAccepted)
	if err != ErrTradeNotOpen {
		t.Errorf("expected ErrTradeNotOpen, got %v", err)
	}
}

func TestAcceptGiveawayPastShift(t *testing.T) {
	fixed := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	engine, st, _, cleanup := setupTestEngine(t, WithClock(func() time.Time { return fixed }))
	defer cleanup()

	alice := testUser(t, st, "alice")
	bob := testUser(t, st, "bob")
	// Shift started an hour before the engine's clock
	shift := testShift(t, st, alice.ID, fixed.Add(-time.Hour))

	req, err := engine.CreateRequest(CreateRequestArgs{
		Kind:            store.KindGiveaway,
		AuthorID:        alice.ID,
		OriginalShiftID: shift.ID,
	})
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	resp, err := engine.CreateResponse(CreateResponseArgs{TradeID: req.ID, RespondentID: bob.ID})
	if err != nil {
		t.Fatalf("CreateResponse failed: %v", err)
	}

	_, err = engine.ResolveResponse(req.ID, resp.ID, alice.ID, store.ResponseAccepted)
	if err != ErrShiftInPast {
		t.Errorf("expected ErrShiftInPast, got %v", err)
	}
}

// ==================== RESOLVE: GUARDS ====================

func TestResolveResponseAuthorization(t *testing.T) {
	engine, st, _, cleanup := setupTestEngine(t)
	defer cleanup()

	alice := testUser(t, st, "alice")
	bob := testUser(t, st, "bob")
	shift := testShift(t, st, alice.ID, futureStart)

	req, err := engine.CreateRequest(CreateRequestArgs{
		Kind:            store.KindGiveaway,
		AuthorID:        alice.ID,
		OriginalShiftID: shift.ID,
	})
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	resp, err := engine.CreateResponse(CreateResponseArgs{TradeID: req.ID, RespondentID: bob.ID})
	if err != nil {
		t.Fatalf("CreateResponse failed: %v", err)
	}

	// The respondent cannot accept their own response
	_, err = engine.ResolveResponse(req.ID, resp.ID, bob.ID, store.ResponseAccepted)
	if err != ErrNotAuthorized {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}

	_, err = engine.ResolveResponse(req.ID, resp.ID, alice.ID, "MAYBE")
	if err != ErrInvalidStateTransition {
		t.Errorf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestRejectKeepsRequestOpen(t *testing.T) {
	engine, st, pub, cleanup := setupTestEngine(t)
	defer cleanup()

	alice := testUser(t, st, "alice")
	bob := testUser(t, st, "bob")
	shift := testShift(t, st, alice.ID, futureStart)

	req, err := engine.CreateRequest(CreateRequestArgs{
		Kind:            store.KindGiveaway,
		AuthorID:        alice.ID,
		OriginalShiftID: shift.ID,
	})
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	resp, err := engine.CreateResponse(CreateResponseArgs{TradeID: req.ID, RespondentID: bob.ID})
	if err != nil {
		t.Fatalf("CreateResponse failed: %v", err)
	}
	pub.reset()

	resolved, err := engine.ResolveResponse(req.ID, resp.ID, alice.ID, store.ResponseRejected)
	if err != nil {
		t.Fatalf("ResolveResponse failed: %v", err)
	}
	if resolved.Status != store.ResponseRejected {
		t.Errorf("expected REJECTED, got %s", resolved.Status)
	}

	gotReq, _ := st.GetTradeRequest(req.ID)
	if gotReq.Status != store.TradeOpen {
		t.Errorf("request should stay OPEN after a rejection, got %s", gotReq.Status)
	}

	rejectedEvents := pub.byKind(EventTradeResponseRejected)
	if len(rejectedEvents) != 1 || rejectedEvents[0].Recipient != bob.ID {
		t.Fatalf("expected bob's rejection event, got %+v", rejectedEvents)
	}

	// Resolving the same response again fails
	_, err = engine.ResolveResponse(req.ID, resp.ID, alice.ID, store.ResponseRejected)
	if err != ErrAlreadyResolved {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestRejectAfterCompleteFails(t *testing.T) {
	engine, st, pub, cleanup := setupTestEngine(t)
	defer cleanup()

	alice := testUser(t, st, "alice")
	bob := testUser(t, st, "bob")
	carol := testUser(t, st, "carol")
	aliceShift := testShift(t, st, alice.ID, futureStart)
	bobShift := testShift(t, st, bob.ID, futureStart.Add(24*time.Hour))
	carolShift := testShift(t, st, carol.ID, futureStart.Add(48*time.Hour))

	req, err := engine.CreateRequest(CreateRequestArgs{
		Kind:            store.KindTrade,
		AuthorID:        alice.ID,
		OriginalShiftID: aliceShift.ID,
	})
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	bobResp, err := engine.CreateResponse(CreateResponseArgs{
		TradeID: req.ID, RespondentID: bob.ID, OfferedShiftID: bobShift.ID,
	})
	if err != nil {
		t.Fatalf("CreateResponse failed: %v", err)
	}
	carolResp, err := engine.CreateResponse(CreateResponseArgs{
		TradeID: req.ID, RespondentID: carol.ID, OfferedShiftID: carolShift.ID,
	})
	if err != nil {
		t.Fatalf("CreateResponse failed: %v", err)
	}

	// Accepting bob's response completes the swap; carol's stays PENDING
	if _, err := engine.ResolveResponse(req.ID, bobResp.ID, alice.ID, store.ResponseAccepted); err != nil {
		t.Fatalf("ResolveResponse failed: %v", err)
	}
	pub.reset()

	// The request is terminal now: even a reject of the leftover
	// pending response must fail and leave it untouched.
	_, err = engine.ResolveResponse(req.ID, carolResp.ID, alice.ID, store.ResponseRejected)
	if err != ErrInvalidStateTransition {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}

	err = st.WithTx(func(tx *store.Tx) error {
		got, err := tx.GetTradeResponse(req.ID, carolResp.ID)
		if err != nil {
			return err
		}
		if got.Status != store.ResponsePending {
			t.Errorf("response should stay PENDING, got %s", got.Status)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}
	if len(pub.byKind(EventTradeResponseRejected)) != 0 {
		t.Error("no rejection event should be published for a terminal request")
	}
}

func TestConcurrentAcceptsExactlyOneWins(t *testing.T) {
	engine, st, _, cleanup := setupTestEngine(t)
	defer cleanup()

	alice := testUser(t, st, "alice")
	bob := testUser(t, st, "bob")
	carol := testUser(t, st, "carol")
	shift := testShift(t, st, alice.ID, futureStart)

	req, err := engine.CreateRequest(CreateRequestArgs{
		Kind:            store.KindGiveaway,
		AuthorID:        alice.ID,
		OriginalShiftID: shift.ID,
	})
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	bobResp, err := engine.CreateResponse(CreateResponseArgs{TradeID: req.ID, RespondentID: bob.ID})
	if err != nil {
		t.Fatalf("CreateResponse failed: %v", err)
	}
	carolResp, err := engine.CreateResponse(CreateResponseArgs{TradeID: req.ID, RespondentID: carol.ID})
	if err != nil {
		t.Fatalf("CreateResponse failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, respID := range []string{bobResp.ID, carolResp.ID} {
		wg.Add(1)
		go func(i int, respID string) {
			defer wg.Done()
			_, errs[i] = engine.ResolveResponse(req.ID, respID, alice.ID, store.ResponseAccepted)
		}(i, respID)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		switch err {
		case nil:
			wins++
		case ErrTradeNotOpen:
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("expected exactly one winner, got %d wins / %d losses", wins, losses)
	}

	gotShift, _ := st.GetShift(shift.ID)
	if gotShift.OwnerUserID != bob.ID && gotShift.OwnerUserID != carol.ID {
		t.Errorf("shift should belong to one respondent, got %s", gotShift.OwnerUserID)
	}
}

// ==================== CANCEL ====================

func TestCancelRequest(t *testing.T) {
	engine, st, pub, cleanup := setupTestEngine(t)
	defer cleanup()

	alice := testUser(t, st, "alice")
	bob := testUser(t, st, "bob")
	shift := testShift(t, st, alice.ID, futureStart)

	req, err := engine.CreateRequest(CreateRequestArgs{
		Kind:            store.KindGiveaway,
		AuthorID:        alice.ID,
		OriginalShiftID: shift.ID,
	})
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	if _, err := engine.CreateResponse(CreateResponseArgs{TradeID: req.ID, RespondentID: bob.ID}); err != nil {
		t.Fatalf("CreateResponse failed: %v", err)
	}
	pub.reset()

	if err := engine.CancelRequest(req.ID, bob.ID); err != ErrNotAuthorized {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}

	if err := engine.CancelRequest(req.ID, alice.ID); err != nil {
		t.Fatalf("CancelRequest failed: %v", err)
	}

	gotReq, _ := st.GetTradeRequest(req.ID)
	if gotReq.Status != store.TradeCancelled {
		t.Errorf("expected CANCELLED, got %s", gotReq.Status)
	}

	cancelled := pub.byKind(EventTradeCancelled)
	if len(cancelled) != 1 || cancelled[0].Recipient != bob.ID {
		t.Fatalf("expected bob's cancellation event, got %+v", cancelled)
	}

	// Terminal requests cannot be cancelled again
	if err := engine.CancelRequest(req.ID, alice.ID); err != ErrInvalidStateTransition {
		t.Errorf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestCancelRequestDeleteOnCancel(t *testing.T) {
	engine, st, _, cleanup := setupTestEngine(t, WithDeleteOnCancel())
	defer cleanup()

	alice := testUser(t, st, "alice")
	shift := testShift(t, st, alice.ID, futureStart)

	req, err := engine.CreateRequest(CreateRequestArgs{
		Kind:            store.KindGiveaway,
		AuthorID:        alice.ID,
		OriginalShiftID: shift.ID,
	})
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	if err := engine.CancelRequest(req.ID, alice.ID); err != nil {
		t.Fatalf("CancelRequest failed: %v", err)
	}
	if _, err := st.GetTradeRequest(req.ID); err != store.ErrTradeNotFound {
		t.Errorf("expected ErrTradeNotFound after delete-on-cancel, got %v", err)
	}

	// The shift is free for a new request immediately
	if _, err := engine.CreateRequest(CreateRequestArgs{
		Kind:            store.KindGiveaway,
		AuthorID:        alice.ID,
		OriginalShiftID: shift.ID,
	}); err != nil {
		t.Errorf("shift should be reusable after cancellation: %v", err)
	}
}
