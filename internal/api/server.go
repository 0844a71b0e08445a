package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"shiftswap/internal/notify"
	"shiftswap/internal/store"
	"shiftswap/internal/trade"
	"shiftswap/internal/ws"
)

type Server struct {
	store       *store.Store
	engine      *trade.Engine
	registry    *ws.Registry
	dispatcher  *notify.Dispatcher
	sessions    *SessionStore
	rateLimiter *RateLimiter
	log         *zap.Logger
	upgrader    websocket.Upgrader

	corsOrigins  []string // Allowed CORS origins (empty = allow all)
	writeTimeout time.Duration
	retention    time.Duration
}

func NewServer(st *store.Store, engine *trade.Engine, registry *ws.Registry, dispatcher *notify.Dispatcher, log *zap.Logger) *Server {
	s := &Server{
		store:        st,
		engine:       engine,
		registry:     registry,
		dispatcher:   dispatcher,
		sessions:     NewSessionStore(st),
		rateLimiter:  NewRateLimiter(30, 1*time.Minute),
		log:          log,
		writeTimeout: 10 * time.Second,
		retention:    15 * 24 * time.Hour,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.checkCORSOrigin(r.Header.Get("Origin"))
		},
	}
	return s
}

// SetCORSOrigins sets the allowed CORS origins. An empty slice allows
// all origins (development mode).
func (s *Server) SetCORSOrigins(origins []string) {
	s.corsOrigins = origins
}

func (s *Server) checkCORSOrigin(origin string) bool {
	if len(s.corsOrigins) == 0 {
		return true
	}
	// Empty origin header = same-origin request, always allow
	if origin == "" {
		return true
	}
	for _, allowed := range s.corsOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	allowedOrigins := s.corsOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimiter.Middleware)
			r.Post("/auth/register", s.handleRegister)
			r.Post("/auth/login", s.handleLogin)
		})
		r.Post("/auth/logout", s.handleLogout)

		r.Get("/shifts", s.handleListShifts)

		r.Post("/trades", s.handleCreateTrade)
		r.Get("/trades", s.handleListTrades)
		r.Get("/trades/{id}", s.handleGetTrade)
		r.Delete("/trades/{id}", s.handleCancelTrade)
		r.Post("/trades/{id}/responses", s.handleCreateResponse)
		r.Patch("/trades/{id}/responses/{responseID}", s.handleResolveResponse)

		r.Get("/notifications", s.handleListNotifications)
		r.Post("/notifications/{id}/read", s.handleMarkRead)
		r.Post("/notifications/read-all", s.handleMarkAllRead)

		r.Get("/ws/health", s.handleWSHealth)
	})

	// WebSocket
	r.Get("/ws", s.handleWebSocket)

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Shutdown stops internal goroutines (session cleanup, rate limiter)
func (s *Server) Shutdown() {
	s.sessions.Stop()
	s.rateLimiter.Stop()
}

// ==================== projections ====================

type UserSummary struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type ShiftView struct {
	ID     string    `json:"id"`
	Owner  string    `json:"owner_user_id"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Status string    `json:"status"`
}

type TradeResponseView struct {
	ID           string      `json:"id"`
	Respondent   UserSummary `json:"respondent"`
	OfferedShift *ShiftView  `json:"offered_shift,omitempty"`
	Content      string      `json:"content,omitempty"`
	Status       string      `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
}

type TradeRequestView struct {
	ID             string              `json:"id"`
	Kind           string              `json:"kind"`
	Author         UserSummary         `json:"author"`
	OriginalShift  *ShiftView          `json:"original_shift"`
	PreferredShift *ShiftView          `json:"preferred_shift,omitempty"`
	Reason         string              `json:"reason,omitempty"`
	Urgency        string              `json:"urgency"`
	Status         string              `json:"status"`
	CreatedAt      time.Time           `json:"created_at"`
	Responses      []TradeResponseView `json:"responses"`
}

type NotificationView struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Priority  string          `json:"priority"`
	Data      json.RawMessage `json:"data"`
	Status    string          `json:"status"`
	IsRead    bool            `json:"is_read"`
	ReadAt    *time.Time      `json:"read_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s *Server) userSummary(id string) UserSummary {
	summary := UserSummary{ID: id}
	if user, err := s.store.GetUserByID(id); err == nil {
		summary.Username = user.Username
	}
	return summary
}

func (s *Server) shiftView(id string) *ShiftView {
	if id == "" {
		return nil
	}
	shift, err := s.store.GetShift(id)
	if err != nil {
		return &ShiftView{ID: id}
	}
	return &ShiftView{
		ID:     shift.ID,
		Owner:  shift.OwnerUserID,
		Start:  shift.Start,
		End:    shift.End,
		Status: shift.Status,
	}
}

func (s *Server) tradeView(req *store.TradeRequest) (TradeRequestView, error) {
	responses, err := s.store.ListTradeResponses(req.ID)
	if err != nil {
		return TradeRequestView{}, err
	}

	view := TradeRequestView{
		ID:             req.ID,
		Kind:           req.Kind,
		Author:         s.userSummary(req.AuthorID),
		OriginalShift:  s.shiftView(req.OriginalShiftID),
		PreferredShift: s.shiftView(req.PreferredShiftID),
		Reason:         req.Reason,
		Urgency:        req.Urgency,
		Status:         req.Status,
		CreatedAt:      req.CreatedAt,
		Responses:      make([]TradeResponseView, 0, len(responses)),
	}
	for _, resp := range responses {
		view.Responses = append(view.Responses, TradeResponseView{
			ID:           resp.ID,
			Respondent:   s.userSummary(resp.RespondentID),
			OfferedShift: s.shiftView(resp.OfferedShiftID),
			Content:      resp.Content,
			Status:       resp.Status,
			CreatedAt:    resp.CreatedAt,
		})
	}
	return view, nil
}

func notificationView(n *store.Notification) NotificationView {
	return NotificationView{
		ID:        n.ID,
		Kind:      n.Kind,
		Title:     n.Title,
		Message:   n.Message,
		Priority:  n.Priority,
		Data:      json.RawMessage(n.Data),
		Status:    n.Status,
		IsRead:    n.IsRead,
		ReadAt:    n.ReadAt,
		CreatedAt: n.CreatedAt,
	}
}

// ==================== shift handlers ====================

func (s *Server) handleListShifts(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	shifts, err := s.store.ListShiftsByUser(session.UserID)
	if err != nil {
		http.Error(w, "failed to list shifts", http.StatusInternalServerError)
		return
	}

	views := make([]ShiftView, 0, len(shifts))
	for _, sh := range shifts {
		views = append(views, ShiftView{
			ID: sh.ID, Owner: sh.OwnerUserID, Start: sh.Start, End: sh.End, Status: sh.Status,
		})
	}
	writeJSON(w, views)
}

// ==================== trade handlers ====================

type CreateTradeRequest struct {
	Kind             string `json:"kind"`
	OriginalShiftID  string `json:"original_shift_id"`
	PreferredShiftID string `json:"preferred_shift_id,omitempty"`
	Reason           string `json:"reason,omitempty"`
	Urgency          string `json:"urgency,omitempty"`
}

func (s *Server) handleCreateTrade(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req CreateTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Kind != store.KindTrade && req.Kind != store.KindGiveaway {
		http.Error(w, "kind must be TRADE or GIVEAWAY", http.StatusBadRequest)
		return
	}
	if req.OriginalShiftID == "" {
		http.Error(w, "original_shift_id required", http.StatusBadRequest)
		return
	}

	created, err := s.engine.CreateRequest(trade.CreateRequestArgs{
		Kind:             req.Kind,
		AuthorID:         session.UserID,
		OriginalShiftID:  req.OriginalShiftID,
		PreferredShiftID: req.PreferredShiftID,
		Reason:           req.Reason,
		Urgency:          req.Urgency,
	})
	if err != nil {
		s.writeTradeError(w, err)
		return
	}

	view, err := s.tradeView(created)
	if err != nil {
		http.Error(w, "failed to load trade request", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, view)
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	if s.getSession(r) == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	requests, err := s.store.ListTradeRequests(
		r.URL.Query().Get("status"),
		r.URL.Query().Get("type"),
	)
	if err != nil {
		http.Error(w, "failed to list trade requests", http.StatusInternalServerError)
		return
	}

	views := make([]TradeRequestView, 0, len(requests))
	for i := range requests {
		view, err := s.tradeView(&requests[i])
		if err != nil {
			http.Error(w, "failed to load trade request", http.StatusInternalServerError)
			return
		}
		views = append(views, view)
	}
	writeJSON(w, views)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	if s.getSession(r) == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	req, err := s.store.GetTradeRequest(chi.URLParam(r, "id"))
	if err != nil {
		s.writeTradeError(w, err)
		return
	}
	view, err := s.tradeView(req)
	if err != nil {
		http.Error(w, "failed to load trade request", http.StatusInternalServerError)
		return
	}
	writeJSON(w, view)
}

func (s *Server) handleCancelTrade(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := s.engine.CancelRequest(chi.URLParam(r, "id"), session.UserID); err != nil {
		s.writeTradeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "cancelled"})
}

type CreateResponseRequest struct {
	OfferedShiftID string `json:"offered_shift_id,omitempty"`
	Content        string `json:"content,omitempty"`
}

func (s *Server) handleCreateResponse(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req CreateResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := s.engine.CreateResponse(trade.CreateResponseArgs{
		TradeID:        chi.URLParam(r, "id"),
		RespondentID:   session.UserID,
		OfferedShiftID: req.OfferedShiftID,
		Content:        req.Content,
	})
	if err != nil {
		s.writeTradeError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, TradeResponseView{
		ID:           resp.ID,
		Respondent:   s.userSummary(resp.RespondentID),
		OfferedShift: s.shiftView(resp.OfferedShiftID),
		Content:      resp.Content,
		Status:       resp.Status,
		CreatedAt:    resp.CreatedAt,
	})
}

type ResolveResponseRequest struct {
	Status string `json:"status"` // ACCEPTED or REJECTED
}

func (s *Server) handleResolveResponse(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req ResolveResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Status != store.ResponseAccepted && req.Status != store.ResponseRejected {
		http.Error(w, "status must be ACCEPTED or REJECTED", http.StatusBadRequest)
		return
	}

	resp, err := s.engine.ResolveResponse(
		chi.URLParam(r, "id"),
		chi.URLParam(r, "responseID"),
		session.UserID,
		req.Status,
	)
	if err != nil {
		s.writeTradeError(w, err)
		return
	}

	writeJSON(w, TradeResponseView{
		ID:           resp.ID,
		Respondent:   s.userSummary(resp.RespondentID),
		OfferedShift: s.shiftView(resp.OfferedShiftID),
		Content:      resp.Content,
		Status:       resp.Status,
		CreatedAt:    resp.CreatedAt,
	})
}

// ==================== notification handlers ====================

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	unreadOnly := r.URL.Query().Get("unread") == "true"

	notifications, err := s.store.ListNotifications(session.UserID, limit, unreadOnly)
	if err != nil {
		http.Error(w, "failed to list notifications", http.StatusInternalServerError)
		return
	}
	unread, err := s.store.UnreadNotificationCount(session.UserID)
	if err != nil {
		http.Error(w, "failed to count notifications", http.StatusInternalServerError)
		return
	}

	views := make([]NotificationView, 0, len(notifications))
	for i := range notifications {
		views = append(views, notificationView(&notifications[i]))
	}
	writeJSON(w, map[string]any{
		"items":  views,
		"unread": unread,
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ok, err := s.store.MarkNotificationRead(chi.URLParam(r, "id"), session.UserID)
	if err != nil {
		http.Error(w, "failed to mark notification read", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "notification not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{"status": "read"})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := s.store.MarkAllNotificationsRead(session.UserID); err != nil {
		http.Error(w, "failed to mark notifications read", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "read"})
}

func (s *Server) handleWSHealth(w http.ResponseWriter, r *http.Request) {
	if s.getSession(r) == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	infos := s.registry.ConnectionInfo()
	writeJSON(w, map[string]any{
		"status":      "healthy",
		"connections": infos,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ==================== helpers ====================

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeTradeError maps the engine's typed errors to HTTP status codes.
// This is the only place domain errors become transport responses.
func (s *Server) writeTradeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrTradeNotFound),
		errors.Is(err, store.ErrResponseNotFound),
		errors.Is(err, store.ErrShiftNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, trade.ErrNotAuthorized),
		errors.Is(err, trade.ErrShiftNotOwned):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, trade.ErrTradeNotOpen),
		errors.Is(err, trade.ErrAlreadyResolved),
		errors.Is(err, trade.ErrInvalidStateTransition),
		errors.Is(err, trade.ErrShiftAlreadyInTrade),
		trade.IsConflict(err):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, trade.ErrSelfResponse),
		errors.Is(err, trade.ErrShiftInPast),
		errors.Is(err, trade.ErrOfferedShiftRequired),
		errors.Is(err, trade.ErrUnknownKind):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.Error("internal error", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
