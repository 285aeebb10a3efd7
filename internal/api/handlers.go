package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"parley/internal/models"
	"parley/internal/presence"
	"parley/internal/ws"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type SessionResolver interface {
	Resolve(token string) (models.Session, error)
}

type Store interface {
	GetConversation(ctx context.Context, conversationID string) (models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, from, to int64) ([]models.Message, error)
	UpsertPushSubscription(sub models.PushSubscription) error
	DeleteUserPushSubscription(userID, endpoint string) error
}

type PresenceSource interface {
	Presence() []presence.Record
}

type API struct {
	sessions       SessionResolver
	store          Store
	presence       PresenceSource
	vapidPublicKey string
	logger         *slog.Logger
}

func New(sessions SessionResolver, store Store, presence PresenceSource, vapidPublicKey string, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		sessions:       sessions,
		store:          store,
		presence:       presence,
		vapidPublicKey: vapidPublicKey,
		logger:         logger,
	}
}

type sessionKey struct{}

// RequireAuth resolves the request token and stores the session in the
// request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := a.sessions.Resolve(ws.TokenFromRequest(r))
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	}
}

func sessionFrom(r *http.Request) models.Session {
	session, _ := r.Context().Value(sessionKey{}).(models.Session)
	return session
}

// HistoryHandler returns the persisted messages of a conversation with
// sequence numbers in [from, to]. Both bounds are optional.
func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)
	conversationID := r.PathValue("id")

	from, err := seqParam(r, "from", 1)
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := seqParam(r, "to", math.MaxInt64)
	if err != nil {
		writeError(w, err)
		return
	}
	if from > to {
		writeError(w, fmt.Errorf("from is after to: %w", models.ErrValidation))
		return
	}

	conv, err := a.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !conv.HasParticipant(session.UserID) {
		writeError(w, models.ErrAccessDenied)
		return
	}

	messages, err := a.store.ListMessages(r.Context(), conversationID, from, to)
	if err != nil {
		a.logger.Error("failed to list messages", "conversation_id", conversationID, "error", err)
		writeError(w, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	writeJSON(w, http.StatusOK, HistoryResponse{
		ConversationID: conversationID,
		LastSeq:        conv.LastSeq,
		Messages:       messages,
	})
}

type HistoryResponse struct {
	ConversationID string           `json:"conversationId"`
	LastSeq        int64            `json:"lastSeq"`
	Messages       []models.Message `json:"messages"`
}

func seqParam(r *http.Request, name string, fallback int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("invalid %s: %w", name, models.ErrValidation)
	}
	return seq, nil
}

// SubscriptionRequest mirrors the browser's PushSubscription.toJSON().
type SubscriptionRequest struct {
	Endpoint string `json:"endpoint" validate:"required,url"`
	Keys     struct {
		Auth   string `json:"auth" validate:"required"`
		P256dh string `json:"p256dh" validate:"required"`
	} `json:"keys"`
}

func (a *API) SubscribePushHandler(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)

	var req SubscriptionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	err := a.store.UpsertPushSubscription(models.PushSubscription{
		UserID:   session.UserID,
		Endpoint: req.Endpoint,
		Auth:     req.Keys.Auth,
		P256dh:   req.Keys.P256dh,
	})
	if err != nil {
		a.logger.Error("failed to save push subscription", "user_id", session.UserID, "error", err)
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint" validate:"required"`
}

func (a *API) UnsubscribePushHandler(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)

	var req UnsubscribeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := a.store.DeleteUserPushSubscription(session.UserID, req.Endpoint); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// VAPIDKeyHandler returns the application server key for pushManager.subscribe.
func (a *API) VAPIDKeyHandler(w http.ResponseWriter, r *http.Request) {
	if a.vapidPublicKey == "" {
		http.Error(w, "Push notifications are disabled", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": a.vapidPublicKey})
}

func (a *API) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.presence.Presence())
}

// ErrorResponse carries the same codes as websocket error events.
type ErrorResponse struct {
	Code  models.ErrorCode `json:"code"`
	Error string           `json:"error"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", models.ErrValidation)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%s: %w", err.Error(), models.ErrValidation)
	}
	return nil
}

func statusOf(code models.ErrorCode) int {
	switch code {
	case models.ErrorCodeNotFound:
		return http.StatusNotFound
	case models.ErrorCodeAccessDenied:
		return http.StatusForbidden
	case models.ErrorCodeValidation:
		return http.StatusBadRequest
	case models.ErrorCodeMessageDeleted:
		return http.StatusGone
	case models.ErrorCodeNotAuthenticated:
		return http.StatusUnauthorized
	case models.ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	reply := models.ErrorReply("", err)
	writeJSON(w, statusOf(reply.Code), ErrorResponse{Code: reply.Code, Error: reply.Error})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}
