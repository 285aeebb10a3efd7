package api

import (
	"context"
	"log/slog"
	"net/http"

	"parley/internal/models"
)

type SessionIssuer interface {
	IssueSession(userID, username string) (string, models.Session, error)
	Revoke(token string) error
}

type ConversationStore interface {
	UpsertConversation(ctx context.Context, conv models.Conversation) (models.Conversation, error)
	ListConversations(ctx context.Context) ([]models.Conversation, error)
}

// ConversationObserver is told about saved conversations so live rooms can
// drop users that are no longer participants.
type ConversationObserver interface {
	ConversationUpdated(conv models.Conversation) int
}

type AdminHandler struct {
	sessions      SessionIssuer
	conversations ConversationStore
	observer      ConversationObserver
	logger        *slog.Logger
}

func NewAdminHandler(sessions SessionIssuer, conversations ConversationStore, observer ConversationObserver, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{sessions: sessions, conversations: conversations, observer: observer, logger: logger}
}

type IssueSessionRequest struct {
	UserID   string `json:"userId" validate:"required,max=128"`
	Username string `json:"username,omitempty" validate:"max=128"`
}

type IssueSessionResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	ExpiresAt int64  `json:"expiresAt"` // Unix timestamp (seconds)
}

func (h *AdminHandler) IssueSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req IssueSessionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	token, session, err := h.sessions.IssueSession(req.UserID, req.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("session issued", "user_id", session.UserID)

	writeJSON(w, http.StatusOK, IssueSessionResponse{
		Token:     token,
		UserID:    session.UserID,
		Username:  session.Username,
		ExpiresAt: session.ExpiresAt,
	})
}

func (h *AdminHandler) RevokeSessionHandler(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "Token is required", http.StatusBadRequest)
		return
	}

	if err := h.sessions.Revoke(token); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type CreateConversationRequest struct {
	ID           string   `json:"id" validate:"required,max=128"`
	Participants []string `json:"participants" validate:"dive,required,max=128"`
}

// CreateConversationHandler creates a conversation or replaces the
// participants of an existing one. An empty participant list leaves the
// conversation open to every authenticated user. Removed participants are
// evicted from the live room.
func (h *AdminHandler) CreateConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	conv, err := h.conversations.UpsertConversation(r.Context(), models.Conversation{
		ID:           req.ID,
		Participants: req.Participants,
	})
	if err != nil {
		h.logger.Error("failed to save conversation", "conversation_id", req.ID, "error", err)
		writeError(w, err)
		return
	}
	if h.observer != nil {
		h.observer.ConversationUpdated(conv)
	}

	writeJSON(w, http.StatusOK, conv)
}

func (h *AdminHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	convs, err := h.conversations.ListConversations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}
