package messagingapi

import (
	"errors"
	"log/slog"
	"net/http"

	"bazaar/cmd/identity"
	"bazaar/cmd/internal/messaging"
)

// Authenticator resolves the acting user of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (identity.Principal, error)
}

// Handler serves the conversation directory, message store and inbox over JSON.
type Handler struct {
	log  *slog.Logger
	cfg  Config
	svc  *messaging.Service
	auth Authenticator
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, svc *messaging.Service, auth Authenticator, cfg Config) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("messagingapi: nil service")
	}
	if auth == nil {
		return nil, errors.New("messagingapi: nil authenticator")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	return &Handler{log: log, cfg: cfg, svc: svc, auth: auth}, nil
}

// Register wires the /v1 routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /v1/conversations", h.authed(h.handleCreateConversation))
	mux.HandleFunc("GET /v1/conversations", h.authed(h.handleListConversations))
	mux.HandleFunc("GET /v1/conversations/{id}", h.authed(h.handleThreadHeader))
	mux.HandleFunc("GET /v1/conversations/{id}/messages", h.authed(h.handleListMessages))
	mux.HandleFunc("POST /v1/conversations/{id}/messages", h.authed(h.handleSendMessage))
	mux.HandleFunc("POST /v1/conversations/{id}/read", h.authed(h.handleMarkRead))
	mux.HandleFunc("POST /v1/messages/{id}/read", h.authed(h.handleMarkOneRead))
	mux.HandleFunc("GET /v1/unread", h.authed(h.handleUnread))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (h *Handler) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := h.auth.Authenticate(r)
		if err != nil {
			if errors.Is(err, identity.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
			return
		}
		next(w, r.WithContext(identity.WithPrincipal(r.Context(), p)), p.UserID)
	}
}

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request, userID string) {
	var req createConversationRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	c, err := h.svc.GetOrCreateConversation(r.Context(), req.ListingID, userID, req.SellerID)
	if err != nil {
		h.writeServiceError(w, r, "api.conversation.create", err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{Conversation: c})
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request, userID string) {
	list, err := h.svc.ListConversationSummaries(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, "api.conversation.list", err)
		return
	}
	total := 0
	for _, s := range list {
		total += s.UnreadCount
	}
	if list == nil {
		list = []messaging.Summary{}
	}
	writeJSON(w, http.StatusOK, summariesResponse{Conversations: list, TotalUnread: total})
}

func (h *Handler) handleThreadHeader(w http.ResponseWriter, r *http.Request, userID string) {
	header, err := h.svc.ThreadHeader(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		h.writeServiceError(w, r, "api.conversation.get", err)
		return
	}
	writeJSON(w, http.StatusOK, header)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request, userID string) {
	convID := r.PathValue("id")
	list, err := h.svc.ListMessages(r.Context(), convID, userID)
	if err != nil {
		h.writeServiceError(w, r, "api.message.list", err)
		return
	}
	if list == nil {
		list = []messaging.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{ConversationID: convID, Messages: list})
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request, userID string) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	m, err := h.svc.AppendMessage(r.Context(), r.PathValue("id"), userID, req.Content)
	if err != nil {
		h.writeServiceError(w, r, "api.message.send", err)
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse{Message: m})
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request, userID string) {
	n, err := h.svc.MarkRead(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		h.writeServiceError(w, r, "api.message.mark_read", err)
		return
	}
	writeJSON(w, http.StatusOK, markReadResponse{Updated: n})
}

func (h *Handler) handleMarkOneRead(w http.ResponseWriter, r *http.Request, userID string) {
	ok, err := h.svc.MarkOneRead(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		h.writeServiceError(w, r, "api.message.mark_one_read", err)
		return
	}
	writeJSON(w, http.StatusOK, markOneReadResponse{Updated: ok})
}

func (h *Handler) handleUnread(w http.ResponseWriter, r *http.Request, userID string) {
	n, err := h.svc.TotalUnread(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, "api.unread", err)
		return
	}
	writeJSON(w, http.StatusOK, unreadResponse{Unread: n})
}

// writeServiceError maps messaging error kinds to status codes. Store details never reach the client.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, event string, err error) {
	switch {
	case messaging.IsUnauthorized(err):
		writeError(w, http.StatusForbidden, "forbidden", "not a participant")
	case messaging.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_input", clientMessage(err, "invalid input"))
	case messaging.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case messaging.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", "conflict")
	case messaging.IsUnavailable(err):
		h.log.Warn(event+".fail", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", clientMessage(err, "service unavailable"))
	default:
		h.log.Error(event+".fail", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func clientMessage(err error, fallback string) string {
	var oe messaging.OpError
	if errors.As(err, &oe) && oe.Msg != "" {
		return oe.Msg
	}
	return fallback
}
