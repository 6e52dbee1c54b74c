package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"zapdesk/internal/models"
	"zapdesk/internal/services"
	"zapdesk/internal/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/vincent-petithory/dataurl"
)

// APIHandler exposes the staff-facing operations of the pipeline: sending
// messages and templates, marking chats read, and managing services.
type APIHandler struct {
	store *services.MessageStore
	blob  BlobPutter
}

// NewAPIHandler creates the handler. blob may be nil; media sends then fail
// with a configuration error.
func NewAPIHandler(store *services.MessageStore, blob BlobPutter) *APIHandler {
	if store == nil {
		log.Fatal().Msg("MessageStore cannot be nil for APIHandler")
	}
	return &APIHandler{store: store, blob: blob}
}

// Register mounts all staff routes on the router.
func (h *APIHandler) Register(r *mux.Router) {
	r.HandleFunc("/chats", h.ListChats).Methods(http.MethodGet)
	r.HandleFunc("/chats/{chatID}/messages", h.ListMessages).Methods(http.MethodGet)
	r.HandleFunc("/chats/{chatID}/messages", h.SendMessage).Methods(http.MethodPost)
	r.HandleFunc("/chats/{chatID}/read", h.MarkRead).Methods(http.MethodPost)
	r.HandleFunc("/templates", h.SendTemplate).Methods(http.MethodPost)
	r.HandleFunc("/services/{serviceID}", h.UpdateService).Methods(http.MethodPatch)
	r.HandleFunc("/services/{serviceID}/transfer", h.TransferService).Methods(http.MethodPost)
	r.HandleFunc("/services/{serviceID}/conclude", h.ConcludeService).Methods(http.MethodPost)
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// respondError maps the store's error taxonomy onto HTTP statuses. The
// expired-window rejection gets its own code and marker so the UI can offer
// a template send instead of a generic failure toast.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrConversationExpired):
		respondJSON(w, http.StatusConflict, map[string]string{
			"error": err.Error(),
			"code":  "conversation_expired",
		})
	case errors.Is(err, services.ErrServiceNotPending):
		respondJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, services.ErrClientNotFound),
		errors.Is(err, services.ErrUserNotFound),
		errors.Is(err, services.ErrChatNotFound),
		errors.Is(err, services.ErrServiceNotFound):
		respondJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, services.ErrProviderIDRequired):
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

// ListChats returns chats ordered by most recent activity.
func (h *APIHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.store.ListChats(r.Context(), 100)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, chats)
}

// ListMessages returns the chat's recent messages, oldest first.
func (h *APIHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["chatID"]
	msgs, err := h.store.RecentMessages(r.Context(), chatID, 100)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, msgs)
}

type sendMessageRequest struct {
	UserID   string `json:"userId"`
	Text     string `json:"text"`
	Media    string `json:"media"` // data URL
	Filename string `json:"filename"`
}

// SendMessage submits a staff-authored message into an existing chat. Media
// arrives as a data URL and is persisted to blob storage before the submit
// mutation runs.
func (h *APIHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["chatID"]

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
		return
	}
	if req.UserID == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "userId is required"})
		return
	}
	if req.Text == "" && req.Media == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "message needs text or media"})
		return
	}

	if _, err := h.store.GetUser(r.Context(), req.UserID); err != nil {
		respondError(w, err)
		return
	}
	chat, err := h.store.GetChat(r.Context(), chatID)
	if err != nil {
		respondError(w, err)
		return
	}
	client, err := h.store.GetClient(r.Context(), chat.ClientID)
	if err != nil {
		respondError(w, err)
		return
	}

	in := services.SubmitInput{
		ClientExternalID: client.ExternalID,
		ClientName:       client.Name,
		ClientPhone:      client.Phone,
		PhoneNumberID:    chat.PhoneNumberID,
		Author:           services.Author{Kind: models.AuthorUser, ID: req.UserID},
		Text:             req.Text,
	}

	if req.Media != "" {
		media, err := h.storeDataURL(r, chatID, req.Media, req.Filename)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		in.Media = media
	}

	res, err := h.store.SubmitMessage(r.Context(), in)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res.Message)
}

func (h *APIHandler) storeDataURL(r *http.Request, chatID, media, filename string) (*services.MediaInput, error) {
	if h.blob == nil {
		return nil, errors.New("blob storage not configured for media sends")
	}
	decoded, err := dataurl.DecodeString(media)
	if err != nil {
		return nil, errors.New("media must be a valid data URL")
	}

	mime := decoded.MediaType.ContentType()
	key := storage.KeyFor(chatID, uuid.NewString(), mime)
	if err := h.blob.Put(r.Context(), key, decoded.Data, mime); err != nil {
		return nil, err
	}

	kind := "document"
	category := string(decoded.MediaType.Type)
	if category == "image" || category == "audio" {
		kind = category
	}
	return &services.MediaInput{
		StorageKey: key,
		Kind:       kind,
		Mime:       mime,
		Filename:   filename,
		Size:       int64(len(decoded.Data)),
	}, nil
}

// MarkRead flips the chat's client messages to read.
func (h *APIHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["chatID"]
	count, err := h.store.MarkRead(r.Context(), chatID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"marked": count})
}

type sendTemplateRequest struct {
	ClientExternalID string          `json:"clientExternalId"`
	ClientName       string          `json:"clientName"`
	ClientPhone      string          `json:"clientPhone"`
	PhoneNumberID    string          `json:"phoneNumberId"`
	UserID           string          `json:"userId"`
	Preview          string          `json:"preview"`
	Payload          json.RawMessage `json:"payload"`
}

// SendTemplate queues a template send, creating the client and chat when
// needed and reopening an expired conversation window.
func (h *APIHandler) SendTemplate(w http.ResponseWriter, r *http.Request) {
	var req sendTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
		return
	}

	res, err := h.store.SendTemplate(r.Context(), services.TemplateInput{
		ClientExternalID: req.ClientExternalID,
		ClientName:       req.ClientName,
		ClientPhone:      req.ClientPhone,
		PhoneNumberID:    req.PhoneNumberID,
		AuthorUserID:     req.UserID,
		Preview:          req.Preview,
		Payload:          req.Payload,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res.Message)
}

type updateServiceRequest struct {
	Description *string `json:"description"`
	Status      *string `json:"status"`
}

// UpdateService applies a partial service patch.
func (h *APIHandler) UpdateService(w http.ResponseWriter, r *http.Request) {
	serviceID := mux.Vars(r)["serviceID"]

	var req updateServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
		return
	}

	patch := services.ServicePatch{Description: req.Description}
	if req.Status != nil {
		status := models.ServiceStatus(*req.Status)
		patch.Status = &status
	}

	service, err := h.store.UpdateService(r.Context(), serviceID, patch)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, service)
}

type transferServiceRequest struct {
	UserExternalID string `json:"userExternalId"`
}

// TransferService reassigns a pending service to a user, or back to the AI
// agent when no user is given.
func (h *APIHandler) TransferService(w http.ResponseWriter, r *http.Request) {
	serviceID := mux.Vars(r)["serviceID"]

	var req transferServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
		return
	}

	service, err := h.store.TransferService(r.Context(), serviceID, req.UserExternalID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, service)
}

type concludeServiceRequest struct {
	Description string `json:"description"`
}

// ConcludeService closes a service. The closing description must be
// non-trivial; this is the caller-side rule the store does not re-check.
func (h *APIHandler) ConcludeService(w http.ResponseWriter, r *http.Request) {
	serviceID := mux.Vars(r)["serviceID"]

	var req concludeServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
		return
	}
	if len(req.Description) <= 3 {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "closing description must be longer than 3 characters"})
		return
	}

	done := models.ServiceStatusDone
	now := time.Now()
	service, err := h.store.UpdateService(r.Context(), serviceID, services.ServicePatch{
		Description: &req.Description,
		Status:      &done,
		EndedAt:     &now,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, service)
}
