package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"zapdesk/internal/models"
	"zapdesk/internal/services"
	"zapdesk/internal/storage"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

// MediaDownloader is the inbound-media contract of the channel adapter.
type MediaDownloader interface {
	DownloadMedia(providerMediaID string) ([]byte, string, int64, error)
}

// BlobPutter is the write side of blob storage.
type BlobPutter interface {
	Put(ctx context.Context, key string, data []byte, mime string) error
}

// Graph webhook payload, mapped down to the fields ingestion reads.

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string       `json:"field"`
			Value webhookValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookValue struct {
	Metadata struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []webhookMessage `json:"messages"`
	Statuses []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"statuses"`
}

type webhookMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type webhookMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *webhookMedia `json:"image"`
	Audio    *webhookMedia `json:"audio"`
	Document *webhookMedia `json:"document"`
}

// WebhookHandler ingests WhatsApp Graph webhooks: inbound client messages
// become submit-message mutations, status callbacks become delivery-status
// patches. Provider message ids are deduplicated with a TTL cache since the
// provider redelivers on slow acks; the store rejects anything that slips
// past the cache.
type WebhookHandler struct {
	store       *services.MessageStore
	downloader  MediaDownloader
	blob        BlobPutter
	verifyToken string
	seen        *cache.Cache
}

// NewWebhookHandler creates the handler. downloader and blob may be nil;
// inbound media is then recorded without stored bytes.
func NewWebhookHandler(store *services.MessageStore, downloader MediaDownloader, blob BlobPutter, verifyToken string) *WebhookHandler {
	if store == nil {
		log.Fatal().Msg("MessageStore cannot be nil for WebhookHandler")
	}
	return &WebhookHandler{
		store:       store,
		downloader:  downloader,
		blob:        blob,
		verifyToken: verifyToken,
		seen:        cache.New(10*time.Minute, 30*time.Minute),
	}
}

// Verify answers the provider's subscription handshake.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token == h.verifyToken {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(challenge))
		return
	}
	log.Warn().Str("mode", mode).Msg("Webhook verification rejected")
	http.Error(w, "verification failed", http.StatusForbidden)
}

// Handle processes one webhook POST. The provider is always acknowledged
// with 200: processing errors are logged, re-raising them would only cause
// redeliveries of payloads that already failed deterministically.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		log.Error().Err(err).Msg("Failed to decode webhook payload")
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			h.processValue(r.Context(), &change.Value)
		}
	}

	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) processValue(ctx context.Context, value *webhookValue) {
	contactName := ""
	if len(value.Contacts) > 0 {
		contactName = value.Contacts[0].Profile.Name
	}

	for i := range value.Messages {
		h.processMessage(ctx, value.Metadata.PhoneNumberID, contactName, &value.Messages[i])
	}

	for _, st := range value.Statuses {
		if err := h.store.UpdateDeliveryStatus(ctx, st.ID, st.Status); err != nil {
			log.Error().Err(err).Str("providerMessageID", st.ID).Str("status", st.Status).Msg("Failed to apply status callback")
		}
	}
}

func (h *WebhookHandler) processMessage(ctx context.Context, phoneNumberID, contactName string, msg *webhookMessage) {
	if msg.ID == "" {
		log.Warn().Str("from", msg.From).Msg("Inbound message without provider id, skipping")
		return
	}
	if _, dup := h.seen.Get(msg.ID); dup {
		log.Debug().Str("providerMessageID", msg.ID).Msg("Duplicate webhook delivery ignored")
		return
	}
	h.seen.Set(msg.ID, struct{}{}, cache.DefaultExpiration)

	in := services.SubmitInput{
		ClientExternalID:  msg.From,
		ClientName:        contactName,
		ClientPhone:       msg.From,
		PhoneNumberID:     phoneNumberID,
		Author:            services.Author{Kind: models.AuthorClient, ID: msg.From},
		ProviderMessageID: msg.ID,
	}

	if msg.Text != nil {
		in.Text = msg.Text.Body
	}

	var media *webhookMedia
	kind := ""
	switch msg.Type {
	case "image":
		media, kind = msg.Image, "image"
	case "audio":
		media, kind = msg.Audio, "audio"
	case "document":
		media, kind = msg.Document, "document"
	}
	if media != nil {
		in.Text = media.Caption
		in.Media = h.fetchMedia(ctx, media, kind, msg.ID)
	}

	if in.Text == "" && in.Media == nil {
		log.Info().Str("providerMessageID", msg.ID).Str("type", msg.Type).Msg("Unsupported message type, skipping")
		return
	}

	if _, err := h.store.SubmitMessage(ctx, in); err != nil {
		// The store keeps its own record of ingested provider ids, so
		// redeliveries that outlive the TTL cache land here.
		if errors.Is(err, services.ErrDuplicateMessage) {
			log.Debug().Str("providerMessageID", msg.ID).Msg("Redelivered message already ingested")
			return
		}
		log.Error().Err(err).Str("providerMessageID", msg.ID).Msg("Failed to submit inbound message")
	}
}

// fetchMedia pulls the attachment bytes from the provider and stores them in
// blob storage. A failed fetch degrades to a media record without stored
// bytes; the AI media step will then exhaust its retries on it.
func (h *WebhookHandler) fetchMedia(ctx context.Context, media *webhookMedia, kind, providerMessageID string) *services.MediaInput {
	in := &services.MediaInput{
		Kind:     kind,
		Mime:     media.MimeType,
		Filename: media.Filename,
	}
	if h.downloader == nil || h.blob == nil {
		return in
	}

	data, mime, size, err := h.downloader.DownloadMedia(media.ID)
	if err != nil {
		log.Error().Err(err).Str("providerMediaID", media.ID).Msg("Failed to download inbound media")
		return in
	}
	if in.Mime == "" {
		in.Mime = mime
	}
	in.Size = size

	key := storage.KeyFor("inbound", providerMessageID, in.Mime)
	if err := h.blob.Put(ctx, key, data, in.Mime); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to store inbound media")
		return in
	}
	in.StorageKey = key
	return in
}
