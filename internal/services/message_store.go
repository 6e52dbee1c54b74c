package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"zapdesk/internal/events"
	"zapdesk/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// User-visible failures of the message pipeline. Callers distinguish the
// expired-window rejection from generic errors so the UI can suggest a
// template send.
var (
	ErrConversationExpired = errors.New("conversation window expired, send a template message")
	ErrClientNotFound      = errors.New("client not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrChatNotFound        = errors.New("chat not found")
	ErrServiceNotFound     = errors.New("service not found")
	ErrServiceNotPending   = errors.New("only pending services can be transferred")
	// ErrProviderIDRequired indicates a malformed webhook call: inbound
	// client messages must always carry the provider message id.
	ErrProviderIDRequired = errors.New("provider message id is required for client messages")
	// ErrDuplicateMessage means the provider message id was already
	// ingested; the provider redelivers on slow acks and after the
	// in-process dedup cache is gone.
	ErrDuplicateMessage = errors.New("message with this provider id already ingested")
)

const serviceDescriptionLimit = 500

// Author identifies who wrote a message being submitted.
type Author struct {
	Kind models.AuthorKind
	ID   string
}

// MediaInput describes an attachment already persisted to blob storage.
type MediaInput struct {
	StorageKey string
	Kind       string
	Mime       string
	Filename   string
	Size       int64
}

// SubmitInput is the canonical shape of one inbound or outbound message.
type SubmitInput struct {
	ClientExternalID string
	ClientName       string
	ClientPhone      string
	PhoneNumberID    string

	Author Author
	Text   string
	Media  *MediaInput

	// ProviderMessageID is mandatory when Author.Kind is client.
	ProviderMessageID string
	// DeliveryStatus lets webhook ingestion record the provider-observed
	// state for inbound messages; outbound messages always start pending.
	DeliveryStatus models.DeliveryStatus
}

// SubmitResult reports what one submit resolved or created.
type SubmitResult struct {
	Client  models.Client
	Chat    models.Chat
	Service models.Service
	Message models.Message
	AIJobID string
}

// TemplateInput is the input of the template-send path.
type TemplateInput struct {
	ClientExternalID string
	ClientName       string
	ClientPhone      string
	PhoneNumberID    string
	AuthorUserID     string
	Preview          string
	Payload          json.RawMessage
}

// ServicePatch is a partial update of a service row. Nil fields are left
// untouched.
type ServicePatch struct {
	Description *string
	Status      *models.ServiceStatus
	Responsible *models.Responsible
	StartedAt   *time.Time
	EndedAt     *time.Time
}

// deliveryPayload is the self-contained instruction stored on a DeliveryJob:
// everything the delivery worker needs for the channel-adapter call.
type deliveryPayload struct {
	PhoneNumberID string          `json:"phone_number_id"`
	ToPhone       string          `json:"to_phone"`
	Text          string          `json:"text,omitempty"`
	StorageKey    string          `json:"storage_key,omitempty"`
	Mime          string          `json:"mime,omitempty"`
	Filename      string          `json:"filename,omitempty"`
	Caption       string          `json:"caption,omitempty"`
	Template      json.RawMessage `json:"template,omitempty"`
}

// MessageStore owns the client/chat/service/message entity model and the
// transactional mutation that keeps them consistent. Delivery and AI work is
// enqueued as job rows inside the same transaction and picked up by the
// workers after commit.
type MessageStore struct {
	db        *gorm.DB
	publisher *events.Publisher

	deliveryDelay time.Duration
	replyDelay    time.Duration
	debounceDelay time.Duration

	now func() time.Time
}

// NewMessageStore creates the store. publisher may be a disabled publisher
// but not nil.
func NewMessageStore(conn *gorm.DB, publisher *events.Publisher, deliveryDelay, replyDelay, debounceDelay time.Duration) (*MessageStore, error) {
	if conn == nil {
		return nil, fmt.Errorf("database instance cannot be nil for MessageStore")
	}
	if publisher == nil {
		return nil, fmt.Errorf("event publisher cannot be nil for MessageStore")
	}
	return &MessageStore{
		db:            conn,
		publisher:     publisher,
		deliveryDelay: deliveryDelay,
		replyDelay:    replyDelay,
		debounceDelay: debounceDelay,
		now:           time.Now,
	}, nil
}

// DB exposes the underlying connection to the workers in this package.
func (s *MessageStore) DB() *gorm.DB { return s.db }

// normalizePhone strips everything but digits for the searchable base form.
func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// truncate caps s at n bytes, backing up so a multi-byte rune is never
// split.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// SubmitMessage executes the message-submit state machine as one atomic
// unit: resolve-or-create client, chat and active service, insert the
// message, patch the chat snapshot, and enqueue delivery and AI jobs. A
// human send into an expired conversation rolls the whole unit back.
func (s *MessageStore) SubmitMessage(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if in.Author.Kind == models.AuthorClient && in.ProviderMessageID == "" {
		return nil, ErrProviderIDRequired
	}
	if in.ClientExternalID == "" {
		return nil, fmt.Errorf("%w: external id is empty", ErrClientNotFound)
	}

	now := s.now()
	var res SubmitResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Durable redelivery backstop: the TTL cache in the webhook layer
		// does not survive a restart, the message table does.
		if in.Author.Kind == models.AuthorClient {
			var seen int64
			if err := tx.Model(&models.Message{}).
				Where("provider_message_id = ? AND author_kind = ?", in.ProviderMessageID, models.AuthorClient).
				Count(&seen).Error; err != nil {
				return fmt.Errorf("failed to check provider message id: %w", err)
			}
			if seen > 0 {
				return ErrDuplicateMessage
			}
		}

		client, err := s.resolveClient(tx, in.ClientExternalID, in.ClientName, in.ClientPhone)
		if err != nil {
			return err
		}

		chat, err := s.resolveChat(tx, client.ID, in.PhoneNumberID)
		if err != nil {
			return err
		}

		service, err := s.resolveService(tx, chat, client, in, now)
		if err != nil {
			return err
		}

		msg := models.Message{
			ChatID:            chat.ID,
			ServiceID:         service.ID,
			AuthorKind:        in.Author.Kind,
			AuthorID:          in.Author.ID,
			Text:              in.Text,
			Status:            models.MessageStatusSent,
			DeliveryStatus:    in.DeliveryStatus,
			ProviderMessageID: in.ProviderMessageID,
			SentAt:            now,
		}
		if in.Author.Kind == models.AuthorClient {
			msg.Status = models.MessageStatusReceived
			if msg.DeliveryStatus == "" {
				msg.DeliveryStatus = models.DeliveryStatusDelivered
			}
		} else if msg.DeliveryStatus == "" {
			msg.DeliveryStatus = models.DeliveryStatusPending
		}
		if in.Media != nil {
			msg.Media = models.Media{
				StorageKey: in.Media.StorageKey,
				Kind:       in.Media.Kind,
				Mime:       in.Media.Mime,
				Filename:   in.Media.Filename,
				Size:       in.Media.Size,
			}
		}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		if err := s.patchChatSnapshot(tx, chat, &msg, now); err != nil {
			return err
		}

		// Human sends into an expired window are a hard business rule:
		// the whole mutation is rejected, not just the delivery.
		if in.Author.Kind == models.AuthorUser && (in.Text != "" || in.Media != nil) {
			if chat.Status == models.ChatStatusExpired {
				return ErrConversationExpired
			}
			if err := s.enqueueDelivery(tx, chat, client, &msg, now); err != nil {
				return err
			}
		}

		aiJobID, err := s.maybeEnqueueAIJob(tx, chat, service, &msg, in, now)
		if err != nil {
			return err
		}

		res = SubmitResult{Client: *client, Chat: *chat, Service: *service, Message: msg, AIJobID: aiJobID}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if in.Author.Kind == models.AuthorClient {
		s.publisher.Publish(events.MessageReceived, map[string]string{
			"messageId": res.Message.ID,
			"chatId":    res.Chat.ID,
			"clientId":  res.Client.ID,
		})
	}

	log.Info().
		Str("messageID", res.Message.ID).
		Str("chatID", res.Chat.ID).
		Str("serviceID", res.Service.ID).
		Str("author", string(in.Author.Kind)).
		Bool("aiScheduled", res.AIJobID != "").
		Msg("Message submitted")

	return &res, nil
}

func (s *MessageStore) resolveClient(tx *gorm.DB, externalID, name, phone string) (*models.Client, error) {
	var client models.Client
	err := tx.Where("external_id = ?", externalID).First(&client).Error
	if err == nil {
		return &client, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to query client: %w", err)
	}

	client = models.Client{
		ExternalID: externalID,
		Name:       name,
		Phone:      phone,
		PhoneBase:  normalizePhone(phone),
	}
	if err := tx.Create(&client).Error; err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	log.Info().Str("clientID", client.ID).Str("externalID", externalID).Msg("Client created")
	return &client, nil
}

func (s *MessageStore) resolveChat(tx *gorm.DB, clientID, phoneNumberID string) (*models.Chat, error) {
	var chat models.Chat
	err := tx.Where("client_id = ? AND phone_number_id = ?", clientID, phoneNumberID).First(&chat).Error
	if err == nil {
		return &chat, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to query chat: %w", err)
	}

	chat = models.Chat{
		ClientID:      clientID,
		PhoneNumberID: phoneNumberID,
		Status:        models.ChatStatusOpen,
	}
	if err := tx.Create(&chat).Error; err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}
	log.Info().Str("chatID", chat.ID).Str("clientID", clientID).Str("phoneNumberID", phoneNumberID).Msg("Chat created")
	return &chat, nil
}

// resolveService finds the active (pending) service for the chat or creates
// one. A human author always takes ownership of the active service, so the
// visible owner tracks whoever is actually responding; client messages leave
// ownership untouched.
func (s *MessageStore) resolveService(tx *gorm.DB, chat *models.Chat, client *models.Client, in SubmitInput, now time.Time) (*models.Service, error) {
	var service models.Service
	err := tx.Where("chat_id = ? AND status = ?", chat.ID, models.ServiceStatusPending).First(&service).Error
	if err == nil {
		return s.adoptService(tx, &service, in)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to query service: %w", err)
	}

	responsible := models.ResponsibleForAI()
	if in.Author.Kind == models.AuthorUser {
		responsible = models.ResponsibleForUser(in.Author.ID)
	}
	description := truncate(in.Text, serviceDescriptionLimit)
	if description == "" && in.Media != nil {
		description = fmt.Sprintf("Media message (%s)", in.Media.Kind)
	}

	service = models.Service{
		ChatID:      chat.ID,
		ClientID:    client.ID,
		Description: description,
		Status:      models.ServiceStatusPending,
		Responsible: responsible,
		StartedAt:   now,
	}
	created, err := createPendingService(tx, &service)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	if !created {
		// A concurrent submit won the active slot between our lookup and
		// insert; attach to its service instead.
		if err := tx.Where("chat_id = ? AND status = ?", chat.ID, models.ServiceStatusPending).First(&service).Error; err != nil {
			return nil, fmt.Errorf("failed to load concurrently created service: %w", err)
		}
		return s.adoptService(tx, &service, in)
	}
	log.Info().Str("serviceID", service.ID).Str("chatID", chat.ID).Str("responsible", string(responsible.Kind)).Msg("Service created")
	return &service, nil
}

// adoptService applies the human-takeover rule to an existing active service.
func (s *MessageStore) adoptService(tx *gorm.DB, service *models.Service, in SubmitInput) (*models.Service, error) {
	if in.Author.Kind != models.AuthorUser {
		return service, nil
	}
	service.Responsible = models.ResponsibleForUser(in.Author.ID)
	if err := tx.Model(&models.Service{}).Where("id = ?", service.ID).
		Updates(map[string]interface{}{
			"responsible_kind":    service.Responsible.Kind,
			"responsible_user_id": service.Responsible.UserID,
		}).Error; err != nil {
		return nil, fmt.Errorf("failed to reassign service: %w", err)
	}
	return service, nil
}

// createPendingService inserts the service unless another transaction already
// holds the chat's pending slot, which the udx_services_pending_chat partial
// index enforces. Reports whether our row won.
func createPendingService(tx *gorm.DB, service *models.Service) (bool, error) {
	result := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chat_id"}},
		TargetWhere: clause.Where{Exprs: []clause.Expression{
			// Must render as a literal: sqlite and postgres match the conflict
			// target against the partial index predicate textually, and a bound
			// parameter never matches.
			gorm.Expr("status = 'pending'"),
		}},
		DoNothing: true,
	}).Create(service)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// patchChatSnapshot refreshes the denormalized last-message fields, and for
// client messages bumps unread, refreshes the window clock, schedules the AI
// debounce stamp and forces the chat back open.
func (s *MessageStore) patchChatSnapshot(tx *gorm.DB, chat *models.Chat, msg *models.Message, now time.Time) error {
	chat.LastMessageID = msg.ID
	chat.LastMessageAt = msg.SentAt
	chat.LastMessageText = msg.Text
	chat.LastMessageMedia = msg.Media.Kind

	updates := map[string]interface{}{
		"last_message_id":    msg.ID,
		"last_message_at":    msg.SentAt,
		"last_message_text":  msg.Text,
		"last_message_media": msg.Media.Kind,
	}

	if msg.AuthorKind == models.AuthorClient {
		chat.UnreadCount++
		chat.LastClientAt = now
		chat.AIResponseAt = now.Add(s.debounceDelay)
		chat.Status = models.ChatStatusOpen
		// The bump happens in SQL so concurrent submits never overwrite
		// each other's increment.
		updates["unread_count"] = gorm.Expr("unread_count + 1")
		updates["last_client_at"] = chat.LastClientAt
		updates["ai_response_at"] = chat.AIResponseAt
		updates["status"] = chat.Status
	}

	if err := tx.Model(&models.Chat{}).Where("id = ?", chat.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to patch chat snapshot: %w", err)
	}
	return nil
}

func (s *MessageStore) enqueueDelivery(tx *gorm.DB, chat *models.Chat, client *models.Client, msg *models.Message, now time.Time) error {
	payload := deliveryPayload{
		PhoneNumberID: chat.PhoneNumberID,
		ToPhone:       client.Phone,
		Text:          msg.Text,
	}
	kind := models.DeliveryKindText
	if msg.Media.Present() {
		kind = models.DeliveryKindMedia
		payload.StorageKey = msg.Media.StorageKey
		payload.Mime = msg.Media.Mime
		payload.Filename = msg.Media.Filename
		payload.Caption = msg.Text
		payload.Text = ""
	}
	return s.createDeliveryJob(tx, chat.ID, msg.ID, kind, payload, now)
}

func (s *MessageStore) createDeliveryJob(tx *gorm.DB, chatID, messageID string, kind models.DeliveryKind, payload deliveryPayload, now time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery payload: %w", err)
	}
	job := models.DeliveryJob{
		MessageID: messageID,
		ChatID:    chatID,
		Kind:      kind,
		Payload:   string(raw),
		Status:    models.JobStatusPending,
		NextRunAt: now.Add(s.deliveryDelay),
	}
	if err := tx.Create(&job).Error; err != nil {
		return fmt.Errorf("failed to enqueue delivery job: %w", err)
	}
	return nil
}

// maybeEnqueueAIJob decides whether this message starts an AI workflow:
// any message carrying media, or a client message while the AI owns the
// active service.
func (s *MessageStore) maybeEnqueueAIJob(tx *gorm.DB, chat *models.Chat, service *models.Service, msg *models.Message, in SubmitInput, now time.Time) (string, error) {
	hasMedia := in.Media != nil
	sendAIResponse := in.Author.Kind == models.AuthorClient && service.Responsible.IsAI()
	if !hasMedia && !sendAIResponse {
		return "", nil
	}

	job := models.AIJob{
		MessageID:      msg.ID,
		ChatID:         chat.ID,
		Status:         models.JobStatusPending,
		SnapshotAt:     msg.SentAt,
		SendAIResponse: sendAIResponse,
	}
	if hasMedia {
		job.Step = models.AIStepMedia
		job.NextRunAt = now
		job.MediaStorageKey = in.Media.StorageKey
		job.MediaKind = in.Media.Kind
		job.MediaMime = in.Media.Mime
		job.MediaFilename = in.Media.Filename
	} else {
		job.Step = models.AIStepReply
		job.NextRunAt = now.Add(s.replyDelay)
	}

	if err := tx.Create(&job).Error; err != nil {
		return "", fmt.Errorf("failed to enqueue AI job: %w", err)
	}
	return job.ID, nil
}

// SendTemplate is the separate outbound path that bypasses the 24h-window
// rejection: templates are the mechanism to restart an expired window, so
// the chat flips back open and the window clock resets.
func (s *MessageStore) SendTemplate(ctx context.Context, in TemplateInput) (*SubmitResult, error) {
	if in.ClientExternalID == "" {
		return nil, fmt.Errorf("%w: external id is empty", ErrClientNotFound)
	}
	if len(in.Payload) == 0 {
		return nil, fmt.Errorf("template payload cannot be empty")
	}

	now := s.now()
	var res SubmitResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		client, err := s.resolveClient(tx, in.ClientExternalID, in.ClientName, in.ClientPhone)
		if err != nil {
			return err
		}
		chat, err := s.resolveChat(tx, client.ID, in.PhoneNumberID)
		if err != nil {
			return err
		}

		msg := models.Message{
			ChatID:         chat.ID,
			AuthorKind:     models.AuthorUser,
			AuthorID:       in.AuthorUserID,
			Text:           in.Preview,
			Status:         models.MessageStatusSent,
			DeliveryStatus: models.DeliveryStatusPending,
			SentAt:         now,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("failed to insert template message: %w", err)
		}

		chat.Status = models.ChatStatusOpen
		chat.LastClientAt = now
		chat.LastMessageMedia = ""
		if err := tx.Model(&models.Chat{}).Where("id = ?", chat.ID).Updates(map[string]interface{}{
			"status":             chat.Status,
			"last_client_at":     chat.LastClientAt,
			"last_message_id":    msg.ID,
			"last_message_at":    msg.SentAt,
			"last_message_text":  msg.Text,
			"last_message_media": "",
		}).Error; err != nil {
			return fmt.Errorf("failed to reopen chat: %w", err)
		}

		payload := deliveryPayload{
			PhoneNumberID: chat.PhoneNumberID,
			ToPhone:       client.Phone,
			Template:      in.Payload,
		}
		if err := s.createDeliveryJob(tx, chat.ID, msg.ID, models.DeliveryKindTemplate, payload, now); err != nil {
			return err
		}

		res = SubmitResult{Client: *client, Chat: *chat, Message: msg}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("messageID", res.Message.ID).Str("chatID", res.Chat.ID).Msg("Template message queued, chat reopened")
	return &res, nil
}

// InsertAIMessage records one AI-authored reply: insert the message under
// the chat's active service, refresh the denormalized snapshot (no unread
// bump) and enqueue plain-text delivery.
func (s *MessageStore) InsertAIMessage(ctx context.Context, chatID, text string) (*models.Message, error) {
	now := s.now()
	var msg models.Message

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var chat models.Chat
		if err := tx.Where("id = ?", chatID).First(&chat).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrChatNotFound
			}
			return fmt.Errorf("failed to query chat: %w", err)
		}
		var client models.Client
		if err := tx.Where("id = ?", chat.ClientID).First(&client).Error; err != nil {
			return fmt.Errorf("%w: %s", ErrClientNotFound, chat.ClientID)
		}

		serviceID := ""
		var service models.Service
		if err := tx.Where("chat_id = ? AND status = ?", chatID, models.ServiceStatusPending).
			First(&service).Error; err == nil {
			serviceID = service.ID
		}

		msg = models.Message{
			ChatID:         chat.ID,
			ServiceID:      serviceID,
			AuthorKind:     models.AuthorAI,
			AuthorID:       models.AIAgentID,
			Text:           text,
			Status:         models.MessageStatusSent,
			DeliveryStatus: models.DeliveryStatusPending,
			SentAt:         now,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("failed to insert AI message: %w", err)
		}

		if err := s.patchChatSnapshot(tx, &chat, &msg, now); err != nil {
			return err
		}

		payload := deliveryPayload{
			PhoneNumberID: chat.PhoneNumberID,
			ToPhone:       client.Phone,
			Text:          text,
		}
		return s.createDeliveryJob(tx, chat.ID, msg.ID, models.DeliveryKindText, payload, now)
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("messageID", msg.ID).Str("chatID", chatID).Msg("AI message queued")
	return &msg, nil
}

// MarkRead flips every client-authored message in the chat to read and
// zeroes the unread counter. Idempotent; returns the number of messages
// flipped.
func (s *MessageStore) MarkRead(ctx context.Context, chatID string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Message{}).
			Where("chat_id = ? AND author_kind = ? AND status <> ?", chatID, models.AuthorClient, models.MessageStatusRead).
			Update("status", models.MessageStatusRead)
		if result.Error != nil {
			return fmt.Errorf("failed to mark messages read: %w", result.Error)
		}
		count = result.RowsAffected

		if err := tx.Model(&models.Chat{}).Where("id = ?", chatID).
			Update("unread_count", 0).Error; err != nil {
			return fmt.Errorf("failed to zero unread count: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// UpdateService applies a partial patch to a service row. Cross-field rules
// are the caller's concern.
func (s *MessageStore) UpdateService(ctx context.Context, serviceID string, patch ServicePatch) (*models.Service, error) {
	updates := map[string]interface{}{}
	if patch.Description != nil {
		updates["description"] = *patch.Description
	}
	if patch.Status != nil {
		updates["status"] = *patch.Status
	}
	if patch.Responsible != nil {
		updates["responsible_kind"] = patch.Responsible.Kind
		updates["responsible_user_id"] = patch.Responsible.UserID
	}
	if patch.StartedAt != nil {
		updates["started_at"] = *patch.StartedAt
	}
	if patch.EndedAt != nil {
		updates["ended_at"] = *patch.EndedAt
	}

	var service models.Service
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", serviceID).First(&service).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrServiceNotFound
			}
			return fmt.Errorf("failed to query service: %w", err)
		}
		if len(updates) == 0 {
			return nil
		}
		if err := tx.Model(&models.Service{}).Where("id = ?", serviceID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update service: %w", err)
		}
		return tx.Where("id = ?", serviceID).First(&service).Error
	})
	if err != nil {
		return nil, err
	}
	return &service, nil
}

// TransferService reassigns a pending service to the user with the given
// external id, or back to the AI agent when the id is empty. Transferring a
// service that is already in progress or done is rejected.
func (s *MessageStore) TransferService(ctx context.Context, serviceID, targetExternalUserID string) (*models.Service, error) {
	var service models.Service
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", serviceID).First(&service).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrServiceNotFound
			}
			return fmt.Errorf("failed to query service: %w", err)
		}
		if service.Status != models.ServiceStatusPending {
			return ErrServiceNotPending
		}

		responsible := models.ResponsibleForAI()
		if targetExternalUserID != "" {
			var user models.User
			if err := tx.Where("external_id = ?", targetExternalUserID).First(&user).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: %s", ErrUserNotFound, targetExternalUserID)
				}
				return fmt.Errorf("failed to query user: %w", err)
			}
			responsible = models.ResponsibleForUser(user.ID)
		}

		service.Responsible = responsible
		return tx.Model(&models.Service{}).Where("id = ?", serviceID).Updates(map[string]interface{}{
			"responsible_kind":    responsible.Kind,
			"responsible_user_id": responsible.UserID,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(events.ServiceTransferred, map[string]string{
		"serviceId":   service.ID,
		"responsible": string(service.Responsible.Kind),
	})
	log.Info().Str("serviceID", serviceID).Str("responsible", string(service.Responsible.Kind)).Msg("Service transferred")
	return &service, nil
}

// EscalateToHuman is the transfer mutation invoked by the AI workflow when
// the model asks for a human: the active service (created if absent) is
// reassigned away from the AI and its description replaced by the
// conversational summary. The service lands in the unassigned human queue
// unless a target user id is supplied.
func (s *MessageStore) EscalateToHuman(ctx context.Context, chatID, summary, targetUserID string) (*models.Service, error) {
	now := s.now()
	var service models.Service

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var chat models.Chat
		if err := tx.Where("id = ?", chatID).First(&chat).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrChatNotFound
			}
			return fmt.Errorf("failed to query chat: %w", err)
		}

		responsible := models.ResponsibleForUser(targetUserID)
		description := truncate(summary, serviceDescriptionLimit)

		err := tx.Where("chat_id = ? AND status = ?", chatID, models.ServiceStatusPending).First(&service).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			service = models.Service{
				ChatID:      chatID,
				ClientID:    chat.ClientID,
				Description: description,
				Status:      models.ServiceStatusPending,
				Responsible: responsible,
				StartedAt:   now,
			}
			created, cerr := createPendingService(tx, &service)
			if cerr != nil {
				return cerr
			}
			if created {
				return nil
			}
			if err := tx.Where("chat_id = ? AND status = ?", chatID, models.ServiceStatusPending).First(&service).Error; err != nil {
				return fmt.Errorf("failed to load concurrently created service: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("failed to query service: %w", err)
		}

		service.Responsible = responsible
		service.Description = description
		return tx.Model(&models.Service{}).Where("id = ?", service.ID).Updates(map[string]interface{}{
			"responsible_kind":    responsible.Kind,
			"responsible_user_id": responsible.UserID,
			"description":         description,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(events.ServiceTransferred, map[string]string{
		"serviceId":   service.ID,
		"responsible": string(models.ResponsibleHuman),
		"reason":      "ai-escalation",
	})
	log.Info().Str("serviceID", service.ID).Str("chatID", chatID).Msg("Service escalated to human")
	return &service, nil
}

// CreateServiceFromAI records a ticket the AI decided to open, seeded from
// the reply text. Reuses the active service if one is still pending.
func (s *MessageStore) CreateServiceFromAI(ctx context.Context, chatID, replyText string) (*models.Service, error) {
	now := s.now()
	var service models.Service

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var chat models.Chat
		if err := tx.Where("id = ?", chatID).First(&chat).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrChatNotFound
			}
			return fmt.Errorf("failed to query chat: %w", err)
		}

		err := tx.Where("chat_id = ? AND status = ?", chatID, models.ServiceStatusPending).First(&service).Error
		if err == nil {
			return tx.Model(&models.Service{}).Where("id = ?", service.ID).
				Update("description", truncate(replyText, serviceDescriptionLimit)).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to query service: %w", err)
		}

		service = models.Service{
			ChatID:      chatID,
			ClientID:    chat.ClientID,
			Description: truncate(replyText, serviceDescriptionLimit),
			Status:      models.ServiceStatusPending,
			Responsible: models.ResponsibleForAI(),
			StartedAt:   now,
		}
		created, cerr := createPendingService(tx, &service)
		if cerr != nil {
			return cerr
		}
		if !created {
			if err := tx.Where("chat_id = ? AND status = ?", chatID, models.ServiceStatusPending).First(&service).Error; err != nil {
				return fmt.Errorf("failed to load concurrently created service: %w", err)
			}
			return tx.Model(&models.Service{}).Where("id = ?", service.ID).
				Update("description", truncate(replyText, serviceDescriptionLimit)).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("serviceID", service.ID).Str("chatID", chatID).Msg("Service created from AI reply")
	return &service, nil
}

// UpdateDeliveryStatus maps a provider status callback onto the message
// found by provider message id. Unknown ids are logged and ignored: status
// callbacks can outlive their messages.
func (s *MessageStore) UpdateDeliveryStatus(ctx context.Context, providerMessageID, providerStatus string) error {
	updates := map[string]interface{}{}
	switch providerStatus {
	case "sent":
		updates["delivery_status"] = models.DeliveryStatusSent
	case "delivered":
		updates["delivery_status"] = models.DeliveryStatusDelivered
	case "read":
		updates["delivery_status"] = models.DeliveryStatusDelivered
		updates["status"] = models.MessageStatusRead
	case "failed":
		updates["delivery_status"] = models.DeliveryStatusFailed
	default:
		return fmt.Errorf("unknown provider status %q", providerStatus)
	}

	result := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("provider_message_id = ?", providerMessageID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update delivery status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		log.Warn().Str("providerMessageID", providerMessageID).Str("status", providerStatus).Msg("Status callback for unknown message")
	}
	return nil
}

// GetChat returns one chat by id.
func (s *MessageStore) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	var chat models.Chat
	if err := s.db.WithContext(ctx).Where("id = ?", chatID).First(&chat).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("failed to query chat: %w", err)
	}
	return &chat, nil
}

// GetClient returns one client by id.
func (s *MessageStore) GetClient(ctx context.Context, clientID string) (*models.Client, error) {
	var client models.Client
	if err := s.db.WithContext(ctx).Where("id = ?", clientID).First(&client).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to query client: %w", err)
	}
	return &client, nil
}

// GetUser returns one staff user by id.
func (s *MessageStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

// ListChats returns chats ordered by most recent activity.
func (s *MessageStore) ListChats(ctx context.Context, limit int) ([]models.Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	var chats []models.Chat
	err := s.db.WithContext(ctx).Order("last_message_at DESC").Limit(limit).Find(&chats).Error
	return chats, err
}

// RecentMessages returns the chat's most recent messages, oldest first.
func (s *MessageStore) RecentMessages(ctx context.Context, chatID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var msgs []models.Message
	err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("sent_at DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// AttachMediaAnalysis persists the extracted transcript and summary onto the
// message row. Writing the same analysis twice is harmless.
func (s *MessageStore) AttachMediaAnalysis(ctx context.Context, messageID, transcript, summary string) error {
	result := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ?", messageID).
		Updates(map[string]interface{}{
			"media_transcript": transcript,
			"media_summary":    summary,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to attach media analysis: %w", result.Error)
	}
	return nil
}
