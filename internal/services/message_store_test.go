package services

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"zapdesk/internal/db"
	"zapdesk/internal/events"
	"zapdesk/internal/models"

	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *MessageStore {
	t.Helper()

	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.Migrate(conn,
		&models.Client{},
		&models.User{},
		&models.Chat{},
		&models.Service{},
		&models.Message{},
		&models.AIJob{},
		&models.DeliveryJob{},
	); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	store, err := NewMessageStore(conn, events.NewPublisher("", "test_events"), 500*time.Millisecond, 5*time.Second, 3*time.Second)
	if err != nil {
		t.Fatalf("failed to create message store: %v", err)
	}
	return store
}

func createUser(t *testing.T, store *MessageStore, externalID, name string) *models.User {
	t.Helper()
	user := models.User{ExternalID: externalID, Name: name, Phone: "5511990000000"}
	if err := store.DB().Create(&user).Error; err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return &user
}

func clientInput(text string) SubmitInput {
	return SubmitInput{
		ClientExternalID:  "5511999998888",
		ClientName:        "Maria",
		ClientPhone:       "+55 11 99999-8888",
		PhoneNumberID:     "101",
		Author:            Author{Kind: models.AuthorClient, ID: "5511999998888"},
		Text:              text,
		ProviderMessageID: "wamid." + text,
	}
}

func TestSubmitMessageCreatesEverything(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	res, err := store.SubmitMessage(context.Background(), clientInput("preciso de ajuda"))
	if err != nil {
		t.Fatalf("SubmitMessage failed: %v", err)
	}

	if res.Client.ExternalID != "5511999998888" {
		t.Errorf("unexpected client external id %q", res.Client.ExternalID)
	}
	if res.Client.PhoneBase != "5511999998888" {
		t.Errorf("phone was not normalized, got %q", res.Client.PhoneBase)
	}
	if res.Chat.Status != models.ChatStatusOpen {
		t.Errorf("expected chat open, got %q", res.Chat.Status)
	}
	if res.Chat.UnreadCount != 1 {
		t.Errorf("expected unread count 1, got %d", res.Chat.UnreadCount)
	}
	if !res.Chat.LastClientAt.Equal(now) {
		t.Errorf("expected last client at %v, got %v", now, res.Chat.LastClientAt)
	}
	if !res.Service.Responsible.IsAI() {
		t.Errorf("new service should default to the AI agent, got %+v", res.Service.Responsible)
	}
	if res.Service.Description != "preciso de ajuda" {
		t.Errorf("unexpected service description %q", res.Service.Description)
	}
	if res.Message.Status != models.MessageStatusReceived {
		t.Errorf("client message should be received, got %q", res.Message.Status)
	}
	if res.Message.DeliveryStatus != models.DeliveryStatusDelivered {
		t.Errorf("inbound message should be delivered, got %q", res.Message.DeliveryStatus)
	}

	// AI owns the service, so the client message schedules a reply turn.
	if res.AIJobID == "" {
		t.Fatal("expected an AI job to be enqueued")
	}
	var job models.AIJob
	if err := store.DB().Where("id = ?", res.AIJobID).First(&job).Error; err != nil {
		t.Fatalf("failed to load AI job: %v", err)
	}
	if job.Step != models.AIStepReply {
		t.Errorf("text message should go straight to reply step, got %q", job.Step)
	}
	if !job.SendAIResponse {
		t.Error("expected SendAIResponse on AI-owned chat")
	}
	if want := now.Add(5 * time.Second); !job.NextRunAt.Equal(want) {
		t.Errorf("expected reply scheduled at %v, got %v", want, job.NextRunAt)
	}

	// Inbound client messages never enqueue outbound delivery.
	var deliveries int64
	store.DB().Model(&models.DeliveryJob{}).Count(&deliveries)
	if deliveries != 0 {
		t.Errorf("expected no delivery jobs, got %d", deliveries)
	}
}

func TestSubmitMessageRequiresProviderID(t *testing.T) {
	store := newTestStore(t)

	in := clientInput("oi")
	in.ProviderMessageID = ""
	if _, err := store.SubmitMessage(context.Background(), in); !errors.Is(err, ErrProviderIDRequired) {
		t.Fatalf("expected ErrProviderIDRequired, got %v", err)
	}
}

func TestSubmitMessageReusesEntities(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.SubmitMessage(ctx, clientInput("primeira"))
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	second, err := store.SubmitMessage(ctx, clientInput("segunda"))
	if err != nil {
		t.Fatalf("second submit failed: %v", err)
	}

	if first.Chat.ID != second.Chat.ID {
		t.Error("same client and channel must resolve to the same chat")
	}
	if first.Service.ID != second.Service.ID {
		t.Error("second message must attach to the active service")
	}

	var clients, chats, services int64
	store.DB().Model(&models.Client{}).Count(&clients)
	store.DB().Model(&models.Chat{}).Count(&chats)
	store.DB().Model(&models.Service{}).Count(&services)
	if clients != 1 || chats != 1 || services != 1 {
		t.Errorf("expected 1/1/1 client/chat/service, got %d/%d/%d", clients, chats, services)
	}
	if second.Chat.UnreadCount != 2 {
		t.Errorf("expected unread count 2, got %d", second.Chat.UnreadCount)
	}
}

func TestHumanReplyTakesOwnershipAndQueuesDelivery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	first, err := store.SubmitMessage(ctx, clientInput("oi"))
	if err != nil {
		t.Fatalf("client submit failed: %v", err)
	}
	user := createUser(t, store, "joao", "João")

	res, err := store.SubmitMessage(ctx, SubmitInput{
		ClientExternalID: "5511999998888",
		PhoneNumberID:    "101",
		Author:           Author{Kind: models.AuthorUser, ID: user.ID},
		Text:             "posso ajudar?",
	})
	if err != nil {
		t.Fatalf("user submit failed: %v", err)
	}

	if res.Service.ID != first.Service.ID {
		t.Error("user reply must attach to the active service")
	}
	var service models.Service
	if err := store.DB().Where("id = ?", res.Service.ID).First(&service).Error; err != nil {
		t.Fatalf("failed to load service: %v", err)
	}
	if service.Responsible.Kind != models.ResponsibleHuman || service.Responsible.UserID != user.ID {
		t.Errorf("human reply should take service ownership, got %+v", service.Responsible)
	}

	if res.AIJobID != "" {
		t.Error("plain user message must not enqueue an AI job")
	}

	var job models.DeliveryJob
	if err := store.DB().Where("message_id = ?", res.Message.ID).First(&job).Error; err != nil {
		t.Fatalf("expected a delivery job: %v", err)
	}
	if job.Kind != models.DeliveryKindText {
		t.Errorf("expected text delivery, got %q", job.Kind)
	}
	if want := now.Add(500 * time.Millisecond); !job.NextRunAt.Equal(want) {
		t.Errorf("expected delivery scheduled at %v, got %v", want, job.NextRunAt)
	}
}

func TestHumanSendIntoExpiredChatRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.SubmitMessage(ctx, clientInput("oi"))
	if err != nil {
		t.Fatalf("client submit failed: %v", err)
	}
	if err := store.DB().Model(&models.Chat{}).Where("id = ?", first.Chat.ID).
		Update("status", models.ChatStatusExpired).Error; err != nil {
		t.Fatalf("failed to expire chat: %v", err)
	}
	user := createUser(t, store, "joao", "João")

	_, err = store.SubmitMessage(ctx, SubmitInput{
		ClientExternalID: "5511999998888",
		PhoneNumberID:    "101",
		Author:           Author{Kind: models.AuthorUser, ID: user.ID},
		Text:             "ainda está aí?",
	})
	if !errors.Is(err, ErrConversationExpired) {
		t.Fatalf("expected ErrConversationExpired, got %v", err)
	}

	// The whole mutation rolls back: no message row, no delivery job.
	var messages, deliveries int64
	store.DB().Model(&models.Message{}).Count(&messages)
	store.DB().Model(&models.DeliveryJob{}).Count(&deliveries)
	if messages != 1 {
		t.Errorf("expected only the original message, got %d", messages)
	}
	if deliveries != 0 {
		t.Errorf("expected no delivery jobs, got %d", deliveries)
	}
}

func TestClientMessageReopensExpiredChat(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.SubmitMessage(ctx, clientInput("oi"))
	if err != nil {
		t.Fatalf("client submit failed: %v", err)
	}
	if err := store.DB().Model(&models.Chat{}).Where("id = ?", first.Chat.ID).
		Update("status", models.ChatStatusExpired).Error; err != nil {
		t.Fatalf("failed to expire chat: %v", err)
	}

	res, err := store.SubmitMessage(ctx, clientInput("voltei"))
	if err != nil {
		t.Fatalf("client submit failed: %v", err)
	}
	if res.Chat.Status != models.ChatStatusOpen {
		t.Errorf("client message must reopen the chat, got %q", res.Chat.Status)
	}
}

func TestMediaMessageStartsMediaStep(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	in := clientInput("")
	in.Media = &MediaInput{
		StorageKey: "media/images/abc.jpg",
		Kind:       "image",
		Mime:       "image/jpeg",
		Filename:   "abc.jpg",
		Size:       1024,
	}
	res, err := store.SubmitMessage(context.Background(), in)
	if err != nil {
		t.Fatalf("SubmitMessage failed: %v", err)
	}

	if res.Service.Description != "Media message (image)" {
		t.Errorf("unexpected service description %q", res.Service.Description)
	}

	var job models.AIJob
	if err := store.DB().Where("id = ?", res.AIJobID).First(&job).Error; err != nil {
		t.Fatalf("failed to load AI job: %v", err)
	}
	if job.Step != models.AIStepMedia {
		t.Errorf("media message must start at the media step, got %q", job.Step)
	}
	if !job.NextRunAt.Equal(now) {
		t.Errorf("media step should be due immediately, got %v", job.NextRunAt)
	}
	if job.MediaStorageKey != "media/images/abc.jpg" || job.MediaMime != "image/jpeg" {
		t.Errorf("media fields not copied onto job: %+v", job)
	}
	if !job.SendAIResponse {
		t.Error("AI-owned chat should request a reply after media processing")
	}
}

func TestUserMediaMessageProcessesWithoutReply(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.SubmitMessage(ctx, clientInput("oi")); err != nil {
		t.Fatalf("client submit failed: %v", err)
	}
	user := createUser(t, store, "joao", "João")

	res, err := store.SubmitMessage(ctx, SubmitInput{
		ClientExternalID: "5511999998888",
		PhoneNumberID:    "101",
		Author:           Author{Kind: models.AuthorUser, ID: user.ID},
		Media: &MediaInput{
			StorageKey: "media/documents/contract.pdf",
			Kind:       "document",
			Mime:       "application/pdf",
			Filename:   "contract.pdf",
		},
	})
	if err != nil {
		t.Fatalf("user submit failed: %v", err)
	}

	var job models.AIJob
	if err := store.DB().Where("id = ?", res.AIJobID).First(&job).Error; err != nil {
		t.Fatalf("media from staff should still be analyzed: %v", err)
	}
	if job.SendAIResponse {
		t.Error("staff media must not trigger an AI reply")
	}
}

func TestNoAIJobWhenHumanOwnsService(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.SubmitMessage(ctx, clientInput("oi")); err != nil {
		t.Fatalf("client submit failed: %v", err)
	}
	user := createUser(t, store, "joao", "João")
	if _, err := store.SubmitMessage(ctx, SubmitInput{
		ClientExternalID: "5511999998888",
		PhoneNumberID:    "101",
		Author:           Author{Kind: models.AuthorUser, ID: user.ID},
		Text:             "estou cuidando disso",
	}); err != nil {
		t.Fatalf("user submit failed: %v", err)
	}

	res, err := store.SubmitMessage(ctx, clientInput("obrigada"))
	if err != nil {
		t.Fatalf("client submit failed: %v", err)
	}
	if res.AIJobID != "" {
		t.Error("client text on a human-owned service must not enqueue an AI job")
	}
}

func TestSendTemplateReopensExpiredChat(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	first, err := store.SubmitMessage(ctx, clientInput("oi"))
	if err != nil {
		t.Fatalf("client submit failed: %v", err)
	}
	if err := store.DB().Model(&models.Chat{}).Where("id = ?", first.Chat.ID).
		Update("status", models.ChatStatusExpired).Error; err != nil {
		t.Fatalf("failed to expire chat: %v", err)
	}
	user := createUser(t, store, "joao", "João")

	res, err := store.SendTemplate(ctx, TemplateInput{
		ClientExternalID: "5511999998888",
		PhoneNumberID:    "101",
		AuthorUserID:     user.ID,
		Preview:          "Olá! Podemos continuar?",
		Payload:          []byte(`{"name":"followup","language":{"code":"pt_BR"}}`),
	})
	if err != nil {
		t.Fatalf("SendTemplate failed: %v", err)
	}

	var chat models.Chat
	if err := store.DB().Where("id = ?", first.Chat.ID).First(&chat).Error; err != nil {
		t.Fatalf("failed to load chat: %v", err)
	}
	if chat.Status != models.ChatStatusOpen {
		t.Errorf("template send must reopen the chat, got %q", chat.Status)
	}
	if !chat.LastClientAt.Equal(now) {
		t.Errorf("template send must reset the window clock, got %v", chat.LastClientAt)
	}

	var job models.DeliveryJob
	if err := store.DB().Where("message_id = ?", res.Message.ID).First(&job).Error; err != nil {
		t.Fatalf("expected a delivery job: %v", err)
	}
	if job.Kind != models.DeliveryKindTemplate {
		t.Errorf("expected template delivery, got %q", job.Kind)
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.SubmitMessage(ctx, clientInput("um"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := store.SubmitMessage(ctx, clientInput("dois")); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	count, err := store.MarkRead(ctx, first.Chat.ID)
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 messages marked, got %d", count)
	}

	var chat models.Chat
	store.DB().Where("id = ?", first.Chat.ID).First(&chat)
	if chat.UnreadCount != 0 {
		t.Errorf("expected unread 0, got %d", chat.UnreadCount)
	}

	count, err = store.MarkRead(ctx, first.Chat.ID)
	if err != nil {
		t.Fatalf("second MarkRead failed: %v", err)
	}
	if count != 0 {
		t.Errorf("second MarkRead should be a no-op, got %d", count)
	}
}

func TestTransferServiceRequiresPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.SubmitMessage(ctx, clientInput("oi"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	user := createUser(t, store, "joao", "João")

	service, err := store.TransferService(ctx, first.Service.ID, "joao")
	if err != nil {
		t.Fatalf("TransferService failed: %v", err)
	}
	if service.Responsible.Kind != models.ResponsibleHuman || service.Responsible.UserID != user.ID {
		t.Errorf("expected human owner %s, got %+v", user.ID, service.Responsible)
	}

	// Back to the AI agent with an empty target.
	service, err = store.TransferService(ctx, first.Service.ID, "")
	if err != nil {
		t.Fatalf("TransferService back to AI failed: %v", err)
	}
	if !service.Responsible.IsAI() {
		t.Errorf("expected AI owner, got %+v", service.Responsible)
	}

	if _, err := store.TransferService(ctx, first.Service.ID, "ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	done := models.ServiceStatusDone
	if _, err := store.UpdateService(ctx, first.Service.ID, ServicePatch{Status: &done}); err != nil {
		t.Fatalf("UpdateService failed: %v", err)
	}
	if _, err := store.TransferService(ctx, first.Service.ID, "joao"); !errors.Is(err, ErrServiceNotPending) {
		t.Fatalf("expected ErrServiceNotPending, got %v", err)
	}
}

func TestEscalateToHumanUnassigned(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.SubmitMessage(ctx, clientInput("quero falar com uma pessoa"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	service, err := store.EscalateToHuman(ctx, first.Chat.ID, "Cliente pediu atendimento humano", "")
	if err != nil {
		t.Fatalf("EscalateToHuman failed: %v", err)
	}
	if service.ID != first.Service.ID {
		t.Error("escalation must reuse the active service")
	}
	if service.Responsible.Kind != models.ResponsibleHuman || service.Responsible.UserID != "" {
		t.Errorf("expected unassigned human owner, got %+v", service.Responsible)
	}
	if service.Description != "Cliente pediu atendimento humano" {
		t.Errorf("unexpected description %q", service.Description)
	}
}

func TestUpdateDeliveryStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.SubmitMessage(ctx, clientInput("oi"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if err := store.UpdateDeliveryStatus(ctx, first.Message.ProviderMessageID, "read"); err != nil {
		t.Fatalf("UpdateDeliveryStatus failed: %v", err)
	}
	var msg models.Message
	store.DB().Where("id = ?", first.Message.ID).First(&msg)
	if msg.DeliveryStatus != models.DeliveryStatusDelivered {
		t.Errorf("read callback should mark delivered, got %q", msg.DeliveryStatus)
	}
	if msg.Status != models.MessageStatusRead {
		t.Errorf("read callback should flip status to read, got %q", msg.Status)
	}

	// Callbacks for ids we never saw are logged and ignored.
	if err := store.UpdateDeliveryStatus(ctx, "wamid.unknown", "delivered"); err != nil {
		t.Fatalf("unknown id should not error: %v", err)
	}
	if err := store.UpdateDeliveryStatus(ctx, first.Message.ProviderMessageID, "bogus"); err == nil {
		t.Fatal("unknown provider status must be rejected")
	}
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	// "maçã" is 6 bytes; cutting at 3 lands in the middle of "ç".
	if got := truncate("maçã", 3); got != "ma" {
		t.Errorf("expected %q, got %q", "ma", got)
	}
	if got := truncate("maçã", 4); got != "maç" {
		t.Errorf("expected %q, got %q", "maç", got)
	}
	if got := truncate("maçã", 10); got != "maçã" {
		t.Errorf("short strings must pass through, got %q", got)
	}
	if !utf8.ValidString(truncate("não entendi a cobrança", 5)) {
		t.Error("truncate produced invalid UTF-8")
	}
}

func TestServiceDescriptionTruncatedOnRuneBoundary(t *testing.T) {
	store := newTestStore(t)

	// Accented text aligned so the byte cap falls inside a 2-byte rune.
	text := "a" + strings.Repeat("ç", serviceDescriptionLimit/2)
	res, err := store.SubmitMessage(context.Background(), clientInput(text))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if !utf8.ValidString(res.Service.Description) {
		t.Error("service description holds a split rune")
	}
	if len(res.Service.Description) > serviceDescriptionLimit {
		t.Errorf("description exceeds the cap: %d bytes", len(res.Service.Description))
	}
}

func TestSubmitMessageRejectsRedeliveredProviderID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.SubmitMessage(ctx, clientInput("oi")); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	// The provider redelivers the same message, long after any in-process
	// cache is gone.
	if _, err := store.SubmitMessage(ctx, clientInput("oi")); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("expected ErrDuplicateMessage, got %v", err)
	}

	var messages int64
	store.DB().Model(&models.Message{}).Count(&messages)
	if messages != 1 {
		t.Errorf("redelivery must not insert a second row, got %d", messages)
	}
}

func TestSecondPendingServiceRejectedByConstraint(t *testing.T) {
	store := newTestStore(t)

	first, err := store.SubmitMessage(context.Background(), clientInput("oi"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	dup := models.Service{
		ChatID:      first.Chat.ID,
		ClientID:    first.Client.ID,
		Status:      models.ServiceStatusPending,
		Responsible: models.ResponsibleForAI(),
		StartedAt:   store.now(),
	}
	if err := store.DB().Create(&dup).Error; !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Fatalf("second pending service must hit the unique index, got %v", err)
	}

	// A concluded service frees the slot for the next pending one.
	done := models.ServiceStatusDone
	if _, err := store.UpdateService(context.Background(), first.Service.ID, ServicePatch{Status: &done}); err != nil {
		t.Fatalf("UpdateService failed: %v", err)
	}
	next := models.Service{
		ChatID:      first.Chat.ID,
		ClientID:    first.Client.ID,
		Status:      models.ServiceStatusPending,
		Responsible: models.ResponsibleForAI(),
		StartedAt:   store.now(),
	}
	if err := store.DB().Create(&next).Error; err != nil {
		t.Fatalf("pending service after conclusion must be allowed: %v", err)
	}
}

func TestUnreadCountAccumulatesInDatabase(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var chatID string
	for _, text := range []string{"um", "dois", "tres"} {
		res, err := store.SubmitMessage(ctx, clientInput(text))
		if err != nil {
			t.Fatalf("submit failed: %v", err)
		}
		chatID = res.Chat.ID
	}

	// The row itself must carry every increment, not just the snapshot the
	// last caller happened to hold in memory.
	var chat models.Chat
	if err := store.DB().Where("id = ?", chatID).First(&chat).Error; err != nil {
		t.Fatalf("failed to load chat: %v", err)
	}
	if chat.UnreadCount != 3 {
		t.Errorf("expected unread 3 in the database, got %d", chat.UnreadCount)
	}
}

func TestSendTemplateClearsMediaSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	in := clientInput("")
	in.Media = &MediaInput{StorageKey: "media/images/foto.jpg", Kind: "image", Mime: "image/jpeg"}
	first, err := store.SubmitMessage(ctx, in)
	if err != nil {
		t.Fatalf("media submit failed: %v", err)
	}
	if first.Chat.LastMessageMedia != "image" {
		t.Fatalf("expected media snapshot, got %q", first.Chat.LastMessageMedia)
	}
	user := createUser(t, store, "joao", "João")

	if _, err := store.SendTemplate(ctx, TemplateInput{
		ClientExternalID: "5511999998888",
		PhoneNumberID:    "101",
		AuthorUserID:     user.ID,
		Preview:          "Olá! Podemos continuar?",
		Payload:          []byte(`{"name":"followup","language":{"code":"pt_BR"}}`),
	}); err != nil {
		t.Fatalf("SendTemplate failed: %v", err)
	}

	var chat models.Chat
	if err := store.DB().Where("id = ?", first.Chat.ID).First(&chat).Error; err != nil {
		t.Fatalf("failed to load chat: %v", err)
	}
	if chat.LastMessageMedia != "" {
		t.Errorf("template send must clear the media snapshot, got %q", chat.LastMessageMedia)
	}
	if chat.LastMessageText != "Olá! Podemos continuar?" {
		t.Errorf("unexpected snapshot text %q", chat.LastMessageText)
	}
}

func TestRecentMessagesOldestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for i, text := range []string{"um", "dois", "tres"} {
		at := base.Add(time.Duration(i) * time.Minute)
		store.now = func() time.Time { return at }
		if _, err := store.SubmitMessage(ctx, clientInput(text)); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}

	chats, err := store.ListChats(ctx, 10)
	if err != nil || len(chats) != 1 {
		t.Fatalf("expected one chat, got %d (%v)", len(chats), err)
	}
	msgs, err := store.RecentMessages(ctx, chats[0].ID, 2)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "dois" || msgs[1].Text != "tres" {
		t.Errorf("expected oldest-first window [dois tres], got [%s %s]", msgs[0].Text, msgs[1].Text)
	}
}
