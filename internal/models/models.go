package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ChatStatus tracks the WhatsApp 24-hour messaging window for a chat.
type ChatStatus string

const (
	ChatStatusOpen    ChatStatus = "open"
	ChatStatusExpired ChatStatus = "expired"
)

// ServiceStatus is the lifecycle of a support ticket.
type ServiceStatus string

const (
	ServiceStatusPending    ServiceStatus = "pending"
	ServiceStatusInProgress ServiceStatus = "in_progress"
	ServiceStatusDone       ServiceStatus = "done"
)

// MessageStatus is the internal read-state of a message.
type MessageStatus string

const (
	MessageStatusSent     MessageStatus = "sent"
	MessageStatusReceived MessageStatus = "received"
	MessageStatusRead     MessageStatus = "read"
)

// DeliveryStatus is the provider-side delivery state of an outbound message.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// AuthorKind discriminates who wrote a message.
type AuthorKind string

const (
	AuthorClient AuthorKind = "client"
	AuthorUser   AuthorKind = "user"
	AuthorAI     AuthorKind = "ai"
)

// AIAgentID is the author id recorded on AI-authored messages.
const AIAgentID = "ai-agent"

// ResponsibleKind discriminates who currently owns a service.
type ResponsibleKind string

const (
	ResponsibleHuman ResponsibleKind = "human"
	ResponsibleAI    ResponsibleKind = "ai"
)

// Responsible is the tagged owner of a service: a staff user or the AI agent.
// Embedded into Service so the pair is always written together.
type Responsible struct {
	Kind   ResponsibleKind `gorm:"column:responsible_kind;index"`
	UserID string          `gorm:"column:responsible_user_id"`
}

// ResponsibleForAI returns the AI owner value.
func ResponsibleForAI() Responsible {
	return Responsible{Kind: ResponsibleAI}
}

// ResponsibleForUser returns a human owner value for the given user id.
func ResponsibleForUser(userID string) Responsible {
	return Responsible{Kind: ResponsibleHuman, UserID: userID}
}

// IsAI reports whether the service is currently owned by the AI agent.
func (r Responsible) IsAI() bool {
	return r.Kind == ResponsibleAI
}

// Client is the end customer on the other side of a WhatsApp chat.
// Created lazily on first inbound message or outbound template send,
// never deleted; updates only enrich contact fields.
type Client struct {
	ID         string `gorm:"primaryKey"`
	ExternalID string `gorm:"uniqueIndex;comment:Stable WhatsApp wa_id for the customer"`
	Name       string
	Phone      string
	PhoneBase  string `gorm:"index;comment:Normalized digits-only phone for search"`
	Email      string
	Address    string
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

func (c *Client) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// User is a staff member who can own services and author messages.
type User struct {
	ID         string `gorm:"primaryKey"`
	ExternalID string `gorm:"uniqueIndex"`
	Name       string
	Phone      string
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// Chat is one conversation thread, unique per (client, phone-number channel).
// LastMessage* fields are a denormalized snapshot for list views.
type Chat struct {
	ID            string     `gorm:"primaryKey"`
	ClientID      string     `gorm:"index:idx_chats_client_channel,unique"`
	PhoneNumberID string     `gorm:"index:idx_chats_client_channel,unique;comment:WhatsApp phone-number channel id"`
	Status        ChatStatus `gorm:"index"`
	UnreadCount   int

	LastMessageID    string
	LastMessageAt    time.Time
	LastMessageText  string
	LastMessageMedia string `gorm:"comment:Media kind of the last message, empty for plain text"`

	// LastClientAt drives the 24h messaging-window expiry.
	LastClientAt time.Time `gorm:"index"`
	// AIResponseAt debounces AI replies: set 3s ahead on every client message.
	AIResponseAt time.Time

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (c *Chat) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// Service is a support ticket: the unit of "who is handling this conversation".
// The partial unique index keeps the active slot to at most one pending
// service per chat, even under concurrent submits.
type Service struct {
	ID          string        `gorm:"primaryKey"`
	ChatID      string        `gorm:"index;uniqueIndex:udx_services_pending_chat,where:status = 'pending'"`
	ClientID    string        `gorm:"index"`
	Description string        `gorm:"type:text"`
	Status      ServiceStatus `gorm:"index"`
	Responsible Responsible   `gorm:"embedded"`
	StartedAt   time.Time
	EndedAt     *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (s *Service) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// Media describes one attachment on a message, plus the AI-extracted
// transcript fields filled in by the media-processing step.
type Media struct {
	StorageKey string `gorm:"column:media_storage_key"`
	Kind       string `gorm:"column:media_kind"`
	Mime       string `gorm:"column:media_mime"`
	Filename   string `gorm:"column:media_filename"`
	Size       int64  `gorm:"column:media_size"`
	Transcript string `gorm:"column:media_transcript;type:text"`
	Summary    string `gorm:"column:media_summary;type:text"`
}

// Present reports whether the message actually carries an attachment.
func (m Media) Present() bool {
	return m.StorageKey != "" || m.Kind != ""
}

// Message is one immutable exchanged item. The row is only patched by the
// delivery step (provider id + status), by AI media processing (transcript)
// and by mark-as-read.
type Message struct {
	ID         string     `gorm:"primaryKey"`
	ChatID     string     `gorm:"index"`
	ServiceID  string     `gorm:"index"`
	AuthorKind AuthorKind `gorm:"index"`
	AuthorID   string
	Text       string `gorm:"type:text"`
	Media      Media  `gorm:"embedded"`

	Status         MessageStatus
	DeliveryStatus DeliveryStatus `gorm:"index"`
	// ProviderMessageID is the WhatsApp message id: mandatory on inbound
	// client messages, set on outbound messages once delivery succeeds.
	ProviderMessageID string `gorm:"index"`

	SentAt    time.Time
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}
