package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobStatus is shared by the durable AI workflow and delivery job tables.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
	JobStatusSkipped JobStatus = "skipped"
)

// AIStep is the current step of an AI workflow job.
type AIStep string

const (
	AIStepMedia AIStep = "media_processing"
	AIStepReply AIStep = "reply_generation"
)

// AIJob is one durable AI workflow run for a single message. The worker loop
// advances Step from media_processing to reply_generation; attempts and
// next_run_at carry the retry/backoff state across process restarts.
type AIJob struct {
	ID        string `gorm:"primaryKey"`
	MessageID string `gorm:"index"`
	ChatID    string `gorm:"index"`

	Step   AIStep    `gorm:"index"`
	Status JobStatus `gorm:"index"`

	// SnapshotAt is the chat's last-message timestamp when the workflow was
	// enqueued. The reply step compares it against the current chat to skip
	// turns superseded by a fresher client message.
	SnapshotAt     time.Time
	SendAIResponse bool

	MediaStorageKey string
	MediaKind       string
	MediaMime       string
	MediaFilename   string

	Attempts  int
	NextRunAt time.Time `gorm:"index"`
	LastError string    `gorm:"type:text"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (j *AIJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	return nil
}

// DeliveryKind selects the channel-adapter call for an outbound delivery.
type DeliveryKind string

const (
	DeliveryKindText     DeliveryKind = "text"
	DeliveryKindMedia    DeliveryKind = "media"
	DeliveryKindTemplate DeliveryKind = "template"
)

// DeliveryJob is one scheduled outbound provider call for a committed
// message. Enqueued in the same transaction as the message itself and picked
// up by the delivery worker after a short settle delay. One attempt only:
// failed deliveries mark the message failed and stop.
type DeliveryJob struct {
	ID        string `gorm:"primaryKey"`
	MessageID string `gorm:"index"`
	ChatID    string `gorm:"index"`

	Kind    DeliveryKind
	Payload string `gorm:"type:text;comment:JSON payload for the channel adapter call"`

	Status    JobStatus `gorm:"index"`
	Attempts  int
	NextRunAt time.Time `gorm:"index"`
	LastError string    `gorm:"type:text"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (j *DeliveryJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	return nil
}
