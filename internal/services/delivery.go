package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"zapdesk/internal/adapters/whatsapp"
	"zapdesk/internal/events"
	"zapdesk/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ChannelSender is the outbound WhatsApp contract the delivery worker needs.
// Satisfied by *whatsapp.Client.
type ChannelSender interface {
	SendText(phoneNumberID, toPhone, body string) (string, error)
	SendMedia(phoneNumberID, toPhone, mediaID string, category whatsapp.MediaCategory, caption, filename string) (string, error)
	SendTemplate(phoneNumberID, toPhone string, payload json.RawMessage) (string, error)
	UploadMedia(phoneNumberID string, data []byte, mime, filename string) (string, error)
}

// Blob is the read side of blob storage the delivery worker needs.
// Satisfied by *storage.BlobStore.
type Blob interface {
	Get(ctx context.Context, key string) ([]byte, string, error)
}

// DeliveryWorker drains the delivery job table: one channel-adapter call per
// job, then a single reconciliation patch on the message. Failed deliveries
// are terminal; recovery is a user resend or job-level tooling outside this
// core.
type DeliveryWorker struct {
	store     *MessageStore
	channel   ChannelSender
	blob      Blob
	publisher *events.Publisher

	pollInterval time.Duration
	now          func() time.Time
}

// NewDeliveryWorker creates the worker. blob may be nil when media delivery
// is not configured; media jobs then fail with a configuration error.
func NewDeliveryWorker(store *MessageStore, channel ChannelSender, blob Blob, publisher *events.Publisher, pollInterval time.Duration) (*DeliveryWorker, error) {
	if store == nil {
		return nil, fmt.Errorf("message store cannot be nil for DeliveryWorker")
	}
	if channel == nil {
		return nil, fmt.Errorf("channel sender cannot be nil for DeliveryWorker")
	}
	if publisher == nil {
		return nil, fmt.Errorf("event publisher cannot be nil for DeliveryWorker")
	}
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	return &DeliveryWorker{
		store:        store,
		channel:      channel,
		blob:         blob,
		publisher:    publisher,
		pollInterval: pollInterval,
		now:          time.Now,
	}, nil
}

// Start runs the polling loop until the context is cancelled.
func (w *DeliveryWorker) Start(ctx context.Context) {
	log.Info().Dur("pollInterval", w.pollInterval).Msg("Delivery worker started")
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Delivery worker stopped")
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("Delivery pass failed")
			}
		}
	}
}

// RunOnce claims and processes every due delivery job. Returns the number of
// jobs processed.
func (w *DeliveryWorker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.claimDue(ctx)
	if err != nil {
		return 0, err
	}

	for i := range jobs {
		w.process(ctx, &jobs[i])
	}
	return len(jobs), nil
}

// claimDue flips due pending jobs to running inside one transaction so a
// second worker pass never picks them up twice. Jobs left in running past
// the lease belong to a worker that died mid-call; the provider call may
// have gone out, so the single attempt is spent and they fail terminally
// instead of re-sending.
func (w *DeliveryWorker) claimDue(ctx context.Context) ([]models.DeliveryJob, error) {
	var jobs []models.DeliveryJob
	var stale []models.DeliveryJob
	err := w.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cutoff := w.now().Add(-jobLeaseTimeout)
		if err := tx.Where("status = ? AND updated_at <= ?", models.JobStatusRunning, cutoff).
			Find(&stale).Error; err != nil {
			return err
		}
		for i := range stale {
			if err := tx.Model(&models.DeliveryJob{}).Where("id = ?", stale[i].ID).
				Updates(map[string]interface{}{
					"status":     models.JobStatusFailed,
					"last_error": "delivery interrupted, outcome unknown",
				}).Error; err != nil {
				return err
			}
			if err := tx.Model(&models.Message{}).Where("id = ?", stale[i].MessageID).
				Update("delivery_status", models.DeliveryStatusFailed).Error; err != nil {
				return err
			}
		}

		if err := tx.Where("status = ? AND next_run_at <= ?", models.JobStatusPending, w.now()).
			Order("next_run_at").
			Find(&jobs).Error; err != nil {
			return err
		}
		for i := range jobs {
			jobs[i].Status = models.JobStatusRunning
			jobs[i].Attempts++
			if err := tx.Model(&models.DeliveryJob{}).Where("id = ?", jobs[i].ID).
				Updates(map[string]interface{}{
					"status":   models.JobStatusRunning,
					"attempts": jobs[i].Attempts,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim delivery jobs: %w", err)
	}
	for i := range stale {
		w.publisher.Publish(events.MessageFailed, map[string]string{
			"messageId": stale[i].MessageID,
			"chatId":    stale[i].ChatID,
			"error":     "delivery interrupted, outcome unknown",
		})
		log.Warn().
			Str("jobID", stale[i].ID).
			Str("messageID", stale[i].MessageID).
			Msg("Failed delivery job abandoned by an interrupted worker")
	}
	return jobs, nil
}

func (w *DeliveryWorker) process(ctx context.Context, job *models.DeliveryJob) {
	providerMessageID, err := w.deliver(ctx, job)
	if err != nil {
		w.finish(ctx, job, models.JobStatusFailed, err.Error())
		w.patchMessage(ctx, job.MessageID, "", models.DeliveryStatusFailed)
		w.publisher.Publish(events.MessageFailed, map[string]string{
			"messageId": job.MessageID,
			"chatId":    job.ChatID,
			"error":     err.Error(),
		})
		log.Error().Err(err).
			Str("jobID", job.ID).
			Str("messageID", job.MessageID).
			Str("kind", string(job.Kind)).
			Msg("Delivery failed")
		return
	}

	w.finish(ctx, job, models.JobStatusDone, "")
	w.patchMessage(ctx, job.MessageID, providerMessageID, models.DeliveryStatusSent)
	w.publisher.Publish(events.MessageSent, map[string]string{
		"messageId":         job.MessageID,
		"chatId":            job.ChatID,
		"providerMessageId": providerMessageID,
	})
	log.Info().
		Str("jobID", job.ID).
		Str("messageID", job.MessageID).
		Str("providerMessageID", providerMessageID).
		Str("kind", string(job.Kind)).
		Msg("Delivery succeeded")
}

// deliver performs the single channel-adapter call matching the job kind.
func (w *DeliveryWorker) deliver(ctx context.Context, job *models.DeliveryJob) (string, error) {
	var payload deliveryPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return "", fmt.Errorf("invalid delivery payload: %w", err)
	}

	switch job.Kind {
	case models.DeliveryKindText:
		return w.channel.SendText(payload.PhoneNumberID, payload.ToPhone, payload.Text)

	case models.DeliveryKindMedia:
		if w.blob == nil {
			return "", errors.New("blob storage not configured for media delivery")
		}
		data, storedMime, err := w.blob.Get(ctx, payload.StorageKey)
		if err != nil {
			return "", fmt.Errorf("failed to resolve stored media: %w", err)
		}
		mime := payload.Mime
		if mime == "" {
			mime = storedMime
		}
		if mime == "" {
			mime = http.DetectContentType(data)
		}
		mediaID, err := w.channel.UploadMedia(payload.PhoneNumberID, data, mime, payload.Filename)
		if err != nil {
			return "", err
		}
		category := whatsapp.CategoryForMime(mime)
		return w.channel.SendMedia(payload.PhoneNumberID, payload.ToPhone, mediaID, category, payload.Caption, payload.Filename)

	case models.DeliveryKindTemplate:
		return w.channel.SendTemplate(payload.PhoneNumberID, payload.ToPhone, payload.Template)

	default:
		return "", fmt.Errorf("unknown delivery kind %q", job.Kind)
	}
}

func (w *DeliveryWorker) finish(ctx context.Context, job *models.DeliveryJob, status models.JobStatus, lastError string) {
	err := w.store.DB().WithContext(ctx).Model(&models.DeliveryJob{}).Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":     status,
			"last_error": lastError,
		}).Error
	if err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to finalize delivery job")
	}
}

func (w *DeliveryWorker) patchMessage(ctx context.Context, messageID, providerMessageID string, status models.DeliveryStatus) {
	updates := map[string]interface{}{"delivery_status": status}
	if providerMessageID != "" {
		updates["provider_message_id"] = providerMessageID
	}
	err := w.store.DB().WithContext(ctx).Model(&models.Message{}).
		Where("id = ?", messageID).
		Updates(updates).Error
	if err != nil {
		log.Error().Err(err).Str("messageID", messageID).Msg("Failed to patch message delivery status")
	}
}
