package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zapdesk/internal/adapters/ai"
	"zapdesk/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// AIService is the contract of the AI generation and media-analysis
// services. Satisfied by *ai.Client.
type AIService interface {
	GenerateReply(summary ai.ChatSummary) (*ai.GenerationResult, error)
	AnalyzeMedia(data []byte, mime, filename string) (*ai.MediaAnalysis, error)
}

const (
	mediaMaxAttempts = 3
	mediaBaseBackoff = 100 * time.Millisecond

	// jobLeaseTimeout bounds how long a job may sit in running before it
	// is considered abandoned by a worker that died mid-step.
	jobLeaseTimeout = 5 * time.Minute
)

// AIWorkflowConfig tunes the workflow worker.
type AIWorkflowConfig struct {
	// ReplyDelay is how far ahead the reply step is scheduled after the
	// media step succeeds; batches rapid-fire client messages into one turn.
	ReplyDelay time.Duration
	// EscalationUserExternalID selects the staff member notified when the
	// AI transfers a conversation to a human. Empty leaves escalated
	// services in the unassigned human queue.
	EscalationUserExternalID string
	// EscalationTemplate is the name of the provider template used for the
	// best-effort notification.
	EscalationTemplate string
	PollInterval       time.Duration
}

// AIWorkflow drives the durable per-message AI pipeline off the AIJob
// table: an optional media-analysis step with bounded retries, then an
// optional delayed reply-generation step. Each step's outcome is persisted,
// so a restart resumes where the previous process stopped.
type AIWorkflow struct {
	store   *MessageStore
	aiSvc   AIService
	blob    Blob
	channel ChannelSender
	cfg     AIWorkflowConfig

	now func() time.Time
}

// NewAIWorkflow creates the workflow worker. blob may be nil when media
// analysis is not configured; media steps then exhaust their retries.
func NewAIWorkflow(store *MessageStore, aiSvc AIService, blob Blob, channel ChannelSender, cfg AIWorkflowConfig) (*AIWorkflow, error) {
	if store == nil {
		return nil, fmt.Errorf("message store cannot be nil for AIWorkflow")
	}
	if aiSvc == nil {
		return nil, fmt.Errorf("AI service cannot be nil for AIWorkflow")
	}
	if cfg.ReplyDelay <= 0 {
		cfg.ReplyDelay = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &AIWorkflow{
		store:   store,
		aiSvc:   aiSvc,
		blob:    blob,
		channel: channel,
		cfg:     cfg,
		now:     time.Now,
	}, nil
}

// Start runs the polling loop until the context is cancelled.
func (w *AIWorkflow) Start(ctx context.Context) {
	log.Info().Dur("pollInterval", w.cfg.PollInterval).Msg("AI workflow worker started")
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("AI workflow worker stopped")
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("AI workflow pass failed")
			}
		}
	}
}

// RunOnce claims and advances every due AI job. Step errors never escape a
// job: they are recorded on the row and the loop moves on.
func (w *AIWorkflow) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.claimDue(ctx)
	if err != nil {
		return 0, err
	}
	for i := range jobs {
		w.advance(ctx, &jobs[i])
	}
	return len(jobs), nil
}

func (w *AIWorkflow) claimDue(ctx context.Context) ([]models.AIJob, error) {
	var jobs []models.AIJob
	var requeued, abandoned int64
	err := w.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Jobs stuck in running past the lease were claimed by a worker
		// that died mid-step. The crashed claim already counted as an
		// attempt: media steps with budget left go back to pending, the
		// rest fail terminally because a reply step may already have sent
		// its message before the crash.
		cutoff := w.now().Add(-jobLeaseTimeout)
		res := tx.Model(&models.AIJob{}).
			Where("status = ? AND updated_at <= ? AND step = ? AND attempts < ?",
				models.JobStatusRunning, cutoff, models.AIStepMedia, mediaMaxAttempts).
			Updates(map[string]interface{}{
				"status":      models.JobStatusPending,
				"next_run_at": w.now(),
				"last_error":  "media step interrupted, retrying",
			})
		if res.Error != nil {
			return res.Error
		}
		requeued = res.RowsAffected

		res = tx.Model(&models.AIJob{}).
			Where("status = ? AND updated_at <= ?", models.JobStatusRunning, cutoff).
			Updates(map[string]interface{}{
				"status":     models.JobStatusFailed,
				"last_error": "step interrupted, attempt already spent",
			})
		if res.Error != nil {
			return res.Error
		}
		abandoned = res.RowsAffected

		if err := tx.Where("status = ? AND next_run_at <= ?", models.JobStatusPending, w.now()).
			Order("next_run_at").
			Find(&jobs).Error; err != nil {
			return err
		}
		for i := range jobs {
			jobs[i].Status = models.JobStatusRunning
			jobs[i].Attempts++
			if err := tx.Model(&models.AIJob{}).Where("id = ?", jobs[i].ID).
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
		return nil, fmt.Errorf("failed to claim AI jobs: %w", err)
	}
	if requeued > 0 || abandoned > 0 {
		log.Warn().
			Int64("requeued", requeued).
			Int64("failed", abandoned).
			Msg("Recovered AI jobs abandoned by an interrupted worker")
	}
	return jobs, nil
}

func (w *AIWorkflow) advance(ctx context.Context, job *models.AIJob) {
	switch job.Step {
	case models.AIStepMedia:
		w.runMediaStep(ctx, job)
	case models.AIStepReply:
		w.runReplyStep(ctx, job)
	default:
		w.update(ctx, job.ID, map[string]interface{}{
			"status":     models.JobStatusFailed,
			"last_error": fmt.Sprintf("unknown step %q", job.Step),
		})
	}
}

// runMediaStep analyses the attachment and persists the transcript. Retried
// with exponential backoff up to mediaMaxAttempts; exhaustion fails the
// whole workflow so an unreadable attachment is never answered blind.
func (w *AIWorkflow) runMediaStep(ctx context.Context, job *models.AIJob) {
	analysis, err := w.analyzeMedia(ctx, job)
	if err != nil {
		if job.Attempts >= mediaMaxAttempts {
			w.update(ctx, job.ID, map[string]interface{}{
				"status":     models.JobStatusFailed,
				"last_error": err.Error(),
			})
			log.Error().Err(err).
				Str("jobID", job.ID).
				Str("messageID", job.MessageID).
				Int("attempts", job.Attempts).
				Msg("Media processing exhausted retries, reply suppressed")
			return
		}

		backoff := mediaBaseBackoff << (job.Attempts - 1)
		w.update(ctx, job.ID, map[string]interface{}{
			"status":      models.JobStatusPending,
			"next_run_at": w.now().Add(backoff),
			"last_error":  err.Error(),
		})
		log.Warn().Err(err).
			Str("jobID", job.ID).
			Int("attempts", job.Attempts).
			Dur("backoff", backoff).
			Msg("Media processing failed, retrying")
		return
	}

	if err := w.store.AttachMediaAnalysis(ctx, job.MessageID, analysis.Transcript, analysis.Summary); err != nil {
		// Persisting the transcript is part of the step; treat as a step
		// failure subject to the same retry budget.
		w.update(ctx, job.ID, map[string]interface{}{
			"status":      models.JobStatusPending,
			"next_run_at": w.now().Add(mediaBaseBackoff),
			"last_error":  err.Error(),
		})
		return
	}

	if !job.SendAIResponse {
		w.update(ctx, job.ID, map[string]interface{}{
			"status":     models.JobStatusDone,
			"last_error": "",
		})
		log.Info().Str("jobID", job.ID).Str("messageID", job.MessageID).Msg("Media processed, no reply requested")
		return
	}

	w.update(ctx, job.ID, map[string]interface{}{
		"step":        models.AIStepReply,
		"status":      models.JobStatusPending,
		"attempts":    0,
		"next_run_at": w.now().Add(w.cfg.ReplyDelay),
		"last_error":  "",
	})
	log.Info().Str("jobID", job.ID).Str("messageID", job.MessageID).Msg("Media processed, reply step scheduled")
}

func (w *AIWorkflow) analyzeMedia(ctx context.Context, job *models.AIJob) (*ai.MediaAnalysis, error) {
	if w.blob == nil {
		return nil, fmt.Errorf("blob storage not configured for media analysis")
	}
	data, storedMime, err := w.blob.Get(ctx, job.MediaStorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve stored media: %w", err)
	}
	mime := job.MediaMime
	if mime == "" {
		mime = storedMime
	}
	return w.aiSvc.AnalyzeMedia(data, mime, job.MediaFilename)
}

// runReplyStep generates and sends the AI turn. Single attempt: a flaky AI
// call must not be silently retried and double-answer the customer.
func (w *AIWorkflow) runReplyStep(ctx context.Context, job *models.AIJob) {
	chat, err := w.store.GetChat(ctx, job.ChatID)
	if err != nil {
		w.update(ctx, job.ID, map[string]interface{}{
			"status":     models.JobStatusFailed,
			"last_error": err.Error(),
		})
		return
	}

	// Superseded by a fresher client message: that message enqueued its own
	// turn, answering this one would reply to a stale prompt.
	if chat.LastClientAt.After(job.SnapshotAt) {
		w.update(ctx, job.ID, map[string]interface{}{
			"status": models.JobStatusSkipped,
		})
		log.Info().
			Str("jobID", job.ID).
			Str("chatID", job.ChatID).
			Time("snapshotAt", job.SnapshotAt).
			Time("lastClientAt", chat.LastClientAt).
			Msg("AI reply skipped, superseded by newer client message")
		return
	}

	summary, err := w.buildChatSummary(ctx, chat)
	if err != nil {
		w.update(ctx, job.ID, map[string]interface{}{
			"status":     models.JobStatusFailed,
			"last_error": err.Error(),
		})
		return
	}

	result, err := w.aiSvc.GenerateReply(summary)
	if err != nil {
		w.update(ctx, job.ID, map[string]interface{}{
			"status":     models.JobStatusFailed,
			"last_error": err.Error(),
		})
		log.Error().Err(err).Str("jobID", job.ID).Str("chatID", job.ChatID).Msg("AI generation call failed")
		return
	}

	if !result.Success {
		w.update(ctx, job.ID, map[string]interface{}{
			"status":     models.JobStatusFailed,
			"last_error": fmt.Sprintf("generation refused: %s", result.Error),
		})
		log.Warn().
			Str("jobID", job.ID).
			Str("chatID", job.ChatID).
			Str("error", result.Error).
			Str("details", result.Details).
			Msg("AI generation unsuccessful, nothing sent")
		return
	}

	switch {
	case result.Metadata.TransferToHuman:
		w.handleTransfer(ctx, job, chat, result, summary)
	case result.Metadata.TicketCreated:
		if _, err := w.store.CreateServiceFromAI(ctx, job.ChatID, result.Message); err != nil {
			log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to create AI ticket, sending reply anyway")
		}
		w.sendReply(ctx, job, result.Message)
	default:
		w.sendReply(ctx, job, result.Message)
	}
}

// handleTransfer escalates the conversation to a human, notifies the target
// staff member best-effort, and still sends the generated reply so the
// customer is not left hanging during the handoff.
func (w *AIWorkflow) handleTransfer(ctx context.Context, job *models.AIJob, chat *models.Chat, result *ai.GenerationResult, summary ai.ChatSummary) {
	escalationSummary := result.Metadata.EscalationReason
	if escalationSummary == "" {
		escalationSummary = conversationSummary(summary)
	}

	targetUserID := ""
	if w.cfg.EscalationUserExternalID != "" {
		if user := w.resolveEscalationUser(ctx); user != nil {
			targetUserID = user.ID
			w.notifyHuman(chat, user)
		}
	}

	if _, err := w.store.EscalateToHuman(ctx, job.ChatID, escalationSummary, targetUserID); err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Str("chatID", job.ChatID).Msg("Failed to escalate service to human")
	}

	w.sendReply(ctx, job, result.Message)
}

func (w *AIWorkflow) resolveEscalationUser(ctx context.Context) *models.User {
	var user models.User
	err := w.store.DB().WithContext(ctx).
		Where("external_id = ?", w.cfg.EscalationUserExternalID).
		First(&user).Error
	if err != nil {
		log.Warn().Err(err).
			Str("externalID", w.cfg.EscalationUserExternalID).
			Msg("Escalation user not found, service goes to the unassigned queue")
		return nil
	}
	return &user
}

// notifyHuman sends the escalation template to the staff member's own
// WhatsApp number. Best-effort: failures are logged, never block the
// handoff.
func (w *AIWorkflow) notifyHuman(chat *models.Chat, user *models.User) {
	if w.channel == nil || w.cfg.EscalationTemplate == "" || user.Phone == "" {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"name":     w.cfg.EscalationTemplate,
		"language": map[string]string{"code": "pt_BR"},
	})
	if err != nil {
		return
	}
	if _, err := w.channel.SendTemplate(chat.PhoneNumberID, user.Phone, payload); err != nil {
		log.Warn().Err(err).Str("userID", user.ID).Msg("Escalation notification failed")
	}
}

func (w *AIWorkflow) sendReply(ctx context.Context, job *models.AIJob, text string) {
	if _, err := w.store.InsertAIMessage(ctx, job.ChatID, text); err != nil {
		w.update(ctx, job.ID, map[string]interface{}{
			"status":     models.JobStatusFailed,
			"last_error": err.Error(),
		})
		log.Error().Err(err).Str("jobID", job.ID).Str("chatID", job.ChatID).Msg("Failed to record AI reply")
		return
	}

	w.update(ctx, job.ID, map[string]interface{}{
		"status":     models.JobStatusDone,
		"last_error": "",
	})
	log.Info().Str("jobID", job.ID).Str("chatID", job.ChatID).Msg("AI reply sent")
}

func (w *AIWorkflow) buildChatSummary(ctx context.Context, chat *models.Chat) (ai.ChatSummary, error) {
	client, err := w.store.GetClient(ctx, chat.ClientID)
	if err != nil {
		return ai.ChatSummary{}, err
	}
	msgs, err := w.store.RecentMessages(ctx, chat.ID, 20)
	if err != nil {
		return ai.ChatSummary{}, err
	}

	summary := ai.ChatSummary{
		ClientName:  client.Name,
		ClientPhone: client.Phone,
	}
	for _, m := range msgs {
		summary.Messages = append(summary.Messages, ai.SummaryMessage{
			Author:     string(m.AuthorKind),
			Text:       m.Text,
			MediaKind:  m.Media.Kind,
			Transcript: m.Media.Transcript,
			SentAt:     m.SentAt.UTC().Format(time.RFC3339),
		})
	}
	return summary, nil
}

// conversationSummary builds the short handoff note from the latest client
// turns when the model did not provide an escalation reason.
func conversationSummary(summary ai.ChatSummary) string {
	note := fmt.Sprintf("Conversation with %s transferred by the AI agent.", summary.ClientName)
	for i := len(summary.Messages) - 1; i >= 0; i-- {
		if summary.Messages[i].Author == string(models.AuthorClient) && summary.Messages[i].Text != "" {
			return fmt.Sprintf("%s Last client message: %s", note, truncate(summary.Messages[i].Text, 200))
		}
	}
	return note
}

func (w *AIWorkflow) update(ctx context.Context, jobID string, updates map[string]interface{}) {
	err := w.store.DB().WithContext(ctx).Model(&models.AIJob{}).
		Where("id = ?", jobID).
		Updates(updates).Error
	if err != nil {
		log.Error().Err(err).Str("jobID", jobID).Msg("Failed to update AI job")
	}
}
