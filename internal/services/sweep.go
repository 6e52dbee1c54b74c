package services

import (
	"context"
	"fmt"
	"time"

	"zapdesk/internal/events"
	"zapdesk/internal/models"

	"github.com/rs/zerolog/log"
)

// ExpirySweep flips chats whose 24-hour customer-response window has lapsed
// from open to expired. It is the only writer of that transition; everything
// that reopens a chat happens inline in the message and template mutations.
type ExpirySweep struct {
	store     *MessageStore
	publisher *events.Publisher

	window   time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewExpirySweep creates the sweep. window is the messaging-window length,
// interval the cadence of the periodic run.
func NewExpirySweep(store *MessageStore, publisher *events.Publisher, window, interval time.Duration) (*ExpirySweep, error) {
	if store == nil {
		return nil, fmt.Errorf("message store cannot be nil for ExpirySweep")
	}
	if publisher == nil {
		return nil, fmt.Errorf("event publisher cannot be nil for ExpirySweep")
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &ExpirySweep{
		store:     store,
		publisher: publisher,
		window:    window,
		interval:  interval,
		now:       time.Now,
	}, nil
}

// Start runs the hourly loop until the context is cancelled.
func (s *ExpirySweep) Start(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Dur("window", s.window).Msg("Expiry sweep started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Expiry sweep stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("Expiry sweep pass failed")
			}
		}
	}
}

// RunOnce expires every open chat whose last customer interaction is older
// than the window. Idempotent: already-expired chats are never touched.
// Returns the number of chats expired.
func (s *ExpirySweep) RunOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.window)

	var stale []models.Chat
	err := s.store.DB().WithContext(ctx).
		Where("status = ? AND last_client_at <= ?", models.ChatStatusOpen, cutoff).
		Find(&stale).Error
	if err != nil {
		return 0, fmt.Errorf("failed to query stale chats: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(stale))
	for _, chat := range stale {
		ids = append(ids, chat.ID)
	}

	result := s.store.DB().WithContext(ctx).Model(&models.Chat{}).
		Where("id IN ? AND status = ?", ids, models.ChatStatusOpen).
		Update("status", models.ChatStatusExpired)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to expire chats: %w", result.Error)
	}

	for _, chat := range stale {
		s.publisher.Publish(events.ChatExpired, map[string]string{"chatId": chat.ID})
	}

	log.Info().Int64("expired", result.RowsAffected).Msg("Conversation windows expired")
	return int(result.RowsAffected), nil
}
