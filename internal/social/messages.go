package social

import (
	"context"

	"github.com/keepsake/backend/internal/models"
	"github.com/keepsake/backend/internal/retry"
	"github.com/keepsake/backend/internal/validation"
)

// ScheduleMessage stores a message for delivery at in.ScheduledFor.
func (s *Service) ScheduleMessage(ctx context.Context, uid string, in validation.MessageInput) (models.ScheduledMessage, error) {
	c, err := caller(uid)
	if err != nil {
		return models.ScheduledMessage{}, err
	}
	if err := s.gate.Struct(in); err != nil {
		return models.ScheduledMessage{}, err
	}
	recipient := validation.UserID(in.RecipientID)
	if !recipient.OK() {
		return models.ScheduledMessage{}, recipient.Err()
	}
	text := validation.MessageText(in.Text, s.rules)
	if !text.OK() {
		return models.ScheduledMessage{}, text.Err()
	}
	now := s.now()
	at := validation.ScheduleTime(in.ScheduledFor, now, s.rules)
	if !at.OK() {
		return models.ScheduledMessage{}, at.Err()
	}
	p := s.policies.ScheduledMessageCreate
	if err := s.admit(uid, p); err != nil {
		return models.ScheduledMessage{}, err
	}

	msg, err := s.rules.NewMessage(uid, recipient.Value, text.Value, at.Value, now)
	if err != nil {
		return models.ScheduledMessage{}, err
	}
	err = run(ctx, s, "scheduled_messages.create", func(ctx context.Context) error {
		return s.store.CreateScheduledMessage(ctx, c, msg)
	}, retry.WithShouldRetry(noDuplicateRetry))
	if err != nil {
		return models.ScheduledMessage{}, err
	}
	s.record(uid, p)
	return msg, nil
}

// GetMessage returns a message uid sent, or received once delivered.
func (s *Service) GetMessage(ctx context.Context, uid, messageID string) (models.ScheduledMessage, error) {
	c, err := caller(uid)
	if err != nil {
		return models.ScheduledMessage{}, err
	}
	id := validation.UserID(messageID)
	if !id.OK() {
		return models.ScheduledMessage{}, id.Err()
	}
	return call(ctx, s, "scheduled_messages.read", func(ctx context.Context) (models.ScheduledMessage, error) {
		return s.store.GetScheduledMessage(ctx, c, id.Value)
	})
}

// ListMessages returns uid's sent messages and delivered received ones.
func (s *Service) ListMessages(ctx context.Context, uid string) ([]models.ScheduledMessage, error) {
	c, err := caller(uid)
	if err != nil {
		return nil, err
	}
	return call(ctx, s, "scheduled_messages.list", func(ctx context.Context) ([]models.ScheduledMessage, error) {
		return s.store.ListScheduledMessages(ctx, c)
	})
}

// CancelMessage cancels a pending message uid sent.
func (s *Service) CancelMessage(ctx context.Context, uid, messageID string) (models.ScheduledMessage, error) {
	c, err := caller(uid)
	if err != nil {
		return models.ScheduledMessage{}, err
	}
	id := validation.UserID(messageID)
	if !id.OK() {
		return models.ScheduledMessage{}, id.Err()
	}
	return call(ctx, s, "scheduled_messages.cancel", func(ctx context.Context) (models.ScheduledMessage, error) {
		return s.store.CancelScheduledMessage(ctx, c, id.Value)
	})
}
