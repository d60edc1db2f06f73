// Package scheduled holds the timing and authorization rules for messages
// addressed to a future point in time, and the background dispatcher that
// delivers them.
package scheduled

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/models"
)

// Rules are the policy constants for scheduled messages.
type Rules struct {
	MinLeadTime        time.Duration
	MaxHorizon         time.Duration
	MaxTextLength      int
	MinDeliverySpacing time.Duration
}

// DefaultRules returns the stock thresholds.
func DefaultRules() Rules {
	return Rules{
		MinLeadTime:        5 * time.Minute,
		MaxHorizon:         10 * 365 * 24 * time.Hour,
		MaxTextLength:      5000,
		MinDeliverySpacing: 5 * time.Minute,
	}
}

// ValidateCreation checks a new message before it is stored.
func (r Rules) ValidateCreation(senderID, recipientID, text string, scheduledFor, now time.Time) error {
	if senderID == "" {
		return apperr.Unauthenticated()
	}
	if recipientID == "" {
		return apperr.Validation("Choose who should receive this message.")
	}
	if err := r.ValidateText(text); err != nil {
		return err
	}
	return r.ValidateSchedule(scheduledFor, now)
}

// ValidateText checks the message body.
func (r Rules) ValidateText(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return apperr.Validation("Write a message before scheduling it.")
	}
	if utf8.RuneCountInString(trimmed) > r.MaxTextLength {
		return apperr.Validationf("Messages can be at most %d characters long.", r.MaxTextLength)
	}
	return nil
}

// ValidateSchedule checks the delivery time against the lead time and the
// horizon.
func (r Rules) ValidateSchedule(scheduledFor, now time.Time) error {
	if scheduledFor.IsZero() {
		return apperr.Validation("Choose when the message should be delivered.")
	}
	if scheduledFor.Before(now.Add(r.MinLeadTime)) {
		return apperr.Validationf("Schedule the message at least %s in the future.", apperr.HumanDuration(r.MinLeadTime))
	}
	if scheduledFor.After(now.Add(r.MaxHorizon)) {
		return apperr.Validation("That delivery date is too far in the future.")
	}
	return nil
}

// NewMessage validates and builds a pending message.
func (r Rules) NewMessage(senderID, recipientID, text string, scheduledFor, now time.Time) (models.ScheduledMessage, error) {
	if err := r.ValidateCreation(senderID, recipientID, text, scheduledFor, now); err != nil {
		return models.ScheduledMessage{}, err
	}
	return models.ScheduledMessage{
		ID:           uuid.NewString(),
		SenderID:     senderID,
		RecipientID:  recipientID,
		TextContent:  strings.TrimSpace(text),
		ScheduledFor: scheduledFor.UTC(),
		CreatedAt:    now.UTC(),
		Status:       models.ScheduledPending,
	}, nil
}

// IsReadyForDelivery reports whether msg may be delivered at now.
// lastDelivered is the delivery time of the sender's most recent delivered
// message to the same recipient, or nil when there is none.
func (r Rules) IsReadyForDelivery(msg models.ScheduledMessage, lastDelivered *time.Time, now time.Time) bool {
	if msg.Status != models.ScheduledPending {
		return false
	}
	if now.Before(msg.ScheduledFor) {
		return false
	}
	if lastDelivered != nil && now.Sub(*lastDelivered) < r.MinDeliverySpacing {
		return false
	}
	return true
}

// Deliver returns msg marked as delivered.
func (r Rules) Deliver(msg models.ScheduledMessage, lastDelivered *time.Time, now time.Time) (models.ScheduledMessage, error) {
	if !r.IsReadyForDelivery(msg, lastDelivered, now) {
		return models.ScheduledMessage{}, apperr.Validation("This message is not ready for delivery.")
	}
	next := msg
	next.Status = models.ScheduledDelivered
	at := now.UTC()
	next.DeliveredAt = &at
	return next, nil
}

// Cancel returns msg cancelled on behalf of requesterID.
func Cancel(msg models.ScheduledMessage, requesterID string) (models.ScheduledMessage, error) {
	if requesterID != msg.SenderID {
		return models.ScheduledMessage{}, apperr.Permission("cancel this message")
	}
	if msg.Status != models.ScheduledPending {
		return models.ScheduledMessage{}, apperr.Validationf("This message was already %s.", msg.Status)
	}
	next := msg
	next.Status = models.ScheduledCancelled
	return next, nil
}

// CanRead reports whether uid may read the message contents.
func CanRead(msg models.ScheduledMessage, uid string) bool {
	return uid != "" && (uid == msg.SenderID || uid == msg.RecipientID)
}

// IsVisibleTo hides pending messages from their recipient.
func IsVisibleTo(msg models.ScheduledMessage, uid string) bool {
	if uid == msg.SenderID && uid != "" {
		return true
	}
	return uid == msg.RecipientID && uid != "" && msg.Status == models.ScheduledDelivered
}

// SameContent reports whether next only differs from prev in its status
// fields.
func SameContent(prev, next models.ScheduledMessage) bool {
	return prev.ID == next.ID &&
		prev.SenderID == next.SenderID &&
		prev.RecipientID == next.RecipientID &&
		prev.TextContent == next.TextContent &&
		prev.ScheduledFor.Equal(next.ScheduledFor) &&
		prev.CreatedAt.Equal(next.CreatedAt)
}
