package scheduled

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/models"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestValidateCreationLeadTime(t *testing.T) {
	rules := DefaultRules()

	err := rules.ValidateCreation("a", "b", "hello", now.Add(4*time.Minute), now)
	require.True(t, apperr.Is(err, apperr.KindValidation))

	require.NoError(t, rules.ValidateCreation("a", "b", "hello", now.Add(6*time.Minute), now))
	require.NoError(t, rules.ValidateCreation("a", "b", "hello", now.Add(5*time.Minute), now))
}

func TestValidateCreationHorizon(t *testing.T) {
	rules := DefaultRules()
	require.NoError(t, rules.ValidateCreation("a", "b", "hi", now.Add(rules.MaxHorizon), now))

	err := rules.ValidateCreation("a", "b", "hi", now.Add(rules.MaxHorizon+time.Second), now)
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestValidateCreationText(t *testing.T) {
	rules := DefaultRules()
	later := now.Add(time.Hour)

	cases := []struct {
		name string
		text string
		ok   bool
	}{
		{"exactly max", strings.Repeat("a", 5000), true},
		{"one over", strings.Repeat("a", 5001), false},
		{"multibyte at max", strings.Repeat("é", 5000), true},
		{"empty", "", false},
		{"whitespace", "  \n\t ", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := rules.ValidateCreation("a", "b", tc.text, later, now)
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.True(t, apperr.Is(err, apperr.KindValidation))
		})
	}
}

func TestValidateCreationParticipants(t *testing.T) {
	rules := DefaultRules()
	later := now.Add(time.Hour)

	require.True(t, apperr.Is(rules.ValidateCreation("", "b", "hi", later, now), apperr.KindUnauthenticated))
	require.True(t, apperr.Is(rules.ValidateCreation("a", "", "hi", later, now), apperr.KindValidation))
}

func TestNewMessageTrimsAndIsPending(t *testing.T) {
	msg, err := DefaultRules().NewMessage("a", "b", "  see you  ", now.Add(time.Hour), now)
	require.NoError(t, err)
	require.Equal(t, "see you", msg.TextContent)
	require.Equal(t, models.ScheduledPending, msg.Status)
	require.NotEmpty(t, msg.ID)
}

func TestIsReadyForDelivery(t *testing.T) {
	rules := DefaultRules()
	msg, err := rules.NewMessage("a", "b", "hi", now.Add(time.Hour), now)
	require.NoError(t, err)

	due := now.Add(time.Hour)
	recent := due.Add(-time.Minute)
	old := due.Add(-time.Hour)

	require.False(t, rules.IsReadyForDelivery(msg, nil, due.Add(-time.Second)))
	require.True(t, rules.IsReadyForDelivery(msg, nil, due))
	require.False(t, rules.IsReadyForDelivery(msg, &recent, due))
	require.True(t, rules.IsReadyForDelivery(msg, &old, due))

	cancelled, err := Cancel(msg, "a")
	require.NoError(t, err)
	require.False(t, rules.IsReadyForDelivery(cancelled, nil, due))
}

func TestDeliver(t *testing.T) {
	rules := DefaultRules()
	msg, err := rules.NewMessage("a", "b", "hi", now.Add(time.Hour), now)
	require.NoError(t, err)

	_, err = rules.Deliver(msg, nil, now)
	require.Error(t, err)

	delivered, err := rules.Deliver(msg, nil, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, models.ScheduledDelivered, delivered.Status)
	require.NotNil(t, delivered.DeliveredAt)
	require.True(t, SameContent(msg, delivered))
}

func TestCancel(t *testing.T) {
	msg, err := DefaultRules().NewMessage("a", "b", "hi", now.Add(time.Hour), now)
	require.NoError(t, err)

	_, err = Cancel(msg, "b")
	require.True(t, apperr.Is(err, apperr.KindPermission))

	cancelled, err := Cancel(msg, "a")
	require.NoError(t, err)
	require.Equal(t, models.ScheduledCancelled, cancelled.Status)

	_, err = Cancel(cancelled, "a")
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestReadAccess(t *testing.T) {
	msg, err := DefaultRules().NewMessage("a", "b", "hi", now.Add(time.Hour), now)
	require.NoError(t, err)

	require.True(t, CanRead(msg, "a"))
	require.True(t, CanRead(msg, "b"))
	require.False(t, CanRead(msg, "c"))
	require.False(t, CanRead(msg, ""))

	require.True(t, IsVisibleTo(msg, "a"))
	require.False(t, IsVisibleTo(msg, "b"))
	msg.Status = models.ScheduledDelivered
	require.True(t, IsVisibleTo(msg, "b"))
	require.False(t, IsVisibleTo(msg, "c"))
}
