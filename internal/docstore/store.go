// Package docstore defines the authoritative document store contract and an
// in-process implementation of it.
//
// Every method takes the calling identity and evaluates the access rules
// against the prior and proposed state of the documents it touches before
// anything is returned or written. Failures are *apperr.Error values, which
// also satisfy the gRPC status interface, so they carry one of the fixed
// remote codes across the boundary.
package docstore

import (
	"context"
	"time"

	"github.com/keepsake/backend/internal/friends"
	"github.com/keepsake/backend/internal/models"
	"github.com/keepsake/backend/internal/permissions"
	"github.com/keepsake/backend/internal/policy"
	"github.com/keepsake/backend/internal/scheduled"
)

// FolderMutation derives the next folder snapshot from the current one.
type FolderMutation func(permissions.Folder) (permissions.Folder, error)

// Store is the authoritative document store.
type Store interface {
	CreateUser(ctx context.Context, caller policy.Caller, user models.User) error
	GetUser(ctx context.Context, caller policy.Caller, id string) (models.User, error)
	UserByEmail(ctx context.Context, email string) (models.User, error)
	SearchUsers(ctx context.Context, caller policy.Caller, prefix string, limit int) ([]models.User, error)

	CreateFriendRequest(ctx context.Context, caller policy.Caller, req models.FriendRequest) error
	RespondFriendRequest(ctx context.Context, caller policy.Caller, requestID string, action friends.Action) (friends.Outcome, error)
	ListFriendRequests(ctx context.Context, caller policy.Caller) ([]models.FriendRequest, error)
	ListFriendships(ctx context.Context, caller policy.Caller) ([]models.Friendship, error)
	DeleteFriendship(ctx context.Context, caller policy.Caller, otherUserID string) error

	CreateFolder(ctx context.Context, caller policy.Caller, folder models.Folder) error
	GetFolder(ctx context.Context, caller policy.Caller, id string) (models.Folder, error)
	ListFolders(ctx context.Context, caller policy.Caller) ([]models.Folder, error)
	UpdateFolder(ctx context.Context, caller policy.Caller, id string, mutate FolderMutation) (models.Folder, error)
	DeleteFolder(ctx context.Context, caller policy.Caller, id string) error

	CreateFolderInvite(ctx context.Context, caller policy.Caller, inv models.FolderInvite) error
	RespondFolderInvite(ctx context.Context, caller policy.Caller, inviteID string, action permissions.InviteAction) (permissions.InviteOutcome, error)
	ListFolderInvites(ctx context.Context, caller policy.Caller) ([]models.FolderInvite, error)

	CreateFolderItem(ctx context.Context, caller policy.Caller, item models.FolderItem) error
	ListFolderItems(ctx context.Context, caller policy.Caller, folderID string) ([]models.FolderItem, error)
	DeleteFolderItem(ctx context.Context, caller policy.Caller, itemID string) (models.FolderItem, error)

	CreateScheduledMessage(ctx context.Context, caller policy.Caller, msg models.ScheduledMessage) error
	GetScheduledMessage(ctx context.Context, caller policy.Caller, id string) (models.ScheduledMessage, error)
	ListScheduledMessages(ctx context.Context, caller policy.Caller) ([]models.ScheduledMessage, error)
	CancelScheduledMessage(ctx context.Context, caller policy.Caller, id string) (models.ScheduledMessage, error)

	scheduled.DeliveryStore
}

// Delivered marks msg delivered at now without checking readiness; the
// rule layer decides whether the transition is allowed.
func Delivered(msg models.ScheduledMessage, now time.Time) models.ScheduledMessage {
	next := msg
	next.Status = models.ScheduledDelivered
	at := now.UTC()
	next.DeliveredAt = &at
	return next
}

// Latest returns the later of a and b, treating nil as absent.
func Latest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}
