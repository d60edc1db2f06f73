package handlers

import (
	"context"

	"github.com/keepsake/backend/internal/friends"
	"github.com/keepsake/backend/internal/models"
	"github.com/keepsake/backend/internal/permissions"
	"github.com/keepsake/backend/internal/social"
	"github.com/keepsake/backend/internal/validation"
)

// AccountService creates and authenticates accounts.
type AccountService interface {
	SignUp(ctx context.Context, in validation.SignUpInput) (models.User, error)
	Authenticate(ctx context.Context, in validation.LoginInput) (models.User, error)
}

// SessionManager issues and refreshes session tokens.
type SessionManager interface {
	Issue(ctx context.Context, userID string) (models.SessionTokens, error)
	Refresh(ctx context.Context, refreshToken string) (models.SessionTokens, error)
	Revoke(ctx context.Context, refreshToken string)
	RevokeAll(ctx context.Context, userID string) (int64, error)
}

// FriendService manages friend requests and friendships.
type FriendService interface {
	SendFriendRequest(ctx context.Context, uid string, in validation.FriendRequestInput) (models.FriendRequest, error)
	RespondFriendRequest(ctx context.Context, uid, requestID, action string) (friends.Outcome, error)
	ListFriendRequests(ctx context.Context, uid string) ([]models.FriendRequest, error)
	ListFriends(ctx context.Context, uid string) ([]models.Friendship, error)
	Unfriend(ctx context.Context, uid, otherID string) error
}

// FolderService manages shared folders, their invites and items.
type FolderService interface {
	CreateFolder(ctx context.Context, uid string, in validation.FolderInput) (models.Folder, error)
	GetFolder(ctx context.Context, uid, folderID string) (models.Folder, error)
	ListFolders(ctx context.Context, uid string) ([]models.Folder, error)
	LockFolder(ctx context.Context, uid, folderID string) (models.Folder, error)
	UnlockFolder(ctx context.Context, uid, folderID string) (models.Folder, error)
	SetVisibility(ctx context.Context, uid, folderID string, in validation.VisibilityInput) (models.Folder, error)
	RemoveContributor(ctx context.Context, uid, folderID, contributorID string) (models.Folder, error)
	DeleteFolder(ctx context.Context, uid, folderID string) error

	InviteToFolder(ctx context.Context, uid, folderID string, in validation.InviteInput) ([]models.FolderInvite, error)
	RespondFolderInvite(ctx context.Context, uid, inviteID, action string) (permissions.InviteOutcome, error)
	ListFolderInvites(ctx context.Context, uid string) ([]models.FolderInvite, error)

	AddItem(ctx context.Context, uid, folderID string, in validation.ItemInput, att *social.Attachment) (models.FolderItem, error)
	ListItems(ctx context.Context, uid, folderID string) ([]models.FolderItem, error)
	DeleteItem(ctx context.Context, uid, itemID string) error
}

// MessageService schedules and reads time-delayed messages.
type MessageService interface {
	ScheduleMessage(ctx context.Context, uid string, in validation.MessageInput) (models.ScheduledMessage, error)
	GetMessage(ctx context.Context, uid, messageID string) (models.ScheduledMessage, error)
	ListMessages(ctx context.Context, uid string) ([]models.ScheduledMessage, error)
	CancelMessage(ctx context.Context, uid, messageID string) (models.ScheduledMessage, error)
}

// DirectoryService looks up user profiles.
type DirectoryService interface {
	SearchUsers(ctx context.Context, uid, query string, limit int) ([]models.Profile, error)
	Profile(ctx context.Context, uid, id string) (models.Profile, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

var (
	_ AccountService   = (*social.Service)(nil)
	_ FriendService    = (*social.Service)(nil)
	_ FolderService    = (*social.Service)(nil)
	_ MessageService   = (*social.Service)(nil)
	_ DirectoryService = (*social.Service)(nil)
)
