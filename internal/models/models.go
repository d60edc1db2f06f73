package models

import "time"

// User represents an account within the Keepsake platform.
type User struct {
	ID           string
	Handle       string
	DisplayName  string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Profile is the public projection of a user returned by directory lookups.
type Profile struct {
	ID          string `json:"id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
}

// Profile returns the publicly visible subset of the user.
func (u User) Profile() Profile {
	return Profile{ID: u.ID, Handle: u.Handle, DisplayName: u.DisplayName}
}

// FriendRequestStatus enumerates the lifecycle of a friend request.
type FriendRequestStatus string

const (
	FriendRequestPending   FriendRequestStatus = "pending"
	FriendRequestAccepted  FriendRequestStatus = "accepted"
	FriendRequestDeclined  FriendRequestStatus = "declined"
	FriendRequestCancelled FriendRequestStatus = "cancelled"
)

// FriendRequest represents the invitation workflow between two users.
type FriendRequest struct {
	ID          string              `json:"id"`
	SenderID    string              `json:"senderId"`
	ReceiverID  string              `json:"receiverId"`
	Status      FriendRequestStatus `json:"status"`
	CreatedAt   time.Time           `json:"createdAt"`
	RespondedAt *time.Time          `json:"respondedAt,omitempty"`
}

// Friendship is the symmetric edge created when a friend request is accepted.
// UserA always sorts before UserB.
type Friendship struct {
	ID        string    `json:"id"`
	UserA     string    `json:"userA"`
	UserB     string    `json:"userB"`
	CreatedAt time.Time `json:"createdAt"`
}

// Other returns the endpoint opposite to userID.
func (f Friendship) Other(userID string) string {
	if f.UserA == userID {
		return f.UserB
	}
	return f.UserA
}

// Folder is the persisted shape of a shared folder.
type Folder struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	OwnerID        string     `json:"ownerId"`
	ContributorIDs []string   `json:"contributorIds"`
	IsLocked       bool       `json:"isLocked"`
	LockedAt       *time.Time `json:"lockedAt,omitempty"`
	IsPublic       bool       `json:"isPublic"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// FolderInviteStatus enumerates the lifecycle of a folder-share invite.
type FolderInviteStatus string

const (
	FolderInvitePending  FolderInviteStatus = "pending"
	FolderInviteAccepted FolderInviteStatus = "accepted"
	FolderInviteDeclined FolderInviteStatus = "declined"
	FolderInviteRevoked  FolderInviteStatus = "revoked"
)

// FolderInvite grants a user the option to join a folder as contributor.
type FolderInvite struct {
	ID          string             `json:"id"`
	FolderID    string             `json:"folderId"`
	InviterID   string             `json:"inviterId"`
	InviteeID   string             `json:"inviteeId"`
	Status      FolderInviteStatus `json:"status"`
	CreatedAt   time.Time          `json:"createdAt"`
	RespondedAt *time.Time         `json:"respondedAt,omitempty"`
}

// FolderItem is a single contribution stored in a folder.
type FolderItem struct {
	ID        string    `json:"id"`
	FolderID  string    `json:"folderId"`
	AuthorID  string    `json:"authorId"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	ObjectKey string    `json:"objectKey,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ScheduledMessageStatus enumerates the lifecycle of a scheduled message.
type ScheduledMessageStatus string

const (
	ScheduledPending   ScheduledMessageStatus = "pending"
	ScheduledDelivered ScheduledMessageStatus = "delivered"
	ScheduledCancelled ScheduledMessageStatus = "cancelled"
)

// ScheduledMessage is a message addressed to a future point in time.
type ScheduledMessage struct {
	ID           string                 `json:"id"`
	SenderID     string                 `json:"senderId"`
	RecipientID  string                 `json:"recipientId"`
	TextContent  string                 `json:"textContent"`
	ScheduledFor time.Time              `json:"scheduledFor"`
	CreatedAt    time.Time              `json:"createdAt"`
	Status       ScheduledMessageStatus `json:"status"`
	DeliveredAt  *time.Time             `json:"deliveredAt,omitempty"`
}

// SessionTokens groups the bearer credentials issued to authenticated users.
type SessionTokens struct {
	AccessToken      string    `json:"accessToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshToken     string    `json:"refreshToken"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}
