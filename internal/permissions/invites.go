package permissions

import (
	"time"

	"github.com/google/uuid"

	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/models"
)

// InviteAction is a response to a pending folder invite.
type InviteAction string

const (
	InviteAccept  InviteAction = "accept"
	InviteDecline InviteAction = "decline"
	InviteRevoke  InviteAction = "revoke"
)

// ParseInviteAction validates an invite action name.
func ParseInviteAction(s string) (InviteAction, error) {
	switch a := InviteAction(s); a {
	case InviteAccept, InviteDecline, InviteRevoke:
		return a, nil
	default:
		return "", apperr.Validationf("Unknown invite action %q.", s)
	}
}

// ValidateInvite checks whether inviterID may invite inviteeID into folder.
// pending reports whether an open invite for the pair already exists.
func ValidateInvite(folder Folder, inviterID, inviteeID string, pending bool) error {
	if !folder.CanManage(inviterID) {
		return apperr.Permission("invite people to this folder")
	}
	if inviteeID == "" {
		return apperr.Validation("Choose someone to invite.")
	}
	if folder.IsOwner(inviteeID) || folder.HasContributor(inviteeID) {
		return apperr.Conflict("That person already has access to this folder.")
	}
	if pending {
		return apperr.Conflict("That person already has a pending invite to this folder.")
	}
	if len(folder.contributors) >= MaxContributors {
		return apperr.Validationf("A folder can have at most %d contributors.", MaxContributors)
	}
	return nil
}

// NewInvite builds a pending invite.
func NewInvite(folderID, inviterID, inviteeID string, now time.Time) models.FolderInvite {
	return models.FolderInvite{
		ID:        uuid.NewString(),
		FolderID:  folderID,
		InviterID: inviterID,
		InviteeID: inviteeID,
		Status:    models.FolderInvitePending,
		CreatedAt: now.UTC(),
	}
}

// InviteOutcome carries the updated invite and, on accept, the folder with
// the invitee added as contributor.
type InviteOutcome struct {
	Invite models.FolderInvite
	Folder *Folder
}

// RespondInvite applies action on behalf of actorID. Accepting adds the
// invitee to the contributor set regardless of the lock state; a locked
// folder still blocks their contributions.
func RespondInvite(inv models.FolderInvite, folder Folder, actorID string, action InviteAction, now time.Time) (InviteOutcome, error) {
	if inv.Status != models.FolderInvitePending {
		return InviteOutcome{}, apperr.Validationf("This invite was already %s.", inv.Status)
	}

	next := inv
	responded := now.UTC()
	next.RespondedAt = &responded

	switch action {
	case InviteAccept:
		if actorID != inv.InviteeID {
			return InviteOutcome{}, apperr.Permission("accept this invite")
		}
		joined, err := folder.AddContributor(actorID)
		if err != nil {
			return InviteOutcome{}, err
		}
		next.Status = models.FolderInviteAccepted
		return InviteOutcome{Invite: next, Folder: &joined}, nil
	case InviteDecline:
		if actorID != inv.InviteeID {
			return InviteOutcome{}, apperr.Permission("decline this invite")
		}
		next.Status = models.FolderInviteDeclined
		return InviteOutcome{Invite: next}, nil
	case InviteRevoke:
		if actorID != inv.InviterID && !folder.CanManage(actorID) {
			return InviteOutcome{}, apperr.Permission("revoke this invite")
		}
		next.Status = models.FolderInviteRevoked
		return InviteOutcome{Invite: next}, nil
	default:
		return InviteOutcome{}, apperr.Validationf("Unknown invite action %q.", action)
	}
}

// IsValidInviteTransition mirrors RespondInvite over stored documents.
func IsValidInviteTransition(prev, next models.FolderInvite, folder Folder, actorID string) bool {
	if prev.ID != next.ID || prev.FolderID != next.FolderID ||
		prev.InviterID != next.InviterID || prev.InviteeID != next.InviteeID {
		return false
	}
	if prev.Status != models.FolderInvitePending {
		return false
	}
	switch next.Status {
	case models.FolderInviteAccepted, models.FolderInviteDeclined:
		return actorID == prev.InviteeID
	case models.FolderInviteRevoked:
		return actorID == prev.InviterID || folder.CanManage(actorID)
	default:
		return false
	}
}

// IsInviteParticipant reports whether uid sent or received the invite.
func IsInviteParticipant(inv models.FolderInvite, uid string) bool {
	return uid != "" && (uid == inv.InviterID || uid == inv.InviteeID)
}

// IsLeaving reports whether next is prev with exactly uid removed from the
// contributors and nothing else changed.
func IsLeaving(prev, next Folder, uid string) bool {
	if !prev.HasContributor(uid) || next.HasContributor(uid) {
		return false
	}
	return prev.RemoveContributor(uid).Equal(next)
}
