package policy

import (
	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/friends"
	"github.com/keepsake/backend/internal/models"
	"github.com/keepsake/backend/internal/permissions"
	"github.com/keepsake/backend/internal/scheduled"
)

// NewDefault loads the embedded rules with the standard predicates.
func NewDefault(rules scheduled.Rules) (*Enforcer, error) {
	return New(DefaultRules, Predicates(rules))
}

// Predicates returns the named predicates referenced by the rule document.
func Predicates(rules scheduled.Rules) map[string]Predicate {
	return map[string]Predicate{
		"signed_in":     signedIn,
		"system_caller": systemCaller,

		"user_is_caller":          userIsCaller,
		"user_identity_unchanged": userIdentityUnchanged,

		"request_participant":      requestParticipant,
		"caller_is_sender":         callerIsSender,
		"request_is_pending":       requestIsPending,
		"friend_request_allowed":   friendRequestAllowed,
		"valid_request_transition": validRequestTransition,
		"friendship_endpoint":      friendshipEndpoint,

		"folder_viewer":            folderViewer,
		"folder_manager":           folderManager,
		"folder_created_by_caller": folderCreatedByCaller,
		"folder_starts_unlocked":   folderStartsUnlocked,
		"folder_next_valid":        folderNextValid,
		"folder_owner_unchanged":   folderOwnerUnchanged,
		"contributor_leaving":      contributorLeaving,

		"invite_participant":      inviteParticipant,
		"invite_sent_by_caller":   inviteSentByCaller,
		"invite_is_pending":       inviteIsPending,
		"invite_allowed":          inviteAllowed,
		"valid_invite_transition": validInviteTransition,

		"parent_folder_viewer":      parentFolder(permissions.Folder.CanView),
		"parent_folder_writer":      parentFolder(permissions.Folder.CanWrite),
		"parent_folder_contributor": parentFolder(permissions.Folder.CanContribute),
		"parent_folder_manager":     parentFolder(permissions.Folder.CanManage),
		"item_authored_by_caller":   itemAuthoredByCaller,
		"item_author":               itemAuthor,

		"message_participant":    messageParticipant,
		"message_sender":         messageSender,
		"message_delivered":      messageDelivered,
		"message_sent_by_caller": messageSentByCaller,
		"message_is_pending":     messageIsPending,
		"message_creation_valid": messageCreationValid(rules),
		"valid_message_cancel":   validMessageCancel,
		"valid_message_delivery": validMessageDelivery(rules),
	}
}

func prior[T any](r Request) (T, bool) {
	v, ok := r.Resource.(T)
	return v, ok
}

func proposed[T any](r Request) (T, bool) {
	v, ok := r.Next.(T)
	return v, ok
}

func check(ok bool) error {
	if ok {
		return nil
	}
	return errDenied
}

func signedIn(r Request) error {
	return check(r.Caller.UID != "" || r.Caller.System)
}

func systemCaller(r Request) error {
	return check(r.Caller.System)
}

func userIsCaller(r Request) error {
	if u, ok := proposed[models.User](r); ok {
		return check(u.ID == r.Caller.UID)
	}
	u, ok := prior[models.User](r)
	return check(ok && u.ID == r.Caller.UID)
}

func userIdentityUnchanged(r Request) error {
	prev, ok1 := prior[models.User](r)
	next, ok2 := proposed[models.User](r)
	return check(ok1 && ok2 && prev.ID == next.ID && prev.CreatedAt.Equal(next.CreatedAt))
}

func requestParticipant(r Request) error {
	req, ok := prior[models.FriendRequest](r)
	return check(ok && friends.Involves(req, r.Caller.UID))
}

func callerIsSender(r Request) error {
	req, ok := proposed[models.FriendRequest](r)
	return check(ok && req.SenderID == r.Caller.UID)
}

func requestIsPending(r Request) error {
	req, ok := proposed[models.FriendRequest](r)
	return check(ok && req.Status == models.FriendRequestPending)
}

func friendRequestAllowed(r Request) error {
	req, ok := proposed[models.FriendRequest](r)
	if !ok {
		return errDenied
	}
	return friends.ValidateNew(req.SenderID, req.ReceiverID, r.Facts.Relationship)
}

func validRequestTransition(r Request) error {
	prev, ok1 := prior[models.FriendRequest](r)
	next, ok2 := proposed[models.FriendRequest](r)
	return check(ok1 && ok2 && friends.IsValidTransition(prev, next, r.Caller.UID))
}

func friendshipEndpoint(r Request) error {
	f, ok := prior[models.Friendship](r)
	return check(ok && friends.CanRemove(f, r.Caller.UID))
}

func folderSnapshot(m models.Folder, ok bool) (permissions.Folder, bool) {
	if !ok {
		return permissions.Folder{}, false
	}
	f, err := permissions.FromModel(m)
	return f, err == nil
}

func folderViewer(r Request) error {
	f, ok := folderSnapshot(prior[models.Folder](r))
	return check(ok && f.CanView(r.Caller.UID))
}

func folderManager(r Request) error {
	f, ok := folderSnapshot(prior[models.Folder](r))
	return check(ok && f.CanManage(r.Caller.UID))
}

func folderCreatedByCaller(r Request) error {
	m, ok := proposed[models.Folder](r)
	return check(ok && m.OwnerID == r.Caller.UID)
}

func folderStartsUnlocked(r Request) error {
	m, ok := proposed[models.Folder](r)
	return check(ok && !m.IsLocked)
}

func folderNextValid(r Request) error {
	m, ok := proposed[models.Folder](r)
	if !ok {
		return errDenied
	}
	if _, err := permissions.FromModel(m); err != nil {
		return apperr.Validationf("These folder settings are not allowed: %v.", err)
	}
	return nil
}

func folderOwnerUnchanged(r Request) error {
	prev, ok1 := prior[models.Folder](r)
	next, ok2 := proposed[models.Folder](r)
	return check(ok1 && ok2 && prev.ID == next.ID && prev.OwnerID == next.OwnerID)
}

func contributorLeaving(r Request) error {
	prevModel, ok1 := prior[models.Folder](r)
	nextModel, ok2 := proposed[models.Folder](r)
	if !ok1 || !ok2 || prevModel.ID != nextModel.ID || prevModel.Name != nextModel.Name {
		return errDenied
	}
	prev, ok1 := folderSnapshot(prevModel, true)
	next, ok2 := folderSnapshot(nextModel, true)
	return check(ok1 && ok2 && permissions.IsLeaving(prev, next, r.Caller.UID))
}

func parentFolder(allowed func(permissions.Folder, string) bool) Predicate {
	return func(r Request) error {
		if r.Facts.Folder == nil {
			return errDenied
		}
		f, ok := folderSnapshot(*r.Facts.Folder, true)
		return check(ok && allowed(f, r.Caller.UID))
	}
}

func inviteParticipant(r Request) error {
	inv, ok := prior[models.FolderInvite](r)
	return check(ok && permissions.IsInviteParticipant(inv, r.Caller.UID))
}

func inviteSentByCaller(r Request) error {
	inv, ok := proposed[models.FolderInvite](r)
	return check(ok && inv.InviterID == r.Caller.UID)
}

func inviteIsPending(r Request) error {
	inv, ok := proposed[models.FolderInvite](r)
	return check(ok && inv.Status == models.FolderInvitePending)
}

func inviteAllowed(r Request) error {
	inv, ok := proposed[models.FolderInvite](r)
	if !ok || r.Facts.Folder == nil || r.Facts.Folder.ID != inv.FolderID {
		return errDenied
	}
	f, ok := folderSnapshot(*r.Facts.Folder, true)
	if !ok {
		return errDenied
	}
	err := permissions.ValidateInvite(f, inv.InviterID, inv.InviteeID, r.Facts.PendingInvite)
	if apperr.Is(err, apperr.KindPermission) {
		return errDenied
	}
	return err
}

func validInviteTransition(r Request) error {
	prev, ok1 := prior[models.FolderInvite](r)
	next, ok2 := proposed[models.FolderInvite](r)
	if !ok1 || !ok2 || r.Facts.Folder == nil {
		return errDenied
	}
	f, ok := folderSnapshot(*r.Facts.Folder, true)
	return check(ok && permissions.IsValidInviteTransition(prev, next, f, r.Caller.UID))
}

func itemAuthoredByCaller(r Request) error {
	item, ok := proposed[models.FolderItem](r)
	return check(ok && item.AuthorID == r.Caller.UID && r.Facts.Folder != nil && item.FolderID == r.Facts.Folder.ID)
}

func itemAuthor(r Request) error {
	item, ok := prior[models.FolderItem](r)
	return check(ok && item.AuthorID == r.Caller.UID)
}

func messageParticipant(r Request) error {
	msg, ok := prior[models.ScheduledMessage](r)
	return check(ok && scheduled.CanRead(msg, r.Caller.UID))
}

func messageSender(r Request) error {
	msg, ok := prior[models.ScheduledMessage](r)
	return check(ok && msg.SenderID == r.Caller.UID)
}

func messageDelivered(r Request) error {
	msg, ok := prior[models.ScheduledMessage](r)
	return check(ok && msg.Status == models.ScheduledDelivered)
}

func messageSentByCaller(r Request) error {
	msg, ok := proposed[models.ScheduledMessage](r)
	return check(ok && msg.SenderID == r.Caller.UID)
}

func messageIsPending(r Request) error {
	msg, ok := proposed[models.ScheduledMessage](r)
	return check(ok && msg.Status == models.ScheduledPending && msg.DeliveredAt == nil)
}

func messageCreationValid(rules scheduled.Rules) Predicate {
	return func(r Request) error {
		msg, ok := proposed[models.ScheduledMessage](r)
		if !ok {
			return errDenied
		}
		return rules.ValidateCreation(msg.SenderID, msg.RecipientID, msg.TextContent, msg.ScheduledFor, r.Now)
	}
}

func validMessageCancel(r Request) error {
	prev, ok1 := prior[models.ScheduledMessage](r)
	next, ok2 := proposed[models.ScheduledMessage](r)
	if !ok1 || !ok2 || next.Status != models.ScheduledCancelled || !scheduled.SameContent(prev, next) {
		return errDenied
	}
	if _, err := scheduled.Cancel(prev, r.Caller.UID); err != nil {
		if apperr.Is(err, apperr.KindValidation) {
			return err
		}
		return errDenied
	}
	return nil
}

func validMessageDelivery(rules scheduled.Rules) Predicate {
	return func(r Request) error {
		prev, ok1 := prior[models.ScheduledMessage](r)
		next, ok2 := proposed[models.ScheduledMessage](r)
		if !ok1 || !ok2 || next.Status != models.ScheduledDelivered || !scheduled.SameContent(prev, next) {
			return errDenied
		}
		if _, err := rules.Deliver(prev, r.Facts.LastDelivered, r.Now); err != nil {
			return err
		}
		return nil
	}
}
