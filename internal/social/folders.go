package social

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"

	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/docstore"
	"github.com/keepsake/backend/internal/logging"
	"github.com/keepsake/backend/internal/models"
	"github.com/keepsake/backend/internal/permissions"
	"github.com/keepsake/backend/internal/ratelimit"
	"github.com/keepsake/backend/internal/retry"
	"github.com/keepsake/backend/internal/storage"
	"github.com/keepsake/backend/internal/validation"
)

// Attachment is an optional blob stored alongside a folder item.
type Attachment struct {
	Data        []byte
	ContentType string
}

// modifyPolicies returns the quotas a change to a folder consumes. Public
// folders, or folders becoming public, are also charged the public quota.
func (s *Service) modifyPolicies(public bool) []ratelimit.Policy {
	if public {
		return []ratelimit.Policy{s.policies.FolderModify, s.policies.PublicFolderModify}
	}
	return []ratelimit.Policy{s.policies.FolderModify}
}

// CreateFolder creates a folder owned by uid.
func (s *Service) CreateFolder(ctx context.Context, uid string, in validation.FolderInput) (models.Folder, error) {
	c, err := caller(uid)
	if err != nil {
		return models.Folder{}, err
	}
	if err := s.gate.Struct(in); err != nil {
		return models.Folder{}, err
	}
	name := validation.FolderName(in.Name)
	if !name.OK() {
		return models.Folder{}, name.Err()
	}
	snap, err := permissions.NewFolder(uid, nil, false, nil, in.IsPublic)
	if err != nil {
		return models.Folder{}, err
	}
	ps := s.modifyPolicies(in.IsPublic)
	if err := s.admit(uid, ps...); err != nil {
		return models.Folder{}, err
	}

	now := s.now()
	folder := snap.ApplyTo(models.Folder{ID: uuid.NewString(), Name: name.Value, CreatedAt: now, UpdatedAt: now})
	err = run(ctx, s, "folders.create", func(ctx context.Context) error {
		return s.store.CreateFolder(ctx, c, folder)
	}, retry.WithShouldRetry(noDuplicateRetry))
	if err != nil {
		return models.Folder{}, err
	}
	s.record(uid, ps...)
	return folder, nil
}

// GetFolder returns a folder uid may view.
func (s *Service) GetFolder(ctx context.Context, uid, folderID string) (models.Folder, error) {
	c, err := caller(uid)
	if err != nil {
		return models.Folder{}, err
	}
	id := validation.UserID(folderID)
	if !id.OK() {
		return models.Folder{}, id.Err()
	}
	return call(ctx, s, "folders.read", func(ctx context.Context) (models.Folder, error) {
		return s.store.GetFolder(ctx, c, id.Value)
	})
}

// ListFolders returns the folders uid owns or contributes to.
func (s *Service) ListFolders(ctx context.Context, uid string) ([]models.Folder, error) {
	c, err := caller(uid)
	if err != nil {
		return nil, err
	}
	return call(ctx, s, "folders.list", func(ctx context.Context) ([]models.Folder, error) {
		return s.store.ListFolders(ctx, c)
	})
}

// loadSnapshot fetches a folder and builds its permission snapshot for the
// client-side checks that run before a change is attempted.
func (s *Service) loadSnapshot(ctx context.Context, uid, folderID string) (models.Folder, permissions.Folder, error) {
	folder, err := s.GetFolder(ctx, uid, folderID)
	if err != nil {
		return models.Folder{}, permissions.Folder{}, err
	}
	snap, err := permissions.FromModel(folder)
	if err != nil {
		return models.Folder{}, permissions.Folder{}, apperr.Internal(err)
	}
	return folder, snap, nil
}

// updateFolder applies mutate after checking that uid may manage the folder.
// becomesPublic reports whether the change makes the folder public.
func (s *Service) updateFolder(ctx context.Context, uid, folderID, name string, becomesPublic bool, mutate docstore.FolderMutation) (models.Folder, error) {
	c, err := caller(uid)
	if err != nil {
		return models.Folder{}, err
	}
	folder, snap, err := s.loadSnapshot(ctx, uid, folderID)
	if err != nil {
		return models.Folder{}, err
	}
	if !snap.CanManage(uid) {
		return models.Folder{}, apperr.Permission("change this folder")
	}
	ps := s.modifyPolicies(folder.IsPublic || becomesPublic)
	if err := s.admit(uid, ps...); err != nil {
		return models.Folder{}, err
	}
	updated, err := call(ctx, s, name, func(ctx context.Context) (models.Folder, error) {
		return s.store.UpdateFolder(ctx, c, folder.ID, mutate)
	})
	if err != nil {
		return models.Folder{}, err
	}
	s.record(uid, ps...)
	return updated, nil
}

// LockFolder stops contributors from adding or removing items.
func (s *Service) LockFolder(ctx context.Context, uid, folderID string) (models.Folder, error) {
	now := s.now()
	return s.updateFolder(ctx, uid, folderID, "folders.lock", false, func(f permissions.Folder) (permissions.Folder, error) {
		return f.Lock(now), nil
	})
}

// UnlockFolder reopens a locked folder to contributions.
func (s *Service) UnlockFolder(ctx context.Context, uid, folderID string) (models.Folder, error) {
	return s.updateFolder(ctx, uid, folderID, "folders.unlock", false, func(f permissions.Folder) (permissions.Folder, error) {
		return f.Unlock(), nil
	})
}

// SetVisibility makes a folder public or private.
func (s *Service) SetVisibility(ctx context.Context, uid, folderID string, in validation.VisibilityInput) (models.Folder, error) {
	if _, err := caller(uid); err != nil {
		return models.Folder{}, err
	}
	if err := s.gate.Struct(in); err != nil {
		return models.Folder{}, err
	}
	public := *in.IsPublic
	return s.updateFolder(ctx, uid, folderID, "folders.visibility", public, func(f permissions.Folder) (permissions.Folder, error) {
		if public {
			return f.MakePublic(), nil
		}
		return f.MakePrivate(), nil
	})
}

// RemoveContributor removes contributorID from a folder. Contributors may
// remove themselves; removing anyone else requires managing the folder.
func (s *Service) RemoveContributor(ctx context.Context, uid, folderID, contributorID string) (models.Folder, error) {
	c, err := caller(uid)
	if err != nil {
		return models.Folder{}, err
	}
	target := validation.UserID(contributorID)
	if !target.OK() {
		return models.Folder{}, target.Err()
	}
	mutate := func(f permissions.Folder) (permissions.Folder, error) {
		return f.RemoveContributor(target.Value), nil
	}
	if target.Value != uid {
		return s.updateFolder(ctx, uid, folderID, "folders.remove_contributor", false, mutate)
	}

	id := validation.UserID(folderID)
	if !id.OK() {
		return models.Folder{}, id.Err()
	}
	return call(ctx, s, "folders.leave", func(ctx context.Context) (models.Folder, error) {
		return s.store.UpdateFolder(ctx, c, id.Value, mutate)
	})
}

// DeleteFolder removes a folder and its items.
func (s *Service) DeleteFolder(ctx context.Context, uid, folderID string) error {
	c, err := caller(uid)
	if err != nil {
		return err
	}
	folder, snap, err := s.loadSnapshot(ctx, uid, folderID)
	if err != nil {
		return err
	}
	if !snap.CanManage(uid) {
		return apperr.Permission("delete this folder")
	}
	items, err := s.ListItems(ctx, uid, folder.ID)
	if err != nil {
		return err
	}
	ps := s.modifyPolicies(folder.IsPublic)
	if err := s.admit(uid, ps...); err != nil {
		return err
	}
	if err := run(ctx, s, "folders.delete", func(ctx context.Context) error {
		return s.store.DeleteFolder(ctx, c, folder.ID)
	}); err != nil {
		return err
	}
	s.record(uid, ps...)
	for _, item := range items {
		s.dropBlob(ctx, item.ObjectKey)
	}
	return nil
}

// InviteToFolder sends one invite per invitee. Invites already sent stay in
// place when a later one fails.
func (s *Service) InviteToFolder(ctx context.Context, uid, folderID string, in validation.InviteInput) ([]models.FolderInvite, error) {
	c, err := caller(uid)
	if err != nil {
		return nil, err
	}
	if err := s.gate.Struct(in); err != nil {
		return nil, err
	}
	invitees := validation.Contributors(uid, in.InviteeIDs)
	if !invitees.OK() {
		return nil, invitees.Err()
	}
	if len(invitees.Value) == 0 {
		return nil, apperr.Validation("Choose someone to invite.")
	}
	folder, snap, err := s.loadSnapshot(ctx, uid, folderID)
	if err != nil {
		return nil, err
	}

	p := s.policies.FolderInviteSend
	sent := make([]models.FolderInvite, 0, len(invitees.Value))
	for _, invitee := range invitees.Value {
		if err := permissions.ValidateInvite(snap, uid, invitee, false); err != nil {
			return sent, err
		}
		if err := s.admit(uid, p); err != nil {
			return sent, err
		}
		inv := permissions.NewInvite(folder.ID, uid, invitee, s.now())
		err := run(ctx, s, "folder_invites.create", func(ctx context.Context) error {
			return s.store.CreateFolderInvite(ctx, c, inv)
		}, retry.WithShouldRetry(noDuplicateRetry))
		if err != nil {
			return sent, err
		}
		s.record(uid, p)
		sent = append(sent, inv)
	}
	return sent, nil
}

// RespondFolderInvite accepts, declines or revokes a pending invite.
func (s *Service) RespondFolderInvite(ctx context.Context, uid, inviteID, action string) (permissions.InviteOutcome, error) {
	c, err := caller(uid)
	if err != nil {
		return permissions.InviteOutcome{}, err
	}
	a, err := permissions.ParseInviteAction(action)
	if err != nil {
		return permissions.InviteOutcome{}, err
	}
	id := validation.UserID(inviteID)
	if !id.OK() {
		return permissions.InviteOutcome{}, id.Err()
	}
	return call(ctx, s, "folder_invites.respond", func(ctx context.Context) (permissions.InviteOutcome, error) {
		return s.store.RespondFolderInvite(ctx, c, id.Value, a)
	})
}

// ListFolderInvites returns the invites uid sent, received or manages.
func (s *Service) ListFolderInvites(ctx context.Context, uid string) ([]models.FolderInvite, error) {
	c, err := caller(uid)
	if err != nil {
		return nil, err
	}
	return call(ctx, s, "folder_invites.list", func(ctx context.Context) ([]models.FolderInvite, error) {
		return s.store.ListFolderInvites(ctx, c)
	})
}

// AddItem stores a contribution in a folder, uploading the attachment first
// when one is given.
func (s *Service) AddItem(ctx context.Context, uid, folderID string, in validation.ItemInput, att *Attachment) (models.FolderItem, error) {
	c, err := caller(uid)
	if err != nil {
		return models.FolderItem{}, err
	}
	if err := s.gate.Struct(in); err != nil {
		return models.FolderItem{}, err
	}
	title := validation.ItemTitle(in.Title)
	if !title.OK() {
		return models.FolderItem{}, title.Err()
	}
	body := validation.ItemBody(in.Body)
	if !body.OK() {
		return models.FolderItem{}, body.Err()
	}
	if att != nil && len(att.Data) > 0 {
		if s.blobs == nil {
			return models.FolderItem{}, apperr.Validation("Attachments are not enabled.")
		}
		if int64(len(att.Data)) > s.maxBlob {
			return models.FolderItem{}, apperr.Validationf("Attachments can be at most %d bytes.", s.maxBlob)
		}
	}

	folder, snap, err := s.loadSnapshot(ctx, uid, folderID)
	if err != nil {
		return models.FolderItem{}, err
	}
	if !snap.CanWrite(uid) {
		if snap.IsLocked() && snap.HasContributor(uid) {
			return models.FolderItem{}, apperr.Permission("add to a locked folder")
		}
		return models.FolderItem{}, apperr.Permission("add to this folder")
	}
	ps := s.modifyPolicies(folder.IsPublic)
	if err := s.admit(uid, ps...); err != nil {
		return models.FolderItem{}, err
	}

	item := models.FolderItem{
		ID:        uuid.NewString(),
		FolderID:  folder.ID,
		AuthorID:  uid,
		Title:     title.Value,
		Body:      body.Value,
		CreatedAt: s.now(),
	}
	if att != nil && len(att.Data) > 0 {
		item.ObjectKey = storage.ItemKey(folder.ID, item.ID)
		if err := s.blobs.Put(ctx, item.ObjectKey, att.ContentType, bytes.NewReader(att.Data)); err != nil {
			return models.FolderItem{}, apperr.Transient(codes.Unavailable, err)
		}
	}

	err = run(ctx, s, "folder_items.create", func(ctx context.Context) error {
		return s.store.CreateFolderItem(ctx, c, item)
	}, retry.WithShouldRetry(noDuplicateRetry))
	if err != nil {
		s.dropBlob(ctx, item.ObjectKey)
		return models.FolderItem{}, err
	}
	s.record(uid, ps...)
	return item, nil
}

// ListItems returns the items of a folder uid may view.
func (s *Service) ListItems(ctx context.Context, uid, folderID string) ([]models.FolderItem, error) {
	c, err := caller(uid)
	if err != nil {
		return nil, err
	}
	id := validation.UserID(folderID)
	if !id.OK() {
		return nil, id.Err()
	}
	return call(ctx, s, "folder_items.list", func(ctx context.Context) ([]models.FolderItem, error) {
		return s.store.ListFolderItems(ctx, c, id.Value)
	})
}

// DeleteItem removes an item and its attachment.
func (s *Service) DeleteItem(ctx context.Context, uid, itemID string) error {
	c, err := caller(uid)
	if err != nil {
		return err
	}
	id := validation.UserID(itemID)
	if !id.OK() {
		return id.Err()
	}
	item, err := call(ctx, s, "folder_items.delete", func(ctx context.Context) (models.FolderItem, error) {
		return s.store.DeleteFolderItem(ctx, c, id.Value)
	})
	if err != nil {
		return err
	}
	s.dropBlob(ctx, item.ObjectKey)
	return nil
}

func (s *Service) dropBlob(ctx context.Context, key string) {
	if key == "" || s.blobs == nil {
		return
	}
	if err := s.blobs.Delete(ctx, key); err != nil {
		logging.FromContext(ctx).Warn("failed to delete attachment", slog.String("key", key), slog.Any("error", err))
	}
}
