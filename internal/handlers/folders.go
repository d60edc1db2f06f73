package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/social"
	"github.com/keepsake/backend/internal/validation"
)

// FolderHandler serves shared folders, folder invites and folder items.
type FolderHandler struct {
	Folders            FolderService
	MaxAttachmentBytes int64
}

// Create handles POST /api/v1/folders.
func (h FolderHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req validation.FolderInput
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(ctx, w, err)
		return
	}
	folder, err := h.Folders.CreateFolder(ctx, currentUser(r), req)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusCreated, folder)
}

// Get handles GET /api/v1/folders/{folderID}.
func (h FolderHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	folder, err := h.Folders.GetFolder(ctx, currentUser(r), chi.URLParam(r, "folderID"))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, folder)
}

// List handles GET /api/v1/folders.
func (h FolderHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	folders, err := h.Folders.ListFolders(ctx, currentUser(r))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, map[string]any{"folders": folders})
}

// Lock handles POST /api/v1/folders/{folderID}/lock.
func (h FolderHandler) Lock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	folder, err := h.Folders.LockFolder(ctx, currentUser(r), chi.URLParam(r, "folderID"))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, folder)
}

// Unlock handles POST /api/v1/folders/{folderID}/unlock.
func (h FolderHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	folder, err := h.Folders.UnlockFolder(ctx, currentUser(r), chi.URLParam(r, "folderID"))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, folder)
}

// Visibility handles POST /api/v1/folders/{folderID}/visibility.
func (h FolderHandler) Visibility(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req validation.VisibilityInput
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(ctx, w, err)
		return
	}
	folder, err := h.Folders.SetVisibility(ctx, currentUser(r), chi.URLParam(r, "folderID"), req)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, folder)
}

// RemoveContributor handles DELETE /api/v1/folders/{folderID}/contributors/{userID}.
func (h FolderHandler) RemoveContributor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	folder, err := h.Folders.RemoveContributor(ctx, currentUser(r), chi.URLParam(r, "folderID"), chi.URLParam(r, "userID"))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, folder)
}

// Delete handles DELETE /api/v1/folders/{folderID}.
func (h FolderHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.Folders.DeleteFolder(ctx, currentUser(r), chi.URLParam(r, "folderID")); err != nil {
		respondError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Invite handles POST /api/v1/folders/{folderID}/invites.
func (h FolderHandler) Invite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req validation.InviteInput
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(ctx, w, err)
		return
	}
	invites, err := h.Folders.InviteToFolder(ctx, currentUser(r), chi.URLParam(r, "folderID"), req)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusCreated, map[string]any{"invites": invites})
}

// Invites handles GET /api/v1/folder-invites.
func (h FolderHandler) Invites(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	invites, err := h.Folders.ListFolderInvites(ctx, currentUser(r))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, map[string]any{"invites": invites})
}

// RespondInvite handles POST /api/v1/folder-invites/{inviteID}/{action}.
func (h FolderHandler) RespondInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	out, err := h.Folders.RespondFolderInvite(ctx, currentUser(r), chi.URLParam(r, "inviteID"), chi.URLParam(r, "action"))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, out.Invite)
}

// AddItem handles POST /api/v1/folders/{folderID}/items. JSON bodies carry
// text only; multipart bodies may attach a file in the "attachment" part.
func (h FolderHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		req validation.ItemInput
		att *social.Attachment
		err error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		req, att, err = h.readMultipartItem(w, r)
	} else {
		err = decodeJSON(w, r, &req)
	}
	if err != nil {
		respondError(ctx, w, err)
		return
	}

	item, err := h.Folders.AddItem(ctx, currentUser(r), chi.URLParam(r, "folderID"), req, att)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusCreated, item)
}

func (h FolderHandler) readMultipartItem(w http.ResponseWriter, r *http.Request) (validation.ItemInput, *social.Attachment, error) {
	limit := h.MaxAttachmentBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+maxJSONBody)
	if err := r.ParseMultipartForm(maxJSONBody); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return validation.ItemInput{}, nil, apperr.Validation("The attachment is too large.")
		}
		return validation.ItemInput{}, nil, apperr.Validation("The upload could not be read.")
	}

	in := validation.ItemInput{
		Title: r.FormValue("title"),
		Body:  r.FormValue("body"),
	}

	file, header, err := r.FormFile("attachment")
	if errors.Is(err, http.ErrMissingFile) {
		return in, nil, nil
	}
	if err != nil {
		return in, nil, apperr.Validation("The attachment could not be read.")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return in, nil, apperr.Validation("The attachment could not be read.")
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return in, &social.Attachment{Data: data, ContentType: contentType}, nil
}

// Items handles GET /api/v1/folders/{folderID}/items.
func (h FolderHandler) Items(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	items, err := h.Folders.ListItems(ctx, currentUser(r), chi.URLParam(r, "folderID"))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, map[string]any{"items": items})
}

// DeleteItem handles DELETE /api/v1/items/{itemID}.
func (h FolderHandler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.Folders.DeleteItem(ctx, currentUser(r), chi.URLParam(r, "itemID")); err != nil {
		respondError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
