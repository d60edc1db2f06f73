// Package permissions models the access rules of a shared folder as an
// immutable snapshot. The same predicates run in the request path as a fast
// pre-check and inside the authoritative rule layer.
package permissions

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/models"
)

// MaxContributors is the hard cap on contributors per folder.
const MaxContributors = 20

var (
	ErrEmptyOwner           = errors.New("folder owner is required")
	ErrOwnerIsContributor   = errors.New("folder owner cannot be a contributor")
	ErrDuplicateContributor = errors.New("contributor listed more than once")
	ErrTooManyContributors  = fmt.Errorf("folders are limited to %d contributors", MaxContributors)
	ErrEmptyContributor     = errors.New("contributor id is required")
)

// Folder is an immutable view of a folder's sharing state. Mutators return a
// new snapshot and never modify the receiver.
type Folder struct {
	ownerID      string
	contributors []string
	locked       bool
	lockedAt     *time.Time
	public       bool
}

// NewFolder builds a snapshot and validates it. Invalid input is rejected,
// never silently corrected.
func NewFolder(ownerID string, contributors []string, locked bool, lockedAt *time.Time, public bool) (Folder, error) {
	f := Folder{
		ownerID:      ownerID,
		contributors: slices.Clone(contributors),
		locked:       locked,
		lockedAt:     cloneTime(lockedAt),
		public:       public,
	}
	if err := f.Validate(); err != nil {
		return Folder{}, err
	}
	return f, nil
}

// FromModel builds a snapshot from the persisted folder.
func FromModel(m models.Folder) (Folder, error) {
	return NewFolder(m.OwnerID, m.ContributorIDs, m.IsLocked, m.LockedAt, m.IsPublic)
}

// ApplyTo copies the sharing state onto m and returns it.
func (f Folder) ApplyTo(m models.Folder) models.Folder {
	m.OwnerID = f.ownerID
	m.ContributorIDs = f.Contributors()
	m.IsLocked = f.locked
	m.LockedAt = cloneTime(f.lockedAt)
	m.IsPublic = f.public
	return m
}

func (f Folder) OwnerID() string { return f.ownerID }

// Contributors returns a copy of the contributor list in insertion order.
func (f Folder) Contributors() []string {
	if len(f.contributors) == 0 {
		return []string{}
	}
	return slices.Clone(f.contributors)
}

func (f Folder) IsLocked() bool { return f.locked }

func (f Folder) LockedAt() *time.Time { return cloneTime(f.lockedAt) }

func (f Folder) IsPublic() bool { return f.public }

// IsOwner reports whether uid owns the folder.
func (f Folder) IsOwner(uid string) bool {
	return uid != "" && uid == f.ownerID
}

// HasContributor reports whether uid is in the contributor set.
func (f Folder) HasContributor(uid string) bool {
	return uid != "" && slices.Contains(f.contributors, uid)
}

// CanView: owner, contributor, or anyone when the folder is public.
func (f Folder) CanView(uid string) bool {
	return f.public || f.IsOwner(uid) || f.HasContributor(uid)
}

// CanContribute: owner or contributor, and only while unlocked.
func (f Folder) CanContribute(uid string) bool {
	return (f.IsOwner(uid) || f.HasContributor(uid)) && !f.locked
}

// CanManage is owner-only and ignores the lock.
func (f Folder) CanManage(uid string) bool {
	return f.IsOwner(uid)
}

// CanWrite governs writes to folder contents: the owner always, contributors
// while unlocked.
func (f Folder) CanWrite(uid string) bool {
	return f.CanManage(uid) || f.CanContribute(uid)
}

// AddContributor returns a snapshot with uid added. Adding the owner or an
// existing contributor returns an unchanged snapshot.
func (f Folder) AddContributor(uid string) (Folder, error) {
	if uid == "" {
		return f, apperr.Validation("Choose someone to add to the folder.")
	}
	if f.IsOwner(uid) || f.HasContributor(uid) {
		return f, nil
	}
	if len(f.contributors) >= MaxContributors {
		return f, apperr.Validationf("A folder can have at most %d contributors.", MaxContributors)
	}
	next := f.clone()
	next.contributors = append(next.contributors, uid)
	return next, nil
}

// RemoveContributor returns a snapshot without uid. Absent ids are a no-op.
func (f Folder) RemoveContributor(uid string) Folder {
	idx := slices.Index(f.contributors, uid)
	if idx < 0 {
		return f
	}
	next := f.clone()
	next.contributors = slices.Delete(next.contributors, idx, idx+1)
	return next
}

// Lock freezes contributions. Locking an already locked folder keeps the
// original lock time.
func (f Folder) Lock(now time.Time) Folder {
	if f.locked {
		return f
	}
	next := f.clone()
	next.locked = true
	t := now.UTC()
	next.lockedAt = &t
	return next
}

func (f Folder) Unlock() Folder {
	next := f.clone()
	next.locked = false
	next.lockedAt = nil
	return next
}

func (f Folder) MakePublic() Folder {
	next := f.clone()
	next.public = true
	return next
}

func (f Folder) MakePrivate() Folder {
	next := f.clone()
	next.public = false
	return next
}

// IsValid reports whether Validate passes.
func (f Folder) IsValid() bool {
	return f.Validate() == nil
}

// Validate checks the structural invariants of the snapshot.
func (f Folder) Validate() error {
	if f.ownerID == "" {
		return ErrEmptyOwner
	}
	if len(f.contributors) > MaxContributors {
		return ErrTooManyContributors
	}
	seen := make(map[string]struct{}, len(f.contributors))
	for _, c := range f.contributors {
		if c == "" {
			return ErrEmptyContributor
		}
		if c == f.ownerID {
			return ErrOwnerIsContributor
		}
		if _, dup := seen[c]; dup {
			return ErrDuplicateContributor
		}
		seen[c] = struct{}{}
	}
	return nil
}

// Equal reports whether two snapshots carry the same sharing state.
func (f Folder) Equal(other Folder) bool {
	return f.ownerID == other.ownerID &&
		slices.Equal(f.contributors, other.contributors) &&
		f.locked == other.locked &&
		f.public == other.public
}

func (f Folder) clone() Folder {
	return Folder{
		ownerID:      f.ownerID,
		contributors: slices.Clone(f.contributors),
		locked:       f.locked,
		lockedAt:     cloneTime(f.lockedAt),
		public:       f.public,
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
