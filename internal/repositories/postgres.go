package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	crdbpgxv5 "github.com/cockroachdb/cockroach-go/v2/crdb/crdbpgxv5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/db"
	"github.com/keepsake/backend/internal/docstore"
	"github.com/keepsake/backend/internal/friends"
	"github.com/keepsake/backend/internal/models"
	"github.com/keepsake/backend/internal/permissions"
	"github.com/keepsake/backend/internal/policy"
	"github.com/keepsake/backend/internal/scheduled"
)

// Postgres is the SQL-backed authoritative document store. Every mutation
// runs in one serializable transaction that locks the prior rows, evaluates
// the access rules and writes the next state.
type Postgres struct {
	pool     db.Pool
	enforcer *policy.Enforcer
	now      func() time.Time
}

// NewPostgres constructs a store backed by PostgreSQL or CockroachDB.
func NewPostgres(pool db.Pool, enforcer *policy.Enforcer) *Postgres {
	return &Postgres{
		pool:     pool,
		enforcer: enforcer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithNowFunc overrides the server clock.
func (s *Postgres) WithNowFunc(now func() time.Time) *Postgres {
	if now != nil {
		s.now = now
	}
	return s
}

// write runs fn in a serializable transaction. crdbpgxv5 re-runs fn on
// serialization failures, so fn must not leak partial results.
func (s *Postgres) write(ctx context.Context, fn func(pgx.Tx) error) error {
	return remoteError(crdbpgxv5.ExecuteTx(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn))
}

func (s *Postgres) read(ctx context.Context, fn func(pgx.Tx) error) error {
	return remoteError(crdbpgxv5.ExecuteTx(ctx, s.pool, pgx.TxOptions{AccessMode: pgx.ReadOnly}, fn))
}

func (s *Postgres) authorize(ctx context.Context, caller policy.Caller, c policy.Collection, op policy.Operation, prev, next any, facts policy.Facts) error {
	return s.enforcer.Authorize(ctx, policy.Request{
		Caller:     caller,
		Collection: c,
		Operation:  op,
		Now:        s.now(),
		Resource:   prev,
		Next:       next,
		Facts:      facts,
	})
}

// remoteError maps database failures onto the remote status codes.
func remoteError(err error) error {
	if err == nil {
		return nil
	}
	var classified *apperr.Error
	if errors.As(err, &classified) {
		return classified
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return status.Error(codes.AlreadyExists, "That already exists.")
		case "23503":
			return status.Error(codes.NotFound, "A referenced record does not exist.")
		case "23514":
			return status.Error(codes.InvalidArgument, "That change is not allowed.")
		case "40001", "40P01":
			return status.Error(codes.Aborted, pgErr.Message)
		case "55P03":
			return status.Error(codes.Unavailable, pgErr.Message)
		case "57014":
			return status.Error(codes.DeadlineExceeded, pgErr.Message)
		}
		return err
	}
	if pgconn.Timeout(err) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if pgconn.SafeToRetry(err) {
		return apperr.Network(err)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

const (
	userColumns       = `id, handle, display_name, email, password_hash, created_at, updated_at`
	requestColumns    = `id, sender_id, receiver_id, status, created_at, responded_at`
	friendshipColumns = `id, user_a, user_b, created_at`
	folderColumns     = `id, name, owner_id, contributor_ids, is_locked, locked_at, is_public, created_at, updated_at`
	inviteColumns     = `id, folder_id, inviter_id, invitee_id, status, created_at, responded_at`
	itemColumns       = `id, folder_id, author_id, title, body, object_key, created_at`
	messageColumns    = `id, sender_id, recipient_id, text_content, scheduled_for, created_at, status, delivered_at`
)

func utc(t *time.Time) {
	*t = t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func scanUser(row rowScanner) (models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Handle, &u.DisplayName, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return models.User{}, err
	}
	utc(&u.CreatedAt)
	utc(&u.UpdatedAt)
	return u, nil
}

func scanRequest(row rowScanner) (models.FriendRequest, error) {
	var r models.FriendRequest
	if err := row.Scan(&r.ID, &r.SenderID, &r.ReceiverID, &r.Status, &r.CreatedAt, &r.RespondedAt); err != nil {
		return models.FriendRequest{}, err
	}
	utc(&r.CreatedAt)
	r.RespondedAt = utcPtr(r.RespondedAt)
	return r, nil
}

func scanFriendship(row rowScanner) (models.Friendship, error) {
	var f models.Friendship
	if err := row.Scan(&f.ID, &f.UserA, &f.UserB, &f.CreatedAt); err != nil {
		return models.Friendship{}, err
	}
	utc(&f.CreatedAt)
	return f, nil
}

func folderDest(f *models.Folder) []any {
	return []any{&f.ID, &f.Name, &f.OwnerID, &f.ContributorIDs, &f.IsLocked, &f.LockedAt, &f.IsPublic, &f.CreatedAt, &f.UpdatedAt}
}

func normalizeFolder(f *models.Folder) {
	if f.ContributorIDs == nil {
		f.ContributorIDs = []string{}
	}
	f.LockedAt = utcPtr(f.LockedAt)
	utc(&f.CreatedAt)
	utc(&f.UpdatedAt)
}

func scanFolder(row rowScanner) (models.Folder, error) {
	var f models.Folder
	if err := row.Scan(folderDest(&f)...); err != nil {
		return models.Folder{}, err
	}
	normalizeFolder(&f)
	return f, nil
}

func inviteDest(inv *models.FolderInvite) []any {
	return []any{&inv.ID, &inv.FolderID, &inv.InviterID, &inv.InviteeID, &inv.Status, &inv.CreatedAt, &inv.RespondedAt}
}

func normalizeInvite(inv *models.FolderInvite) {
	utc(&inv.CreatedAt)
	inv.RespondedAt = utcPtr(inv.RespondedAt)
}

func scanInvite(row rowScanner) (models.FolderInvite, error) {
	var inv models.FolderInvite
	if err := row.Scan(inviteDest(&inv)...); err != nil {
		return models.FolderInvite{}, err
	}
	normalizeInvite(&inv)
	return inv, nil
}

func scanItem(row rowScanner) (models.FolderItem, error) {
	var it models.FolderItem
	if err := row.Scan(&it.ID, &it.FolderID, &it.AuthorID, &it.Title, &it.Body, &it.ObjectKey, &it.CreatedAt); err != nil {
		return models.FolderItem{}, err
	}
	utc(&it.CreatedAt)
	return it, nil
}

func scanMessage(row rowScanner) (models.ScheduledMessage, error) {
	var m models.ScheduledMessage
	if err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.TextContent, &m.ScheduledFor, &m.CreatedAt, &m.Status, &m.DeliveredAt); err != nil {
		return models.ScheduledMessage{}, err
	}
	utc(&m.ScheduledFor)
	utc(&m.CreatedAt)
	m.DeliveredAt = utcPtr(m.DeliveredAt)
	return m, nil
}

// notFound converts pgx.ErrNoRows into a classified not-found error.
func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(what)
	}
	return err
}

func (s *Postgres) CreateUser(ctx context.Context, caller policy.Caller, user models.User) error {
	return s.write(ctx, func(tx pgx.Tx) error {
		if err := s.authorize(ctx, caller, policy.Users, policy.Create, nil, user, policy.Facts{}); err != nil {
			return err
		}

		var emailTaken, handleTaken bool
		if err := tx.QueryRow(ctx, `
            SELECT
                EXISTS (SELECT 1 FROM users WHERE lower(email) = lower($1)),
                EXISTS (SELECT 1 FROM users WHERE handle = $2)
        `, user.Email, user.Handle).Scan(&emailTaken, &handleTaken); err != nil {
			return fmt.Errorf("check user uniqueness: %w", err)
		}
		switch {
		case emailTaken:
			return apperr.Conflict("That email address is already registered.")
		case handleTaken:
			return apperr.Conflict("That handle is taken.")
		}

		if _, err := tx.Exec(ctx, `
            INSERT INTO users (`+userColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6, $7)
        `, user.ID, user.Handle, user.DisplayName, user.Email, user.PasswordHash, user.CreatedAt, user.UpdatedAt); err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		return nil
	})
}

func (s *Postgres) GetUser(ctx context.Context, caller policy.Caller, id string) (models.User, error) {
	var user models.User
	err := s.read(ctx, func(tx pgx.Tx) error {
		u, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
		if err != nil {
			return notFound(err, "user")
		}
		if err := s.authorize(ctx, caller, policy.Users, policy.Read, u, nil, policy.Facts{}); err != nil {
			return err
		}
		user = u
		return nil
	})
	return user, err
}

func (s *Postgres) UserByEmail(ctx context.Context, email string) (models.User, error) {
	var user models.User
	err := s.read(ctx, func(tx pgx.Tx) error {
		u, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
		if err != nil {
			return notFound(err, "account")
		}
		if err := s.authorize(ctx, policy.SystemCaller, policy.Users, policy.Read, u, nil, policy.Facts{}); err != nil {
			return err
		}
		user = u
		return nil
	})
	return user, err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *Postgres) SearchUsers(ctx context.Context, caller policy.Caller, prefix string, limit int) ([]models.User, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []models.User
	err := s.read(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
            SELECT `+userColumns+`
            FROM users
            WHERE handle LIKE $1
            ORDER BY handle
            LIMIT $2
        `, likeEscaper.Replace(prefix)+"%", limit)
		if err != nil {
			return fmt.Errorf("search users: %w", err)
		}
		users, err := collect(rows, scanUser)
		if err != nil {
			return fmt.Errorf("scan users: %w", err)
		}

		visible := make([]models.User, 0, len(users))
		for _, u := range users {
			if err := s.authorize(ctx, caller, policy.Users, policy.List, u, nil, policy.Facts{}); err != nil {
				if apperr.Is(err, apperr.KindUnauthenticated) {
					return err
				}
				continue
			}
			visible = append(visible, u)
		}
		out = visible
		return nil
	})
	return out, err
}

func (s *Postgres) CreateFriendRequest(ctx context.Context, caller policy.Caller, req models.FriendRequest) error {
	return s.write(ctx, func(tx pgx.Tx) error {
		var rel friends.Relationship
		if err := tx.QueryRow(ctx, `
            SELECT
                EXISTS (SELECT 1 FROM friendships WHERE id = $1),
                EXISTS (
                    SELECT 1 FROM friend_requests
                    WHERE status = 'pending'
                      AND ((sender_id = $2 AND receiver_id = $3) OR (sender_id = $3 AND receiver_id = $2))
                )
        `, friends.FriendshipID(req.SenderID, req.ReceiverID), req.SenderID, req.ReceiverID).Scan(&rel.Friends, &rel.PendingEitherWay); err != nil {
			return fmt.Errorf("load relationship: %w", err)
		}

		if err := s.authorize(ctx, caller, policy.FriendRequests, policy.Create, nil, req, policy.Facts{Relationship: rel}); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
            INSERT INTO friend_requests (`+requestColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6)
        `, req.ID, req.SenderID, req.ReceiverID, req.Status, req.CreatedAt, req.RespondedAt); err != nil {
			return fmt.Errorf("insert friend request: %w", err)
		}
		return nil
	})
}

func (s *Postgres) RespondFriendRequest(ctx context.Context, caller policy.Caller, requestID string, action friends.Action) (friends.Outcome, error) {
	if caller.UID == "" {
		return friends.Outcome{}, apperr.Unauthenticated()
	}
	var out friends.Outcome
	err := s.write(ctx, func(tx pgx.Tx) error {
		prev, err := scanRequest(tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM friend_requests WHERE id = $1 FOR UPDATE`, requestID))
		if err != nil {
			return notFound(err, "friend request")
		}
		outcome, err := friends.Respond(prev, caller.UID, action, s.now())
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, caller, policy.FriendRequests, policy.Update, prev, outcome.Request, policy.Facts{}); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
            UPDATE friend_requests
            SET status = $2, responded_at = $3
            WHERE id = $1
        `, outcome.Request.ID, outcome.Request.Status, outcome.Request.RespondedAt); err != nil {
			return fmt.Errorf("update friend request: %w", err)
		}

		if outcome.Friendship != nil {
			f := *outcome.Friendship
			if _, err := tx.Exec(ctx, `
                INSERT INTO friendships (`+friendshipColumns+`)
                VALUES ($1, $2, $3, $4)
                ON CONFLICT (id) DO NOTHING
            `, f.ID, f.UserA, f.UserB, f.CreatedAt); err != nil {
				return fmt.Errorf("insert friendship: %w", err)
			}
		}
		out = outcome
		return nil
	})
	return out, err
}

func (s *Postgres) ListFriendRequests(ctx context.Context, caller policy.Caller) ([]models.FriendRequest, error) {
	if caller.UID == "" {
		return nil, apperr.Unauthenticated()
	}
	var out []models.FriendRequest
	err := s.read(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
            SELECT `+requestColumns+`
            FROM friend_requests
            WHERE sender_id = $1 OR receiver_id = $1
            ORDER BY created_at DESC
        `, caller.UID)
		if err != nil {
			return fmt.Errorf("query friend requests: %w", err)
		}
		requests, err := collect(rows, scanRequest)
		if err != nil {
			return fmt.Errorf("scan friend requests: %w", err)
		}
		out = filter(requests, func(r models.FriendRequest) bool {
			return s.authorize(ctx, caller, policy.FriendRequests, policy.List, r, nil, policy.Facts{}) == nil
		})
		return nil
	})
	return out, err
}

func (s *Postgres) ListFriendships(ctx context.Context, caller policy.Caller) ([]models.Friendship, error) {
	if caller.UID == "" {
		return nil, apperr.Unauthenticated()
	}
	var out []models.Friendship
	err := s.read(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
            SELECT `+friendshipColumns+`
            FROM friendships
            WHERE user_a = $1 OR user_b = $1
            ORDER BY created_at DESC
        `, caller.UID)
		if err != nil {
			return fmt.Errorf("query friendships: %w", err)
		}
		list, err := collect(rows, scanFriendship)
		if err != nil {
			return fmt.Errorf("scan friendships: %w", err)
		}
		out = filter(list, func(f models.Friendship) bool {
			return s.authorize(ctx, caller, policy.Friendships, policy.List, f, nil, policy.Facts{}) == nil
		})
		return nil
	})
	return out, err
}

func (s *Postgres) DeleteFriendship(ctx context.Context, caller policy.Caller, otherUserID string) error {
	if caller.UID == "" {
		return apperr.Unauthenticated()
	}
	return s.write(ctx, func(tx pgx.Tx) error {
		f, err := scanFriendship(tx.QueryRow(ctx, `
            SELECT `+friendshipColumns+` FROM friendships WHERE id = $1 FOR UPDATE
        `, friends.FriendshipID(caller.UID, otherUserID)))
		if err != nil {
			return notFound(err, "friendship")
		}
		if err := s.authorize(ctx, caller, policy.Friendships, policy.Delete, f, nil, policy.Facts{}); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM friendships WHERE id = $1`, f.ID); err != nil {
			return fmt.Errorf("delete friendship: %w", err)
		}
		return nil
	})
}

func (s *Postgres) CreateFolder(ctx context.Context, caller policy.Caller, folder models.Folder) error {
	return s.write(ctx, func(tx pgx.Tx) error {
		if err := s.authorize(ctx, caller, policy.Folders, policy.Create, nil, folder, policy.Facts{}); err != nil {
			return err
		}
		contributors := folder.ContributorIDs
		if contributors == nil {
			contributors = []string{}
		}
		if _, err := tx.Exec(ctx, `
            INSERT INTO folders (`+folderColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        `, folder.ID, folder.Name, folder.OwnerID, contributors, folder.IsLocked, folder.LockedAt, folder.IsPublic, folder.CreatedAt, folder.UpdatedAt); err != nil {
			return fmt.Errorf("insert folder: %w", err)
		}
		return nil
	})
}

func lockFolder(ctx context.Context, tx pgx.Tx, id string) (models.Folder, error) {
	f, err := scanFolder(tx.QueryRow(ctx, `SELECT `+folderColumns+` FROM folders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return models.Folder{}, notFound(err, "folder")
	}
	return f, nil
}

func loadFolder(ctx context.Context, tx pgx.Tx, id string) (models.Folder, error) {
	f, err := scanFolder(tx.QueryRow(ctx, `SELECT `+folderColumns+` FROM folders WHERE id = $1`, id))
	if err != nil {
		return models.Folder{}, notFound(err, "folder")
	}
	return f, nil
}

func (s *Postgres) GetFolder(ctx context.Context, caller policy.Caller, id string) (models.Folder, error) {
	var out models.Folder
	err := s.read(ctx, func(tx pgx.Tx) error {
		f, err := loadFolder(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, caller, policy.Folders, policy.Read, f, nil, policy.Facts{}); err != nil {
			return err
		}
		out = f
		return nil
	})
	return out, err
}

func (s *Postgres) ListFolders(ctx context.Context, caller policy.Caller) ([]models.Folder, error) {
	if caller.UID == "" {
		return nil, apperr.Unauthenticated()
	}
	var out []models.Folder
	err := s.read(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
            SELECT `+folderColumns+`
            FROM folders
            WHERE owner_id = $1 OR $1 = ANY(contributor_ids)
            ORDER BY created_at DESC
        `, caller.UID)
		if err != nil {
			return fmt.Errorf("query folders: %w", err)
		}
		list, err := collect(rows, scanFolder)
		if err != nil {
			return fmt.Errorf("scan folders: %w", err)
		}
		out = filter(list, func(f models.Folder) bool {
			return s.authorize(ctx, caller, policy.Folders, policy.List, f, nil, policy.Facts{}) == nil
		})
		return nil
	})
	return out, err
}

func (s *Postgres) UpdateFolder(ctx context.Context, caller policy.Caller, id string, mutate docstore.FolderMutation) (models.Folder, error) {
	var out models.Folder
	err := s.write(ctx, func(tx pgx.Tx) error {
		prev, err := lockFolder(ctx, tx, id)
		if err != nil {
			return err
		}
		snap, err := permissions.FromModel(prev)
		if err != nil {
			return apperr.Internal(err)
		}
		nextSnap, err := mutate(snap)
		if err != nil {
			return err
		}
		next := nextSnap.ApplyTo(prev)
		next.UpdatedAt = s.now()
		if err := s.authorize(ctx, caller, policy.Folders, policy.Update, prev, next, policy.Facts{}); err != nil {
			return err
		}
		if err := saveFolderSharing(ctx, tx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func saveFolderSharing(ctx context.Context, tx pgx.Tx, f models.Folder) error {
	_, err := tx.Exec(ctx, `
        UPDATE folders
        SET contributor_ids = $2, is_locked = $3, locked_at = $4, is_public = $5, updated_at = $6
        WHERE id = $1
    `, f.ID, f.ContributorIDs, f.IsLocked, f.LockedAt, f.IsPublic, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update folder: %w", err)
	}
	return nil
}

func (s *Postgres) DeleteFolder(ctx context.Context, caller policy.Caller, id string) error {
	return s.write(ctx, func(tx pgx.Tx) error {
		f, err := lockFolder(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, caller, policy.Folders, policy.Delete, f, nil, policy.Facts{}); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM folders WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete folder: %w", err)
		}
		return nil
	})
}

func (s *Postgres) CreateFolderInvite(ctx context.Context, caller policy.Caller, inv models.FolderInvite) error {
	return s.write(ctx, func(tx pgx.Tx) error {
		folder, err := lockFolder(ctx, tx, inv.FolderID)
		if err != nil {
			return err
		}
		var pending bool
		if err := tx.QueryRow(ctx, `
            SELECT EXISTS (
                SELECT 1 FROM folder_invites
                WHERE folder_id = $1 AND invitee_id = $2 AND status = 'pending'
            )
        `, inv.FolderID, inv.InviteeID).Scan(&pending); err != nil {
			return fmt.Errorf("check pending invite: %w", err)
		}

		facts := policy.Facts{Folder: &folder, PendingInvite: pending}
		if err := s.authorize(ctx, caller, policy.FolderInvites, policy.Create, nil, inv, facts); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
            INSERT INTO folder_invites (`+inviteColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6, $7)
        `, inv.ID, inv.FolderID, inv.InviterID, inv.InviteeID, inv.Status, inv.CreatedAt, inv.RespondedAt); err != nil {
			return fmt.Errorf("insert folder invite: %w", err)
		}
		return nil
	})
}

func (s *Postgres) RespondFolderInvite(ctx context.Context, caller policy.Caller, inviteID string, action permissions.InviteAction) (permissions.InviteOutcome, error) {
	if caller.UID == "" {
		return permissions.InviteOutcome{}, apperr.Unauthenticated()
	}
	var out permissions.InviteOutcome
	err := s.write(ctx, func(tx pgx.Tx) error {
		prev, err := scanInvite(tx.QueryRow(ctx, `SELECT `+inviteColumns+` FROM folder_invites WHERE id = $1 FOR UPDATE`, inviteID))
		if err != nil {
			return notFound(err, "invite")
		}
		folder, err := lockFolder(ctx, tx, prev.FolderID)
		if err != nil {
			return err
		}
		snap, err := permissions.FromModel(folder)
		if err != nil {
			return apperr.Internal(err)
		}
		outcome, err := permissions.RespondInvite(prev, snap, caller.UID, action, s.now())
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, caller, policy.FolderInvites, policy.Update, prev, outcome.Invite, policy.Facts{Folder: &folder}); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
            UPDATE folder_invites
            SET status = $2, responded_at = $3
            WHERE id = $1
        `, outcome.Invite.ID, outcome.Invite.Status, outcome.Invite.RespondedAt); err != nil {
			return fmt.Errorf("update folder invite: %w", err)
		}
		if outcome.Folder != nil {
			joined := outcome.Folder.ApplyTo(folder)
			joined.UpdatedAt = s.now()
			if err := saveFolderSharing(ctx, tx, joined); err != nil {
				return err
			}
		}
		out = outcome
		return nil
	})
	return out, err
}

func (s *Postgres) ListFolderInvites(ctx context.Context, caller policy.Caller) ([]models.FolderInvite, error) {
	if caller.UID == "" {
		return nil, apperr.Unauthenticated()
	}
	var out []models.FolderInvite
	err := s.read(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
            SELECT i.id, i.folder_id, i.inviter_id, i.invitee_id, i.status, i.created_at, i.responded_at,
                   f.id, f.name, f.owner_id, f.contributor_ids, f.is_locked, f.locked_at, f.is_public, f.created_at, f.updated_at
            FROM folder_invites i
            JOIN folders f ON f.id = i.folder_id
            WHERE i.inviter_id = $1 OR i.invitee_id = $1
            ORDER BY i.created_at DESC
        `, caller.UID)
		if err != nil {
			return fmt.Errorf("query folder invites: %w", err)
		}
		defer rows.Close()

		list := []models.FolderInvite{}
		for rows.Next() {
			var (
				inv    models.FolderInvite
				folder models.Folder
			)
			if err := rows.Scan(append(inviteDest(&inv), folderDest(&folder)...)...); err != nil {
				return fmt.Errorf("scan folder invite: %w", err)
			}
			normalizeInvite(&inv)
			normalizeFolder(&folder)
			if s.authorize(ctx, caller, policy.FolderInvites, policy.List, inv, nil, policy.Facts{Folder: &folder}) != nil {
				continue
			}
			list = append(list, inv)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate folder invites: %w", err)
		}
		out = list
		return nil
	})
	return out, err
}

func (s *Postgres) CreateFolderItem(ctx context.Context, caller policy.Caller, item models.FolderItem) error {
	return s.write(ctx, func(tx pgx.Tx) error {
		folder, err := loadFolder(ctx, tx, item.FolderID)
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, caller, policy.FolderItems, policy.Create, nil, item, policy.Facts{Folder: &folder}); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
            INSERT INTO folder_items (`+itemColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6, $7)
        `, item.ID, item.FolderID, item.AuthorID, item.Title, item.Body, item.ObjectKey, item.CreatedAt); err != nil {
			return fmt.Errorf("insert folder item: %w", err)
		}
		return nil
	})
}

func (s *Postgres) ListFolderItems(ctx context.Context, caller policy.Caller, folderID string) ([]models.FolderItem, error) {
	var out []models.FolderItem
	err := s.read(ctx, func(tx pgx.Tx) error {
		folder, err := loadFolder(ctx, tx, folderID)
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, caller, policy.Folders, policy.Read, folder, nil, policy.Facts{}); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `
            SELECT `+itemColumns+`
            FROM folder_items
            WHERE folder_id = $1
            ORDER BY created_at
        `, folderID)
		if err != nil {
			return fmt.Errorf("query folder items: %w", err)
		}
		items, err := collect(rows, scanItem)
		if err != nil {
			return fmt.Errorf("scan folder items: %w", err)
		}
		out = filter(items, func(it models.FolderItem) bool {
			return s.authorize(ctx, caller, policy.FolderItems, policy.List, it, nil, policy.Facts{Folder: &folder}) == nil
		})
		return nil
	})
	return out, err
}

func (s *Postgres) DeleteFolderItem(ctx context.Context, caller policy.Caller, itemID string) (models.FolderItem, error) {
	var out models.FolderItem
	err := s.write(ctx, func(tx pgx.Tx) error {
		item, err := scanItem(tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM folder_items WHERE id = $1 FOR UPDATE`, itemID))
		if err != nil {
			return notFound(err, "item")
		}
		folder, err := loadFolder(ctx, tx, item.FolderID)
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, caller, policy.FolderItems, policy.Delete, item, nil, policy.Facts{Folder: &folder}); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM folder_items WHERE id = $1`, itemID); err != nil {
			return fmt.Errorf("delete folder item: %w", err)
		}
		out = item
		return nil
	})
	return out, err
}

func (s *Postgres) CreateScheduledMessage(ctx context.Context, caller policy.Caller, msg models.ScheduledMessage) error {
	return s.write(ctx, func(tx pgx.Tx) error {
		if err := s.authorize(ctx, caller, policy.ScheduledMessages, policy.Create, nil, msg, policy.Facts{}); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
            INSERT INTO scheduled_messages (`+messageColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        `, msg.ID, msg.SenderID, msg.RecipientID, msg.TextContent, msg.ScheduledFor, msg.CreatedAt, msg.Status, msg.DeliveredAt); err != nil {
			return fmt.Errorf("insert scheduled message: %w", err)
		}
		return nil
	})
}

func (s *Postgres) GetScheduledMessage(ctx context.Context, caller policy.Caller, id string) (models.ScheduledMessage, error) {
	var out models.ScheduledMessage
	err := s.read(ctx, func(tx pgx.Tx) error {
		msg, err := scanMessage(tx.QueryRow(ctx, `SELECT `+messageColumns+` FROM scheduled_messages WHERE id = $1`, id))
		if err != nil {
			return notFound(err, "message")
		}
		if err := s.authorize(ctx, caller, policy.ScheduledMessages, policy.Read, msg, nil, policy.Facts{}); err != nil {
			return err
		}
		out = msg
		return nil
	})
	return out, err
}

func (s *Postgres) ListScheduledMessages(ctx context.Context, caller policy.Caller) ([]models.ScheduledMessage, error) {
	if caller.UID == "" {
		return nil, apperr.Unauthenticated()
	}
	var out []models.ScheduledMessage
	err := s.read(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
            SELECT `+messageColumns+`
            FROM scheduled_messages
            WHERE sender_id = $1 OR (recipient_id = $1 AND status = 'delivered')
            ORDER BY scheduled_for
        `, caller.UID)
		if err != nil {
			return fmt.Errorf("query scheduled messages: %w", err)
		}
		list, err := collect(rows, scanMessage)
		if err != nil {
			return fmt.Errorf("scan scheduled messages: %w", err)
		}
		out = filter(list, func(m models.ScheduledMessage) bool {
			return s.authorize(ctx, caller, policy.ScheduledMessages, policy.List, m, nil, policy.Facts{}) == nil
		})
		return nil
	})
	return out, err
}

func (s *Postgres) CancelScheduledMessage(ctx context.Context, caller policy.Caller, id string) (models.ScheduledMessage, error) {
	if caller.UID == "" {
		return models.ScheduledMessage{}, apperr.Unauthenticated()
	}
	var out models.ScheduledMessage
	err := s.write(ctx, func(tx pgx.Tx) error {
		prev, err := scanMessage(tx.QueryRow(ctx, `SELECT `+messageColumns+` FROM scheduled_messages WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFound(err, "message")
		}
		next, err := scheduled.Cancel(prev, caller.UID)
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, caller, policy.ScheduledMessages, policy.Update, prev, next, policy.Facts{}); err != nil {
			return err
		}
		if err := saveMessageStatus(ctx, tx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func saveMessageStatus(ctx context.Context, tx pgx.Tx, m models.ScheduledMessage) error {
	if _, err := tx.Exec(ctx, `
        UPDATE scheduled_messages
        SET status = $2, delivered_at = $3
        WHERE id = $1
    `, m.ID, m.Status, m.DeliveredAt); err != nil {
		return fmt.Errorf("update scheduled message: %w", err)
	}
	return nil
}

func (s *Postgres) DueScheduledMessages(ctx context.Context, now time.Time, limit int) ([]models.ScheduledMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.ScheduledMessage
	err := s.read(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
            SELECT `+messageColumns+`
            FROM scheduled_messages
            WHERE status = 'pending' AND scheduled_for <= $1
            ORDER BY scheduled_for
            LIMIT $2
        `, now, limit)
		if err != nil {
			return fmt.Errorf("query due messages: %w", err)
		}
		list, err := collect(rows, scanMessage)
		if err != nil {
			return fmt.Errorf("scan due messages: %w", err)
		}
		for _, m := range list {
			if err := s.authorize(ctx, policy.SystemCaller, policy.ScheduledMessages, policy.List, m, nil, policy.Facts{}); err != nil {
				return err
			}
		}
		out = list
		return nil
	})
	return out, err
}

func lastDelivered(ctx context.Context, tx pgx.Tx, senderID, recipientID string) (*time.Time, error) {
	var last *time.Time
	if err := tx.QueryRow(ctx, `
        SELECT max(delivered_at)
        FROM scheduled_messages
        WHERE sender_id = $1 AND recipient_id = $2 AND status = 'delivered'
    `, senderID, recipientID).Scan(&last); err != nil {
		return nil, fmt.Errorf("query last delivery: %w", err)
	}
	return utcPtr(last), nil
}

func (s *Postgres) LastDeliveredAt(ctx context.Context, senderID, recipientID string) (*time.Time, error) {
	var out *time.Time
	err := s.read(ctx, func(tx pgx.Tx) error {
		last, err := lastDelivered(ctx, tx, senderID, recipientID)
		if err != nil {
			return err
		}
		out = last
		return nil
	})
	return out, err
}

func (s *Postgres) MarkDelivered(ctx context.Context, messageID string, now time.Time) (models.ScheduledMessage, error) {
	var out models.ScheduledMessage
	err := s.write(ctx, func(tx pgx.Tx) error {
		prev, err := scanMessage(tx.QueryRow(ctx, `SELECT `+messageColumns+` FROM scheduled_messages WHERE id = $1 FOR UPDATE`, messageID))
		if err != nil {
			return notFound(err, "message")
		}
		last, err := lastDelivered(ctx, tx, prev.SenderID, prev.RecipientID)
		if err != nil {
			return err
		}
		next := docstore.Delivered(prev, now)
		if err := s.enforcer.Authorize(ctx, policy.Request{
			Caller:     policy.SystemCaller,
			Collection: policy.ScheduledMessages,
			Operation:  policy.Update,
			Now:        now,
			Resource:   prev,
			Next:       next,
			Facts:      policy.Facts{LastDelivered: last},
		}); err != nil {
			return err
		}
		if err := saveMessageStatus(ctx, tx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func collect[T any](rows pgx.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func filter[T any](in []T, keep func(T) bool) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

var _ docstore.Store = (*Postgres)(nil)
