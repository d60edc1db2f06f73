package repositories

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/cockroachdb/cockroach-go/v2/testserver"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/auth"
	"github.com/keepsake/backend/internal/friends"
	"github.com/keepsake/backend/internal/models"
	"github.com/keepsake/backend/internal/permissions"
	"github.com/keepsake/backend/internal/policy"
	"github.com/keepsake/backend/internal/scheduled"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	server, err := testserver.NewTestServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "start cockroach test server: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, server.PGURL().String())
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to cockroach test server: %v\n", err)
		server.Stop()
		os.Exit(1)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		fmt.Fprintf(os.Stderr, "apply migrations: %v\n", err)
		pool.Close()
		server.Stop()
		os.Exit(1)
	}

	testPool = pool

	code := m.Run()

	pool.Close()
	server.Stop()

	os.Exit(code)
}

func newTestStore(t *testing.T) *Postgres {
	t.Helper()
	enforcer, err := policy.NewDefault(scheduled.DefaultRules())
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	return NewPostgres(testPool, enforcer)
}

func TestPostgresUsers_CreateLookupAndSearch(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)
	store := newTestStore(t)

	alice := createTestUser(t, store, "alice")
	createTestUser(t, store, "alina")
	createTestUser(t, store, "bob")

	dup := models.User{ID: uuid.NewString(), Handle: "other", Email: alice.Email, PasswordHash: "hash", CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	if err := store.CreateUser(ctx, policy.User(dup.ID), dup); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict for duplicate email, got %v", err)
	}

	spoofed := models.User{ID: uuid.NewString(), Handle: "spoof", Email: "spoof@example.com", PasswordHash: "hash"}
	if err := store.CreateUser(ctx, policy.User(alice.ID), spoofed); !apperr.Is(err, apperr.KindPermission) {
		t.Fatalf("expected permission error creating another user's profile, got %v", err)
	}

	fetched, err := store.UserByEmail(ctx, "ALICE@example.com")
	if err != nil {
		t.Fatalf("user by email: %v", err)
	}
	if fetched.ID != alice.ID || fetched.PasswordHash != alice.PasswordHash {
		t.Fatalf("unexpected user fetched: %+v", fetched)
	}

	found, err := store.SearchUsers(ctx, policy.User(alice.ID), "al", 10)
	if err != nil {
		t.Fatalf("search users: %v", err)
	}
	if len(found) != 2 || found[0].Handle != "alice" || found[1].Handle != "alina" {
		t.Fatalf("unexpected search results: %+v", found)
	}

	if _, err := store.SearchUsers(ctx, policy.Caller{}, "al", 10); !apperr.Is(err, apperr.KindUnauthenticated) {
		t.Fatalf("expected unauthenticated search to fail, got %v", err)
	}

	if _, err := store.GetUser(ctx, policy.User(alice.ID), uuid.NewString()); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found for missing user, got %v", err)
	}
}

func TestPostgresFriendRequests_AcceptCreatesFriendship(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)
	store := newTestStore(t)

	alice := createTestUser(t, store, "alice")
	bob := createTestUser(t, store, "bob")

	req := friends.NewRequest(alice.ID, bob.ID, time.Now().UTC())
	if err := store.CreateFriendRequest(ctx, policy.User(alice.ID), req); err != nil {
		t.Fatalf("create friend request: %v", err)
	}

	reverse := friends.NewRequest(bob.ID, alice.ID, time.Now().UTC())
	if err := store.CreateFriendRequest(ctx, policy.User(bob.ID), reverse); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict for reverse pending request, got %v", err)
	}

	if _, err := store.RespondFriendRequest(ctx, policy.User(alice.ID), req.ID, friends.ActionAccept); !apperr.Is(err, apperr.KindPermission) {
		t.Fatalf("expected sender accept to be denied, got %v", err)
	}

	outcome, err := store.RespondFriendRequest(ctx, policy.User(bob.ID), req.ID, friends.ActionAccept)
	if err != nil {
		t.Fatalf("accept friend request: %v", err)
	}
	if outcome.Friendship == nil || outcome.Request.Status != models.FriendRequestAccepted {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	for _, user := range []models.User{alice, bob} {
		list, err := store.ListFriendships(ctx, policy.User(user.ID))
		if err != nil {
			t.Fatalf("list friendships: %v", err)
		}
		if len(list) != 1 || list[0].ID != outcome.Friendship.ID {
			t.Fatalf("expected one friendship for %s, got %+v", user.Handle, list)
		}
	}

	requests, err := store.ListFriendRequests(ctx, policy.User(bob.ID))
	if err != nil {
		t.Fatalf("list friend requests: %v", err)
	}
	if len(requests) != 1 || requests[0].RespondedAt == nil {
		t.Fatalf("expected responded request, got %+v", requests)
	}

	if err := store.DeleteFriendship(ctx, policy.User(alice.ID), bob.ID); err != nil {
		t.Fatalf("delete friendship: %v", err)
	}
	if err := store.DeleteFriendship(ctx, policy.User(alice.ID), bob.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found deleting twice, got %v", err)
	}
}

func TestPostgresFriendRequests_UnknownReceiver(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)
	store := newTestStore(t)
	alice := createTestUser(t, store, "alice")

	req := friends.NewRequest(alice.ID, uuid.NewString(), time.Now().UTC())
	err := store.CreateFriendRequest(ctx, policy.User(alice.ID), req)
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found for unknown receiver, got %v", err)
	}
}

func TestPostgresFolders_InviteAcceptAndItems(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)
	store := newTestStore(t)

	owner := createTestUser(t, store, "owner")
	guest := createTestUser(t, store, "guest")
	stranger := createTestUser(t, store, "stranger")

	now := time.Now().UTC().Truncate(time.Millisecond)
	folder := models.Folder{ID: uuid.NewString(), Name: "Summer", OwnerID: owner.ID, ContributorIDs: []string{}, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateFolder(ctx, policy.User(owner.ID), folder); err != nil {
		t.Fatalf("create folder: %v", err)
	}

	inv := permissions.NewInvite(folder.ID, owner.ID, guest.ID, now)
	if err := store.CreateFolderInvite(ctx, policy.User(owner.ID), inv); err != nil {
		t.Fatalf("create invite: %v", err)
	}
	if _, err := store.RespondFolderInvite(ctx, policy.User(stranger.ID), inv.ID, permissions.InviteAccept); !apperr.Is(err, apperr.KindPermission) {
		t.Fatalf("expected stranger accept to be denied, got %v", err)
	}
	if _, err := store.RespondFolderInvite(ctx, policy.User(guest.ID), inv.ID, permissions.InviteAccept); err != nil {
		t.Fatalf("accept invite: %v", err)
	}

	got, err := store.GetFolder(ctx, policy.User(guest.ID), folder.ID)
	if err != nil {
		t.Fatalf("get folder as contributor: %v", err)
	}
	if len(got.ContributorIDs) != 1 || got.ContributorIDs[0] != guest.ID {
		t.Fatalf("expected guest to be a contributor, got %+v", got.ContributorIDs)
	}

	item := models.FolderItem{ID: uuid.NewString(), FolderID: folder.ID, AuthorID: guest.ID, Title: "beach", CreatedAt: now}
	if err := store.CreateFolderItem(ctx, policy.User(guest.ID), item); err != nil {
		t.Fatalf("create item: %v", err)
	}

	locked, err := store.UpdateFolder(ctx, policy.User(owner.ID), folder.ID, func(f permissions.Folder) (permissions.Folder, error) {
		return f.Lock(now), nil
	})
	if err != nil {
		t.Fatalf("lock folder: %v", err)
	}
	if !locked.IsLocked || locked.LockedAt == nil {
		t.Fatalf("expected locked folder, got %+v", locked)
	}

	late := models.FolderItem{ID: uuid.NewString(), FolderID: folder.ID, AuthorID: guest.ID, Title: "late", CreatedAt: now}
	if err := store.CreateFolderItem(ctx, policy.User(guest.ID), late); !apperr.Is(err, apperr.KindPermission) {
		t.Fatalf("expected locked folder to reject contributor write, got %v", err)
	}

	items, err := store.ListFolderItems(ctx, policy.User(owner.ID), folder.ID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 1 || items[0].ID != item.ID {
		t.Fatalf("unexpected items: %+v", items)
	}
	if _, err := store.ListFolderItems(ctx, policy.User(stranger.ID), folder.ID); !apperr.Is(err, apperr.KindPermission) {
		t.Fatalf("expected stranger listing to be denied, got %v", err)
	}

	folders, err := store.ListFolders(ctx, policy.User(guest.ID))
	if err != nil {
		t.Fatalf("list folders: %v", err)
	}
	if len(folders) != 1 {
		t.Fatalf("expected guest to see one folder, got %d", len(folders))
	}

	if err := store.DeleteFolder(ctx, policy.User(guest.ID), folder.ID); !apperr.Is(err, apperr.KindPermission) {
		t.Fatalf("expected contributor delete to be denied, got %v", err)
	}
	if err := store.DeleteFolder(ctx, policy.User(owner.ID), folder.ID); err != nil {
		t.Fatalf("delete folder: %v", err)
	}
}

func TestPostgresScheduledMessages_Delivery(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	start := time.Now().UTC().Truncate(time.Millisecond)
	clock := start
	store := newTestStore(t).WithNowFunc(func() time.Time { return clock })
	rules := scheduled.DefaultRules()

	sender := createTestUser(t, store, "sender")
	recipient := createTestUser(t, store, "recipient")

	msg, err := rules.NewMessage(sender.ID, recipient.ID, "hello later", start.Add(10*time.Minute), start)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if err := store.CreateScheduledMessage(ctx, policy.User(sender.ID), msg); err != nil {
		t.Fatalf("create message: %v", err)
	}

	if _, err := store.GetScheduledMessage(ctx, policy.User(recipient.ID), msg.ID); !apperr.Is(err, apperr.KindPermission) {
		t.Fatalf("expected recipient read of pending message to be denied, got %v", err)
	}

	deliverAt := start.Add(10 * time.Minute)
	clock = deliverAt
	due, err := store.DueScheduledMessages(ctx, deliverAt, 10)
	if err != nil {
		t.Fatalf("due messages: %v", err)
	}
	if len(due) != 1 || due[0].ID != msg.ID {
		t.Fatalf("unexpected due messages: %+v", due)
	}

	delivered, err := store.MarkDelivered(ctx, msg.ID, deliverAt)
	if err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if delivered.Status != models.ScheduledDelivered {
		t.Fatalf("expected delivered status, got %s", delivered.Status)
	}
	if _, err := store.MarkDelivered(ctx, msg.ID, deliverAt); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected second delivery to be rejected, got %v", err)
	}

	last, err := store.LastDeliveredAt(ctx, sender.ID, recipient.ID)
	if err != nil {
		t.Fatalf("last delivered: %v", err)
	}
	if last == nil || !timesClose(*last, deliverAt, time.Millisecond) {
		t.Fatalf("unexpected last delivery %v", last)
	}

	inbox, err := store.ListScheduledMessages(ctx, policy.User(recipient.ID))
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(inbox) != 1 {
		t.Fatalf("expected delivered message in inbox, got %d", len(inbox))
	}

	if _, err := store.CancelScheduledMessage(ctx, policy.User(sender.ID), msg.ID); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected cancel after delivery to fail, got %v", err)
	}
}

func TestPostgresSessionStore_SaveFindDelete(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)
	users := newTestStore(t)
	store := NewPostgresSessionStore(testPool)

	user := createTestUser(t, users, "session")

	session := auth.Session{RefreshToken: "refresh-token", UserID: user.ID, ExpiresAt: time.Now().Add(time.Hour).UTC()}
	if err := store.Save(ctx, session); err != nil {
		t.Fatalf("save session: %v", err)
	}

	fetched, err := store.Find(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("find session: %v", err)
	}
	if fetched.UserID != user.ID || !timesClose(fetched.ExpiresAt, session.ExpiresAt, time.Millisecond) {
		t.Fatalf("unexpected session: %+v", fetched)
	}

	if n, err := store.RevokeUser(ctx, user.ID); err != nil || n != 1 {
		t.Fatalf("revoke user sessions: n=%d err=%v", n, err)
	}
	if _, err := store.Find(ctx, session.RefreshToken); !errors.Is(err, auth.ErrSessionNotFound) {
		t.Fatalf("expected session not found after revoke, got %v", err)
	}
	if err := store.Delete(ctx, session.RefreshToken); !errors.Is(err, auth.ErrSessionNotFound) {
		t.Fatalf("expected session not found deleting twice, got %v", err)
	}
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	migrationsDir := filepath.Join("..", "..", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		contents, err := os.ReadFile(filepath.Join(migrationsDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		if _, err := pool.Exec(ctx, string(contents)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
	}

	return nil
}

func resetDatabase(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	conn, err := testPool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire connection: %v", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "TRUNCATE TABLE folder_items, folder_invites, folders, friendships, friend_requests, scheduled_messages, sessions, users CASCADE"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}

func createTestUser(t *testing.T, store *Postgres, handle string) models.User {
	t.Helper()
	user := models.User{
		ID:           uuid.NewString(),
		Handle:       handle,
		Email:        handle + "@example.com",
		PasswordHash: "password-hash",
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := store.CreateUser(context.Background(), policy.User(user.ID), user); err != nil {
		t.Fatalf("create test user: %v", err)
	}
	return user
}

func timesClose(a, b time.Time, delta time.Duration) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= delta
}
