package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/friends"
	"github.com/keepsake/backend/internal/models"
	"github.com/keepsake/backend/internal/permissions"
	"github.com/keepsake/backend/internal/policy"
	"github.com/keepsake/backend/internal/scheduled"
)

var start = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newMemory(t *testing.T) (*Memory, *clock) {
	t.Helper()
	enforcer, err := policy.NewDefault(scheduled.DefaultRules())
	require.NoError(t, err)
	c := &clock{t: start}
	return NewMemory(enforcer, WithClock(c.now)), c
}

func seedUsers(t *testing.T, m *Memory, ids ...string) {
	t.Helper()
	for _, id := range ids {
		u := models.User{ID: id, Handle: id, Email: id + "@example.com", CreatedAt: start}
		require.NoError(t, m.CreateUser(context.Background(), policy.User(id), u))
	}
}

func TestAcceptCommitsRequestAndFriendshipTogether(t *testing.T) {
	m, _ := newMemory(t)
	ctx := context.Background()
	seedUsers(t, m, "alice", "bob")

	req := friends.NewRequest("alice", "bob", start)
	require.NoError(t, m.CreateFriendRequest(ctx, policy.User("alice"), req))

	_, err := m.RespondFriendRequest(ctx, policy.User("alice"), req.ID, friends.ActionAccept)
	require.True(t, apperr.Is(err, apperr.KindPermission))

	out, err := m.RespondFriendRequest(ctx, policy.User("bob"), req.ID, friends.ActionAccept)
	require.NoError(t, err)
	require.Equal(t, models.FriendRequestAccepted, out.Request.Status)
	require.NotNil(t, out.Friendship)

	for _, uid := range []string{"alice", "bob"} {
		list, err := m.ListFriendships(ctx, policy.User(uid))
		require.NoError(t, err)
		require.Len(t, list, 1)
	}

	_, err = m.RespondFriendRequest(ctx, policy.User("bob"), req.ID, friends.ActionAccept)
	require.True(t, apperr.Is(err, apperr.KindValidation))

	again := friends.NewRequest("bob", "alice", start)
	err = m.CreateFriendRequest(ctx, policy.User("bob"), again)
	require.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestPendingRequestBlocksEitherDirection(t *testing.T) {
	m, _ := newMemory(t)
	ctx := context.Background()

	require.NoError(t, m.CreateFriendRequest(ctx, policy.User("alice"), friends.NewRequest("alice", "bob", start)))

	err := m.CreateFriendRequest(ctx, policy.User("bob"), friends.NewRequest("bob", "alice", start))
	require.True(t, apperr.Is(err, apperr.KindConflict))

	err = m.CreateFriendRequest(ctx, policy.User("alice"), friends.NewRequest("alice", "bob", start))
	require.True(t, apperr.Is(err, apperr.KindConflict))

	eve, err := m.ListFriendRequests(ctx, policy.User("eve"))
	require.NoError(t, err)
	require.Empty(t, eve)
}

func TestDeleteFriendshipEndpointsOnly(t *testing.T) {
	m, _ := newMemory(t)
	ctx := context.Background()
	req := friends.NewRequest("alice", "bob", start)
	require.NoError(t, m.CreateFriendRequest(ctx, policy.User("alice"), req))
	_, err := m.RespondFriendRequest(ctx, policy.User("bob"), req.ID, friends.ActionAccept)
	require.NoError(t, err)

	err = m.DeleteFriendship(ctx, policy.User("eve"), "alice")
	require.True(t, apperr.Is(err, apperr.KindNotFound))

	require.NoError(t, m.DeleteFriendship(ctx, policy.User("bob"), "alice"))
	list, err := m.ListFriendships(ctx, policy.User("alice"))
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestInviteAcceptJoinsFolderButLockStillBlocksWrites(t *testing.T) {
	m, _ := newMemory(t)
	ctx := context.Background()

	folder := models.Folder{ID: "f1", Name: "Trip", OwnerID: "alice", ContributorIDs: []string{}, CreatedAt: start}
	require.NoError(t, m.CreateFolder(ctx, policy.User("alice"), folder))

	inv := permissions.NewInvite("f1", "alice", "bob", start)
	err := m.CreateFolderInvite(ctx, policy.User("bob"), permissions.NewInvite("f1", "bob", "carol", start))
	require.True(t, apperr.Is(err, apperr.KindPermission))
	require.NoError(t, m.CreateFolderInvite(ctx, policy.User("alice"), inv))

	dup := permissions.NewInvite("f1", "alice", "bob", start)
	require.True(t, apperr.Is(m.CreateFolderInvite(ctx, policy.User("alice"), dup), apperr.KindConflict))

	_, err = m.UpdateFolder(ctx, policy.User("alice"), "f1", func(f permissions.Folder) (permissions.Folder, error) {
		return f.Lock(start), nil
	})
	require.NoError(t, err)

	out, err := m.RespondFolderInvite(ctx, policy.User("bob"), inv.ID, permissions.InviteAccept)
	require.NoError(t, err)
	require.Equal(t, models.FolderInviteAccepted, out.Invite.Status)

	got, err := m.GetFolder(ctx, policy.User("bob"), "f1")
	require.NoError(t, err)
	require.Equal(t, []string{"bob"}, got.ContributorIDs)
	require.True(t, got.IsLocked)

	item := models.FolderItem{ID: "i1", FolderID: "f1", AuthorID: "bob", Title: "photo", CreatedAt: start}
	require.True(t, apperr.Is(m.CreateFolderItem(ctx, policy.User("bob"), item), apperr.KindPermission))

	_, err = m.UpdateFolder(ctx, policy.User("alice"), "f1", func(f permissions.Folder) (permissions.Folder, error) {
		return f.Unlock(), nil
	})
	require.NoError(t, err)
	require.NoError(t, m.CreateFolderItem(ctx, policy.User("bob"), item))

	items, err := m.ListFolderItems(ctx, policy.User("alice"), "f1")
	require.NoError(t, err)
	require.Len(t, items, 1)

	_, err = m.ListFolderItems(ctx, policy.User("eve"), "f1")
	require.True(t, apperr.Is(err, apperr.KindPermission))
}

func TestContributorMayLeaveButNotEditSharing(t *testing.T) {
	m, _ := newMemory(t)
	ctx := context.Background()
	folder := models.Folder{ID: "f1", Name: "Trip", OwnerID: "alice", ContributorIDs: []string{"bob", "carol"}, CreatedAt: start}
	require.NoError(t, m.CreateFolder(ctx, policy.User("alice"), folder))

	_, err := m.UpdateFolder(ctx, policy.User("bob"), "f1", func(f permissions.Folder) (permissions.Folder, error) {
		return f.MakePublic(), nil
	})
	require.True(t, apperr.Is(err, apperr.KindPermission))

	_, err = m.UpdateFolder(ctx, policy.User("bob"), "f1", func(f permissions.Folder) (permissions.Folder, error) {
		return f.RemoveContributor("carol"), nil
	})
	require.True(t, apperr.Is(err, apperr.KindPermission))

	left, err := m.UpdateFolder(ctx, policy.User("bob"), "f1", func(f permissions.Folder) (permissions.Folder, error) {
		return f.RemoveContributor("bob"), nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"carol"}, left.ContributorIDs)
}

func TestScheduledMessageVisibilityAndDelivery(t *testing.T) {
	m, c := newMemory(t)
	ctx := context.Background()
	rules := scheduled.DefaultRules()

	first, err := rules.NewMessage("alice", "bob", "one", start.Add(time.Hour), start)
	require.NoError(t, err)
	second, err := rules.NewMessage("alice", "bob", "two", start.Add(time.Hour), start)
	require.NoError(t, err)
	require.NoError(t, m.CreateScheduledMessage(ctx, policy.User("alice"), first))
	require.NoError(t, m.CreateScheduledMessage(ctx, policy.User("alice"), second))

	_, err = m.GetScheduledMessage(ctx, policy.User("bob"), first.ID)
	require.True(t, apperr.Is(err, apperr.KindPermission))
	inbox, err := m.ListScheduledMessages(ctx, policy.User("bob"))
	require.NoError(t, err)
	require.Empty(t, inbox)

	due, err := m.DueScheduledMessages(ctx, start.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Empty(t, due)

	c.advance(time.Hour)
	deliverAt := start.Add(time.Hour)
	due, err = m.DueScheduledMessages(ctx, deliverAt, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)

	delivered, err := m.MarkDelivered(ctx, first.ID, deliverAt)
	require.NoError(t, err)
	require.Equal(t, models.ScheduledDelivered, delivered.Status)

	_, err = m.MarkDelivered(ctx, first.ID, deliverAt)
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = m.MarkDelivered(ctx, second.ID, deliverAt.Add(time.Minute))
	require.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = m.MarkDelivered(ctx, second.ID, deliverAt.Add(rules.MinDeliverySpacing))
	require.NoError(t, err)

	inbox, err = m.ListScheduledMessages(ctx, policy.User("bob"))
	require.NoError(t, err)
	require.Len(t, inbox, 2)

	_, err = m.CancelScheduledMessage(ctx, policy.User("alice"), first.ID)
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestFailNextInjectsRemoteErrors(t *testing.T) {
	m, _ := newMemory(t)
	ctx := context.Background()
	m.FailNext(status.Error(codes.Unavailable, "backend down"))

	req := friends.NewRequest("alice", "bob", start)
	err := m.CreateFriendRequest(ctx, policy.User("alice"), req)
	require.True(t, apperr.Retryable(err))

	require.NoError(t, m.CreateFriendRequest(ctx, policy.User("alice"), req))
}

func TestListingRequiresCaller(t *testing.T) {
	m, _ := newMemory(t)
	_, err := m.ListFolders(context.Background(), policy.Caller{})
	require.True(t, apperr.Is(err, apperr.KindUnauthenticated))
}
