package permissions

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/models"
)

func TestValidateInvite(t *testing.T) {
	f := mustFolder(t, "alice", "bob")

	require.NoError(t, ValidateInvite(f, "alice", "carol", false))
	require.True(t, apperr.Is(ValidateInvite(f, "bob", "carol", false), apperr.KindPermission))
	require.True(t, apperr.Is(ValidateInvite(f, "alice", "bob", false), apperr.KindConflict))
	require.True(t, apperr.Is(ValidateInvite(f, "alice", "alice", false), apperr.KindConflict))
	require.True(t, apperr.Is(ValidateInvite(f, "alice", "carol", true), apperr.KindConflict))
	require.True(t, apperr.Is(ValidateInvite(f, "alice", "", false), apperr.KindValidation))

	full := mustFolder(t, "alice")
	for i := 0; i < MaxContributors; i++ {
		var err error
		full, err = full.AddContributor(fmt.Sprintf("u%d", i))
		require.NoError(t, err)
	}
	require.True(t, apperr.Is(ValidateInvite(full, "alice", "carol", false), apperr.KindValidation))
}

func TestRespondInviteAcceptJoinsFolder(t *testing.T) {
	f := mustFolder(t, "alice").Lock(time.Now())
	inv := NewInvite("f1", "alice", "bob", time.Now())

	out, err := RespondInvite(inv, f, "bob", InviteAccept, time.Now())
	require.NoError(t, err)
	require.Equal(t, models.FolderInviteAccepted, out.Invite.Status)
	require.NotNil(t, out.Folder)
	require.True(t, out.Folder.HasContributor("bob"))
	require.False(t, out.Folder.CanContribute("bob"), "lock still applies")
}

func TestRespondInviteGuards(t *testing.T) {
	f := mustFolder(t, "alice")
	inv := NewInvite("f1", "alice", "bob", time.Now())

	_, err := RespondInvite(inv, f, "alice", InviteAccept, time.Now())
	require.True(t, apperr.Is(err, apperr.KindPermission))

	_, err = RespondInvite(inv, f, "eve", InviteRevoke, time.Now())
	require.True(t, apperr.Is(err, apperr.KindPermission))

	out, err := RespondInvite(inv, f, "alice", InviteRevoke, time.Now())
	require.NoError(t, err)
	require.Equal(t, models.FolderInviteRevoked, out.Invite.Status)
	require.Nil(t, out.Folder)

	_, err = RespondInvite(out.Invite, f, "bob", InviteAccept, time.Now())
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestIsValidInviteTransition(t *testing.T) {
	f := mustFolder(t, "alice")
	prev := NewInvite("f1", "alice", "bob", time.Now())

	accepted := prev
	accepted.Status = models.FolderInviteAccepted
	require.True(t, IsValidInviteTransition(prev, accepted, f, "bob"))
	require.False(t, IsValidInviteTransition(prev, accepted, f, "alice"))

	revoked := prev
	revoked.Status = models.FolderInviteRevoked
	require.True(t, IsValidInviteTransition(prev, revoked, f, "alice"))
	require.False(t, IsValidInviteTransition(prev, revoked, f, "bob"))

	redirected := accepted
	redirected.InviteeID = "eve"
	require.False(t, IsValidInviteTransition(prev, redirected, f, "eve"))
}

func TestIsLeaving(t *testing.T) {
	prev := mustFolder(t, "alice", "bob", "carol")
	require.True(t, IsLeaving(prev, prev.RemoveContributor("bob"), "bob"))
	require.False(t, IsLeaving(prev, prev.RemoveContributor("carol"), "bob"))
	require.False(t, IsLeaving(prev, prev.RemoveContributor("bob").MakePublic(), "bob"))
}

func TestParseInviteAction(t *testing.T) {
	a, err := ParseInviteAction("revoke")
	require.NoError(t, err)
	require.Equal(t, InviteRevoke, a)

	_, err = ParseInviteAction("ignore")
	require.True(t, apperr.Is(err, apperr.KindValidation))
}
