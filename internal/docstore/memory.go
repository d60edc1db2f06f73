package docstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/friends"
	"github.com/keepsake/backend/internal/models"
	"github.com/keepsake/backend/internal/permissions"
	"github.com/keepsake/backend/internal/policy"
	"github.com/keepsake/backend/internal/scheduled"
)

// Memory is an in-process authoritative store. All state sits behind one
// mutex, so multi-document commits such as accepting a friend request are
// atomic.
type Memory struct {
	mu       sync.Mutex
	enforcer *policy.Enforcer
	now      func() time.Time
	faults   []error

	users       map[string]models.User
	requests    map[string]models.FriendRequest
	friendships map[string]models.Friendship
	folders     map[string]models.Folder
	invites     map[string]models.FolderInvite
	items       map[string]models.FolderItem
	messages    map[string]models.ScheduledMessage
}

// MemoryOption customises a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the server clock used for rule evaluation.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory returns an empty store guarded by enforcer.
func NewMemory(enforcer *policy.Enforcer, opts ...MemoryOption) *Memory {
	m := &Memory{
		enforcer:    enforcer,
		now:         func() time.Time { return time.Now().UTC() },
		users:       make(map[string]models.User),
		requests:    make(map[string]models.FriendRequest),
		friendships: make(map[string]models.Friendship),
		folders:     make(map[string]models.Folder),
		invites:     make(map[string]models.FolderInvite),
		items:       make(map[string]models.FolderItem),
		messages:    make(map[string]models.ScheduledMessage),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FailNext makes the next len(errs) calls fail with errs, in order, before
// touching any state.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, errs...)
}

// begin locks the store and consumes an injected fault. The caller must
// unlock when err is nil.
func (m *Memory) begin() error {
	m.mu.Lock()
	if len(m.faults) == 0 {
		return nil
	}
	err := m.faults[0]
	m.faults = m.faults[1:]
	m.mu.Unlock()
	return err
}

func (m *Memory) authorize(ctx context.Context, caller policy.Caller, c policy.Collection, op policy.Operation, prev, next any, facts policy.Facts) error {
	return m.enforcer.Authorize(ctx, policy.Request{
		Caller:     caller,
		Collection: c,
		Operation:  op,
		Now:        m.now(),
		Resource:   prev,
		Next:       next,
		Facts:      facts,
	})
}

func (m *Memory) CreateUser(ctx context.Context, caller policy.Caller, user models.User) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.mu.Unlock()

	if err := m.authorize(ctx, caller, policy.Users, policy.Create, nil, user, policy.Facts{}); err != nil {
		return err
	}
	for _, existing := range m.users {
		if existing.ID == user.ID {
			return apperr.Conflict("That account already exists.")
		}
		if strings.EqualFold(existing.Email, user.Email) {
			return apperr.Conflict("That email address is already registered.")
		}
		if existing.Handle == user.Handle {
			return apperr.Conflict("That handle is taken.")
		}
	}
	m.users[user.ID] = user
	return nil
}

func (m *Memory) GetUser(ctx context.Context, caller policy.Caller, id string) (models.User, error) {
	if err := m.begin(); err != nil {
		return models.User{}, err
	}
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return models.User{}, apperr.NotFound("user")
	}
	if err := m.authorize(ctx, caller, policy.Users, policy.Read, user, nil, policy.Facts{}); err != nil {
		return models.User{}, err
	}
	return user, nil
}

// UserByEmail is the credential lookup used before a caller identity exists.
func (m *Memory) UserByEmail(ctx context.Context, email string) (models.User, error) {
	if err := m.begin(); err != nil {
		return models.User{}, err
	}
	defer m.mu.Unlock()

	for _, user := range m.users {
		if strings.EqualFold(user.Email, email) {
			if err := m.authorize(ctx, policy.SystemCaller, policy.Users, policy.Read, user, nil, policy.Facts{}); err != nil {
				return models.User{}, err
			}
			return user, nil
		}
	}
	return models.User{}, apperr.NotFound("account")
}

func (m *Memory) SearchUsers(ctx context.Context, caller policy.Caller, prefix string, limit int) ([]models.User, error) {
	if err := m.begin(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	out := []models.User{}
	for _, user := range m.users {
		if !strings.HasPrefix(user.Handle, prefix) {
			continue
		}
		if err := m.authorize(ctx, caller, policy.Users, policy.List, user, nil, policy.Facts{}); err != nil {
			if apperr.Is(err, apperr.KindUnauthenticated) {
				return nil, err
			}
			continue
		}
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) relationship(a, b string) friends.Relationship {
	var rel friends.Relationship
	_, rel.Friends = m.friendships[friends.FriendshipID(a, b)]
	for _, req := range m.requests {
		if req.Status != models.FriendRequestPending {
			continue
		}
		if (req.SenderID == a && req.ReceiverID == b) || (req.SenderID == b && req.ReceiverID == a) {
			rel.PendingEitherWay = true
			break
		}
	}
	return rel
}

func (m *Memory) CreateFriendRequest(ctx context.Context, caller policy.Caller, req models.FriendRequest) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.mu.Unlock()

	if _, exists := m.requests[req.ID]; exists {
		return apperr.Conflict("A friend request between you is already pending.")
	}
	facts := policy.Facts{Relationship: m.relationship(req.SenderID, req.ReceiverID)}
	if err := m.authorize(ctx, caller, policy.FriendRequests, policy.Create, nil, req, facts); err != nil {
		return err
	}
	m.requests[req.ID] = req
	return nil
}

// RespondFriendRequest commits the request transition and, on accept, the
// friendship in one step.
func (m *Memory) RespondFriendRequest(ctx context.Context, caller policy.Caller, requestID string, action friends.Action) (friends.Outcome, error) {
	if err := m.begin(); err != nil {
		return friends.Outcome{}, err
	}
	defer m.mu.Unlock()

	if caller.UID == "" {
		return friends.Outcome{}, apperr.Unauthenticated()
	}
	prev, ok := m.requests[requestID]
	if !ok {
		return friends.Outcome{}, apperr.NotFound("friend request")
	}
	outcome, err := friends.Respond(prev, caller.UID, action, m.now())
	if err != nil {
		return friends.Outcome{}, err
	}
	if err := m.authorize(ctx, caller, policy.FriendRequests, policy.Update, prev, outcome.Request, policy.Facts{}); err != nil {
		return friends.Outcome{}, err
	}

	m.requests[requestID] = outcome.Request
	if outcome.Friendship != nil {
		if existing, ok := m.friendships[outcome.Friendship.ID]; ok {
			outcome.Friendship = &existing
		} else {
			m.friendships[outcome.Friendship.ID] = *outcome.Friendship
		}
	}
	return outcome, nil
}

func (m *Memory) ListFriendRequests(ctx context.Context, caller policy.Caller) ([]models.FriendRequest, error) {
	if err := m.begin(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	if caller.UID == "" {
		return nil, apperr.Unauthenticated()
	}
	out := []models.FriendRequest{}
	for _, req := range m.requests {
		if !friends.Involves(req, caller.UID) {
			continue
		}
		if err := m.authorize(ctx, caller, policy.FriendRequests, policy.List, req, nil, policy.Facts{}); err != nil {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListFriendships(ctx context.Context, caller policy.Caller) ([]models.Friendship, error) {
	if err := m.begin(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	if caller.UID == "" {
		return nil, apperr.Unauthenticated()
	}
	out := []models.Friendship{}
	for _, f := range m.friendships {
		if !friends.CanRemove(f, caller.UID) {
			continue
		}
		if err := m.authorize(ctx, caller, policy.Friendships, policy.List, f, nil, policy.Facts{}); err != nil {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteFriendship(ctx context.Context, caller policy.Caller, otherUserID string) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.mu.Unlock()

	if caller.UID == "" {
		return apperr.Unauthenticated()
	}
	id := friends.FriendshipID(caller.UID, otherUserID)
	f, ok := m.friendships[id]
	if !ok {
		return apperr.NotFound("friendship")
	}
	if err := m.authorize(ctx, caller, policy.Friendships, policy.Delete, f, nil, policy.Facts{}); err != nil {
		return err
	}
	delete(m.friendships, id)
	return nil
}

func (m *Memory) CreateFolder(ctx context.Context, caller policy.Caller, folder models.Folder) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.mu.Unlock()

	if _, exists := m.folders[folder.ID]; exists {
		return apperr.Conflict("That folder already exists.")
	}
	if err := m.authorize(ctx, caller, policy.Folders, policy.Create, nil, folder, policy.Facts{}); err != nil {
		return err
	}
	m.folders[folder.ID] = cloneFolder(folder)
	return nil
}

func (m *Memory) GetFolder(ctx context.Context, caller policy.Caller, id string) (models.Folder, error) {
	if err := m.begin(); err != nil {
		return models.Folder{}, err
	}
	defer m.mu.Unlock()

	folder, ok := m.folders[id]
	if !ok {
		return models.Folder{}, apperr.NotFound("folder")
	}
	if err := m.authorize(ctx, caller, policy.Folders, policy.Read, folder, nil, policy.Facts{}); err != nil {
		return models.Folder{}, err
	}
	return cloneFolder(folder), nil
}

// ListFolders returns the folders the caller owns or contributes to.
func (m *Memory) ListFolders(ctx context.Context, caller policy.Caller) ([]models.Folder, error) {
	if err := m.begin(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	if caller.UID == "" {
		return nil, apperr.Unauthenticated()
	}
	out := []models.Folder{}
	for _, folder := range m.folders {
		snap, err := permissions.FromModel(folder)
		if err != nil || !snap.CanManage(caller.UID) && !snap.HasContributor(caller.UID) {
			continue
		}
		if err := m.authorize(ctx, caller, policy.Folders, policy.List, folder, nil, policy.Facts{}); err != nil {
			continue
		}
		out = append(out, cloneFolder(folder))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateFolder(ctx context.Context, caller policy.Caller, id string, mutate FolderMutation) (models.Folder, error) {
	if err := m.begin(); err != nil {
		return models.Folder{}, err
	}
	defer m.mu.Unlock()

	prev, ok := m.folders[id]
	if !ok {
		return models.Folder{}, apperr.NotFound("folder")
	}
	snap, err := permissions.FromModel(prev)
	if err != nil {
		return models.Folder{}, apperr.Internal(err)
	}
	nextSnap, err := mutate(snap)
	if err != nil {
		return models.Folder{}, err
	}
	next := nextSnap.ApplyTo(prev)
	next.UpdatedAt = m.now()
	if err := m.authorize(ctx, caller, policy.Folders, policy.Update, prev, next, policy.Facts{}); err != nil {
		return models.Folder{}, err
	}
	m.folders[id] = cloneFolder(next)
	return next, nil
}

// DeleteFolder removes the folder with its items and invites.
func (m *Memory) DeleteFolder(ctx context.Context, caller policy.Caller, id string) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.mu.Unlock()

	folder, ok := m.folders[id]
	if !ok {
		return apperr.NotFound("folder")
	}
	if err := m.authorize(ctx, caller, policy.Folders, policy.Delete, folder, nil, policy.Facts{}); err != nil {
		return err
	}
	delete(m.folders, id)
	for itemID, item := range m.items {
		if item.FolderID == id {
			delete(m.items, itemID)
		}
	}
	for invID, inv := range m.invites {
		if inv.FolderID == id {
			delete(m.invites, invID)
		}
	}
	return nil
}

func (m *Memory) CreateFolderInvite(ctx context.Context, caller policy.Caller, inv models.FolderInvite) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.mu.Unlock()

	if _, exists := m.invites[inv.ID]; exists {
		return apperr.Conflict("That invite already exists.")
	}
	folder, ok := m.folders[inv.FolderID]
	if !ok {
		return apperr.NotFound("folder")
	}
	pending := false
	for _, other := range m.invites {
		if other.FolderID == inv.FolderID && other.InviteeID == inv.InviteeID && other.Status == models.FolderInvitePending {
			pending = true
			break
		}
	}
	facts := policy.Facts{Folder: &folder, PendingInvite: pending}
	if err := m.authorize(ctx, caller, policy.FolderInvites, policy.Create, nil, inv, facts); err != nil {
		return err
	}
	m.invites[inv.ID] = inv
	return nil
}

// RespondFolderInvite commits the invite transition and, on accept, the
// folder membership change in one step.
func (m *Memory) RespondFolderInvite(ctx context.Context, caller policy.Caller, inviteID string, action permissions.InviteAction) (permissions.InviteOutcome, error) {
	if err := m.begin(); err != nil {
		return permissions.InviteOutcome{}, err
	}
	defer m.mu.Unlock()

	if caller.UID == "" {
		return permissions.InviteOutcome{}, apperr.Unauthenticated()
	}
	prev, ok := m.invites[inviteID]
	if !ok {
		return permissions.InviteOutcome{}, apperr.NotFound("invite")
	}
	folder, ok := m.folders[prev.FolderID]
	if !ok {
		return permissions.InviteOutcome{}, apperr.NotFound("folder")
	}
	snap, err := permissions.FromModel(folder)
	if err != nil {
		return permissions.InviteOutcome{}, apperr.Internal(err)
	}
	outcome, err := permissions.RespondInvite(prev, snap, caller.UID, action, m.now())
	if err != nil {
		return permissions.InviteOutcome{}, err
	}
	if err := m.authorize(ctx, caller, policy.FolderInvites, policy.Update, prev, outcome.Invite, policy.Facts{Folder: &folder}); err != nil {
		return permissions.InviteOutcome{}, err
	}

	m.invites[inviteID] = outcome.Invite
	if outcome.Folder != nil {
		joined := outcome.Folder.ApplyTo(folder)
		joined.UpdatedAt = m.now()
		m.folders[joined.ID] = cloneFolder(joined)
	}
	return outcome, nil
}

// ListFolderInvites returns invites the caller sent or received.
func (m *Memory) ListFolderInvites(ctx context.Context, caller policy.Caller) ([]models.FolderInvite, error) {
	if err := m.begin(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	if caller.UID == "" {
		return nil, apperr.Unauthenticated()
	}
	out := []models.FolderInvite{}
	for _, inv := range m.invites {
		if !permissions.IsInviteParticipant(inv, caller.UID) {
			continue
		}
		folder := m.folders[inv.FolderID]
		if err := m.authorize(ctx, caller, policy.FolderInvites, policy.List, inv, nil, policy.Facts{Folder: &folder}); err != nil {
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateFolderItem(ctx context.Context, caller policy.Caller, item models.FolderItem) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.mu.Unlock()

	if _, exists := m.items[item.ID]; exists {
		return apperr.Conflict("That item already exists.")
	}
	folder, ok := m.folders[item.FolderID]
	if !ok {
		return apperr.NotFound("folder")
	}
	if err := m.authorize(ctx, caller, policy.FolderItems, policy.Create, nil, item, policy.Facts{Folder: &folder}); err != nil {
		return err
	}
	m.items[item.ID] = item
	return nil
}

func (m *Memory) ListFolderItems(ctx context.Context, caller policy.Caller, folderID string) ([]models.FolderItem, error) {
	if err := m.begin(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	folder, ok := m.folders[folderID]
	if !ok {
		return nil, apperr.NotFound("folder")
	}
	if err := m.authorize(ctx, caller, policy.Folders, policy.Read, folder, nil, policy.Facts{}); err != nil {
		return nil, err
	}
	out := []models.FolderItem{}
	for _, item := range m.items {
		if item.FolderID != folderID {
			continue
		}
		if err := m.authorize(ctx, caller, policy.FolderItems, policy.List, item, nil, policy.Facts{Folder: &folder}); err != nil {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteFolderItem(ctx context.Context, caller policy.Caller, itemID string) (models.FolderItem, error) {
	if err := m.begin(); err != nil {
		return models.FolderItem{}, err
	}
	defer m.mu.Unlock()

	item, ok := m.items[itemID]
	if !ok {
		return models.FolderItem{}, apperr.NotFound("item")
	}
	folder := m.folders[item.FolderID]
	if err := m.authorize(ctx, caller, policy.FolderItems, policy.Delete, item, nil, policy.Facts{Folder: &folder}); err != nil {
		return models.FolderItem{}, err
	}
	delete(m.items, itemID)
	return item, nil
}

func (m *Memory) CreateScheduledMessage(ctx context.Context, caller policy.Caller, msg models.ScheduledMessage) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.mu.Unlock()

	if _, exists := m.messages[msg.ID]; exists {
		return apperr.Conflict("That message already exists.")
	}
	if err := m.authorize(ctx, caller, policy.ScheduledMessages, policy.Create, nil, msg, policy.Facts{}); err != nil {
		return err
	}
	m.messages[msg.ID] = msg
	return nil
}

func (m *Memory) GetScheduledMessage(ctx context.Context, caller policy.Caller, id string) (models.ScheduledMessage, error) {
	if err := m.begin(); err != nil {
		return models.ScheduledMessage{}, err
	}
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return models.ScheduledMessage{}, apperr.NotFound("message")
	}
	if err := m.authorize(ctx, caller, policy.ScheduledMessages, policy.Read, msg, nil, policy.Facts{}); err != nil {
		return models.ScheduledMessage{}, err
	}
	return msg, nil
}

// ListScheduledMessages returns everything the caller sent plus what they
// received and has been delivered.
func (m *Memory) ListScheduledMessages(ctx context.Context, caller policy.Caller) ([]models.ScheduledMessage, error) {
	if err := m.begin(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	if caller.UID == "" {
		return nil, apperr.Unauthenticated()
	}
	out := []models.ScheduledMessage{}
	for _, msg := range m.messages {
		if !scheduled.IsVisibleTo(msg, caller.UID) {
			continue
		}
		if err := m.authorize(ctx, caller, policy.ScheduledMessages, policy.List, msg, nil, policy.Facts{}); err != nil {
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

func (m *Memory) CancelScheduledMessage(ctx context.Context, caller policy.Caller, id string) (models.ScheduledMessage, error) {
	if err := m.begin(); err != nil {
		return models.ScheduledMessage{}, err
	}
	defer m.mu.Unlock()

	if caller.UID == "" {
		return models.ScheduledMessage{}, apperr.Unauthenticated()
	}
	prev, ok := m.messages[id]
	if !ok {
		return models.ScheduledMessage{}, apperr.NotFound("message")
	}
	next, err := scheduled.Cancel(prev, caller.UID)
	if err != nil {
		return models.ScheduledMessage{}, err
	}
	if err := m.authorize(ctx, caller, policy.ScheduledMessages, policy.Update, prev, next, policy.Facts{}); err != nil {
		return models.ScheduledMessage{}, err
	}
	m.messages[id] = next
	return next, nil
}

// DueScheduledMessages returns pending messages whose time has come, oldest
// first.
func (m *Memory) DueScheduledMessages(ctx context.Context, now time.Time, limit int) ([]models.ScheduledMessage, error) {
	if err := m.begin(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	out := []models.ScheduledMessage{}
	for _, msg := range m.messages {
		if msg.Status != models.ScheduledPending || msg.ScheduledFor.After(now) {
			continue
		}
		if err := m.authorize(ctx, policy.SystemCaller, policy.ScheduledMessages, policy.List, msg, nil, policy.Facts{}); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) LastDeliveredAt(ctx context.Context, senderID, recipientID string) (*time.Time, error) {
	if err := m.begin(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	return m.lastDeliveredLocked(senderID, recipientID), nil
}

func (m *Memory) lastDeliveredLocked(senderID, recipientID string) *time.Time {
	var last *time.Time
	for _, msg := range m.messages {
		if msg.SenderID == senderID && msg.RecipientID == recipientID && msg.Status == models.ScheduledDelivered {
			last = Latest(last, msg.DeliveredAt)
		}
	}
	return last
}

// MarkDelivered commits a delivery on behalf of the system caller. The rule
// layer rejects messages that are not ready, including ones delivered by a
// concurrent worker.
func (m *Memory) MarkDelivered(ctx context.Context, messageID string, now time.Time) (models.ScheduledMessage, error) {
	if err := m.begin(); err != nil {
		return models.ScheduledMessage{}, err
	}
	defer m.mu.Unlock()

	prev, ok := m.messages[messageID]
	if !ok {
		return models.ScheduledMessage{}, apperr.NotFound("message")
	}
	next := Delivered(prev, now)
	facts := policy.Facts{LastDelivered: m.lastDeliveredLocked(prev.SenderID, prev.RecipientID)}
	err := m.enforcer.Authorize(ctx, policy.Request{
		Caller:     policy.SystemCaller,
		Collection: policy.ScheduledMessages,
		Operation:  policy.Update,
		Now:        now,
		Resource:   prev,
		Next:       next,
		Facts:      facts,
	})
	if err != nil {
		return models.ScheduledMessage{}, err
	}
	m.messages[messageID] = next
	return next, nil
}

func cloneFolder(f models.Folder) models.Folder {
	out := f
	out.ContributorIDs = append([]string{}, f.ContributorIDs...)
	if f.LockedAt != nil {
		at := *f.LockedAt
		out.LockedAt = &at
	}
	return out
}

var _ Store = (*Memory)(nil)
