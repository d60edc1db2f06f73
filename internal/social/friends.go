package social

import (
	"context"

	"github.com/keepsake/backend/internal/friends"
	"github.com/keepsake/backend/internal/models"
	"github.com/keepsake/backend/internal/retry"
	"github.com/keepsake/backend/internal/validation"
)

// SendFriendRequest asks in.ReceiverID to become friends with uid. A
// request that already exists is never retried.
func (s *Service) SendFriendRequest(ctx context.Context, uid string, in validation.FriendRequestInput) (models.FriendRequest, error) {
	c, err := caller(uid)
	if err != nil {
		return models.FriendRequest{}, err
	}
	if err := s.gate.Struct(in); err != nil {
		return models.FriendRequest{}, err
	}
	receiver := validation.UserID(in.ReceiverID)
	if !receiver.OK() {
		return models.FriendRequest{}, receiver.Err()
	}
	if err := friends.ValidateNew(uid, receiver.Value, friends.Relationship{}); err != nil {
		return models.FriendRequest{}, err
	}
	p := s.policies.FriendRequestSend
	if err := s.admit(uid, p); err != nil {
		return models.FriendRequest{}, err
	}

	req := friends.NewRequest(uid, receiver.Value, s.now())
	err = run(ctx, s, "friend_requests.create", func(ctx context.Context) error {
		return s.store.CreateFriendRequest(ctx, c, req)
	}, retry.WithShouldRetry(noDuplicateRetry))
	if err != nil {
		return models.FriendRequest{}, err
	}
	s.record(uid, p)
	return req, nil
}

// RespondFriendRequest accepts, declines or cancels a pending request.
func (s *Service) RespondFriendRequest(ctx context.Context, uid, requestID, action string) (friends.Outcome, error) {
	c, err := caller(uid)
	if err != nil {
		return friends.Outcome{}, err
	}
	a, err := friends.ParseAction(action)
	if err != nil {
		return friends.Outcome{}, err
	}
	id := validation.UserID(requestID)
	if !id.OK() {
		return friends.Outcome{}, id.Err()
	}
	return call(ctx, s, "friend_requests.respond", func(ctx context.Context) (friends.Outcome, error) {
		return s.store.RespondFriendRequest(ctx, c, id.Value, a)
	})
}

// ListFriendRequests returns the requests uid sent or received.
func (s *Service) ListFriendRequests(ctx context.Context, uid string) ([]models.FriendRequest, error) {
	c, err := caller(uid)
	if err != nil {
		return nil, err
	}
	return call(ctx, s, "friend_requests.list", func(ctx context.Context) ([]models.FriendRequest, error) {
		return s.store.ListFriendRequests(ctx, c)
	})
}

// ListFriends returns uid's friendships.
func (s *Service) ListFriends(ctx context.Context, uid string) ([]models.Friendship, error) {
	c, err := caller(uid)
	if err != nil {
		return nil, err
	}
	return call(ctx, s, "friendships.list", func(ctx context.Context) ([]models.Friendship, error) {
		return s.store.ListFriendships(ctx, c)
	})
}

// Unfriend removes the friendship between uid and otherID.
func (s *Service) Unfriend(ctx context.Context, uid, otherID string) error {
	c, err := caller(uid)
	if err != nil {
		return err
	}
	other := validation.UserID(otherID)
	if !other.OK() {
		return other.Err()
	}
	return run(ctx, s, "friendships.delete", func(ctx context.Context) error {
		return s.store.DeleteFriendship(ctx, c, other.Value)
	})
}
