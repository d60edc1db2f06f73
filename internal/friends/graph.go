// Package friends implements the friend request state machine.
//
//	pending -> accepted | declined | cancelled
//
// Every status other than pending is terminal. Only the receiver may accept
// or decline, only the sender may cancel. Accepting yields exactly one
// Friendship which must be committed together with the request update.
package friends

import (
	"time"

	"github.com/google/uuid"

	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/models"
)

// Action is a response to a pending request.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionDecline Action = "decline"
	ActionCancel  Action = "cancel"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionAccept, ActionDecline, ActionCancel:
		return a, nil
	default:
		return "", apperr.Validationf("Unknown friend request action %q.", s)
	}
}

// Relationship is what the store knows about a pair of users before a new
// request is created.
type Relationship struct {
	PendingEitherWay bool
	Friends          bool
}

// ValidateNew checks whether sender may send a request to receiver.
func ValidateNew(senderID, receiverID string, rel Relationship) error {
	if senderID == "" || receiverID == "" {
		return apperr.Validation("Choose someone to send a friend request to.")
	}
	if senderID == receiverID {
		return apperr.Validation("You cannot send a friend request to yourself.")
	}
	if rel.Friends {
		return apperr.Conflict("You are already friends.")
	}
	if rel.PendingEitherWay {
		return apperr.Conflict("A friend request between you is already pending.")
	}
	return nil
}

// NewRequest builds a pending request. Requests are never created in any
// other status.
func NewRequest(senderID, receiverID string, now time.Time) models.FriendRequest {
	return models.FriendRequest{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Status:     models.FriendRequestPending,
		CreatedAt:  now.UTC(),
	}
}

// IsTerminal reports whether no further transitions are possible.
func IsTerminal(s models.FriendRequestStatus) bool {
	return s != models.FriendRequestPending
}

// Outcome is the result of responding to a request. Friendship is set only
// when the request was accepted.
type Outcome struct {
	Request    models.FriendRequest
	Friendship *models.Friendship
}

// Respond applies action on behalf of actorID.
func Respond(req models.FriendRequest, actorID string, action Action, now time.Time) (Outcome, error) {
	if IsTerminal(req.Status) {
		return Outcome{}, apperr.Validationf("This friend request was already %s.", req.Status)
	}

	next := req
	responded := now.UTC()
	next.RespondedAt = &responded

	switch action {
	case ActionAccept, ActionDecline:
		if actorID != req.ReceiverID {
			return Outcome{}, apperr.Permission("respond to this friend request")
		}
		if action == ActionDecline {
			next.Status = models.FriendRequestDeclined
			return Outcome{Request: next}, nil
		}
		next.Status = models.FriendRequestAccepted
		friendship := NewFriendship(req.SenderID, req.ReceiverID, now)
		return Outcome{Request: next, Friendship: &friendship}, nil
	case ActionCancel:
		if actorID != req.SenderID {
			return Outcome{}, apperr.Permission("cancel this friend request")
		}
		next.Status = models.FriendRequestCancelled
		return Outcome{Request: next}, nil
	default:
		return Outcome{}, apperr.Validationf("Unknown friend request action %q.", action)
	}
}

// IsValidTransition reports whether actorID may move a request from prev to
// next. It mirrors Respond for the authoritative rule layer, which only sees
// stored documents.
func IsValidTransition(prev, next models.FriendRequest, actorID string) bool {
	if prev.ID != next.ID || prev.SenderID != next.SenderID || prev.ReceiverID != next.ReceiverID {
		return false
	}
	if IsTerminal(prev.Status) {
		return false
	}
	switch next.Status {
	case models.FriendRequestAccepted, models.FriendRequestDeclined:
		return actorID == prev.ReceiverID
	case models.FriendRequestCancelled:
		return actorID == prev.SenderID
	default:
		return false
	}
}

// Pair returns the two ids in canonical order.
func Pair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// NewFriendship builds the symmetric edge between a and b.
func NewFriendship(a, b string, now time.Time) models.Friendship {
	first, second := Pair(a, b)
	return models.Friendship{
		ID:        FriendshipID(first, second),
		UserA:     first,
		UserB:     second,
		CreatedAt: now.UTC(),
	}
}

// FriendshipID derives a stable id from the pair so a retried accept cannot
// create a second edge.
func FriendshipID(a, b string) string {
	first, second := Pair(a, b)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(first+"|"+second)).String()
}

// CanRemove reports whether uid may delete the friendship.
func CanRemove(f models.Friendship, uid string) bool {
	return uid != "" && (uid == f.UserA || uid == f.UserB)
}

// Involves reports whether uid is an endpoint of the request.
func Involves(req models.FriendRequest, uid string) bool {
	return uid != "" && (uid == req.SenderID || uid == req.ReceiverID)
}
