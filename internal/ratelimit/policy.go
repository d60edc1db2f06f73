package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rejectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "keepsake_ratelimit_rejections_total",
		Help: "Requests rejected by a named rate-limit policy.",
	},
	[]string{"policy", "reason"},
)

// Operation names used as limiter keys.
const (
	OpFriendRequestSend      = "friend_request.send"
	OpDirectorySearch        = "directory.search"
	OpScheduledMessageCreate = "scheduled_message.create"
	OpFolderModify           = "folder.modify"
	OpPublicFolderModify     = "public_folder.modify"
	OpFolderInviteSend       = "folder_invite.send"
)

// Policy is one (maxRequests, window) and/or minInterval configuration
// layered on the limiter primitive. A zero MaxRequests disables the window
// check; a zero MinInterval disables the spacing check.
type Policy struct {
	Name        string
	Action      string
	MaxRequests int
	Window      time.Duration
	MinInterval time.Duration
}

// Decision is the outcome of checking a policy.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     string
}

// Check evaluates p for userID without consuming quota. When the request is
// rejected, RetryAfter estimates how long until it would be admitted.
func (l *Limiter) Check(userID string, p Policy) Decision {
	now := l.now()

	if p.MinInterval > 0 && !l.HasMinimumTimePassed(userID, p.Name, p.MinInterval) {
		last, _ := l.lastRequest(key{user: userID, op: p.Name})
		wait := last.Add(p.MinInterval).Sub(now)
		rejectionsTotal.WithLabelValues(p.Name, "min_interval").Inc()
		return Decision{RetryAfter: positive(wait), Reason: "min_interval"}
	}

	if p.MaxRequests > 0 && !l.IsAllowed(userID, p.Name, p.MaxRequests, p.Window) {
		var wait time.Duration
		if oldest, ok := l.oldestWithin(key{user: userID, op: p.Name}, p.Window); ok {
			wait = oldest.Add(p.Window).Sub(now)
		}
		rejectionsTotal.WithLabelValues(p.Name, "window").Inc()
		return Decision{RetryAfter: positive(wait), Reason: "window"}
	}

	return Decision{Allowed: true}
}

// Record consumes quota for p.
func (l *Limiter) Record(userID string, p Policy) {
	l.RecordRequest(userID, p.Name)
}

func positive(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}

// Policies groups the named policies used by the social operations.
type Policies struct {
	FriendRequestSend      Policy
	DirectorySearch        Policy
	ScheduledMessageCreate Policy
	FolderModify           Policy
	PublicFolderModify     Policy
	FolderInviteSend       Policy
}

// DefaultPolicies returns the stock thresholds. Every value can be overridden
// through configuration.
func DefaultPolicies() Policies {
	return Policies{
		FriendRequestSend: Policy{
			Name: OpFriendRequestSend, Action: "sending friend requests",
			MaxRequests: 20, Window: 24 * time.Hour,
		},
		DirectorySearch: Policy{
			Name: OpDirectorySearch, Action: "searching",
			MaxRequests: 30, Window: time.Minute,
		},
		ScheduledMessageCreate: Policy{
			Name: OpScheduledMessageCreate, Action: "scheduling messages",
			MaxRequests: 10, Window: 24 * time.Hour, MinInterval: 30 * time.Second,
		},
		FolderModify: Policy{
			Name: OpFolderModify, Action: "changing shared folders",
			MaxRequests: 60, Window: time.Hour,
		},
		PublicFolderModify: Policy{
			Name: OpPublicFolderModify, Action: "changing public folders",
			MaxRequests: 10, Window: time.Hour,
		},
		FolderInviteSend: Policy{
			Name: OpFolderInviteSend, Action: "sending folder invites",
			MaxRequests: 30, Window: time.Hour,
		},
	}
}

// All returns the policies in a stable order.
func (p Policies) All() []Policy {
	return []Policy{
		p.FriendRequestSend,
		p.DirectorySearch,
		p.ScheduledMessageCreate,
		p.FolderModify,
		p.PublicFolderModify,
		p.FolderInviteSend,
	}
}
