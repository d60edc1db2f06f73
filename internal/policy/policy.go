// Package policy is the authoritative rule layer. A declarative document maps
// every (collection, operation) pair to a boolean expression over named
// predicates; the predicates call the same pure functions the request path
// uses as pre-checks, so the two cannot drift.
package policy

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gopkg.in/yaml.v3"

	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/friends"
	"github.com/keepsake/backend/internal/logging"
	"github.com/keepsake/backend/internal/models"
)

// DefaultRules is the rule document compiled into the binary.
//
//go:embed rules/rules.yaml
var DefaultRules []byte

var decisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "keepsake_policy_decisions_total",
		Help: "Authorization decisions made by the rule layer.",
	},
	[]string{"collection", "operation", "decision"},
)

// Collection names a stored document type.
type Collection string

const (
	Users             Collection = "users"
	FriendRequests    Collection = "friend_requests"
	Friendships       Collection = "friendships"
	Folders           Collection = "folders"
	FolderInvites     Collection = "folder_invites"
	FolderItems       Collection = "folder_items"
	ScheduledMessages Collection = "scheduled_messages"
)

// Collections lists every known collection.
var Collections = []Collection{Users, FriendRequests, Friendships, Folders, FolderInvites, FolderItems, ScheduledMessages}

// Operation is the kind of access being authorized.
type Operation string

const (
	Read   Operation = "read"
	List   Operation = "list"
	Create Operation = "create"
	Update Operation = "update"
	Delete Operation = "delete"
)

// Operations lists every known operation.
var Operations = []Operation{Read, List, Create, Update, Delete}

// Caller is the authenticated identity behind a request. System is set only
// for the delivery process.
type Caller struct {
	UID    string
	System bool
}

// SystemCaller identifies background processes.
var SystemCaller = Caller{System: true}

// User returns a caller for uid.
func User(uid string) Caller { return Caller{UID: uid} }

// Facts is the additional stored state a rule may consult.
type Facts struct {
	// Folder is the parent folder of an invite or item.
	Folder *models.Folder
	// Relationship between sender and receiver of a new friend request.
	Relationship friends.Relationship
	// PendingInvite reports an open invite for the same folder and invitee.
	PendingInvite bool
	// LastDelivered is the sender's most recent delivery to the recipient.
	LastDelivered *time.Time
}

// Request describes one access to the store. Resource is the prior document
// (nil on create); Next is the proposed document (nil on read, list and
// delete). Documents are model values, not pointers.
type Request struct {
	Caller     Caller
	Collection Collection
	Operation  Operation
	Now        time.Time
	Resource   any
	Next       any
	Facts      Facts
}

// Predicate evaluates one named rule. It returns nil when the rule holds,
// errDenied for a plain denial, or a classified validation or conflict error
// when the request is malformed.
type Predicate func(Request) error

var errDenied = errors.New("denied")

// Deny is returned by predicates that fail without a specific reason.
func Deny() error { return errDenied }

// Expr is a node of a rule expression.
type Expr struct {
	Predicate string
	All       []Expr
	Any       []Expr
	Not       *Expr
}

// UnmarshalYAML accepts a scalar predicate name or a single-key mapping of
// all, any or not.
func (e *Expr) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		e.Predicate = node.Value
		return nil
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("line %d: expression must have exactly one of all, any, not", node.Line)
		}
		key, value := node.Content[0].Value, node.Content[1]
		switch key {
		case "all":
			return value.Decode(&e.All)
		case "any":
			return value.Decode(&e.Any)
		case "not":
			e.Not = &Expr{}
			return value.Decode(e.Not)
		default:
			return fmt.Errorf("line %d: unknown operator %q", node.Line, key)
		}
	default:
		return fmt.Errorf("line %d: unsupported expression", node.Line)
	}
}

// Document is the parsed rule file.
type Document struct {
	Version     int                               `yaml:"version"`
	Collections map[Collection]map[Operation]Expr `yaml:"collections"`
}

// Enforcer evaluates a validated rule document.
type Enforcer struct {
	doc        Document
	predicates map[string]Predicate
}

// New parses raw and checks it against predicates. Every collection must
// define every operation and every referenced predicate must exist.
func New(raw []byte, predicates map[string]Predicate) (*Enforcer, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if doc.Version != 1 {
		return nil, fmt.Errorf("unsupported rules version %d", doc.Version)
	}

	known := make(map[Collection]bool, len(Collections))
	for _, c := range Collections {
		known[c] = true
	}
	for c := range doc.Collections {
		if !known[c] {
			return nil, fmt.Errorf("unknown collection %q", c)
		}
	}

	for _, c := range Collections {
		ops, ok := doc.Collections[c]
		if !ok {
			return nil, fmt.Errorf("collection %q has no rules", c)
		}
		for op := range ops {
			if !isOperation(op) {
				return nil, fmt.Errorf("%s: unknown operation %q", c, op)
			}
		}
		for _, op := range Operations {
			expr, ok := ops[op]
			if !ok {
				return nil, fmt.Errorf("%s.%s: operation is not defined", c, op)
			}
			if err := checkExpr(expr, predicates); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", c, op, err)
			}
		}
	}

	return &Enforcer{doc: doc, predicates: predicates}, nil
}

func isOperation(op Operation) bool {
	for _, known := range Operations {
		if op == known {
			return true
		}
	}
	return false
}

func checkExpr(e Expr, predicates map[string]Predicate) error {
	switch {
	case e.Not != nil:
		return checkExpr(*e.Not, predicates)
	case e.All != nil || e.Any != nil:
		children := append(append([]Expr{}, e.All...), e.Any...)
		if len(children) == 0 {
			return errors.New("empty all/any list")
		}
		for _, child := range children {
			if err := checkExpr(child, predicates); err != nil {
				return err
			}
		}
		return nil
	case e.Predicate == "allow" || e.Predicate == "deny":
		return nil
	case e.Predicate == "":
		return errors.New("empty expression")
	default:
		if _, ok := predicates[e.Predicate]; !ok {
			return fmt.Errorf("unknown predicate %q", e.Predicate)
		}
		return nil
	}
}

// Authorize evaluates the rule for req. It returns nil when access is
// granted, Unauthenticated when there is no caller, the predicate's own
// validation or conflict error when the request is malformed, and a
// Permission error otherwise.
func (e *Enforcer) Authorize(ctx context.Context, req Request) error {
	logger := logging.FromContext(ctx)

	if req.Caller.UID == "" && !req.Caller.System {
		decisionsTotal.WithLabelValues(string(req.Collection), string(req.Operation), "unauthenticated").Inc()
		return apperr.Unauthenticated()
	}

	expr, ok := e.doc.Collections[req.Collection][req.Operation]
	if !ok {
		decisionsTotal.WithLabelValues(string(req.Collection), string(req.Operation), "deny").Inc()
		return apperr.Permission(describe(req.Collection, req.Operation))
	}
	if req.Now.IsZero() {
		req.Now = time.Now().UTC()
	}

	err := e.eval(expr, req)
	if err == nil {
		decisionsTotal.WithLabelValues(string(req.Collection), string(req.Operation), "allow").Inc()
		return nil
	}

	var classified *apperr.Error
	if errors.As(err, &classified) && (classified.Kind == apperr.KindValidation || classified.Kind == apperr.KindConflict) {
		decisionsTotal.WithLabelValues(string(req.Collection), string(req.Operation), "invalid").Inc()
		logger.Info("rule rejected request",
			slog.String("collection", string(req.Collection)),
			slog.String("operation", string(req.Operation)),
			slog.String("caller", req.Caller.UID),
			slog.String("reason", classified.Message),
		)
		return classified
	}

	decisionsTotal.WithLabelValues(string(req.Collection), string(req.Operation), "deny").Inc()
	logger.Info("rule denied request",
		slog.String("collection", string(req.Collection)),
		slog.String("operation", string(req.Operation)),
		slog.String("caller", req.Caller.UID),
	)
	return apperr.Permission(describe(req.Collection, req.Operation))
}

func (e *Enforcer) eval(expr Expr, req Request) error {
	switch {
	case expr.Not != nil:
		if e.eval(*expr.Not, req) == nil {
			return errDenied
		}
		return nil
	case expr.All != nil:
		for _, child := range expr.All {
			if err := e.eval(child, req); err != nil {
				return err
			}
		}
		return nil
	case expr.Any != nil:
		// A specific reason from any branch beats a plain denial.
		var reason error
		for _, child := range expr.Any {
			err := e.eval(child, req)
			if err == nil {
				return nil
			}
			if reason == nil || (errors.Is(reason, errDenied) && !errors.Is(err, errDenied)) {
				reason = err
			}
		}
		return reason
	case expr.Predicate == "allow":
		return nil
	case expr.Predicate == "deny":
		return errDenied
	default:
		return e.predicates[expr.Predicate](req)
	}
}

// Rules returns a copy of the loaded rule table keyed "collection.operation"
// with a printable form of each expression.
func (e *Enforcer) Rules() map[string]string {
	out := make(map[string]string)
	for c, ops := range e.doc.Collections {
		for op, expr := range ops {
			out[string(c)+"."+string(op)] = expr.String()
		}
	}
	return out
}

// RuleNames returns the keys of Rules in sorted order.
func (e *Enforcer) RuleNames() []string {
	rules := e.Rules()
	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (x Expr) String() string {
	switch {
	case x.Not != nil:
		return "not(" + x.Not.String() + ")"
	case x.All != nil:
		return joinExprs("all", x.All)
	case x.Any != nil:
		return joinExprs("any", x.Any)
	default:
		return x.Predicate
	}
}

func joinExprs(op string, children []Expr) string {
	s := op + "("
	for i, child := range children {
		if i > 0 {
			s += ", "
		}
		s += child.String()
	}
	return s + ")"
}

var nouns = map[Collection]string{
	Users:             "profile",
	FriendRequests:    "friend request",
	Friendships:       "friendship",
	Folders:           "folder",
	FolderInvites:     "folder invite",
	FolderItems:       "folder item",
	ScheduledMessages: "message",
}

var verbs = map[Operation]string{
	Read:   "view this",
	List:   "list these",
	Create: "create this",
	Update: "change this",
	Delete: "delete this",
}

func describe(c Collection, op Operation) string {
	noun, ok := nouns[c]
	if !ok {
		noun = "item"
	}
	verb, ok := verbs[op]
	if !ok {
		verb = "access this"
	}
	if op == List {
		return verb + " " + noun + "s"
	}
	return verb + " " + noun
}
