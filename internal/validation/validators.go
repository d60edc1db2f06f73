// Package validation holds the fast-fail checks applied before an operation
// is attempted remotely. Validators return a Result carrying either the
// sanitized value or a corrective message; none of them perform I/O.
package validation

import (
	"html"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/permissions"
	"github.com/keepsake/backend/internal/scheduled"
)

const (
	MaxHandleLength      = 30
	MaxDisplayNameLength = 60
	MaxFolderNameLength  = 80
	MaxItemTitleLength   = 120
	MaxItemBodyLength    = 10000
	MinSearchLength      = 2
	MaxSearchLength      = 40
	MinPasswordLength    = 8
	MaxPasswordLength    = 72
	MaxUserIDLength      = 64
)

var (
	stripPolicy = bluemonday.StrictPolicy()
	handleRe    = regexp.MustCompile(`^[a-z0-9_.]{3,30}$`)
	userIDRe    = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Result is either a sanitized value or a user-facing error message.
type Result[T any] struct {
	Value T
	Error string
}

// OK reports whether validation passed.
func (r Result[T]) OK() bool { return r.Error == "" }

// Err returns the failure as a validation error, or nil.
func (r Result[T]) Err() error {
	if r.OK() {
		return nil
	}
	return apperr.Validation(r.Error)
}

func ok[T any](v T) Result[T] { return Result[T]{Value: v} }

func fail[T any](msg string) Result[T] { return Result[T]{Error: msg} }

const markupMessage = "Text can't contain HTML tags. Remove anything written like <tag>."

// Sanitize normalizes line endings, drops control characters other than
// newlines and tabs, and trims surrounding whitespace. The text is otherwise
// kept as typed; it is plain text and gets escaped wherever it is rendered.
func Sanitize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\r':
			return '\n'
		case r == '\n' || r == '\t':
			return r
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// HasMarkup reports whether an HTML parser would read s as containing tags,
// comments or other markup rather than plain text. Entities such as &lt; are
// text and do not count.
func HasMarkup(s string) bool {
	return stripPolicy.Sanitize(s) != html.EscapeString(html.UnescapeString(s))
}

// plainText sanitizes s and rejects it when it holds markup.
func plainText(s string) (string, bool) {
	text := Sanitize(s)
	return text, !HasMarkup(text)
}

// UserID checks an opaque user identifier.
func UserID(id string) Result[string] {
	id = strings.TrimSpace(id)
	switch {
	case id == "":
		return fail[string]("Choose a user.")
	case len(id) > MaxUserIDLength || !userIDRe.MatchString(id):
		return fail[string]("That user id is not valid.")
	}
	return ok(id)
}

// Handle normalizes and checks a public handle.
func Handle(s string) Result[string] {
	h := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
	if !handleRe.MatchString(h) {
		return fail[string]("Handles are 3 to 30 characters: letters, numbers, dots and underscores.")
	}
	return ok(h)
}

// DisplayName sanitizes a display name. Empty names are allowed.
func DisplayName(s string) Result[string] {
	name, plain := plainText(s)
	if !plain {
		return fail[string](markupMessage)
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return fail[string]("Display names can be at most 60 characters.")
	}
	return ok(name)
}

// SearchQuery normalizes a directory search prefix.
func SearchQuery(s string) Result[string] {
	q := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
	n := utf8.RuneCountInString(q)
	switch {
	case n < MinSearchLength:
		return fail[string]("Type at least 2 characters to search.")
	case n > MaxSearchLength:
		return fail[string]("Search terms can be at most 40 characters.")
	}
	return ok(q)
}

// FolderName sanitizes a folder name.
func FolderName(s string) Result[string] {
	name, plain := plainText(s)
	switch n := utf8.RuneCountInString(name); {
	case !plain:
		return fail[string](markupMessage)
	case n == 0:
		return fail[string]("Give the folder a name.")
	case n > MaxFolderNameLength:
		return fail[string]("Folder names can be at most 80 characters.")
	}
	return ok(name)
}

// Contributors deduplicates ids, drops the owner and enforces the cap.
func Contributors(ownerID string, ids []string) Result[[]string] {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" || id == ownerID {
			continue
		}
		if r := UserID(id); !r.OK() {
			return fail[[]string](r.Error)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) > permissions.MaxContributors {
		return fail[[]string]("A folder can have at most 20 contributors.")
	}
	return ok(out)
}

// ItemTitle sanitizes a folder item title.
func ItemTitle(s string) Result[string] {
	title, plain := plainText(s)
	switch n := utf8.RuneCountInString(title); {
	case !plain:
		return fail[string](markupMessage)
	case n == 0:
		return fail[string]("Give the item a title.")
	case n > MaxItemTitleLength:
		return fail[string]("Titles can be at most 120 characters.")
	}
	return ok(title)
}

// ItemBody sanitizes an optional folder item body.
func ItemBody(s string) Result[string] {
	body, plain := plainText(s)
	if !plain {
		return fail[string](markupMessage)
	}
	if utf8.RuneCountInString(body) > MaxItemBodyLength {
		return fail[string]("Notes can be at most 10000 characters.")
	}
	return ok(body)
}

// MessageText sanitizes a scheduled message body against rules.
func MessageText(s string, rules scheduled.Rules) Result[string] {
	text, plain := plainText(s)
	if !plain {
		return fail[string](markupMessage)
	}
	if err := rules.ValidateText(text); err != nil {
		return fail[string](apperr.Describe(err).Message)
	}
	return ok(text)
}

// ScheduleTime checks a delivery time against rules.
func ScheduleTime(at, now time.Time, rules scheduled.Rules) Result[time.Time] {
	if err := rules.ValidateSchedule(at, now); err != nil {
		return fail[time.Time](apperr.Describe(err).Message)
	}
	return ok(at.UTC())
}

// Email normalizes an email address.
func Email(s string) Result[string] {
	email := strings.ToLower(strings.TrimSpace(s))
	if email == "" {
		return fail[string]("Enter your email address.")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fail[string]("That email address is not valid.")
	}
	return ok(email)
}

// Password checks password length. bcrypt ignores bytes past 72.
func Password(s string) Result[string] {
	switch {
	case len(s) < MinPasswordLength:
		return fail[string]("Passwords must be at least 8 characters.")
	case len(s) > MaxPasswordLength:
		return fail[string]("Passwords can be at most 72 bytes.")
	}
	return ok(s)
}
