package apperr

import (
	"fmt"
	"math"
	"net/http"
	"time"
)

// Description is the user-displayable rendering of an error.
type Description struct {
	Kind              string `json:"kind"`
	Message           string `json:"error"`
	Remedy            string `json:"remedy,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

// Describe renders err for display. Raw codes and wrapped causes are never
// exposed.
func Describe(err error) Description {
	e := FromRemote(err)
	if e == nil {
		return Description{}
	}
	d := Description{Kind: e.Kind.String(), Message: e.Message, Remedy: e.Remedy}
	if e.RetryAfter > 0 {
		d.RetryAfterSeconds = int(math.Ceil(e.RetryAfter.Seconds()))
	}
	return d
}

// HTTPStatus maps the Kind of err onto an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindPermission:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HumanDuration formats d the way wait timers are shown to users.
func HumanDuration(d time.Duration) string {
	switch {
	case d <= time.Second:
		return "1 second"
	case d < time.Minute:
		return plural(int(math.Ceil(d.Seconds())), "second")
	case d < time.Hour:
		return plural(int(math.Ceil(d.Minutes())), "minute")
	case d < 24*time.Hour:
		return plural(int(math.Ceil(d.Hours())), "hour")
	default:
		return plural(int(math.Ceil(d.Hours()/24)), "day")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
