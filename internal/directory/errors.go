package directory

import "errors"

// ErrUnavailable is returned when no backing searcher is configured.
var ErrUnavailable = errors.New("directory search unavailable")
