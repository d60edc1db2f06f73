package httpserver

import (
	"context"
	"time"
)

// ShutdownTimeout is used when no shutdown timeout is configured.
var ShutdownTimeout = 10 * time.Second

// ShutdownContext returns a fresh context bounded by timeout, or by
// ShutdownTimeout when timeout is not positive.
func ShutdownContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = ShutdownTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}
