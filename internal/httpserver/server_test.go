package httpserver

import (
	"net/http"
	"testing"
	"time"

	"github.com/keepsake/backend/internal/config"
)

func TestNewAppliesTimeouts(t *testing.T) {
	srv := New(8081, http.NotFoundHandler(), config.HTTPConfig{ReadTimeout: time.Second})

	if srv.Addr() != ":8081" {
		t.Fatalf("unexpected addr %q", srv.Addr())
	}
	if srv.inner.ReadTimeout != time.Second {
		t.Fatalf("expected configured read timeout got %s", srv.inner.ReadTimeout)
	}
	if srv.inner.WriteTimeout != 30*time.Second || srv.inner.IdleTimeout != 60*time.Second {
		t.Fatalf("expected defaults for unset timeouts got %s/%s", srv.inner.WriteTimeout, srv.inner.IdleTimeout)
	}
}

func TestShutdownContextFallsBack(t *testing.T) {
	ctx, cancel := ShutdownContext(0)
	defer cancel()

	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("expected a deadline")
	}
	if remaining := time.Until(deadline); remaining <= 0 || remaining > ShutdownTimeout {
		t.Fatalf("unexpected remaining time %s", remaining)
	}
	if ctx.Err() != nil {
		t.Fatalf("context should still be live: %v", ctx.Err())
	}
}
