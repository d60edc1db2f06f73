package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KEEPSAKE_JWT_SECRET", strings.Repeat("s", 32))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AppPort != 8080 {
		t.Fatalf("expected default port got %d", cfg.AppPort)
	}
	if cfg.Policies.FriendRequestSend.MaxRequests != 20 {
		t.Fatalf("unexpected friend request cap %d", cfg.Policies.FriendRequestSend.MaxRequests)
	}
	if cfg.Delivery.MinLeadTime != 5*time.Minute {
		t.Fatalf("unexpected lead time %v", cfg.Delivery.MinLeadTime)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate: %v", err)
	}
}

func TestLoadPolicyOverrides(t *testing.T) {
	t.Setenv("KEEPSAKE_RATE_SEARCH_MAX", "5")
	t.Setenv("KEEPSAKE_RATE_SEARCH_WINDOW", "10s")
	t.Setenv("KEEPSAKE_RATE_SCHEDULED_MESSAGE_INTERVAL", "1m")
	t.Setenv("KEEPSAKE_MESSAGE_MIN_LEAD", "1h")
	t.Setenv("KEEPSAKE_RETRY_JITTER", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p := cfg.Policies.DirectorySearch; p.MaxRequests != 5 || p.Window != 10*time.Second {
		t.Fatalf("unexpected search policy %+v", p)
	}
	if cfg.Policies.DirectorySearch.Name != "directory.search" {
		t.Fatalf("expected policy name preserved got %q", cfg.Policies.DirectorySearch.Name)
	}
	if cfg.Policies.ScheduledMessageCreate.MinInterval != time.Minute {
		t.Fatalf("unexpected interval %v", cfg.Policies.ScheduledMessageCreate.MinInterval)
	}
	if cfg.Delivery.MinLeadTime != time.Hour {
		t.Fatalf("unexpected lead time %v", cfg.Delivery.MinLeadTime)
	}
	if cfg.Retry.Jitter != 0.2 {
		t.Fatalf("expected invalid jitter to fall back got %v", cfg.Retry.Jitter)
	}
}

func TestValidateRejectsNonsense(t *testing.T) {
	t.Setenv("KEEPSAKE_JWT_SECRET", "short")
	t.Setenv("KEEPSAKE_RATE_FOLDER_MODIFY_WINDOW", "0s")
	t.Setenv("KEEPSAKE_MESSAGE_MAX_HORIZON", "1m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	err = cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"JWT_SECRET", "folder.modify", "horizon"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("KEEPSAKE_TEST_DOTENV=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("KEEPSAKE_TEST_DOTENV", "")
	os.Unsetenv("KEEPSAKE_TEST_DOTENV")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	if got := os.Getenv("KEEPSAKE_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("expected value from file got %q", got)
	}

	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("expected missing file to be ignored: %v", err)
	}
}
