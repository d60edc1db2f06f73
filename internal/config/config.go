package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/keepsake/backend/internal/ratelimit"
	"github.com/keepsake/backend/internal/scheduled"
)

// Config captures the runtime configuration for the Keepsake backend service.
type Config struct {
	AppPort      int
	DatabaseURL  string
	MaxDBConns   int
	MigrationDir string
	LogLevel     string

	HTTP        HTTPConfig
	Auth        AuthConfig
	ObjectStore ObjectStoreConfig
	Retry       RetryConfig
	Dispatcher  scheduled.DispatcherConfig
	Delivery    scheduled.Rules
	Policies    ratelimit.Policies
	Directory   DirectoryConfig

	// IPRequestsPerSecond and IPBurst bound unauthenticated endpoints per
	// client address.
	IPRequestsPerSecond float64
	IPBurst             int

	MaxAttachmentBytes int64
}

type HTTPConfig struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type AuthConfig struct {
	JWTSecret  string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// ObjectStoreConfig points at an S3-compatible bucket. An empty bucket keeps
// attachments in memory.
type ObjectStoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string
}

type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64
}

type DirectoryConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

// LoadDotEnv reads variables from path (".env" when empty) into the process
// environment without overriding ones already set. A missing file is not an
// error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables, applying sensible defaults
// for local development while allowing overrides through environment variables.
func Load() (Config, error) {
	policies := ratelimit.DefaultPolicies()
	rules := scheduled.DefaultRules()

	cfg := Config{
		AppPort:      getInt("KEEPSAKE_PORT", 8080),
		DatabaseURL:  getString("KEEPSAKE_DATABASE_URL", ""),
		MaxDBConns:   getInt("KEEPSAKE_DATABASE_MAX_CONNS", 0),
		MigrationDir: getString("KEEPSAKE_MIGRATIONS", "migrations"),
		LogLevel:     getString("KEEPSAKE_LOG_LEVEL", "info"),
		HTTP: HTTPConfig{
			ReadTimeout:     getDuration("KEEPSAKE_HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDuration("KEEPSAKE_HTTP_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getDuration("KEEPSAKE_HTTP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDuration("KEEPSAKE_HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret:  getString("KEEPSAKE_JWT_SECRET", ""),
			Issuer:     getString("KEEPSAKE_JWT_ISSUER", "keepsake"),
			AccessTTL:  getDuration("KEEPSAKE_ACCESS_TTL", 15*time.Minute),
			RefreshTTL: getDuration("KEEPSAKE_REFRESH_TTL", 30*24*time.Hour),
		},
		ObjectStore: ObjectStoreConfig{
			Bucket:   getString("KEEPSAKE_S3_BUCKET", ""),
			Region:   getString("KEEPSAKE_S3_REGION", "us-east-1"),
			Endpoint: getString("KEEPSAKE_S3_ENDPOINT", ""),
		},
		Retry: RetryConfig{
			MaxRetries: getInt("KEEPSAKE_RETRY_MAX", 3),
			BaseDelay:  getDuration("KEEPSAKE_RETRY_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:   getDuration("KEEPSAKE_RETRY_MAX_DELAY", 10*time.Second),
			Jitter:     getFloat("KEEPSAKE_RETRY_JITTER", 0.2),
		},
		Dispatcher: scheduled.DispatcherConfig{
			Interval:  getDuration("KEEPSAKE_DELIVERY_INTERVAL", 30*time.Second),
			BatchSize: getInt("KEEPSAKE_DELIVERY_BATCH", 100),
			QueueSize: getInt("KEEPSAKE_DELIVERY_QUEUE", 100),
			Workers:   getInt("KEEPSAKE_DELIVERY_WORKERS", 2),
		},
		Delivery: scheduled.Rules{
			MinLeadTime:        getDuration("KEEPSAKE_MESSAGE_MIN_LEAD", rules.MinLeadTime),
			MaxHorizon:         getDuration("KEEPSAKE_MESSAGE_MAX_HORIZON", rules.MaxHorizon),
			MaxTextLength:      getInt("KEEPSAKE_MESSAGE_MAX_LENGTH", rules.MaxTextLength),
			MinDeliverySpacing: getDuration("KEEPSAKE_MESSAGE_DELIVERY_SPACING", rules.MinDeliverySpacing),
		},
		Policies: ratelimit.Policies{
			FriendRequestSend:      getPolicy("FRIEND_REQUEST", policies.FriendRequestSend),
			DirectorySearch:        getPolicy("SEARCH", policies.DirectorySearch),
			ScheduledMessageCreate: getPolicy("SCHEDULED_MESSAGE", policies.ScheduledMessageCreate),
			FolderModify:           getPolicy("FOLDER_MODIFY", policies.FolderModify),
			PublicFolderModify:     getPolicy("PUBLIC_FOLDER_MODIFY", policies.PublicFolderModify),
			FolderInviteSend:       getPolicy("FOLDER_INVITE", policies.FolderInviteSend),
		},
		Directory: DirectoryConfig{
			CacheSize: getInt("KEEPSAKE_SEARCH_CACHE_SIZE", 1024),
			CacheTTL:  getDuration("KEEPSAKE_SEARCH_CACHE_TTL", 30*time.Second),
		},
		IPRequestsPerSecond: getFloat("KEEPSAKE_IP_RPS", 5),
		IPBurst:             getInt("KEEPSAKE_IP_BURST", 10),
		MaxAttachmentBytes:  int64(getInt("KEEPSAKE_MAX_ATTACHMENT_BYTES", 5<<20)),
	}

	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.AppPort <= 0 || c.AppPort > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.AppPort))
	}
	if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("KEEPSAKE_JWT_SECRET must be at least 32 bytes"))
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= c.Auth.AccessTTL {
		errs = append(errs, errors.New("refresh ttl must exceed a positive access ttl"))
	}
	if c.Retry.MaxRetries < 0 || c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry delays must be positive with max >= base"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, fmt.Errorf("retry jitter %.2f outside [0, 1]", c.Retry.Jitter))
	}
	if c.Delivery.MinLeadTime < 0 || c.Delivery.MaxHorizon <= c.Delivery.MinLeadTime {
		errs = append(errs, errors.New("message horizon must exceed the minimum lead time"))
	}
	if c.Delivery.MaxTextLength <= 0 || c.Delivery.MinDeliverySpacing < 0 {
		errs = append(errs, errors.New("message text cap must be positive and spacing non-negative"))
	}
	for _, p := range c.Policies.All() {
		if p.MaxRequests < 0 || (p.MaxRequests > 0 && p.Window <= 0) || p.MinInterval < 0 {
			errs = append(errs, fmt.Errorf("rate limit %s: invalid thresholds", p.Name))
		}
	}
	if c.IPRequestsPerSecond <= 0 || c.IPBurst <= 0 {
		errs = append(errs, errors.New("ip rate limit must be positive"))
	}
	if c.MaxAttachmentBytes <= 0 {
		errs = append(errs, errors.New("attachment size cap must be positive"))
	}
	return errors.Join(errs...)
}

// getPolicy overrides a rate-limit policy from KEEPSAKE_RATE_<NAME>_MAX,
// _WINDOW and _INTERVAL.
func getPolicy(name string, fallback ratelimit.Policy) ratelimit.Policy {
	prefix := "KEEPSAKE_RATE_" + strings.ToUpper(name)
	p := fallback
	p.MaxRequests = getInt(prefix+"_MAX", fallback.MaxRequests)
	p.Window = getDuration(prefix+"_WINDOW", fallback.Window)
	p.MinInterval = getDuration(prefix+"_INTERVAL", fallback.MinInterval)
	return p
}

func getString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return i
}

func getFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
