// Package config holds all environment-based configuration for
// authgate. Deployment-level settings (identity service endpoints,
// navigation targets) may also come from a YAML descriptor file, and
// the gate's timing knobs hot-reload when that file changes.
package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

// Config holds all configuration for authgate.
type Config struct {
	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// ListenAddr is the HTTP listen address.
	ListenAddr string `env:"AUTHGATE_LISTEN_ADDR" envDefault:":8080"`

	// Identity service settings.
	IdentityURL         string `env:"IDENTITY_URL"`
	IdentityAnonKey     string `env:"IDENTITY_ANON_KEY"`
	IdentityRealtimeURL string `env:"IDENTITY_REALTIME_URL"`

	// Profile API settings.
	ProfileAPIURL string `env:"PROFILE_API_URL"`

	// Navigation targets. Opaque destinations handed to the gate.
	SignInURL     string `env:"ROUTE_SIGN_IN"`
	OnboardingURL string `env:"ROUTE_ONBOARDING"`
	HomeURL       string `env:"ROUTE_HOME"`

	// StatePath is the auth store location. Defaults to
	// ~/.authgate/state.db when empty.
	StatePath string `env:"AUTHGATE_STATE_PATH"`

	// DescriptorPath points at an optional YAML deployment
	// descriptor. When set, the file is also watched for policy
	// changes at runtime.
	DescriptorPath string `env:"AUTHGATE_CONFIG_FILE"`

	// StatusUsers holds "user:bcrypt-hash" pairs guarding the status
	// endpoint.
	StatusUsers string `env:"AUTHGATE_STATUS_USERS"`

	// Gate timing knobs. They encode a latency/robustness tradeoff
	// against the identity service's consistency window; tune with
	// care.
	SettleDelay        time.Duration `env:"GATE_SETTLE_DELAY" envDefault:"1s"`
	SettleRecheckDelay time.Duration `env:"GATE_SETTLE_RECHECK_DELAY" envDefault:"2s"`
	RecoveryAttempts   int           `env:"GATE_RECOVERY_ATTEMPTS" envDefault:"3"`
	BackoffBase        time.Duration `env:"GATE_BACKOFF_BASE" envDefault:"500ms"`
	BackoffCap         time.Duration `env:"GATE_BACKOFF_CAP" envDefault:"5s"`
	EstablishTimeout   time.Duration `env:"GATE_ESTABLISH_TIMEOUT" envDefault:"5s"`
	RedirectDelay      time.Duration `env:"GATE_REDIRECT_DELAY" envDefault:"1500ms"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables. It first
// attempts to load a .env file if present, then parses env vars, then
// merges the YAML descriptor (env values win for deployment settings;
// descriptor policy values win for timing knobs, since the descriptor
// is the hot-reload source of truth for those).
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DescriptorPath != "" {
		desc, err := LoadDescriptor(cfg.DescriptorPath)
		if err != nil {
			return nil, fmt.Errorf("loading descriptor: %w", err)
		}

		cfg.applyDescriptor(desc)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.IdentityURL == "" {
		return fmt.Errorf("IDENTITY_URL is required")
	}

	if c.IdentityAnonKey == "" {
		return fmt.Errorf("IDENTITY_ANON_KEY is required")
	}

	if c.ProfileAPIURL == "" {
		return fmt.Errorf("PROFILE_API_URL is required")
	}

	if c.SignInURL == "" || c.OnboardingURL == "" || c.HomeURL == "" {
		return fmt.Errorf("ROUTE_SIGN_IN, ROUTE_ONBOARDING, and ROUTE_HOME are all required")
	}

	if c.RecoveryAttempts < 1 {
		return fmt.Errorf("GATE_RECOVERY_ATTEMPTS must be at least 1")
	}

	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("GATE_BACKOFF_CAP must be at least GATE_BACKOFF_BASE, both positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// StatusCredential holds a username and bcrypt password hash parsed
// from AUTHGATE_STATUS_USERS.
type StatusCredential struct {
	Username     string
	PasswordHash string
}

// ParseStatusUsers parses the AUTHGATE_STATUS_USERS string.
// Format: "user1:hash1,user2:hash2" where hashes are bcrypt.
func (c *Config) ParseStatusUsers() ([]StatusCredential, error) {
	if c.StatusUsers == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})

	var creds []StatusCredential

	for _, pair := range strings.Split(c.StatusUsers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid status user entry (missing ':')")
		}

		username := pair[:idx]

		hash := pair[idx+1:]
		if username == "" || hash == "" {
			return nil, fmt.Errorf("empty username or hash in entry %d", len(creds)+1)
		}

		// Reject plain-text passwords early: a valid bcrypt hash
		// compares cleanly against an empty password probe with a
		// mismatch, anything else errors differently.
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("status user %q has a non-bcrypt hash", username)
		}

		if _, dup := seen[username]; dup {
			return nil, fmt.Errorf("duplicate username %q in AUTHGATE_STATUS_USERS", username)
		}

		seen[username] = struct{}{}
		creds = append(creds, StatusCredential{Username: username, PasswordHash: hash})
	}

	return creds, nil
}
