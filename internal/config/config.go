package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// jwtSecretMinLen is the minimum signing secret length in bytes. HS256
// keys shorter than the hash output weaken the MAC.
const jwtSecretMinLen = 32

// Config holds all environment-based configuration for authcore.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Token signing. JWT_SECRET is required.
	JWTSecret string `env:"JWT_SECRET"`
	JWTIssuer string `env:"JWT_ISSUER" envDefault:"authcore"`

	AccessTokenTTL       time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL      time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`
	VerificationTokenTTL time.Duration `env:"VERIFICATION_TOKEN_TTL" envDefault:"24h"`
	ResetTokenTTL        time.Duration `env:"RESET_TOKEN_TTL" envDefault:"1h"`

	// Resend/request throttling for verification and reset tokens.
	ActionCooldown    time.Duration `env:"ACTION_COOLDOWN" envDefault:"1h"`
	ActionMaxRequests int           `env:"ACTION_MAX_REQUESTS" envDefault:"3"`

	// Credential guard policy.
	LoginMaxAttempts int           `env:"LOGIN_MAX_ATTEMPTS" envDefault:"5"`
	LockDuration     time.Duration `env:"LOCK_DURATION" envDefault:"2h"`

	// Transient store. An empty REDIS_URL selects the in-process store.
	RedisURL           string        `env:"REDIS_URL"`
	StoreOpTimeout     time.Duration `env:"STORE_OP_TIMEOUT" envDefault:"2s"`
	StoreProbeInterval time.Duration `env:"STORE_PROBE_INTERVAL" envDefault:"30s"`

	// Persistent user store location. Defaults to ~/.authcore/users.db.
	StatePath string `env:"STATE_PATH"`

	BcryptCost         int `env:"BCRYPT_COST" envDefault:"12"`
	LoginRatePerMinute int `env:"LOGIN_RATE_PER_MINUTE" envDefault:"10"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the signing secret to other users.
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

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		path, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	absPath, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
	}

	cfg.StatePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if len(c.JWTSecret) < jwtSecretMinLen {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes", jwtSecretMinLen)
	}

	durations := []struct {
		name string
		val  time.Duration
	}{
		{"ACCESS_TOKEN_TTL", c.AccessTokenTTL},
		{"REFRESH_TOKEN_TTL", c.RefreshTokenTTL},
		{"VERIFICATION_TOKEN_TTL", c.VerificationTokenTTL},
		{"RESET_TOKEN_TTL", c.ResetTokenTTL},
		{"ACTION_COOLDOWN", c.ActionCooldown},
		{"LOCK_DURATION", c.LockDuration},
		{"STORE_OP_TIMEOUT", c.StoreOpTimeout},
		{"STORE_PROBE_INTERVAL", c.StoreProbeInterval},
	}
	for _, d := range durations {
		if d.val <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}

	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		return fmt.Errorf("REFRESH_TOKEN_TTL must be longer than ACCESS_TOKEN_TTL")
	}

	if c.ActionMaxRequests < 1 {
		return fmt.Errorf("ACTION_MAX_REQUESTS must be at least 1")
	}

	if c.LoginMaxAttempts < 1 {
		return fmt.Errorf("LOGIN_MAX_ATTEMPTS must be at least 1")
	}

	// Mirrors bcrypt.MinCost and bcrypt.MaxCost.
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return fmt.Errorf("BCRYPT_COST must be between 4 and 31")
	}

	if c.LoginRatePerMinute < 1 {
		return fmt.Errorf("LOGIN_RATE_PER_MINUTE must be at least 1")
	}

	return nil
}

// DefaultStatePath returns ~/.authcore/users.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".authcore", "users.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
