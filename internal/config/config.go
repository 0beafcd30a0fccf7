package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"pharmaledger/internal/domain"
)

type Config struct {
	DatabaseURL           string
	DatabaseAutoMigrate   bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	IdempotencyTTLSeconds int
	TxMaxAttempts         int
	TxBaseBackoffMS       int
	TxMaxBackoffMS        int
	OrganizationID        string
	BranchID              string
	UserID                string
	AllowExpiredSales     bool
}

// Load reads the environment, picking up a .env file in the working
// directory when there is one. Variables already set win over the file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		DatabaseURL:           strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DatabaseAutoMigrate:   getBool("DATABASE_AUTO_MIGRATE", true),
		RedisAddr:             strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getInt("REDIS_DB", 0),
		IdempotencyTTLSeconds: getInt("IDEMPOTENCY_TTL_SECONDS", 86400),
		TxMaxAttempts:         getInt("LEDGER_TX_MAX_ATTEMPTS", 5),
		TxBaseBackoffMS:       getInt("LEDGER_TX_BASE_BACKOFF_MS", 25),
		TxMaxBackoffMS:        getInt("LEDGER_TX_MAX_BACKOFF_MS", 800),
		OrganizationID:        getEnv("DEFAULT_ORGANIZATION_ID", "demo-org"),
		BranchID:              getEnv("DEFAULT_BRANCH_ID", "main-branch"),
		UserID:                getEnv("DEFAULT_USER_ID", "replay"),
		AllowExpiredSales:     getBool("LEDGER_ALLOW_EXPIRED_SALES", false),
	}
}

func (c Config) Validate() error {
	if c.TxMaxAttempts < 1 {
		return fmt.Errorf("LEDGER_TX_MAX_ATTEMPTS must be at least 1, got %d", c.TxMaxAttempts)
	}
	if c.TxBaseBackoffMS < 0 || c.TxMaxBackoffMS < 0 {
		return fmt.Errorf("transaction backoff cannot be negative")
	}
	if c.TxBaseBackoffMS > c.TxMaxBackoffMS {
		return fmt.Errorf("LEDGER_TX_BASE_BACKOFF_MS (%d) exceeds LEDGER_TX_MAX_BACKOFF_MS (%d)", c.TxBaseBackoffMS, c.TxMaxBackoffMS)
	}
	if c.IdempotencyTTLSeconds < 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL_SECONDS cannot be negative")
	}
	if !c.Scope().Valid() {
		return fmt.Errorf("DEFAULT_ORGANIZATION_ID, DEFAULT_BRANCH_ID and DEFAULT_USER_ID must not be blank")
	}
	return nil
}

// Scope is the tenant the replay tool acts as.
func (c Config) Scope() domain.Scope {
	return domain.Scope{OrganizationID: c.OrganizationID, BranchID: c.BranchID, UserID: c.UserID}
}

func (c Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSeconds) * time.Second
}

func (c Config) BaseBackoff() time.Duration {
	return time.Duration(c.TxBaseBackoffMS) * time.Millisecond
}

func (c Config) MaxBackoff() time.Duration {
	return time.Duration(c.TxMaxBackoffMS) * time.Millisecond
}

func getEnv(key string, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

func getInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return b
}
