package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	BranchID              string
	TaxRatePercent        float64
	AuthSecret            string
	AccessTokenTTLMinutes int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	taxRate, err := strconv.ParseFloat(getEnv("TAX_RATE_PERCENT", "0"), 64)
	if err != nil || taxRate < 0 || taxRate > 100 {
		taxRate = 0
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		BranchID:              getEnv("DEFAULT_BRANCH_ID", "main-branch"),
		TaxRatePercent:        taxRate,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// TerminalConfig drives the offline terminal binary. The terminal keeps its
// queue in a local file and talks to one server over HTTP.
type TerminalConfig struct {
	Port            string
	ServerBaseURL   string
	TerminalID      string
	BranchID        string
	QueuePath       string
	Username        string
	Password        string
	PollInterval    time.Duration
	SyncBatchSize   int
	SyncCallTimeout time.Duration
	RetryBudget     int
}

func LoadTerminal() TerminalConfig {
	pollSeconds, err := strconv.Atoi(getEnv("CONNECTIVITY_POLL_SECONDS", "30"))
	if err != nil || pollSeconds < 1 {
		pollSeconds = 30
	}
	batch, err := strconv.Atoi(getEnv("SYNC_BATCH_SIZE", "10"))
	if err != nil || batch < 1 {
		batch = 10
	}
	callSeconds, err := strconv.Atoi(getEnv("SYNC_CALL_TIMEOUT_SECONDS", "15"))
	if err != nil || callSeconds < 1 {
		callSeconds = 15
	}
	budget, err := strconv.Atoi(getEnv("SYNC_RETRY_BUDGET", "3"))
	if err != nil || budget < 1 {
		budget = 3
	}

	return TerminalConfig{
		Port:            getEnv("TERMINAL_PORT", "8090"),
		ServerBaseURL:   getEnv("SERVER_BASE_URL", "http://127.0.0.1:8080"),
		TerminalID:      getEnv("TERMINAL_ID", "terminal-1"),
		BranchID:        getEnv("DEFAULT_BRANCH_ID", "main-branch"),
		QueuePath:       getEnv("QUEUE_PATH", "lakupos-queue.db"),
		Username:        getEnv("TERMINAL_USERNAME", "cashier"),
		Password:        os.Getenv("TERMINAL_PASSWORD"),
		PollInterval:    time.Duration(pollSeconds) * time.Second,
		SyncBatchSize:   batch,
		SyncCallTimeout: time.Duration(callSeconds) * time.Second,
		RetryBudget:     budget,
	}
}

func (c TerminalConfig) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
