package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port          string
	AllowedOrigin string

	// Local persistence. SQLitePath selects the embedded file store for a
	// register; DatabaseURL selects PostgreSQL (used by the hub). Neither
	// set means memory only.
	SQLitePath  string
	DatabaseURL string

	// HubURL is the remote replication peer. Empty disables replication.
	HubURL              string
	SyncIntervalSeconds int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AuthSecret            string
	AccessTokenTTLMinutes int

	AllowNegativeStock bool

	BusinessName    string
	BusinessAddress string
	BusinessPhone   string

	SeedDemoData bool
}

func Load() Config {
	// A missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	syncInterval, err := strconv.Atoi(getEnv("SYNC_INTERVAL_SECONDS", "15"))
	if err != nil || syncInterval < 1 {
		syncInterval = 15
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}

	return Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		SQLitePath:            os.Getenv("SQLITE_PATH"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		HubURL:                strings.TrimRight(os.Getenv("HUB_URL"), "/"),
		SyncIntervalSeconds:   syncInterval,
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		AllowNegativeStock:    getEnv("ALLOW_NEGATIVE_STOCK", "false") == "true",
		BusinessName:          getEnv("BUSINESS_NAME", "Matjar POS"),
		BusinessAddress:       os.Getenv("BUSINESS_ADDRESS"),
		BusinessPhone:         os.Getenv("BUSINESS_PHONE"),
		SeedDemoData:          getEnv("SEED_DEMO_DATA", "false") == "true",
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
