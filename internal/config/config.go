package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process-level configuration. Runtime knobs an operator changes
// from the UI (cloud URL, sync and backup intervals) live in the Setting table.
type Config struct {
	Env                  string
	HTTPPort             string
	CloudPort            string
	DataDir              string
	DatabasePath         string
	BackupDir            string
	DurableBackupPath    string
	SecondaryBackupPath  string
	BundledSnapshotPath  string
	RestoreOverridePath  string
	JWTSecret            string
	AccessTokenTTL       time.Duration
	CloudURL             string
	CloudSyncKey         string
	CloudDatabaseDSN     string
	OutboxSweepInterval  time.Duration
	DrainFollowUpDelay   time.Duration
	RestoreGraceDelay    time.Duration
	DefaultAdminUsername string
	DefaultAdminPassword string
	AllowedOrigins       []string
	DBDebug              bool
	ShutdownTimeout      time.Duration
}

// Load reads environment variables and .env (if present).
func Load() (Config, error) {
	_ = godotenv.Load()

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := getEnv("POS_DATA_DIR", "data")

	cfg := Config{
		Env:                  getEnv("APP_ENV", "development"),
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		CloudPort:            getEnv("CLOUD_PORT", "9090"),
		DataDir:              dataDir,
		DatabasePath:         getEnv("DATABASE_PATH", filepath.Join(dataDir, "pos.db")),
		BackupDir:            getEnv("BACKUP_DIR", filepath.Join(dataDir, "backups")),
		DurableBackupPath:    getEnv("DURABLE_BACKUP_PATH", filepath.Join(home, "Documents", "POSBackups", "pos-latest.db")),
		SecondaryBackupPath:  getEnv("SECONDARY_BACKUP_PATH", filepath.Join(home, ".pos-backup", "pos-latest.db")),
		BundledSnapshotPath:  getEnv("BUNDLED_SNAPSHOT_PATH", filepath.Join("seed", "pos.db")),
		RestoreOverridePath:  os.Getenv("POS_RESTORE_PATH"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		AccessTokenTTL:       getDuration("ACCESS_TOKEN_TTL", 24*time.Hour),
		CloudURL:             strings.TrimRight(os.Getenv("CLOUD_URL"), "/"),
		CloudSyncKey:         os.Getenv("CLOUD_SYNC_KEY"),
		CloudDatabaseDSN:     getEnv("CLOUD_DATABASE_DSN", filepath.Join(dataDir, "cloud.db")),
		OutboxSweepInterval:  getDuration("OUTBOX_SWEEP_INTERVAL", time.Minute),
		DrainFollowUpDelay:   getDuration("DRAIN_FOLLOW_UP_DELAY", 2*time.Second),
		RestoreGraceDelay:    getDuration("RESTORE_GRACE_DELAY", 500*time.Millisecond),
		DefaultAdminUsername: getEnv("DEFAULT_ADMIN_USERNAME", "admin"),
		DefaultAdminPassword: getEnv("DEFAULT_ADMIN_PASSWORD", "admin123"),
		AllowedOrigins:       getList("ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		DBDebug:              getBool("DB_DEBUG", false),
		ShutdownTimeout:      getDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	if cfg.DatabasePath == "" {
		return cfg, errors.New("DATABASE_PATH is required")
	}
	return cfg, nil
}

// RequireJWT fails when the terminal server would start without a signing key.
func (c Config) RequireJWT() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		// Support seconds as integer without suffix.
		if secs, convErr := strconv.Atoi(val); convErr == nil {
			return time.Duration(secs) * time.Second
		}
		return fallback
	}
	return d
}

func getBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}

func getList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
