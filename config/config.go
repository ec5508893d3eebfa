package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	DBPath      string
	Log         LogConfig
	Scheduler   SchedulerConfig
	API         APIConfig
	Sweeper     SweeperConfig
	Evidence    EvidenceConfig
	Browser     BrowserConfig
	Selectors   *Selectors
}

type LogConfig struct {
	Path       string
	Level      string
	MaxBytes   int64
	MaxBackups int
}

type SchedulerConfig struct {
	Interval time.Duration
	Cron     string
}

type APIConfig struct {
	Addr string
}

type SweeperConfig struct {
	StaleAfter time.Duration
	// Interval enables the periodic sweep when positive.
	Interval time.Duration
}

type EvidenceConfig struct {
	Dir           string
	S3Bucket      string
	S3Region      string
	S3Endpoint    string
	S3AccessKeyID string
	S3SecretKey   string
	S3Prefix      string
}

type BrowserConfig struct {
	ProxyURL string
	DataDir  string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBPath:      getEnv("DB_PATH", "ingest.db"),
		Log: LogConfig{
			Path:       getEnv("LOG_PATH", "daemon.log"),
			Level:      getEnv("LOG_LEVEL", "info"),
			MaxBytes:   int64(getEnvInt("LOG_MAX_BYTES", 2*1024*1024)),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		},
		Scheduler: SchedulerConfig{
			Cron:     os.Getenv("SCRAPE_CRON"),
			Interval: getEnvDuration("SCRAPE_INTERVAL", 0),
		},
		API: APIConfig{
			Addr: getEnv("API_ADDR", ":8080"),
		},
		Sweeper: SweeperConfig{
			StaleAfter: getEnvDuration("STALE_RUN_AFTER", 2*time.Hour),
			Interval:   getEnvDuration("STALE_SWEEP_INTERVAL", 0),
		},
		Evidence: EvidenceConfig{
			Dir:           getEnv("EVIDENCE_DIR", "evidence"),
			S3Bucket:      os.Getenv("S3_BUCKET"),
			S3Region:      getEnv("S3_REGION", "eu-west-3"),
			S3Endpoint:    os.Getenv("S3_ENDPOINT"),
			S3AccessKeyID: os.Getenv("S3_ACCESS_KEY_ID"),
			S3SecretKey:   os.Getenv("S3_SECRET_ACCESS_KEY"),
			S3Prefix:      getEnv("S3_PREFIX", "captcha"),
		},
		Browser: BrowserConfig{
			ProxyURL: os.Getenv("PROXY_URL"),
			DataDir:  os.Getenv("BROWSER_DATA_DIR"),
		},
	}

	selectors, err := LoadSelectors(getEnv("SELECTORS_PATH", "config/selectors.yaml"))
	if err != nil {
		return nil, err
	}
	cfg.Selectors = selectors

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
