package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Host     string
	Port     int
	APIToken string

	// Settings store
	SettingsPath string

	// Scheduler settings
	Interval     time.Duration
	RunTimeout   time.Duration
	RunOnStart   bool
	HistoryLimit int

	// Collector settings
	CrawlCommand string
	WorkDir      string

	// Collected posts database
	DBPath     string
	PostsTable string

	// Kafka task events (disabled when no brokers are set)
	KafkaBrokers []string
	KafkaTopic   string

	// Client settings
	ServerURL string

	// Backup settings
	BackupDir string

	// Logging
	LogFormat string
}

const defaultAPIToken = "change_me_in_production"

// NewConfig creates a new configuration with default values
func NewConfig() *Config {
	return &Config{
		Host:         "::",
		Port:         8000,
		APIToken:     defaultAPIToken,
		SettingsPath: "config.json",
		Interval:     30 * time.Minute,
		HistoryLimit: 200,
		CrawlCommand: "python3 weibo.py",
		DBPath:       "./weibo/weibodata.db",
		PostsTable:   "weibo",
		KafkaTopic:   "crawl-tasks",
		ServerURL:    "http://localhost:8000",
		LogFormat:    "console",
	}
}

// LoadFromEnvironment loads configuration from environment variables
func (c *Config) LoadFromEnvironment() {
	if host := os.Getenv("APP_HOST"); host != "" {
		c.Host = host
	}

	if port := os.Getenv("APP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Port = p
		}
	}

	if token := os.Getenv("API_TOKEN"); token != "" {
		c.APIToken = token
	}

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		c.SettingsPath = path
	}

	if interval := os.Getenv("CRAWL_INTERVAL"); interval != "" {
		if m, err := strconv.ParseFloat(interval, 64); err == nil {
			c.Interval = minutes(m)
		}
	}

	if timeout := os.Getenv("CRAWL_RUN_TIMEOUT"); timeout != "" {
		if m, err := strconv.ParseFloat(timeout, 64); err == nil {
			c.RunTimeout = minutes(m)
		}
	}

	if runOnStart := os.Getenv("CRAWL_RUN_ON_START"); runOnStart != "" {
		if b, err := strconv.ParseBool(runOnStart); err == nil {
			c.RunOnStart = b
		}
	}

	if limit := os.Getenv("CRAWL_HISTORY_LIMIT"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			c.HistoryLimit = l
		}
	}

	if command := os.Getenv("CRAWL_COMMAND"); command != "" {
		c.CrawlCommand = command
	}

	if workDir := os.Getenv("CRAWL_WORK_DIR"); workDir != "" {
		c.WorkDir = workDir
	}

	if dbPath := os.Getenv("CRAWL_DB_PATH"); dbPath != "" {
		c.DBPath = dbPath
	}

	if table := os.Getenv("CRAWL_POSTS_TABLE"); table != "" {
		c.PostsTable = table
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.KafkaBrokers = splitList(brokers)
	}

	if topic := os.Getenv("KAFKA_TOPIC"); topic != "" {
		c.KafkaTopic = topic
	}

	if serverURL := os.Getenv("CRAWL_SERVER_URL"); serverURL != "" {
		c.ServerURL = serverURL
	}

	if backupDir := os.Getenv("CRAWL_BACKUP_DIR"); backupDir != "" {
		c.BackupDir = backupDir
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		c.LogFormat = format
	}
}

// ListenAddr returns the host:port the API server binds to
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// UsesDefaultToken reports whether the API token was left at its placeholder value
func (c *Config) UsesDefaultToken() bool {
	return c.APIToken == defaultAPIToken
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got: %d", c.Port)
	}

	if c.APIToken == "" {
		return fmt.Errorf("API token cannot be empty")
	}

	if c.SettingsPath == "" {
		return fmt.Errorf("settings path cannot be empty")
	}

	if c.Interval <= 0 {
		return fmt.Errorf("crawl interval must be positive, got: %s", c.Interval)
	}

	if c.RunTimeout < 0 {
		return fmt.Errorf("run timeout must be non-negative, got: %s", c.RunTimeout)
	}

	if c.HistoryLimit < 0 {
		return fmt.Errorf("history limit must be non-negative, got: %d", c.HistoryLimit)
	}

	if strings.TrimSpace(c.CrawlCommand) == "" {
		return fmt.Errorf("crawl command cannot be empty")
	}

	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("log format must be console or json, got: %s", c.LogFormat)
	}

	return nil
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
