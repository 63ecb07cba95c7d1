package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Environment  string
	Port         string
	LogLevel     string
	LogFormat    string
	RedactErrors bool

	SMTPHost           string
	SMTPPort           int
	SMTPSecurity       string
	SenderEmail        string
	SenderPassword     string
	SenderName         string
	IMAPAddr           string
	IMAPSecurity       string
	POP3Addr           string
	POP3Security       string
	ConnectTimeout     time.Duration
	AuthTimeout        time.Duration
	OperationTimeout   time.Duration
	MaxSessions        int
	TLSSkipVerify      bool
	MailboxWindowSize  int
	DefaultInboxFolder string

	EventsMaxClients int

	DBDriver   string
	DBHost     string
	DBPort     string
	DBUsername string
	DBPassword string
	DBName     string
	DBSSLMode  string
	SQLitePath string
}

// NewConfig loads the configuration and validates it for the HTTP server.
func NewConfig() (*Config, error) {
	config, err := Load()
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Load resolves the configuration without validating it.
func Load() (*Config, error) {
	env := os.Getenv("TASKMAIL_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	v, err := newViper()
	if err != nil {
		return nil, err
	}

	config := &Config{
		Environment:  env,
		Port:         v.GetString("port"),
		LogLevel:     v.GetString("log_level"),
		LogFormat:    v.GetString("log_format"),
		RedactErrors: v.GetBool("redact_errors"),

		SMTPHost:           v.GetString("smtp_host"),
		SMTPPort:           v.GetInt("smtp_port"),
		SMTPSecurity:       v.GetString("smtp_security"),
		SenderEmail:        v.GetString("smtp_sender_email"),
		SenderPassword:     v.GetString("smtp_sender_password"),
		SenderName:         v.GetString("smtp_sender_name"),
		IMAPAddr:           v.GetString("imap_addr"),
		IMAPSecurity:       v.GetString("imap_security"),
		POP3Addr:           v.GetString("pop3_addr"),
		POP3Security:       v.GetString("pop3_security"),
		ConnectTimeout:     v.GetDuration("connect_timeout"),
		AuthTimeout:        v.GetDuration("auth_timeout"),
		OperationTimeout:   v.GetDuration("operation_timeout"),
		MaxSessions:        v.GetInt("max_sessions"),
		TLSSkipVerify:      v.GetBool("tls_skip_verify"),
		MailboxWindowSize:  v.GetInt("mailbox_window"),
		DefaultInboxFolder: v.GetString("inbox_folder"),

		EventsMaxClients: v.GetInt("events_max_clients"),

		DBDriver:   v.GetString("db_driver"),
		DBHost:     v.GetString("db_host"),
		DBPort:     v.GetString("db_port"),
		DBUsername: v.GetString("db_user"),
		DBPassword: v.GetString("db_password"),
		DBName:     v.GetString("db_name"),
		DBSSLMode:  v.GetString("db_sslmode"),
		SQLitePath: v.GetString("sqlite_path"),
	}

	return config, nil
}

// newViper layers defaults, an optional config file and TASKMAIL_* environment
// variables, in increasing order of precedence.
func newViper() (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault("port", "8090")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("redact_errors", false)

	v.SetDefault("smtp_host", "smtp.gmail.com")
	v.SetDefault("smtp_port", 587)
	v.SetDefault("smtp_security", "starttls")
	v.SetDefault("smtp_sender_name", "Task Tracker")
	v.SetDefault("imap_addr", "imap.gmail.com:993")
	v.SetDefault("imap_security", "tls")
	v.SetDefault("pop3_addr", "pop.gmail.com:995")
	v.SetDefault("pop3_security", "tls")
	v.SetDefault("connect_timeout", 10*time.Second)
	v.SetDefault("auth_timeout", 10*time.Second)
	v.SetDefault("operation_timeout", 30*time.Second)
	v.SetDefault("max_sessions", 8)
	v.SetDefault("tls_skip_verify", false)
	v.SetDefault("mailbox_window", MaxMailboxWindow)
	v.SetDefault("inbox_folder", "INBOX")
	v.SetDefault("events_max_clients", 50)

	v.SetDefault("db_driver", DriverPostgres)
	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", "5432")
	v.SetDefault("db_user", "taskmail")
	v.SetDefault("db_name", "taskmail")
	v.SetDefault("db_sslmode", "disable")
	v.SetDefault("sqlite_path", "taskmail.db")

	v.SetEnvPrefix("TASKMAIL")
	v.AutomaticEnv()
	// The listen port keeps the conventional unprefixed name.
	if err := v.BindEnv("port", "PORT"); err != nil {
		return nil, fmt.Errorf("failed to bind PORT: %w", err)
	}

	if path := os.Getenv("TASKMAIL_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	return v, nil
}

// Validate checks everything the HTTP server needs.
func (c *Config) Validate() error {
	if err := c.ValidateMail(); err != nil {
		return err
	}

	switch c.DBDriver {
	case DriverPostgres:
		if c.DBPassword == "" {
			return fmt.Errorf("TASKMAIL_DB_PASSWORD is required")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("TASKMAIL_SQLITE_PATH is required")
		}
	default:
		return fmt.Errorf("unsupported TASKMAIL_DB_DRIVER %q", c.DBDriver)
	}

	return nil
}

// MaxMailboxWindow caps how many summaries one inbox poll returns.
// Zero selects the cap.
const MaxMailboxWindow = 5

// ValidateMail checks only the mail settings.
func (c *Config) ValidateMail() error {
	if c.SenderEmail == "" {
		return fmt.Errorf("TASKMAIL_SMTP_SENDER_EMAIL is required")
	}

	if c.SenderPassword == "" {
		return fmt.Errorf("TASKMAIL_SMTP_SENDER_PASSWORD is required")
	}

	if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
		return fmt.Errorf("TASKMAIL_SMTP_PORT must be between 1 and 65535, got %d", c.SMTPPort)
	}

	if c.MaxSessions < 1 {
		return fmt.Errorf("TASKMAIL_MAX_SESSIONS must be at least 1")
	}

	if c.MailboxWindowSize < 0 || c.MailboxWindowSize > MaxMailboxWindow {
		return fmt.Errorf("TASKMAIL_MAILBOX_WINDOW must be between 0 and %d, got %d", MaxMailboxWindow, c.MailboxWindowSize)
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

// SMTPAddr returns the submission server address in host:port form.
func (c *Config) SMTPAddr() string {
	return fmt.Sprintf("%s:%d", c.SMTPHost, c.SMTPPort)
}
