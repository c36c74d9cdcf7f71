package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	SMTP      SMTPConfig      `yaml:"smtp"`      // Outgoing relay
	Mail      MailConfig      `yaml:"mail"`      // Envelope and subject of confirmations
	API       APIConfig       `yaml:"api"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Jobs      JobsConfig      `yaml:"jobs"`      // In-memory job retention
	Storage   StorageConfig   `yaml:"storage"`   // Uploaded spreadsheets
	Templates TemplatesConfig `yaml:"templates"`
	Sheet     SheetConfig     `yaml:"sheet"`
	DKIM      DKIMConfig      `yaml:"dkim"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// EnvFile is a dotenv file whose SMTP_* / FROM_* variables override the YAML values
	EnvFile string `yaml:"env_file"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"` // Used in HELO and Message-ID when the sender domain is unknown
}

// SMTPConfig contains relay connection settings
type SMTPConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Security           string        `yaml:"security"` // tls, starttls, none
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	Timeout            time.Duration `yaml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

// MailConfig contains sender identity and subject
type MailConfig struct {
	FromName  string `yaml:"from_name"`
	FromEmail string `yaml:"from_email"`
	Subject   string `yaml:"subject"`
	ReplyTo   string `yaml:"reply_to"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr         string        `yaml:"listen_addr"`
	MaxHeaderBytes     int           `yaml:"max_header_bytes"`
	MaxUploadBytes     int64         `yaml:"max_upload_bytes"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"` // Bounds the synchronous send endpoint too
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	AllowedOrigins     []string      `yaml:"allowed_origins"`      // CORS origins (empty = any)
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"` // Per-IP limit on upload and send routes (0 = off)
}

// DispatchConfig contains batch scheduler timeouts.
// Wave size and pacing are fixed in the dispatch package.
type DispatchConfig struct {
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	JobTimeout      time.Duration `yaml:"job_timeout"` // 0 = no deadline
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// JobsConfig contains job history retention settings
type JobsConfig struct {
	MaxAge        time.Duration `yaml:"max_age"`   // Finished jobs older than this are evicted (0 = keep)
	MaxCount      int           `yaml:"max_count"` // Finished jobs kept at most (0 = unlimited)
	SweepSchedule string        `yaml:"sweep_schedule"`
}

// StorageConfig contains upload storage settings
type StorageConfig struct {
	UploadsDir string `yaml:"uploads_dir"`
	IndexPath  string `yaml:"index_path"` // bbolt file with upload metadata
}

// TemplatesConfig contains confirmation template settings
type TemplatesConfig struct {
	Dir         string       `yaml:"dir"`   // Optional override directory
	Watch       bool         `yaml:"watch"` // Reload on change
	OrderFields []OrderField `yaml:"order_fields"`
}

// OrderField maps a spreadsheet column to a label in the email
type OrderField struct {
	Column string `yaml:"column"`
	Label  string `yaml:"label"`
}

// SheetConfig contains spreadsheet column names
type SheetConfig struct {
	EmailColumns []string `yaml:"email_columns"` // Priority order, first match wins
	PhoneColumn  string   `yaml:"phone_column"`
	NameColumn   string   `yaml:"name_column"`
	DefaultName  string   `yaml:"default_name"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
	Domain   string `yaml:"domain"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ListenAddr     string        `yaml:"listen_addr"`
	Path           string        `yaml:"path"`
	UpdateInterval time.Duration `yaml:"update_interval"`
	AllowedIPs     []string      `yaml:"allowed_ips"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnvFile(); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvFile overlays the relay variables of the env file on top of the YAML values.
// A missing default file is not an error, an explicitly configured one is.
func (c *Config) applyEnvFile() error {
	path := c.EnvFile
	explicit := path != ""
	if !explicit {
		path = ".env"
	}

	env, err := godotenv.Read(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read env file %s: %w", path, err)
	}

	return c.applyEnv(env)
}

func (c *Config) applyEnv(env map[string]string) error {
	if v := env["SMTP_HOST"]; v != "" {
		c.SMTP.Host = v
	}
	if v := env["SMTP_PORT"]; v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SMTP_PORT %q: %w", v, err)
		}
		c.SMTP.Port = port
	}
	if v := env["SMTP_SECURE"]; v != "" {
		if strings.EqualFold(v, "true") {
			c.SMTP.Security = SecurityTLS
		} else if c.SMTP.Security == "" || c.SMTP.Security == SecurityTLS {
			c.SMTP.Security = SecuritySTARTTLS
		}
	}
	if v := env["SMTP_USER"]; v != "" {
		c.SMTP.Username = v
	}
	if v := env["SMTP_PASS"]; v != "" {
		c.SMTP.Password = v
	}
	if v := env["FROM_NAME"]; v != "" {
		c.Mail.FromName = v
	}
	if v := env["FROM_EMAIL"]; v != "" {
		c.Mail.FromEmail = v
	}
	if v := env["EMAIL_SUBJECT"]; v != "" {
		c.Mail.Subject = v
	}
	return nil
}

// Relay security modes
const (
	SecurityTLS      = "tls"
	SecuritySTARTTLS = "starttls"
	SecurityNone     = "none"
)

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	if c.SMTP.Security == "" {
		if c.SMTP.Port == 465 {
			c.SMTP.Security = SecurityTLS
		} else {
			c.SMTP.Security = SecuritySTARTTLS
		}
	}
	if c.SMTP.Port == 0 {
		switch c.SMTP.Security {
		case SecurityTLS:
			c.SMTP.Port = 465
		case SecurityNone:
			c.SMTP.Port = 25
		default:
			c.SMTP.Port = 587
		}
	}
	if c.SMTP.Timeout == 0 {
		c.SMTP.Timeout = 30 * time.Second
	}

	if c.Mail.FromEmail == "" && c.SMTP.Username != "" && strings.Contains(c.SMTP.Username, "@") {
		c.Mail.FromEmail = c.SMTP.Username
	}
	if c.Mail.Subject == "" {
		c.Mail.Subject = "Your order confirmation"
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":3000"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.MaxUploadBytes == 0 {
		c.API.MaxUploadBytes = 50 << 20 // 50 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 60 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Minute
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Dispatch.DeliveryTimeout == 0 {
		c.Dispatch.DeliveryTimeout = 2 * time.Minute
	}
	if c.Dispatch.ShutdownTimeout == 0 {
		c.Dispatch.ShutdownTimeout = 30 * time.Second
	}

	if c.Jobs.MaxAge == 0 {
		c.Jobs.MaxAge = 24 * time.Hour
	}
	if c.Jobs.MaxCount == 0 {
		c.Jobs.MaxCount = 500
	}
	if c.Jobs.SweepSchedule == "" {
		c.Jobs.SweepSchedule = "@every 10m"
	}

	if c.Storage.UploadsDir == "" {
		c.Storage.UploadsDir = "uploads"
	}
	if c.Storage.IndexPath == "" {
		c.Storage.IndexPath = "data/uploads.db"
	}

	if len(c.Templates.OrderFields) == 0 {
		c.Templates.OrderFields = DefaultOrderFields()
	}

	if len(c.Sheet.EmailColumns) == 0 {
		c.Sheet.EmailColumns = []string{"Email Address", "Email", "Email ", "email"}
	}
	if c.Sheet.PhoneColumn == "" {
		c.Sheet.PhoneColumn = "Số điện thoại"
	}
	if c.Sheet.NameColumn == "" {
		c.Sheet.NameColumn = "Tên người nhận"
	}
	if c.Sheet.DefaultName == "" {
		c.Sheet.DefaultName = "Khách hàng"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.UpdateInterval == 0 {
		c.Metrics.UpdateInterval = 10 * time.Second
	}
}

// DefaultOrderFields returns the order columns rendered in confirmations
func DefaultOrderFields() []OrderField {
	return []OrderField{
		{Column: "Số lượng Combo", Label: "Combo quantity"},
		{Column: "Chọn Màu sắc & Size áo", Label: "Colour & size"},
		{Column: "Địa chỉ nhận hàng", Label: "Delivery address"},
		{Column: "Thời gian nhận hàng", Label: "Delivery time"},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.SMTP.Host == "" {
		return fmt.Errorf("smtp.host is required")
	}
	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		return fmt.Errorf("invalid smtp.port: %d", c.SMTP.Port)
	}

	validSecurity := map[string]bool{SecurityTLS: true, SecuritySTARTTLS: true, SecurityNone: true}
	if !validSecurity[c.SMTP.Security] {
		return fmt.Errorf("invalid smtp.security: %s (must be tls, starttls, or none)", c.SMTP.Security)
	}

	if (c.SMTP.Username == "") != (c.SMTP.Password == "") {
		return fmt.Errorf("smtp.username and smtp.password must be set together")
	}

	if c.Mail.FromEmail == "" {
		return fmt.Errorf("mail.from_email is required")
	}
	if !strings.Contains(c.Mail.FromEmail, "@") {
		return fmt.Errorf("invalid mail.from_email: %s", c.Mail.FromEmail)
	}

	if c.Dispatch.DeliveryTimeout < 0 || c.Dispatch.JobTimeout < 0 {
		return fmt.Errorf("dispatch timeouts must not be negative")
	}

	if c.Jobs.MaxCount < 0 || c.Jobs.MaxAge < 0 {
		return fmt.Errorf("jobs retention must not be negative")
	}

	for i, f := range c.Templates.OrderFields {
		if f.Column == "" {
			return fmt.Errorf("templates.order_fields[%d].column is required", i)
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.DKIM.Enabled {
		if c.DKIM.Selector == "" {
			return fmt.Errorf("dkim.selector is required when DKIM is enabled")
		}
		if c.DKIM.KeyFile == "" {
			return fmt.Errorf("dkim.key_file is required when DKIM is enabled")
		}
		if c.DKIM.Domain == "" {
			return fmt.Errorf("dkim.domain is required when DKIM is enabled")
		}
	}

	return nil
}

// RelayAddr returns host:port of the relay
func (c *Config) RelayAddr() string {
	return net.JoinHostPort(c.SMTP.Host, strconv.Itoa(c.SMTP.Port))
}
