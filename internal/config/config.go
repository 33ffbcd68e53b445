// Package config loads process configuration from defaults, an optional
// YAML or TOML file and the environment, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.io/infrasutra/mailgate/internal/blob"
	"github.io/infrasutra/mailgate/internal/forward"
	"github.io/infrasutra/mailgate/internal/settings"
)

type Config struct {
	HTTP          HTTPConfig          `yaml:"http" toml:"http"`
	SMTP          SMTPConfig          `yaml:"smtp" toml:"smtp"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Admin         string              `yaml:"admin" toml:"admin"`
	Domains       []string            `yaml:"domains" toml:"domains"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	ObjectStorage ObjectStorageConfig `yaml:"object_storage" toml:"object_storage"`
	Bot           BotConfig           `yaml:"bot" toml:"bot"`
	Forward       ForwardConfig       `yaml:"forward" toml:"forward"`
	Delivery      DeliveryConfig      `yaml:"delivery" toml:"delivery"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	Preview       PreviewConfig       `yaml:"preview" toml:"preview"`
}

type HTTPConfig struct {
	Port int `yaml:"port" toml:"port"`
}

type SMTPConfig struct {
	Port            int    `yaml:"port" toml:"port"`
	Domain          string `yaml:"domain" toml:"domain"`
	AuthEnabled     bool   `yaml:"auth_enabled" toml:"auth_enabled"`
	Username        string `yaml:"username" toml:"username"`
	Password        string `yaml:"password" toml:"password"`
	MaxMessageBytes int64  `yaml:"max_message_bytes" toml:"max_message_bytes"`
	MaxRecipients   int    `yaml:"max_recipients" toml:"max_recipients"`
	// ChunkSize is the read size used when draining a message body.
	ChunkSize int `yaml:"chunk_size" toml:"chunk_size"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

type AuthConfig struct {
	Secret string `yaml:"secret" toml:"secret"`
	// TTL is the lifetime of issued bearer tokens.
	TTL time.Duration `yaml:"ttl" toml:"ttl"`
}

type ObjectStorageConfig struct {
	Endpoint  string `yaml:"endpoint" toml:"endpoint"`
	Secure    bool   `yaml:"secure" toml:"secure"`
	AccessKey string `yaml:"access_key" toml:"access_key"`
	SecretKey string `yaml:"secret_key" toml:"secret_key"`
	Region    string `yaml:"region" toml:"region"`
	Bucket    string `yaml:"bucket" toml:"bucket"`
	Prefix    string `yaml:"prefix" toml:"prefix"`
}

type BotConfig struct {
	Token   string `yaml:"token" toml:"token"`
	BaseURL string `yaml:"base_url" toml:"base_url"`
}

type ForwardConfig struct {
	// Mode is "smtp", "ses" or empty to disable forwarding.
	Mode     string `yaml:"mode" toml:"mode"`
	Addr     string `yaml:"addr" toml:"addr"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
	Sender   string `yaml:"sender" toml:"sender"`
	// Plaintext relays without STARTTLS.
	Plaintext bool `yaml:"plaintext" toml:"plaintext"`

	Region          string `yaml:"region" toml:"region"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key"`
}

// DeliveryConfig seeds the setting row when none exists yet.
type DeliveryConfig struct {
	Receive          string   `yaml:"receive" toml:"receive"`
	UnknownRecipient string   `yaml:"unknown_recipient" toml:"unknown_recipient"`
	Rule             string   `yaml:"rule" toml:"rule"`
	RuleEmails       []string `yaml:"rule_emails" toml:"rule_emails"`
	Bot              string   `yaml:"bot" toml:"bot"`
	BotChatIDs       []string `yaml:"bot_chat_ids" toml:"bot_chat_ids"`
	Forward          string   `yaml:"forward" toml:"forward"`
	ForwardEmails    []string `yaml:"forward_emails" toml:"forward_emails"`
	AttachmentScope  string   `yaml:"attachment_scope" toml:"attachment_scope"`
	ObjectDomain     string   `yaml:"object_domain" toml:"object_domain"`
	TaskLimit        int      `yaml:"task_limit" toml:"task_limit"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// PreviewConfig throttles the public preview endpoints per client address.
type PreviewConfig struct {
	RatePerMinute int `yaml:"rate_per_minute" toml:"rate_per_minute"`
	Burst         int `yaml:"burst" toml:"burst"`
}

// Load reads path when non-empty, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path = strings.TrimSpace(path); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func Defaults() Config {
	return Config{
		HTTP: HTTPConfig{Port: 3025},
		SMTP: SMTPConfig{
			Port:            2025,
			Domain:          "mailgate",
			Username:        "mailgate",
			Password:        "mailgate",
			MaxMessageBytes: 25 << 20,
			MaxRecipients:   100,
			ChunkSize:       32 << 10,
		},
		Database: DatabaseConfig{Path: "mailgate.db"},
		Auth:     AuthConfig{TTL: 30 * 24 * time.Hour},
		Delivery: DeliveryConfig{TaskLimit: 4},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Preview:  PreviewConfig{RatePerMinute: 60, Burst: 20},
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse config file: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("parse config file: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file %q", path)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTP.Port = getEnvInt("HTTP_PORT", c.HTTP.Port)

	c.SMTP.Port = getEnvInt("SMTP_PORT", c.SMTP.Port)
	c.SMTP.Domain = getEnvString("SMTP_DOMAIN", c.SMTP.Domain)
	c.SMTP.AuthEnabled = getEnvBool("SMTP_AUTH_ENABLED", c.SMTP.AuthEnabled)
	c.SMTP.Username = getEnvString("SMTP_USERNAME", c.SMTP.Username)
	c.SMTP.Password = getEnvString("SMTP_PASSWORD", c.SMTP.Password)
	c.SMTP.ChunkSize = getEnvInt("SMTP_CHUNK_SIZE", c.SMTP.ChunkSize)

	c.Database.Path = getEnvString("DB_PATH", c.Database.Path)
	c.Admin = getEnvString("ADMIN_EMAIL", c.Admin)
	c.Domains = getEnvList("DOMAINS", c.Domains)
	c.Auth.Secret = getEnvString("AUTH_SECRET", c.Auth.Secret)

	c.ObjectStorage.Endpoint = getEnvString("S3_ENDPOINT", c.ObjectStorage.Endpoint)
	c.ObjectStorage.Secure = getEnvBool("S3_SECURE", c.ObjectStorage.Secure)
	c.ObjectStorage.AccessKey = getEnvString("S3_ACCESS_KEY", c.ObjectStorage.AccessKey)
	c.ObjectStorage.SecretKey = getEnvString("S3_SECRET_KEY", c.ObjectStorage.SecretKey)
	c.ObjectStorage.Region = getEnvString("S3_REGION", c.ObjectStorage.Region)
	c.ObjectStorage.Bucket = getEnvString("S3_BUCKET", c.ObjectStorage.Bucket)

	c.Bot.Token = getEnvString("TG_BOT_TOKEN", c.Bot.Token)

	c.Forward.Mode = strings.ToLower(getEnvString("FORWARD_MODE", c.Forward.Mode))
	c.Forward.Addr = getEnvString("FORWARD_SMTP_ADDR", c.Forward.Addr)
	c.Forward.Username = getEnvString("FORWARD_SMTP_USERNAME", c.Forward.Username)
	c.Forward.Password = getEnvString("FORWARD_SMTP_PASSWORD", c.Forward.Password)
	c.Forward.Sender = getEnvString("FORWARD_SENDER", c.Forward.Sender)
	c.Forward.Plaintext = getEnvBool("FORWARD_SMTP_PLAINTEXT", c.Forward.Plaintext)
	c.Forward.Region = getEnvString("AWS_REGION", c.Forward.Region)
	c.Forward.AccessKeyID = getEnvString("AWS_ACCESS_KEY_ID", c.Forward.AccessKeyID)
	c.Forward.SecretAccessKey = getEnvString("AWS_SECRET_ACCESS_KEY", c.Forward.SecretAccessKey)

	c.Delivery.ObjectDomain = getEnvString("OBJECT_DOMAIN", c.Delivery.ObjectDomain)

	c.Logging.Level = strings.ToLower(getEnvString("LOG_LEVEL", c.Logging.Level))
	c.Logging.Format = strings.ToLower(getEnvString("LOG_FORMAT", c.Logging.Format))

	c.Preview.RatePerMinute = getEnvInt("PREVIEW_RATE_PER_MINUTE", c.Preview.RatePerMinute)
	c.Preview.Burst = getEnvInt("PREVIEW_BURST", c.Preview.Burst)
}

// Settings converts the delivery section into the snapshot seeded into the
// setting table.
func (c Config) Settings() (settings.Snapshot, error) {
	d := c.Delivery
	snap := settings.Default()
	var err error
	if snap.Receive, err = settings.ParseReceiveMode(d.Receive); err != nil {
		return settings.Snapshot{}, err
	}
	if snap.UnknownRecipient, err = settings.ParseUnknownRecipientPolicy(d.UnknownRecipient); err != nil {
		return settings.Snapshot{}, err
	}
	if snap.Rule, err = settings.ParseRuleMode(d.Rule); err != nil {
		return settings.Snapshot{}, err
	}
	if snap.Bot, err = settings.ParseToggle(d.Bot); err != nil {
		return settings.Snapshot{}, err
	}
	if snap.Forward, err = settings.ParseToggle(d.Forward); err != nil {
		return settings.Snapshot{}, err
	}
	if snap.AttachmentScope, err = settings.ParseAttachmentScope(d.AttachmentScope); err != nil {
		return settings.Snapshot{}, err
	}
	snap.RuleEmails = trimAll(d.RuleEmails)
	snap.BotChatIDs = trimAll(d.BotChatIDs)
	snap.ForwardEmails = trimAll(d.ForwardEmails)
	snap.ObjectDomain = strings.TrimSpace(d.ObjectDomain)
	return snap, nil
}

func (c Config) Blob() blob.Config {
	s := c.ObjectStorage
	return blob.Config{
		Endpoint:  s.Endpoint,
		Secure:    s.Secure,
		AccessKey: s.AccessKey,
		SecretKey: s.SecretKey,
		Region:    s.Region,
		Bucket:    s.Bucket,
		Prefix:    s.Prefix,
	}
}

func (c Config) Relay() forward.RelayConfig {
	return forward.RelayConfig{
		Addr:      c.Forward.Addr,
		Username:  c.Forward.Username,
		Password:  c.Forward.Password,
		Sender:    c.Forward.Sender,
		Plaintext: c.Forward.Plaintext,
	}
}

func (c Config) SES() forward.SESConfig {
	return forward.SESConfig{
		Region:          c.Forward.Region,
		AccessKeyID:     c.Forward.AccessKeyID,
		SecretAccessKey: c.Forward.SecretAccessKey,
		Sender:          c.Forward.Sender,
	}
}

func trimAll(list []string) []string {
	var out []string
	for _, item := range list {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return settings.SplitList(value)
	}
	return fallback
}
