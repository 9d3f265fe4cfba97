// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the reply service.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shineum/inbound-reply/internal/email"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Processor names.
const (
	ProcessorNop    = "nop"
	ProcessorStdout = "stdout"
	ProcessorSES    = "ses"
	ProcessorGraph  = "graph"
)

// Config holds the complete application configuration.
type Config struct {
	Processor string        `yaml:"processor"`
	Reply     ReplyConfig   `yaml:"reply"`
	SMTP      SMTPConfig    `yaml:"smtp"`
	SES       SESConfig     `yaml:"ses"`
	Graph     GraphConfig   `yaml:"graph"`
	TLS       TLSConfig     `yaml:"tls"`
	Logging   LoggingConfig `yaml:"logging"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// ReplyConfig controls how inbound replies are normalized.
type ReplyConfig struct {
	// Delimiter replaces the default "Reply ABOVE THIS LINE" marker.
	Delimiter string `yaml:"delimiter"`
	// To and From are address modes: full, email, token or hash.
	To   string `yaml:"to"`
	From string `yaml:"from"`
	// Signatures are extra client signature lines to cut.
	Signatures []string `yaml:"signatures"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
	MaxRecipients  int    `yaml:"max_recipients"`
	MaxConnections int    `yaml:"max_connections"`
	// AcceptDomains restricts RCPT TO to these domains. Empty accepts all.
	AcceptDomains []string `yaml:"accept_domains"`
}

// SESConfig holds AWS SES forwarding configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
	ForwardTo       string `yaml:"forward_to"`
}

// GraphConfig holds Microsoft Graph forwarding configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
	ForwardTo    string `yaml:"forward_to"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig holds the Prometheus endpoint configuration. An empty
// Listen disables the endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// Validate reports unknown address modes, unknown processors and
// processors selected without their required settings.
func (c *Config) Validate() error {
	var errs []error

	if _, err := email.ParseMode(c.Reply.To); err != nil {
		errs = append(errs, fmt.Errorf("reply.to: %w", err))
	}
	if _, err := email.ParseMode(c.Reply.From); err != nil {
		errs = append(errs, fmt.Errorf("reply.from: %w", err))
	}

	switch c.Processor {
	case "", ProcessorNop, ProcessorStdout:
	case ProcessorSES:
		if !c.SESConfigured() {
			errs = append(errs, errors.New("ses processor requires SES_REGION, SES_SENDER and SES_FORWARD_TO"))
		}
	case ProcessorGraph:
		if !c.GraphConfigured() {
			errs = append(errs, errors.New("graph processor requires GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET, GRAPH_SENDER and GRAPH_FORWARD_TO"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown processor %q", c.Processor))
	}

	return errors.Join(errs...)
}

// Email builds the per-record configuration. Invalid modes fall back to the
// record defaults; call Validate first to reject them.
func (c *Config) Email(proc email.Processor, logger *slog.Logger) email.Config {
	to, _ := email.ParseMode(c.Reply.To)
	from, _ := email.ParseMode(c.Reply.From)
	return email.Config{
		ReplyDelimiter: c.Reply.Delimiter,
		Signatures:     c.Reply.Signatures,
		To:             to,
		From:           from,
		Processor:      proc,
		Logger:         logger,
	}
}

// SESConfigured returns true if SES forwarding has a region, sender and
// destination.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" &&
		c.SES.Sender != "" &&
		c.SES.ForwardTo != ""
}

// GraphConfigured returns true if all Graph credentials and the forwarding
// destination are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != "" &&
		c.Graph.ForwardTo != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Reply.To = string(email.ModeToken)
	c.Reply.From = string(email.ModeEmail)
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxRecipients = 100
	c.SMTP.MaxConnections = 100
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	setString(&c.Processor, "PROCESSOR")

	setString(&c.Reply.Delimiter, "REPLY_DELIMITER")
	setString(&c.Reply.To, "REPLY_TO_MODE")
	setString(&c.Reply.From, "REPLY_FROM_MODE")
	if v := os.Getenv("REPLY_SIGNATURES"); v != "" {
		c.Reply.Signatures = splitList(v)
	}

	setString(&c.SMTP.Listen, "SMTP_LISTEN")
	setString(&c.SMTP.Hostname, "SMTP_HOSTNAME")
	setString(&c.SMTP.Username, "SMTP_USERNAME")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}
	setInt(&c.SMTP.MaxRecipients, "SMTP_MAX_RECIPIENTS")
	setInt(&c.SMTP.MaxConnections, "SMTP_MAX_CONNECTIONS")
	if v := os.Getenv("SMTP_ACCEPT_DOMAINS"); v != "" {
		c.SMTP.AcceptDomains = splitList(v)
	}

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.SES.Sender, "SES_SENDER")
	setString(&c.SES.ForwardTo, "SES_FORWARD_TO")

	setString(&c.Graph.TenantID, "GRAPH_TENANT_ID")
	setString(&c.Graph.ClientID, "GRAPH_CLIENT_ID")
	setString(&c.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	setString(&c.Graph.Sender, "GRAPH_SENDER")
	setString(&c.Graph.ForwardTo, "GRAPH_FORWARD_TO")

	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	setString(&c.Metrics.Listen, "METRICS_LISTEN")

	c.Processor = strings.ToLower(c.Processor)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setInt keeps the current value when the variable is not a number.
func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
