package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds service settings. Database, Redis and OTel connection settings are
// read by their constructors in pkg/store and pkg/telemetry.
type Config struct {
	Addr                string        `mapstructure:"addr"`
	Environment         string        `mapstructure:"environment"`
	StrictProdSecurity  string        `mapstructure:"strict_prod_security"`
	LogLevel            string        `mapstructure:"log_level"`
	LogFormat           string        `mapstructure:"log_format"`
	MaxRequestBodyBytes int64         `mapstructure:"max_request_body_bytes"`
	ReadHeaderTimeout   time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout"`

	StoreBackend string `mapstructure:"store_backend"`
	NonceBackend string `mapstructure:"nonce_backend"`

	SignatureTolerance time.Duration `mapstructure:"signature_tolerance"`
	NonceSweepInterval time.Duration `mapstructure:"nonce_sweep_interval"`
	HeaderSignature    string        `mapstructure:"header_signature"`
	HeaderDeviceID     string        `mapstructure:"header_device_id"`
	HeaderTimestamp    string        `mapstructure:"header_timestamp"`
	HeaderNonce        string        `mapstructure:"header_nonce"`

	RegistrationKeyReuse bool          `mapstructure:"registration_key_reuse"`
	RegisterRateLimit    int           `mapstructure:"register_rate_limit"`
	RegisterRateWindow   time.Duration `mapstructure:"register_rate_window"`

	RebindFailureWindow time.Duration `mapstructure:"rebind_failure_window"`
	RebindFailureLimit  int           `mapstructure:"rebind_failure_limit"`
	VerifierTimeout     time.Duration `mapstructure:"verifier_timeout"`
	OTPTTL              time.Duration `mapstructure:"otp_ttl"`
	KYCURL              string        `mapstructure:"kyc_url"`
	KYCToken            string        `mapstructure:"kyc_token"`
	RebindClientID      string        `mapstructure:"rebind_client_id"`

	AdminToken    string `mapstructure:"admin_token"`
	AuditHashSalt string `mapstructure:"audit_hash_salt"`
	AuditRedact   bool   `mapstructure:"audit_redact"`

	StreamOrigins string `mapstructure:"stream_origins"`

	SeedClients string `mapstructure:"seed_clients"`

	KafkaBrokers     string `mapstructure:"kafka_brokers"`
	KafkaFraudTopic  string `mapstructure:"kafka_fraud_topic"`
	KafkaDeviceTopic string `mapstructure:"kafka_device_topic"`
	KafkaGroupID     string `mapstructure:"kafka_group_id"`
}

func defaults() map[string]any {
	return map[string]any{
		"addr":                   ":8080",
		"environment":            "",
		"strict_prod_security":   "true",
		"log_level":              "info",
		"log_format":             "json",
		"max_request_body_bytes": 1 << 20,
		"read_header_timeout":    "5s",
		"read_timeout":           "15s",
		"write_timeout":          "30s",
		"idle_timeout":           "120s",
		"store_backend":          BackendPostgres,
		"nonce_backend":          BackendRedis,
		"signature_tolerance":    "5m",
		"nonce_sweep_interval":   "1m",
		"header_signature":       "X-Signature",
		"header_device_id":       "X-Device-Id",
		"header_timestamp":       "X-Timestamp",
		"header_nonce":           "X-Nonce",
		"registration_key_reuse": true,
		"register_rate_limit":    30,
		"register_rate_window":   "1m",
		"rebind_failure_window":  "1h",
		"rebind_failure_limit":   10,
		"verifier_timeout":       "5s",
		"otp_ttl":                "5m",
		"kyc_url":                "",
		"kyc_token":              "",
		"rebind_client_id":       "",
		"admin_token":            "",
		"audit_hash_salt":        "",
		"audit_redact":           true,
		"stream_origins":         "",
		"seed_clients":           "",
		"kafka_brokers":          "",
		"kafka_fraud_topic":      "aegis.fraud-reports",
		"kafka_device_topic":     "aegis.device-events",
		"kafka_group_id":         "aegis",
	}
}

// Load reads defaults, an optional aegis.yaml (explicit path or working directory)
// and AEGIS_* environment variables, in increasing precedence.
func Load(configFile string) (Config, error) {
	var c Config
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	v.SetConfigName("aegis")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if strings.TrimSpace(configFile) != "" {
		v.SetConfigFile(configFile)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || strings.TrimSpace(configFile) != "" {
			return c, fmt.Errorf("read config: %w", err)
		}
	}
	v.SetEnvPrefix("aegis")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.SignatureTolerance <= 0 {
		return errors.New("signature_tolerance must be positive")
	}
	if c.NonceSweepInterval <= 0 {
		return errors.New("nonce_sweep_interval must be positive")
	}
	switch c.StoreBackend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("unknown store_backend %q", c.StoreBackend)
	}
	switch c.NonceBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown nonce_backend %q", c.NonceBackend)
	}
	for name, h := range map[string]string{
		"header_signature": c.HeaderSignature,
		"header_device_id": c.HeaderDeviceID,
		"header_timestamp": c.HeaderTimestamp,
		"header_nonce":     c.HeaderNonce,
	} {
		if strings.TrimSpace(h) == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
	}
	if c.RebindFailureLimit <= 0 {
		return errors.New("rebind_failure_limit must be positive")
	}
	if c.VerifierTimeout <= 0 {
		return errors.New("verifier_timeout must be positive")
	}
	return nil
}

// Brokers splits the comma separated broker list.
func (c Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

func (c Config) SeedClientIDs() []string {
	return splitList(c.SeedClients)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
