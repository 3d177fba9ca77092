// Package config loads service and client configuration from the environment
// and an optional .env file using Viper.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/mahaj/workspace-chat/pkg/logging"
)

// Server holds the settings shared by the api, gateway and messaging services.
type Server struct {
	APIAddr     string `mapstructure:"API_ADDR"`
	GatewayAddr string `mapstructure:"GATEWAY_ADDR"`

	KafkaBrokers   string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic     string `mapstructure:"KAFKA_TOPIC"`
	KafkaGroupID   string `mapstructure:"KAFKA_GROUP_ID"`
	RedisAddr      string `mapstructure:"REDIS_ADDR"`
	ScyllaHosts    string `mapstructure:"SCYLLA_HOSTS"`
	ScyllaKeyspace string `mapstructure:"SCYLLA_KEYSPACE"`

	JWTSecret  string        `mapstructure:"JWT_SECRET"`
	JWTTTL     time.Duration `mapstructure:"JWT_TTL"`
	BcryptCost int           `mapstructure:"BCRYPT_COST"`
	NodeID     int64         `mapstructure:"NODE_ID"`

	logging.Config `mapstructure:",squash"`
}

// Brokers splits KafkaBrokers on commas.
func (s *Server) Brokers() []string { return splitList(s.KafkaBrokers) }

// Hosts splits ScyllaHosts on commas.
func (s *Server) Hosts() []string { return splitList(s.ScyllaHosts) }

// Client holds the settings of the client core and the terminal client.
type Client struct {
	APIURL     string `mapstructure:"CHAT_API_URL"`
	GatewayURL string `mapstructure:"CHAT_GATEWAY_URL"`
	// CredentialsDB is the SQLite file holding the bearer token and preferences.
	CredentialsDB string `mapstructure:"CHAT_CREDENTIALS_DB"`

	IdleLimit         time.Duration `mapstructure:"CHAT_IDLE_LIMIT"`
	WarnThreshold     time.Duration `mapstructure:"CHAT_WARN_THRESHOLD"`
	TickInterval      time.Duration `mapstructure:"CHAT_TICK_INTERVAL"`
	CountdownInterval time.Duration `mapstructure:"CHAT_COUNTDOWN_INTERVAL"`

	ReconnectDelay     time.Duration `mapstructure:"CHAT_RECONNECT_DELAY"`
	ReconnectAttempts  int           `mapstructure:"CHAT_RECONNECT_ATTEMPTS"`
	HandshakeTimeout   time.Duration `mapstructure:"CHAT_HANDSHAKE_TIMEOUT"`
	TypingStopDelay    time.Duration `mapstructure:"CHAT_TYPING_STOP_DELAY"`
	RemoteTypingTTL    time.Duration `mapstructure:"CHAT_REMOTE_TYPING_TTL"`
	HistoryPageSize    int           `mapstructure:"CHAT_HISTORY_PAGE_SIZE"`
	HTTPRequestTimeout time.Duration `mapstructure:"CHAT_HTTP_TIMEOUT"`
	SubscriptionBuffer int           `mapstructure:"CHAT_SUBSCRIPTION_BUFFER"`

	logging.Config `mapstructure:",squash"`
}

func newViper(envFile string) *viper.Viper {
	v := viper.New()
	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		_ = v.ReadInConfig() // a missing .env is fine
	}
	v.AutomaticEnv()

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("LOG_MAX_SIZE_MB", 50)
	v.SetDefault("LOG_MAX_BACKUPS", 3)
	return v
}

// LoadServer reads .env (if present) then the environment.
func LoadServer() (*Server, error) {
	return loadServer(".env")
}

func loadServer(envFile string) (*Server, error) {
	v := newViper(envFile)
	v.SetDefault("API_ADDR", ":8081")
	v.SetDefault("GATEWAY_ADDR", ":8080")
	v.SetDefault("KAFKA_BROKERS", "localhost:19092")
	v.SetDefault("KAFKA_TOPIC", "chat-messages")
	v.SetDefault("KAFKA_GROUP_ID", "messaging-service-group")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("SCYLLA_HOSTS", "localhost:9042")
	v.SetDefault("SCYLLA_KEYSPACE", "chat")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_TTL", "24h")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("NODE_ID", 1)

	var cfg Server
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: decode server settings")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("config: JWT_SECRET must be set")
	}
	if len(cfg.Brokers()) == 0 {
		return nil, errors.New("config: KAFKA_BROKERS must be set")
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if cfg.NodeID < 0 || cfg.NodeID > 1023 {
		return nil, errors.New("config: NODE_ID must be between 0 and 1023")
	}
	return &cfg, nil
}

// LoadClient reads .env (if present) then the environment.
func LoadClient() (*Client, error) {
	return loadClient(".env")
}

func loadClient(envFile string) (*Client, error) {
	v := newViper(envFile)
	v.SetDefault("CHAT_API_URL", "http://localhost:8081")
	v.SetDefault("CHAT_GATEWAY_URL", "ws://localhost:8080/ws")
	v.SetDefault("CHAT_CREDENTIALS_DB", "chat-credentials.db")
	v.SetDefault("CHAT_IDLE_LIMIT", "30m")
	v.SetDefault("CHAT_WARN_THRESHOLD", "25m")
	v.SetDefault("CHAT_TICK_INTERVAL", "60s")
	v.SetDefault("CHAT_COUNTDOWN_INTERVAL", "1s")
	v.SetDefault("CHAT_RECONNECT_DELAY", "1s")
	v.SetDefault("CHAT_RECONNECT_ATTEMPTS", 5)
	v.SetDefault("CHAT_HANDSHAKE_TIMEOUT", "10s")
	v.SetDefault("CHAT_TYPING_STOP_DELAY", "2s")
	v.SetDefault("CHAT_REMOTE_TYPING_TTL", "0s")
	v.SetDefault("CHAT_HISTORY_PAGE_SIZE", 50)
	v.SetDefault("CHAT_HTTP_TIMEOUT", "15s")
	v.SetDefault("CHAT_SUBSCRIPTION_BUFFER", 64)
	v.SetDefault("LOG_LEVEL", "warn")

	var cfg Client
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: decode client settings")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the timing relationships the session lifecycle relies on.
func (c *Client) Validate() error {
	if c.APIURL == "" || c.GatewayURL == "" {
		return errors.New("config: CHAT_API_URL and CHAT_GATEWAY_URL must be set")
	}
	if c.IdleLimit <= 0 || c.WarnThreshold <= 0 {
		return errors.New("config: idle limit and warn threshold must be positive")
	}
	if c.WarnThreshold >= c.IdleLimit {
		return errors.New("config: CHAT_WARN_THRESHOLD must be below CHAT_IDLE_LIMIT")
	}
	if c.TickInterval <= 0 || c.CountdownInterval <= 0 {
		return errors.New("config: tick intervals must be positive")
	}
	if c.ReconnectAttempts < 0 {
		return errors.New("config: CHAT_RECONNECT_ATTEMPTS must not be negative")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
