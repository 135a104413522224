package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "PFS"

type Database struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"ssl-mode"`
}

func (d Database) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type KafkaReader struct {
	GroupID string `mapstructure:"group-id"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	Transactions string `mapstructure:"transactions"`
}

type Kafka struct {
	Writer KafkaWriter `mapstructure:"writer"`
	Reader KafkaReader `mapstructure:"reader"`
	Broker KafkaBroker `mapstructure:"broker"`
	Topic  KafkaTopic  `mapstructure:"topic"`
}

func (k Kafka) Enabled() bool {
	return k.Broker.URL != "" && k.Topic.Transactions != ""
}

type OutboxRelay struct {
	PollingIntervalMs  int `mapstructure:"polling-interval-ms"`
	FetchSize          int `mapstructure:"fetch-size"`
	RescheduleDelayMs  int `mapstructure:"reschedule-delay-ms"`
	MaxPublishAttempts int `mapstructure:"max-publish-attempts"`
}

type Stripe struct {
	TimeoutMs int    `mapstructure:"timeout-ms"`
	URL       string `mapstructure:"url"`
}

type Token struct {
	Secret string `mapstructure:"secret"`
	TTLMs  int    `mapstructure:"ttl-ms"`
}

type Redis struct {
	URL string `mapstructure:"url"`
}

type Admin struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type Server struct {
	Port      string `mapstructure:"port"`
	PublicURL string `mapstructure:"public-url"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL   string `mapstructure:"url"`
	Level string `mapstructure:"level"`
}

type Config struct {
	Database Database    `mapstructure:"database"`
	Kafka    Kafka       `mapstructure:"kafka"`
	Outbox   OutboxRelay `mapstructure:"outbox"`
	Stripe   Stripe      `mapstructure:"stripe"`
	Token    Token       `mapstructure:"token"`
	Redis    Redis       `mapstructure:"redis"`
	Admin    Admin       `mapstructure:"admin"`
	Server   Server      `mapstructure:"server"`
	Metrics  Metrics     `mapstructure:"metrics"`
	Logs     Logs        `mapstructure:"logs"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.ssl-mode", "disable")
	v.SetDefault("kafka.writer.batch-size", 100)
	v.SetDefault("kafka.writer.batch-timeout-ms", 100)
	v.SetDefault("kafka.reader.group-id", "payment-form-events")
	v.SetDefault("outbox.polling-interval-ms", 500)
	v.SetDefault("outbox.fetch-size", 200)
	v.SetDefault("outbox.reschedule-delay-ms", 10_000)
	v.SetDefault("outbox.max-publish-attempts", 3)
	v.SetDefault("stripe.timeout-ms", 10_000)
	v.SetDefault("token.ttl-ms", 3_600_000)
	v.SetDefault("server.port", "8080")
	v.SetDefault("metrics.interval-ms", 10_000)
	v.SetDefault("logs.level", "info")
}

// LoadConfig reads config.yaml from path. Values may be overridden through
// PFS_-prefixed environment variables, e.g. PFS_DATABASE_PASSWORD. A .env
// file in the working directory is loaded first when present.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.Token.Secret == "" {
		return fmt.Errorf("token.secret is required")
	}
	if c.Admin.User == "" || c.Admin.Password == "" {
		return fmt.Errorf("admin.user and admin.password are required")
	}
	return nil
}
