package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/plateful/chat/internal/log"
)

type Config struct {
	Server    ServerConfig
	Log       log.Config
	Redis     RedisConfig
	Cassandra CassandraConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	Storage   StorageConfig
	Kafka     KafkaConfig
	WebSocket WebSocketConfig
	Session   SessionConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int           `mapstructure:"pool_size"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

type CassandraConfig struct {
	Hosts          []string
	Keyspace       string
	Consistency    string
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Timeout        time.Duration
}

type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string `mapstructure:"db_name"`
	SSLMode         string `mapstructure:"ssl_mode"`
	FilePath        string `mapstructure:"file_path"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string
}

type StorageConfig struct {
	Backend string // s3 or local
	S3      S3Config
	Local   LocalConfig
	URLTTL  time.Duration `mapstructure:"url_ttl"`
}

type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	PublicURL       string `mapstructure:"public_url"`
}

type LocalConfig struct {
	BasePath string `mapstructure:"base_path"`
}

type KafkaConfig struct {
	Brokers         string
	DeadLetterTopic string `mapstructure:"dead_letter_topic"`
	Partitions      int
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

type SessionConfig struct {
	InsertRetryMax   int           `mapstructure:"insert_retry_max"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	SubscribeBackoff time.Duration `mapstructure:"subscribe_backoff"`
	EventBufferSize  int           `mapstructure:"event_buffer_size"`
	UpdateBufferSize int           `mapstructure:"update_buffer_size"`
}

func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, rely on defaults and env vars.
	}

	setDefaults(v)
	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.Redis.ReadTimeout = parseDuration(v, "redis.read_timeout", 3*time.Second)
	cfg.Redis.WriteTimeout = parseDuration(v, "redis.write_timeout", 3*time.Second)
	cfg.Redis.CacheTTL = parseDuration(v, "redis.cache_ttl", 5*time.Minute)
	cfg.Cassandra.ConnectTimeout = parseDuration(v, "cassandra.connect_timeout", 10*time.Second)
	cfg.Cassandra.Timeout = parseDuration(v, "cassandra.timeout", 5*time.Second)
	cfg.Storage.URLTTL = parseDuration(v, "storage.url_ttl", 15*time.Minute)
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)
	cfg.Session.RetryBackoff = parseDuration(v, "session.retry_backoff", 500*time.Millisecond)
	cfg.Session.SubscribeBackoff = parseDuration(v, "session.subscribe_backoff", time.Second)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.service_name", "plateful-chat")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.cache_ttl", "5m")
	v.SetDefault("cassandra.hosts", []string{"localhost:9042"})
	v.SetDefault("cassandra.keyspace", "plateful_chat")
	v.SetDefault("cassandra.consistency", "LOCAL_QUORUM")
	v.SetDefault("cassandra.connect_timeout", "10s")
	v.SetDefault("cassandra.timeout", "5s")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "plateful")
	v.SetDefault("database.db_name", "plateful")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("auth.issuer", "plateful")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local.base_path", "./data/media")
	v.SetDefault("storage.url_ttl", "15m")
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.dead_letter_topic", "chat-dead-letter")
	v.SetDefault("kafka.partitions", 8)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("session.insert_retry_max", 5)
	v.SetDefault("session.retry_backoff", "500ms")
	v.SetDefault("session.subscribe_backoff", "1s")
	v.SetDefault("session.event_buffer_size", 64)
	v.SetDefault("session.update_buffer_size", 256)
}

func bindEnv(v *viper.Viper) {
	v.BindEnv("server.port", "PORT")
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("cassandra.hosts", "CASSANDRA_HOSTS")
	v.BindEnv("cassandra.keyspace", "CASSANDRA_KEYSPACE")
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	v.BindEnv("storage.backend", "STORAGE_BACKEND")
	v.BindEnv("storage.s3.endpoint", "S3_ENDPOINT")
	v.BindEnv("storage.s3.bucket", "S3_BUCKET")
	v.BindEnv("storage.s3.access_key_id", "S3_ACCESS_KEY_ID")
	v.BindEnv("storage.s3.secret_access_key", "S3_SECRET_ACCESS_KEY")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.dead_letter_topic", "KAFKA_DEAD_LETTER_TOPIC")
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
