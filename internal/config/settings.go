package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings are the daemon's process-level options. Every flag defaults to
// the matching ENVCTL_* environment variable when it is set.
type Settings struct {
	ConfigFile  string
	DatabaseDSN string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisRetention time.Duration

	Broker      string
	TopicPrefix string

	KafkaBrokers []string
	KafkaTopic   string

	WebhookURL string

	HTTPAddr       string
	Heartbeat      time.Duration
	BusLockTimeout time.Duration
	ShutdownGrace  time.Duration

	LogLevel  string
	LogFormat string

	kafkaRaw *string
}

// RegisterFlags binds Settings to fs. Values are populated by fs.Parse.
func RegisterFlags(fs *flag.FlagSet) *Settings {
	s := &Settings{}
	var kafka string

	fs.StringVar(&s.ConfigFile, "config", envString("ENVCTL_CONFIG", "envctl.yaml"), "YAML definitions file (ignored when -db is set)")
	fs.StringVar(&s.DatabaseDSN, "db", envString("ENVCTL_DB", ""), "PostgreSQL DSN for definitions (empty to use -config)")

	fs.StringVar(&s.RedisAddr, "redis", envString("ENVCTL_REDIS", ""), "Redis address for the measurement store (empty for in-memory)")
	fs.StringVar(&s.RedisPassword, "redis-password", envString("ENVCTL_REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&s.RedisDB, "redis-db", envInt("ENVCTL_REDIS_DB", 0), "Redis database number")
	fs.DurationVar(&s.RedisRetention, "retention", envDuration("ENVCTL_RETENTION", 7*24*time.Hour), "Measurement retention")

	fs.StringVar(&s.Broker, "broker", envString("ENVCTL_BROKER", "tcp://127.0.0.1:1883"), `MQTT broker address ("off" disables)`)
	fs.StringVar(&s.TopicPrefix, "topic-prefix", envString("ENVCTL_TOPIC_PREFIX", "envctl"), "MQTT topic prefix")

	fs.StringVar(&kafka, "kafka", envString("ENVCTL_KAFKA", ""), "Comma-separated Kafka brokers for measurement export (empty to disable)")
	fs.StringVar(&s.KafkaTopic, "kafka-topic", envString("ENVCTL_KAFKA_TOPIC", "envctl.measurements"), "Kafka topic for measurement export")

	fs.StringVar(&s.WebhookURL, "webhook", envString("ENVCTL_WEBHOOK", ""), "Webhook URL for notifications (empty to disable)")

	fs.StringVar(&s.HTTPAddr, "http", envString("ENVCTL_HTTP", ":8080"), "Admin HTTP address (empty to disable)")
	fs.DurationVar(&s.Heartbeat, "heartbeat", envDuration("ENVCTL_HEARTBEAT", 15*time.Minute), "Heartbeat interval (0 to disable)")
	fs.DurationVar(&s.BusLockTimeout, "bus-lock-timeout", envDuration("ENVCTL_BUS_LOCK_TIMEOUT", 10*time.Second), "Bus lock wait before force-break")
	fs.DurationVar(&s.ShutdownGrace, "shutdown-grace", envDuration("ENVCTL_SHUTDOWN_GRACE", 15*time.Second), "Maximum time for ordered teardown")

	fs.StringVar(&s.LogLevel, "log-level", envString("ENVCTL_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	fs.StringVar(&s.LogFormat, "log-format", envString("ENVCTL_LOG_FORMAT", "json"), "Log format: json or console")

	s.kafkaRaw = &kafka
	return s
}

// Finalize derives list fields once the flag set has been parsed.
func (s *Settings) Finalize() {
	if s.kafkaRaw != nil {
		s.KafkaBrokers = splitList(*s.kafkaRaw)
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
