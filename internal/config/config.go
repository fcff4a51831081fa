package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr   string // e.g. nsqd:4150
	NsqdHTTPAddr  string // e.g. nsqd:4151, polled for topic depth
	RequestsTopic string // NSQ topic requests are published to by the nsq transport
	DLQTopic      string // Dead letter topic
}

type Redis struct {
	Addr     string // e.g. redis:6379
	Password string
	DB       int
	ListKey  string // list requests are pushed to by the redis transport
}

type SQS struct {
	QueueURL string // target queue for the sqs transport
}

type Worker struct {
	RetryBudget     int             // Retry rounds after the primary pass
	BackoffSchedule []time.Duration // Wait between retry rounds
	JitterPercent   float64         // Backoff jitter percentage (0.0-1.0)
	Silent          bool            // Log a give-up without failing the run
	MetricsPort     string          // Worker HTTP metrics/health port
}

type Transport struct {
	Kind            string        // http, nsq, redis or sqs
	EndpointURL     string        // Target for the http transport
	SigningSecret   string        // HMAC secret for the http transport, empty disables signing
	SignatureHeader string        // HTTP header for the request signature
	TimestampHeader string        // HTTP header for the signing timestamp
	Timeout         time.Duration // Per-request timeout
}

type Source struct {
	Count        int // Number of requests generated per run
	PayloadBytes int // Size of the random payload per request
}

type DeadLetter struct {
	Postgres   bool // Record unsent requests in Postgres
	PublishNSQ bool // Publish unsent requests to the NSQ DLQ topic
}

type FakeReceiver struct {
	FailFirstN           int           // Number of requests to fail initially
	FailEveryN           int           // Fail every Nth request after the first N, 0 disables
	EndpointSecret       string        // Secret for request signature verification
	SigningLeewaySeconds int           // Allowed timestamp skew in seconds
	ResponseDelayMS      int           // Simulated response delay in milliseconds
	Port                 string        // Server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Monitor struct {
	Port         string        // Metrics listen address
	PollInterval time.Duration // How often queue depths are sampled
}

type Config struct {
	AppName      string
	DB           DB
	NSQ          NSQ
	Redis        Redis
	SQS          SQS
	Worker       Worker
	Transport    Transport
	Source       Source
	DeadLetter   DeadLetter
	FakeReceiver FakeReceiver
	Monitor      Monitor
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// DefaultBackoffSchedule is a single flat wait between retry rounds.
func DefaultBackoffSchedule() []time.Duration {
	return []time.Duration{5 * time.Second}
}

// ParseBackoffSchedule parses a comma separated list of durations, falling
// back to the default schedule when nothing parses.
func ParseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return DefaultBackoffSchedule()
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		// Fallback to default if parsing failed
		return DefaultBackoffSchedule()
	}

	return durations
}

func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "backpressure"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "backpressure"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:   getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:  getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			RequestsTopic: getenv("NSQ_REQUESTS_TOPIC", "requests"),
			DLQTopic:      getenv("NSQ_DLQ_TOPIC", "requests_dlq"),
		},
		Redis: Redis{
			Addr:     getenv("REDIS_ADDR", "redis:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
			ListKey:  getenv("REDIS_LIST_KEY", "requests"),
		},
		SQS: SQS{
			QueueURL: getenv("SQS_QUEUE_URL", ""),
		},
		Worker: Worker{
			RetryBudget:     getenvInt("RETRY_BUDGET", 5),
			BackoffSchedule: ParseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			JitterPercent:   getenvFloat("BACKOFF_JITTER_PCT", 0),
			Silent:          getenvBool("WORKER_SILENT", false),
			MetricsPort:     ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
		Transport: Transport{
			Kind:            getenv("TRANSPORT", "http"),
			EndpointURL:     getenv("ENDPOINT_URL", "http://localhost:8081/process"),
			SigningSecret:   getenv("ENDPOINT_SECRET", ""),
			SignatureHeader: getenv("SIGNATURE_HEADER", "X-Backpressure-Signature"),
			TimestampHeader: getenv("TIMESTAMP_HEADER", "X-Backpressure-Timestamp"),
			Timeout:         getenvDuration("TRANSPORT_TIMEOUT", 15*time.Second),
		},
		Source: Source{
			Count:        getenvInt("REQUEST_COUNT", 100),
			PayloadBytes: getenvInt("PAYLOAD_BYTES", 64),
		},
		DeadLetter: DeadLetter{
			Postgres:   getenvBool("DLQ_POSTGRES", false),
			PublishNSQ: getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			FailEveryN:           getenvInt("FAIL_EVERY_N", 0),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:          getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// NeedsDB reports whether any configured component talks to Postgres.
func (c Config) NeedsDB() bool {
	return c.DeadLetter.Postgres
}
