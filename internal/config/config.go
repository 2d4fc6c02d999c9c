package config

import (
	"fmt"
	"os"
	"strconv"
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
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	ConsumerGroup  string // NSQ channel shared by orchestrator workers
	MaxInFlight    int
}

type Tasks struct {
	Namespace          string        // stream name prefix
	DefaultTimeout     time.Duration // applied when a submission omits timeout_seconds
	MaxTimeout         time.Duration // upper bound on requested timeouts
	Retention          time.Duration // purge window after a terminal transition
	SafetyRetention    time.Duration // purge window for tasks that never finished
	SweepInterval      time.Duration // timeout sweeper tick
	PublishGrace       time.Duration // PENDING age before the republish sweep kicks in
	MaxPublishAttempts int           // creation-event republish bound
}

type Consumer struct {
	Concurrency   int           // handlers per stream consumer
	MaxAttempts   int           // processing attempts before dead-lettering
	BackoffBase   time.Duration // first retry delay
	BackoffMax    time.Duration // delay cap
	JitterPercent float64       // backoff jitter (0.0-1.0)
}

type Sessions struct {
	ActivityWindow time.Duration // how long after the last interaction a session counts as live
	TokenSecret    string        // HS256 secret shared with the conversational front end
}

type Config struct {
	AppName  string
	HTTPPort string // gateway listen address, e.g. :8080
	DB       DB
	NSQ      NSQ
	Tasks    Tasks
	Consumer Consumer
	Sessions Sessions
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

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "taskpilot"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "taskpilot"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			ConsumerGroup:  getenv("NSQ_CONSUMER_GROUP", "orchestrator"),
			MaxInFlight:    getenvInt("NSQ_MAX_IN_FLIGHT", 250),
		},
		Tasks: Tasks{
			Namespace:          getenv("TASK_NAMESPACE", "taskpilot"),
			DefaultTimeout:     getenvDuration("TASK_DEFAULT_TIMEOUT", 300*time.Second),
			MaxTimeout:         getenvDuration("TASK_MAX_TIMEOUT", time.Hour),
			Retention:          getenvDuration("TASK_RETENTION", 24*time.Hour),
			SafetyRetention:    getenvDuration("TASK_SAFETY_RETENTION", 72*time.Hour),
			SweepInterval:      getenvDuration("SWEEP_INTERVAL", 60*time.Second),
			PublishGrace:       getenvDuration("PUBLISH_GRACE", 30*time.Second),
			MaxPublishAttempts: getenvInt("MAX_PUBLISH_ATTEMPTS", 3),
		},
		Consumer: Consumer{
			Concurrency:   getenvInt("CONSUMER_CONCURRENCY", 4),
			MaxAttempts:   getenvInt("MAX_ATTEMPTS", 5),
			BackoffBase:   getenvDuration("BACKOFF_BASE", time.Second),
			BackoffMax:    getenvDuration("BACKOFF_MAX", 5*time.Minute),
			JitterPercent: getenvFloat("BACKOFF_JITTER_PCT", 0.2),
		},
		Sessions: Sessions{
			ActivityWindow: getenvDuration("SESSION_ACTIVITY_WINDOW", 5*time.Minute),
			TokenSecret:    getenv("SESSION_TOKEN_SECRET", ""),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
