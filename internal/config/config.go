package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/parcelhook/internal/faults"
)

// Role selects which fields a binary needs before it may serve traffic
type Role string

const (
	RoleIngest    Role = "ingest"
	RoleProcessor Role = "processor"
	RoleRelay     Role = "relay"
	RoleReplay    Role = "replay"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"

	BackendCloudTasks = "cloudtasks"
	BackendNSQ        = "nsq"

	SecretsSecretManager = "secretmanager"
	SecretsEnv           = "env"
)

type DB struct {
	Driver         string // postgres | mysql
	User           string
	Pass           string // overrides PassSecret when set (local development)
	PassSecret     string // secret name holding the password
	Host           string
	Port           string
	Name           string
	CloudSQLSocket string // CLOUD_SQL_CONNECTION_NAME; connects over /cloudsql/<name>
	MaxConns       int
}

type Ingest struct {
	HTTPPort       string
	Username       string
	Password       string
	PasswordSecret string
	QueueName      string        // WEBHOOK_INCOMING_QUEUE_NAME
	ProcessorURL   string        // WEBHOOK_FUNCTION_URL_EASYPOST
	Timeout        time.Duration // must stay well under the sender's response budget
	MaxBodyBytes   int64
}

type Processor struct {
	HTTPPort       string
	Timeout        time.Duration
	TokenPublicKey string // PEM; enables bearer token checks when set
	TokenIssuer    string
	TokenAudience  string
}

type CloudTasks struct {
	ProjectID           string
	Location            string
	ServiceAccountEmail string
	DispatchDeadline    time.Duration
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	TasksTopic     string
	DLQTopic       string
	RelayChannel   string
}

type Redis struct {
	Addr        string
	Password    string
	DB          int
	DedupWindow time.Duration // how long a task name stays reserved
}

type Dispatch struct {
	Backend    string // cloudtasks | nsq
	CloudTasks CloudTasks
	NSQ        NSQ
	Redis      Redis
}

type Relay struct {
	MaxAttempts     int
	BackoffSchedule []time.Duration
	JitterPercent   float64
	PublishDLQ      bool
	HTTPPort        string
	PushTimeout     time.Duration
	SigningKey      string // PEM RSA private key used to mint identity tokens
	TokenIssuer     string
}

// Notify configures the processor's side effect for delivered parcels
type Notify struct {
	WebhookURL    string // optional; deliveries are always logged
	WebhookSecret string
	Timeout       time.Duration
	Timezone      string // delivery dates are reported in this zone
}

type Secrets struct {
	Backend   string // secretmanager | env
	ProjectID string
}

type Config struct {
	AppName   string
	DB        DB
	Ingest    Ingest
	Processor Processor
	Dispatch  Dispatch
	Relay     Relay
	Notify    Notify
	Secrets   Secrets
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

var defaultBackoff = []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second, 1 * time.Minute, 4 * time.Minute, 10 * time.Minute}

func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return defaultBackoff
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		if d, err := time.ParseDuration(strings.TrimSpace(part)); err == nil {
			durations = append(durations, d)
		}
	}
	if len(durations) == 0 {
		return defaultBackoff
	}
	return durations
}

// FromEnv builds the process configuration once at startup
func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "parcelhook"),
		DB: DB{
			Driver:         getenv("STORE_DRIVER", DriverPostgres),
			User:           os.Getenv("DB_USER"),
			Pass:           os.Getenv("DB_PASS"),
			PassSecret:     os.Getenv("DB_PASS_SECRET"),
			Host:           getenv("DB_HOST", "localhost"),
			Port:           os.Getenv("DB_PORT"),
			Name:           os.Getenv("DB_NAME"),
			CloudSQLSocket: os.Getenv("CLOUD_SQL_CONNECTION_NAME"),
			MaxConns:       getenvInt("DB_MAX_CONNS", 10),
		},
		Ingest: Ingest{
			HTTPPort:       getenv("INGEST_HTTP_PORT", ":8080"),
			Username:       os.Getenv("WEBHOOK_USERNAME"),
			Password:       os.Getenv("WEBHOOK_PASSWORD"),
			PasswordSecret: os.Getenv("WEBHOOK_PASSWORD_SECRET"),
			QueueName:      os.Getenv("WEBHOOK_INCOMING_QUEUE_NAME"),
			ProcessorURL:   os.Getenv("WEBHOOK_FUNCTION_URL_EASYPOST"),
			Timeout:        getenvDuration("INGEST_TIMEOUT", 5*time.Second),
			MaxBodyBytes:   int64(getenvInt("INGEST_MAX_BODY_BYTES", 1<<20)),
		},
		Processor: Processor{
			HTTPPort:       getenv("PROCESSOR_HTTP_PORT", ":8081"),
			Timeout:        getenvDuration("PROCESSOR_TIMEOUT", 25*time.Second),
			TokenPublicKey: os.Getenv("PROCESSOR_TOKEN_PUBLIC_KEY"),
			TokenIssuer:    getenv("PROCESSOR_TOKEN_ISSUER", "https://accounts.google.com"),
			TokenAudience:  os.Getenv("PROCESSOR_TOKEN_AUDIENCE"),
		},
		Dispatch: Dispatch{
			Backend: getenv("DISPATCH_BACKEND", BackendCloudTasks),
			CloudTasks: CloudTasks{
				ProjectID:           os.Getenv("GCP_PROJECT_ID"),
				Location:            getenv("CLOUD_REGION_NAME", "us-central1"),
				ServiceAccountEmail: os.Getenv("TASKS_SERVICE_ACCOUNT_EMAIL"),
				DispatchDeadline:    getenvDuration("TASKS_DISPATCH_DEADLINE", 30*time.Second),
			},
			NSQ: NSQ{
				NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
				LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
				TasksTopic:     getenv("NSQ_TASKS_TOPIC", "tasks"),
				DLQTopic:       getenv("NSQ_DLQ_TOPIC", "tasks_dlq"),
				RelayChannel:   getenv("NSQ_RELAY_CHANNEL", "relay"),
			},
			Redis: Redis{
				Addr:        getenv("REDIS_ADDR", "redis:6379"),
				Password:    os.Getenv("REDIS_PASSWORD"),
				DB:          getenvInt("REDIS_DB", 0),
				DedupWindow: getenvDuration("TASK_DEDUP_WINDOW", time.Hour),
			},
		},
		Relay: Relay{
			MaxAttempts:     getenvInt("MAX_ATTEMPTS", 6),
			BackoffSchedule: parseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			JitterPercent:   getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			PublishDLQ:      getenvBool("PUBLISH_DLQ_TOPIC", false),
			HTTPPort:        getenv("RELAY_HTTP_PORT", ":8083"),
			PushTimeout:     getenvDuration("RELAY_PUSH_TIMEOUT", 30*time.Second),
			SigningKey:      os.Getenv("RELAY_SIGNING_KEY"),
			TokenIssuer:     getenv("RELAY_TOKEN_ISSUER", "https://accounts.google.com"),
		},
		Notify: Notify{
			WebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
			WebhookSecret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),
			Timeout:       getenvDuration("NOTIFY_TIMEOUT", 10*time.Second),
			Timezone:      getenv("DELIVERY_TIMEZONE", "America/Toronto"),
		},
		Secrets: Secrets{
			Backend:   getenv("SECRETS_BACKEND", SecretsSecretManager),
			ProjectID: getenv("SECRETS_PROJECT_ID", os.Getenv("GCP_PROJECT_ID")),
		},
	}
}

// MissingError lists every required setting that was absent
type MissingError struct {
	Fields []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("missing environment variables: [%s]", strings.Join(e.Fields, ","))
}

// Validate checks everything role needs and reports all gaps in one error
func (c Config) Validate(role Role) error {
	var missing []string
	need := func(value, name string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}

	needDB := func() {
		need(c.DB.User, "DB_USER")
		need(c.DB.Name, "DB_NAME")
		if c.DB.Pass == "" {
			need(c.DB.PassSecret, "DB_PASS_SECRET")
		}
	}

	switch role {
	case RoleIngest:
		needDB()
		need(c.Ingest.QueueName, "WEBHOOK_INCOMING_QUEUE_NAME")
		need(c.Ingest.ProcessorURL, "WEBHOOK_FUNCTION_URL_EASYPOST")
		need(c.Ingest.Username, "WEBHOOK_USERNAME")
		if c.Ingest.Password == "" {
			need(c.Ingest.PasswordSecret, "WEBHOOK_PASSWORD_SECRET")
		}
		switch c.Dispatch.Backend {
		case BackendCloudTasks:
			need(c.Dispatch.CloudTasks.ProjectID, "GCP_PROJECT_ID")
			need(c.Dispatch.CloudTasks.Location, "CLOUD_REGION_NAME")
			need(c.Dispatch.CloudTasks.ServiceAccountEmail, "TASKS_SERVICE_ACCOUNT_EMAIL")
		case BackendNSQ:
			need(c.Dispatch.NSQ.NsqdTCPAddr, "NSQD_TCP_ADDR")
			need(c.Dispatch.Redis.Addr, "REDIS_ADDR")
		default:
			missing = append(missing, "DISPATCH_BACKEND")
		}
	case RoleProcessor, RoleReplay:
		needDB()
	case RoleRelay:
		need(c.Dispatch.NSQ.NsqdTCPAddr, "NSQD_TCP_ADDR")
		need(c.Dispatch.NSQ.LookupHTTPAddr, "NSQ_LOOKUP_HTTP_ADDR")
		need(c.Dispatch.NSQ.TasksTopic, "NSQ_TASKS_TOPIC")
	}

	switch c.DB.Driver {
	case DriverPostgres, DriverMySQL:
	default:
		if role != RoleRelay {
			missing = append(missing, "STORE_DRIVER")
		}
	}

	if needsSecrets(c, role) && c.Secrets.Backend == SecretsSecretManager {
		need(c.Secrets.ProjectID, "SECRETS_PROJECT_ID")
	}

	if len(missing) > 0 {
		return faults.New(faults.Config, "config.validate", &MissingError{Fields: missing})
	}
	return nil
}

func needsSecrets(c Config, role Role) bool {
	if role == RoleRelay {
		return false
	}
	if c.DB.Pass == "" && c.DB.PassSecret != "" {
		return true
	}
	return role == RoleIngest && c.Ingest.Password == "" && c.Ingest.PasswordSecret != ""
}

// PostgresDSN renders a pgx connection string; password comes from the secret source
func (c Config) PostgresDSN(password string) string {
	if c.DB.CloudSQLSocket != "" {
		return fmt.Sprintf("host=/cloudsql/%s user=%s password=%s dbname=%s",
			c.DB.CloudSQLSocket, c.DB.User, password, c.DB.Name)
	}
	port := c.DB.Port
	if port == "" {
		port = "5432"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DB.User, password),
		Host:     c.DB.Host + ":" + port,
		Path:     "/" + c.DB.Name,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
