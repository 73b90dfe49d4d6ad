package config

import (
	"github.com/kelseyhightower/envconfig"
	"time"
)

type Config struct {
	Api        ApiConfig
	Dns        DnsConfig
	RateLimit  RateLimitConfig
	Reputation ReputationConfig
	Spam       SpamConfig
	Antivirus  AntivirusConfig
	Queue      QueueConfig
	Sender     SenderConfig
	Storage    StorageConfig
	Redis      RedisConfig
	Log        struct {
		Level int `envconfig:"LOG_LEVEL" default:"-4" required:"true"`
	}
}

type ApiConfig struct {
	Smtp struct {
		Host     string `envconfig:"API_SMTP_HOST" default:"localhost" required:"true"`
		Inbound  InboundConfig
		Outbound OutboundConfig
	}
	Http HttpConfig
}

type InboundConfig struct {
	Port uint16 `envconfig:"API_SMTP_INBOUND_PORT" default:"25" required:"true"`
	Data struct {
		Limit uint32 `envconfig:"API_SMTP_INBOUND_DATA_LIMIT" default:"26214400" required:"true"`
	}
	Recipients struct {
		Limit      uint16 `envconfig:"API_SMTP_INBOUND_RECIPIENTS_LIMIT" default:"100" required:"true"`
		Postmaster string `envconfig:"API_SMTP_INBOUND_RECIPIENTS_POSTMASTER" default:""`
	}
	// PrivatePolicy is either "trust" or "reject".
	PrivatePolicy string `envconfig:"API_SMTP_INBOUND_PRIVATE_POLICY" default:"trust" required:"true"`
	Timeout       TimeoutConfig
}

type OutboundConfig struct {
	Port uint16 `envconfig:"API_SMTP_OUTBOUND_PORT" default:"587" required:"true"`
	Data struct {
		Limit uint32 `envconfig:"API_SMTP_OUTBOUND_DATA_LIMIT" default:"10485760" required:"true"`
	}
	Recipients struct {
		Limit uint16 `envconfig:"API_SMTP_OUTBOUND_RECIPIENTS_LIMIT" default:"50" required:"true"`
	}
	Timeout TimeoutConfig
	Tls     struct {
		CertPath   string `envconfig:"API_SMTP_OUTBOUND_TLS_CERT_PATH" default:"/etc/smtp/tls/tls.crt" required:"true"`
		KeyPath    string `envconfig:"API_SMTP_OUTBOUND_TLS_KEY_PATH" default:"/etc/smtp/tls/tls.key" required:"true"`
		MinVersion uint16 `envconfig:"API_SMTP_OUTBOUND_TLS_MIN_VERSION" default:"771" required:"true"`
	}
	VirusScan bool `envconfig:"API_SMTP_OUTBOUND_VIRUS_SCAN" default:"true"`
}

type TimeoutConfig struct {
	Read  time.Duration `envconfig:"READ" default:"1m" required:"true"`
	Write time.Duration `envconfig:"WRITE" default:"1m" required:"true"`
}

type HttpConfig struct {
	Port  uint16 `envconfig:"API_HTTP_PORT" default:"8080" required:"true"`
	Token string `envconfig:"API_HTTP_TOKEN" default:""`
}

type DnsConfig struct {
	Timeout time.Duration `envconfig:"DNS_TIMEOUT" default:"5s" required:"true"`
	Cache   struct {
		Size  uint32        `envconfig:"DNS_CACHE_SIZE" default:"10000" required:"true"`
		Ttl   time.Duration `envconfig:"DNS_CACHE_TTL" default:"5m" required:"true"`
		Sweep time.Duration `envconfig:"DNS_CACHE_SWEEP" default:"1m" required:"true"`
	}
	Concurrency uint16 `envconfig:"DNS_CONCURRENCY" default:"16" required:"true"`
	// AddrHosts is how many of the most preferred MX hosts get their A/AAAA resolved.
	AddrHosts uint16 `envconfig:"DNS_ADDR_HOSTS" default:"3" required:"true"`
	// MockSource points to a JSON zone file replacing the system resolver, for local testing.
	MockSource string `envconfig:"DNS_MOCK_SOURCE" default:""`
}

type RateLimitConfig struct {
	Inbound struct {
		Limit  uint32        `envconfig:"RATELIMIT_INBOUND_LIMIT" default:"30" required:"true"`
		Window time.Duration `envconfig:"RATELIMIT_INBOUND_WINDOW" default:"1m" required:"true"`
	}
	Outbound struct {
		Limit  uint32        `envconfig:"RATELIMIT_OUTBOUND_LIMIT" default:"300" required:"true"`
		Window time.Duration `envconfig:"RATELIMIT_OUTBOUND_WINDOW" default:"1h" required:"true"`
	}
	// Store is either "memory" or "redis".
	Store string `envconfig:"RATELIMIT_STORE" default:"memory" required:"true"`
}

type ReputationConfig struct {
	Penalty struct {
		ReverseDns  float64 `envconfig:"REPUTATION_PENALTY_RDNS" default:"2" required:"true"`
		NoMx        float64 `envconfig:"REPUTATION_PENALTY_NO_MX" default:"2" required:"true"`
		// Unavailable is added when a reputation dependency fails or times out.
		Unavailable float64 `envconfig:"REPUTATION_PENALTY_UNAVAILABLE" default:"1" required:"true"`
	}
	// SpamFraction of the content service's required score above which a message is sorted as spam.
	SpamFraction float64 `envconfig:"REPUTATION_SPAM_FRACTION" default:"0.6" required:"true"`
	// DefaultRequiredScore is used when the content service does not report one.
	DefaultRequiredScore float64 `envconfig:"REPUTATION_DEFAULT_REQUIRED_SCORE" default:"15" required:"true"`
}

type SpamConfig struct {
	Uri      string        `envconfig:"SPAM_URI" default:""`
	Password string        `envconfig:"SPAM_PASSWORD" default:""`
	Timeout  time.Duration `envconfig:"SPAM_TIMEOUT" default:"10s" required:"true"`
}

type AntivirusConfig struct {
	Addr    string        `envconfig:"ANTIVIRUS_ADDR" default:""`
	Timeout time.Duration `envconfig:"ANTIVIRUS_TIMEOUT" default:"30s" required:"true"`
}

type QueueConfig struct {
	// Store is either "bolt" or "redis".
	Store    string `envconfig:"QUEUE_STORE" default:"bolt" required:"true"`
	BoltPath string `envconfig:"QUEUE_BOLT_PATH" default:"/var/lib/mta/queue.db" required:"true"`
	Attempts uint16 `envconfig:"QUEUE_ATTEMPTS" default:"5" required:"true"`
	Backoff  struct {
		Base   time.Duration `envconfig:"QUEUE_BACKOFF_BASE" default:"1m" required:"true"`
		Factor float64       `envconfig:"QUEUE_BACKOFF_FACTOR" default:"2" required:"true"`
		Max    time.Duration `envconfig:"QUEUE_BACKOFF_MAX" default:"4h" required:"true"`
	}
	Lease   time.Duration `envconfig:"QUEUE_LEASE" default:"10m" required:"true"`
	Workers uint16        `envconfig:"QUEUE_WORKERS" default:"4" required:"true"`
	Poll    time.Duration `envconfig:"QUEUE_POLL" default:"1s" required:"true"`
}

type SenderConfig struct {
	Helo string `envconfig:"SENDER_HELO" default:""`
	Pool struct {
		MaxConnections uint16        `envconfig:"SENDER_POOL_MAX_CONNECTIONS" default:"5" required:"true"`
		MaxMessages    uint16        `envconfig:"SENDER_POOL_MAX_MESSAGES" default:"100" required:"true"`
		RateLimit      float64       `envconfig:"SENDER_POOL_RATE_LIMIT" default:"10" required:"true"`
		IdleTimeout    time.Duration `envconfig:"SENDER_POOL_IDLE_TIMEOUT" default:"1m" required:"true"`
		DialTimeout    time.Duration `envconfig:"SENDER_POOL_DIAL_TIMEOUT" default:"30s" required:"true"`
	}
	MxPort    uint16 `envconfig:"SENDER_MX_PORT" default:"25" required:"true"`
	Transport SmtpTransportConfig
	// ProvidersFile is an optional YAML file with provider credentials.
	ProvidersFile string `envconfig:"SENDER_PROVIDERS_FILE" default:""`
	Providers     ProvidersConfig
}

type SmtpTransportConfig struct {
	Host     string `envconfig:"SENDER_TRANSPORT_HOST" default:"" yaml:"host"`
	Port     uint16 `envconfig:"SENDER_TRANSPORT_PORT" default:"587" yaml:"port"`
	Username string `envconfig:"SENDER_TRANSPORT_USERNAME" default:"" yaml:"username"`
	Password string `envconfig:"SENDER_TRANSPORT_PASSWORD" default:"" yaml:"password"`
	// Tls is "starttls", "implicit" or "none".
	Tls string `envconfig:"SENDER_TRANSPORT_TLS" default:"starttls" yaml:"tls"`
}

type ProvidersConfig struct {
	SendGrid struct {
		ApiKey string `envconfig:"SENDER_SENDGRID_API_KEY" default:"" yaml:"apiKey"`
	} `yaml:"sendgrid"`
	Mailgun struct {
		Username string `envconfig:"SENDER_MAILGUN_USERNAME" default:"" yaml:"username"`
		Password string `envconfig:"SENDER_MAILGUN_PASSWORD" default:"" yaml:"password"`
		Region   string `envconfig:"SENDER_MAILGUN_REGION" default:"us" yaml:"region"`
	} `yaml:"mailgun"`
	Ses struct {
		Region          string `envconfig:"SENDER_SES_REGION" default:"" yaml:"region"`
		AccessKeyId     string `envconfig:"SENDER_SES_ACCESS_KEY_ID" default:"" yaml:"accessKeyId"`
		SecretAccessKey string `envconfig:"SENDER_SES_SECRET_ACCESS_KEY" default:"" yaml:"secretAccessKey"`
	} `yaml:"ses"`
	Postmark struct {
		Token string `envconfig:"SENDER_POSTMARK_TOKEN" default:"" yaml:"token"`
	} `yaml:"postmark"`
}

type StorageConfig struct {
	// Kind is either "memory" or "postgres".
	Kind string `envconfig:"STORAGE_KIND" default:"memory" required:"true"`
	Dsn  string `envconfig:"STORAGE_DSN" default:""`
}

type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379" required:"true"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	Db       int    `envconfig:"REDIS_DB" default:"0"`
	Prefix   string `envconfig:"REDIS_PREFIX" default:"mta" required:"true"`
}

func NewConfigFromEnv() (cfg Config, err error) {
	err = envconfig.Process("", &cfg)
	return
}
