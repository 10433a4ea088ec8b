package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Scylla     ScyllaConfig     `mapstructure:"scylla"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Modem      ModemConfig      `mapstructure:"modem"`
	Serializer SerializerConfig `mapstructure:"serializer"`
	Audio      AudioConfig      `mapstructure:"audio"`
	Telephony  TelephonyConfig  `mapstructure:"telephony"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	JobTopic        string        `mapstructure:"job_topic"`
	StatusTopic     string        `mapstructure:"status_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint       string  `mapstructure:"endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
}

// ModemConfig drives port discovery and the AT command timings.
type ModemConfig struct {
	// Ports, when set, replaces OS enumeration with a fixed candidate list.
	Ports []string `mapstructure:"ports"`
	// Signatures are matched against the port product/descriptor.
	Signatures []string `mapstructure:"signatures"`
	// PathPrefixes are matched against the device path.
	PathPrefixes []string `mapstructure:"path_prefixes"`
	// USBIDs are "vid:pid" pairs matched against the USB descriptor.
	USBIDs    []string `mapstructure:"usb_ids"`
	BaudRates []int    `mapstructure:"baud_rates"`

	SettleDelay  time.Duration `mapstructure:"settle_delay"`
	ProbeDelay   time.Duration `mapstructure:"probe_delay"`
	CommandDelay time.Duration `mapstructure:"command_delay"`
	DialDelay    time.Duration `mapstructure:"dial_delay"`
	HangupDelay  time.Duration `mapstructure:"hangup_delay"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	IdleInterval time.Duration `mapstructure:"idle_interval"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	// RingTimeout bounds the wait for an answer. Zero waits forever.
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
}

// SerializerConfig selects the admission policy for call jobs.
type SerializerConfig struct {
	Policy       string        `mapstructure:"policy"`
	LeaseEnabled bool          `mapstructure:"lease_enabled"`
	LeaseKey     string        `mapstructure:"lease_key"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
	LeasePoll    time.Duration `mapstructure:"lease_poll"`
}

type AudioConfig struct {
	DownloadDir     string        `mapstructure:"download_dir"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	Player          string        `mapstructure:"player"`
	Device          string        `mapstructure:"device"`
	// MaxBytes caps the size of a downloaded clip.
	MaxBytes int64 `mapstructure:"max_bytes"`
}

type TelephonyConfig struct {
	Provider string `mapstructure:"provider"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("DIALER")
	v.SetEnvKeyReplacer(NewEnvReplacer())
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "gsm-voice-dialer")
	v.SetDefault("app.env", "development")

	v.SetDefault("http.port", 8080)
	v.SetDefault("kafka.job_topic", "gsm.call.jobs")
	v.SetDefault("kafka.status_topic", "gsm.call.status")
	v.SetDefault("kafka.consumer_group_id", "gsm-dialer")
	v.SetDefault("kafka.commit_interval", time.Second)

	v.SetDefault("modem.signatures", []string{"CP210", "CH340"})
	v.SetDefault("modem.path_prefixes", []string{"/dev/ttyUSB", "/dev/ttyACM"})
	v.SetDefault("modem.usb_ids", []string{"1a86:7523", "10c4:ea60"})
	v.SetDefault("modem.baud_rates", []int{9600, 115200})
	v.SetDefault("modem.settle_delay", 2*time.Second)
	v.SetDefault("modem.probe_delay", time.Second)
	v.SetDefault("modem.command_delay", time.Second)
	v.SetDefault("modem.dial_delay", 3*time.Second)
	v.SetDefault("modem.hangup_delay", 2*time.Second)
	v.SetDefault("modem.poll_interval", time.Second)
	v.SetDefault("modem.idle_interval", 100*time.Millisecond)
	v.SetDefault("modem.read_timeout", 50*time.Millisecond)
	v.SetDefault("modem.ring_timeout", 90*time.Second)

	v.SetDefault("serializer.policy", "queue")
	v.SetDefault("serializer.lease_key", "gsm:modem:lease")
	v.SetDefault("serializer.lease_ttl", 15*time.Minute)
	v.SetDefault("serializer.lease_poll", 250*time.Millisecond)

	v.SetDefault("audio.download_dir", "/tmp/gsm-dialer")
	v.SetDefault("audio.download_timeout", 10*time.Second)
	v.SetDefault("audio.max_bytes", int64(20<<20))
	v.SetDefault("audio.player", "aplay")
	v.SetDefault("audio.device", "plughw:1,0")

	v.SetDefault("telephony.provider", "gsm")
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
