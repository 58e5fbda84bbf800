package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Relay     RelayConfig     `yaml:"relay"`
	Platforms PlatformsConfig `yaml:"platforms"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Pacer     PacerConfig     `yaml:"pacer"`
	Viewers   ViewersConfig   `yaml:"viewers"`
	Consumer  ConsumerConfig  `yaml:"consumer"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// RelayConfig holds the relay connection settings shared by every seed
type RelayConfig struct {
	URL            string        `yaml:"url"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	QueueLimit     int           `yaml:"queue_limit"`
	DiscoveryRetry time.Duration `yaml:"discovery_retry"`
}

// PlatformsConfig holds one block per platform. Live on a platform opens its
// sockets and polls from this process; without it the adapter only parses
// events posted to /tap.
type PlatformsConfig struct {
	Kick    KickConfig    `yaml:"kick"`
	Rumble  RumbleConfig  `yaml:"rumble"`
	Odysee  OdyseeConfig  `yaml:"odysee"`
	YouTube YouTubeConfig `yaml:"youtube"`
	Twitch  TwitchConfig  `yaml:"twitch"`
	X       XConfig       `yaml:"x"`
	VK      VKConfig      `yaml:"vk"`
	XMRChat XMRChatConfig `yaml:"xmrchat"`
}

type KickConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Live           bool          `yaml:"live"`
	Slug           string        `yaml:"slug"`
	ChatroomID     int           `yaml:"chatroom_id"`
	APIBase        string        `yaml:"api_base"`
	PusherURL      string        `yaml:"pusher_url"`
	ViewerInterval time.Duration `yaml:"viewer_interval"`
}

type RumbleConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Live           bool          `yaml:"live"`
	VideoID        string        `yaml:"video_id"`
	ChatID         string        `yaml:"chat_id"`
	ViewerInterval time.Duration `yaml:"viewer_interval"`
}

type OdyseeConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Live           bool          `yaml:"live"`
	StreamURL      string        `yaml:"stream_url"`
	ClaimID        string        `yaml:"claim_id"`
	ChannelClaimID string        `yaml:"channel_claim_id"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ViewerInterval time.Duration `yaml:"viewer_interval"`
}

type YouTubeConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Live           bool          `yaml:"live"`
	VideoID        string        `yaml:"video_id"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ViewerInterval time.Duration `yaml:"viewer_interval"`
}

// TwitchConfig holds Twitch-specific configuration
type TwitchConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Live     bool   `yaml:"live"`
	Channel  string `yaml:"channel"`
	Username string `yaml:"username"`
	OAuth    string `yaml:"oauth"`
}

type XConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Live        bool   `yaml:"live"`
	BroadcastID string `yaml:"broadcast_id"`
	SocketURL   string `yaml:"socket_url"`
	AccessToken string `yaml:"access_token"`
}

type VKConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Live      bool   `yaml:"live"`
	ChannelID string `yaml:"channel_id"`
	SocketURL string `yaml:"socket_url"`
	Token     string `yaml:"token"`
}

type XMRChatConfig struct {
	Enabled bool   `yaml:"enabled"`
	TipPage string `yaml:"tip_page"`
	Host    string `yaml:"host"`
}

// DedupConfig selects where emitted IDs are remembered
type DedupConfig struct {
	Backend       string        `yaml:"backend"` // memory or redis
	Capacity      int           `yaml:"capacity"`
	TTL           time.Duration `yaml:"ttl"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	Prefix        string        `yaml:"prefix"`
}

type PacerConfig struct {
	MaxWait     time.Duration `yaml:"max_wait"`
	MinInterval time.Duration `yaml:"min_interval"`
}

type ViewersConfig struct {
	Mode      string   `yaml:"mode"` // all, include or exclude
	Platforms []string `yaml:"platforms"`
}

// ConsumerConfig enables the viewing side: a seed subscribed to the relay
// feeding the renderer stream and dashboard API
type ConsumerConfig struct {
	Enabled        bool               `yaml:"enabled"`
	URL            string             `yaml:"url"` // defaults to relay.url
	Layout         string             `yaml:"layout"`
	StoreCapacity  int                `yaml:"store_capacity"`
	PaidDB         string             `yaml:"paid_db"`
	ExchangeURL    string             `yaml:"exchange_url"`
	ExchangeBackup string             `yaml:"exchange_backup"`
	TokenRates     map[string]float64 `yaml:"token_rates"` // USD per unit, e.g. XMR, KICKS, LBC
}

type ArchiveConfig struct {
	Enabled  bool           `yaml:"enabled"`
	S3       S3Config       `yaml:"s3"`
	Recorder RecorderConfig `yaml:"recorder"`
	Uploader UploaderConfig `yaml:"uploader"`
}

// S3Config holds S3 upload configuration
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	RoleARN         string `yaml:"role_arn"`          // IAM role ARN for OIDC authentication
	AccessKeyID     string `yaml:"access_key_id"`     // Legacy: static credentials
	SecretAccessKey string `yaml:"secret_access_key"` // Legacy: static credentials
	Endpoint        string `yaml:"endpoint"`          // For S3-compatible services
}

// RecorderConfig holds recorder configuration
type RecorderConfig struct {
	OutputDir       string `yaml:"output_dir"`
	RotateMinutes   int    `yaml:"rotate_minutes"`
	RotateMegabytes int    `yaml:"rotate_megabytes"`
	BufferSize      int    `yaml:"buffer_size"`
}

// UploaderConfig holds uploader configuration
type UploaderConfig struct {
	CheckIntervalSeconds int   `yaml:"check_interval_seconds"`
	DeleteAfterUpload    *bool `yaml:"delete_after_upload"`
	MaxRetries           int   `yaml:"max_retries"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies environment overrides and defaults, and
// validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("RELAY_URL"); v != "" {
		c.Relay.URL = v
	}
	if v := os.Getenv("TWITCH_OAUTH"); v != "" {
		c.Platforms.Twitch.OAuth = v
	}
	if v := os.Getenv("AWS_ROLE_ARN"); v != "" {
		c.Archive.S3.RoleARN = v
	}
	if v := os.Getenv("S3_ACCESS_KEY_ID"); v != "" {
		c.Archive.S3.AccessKeyID = v
	}
	if v := os.Getenv("S3_SECRET_ACCESS_KEY"); v != "" {
		c.Archive.S3.SecretAccessKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Dedup.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Dedup.RedisPassword = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
}

func (c *Config) applyDefaults() {
	if c.Relay.RetryDelay == 0 {
		c.Relay.RetryDelay = 2 * time.Second
	}
	if c.Relay.QueueLimit == 0 {
		c.Relay.QueueLimit = 1000
	}
	if c.Relay.DiscoveryRetry == 0 {
		c.Relay.DiscoveryRetry = 5 * time.Second
	}

	if c.Dedup.Backend == "" {
		c.Dedup.Backend = "memory"
	}
	if c.Dedup.Capacity == 0 {
		c.Dedup.Capacity = 10000
	}
	if c.Dedup.TTL == 0 {
		c.Dedup.TTL = 6 * time.Hour
	}
	if c.Dedup.Prefix == "" {
		c.Dedup.Prefix = "chatnexus:seen:"
	}

	if c.Pacer.MaxWait == 0 {
		c.Pacer.MaxWait = time.Second
	}
	if c.Pacer.MinInterval == 0 {
		c.Pacer.MinInterval = 50 * time.Millisecond
	}

	if c.Viewers.Mode == "" {
		c.Viewers.Mode = "all"
	}

	if c.Consumer.URL == "" {
		c.Consumer.URL = c.Relay.URL
	}
	if c.Consumer.StoreCapacity == 0 {
		c.Consumer.StoreCapacity = 5000
	}
	if c.Consumer.PaidDB == "" {
		c.Consumer.PaidDB = "./data/paid.db"
	}
	if c.Consumer.ExchangeURL == "" {
		c.Consumer.ExchangeURL = "https://www.ecb.europa.eu/stats/eurofxref/eurofxref-daily.xml"
	}
	if c.Consumer.ExchangeBackup == "" {
		c.Consumer.ExchangeBackup = "./data/exchange.xml"
	}

	if c.Archive.Recorder.BufferSize == 0 {
		c.Archive.Recorder.BufferSize = 100
	}
	if c.Archive.Recorder.RotateMinutes == 0 {
		c.Archive.Recorder.RotateMinutes = 60
	}
	if c.Archive.Recorder.RotateMegabytes == 0 {
		c.Archive.Recorder.RotateMegabytes = 100
	}
	if c.Archive.Recorder.OutputDir == "" {
		c.Archive.Recorder.OutputDir = "./data/archive"
	}
	if c.Archive.Uploader.CheckIntervalSeconds == 0 {
		c.Archive.Uploader.CheckIntervalSeconds = 60
	}
	if c.Archive.Uploader.MaxRetries == 0 {
		c.Archive.Uploader.MaxRetries = 3
	}
	// Unset means delete; an explicit false keeps local copies.
	if c.Archive.Uploader.DeleteAfterUpload == nil {
		del := true
		c.Archive.Uploader.DeleteAfterUpload = &del
	}

	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "chatnexus.updates"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Relay.URL == "" {
		return errors.New("relay.url is required (or set RELAY_URL env var)")
	}
	if c.Relay.RetryDelay < time.Second || c.Relay.RetryDelay > 3*time.Second {
		return fmt.Errorf("relay.retry_delay must be between 1s and 3s, got %s", c.Relay.RetryDelay)
	}
	if c.Relay.QueueLimit < 0 {
		return errors.New("relay.queue_limit must not be negative")
	}
	if err := c.Platforms.validate(); err != nil {
		return err
	}
	if c.EnabledPlatforms() == 0 && !c.Consumer.Enabled {
		return errors.New("enable at least one platform or the consumer")
	}

	switch c.Dedup.Backend {
	case "memory":
	case "redis":
		if c.Dedup.RedisAddr == "" {
			return errors.New("dedup.redis_addr is required for the redis backend (or set REDIS_ADDR env var)")
		}
	default:
		return fmt.Errorf("dedup.backend must be memory or redis, got %q", c.Dedup.Backend)
	}

	if c.Pacer.MaxWait <= 0 || c.Pacer.MinInterval <= 0 {
		return errors.New("pacer.max_wait and pacer.min_interval must be positive")
	}
	if c.Pacer.MinInterval > c.Pacer.MaxWait {
		return errors.New("pacer.min_interval must not exceed pacer.max_wait")
	}
	for code, rate := range c.Consumer.TokenRates {
		if rate <= 0 {
			return fmt.Errorf("consumer.token_rates.%s must be positive", code)
		}
	}

	if c.Archive.Enabled {
		s3 := c.Archive.S3
		if s3.Bucket == "" {
			return errors.New("archive.s3.bucket is required")
		}
		if s3.Region == "" {
			return errors.New("archive.s3.region is required")
		}
		// Either OIDC role or static credentials required
		if s3.RoleARN == "" && s3.AccessKeyID == "" {
			return errors.New("either archive.s3.role_arn (OIDC) or archive.s3.access_key_id (legacy) is required")
		}
		if s3.AccessKeyID != "" && s3.SecretAccessKey == "" {
			return errors.New("archive.s3.secret_access_key is required when using access_key_id")
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required (or set KAFKA_BROKERS env var)")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func (p PlatformsConfig) validate() error {
	if p.Kick.Enabled && p.Kick.Slug == "" && p.Kick.ChatroomID == 0 {
		return errors.New("platforms.kick needs slug or chatroom_id")
	}
	if p.Rumble.Enabled && p.Rumble.VideoID == "" && p.Rumble.ChatID == "" {
		return errors.New("platforms.rumble needs video_id or chat_id")
	}
	if p.Odysee.Enabled && p.Odysee.StreamURL == "" && p.Odysee.ClaimID == "" {
		return errors.New("platforms.odysee needs stream_url or claim_id")
	}
	if p.YouTube.Enabled && p.YouTube.VideoID == "" {
		return errors.New("platforms.youtube.video_id is required")
	}
	if p.Twitch.Enabled {
		if p.Twitch.Channel == "" {
			return errors.New("platforms.twitch.channel is required")
		}
		if p.Twitch.Live && p.Twitch.OAuth != "" && p.Twitch.Username == "" {
			return errors.New("platforms.twitch.username is required with oauth")
		}
	}
	if p.X.Enabled && p.X.BroadcastID == "" {
		return errors.New("platforms.x.broadcast_id is required")
	}
	if p.VK.Enabled && p.VK.ChannelID == "" {
		return errors.New("platforms.vk.channel_id is required")
	}
	if p.XMRChat.Enabled && p.XMRChat.TipPage == "" {
		return errors.New("platforms.xmrchat.tip_page is required")
	}
	return nil
}

// EnabledPlatforms counts the platforms switched on.
func (c *Config) EnabledPlatforms() int {
	p := c.Platforms
	n := 0
	for _, on := range []bool{
		p.Kick.Enabled, p.Rumble.Enabled, p.Odysee.Enabled, p.YouTube.Enabled,
		p.Twitch.Enabled, p.X.Enabled, p.VK.Enabled, p.XMRChat.Enabled,
	} {
		if on {
			n++
		}
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
