package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
relay:
  url: wss://relay.example/chat.ws
platforms:
  kick:
    enabled: true
    slug: xqc
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Relay.RetryDelay)
	assert.Equal(t, 1000, cfg.Relay.QueueLimit)
	assert.Equal(t, "memory", cfg.Dedup.Backend)
	assert.Equal(t, time.Second, cfg.Pacer.MaxWait)
	assert.Equal(t, 50*time.Millisecond, cfg.Pacer.MinInterval)
	assert.Equal(t, "all", cfg.Viewers.Mode)
	assert.Equal(t, "wss://relay.example/chat.ws", cfg.Consumer.URL)
	assert.Equal(t, 5000, cfg.Consumer.StoreCapacity)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "chatnexus.updates", cfg.Kafka.Topic)
	require.NotNil(t, cfg.Archive.Uploader.DeleteAfterUpload)
	assert.True(t, *cfg.Archive.Uploader.DeleteAfterUpload)
	assert.Equal(t, 1, cfg.EnabledPlatforms())
}

func TestParseDurationsAndLists(t *testing.T) {
	cfg, err := Parse([]byte(minimal + `
pacer:
  max_wait: 2s
  min_interval: 100ms
viewers:
  mode: exclude
  platforms: [twitch]
archive:
  uploader:
    delete_after_upload: false
`))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Pacer.MaxWait)
	assert.Equal(t, 100*time.Millisecond, cfg.Pacer.MinInterval)
	assert.Equal(t, []string{"twitch"}, cfg.Viewers.Platforms)
	assert.False(t, *cfg.Archive.Uploader.DeleteAfterUpload)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_URL", "wss://env.example/ws")
	t.Setenv("TWITCH_OAUTH", "oauth:abc")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("S3_ACCESS_KEY_ID", "AKIA")
	t.Setenv("S3_SECRET_ACCESS_KEY", "secret")

	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)
	assert.Equal(t, "wss://env.example/ws", cfg.Relay.URL)
	assert.Equal(t, "oauth:abc", cfg.Platforms.Twitch.OAuth)
	assert.Equal(t, "redis:6379", cfg.Dedup.RedisAddr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "AKIA", cfg.Archive.S3.AccessKeyID)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no relay", "platforms: {kick: {enabled: true, slug: a}}", "relay.url"},
		{"retry too long", "relay: {url: ws://r, retry_delay: 10s}\nplatforms: {kick: {enabled: true, slug: a}}", "retry_delay"},
		{"nothing enabled", "relay: {url: ws://r}", "at least one platform"},
		{"kick without slug", "relay: {url: ws://r}\nplatforms: {kick: {enabled: true}}", "platforms.kick"},
		{"xmrchat without page", "relay: {url: ws://r}\nplatforms: {xmrchat: {enabled: true}}", "tip_page"},
		{"redis without addr", minimal + "dedup: {backend: redis}", "redis_addr"},
		{"bad backend", minimal + "dedup: {backend: etcd}", "dedup.backend"},
		{"archive without bucket", minimal + "archive: {enabled: true}", "bucket"},
		{"archive without creds", minimal + "archive: {enabled: true, s3: {bucket: b, region: r}}", "role_arn"},
		{"static key without secret", minimal + "archive: {enabled: true, s3: {bucket: b, region: r, access_key_id: k}}", "secret_access_key"},
		{"kafka without brokers", minimal + "kafka: {enabled: true}", "kafka.brokers"},
		{"bad token rate", minimal + "consumer: {token_rates: {XMR: 0}}", "token_rates"},
		{"pacer inverted", minimal + "pacer: {max_wait: 10ms, min_interval: 1s}", "min_interval"},
		{"log format", minimal + "log: {format: xml}", "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConsumerOnly(t *testing.T) {
	cfg, err := Parse([]byte("relay: {url: ws://r}\nconsumer: {enabled: true, layout: main}"))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.EnabledPlatforms())
	assert.Equal(t, "main", cfg.Consumer.Layout)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "xqc", cfg.Platforms.Kick.Slug)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
