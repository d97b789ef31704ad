package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
sources:
  - id: bluelytics
    url: https://api.bluelytics.com.ar/v2/latest
    normalizer: bluelytics
normalizers:
  - id: bluelytics
    indicators:
      - indicator: blue
        sell: blue.value_sell
feeds:
  - name: dollar
    sources: [bluelytics]
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadSampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, BackendPostgres, cfg.Backend.Type)
	assert.Len(t, cfg.Sources, 3)
	require.Len(t, cfg.Feeds, 1)
	assert.Equal(t, 15*time.Minute, cfg.Feeds[0].Interval)
	assert.True(t, cfg.Feeds[0].IsEnabled())

	n, ok := cfg.NormalizerByID("dolarsi")
	require.True(t, ok)
	assert.True(t, n.DecimalComma)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 100, cfg.Server.RateLimit.Requests)
	assert.Equal(t, 3, cfg.Scheduler.MaxErrors)
	assert.Equal(t, 60*time.Minute, cfg.Scheduler.MaxBackoff)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.HealthInterval)
	assert.Equal(t, 2160*time.Hour, cfg.Scheduler.Retention)
	assert.Equal(t, 300*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 10, cfg.Cache.Redis.PoolSize)
	assert.Equal(t, 2, cfg.Cache.Redis.MinIdleConns)
	assert.Equal(t, 30*time.Second, cfg.Cache.Redis.PoolTimeout)
	assert.Equal(t, BackendClickHouse, cfg.Backend.Type)

	src, ok := cfg.SourceByID("bluelytics")
	require.True(t, ok)
	assert.Equal(t, TransportHTTP, src.Transport)
	assert.Equal(t, 10*time.Second, src.Timeout)
	assert.Zero(t, src.MaxBody)
	assert.Empty(t, src.UserAgent)
	assert.Equal(t, 15*time.Minute, cfg.Feeds[0].Interval)
}

func TestLoadTOML(t *testing.T) {
	body := `
environment = "production"

[backend]
type = "postgres"

[[sources]]
id = "dolarapi"
url = "https://dolarapi.com/v1/dolares"
normalizer = "dolarapi"
timeout = "5s"

[[normalizers]]
id = "dolarapi"
items = "@this"
key = "nombre"

  [[normalizers.indicators]]
  indicator = "blue"
  match = "blue"
  sell = "venta"

[[feeds]]
name = "dollar"
interval = "30m"
sources = ["dolarapi"]
`
	cfg, err := Load(writeFile(t, "config.toml", body))
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, BackendPostgres, cfg.Backend.Type)
	assert.Equal(t, 30*time.Minute, cfg.Feeds[0].Interval)
	assert.Equal(t, 5*time.Second, cfg.Sources[0].Timeout)
}

func TestValidateCrossReferences(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "unknown normalizer",
			body: `
sources:
  - {id: a, url: "https://a.example.com", normalizer: missing}
normalizers:
  - {id: n, indicators: [{indicator: blue, sell: sell}]}
feeds:
  - {name: f, sources: [a]}
`,
		},
		{
			name: "unknown source",
			body: `
sources:
  - {id: a, url: "https://a.example.com", normalizer: n}
normalizers:
  - {id: n, indicators: [{indicator: blue, sell: sell}]}
feeds:
  - {name: f, sources: [b]}
`,
		},
		{
			name: "duplicate source",
			body: `
sources:
  - {id: a, url: "https://a.example.com", normalizer: n}
  - {id: a, url: "https://b.example.com", normalizer: n}
normalizers:
  - {id: n, indicators: [{indicator: blue, sell: sell}]}
feeds:
  - {name: f, sources: [a]}
`,
		},
		{
			name: "kafka backend without brokers",
			body: minimalYAML + `
backend:
  type: kafka
`,
		},
		{
			name: "bad transport",
			body: `
sources:
  - {id: a, url: "https://a.example.com", normalizer: n, transport: ftp}
normalizers:
  - {id: n, indicators: [{indicator: blue, sell: sell}]}
feeds:
  - {name: f, sources: [a]}
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.yaml", tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeFile(t, "config.yaml", minimalYAML)
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("BACKEND_TYPE", "kafka")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("UPDATE_INTERVAL_MINUTES", "5")

	cfg, err := LoadWithEnv(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, BackendKafka, cfg.Backend.Type)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Cache.Redis.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Feeds[0].Interval)
	assert.True(t, cfg.NeedsKafkaProducer())
}

func TestLoadWithEnvRevalidates(t *testing.T) {
	path := writeFile(t, "config.yaml", minimalYAML)
	t.Setenv("BACKEND_TYPE", "sqlite")

	_, err := LoadWithEnv(path)
	assert.Error(t, err)
}

func TestFeedEnabled(t *testing.T) {
	off := false
	assert.False(t, FeedConfig{Enabled: &off}.IsEnabled())
	assert.True(t, FeedConfig{}.IsEnabled())
}
