package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9014
nats:
  url: nats://localhost:4222
brokers:
  - name: sim-futures
    source: ctp
    driver: sim
    front_addr: tcp://127.0.0.1:10211
    user_id: "166719"
    password: secret
    broker_id: "9999"
subscriptions:
  ctp: [au2212, rb2301]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9014", cfg.Server.Addr())
	assert.Equal(t, 256, cfg.Server.OutboxSize)
	assert.Equal(t, 30*time.Second, cfg.Server.ReconcileInterval)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, []string{"au2212", "rb2301"}, cfg.Subscriptions["ctp"])

	require.Len(t, cfg.Brokers, 1)
	assert.Equal(t, "sim-futures", cfg.Brokers[0].Name)
	assert.Equal(t, "ctp", cfg.Brokers[0].Source)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server: ServerConfig{Port: 8014, OutboxSize: 256},
			Brokers: []BrokerConfig{
				{Name: "a", Source: "ctp", Driver: "sim"},
			},
		}
	}

	assert.NoError(t, base().Validate())

	cfg := base()
	cfg.Brokers = nil
	assert.ErrorContains(t, cfg.Validate(), "at least one broker")

	cfg = base()
	cfg.Brokers[0].Source = "reuters"
	assert.ErrorContains(t, cfg.Validate(), "unknown market data source")

	cfg = base()
	cfg.Brokers[0].Driver = "ftp"
	assert.ErrorContains(t, cfg.Validate(), "unknown driver")

	cfg = base()
	cfg.Brokers = append(cfg.Brokers, BrokerConfig{Name: "a", Source: "qq"})
	assert.ErrorContains(t, cfg.Validate(), "duplicate broker name")

	cfg = base()
	cfg.Subscriptions = map[string][]string{"lse": {"VOD"}}
	assert.ErrorContains(t, cfg.Validate(), "unknown market data source")
}
