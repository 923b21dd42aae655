package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.Queue.PollInterval)
	assert.Equal(t, 1, cfg.Queue.Workers)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
queue:
  workers: 4
  poll_interval: 250ms
  job_timeout: 10m
events:
  nats_url: nats://localhost:4222
collaborators:
  steps_url: http://steps.internal
  headers:
    X-Api-Key: secret
log:
  level: debug
  format: json
`)
	cfg, err := Load(path, false)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.Queue.JobTimeout)
	assert.Equal(t, "nats://localhost:4222", cfg.Events.NATSURL)
	assert.Equal(t, "devflow.events", cfg.Events.SubjectPrefix, "unset keys keep their default")
	assert.Equal(t, "secret", cfg.Collaborators.Headers["X-Api-Key"])
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "devflow.db", cfg.Storage.Path)
}

func TestLoadMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "none.yaml")

	cfg, err := Load(missing, true)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(missing, false)
	assert.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"postgres without dsn", "queue:\n  driver: postgres\n", "queue.dsn"},
		{"unknown driver", "queue:\n  driver: redis\n", "queue.driver"},
		{"no workers", "queue:\n  workers: 0\n", "queue.workers"},
		{"bad format", "log:\n  format: xml\n", "log.format"},
		{"bad duration", "queue:\n  poll_interval: soon\n", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body), false)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), err.Error())
		})
	}
}

func TestLeaseOwner(t *testing.T) {
	cfg := Default()
	assert.NotEmpty(t, cfg.LeaseOwner())
	cfg.Workflow.Owner = "worker-a"
	assert.Equal(t, "worker-a", cfg.LeaseOwner())
}
