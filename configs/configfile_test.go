package configs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unbasical/doras-ota/examples"
)

func Test_AgentConfigExample(t *testing.T) {
	cfg := DefaultAgentConfig()
	err := ParseAgentConfig([]byte(examples.AgentExampleConfig()), &cfg)
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.1.10:8080", cfg.RepoURL)
	assert.Equal(t, "/opt/device", cfg.Root)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.BackoffMax)
	assert.Equal(t, []string{"systemctl", "reboot"}, cfg.RebootCommand)
	assert.Equal(t, "/opt/device/version.txt", cfg.Layout().VersionPath())
}

func TestParseAgentConfig(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
		check   func(t *testing.T, cfg AgentConfigFile)
	}{
		{
			name: "defaults fill omitted fields",
			yaml: "repo-url: http://localhost:8080\ncommit:\n  attempts: 3\n",
			check: func(t *testing.T, cfg AgentConfigFile) {
				assert.Equal(t, uint(3), cfg.Commit.Attempts)
				assert.Equal(t, 5*time.Second, cfg.Commit.Delay)
				assert.Equal(t, 60*time.Second, cfg.Scheduler.CheckInterval)
				assert.Equal(t, "/", cfg.Root)
			},
		},
		{name: "missing repository", yaml: "root: /tmp\n", wantErr: true},
		{name: "unknown field", yaml: "repo-url: http://x\nbogus: 1\n", wantErr: true},
		{name: "invalid duration", yaml: "repo-url: http://x\nscheduler:\n  check-interval: soon\n", wantErr: true},
		{name: "zero interval", yaml: "repo-url: http://x\nscheduler:\n  check-interval: 0s\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultAgentConfig()
			err := ParseAgentConfig([]byte(tt.yaml), &cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadAgentConfig(t *testing.T) {
	_, err := LoadAgentConfig("")
	require.NoError(t, err)

	_, err = LoadAgentConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	p := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(p, []byte("repo-url: http://repo\nroot: /data\n"), 0o644))
	cfg, err := LoadAgentConfig(p)
	require.NoError(t, err)
	assert.Equal(t, "/data", cfg.Root)
	assert.Equal(t, "http://repo", cfg.RepoURL)
}
