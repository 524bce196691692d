// Package configs contains the configuration file of the update agent.
package configs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unbasical/doras-ota/internal/pkg/utils/fileutils"
	"github.com/unbasical/doras-ota/pkg/client/updater/storage"
	"github.com/unbasical/doras-ota/pkg/constants"
)

// AgentConfigFile is the YAML configuration of the update agent.
// Relative names are interpreted below Root.
type AgentConfigFile struct {
	RepoURL             string   `yaml:"repo-url"`
	Root                string   `yaml:"root"`
	VersionFile         string   `yaml:"version-file"`
	MarkerFile          string   `yaml:"marker-file"`
	StagingDir          string   `yaml:"staging-dir"`
	BackupDir           string   `yaml:"backup-dir"`
	NormalizeExtensions []string `yaml:"normalize-extensions"`

	Scheduler SchedulerConfiguration `yaml:"scheduler"`
	Commit    CommitConfiguration    `yaml:"commit"`
	HTTP      HTTPConfiguration      `yaml:"http"`

	RebootCommand  []string      `yaml:"reboot-command"`
	ReportInterval time.Duration `yaml:"report-interval"`
	LogLevel       string        `yaml:"log-level"`
	LogFormat      string        `yaml:"log-format"`
}

// SchedulerConfiguration controls the periodic update check.
// A zero MaxDownloadSize or VolumeLimit disables the respective limit.
type SchedulerConfiguration struct {
	CheckInterval   time.Duration `yaml:"check-interval"`
	Backoff         bool          `yaml:"backoff"`
	BackoffMax      time.Duration `yaml:"backoff-max"`
	MemoryThreshold uint64        `yaml:"memory-threshold"`
	StorageMargin   uint64        `yaml:"storage-margin"`
	MaxDownloadSize uint64        `yaml:"max-download-size"`
	VolumeLimit     uint64        `yaml:"volume-limit"`
	VolumePeriod    time.Duration `yaml:"volume-period"`
	VolumeStatsDir  string        `yaml:"volume-stats-dir"`
}

// CommitConfiguration controls the verification of an applied update.
type CommitConfiguration struct {
	Attempts           uint          `yaml:"attempts"`
	Delay              time.Duration `yaml:"delay"`
	ConnectivityURL    string        `yaml:"connectivity-url"`
	ConnectivityTries  uint          `yaml:"connectivity-tries"`
	HealthCheckCommand []string      `yaml:"health-check-command"`
}

// HTTPConfiguration controls the client of the repository.
type HTTPConfiguration struct {
	Retry       bool          `yaml:"retry"`
	Timeout     time.Duration `yaml:"timeout"`
	Compression bool          `yaml:"compression"`
}

// DefaultAgentConfig returns the configuration that is used for every field the file leaves out.
func DefaultAgentConfig() AgentConfigFile {
	return AgentConfigFile{
		Root:                "/",
		VersionFile:         constants.VersionFileName,
		MarkerFile:          constants.MarkerFileName,
		StagingDir:          constants.StagingDirName,
		BackupDir:           constants.BackupDirName,
		NormalizeExtensions: constants.DefaultNormalizeExtensions(),
		Scheduler: SchedulerConfiguration{
			CheckInterval:   60 * time.Second,
			BackoffMax:      30 * time.Minute,
			MemoryThreshold: 20 * 1024,
			StorageMargin:   10 * 1024,
			VolumePeriod:    30 * 24 * time.Hour,
			VolumeStatsDir:  "/var/lib/ota-agent/volume",
		},
		Commit: CommitConfiguration{
			Attempts:          12,
			Delay:             5 * time.Second,
			ConnectivityURL:   constants.DefaultConnectivityURL,
			ConnectivityTries: 3,
		},
		HTTP: HTTPConfiguration{
			Retry:       true,
			Timeout:     30 * time.Second,
			Compression: true,
		},
		ReportInterval: 500 * time.Millisecond,
		LogLevel:       "INFO",
		LogFormat:      "TEXT",
	}
}

// LoadAgentConfig reads the file at path over the defaults. An empty path yields the defaults.
func LoadAgentConfig(path string) (AgentConfigFile, error) {
	cfg := DefaultAgentConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := fileutils.SafeReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := ParseAgentConfig(data, &cfg); err != nil {
		return cfg, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// ParseAgentConfig decodes data into cfg, unknown fields are rejected.
func ParseAgentConfig(data []byte, cfg *AgentConfigFile) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return cfg.Validate()
}

// Validate checks the fields that have no usable default.
func (c *AgentConfigFile) Validate() error {
	if c.RepoURL == "" {
		return errors.New("repo-url is required")
	}
	if c.Root == "" {
		return errors.New("root must not be empty")
	}
	if c.Scheduler.CheckInterval <= 0 {
		return errors.New("scheduler.check-interval must be positive")
	}
	return nil
}

// Layout returns the on-device layout described by the configuration.
func (c *AgentConfigFile) Layout() storage.Layout {
	return storage.Layout{
		Root:        c.Root,
		VersionFile: c.VersionFile,
		MarkerFile:  c.MarkerFile,
		StagingDir:  c.StagingDir,
		BackupDir:   c.BackupDir,
	}
}
