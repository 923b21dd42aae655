// Package config loads devflow's runtime configuration: built-in defaults,
// then an optional YAML file, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr  string `yaml:"addr"`
	Debug bool   `yaml:"debug"`
}

type Storage struct {
	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

type Queue struct {
	// Driver is "sqlite" or "postgres".
	Driver       string        `yaml:"driver"`
	DSN          string        `yaml:"dsn"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Workers      int           `yaml:"workers"`
	JobTimeout   time.Duration `yaml:"job_timeout"`
	StaleAfter   time.Duration `yaml:"stale_after"`
}

type Workflow struct {
	MaxLive  int           `yaml:"max_live"`
	LeaseTTL time.Duration `yaml:"lease_ttl"`
	// Owner identifies this process in execution leases. Defaults to the
	// hostname and pid.
	Owner string `yaml:"owner"`
}

type Scheduler struct {
	Enabled       bool          `yaml:"enabled"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

type Events struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type Collaborators struct {
	StepsURL   string            `yaml:"steps_url"`
	CodegenURL string            `yaml:"codegen_url"`
	Headers    map[string]string `yaml:"headers"`
	Timeout    time.Duration     `yaml:"timeout"`
	RepoPath   string            `yaml:"repo_path"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Server        Server        `yaml:"server"`
	Storage       Storage       `yaml:"storage"`
	Queue         Queue         `yaml:"queue"`
	Workflow      Workflow      `yaml:"workflow"`
	Scheduler     Scheduler     `yaml:"scheduler"`
	Events        Events        `yaml:"events"`
	Collaborators Collaborators `yaml:"collaborators"`
	Log           Log           `yaml:"log"`
}

func Default() Config {
	return Config{
		Server:  Server{Addr: ":8080"},
		Storage: Storage{Path: "devflow.db"},
		Queue: Queue{
			Driver:       "sqlite",
			PollInterval: 5 * time.Second,
			Workers:      1,
			JobTimeout:   30 * time.Minute,
			StaleAfter:   time.Hour,
		},
		Workflow: Workflow{
			MaxLive:  256,
			LeaseTTL: 2 * time.Minute,
		},
		Scheduler: Scheduler{Enabled: true, CheckInterval: time.Minute},
		Events:    Events{SubjectPrefix: "devflow.events"},
		Collaborators: Collaborators{
			Timeout:  2 * time.Minute,
			RepoPath: ".",
		},
		Log: Log{Level: "info", Format: "console"},
	}
}

// Load reads path over the defaults. A missing file is not an error when
// optional is set.
func Load(path string, optional bool) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var problems []string
	switch c.Queue.Driver {
	case "sqlite":
	case "postgres":
		if c.Queue.DSN == "" {
			problems = append(problems, "queue.dsn is required for the postgres driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("queue.driver %q is not sqlite or postgres", c.Queue.Driver))
	}
	if c.Storage.Path == "" {
		problems = append(problems, "storage.path is required")
	}
	if c.Queue.Workers < 1 {
		problems = append(problems, "queue.workers must be at least 1")
	}
	if c.Queue.PollInterval <= 0 {
		problems = append(problems, "queue.poll_interval must be positive")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not console or json", c.Log.Format))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// LeaseOwner returns the configured owner or a host-and-pid default.
func (c Config) LeaseOwner() string {
	if c.Workflow.Owner != "" {
		return c.Workflow.Owner
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "devflow"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
