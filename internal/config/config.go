package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can carry values like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

type DispatcherConfig struct {
	PollInterval       Duration       `yaml:"poll_interval"`
	HeartbeatInterval  Duration       `yaml:"heartbeat_interval"`
	HeartbeatTimeout   Duration       `yaml:"heartbeat_timeout"`
	JobTimeout         Duration       `yaml:"job_timeout"`
	StaleJobTimeout    Duration       `yaml:"stale_job_timeout"`
	StaleSweepInterval Duration       `yaml:"stale_sweep_interval"`
	RetryBackoff       Duration       `yaml:"retry_backoff"`
	MaxAttempts        int            `yaml:"max_attempts"`
	ImmediateExecution bool           `yaml:"immediate_execution"`
	ShutdownTimeout    Duration       `yaml:"shutdown_timeout"`
	Concurrency        map[string]int `yaml:"concurrency"` // job type -> max in flight
}

type ReconcilerConfig struct {
	Interval Duration `yaml:"interval"`
}

type SandboxConfig struct {
	Backend            string   `yaml:"backend"` // docker, vm or local
	Image              string   `yaml:"image"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	IdleCheckInterval  Duration `yaml:"idle_check_interval"`
	StopTimeout        Duration `yaml:"stop_timeout"`
	ExecInheritsLimits bool     `yaml:"exec_inherits_limits"`
	MemoryMB           int      `yaml:"memory_mb"`
	CPUCores           float64  `yaml:"cpu_cores"`
	WorkspaceRoot      string   `yaml:"workspace_root"`
	WorkspaceReadOnly  bool     `yaml:"workspace_read_only"`
}

type DockerConfig struct {
	Host       string `yaml:"host"`
	Network    string `yaml:"network"`
	NamePrefix string `yaml:"name_prefix"`
	AgentPort  int    `yaml:"agent_port"`
}

type VMConfig struct {
	DataDir     string   `yaml:"data_dir"`
	QemuBinary  string   `yaml:"qemu_binary"`
	KernelPath  string   `yaml:"kernel_path"`
	RootfsPath  string   `yaml:"rootfs_path"`
	BootTimeout Duration `yaml:"boot_timeout"`
	Accel       string   `yaml:"accel"`
}

type LocalConfig struct {
	AgentCommand string `yaml:"agent_command"`
}

type EventsConfig struct {
	PollInterval      Duration `yaml:"poll_interval"`
	BatchSize         int      `yaml:"batch_size"`
	Buffer            int      `yaml:"buffer"`
	Retention         Duration `yaml:"retention"`
	RetentionSchedule string   `yaml:"retention_schedule"`
}

type Config struct {
	DBPath     string           `yaml:"db_path"`
	LogLevel   string           `yaml:"log_level"`
	ServerID   string           `yaml:"server_id"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Docker     DockerConfig     `yaml:"docker"`
	VM         VMConfig         `yaml:"vm"`
	Local      LocalConfig      `yaml:"local"`
	Events     EventsConfig     `yaml:"events"`
}

func d(v time.Duration) Duration { return Duration{v} }

// Default returns the configuration used when no file or env override is present.
func Default() *Config {
	return &Config{
		DBPath:   "./discobot.db",
		LogLevel: "info",
		Dispatcher: DispatcherConfig{
			PollInterval:       d(5 * time.Second),
			HeartbeatInterval:  d(10 * time.Second),
			HeartbeatTimeout:   d(30 * time.Second),
			JobTimeout:         d(5 * time.Minute),
			StaleJobTimeout:    d(10 * time.Minute),
			StaleSweepInterval: d(time.Minute),
			RetryBackoff:       d(30 * time.Second),
			MaxAttempts:        3,
			ImmediateExecution: true,
			ShutdownTimeout:    d(30 * time.Second),
			Concurrency: map[string]int{
				"session_init":   2,
				"session_delete": 5,
			},
		},
		Reconciler: ReconcilerConfig{
			Interval: d(time.Minute),
		},
		Sandbox: SandboxConfig{
			Backend:            "docker",
			Image:              "ghcr.io/obot-platform/discobot:main",
			IdleTimeout:        d(30 * time.Minute),
			IdleCheckInterval:  d(5 * time.Minute),
			StopTimeout:        d(10 * time.Second),
			ExecInheritsLimits: true,
			MemoryMB:           2048,
			CPUCores:           2,
			WorkspaceRoot:      "./workspaces",
		},
		Docker: DockerConfig{
			NamePrefix: "discobot-session-",
			AgentPort:  3002,
		},
		VM: VMConfig{
			DataDir:     "./vm",
			QemuBinary:  "qemu-system-x86_64",
			BootTimeout: d(60 * time.Second),
			Accel:       "kvm",
		},
		Local: LocalConfig{
			AgentCommand: "discobot-agent",
		},
		Events: EventsConfig{
			PollInterval:      d(100 * time.Millisecond),
			BatchSize:         100,
			Buffer:            100,
			Retention:         d(24 * time.Hour),
			RetentionSchedule: "@hourly",
		},
	}
}

func Load(yamlPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the runtime cannot operate with.
func (c *Config) Validate() error {
	switch c.Sandbox.Backend {
	case "docker", "vm", "local":
	default:
		return fmt.Errorf("unknown sandbox backend %q", c.Sandbox.Backend)
	}
	if c.Dispatcher.HeartbeatTimeout.Duration <= c.Dispatcher.HeartbeatInterval.Duration {
		return fmt.Errorf("heartbeat_timeout (%s) must exceed heartbeat_interval (%s)",
			c.Dispatcher.HeartbeatTimeout, c.Dispatcher.HeartbeatInterval)
	}
	if c.Dispatcher.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}

	positive := []struct {
		name string
		d    Duration
	}{
		{"dispatcher.poll_interval", c.Dispatcher.PollInterval},
		{"dispatcher.heartbeat_interval", c.Dispatcher.HeartbeatInterval},
		{"dispatcher.job_timeout", c.Dispatcher.JobTimeout},
		{"dispatcher.stale_job_timeout", c.Dispatcher.StaleJobTimeout},
		{"dispatcher.stale_sweep_interval", c.Dispatcher.StaleSweepInterval},
		{"reconciler.interval", c.Reconciler.Interval},
		{"events.poll_interval", c.Events.PollInterval},
	}
	if c.Sandbox.IdleTimeout.Duration > 0 {
		positive = append(positive, struct {
			name string
			d    Duration
		}{"sandbox.idle_check_interval", c.Sandbox.IdleCheckInterval})
	}
	for _, p := range positive {
		if p.d.Duration <= 0 {
			return fmt.Errorf("%s must be positive, got %s", p.name, p.d)
		}
	}
	return nil
}

// ConcurrencyFor returns the in-flight limit for a job type (default 1).
func (c *DispatcherConfig) ConcurrencyFor(jobType string) int {
	if n, ok := c.Concurrency[jobType]; ok && n > 0 {
		return n
	}
	return 1
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			dst.Duration = dur
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func applyEnvOverrides(cfg *Config) {
	envString("DISCOBOT_DB_PATH", &cfg.DBPath)
	envString("DISCOBOT_LOG_LEVEL", &cfg.LogLevel)
	envString("DISCOBOT_SERVER_ID", &cfg.ServerID)

	envDuration("DISCOBOT_DISPATCHER_POLL_INTERVAL", &cfg.Dispatcher.PollInterval)
	envDuration("DISCOBOT_HEARTBEAT_INTERVAL", &cfg.Dispatcher.HeartbeatInterval)
	envDuration("DISCOBOT_HEARTBEAT_TIMEOUT", &cfg.Dispatcher.HeartbeatTimeout)
	envDuration("DISCOBOT_JOB_TIMEOUT", &cfg.Dispatcher.JobTimeout)
	envDuration("DISCOBOT_STALE_JOB_TIMEOUT", &cfg.Dispatcher.StaleJobTimeout)
	envDuration("DISCOBOT_RETRY_BACKOFF", &cfg.Dispatcher.RetryBackoff)
	envInt("DISCOBOT_JOB_MAX_ATTEMPTS", &cfg.Dispatcher.MaxAttempts)
	envBool("DISCOBOT_IMMEDIATE_EXECUTION", &cfg.Dispatcher.ImmediateExecution)

	envDuration("DISCOBOT_RECONCILE_INTERVAL", &cfg.Reconciler.Interval)

	envString("DISCOBOT_SANDBOX_BACKEND", &cfg.Sandbox.Backend)
	envString("DISCOBOT_SANDBOX_IMAGE", &cfg.Sandbox.Image)
	envDuration("DISCOBOT_SANDBOX_IDLE_TIMEOUT", &cfg.Sandbox.IdleTimeout)
	envDuration("DISCOBOT_IDLE_CHECK_INTERVAL", &cfg.Sandbox.IdleCheckInterval)
	envDuration("DISCOBOT_SANDBOX_STOP_TIMEOUT", &cfg.Sandbox.StopTimeout)
	envBool("DISCOBOT_EXEC_INHERITS_LIMITS", &cfg.Sandbox.ExecInheritsLimits)
	envInt("DISCOBOT_SANDBOX_MEMORY_MB", &cfg.Sandbox.MemoryMB)
	if v := os.Getenv("DISCOBOT_SANDBOX_CPU_CORES"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Sandbox.CPUCores = f
		}
	}
	envString("DISCOBOT_WORKSPACE_ROOT", &cfg.Sandbox.WorkspaceRoot)
	envBool("DISCOBOT_WORKSPACE_READ_ONLY", &cfg.Sandbox.WorkspaceReadOnly)

	envString("DISCOBOT_DOCKER_HOST", &cfg.Docker.Host)
	envString("DISCOBOT_DOCKER_NETWORK", &cfg.Docker.Network)

	envString("DISCOBOT_VM_DATA_DIR", &cfg.VM.DataDir)
	envString("DISCOBOT_VM_KERNEL_PATH", &cfg.VM.KernelPath)
	envString("DISCOBOT_VM_ROOTFS_PATH", &cfg.VM.RootfsPath)
	envString("DISCOBOT_VM_QEMU_BINARY", &cfg.VM.QemuBinary)

	if v := os.Getenv("DISCOBOT_LOCAL_AGENT_COMMAND"); strings.TrimSpace(v) != "" {
		cfg.Local.AgentCommand = v
	}

	envDuration("DISCOBOT_EVENTS_RETENTION", &cfg.Events.Retention)
}
