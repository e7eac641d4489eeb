package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	FileName        = "codechat.toml"
	DatabaseName    = "codechat.db"
	TokenFileName   = "gateway.token"
	DefaultPort     = 18790
	DataDirEnv      = "CODECHAT_DATA_DIR"
	DefaultKeyEnv   = "CODECHAT_MASTER_KEY"
	EngineAPI       = "api"
	EngineCLI       = "cli"
	AdmissionQueue  = "queue"
	AdmissionReject = "reject"
)

type Config struct {
	Gateway     GatewayConfig     `toml:"gateway"`
	Worker      WorkerConfig      `toml:"worker"`
	Sandbox     SandboxConfig     `toml:"sandbox"`
	Store       StoreConfig       `toml:"store"`
	Audit       AuditConfig       `toml:"audit"`
	Log         LogConfig         `toml:"log"`
	Tracing     TracingConfig     `toml:"tracing"`
	Credentials CredentialsConfig `toml:"credentials"`
}

type GatewayConfig struct {
	Bind      string `toml:"bind"`
	Port      int    `toml:"port"`
	AuthToken string `toml:"auth_token"`
}

type WorkerConfig struct {
	Command     string   `toml:"command"`
	Args        []string `toml:"args"`
	Script      string   `toml:"script"`
	Adapter     string   `toml:"adapter"`
	BundledDir  string   `toml:"bundled_dir"`
	QueueSize   int      `toml:"queue_size"`
	InitOnStart bool     `toml:"init_on_start"`
}

type SandboxConfig struct {
	Engine        string `toml:"engine"`
	Runtime       string `toml:"runtime"`
	Timeout       string `toml:"timeout"`
	MaxConcurrent int64  `toml:"max_concurrent"`
	Admission     string `toml:"admission"`
	ReapSchedule  string `toml:"reap_schedule"`
	ReapAfter     string `toml:"reap_after"`
}

type StoreConfig struct {
	DSN string `toml:"dsn"`
}

type AuditConfig struct {
	Retention     string `toml:"retention"`
	PruneSchedule string `toml:"prune_schedule"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type TracingConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	// SampleRatio is the fraction of root traces kept, in (0, 1].
	SampleRatio float64 `toml:"sample_ratio"`
}

type CredentialsConfig struct {
	MasterKeyEnv string `toml:"master_key_env"`
}

func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Bind: "loopback",
			Port: DefaultPort,
		},
		Worker: WorkerConfig{
			Command:     "node",
			Adapter:     "playwright-service.js",
			QueueSize:   64,
			InitOnStart: true,
		},
		Sandbox: SandboxConfig{
			Engine:        EngineAPI,
			MaxConcurrent: 4,
			Admission:     AdmissionQueue,
			ReapSchedule:  "@every 10m",
			ReapAfter:     "1h",
		},
		Store: StoreConfig{
			DSN: filepath.Join(DataDir(), DatabaseName),
		},
		Audit: AuditConfig{
			Retention:     "720h",
			PruneSchedule: "@daily",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
		Credentials: CredentialsConfig{
			MasterKeyEnv: DefaultKeyEnv,
		},
	}
}

var (
	current *Config
	mu      sync.RWMutex
)

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			setCurrent(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.Store.DSN == "" {
		cfg.Store.DSN = filepath.Join(DataDir(), DatabaseName)
	}
	if cfg.Credentials.MasterKeyEnv == "" {
		cfg.Credentials.MasterKeyEnv = DefaultKeyEnv
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setCurrent(cfg)
	return cfg, nil
}

func setCurrent(cfg *Config) {
	mu.Lock()
	current = cfg
	mu.Unlock()
}

func Current() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		return Default()
	}
	return current
}

func (c *Config) Validate() error {
	switch c.Sandbox.Engine {
	case EngineAPI, EngineCLI:
	default:
		return fmt.Errorf("config: sandbox.engine must be %q or %q, got %q", EngineAPI, EngineCLI, c.Sandbox.Engine)
	}
	switch c.Sandbox.Admission {
	case AdmissionQueue, AdmissionReject:
	default:
		return fmt.Errorf("config: sandbox.admission must be %q or %q, got %q", AdmissionQueue, AdmissionReject, c.Sandbox.Admission)
	}
	if c.Sandbox.MaxConcurrent < 0 {
		return fmt.Errorf("config: sandbox.max_concurrent must not be negative")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("config: gateway.port %d out of range", c.Gateway.Port)
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("config: tracing.sample_ratio must be in (0, 1], got %g", c.Tracing.SampleRatio)
	}
	if c.Worker.QueueSize < 0 {
		return fmt.Errorf("config: worker.queue_size must not be negative")
	}
	for name, v := range map[string]string{
		"sandbox.timeout":    c.Sandbox.Timeout,
		"sandbox.reap_after": c.Sandbox.ReapAfter,
		"audit.retention":    c.Audit.Retention,
	} {
		if _, err := parseOptionalDuration(v); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

// SandboxTimeout is the per-job deadline. Zero means unbounded.
func (c *Config) SandboxTimeout() time.Duration {
	d, _ := parseOptionalDuration(c.Sandbox.Timeout)
	return d
}

// ReapAfter is the age past which labelled sandbox containers are removed.
// Zero disables reaping.
func (c *Config) ReapAfter() time.Duration {
	d, _ := parseOptionalDuration(c.Sandbox.ReapAfter)
	return d
}

// AuditRetention is how long audit entries are kept. Zero keeps them forever.
func (c *Config) AuditRetention() time.Duration {
	d, _ := parseOptionalDuration(c.Audit.Retention)
	return d
}

// ListenAddr resolves gateway.bind to a host:port.
func (c *Config) ListenAddr() string {
	host := c.Gateway.Bind
	switch host {
	case "", "loopback":
		host = "127.0.0.1"
	case "lan":
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Gateway.Port))
}

// GatewayURL is the base URL local clients use to reach the gateway.
func (c *Config) GatewayURL() string {
	host := c.Gateway.Bind
	switch host {
	case "", "loopback", "lan", "0.0.0.0":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.Gateway.Port))
}

// AuthToken is the bearer token clients present to the gateway:
// gateway.auth_token when set, else the token persisted in the data dir.
// It is empty when neither exists.
func (c *Config) AuthToken() string {
	if c.Gateway.AuthToken != "" {
		return c.Gateway.AuthToken
	}
	b, err := os.ReadFile(TokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// EnsureAuthToken returns AuthToken, first generating and persisting a
// random token when none exists. generated reports whether it did so.
func (c *Config) EnsureAuthToken() (token string, generated bool, err error) {
	if token = c.AuthToken(); token != "" {
		return token, false, nil
	}
	if _, err := os.Stat(TokenPath()); err == nil {
		return "", false, fmt.Errorf("config: %s is empty; delete it to generate a new token", TokenPath())
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", false, fmt.Errorf("config: reading gateway token: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", false, fmt.Errorf("config: generating gateway token: %w", err)
	}
	token = hex.EncodeToString(buf)

	if err := EnsureDataDir(); err != nil {
		return "", false, fmt.Errorf("config: creating data dir: %w", err)
	}
	f, err := os.OpenFile(TokenPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", false, fmt.Errorf("config: writing gateway token: %w", err)
	}
	if _, err := f.WriteString(token + "\n"); err != nil {
		f.Close()
		return "", false, fmt.Errorf("config: writing gateway token: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", false, fmt.Errorf("config: writing gateway token: %w", err)
	}
	return token, true, nil
}

func (c *Config) MasterKey() string {
	return os.Getenv(c.Credentials.MasterKeyEnv)
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func DataDir() string {
	if dir := os.Getenv(DataDirEnv); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codechat"
	}
	return filepath.Join(home, ".codechat")
}

func DefaultConfigPath() string {
	return filepath.Join(DataDir(), FileName)
}

func TokenPath() string {
	return filepath.Join(DataDir(), TokenFileName)
}

func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0700)
}
