package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/loykin/cs150ctl/internal/logger"
	"github.com/loykin/cs150ctl/internal/process"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. CS150_SERVER_PATH.
const EnvPrefix = "CS150"

// Config is the top-level TOML structure.
type Config struct {
	Server  ServerConfig  `toml:"server" mapstructure:"server"`
	Client  ClientConfig  `toml:"client" mapstructure:"client"`
	Log     LogConfig     `toml:"log" mapstructure:"log"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics"`
}

// ServerConfig locates and supervises the measurement server.
type ServerConfig struct {
	Name        string        `toml:"name" mapstructure:"name"`
	Path        string        `toml:"path" mapstructure:"path"`             // overrides base_dir/dir/executable
	BaseDir     string        `toml:"base_dir" mapstructure:"base_dir"`     // default: directory of the running binary
	Dir         string        `toml:"dir" mapstructure:"dir"`               // relative to base_dir
	Executable  string        `toml:"executable" mapstructure:"executable"` // file name inside dir
	Args        []string      `toml:"args" mapstructure:"args"`
	WorkDir     string        `toml:"workdir" mapstructure:"workdir"`
	Env         []string      `toml:"env" mapstructure:"env"`
	EnvFiles    []string      `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv    bool          `toml:"use_os_env" mapstructure:"use_os_env"`
	StartGrace  time.Duration `toml:"start_grace" mapstructure:"start_grace"`
	StopTimeout time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	StderrLimit int           `toml:"stderr_limit" mapstructure:"stderr_limit"`
}

// ClientConfig tunes the protocol client.
type ClientConfig struct {
	ReadTimeout     time.Duration `toml:"read_timeout" mapstructure:"read_timeout"` // 0 waits forever
	IntegrationTime string        `toml:"integration_time" mapstructure:"integration_time"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	File       string `toml:"file" mapstructure:"file"`
	Stderr     string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type MetricsConfig struct {
	Listen          string        `toml:"listen" mapstructure:"listen"` // empty disables the HTTP endpoint
	ProcessMetrics  bool          `toml:"process_metrics" mapstructure:"process_metrics"`
	ProcessInterval time.Duration `toml:"process_interval" mapstructure:"process_interval"`
}

// DefaultExecutable is the server binary name for the current platform.
func DefaultExecutable() string {
	if runtime.GOOS == "windows" {
		return "cs150server.exe"
	}
	return "cs150server"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "cs150server")
	v.SetDefault("server.path", "")
	v.SetDefault("server.base_dir", "")
	v.SetDefault("server.dir", "cs150server")
	v.SetDefault("server.executable", DefaultExecutable())
	v.SetDefault("server.args", []string{})
	v.SetDefault("server.workdir", "")
	v.SetDefault("server.env", []string{})
	v.SetDefault("server.env_files", []string{})
	v.SetDefault("server.use_os_env", true)
	v.SetDefault("server.start_grace", process.DefaultStartGrace)
	v.SetDefault("server.stop_timeout", process.DefaultStopTimeout)
	v.SetDefault("server.stderr_limit", process.DefaultStderrLimit)

	v.SetDefault("client.read_timeout", time.Duration(0))
	v.SetDefault("client.integration_time", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.dir", "")
	v.SetDefault("log.file", "")
	v.SetDefault("log.stderr", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.process_metrics", false)
	v.SetDefault("metrics.process_interval", 5*time.Second)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the TOML file at path on top of the defaults. An empty path
// only applies defaults and environment overrides.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects values the supervisor cannot work with.
func (c Config) Validate() error {
	if c.Server.Path == "" && c.Server.Executable == "" {
		return fmt.Errorf("server.executable must not be empty")
	}
	if c.Server.StartGrace < 0 || c.Server.StopTimeout < 0 || c.Client.ReadTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.Server.StderrLimit < 0 {
		return fmt.Errorf("server.stderr_limit must not be negative")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", logger.FormatText, logger.FormatJSON, logger.FormatColor:
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	return nil
}

// Logger converts the log section for the logger package.
func (c Config) Logger() logger.Config {
	return logger.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		File: logger.FileConfig{
			Dir:        c.Log.Dir,
			Path:       c.Log.File,
			StderrPath: c.Log.Stderr,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// ResolvePath returns the absolute path of the server executable: Path when
// set, otherwise BaseDir/Dir/Executable where BaseDir defaults to the
// directory holding the running binary.
func (s ServerConfig) ResolvePath() (string, error) {
	if s.Path != "" {
		return filepath.Abs(s.Path)
	}
	base := s.BaseDir
	if base == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("locate running binary: %w", err)
		}
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		base = filepath.Dir(exe)
	}
	return filepath.Abs(filepath.Join(base, s.Dir, s.Executable))
}

// Environ merges the server environment. When nothing is configured it
// returns nil so the server inherits ours.
// Precedence: OS env (when enabled) provides base; then env_files in order;
// then the env list overrides last. ${VAR} references are expanded against
// the merged result.
func (s ServerConfig) Environ() ([]string, error) {
	if len(s.Env) == 0 && len(s.EnvFiles) == 0 {
		return nil, nil
	}
	m := make(map[string]string)
	if s.UseOSEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				m[k] = v
			}
		}
	}
	for _, p := range s.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range s.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	return out, nil
}

// expand replaces ${VAR} with values from m in a single left-to-right pass.
// Substituted text is not expanded again and unknown references are kept.
func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}

// ProcessSpec builds the supervisor spec. The stderr log writer is attached
// by the caller.
func (s ServerConfig) ProcessSpec() (process.Spec, error) {
	path, err := s.ResolvePath()
	if err != nil {
		return process.Spec{}, err
	}
	env, err := s.Environ()
	if err != nil {
		return process.Spec{}, err
	}
	workDir := s.WorkDir
	if workDir == "" {
		// the vendor SDK loads its DLLs from the server directory
		workDir = filepath.Dir(path)
	}
	return process.Spec{
		Name:        s.Name,
		Path:        path,
		Args:        s.Args,
		WorkDir:     workDir,
		Env:         env,
		StartGrace:  s.StartGrace,
		StderrLimit: s.StderrLimit,
	}, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return m, nil
}
