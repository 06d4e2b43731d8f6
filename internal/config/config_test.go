package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/loykin/cs150ctl/internal/logger"
	"github.com/loykin/cs150ctl/internal/process"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "cs150.toml")
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return file
}

func TestDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Dir != "cs150server" || c.Server.Executable != DefaultExecutable() {
		t.Fatalf("unexpected server location defaults: %+v", c.Server)
	}
	if c.Server.StartGrace != process.DefaultStartGrace || c.Server.StopTimeout != process.DefaultStopTimeout {
		t.Fatalf("unexpected timing defaults: %+v", c.Server)
	}
	if c.Server.StderrLimit != process.DefaultStderrLimit || !c.Server.UseOSEnv {
		t.Fatalf("unexpected defaults: %+v", c.Server)
	}
	if c.Client.ReadTimeout != 0 {
		t.Fatalf("read timeout should default to unbounded, got %s", c.Client.ReadTimeout)
	}
	if c.Log.Level != "info" || c.Log.Format != logger.FormatText || c.Log.MaxSizeMB != logger.DefaultMaxSizeMB {
		t.Fatalf("unexpected log defaults: %+v", c.Log)
	}
	if c.Metrics.Listen != "" || c.Metrics.ProcessInterval != 5*time.Second {
		t.Fatalf("unexpected metrics defaults: %+v", c.Metrics)
	}
}

func TestDefaultExecutableName(t *testing.T) {
	want := "cs150server"
	if runtime.GOOS == "windows" {
		want = "cs150server.exe"
	}
	if got := DefaultExecutable(); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestLoadOverrides(t *testing.T) {
	file := writeTOML(t, `
[server]
path = "/opt/cs150/cs150server"
args = ["--verbose"]
start_grace = "250ms"
stop_timeout = "2s"
stderr_limit = 1024

[client]
read_timeout = "10s"
integration_time = "auto"

[log]
level = "debug"
format = "json"
dir = "/var/log/cs150"

[metrics]
listen = ":9150"
process_metrics = true
process_interval = "1s"
`)
	c, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s := c.Server
	if s.Path != "/opt/cs150/cs150server" || len(s.Args) != 1 || s.Args[0] != "--verbose" {
		t.Fatalf("unexpected server: %+v", s)
	}
	if s.StartGrace != 250*time.Millisecond || s.StopTimeout != 2*time.Second || s.StderrLimit != 1024 {
		t.Fatalf("durations not decoded: %+v", s)
	}
	// untouched keys keep defaults
	if s.Dir != "cs150server" {
		t.Fatalf("default lost: %q", s.Dir)
	}
	if c.Client.ReadTimeout != 10*time.Second || c.Client.IntegrationTime != "auto" {
		t.Fatalf("unexpected client: %+v", c.Client)
	}
	if c.Log.Level != "debug" || c.Log.Format != "json" || c.Log.Dir != "/var/log/cs150" {
		t.Fatalf("unexpected log: %+v", c.Log)
	}
	if c.Metrics.Listen != ":9150" || !c.Metrics.ProcessMetrics || c.Metrics.ProcessInterval != time.Second {
		t.Fatalf("unexpected metrics: %+v", c.Metrics)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CS150_SERVER_STOP_TIMEOUT", "3s")
	t.Setenv("CS150_LOG_LEVEL", "warn")
	c, err := Load(writeTOML(t, "[log]\nlevel = \"debug\"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.StopTimeout != 3*time.Second {
		t.Fatalf("env override ignored: %s", c.Server.StopTimeout)
	}
	if c.Log.Level != "warn" {
		t.Fatalf("env should win over file: %q", c.Log.Level)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := Load(writeTOML(t, "[server\npath=")); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := Load(writeTOML(t, "[log]\nformat = \"xml\"\n")); err == nil {
		t.Fatalf("expected validation error for format")
	}
	if _, err := Load(writeTOML(t, "[server]\nstop_timeout = \"-1s\"\n")); err == nil {
		t.Fatalf("expected validation error for negative duration")
	}
}

func TestResolvePath(t *testing.T) {
	base := t.TempDir()
	s := ServerConfig{BaseDir: base, Dir: "cs150server", Executable: "cs150server.exe"}
	got, err := s.ResolvePath()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if want := filepath.Join(base, "cs150server", "cs150server.exe"); got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	s.Path = filepath.Join(base, "custom", "srv")
	if got, _ := s.ResolvePath(); got != s.Path {
		t.Fatalf("explicit path should win, got %q", got)
	}
}

func TestResolvePathNextToBinary(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skip("os.Executable unavailable")
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	got, err := ServerConfig{Dir: "cs150server", Executable: "srv"}.ResolvePath()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if want := filepath.Join(filepath.Dir(exe), "cs150server", "srv"); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestProcessSpec(t *testing.T) {
	base := t.TempDir()
	s := ServerConfig{
		Name:        "cs150",
		BaseDir:     base,
		Dir:         "bin",
		Executable:  "srv",
		Args:        []string{"-x"},
		StartGrace:  time.Second,
		StderrLimit: 10,
	}
	spec, err := s.ProcessSpec()
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	if spec.Name != "cs150" || spec.Path != filepath.Join(base, "bin", "srv") {
		t.Fatalf("unexpected spec: %+v", spec)
	}
	if spec.WorkDir != filepath.Join(base, "bin") {
		t.Fatalf("workdir should default to the server directory, got %q", spec.WorkDir)
	}
	if spec.Env != nil || spec.StartGrace != time.Second || spec.StderrLimit != 10 || len(spec.Args) != 1 {
		t.Fatalf("unexpected spec: %+v", spec)
	}
}

func envMap(pairs []string) map[string]string {
	m := make(map[string]string)
	for _, kv := range pairs {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return m
}

func TestLoadEnvFile(t *testing.T) {
	dotenv := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(dotenv, []byte("A=1\n#comment\nB = two\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	m, err := loadEnvFile(dotenv)
	if err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if m["A"] != "1" || m["B"] != "two" || len(m) != 2 {
		t.Fatalf("unexpected pairs: %+v", m)
	}
}

func TestEnvironMerge(t *testing.T) {
	dotenv := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(dotenv, []byte("FILE_ONLY=fv\nTOP=from-file\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("CS150_TEST_OS_ONLY", "osv")

	s := ServerConfig{UseOSEnv: true, EnvFiles: []string{dotenv}, Env: []string{"TOP=tv", "CHAIN=${CS150_TEST_OS_ONLY}-x"}}
	pairs, err := s.Environ()
	if err != nil {
		t.Fatalf("environ: %v", err)
	}
	m := envMap(pairs)
	if m["CS150_TEST_OS_ONLY"] != "osv" || m["FILE_ONLY"] != "fv" || m["TOP"] != "tv" || m["CHAIN"] != "osv-x" {
		t.Fatalf("unexpected merge: %v", m)
	}

	s.UseOSEnv = false
	pairs, _ = s.Environ()
	if _, ok := envMap(pairs)["CS150_TEST_OS_ONLY"]; ok {
		t.Fatalf("os env leaked with use_os_env=false")
	}

	if pairs, _ := (ServerConfig{UseOSEnv: true}).Environ(); pairs != nil {
		t.Fatalf("expected nil to inherit environment")
	}
	if _, err := (ServerConfig{EnvFiles: []string{"/nonexistent/.env"}}).Environ(); err == nil {
		t.Fatalf("expected error for missing env file")
	}
}

func TestExpandIsSinglePass(t *testing.T) {
	m := map[string]string{"A": "${B}", "B": "${C}", "C": "c"}
	for i := 0; i < 50; i++ {
		if got := expand("x=${A};y=${B};z=${MISSING}", m); got != "x=${B};y=${C};z=${MISSING}" {
			t.Fatalf("run %d: got %q", i, got)
		}
	}
	if got := expand("${C}${C}-${unterminated", m); got != "cc-${unterminated" {
		t.Fatalf("got %q", got)
	}
}

func TestEnvironExpansionIsDeterministic(t *testing.T) {
	s := ServerConfig{Env: []string{"A=${B}", "B=${C}", "C=c"}}
	for i := 0; i < 20; i++ {
		pairs, err := s.Environ()
		if err != nil {
			t.Fatalf("environ: %v", err)
		}
		m := envMap(pairs)
		if m["A"] != "${C}" || m["B"] != "c" || m["C"] != "c" {
			t.Fatalf("run %d: unexpected expansion %v", i, m)
		}
	}
}

func TestLoggerConversion(t *testing.T) {
	c := Config{Log: LogConfig{Level: "debug", Format: "color", Dir: "/d", Stderr: "/d/s.log", MaxBackups: 2}}
	lc := c.Logger()
	if lc.Level != "debug" || lc.Format != "color" || lc.File.Dir != "/d" || lc.File.StderrPath != "/d/s.log" || lc.File.MaxBackups != 2 {
		t.Fatalf("unexpected logger config: %+v", lc)
	}
}
