package cs150ctl

import (
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/loykin/cs150ctl/internal/config"
	"github.com/loykin/cs150ctl/internal/instrument"
	"github.com/loykin/cs150ctl/internal/logger"
	"github.com/loykin/cs150ctl/internal/metrics"
	"github.com/loykin/cs150ctl/internal/process"
	"github.com/loykin/cs150ctl/internal/protocol"
	"github.com/loykin/cs150ctl/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Measurement = instrument.Measurement

type IntegrationTime = instrument.IntegrationTime

type Status = instrument.Status

type State = instrument.State

type StartupError = process.StartupError

type ResponseError = instrument.ResponseError

type Router = server.Router

const (
	Disconnected = instrument.Disconnected
	Connected    = instrument.Connected
)

var (
	ErrStartup                = process.ErrStartup
	ErrConnectionLost         = instrument.ErrConnectionLost
	ErrTimeout                = instrument.ErrTimeout
	ErrConnectionFailure      = instrument.ErrConnectionFailure
	ErrNotConnected           = instrument.ErrNotConnected
	ErrInvalidArgument        = instrument.ErrInvalidArgument
	ErrMeasurementFailure     = instrument.ErrMeasurementFailure
	ErrIntegrationTimeFailure = instrument.ErrIntegrationTimeFailure
	ErrBacklightFailure       = instrument.ErrBacklightFailure
)

func Auto() IntegrationTime             { return instrument.Auto() }
func Seconds(s float64) IntegrationTime { return instrument.Seconds(s) }
func ParseIntegrationTime(s string) (IntegrationTime, error) {
	return instrument.ParseIntegrationTime(s)
}

// LoadConfig reads a TOML file on top of the defaults. An empty path yields
// the defaults with CS150_* environment overrides applied.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Options controls Open.
type Options struct {
	Config Config
	// SetupLogging installs the configured logger as the slog default.
	SetupLogging bool
	// Registerer receives the metrics collectors; nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// Photometer is an open session with the measurement server. It has one
// owner; methods block until the server answers.
type Photometer struct {
	*instrument.Device
	proc *process.Process

	closeOnce sync.Once
	logCloser io.Closer
}

// Open starts the measurement server and returns a disconnected session.
// A server that is missing or exits during its start grace period yields a
// *StartupError carrying its exit code and stderr.
func Open(opts Options) (*Photometer, error) {
	cfg := opts.Config
	var logCloser io.Closer
	if opts.SetupLogging {
		c, err := logger.Setup(cfg.Logger())
		if err != nil {
			return nil, err
		}
		logCloser = c
	}
	closeLog := func() {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	}
	if opts.Registerer != nil {
		if err := metrics.Register(opts.Registerer); err != nil {
			closeLog()
			return nil, err
		}
	}

	devOpts := []instrument.Option{instrument.WithStopTimeout(cfg.Server.StopTimeout)}
	if cfg.Client.IntegrationTime != "" {
		it, err := instrument.ParseIntegrationTime(cfg.Client.IntegrationTime)
		if err != nil {
			closeLog()
			return nil, err
		}
		devOpts = append(devOpts, instrument.WithIntegrationTime(it))
	}

	spec, err := cfg.Server.ProcessSpec()
	if err != nil {
		closeLog()
		return nil, err
	}
	if w := cfg.Logger().ProcessWriter(spec.Name); w != nil {
		spec.StderrLog = w
	}
	slog.Info("Starting measurement server", "path", spec.Path)
	proc, err := process.Start(spec)
	if err != nil {
		closeLog()
		return nil, err
	}
	client := protocol.NewClient(proc, protocol.WithReadTimeout(cfg.Client.ReadTimeout))
	dev := instrument.New(proc, client, devOpts...)
	return &Photometer{Device: dev, proc: proc, logCloser: logCloser}, nil
}

// With opens a session, runs fn and closes the session on every exit path,
// including a panic in fn.
func With(opts Options, fn func(*Photometer) error) error {
	p, err := Open(opts)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()
	return fn(p)
}

// Close shuts the server down. It always returns nil and may be called
// more than once.
func (p *Photometer) Close() error {
	p.closeOnce.Do(func() {
		_ = p.Device.Close()
		if p.logCloser != nil {
			_ = p.logCloser.Close()
		}
	})
	return nil
}

// Abort kills the server without the EXIT handshake. A command blocked on
// the server fails with ErrConnectionLost.
func (p *Photometer) Abort() error { return p.proc.Kill() }

// PID is the server's process id.
func (p *Photometer) PID() int { return p.proc.PID() }

// Stderr returns the captured tail of the server's error stream.
func (p *Photometer) Stderr() string { return p.proc.Stderr() }

// Done is closed when the server process has exited.
func (p *Photometer) Done() <-chan struct{} { return p.proc.Done() }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// NewHTTPServer serves /healthz, /status, /measurement and /metrics for p on
// addr. Readings passed to the returned router's Record show up in /status.
func NewHTTPServer(addr, basePath string, p *Photometer) (*http.Server, *Router) {
	r := server.NewRouter(p.Device, basePath)
	return server.NewServer(addr, r.Handler()), r
}
