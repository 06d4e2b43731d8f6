package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/loykin/cs150ctl"
	"github.com/loykin/cs150ctl/internal/metrics"
	"github.com/loykin/cs150ctl/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

// command implements the subcommands. open is swapped in tests.
type command struct {
	open func(cs150ctl.Options) (*cs150ctl.Photometer, error)
}

// loadOptions reads the config file and applies flag overrides.
func loadOptions(g GlobalFlags) (cs150ctl.Options, error) {
	cfg, err := cs150ctl.LoadConfig(g.ConfigPath)
	if err != nil {
		return cs150ctl.Options{}, err
	}
	if g.ServerPath != "" {
		cfg.Server.Path = g.ServerPath
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	if g.ReadTimeout > 0 {
		cfg.Client.ReadTimeout = g.ReadTimeout
	}
	if err := cfg.Validate(); err != nil {
		return cs150ctl.Options{}, err
	}
	return cs150ctl.Options{Config: cfg, SetupLogging: true, Registerer: prometheus.DefaultRegisterer}, nil
}

// session opens the server, connects and runs fn. On interruption the
// server gets its stop timeout to answer before it is killed, which
// unblocks a pending command.
func (c command) session(ctx context.Context, g GlobalFlags, fn func(p *cs150ctl.Photometer, cfg cs150ctl.Config) error) error {
	opts, err := loadOptions(g)
	if err != nil {
		return err
	}
	p, err := c.open(opts)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		select {
		case <-done:
		case <-time.After(opts.Config.Server.StopTimeout):
			slog.Warn("Interrupted, killing measurement server")
			_ = p.Abort()
		}
	}()

	if err := p.Connect(); err != nil {
		return err
	}
	return fn(p, opts.Config)
}

func parseInteg(s string) (*cs150ctl.IntegrationTime, error) {
	if s == "" {
		return nil, nil
	}
	it, err := cs150ctl.ParseIntegrationTime(s)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func printMeasurement(w io.Writer, m cs150ctl.Measurement, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(m)
	}
	_, err := fmt.Fprintf(w, "Y=%s cd/m2 x=%s y=%s\n", ff(m.Luminance), ff(m.X), ff(m.Y))
	return err
}

func ff(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// sleepCtx waits d or until ctx is done; it reports false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c command) Measure(ctx context.Context, out io.Writer, g GlobalFlags, f MeasureFlags) error {
	if f.Count < 1 {
		return fmt.Errorf("count must be at least 1")
	}
	integ, err := parseInteg(f.Integ)
	if err != nil {
		return err
	}
	return c.session(ctx, g, func(p *cs150ctl.Photometer, _ cs150ctl.Config) error {
		if integ != nil {
			if err := p.SetIntegrationTime(*integ); err != nil {
				return err
			}
		}
		for i := 0; i < f.Count; i++ {
			if i > 0 && !sleepCtx(ctx, f.Interval) {
				return ctx.Err()
			}
			m, err := p.Measure()
			if err != nil {
				return err
			}
			if err := printMeasurement(out, m, f.JSON); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c command) Integ(ctx context.Context, out io.Writer, g GlobalFlags, value string) error {
	it, err := cs150ctl.ParseIntegrationTime(value)
	if err != nil {
		return err
	}
	return c.session(ctx, g, func(p *cs150ctl.Photometer, _ cs150ctl.Config) error {
		if err := p.SetIntegrationTime(it); err != nil {
			return err
		}
		_, err := fmt.Fprintf(out, "integration time set to %s\n", it)
		return err
	})
}

func (c command) Backlight(ctx context.Context, out io.Writer, g GlobalFlags, on bool) error {
	return c.session(ctx, g, func(p *cs150ctl.Photometer, _ cs150ctl.Config) error {
		if err := p.SetBacklight(on); err != nil {
			return err
		}
		state := "off"
		if on {
			state = "on"
		}
		_, err := fmt.Fprintf(out, "backlight %s\n", state)
		return err
	})
}

// Watch measures every interval until interrupted. Rejected readings are
// logged and skipped; a lost server ends the watch.
func (c command) Watch(ctx context.Context, out io.Writer, g GlobalFlags, f WatchFlags) error {
	if f.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	integ, err := parseInteg(f.Integ)
	if err != nil {
		return err
	}
	return c.session(ctx, g, func(p *cs150ctl.Photometer, cfg cs150ctl.Config) error {
		if integ != nil {
			if err := p.SetIntegrationTime(*integ); err != nil {
				return err
			}
		}
		var opts []server.RouterOption
		if f.ProcessMetrics || cfg.Metrics.ProcessMetrics {
			pm := metrics.NewProcessMetricsCollector(metrics.ProcessMetricsConfig{Enabled: true, Interval: cfg.Metrics.ProcessInterval})
			if err := pm.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
				return err
			}
			pm.Start(ctx, cfg.Server.Name, p.PID)
			defer pm.Stop()
			opts = append(opts, server.WithUsage(pm))
		}
		router := server.NewRouter(p.Device, "", opts...)
		listen := f.MetricsListen
		if listen == "" {
			listen = cfg.Metrics.Listen
		}
		if listen != "" {
			srv := server.NewServer(listen, router.Handler())
			defer func() { _ = srv.Close() }()
			slog.Info("Serving metrics", "addr", listen)
		}

		for n := 0; f.Count == 0 || n < f.Count; n++ {
			if n > 0 && !sleepCtx(ctx, f.Interval) {
				return nil
			}
			m, err := p.Measure()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, cs150ctl.ErrConnectionLost) || errors.Is(err, cs150ctl.ErrTimeout) {
					return err
				}
				slog.Warn("Measurement failed", "error", err)
				continue
			}
			router.Record(m)
			if err := printMeasurement(out, m, f.JSON); err != nil {
				return err
			}
		}
		return nil
	})
}
