package instrument

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/cs150ctl/internal/metrics"
	"github.com/loykin/cs150ctl/internal/process"
	"github.com/loykin/cs150ctl/internal/protocol"
)

// Supervisor is the process side the device needs. *process.Process satisfies it.
type Supervisor interface {
	Alive() bool
	PID() int
	ExitCode() int
	Terminate(sendExit func() error, timeout time.Duration) error
}

// Transport is the protocol side the device needs. *protocol.Client satisfies it.
type Transport interface {
	Do(cmd protocol.Command) (protocol.Response, error)
	Send(cmd protocol.Command) error
}

// State of the instrument connection.
type State int32

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Measurement is one xyY reading.
type Measurement struct {
	Luminance float64 `json:"luminance"` // Y, cd/m²
	X         float64 `json:"x"`         // CIE 1931 chromaticity x
	Y         float64 `json:"y"`         // CIE 1931 chromaticity y
}

// Status is a snapshot for reporting.
type Status struct {
	State    string `json:"state"`
	Alive    bool   `json:"alive"`
	Closed   bool   `json:"closed"`
	PID      int    `json:"pid"`
	ExitCode int    `json:"exit_code"`
}

// Device drives the measurement server. Each method issues at most one
// command and blocks until its response arrives; methods are serialized.
type Device struct {
	proc        Supervisor
	client      Transport
	stopTimeout time.Duration
	initInteg   *IntegrationTime

	opMu   sync.Mutex
	state  atomic.Int32
	closed atomic.Bool
}

// Option configures a Device.
type Option func(*Device)

// WithStopTimeout sets how long Close waits for the server to exit after EXIT.
func WithStopTimeout(d time.Duration) Option {
	return func(dev *Device) { dev.stopTimeout = d }
}

// WithIntegrationTime makes Connect apply t right after the connection is
// established. It is not re-sent while already connected.
func WithIntegrationTime(t IntegrationTime) Option {
	return func(dev *Device) { dev.initInteg = &t }
}

// New returns a disconnected Device talking through client to proc.
func New(proc Supervisor, client Transport, opts ...Option) *Device {
	d := &Device{proc: proc, client: client, stopTimeout: process.DefaultStopTimeout}
	for _, o := range opts {
		o(d)
	}
	return d
}

// State returns the current connection state.
func (d *Device) State() State { return State(d.state.Load()) }

func (d *Device) setState(s State) {
	d.state.Store(int32(s))
	metrics.SetConnected(s == Connected)
}

// Connect establishes the instrument connection. It is a no-op when already
// connected. A rejected CONNECT leaves the device disconnected. When an
// initial integration time is set it is sent after a successful CONNECT; if
// the server rejects it the device stays connected and the error is returned.
func (d *Device) Connect() error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if d.State() == Connected {
		slog.Info("Already connected")
		return nil
	}
	cmd := protocol.Connect()
	resp, err := d.client.Do(cmd)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if !resp.OK {
		return rejected(ErrConnectionFailure, cmd, resp)
	}
	d.setState(Connected)
	slog.Info("Successfully connected", "response", resp.Raw)
	if d.initInteg != nil {
		return d.setIntegrationTime(*d.initInteg)
	}
	return nil
}

// Measure takes one reading. The server must answer SUCCESS,<Y>,<x>,<y>
// with SUCCESS as its own field; other commands accept any SUCCESS prefix.
func (d *Device) Measure() (Measurement, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if d.State() != Connected {
		return Measurement{}, ErrNotConnected
	}
	cmd := protocol.Measure()
	resp, err := d.client.Do(cmd)
	if err != nil {
		return Measurement{}, fmt.Errorf("measure: %w", err)
	}
	if !resp.Exact() {
		return Measurement{}, rejected(ErrMeasurementFailure, cmd, resp)
	}
	m, err := decodeMeasurement(resp)
	if err != nil {
		return Measurement{}, &ResponseError{Kind: ErrMeasurementFailure, Command: cmd.String(), Response: resp.Raw, Err: err}
	}
	metrics.SetMeasurement(m.Luminance, m.X, m.Y)
	return m, nil
}

func decodeMeasurement(resp protocol.Response) (Measurement, error) {
	var m Measurement
	if len(resp.Fields) < 3 {
		return m, fmt.Errorf("expected 3 values, got %d", len(resp.Fields))
	}
	vals := [3]*float64{&m.Luminance, &m.X, &m.Y}
	for i, p := range vals {
		v, err := strconv.ParseFloat(resp.Fields[i], 64)
		if err != nil {
			return Measurement{}, fmt.Errorf("value %d: %w", i+1, err)
		}
		*p = v
	}
	return m, nil
}

// SetIntegrationTime changes the exposure setting. Invalid values are
// rejected before anything is sent.
func (d *Device) SetIntegrationTime(t IntegrationTime) error {
	if err := t.Validate(); err != nil {
		return err
	}
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if d.State() != Connected {
		return ErrNotConnected
	}
	return d.setIntegrationTime(t)
}

func (d *Device) setIntegrationTime(t IntegrationTime) error {
	cmd := t.Command()
	resp, err := d.client.Do(cmd)
	if err != nil {
		return fmt.Errorf("set integration time: %w", err)
	}
	if !resp.OK {
		return rejected(ErrIntegrationTimeFailure, cmd, resp)
	}
	slog.Info("Integration time set successfully", "value", t.String())
	return nil
}

// SetBacklight switches the instrument backlight.
func (d *Device) SetBacklight(on bool) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if d.State() != Connected {
		return ErrNotConnected
	}
	cmd := protocol.Backlight(on)
	resp, err := d.client.Do(cmd)
	if err != nil {
		return fmt.Errorf("set backlight: %w", err)
	}
	if !resp.OK {
		return rejected(ErrBacklightFailure, cmd, resp)
	}
	slog.Info("Backlight set", "on", on)
	return nil
}

// Disconnect releases the instrument while keeping the server running. The
// server does not answer DISCONNECT, so only the request is written. The
// device is disconnected afterwards even if the write failed.
func (d *Device) Disconnect() error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if d.State() != Connected {
		return nil
	}
	d.setState(Disconnected)
	if err := d.client.Send(protocol.Disconnect()); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	slog.Info("Disconnected")
	return nil
}

// Close shuts the measurement server down: EXIT, then a bounded wait, then a
// forced kill. It never fails and may be called any number of times.
func (d *Device) Close() error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if d.closed.Swap(true) {
		return nil
	}
	defer d.setState(Disconnected)

	slog.Info("Shutting down measurement server")
	if !d.proc.Alive() {
		slog.Info("Measurement server already stopped", "exitCode", d.proc.ExitCode())
		return nil
	}
	sendExit := func() error { return d.client.Send(protocol.Exit()) }
	if err := d.proc.Terminate(sendExit, d.stopTimeout); err != nil {
		slog.Warn("Measurement server did not exit cleanly", "error", err)
	}
	slog.Info("Server shut down")
	return nil
}

// Status returns a snapshot without waiting for an in-flight command.
func (d *Device) Status() Status {
	return Status{
		State:    d.State().String(),
		Alive:    d.proc.Alive(),
		Closed:   d.closed.Load(),
		PID:      d.proc.PID(),
		ExitCode: d.proc.ExitCode(),
	}
}
