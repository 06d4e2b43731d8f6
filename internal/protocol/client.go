package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/cs150ctl/internal/metrics"
)

var (
	// ErrConnectionLost reports a subordinate that is gone or whose pipes broke.
	ErrConnectionLost = errors.New("connection to measurement server lost")
	// ErrTimeout reports a response that did not arrive within the read timeout.
	ErrTimeout = errors.New("timed out waiting for response")
	// ErrInvalidCommand rejects command lines that would not fit on one line.
	ErrInvalidCommand = errors.New("invalid command line")
)

// Conn is the view of a supervised process the client needs.
// *process.Process satisfies it.
type Conn interface {
	Alive() bool
	Writer() io.Writer
	Reader() io.Reader
	Kill() error
}

// Client exchanges command/response lines with the subordinate. Only one
// command is ever in flight; concurrent callers are serialized.
type Client struct {
	conn        Conn
	r           *bufio.Reader
	readTimeout time.Duration

	mu     sync.Mutex
	broken error // set once the stream can no longer be trusted
}

// Option configures a Client.
type Option func(*Client)

// WithReadTimeout bounds each response read. Zero, the default, waits forever.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) { c.readTimeout = d }
}

// NewClient wraps conn. The client takes over reading conn's output stream.
func NewClient(conn Conn, opts ...Option) *Client {
	c := &Client{conn: conn, r: bufio.NewReader(conn.Reader())}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SendAndReceive writes line plus a newline, flushes, and blocks until one
// response line arrives. The returned line has trailing whitespace removed.
// There are no retries.
func (c *Client) SendAndReceive(line string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	verb := verbOf(line)
	start := time.Now()
	if err := c.writeLocked(line); err != nil {
		metrics.ObserveCommand(verb, resultOf(err), time.Since(start))
		return "", err
	}
	resp, err := c.readLocked()
	elapsed := time.Since(start)
	if err != nil {
		metrics.ObserveCommand(verb, resultOf(err), elapsed)
		slog.Debug("Command failed", "command", line, "elapsed", elapsed, "error", err)
		return "", err
	}
	result := "fail"
	if ParseResponse(resp).OK {
		result = "ok"
	}
	metrics.ObserveCommand(verb, result, elapsed)
	slog.Debug("Command round trip", "command", line, "response", resp, "elapsed", elapsed)
	return resp, nil
}

// Do sends cmd and parses the response line.
func (c *Client) Do(cmd Command) (Response, error) {
	line, err := c.SendAndReceive(cmd.String())
	if err != nil {
		return Response{}, err
	}
	return ParseResponse(line), nil
}

// Send writes cmd without waiting for a response. It is meant for commands
// whose answer is optional, such as EXIT.
func (c *Client) Send(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.writeLocked(cmd.String())
	if err == nil {
		slog.Debug("Command sent", "command", cmd.String())
	}
	return err
}

func (c *Client) writeLocked(line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidCommand, line)
	}
	if c.broken != nil {
		return c.broken
	}
	if !c.conn.Alive() {
		return fmt.Errorf("%w: server process has terminated", ErrConnectionLost)
	}
	w := c.conn.Writer()
	if _, err := io.WriteString(w, line+"\n"); err != nil {
		return fmt.Errorf("%w: write %q: %v", ErrConnectionLost, line, err)
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("%w: flush %q: %v", ErrConnectionLost, line, err)
		}
	}
	return nil
}

type readResult struct {
	line string
	err  error
}

func (c *Client) readLocked() (string, error) {
	if c.readTimeout <= 0 {
		return c.readLine()
	}
	ch := make(chan readResult, 1)
	go func() {
		line, err := c.readLine()
		ch <- readResult{line, err}
	}()
	t := time.NewTimer(c.readTimeout)
	defer t.Stop()
	select {
	case res := <-ch:
		return res.line, res.err
	case <-t.C:
		// A late answer would be taken as the reply to the next command,
		// so the subordinate is killed and the client stays broken.
		err := fmt.Errorf("%w after %s", ErrTimeout, c.readTimeout)
		c.broken = err
		slog.Warn("Response timeout, killing measurement server", "timeout", c.readTimeout)
		_ = c.conn.Kill()
		return "", err
	}
}

func (c *Client) readLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		// A final unterminated line still counts as a response.
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, " \t\r\n"), nil
		}
		return "", fmt.Errorf("%w: read: %v", ErrConnectionLost, err)
	}
	return strings.TrimRight(line, " \t\r\n"), nil
}

func verbOf(line string) string {
	verb, _, _ := strings.Cut(strings.TrimSpace(line), " ")
	return strings.ToUpper(verb)
}

func resultOf(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionLost):
		return "lost"
	default:
		return "error"
	}
}
