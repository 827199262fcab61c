package instrument

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultBaudRate is shared by the force gauge and the displacement indicator.
	DefaultBaudRate = 115200
	// DefaultReadTimeout bounds a single response read.
	DefaultReadTimeout = 200 * time.Millisecond
	// maxLineLength caps a response line; instrument replies are a dozen bytes.
	maxLineLength = 256
)

var (
	// ErrConnection is returned when an instrument port cannot be opened.
	ErrConnection = errors.New("connection error")
	// ErrParse is returned when a response line does not yield a number.
	ErrParse = errors.New("parse error")
	// ErrClosed is returned when querying a closed channel.
	ErrClosed = errors.New("channel closed")
)

// ParseError describes a response line that could not be decoded.
type ParseError struct {
	Channel string
	Line    string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: parse %q: %v", e.Channel, e.Line, e.Err)
	}
	return fmt.Sprintf("%s: parse %q", e.Channel, e.Line)
}

// Is reports ParseError as ErrParse.
func (e *ParseError) Is(target error) bool { return target == ErrParse }

func (e *ParseError) Unwrap() error { return e.Err }

// Rule extracts the numeric value from a stripped response line.
type Rule func(line string) (float64, error)

// ChannelConfig describes one instrument connection. It is immutable for the
// lifetime of a Channel.
type ChannelConfig struct {
	Name        string
	Port        string
	BaudRate    int
	ReadTimeout time.Duration
	Command     []byte
	Rule        Rule
}

// ForceConfig returns the force gauge configuration for the given port.
// Request 3F 0D, response "12.34 N".
func ForceConfig(port string, baudRate int, timeout time.Duration) ChannelConfig {
	return ChannelConfig{
		Name:        "force",
		Port:        port,
		BaudRate:    baudRate,
		ReadTimeout: timeout,
		Command:     []byte{0x3F, 0x0D},
		Rule:        ForceRule,
	}
}

// DisplacementConfig returns the displacement indicator configuration for the
// given port. Request 31 0D, response "01A+00024.35".
func DisplacementConfig(port string, baudRate int, timeout time.Duration) ChannelConfig {
	return ChannelConfig{
		Name:        "displacement",
		Port:        port,
		BaudRate:    baudRate,
		ReadTimeout: timeout,
		Command:     []byte{0x31, 0x0D},
		Rule:        DisplacementRule,
	}
}

// ForceRule strips the trailing " N" unit and parses the remainder.
func ForceRule(line string) (float64, error) {
	return parseFloat(strings.TrimSuffix(line, " N"))
}

// DisplacementRule drops the 3 character header and parses the signed value.
func DisplacementRule(line string) (float64, error) {
	if len(line) <= 3 {
		return 0, fmt.Errorf("response too short: %d bytes", len(line))
	}
	return parseFloat(line[3:])
}

// parseFloat rejects NaN and Inf which ParseFloat would otherwise accept.
func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a finite number: %s", s)
	}
	return v, nil
}

// Channel owns one instrument connection and performs request/response queries.
type Channel struct {
	cfg  ChannelConfig
	conn Port

	mu     sync.Mutex // serialises queries
	closed atomic.Bool
}

// Open opens an instrument connection using opener. No Channel is created on
// failure.
func Open(cfg ChannelConfig, opener Opener) (*Channel, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Rule == nil || len(cfg.Command) == 0 {
		return nil, fmt.Errorf("%w: %s: missing command or rule", ErrConnection, cfg.Name)
	}
	if opener == nil {
		opener = OpenSerial
	}

	conn, err := opener(cfg.Port, cfg.BaudRate, cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s port %s: %v", ErrConnection, cfg.Name, cfg.Port, err)
	}

	cmd := make([]byte, len(cfg.Command))
	copy(cmd, cfg.Command)
	cfg.Command = cmd

	return &Channel{cfg: cfg, conn: conn}, nil
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.cfg.Name
}

// Config returns the channel configuration.
func (c *Channel) Config() ChannelConfig {
	return c.cfg
}

// Query sends the fixed command, reads exactly one response line and extracts
// its value. Malformed or missing responses fail with a *ParseError; transport
// failures are returned as is. Query never retries.
func (c *Channel) Query() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return 0, fmt.Errorf("%s: %w", c.cfg.Name, ErrClosed)
	}

	// Drop late replies to previously timed-out queries
	if f, ok := c.conn.(InputFlusher); ok {
		if err := f.ResetInputBuffer(); err != nil {
			return 0, fmt.Errorf("%s: failed to reset input: %w", c.cfg.Name, err)
		}
	}

	if _, err := c.conn.Write(c.cfg.Command); err != nil {
		return 0, fmt.Errorf("%s: failed to send query: %w", c.cfg.Name, err)
	}

	raw, err := readLine(c.conn, time.Now().Add(c.cfg.ReadTimeout))
	if err != nil {
		return 0, fmt.Errorf("%s: failed to read response: %w", c.cfg.Name, err)
	}

	line := strings.TrimSpace(raw)
	if line == "" {
		return 0, &ParseError{Channel: c.cfg.Name, Line: raw, Err: errors.New("no response")}
	}

	v, err := c.cfg.Rule(line)
	if err != nil {
		return 0, &ParseError{Channel: c.cfg.Name, Line: line, Err: err}
	}
	return v, nil
}

// Close closes the connection. It is safe to call more than once and on a nil
// Channel.
func (c *Channel) Close() error {
	if c == nil {
		return nil
	}

	// Does not wait for an in-flight Query; closing the port unblocks its read.
	if c.closed.Swap(true) {
		return nil
	}

	if err := c.conn.Close(); err != nil {
		log.Printf("Error closing %s port %s: %v", c.cfg.Name, c.cfg.Port, err)
		return err
	}
	return nil
}

// readLine reads a single line byte by byte so nothing past the terminator is
// consumed. A read that returns no data is a timeout, and so is passing the
// deadline between bytes; the partial line is returned and left for the rule
// to reject.
func readLine(r io.Reader, deadline time.Time) (string, error) {
	var (
		line strings.Builder
		buf  [1]byte
	)
	for line.Len() < maxLineLength {
		if line.Len() > 0 && time.Now().After(deadline) {
			return line.String(), nil
		}
		n, err := r.Read(buf[:])
		if n == 1 {
			if buf[0] == '\n' {
				return line.String(), nil
			}
			line.WriteByte(buf[0])
			continue
		}
		if err == io.EOF {
			return line.String(), nil
		}
		if err != nil {
			return "", err
		}
		// n == 0 and no error: read timeout
		return line.String(), nil
	}
	return line.String(), nil
}
