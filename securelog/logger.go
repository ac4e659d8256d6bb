package securelog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"golang.org/x/time/rate"
)

const (
	Development = "development"
	Production  = "production"
)

// Options configures New.
type Options struct {
	Environment string
	Level       slog.Level
	Service     string

	// Console receives human-readable output in development and JSON in
	// production. Defaults to os.Stderr.
	Console io.Writer

	// FilePath enables a rotating JSON log file in development.
	FilePath     string
	RotationTime time.Duration
	MaxAge       time.Duration

	// RatePerSecond <= 0 disables rate limiting.
	RatePerSecond float64
	Burst         int

	MaxDepth     int
	MaxStringLen int
	MaxItems     int

	// IngestURL receives JSON records in production.
	IngestURL     string
	IngestHeaders map[string]string
}

// ParseLevel maps a config string to a slog level, defaulting to Info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}

type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for _, cl := range c {
		errs = append(errs, cl.Close())
	}
	return errors.Join(errs...)
}

// New builds a logger routed according to opts.Environment. The returned
// Closer flushes the remote queue and closes any log file.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	var (
		inner   slog.Handler
		toClose closers
	)

	switch opts.Environment {
	case "", Development:
		var w io.Writer = console
		if opts.FilePath != "" {
			fileWriter, err := newRotatingFile(opts)
			if err != nil {
				return nil, nil, err
			}
			toClose = append(toClose, fileWriter)
			w = io.MultiWriter(console, fileWriter)
		}
		inner = slog.NewTextHandler(w, handlerOpts)
	case Production:
		var w io.Writer = console
		if opts.IngestURL != "" {
			remote := NewRemoteWriter(opts.IngestURL, opts.IngestHeaders)
			toClose = append(toClose, remote)
			w = io.MultiWriter(console, remote)
		}
		inner = slog.NewJSONHandler(w, handlerOpts)
	default:
		return nil, nil, fmt.Errorf("unknown log environment %q", opts.Environment)
	}

	redactor := DefaultRedactor()
	if opts.MaxDepth > 0 {
		redactor.MaxDepth = opts.MaxDepth
	}
	if opts.MaxStringLen > 0 {
		redactor.MaxStringLen = opts.MaxStringLen
	}
	if opts.MaxItems > 0 {
		redactor.MaxItems = opts.MaxItems
	}

	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.RatePerSecond)
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	logger := slog.New(NewHandler(inner, redactor, limiter))
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	return logger, toClose, nil
}

func newRotatingFile(opts Options) (*rotatelogs.RotateLogs, error) {
	if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o750); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	rotation := opts.RotationTime
	if rotation <= 0 {
		rotation = 24 * time.Hour
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	w, err := rotatelogs.New(
		opts.FilePath+".%Y%m%d",
		rotatelogs.WithLinkName(opts.FilePath),
		rotatelogs.WithRotationTime(rotation),
		rotatelogs.WithMaxAge(maxAge),
	)
	if err != nil {
		return nil, fmt.Errorf("opening rotating log file: %w", err)
	}
	return w, nil
}

// Discard returns a logger that drops everything, for tests and callers
// that pass no logger.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
