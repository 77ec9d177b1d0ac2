package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/domain"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
	Language   string
}

// Recognizer abstracts STT backends. wavPath is a finalized mono PCM WAV.
type Recognizer interface {
	Transcribe(ctx context.Context, wavPath string) (TranscriptResult, error)
}

// Prober is implemented by recognizers that can check their backend before use.
type Prober interface {
	Probe(ctx context.Context) error
}

var ErrNotReady = errors.New("speech engine still loading")

// Loader builds the configured recognizer in the background and gates use until it is ready.
type Loader struct {
	cfg    config.STTConfig
	build  func() (Recognizer, error)
	logger *slog.Logger

	ready      atomic.Bool
	recognizer Recognizer
	loadErr    error
	done       chan struct{}
	once       sync.Once
}

func NewLoader(cfg config.STTConfig, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "stt")),
		done:   make(chan struct{}),
	}
	l.build = func() (Recognizer, error) { return New(cfg) }
	return l
}

// NewStaticLoader wraps an already constructed recognizer.
func NewStaticLoader(r Recognizer, logger *slog.Logger) *Loader {
	l := NewLoader(config.STTConfig{Mode: "static"}, logger)
	l.build = func() (Recognizer, error) { return r, nil }
	return l
}

func New(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecRecognizer(cfg)
	case "openai":
		return NewOpenAIRecognizer(cfg), nil
	case "mock":
		return NewMockRecognizer(), nil
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

// Load starts loading once; it never blocks the caller.
func (l *Loader) Load(ctx context.Context) {
	l.once.Do(func() {
		go l.load(ctx)
	})
}

func (l *Loader) load(ctx context.Context) {
	defer close(l.done)
	start := time.Now()
	recognizer, err := l.build()
	if err != nil {
		l.loadErr = err
		l.logger.Error("speech engine failed to load", slogError(err))
		return
	}
	if prober, ok := recognizer.(Prober); ok {
		if err := prober.Probe(ctx); err != nil {
			if l.cfg.Mode == "exec" {
				l.loadErr = err
				l.logger.Error("speech engine unavailable", slogError(err))
				return
			}
			l.logger.Warn("speech engine probe failed, continuing", slogError(err))
		}
	}
	l.recognizer = recognizer
	l.ready.Store(true)
	l.logger.Info("speech engine ready",
		slog.String("mode", l.cfg.Mode),
		slog.String("device", l.Device()),
		slog.Duration("elapsed", time.Since(start)))
}

func (l *Loader) Ready() bool { return l.ready.Load() }

// Done is closed once loading has finished, successfully or not.
func (l *Loader) Done() <-chan struct{} { return l.done }

// Err reports the load failure, if any, after Done is closed.
func (l *Loader) Err() error {
	select {
	case <-l.done:
		return l.loadErr
	default:
		return nil
	}
}

func (l *Loader) Device() string {
	if l.cfg.ForceCPU {
		return "cpu"
	}
	return "auto"
}

// Transcribe classifies every failure as an engine error.
func (l *Loader) Transcribe(ctx context.Context, wavPath string) (TranscriptResult, error) {
	if !l.Ready() {
		return TranscriptResult{}, fmt.Errorf("%w: %w", domain.ErrEngine, ErrNotReady)
	}
	res, err := l.recognizer.Transcribe(ctx, wavPath)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("%w: %w", domain.ErrEngine, err)
	}
	return res, nil
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
