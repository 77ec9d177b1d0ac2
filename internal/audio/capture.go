package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/domain"
)

type Options struct {
	Format        Format
	LevelCeiling  float64
	LevelWindow   int
	LevelInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Format.SampleRate <= 0 {
		o.Format.SampleRate = DefaultFormat.SampleRate
	}
	if o.Format.Channels <= 0 {
		o.Format.Channels = DefaultFormat.Channels
	}
	if o.Format.ChunkSize <= 0 {
		o.Format.ChunkSize = DefaultFormat.ChunkSize
	}
	if o.LevelCeiling <= 0 {
		o.LevelCeiling = 3000
	}
	if o.LevelWindow <= 0 {
		o.LevelWindow = 5
	}
	if o.LevelInterval <= 0 {
		o.LevelInterval = 50 * time.Millisecond
	}
	return o
}

// Capture starts recording sessions on an input device.
type Capture struct {
	opener Opener
	opts   Options
	logger *slog.Logger
}

func NewCapture(opener Opener, opts Options, logger *slog.Logger) *Capture {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capture{
		opener: opener,
		opts:   opts.withDefaults(),
		logger: logger.With(slog.String("component", "audio")),
	}
}

func (c *Capture) Format() Format { return c.opts.Format }

// Start opens the device and spawns the capture loop and the level sampler. onLevel runs on the
// sampler goroutine. onFail runs at most once, on the capture goroutine, when reading fails.
func (c *Capture) Start(ctx context.Context, onLevel func(float64), onFail func(error)) (*Session, error) {
	source, err := c.opener.Open(ctx, c.opts.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: open input stream: %w", domain.ErrDevice, err)
	}
	s := &Session{
		source:      source,
		format:      c.opts.Format,
		ceiling:     c.opts.LevelCeiling,
		window:      make([]float64, 0, c.opts.LevelWindow),
		windowSize:  c.opts.LevelWindow,
		done:        make(chan struct{}),
		samplerStop: make(chan struct{}),
		samplerDone: make(chan struct{}),
		logger:      c.logger,
		started:     time.Now(),
	}
	go s.captureLoop(onFail)
	go s.sampleLevels(c.opts.LevelInterval, onLevel)
	c.logger.Debug("capture started",
		slog.Int("sample_rate", c.opts.Format.SampleRate),
		slog.Int("channels", c.opts.Format.Channels))
	return s, nil
}

// Session is one in-flight recording. The frame sequence belongs to the capture goroutine
// until Stop has joined it.
type Session struct {
	source  Source
	format  Format
	ceiling float64
	logger  *slog.Logger
	started time.Time

	stopping atomic.Bool
	level    atomic.Uint64

	// capture goroutine only
	frames     [][]int16
	window     []float64
	windowSize int
	readErr    error

	done        chan struct{}
	samplerStop chan struct{}
	samplerDone chan struct{}

	stopOnce sync.Once
	result   Buffer
	stopErr  error
}

// Level returns the smoothed input level in [0,1].
func (s *Session) Level() float64 {
	return math.Float64frombits(s.level.Load())
}

// Stop flags the capture loop, waits for it to exit, closes the stream and returns the
// concatenated samples. Later calls return the same result.
func (s *Session) Stop() (Buffer, error) {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		<-s.done
		close(s.samplerStop)
		<-s.samplerDone

		if err := s.source.Close(); err != nil {
			s.logger.Warn("close input stream", slog.String("error", err.Error()))
		}

		total := 0
		for _, f := range s.frames {
			total += len(f)
		}
		samples := make([]int16, 0, total)
		for _, f := range s.frames {
			samples = append(samples, f...)
		}
		s.frames = nil
		s.result = Buffer{Samples: samples, SampleRate: s.format.SampleRate, Channels: s.format.Channels}
		s.stopErr = s.readErr
		s.logger.Debug("capture stopped",
			slog.Int("samples", len(samples)),
			slog.Duration("elapsed", time.Since(s.started)))
	})
	return s.result, s.stopErr
}

func (s *Session) captureLoop(onFail func(error)) {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.fail(fmt.Errorf("%w: capture panic: %v", domain.ErrDevice, r), onFail)
		}
	}()

	// One read is ChunkSize frames of interleaved samples.
	samplesPerRead := s.format.ChunkSize * s.format.Channels
	for !s.stopping.Load() {
		chunk := make([]int16, samplesPerRead)
		n, err := s.source.Read(chunk)
		if n > 0 {
			chunk = chunk[:n]
			s.frames = append(s.frames, chunk)
			s.updateLevel(chunk)
		}
		if err != nil {
			if s.stopping.Load() {
				return
			}
			if errors.Is(err, io.EOF) {
				err = errors.New("input stream ended")
			}
			s.fail(fmt.Errorf("%w: read input stream: %w", domain.ErrDevice, err), onFail)
			return
		}
	}
}

func (s *Session) fail(err error, onFail func(error)) {
	s.readErr = err
	s.logger.Error("capture failed", slog.String("error", err.Error()))
	if onFail != nil {
		onFail(err)
	}
}

func (s *Session) updateLevel(chunk []int16) {
	var sum float64
	for _, v := range chunk {
		sum += math.Abs(float64(v))
	}
	normalized := math.Min(sum/float64(len(chunk))/s.ceiling, 1)

	if len(s.window) == s.windowSize {
		copy(s.window, s.window[1:])
		s.window = s.window[:len(s.window)-1]
	}
	s.window = append(s.window, normalized)
	var mean float64
	for _, v := range s.window {
		mean += v
	}
	mean /= float64(len(s.window))
	s.level.Store(math.Float64bits(mean))
}

func (s *Session) sampleLevels(interval time.Duration, onLevel func(float64)) {
	defer close(s.samplerDone)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("level sampler panic", slog.Any("panic", r))
		}
	}()
	if onLevel == nil {
		<-s.samplerStop
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.samplerStop:
			return
		case <-ticker.C:
			onLevel(s.Level())
		}
	}
}
