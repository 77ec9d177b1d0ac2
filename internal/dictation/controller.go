// Package dictation sequences push-to-talk cycles: record, transcribe, transform, insert.
package dictation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/domain"
	"github.com/loqalabs/loqa-dictate/internal/history"
	"github.com/loqalabs/loqa-dictate/internal/output"
	"github.com/loqalabs/loqa-dictate/internal/stt"
	"github.com/loqalabs/loqa-dictate/internal/transform"
)

// Engine is the speech engine as seen by the controller.
type Engine interface {
	Ready() bool
	Transcribe(ctx context.Context, wavPath string) (stt.TranscriptResult, error)
}

type Recorder interface {
	Start(ctx context.Context, onLevel func(float64), onFail func(error)) (*audio.Session, error)
}

type Transformer interface {
	Apply(ctx context.Context, raw string, tone domain.Tone) transform.Result
}

type Inserter interface {
	Insert(ctx context.Context, text string) (output.Method, error)
}

// Journal stores finished cycles. Optional.
type Journal interface {
	Record(ctx context.Context, e history.Entry) error
}

type Deps struct {
	Recorder    Recorder
	Engine      Engine
	Transformer Transformer
	Sink        Inserter
	Journal     Journal
}

type Options struct {
	Tone              domain.Tone
	TempDir           string
	ToggleDebounce    time.Duration
	ProcessingTimeout time.Duration
	Clock             func() time.Time
}

// Controller owns the pipeline status. All transitions happen on one sequencer goroutine;
// everything else talks to it through events.
type Controller struct {
	deps    Deps
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics

	events chan event
	quit   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	jobs   sync.WaitGroup

	started      atomic.Bool
	startOnce    sync.Once
	shutdownOnce sync.Once
	shutdownErr  error

	mu        sync.RWMutex
	tone      domain.Tone
	current   domain.StatusEvent
	subs      map[*subscriber]struct{}
	levelSubs map[chan float64]struct{}

	// sequencer goroutine only
	state      domain.State
	cycle      *cycle
	seq        uint64
	lastToggle time.Time
	closing    bool
}

// cycle is one record-to-insert pass.
type cycle struct {
	id      string
	tone    domain.Tone
	session *audio.Session
	started time.Time
	audio   time.Duration
}

func New(deps Deps, opts Options, logger *slog.Logger) (*Controller, error) {
	if deps.Recorder == nil || deps.Engine == nil || deps.Transformer == nil || deps.Sink == nil {
		return nil, errors.New("dictation: recorder, engine, transformer and sink are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Tone == "" {
		opts.Tone = domain.ToneOriginal
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = 3 * time.Minute
	}

	c := &Controller{
		deps:      deps,
		opts:      opts,
		logger:    logger.With(slog.String("component", "dictation")),
		tracer:    otel.Tracer("github.com/loqalabs/loqa-dictate/dictation"),
		events:    make(chan event, 32),
		quit:      make(chan struct{}),
		tone:      opts.Tone,
		subs:      make(map[*subscriber]struct{}),
		levelSubs: make(map[chan float64]struct{}),
		state:     domain.StateIdle,
	}
	c.current = domain.StatusEvent{Status: domain.Status{State: domain.StateIdle}, Tone: opts.Tone, At: opts.Clock()}

	m, err := newMetrics(otel.Meter("github.com/loqalabs/loqa-dictate/dictation"), c.State)
	if err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
	}
	c.metrics = m
	return c, nil
}

// Start launches the sequencer. It returns immediately.
func (c *Controller) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.ctx, c.cancel = context.WithCancel(ctx)
		c.started.Store(true)
		go c.run(c.ctx)
		c.logger.Info("dictation controller started", slog.String("tone", string(c.Tone())))
	})
}

// Toggle flips recording state. It never blocks; the sequencer decides what the toggle means.
func (c *Controller) Toggle() {
	select {
	case c.events <- toggleEvent{at: c.opts.Clock()}:
	default:
		c.logger.Warn("toggle queue full, dropping toggle")
		c.metrics.dropped(context.Background(), "queue_full")
	}
}

// SetTone selects the transform applied to the next cycle that stops recording.
func (c *Controller) SetTone(tone domain.Tone) {
	c.mu.Lock()
	changed := c.tone != tone
	c.tone = tone
	c.mu.Unlock()
	if changed {
		c.logger.Info("tone selected", slog.String("tone", string(tone)))
	}
}

func (c *Controller) Tone() domain.Tone {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tone
}

// Status returns the most recently emitted status event.
func (c *Controller) Status() domain.StatusEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ev := c.current
	ev.Tone = c.tone
	return ev
}

func (c *Controller) State() domain.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.Status.State
}

// Subscribe streams status events in emission order, starting with the current status.
// Events are queued per subscriber, so a slow reader never stalls the sequencer.
func (c *Controller) Subscribe(buffer int) (<-chan domain.StatusEvent, func()) {
	sub := newSubscriber(buffer)
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	sub.push(c.current)
	c.mu.Unlock()

	var once sync.Once
	return sub.out, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, sub)
			c.mu.Unlock()
			sub.cancel()
		})
	}
}

// SubscribeLevels streams live input levels while recording. Readings are advisory: a slow
// reader only ever sees the latest one.
func (c *Controller) SubscribeLevels() (<-chan float64, func()) {
	ch := make(chan float64, 1)
	c.mu.Lock()
	c.levelSubs[ch] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			if _, ok := c.levelSubs[ch]; ok {
				delete(c.levelSubs, ch)
				close(ch)
			}
			c.mu.Unlock()
		})
	}
}

func (c *Controller) publishLevel(level float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for ch := range c.levelSubs {
		select {
		case ch <- level:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- level:
			default:
			}
		}
	}
}

// Shutdown abandons any active recording, waits for an in-flight job until ctx expires, and
// stops the sequencer. Subscriber channels are closed once their queues drain.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		var errs []error
		if c.started.Load() {
			ack := make(chan struct{})
			if c.post(shutdownEvent{ack: ack}) {
				select {
				case <-ack:
				case <-ctx.Done():
					errs = append(errs, fmt.Errorf("stop recording: %w", ctx.Err()))
				}
			}
		}

		idle := make(chan struct{})
		go func() {
			c.jobs.Wait()
			close(idle)
		}()
		select {
		case <-idle:
		case <-ctx.Done():
			c.logger.Warn("processing still in flight at shutdown")
			errs = append(errs, fmt.Errorf("wait for processing: %w", ctx.Err()))
		}

		if c.started.Load() {
			c.cancel()
			<-c.quit
		}

		c.mu.Lock()
		for sub := range c.subs {
			sub.finish()
		}
		c.subs = make(map[*subscriber]struct{})
		for ch := range c.levelSubs {
			close(ch)
		}
		c.levelSubs = make(map[chan float64]struct{})
		c.mu.Unlock()

		c.shutdownErr = errors.Join(errs...)
		c.logger.Info("dictation controller stopped")
	})
	return c.shutdownErr
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
