package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/control"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/history"
	"github.com/loqalabs/loqa-dictate/internal/llm"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/notify"
	"github.com/loqalabs/loqa-dictate/internal/stt"
	"github.com/loqalabs/loqa-dictate/internal/toggle"
)

// Foreground runs alongside the daemon, for example the terminal console. When it returns the
// runtime shuts down.
type Foreground func(ctx context.Context, ctrl *dictation.Controller) error

type Option func(*Runtime)

// WithOpener supplies the capture device opener, overriding audio.backend.
func WithOpener(opener audio.Opener) Option {
	return func(r *Runtime) { r.opener = opener }
}

func WithForeground(fg Foreground) Option {
	return func(r *Runtime) { r.foreground = fg }
}

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	opener      audio.Opener
	foreground  Foreground
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	store      *history.Store
	loader     *stt.Loader
	generator  llm.Generator
	controller *dictation.Controller
	listener   *toggle.Listener
	embedded   *natsserver.EmbeddedServer
	busClient  *bus.Client
	control    *control.Service
	notifier   *notify.Service
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start builds every component, serves until ctx is cancelled or the foreground returns, then
// shuts down in reverse dependency order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.setup(ctx); err != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), r.shutdownTimeout())
		defer cancelShutdown()
		return errors.Join(err, r.shutdown(shutdownCtx))
	}

	if r.cfg.HTTP.Enabled {
		addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
		r.httpServer = &http.Server{
			Addr:              addr,
			Handler:           r.routes(metricsHandler),
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("http server failed", slog.String("error", err.Error()))
			}
		}()
		r.logger.Info("http server listening", slog.String("addr", addr))
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("tone", string(r.controller.Tone())))

	var fgErr error
	fgDone := make(chan struct{})
	if r.foreground != nil {
		go func() {
			defer close(fgDone)
			defer cancel()
			fgErr = r.foreground(ctx, r.controller)
		}()
	} else {
		close(fgDone)
	}

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), r.shutdownTimeout())
	defer cancelShutdown()
	select {
	case <-fgDone:
	case <-shutdownCtx.Done():
		r.logger.Warn("foreground did not exit before shutdown")
	}

	if err := r.shutdown(shutdownCtx); err != nil {
		r.logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	select {
	case <-fgDone:
		return fgErr
	default:
		return nil
	}
}

// Ready reports whether the runtime is serving and the speech engine has loaded.
func (r *Runtime) Ready() bool {
	return r.ready.Load() && r.loader != nil && r.loader.Ready()
}

// Controller is available once Start has set up components.
func (r *Runtime) Controller() *dictation.Controller {
	return r.controller
}

func (r *Runtime) shutdownTimeout() time.Duration {
	if r.cfg.Controller.ShutdownTimeout > 0 {
		return time.Duration(r.cfg.Controller.ShutdownTimeout) * time.Millisecond
	}
	return 10 * time.Second
}

// shutdown tolerates partially constructed runtimes.
func (r *Runtime) shutdown(ctx context.Context) error {
	var errs []error

	if r.listener != nil {
		if err := r.listener.Close(); err != nil {
			errs = append(errs, fmt.Errorf("toggle listener: %w", err))
		}
	}
	if r.control != nil {
		r.control.Close()
	}
	if r.controller != nil {
		if err := r.controller.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("controller: %w", err))
		}
	}
	if r.notifier != nil {
		r.notifier.Close()
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	r.embedded.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("history: %w", err))
		}
	}
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}
