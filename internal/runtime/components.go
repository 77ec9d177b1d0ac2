package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/control"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/domain"
	"github.com/loqalabs/loqa-dictate/internal/grammar"
	"github.com/loqalabs/loqa-dictate/internal/history"
	"github.com/loqalabs/loqa-dictate/internal/llm"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/notify"
	"github.com/loqalabs/loqa-dictate/internal/output"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/stt"
	"github.com/loqalabs/loqa-dictate/internal/toggle"
	"github.com/loqalabs/loqa-dictate/internal/transform"
)

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// setup wires the pipeline leaves first. Components already built stay on r for shutdown.
func (r *Runtime) setup(ctx context.Context) error {
	cfg := r.cfg

	store, err := history.Open(ctx, cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	r.store = store

	r.loader = stt.NewLoader(cfg.STT, r.logger)
	r.loader.Load(ctx)

	generator, err := llm.New(cfg.LLM, r.logger)
	if err != nil {
		return fmt.Errorf("rewrite backend: %w", err)
	}
	r.generator = generator
	if prober, ok := generator.(llm.Prober); ok {
		go r.probeRewriter(ctx, prober)
	}

	var checker transform.GrammarChecker
	if cfg.Grammar.Enabled {
		checker = grammar.NewLanguageTool(cfg.Grammar.Endpoint, cfg.Grammar.Language, ms(cfg.Grammar.Timeout))
	}
	chain := transform.NewChain(checker, generator, transform.Options{
		MaxTokens:      cfg.LLM.MaxTokens,
		GrammarTimeout: ms(cfg.Grammar.Timeout),
		RewriteTimeout: ms(cfg.LLM.Timeout),
	}, r.logger)

	opener, err := r.audioOpener()
	if err != nil {
		return err
	}
	capture := audio.NewCapture(opener, audio.Options{
		Format: audio.Format{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
			ChunkSize:  cfg.Audio.ChunkSize,
		},
		LevelCeiling:  cfg.Audio.LevelCeiling,
		LevelWindow:   cfg.Audio.LevelWindow,
		LevelInterval: ms(cfg.Audio.LevelInterval),
	}, r.logger)

	tone, err := domain.ParseTone(cfg.Controller.DefaultTone)
	if err != nil {
		return err
	}
	controller, err := dictation.New(dictation.Deps{
		Recorder:    capture,
		Engine:      r.loader,
		Transformer: chain,
		Sink:        r.outputSink(),
		Journal:     store,
	}, dictation.Options{
		Tone:              tone,
		TempDir:           cfg.Audio.TempDir,
		ToggleDebounce:    ms(cfg.Controller.ToggleDebounce),
		ProcessingTimeout: ms(cfg.Controller.ProcessingTimeout),
	}, r.logger)
	if err != nil {
		return err
	}
	controller.Start(ctx)
	r.controller = controller

	r.notifier = notify.NewService(controller, cfg.Notify, r.logger)
	r.notifier.Start()

	if cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			return err
		}
	}

	if cfg.Toggle.Enabled {
		listener := toggle.NewListener(cfg.Toggle.SocketPath, ms(cfg.Toggle.ReadTimeout), controller.Toggle, r.logger)
		if err := listener.Start(); err != nil {
			return fmt.Errorf("toggle socket: %w", err)
		}
		r.listener = listener
	}
	return nil
}

func (r *Runtime) audioOpener() (audio.Opener, error) {
	if r.opener != nil {
		return r.opener, nil
	}
	a := r.cfg.Audio
	if a.Backend == "ffmpeg" {
		return audio.NewFFmpegOpener(a.FFmpegCommand, a.InputFormat, a.InputDevice), nil
	}
	return nil, fmt.Errorf("audio backend %q has no opener in this build", a.Backend)
}

func (r *Runtime) outputSink() *output.Sink {
	cfg := r.cfg.Output

	var typer output.Typer
	if t, err := output.NewCommandTyper(cfg.TypeCommand); err != nil {
		r.logger.Warn("typing disabled", slog.String("error", err.Error()))
	} else {
		typer = t
	}

	var paster output.Paster
	if p, err := output.NewKeyboardPaster(cfg.PasteShortcut); err != nil {
		r.logger.Warn("paste fallback disabled", slog.String("error", err.Error()))
	} else {
		paster = p
	}

	return output.NewSink(output.SystemClipboard{}, typer, paster, output.Options{
		SettleDelay:   ms(cfg.SettleDelay),
		TrailingSpace: cfg.TrailingSpace,
	}, r.logger)
}

func (r *Runtime) startBus(ctx context.Context) error {
	cfg := r.cfg.Bus

	embedded, err := natsserver.Start(cfg, r.logger)
	if err != nil {
		return err
	}
	r.embedded = embedded
	if embedded != nil {
		cfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, cfg, r.logger)
	if err != nil {
		return err
	}
	r.busClient = client

	svc := control.NewService(ctx, client, r.controller, control.Options{
		Runtime:           r.cfg.RuntimeName,
		Subjects:          protocol.NewSubjects(cfg.SubjectPrefix),
		LevelInterval:     ms(cfg.LevelInterval),
		HeartbeatInterval: ms(cfg.HeartbeatInterval),
		Ready:             r.loader.Ready,
	}, r.logger)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("control service: %w", err)
	}
	r.control = svc
	return nil
}

func (r *Runtime) probeRewriter(ctx context.Context, prober llm.Prober) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := prober.Probe(ctx); err != nil {
		r.logger.Warn("rewrite service unavailable, remote tones will fall back", slog.String("error", err.Error()))
		return
	}
	if og, ok := r.generator.(*llm.OllamaGenerator); ok {
		r.logger.Info("rewrite service ready", slog.String("model", og.Model()))
	}
}

var _ dictation.Engine = (*stt.Loader)(nil)
