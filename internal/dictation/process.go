package dictation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/domain"
	"github.com/loqalabs/loqa-dictate/internal/history"
	"github.com/loqalabs/loqa-dictate/internal/output"
	"github.com/loqalabs/loqa-dictate/internal/transform"
)

type cycleResult struct {
	raw        string
	final      string
	method     string
	fallback   error
	err        error
	transcribe time.Duration
	transform  time.Duration
	total      time.Duration
}

// runJob processes one finalized buffer off the sequencer and reports back to it.
func (c *Controller) runJob(cy *cycle, buf audio.Buffer) {
	defer c.jobs.Done()

	// Processing is never cancelled mid-flight, only bounded by its own timeout.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.opts.ProcessingTimeout)
	defer cancel()

	start := c.opts.Clock()
	res := c.process(ctx, cy, buf)
	res.total = c.opts.Clock().Sub(start)
	c.metrics.observeDuration(ctx, res.total, cy.tone)
	c.journal(cy, res)
	c.post(jobDoneEvent{cycle: cy, result: res})
}

func (c *Controller) process(ctx context.Context, cy *cycle, buf audio.Buffer) (res cycleResult) {
	ctx, span := c.tracer.Start(ctx, "dictate.process", trace.WithAttributes(
		attribute.String("cycle.id", cy.id),
		attribute.String("tone", string(cy.tone)),
		attribute.Int64("audio.ms", cy.audio.Milliseconds()),
	))
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("processing panic", slog.String("cycle_id", cy.id), slog.Any("panic", r))
			res.err = fmt.Errorf("processing panic: %v", r)
		}
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
		}
		span.End()
	}()

	if buf.Empty() {
		res.err = domain.ErrEmptyInput
		return res
	}

	path, err := c.spool(cy, buf)
	if path != "" {
		defer c.removeSpool(path)
	}
	if err != nil {
		res.err = err
		return res
	}

	started := c.opts.Clock()
	transcript, err := c.transcribe(ctx, path)
	res.transcribe = c.opts.Clock().Sub(started)
	if err != nil {
		res.err = err
		return res
	}
	res.raw = strings.TrimSpace(transcript)
	if res.raw == "" {
		c.logger.Info("no speech detected", slog.String("cycle_id", cy.id))
		return res
	}

	started = c.opts.Clock()
	transformed := c.applyTransform(ctx, res.raw, cy.tone)
	res.transform = c.opts.Clock().Sub(started)
	res.final = transformed.Text
	if res.fallback = transformed.Fallback; res.fallback != nil {
		c.metrics.fallback(ctx, cy.tone)
	}
	if res.final == "" {
		return res
	}

	method, err := c.insert(ctx, res.final)
	if err != nil {
		res.err = err
		return res
	}
	res.method = string(method)
	c.logger.Info("text inserted",
		slog.String("cycle_id", cy.id),
		slog.String("method", res.method),
		slog.Int("chars", len(res.final)))
	return res
}

func (c *Controller) spool(cy *cycle, buf audio.Buffer) (string, error) {
	dir := c.opts.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "loqa-dictate-"+cy.id+".wav")
	if err := audio.WriteWAV(path, buf); err != nil {
		return path, fmt.Errorf("spool audio: %w", err)
	}
	return path, nil
}

func (c *Controller) removeSpool(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("failed to remove audio spool", slog.String("path", path), slogError(err))
	}
}

func (c *Controller) transcribe(ctx context.Context, path string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "transcribe")
	defer span.End()
	result, err := c.deps.Engine.Transcribe(ctx, path)
	if err != nil {
		if !errors.Is(err, domain.ErrEngine) {
			err = fmt.Errorf("%w: %w", domain.ErrEngine, err)
		}
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.Int("transcript.chars", len(result.Text)))
	return result.Text, nil
}

func (c *Controller) applyTransform(ctx context.Context, raw string, tone domain.Tone) transform.Result {
	ctx, span := c.tracer.Start(ctx, "transform", trace.WithAttributes(attribute.String("tone", string(tone))))
	defer span.End()
	result := c.deps.Transformer.Apply(ctx, raw, tone)
	if result.Fallback != nil {
		span.SetAttributes(attribute.Bool("fallback", true))
		span.RecordError(result.Fallback)
	}
	return result
}

func (c *Controller) insert(ctx context.Context, text string) (output.Method, error) {
	ctx, span := c.tracer.Start(ctx, "insert")
	defer span.End()
	method, err := c.deps.Sink.Insert(ctx, text)
	if err != nil {
		if !errors.Is(err, domain.ErrInsertion) {
			err = fmt.Errorf("%w: %w", domain.ErrInsertion, err)
		}
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.String("method", string(method)))
	return method, nil
}

func (c *Controller) journal(cy *cycle, res cycleResult) {
	if c.deps.Journal == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("history panic", slog.Any("panic", r))
		}
	}()
	entry := history.Entry{
		ID:         cy.id,
		Tone:       string(cy.tone),
		Raw:        res.raw,
		Final:      res.final,
		Outcome:    outcome(res),
		Method:     res.method,
		Fallback:   res.fallback != nil,
		Audio:      cy.audio,
		Transcribe: res.transcribe,
		Transform:  res.transform,
		Total:      res.total,
	}
	if res.err != nil {
		entry.ErrorKind = string(domain.KindOf(res.err))
		entry.Error = res.err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.deps.Journal.Record(ctx, entry); err != nil {
		c.logger.Warn("failed to record history", slog.String("cycle_id", cy.id), slogError(err))
	}
}

func outcome(res cycleResult) string {
	switch {
	case res.err != nil:
		return "failed"
	case res.final == "":
		return "no_speech"
	default:
		return "inserted"
	}
}
