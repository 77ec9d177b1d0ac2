package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/domain"
	"github.com/loqalabs/loqa-dictate/internal/llm"
)

// GrammarChecker corrects text. Implemented by grammar.LanguageTool.
type GrammarChecker interface {
	Correct(ctx context.Context, text string) (string, error)
}

// Result is the outcome of one chain application. Fallback is set when a tone stage degraded
// to the normalized text; it is informational only.
type Result struct {
	Text       string
	Normalized string
	Tone       domain.Tone
	Fallback   error
}

type Options struct {
	MaxTokens      int
	GrammarTimeout time.Duration
	RewriteTimeout time.Duration
}

// Chain runs normalization followed by the tone transform.
type Chain struct {
	grammar   GrammarChecker
	generator llm.Generator
	opts      Options
	logger    *slog.Logger
}

func NewChain(grammar GrammarChecker, generator llm.Generator, opts Options, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 300
	}
	return &Chain{
		grammar:   grammar,
		generator: generator,
		opts:      opts,
		logger:    logger.With(slog.String("component", "transform")),
	}
}

var wrappingQuotes = regexp.MustCompile(`^["']+|["']+$`)

var errUnavailable = errors.New("collaborator not configured")

// Apply never fails: every tone stage falls back to the normalized text.
func (c *Chain) Apply(ctx context.Context, raw string, tone domain.Tone) Result {
	normalized := Normalize(raw)
	res := Result{Text: normalized, Normalized: normalized, Tone: tone}
	if normalized == "" {
		return res
	}

	var (
		out string
		err error
	)
	switch {
	case tone == domain.ToneGrammar:
		out, err = c.safely(ctx, normalized, c.correct)
	case tone.Remote():
		out, err = c.safely(ctx, normalized, func(ctx context.Context, text string) (string, error) {
			return c.rewrite(ctx, text, tone)
		})
	default:
		return res
	}
	if err != nil {
		res.Fallback = fmt.Errorf("%w: %s: %v", domain.ErrTransform, tone, err)
		c.logger.Warn("tone transform degraded to normalized text",
			slog.String("tone", string(tone)),
			slogError(err))
		return res
	}
	res.Text = out
	return res
}

func (c *Chain) safely(ctx context.Context, text string, stage func(context.Context, string) (string, error)) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = "", fmt.Errorf("panic: %v", r)
		}
	}()
	return stage(ctx, text)
}

func (c *Chain) correct(ctx context.Context, text string) (string, error) {
	if c.grammar == nil {
		return "", errUnavailable
	}
	if c.opts.GrammarTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.GrammarTimeout)
		defer cancel()
	}
	corrected, err := c.grammar.Correct(ctx, text)
	if err != nil {
		return "", err
	}
	if corrected != text {
		c.logger.Debug("grammar corrected", slog.String("before", text), slog.String("after", corrected))
	}
	cleaned := StripFillers(corrected)
	if cleaned == "" {
		return text, nil
	}
	return cleaned, nil
}

func (c *Chain) rewrite(ctx context.Context, text string, tone domain.Tone) (string, error) {
	if c.generator == nil {
		return "", errUnavailable
	}
	profile, ok := rewriteProfiles[tone]
	if !ok {
		return "", fmt.Errorf("no rewrite profile for tone %q", tone)
	}
	if c.opts.RewriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RewriteTimeout)
		defer cancel()
	}
	reply, err := llm.Complete(ctx, c.generator, llm.Request{
		Prompt:      userPrefix + text,
		System:      profile.system,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: profile.temperature,
	})
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(wrappingQuotes.ReplaceAllString(strings.TrimSpace(reply), ""))
	if reply == "" {
		return "", errors.New("empty reply")
	}
	return reply, nil
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
