// Package output delivers final text to whatever has input focus.
package output

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/domain"
)

type Clipboard interface {
	WriteAll(text string) error
}

// Typer simulates keystrokes for text into the focused window.
type Typer interface {
	Type(ctx context.Context, text string) error
}

// Paster sends the platform paste shortcut.
type Paster interface {
	Paste(ctx context.Context) error
}

// Method records which path delivered the text.
type Method string

const (
	MethodTyped  Method = "typed"
	MethodPasted Method = "pasted"
)

type Options struct {
	SettleDelay   time.Duration
	TrailingSpace bool
}

// Sink copies text to the clipboard, types it, and falls back to a paste shortcut.
type Sink struct {
	clipboard Clipboard
	typer     Typer
	paster    Paster
	opts      Options
	logger    *slog.Logger
}

func NewSink(clipboard Clipboard, typer Typer, paster Paster, opts Options, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		clipboard: clipboard,
		typer:     typer,
		paster:    paster,
		opts:      opts,
		logger:    logger.With(slog.String("component", "output")),
	}
}

var errNoBackend = errors.New("not configured")

// Insert performs the delivery every time it is called; it does not retry.
func (s *Sink) Insert(ctx context.Context, text string) (Method, error) {
	if s.opts.TrailingSpace {
		text += " "
	}

	clipErr := errNoBackend
	if s.clipboard != nil {
		clipErr = s.clipboard.WriteAll(text)
	}
	if clipErr != nil {
		s.logger.Warn("clipboard copy failed", slogError(clipErr))
	}

	typeErr := errNoBackend
	if s.typer != nil {
		typeErr = s.typer.Type(ctx, text)
	}
	if typeErr == nil {
		return MethodTyped, nil
	}
	s.logger.Warn("typing failed, falling back to paste", slogError(typeErr))

	if clipErr != nil {
		return "", fmt.Errorf("%w: type: %w; clipboard: %w", domain.ErrInsertion, typeErr, clipErr)
	}
	if s.paster == nil {
		return "", fmt.Errorf("%w: type: %w; paste: %w", domain.ErrInsertion, typeErr, errNoBackend)
	}

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", domain.ErrInsertion, ctx.Err())
	case <-time.After(s.opts.SettleDelay):
	}
	if err := s.paster.Paste(ctx); err != nil {
		return "", fmt.Errorf("%w: type: %w; paste: %w", domain.ErrInsertion, typeErr, err)
	}
	return MethodPasted, nil
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
