// Package notify raises desktop notifications for dictation failures and insertions.
package notify

import (
	"log/slog"
	"sync"

	"github.com/gen2brain/beeep"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/domain"
)

const title = "Loqa Dictate"

// StatusSource is satisfied by dictation.Controller.
type StatusSource interface {
	Subscribe(buffer int) (<-chan domain.StatusEvent, func())
}

type Service struct {
	src    StatusSource
	cfg    config.NotifyConfig
	logger *slog.Logger
	send   func(title, message string) error

	unsubscribe func()
	wg          sync.WaitGroup
}

func NewService(src StatusSource, cfg config.NotifyConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		src:    src,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "notify")),
		send: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
	}
}

func (s *Service) Start() {
	if !s.cfg.Enabled {
		return
	}
	events, unsubscribe := s.src.Subscribe(8)
	s.unsubscribe = unsubscribe
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ev := range events {
			s.handle(ev)
		}
	}()
}

func (s *Service) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.wg.Wait()
}

func (s *Service) handle(ev domain.StatusEvent) {
	var message string
	switch {
	case ev.Status.State == domain.StateError:
		message = ev.Status.Label()
		if ev.Status.Reason != "" {
			message += ": " + ev.Status.Reason
		}
	case ev.Status.State == domain.StateIdle && ev.Text != "" && s.cfg.OnInsert:
		message = preview(ev.Text, 80)
	default:
		return
	}
	if err := s.send(title, message); err != nil {
		s.logger.Debug("notification failed", slog.String("error", err.Error()))
	}
}

func preview(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}
