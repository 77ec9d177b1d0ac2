// Package control exposes the dictation controller on the NATS bus.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/domain"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// Controller is the part of dictation.Controller the bus needs.
type Controller interface {
	Toggle()
	SetTone(domain.Tone)
	Tone() domain.Tone
	Status() domain.StatusEvent
	Subscribe(buffer int) (<-chan domain.StatusEvent, func())
	SubscribeLevels() (<-chan float64, func())
}

type Options struct {
	Runtime           string
	Subjects          protocol.Subjects
	LevelInterval     time.Duration
	HeartbeatInterval time.Duration
	Ready             func() bool
}

type Service struct {
	bus    *bus.Client
	ctrl   Controller
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
}

func NewService(parent context.Context, busClient *bus.Client, ctrl Controller, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Subjects == (protocol.Subjects{}) {
		opts.Subjects = protocol.NewSubjects(protocol.DefaultPrefix)
	}
	if opts.LevelInterval <= 0 {
		opts.LevelInterval = 100 * time.Millisecond
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:    busClient,
		ctrl:   ctrl,
		opts:   opts,
		logger: logger.With(slog.String("component", "control")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	conn := s.bus.Conn()
	toggleSub, err := conn.Subscribe(s.opts.Subjects.Toggle, s.handleToggle)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, toggleSub)

	toneSub, err := conn.Subscribe(s.opts.Subjects.Tone, s.handleTone)
	if err != nil {
		s.drain()
		return err
	}
	s.subs = append(s.subs, toneSub)

	statuses, unsubscribe := s.ctrl.Subscribe(32)
	levels, stopLevels := s.ctrl.SubscribeLevels()

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.forwardStatus(statuses)
	}()
	go func() {
		defer s.wg.Done()
		defer stopLevels()
		s.forwardLevels(levels)
	}()
	go func() {
		defer s.wg.Done()
		s.runHeartbeat()
	}()

	s.logger.Info("control service listening",
		slog.String("toggle", s.opts.Subjects.Toggle),
		slog.String("tone", s.opts.Subjects.Tone))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.drain()
	s.wg.Wait()
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	return len(s.subs) == 2 && s.bus.Healthy()
}

func (s *Service) handleToggle(msg *nats.Msg) {
	s.ctrl.Toggle()
	s.reply(msg, nil)
}

func (s *Service) handleTone(msg *nats.Msg) {
	name := strings.TrimSpace(string(msg.Data))
	var req protocol.ToneRequest
	if strings.HasPrefix(name, "{") {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn("control failed to decode tone request", slogError(err))
			s.reply(msg, err)
			return
		}
		name = req.Tone
	}

	if strings.EqualFold(strings.TrimSpace(name), "next") {
		s.ctrl.SetTone(s.ctrl.Tone().Next())
		s.reply(msg, nil)
		return
	}
	tone, err := domain.ParseTone(name)
	if err != nil {
		s.logger.Warn("control rejected tone", slog.String("tone", name))
		s.reply(msg, err)
		return
	}
	s.ctrl.SetTone(tone)
	s.reply(msg, nil)
}

func (s *Service) reply(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	status := s.ctrl.Status()
	out := protocol.ControlReply{OK: err == nil, State: string(status.Status.State), Tone: string(s.ctrl.Tone())}
	if err != nil {
		out.Error = err.Error()
	}
	payload, mErr := json.Marshal(out)
	if mErr != nil {
		return
	}
	if rErr := msg.Respond(payload); rErr != nil && !errors.Is(rErr, nats.ErrConnectionClosed) {
		s.logger.Warn("control failed to reply", slogError(rErr))
	}
}

func (s *Service) forwardStatus(statuses <-chan domain.StatusEvent) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-statuses:
			if !ok {
				return
			}
			if err := s.bus.PublishJSON(s.opts.Subjects.Status, protocol.StatusFromEvent(ev)); err != nil {
				s.logger.Warn("failed to publish status", slogError(err))
			}
		}
	}
}

// forwardLevels publishes at most one reading per interval, always the latest.
func (s *Service) forwardLevels(levels <-chan float64) {
	ticker := time.NewTicker(s.opts.LevelInterval)
	defer ticker.Stop()

	var (
		latest  float64
		pending bool
	)
	for {
		select {
		case <-s.ctx.Done():
			return
		case level, ok := <-levels:
			if !ok {
				return
			}
			latest, pending = level, true
		case <-ticker.C:
			if !pending {
				continue
			}
			pending = false
			msg := protocol.LevelMessage{Level: latest, Timestamp: time.Now().UTC()}
			if err := s.bus.PublishJSON(s.opts.Subjects.Level, msg); err != nil {
				s.logger.Debug("failed to publish level", slogError(err))
			}
		}
	}
}

func (s *Service) runHeartbeat() {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	s.publishHeartbeat()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.publishHeartbeat()
		}
	}
}

func (s *Service) publishHeartbeat() {
	status := s.ctrl.Status()
	msg := protocol.HeartbeatMessage{
		Runtime:   s.opts.Runtime,
		State:     string(status.Status.State),
		Tone:      string(s.ctrl.Tone()),
		Ready:     s.opts.Ready == nil || s.opts.Ready(),
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(s.opts.Subjects.Heartbeat, msg); err != nil {
		s.logger.Warn("failed to publish heartbeat", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
