package dictation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/domain"
)

type event interface{}

type toggleEvent struct {
	at time.Time
}

type captureFailedEvent struct {
	cycle *cycle
	err   error
}

type jobDoneEvent struct {
	cycle  *cycle
	result cycleResult
}

type shutdownEvent struct {
	ack chan struct{}
}

const noSpeechReason = "No speech"

// post hands an event to the sequencer. It returns false once the sequencer has exited.
func (c *Controller) post(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.quit:
		return false
	}
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.quit)
	for {
		select {
		case <-ctx.Done():
			c.abortRecording()
			return
		case ev := <-c.events:
			c.dispatch(ev)
		}
	}
}

func (c *Controller) dispatch(ev event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("sequencer panic", slog.Any("panic", r))
			if c.cycle != nil {
				c.failCycle(c.cycle, fmt.Errorf("sequencer panic: %v", r))
			}
		}
	}()

	switch e := ev.(type) {
	case toggleEvent:
		c.handleToggle(e)
	case captureFailedEvent:
		c.handleCaptureFailed(e)
	case jobDoneEvent:
		c.handleJobDone(e)
	case shutdownEvent:
		c.closing = true
		c.abortRecording()
		close(e.ack)
	}
}

func (c *Controller) handleToggle(e toggleEvent) {
	if c.closing {
		c.metrics.dropped(c.ctx, "shutdown")
		return
	}
	if c.opts.ToggleDebounce > 0 && !c.lastToggle.IsZero() && e.at.Sub(c.lastToggle) < c.opts.ToggleDebounce {
		c.logger.Debug("toggle debounced")
		c.metrics.dropped(c.ctx, "debounce")
		return
	}

	switch c.state {
	case domain.StateIdle:
		if !c.deps.Engine.Ready() {
			c.logger.Info("speech engine not ready, toggle ignored")
			c.metrics.dropped(c.ctx, "not_ready")
			return
		}
		c.lastToggle = e.at
		c.startRecording()
	case domain.StateRecording:
		c.lastToggle = e.at
		c.stopRecording()
	default:
		c.logger.Debug("toggle dropped while processing")
		c.metrics.dropped(c.ctx, "processing")
	}
}

func (c *Controller) startRecording() {
	cy := &cycle{id: uuid.NewString(), tone: c.Tone(), started: c.opts.Clock()}
	c.cycle = cy
	c.transition(domain.Status{State: domain.StateRecording}, "")

	session, err := c.deps.Recorder.Start(c.ctx, c.publishLevel, func(err error) {
		// The capture goroutine must not wait on the sequencer: Stop joins it.
		go c.post(captureFailedEvent{cycle: cy, err: err})
	})
	if err != nil {
		c.failCycle(cy, err)
		return
	}
	cy.session = session
	c.logger.Info("recording started", slog.String("cycle_id", cy.id))
}

func (c *Controller) stopRecording() {
	cy := c.cycle
	cy.tone = c.Tone()
	c.transition(domain.Status{State: domain.StateProcessing}, "")

	buf, err := cy.session.Stop()
	cy.session = nil
	cy.audio = buf.Duration()
	c.publishLevel(0)
	if err != nil {
		c.failCycle(cy, err)
		return
	}
	c.logger.Info("recording stopped",
		slog.String("cycle_id", cy.id),
		slog.Duration("audio", cy.audio),
		slog.String("tone", string(cy.tone)))

	c.jobs.Add(1)
	go c.runJob(cy, buf)
}

func (c *Controller) handleCaptureFailed(e captureFailedEvent) {
	if c.state != domain.StateRecording || c.cycle != e.cycle {
		return
	}
	if e.cycle.session != nil {
		_, _ = e.cycle.session.Stop()
		e.cycle.session = nil
	}
	c.publishLevel(0)
	c.failCycle(e.cycle, e.err)
}

func (c *Controller) handleJobDone(e jobDoneEvent) {
	if c.cycle != e.cycle {
		c.logger.Warn("stale processing result ignored", slog.String("cycle_id", e.cycle.id))
		return
	}
	res := e.result
	switch {
	case res.err != nil:
		c.metrics.cycle(c.ctx, string(domain.KindOf(res.err)))
		c.reportError(res.err)
	case res.final == "":
		c.metrics.cycle(c.ctx, "no_speech")
		c.finish(domain.Status{State: domain.StateIdle, Reason: noSpeechReason}, "")
	default:
		c.metrics.cycle(c.ctx, "inserted")
		c.finish(domain.Status{State: domain.StateIdle}, res.final)
	}
}

// abortRecording discards an active recording without processing it.
func (c *Controller) abortRecording() {
	if c.state != domain.StateRecording || c.cycle == nil {
		return
	}
	if c.cycle.session != nil {
		_, _ = c.cycle.session.Stop()
		c.cycle.session = nil
	}
	c.publishLevel(0)
	c.logger.Info("recording abandoned", slog.String("cycle_id", c.cycle.id))
	c.finish(domain.Status{State: domain.StateIdle}, "")
}

// failCycle handles failures detected on the sequencer itself: the cycle is journaled here
// because no job ran for it.
func (c *Controller) failCycle(cy *cycle, err error) {
	c.metrics.cycle(c.ctx, string(domain.KindOf(err)))
	c.journal(cy, cycleResult{err: err, total: c.opts.Clock().Sub(cy.started)})
	c.reportError(err)
}

// reportError emits Error and returns straight to Idle.
func (c *Controller) reportError(err error) {
	kind := domain.KindOf(err)
	c.logger.Error("dictation cycle failed", slog.String("kind", string(kind)), slogError(err))
	c.transition(domain.Status{State: domain.StateError, Kind: kind, Reason: err.Error()}, "")
	c.finish(domain.Status{State: domain.StateIdle}, "")
}

func (c *Controller) finish(status domain.Status, text string) {
	c.transition(status, text)
	c.cycle = nil
}

func (c *Controller) transition(status domain.Status, text string) {
	c.state = status.State
	c.seq++
	ev := domain.StatusEvent{
		Seq:    c.seq,
		Status: status,
		Text:   text,
		At:     c.opts.Clock(),
	}
	if c.cycle != nil {
		ev.SessionID = c.cycle.id
		ev.Tone = c.cycle.tone
	} else {
		ev.Tone = c.Tone()
	}

	c.mu.Lock()
	c.current = ev
	subs := make([]*subscriber, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.push(ev)
	}
	c.logger.Debug("status", slog.String("state", string(status.State)), slog.Uint64("seq", ev.Seq))
}

var _ Recorder = (*audio.Capture)(nil)
