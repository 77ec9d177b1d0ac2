package protocol

import (
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/domain"
)

// StatusMessage mirrors a controller status transition on the bus.
type StatusMessage struct {
	Seq       uint64    `json:"seq"`
	State     string    `json:"state"`
	Kind      string    `json:"kind,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Label     string    `json:"label"`
	SessionID string    `json:"session_id,omitempty"`
	Tone      string    `json:"tone"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LevelMessage carries a smoothed input level in [0,1].
type LevelMessage struct {
	Level     float64   `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

type HeartbeatMessage struct {
	Runtime   string    `json:"runtime"`
	State     string    `json:"state"`
	Tone      string    `json:"tone"`
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
}

// ToneRequest selects a tone by name. "next" cycles to the following tone.
type ToneRequest struct {
	Tone string `json:"tone"`
}

// ControlReply answers toggle and tone requests that carry a reply subject.
type ControlReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	State string `json:"state"`
	Tone  string `json:"tone"`
}

const DefaultPrefix = "dictate"

// Subjects lists the bus subjects under one prefix.
type Subjects struct {
	Toggle    string
	Tone      string
	Status    string
	Level     string
	Heartbeat string
}

func NewSubjects(prefix string) Subjects {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Subjects{
		Toggle:    prefix + ".control.toggle",
		Tone:      prefix + ".control.tone",
		Status:    prefix + ".status",
		Level:     prefix + ".level",
		Heartbeat: prefix + ".heartbeat",
	}
}

func StatusFromEvent(ev domain.StatusEvent) StatusMessage {
	return StatusMessage{
		Seq:       ev.Seq,
		State:     string(ev.Status.State),
		Kind:      string(ev.Status.Kind),
		Reason:    ev.Status.Reason,
		Label:     ev.Status.Label(),
		SessionID: ev.SessionID,
		Tone:      string(ev.Tone),
		Text:      ev.Text,
		Timestamp: ev.At.UTC(),
	}
}
