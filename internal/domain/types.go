package domain

import (
	"fmt"
	"strings"
	"time"
)

// State models the dictation lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StateProcessing State = "processing"
	StateError      State = "error"
)

// Status is the externally observable pipeline status. Reason is only set for StateError
// and for informational Idle transitions such as "no speech".
type Status struct {
	State  State     `json:"state"`
	Kind   ErrorKind `json:"kind,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// Label returns the short status text shown to the user.
func (s Status) Label() string {
	switch s.State {
	case StateRecording:
		return "Recording..."
	case StateProcessing:
		return "Processing..."
	case StateError:
		return s.Kind.Label()
	default:
		if s.Reason != "" {
			return s.Reason
		}
		return "Ready"
	}
}

// StatusEvent is emitted by the controller once per status transition, in order.
type StatusEvent struct {
	Seq       uint64    `json:"seq"`
	Status    Status    `json:"status"`
	SessionID string    `json:"session_id,omitempty"`
	Tone      Tone      `json:"tone"`
	Text      string    `json:"text,omitempty"`
	At        time.Time `json:"at"`
}

// Tone selects the text transform applied after punctuation normalization.
type Tone string

const (
	ToneOriginal     Tone = "original"
	ToneGrammar      Tone = "grammar"
	ToneProfessional Tone = "professional"
	TonePolite       Tone = "polite"
	ToneRephrase     Tone = "rephrase"
)

// Tones lists every profile in presentation order.
var Tones = []Tone{ToneOriginal, ToneGrammar, ToneProfessional, TonePolite, ToneRephrase}

// ParseTone resolves a case-insensitive tone name.
func ParseTone(name string) (Tone, error) {
	candidate := Tone(strings.ToLower(strings.TrimSpace(name)))
	for _, tone := range Tones {
		if tone == candidate {
			return tone, nil
		}
	}
	return "", fmt.Errorf("unknown tone %q", name)
}

// Next returns the tone following t, wrapping around.
func (t Tone) Next() Tone {
	for i, tone := range Tones {
		if tone == t {
			return Tones[(i+1)%len(Tones)]
		}
	}
	return ToneOriginal
}

// Remote reports whether the tone is served by the remote rewrite service.
func (t Tone) Remote() bool {
	return t == ToneProfessional || t == TonePolite || t == ToneRephrase
}
