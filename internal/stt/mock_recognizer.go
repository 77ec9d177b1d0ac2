package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-dictate/internal/audio"
)

// silenceThreshold is the peak amplitude below which the mock reports no speech.
const silenceThreshold = 200

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, wavPath string) (TranscriptResult, error) {
	buf, err := audio.ReadWAV(wavPath)
	if err != nil {
		return TranscriptResult{}, err
	}
	var peak int
	for _, v := range buf.Samples {
		a := int(v)
		if a < 0 {
			a = -a
		}
		if a > peak {
			peak = a
		}
	}
	if peak < silenceThreshold {
		return TranscriptResult{}, nil
	}
	return TranscriptResult{
		Text: fmt.Sprintf("mock transcript of %d ms", buf.Duration().Milliseconds()),
	}, nil
}
