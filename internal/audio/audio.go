// Package audio captures microphone input into an in-memory buffer and reports live levels.
package audio

import (
	"context"
	"time"
)

// Format describes the capture stream.
type Format struct {
	SampleRate int
	Channels   int
	ChunkSize  int
}

// DefaultFormat is 44.1 kHz mono read in 1024-sample chunks.
var DefaultFormat = Format{SampleRate: 44100, Channels: 1, ChunkSize: 1024}

// Source is an open input stream of interleaved signed 16-bit samples.
type Source interface {
	// Read fills buf with interleaved samples, ChunkSize frames of Channels each, and returns the
	// number of samples written. It blocks for at most one chunk.
	Read(buf []int16) (int, error)
	Close() error
}

// Opener opens an input device.
type Opener interface {
	Open(ctx context.Context, format Format) (Source, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, format Format) (Source, error)

func (f OpenerFunc) Open(ctx context.Context, format Format) (Source, error) { return f(ctx, format) }

// Buffer is a finalized recording. It is never mutated after Stop returns it.
type Buffer struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

func (b Buffer) Empty() bool { return len(b.Samples) == 0 }

func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 || b.Channels <= 0 {
		return 0
	}
	frames := len(b.Samples) / b.Channels
	return time.Duration(frames) * time.Second / time.Duration(b.SampleRate)
}
