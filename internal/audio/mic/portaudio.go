// Package mic opens the default input device through PortAudio.
package mic

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/loqalabs/loqa-dictate/internal/audio"
)

// Opener opens blocking PortAudio input streams on the default device.
type Opener struct{}

func NewOpener() *Opener { return &Opener{} }

func (o *Opener) Open(_ context.Context, format audio.Format) (audio.Source, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init failed: %w", err)
	}
	in := make([]int16, format.ChunkSize*format.Channels)
	stream, err := portaudio.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), format.ChunkSize, in)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("open stream failed: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("start stream failed: %w", err)
	}
	return &source{stream: stream, in: in}, nil
}

type source struct {
	stream *portaudio.Stream
	in     []int16

	closeOnce sync.Once
	closeErr  error
}

// Read blocks for one chunk and copies it into buf. Overflow drops samples but keeps going.
func (s *source) Read(buf []int16) (int, error) {
	if err := s.stream.Read(); err != nil && err != portaudio.InputOverflowed {
		return 0, err
	}
	return copy(buf, s.in), nil
}

func (s *source) Close() error {
	s.closeOnce.Do(func() {
		if err := s.stream.Stop(); err != nil {
			s.closeErr = err
		}
		if err := s.stream.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
		if err := portaudio.Terminate(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}
