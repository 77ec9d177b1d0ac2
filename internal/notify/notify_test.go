package notify

import (
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/domain"
)

type chanSource struct {
	ch chan domain.StatusEvent
}

func (c *chanSource) Subscribe(int) (<-chan domain.StatusEvent, func()) {
	var once sync.Once
	return c.ch, func() { once.Do(func() { close(c.ch) }) }
}

func TestNotifiesErrorsAndInsertions(t *testing.T) {
	src := &chanSource{ch: make(chan domain.StatusEvent, 4)}
	svc := NewService(src, config.NotifyConfig{Enabled: true, OnInsert: true},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	var (
		mu   sync.Mutex
		sent []string
	)
	svc.send = func(title, message string) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, message)
		return nil
	}
	svc.Start()

	src.ch <- domain.StatusEvent{Status: domain.Status{State: domain.StateRecording}}
	src.ch <- domain.StatusEvent{Status: domain.Status{State: domain.StateError, Kind: domain.KindInsertion, Reason: "no display"}}
	src.ch <- domain.StatusEvent{Status: domain.Status{State: domain.StateIdle}, Text: strings.Repeat("a", 100)}
	svc.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 2 {
		t.Fatalf("expected two notifications, got %v", sent)
	}
	if sent[0] != "Insert failed: no display" {
		t.Fatalf("unexpected error notification %q", sent[0])
	}
	if n := len([]rune(sent[1])); n != 80 {
		t.Fatalf("expected truncated preview, got %d runes", n)
	}
}

func TestDisabledServiceDoesNotSubscribe(t *testing.T) {
	src := &chanSource{ch: make(chan domain.StatusEvent)}
	svc := NewService(src, config.NotifyConfig{}, nil)
	svc.Start()
	svc.Close()
	if svc.unsubscribe != nil {
		t.Fatal("disabled service must not subscribe")
	}
}
