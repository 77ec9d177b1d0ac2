package control

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/domain"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeController struct {
	mu       sync.Mutex
	toggles  int
	tone     domain.Tone
	statuses chan domain.StatusEvent
	levels   chan float64
}

func newFakeController() *fakeController {
	return &fakeController{
		tone:     domain.ToneOriginal,
		statuses: make(chan domain.StatusEvent, 8),
		levels:   make(chan float64, 8),
	}
}

func (f *fakeController) Toggle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggles++
}

func (f *fakeController) SetTone(t domain.Tone) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tone = t
}

func (f *fakeController) Tone() domain.Tone {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tone
}

func (f *fakeController) Status() domain.StatusEvent {
	return domain.StatusEvent{Status: domain.Status{State: domain.StateIdle}}
}

func (f *fakeController) Subscribe(int) (<-chan domain.StatusEvent, func()) {
	return f.statuses, func() {}
}

func (f *fakeController) SubscribeLevels() (<-chan float64, func()) {
	return f.levels, func() {}
}

func (f *fakeController) toggleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.toggles
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func startService(t *testing.T, client *bus.Client, ctrl Controller) *Service {
	t.Helper()
	svc := NewService(context.Background(), client, ctrl, Options{
		Runtime:           "test",
		Subjects:          protocol.NewSubjects("test"),
		LevelInterval:     10 * time.Millisecond,
		HeartbeatInterval: time.Hour,
	}, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func request(t *testing.T, conn *nats.Conn, subject string, data []byte) protocol.ControlReply {
	t.Helper()
	msg, err := conn.Request(subject, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	var reply protocol.ControlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func TestToggleAndToneRequests(t *testing.T) {
	client := startBus(t)
	ctrl := newFakeController()
	svc := startService(t, client, ctrl)
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}
	subjects := protocol.NewSubjects("test")

	if reply := request(t, client.Conn(), subjects.Toggle, nil); !reply.OK || reply.State != "idle" {
		t.Fatalf("unexpected toggle reply %+v", reply)
	}
	if ctrl.toggleCount() != 1 {
		t.Fatalf("expected one toggle, got %d", ctrl.toggleCount())
	}

	if reply := request(t, client.Conn(), subjects.Tone, []byte("Polite")); !reply.OK || reply.Tone != "polite" {
		t.Fatalf("unexpected tone reply %+v", reply)
	}
	if reply := request(t, client.Conn(), subjects.Tone, []byte(`{"tone":"next"}`)); !reply.OK || reply.Tone != "rephrase" {
		t.Fatalf("expected next tone, got %+v", reply)
	}
	if reply := request(t, client.Conn(), subjects.Tone, []byte("shouty")); reply.OK || reply.Error == "" {
		t.Fatalf("expected rejection, got %+v", reply)
	}
	if ctrl.Tone() != domain.ToneRephrase {
		t.Fatalf("rejected tone must not change selection, got %s", ctrl.Tone())
	}
}

func TestPublishesStatusLevelAndHeartbeat(t *testing.T) {
	client := startBus(t)
	subjects := protocol.NewSubjects("test")
	statusSub, err := client.Conn().SubscribeSync(subjects.Status)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	levelSub, err := client.Conn().SubscribeSync(subjects.Level)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	heartbeatSub, err := client.Conn().SubscribeSync(subjects.Heartbeat)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	ctrl := newFakeController()
	startService(t, client, ctrl)

	msg, err := heartbeatSub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	var hb protocol.HeartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.Runtime != "test" || !hb.Ready {
		t.Fatalf("unexpected heartbeat %s (%v)", msg.Data, err)
	}

	ctrl.statuses <- domain.StatusEvent{Seq: 3, Status: domain.Status{State: domain.StateError, Kind: domain.KindEngine, Reason: "boom"}, Tone: domain.ToneGrammar}
	msg, err = statusSub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status protocol.StatusMessage
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Seq != 3 || status.Label != "Transcription failed" || status.Tone != "grammar" {
		t.Fatalf("unexpected status %+v", status)
	}

	ctrl.levels <- 0.2
	ctrl.levels <- 0.7
	msg, err = levelSub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("level: %v", err)
	}
	var level protocol.LevelMessage
	if err := json.Unmarshal(msg.Data, &level); err != nil {
		t.Fatalf("decode level: %v", err)
	}
	if level.Level != 0.7 && level.Level != 0.2 {
		t.Fatalf("unexpected level %v", level.Level)
	}
}
