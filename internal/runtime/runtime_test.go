package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/domain"
	"github.com/loqalabs/loqa-dictate/internal/toggle"
)

type toneSource struct{}

func (toneSource) Read(buf []int16) (int, error) {
	time.Sleep(5 * time.Millisecond)
	for i := range buf {
		buf[i] = 4000
	}
	return len(buf), nil
}

func (toneSource) Close() error { return nil }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "ldt")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.HTTP.Enabled = false
	cfg.History.RetentionMode = "ephemeral"
	cfg.STT.Mode = "mock"
	cfg.LLM.Mode = "disabled"
	cfg.Grammar.Enabled = false
	cfg.Toggle.SocketPath = filepath.Join(dir, "t.sock")
	cfg.Controller.ToggleDebounce = 0
	cfg.Controller.ShutdownTimeout = 5000
	cfg.Output.TypeCommand = "true"
	cfg.Audio.TempDir = dir
	cfg.Audio.ChunkSize = 160
	cfg.Audio.SampleRate = 16000
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) (*Runtime, context.CancelFunc, <-chan error) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opener := audio.OpenerFunc(func(context.Context, audio.Format) (audio.Source, error) {
		return toneSource{}, nil
	})
	rt := New(cfg, logger, WithOpener(opener))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	deadline := time.After(5 * time.Second)
	for !rt.Ready() {
		select {
		case err := <-done:
			cancel()
			t.Fatalf("runtime exited early: %v", err)
		case <-deadline:
			cancel()
			t.Fatal("runtime did not become ready")
		case <-time.After(10 * time.Millisecond):
		}
	}
	t.Cleanup(cancel)
	return rt, cancel, done
}

func waitState(t *testing.T, events <-chan domain.StatusEvent, state domain.State) domain.StatusEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("status stream closed before %s", state)
			}
			if ev.Status.State == state {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", state)
		}
	}
}

func TestRuntimeDictatesThroughToggleSocket(t *testing.T) {
	cfg := testConfig(t)
	rt, cancel, done := startRuntime(t, cfg)

	events, unsubscribe := rt.Controller().Subscribe(16)
	defer unsubscribe()
	waitState(t, events, domain.StateIdle)

	sendCtx, sendCancel := context.WithTimeout(context.Background(), time.Second)
	defer sendCancel()
	if err := toggle.Send(sendCtx, cfg.Toggle.SocketPath); err != nil {
		t.Fatalf("send toggle: %v", err)
	}
	waitState(t, events, domain.StateRecording)
	time.Sleep(100 * time.Millisecond)
	if err := toggle.Send(sendCtx, cfg.Toggle.SocketPath); err != nil {
		t.Fatalf("send toggle: %v", err)
	}
	waitState(t, events, domain.StateProcessing)
	ev := waitState(t, events, domain.StateIdle)
	if !strings.HasPrefix(ev.Text, "Mock transcript of") {
		t.Fatalf("expected inserted transcript, got %+v", ev)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected runtime error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}
	if _, err := os.Stat(cfg.Toggle.SocketPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected socket removed on shutdown, stat err=%v", err)
	}
}

func TestStatusAndReadinessHandlers(t *testing.T) {
	rt, _, _ := startRuntime(t, testConfig(t))
	srv := httptest.NewServer(rt.routes(nil))
	defer srv.Close()

	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusOK,
		"/metrics": http.StatusNotFound,
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("%s: expected %d, got %d", path, want, resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if body.Status.State != string(domain.StateIdle) || body.Tone != string(domain.ToneOriginal) {
		t.Fatalf("unexpected status body: %+v", body)
	}
	if !body.EngineReady || body.BusConnected || body.RewriteModel != "" {
		t.Fatalf("unexpected component flags: %+v", body)
	}
}

func TestReadyzUnavailableBeforeStart(t *testing.T) {
	rt := New(config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := httptest.NewRecorder()
	rt.routes(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	rt.routes(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 status before start, got %d", rec.Code)
	}
}

func TestStartFailsForUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audio.Backend = "alsa"
	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := rt.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "alsa") {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(config.TelemetryConfig{LogLevel: "warn", LogFormat: "json"}, &buf).Info("hidden")
	NewLogger(config.TelemetryConfig{LogLevel: "warn", LogFormat: "json"}, &buf).Warn("shown", slog.String("k", "v"))
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"k":"v"`) {
		t.Fatalf("unexpected json output: %q", out)
	}

	buf.Reset()
	NewLogger(config.TelemetryConfig{LogLevel: "debug"}, &buf).Debug("text line")
	if !strings.Contains(buf.String(), "text line") {
		t.Fatalf("expected text handler output, got %q", buf.String())
	}
}

func TestRuntimeServesEmbeddedBus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Toggle.Enabled = false
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.Servers = nil
	rt, _, _ := startRuntime(t, cfg)

	if rt.embedded == nil || rt.embedded.ClientURL() == "" {
		t.Fatal("expected embedded server")
	}
	if !rt.busClient.Healthy() {
		t.Fatal("expected bus client connected")
	}

	rec := httptest.NewRecorder()
	rt.routes(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	var body statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !body.BusConnected {
		t.Fatalf("expected bus_connected in status: %+v", body)
	}
}
