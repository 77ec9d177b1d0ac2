package dictation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/domain"
	"github.com/loqalabs/loqa-dictate/internal/history"
	"github.com/loqalabs/loqa-dictate/internal/llm"
	"github.com/loqalabs/loqa-dictate/internal/output"
	"github.com/loqalabs/loqa-dictate/internal/stt"
	"github.com/loqalabs/loqa-dictate/internal/transform"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSource struct {
	delay     time.Duration
	value     int16
	failAfter int
	silent    bool
	reads     int
	onClose   func()
	closeOnce sync.Once
}

func (s *fakeSource) Read(buf []int16) (int, error) {
	time.Sleep(s.delay)
	s.reads++
	if s.failAfter > 0 && s.reads > s.failAfter {
		return 0, errors.New("device unplugged")
	}
	if s.silent {
		return 0, nil
	}
	for i := range buf {
		buf[i] = s.value
	}
	return len(buf), nil
}

func (s *fakeSource) Close() error {
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}

type micFixture struct {
	opens     atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
	openErr   error
	newSource func() *fakeSource
}

func (m *micFixture) capture() *audio.Capture {
	opener := audio.OpenerFunc(func(ctx context.Context, format audio.Format) (audio.Source, error) {
		if m.openErr != nil {
			return nil, m.openErr
		}
		m.opens.Add(1)
		n := m.active.Add(1)
		for {
			cur := m.maxActive.Load()
			if n <= cur || m.maxActive.CompareAndSwap(cur, n) {
				break
			}
		}
		src := &fakeSource{delay: 2 * time.Millisecond, value: 1500}
		if m.newSource != nil {
			src = m.newSource()
		}
		src.onClose = func() { m.active.Add(-1) }
		return src, nil
	})
	return audio.NewCapture(opener, audio.Options{
		Format:        audio.Format{SampleRate: 16000, Channels: 1, ChunkSize: 160},
		LevelInterval: 5 * time.Millisecond,
	}, newLogger())
}

type fakeEngine struct {
	ready   atomic.Bool
	text    string
	err     error
	release chan struct{}

	mu      sync.Mutex
	paths   []string
	existed []bool
}

func newFakeEngine(text string) *fakeEngine {
	e := &fakeEngine{text: text}
	e.ready.Store(true)
	return e
}

func (e *fakeEngine) Ready() bool { return e.ready.Load() }

func (e *fakeEngine) Transcribe(ctx context.Context, wavPath string) (stt.TranscriptResult, error) {
	_, statErr := os.Stat(wavPath)
	e.mu.Lock()
	e.paths = append(e.paths, wavPath)
	e.existed = append(e.existed, statErr == nil)
	e.mu.Unlock()
	if e.release != nil {
		<-e.release
	}
	if e.err != nil {
		return stt.TranscriptResult{}, e.err
	}
	return stt.TranscriptResult{Text: e.text}, nil
}

func (e *fakeEngine) lastPath(t *testing.T) string {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.paths) == 0 {
		t.Fatal("engine was never called")
	}
	if !e.existed[len(e.existed)-1] {
		t.Fatal("audio file did not exist during transcription")
	}
	return e.paths[len(e.paths)-1]
}

type fakeSink struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (s *fakeSink) Insert(ctx context.Context, text string) (output.Method, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	if s.err != nil {
		return "", s.err
	}
	return output.MethodTyped, nil
}

func (s *fakeSink) inserted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []history.Entry
}

func (j *fakeJournal) Record(ctx context.Context, e history.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *fakeJournal) all() []history.Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]history.Entry(nil), j.entries...)
}

type failingGenerator struct{}

func (failingGenerator) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	return errors.New("connection refused")
}

type fixture struct {
	mic     *micFixture
	engine  *fakeEngine
	sink    *fakeSink
	journal *fakeJournal
	ctrl    *Controller
	events  <-chan domain.StatusEvent
}

func newFixture(t *testing.T, engine *fakeEngine, opts Options) *fixture {
	t.Helper()
	f := &fixture{mic: &micFixture{}, engine: engine, sink: &fakeSink{}, journal: &fakeJournal{}}
	return f.start(t, opts, nil)
}

func (f *fixture) start(t *testing.T, opts Options, generator llm.Generator) *fixture {
	t.Helper()
	if opts.TempDir == "" {
		opts.TempDir = t.TempDir()
	}
	chain := transform.NewChain(nil, generator, transform.Options{}, newLogger())
	ctrl, err := New(Deps{
		Recorder:    f.mic.capture(),
		Engine:      f.engine,
		Transformer: chain,
		Sink:        f.sink,
		Journal:     f.journal,
	}, opts, newLogger())
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	ctrl.Start(context.Background())
	events, unsubscribe := ctrl.Subscribe(16)
	t.Cleanup(func() {
		unsubscribe()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ctrl.Shutdown(ctx)
	})
	f.ctrl = ctrl
	f.events = events
	f.expect(t, domain.StateIdle)
	return f
}

func (f *fixture) next(t *testing.T) domain.StatusEvent {
	t.Helper()
	select {
	case ev, ok := <-f.events:
		if !ok {
			t.Fatal("status stream closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for status")
	}
	return domain.StatusEvent{}
}

func (f *fixture) expect(t *testing.T, states ...domain.State) []domain.StatusEvent {
	t.Helper()
	var got []domain.StatusEvent
	for _, want := range states {
		ev := f.next(t)
		if ev.Status.State != want {
			t.Fatalf("expected %s, got %s (%+v)", want, ev.Status.State, ev.Status)
		}
		got = append(got, ev)
	}
	return got
}

func (f *fixture) assertQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-f.events:
		t.Fatalf("unexpected status %+v", ev.Status)
	case <-time.After(d):
	}
}

func TestToggleRunsFullCycle(t *testing.T) {
	f := newFixture(t, newFakeEngine("hello world"), Options{})

	f.ctrl.Toggle()
	rec := f.expect(t, domain.StateRecording)[0]
	time.Sleep(30 * time.Millisecond)
	f.ctrl.Toggle()
	events := f.expect(t, domain.StateProcessing, domain.StateIdle)

	if got := events[1].Text; got != "Hello world." {
		t.Fatalf("expected normalized text in idle event, got %q", got)
	}
	if events[0].SessionID != rec.SessionID || rec.SessionID == "" {
		t.Fatalf("expected one session id across the cycle")
	}
	if events[0].Seq != rec.Seq+1 || events[1].Seq != rec.Seq+2 {
		t.Fatalf("expected consecutive sequence numbers")
	}
	if got := f.sink.inserted(); len(got) != 1 || got[0] != "Hello world." {
		t.Fatalf("unexpected insertions %v", got)
	}
	if _, err := os.Stat(f.engine.lastPath(t)); !os.IsNotExist(err) {
		t.Fatalf("expected audio file removed after success, stat err %v", err)
	}
	entries := f.journal.all()
	if len(entries) != 1 || entries[0].Outcome != "inserted" || entries[0].Raw != "hello world" || entries[0].Method != "typed" {
		t.Fatalf("unexpected history %+v", entries)
	}
	if entries[0].Audio <= 0 {
		t.Fatalf("expected recorded audio duration")
	}
}

func TestImmediateTogglesNeverOverlapSessions(t *testing.T) {
	f := newFixture(t, newFakeEngine("ok"), Options{})

	f.ctrl.Toggle()
	f.ctrl.Toggle()
	f.expect(t, domain.StateRecording, domain.StateProcessing)
	// The second toggle stopped an almost empty recording; either outcome ends in Idle.
	for {
		ev := f.next(t)
		if ev.Status.State == domain.StateIdle {
			break
		}
	}
	if opens := f.mic.opens.Load(); opens != 1 {
		t.Fatalf("expected one session, opened %d", opens)
	}
	if peak := f.mic.maxActive.Load(); peak != 1 {
		t.Fatalf("expected at most one live stream, saw %d", peak)
	}
}

func TestToggleDuringProcessingIsDropped(t *testing.T) {
	engine := newFakeEngine("done")
	engine.release = make(chan struct{})
	f := newFixture(t, engine, Options{})

	f.ctrl.Toggle()
	f.expect(t, domain.StateRecording)
	time.Sleep(20 * time.Millisecond)
	f.ctrl.Toggle()
	f.expect(t, domain.StateProcessing)

	f.ctrl.Toggle()
	f.ctrl.Toggle()
	f.assertQuiet(t, 50*time.Millisecond)
	if state := f.ctrl.State(); state != domain.StateProcessing {
		t.Fatalf("expected processing, got %s", state)
	}

	close(engine.release)
	f.expect(t, domain.StateIdle)
	f.assertQuiet(t, 50*time.Millisecond)
	if opens := f.mic.opens.Load(); opens != 1 {
		t.Fatalf("dropped toggles must not start sessions, opened %d", opens)
	}
}

func TestDebounceCoalescesNearSimultaneousToggles(t *testing.T) {
	f := newFixture(t, newFakeEngine("x"), Options{ToggleDebounce: time.Second})

	f.ctrl.Toggle()
	f.ctrl.Toggle()
	f.expect(t, domain.StateRecording)
	f.assertQuiet(t, 50*time.Millisecond)
	if state := f.ctrl.State(); state != domain.StateRecording {
		t.Fatalf("expected second toggle coalesced, state %s", state)
	}
}

func TestToggleIgnoredUntilEngineReady(t *testing.T) {
	engine := newFakeEngine("x")
	engine.ready.Store(false)
	f := newFixture(t, engine, Options{})

	f.ctrl.Toggle()
	f.assertQuiet(t, 50*time.Millisecond)
	if opens := f.mic.opens.Load(); opens != 0 {
		t.Fatalf("expected no capture before readiness, opened %d", opens)
	}

	engine.ready.Store(true)
	f.ctrl.Toggle()
	f.expect(t, domain.StateRecording)
}

func TestEngineFailureReportsErrorThenIdle(t *testing.T) {
	engine := newFakeEngine("")
	engine.err = errors.New("model crashed")
	f := newFixture(t, engine, Options{})

	f.ctrl.Toggle()
	f.expect(t, domain.StateRecording)
	time.Sleep(20 * time.Millisecond)
	f.ctrl.Toggle()
	events := f.expect(t, domain.StateProcessing, domain.StateError, domain.StateIdle)

	if events[1].Status.Kind != domain.KindEngine {
		t.Fatalf("expected engine error, got %+v", events[1].Status)
	}
	if events[1].Status.Label() != "Transcription failed" {
		t.Fatalf("unexpected label %q", events[1].Status.Label())
	}
	if _, err := os.Stat(engine.lastPath(t)); !os.IsNotExist(err) {
		t.Fatalf("expected audio file removed after failure, stat err %v", err)
	}
	if len(f.sink.inserted()) != 0 {
		t.Fatal("nothing should be inserted on engine failure")
	}
	entries := f.journal.all()
	if len(entries) != 1 || entries[0].Outcome != "failed" || entries[0].ErrorKind != string(domain.KindEngine) {
		t.Fatalf("unexpected history %+v", entries)
	}
}

func TestEmptyCaptureReportsEmptyInput(t *testing.T) {
	engine := newFakeEngine("never")
	f := &fixture{mic: &micFixture{newSource: func() *fakeSource {
		return &fakeSource{delay: 2 * time.Millisecond, silent: true}
	}}, engine: engine, sink: &fakeSink{}, journal: &fakeJournal{}}
	f.start(t, Options{}, nil)

	f.ctrl.Toggle()
	f.expect(t, domain.StateRecording)
	time.Sleep(10 * time.Millisecond)
	f.ctrl.Toggle()
	events := f.expect(t, domain.StateProcessing, domain.StateError, domain.StateIdle)
	if events[1].Status.Kind != domain.KindEmpty {
		t.Fatalf("expected empty input, got %+v", events[1].Status)
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.paths) != 0 {
		t.Fatal("engine must not run without audio")
	}
}

func TestNoSpeechReturnsToIdleWithReason(t *testing.T) {
	f := newFixture(t, newFakeEngine("   "), Options{})

	f.ctrl.Toggle()
	f.expect(t, domain.StateRecording)
	time.Sleep(10 * time.Millisecond)
	f.ctrl.Toggle()
	events := f.expect(t, domain.StateProcessing, domain.StateIdle)
	if events[1].Status.Label() != "No speech" {
		t.Fatalf("expected no speech label, got %q", events[1].Status.Label())
	}
	if len(f.sink.inserted()) != 0 {
		t.Fatal("empty transcript must not be inserted")
	}
}

func TestRewriteFailureFallsBackToNormalizedText(t *testing.T) {
	engine := newFakeEngine("what time is it")
	f := &fixture{mic: &micFixture{}, engine: engine, sink: &fakeSink{}, journal: &fakeJournal{}}
	f.start(t, Options{}, failingGenerator{})

	f.ctrl.Toggle()
	f.expect(t, domain.StateRecording)
	f.ctrl.SetTone(domain.TonePolite)
	time.Sleep(10 * time.Millisecond)
	f.ctrl.Toggle()
	events := f.expect(t, domain.StateProcessing, domain.StateIdle)

	if events[0].Tone != domain.TonePolite {
		t.Fatalf("expected tone read at stop, got %s", events[0].Tone)
	}
	if events[1].Text != "What time is it?" {
		t.Fatalf("expected normalized fallback, got %q", events[1].Text)
	}
	entries := f.journal.all()
	if len(entries) != 1 || !entries[0].Fallback || entries[0].Outcome != "inserted" {
		t.Fatalf("unexpected history %+v", entries)
	}
}

func TestInsertionFailureIsReported(t *testing.T) {
	f := newFixture(t, newFakeEngine("hi"), Options{})
	f.sink.err = errors.New("no display")

	f.ctrl.Toggle()
	f.expect(t, domain.StateRecording)
	time.Sleep(10 * time.Millisecond)
	f.ctrl.Toggle()
	events := f.expect(t, domain.StateProcessing, domain.StateError, domain.StateIdle)
	if events[1].Status.Kind != domain.KindInsertion {
		t.Fatalf("expected insertion error, got %+v", events[1].Status)
	}
	if len(f.sink.inserted()) != 1 {
		t.Fatal("insertion must be attempted exactly once")
	}
}

func TestCaptureReadFailureEndsCycle(t *testing.T) {
	f := &fixture{mic: &micFixture{newSource: func() *fakeSource {
		return &fakeSource{delay: 2 * time.Millisecond, value: 100, failAfter: 3}
	}}, engine: newFakeEngine("x"), sink: &fakeSink{}, journal: &fakeJournal{}}
	f.start(t, Options{}, nil)

	f.ctrl.Toggle()
	events := f.expect(t, domain.StateRecording, domain.StateError, domain.StateIdle)
	if events[1].Status.Kind != domain.KindDevice {
		t.Fatalf("expected device error, got %+v", events[1].Status)
	}
	if f.mic.active.Load() != 0 {
		t.Fatal("failed stream was not closed")
	}

	f.ctrl.Toggle()
	f.expect(t, domain.StateRecording)
}

func TestDeviceOpenFailure(t *testing.T) {
	f := &fixture{mic: &micFixture{openErr: errors.New("no such device")}, engine: newFakeEngine("x"), sink: &fakeSink{}, journal: &fakeJournal{}}
	f.start(t, Options{}, nil)

	f.ctrl.Toggle()
	events := f.expect(t, domain.StateRecording, domain.StateError, domain.StateIdle)
	if events[1].Status.Label() != "Recording Error" {
		t.Fatalf("unexpected label %q", events[1].Status.Label())
	}
	if entries := f.journal.all(); len(entries) != 1 || entries[0].ErrorKind != string(domain.KindDevice) {
		t.Fatalf("unexpected history %+v", entries)
	}
}

func TestLevelsStreamWhileRecording(t *testing.T) {
	f := newFixture(t, newFakeEngine("x"), Options{})
	levels, stop := f.ctrl.SubscribeLevels()
	defer stop()

	f.ctrl.Toggle()
	f.expect(t, domain.StateRecording)
	select {
	case level := <-levels:
		if level < 0 || level > 1 {
			t.Fatalf("level out of range: %v", level)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a level reading")
	}
}

func TestShutdownWaitsForInFlightJob(t *testing.T) {
	engine := newFakeEngine("late")
	engine.release = make(chan struct{})
	f := newFixture(t, engine, Options{})

	f.ctrl.Toggle()
	f.expect(t, domain.StateRecording)
	time.Sleep(10 * time.Millisecond)
	f.ctrl.Toggle()
	f.expect(t, domain.StateProcessing)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		done <- f.ctrl.Shutdown(ctx)
	}()

	select {
	case <-done:
		t.Fatal("shutdown returned while processing was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(engine.release)
	if err := <-done; err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := f.sink.inserted(); len(got) != 1 || got[0] != "Late." {
		t.Fatalf("expected in-flight job to finish, got %v", got)
	}
}

func TestShutdownAbandonsRecording(t *testing.T) {
	f := newFixture(t, newFakeEngine("x"), Options{})

	f.ctrl.Toggle()
	f.expect(t, domain.StateRecording)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := f.ctrl.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	f.expect(t, domain.StateIdle)
	if f.mic.active.Load() != 0 {
		t.Fatal("stream left open after shutdown")
	}
	if len(f.sink.inserted()) != 0 {
		t.Fatal("abandoned recording must not be processed")
	}
}
