package sidecar

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-asr-sidecar/internal/config"
	"github.com/loqalabs/loqa-asr-sidecar/internal/engine"
	"github.com/loqalabs/loqa-asr-sidecar/internal/eventstore"
	"github.com/loqalabs/loqa-asr-sidecar/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T, eng engine.Engine, mutate func(*config.SidecarConfig), hooks Hooks) *Server {
	t.Helper()
	cfg := config.Default().Sidecar
	cfg.ModelID = "test-model"
	if mutate != nil {
		mutate(&cfg)
	}
	return NewServer(cfg, session.New(eng, newLogger()), hooks, newLogger())
}

// run feeds lines to the server and returns every response line, readiness included.
func run(t *testing.T, srv *Server, lines ...string) ([]string, error) {
	t.Helper()
	var out bytes.Buffer
	err := srv.Run(context.Background(), strings.NewReader(strings.Join(lines, "\n")+"\n"), &out)
	text := strings.TrimRight(out.String(), "\n")
	if text == "" {
		return nil, err
	}
	return strings.Split(text, "\n"), err
}

func writeClip(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write clip: %v", err)
	}
	return path
}

func transcribeLine(path, lang, prompt string) string {
	req := map[string]string{"command": "transcribe", "audio_path": path}
	if lang != "" {
		req["language"] = lang
	}
	if prompt != "" {
		req["system_prompt"] = prompt
	}
	data, _ := json.Marshal(req)
	return string(data)
}

func TestReadinessAndHealthBeforeLoad(t *testing.T) {
	srv := newTestServer(t, engine.NewMockEngine(), nil, Hooks{})
	out, err := run(t, srv, `{"command":"health"}`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{`{"ok":true,"status":"ready"}`, `{"ok":true,"model_loaded":false}`}
	if strings.Join(out, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected output:\n%s", strings.Join(out, "\n"))
	}
}

func TestTranscribeBeforeLoad(t *testing.T) {
	mock := engine.NewMockEngine()
	srv := newTestServer(t, mock, nil, Hooks{})
	clip := writeClip(t)
	out, err := run(t, srv, transcribeLine(clip, "en", ""), `{"command":"health"}`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out[1] != `{"ok":false,"error":"Model not loaded"}` {
		t.Fatalf("unexpected response %s", out[1])
	}
	if out[2] != `{"ok":true,"model_loaded":false}` {
		t.Fatalf("state changed: %s", out[2])
	}
	if len(mock.Calls()) != 0 || mock.Loads() != 0 {
		t.Fatal("engine must not be touched")
	}
}

func TestLoadThenHealthAndRepeatLoad(t *testing.T) {
	mock := engine.NewMockEngine()
	srv := newTestServer(t, mock, nil, Hooks{})
	out, err := run(t, srv, `{"command":"load_model"}`, `{"command":"health"}`, `{"command":"load_model"}`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out[1] != `{"ok":true}` || out[2] != `{"ok":true,"model_loaded":true}` || out[3] != `{"ok":true}` {
		t.Fatalf("unexpected output:\n%s", strings.Join(out, "\n"))
	}
	if mock.Loads() != 1 {
		t.Fatalf("repeat load should be a no-op, got %d loads", mock.Loads())
	}
}

func TestRepeatLoadReloadsWhenConfigured(t *testing.T) {
	mock := engine.NewMockEngine()
	srv := newTestServer(t, mock, func(c *config.SidecarConfig) { c.ReloadOnRepeatLoad = true }, Hooks{})
	if _, err := run(t, srv, `{"command":"load_model"}`, `{"command":"load_model"}`); err != nil {
		t.Fatalf("run: %v", err)
	}
	if mock.Loads() != 2 || mock.Closed() != 1 {
		t.Fatalf("expected reload, got loads=%d closed=%d", mock.Loads(), mock.Closed())
	}
}

func TestLoadFailureIsReportedAndRetryable(t *testing.T) {
	mock := engine.NewMockEngine()
	mock.LoadErr = errors.New("weights missing")
	srv := newTestServer(t, mock, nil, Hooks{})
	out, err := run(t, srv, `{"command":"load_model"}`, `{"command":"health"}`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out[1] != `{"ok":false,"error":"Failed to load model: weights missing"}` {
		t.Fatalf("unexpected response %s", out[1])
	}
	if out[2] != `{"ok":true,"model_loaded":false}` {
		t.Fatalf("unexpected health %s", out[2])
	}
}

func TestTranscribeMissingAudioSkipsEngine(t *testing.T) {
	mock := engine.NewMockEngine()
	srv := newTestServer(t, mock, nil, Hooks{})
	missing := filepath.Join(t.TempDir(), "nope.wav")
	out, err := run(t, srv, `{"command":"load_model"}`, transcribeLine(missing, "en", ""))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out[2] != `{"ok":false,"error":"Audio file not found: `+missing+`"}` {
		t.Fatalf("unexpected response %s", out[2])
	}
	if len(mock.Calls()) != 0 {
		t.Fatalf("engine invoked %d times", len(mock.Calls()))
	}
}

func TestTranscribeDirectoryIsRejected(t *testing.T) {
	mock := engine.NewMockEngine()
	srv := newTestServer(t, mock, nil, Hooks{})
	dir := t.TempDir()
	out, _ := run(t, srv, `{"command":"load_model"}`, transcribeLine(dir, "", ""))
	if !strings.Contains(out[2], "Audio file not found") {
		t.Fatalf("unexpected response %s", out[2])
	}
}

func TestSystemPromptDoesNotLeak(t *testing.T) {
	mock := engine.NewMockEngine()
	srv := newTestServer(t, mock, nil, Hooks{})
	clip := writeClip(t)
	_, err := run(t, srv,
		`{"command":"load_model"}`,
		transcribeLine(clip, "zh", "Use Traditional Chinese."),
		transcribeLine(clip, "zh", ""),
	)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	calls := mock.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].SystemPrompt != "Use Traditional Chinese." {
		t.Fatalf("override not applied: %q", calls[0].SystemPrompt)
	}
	if calls[1].SystemPrompt != "" {
		t.Fatalf("override leaked into next call: %q", calls[1].SystemPrompt)
	}
	if srv.Dispatcher().Prompts().Overridden() {
		t.Fatal("slot still overridden")
	}
}

func TestSystemPromptRevertedAfterFailure(t *testing.T) {
	mock := engine.NewMockEngine()
	srv := newTestServer(t, mock, nil, Hooks{})
	clip := writeClip(t)
	if _, err := run(t, srv, `{"command":"load_model"}`); err != nil {
		t.Fatalf("run: %v", err)
	}
	mock.TranscribeErr = errors.New("decoder crashed")
	out, err := run(t, srv, transcribeLine(clip, "", "custom"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out[1] != `{"ok":false,"error":"Transcription failed: decoder crashed"}` {
		t.Fatalf("unexpected response %s", out[1])
	}
	if srv.Dispatcher().Prompts().Overridden() {
		t.Fatal("slot still overridden after failure")
	}
	mock.TranscribeErr = nil
	out, _ = run(t, srv, `{"command":"health"}`)
	if out[1] != `{"ok":true,"model_loaded":true}` {
		t.Fatalf("session should stay ready, got %s", out[1])
	}
}

func TestTranscribeResponse(t *testing.T) {
	mock := engine.NewMockEngine()
	mock.Text = "  你好，世界  "
	srv := newTestServer(t, mock, nil, Hooks{})
	clip := writeClip(t)
	out, err := run(t, srv, `{"command":"load_model"}`, transcribeLine(clip, "zh", ""))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out[2] != `{"ok":true,"text":"你好，世界","language":"Chinese"}` {
		t.Fatalf("unexpected response %s", out[2])
	}
}

func TestTranscribeStreamsWithDetectedLanguage(t *testing.T) {
	mock := engine.NewMockEngine()
	mock.Stream = true
	mock.Text = "hello world"
	mock.DetectedLanguage = "en"
	srv := newTestServer(t, mock, func(c *config.SidecarConfig) { c.LanguagePolicy = config.LanguagePolicyAutoDetect }, Hooks{})
	clip := writeClip(t)
	out, err := run(t, srv, `{"command":"load_model"}`, transcribeLine(clip, "auto", ""))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out[2] != `{"ok":true,"text":"hello world","language":"English"}` {
		t.Fatalf("unexpected response %s", out[2])
	}
	if got := mock.Calls()[0].Language; got != "" {
		t.Fatalf("auto detect should pass no hint, got %q", got)
	}
}

func TestAutoDetectWithoutDetectionYieldsNullLanguage(t *testing.T) {
	mock := engine.NewMockEngine()
	mock.Text = "hi"
	srv := newTestServer(t, mock, func(c *config.SidecarConfig) { c.LanguagePolicy = config.LanguagePolicyAutoDetect }, Hooks{})
	clip := writeClip(t)
	out, _ := run(t, srv, `{"command":"load_model"}`, transcribeLine(clip, "", ""))
	if out[2] != `{"ok":true,"text":"hi","language":null}` {
		t.Fatalf("unexpected response %s", out[2])
	}
}

func TestRequireExplicitUsesFallback(t *testing.T) {
	mock := engine.NewMockEngine()
	srv := newTestServer(t, mock, func(c *config.SidecarConfig) {
		c.LanguagePolicy = config.LanguagePolicyRequireExplicit
		c.FallbackLanguage = "ja"
	}, Hooks{})
	clip := writeClip(t)
	if _, err := run(t, srv, `{"command":"load_model"}`, transcribeLine(clip, "", "")); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := mock.Calls()[0].Language; got != "Japanese" {
		t.Fatalf("expected fallback Japanese, got %q", got)
	}
}

func TestShortAndLongLanguageMatch(t *testing.T) {
	mock := engine.NewMockEngine()
	srv := newTestServer(t, mock, nil, Hooks{})
	clip := writeClip(t)
	if _, err := run(t, srv, `{"command":"load_model"}`, transcribeLine(clip, "zh", ""), transcribeLine(clip, "Chinese", "")); err != nil {
		t.Fatalf("run: %v", err)
	}
	calls := mock.Calls()
	if calls[0].Language != calls[1].Language || calls[0].Language != "Chinese" {
		t.Fatalf("expected both calls to use Chinese, got %q and %q", calls[0].Language, calls[1].Language)
	}
}

func TestMalformedLinesDoNotStopTheLoop(t *testing.T) {
	srv := newTestServer(t, engine.NewMockEngine(), nil, Hooks{})
	out, err := run(t, srv, `{"command":`, ``, `   `, `{"language":"en"}`, `{"command":"dance"}`, `{"command":"health"}`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out) != 5 {
		t.Fatalf("expected 5 lines, got %d:\n%s", len(out), strings.Join(out, "\n"))
	}
	if !strings.HasPrefix(out[1], `{"ok":false,"error":"Invalid JSON: `) {
		t.Fatalf("unexpected response %s", out[1])
	}
	if out[2] != `{"ok":false,"error":"Unknown command: null"}` {
		t.Fatalf("unexpected response %s", out[2])
	}
	if out[3] != `{"ok":false,"error":"Unknown command: dance"}` {
		t.Fatalf("unexpected response %s", out[3])
	}
	if out[4] != `{"ok":true,"model_loaded":false}` {
		t.Fatalf("unexpected response %s", out[4])
	}
}

func TestShutdownDiscardsRemainingInput(t *testing.T) {
	mock := engine.NewMockEngine()
	srv := newTestServer(t, mock, nil, Hooks{})
	out, err := run(t, srv, `{"command":"shutdown"}`, `{"command":"load_model"}`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out) != 2 || out[1] != `{"ok":true,"status":"shutting_down"}` {
		t.Fatalf("unexpected output:\n%s", strings.Join(out, "\n"))
	}
	if mock.Loads() != 0 {
		t.Fatal("lines after shutdown must not be processed")
	}
}

func TestOneResponsePerRequestInOrder(t *testing.T) {
	srv := newTestServer(t, engine.NewMockEngine(), nil, Hooks{})
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(context.Background(), inR, outW)
		outW.Close()
	}()

	responses := bufio.NewScanner(outR)
	next := func() string {
		t.Helper()
		if !responses.Scan() {
			t.Fatalf("missing response: %v", responses.Err())
		}
		return responses.Text()
	}
	send := func(line string) {
		t.Helper()
		if _, err := io.WriteString(inW, line+"\n"); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	if got := next(); got != `{"ok":true,"status":"ready"}` {
		t.Fatalf("unexpected readiness %s", got)
	}
	send(`{"command":"health"}`)
	if got := next(); got != `{"ok":true,"model_loaded":false}` {
		t.Fatalf("unexpected response %s", got)
	}
	send(`{"command":"load_model"}`)
	if got := next(); got != `{"ok":true}` {
		t.Fatalf("unexpected response %s", got)
	}
	send(`{"command":"health"}`)
	if got := next(); got != `{"ok":true,"model_loaded":true}` {
		t.Fatalf("unexpected response %s", got)
	}
	inW.Close()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

type panicEngine struct{}

func (panicEngine) Load(context.Context, string) (engine.Handle, error) { return panicHandle{}, nil }

type panicHandle struct{}

func (panicHandle) Transcribe(context.Context, engine.TranscribeRequest) (engine.Result, error) {
	panic("tensor shape mismatch")
}

func (panicHandle) Close() error { return nil }

func TestHandlerPanicIsRecovered(t *testing.T) {
	srv := newTestServer(t, panicEngine{}, nil, Hooks{})
	clip := writeClip(t)
	out, err := run(t, srv, `{"command":"load_model"}`, transcribeLine(clip, "en", "custom"), `{"command":"health"}`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out[2] != `{"ok":false,"error":"Internal error: tensor shape mismatch"}` {
		t.Fatalf("unexpected response %s", out[2])
	}
	if out[3] != `{"ok":true,"model_loaded":true}` {
		t.Fatalf("loop did not continue: %s", out[3])
	}
	if srv.Dispatcher().Prompts().Overridden() {
		t.Fatal("slot still overridden after panic")
	}
}

func TestEagerLoadFailureExits(t *testing.T) {
	mock := engine.NewMockEngine()
	mock.LoadErr = errors.New("weights missing")
	srv := newTestServer(t, mock, func(c *config.SidecarConfig) { c.EagerLoad = true }, Hooks{})
	out, err := run(t, srv, `{"command":"health"}`)
	if err == nil {
		t.Fatal("expected eager load error")
	}
	if len(out) != 1 || out[0] != `{"ok":false,"error":"Failed to load model: weights missing"}` {
		t.Fatalf("unexpected output:\n%s", strings.Join(out, "\n"))
	}
}

func TestEagerLoadBeforeReadiness(t *testing.T) {
	mock := engine.NewMockEngine()
	srv := newTestServer(t, mock, func(c *config.SidecarConfig) { c.EagerLoad = true }, Hooks{})
	out, err := run(t, srv, `{"command":"health"}`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out[0] != `{"ok":true,"status":"ready"}` || out[1] != `{"ok":true,"model_loaded":true}` {
		t.Fatalf("unexpected output:\n%s", strings.Join(out, "\n"))
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("stdin torn down") }

func TestReadFailureReturnsError(t *testing.T) {
	srv := newTestServer(t, engine.NewMockEngine(), nil, Hooks{})
	var out bytes.Buffer
	err := srv.Run(context.Background(), failingReader{}, &out)
	if err == nil {
		t.Fatal("expected read error")
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "stdin torn down") {
		t.Fatalf("expected final error line, got:\n%s", out.String())
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestWriteFailureReturnsError(t *testing.T) {
	srv := newTestServer(t, engine.NewMockEngine(), nil, Hooks{})
	if err := srv.Run(context.Background(), strings.NewReader(`{"command":"health"}`+"\n"), failingWriter{}); err == nil {
		t.Fatal("expected write error")
	}
}

type memoryRecorder struct {
	records []eventstore.Record
}

func (m *memoryRecorder) Append(_ context.Context, rec eventstore.Record) error {
	m.records = append(m.records, rec)
	return nil
}

type memoryPublisher struct {
	subjects []string
	payloads []any
}

func (m *memoryPublisher) Publish(subject string, v any) error {
	m.subjects = append(m.subjects, subject)
	m.payloads = append(m.payloads, v)
	return nil
}

func TestHooksRecordAndPublish(t *testing.T) {
	rec := &memoryRecorder{}
	pub := &memoryPublisher{}
	mock := engine.NewMockEngine()
	mock.Text = "hello"
	srv := newTestServer(t, mock, nil, Hooks{RunID: "run-1", Recorder: rec, Publisher: pub})
	clip := writeClip(t)
	if _, err := run(t, srv, `{"command":"load_model"}`, transcribeLine(clip, "en", ""), `{"command":"bogus"}`); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rec.records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(rec.records))
	}
	if rec.records[1].Command != "transcribe" || !rec.records[1].OK || rec.records[1].Seq != 2 || rec.records[1].RunID != "run-1" {
		t.Fatalf("unexpected record %+v", rec.records[1])
	}
	if rec.records[2].OK || rec.records[2].Error != "Unknown command: bogus" {
		t.Fatalf("unexpected record %+v", rec.records[2])
	}
	if len(pub.subjects) != 1 || pub.subjects[0] != "transcript.final" {
		t.Fatalf("unexpected publications %v", pub.subjects)
	}
}

// outputRecorder captures what the host could already read when each audit
// record is appended.
type outputRecorder struct {
	out  *bytes.Buffer
	seen []string
}

func (o *outputRecorder) Append(_ context.Context, _ eventstore.Record) error {
	o.seen = append(o.seen, o.out.String())
	return nil
}

func TestResponseWrittenBeforeAudit(t *testing.T) {
	var out bytes.Buffer
	rec := &outputRecorder{out: &out}
	srv := newTestServer(t, engine.NewMockEngine(), nil, Hooks{Recorder: rec})
	if err := srv.Run(context.Background(), strings.NewReader(`{"command":"health"}`+"\n"), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rec.seen) != 1 {
		t.Fatalf("expected one record, got %d", len(rec.seen))
	}
	want := `{"ok":true,"status":"ready"}` + "\n" + `{"ok":true,"model_loaded":false}` + "\n"
	if rec.seen[0] != want {
		t.Fatalf("response not on the stream when audited:\n%s", rec.seen[0])
	}
}

func TestMistypedMembersAreRoutedByCommand(t *testing.T) {
	mock := engine.NewMockEngine()
	srv := newTestServer(t, mock, nil, Hooks{})
	out, err := run(t, srv,
		`{"command":"health","language":5}`,
		`{"command":5}`,
		`{"command":"load_model","system_prompt":[1]}`,
		`{"command":"transcribe","audio_path":1}`,
		`{"command":"transcribe","audio_path":"`+writeClip(t)+`","language":7}`,
		`{"command":"shutdown","audio_path":1}`,
		`{"command":"health"}`,
	)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{
		`{"ok":true,"status":"ready"}`,
		`{"ok":true,"model_loaded":false}`,
		`{"ok":false,"error":"Unknown command: 5"}`,
		`{"ok":true}`,
		`{"ok":false,"error":"Audio file not found: 1"}`,
		`{"ok":false,"error":"Invalid language: 7"}`,
		`{"ok":true,"status":"shutting_down"}`,
	}
	if strings.Join(out, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected output:\n%s", strings.Join(out, "\n"))
	}
	if len(mock.Calls()) != 0 {
		t.Fatal("engine must not see mistyped requests")
	}
}
