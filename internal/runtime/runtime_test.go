package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/voiceover/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.History.Path = filepath.Join(dir, "data", "audio_database.db")
	cfg.Audio.ReferenceDir = filepath.Join(dir, "Ref_audio")
	cfg.Audio.DefaultReference = filepath.Join(dir, "Ref_audio", "female_speaker_1.wav")
	cfg.TTS.OutputDir = filepath.Join(dir, "outputs")
	cfg.TTS.SingleSpeaker.SampleRate = 8000
	cfg.TTS.VoiceCloning.SampleRate = 8000
	cfg.Bus.StoreDir = filepath.Join(dir, "nats")
	cfg.Bus.Port = -1
	return cfg
}

func newTestRuntime(t *testing.T, cfg config.Config) (*Runtime, *httptest.Server) {
	t.Helper()
	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	handler, err := rt.build(context.Background(), nil)
	if err != nil {
		t.Fatalf("build runtime: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		rt.closeServices()
	})
	return rt, srv
}

func get(t *testing.T, client *http.Client, u string) (int, string) {
	t.Helper()
	resp, err := client.Get(u)
	if err != nil {
		t.Fatalf("get %s: %v", u, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestHealthAndReadiness(t *testing.T) {
	rt, srv := newTestRuntime(t, testConfig(t))

	if code, body := get(t, srv.Client(), srv.URL+"/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("unexpected healthz response %d %q", code, body)
	}
	if code, _ := get(t, srv.Client(), srv.URL+"/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before start, got %d", code)
	}
	rt.ready.Store(true)
	if code, _ := get(t, srv.Client(), srv.URL+"/readyz"); code != http.StatusOK {
		t.Fatalf("expected ready, got %d", code)
	}
}

func TestSubmitThroughRuntime(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.AudioBucket = "voiceover-audio"
	rt, srv := newTestRuntime(t, cfg)
	rt.ready.Store(true)

	client := srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	form := url.Values{"text": {"Hello world"}, "method": {"StyleTTS2-LJSpeech"}, "speaker": {"Default"}}
	resp, err := client.PostForm(srv.URL+"/synthesize", form)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d", resp.StatusCode)
	}

	code, body := get(t, client, srv.URL+"/api/records")
	if code != http.StatusOK {
		t.Fatalf("records status %d", code)
	}
	if !strings.Contains(body, `"text":"Hello world"`) || !strings.Contains(body, `"reference_audio":"N/A"`) {
		t.Fatalf("unexpected records body %s", body)
	}
	if code, _ := get(t, client, srv.URL+"/readyz"); code != http.StatusOK {
		t.Fatalf("expected ready with bus connected, got %d", code)
	}
}

func TestStartClosesTelemetryWhenBuildFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.TTS.SingleSpeaker.Mode = "grpc"
	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var closed int
	rt.telemetry = func(config.Config, *slog.Logger) (func(context.Context) error, http.Handler, error) {
		return func(context.Context) error {
			closed++
			return nil
		}, nil, nil
	}

	if err := rt.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "single speaker backend") {
		t.Fatalf("expected backend error, got %v", err)
	}
	if closed != 1 {
		t.Fatalf("expected telemetry shutdown once, got %d", closed)
	}
	if rt.store != nil {
		t.Fatal("expected history store to be closed")
	}
}
