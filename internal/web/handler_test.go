package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/voiceover/internal/audio"
	"github.com/loqalabs/voiceover/internal/config"
	"github.com/loqalabs/voiceover/internal/history"
	"github.com/loqalabs/voiceover/internal/tts"
	"github.com/loqalabs/voiceover/internal/voiceover"
)

type testEnv struct {
	mux   *http.ServeMux
	store *history.Store
	refs  *audio.References
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := history.Open(context.Background(), config.HistoryConfig{Path: filepath.Join(root, "audio_database.db")}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	refDir := filepath.Join(root, "Ref_audio")
	require.NoError(t, os.MkdirAll(refDir, 0o755))
	defaultRef := filepath.Join(refDir, "female_speaker_1.wav")
	require.NoError(t, os.WriteFile(defaultRef, wavBytes(t), 0o644))
	refs := audio.NewReferences(config.AudioConfig{
		ReferenceDir:     refDir,
		DefaultReference: defaultRef,
		MaxUploadBytes:   1 << 20,
	})

	outDir := filepath.Join(root, "outputs")
	single, err := tts.New(config.BackendConfig{Mode: "mock", Model: "LJSpeech", SampleRate: 8000}, outDir)
	require.NoError(t, err)
	cloner, err := tts.New(config.BackendConfig{Mode: "mock", Model: "LibriTTS", SampleRate: 8000}, outDir)
	require.NoError(t, err)

	orch, err := voiceover.New(voiceover.Options{
		Store:         store,
		References:    refs,
		SingleSpeaker: single,
		VoiceCloner:   cloner,
		Speakers:      []string{"Default"},
		PageSize:      5,
		Logger:        log,
	})
	require.NoError(t, err)

	h, err := NewHandler(orch, 1<<20, log)
	require.NoError(t, err)
	mux := http.NewServeMux()
	h.Register(mux)
	return &testEnv{mux: mux, store: store, refs: refs}
}

func wavBytes(t *testing.T) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ref.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, 8000, 16, 1, 1)
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: 8000},
		Data:           make([]int, 800),
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func formRequest(t *testing.T, fields map[string]string, upload []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if upload != nil {
		fw, err := mw.CreateFormFile("reference", "mine.wav")
		require.NoError(t, err)
		_, err = fw.Write(upload)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/synthesize", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestIndexRendersEmptyHistory(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "StyleTTS2-LibriTTS")
	assert.Contains(t, body, "StyleTTS2-LJSpeech")
	assert.Contains(t, body, "Text-to-Speech Demo")
	assert.Contains(t, body, "Generated Audio List")
	assert.Contains(t, body, "No audio generated yet.")
	assert.Contains(t, body, "female_speaker_1.wav")
}

func TestSynthesizeSingleSpeakerRedirectsAndPlays(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(formRequest(t, map[string]string{
		"text":    "Hello world",
		"method":  "StyleTTS2-LJSpeech",
		"speaker": "Default",
	}, nil))
	require.Equal(t, http.StatusSeeOther, rec.Code)
	location := rec.Header().Get("Location")
	assert.True(t, strings.HasPrefix(location, "/?notice=generated&id="), location)

	page := env.do(httptest.NewRequest(http.MethodGet, location, nil))
	require.Equal(t, http.StatusOK, page.Code)
	assert.Contains(t, page.Body.String(), "Audio generated successfully!")
	assert.Contains(t, page.Body.String(), "Hello world")

	records, err := env.store.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, history.NotApplicable, records[0].ReferenceAudio)

	audioRec := env.do(httptest.NewRequest(http.MethodGet, "/audio/1", nil))
	require.Equal(t, http.StatusOK, audioRec.Code)
	assert.Equal(t, "audio/wav", audioRec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(audioRec.Body.Bytes(), []byte("RIFF")))

	ref := env.do(httptest.NewRequest(http.MethodGet, "/audio/1/reference", nil))
	assert.Equal(t, http.StatusNotFound, ref.Code)
}

func TestSynthesizeVoiceCloningWithUpload(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(formRequest(t, map[string]string{
		"text":   "Clone me",
		"method": "StyleTTS2-LibriTTS",
	}, wavBytes(t)))
	require.Equal(t, http.StatusSeeOther, rec.Code)

	records, err := env.store.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, env.refs.Dir(), filepath.Dir(records[0].ReferenceAudio))
	assert.True(t, strings.HasPrefix(filepath.Base(records[0].ReferenceAudio), "uploaded_"))
	assert.Equal(t, history.NotApplicable, records[0].Speaker)

	ref := env.do(httptest.NewRequest(http.MethodGet, "/audio/1/reference", nil))
	assert.Equal(t, http.StatusOK, ref.Code)
}

func TestSynthesizeVoiceCloningDefaultsReference(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(formRequest(t, map[string]string{"text": "Default voice", "method": "StyleTTS2-LibriTTS"}, nil))
	require.Equal(t, http.StatusSeeOther, rec.Code)

	records, err := env.store.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, env.refs.DefaultPath(), records[0].ReferenceAudio)
}

func TestSynthesizeBlankTextWarns(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(formRequest(t, map[string]string{"text": "   ", "method": "StyleTTS2-LJSpeech"}, nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "Please enter some text.")

	count, err := env.store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSynthesizeRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(formRequest(t, map[string]string{"text": "hi", "method": "Tacotron"}, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(formRequest(t, map[string]string{"text": "hi", "method": "StyleTTS2-LibriTTS"}, []byte("not a wav")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "WAV")

	rec = env.do(formRequest(t, map[string]string{"text": "hi", "method": "StyleTTS2-LibriTTS", "reference_option": "upload"}, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Please upload a reference audio file.")

	count, err := env.store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSynthesizeDefaultOptionIgnoresUpload(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(formRequest(t, map[string]string{
		"text":             "Default wins",
		"method":           "StyleTTS2-LibriTTS",
		"reference_option": "default",
	}, []byte("not a wav")))
	require.Equal(t, http.StatusSeeOther, rec.Code)

	records, err := env.store.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, env.refs.DefaultPath(), records[0].ReferenceAudio)
}

func TestAudioMissingRecordAndFile(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusNotFound, env.do(httptest.NewRequest(http.MethodGet, "/audio/99", nil)).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(httptest.NewRequest(http.MethodGet, "/audio/abc", nil)).Code)

	_, err := env.store.Append(context.Background(), history.Record{
		Text:           "ghost",
		Method:         "StyleTTS2-LJSpeech",
		Speaker:        "Default",
		WavFile:        filepath.Join(t.TempDir(), "deleted.wav"),
		ReferenceAudio: history.NotApplicable,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, env.do(httptest.NewRequest(http.MethodGet, "/audio/1", nil)).Code)
}

func TestDefaultReferencePlayback(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/reference/default", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("RIFF")))
}

func TestRecordsAPIPaginates(t *testing.T) {
	env := newTestEnv(t)
	for _, text := range []string{"one", "two", "three", "four", "five", "six"} {
		rec := env.do(formRequest(t, map[string]string{"text": text, "method": "StyleTTS2-LJSpeech"}, nil))
		require.Equal(t, http.StatusSeeOther, rec.Code)
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/records?page=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var page voiceover.Page
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	assert.Equal(t, 2, page.Number)
	assert.Equal(t, 2, page.TotalPages)
	assert.Equal(t, 6, page.TotalRecords)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "one", page.Entries[0].Text)

	first := env.do(httptest.NewRequest(http.MethodGet, "/?page=1", nil))
	assert.Contains(t, first.Body.String(), "Page 1 of 2")
	assert.Contains(t, first.Body.String(), "six")
}
