package voiceover

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/voiceover/internal/config"
	"github.com/loqalabs/voiceover/internal/history"
	"github.com/loqalabs/voiceover/internal/tts"
)

type fakeBackend struct {
	mu    sync.Mutex
	calls int
	refs  []string
	err   error
}

func (f *fakeBackend) SynthesizeSingle(ctx context.Context, text string) (string, error) {
	return f.record(text, "")
}

func (f *fakeBackend) SynthesizeWithReference(ctx context.Context, text, ref string) (string, error) {
	return f.record(text, ref)
}

func (f *fakeBackend) record(text, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.refs = append(f.refs, ref)
	if f.err != nil {
		return "", f.err
	}
	return tts.OutputPath("outputs", "fake", text, ref), nil
}

func (f *fakeBackend) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRefs struct {
	saved       int
	defaultPath string
}

func (f *fakeRefs) Save(src io.Reader) (string, error) {
	if _, err := io.ReadAll(src); err != nil {
		return "", err
	}
	f.saved++
	return fmt.Sprintf("Ref_audio/uploaded_%d.wav", f.saved), nil
}

func (f *fakeRefs) DefaultPath() string { return f.defaultPath }

type recordingPublisher struct {
	mu      sync.Mutex
	records []history.Record
	err     error
}

func (p *recordingPublisher) PublishCompleted(ctx context.Context, rec history.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
	return p.err
}

type fixture struct {
	orch      *Orchestrator
	store     *history.Store
	single    *fakeBackend
	cloner    *fakeBackend
	refs      *fakeRefs
	publisher *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := history.Open(context.Background(), config.HistoryConfig{
		Path: filepath.Join(t.TempDir(), "audio_database.db"),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:     store,
		single:    &fakeBackend{},
		cloner:    &fakeBackend{},
		refs:      &fakeRefs{defaultPath: "Ref_audio/female_speaker_1.wav"},
		publisher: &recordingPublisher{},
	}
	f.orch, err = New(Options{
		Store:         store,
		References:    f.refs,
		SingleSpeaker: f.single,
		VoiceCloner:   f.cloner,
		Publisher:     f.publisher,
		Speakers:      []string{"Default"},
		PageSize:      5,
		Logger:        logger,
	})
	require.NoError(t, err)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var tick int
	f.orch.clock = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return f
}

func TestSubmitRecordsMethodSpecificFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	single, err := f.orch.Submit(ctx, SingleSpeaker{Text: "Hello world"})
	require.NoError(t, err)
	assert.Equal(t, history.NotApplicable, single.ReferenceAudio)
	assert.Equal(t, "Default", single.Speaker)
	assert.Equal(t, string(MethodSingleSpeaker), single.Method)

	cloned, err := f.orch.Submit(ctx, VoiceCloning{Text: "Hello world", Reference: ReferenceAt("Ref/a.wav")})
	require.NoError(t, err)
	assert.Equal(t, "Ref/a.wav", cloned.ReferenceAudio)
	assert.Equal(t, history.NotApplicable, cloned.Speaker)
	assert.Equal(t, string(MethodVoiceCloning), cloned.Method)
	assert.Equal(t, []string{"Ref/a.wav"}, f.cloner.refs)
}

func TestSubmitUsesDefaultReference(t *testing.T) {
	f := newFixture(t)
	rec, err := f.orch.Submit(context.Background(), VoiceCloning{Text: "hi", Reference: DefaultReference()})
	require.NoError(t, err)
	assert.Equal(t, "Ref_audio/female_speaker_1.wav", rec.ReferenceAudio)
	assert.Equal(t, 0, f.refs.saved)
}

func TestSubmitStoresUpload(t *testing.T) {
	f := newFixture(t)
	rec, err := f.orch.Submit(context.Background(), VoiceCloning{
		Text:      "hi",
		Reference: UploadedReference(bytes.NewReader([]byte("RIFF"))),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.refs.saved)
	assert.Equal(t, "Ref_audio/uploaded_1.wav", rec.ReferenceAudio)
}

func TestSubmitRejectsBlankText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, req := range []Request{
		SingleSpeaker{Text: ""},
		SingleSpeaker{Text: "   \n\t"},
		VoiceCloning{Text: " ", Reference: UploadedReference(strings.NewReader("RIFF"))},
	} {
		_, err := f.orch.Submit(ctx, req)
		require.True(t, errors.Is(err, ErrEmptyText), "got %v", err)
	}

	assert.Zero(t, f.single.Calls())
	assert.Zero(t, f.cloner.Calls())
	assert.Zero(t, f.refs.saved)
	count, err := f.store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSubmitMemoizesIdenticalRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.orch.Submit(ctx, VoiceCloning{Text: "same", Reference: ReferenceAt("Ref/a.wav")})
	require.NoError(t, err)
	second, err := f.orch.Submit(ctx, VoiceCloning{Text: "same", Reference: ReferenceAt("Ref/a.wav")})
	require.NoError(t, err)

	assert.Equal(t, 1, f.cloner.Calls())
	assert.Equal(t, first.WavFile, second.WavFile)
	assert.Greater(t, second.ID, first.ID)

	_, err = f.orch.Submit(ctx, VoiceCloning{Text: "same", Reference: ReferenceAt("Ref/b.wav")})
	require.NoError(t, err)
	_, err = f.orch.Submit(ctx, SingleSpeaker{Text: "same"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.cloner.Calls())
	assert.Equal(t, 1, f.single.Calls())
}

func TestSubmitBackendFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.single.err = errors.New("model exploded")

	_, err := f.orch.Submit(ctx, SingleSpeaker{Text: "boom"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model exploded")

	count, err := f.store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, f.publisher.records)

	f.single.err = nil
	_, err = f.orch.Submit(ctx, SingleSpeaker{Text: "boom"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.single.Calls())
}

func TestSubmitRejectsUnknownSpeaker(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Submit(context.Background(), SingleSpeaker{Text: "hi", Speaker: "Nobody"})
	require.True(t, errors.Is(err, ErrUnknownSpeaker), "got %v", err)
	assert.Zero(t, f.single.Calls())
}

func TestSubmitPublishFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("bus down")

	rec, err := f.orch.Submit(context.Background(), SingleSpeaker{Text: "hi"})
	require.NoError(t, err)
	require.Len(t, f.publisher.records, 1)
	assert.Equal(t, rec.ID, f.publisher.records[0].ID)
}

func TestNewestRecordLeadsFirstPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var lastID int64
	for i := 0; i < 7; i++ {
		var req Request = SingleSpeaker{Text: fmt.Sprintf("line %d", i)}
		if i%2 == 1 {
			req = VoiceCloning{Text: fmt.Sprintf("line %d", i), Reference: ReferenceAt("Ref/a.wav")}
		}
		rec, err := f.orch.Submit(ctx, req)
		require.NoError(t, err)
		require.Greater(t, rec.ID, lastID)
		lastID = rec.ID

		page, err := f.orch.ListPage(ctx, 1)
		require.NoError(t, err)
		require.NotEmpty(t, page.Entries)
		assert.Equal(t, rec.ID, page.Entries[0].ID)
		assert.Equal(t, rec.Text, page.Entries[0].Text)
	}
}

func TestPageCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	page, err := f.orch.ListPage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalPages)
	assert.Empty(t, page.Entries)

	for i := 0; i < 5; i++ {
		_, err := f.orch.Submit(ctx, SingleSpeaker{Text: fmt.Sprintf("text %d", i)})
		require.NoError(t, err)
	}
	page, err = f.orch.ListPage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalPages)
	assert.Len(t, page.Entries, 5)

	_, err = f.orch.Submit(ctx, VoiceCloning{Text: "sixth", Reference: ReferenceAt("Ref/a.wav")})
	require.NoError(t, err)
	page, err = f.orch.ListPage(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalPages)
	assert.Equal(t, 6, page.TotalRecords)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "text 0", page.Entries[0].Text)
	assert.False(t, page.Entries[0].HasReference)
}

func TestPageClampsOutOfRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := f.orch.Submit(ctx, SingleSpeaker{Text: fmt.Sprintf("text %d", i)})
		require.NoError(t, err)
	}

	high, err := f.orch.ListPage(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 2, high.Number)
	assert.Len(t, high.Entries, 1)

	low, err := f.orch.ListPage(ctx, -3)
	require.NoError(t, err)
	assert.Equal(t, 1, low.Number)
	assert.Len(t, low.Entries, 5)
}

func TestRecordLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.orch.Submit(ctx, VoiceCloning{Text: "find me", Reference: ReferenceAt("Ref/a.wav")})
	require.NoError(t, err)

	got, err := f.orch.Record(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.WavFile, got.WavFile)
	assert.True(t, got.CreatedAt.Equal(rec.CreatedAt))

	_, err = f.orch.Record(ctx, rec.ID+100)
	assert.True(t, errors.Is(err, history.ErrNotFound))
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("StyleTTS2-LJSpeech")
	require.NoError(t, err)
	assert.Equal(t, MethodSingleSpeaker, m)

	_, err = ParseMethod("Tacotron")
	assert.True(t, errors.Is(err, ErrUnknownMethod))
}
