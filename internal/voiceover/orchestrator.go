// Package voiceover turns synthesis requests into stored, playable history.
package voiceover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/voiceover/internal/history"
	"github.com/loqalabs/voiceover/internal/tts"
)

const instrumentationName = "github.com/loqalabs/voiceover/internal/voiceover"

var (
	ErrEmptyText      = errors.New("please enter some text")
	ErrUnknownMethod  = errors.New("unknown synthesis method")
	ErrUnknownSpeaker = errors.New("unknown speaker")
)

// Store is the slice of the history store the orchestrator needs.
type Store interface {
	Append(ctx context.Context, rec history.Record) (int64, error)
	Count(ctx context.Context) (int, error)
	ListRange(ctx context.Context, offset, limit int) ([]history.Record, error)
	Get(ctx context.Context, id int64) (history.Record, error)
}

// ReferenceStore persists uploaded reference audio.
type ReferenceStore interface {
	Save(src io.Reader) (string, error)
	DefaultPath() string
}

// Publisher is told about every stored record.
type Publisher interface {
	PublishCompleted(ctx context.Context, rec history.Record) error
}

type Options struct {
	Store         Store
	References    ReferenceStore
	SingleSpeaker tts.SingleSpeaker
	VoiceCloner   tts.VoiceCloner
	Memo          *tts.Memo
	Publisher     Publisher
	Speakers      []string
	PageSize      int
	Logger        *slog.Logger
}

type Orchestrator struct {
	store     Store
	refs      ReferenceStore
	single    tts.SingleSpeaker
	cloner    tts.VoiceCloner
	memo      *tts.Memo
	publisher Publisher
	speakers  []string
	pageSize  int
	log       *slog.Logger
	clock     func() time.Time

	tracer   trace.Tracer
	requests metric.Int64Counter
	memoHits metric.Int64Counter
	duration metric.Float64Histogram
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("orchestrator requires a history store")
	}
	if opts.References == nil {
		return nil, errors.New("orchestrator requires a reference store")
	}
	if opts.SingleSpeaker == nil || opts.VoiceCloner == nil {
		return nil, errors.New("orchestrator requires both synthesis backends")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Memo == nil {
		memo, err := tts.NewMemo(0)
		if err != nil {
			return nil, err
		}
		opts.Memo = memo
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 5
	}
	if len(opts.Speakers) == 0 {
		opts.Speakers = []string{"Default"}
	}

	o := &Orchestrator{
		store:     opts.Store,
		refs:      opts.References,
		single:    opts.SingleSpeaker,
		cloner:    opts.VoiceCloner,
		memo:      opts.Memo,
		publisher: opts.Publisher,
		speakers:  opts.Speakers,
		pageSize:  opts.PageSize,
		log:       opts.Logger.With(slog.String("component", "orchestrator")),
		clock:     time.Now,
		tracer:    otel.Tracer(instrumentationName),
	}
	o.initMetrics()
	return o, nil
}

func (o *Orchestrator) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error
	if o.requests, err = meter.Int64Counter("voiceover.synthesis.requests",
		metric.WithDescription("Synthesis requests by method and outcome")); err != nil {
		o.log.Warn("failed to create request counter", slog.String("error", err.Error()))
		o.requests = noop.Int64Counter{}
	}
	if o.memoHits, err = meter.Int64Counter("voiceover.memo.hits",
		metric.WithDescription("Requests answered from the memo table")); err != nil {
		o.log.Warn("failed to create memo counter", slog.String("error", err.Error()))
		o.memoHits = noop.Int64Counter{}
	}
	if o.duration, err = meter.Float64Histogram("voiceover.synthesis.duration",
		metric.WithDescription("Time spent in the synthesis backend"), metric.WithUnit("s")); err != nil {
		o.log.Warn("failed to create duration histogram", slog.String("error", err.Error()))
		o.duration = noop.Float64Histogram{}
	}
}

// Speakers lists the labels offered for the single-speaker method.
func (o *Orchestrator) Speakers() []string { return slices.Clone(o.speakers) }

// PageSize is the number of records per history page.
func (o *Orchestrator) PageSize() int { return o.pageSize }

// DefaultReference is the recording used when no reference is uploaded.
func (o *Orchestrator) DefaultReference() string { return o.refs.DefaultPath() }

// Submit validates req, synthesizes it and appends a record. Whitespace-only
// text fails with ErrEmptyText before anything else happens. Backend errors
// are returned unchanged in meaning and leave no record behind.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (history.Record, error) {
	if req == nil {
		return history.Record{}, ErrUnknownMethod
	}
	if strings.TrimSpace(req.text()) == "" {
		return history.Record{}, ErrEmptyText
	}
	method := req.Method()

	ctx, span := o.tracer.Start(ctx, "voiceover.submit", trace.WithAttributes(
		attribute.String("voiceover.method", string(method)),
		attribute.Int("voiceover.text_length", len(req.text())),
	))
	defer span.End()

	rec, hit, err := o.synthesize(ctx, req)
	if err != nil {
		o.countRequest(ctx, method, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return history.Record{}, err
	}
	span.SetAttributes(attribute.Bool("voiceover.memo_hit", hit))

	rec.Method = string(method)
	rec.CreatedAt = o.clock().Truncate(time.Second)
	id, err := o.store.Append(ctx, rec)
	if err != nil {
		o.countRequest(ctx, method, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return history.Record{}, fmt.Errorf("append history record: %w", err)
	}
	rec.ID = id
	o.countRequest(ctx, method, "ok")

	o.log.Info("synthesis recorded",
		slog.Int64("id", rec.ID),
		slog.String("method", rec.Method),
		slog.String("wav_file", rec.WavFile),
		slog.String("reference_audio", rec.ReferenceAudio),
		slog.Bool("memo_hit", hit))

	if o.publisher != nil {
		if err := o.publisher.PublishCompleted(ctx, rec); err != nil {
			o.log.Warn("failed to publish synthesis event", slog.Int64("id", rec.ID), slog.String("error", err.Error()))
		}
	}
	return rec, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, req Request) (history.Record, bool, error) {
	switch r := req.(type) {
	case SingleSpeaker:
		speaker := r.Speaker
		if speaker == "" {
			speaker = o.speakers[0]
		}
		if !slices.Contains(o.speakers, speaker) {
			return history.Record{}, false, fmt.Errorf("%w: %q", ErrUnknownSpeaker, speaker)
		}
		path, hit, err := o.dispatch(ctx, MethodSingleSpeaker, tts.MemoKey(string(MethodSingleSpeaker), r.Text), func() (string, error) {
			return o.single.SynthesizeSingle(ctx, r.Text)
		})
		if err != nil {
			return history.Record{}, false, err
		}
		return history.Record{
			Text:           r.Text,
			Speaker:        speaker,
			WavFile:        path,
			ReferenceAudio: history.NotApplicable,
		}, hit, nil

	case VoiceCloning:
		ref, err := o.resolveReference(r.Reference)
		if err != nil {
			return history.Record{}, false, err
		}
		path, hit, err := o.dispatch(ctx, MethodVoiceCloning, tts.MemoKey(string(MethodVoiceCloning), r.Text, ref), func() (string, error) {
			return o.cloner.SynthesizeWithReference(ctx, r.Text, ref)
		})
		if err != nil {
			return history.Record{}, false, err
		}
		return history.Record{
			Text:           r.Text,
			Speaker:        history.NotApplicable,
			WavFile:        path,
			ReferenceAudio: ref,
		}, hit, nil
	}
	return history.Record{}, false, fmt.Errorf("%w: %T", ErrUnknownMethod, req)
}

func (o *Orchestrator) dispatch(ctx context.Context, method Method, key string, call func() (string, error)) (string, bool, error) {
	start := time.Now()
	path, hit, err := o.memo.Do(ctx, key, call)
	attrs := metric.WithAttributes(attribute.String("method", string(method)))
	if hit {
		o.memoHits.Add(ctx, 1, attrs)
		return path, true, nil
	}
	o.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		return "", false, fmt.Errorf("synthesize with %s: %w", method, err)
	}
	return path, false, nil
}

func (o *Orchestrator) resolveReference(src ReferenceSource) (string, error) {
	switch {
	case src.Upload != nil:
		path, err := o.refs.Save(src.Upload)
		if err != nil {
			return "", fmt.Errorf("save reference audio: %w", err)
		}
		o.log.Info("reference audio stored", slog.String("path", path))
		return path, nil
	case src.Path != "":
		return src.Path, nil
	default:
		return o.refs.DefaultPath(), nil
	}
}

func (o *Orchestrator) countRequest(ctx context.Context, method Method, outcome string) {
	o.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", string(method)),
		attribute.String("outcome", outcome),
	))
}

// ListPage returns the requested history page using the configured page size.
func (o *Orchestrator) ListPage(ctx context.Context, page int) (Page, error) {
	return o.Page(ctx, page, o.pageSize)
}

// Page returns one page of history, most recent first. Page numbers outside
// [1, TotalPages] are clamped.
func (o *Orchestrator) Page(ctx context.Context, page, size int) (Page, error) {
	if size <= 0 {
		size = o.pageSize
	}
	total, err := o.store.Count(ctx)
	if err != nil {
		return Page{}, err
	}
	totalPages := TotalPages(total, size)
	page = ClampPage(page, totalPages)

	records, err := o.store.ListRange(ctx, (page-1)*size, size)
	if err != nil {
		return Page{}, err
	}
	entries := make([]PageEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, PageEntry{Record: rec, HasReference: rec.HasReference()})
	}
	return Page{
		Number:       page,
		Size:         size,
		TotalPages:   totalPages,
		TotalRecords: total,
		Entries:      entries,
	}, nil
}

// Record returns one stored record for playback.
func (o *Orchestrator) Record(ctx context.Context, id int64) (history.Record, error) {
	return o.store.Get(ctx, id)
}
