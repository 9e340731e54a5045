package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/voiceover/internal/history"
	"github.com/loqalabs/voiceover/internal/protocol"
)

// Publisher announces stored synthesis records on the bus and optionally
// mirrors the generated audio into a JetStream object bucket.
type Publisher struct {
	client *Client
	bucket nats.ObjectStore
	log    *slog.Logger
}

// NewPublisher binds to bucket, creating it when absent. An empty bucket
// name disables the audio mirror.
func NewPublisher(client *Client, bucket string, log *slog.Logger) (*Publisher, error) {
	p := &Publisher{
		client: client,
		log:    log.With(slog.String("component", "bus-publisher")),
	}
	if bucket == "" {
		return p, nil
	}
	js := client.JetStream()
	store, err := js.ObjectStore(bucket)
	if errors.Is(err, nats.ErrStreamNotFound) || errors.Is(err, nats.ErrBucketNotFound) {
		store, err = js.CreateObjectStore(&nats.ObjectStoreConfig{
			Bucket:      bucket,
			Description: "synthesized voiceover audio",
		})
	}
	if err != nil {
		return nil, fmt.Errorf("bind object bucket %q: %w", bucket, err)
	}
	p.bucket = store
	return p, nil
}

// PublishCompleted uploads the record's audio when a bucket is configured
// and then publishes a SynthesisCompleted event.
func (p *Publisher) PublishCompleted(ctx context.Context, rec history.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	event := completedEvent(rec)
	if p.bucket != nil {
		name, err := p.mirror(rec)
		if err != nil {
			p.log.Warn("failed to mirror audio", slog.Int64("id", rec.ID), slog.String("error", err.Error()))
		} else {
			event.AudioObject = name
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal synthesis event: %w", err)
	}
	msg := nats.NewMsg(protocol.SubjectSynthesisCompleted)
	msg.Header.Set(protocol.HeaderRecordID, strconv.FormatInt(rec.ID, 10))
	msg.Header.Set(protocol.HeaderMethod, rec.Method)
	msg.Data = data
	if err := p.client.Conn().PublishMsg(msg); err != nil {
		return fmt.Errorf("publish synthesis event: %w", err)
	}
	return nil
}

func completedEvent(rec history.Record) protocol.SynthesisCompleted {
	return protocol.SynthesisCompleted{
		RecordID:       rec.ID,
		Text:           rec.Text,
		Method:         rec.Method,
		Speaker:        rec.Speaker,
		WavFile:        rec.WavFile,
		ReferenceAudio: rec.ReferenceAudio,
		Timestamp:      rec.CreatedAt.UTC(),
	}
}

func (p *Publisher) mirror(rec history.Record) (string, error) {
	f, err := os.Open(rec.WavFile)
	if err != nil {
		return "", err
	}
	defer f.Close()

	name := filepath.Base(rec.WavFile)
	if info, err := p.bucket.GetInfo(name); err == nil && !info.Deleted {
		return name, nil
	}
	_, err = p.bucket.Put(&nats.ObjectMeta{
		Name:        name,
		Description: rec.Text,
		Headers: nats.Header{
			protocol.HeaderRecordID: []string{strconv.FormatInt(rec.ID, 10)},
			protocol.HeaderMethod:   []string{rec.Method},
		},
	}, f)
	if err != nil {
		return "", fmt.Errorf("put %s: %w", name, err)
	}
	return name, nil
}

// Subscribe delivers decoded SynthesisCompleted events to fn until the
// subscription is drained.
func (p *Publisher) Subscribe(fn func(protocol.SynthesisCompleted)) (*nats.Subscription, error) {
	return p.client.Conn().Subscribe(protocol.SubjectSynthesisCompleted, func(msg *nats.Msg) {
		var event protocol.SynthesisCompleted
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			p.log.Warn("failed to decode synthesis event", slog.String("error", err.Error()))
			return
		}
		fn(event)
	})
}

// FetchAudio reads a mirrored object back from the bucket.
func (p *Publisher) FetchAudio(name string, timeout time.Duration) ([]byte, error) {
	if p.bucket == nil {
		return nil, errors.New("audio bucket not configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.bucket.GetBytes(name, nats.Context(ctx))
}
