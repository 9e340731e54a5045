package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/voiceover/internal/audio"
	"github.com/loqalabs/voiceover/internal/history"
	"github.com/loqalabs/voiceover/internal/protocol"
	"github.com/loqalabs/voiceover/internal/voiceover"
)

// Submitter is the orchestrator entry point used by bus requests.
type Submitter interface {
	Submit(ctx context.Context, req voiceover.Request) (history.Record, error)
}

// ErrReferenceOutsideDir rejects bus references that do not live in the
// reference directory.
var ErrReferenceOutsideDir = errors.New("reference audio must be inside the reference directory")

// RequestService answers SynthesisRequest messages with the stored record.
// Explicit references must resolve below refDir.
type RequestService struct {
	bus     *Client
	submit  Submitter
	timeout time.Duration
	refDir  string
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewRequestService(parent context.Context, busClient *Client, submit Submitter, refDir string, timeout time.Duration, log *slog.Logger) *RequestService {
	ctx, cancel := context.WithCancel(parent)
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &RequestService{
		bus:     busClient,
		submit:  submit,
		timeout: timeout,
		refDir:  refDir,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "synthesis-requests")),
	}
}

func (s *RequestService) Start() error {
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectSynthesisRequest, "voiceover", s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *RequestService) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *RequestService) Healthy() bool { return s.sub != nil && s.sub.IsValid() }

func (s *RequestService) handleRequest(msg *nats.Msg) {
	var req protocol.SynthesisRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode synthesis request", slogError(err))
		s.reply(msg, protocol.SynthesisReply{Error: "invalid request: " + err.Error()})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		request, err := toRequest(req, s.refDir)
		if err != nil {
			s.reply(msg, protocol.SynthesisReply{Error: err.Error()})
			return
		}
		rec, err := s.submit.Submit(ctx, request)
		if err != nil {
			s.logger.Warn("bus synthesis failed", slog.String("method", req.Method), slogError(err))
			s.reply(msg, protocol.SynthesisReply{Error: err.Error()})
			return
		}
		event := completedEvent(rec)
		s.reply(msg, protocol.SynthesisReply{Completed: &event})
	}()
}

func toRequest(req protocol.SynthesisRequest, refDir string) (voiceover.Request, error) {
	method, err := voiceover.ParseMethod(req.Method)
	if err != nil {
		return nil, err
	}
	if method == voiceover.MethodSingleSpeaker {
		return voiceover.SingleSpeaker{Text: req.Text, Speaker: req.Speaker}, nil
	}
	ref := voiceover.DefaultReference()
	if req.ReferenceAudio != "" {
		if !audio.InDir(refDir, req.ReferenceAudio) {
			return nil, fmt.Errorf("%w: %s", ErrReferenceOutsideDir, req.ReferenceAudio)
		}
		ref = voiceover.ReferenceAt(filepath.Clean(req.ReferenceAudio))
	}
	return voiceover.VoiceCloning{Text: req.Text, Reference: ref}, nil
}

func (s *RequestService) reply(msg *nats.Msg, reply protocol.SynthesisReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal synthesis reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send synthesis reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
