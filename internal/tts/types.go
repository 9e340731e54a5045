package tts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/voiceover/internal/config"
)

// SingleSpeaker synthesizes text with a model's built-in voice and returns
// the path of the produced WAV file.
type SingleSpeaker interface {
	SynthesizeSingle(ctx context.Context, text string) (string, error)
}

// VoiceCloner synthesizes text conditioned on a reference recording.
type VoiceCloner interface {
	SynthesizeWithReference(ctx context.Context, text, referencePath string) (string, error)
}

// SynthRequest contains parameters handed to an engine.
type SynthRequest struct {
	Text          string
	ReferencePath string
	OutputPath    string
	Model         string
	SampleRate    int
}

type engine interface {
	synthesize(ctx context.Context, req SynthRequest) (string, error)
}

var ErrEmptyOutput = errors.New("synthesizer produced no audio")

// Backend binds one configured engine to the capability interfaces.
type Backend struct {
	mode       string
	model      string
	outputDir  string
	sampleRate int
	timeout    time.Duration
	engine     engine
}

// New builds a backend for the configured mode.
func New(cfg config.BackendConfig, outputDir string) (*Backend, error) {
	b := &Backend{
		mode:       cfg.Mode,
		model:      cfg.Model,
		outputDir:  outputDir,
		sampleRate: cfg.SampleRate,
		timeout:    time.Duration(cfg.TimeoutMS) * time.Millisecond,
	}
	switch cfg.Mode {
	case "mock":
		b.engine = newMockEngine()
	case "exec":
		e, err := newExecEngine(cfg.Command)
		if err != nil {
			return nil, err
		}
		b.engine = e
	case "http":
		b.engine = newHTTPEngine(cfg.Endpoint)
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
	return b, nil
}

func (b *Backend) Model() string { return b.model }

func (b *Backend) Mode() string { return b.mode }

func (b *Backend) SynthesizeSingle(ctx context.Context, text string) (string, error) {
	return b.run(ctx, text, "")
}

func (b *Backend) SynthesizeWithReference(ctx context.Context, text, referencePath string) (string, error) {
	if referencePath == "" {
		return "", errors.New("reference audio path required")
	}
	return b.run(ctx, text, referencePath)
}

func (b *Backend) run(ctx context.Context, text, referencePath string) (string, error) {
	if err := os.MkdirAll(b.outputDir, dirPermissions); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	req := SynthRequest{
		Text:          text,
		ReferencePath: referencePath,
		OutputPath:    OutputPath(b.outputDir, b.model, text, referencePath),
		Model:         b.model,
		SampleRate:    b.sampleRate,
	}
	path, err := b.engine.synthesize(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s %s synthesis: %w", b.model, b.mode, err)
	}
	return path, nil
}

// OutputPath derives a stable file name for a synthesis input.
func OutputPath(dir, model, text, referencePath string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.wav", sanitize(model), hashKey(text, referencePath)[:16]))
}

func hashKey(parts ...string) string {
	hash := sha256.New()
	for i, p := range parts {
		if i > 0 {
			hash.Write([]byte{0x1f})
		}
		hash.Write([]byte(p))
	}
	return hex.EncodeToString(hash.Sum(nil))
}

func sanitize(name string) string {
	if name == "" {
		return "tts"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}
