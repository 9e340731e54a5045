package tts

import (
	"context"
	"math"
	"time"
	"unicode/utf8"
)

const (
	mockPerRune     = 60 * time.Millisecond
	mockMinDuration = 500 * time.Millisecond
	mockMaxDuration = 10 * time.Second
)

// mockSynth writes a quiet tone whose length follows the text, so the
// service runs end to end without model weights.
type mockSynth struct{}

func newMockEngine() engine {
	return &mockSynth{}
}

func (m *mockSynth) synthesize(ctx context.Context, req SynthRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	duration := time.Duration(utf8.RuneCountInString(req.Text)) * mockPerRune
	duration = min(max(duration, mockMinDuration), mockMaxDuration)

	freq := 220.0
	if req.ReferencePath != "" {
		freq = 330.0
	}
	n := int(duration.Seconds() * float64(req.SampleRate))
	samples := make([]int, n)
	for i := range samples {
		t := float64(i) / float64(req.SampleRate)
		samples[i] = int(0.2 * math.MaxInt16 * math.Sin(2*math.Pi*freq*t))
	}

	if err := writeWAV(req.OutputPath, req.SampleRate, samples); err != nil {
		return "", err
	}
	return req.OutputPath, nil
}
