package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// httpSynth posts requests to a model server that answers with WAV bytes.
type httpSynth struct {
	endpoint string
	client   *http.Client
}

func newHTTPEngine(endpoint string) engine {
	return &httpSynth{endpoint: endpoint, client: &http.Client{}}
}

func (h *httpSynth) synthesize(ctx context.Context, req SynthRequest) (string, error) {
	body, err := json.Marshal(execRequest{
		Text:           req.Text,
		ReferenceAudio: req.ReferencePath,
		OutputPath:     req.OutputPath,
		Model:          req.Model,
		SampleRate:     req.SampleRate,
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("tts server returned status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	if err := writeStream(req.OutputPath, resp.Body); err != nil {
		return "", err
	}
	return req.OutputPath, nil
}
