package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execSynth runs an external synthesis tool once per request. The tool
// receives one JSON request on stdin and answers with at most one JSON line.
type execSynth struct {
	cmd []string
	mu  sync.Mutex
}

type execRequest struct {
	Text           string `json:"text"`
	ReferenceAudio string `json:"reference_audio,omitempty"`
	OutputPath     string `json:"output_path"`
	Model          string `json:"model"`
	SampleRate     int    `json:"sample_rate"`
}

type execResponse struct {
	WavFile   string `json:"wav_file"`
	PCMBase64 string `json:"pcm_base64"`
	Error     string `json:"error"`
}

func newExecEngine(command string) (engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args}, nil
}

func (e *execSynth) synthesize(ctx context.Context, req SynthRequest) (string, error) {
	// one model process at a time per backend
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(execRequest{
		Text:           req.Text,
		ReferenceAudio: req.ReferencePath,
		OutputPath:     req.OutputPath,
		Model:          req.Model,
		SampleRate:     req.SampleRate,
	})
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("run %s: %w: %s", e.cmd[0], err, strings.TrimSpace(stderr.String()))
	}

	line := lastLine(stdout.Bytes())
	if len(line) == 0 {
		return existing(req.OutputPath)
	}
	var resp execResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return "", fmt.Errorf("decode tts response: %w", err)
	}
	switch {
	case resp.Error != "":
		return "", fmt.Errorf("tts tool: %s", resp.Error)
	case resp.PCMBase64 != "":
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			return "", fmt.Errorf("decode pcm: %w", err)
		}
		samples, err := pcm16ToSamples(pcm)
		if err != nil {
			return "", err
		}
		if len(samples) == 0 {
			return "", ErrEmptyOutput
		}
		if err := writeWAV(req.OutputPath, req.SampleRate, samples); err != nil {
			return "", err
		}
		return req.OutputPath, nil
	case resp.WavFile != "":
		return existing(resp.WavFile)
	default:
		return existing(req.OutputPath)
	}
}

func existing(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("tts output %s: %w", path, err)
	}
	if info.Size() == 0 {
		return "", ErrEmptyOutput
	}
	return path, nil
}

func lastLine(out []byte) []byte {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	return bytes.TrimSpace(lines[len(lines)-1])
}
