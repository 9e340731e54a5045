package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/loqalabs/voiceover/internal/config"
	"github.com/loqalabs/voiceover/internal/tts"
	"github.com/loqalabs/voiceover/internal/voiceover"
)

var version = "0.1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		var usage usageError
		if errors.As(err, &usage) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type usageError string

func (e usageError) Error() string { return string(e) }

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		return usageError("expected 'synth', 'models' or 'version'")
	}
	switch args[0] {
	case "synth":
		return runSynth(ctx, args[1:], stdout, stderr)
	case "models":
		return runModels(args[1:], stdout)
	case "version":
		fmt.Fprintln(stdout, version)
		return nil
	default:
		return usageError(fmt.Sprintf("unknown command %q", args[0]))
	}
}

func runSynth(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var (
		configPath string
		text       string
		method     string
		reference  string
		output     string
		verbose    bool
	)
	fs := flag.NewFlagSet("synth", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.StringVar(&text, "text", "", "Text to synthesize")
	fs.StringVar(&method, "method", string(voiceover.MethodVoiceCloning), "Synthesis method")
	fs.StringVar(&reference, "reference", "", "Reference WAV for voice cloning (default from config)")
	fs.StringVar(&output, "output", "output2.wav", "Where to write the synthesized WAV")
	fs.BoolVar(&verbose, "v", false, "Verbose logging")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level := cfg.Telemetry.Level()
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	m, err := voiceover.ParseMethod(method)
	if err != nil {
		return usageError(err.Error())
	}
	if strings.TrimSpace(text) == "" {
		return usageError(voiceover.ErrEmptyText.Error())
	}

	var path string
	switch m {
	case voiceover.MethodSingleSpeaker:
		backend, err := tts.New(cfg.TTS.SingleSpeaker, cfg.TTS.OutputDir)
		if err != nil {
			return err
		}
		path, err = backend.SynthesizeSingle(ctx, text)
		if err != nil {
			return err
		}
	default:
		if reference == "" {
			reference = cfg.Audio.DefaultReference
		}
		backend, err := tts.New(cfg.TTS.VoiceCloning, cfg.TTS.OutputDir)
		if err != nil {
			return err
		}
		path, err = backend.SynthesizeWithReference(ctx, text, reference)
		if err != nil {
			return err
		}
	}
	logger.Debug("synthesized", slog.String("method", string(m)), slog.String("path", path))

	if err := copyFile(path, output); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Synthesized speech saved to %s\n", output)
	return nil
}

func runModels(args []string, stdout io.Writer) error {
	var configPath string
	fs := flag.NewFlagSet("models", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	backends := map[voiceover.Method]config.BackendConfig{
		voiceover.MethodVoiceCloning:  cfg.TTS.VoiceCloning,
		voiceover.MethodSingleSpeaker: cfg.TTS.SingleSpeaker,
	}
	for _, m := range voiceover.Methods {
		b := backends[m]
		fmt.Fprintf(stdout, "%s\tmodel=%s\tmode=%s\tsample_rate=%d\n", m, b.Model, b.Mode, b.SampleRate)
	}
	return nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open synthesized audio: %w", err)
	}
	defer in.Close()

	if dir := filepath.Dir(dst); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer func() {
		if closeErr := out.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("close output: %w", closeErr)
		}
	}()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
