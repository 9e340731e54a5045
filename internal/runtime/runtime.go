package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/voiceover/internal/audio"
	"github.com/loqalabs/voiceover/internal/bus"
	"github.com/loqalabs/voiceover/internal/config"
	"github.com/loqalabs/voiceover/internal/history"
	"github.com/loqalabs/voiceover/internal/natsserver"
	"github.com/loqalabs/voiceover/internal/tts"
	"github.com/loqalabs/voiceover/internal/voiceover"
	"github.com/loqalabs/voiceover/internal/web"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	telemetry     func(config.Config, *slog.Logger) (func(context.Context) error, http.Handler, error)
	ready         atomic.Bool
	wg            sync.WaitGroup

	store      *history.Store
	natsServer *natsserver.EmbeddedServer
	busClient  *bus.Client
	requests   *bus.RequestService
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:       cfg,
		logger:    logger,
		telemetry: setupTelemetry,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := r.telemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	handler, err := r.build(ctx, metricsHandler)
	if err != nil {
		r.closeServices()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		r.closeTelemetry(shutdownCtx)
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              bind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.closeServices()

	r.closeTelemetry(shutdownCtx)
	return nil
}

func (r *Runtime) closeTelemetry(ctx context.Context) {
	if r.tracerClose == nil {
		return
	}
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
	r.tracerClose = nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// build opens the store, the backends and the optional bus, and returns the
// routed handler.
func (r *Runtime) build(ctx context.Context, metricsHandler http.Handler) (http.Handler, error) {
	store, err := history.Open(ctx, r.cfg.History, r.logger.With(slog.String("component", "history")))
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	r.store = store

	refs := audio.NewReferences(r.cfg.Audio)
	if info, err := audio.Describe(refs.DefaultPath()); err != nil {
		r.logger.Warn("default reference audio unavailable",
			slog.String("path", refs.DefaultPath()),
			slog.String("error", err.Error()))
	} else {
		r.logger.Info("default reference audio",
			slog.String("path", refs.DefaultPath()),
			slog.Int("sample_rate", info.SampleRate),
			slog.Duration("duration", info.Duration))
	}

	single, err := tts.New(r.cfg.TTS.SingleSpeaker, r.cfg.TTS.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("single speaker backend: %w", err)
	}
	cloner, err := tts.New(r.cfg.TTS.VoiceCloning, r.cfg.TTS.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("voice cloning backend: %w", err)
	}
	memo, err := tts.NewMemo(r.cfg.TTS.MemoMaxEntries)
	if err != nil {
		return nil, err
	}

	var publisher voiceover.Publisher
	if r.cfg.Bus.Enabled {
		p, err := r.connectBus()
		if err != nil {
			return nil, err
		}
		publisher = p
	}

	orch, err := voiceover.New(voiceover.Options{
		Store:         store,
		References:    refs,
		SingleSpeaker: single,
		VoiceCloner:   cloner,
		Memo:          memo,
		Publisher:     publisher,
		Speakers:      r.cfg.TTS.SingleSpeaker.Speakers,
		PageSize:      r.cfg.History.PageSize,
		Logger:        r.logger,
	})
	if err != nil {
		return nil, err
	}

	if r.busClient != nil && r.cfg.Bus.ServeRequests {
		timeout := time.Duration(max(r.cfg.TTS.SingleSpeaker.TimeoutMS, r.cfg.TTS.VoiceCloning.TimeoutMS)) * time.Millisecond
		r.requests = bus.NewRequestService(ctx, r.busClient, orch, r.cfg.Audio.ReferenceDir, timeout, r.logger)
		if err := r.requests.Start(); err != nil {
			return nil, fmt.Errorf("subscribe synthesis requests: %w", err)
		}
	}

	pages, err := web.NewHandler(orch, r.cfg.Audio.MaxUploadBytes, r.logger)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	pages.Register(mux)

	r.logger.Info("synthesis backends ready",
		slog.String("single_speaker", single.Mode()+"/"+single.Model()),
		slog.String("voice_cloning", cloner.Mode()+"/"+cloner.Model()),
		slog.Int("memo_max_entries", r.cfg.TTS.MemoMaxEntries))
	return mux, nil
}

func (r *Runtime) connectBus() (*bus.Publisher, error) {
	log := r.logger.With(slog.String("component", "bus"))
	srv, err := natsserver.Start(r.cfg.Bus, log)
	if err != nil {
		return nil, err
	}
	r.natsServer = srv

	client, err := bus.Connect(r.cfg.Bus, srv.ClientURL(), log)
	if err != nil {
		return nil, err
	}
	r.busClient = client

	return bus.NewPublisher(client, r.cfg.Bus.AudioBucket, log)
}

func (r *Runtime) closeServices() {
	if r.requests != nil {
		r.requests.Close()
		r.requests = nil
	}
	if r.busClient != nil {
		r.busClient.Close()
		r.busClient = nil
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
		r.natsServer = nil
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("history close error", slog.String("error", err.Error()))
		}
		r.store = nil
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	busOK := !r.cfg.Bus.Enabled || r.busClient.Healthy()
	if r.requests != nil {
		busOK = busOK && r.requests.Healthy()
	}
	if r.ready.Load() && busOK {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
