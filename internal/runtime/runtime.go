package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/loqa-transcribe/internal/audio"
	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/eventstore"
	"github.com/loqalabs/loqa-transcribe/internal/intake"
	"github.com/loqalabs/loqa-transcribe/internal/natsserver"
	"github.com/loqalabs/loqa-transcribe/internal/output"
	"github.com/loqalabs/loqa-transcribe/internal/pipeline"
	"github.com/loqalabs/loqa-transcribe/internal/transcribe"
)

const pruneInterval = time.Hour

// runner is the part of the pipeline the HTTP layer depends on.
type runner interface {
	Run(ctx context.Context, up pipeline.Upload) (pipeline.Result, error)
}

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	tracerClose    func(context.Context) error
	metricsHandler http.Handler
	ready          atomic.Bool
	wg             sync.WaitGroup

	nats   *natsserver.EmbeddedServer
	bus    *bus.Client
	store  *eventstore.Store
	intake *intake.Service
	runner runner
	cache  *lru.Cache[string, jobView]
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start serves the HTTP API until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricsHandler = metricsHandler

	if err := r.setup(ctx, true); err != nil {
		r.closeTelemetry()
		return err
	}
	defer r.teardown()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.closeTelemetry()
	return nil
}

// RunFile transcribes a single local file and writes the transcript, partial
// or complete, to the configured output location. Nothing is written when no
// segment was transcribed.
func (r *Runtime) RunFile(ctx context.Context, path string) (pipeline.Result, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pipeline.Result{}, "", fmt.Errorf("read input: %w", err)
	}
	if err := r.setup(ctx, false); err != nil {
		return pipeline.Result{}, "", err
	}
	defer r.teardown()

	res, runErr := r.runner.Run(ctx, pipeline.Upload{Filename: filepath.Base(path), Data: data})
	if !res.Transcript.HasText() {
		return res, "", runErr
	}
	written, err := output.WriteTranscript(r.cfg.Output.Directory, r.cfg.Output.Filename, res.Transcript.Text)
	if err != nil {
		r.logger.Error("failed to write transcript", slog.String("error", err.Error()))
		if runErr == nil {
			runErr = err
		}
		return res, "", runErr
	}
	r.logger.Info("transcript written", slog.String("path", written), slog.Bool("partial", res.Transcript.Partial()))
	return res, written, runErr
}

// setup opens the store, bus and pipeline. Bus intake only runs when serving.
func (r *Runtime) setup(ctx context.Context, serve bool) error {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	events := pipeline.MultiEvents{store}
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		if busCfg.Embedded {
			srv, err := natsserver.Start(busCfg, r.logger)
			if err != nil {
				r.teardown()
				return err
			}
			r.nats = srv
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			r.teardown()
			return err
		}
		r.bus = client
		events = append(events, client)
	}

	codec, err := audio.New(r.cfg.Audio)
	if err != nil {
		r.teardown()
		return fmt.Errorf("init audio codec: %w", err)
	}
	transcriber, err := transcribe.New(r.cfg.Transcription)
	if err != nil {
		r.teardown()
		return fmt.Errorf("init transcriber: %w", err)
	}
	p, err := pipeline.New(r.cfg, codec, transcriber, events, r.logger)
	if err != nil {
		r.teardown()
		return fmt.Errorf("init pipeline: %w", err)
	}
	r.runner = p

	if serve && r.cfg.Intake.Enabled && r.bus != nil {
		svc := intake.NewService(ctx, r.cfg.Intake, r.cfg.Output, r.bus, p, r.logger)
		if err := svc.Start(); err != nil {
			r.teardown()
			return fmt.Errorf("start intake: %w", err)
		}
		r.intake = svc
	}

	cache, err := lru.New[string, jobView](r.cfg.HTTP.CacheSize)
	if err != nil {
		r.teardown()
		return fmt.Errorf("init transcript cache: %w", err)
	}
	r.cache = cache

	r.logger.Info("pipeline ready",
		slog.String("codec", r.cfg.Audio.Codec),
		slog.String("transcriber", r.cfg.Transcription.Mode),
		slog.String("model", r.cfg.Transcription.Model),
		slog.Bool("bus", r.bus != nil))
	return nil
}

func (r *Runtime) teardown() {
	if r.intake != nil {
		r.intake.Close()
		r.intake = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.nats != nil {
		r.nats.Shutdown()
		r.nats = nil
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
		r.store = nil
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
	r.tracerClose = nil
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
