// Package runtime wires configuration into a complete conversion run:
// telemetry, checkpoints, the optional event bus and the pipeline itself.
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

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/book"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/checkpoint"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/epub"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/progress"
	"github.com/loqalabs/loqa-narrator/internal/text"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

const shutdownTimeout = 10 * time.Second

// Runtime converts one book per Run call.
type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	parser     book.Parser
	httpServer *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		parser: epub.NewParser(logger),
	}
}

// Run parses the book at inputPath and narrates it. A non-nil report is
// returned alongside ctx.Err() when the run is cancelled.
func (r *Runtime) Run(ctx context.Context, inputPath string) (pipeline.Report, error) {
	runID := uuid.NewString()
	logger := r.logger.With(slog.String("run_id", runID))

	tel, err := setupTelemetry(ctx, r.cfg, logger)
	if err != nil {
		return pipeline.Report{}, fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := tel.shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	metrics, err := NewMetrics(tel.meterProvider)
	if err != nil {
		return pipeline.Report{}, fmt.Errorf("failed to create metrics: %w", err)
	}

	if r.cfg.HTTP.Enabled {
		r.startHTTP(tel.metricsHandler)
		defer r.stopHTTP()
	}

	estimator := text.Estimator{WordsPerMinute: r.cfg.Text.WordsPerMinute}
	synth, err := tts.New(r.cfg.TTS, estimator)
	if err != nil {
		return pipeline.Report{}, fmt.Errorf("failed to create tts backend: %w", err)
	}
	voices, err := tts.VoicesFromConfig(r.cfg.TTS)
	if err != nil {
		return pipeline.Report{}, err
	}
	if _, err := voices.Lookup(r.cfg.TTS.Voice); err != nil {
		return pipeline.Report{}, err
	}

	store, err := checkpoint.Open(ctx, r.cfg.Checkpoint, logger)
	if err != nil {
		return pipeline.Report{}, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer store.Close()

	publisher, closeBus, err := r.connectBus(ctx, runID, logger)
	if err != nil {
		return pipeline.Report{}, err
	}
	defer closeBus()

	b, err := r.parser.Parse(ctx, inputPath)
	if err != nil {
		return pipeline.Report{}, err
	}
	logger.Info("book parsed",
		slog.String("title", b.Title),
		slog.String("author", b.Author),
		slog.Int("chapters", len(b.Chapters)),
	)

	observers := []progress.Observer{progress.NewLogObserver(logger), metrics, store.Recorder(ctx, runID)}
	if publisher != nil {
		observers = append(observers, publisher)
	}
	observer := progress.Multi(observers...)

	opts, err := r.pipelineOptions()
	if err != nil {
		return pipeline.Report{}, err
	}
	if publisher != nil {
		opts.OnChapter = publisher.PublishChapter
	}

	encoder := r.encoder(logger)
	coordinator := tts.NewCoordinator(synth, voices, tts.CoordinatorConfigFrom(r.cfg.TTS), observer, logger)
	assembler := audio.NewAssembler(audio.AssemblerConfig{
		Dir:        r.cfg.Output.Dir,
		Format:     opts.ChapterFormat,
		SampleRate: r.cfg.TTS.SampleRate,
		Channels:   r.cfg.TTS.Channels,
	}, encoder, observer, logger)
	combiner := audio.NewCombiner(encoder, observer, logger)
	p := pipeline.New(opts, estimator, coordinator, assembler, combiner, store, observer, logger)

	if err := store.StartRun(ctx, checkpoint.Run{
		ID:        runID,
		BookKey:   pipeline.BookKey(b, r.cfg.Output.Dir),
		BookTitle: b.Title,
		Voice:     r.cfg.TTS.Voice,
	}); err != nil {
		return pipeline.Report{}, fmt.Errorf("failed to record run: %w", err)
	}

	r.ready.Store(true)
	defer r.ready.Store(false)

	report, runErr := p.Run(ctx, runID, b)
	status := report.Status()
	switch {
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		status = checkpoint.StatusCancelled
	case runErr != nil:
		status = checkpoint.StatusFailed
	}
	if err := store.FinishRun(context.WithoutCancel(ctx), runID, status); err != nil {
		logger.Warn("failed to finish run record", slog.String("error", err.Error()))
	}
	logger.Info("run finished",
		slog.String("status", status),
		slog.Int("chapters", len(report.Chapters)),
		slog.Int("failed", len(report.Failed)),
		slog.Int("skipped", len(report.Skipped)),
	)
	return report, runErr
}

func (r *Runtime) pipelineOptions() (pipeline.Options, error) {
	chapterFormat, err := audio.ParseFormat(r.cfg.Output.ChapterFormat)
	if err != nil {
		return pipeline.Options{}, err
	}
	combinedFormat, err := audio.ParseFormat(r.cfg.Output.CombinedFormat)
	if err != nil {
		return pipeline.Options{}, err
	}
	return pipeline.Options{
		OutputDir:          r.cfg.Output.Dir,
		Voice:              r.cfg.TTS.Voice,
		MaxChunkChars:      r.cfg.Text.MaxChunkChars,
		ChapterFormat:      chapterFormat,
		Combine:            r.cfg.Output.Combine,
		CombinedFormat:     combinedFormat,
		ChapterGap:         time.Duration(r.cfg.Output.ChapterGapMS) * time.Millisecond,
		OnChunkFailure:     r.cfg.Output.OnChunkFailure,
		Workers:            r.cfg.Output.Workers,
		DeviationTolerance: r.cfg.Text.DeviationTolerance,
	}, nil
}

// encoder returns nil when no encoder binary is available; WAV output
// still works without one.
func (r *Runtime) encoder(logger *slog.Logger) audio.Encoder {
	enc, err := audio.NewExecEncoder(r.cfg.Encoder.Command, r.cfg.Encoder.Bitrate)
	if err != nil {
		if r.cfg.Output.ChapterFormat != string(audio.FormatWAV) ||
			(r.cfg.Output.Combine && r.cfg.Output.CombinedFormat != string(audio.FormatWAV)) {
			logger.Warn("audio encoder unavailable, compressed output falls back to wav",
				slog.String("error", err.Error()))
		}
		return nil
	}
	return enc
}

// connectBus starts the embedded server when configured and returns a
// publisher for this run. Both are nil when the bus is disabled.
func (r *Runtime) connectBus(ctx context.Context, runID string, logger *slog.Logger) (*bus.Publisher, func(), error) {
	if !r.cfg.Bus.Enabled {
		return nil, func() {}, nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start embedded nats: %w", err)
	}
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, logger)
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	closeFn := func() {
		client.Close()
		if embedded != nil {
			embedded.Shutdown()
		}
	}
	return bus.NewPublisher(client, busCfg.SubjectPrefix, runID), closeFn, nil
}

func (r *Runtime) startHTTP(metricsHandler http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("http server started", slog.String("addr", addr))
}

func (r *Runtime) stopHTTP() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
