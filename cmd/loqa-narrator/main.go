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
	"syscall"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/logging"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/runtime"
	"github.com/loqalabs/loqa-narrator/internal/text"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

var version = "0.1.0-dev"

const (
	exitOK        = 0
	exitFatal     = 1
	exitPartial   = 2
	exitCancelled = 130
)

const defaultConfigPath = "narrator.yaml"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  string
		input       string
		outputDir   string
		voice       string
		format      string
		workers     int
		combine     bool
		listVoices  bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")
	flag.StringVar(&input, "input", "", "EPUB file to narrate")
	flag.StringVar(&outputDir, "output", "", "Directory for chapter and book audio")
	flag.StringVar(&voice, "voice", "", "Voice identifier")
	flag.StringVar(&format, "format", "", "Chapter audio format (wav|mp3)")
	flag.IntVar(&workers, "workers", 0, "Chapters synthesized in parallel")
	flag.BoolVar(&combine, "combine", false, "Also write a single combined audiobook")
	flag.BoolVar(&listVoices, "list-voices", false, "Print the configured voices and exit")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return exitOK
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg, err := loadConfig(configPath, set["config"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitFatal
	}
	if set["output"] {
		cfg.Output.Dir = outputDir
	}
	if set["voice"] {
		cfg.TTS.Voice = voice
	}
	if set["format"] {
		cfg.Output.ChapterFormat = format
	}
	if set["workers"] {
		cfg.Output.Workers = workers
	}
	if set["combine"] {
		cfg.Output.Combine = combine
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitFatal
	}

	if listVoices {
		return printVoices(os.Stdout, cfg.TTS)
	}

	if input == "" {
		fmt.Fprintln(os.Stderr, "missing -input")
		flag.Usage()
		return exitFatal
	}

	logger, closer, err := logging.New(cfg.Telemetry, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		return exitFatal
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := runtime.New(cfg, logger)
	report, err := rt.Run(ctx, input)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Warn("run cancelled")
		printSummary(os.Stdout, report)
	case err != nil:
		logger.Error("run failed", slog.String("error", err.Error()))
	default:
		printSummary(os.Stdout, report)
		if len(report.Chapters) == 0 && len(report.Failed) > 0 {
			logger.Error("no audio files were generated", slog.Int("failed", len(report.Failed)))
		}
	}
	return exitCode(report, err)
}

// exitCode maps a run outcome to the process status. A run in which every
// narratable chapter failed is fatal, not partial.
func exitCode(report pipeline.Report, err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return exitCancelled
	case err != nil:
		return exitFatal
	case len(report.Chapters) == 0 && len(report.Failed) > 0:
		return exitFatal
	case report.Partial():
		return exitPartial
	}
	return exitOK
}

// loadConfig falls back to defaults when the default config file is absent.
func loadConfig(path string, explicit bool) (config.Config, error) {
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.Load("")
		}
	}
	return config.Load(path)
}

func printVoices(w io.Writer, cfg config.TTSConfig) int {
	voices, err := tts.VoicesFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voices: %v\n", err)
		return exitFatal
	}
	for _, v := range voices.All() {
		marker := " "
		if v.ID == cfg.Voice {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %-14s %-6s %-4s %-7s %s\n", marker, v.ID, v.Language, v.Region, v.Gender, v.BackendName())
	}
	return exitOK
}

func printSummary(w io.Writer, report pipeline.Report) {
	if report.BookTitle != "" {
		fmt.Fprintf(w, "%s\n", report.BookTitle)
	}
	for _, ch := range report.Chapters {
		fmt.Fprintf(w, "  %3d  %-40s %8s  %s\n", ch.ChapterIndex, ch.Title, text.FormatDuration(ch.DurationSeconds), ch.FilePath)
	}
	for _, s := range report.Skipped {
		fmt.Fprintf(w, "  %3d  %-40s  skipped (no readable text)\n", s.Index, s.Title)
	}
	for _, f := range report.Failed {
		fmt.Fprintf(w, "  %3d  %-40s  FAILED: %v\n", f.Index, f.Title, f.Err)
	}
	if report.Book != nil {
		fmt.Fprintf(w, "book: %s (%s)\n", report.Book.FilePath, text.FormatDuration(report.Book.TotalDurationSeconds))
	}
	if report.CombineErr != nil {
		fmt.Fprintf(w, "book: not written: %v\n", report.CombineErr)
	}
	if len(report.Chapters) > 0 || len(report.Failed) > 0 {
		fmt.Fprintf(w, "estimated %s, narrated %s, reused %d chapter(s)\n",
			text.FormatDuration(report.EstimatedSeconds), text.FormatDuration(report.NarratedSeconds), len(report.Reused))
	}
}
