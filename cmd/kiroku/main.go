// Command kiroku reads span records as newline-delimited JSON and delivers
// them to a collector.
//
// Each input line describes one finished span:
//
//	{"name":"checkout","kind":"server","start":"2024-05-01T10:00:00Z","end":"2024-05-01T10:00:01.5Z","attributes":{"http.status_code":200}}
//
// SIGUSR1 moves the agent to the background (open spans are discarded and
// new ones are dropped), SIGUSR2 brings it back. SIGINT, SIGTERM or the end
// of input drains the current batch and exits.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/ashita-ai/kiroku"
	"github.com/ashita-ai/kiroku/internal/backgrounding"
	"github.com/ashita-ai/kiroku/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

const shutdownTimeout = 10 * time.Second

type flags struct {
	input           string
	logLevel        string
	apiKey          string
	endpoint        string
	releaseStage    string
	persistence     string
	persistencePath string
	retryQueueDir   string
}

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	var f flags
	flagSet := pflag.NewFlagSet("kiroku", pflag.ContinueOnError)
	flagSet.StringVarP(&f.input, "input", "i", "-", "NDJSON span records to read (- for stdin)")
	flagSet.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (overrides KIROKU_LOG_LEVEL)")
	flagSet.StringVar(&f.apiKey, "api-key", "", "collector API key (overrides KIROKU_API_KEY)")
	flagSet.StringVar(&f.endpoint, "endpoint", "", "collector URL (overrides KIROKU_ENDPOINT)")
	flagSet.StringVar(&f.releaseStage, "release-stage", "", "release stage (overrides KIROKU_RELEASE_STAGE)")
	flagSet.StringVar(&f.persistence, "persistence", "", "memory, sqlite or badger (overrides KIROKU_PERSISTENCE)")
	flagSet.StringVar(&f.persistencePath, "persistence-path", "", "sqlite file or badger directory")
	flagSet.StringVar(&f.retryQueueDir, "retry-queue-dir", "", "journal directory for undelivered payloads")
	showVersion := flagSet.Bool("version", false, "print the version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	if *showVersion {
		fmt.Println("kiroku", version)
		return 0
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: resolveLogLevel(f.logLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, f); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger, f flags) error {
	in, closeInput, err := openInput(f.input)
	if err != nil {
		return err
	}
	defer closeInput()

	opts := []kiroku.Option{
		kiroku.WithLogger(logger),
		kiroku.WithAppVersion(version),
	}
	if f.apiKey != "" {
		opts = append(opts, kiroku.WithAPIKey(f.apiKey))
	}
	if f.endpoint != "" {
		opts = append(opts, kiroku.WithEndpoint(f.endpoint))
	}
	if f.releaseStage != "" {
		opts = append(opts, kiroku.WithReleaseStage(f.releaseStage))
	}
	if f.persistence != "" {
		opts = append(opts, kiroku.WithPersistenceDriver(f.persistence, f.persistencePath))
	}
	if f.retryQueueDir != "" {
		opts = append(opts, kiroku.WithRetryQueueDir(f.retryQueueDir))
	}
	if bg, fg, ok := backgroundSignals(); ok {
		opts = append(opts, kiroku.WithBackgroundingListener(backgrounding.NewSignalListener(ctx, logger, bg, fg)))
	}

	client, err := kiroku.New(opts...)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := client.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	logger.Info("kiroku agent reading spans", "version", version, "input", f.input)

	lines := readLines(in)
	var spans, skipped int
	for {
		select {
		case <-ctx.Done():
			logger.Info("signal received, draining", "spans", spans, "skipped", skipped)
			return nil
		case line, ok := <-lines:
			if !ok {
				logger.Info("end of input, draining", "spans", spans, "skipped", skipped)
				return nil
			}
			if line.err != nil {
				return fmt.Errorf("read input: %w", line.err)
			}
			if strings.TrimSpace(line.text) == "" {
				continue
			}
			rec, err := parseRecord([]byte(line.text))
			if err != nil {
				skipped++
				logger.Warn("skipping malformed span record", "line", line.number, "error", err)
				continue
			}
			rec.emit(client)
			spans++
		}
	}
}

type inputLine struct {
	number int
	text   string
	err    error
}

// readLines streams lines from r until EOF. A read error is sent as the
// final element.
func readLines(r io.Reader) <-chan inputLine {
	out := make(chan inputLine, 64)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		n := 0
		for scanner.Scan() {
			n++
			out <- inputLine{number: n, text: scanner.Text()}
		}
		if err := scanner.Err(); err != nil {
			out <- inputLine{number: n + 1, err: err}
		}
	}()
	return out
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// resolveLogLevel prefers the flag and falls back to KIROKU_LOG_LEVEL via the
// environment configuration. A configuration error is reported later by
// kiroku.New, so it only yields the default level here.
func resolveLogLevel(flag string) slog.Level {
	if flag != "" {
		return parseLevel(flag)
	}
	cfg, err := config.Load()
	if err != nil {
		return slog.LevelInfo
	}
	return parseLevel(cfg.LogLevel)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
