// Command scribe connects to a group-chat server as an archival bot: it
// gossips log history with other scribes, records every post and deletion
// it observes, and answers other peers' history queries.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"chat-scribe/pkg/config"
	"chat-scribe/pkg/logline"
	"chat-scribe/pkg/logstore"
	"chat-scribe/pkg/recovery"
	"chat-scribe/pkg/scheduler"
	"chat-scribe/pkg/scribe"
	"chat-scribe/pkg/transport"
)

const version = "1.0"

// maintenanceInterval is how often the background job trims the store and
// (for SQLiteStore) runs PRAGMA optimize.
const maintenanceInterval = time.Hour

func main() {
	cfg, archivePath := parseFlags()
	setupLogging(cfg.LogJSON)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	if err := run(cfg, archivePath); err != nil {
		slog.Error("scribe exited with error", "error", err)
		os.Exit(1)
	}
}

// runSignal reports which shutdown signal arrived and the archival tag it
// maps to: SIGINT is treated as a user-initiated interrupt, SIGTERM as an
// explicit exit request, mirroring the original client's INTERRUPTED vs
// EXITING distinction.
func runSignal(sig os.Signal) string {
	if sig == syscall.SIGINT {
		return "INTERRUPTED"
	}
	return "EXITING"
}

func parseFlags() (cfg config.Config, archivePath string) {
	cfg = config.Default()
	cfg.Version = version

	var files stringList
	var pushLogs stringList

	flag.StringVar(&cfg.Nickname, "nick", "", "nickname to announce on the channel")
	flag.IntVar(&cfg.MaxLen, "maxlen", cfg.MaxLen, "maximum number of log entries to retain")
	flag.StringVar(&cfg.StorePath, "msgdb", "", "path to a SQLite database for persistent storage (default: in-memory)")
	flag.Var(&files, "read-file", "archival log file to replay on startup (repeatable)")
	flag.Var(&pushLogs, "push-logs", "peer id to proactively push the local log to on startup (repeatable)")
	flag.BoolVar(&cfg.DontStay, "dont-stay", false, "disconnect once the initial gossip round finishes")
	flag.BoolVar(&cfg.DontPull, "dont-pull", false, "don't initiate a gossip round on join")
	flag.BoolVar(&cfg.ReadOnly, "read-only", false, "never persist newly observed posts")
	flag.DurationVar(&cfg.PingDelay, "ping-delay", cfg.PingDelay, "keepalive ping interval")
	flag.DurationVar(&cfg.ReadTimeout, "read-timeout", 0, "how long to wait for a frame before treating the connection as stalled (0 disables)")
	flag.StringVar(&archivePath, "archive", "", "path to append the archival log-line record to (default: stdout)")
	flag.BoolVar(&cfg.LogJSON, "log-json", false, "emit diagnostics as JSON instead of the tinted console format")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] URL\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Connect to a group-chat server at URL and archive its history.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() > 0 {
		cfg.URL = flag.Arg(0)
	}
	cfg.ReadFiles = []string(files)
	cfg.PushLogs = []string(pushLogs)
	return cfg, archivePath
}

func setupLogging(logJSON bool) {
	var handler slog.Handler
	if logJSON {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{TimeFormat: time.Kitchen})
	}
	slog.SetDefault(slog.New(handler))
}

func run(cfg config.Config, archivePath string) (err error) {
	slog.Info("starting scribe", "version", cfg.Version, "maxlen", cfg.MaxLen, "url", cfg.URL)

	archiveOut := os.Stdout
	if archivePath != "" {
		f, ferr := os.OpenFile(archivePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if ferr != nil {
			return fmt.Errorf("opening archive file: %w", ferr)
		}
		defer f.Close()
		archiveOut = f
	}
	arc := scribe.NewArchive(archiveOut)

	defer func() {
		if r := recover(); r != nil {
			arc.Write("CRASHED")
			panic(r)
		}
	}()

	arc.Write("SCRIBE", logline.F("version", cfg.Version))
	arc.Write("OPENING", logline.F("file", cfg.StorePath), logline.F("maxlen", int64(cfg.MaxLen)))

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	for _, path := range cfg.ReadFiles {
		arc.Write("READING", logline.F("file", path), logline.F("maxlen", int64(cfg.MaxLen)))
		if err := loadRecoveryFile(ctx, store, path, cfg.MaxLen); err != nil {
			arc.Write("ERROR", logline.F("reason", err.Error()))
			return fmt.Errorf("reading %s: %w", path, err)
		}
	}

	oldest, newest, count, err := store.Bounds(ctx)
	if err != nil {
		return fmt.Errorf("reading bounds: %w", err)
	}
	slog.Info("store ready", "oldest", oldest.String(), "newest", newest.String(), "count", count)
	arc.Write("LOGBOUNDS", logline.F("from", oldest.String()), logline.F("to", newest.String()), logline.F("amount", int64(count)))

	maintSched, err := logstore.NewMaintenanceScheduler(store, cfg.MaxLen, maintenanceInterval)
	if err != nil {
		return fmt.Errorf("starting maintenance scheduler: %w", err)
	}
	maintSched.Start()
	defer maintSched.Shutdown()

	sched := scheduler.New()
	client := transport.NewClient(cfg.URL, nil, true)
	client.SetReadTimeout(cfg.ReadTimeout)

	engine := scribe.New(client, store, sched, scribe.Options{
		Nickname:  cfg.Nickname,
		PushLogs:  cfg.PushLogs,
		DontStay:  cfg.DontStay,
		DontPull:  cfg.DontPull,
		ReadOnly:  cfg.ReadOnly,
		PingDelay: cfg.PingDelay,
		Archive:   arc,
	})
	client.SetHandler(engine)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		tag := runSignal(sig)
		slog.Info("received shutdown signal", "signal", sig.String())
		arc.Write(tag)
		client.SetKeepalive(false)
		sched.Shutdown()
		cancel()
	}()

	arc.Write("CONNECT", logline.F("url", cfg.URL))
	go client.Run(runCtx)

	sched.Run()
	return nil
}

func openStore(cfg config.Config) (logstore.Store, error) {
	if cfg.StorePath == "" {
		return logstore.NewInMemoryStore(cfg.MaxLen), nil
	}
	return logstore.NewSQLiteStore(cfg.StorePath)
}

func loadRecoveryFile(ctx context.Context, store logstore.Store, path string, maxLen int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	result, err := recovery.Load(f, maxLen)
	if err != nil {
		return err
	}
	for _, e := range result.Entries {
		if err := store.Add(ctx, e); err != nil {
			return err
		}
	}
	for sender, uuid := range result.UUIDs {
		if err := store.AddUUID(ctx, sender, uuid); err != nil {
			return err
		}
	}
	slog.Info("replayed archival file", "path", path, "entries", len(result.Entries), "uuids", len(result.UUIDs))
	return nil
}
